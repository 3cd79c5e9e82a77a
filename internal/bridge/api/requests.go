// Package api provides the supporting HTTP handlers for the bridge: session
// CRUD, stats, stop, data-frame and graph inspectors, and health. These
// endpoints expose the registry but never execute user code themselves.
package api

import (
	"time"

	v1 "github.com/statbridge/statbridge/pkg/api/v1"
)

// CreateSessionRequest for creating a session
type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// CreateSessionResponse for session creation
type CreateSessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionsListResponse for listing sessions
type SessionsListResponse struct {
	Sessions []v1.SessionInfo `json:"sessions"`
	Total    int              `json:"total"`
}

// StopResponse for stop requests
type StopResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HistoryResponse for the command history inspector
type HistoryResponse struct {
	Entries []v1.HistoryEntry `json:"entries"`
	Total   int               `json:"total"`
}

// HealthResponse for health checks
type HealthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Stats     v1.ManagerStats `json:"stats"`
}
