// Package session manages the registry of Stata sessions: one worker process
// per session, request routing with spillover, admission control, and idle
// reclamation.
package session

import (
	"time"

	v1 "github.com/statbridge/statbridge/pkg/api/v1"
)

// DefaultSessionID is the implicit session created at manager start and used
// whenever a client omits a session id.
const DefaultSessionID = "default"

// Session pairs a logical session identity with a live worker.
type Session struct {
	ID               string
	State            v1.SessionState
	CreatedAt        time.Time
	LastActivity     time.Time
	CurrentCommandID string
	IsDefault        bool
	ErrorMessage     string

	worker Handle
}

// Info snapshots the session for API responses. Callers hold the registry
// lock.
func (s *Session) Info() v1.SessionInfo {
	info := v1.SessionInfo{
		SessionID:    s.ID,
		State:        s.State,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		IsBusy:       s.State == v1.SessionStateBusy,
		IsDefault:    s.IsDefault,
	}
	if s.worker != nil {
		info.WorkerPID = s.worker.PID()
	}
	if s.State == v1.SessionStateError {
		info.Error = s.ErrorMessage
	}
	return info
}
