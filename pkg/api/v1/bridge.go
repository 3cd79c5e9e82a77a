// Package v1 contains the shared API types for statbridge.
package v1

import "time"

// SessionState represents the lifecycle state of a session
type SessionState string

const (
	SessionStateCreating   SessionState = "creating"
	SessionStateReady      SessionState = "ready"
	SessionStateBusy       SessionState = "busy"
	SessionStateError      SessionState = "error"
	SessionStateDestroying SessionState = "destroying"
	SessionStateDestroyed  SessionState = "destroyed"
)

// SessionInfo describes a session for API responses
type SessionInfo struct {
	SessionID    string       `json:"session_id"`
	State        SessionState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	IsBusy       bool         `json:"is_busy"`
	IsDefault    bool         `json:"is_default"`
	WorkerPID    int          `json:"worker_pid,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// ExecuteResult is the structured outcome of an execute or execute-file call.
// Status carries the orchestration outcome; errors are surfaced in Error, not
// as Go errors, so the protocol layer decides rendering.
type ExecuteResult struct {
	Status        string  `json:"status"`
	Output        string  `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
	SessionID     string  `json:"session_id"`
	LogFile       string  `json:"log_file,omitempty"`
	Graphs        []Graph `json:"graphs,omitempty"`
}

// Graph describes an exported graph artifact
type Graph struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// DataFrame is a columnar snapshot of a session's in-memory dataset
type DataFrame struct {
	Columns       []string          `json:"columns"`
	Dtypes        map[string]string `json:"dtypes"`
	Data          [][]interface{}   `json:"data"`
	Index         []int             `json:"index"`
	Rows          int               `json:"rows"`
	TotalRows     int               `json:"total_rows"`
	DisplayedRows int               `json:"displayed_rows"`
	MaxRows       int               `json:"max_rows"`
}

// DataResult wraps a DataFrame with the command outcome
type DataResult struct {
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	SessionID string     `json:"session_id"`
	Frame     *DataFrame `json:"frame,omitempty"`
}

// ManagerStats is a snapshot of the session manager registry
type ManagerStats struct {
	Enabled        bool `json:"enabled"`
	TotalSessions  int  `json:"total_sessions"`
	ActiveSessions int  `json:"active_sessions"`
	BusySessions   int  `json:"busy_sessions"`
	MaxSessions    int  `json:"max_sessions"`
	AvailableSlots int  `json:"available_slots"`
	SessionTimeout int  `json:"session_timeout_seconds"`
}

// HistoryEntry records one executed command for the history inspector
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // selection or file
	Input     string    `json:"input"`
	Status    string    `json:"status"`
}
