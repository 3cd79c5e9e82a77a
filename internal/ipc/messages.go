// Package ipc defines the typed message protocol between the session manager
// and its worker processes: commands inbound, results outbound, newline-
// delimited JSON over the worker's stdio, plus an out-of-band stop flag.
package ipc

import (
	"time"

	v1 "github.com/statbridge/statbridge/pkg/api/v1"
)

// Command types consumed by a worker
const (
	CommandExecute     = "execute"
	CommandExecuteFile = "execute_file"
	CommandGetStatus   = "get_status"
	CommandStop        = "stop"
	CommandGetData     = "get_data"
	CommandExit        = "exit"
)

// Result statuses emitted by a worker
const (
	StatusReady       = "ready"
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusCancelled   = "cancelled"
	StatusTimeout     = "timeout"
	StatusStopped     = "stopped"
	StatusStopSent    = "stop_sent"
	StatusStopSkipped = "stop_skipped"
	StatusNotRunning  = "not_running"
	StatusExiting     = "exiting"
	StatusFatal       = "fatal"
	StatusInitFailed  = "init_failed"
	StatusStatus      = "status"
)

// Reserved command ids for out-of-band results. Waiters filter results by
// their own command id and discard these.
const (
	InitCommandID  = "_init"
	StopCommandID  = "_stop"
	ErrorCommandID = "_error"
	FatalCommandID = "_fatal"
)

// Payload carries the per-command-type arguments. Unused fields are omitted
// on the wire.
type Payload struct {
	Code        string  `json:"code,omitempty"`
	FilePath    string  `json:"file_path,omitempty"`
	Timeout     float64 `json:"timeout,omitempty"` // seconds
	LogFile     string  `json:"log_file,omitempty"`
	WorkingDir  string  `json:"working_dir,omitempty"`
	IfCondition string  `json:"if_condition,omitempty"`
	MaxRows     int     `json:"max_rows,omitempty"`
}

// Command is a message sent to a worker
type Command struct {
	Type      string    `json:"type"`
	CommandID string    `json:"command_id"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"ts"`
}

// Extra carries command-specific result data
type Extra struct {
	FilePath string        `json:"file_path,omitempty"`
	LogFile  string        `json:"log_file,omitempty"`
	Graphs   []v1.Graph    `json:"graphs,omitempty"`
	Frame    *v1.DataFrame `json:"frame,omitempty"`
	State    string        `json:"state,omitempty"`
}

// Result is a message returned from a worker. Every result answers exactly
// one command, identified by CommandID, except the reserved out-of-band ids.
type Result struct {
	CommandID     string    `json:"command_id"`
	Status        string    `json:"status"`
	Output        string    `json:"output,omitempty"`
	Error         string    `json:"error,omitempty"`
	ExecutionTime float64   `json:"execution_time,omitempty"` // seconds
	WorkerID      string    `json:"worker_id,omitempty"`
	WorkerState   string    `json:"worker_state,omitempty"`
	Timestamp     time.Time `json:"ts"`
	Extra         *Extra    `json:"extra,omitempty"`
}
