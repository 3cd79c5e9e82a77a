// Package events defines the event types published on the statbridge bus.
package events

// Session lifecycle events
const (
	SessionCreated   = "session.created"
	SessionDestroyed = "session.destroyed"
	SessionError     = "session.error"

	// SessionSpilled is published when a busy session causes a request to
	// run in a freshly created spillover session. Its data carries the
	// spillover session_id plus spilled_from, the id the client targeted.
	SessionSpilled = "session.spilled"
)

// Execution lifecycle events
const (
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionCancelled = "execution.cancelled"
)

// Subjects subscribed to by the WebSocket stream
const (
	SubjectAllSessions   = "session.>"
	SubjectAllExecutions = "execution.>"
)

// Event kind prefixes, used by the WebSocket stream to scope deliveries.
const (
	KindSession   = "session"
	KindExecution = "execution"
)
