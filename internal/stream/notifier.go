// Package stream wraps long-running file executions with periodic progress
// and log notifications for the tool-protocol layer, and propagates
// client-side cancellation into the engine.
package stream

import (
	"context"
	"strings"
	"sync"
)

// Level is a syslog-style notification level, matching the MCP
// logging/setLevel vocabulary.
type Level string

const (
	LevelDebug     Level = "debug"
	LevelInfo      Level = "info"
	LevelNotice    Level = "notice"
	LevelWarning   Level = "warning"
	LevelError     Level = "error"
	LevelCritical  Level = "critical"
	LevelAlert     Level = "alert"
	LevelEmergency Level = "emergency"
)

// DefaultLevel is used for sessions that never set a level, and for level
// strings the bridge does not recognize.
const DefaultLevel = LevelNotice

var severities = map[Level]int{
	LevelDebug:     0,
	LevelInfo:      1,
	LevelNotice:    2,
	LevelWarning:   3,
	LevelError:     4,
	LevelCritical:  5,
	LevelAlert:     6,
	LevelEmergency: 7,
}

// ParseLevel maps a level string onto a known Level, falling back to the
// default for anything unrecognized.
func ParseLevel(s string) Level {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severities[l]; ok {
		return l
	}
	return DefaultLevel
}

// Severity orders levels; higher is more severe.
func (l Level) Severity() int {
	if s, ok := severities[l]; ok {
		return s
	}
	return severities[DefaultLevel]
}

// Notifier delivers notifications to the protocol layer. Implementations
// must be safe for concurrent use.
type Notifier interface {
	// Progress reports elapsed/total progress for a progress token the
	// client supplied with its request.
	Progress(ctx context.Context, token interface{}, progress, total float64, message string) error

	// Log emits a log notification.
	Log(ctx context.Context, level Level, loggerName string, data interface{}) error
}

// LevelRegistry tracks the minimum notification level, globally (set via
// logging/setLevel) and per session. Messages below the effective threshold
// are dropped.
type LevelRegistry struct {
	mu       sync.RWMutex
	fallback Level
	levels   map[string]Level
}

// NewLevelRegistry creates a registry at the default level.
func NewLevelRegistry() *LevelRegistry {
	return &LevelRegistry{fallback: DefaultLevel, levels: make(map[string]Level)}
}

// SetDefault changes the level applied to sessions without an explicit one.
func (r *LevelRegistry) SetDefault(level Level) {
	r.mu.Lock()
	r.fallback = level
	r.mu.Unlock()
}

// Set records the minimum level for a session.
func (r *LevelRegistry) Set(sessionID string, level Level) {
	r.mu.Lock()
	r.levels[sessionID] = level
	r.mu.Unlock()
}

// Get returns the session's minimum level, or the registry default.
func (r *LevelRegistry) Get(sessionID string) Level {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.levels[sessionID]; ok {
		return l
	}
	return r.fallback
}

// Allows reports whether a message at the given level passes the session's
// threshold.
func (r *LevelRegistry) Allows(sessionID string, level Level) bool {
	return level.Severity() >= r.Get(sessionID).Severity()
}
