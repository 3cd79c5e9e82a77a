// Package engine drives a single Stata instance on behalf of one worker.
//
// The engine is not reentrant and keeps process-global state (data,
// variables, loaded programs), so each worker owns exactly one Engine and
// serializes every Run call. Break is the only method safe to call from
// another goroutine while Run is blocked.
package engine

import (
	"context"
	"errors"
)

// Config locates and isolates one engine instance.
type Config struct {
	// InstallPath is the Stata installation root.
	InstallPath string

	// Edition is the Stata edition: mp, se, or be.
	Edition string

	// WorkerID names the owning worker; used in scratch paths and seeds.
	WorkerID string

	// TempDir is the per-worker scratch directory bound into the engine
	// environment so parallel workers cannot collide on temp files.
	TempDir string
}

// Errors returned by engine implementations.
var (
	ErrNotStarted = errors.New("engine: not started")
	ErrBusy       = errors.New("engine: a script is already running")
	ErrExited     = errors.New("engine: process exited")
)

// Engine is the capability the worker holds to invoke and interrupt Stata.
type Engine interface {
	// Start brings the engine up with an isolated environment. It must be
	// called before Run; the warm-up graph export also happens here, in the
	// initialization context.
	Start(ctx context.Context) error

	// Run executes script text to completion and returns the console output
	// captured while it ran. It returns an error only for transport-level
	// failures (engine dead, stdin closed); Stata-level errors surface in
	// the output and are classified by the caller.
	Run(script string, echo bool) (string, error)

	// Break requests that the running script be interrupted at the next
	// break point. Non-blocking; safe from another goroutine. The caller
	// must issue at most one Break per Run.
	Break() error

	// Close shuts the engine down, forcefully if needed.
	Close() error
}
