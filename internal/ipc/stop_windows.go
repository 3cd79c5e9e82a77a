//go:build windows

package ipc

import (
	"errors"
	"os"
)

// StopSignal is unused on Windows; os.Interrupt keeps the type satisfied.
var StopSignal os.Signal = os.Interrupt

// ErrStopUnsupported is returned where no async stop primitive exists.
var ErrStopUnsupported = errors.New("ipc: stop signal not supported on this platform")

// SignalStop is unavailable on Windows; callers fall back to an on-queue
// stop command.
func SignalStop(pid int) error {
	return ErrStopUnsupported
}

// StopSignalSupported reports whether out-of-band stop signalling works on
// this platform.
func StopSignalSupported() bool { return false }
