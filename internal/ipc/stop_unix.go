//go:build !windows

package ipc

import "syscall"

// StopSignal is the out-of-band signal used to interrupt a worker's engine.
var StopSignal = syscall.SIGUSR1

// SignalStop delivers the stop signal to a worker process. It never blocks.
func SignalStop(pid int) error {
	return syscall.Kill(pid, syscall.SIGUSR1)
}

// StopSignalSupported reports whether out-of-band stop signalling works on
// this platform.
func StopSignalSupported() bool { return true }
