package ipc

import (
	"os"
	"os/signal"
	"sync/atomic"
)

// StopFlag is the worker-side view of the out-of-band stop signal. It is
// deliberately decoupled from the command queue: a queued stop would be
// serialized behind the in-flight execute it is meant to interrupt.
//
// The parent sets the flag by signalling the worker process (see SignalStop);
// the worker's stop monitor observes it and clears it before acting, so one
// signal produces at most one engine break.
type StopFlag struct {
	set atomic.Bool
}

// NewStopFlag creates a cleared flag.
func NewStopFlag() *StopFlag {
	return &StopFlag{}
}

// Set raises the flag.
func (f *StopFlag) Set() {
	f.set.Store(true)
}

// Clear lowers the flag.
func (f *StopFlag) Clear() {
	f.set.Store(false)
}

// IsSet reports whether the flag is raised.
func (f *StopFlag) IsSet() bool {
	return f.set.Load()
}

// BindSignal raises the flag whenever sig is delivered to this process.
// Workers bind the stop signal once at startup.
func (f *StopFlag) BindSignal(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			f.set.Store(true)
		}
	}()
}
