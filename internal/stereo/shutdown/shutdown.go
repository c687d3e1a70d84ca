// Package shutdown implements the process-wide stop flag shared by the
// capture producer and the visualisation consumer.
//
// The flag moves one way: Running → StopRequested → Stopped. The first
// Request wins and records its Reason; later requests are no-ops. Done is
// closed on the first request so every waiter wakes even when no new data
// arrives.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// State is the coordinator's lifecycle state.
type State int32

const (
	Running State = iota
	StopRequested
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case StopRequested:
		return "stop-requested"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Reason records why a stop was requested.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonSignal
	ReasonUserExit
	ReasonEndOfStream
	ReasonWriteFailure
	ReasonContext
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonSignal:
		return "signal"
	case ReasonUserExit:
		return "user exit"
	case ReasonEndOfStream:
		return "end of stream"
	case ReasonWriteFailure:
		return "write failure"
	case ReasonContext:
		return "context cancelled"
	}
	return fmt.Sprintf("reason(%d)", int32(r))
}

// Flag is the shutdown flag. The zero value is not usable; call New.
type Flag struct {
	state  atomic.Int32
	reason atomic.Int32
	once   sync.Once
	done   chan struct{}
}

// New returns a Flag in the Running state.
func New() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Request moves the flag to StopRequested and wakes all waiters. It returns
// true only for the call that performed the transition.
func (f *Flag) Request(r Reason) bool {
	requested := false
	f.once.Do(func() {
		f.reason.Store(int32(r))
		f.state.CompareAndSwap(int32(Running), int32(StopRequested))
		close(f.done)
		requested = true
	})
	return requested
}

// Stopping reports whether a stop has been requested. It is the poll used at
// the top of every producer iteration and at every consumer wake.
func (f *Flag) Stopping() bool {
	return State(f.state.Load()) != Running
}

// Done is closed once a stop has been requested.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}

// MarkStopped records that the producer has exited and been joined. It
// implies a stop request when none was made.
func (f *Flag) MarkStopped() {
	f.Request(ReasonEndOfStream)
	f.state.Store(int32(Stopped))
}

// State returns the current lifecycle state.
func (f *Flag) State() State {
	return State(f.state.Load())
}

// Reason returns the reason recorded by the first Request.
func (f *Flag) Reason() Reason {
	return Reason(f.reason.Load())
}

// WatchSignals requests a stop on SIGINT or SIGTERM, or with ReasonContext
// when ctx ends first. The returned function releases the signal handler;
// call it once the run is over.
func (f *Flag) WatchSignals(ctx context.Context) (release func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-sigCh:
			f.Request(ReasonSignal)
		case <-ctx.Done():
			f.Request(ReasonContext)
		case <-f.done:
		case <-quit:
		}
	}()

	var releaseOnce sync.Once
	return func() {
		releaseOnce.Do(func() {
			signal.Stop(sigCh)
			close(quit)
			wg.Wait()
		})
	}
}
