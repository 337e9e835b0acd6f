package acp

import (
	"context"
	"sync"
)

// State is the supervisor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Readiness completes when a start attempt reaches Ready, or fails for
// good. Every Start call made while that attempt is in flight, including
// across restarts, returns the same Readiness.
type Readiness struct {
	err  error
	done chan struct{}
	once sync.Once
}

func newReadiness() *Readiness {
	return &Readiness{done: make(chan struct{})}
}

func failedReadiness(err error) *Readiness {
	r := newReadiness()
	r.resolve(err)
	return r
}

// Done is closed once the outcome is known.
func (r *Readiness) Done() <-chan struct{} { return r.done }

// Err is the failure, or nil while pending or once ready.
func (r *Readiness) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx ends.
func (r *Readiness) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Readiness) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *Readiness) resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
