// Package transport provides the duplex byte channels an ACP client talks
// over: a spawned agent's stdin/stdout, a raw socket, or a WebSocket.
//
// A Transport is single use. It moves Disconnected -> Connecting ->
// Connected -> Disconnected and never reconnects; the supervisor builds a
// fresh one for every attempt.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// State is the connection state of a transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateEvent is reported on every transition. Err is set when the channel
// went away without a local Close.
type StateEvent struct {
	Err   error
	State State
}

var (
	// ErrNotConnected is returned by WriteFrame outside the Connected state.
	ErrNotConnected = errors.New("transport not connected")

	// ErrReused is returned by Connect on a transport that was already used.
	ErrReused = errors.New("transport already used")

	// ErrPeerClosed is the disconnect cause when the remote end hangs up.
	ErrPeerClosed = errors.New("peer closed the connection")
)

// Transport is a framed duplex byte channel.
type Transport interface {
	// Connect establishes the channel (spawns the process, dials the socket).
	Connect(ctx context.Context) error

	// WriteFrame writes one complete frame. Concurrent callers are
	// serialized so frames never interleave.
	WriteFrame(frame []byte) error

	// ReadChunk blocks for the next chunk of inbound bytes. The slice is
	// only valid until the next call. It returns io.EOF once the transport
	// has disconnected, whatever the cause; Err reports the cause.
	ReadChunk() ([]byte, error)

	// Close shuts the channel down. A disconnect caused by Close is clean:
	// Err stays nil.
	Close() error

	State() State

	// Done is closed when the transport reaches Disconnected.
	Done() <-chan struct{}

	// Err is the reason for an unexpected disconnect, or nil.
	Err() error
}

// Option configures behaviour shared by every transport.
type Option func(*settings)

type settings struct {
	onState func(StateEvent)
	logger  *slog.Logger
}

// WithStateHook registers a callback for state transitions. It runs on
// the goroutine that caused the transition and must not block.
func WithStateHook(fn func(StateEvent)) Option {
	return func(s *settings) { s.onState = fn }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func applyOptions(opts []Option) settings {
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// lifecycle is the state bookkeeping embedded by every transport.
type lifecycle struct {
	err      error
	onState  func(StateEvent)
	done     chan struct{}
	mu       sync.Mutex
	state    State
	used     bool
	closing  bool
	finished bool
}

func newLifecycle(onState func(StateEvent)) lifecycle {
	return lifecycle{onState: onState, done: make(chan struct{})}
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lifecycle) connecting() error {
	l.mu.Lock()
	if l.used {
		l.mu.Unlock()
		return ErrReused
	}
	l.used = true
	l.state = StateConnecting
	l.mu.Unlock()
	l.notify(StateEvent{State: StateConnecting})
	return nil
}

// connected returns false if the transport was closed while connecting.
func (l *lifecycle) connected() bool {
	l.mu.Lock()
	if l.finished || l.closing {
		l.mu.Unlock()
		return false
	}
	l.state = StateConnected
	l.mu.Unlock()
	l.notify(StateEvent{State: StateConnected})
	return true
}

func (l *lifecycle) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateConnected
}

// beginClose marks a local shutdown. It returns false if one is already in
// progress or the transport is gone.
func (l *lifecycle) beginClose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.finished {
		return false
	}
	l.closing = true
	return true
}

// disconnect moves to Disconnected exactly once. cause is dropped when a
// local Close is in progress.
func (l *lifecycle) disconnect(cause error) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	l.used = true
	if l.closing {
		cause = nil
	}
	l.err = cause
	l.state = StateDisconnected
	close(l.done)
	l.mu.Unlock()
	l.notify(StateEvent{State: StateDisconnected, Err: cause})
}

func (l *lifecycle) notify(ev StateEvent) {
	if l.onState != nil {
		l.onState(ev)
	}
}
