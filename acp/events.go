package acp

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/bazelment/acplink/jsonrpc"
	"github.com/bazelment/acplink/transport"
)

// EventType discriminates between event kinds.
type EventType int

const (
	// EventTypeStateChange fires on every supervisor transition.
	EventTypeStateChange EventType = iota

	// EventTypeTransportState fires when the underlying channel changes state.
	EventTypeTransportState

	// EventTypeNotification fires for every inbound notification.
	EventTypeNotification

	// EventTypeProtocolError fires for records that could not be decoded.
	EventTypeProtocolError

	// EventTypeUnmatchedResponse fires for responses nobody was waiting for.
	EventTypeUnmatchedResponse
)

func (t EventType) String() string {
	switch t {
	case EventTypeStateChange:
		return "state_change"
	case EventTypeTransportState:
		return "transport_state"
	case EventTypeNotification:
		return "notification"
	case EventTypeProtocolError:
		return "protocol_error"
	case EventTypeUnmatchedResponse:
		return "unmatched_response"
	default:
		return "unknown"
	}
}

// Event is the interface for all lifecycle events.
type Event interface {
	Type() EventType
}

// StateChangeEvent reports a supervisor transition. Attempt is the restart
// attempt the transition belongs to, zero for the first launch.
type StateChangeEvent struct {
	Err     error
	RunID   string
	From    State
	To      State
	Attempt int
}

// Type returns the event type.
func (e StateChangeEvent) Type() EventType { return EventTypeStateChange }

// TransportStateEvent reports a transport transition for one run.
type TransportStateEvent struct {
	Err   error
	RunID string
	State transport.State
}

// Type returns the event type.
func (e TransportStateEvent) Type() EventType { return EventTypeTransportState }

// NotificationEvent carries an inbound notification.
type NotificationEvent struct {
	Method string
	Params json.RawMessage
}

// Type returns the event type.
func (e NotificationEvent) Type() EventType { return EventTypeNotification }

// ProtocolErrorEvent reports an inbound record that was skipped.
type ProtocolErrorEvent struct {
	Err error
}

// Type returns the event type.
func (e ProtocolErrorEvent) Type() EventType { return EventTypeProtocolError }

// UnmatchedResponseEvent reports a late, duplicate or unknown response.
type UnmatchedResponseEvent struct {
	ID jsonrpc.ID
}

// Type returns the event type.
func (e UnmatchedResponseEvent) Type() EventType { return EventTypeUnmatchedResponse }

// eventHub queues events and delivers them in order from one goroutine,
// so publishers never block on slow listeners.
type eventHub struct {
	log      *slog.Logger
	subs     map[uint64]func(Event)
	wake     chan struct{}
	stop     chan struct{}
	finished chan struct{}
	ch       chan Event
	queue    []Event
	mu       sync.Mutex
	nextSub  uint64
	closed   bool
}

func newEventHub(bufferSize int, log *slog.Logger) *eventHub {
	h := &eventHub{
		log:      log,
		subs:     make(map[uint64]func(Event)),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		ch:       make(chan Event, bufferSize),
	}
	go h.run()
	return h
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.queue = append(h.queue, ev)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *eventHub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	id := h.nextSub
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *eventHub) channel() <-chan Event { return h.ch }

// close delivers what is already queued, then closes the channel.
func (h *eventHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.finished
		return
	}
	h.closed = true
	h.mu.Unlock()
	close(h.stop)
	<-h.finished
}

func (h *eventHub) run() {
	defer close(h.finished)
	defer close(h.ch)

	for {
		select {
		case <-h.wake:
			h.drain()
		case <-h.stop:
			h.drain()
			return
		}
	}
}

func (h *eventHub) drain() {
	for {
		h.mu.Lock()
		batch := h.queue
		h.queue = nil
		h.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			h.deliver(ev)
		}
	}
}

func (h *eventHub) deliver(ev Event) {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}

	select {
	case h.ch <- ev:
	default:
		h.log.Debug("event channel full, dropping event", "type", ev.Type().String())
	}
}
