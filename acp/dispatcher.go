package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bazelment/acplink/jsonrpc"
)

// Notification is an inbound message without an id.
type Notification struct {
	Method string
	Params json.RawMessage
}

// RequestHandler answers a request the agent sends to the client. A
// returned *RemoteError is sent back verbatim; any other error becomes an
// internal error response.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Direction tells a FrameTap which way a message travelled.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// FrameTap observes every message written to or decoded from the channel.
// Record is called from the sending goroutine or the reader and must not
// block. Outgoing messages are recorded just before the write, so a request
// always precedes its response, but concurrent sends may be recorded in a
// different order than they reached the wire.
type FrameTap interface {
	Record(dir Direction, msg *jsonrpc.Message)
}

type frameWriter interface {
	WriteFrame(frame []byte) error
}

type chunkReader interface {
	ReadChunk() ([]byte, error)
}

var errNotAttached = errors.New("no transport attached")

type listener struct {
	fn func(Notification)
	id uint64
}

// Dispatcher turns calls into framed requests and routes inbound messages:
// responses to the correlation table, notifications to listeners, requests
// to handlers.
type Dispatcher struct {
	writer    frameWriter
	tap       FrameTap
	log       *slog.Logger
	table     *pendingTable
	events    *eventHub
	listeners map[string][]listener
	handlers  map[string]RequestHandler
	all       []listener
	timeout   time.Duration
	mu        sync.RWMutex
	nextSub   uint64
}

func newDispatcher(timeout time.Duration, tap FrameTap, events *eventHub, log *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Dispatcher{
		table:     newPendingTable(),
		timeout:   timeout,
		tap:       tap,
		events:    events,
		log:       log,
		listeners: make(map[string][]listener),
		handlers:  make(map[string]RequestHandler),
	}
}

func (d *Dispatcher) attach(w frameWriter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writer = w
}

func (d *Dispatcher) detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writer = nil
}

func (d *Dispatcher) currentWriter() frameWriter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.writer
}

// Outstanding is the number of calls awaiting a response.
func (d *Dispatcher) Outstanding() int { return d.table.len() }

// callTimeout is the request timeout, shortened to ctx's deadline.
func (d *Dispatcher) callTimeout(ctx context.Context) time.Duration {
	timeout := d.timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = max(rem, time.Nanosecond)
		}
	}
	return timeout
}

// Send writes a request and returns its handle without waiting. A failed
// write completes the call with a *TransportError, which is also returned.
func (d *Dispatcher) Send(ctx context.Context, method string, params any) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{Method: method, Cause: err}
	}
	msg, err := jsonrpc.NewRequest(jsonrpc.ID{}, method, params)
	if err != nil {
		return nil, err
	}

	w := d.currentWriter()
	if w == nil {
		return nil, &TransportError{Op: "send " + method, Err: errNotAttached}
	}
	return d.sendTo(ctx, w, msg)
}

// sendTo registers msg and writes it to w. The supervisor detaches before
// it expires the table, so a call that finds w replaced once registered may
// have missed the expiry and is failed here.
func (d *Dispatcher) sendTo(ctx context.Context, w frameWriter, msg *jsonrpc.Message) (*Call, error) {
	method := msg.Method
	call := d.table.registerNext(method, d.callTimeout(ctx))
	id := call.ID()
	msg.ID = &id

	if d.currentWriter() != w {
		cerr := &ClosedError{Reason: ReasonProcessTerminated}
		d.table.fail(call, cerr)
		return nil, cerr
	}

	frame, err := jsonrpc.Encode(msg)
	if err != nil {
		perr := &ProtocolError{Message: "encode " + method, Cause: err}
		d.table.fail(call, perr)
		return nil, perr
	}
	d.record(DirectionSent, msg)
	d.log.Debug("sending request", "method", method, "id", id.String())

	if err := w.WriteFrame(frame); err != nil {
		terr := &TransportError{Op: "write " + method, Err: err}
		d.table.fail(call, terr)
		return nil, terr
	}
	return call, nil
}

// Call sends a request, waits for the response and decodes it into
// result, which may be nil.
func (d *Dispatcher) Call(ctx context.Context, method string, params, result any) error {
	call, err := d.Send(ctx, method, params)
	if err != nil {
		return err
	}
	return call.Decode(ctx, result)
}

// Notify writes a notification. Nothing is registered and nothing waits.
func (d *Dispatcher) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return d.write(msg)
}

func (d *Dispatcher) write(msg *jsonrpc.Message) error {
	w := d.currentWriter()
	if w == nil {
		return &TransportError{Op: "send " + msg.Method, Err: errNotAttached}
	}
	frame, err := jsonrpc.Encode(msg)
	if err != nil {
		return &ProtocolError{Message: "encode message", Cause: err}
	}
	d.record(DirectionSent, msg)
	if err := w.WriteFrame(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Subscribe registers fn for notifications of one method. Listeners run
// on the reader goroutine in registration order and must not block.
func (d *Dispatcher) Subscribe(method string, fn func(Notification)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSub++
	id := d.nextSub
	d.listeners[method] = append(d.listeners[method], listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.listeners[method] = removeListener(d.listeners[method], id)
			if len(d.listeners[method]) == 0 {
				delete(d.listeners, method)
			}
		})
	}
}

// SubscribeAll registers fn for every notification, after the
// method-specific listeners.
func (d *Dispatcher) SubscribeAll(fn func(Notification)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSub++
	id := d.nextSub
	d.all = append(d.all, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.all = removeListener(d.all, id)
		})
	}
}

func removeListener(ls []listener, id uint64) []listener {
	out := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// Handle registers h for requests the agent sends with method. A nil h
// removes the handler.
func (d *Dispatcher) Handle(method string, h RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, method)
		return
	}
	d.handlers[method] = h
}

// Deliver routes one decoded inbound message.
func (d *Dispatcher) Deliver(msg *jsonrpc.Message) {
	d.deliver(context.Background(), msg)
}

func (d *Dispatcher) deliver(ctx context.Context, msg *jsonrpc.Message) {
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		d.deliverResponse(msg)
	case jsonrpc.KindNotification:
		d.deliverNotification(msg)
	case jsonrpc.KindRequest:
		go d.serveRequest(ctx, msg)
	}
}

func (d *Dispatcher) deliverResponse(msg *jsonrpc.Message) {
	if msg.ID == nil {
		// The agent could not tell which request it is answering.
		err := &ProtocolError{Message: "response without id"}
		if msg.Error != nil {
			err.Cause = remoteError(msg.Error)
		}
		d.log.Warn("agent reported an uncorrelated error", "err", err)
		d.events.publish(ProtocolErrorEvent{Err: err})
		return
	}
	if !d.table.resolve(msg) {
		d.log.Debug("dropping unmatched response", "id", msg.ID.String())
		d.events.publish(UnmatchedResponseEvent{ID: *msg.ID})
	}
}

func (d *Dispatcher) deliverNotification(msg *jsonrpc.Message) {
	n := Notification{Method: msg.Method, Params: msg.Params}

	d.mu.RLock()
	ls := make([]listener, 0, len(d.listeners[msg.Method])+len(d.all))
	ls = append(ls, d.listeners[msg.Method]...)
	ls = append(ls, d.all...)
	d.mu.RUnlock()

	d.events.publish(NotificationEvent{Method: n.Method, Params: n.Params})
	if len(ls) == 0 {
		d.log.Debug("no listener for notification", "method", msg.Method)
		return
	}
	for _, l := range ls {
		l.fn(n)
	}
}

func (d *Dispatcher) serveRequest(ctx context.Context, msg *jsonrpc.Message) {
	d.mu.RLock()
	h, ok := d.handlers[msg.Method]
	d.mu.RUnlock()

	var resp *jsonrpc.Message
	if !ok {
		d.log.Debug("agent called unknown method", "method", msg.Method, "id", msg.ID.String())
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound, "Method not found: "+msg.Method, nil)
	} else {
		result, err := h(ctx, msg.Params)
		resp = d.handlerResponse(*msg.ID, result, err)
	}

	if err := d.write(resp); err != nil {
		d.log.Warn("failed to answer agent request", "method", msg.Method, "err", err)
	}
}

func (d *Dispatcher) handlerResponse(id jsonrpc.ID, result any, err error) *jsonrpc.Message {
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return jsonrpc.NewErrorResponse(&id, remote.Code, remote.Message, remote.Data)
		}
		return jsonrpc.NewErrorResponse(&id, jsonrpc.CodeInternalError, err.Error(), nil)
	}
	resp, merr := jsonrpc.NewResult(id, result)
	if merr != nil {
		return jsonrpc.NewErrorResponse(&id, jsonrpc.CodeInternalError, merr.Error(), nil)
	}
	return resp
}

// Serve is the reader loop: it feeds chunks from r through a decoder and
// delivers each message until r reports EOF. Malformed records are
// reported and skipped.
func (d *Dispatcher) Serve(ctx context.Context, r chunkReader) error {
	dec := jsonrpc.NewDecoder()
	for {
		chunk, err := r.ReadChunk()
		for msg, ferr := range dec.Feed(chunk) {
			if ferr != nil {
				d.protocolError(ferr)
				continue
			}
			d.record(DirectionReceived, msg)
			d.deliver(ctx, msg)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (d *Dispatcher) protocolError(err error) {
	perr := &ProtocolError{Message: "malformed record", Cause: err}
	var ferr *jsonrpc.FrameError
	if errors.As(err, &ferr) {
		perr.Line = string(ferr.Line)
	}
	d.log.Warn("skipping malformed record", "err", err)
	d.events.publish(ProtocolErrorEvent{Err: perr})
}

func (d *Dispatcher) record(dir Direction, msg *jsonrpc.Message) {
	if d.tap != nil {
		d.tap.Record(dir, msg)
	}
}
