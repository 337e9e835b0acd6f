package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/acplink/jsonrpc"
)

var discardLog = slog.New(slog.DiscardHandler)

// fakeWriter records every frame the dispatcher writes. onWrite, when set,
// runs after the frame is recorded.
type fakeWriter struct {
	err     error
	onWrite func(msg *jsonrpc.Message)
	msgs    []*jsonrpc.Message
	mu      sync.Mutex
}

func (w *fakeWriter) WriteFrame(frame []byte) error {
	w.mu.Lock()
	if w.err != nil {
		w.mu.Unlock()
		return w.err
	}
	msg, err := jsonrpc.Decode(bytes.TrimSuffix(frame, []byte("\n")))
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.msgs = append(w.msgs, msg)
	hook := w.onWrite
	w.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (w *fakeWriter) sent() []*jsonrpc.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*jsonrpc.Message(nil), w.msgs...)
}

// eventLog collects hub events for assertions.
type eventLog struct {
	events []Event
	mu     sync.Mutex
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range l.all() {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T, timeout time.Duration) (*Dispatcher, *fakeWriter, *eventLog) {
	t.Helper()
	hub := newEventHub(16, discardLog)
	t.Cleanup(hub.close)
	log := &eventLog{}
	hub.subscribe(log.add)

	d := newDispatcher(timeout, nil, hub, discardLog)
	w := &fakeWriter{}
	d.attach(w)
	return d, w, log
}

func notification(t *testing.T, method string, params any) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.NewNotification(method, params)
	require.NoError(t, err)
	return msg
}

func TestDispatcher_SendAndDeliver(t *testing.T) {
	d, w, _ := newTestDispatcher(t, time.Minute)

	call, err := d.Send(context.Background(), "prompt", map[string]string{"sessionId": "s1"})
	require.NoError(t, err)

	sent := w.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "prompt", sent[0].Method)
	require.NotNil(t, sent[0].ID)
	assert.Equal(t, call.ID(), *sent[0].ID)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(sent[0].Params))
	assert.Equal(t, 1, d.Outstanding())

	d.Deliver(resultFor(call.ID(), `{"stopReason":"end_turn"}`))

	raw, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"stopReason":"end_turn"}`, string(raw))
	assert.Zero(t, d.Outstanding())
}

func TestDispatcher_ConcurrentCallsGetTheirOwnResults(t *testing.T) {
	d, w, _ := newTestDispatcher(t, time.Minute)

	// Answer every request with its own params, in reverse order of arrival.
	var (
		mu   sync.Mutex
		held []*jsonrpc.Message
	)
	const n = 10
	w.onWrite = func(msg *jsonrpc.Message) {
		mu.Lock()
		held = append(held, msg)
		ready := len(held) == n
		mu.Unlock()
		if !ready {
			return
		}
		for i := n - 1; i >= 0; i-- {
			d.Deliver(&jsonrpc.Message{ID: held[i].ID, Result: held[i].Params})
		}
	}

	var wg sync.WaitGroup
	results := make([]map[string]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = d.Call(context.Background(), "echo", map[string]int{"n": i}, &results[i])
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, i, results[i]["n"])
	}
}

func TestDispatcher_SendWithoutTransport(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Minute)
	d.detach()

	_, err := d.Send(context.Background(), "prompt", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, errNotAttached)
	assert.Zero(t, d.Outstanding())

	assert.ErrorIs(t, d.Notify("cancelSession", nil), ErrTransport)
}

func TestDispatcher_SendRacingCrashTeardown(t *testing.T) {
	tests := []struct {
		name     string
		teardown func(d *Dispatcher)
	}{
		{
			name: "detached",
			teardown: func(d *Dispatcher) {
				d.detach()
				d.table.expireAll(&ClosedError{Reason: ReasonProcessTerminated})
			},
		},
		{
			name: "restarted",
			teardown: func(d *Dispatcher) {
				d.detach()
				d.table.expireAll(&ClosedError{Reason: ReasonProcessTerminated})
				d.attach(&fakeWriter{})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, w, _ := newTestDispatcher(t, time.Hour)

			// Send has picked the writer when the crash path runs.
			captured := d.currentWriter()
			tt.teardown(d)

			msg, err := jsonrpc.NewRequest(jsonrpc.ID{}, "prompt", nil)
			require.NoError(t, err)
			call, err := d.sendTo(context.Background(), captured, msg)
			assert.Nil(t, call)

			var closed *ClosedError
			require.ErrorAs(t, err, &closed)
			assert.Equal(t, ReasonProcessTerminated, closed.Reason)
			assert.Zero(t, d.Outstanding(), "no call is left pending")
			assert.Empty(t, w.sent(), "nothing is written to the old transport")
		})
	}
}

func TestDispatcher_NonPositiveTimeoutUsesDefault(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		d, _, _ := newTestDispatcher(t, timeout)
		assert.Equal(t, DefaultRequestTimeout, d.callTimeout(context.Background()))

		cfg := defaultClientConfig()
		WithRequestTimeout(timeout)(&cfg)
		assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	}
}

func TestDispatcher_WriteFailureFailsTheCall(t *testing.T) {
	d, w, _ := newTestDispatcher(t, time.Minute)
	broken := errors.New("broken pipe")
	w.err = broken

	call, err := d.Send(context.Background(), "prompt", nil)
	assert.Nil(t, call)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, broken)
	assert.Zero(t, d.Outstanding())
}

func TestDispatcher_SendWithDoneContext(t *testing.T) {
	d, w, _ := newTestDispatcher(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Send(ctx, "prompt", nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, w.sent(), "nothing is written")
}

func TestDispatcher_ContextDeadlineShortensTimeout(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	call, err := d.Send(ctx, "slow", nil)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Millisecond), call.Deadline(), 20*time.Millisecond)

	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("call outlived its context deadline")
	}
	assert.ErrorIs(t, call.Err(), ErrTimeout)
}

func TestDispatcher_CallPassesRemoteErrorThrough(t *testing.T) {
	d, w, _ := newTestDispatcher(t, time.Minute)
	w.onWrite = func(msg *jsonrpc.Message) {
		d.Deliver(jsonrpc.NewErrorResponse(msg.ID, -32000, "agent busy", nil))
	}

	err := d.Call(context.Background(), "prompt", nil, nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, -32000, remote.Code)
	assert.Equal(t, "agent busy", remote.Message)
}

func TestDispatcher_Notify(t *testing.T) {
	d, w, _ := newTestDispatcher(t, time.Minute)

	require.NoError(t, d.Notify("cancelSession", sessionRef{SessionID: "s1"}))

	sent := w.sent()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].ID)
	assert.Equal(t, jsonrpc.KindNotification, sent[0].Kind())
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(sent[0].Params))
	assert.Zero(t, d.Outstanding())
}

func TestDispatcher_NotificationListenersInOrder(t *testing.T) {
	d, _, events := newTestDispatcher(t, time.Minute)

	var got []string
	unsubFirst := d.Subscribe(MethodSessionUpdate, func(n Notification) { got = append(got, "first") })
	d.Subscribe(MethodSessionUpdate, func(n Notification) { got = append(got, "second") })
	d.SubscribeAll(func(n Notification) { got = append(got, "all:"+n.Method) })
	d.Subscribe("other", func(n Notification) { got = append(got, "other") })

	d.Deliver(notification(t, MethodSessionUpdate, map[string]string{"sessionId": "s1"}))
	assert.Equal(t, []string{"first", "second", "all:session/update"}, got)

	got = nil
	unsubFirst()
	unsubFirst()
	d.Deliver(notification(t, MethodSessionUpdate, nil))
	assert.Equal(t, []string{"second", "all:session/update"}, got)

	require.Eventually(t, func() bool {
		return len(events.ofType(EventTypeNotification)) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_UnknownNotificationIsDropped(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Minute)
	call, err := d.Send(context.Background(), "prompt", nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() { d.Deliver(notification(t, "mystery/update", nil)) })
	assert.False(t, isDone(call))
}

func TestDispatcher_UnmatchedResponseIsReported(t *testing.T) {
	d, _, events := newTestDispatcher(t, time.Minute)

	d.Deliver(resultFor(jsonrpc.NumberID(424242), `{}`))

	require.Eventually(t, func() bool {
		return len(events.ofType(EventTypeUnmatchedResponse)) == 1
	}, time.Second, 5*time.Millisecond)
	ev := events.ofType(EventTypeUnmatchedResponse)[0].(UnmatchedResponseEvent)
	assert.Equal(t, jsonrpc.NumberID(424242), ev.ID)
}

func TestDispatcher_ErrorWithoutIDIsProtocolError(t *testing.T) {
	d, _, events := newTestDispatcher(t, time.Minute)

	d.Deliver(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "Parse error", nil))

	require.Eventually(t, func() bool {
		return len(events.ofType(EventTypeProtocolError)) == 1
	}, time.Second, 5*time.Millisecond)
	ev := events.ofType(EventTypeProtocolError)[0].(ProtocolErrorEvent)
	assert.ErrorIs(t, ev.Err, ErrProtocol)
	var remote *RemoteError
	require.True(t, errors.As(ev.Err, &remote))
	assert.Equal(t, jsonrpc.CodeParseError, remote.Code)
}

// waitForResponse returns the first response the dispatcher wrote for id.
func waitForResponse(t *testing.T, w *fakeWriter, id jsonrpc.ID) *jsonrpc.Message {
	t.Helper()
	var found *jsonrpc.Message
	require.Eventually(t, func() bool {
		for _, m := range w.sent() {
			if m.Kind() == jsonrpc.KindResponse && m.ID != nil && *m.ID == id {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func agentRequest(t *testing.T, id, method string, params any) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.NewRequest(jsonrpc.StringID(id), method, params)
	require.NoError(t, err)
	return msg
}

func TestDispatcher_InboundRequestHandled(t *testing.T) {
	d, w, _ := newTestDispatcher(t, time.Minute)
	d.Handle("fs/read_text_file", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]string{"content": "contents of " + p.Path}, nil
	})

	d.Deliver(agentRequest(t, "agent-1", "fs/read_text_file", map[string]string{"path": "/tmp/a"}))

	resp := waitForResponse(t, w, jsonrpc.StringID("agent-1"))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"content":"contents of /tmp/a"}`, string(resp.Result))
}

func TestDispatcher_InboundRequestUnknownMethod(t *testing.T) {
	d, w, _ := newTestDispatcher(t, time.Minute)
	d.Handle("fs/read_text_file", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	d.Handle("fs/read_text_file", nil)

	d.Deliver(agentRequest(t, "agent-2", "fs/read_text_file", nil))

	resp := waitForResponse(t, w, jsonrpc.StringID("agent-2"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Method not found: fs/read_text_file", resp.Error.Message)
}

func TestDispatcher_InboundRequestErrors(t *testing.T) {
	d, w, _ := newTestDispatcher(t, time.Minute)
	d.Handle("remote", func(context.Context, json.RawMessage) (any, error) {
		return nil, &RemoteError{Code: jsonrpc.CodeInvalidParams, Message: "bad path"}
	})
	d.Handle("plain", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})

	d.Deliver(agentRequest(t, "r", "remote", nil))
	d.Deliver(agentRequest(t, "p", "plain", nil))

	resp := waitForResponse(t, w, jsonrpc.StringID("r"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	assert.Equal(t, "bad path", resp.Error.Message)

	resp = waitForResponse(t, w, jsonrpc.StringID("p"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "disk on fire", resp.Error.Message)
}

// scriptedReader returns its chunks in order, then io.EOF.
type scriptedReader struct {
	chunks [][]byte
}

func (r *scriptedReader) ReadChunk() ([]byte, error) {
	if len(r.chunks) == 0 {
		return nil, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func TestDispatcher_ServeSkipsMalformedRecords(t *testing.T) {
	d, _, events := newTestDispatcher(t, time.Minute)
	call, err := d.Send(context.Background(), "prompt", nil)
	require.NoError(t, err)

	frame, err := jsonrpc.Encode(resultFor(call.ID(), `{"ok":true}`))
	require.NoError(t, err)
	half := len(frame) / 2

	r := &scriptedReader{chunks: [][]byte{
		[]byte("{not json}\n"),
		frame[:half],
		frame[half:],
	}}
	require.NoError(t, d.Serve(context.Background(), r))

	raw, err := call.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	require.Eventually(t, func() bool {
		return len(events.ofType(EventTypeProtocolError)) == 1
	}, time.Second, 5*time.Millisecond)
	ev := events.ofType(EventTypeProtocolError)[0].(ProtocolErrorEvent)
	var perr *ProtocolError
	require.True(t, errors.As(ev.Err, &perr))
	assert.Equal(t, "{not json}", perr.Line)
}

type failingReader struct{ err error }

func (r failingReader) ReadChunk() ([]byte, error) { return nil, r.err }

func TestDispatcher_ServeReturnsReadErrors(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Minute)
	boom := errors.New("boom")
	assert.ErrorIs(t, d.Serve(context.Background(), failingReader{err: boom}), boom)
}

type tapRecord struct {
	dir    Direction
	method string
}

type recordingTap struct {
	records []tapRecord
	mu      sync.Mutex
}

func (r *recordingTap) Record(dir Direction, msg *jsonrpc.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, tapRecord{dir: dir, method: msg.Method})
}

func TestDispatcher_FrameTapSeesBothDirections(t *testing.T) {
	hub := newEventHub(4, discardLog)
	t.Cleanup(hub.close)
	tap := &recordingTap{}
	d := newDispatcher(time.Minute, tap, hub, discardLog)
	d.attach(&fakeWriter{})

	call, err := d.Send(context.Background(), "prompt", nil)
	require.NoError(t, err)
	frame, err := jsonrpc.Encode(resultFor(call.ID(), `{}`))
	require.NoError(t, err)
	require.NoError(t, d.Serve(context.Background(), &scriptedReader{chunks: [][]byte{frame}}))

	assert.Equal(t, []tapRecord{
		{dir: DirectionSent, method: "prompt"},
		{dir: DirectionReceived, method: ""},
	}, tap.records)
}
