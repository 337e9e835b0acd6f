package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bazelment/acplink/jsonrpc"
)

// Call is the caller's handle on one outstanding request. It completes
// exactly once: with a result, a *RemoteError, a *TimeoutError, a
// *CancelledError or a *ClosedError.
type Call struct {
	sentAt   time.Time
	deadline time.Time
	err      error
	table    *pendingTable
	timer    *time.Timer
	done     chan struct{}
	method   string
	result   json.RawMessage
	id       jsonrpc.ID
	timeout  time.Duration
}

// ID is the request id on the wire.
func (c *Call) ID() jsonrpc.ID { return c.id }

// Method is the request method.
func (c *Call) Method() string { return c.method }

// SentAt is when the call was registered.
func (c *Call) SentAt() time.Time { return c.sentAt }

// Deadline is when the call times out. Zero means no deadline.
func (c *Call) Deadline() time.Time { return c.deadline }

// Done is closed once the call has an outcome.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err returns the failure, or nil while pending or on success.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return nil, nil
	}
}

// Wait blocks until the call completes. If ctx ends first the call is
// cancelled, and Wait returns whatever outcome won: a response that raced
// the cancellation still counts.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.table.cancel(c, ctx.Err())
		<-c.done
	}
	return c.result, c.err
}

// Cancel fails the call with a *CancelledError. It is a no-op once the
// call has completed.
func (c *Call) Cancel() {
	c.table.cancel(c, nil)
}

// Decode waits for the call and unmarshals its result into v.
func (c *Call) Decode(ctx context.Context, v any) error {
	raw, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s result: %w", c.method, err)
	}
	return nil
}

// pendingTable correlates responses with outstanding calls. One mutex
// serializes register, resolve, cancel and expiry, so each call is
// fulfilled at most once.
type pendingTable struct {
	calls   map[jsonrpc.ID]*Call
	waiters []chan struct{}
	mu      sync.Mutex
	next    int64
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[jsonrpc.ID]*Call)}
}

// register creates a call under id. A timeout of zero means no deadline.
func (t *pendingTable) register(id jsonrpc.ID, method string, timeout time.Duration) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.calls[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	return t.addLocked(id, method, timeout), nil
}

// registerNext allocates the next numeric id, skipping ids still
// outstanding after the counter wraps.
func (t *pendingTable) registerNext(method string, timeout time.Duration) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.next == math.MaxInt64 {
			t.next = 0
		}
		t.next++
		id := jsonrpc.NumberID(t.next)
		if _, busy := t.calls[id]; !busy {
			return t.addLocked(id, method, timeout)
		}
	}
}

func (t *pendingTable) addLocked(id jsonrpc.ID, method string, timeout time.Duration) *Call {
	now := time.Now()
	c := &Call{
		id:      id,
		method:  method,
		sentAt:  now,
		timeout: timeout,
		table:   t,
		done:    make(chan struct{}),
	}
	if timeout > 0 {
		c.deadline = now.Add(timeout)
		c.timer = time.AfterFunc(timeout, func() { t.expire(c) })
	}
	t.calls[id] = c
	return c
}

// resolve completes the call matching msg's id. It reports false when no
// call is outstanding under that id.
func (t *pendingTable) resolve(msg *jsonrpc.Message) bool {
	if msg.ID == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[*msg.ID]
	if !ok {
		return false
	}
	if msg.Error != nil {
		t.finishLocked(c, nil, remoteError(msg.Error))
	} else {
		t.finishLocked(c, msg.Result, nil)
	}
	return true
}

// cancel fails c with a *CancelledError if it is still outstanding.
func (t *pendingTable) cancel(c *Call, cause error) bool {
	return t.fail(c, &CancelledError{ID: c.id, Method: c.method, Cause: cause})
}

// cancelID cancels whatever call is outstanding under id.
func (t *pendingTable) cancelID(id jsonrpc.ID, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[id]
	if !ok {
		return false
	}
	t.finishLocked(c, nil, &CancelledError{ID: id, Method: c.method, Cause: cause})
	return true
}

// fail completes c with err. The pointer check keeps a stale handle from
// touching a newer call that reused its id.
func (t *pendingTable) fail(c *Call, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.calls[c.id] != c {
		return false
	}
	t.finishLocked(c, nil, err)
	return true
}

func (t *pendingTable) expire(c *Call) {
	t.fail(c, &TimeoutError{ID: c.id, Method: c.method, After: c.timeout})
}

// expireAll fails every outstanding call with err and returns how many
// there were.
func (t *pendingTable) expireAll(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.calls)
	for _, c := range t.calls {
		t.finishLocked(c, nil, err)
	}
	return n
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// emptied returns a channel closed once no calls are outstanding.
func (t *pendingTable) emptied() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan struct{})
	if len(t.calls) == 0 {
		close(ch)
		return ch
	}
	t.waiters = append(t.waiters, ch)
	return ch
}

func (t *pendingTable) finishLocked(c *Call, result json.RawMessage, err error) {
	delete(t.calls, c.id)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.result = result
	c.err = err
	close(c.done)

	if len(t.calls) == 0 && len(t.waiters) > 0 {
		for _, w := range t.waiters {
			close(w)
		}
		t.waiters = nil
	}
}
