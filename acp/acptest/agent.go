// Package acptest provides a scripted in-process agent for testing ACP
// clients.
package acptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/bazelment/acplink/jsonrpc"
	"github.com/bazelment/acplink/transport"
)

// Handler answers one request. It runs on the agent's read loop, so it
// must not block; keep the *Request and reply later to delay an answer.
type Handler func(req *Request)

// Request is a request received by the agent.
type Request struct {
	conn   *conn
	Method string
	Params json.RawMessage
	ID     jsonrpc.ID
}

// Reply sends a successful response.
func (r *Request) Reply(result any) error {
	msg, err := jsonrpc.NewResult(r.ID, result)
	if err != nil {
		return err
	}
	return r.conn.write(msg)
}

// Fail sends an error response.
func (r *Request) Fail(code int, message string) error {
	id := r.ID
	return r.conn.write(jsonrpc.NewErrorResponse(&id, code, message, nil))
}

// Notify sends a notification on the connection the request came from.
func (r *Request) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return r.conn.write(msg)
}

// Decode unmarshals the request params into v.
func (r *Request) Decode(v any) error {
	return json.Unmarshal(r.Params, v)
}

// SessionID returns params.sessionId, or "".
func (r *Request) SessionID() string {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(r.Params, &p)
	return p.SessionID
}

// PromptText returns the prompt carried by params, accepting both a plain
// string and a list of text content blocks.
func (r *Request) PromptText() string {
	var p struct {
		Prompt json.RawMessage `json:"prompt"`
	}
	if err := json.Unmarshal(r.Params, &p); err != nil || len(p.Prompt) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(p.Prompt, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(p.Prompt, &blocks) != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
	}
	return sb.String()
}

type conn struct {
	w       io.Writer
	closer  io.Closer
	pending map[string]chan *jsonrpc.Message
	mu      sync.Mutex
	nextID  int
}

func (c *conn) write(msg *jsonrpc.Message) error {
	frame, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	return c.writeRaw(frame)
}

func (c *conn) writeRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.w.Write(b)
	return err
}

// Agent is a fake agent. The zero value is not usable; call New.
type Agent struct {
	handlers map[string]Handler
	received []*jsonrpc.Message
	conns    []*conn
	mu       sync.Mutex
	connects int
	sessions int
}

// New returns an agent answering both method dialects: initialize,
// newSession, session/new, prompt, session/prompt, cleanup and heartbeat.
// Prompts are echoed back as "echo: <text>".
func New() *Agent {
	a := &Agent{handlers: make(map[string]Handler)}
	a.Handle("initialize", func(r *Request) {
		_ = r.Reply(map[string]any{
			"protocolVersion": 1,
			"agentInfo":       map[string]string{"name": "acptest", "version": "0.0.0"},
		})
	})
	newSession := func(r *Request) {
		a.mu.Lock()
		a.sessions++
		id := fmt.Sprintf("s%d", a.sessions)
		a.mu.Unlock()
		_ = r.Reply(map[string]string{"sessionId": id})
	}
	a.Handle("newSession", newSession)
	a.Handle("session/new", newSession)
	prompt := func(r *Request) {
		_ = r.Reply(map[string]any{
			"content":    []map[string]string{{"type": "text", "text": "echo: " + r.PromptText()}},
			"stopReason": "end_turn",
		})
	}
	a.Handle("prompt", prompt)
	a.Handle("session/prompt", prompt)
	empty := func(r *Request) { _ = r.Reply(map[string]any{}) }
	a.Handle("cleanup", empty)
	a.Handle("heartbeat", empty)
	return a
}

// Handle replaces the handler for method. A nil h makes the agent answer
// with method-not-found.
func (a *Agent) Handle(method string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h == nil {
		delete(a.handlers, method)
		return
	}
	a.handlers[method] = h
}

// Transport connects a new client transport to the agent over an
// in-memory pipe. It has the signature of acp.TransportFactory.
func (a *Agent) Transport(opts ...transport.Option) transport.Transport {
	client, server := net.Pipe()
	go func() { _ = a.Serve(server, server) }()
	return transport.NewStream(client, opts...)
}

// Serve answers requests read from r until EOF, writing responses to w.
// If w is also an io.Closer, Disconnect closes it.
func (a *Agent) Serve(r io.Reader, w io.Writer) error {
	c := &conn{w: w, pending: make(map[string]chan *jsonrpc.Message)}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	a.mu.Lock()
	a.connects++
	a.conns = append(a.conns, c)
	a.mu.Unlock()
	defer a.drop(c)

	dec := jsonrpc.NewDecoder()
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		for msg, ferr := range dec.Feed(buf[:n]) {
			if ferr != nil {
				_ = c.write(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "Parse error", nil))
				continue
			}
			a.dispatch(c, msg)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (a *Agent) drop(c *conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, cc := range a.conns {
		if cc == c {
			a.conns = append(a.conns[:i], a.conns[i+1:]...)
			break
		}
	}
}

func (a *Agent) dispatch(c *conn, msg *jsonrpc.Message) {
	a.mu.Lock()
	a.received = append(a.received, msg)
	h := a.handlers[msg.Method]
	a.mu.Unlock()

	switch msg.Kind() {
	case jsonrpc.KindResponse:
		if msg.ID == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID.String()]
		delete(c.pending, msg.ID.String())
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	case jsonrpc.KindNotification:
		// Recorded only.
	case jsonrpc.KindRequest:
		req := &Request{conn: c, ID: *msg.ID, Method: msg.Method, Params: msg.Params}
		if h == nil {
			_ = req.Fail(jsonrpc.CodeMethodNotFound, "Method not found: "+msg.Method)
			return
		}
		h(req)
	}
}

// Connections is how many transports have connected so far.
func (a *Agent) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// Received returns the messages received with method, oldest first. An
// empty method returns everything.
func (a *Agent) Received(method string) []*jsonrpc.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*jsonrpc.Message
	for _, m := range a.received {
		if method == "" || m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// Disconnect drops every open connection, as if the agent died.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	conns := append([]*conn(nil), a.conns...)
	a.mu.Unlock()
	for _, c := range conns {
		if c.closer != nil {
			_ = c.closer.Close()
		}
	}
}

func (a *Agent) latest() (*conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil, errors.New("acptest: no connection")
	}
	return a.conns[len(a.conns)-1], nil
}

// Notify sends a notification on the newest connection.
func (a *Agent) Notify(method string, params any) error {
	c, err := a.latest()
	if err != nil {
		return err
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// WriteRaw writes b verbatim on the newest connection.
func (a *Agent) WriteRaw(b []byte) error {
	c, err := a.latest()
	if err != nil {
		return err
	}
	return c.writeRaw(b)
}

// Call sends a request to the client on the newest connection and waits
// for its response.
func (a *Agent) Call(ctx context.Context, method string, params any) (*jsonrpc.Message, error) {
	c, err := a.latest()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nextID++
	id := jsonrpc.StringID(fmt.Sprintf("agent-%d", c.nextID))
	ch := make(chan *jsonrpc.Message, 1)
	c.pending[id.String()] = ch
	c.mu.Unlock()

	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := c.write(msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
