package acp

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Client is an ACP client. It owns one supervised agent connection, the
// dispatcher multiplexing calls over it and the sessions created on it.
type Client struct {
	d        *Dispatcher
	sup      *supervisor
	sessions *SessionManager
	events   *eventHub
	log      *slog.Logger
	config   ClientConfig
}

// NewClient creates a client. Nothing is spawned or dialed until Start.
func NewClient(opts ...Option) *Client {
	config := defaultClientConfig()
	for _, opt := range opts {
		opt(&config)
	}
	log := config.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if config.EventBufferSize < 0 {
		config.EventBufferSize = 0
	}

	events := newEventHub(config.EventBufferSize, log)
	d := newDispatcher(config.RequestTimeout, config.Tap, events, log)
	sessions := newSessionManager(d, config.Methods, log)
	sup := newSupervisor(config, d, events, log, sessions.invalidateAll)

	return &Client{
		d:        d,
		sup:      sup,
		sessions: sessions,
		events:   events,
		log:      log,
		config:   config,
	}
}

// Start launches the agent, or joins the launch already in flight.
func (c *Client) Start(ctx context.Context) *Readiness { return c.sup.Start(ctx) }

// StartAndWait starts the agent and blocks until it is ready.
func (c *Client) StartAndWait(ctx context.Context) error {
	return c.sup.Start(ctx).Wait(ctx)
}

// Stop drains and shuts down the agent connection. The client can be
// started again afterwards.
func (c *Client) Stop(ctx context.Context) error { return c.sup.Stop(ctx) }

// Close stops the agent and releases the event channel. The client cannot
// be used afterwards.
func (c *Client) Close(ctx context.Context) error {
	err := c.sup.Stop(ctx)
	c.events.close()
	return err
}

// State returns the supervisor state.
func (c *Client) State() State { return c.sup.State() }

// RunID identifies the current or most recent agent run.
func (c *Client) RunID() string { return c.sup.RunID() }

// AgentInfo is the raw handshake result of the current run.
func (c *Client) AgentInfo() json.RawMessage { return c.sup.AgentInfo() }

// Send writes a request and returns its handle.
func (c *Client) Send(ctx context.Context, method string, params any) (*Call, error) {
	return c.d.Send(ctx, method, params)
}

// Call sends a request and decodes the result into result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	return c.d.Call(ctx, method, params, result)
}

// Notify sends a notification.
func (c *Client) Notify(method string, params any) error { return c.d.Notify(method, params) }

// Subscribe registers a listener for one notification method.
func (c *Client) Subscribe(method string, fn func(Notification)) (unsubscribe func()) {
	return c.d.Subscribe(method, fn)
}

// SubscribeAll registers a listener for every notification.
func (c *Client) SubscribeAll(fn func(Notification)) (unsubscribe func()) {
	return c.d.SubscribeAll(fn)
}

// Handle answers requests the agent sends with method.
func (c *Client) Handle(method string, h RequestHandler) { c.d.Handle(method, h) }

// OnEvent registers fn for lifecycle events. fn runs on the event
// goroutine, in order, and must not block for long.
func (c *Client) OnEvent(fn func(Event)) (cancel func()) { return c.events.subscribe(fn) }

// Events returns a buffered channel of lifecycle events. Events are dropped
// when it is full. It is closed by Close.
func (c *Client) Events() <-chan Event { return c.events.channel() }

// Outstanding is the number of calls awaiting a response.
func (c *Client) Outstanding() int { return c.d.Outstanding() }

// CreateSession creates a session on the agent.
func (c *Client) CreateSession(ctx context.Context, sc SessionContext) (string, error) {
	return c.sessions.CreateSession(ctx, sc)
}

// Prompt sends text to a session and waits for the reply.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	return c.sessions.Prompt(ctx, sessionID, text)
}

// SendPrompt sends text to a session without waiting.
func (c *Client) SendPrompt(ctx context.Context, sessionID, text string) (*Call, error) {
	return c.sessions.SendPrompt(ctx, sessionID, text)
}

// Reset retires a session.
func (c *Client) Reset(ctx context.Context, sessionID string) error {
	return c.sessions.Reset(ctx, sessionID)
}

// CancelPrompt asks the agent to stop the prompt running in a session.
func (c *Client) CancelPrompt(ctx context.Context, sessionID string) error {
	return c.sessions.Cancel(ctx, sessionID)
}

// Session returns a snapshot of one session.
func (c *Client) Session(sessionID string) (SessionInfo, bool) { return c.sessions.Session(sessionID) }

// Sessions returns snapshots of every tracked session.
func (c *Client) Sessions() []SessionInfo { return c.sessions.Sessions() }

// Methods returns the method dialect in use.
func (c *Client) Methods() Methods { return c.config.Methods }
