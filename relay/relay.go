// Package relay republishes client lifecycle events and agent notifications
// to a Redis stream, so processes other than the one owning the agent can
// follow it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bazelment/acplink/acp"
)

const (
	// DefaultStream is the stream key used when none is configured.
	DefaultStream = "acplink:events"

	defaultQueueSize = 256
	publishTimeout   = 5 * time.Second
)

// Record is the JSON payload stored under the "data" field of each stream
// entry. Which fields are set depends on Type.
type Record struct {
	Params  json.RawMessage `json:"params,omitempty"`
	Type    string          `json:"type"`
	RunID   string          `json:"runId,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	State   string          `json:"state,omitempty"`
	Method  string          `json:"method,omitempty"`
	ID      string          `json:"id,omitempty"`
	Error   string          `json:"error,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
}

// RecordFor converts an event into its stream record.
func RecordFor(ev acp.Event) Record {
	rec := Record{Type: ev.Type().String()}
	switch e := ev.(type) {
	case acp.StateChangeEvent:
		rec.RunID = e.RunID
		rec.From = e.From.String()
		rec.To = e.To.String()
		rec.Attempt = e.Attempt
		rec.Error = errString(e.Err)
	case acp.TransportStateEvent:
		rec.RunID = e.RunID
		rec.State = e.State.String()
		rec.Error = errString(e.Err)
	case acp.NotificationEvent:
		rec.Method = e.Method
		rec.Params = e.Params
	case acp.ProtocolErrorEvent:
		rec.Error = errString(e.Err)
	case acp.UnmatchedResponseEvent:
		rec.ID = e.ID.String()
	}
	return rec
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// streamClient is the subset of redis.UniversalClient the relay uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	Close() error
}

// Config configures a Relay.
type Config struct {
	// Client is the Redis client. If nil, one is created for Addr.
	Client redis.UniversalClient
	Logger *slog.Logger

	// Addr is used only when Client is nil. Defaults to localhost:6379.
	Addr string

	// Stream is the stream key. Defaults to DefaultStream.
	Stream string

	// MaxLen caps the stream approximately. Zero leaves it unbounded.
	MaxLen int64

	// QueueSize bounds events waiting to be published. Events arriving
	// while it is full are dropped.
	QueueSize int
}

// Relay publishes records to a Redis stream from a single goroutine.
type Relay struct {
	client  streamClient
	log     *slog.Logger
	queue   chan Record
	stop    chan struct{}
	done    chan struct{}
	stream  string
	maxLen  int64
	mu      sync.Mutex
	dropped int
	closed  bool
}

// New creates a relay and starts its publishing goroutine.
func New(cfg Config) *Relay {
	var client streamClient = cfg.Client
	if cfg.Client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	return newRelay(client, cfg)
}

func newRelay(client streamClient, cfg Config) *Relay {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	r := &Relay{
		client: client,
		log:    log,
		stream: stream,
		maxLen: cfg.MaxLen,
		queue:  make(chan Record, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Stream returns the stream key records are published to.
func (r *Relay) Stream() string { return r.stream }

// Attach forwards every event of c to the stream until the returned
// function is called.
func (r *Relay) Attach(c *acp.Client) (detach func()) {
	return c.OnEvent(func(ev acp.Event) { r.Enqueue(RecordFor(ev)) })
}

// Enqueue queues rec for publishing without blocking. It reports false when
// the record was dropped.
func (r *Relay) Enqueue(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- rec:
		return true
	default:
		r.dropped++
		r.log.Debug("relay queue full, dropping record", "type", rec.Type, "dropped", r.dropped)
		return false
	}
}

// Dropped is the number of records dropped because the queue was full.
func (r *Relay) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Relay) run() {
	defer close(r.done)
	for {
		select {
		case rec := <-r.queue:
			r.publishQueued(rec)
		case <-r.stop:
			for {
				select {
				case rec := <-r.queue:
					r.publishQueued(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) publishQueued(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := r.Publish(ctx, rec); err != nil {
		r.log.Warn("relay publish failed", "type", rec.Type, "err", err)
	}
}

// Publish appends rec to the stream and returns the entry id.
func (r *Relay) Publish(ctx context.Context, rec Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{"type": rec.Type, "data": data},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", r.stream, err)
	}
	return id, nil
}

// Subscribe calls handler for every record appended after lastID, or after
// the subscription starts when lastID is empty. It returns when ctx ends or
// handler fails.
func (r *Relay) Subscribe(ctx context.Context, lastID string, handler func(id string, rec Record) error) error {
	startID := "$"
	if lastID != "" {
		startID = lastID
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.stream, startID},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", r.stream, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				startID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					r.log.Debug("skipping malformed stream entry", "id", msg.ID)
					continue
				}
				var rec Record
				if err := json.Unmarshal([]byte(data), &rec); err != nil {
					r.log.Debug("skipping undecodable stream entry", "id", msg.ID, "err", err)
					continue
				}
				if err := handler(msg.ID, rec); err != nil {
					return err
				}
			}
		}
	}
}

// Close publishes what is queued, then closes the Redis client.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	<-r.done
	return r.client.Close()
}
