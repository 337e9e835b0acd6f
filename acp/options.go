package acp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bazelment/acplink/transport"
)

// TransportFactory builds a fresh transport for each start attempt. The
// supervisor passes options carrying its state hook and logger.
type TransportFactory func(opts ...transport.Option) transport.Transport

// DefaultRequestTimeout bounds calls when no other timeout is configured.
const DefaultRequestTimeout = 30 * time.Second

// ClientConfig holds client configuration.
type ClientConfig struct {
	Transport  TransportFactory
	Logger     *slog.Logger
	Tap        FrameTap
	ClientInfo Implementation
	Methods    Methods

	// RequestTimeout bounds every call. Non-positive values mean
	// DefaultRequestTimeout; a call never waits without a deadline.
	RequestTimeout time.Duration

	// Handshake sends Methods.Initialize to detect readiness. Without it
	// the client waits SettleDelay after connecting.
	Handshake   bool
	SettleDelay time.Duration

	// StopGrace is how long Stop lets outstanding calls drain.
	StopGrace time.Duration

	// MaxRestarts bounds consecutive restarts after a crash. The counter
	// resets once the agent has been ready for StableAfter.
	MaxRestarts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StableAfter    time.Duration

	// HealthInterval enables the heartbeat check when positive.
	// HealthFailureThreshold consecutive failures count as a crash.
	HealthInterval         time.Duration
	HealthTimeout          time.Duration
	HealthFailureThreshold int

	EventBufferSize int
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		Methods:                LegacyMethods,
		ClientInfo:             Implementation{Name: "acplink", Version: "0.1.0"},
		RequestTimeout:         DefaultRequestTimeout,
		Handshake:              true,
		SettleDelay:            2 * time.Second,
		StopGrace:              5 * time.Second,
		MaxRestarts:            3,
		InitialBackoff:         500 * time.Millisecond,
		MaxBackoff:             30 * time.Second,
		StableAfter:            30 * time.Second,
		HealthTimeout:          5 * time.Second,
		HealthFailureThreshold: 3,
		EventBufferSize:        100,
	}
}

// Option is a functional option for configuring a Client.
type Option func(*ClientConfig)

// WithTransport sets the transport factory.
func WithTransport(f TransportFactory) Option {
	return func(c *ClientConfig) { c.Transport = f }
}

// WithProcess spawns the agent as a child process and talks over its
// stdin and stdout.
func WithProcess(cfg transport.ProcessConfig) Option {
	return WithTransport(func(opts ...transport.Option) transport.Transport {
		return transport.NewProcess(cfg, opts...)
	})
}

// WithCommand is WithProcess for a bare command line.
func WithCommand(command string, args ...string) Option {
	return WithProcess(transport.ProcessConfig{Command: command, Args: args})
}

// WithSocket dials a TCP or unix socket.
func WithSocket(network, address string) Option {
	return WithTransport(func(opts ...transport.Option) transport.Transport {
		return transport.Dial(network, address, opts...)
	})
}

// WithWebSocket dials a ws:// or wss:// endpoint.
func WithWebSocket(url string, header http.Header) Option {
	return WithTransport(func(opts ...transport.Option) transport.Transport {
		return transport.DialWebSocket(url, header, opts...)
	})
}

// WithMethods selects the method dialect.
func WithMethods(m Methods) Option {
	return func(c *ClientConfig) { c.Methods = m }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *ClientConfig) { c.Logger = l }
}

// WithFrameTap records every message sent and received.
func WithFrameTap(tap FrameTap) Option {
	return func(c *ClientConfig) { c.Tap = tap }
}

// WithClientInfo sets the name and version sent in the handshake.
func WithClientInfo(name, version string) Option {
	return func(c *ClientConfig) { c.ClientInfo = Implementation{Name: name, Version: version} }
}

// WithRequestTimeout sets the per-call deadline. Non-positive values are
// ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		if d > 0 {
			c.RequestTimeout = d
		}
	}
}

// WithHandshake enables or disables the initialize handshake.
func WithHandshake(enabled bool) Option {
	return func(c *ClientConfig) { c.Handshake = enabled }
}

// WithSettleDelay sets the readiness delay used without a handshake.
func WithSettleDelay(d time.Duration) Option {
	return func(c *ClientConfig) { c.SettleDelay = d }
}

// WithStopGrace sets how long Stop waits for outstanding calls.
func WithStopGrace(d time.Duration) Option {
	return func(c *ClientConfig) { c.StopGrace = d }
}

// WithRestartPolicy sets the restart budget and backoff bounds. A budget
// of zero disables restarts.
func WithRestartPolicy(maxRestarts int, initial, maxBackoff time.Duration) Option {
	return func(c *ClientConfig) {
		c.MaxRestarts = maxRestarts
		c.InitialBackoff = initial
		c.MaxBackoff = maxBackoff
	}
}

// WithStableAfter sets how long the agent must stay ready before the
// restart counter resets.
func WithStableAfter(d time.Duration) Option {
	return func(c *ClientConfig) { c.StableAfter = d }
}

// WithHealthCheck enables the heartbeat check.
func WithHealthCheck(interval, timeout time.Duration, failures int) Option {
	return func(c *ClientConfig) {
		c.HealthInterval = interval
		c.HealthTimeout = timeout
		c.HealthFailureThreshold = failures
	}
}

// WithEventBufferSize sets the Events channel buffer size.
func WithEventBufferSize(size int) Option {
	return func(c *ClientConfig) { c.EventBufferSize = size }
}
