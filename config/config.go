// Package config loads acplink settings from a YAML file with environment
// overrides and turns them into client options.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/bazelment/acplink/acp"
	"github.com/bazelment/acplink/transport"
)

// DefaultWebSocketURL is where a locally running agent server listens.
const DefaultWebSocketURL = "ws://127.0.0.1:8765"

// Config is the file and environment configuration. Environment variables
// (ACPLINK_*) win over the file; the file wins over defaults.
type Config struct {
	Agent    Agent    `yaml:"agent"`
	Socket   Socket   `yaml:"socket"`
	Relay    Relay    `yaml:"relay"`
	Trace    Trace    `yaml:"trace"`
	Methods  string   `yaml:"methods" env:"ACPLINK_METHODS"`
	Timeouts Timeouts `yaml:"timeouts"`
	Restart  Restart  `yaml:"restart"`
	Health   Health   `yaml:"health"`

	// Handshake sends initialize to detect readiness instead of waiting
	// timeouts.settle after connecting.
	Handshake bool `yaml:"handshake" env:"ACPLINK_HANDSHAKE"`
}

// Agent describes the agent process to spawn.
type Agent struct {
	Env     map[string]string `yaml:"env"`
	Command string            `yaml:"command" env:"ACPLINK_AGENT_COMMAND"`
	Dir     string            `yaml:"dir" env:"ACPLINK_AGENT_DIR"`
	Args    []string          `yaml:"args" env:"ACPLINK_AGENT_ARGS"`
}

// Socket selects a socket transport instead of a child process. URL takes
// a ws:// or wss:// endpoint; Network and Address a raw socket.
type Socket struct {
	URL     string `yaml:"url" env:"ACPLINK_SOCKET_URL"`
	Network string `yaml:"network" env:"ACPLINK_SOCKET_NETWORK"`
	Address string `yaml:"address" env:"ACPLINK_SOCKET_ADDRESS"`
}

type Timeouts struct {
	Request   time.Duration `yaml:"request" env:"ACPLINK_TIMEOUT_REQUEST"`
	Settle    time.Duration `yaml:"settle" env:"ACPLINK_TIMEOUT_SETTLE"`
	StopGrace time.Duration `yaml:"stop_grace" env:"ACPLINK_TIMEOUT_STOP_GRACE"`
}

type Restart struct {
	Max            int           `yaml:"max" env:"ACPLINK_RESTART_MAX"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"ACPLINK_RESTART_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"ACPLINK_RESTART_MAX_BACKOFF"`
	StableAfter    time.Duration `yaml:"stable_after" env:"ACPLINK_RESTART_STABLE_AFTER"`
}

// Health configures the heartbeat check. A zero interval disables it.
type Health struct {
	Interval time.Duration `yaml:"interval" env:"ACPLINK_HEALTH_INTERVAL"`
	Timeout  time.Duration `yaml:"timeout" env:"ACPLINK_HEALTH_TIMEOUT"`
	Failures int           `yaml:"failures" env:"ACPLINK_HEALTH_FAILURES"`
}

// Trace writes every frame to a JSONL file when Path is set.
type Trace struct {
	Path string `yaml:"path" env:"ACPLINK_TRACE_PATH"`
}

// Relay republishes events to a Redis stream when RedisAddr is set.
type Relay struct {
	RedisAddr string `yaml:"redis_addr" env:"ACPLINK_RELAY_REDIS_ADDR"`
	Stream    string `yaml:"stream" env:"ACPLINK_RELAY_STREAM"`
}

// Default returns the built-in configuration: a python agent on stdio
// using the legacy method names.
func Default() *Config {
	return &Config{
		Agent: Agent{
			Command: "python",
			Args:    []string{"-m", "mini_agent.acp"},
		},
		Methods:   "legacy",
		Handshake: true,
		Timeouts: Timeouts{
			Request:   30 * time.Second,
			Settle:    2 * time.Second,
			StopGrace: 5 * time.Second,
		},
		Restart: Restart{
			Max:            3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			StableAfter:    30 * time.Second,
		},
		Health: Health{
			Timeout:  5 * time.Second,
			Failures: 3,
		},
		Relay: Relay{Stream: "acplink:events"},
	}
}

// Load reads path over the defaults, then applies ACPLINK_* environment
// variables. A missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if _, err := acp.MethodsByName(c.Methods); err != nil {
		return err
	}
	if c.Socket.URL == "" && c.Socket.Address == "" && c.Agent.Command == "" {
		return errors.New("config: one of agent.command, socket.url or socket.address is required")
	}
	if c.Socket.URL != "" && c.Socket.Address != "" {
		return errors.New("config: socket.url and socket.address are mutually exclusive")
	}
	if c.Timeouts.Request <= 0 {
		return fmt.Errorf("config: timeouts.request must be positive, got %s", c.Timeouts.Request)
	}
	if c.Restart.Max < 0 {
		return fmt.Errorf("config: restart.max must not be negative, got %d", c.Restart.Max)
	}
	for name, d := range map[string]time.Duration{
		"timeouts.request":        c.Timeouts.Request,
		"timeouts.settle":         c.Timeouts.Settle,
		"timeouts.stop_grace":     c.Timeouts.StopGrace,
		"restart.initial_backoff": c.Restart.InitialBackoff,
		"restart.max_backoff":     c.Restart.MaxBackoff,
		"health.interval":         c.Health.Interval,
		"health.timeout":          c.Health.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative, got %s", name, d)
		}
	}
	return nil
}

// Transport describes which transport Options will select.
func (c *Config) Transport() string {
	switch {
	case c.Socket.URL != "":
		return "websocket " + c.Socket.URL
	case c.Socket.Address != "":
		return c.socketNetwork() + " " + c.Socket.Address
	default:
		return "process " + c.Agent.Command
	}
}

func (c *Config) socketNetwork() string {
	if c.Socket.Network == "" {
		return "tcp"
	}
	return c.Socket.Network
}

// Options converts the configuration into client options. stderr, when
// non-nil, receives the agent process's stderr.
func (c *Config) Options(log *slog.Logger, stderr func([]byte)) ([]acp.Option, error) {
	methods, err := acp.MethodsByName(c.Methods)
	if err != nil {
		return nil, err
	}

	opts := []acp.Option{
		acp.WithMethods(methods),
		acp.WithRequestTimeout(c.Timeouts.Request),
		acp.WithHandshake(c.Handshake),
		acp.WithSettleDelay(c.Timeouts.Settle),
		acp.WithStopGrace(c.Timeouts.StopGrace),
		acp.WithRestartPolicy(c.Restart.Max, c.Restart.InitialBackoff, c.Restart.MaxBackoff),
		acp.WithStableAfter(c.Restart.StableAfter),
		acp.WithHealthCheck(c.Health.Interval, c.Health.Timeout, c.Health.Failures),
	}
	if log != nil {
		opts = append(opts, acp.WithLogger(log))
	}

	switch {
	case c.Socket.URL != "":
		opts = append(opts, acp.WithWebSocket(c.Socket.URL, nil))
	case c.Socket.Address != "":
		opts = append(opts, acp.WithSocket(c.socketNetwork(), c.Socket.Address))
	default:
		opts = append(opts, acp.WithProcess(transport.ProcessConfig{
			Command:       c.Agent.Command,
			Args:          c.Agent.Args,
			Env:           c.Agent.Env,
			Dir:           c.Agent.Dir,
			StderrHandler: stderr,
		}))
	}
	return opts, nil
}
