// Command acpctl talks to an ACP agent from the command line.
//
// Commands:
//   - prompt: send one or more prompts to a fresh session and print the replies
//   - chat: interactive prompt loop on one session
//   - ping: start the agent and report the handshake
//   - schema: print the JSON Schema of a wire record
//   - watch: follow events republished to a Redis stream
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bazelment/acplink/acp"
	"github.com/bazelment/acplink/config"
	"github.com/bazelment/acplink/relay"
	"github.com/bazelment/acplink/trace"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootFlags are shared by every command.
type rootFlags struct {
	configPath string
	methods    string
	command    string
	socket     string
	tracePath  string
	relayAddr  string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "acpctl",
		Short: "Talk to an ACP agent",
		Long: `acpctl drives an ACP agent over JSON-RPC: as a child process on
stdin/stdout, or over a TCP, unix or WebSocket connection.

Settings come from --config (YAML), then ACPLINK_* environment variables,
then the flags below.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "acplink.yaml", "Config file (missing file means defaults)")
	pf.StringVar(&flags.methods, "methods", "", "Method names: legacy or standard")
	pf.StringVar(&flags.command, "command", "", "Agent command line, overriding agent.command and agent.args")
	pf.StringVar(&flags.socket, "socket", "", "Agent address: ws:// URL, unix:<path> or host:port")
	pf.StringVar(&flags.tracePath, "trace", "", "Append every frame to this JSONL file")
	pf.StringVar(&flags.relayAddr, "relay", "", "Republish events to Redis at this address")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newPromptCmd(flags))
	cmd.AddCommand(newChatCmd(flags))
	cmd.AddCommand(newPingCmd(flags))
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newWatchCmd(flags))
	return cmd
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.methods != "" {
		cfg.Methods = flags.methods
	}
	if flags.command != "" {
		args, err := splitCommand(flags.command)
		if err != nil {
			return nil, err
		}
		cfg.Agent.Command, cfg.Agent.Args = args[0], args[1:]
		cfg.Socket = config.Socket{}
	}
	if flags.socket != "" {
		cfg.Socket = parseSocket(flags.socket)
	}
	if flags.tracePath != "" {
		cfg.Trace.Path = flags.tracePath
	}
	if flags.relayAddr != "" {
		cfg.Relay.RedisAddr = flags.relayAddr
	}
	return cfg, cfg.Validate()
}

// session bundles a started client with what must be released after it.
type session struct {
	client  *acp.Client
	log     *slog.Logger
	closers []func() error
}

// connect builds a client from the configuration, wires tracing and the
// relay, and starts the agent.
func connect(cmd *cobra.Command, flags *rootFlags) (*session, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	log := newLogger(cmd.ErrOrStderr(), flags.verbose)

	opts, err := cfg.Options(log, func(b []byte) {
		log.Debug("agent stderr", "output", string(b))
	})
	if err != nil {
		return nil, err
	}

	s := &session{log: log}
	if cfg.Trace.Path != "" {
		rec, err := trace.Create(cfg.Trace.Path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, acp.WithFrameTap(rec))
		s.closers = append(s.closers, rec.Close)
	}

	s.client = acp.NewClient(opts...)
	if cfg.Relay.RedisAddr != "" {
		r := relay.New(relay.Config{Addr: cfg.Relay.RedisAddr, Stream: cfg.Relay.Stream, Logger: log})
		r.Attach(s.client)
		s.closers = append(s.closers, r.Close)
	}

	log.Debug("starting agent", "transport", cfg.Transport())
	if err := s.client.StartAndWait(cmd.Context()); err != nil {
		s.close(context.Background())
		return nil, fmt.Errorf("start agent: %w", err)
	}
	return s, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.client.Close(ctx); err != nil {
		s.log.Warn("stopping agent", "err", err)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("cleanup failed", "err", err)
		}
	}
}
