package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/acplink/acp"
	"github.com/bazelment/acplink/config"
	"github.com/bazelment/acplink/jsonrpc"
	"github.com/bazelment/acplink/relay"
)

// splitCommand splits a command line on whitespace. Quoting is not
// interpreted; use the config file for arguments containing spaces.
func splitCommand(line string) ([]string, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil, errors.New("empty --command")
	}
	return args, nil
}

func parseSocket(addr string) config.Socket {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return config.Socket{URL: addr}
	case strings.HasPrefix(addr, "unix:"):
		return config.Socket{Network: "unix", Address: strings.TrimPrefix(addr, "unix:")}
	default:
		return config.Socket{Network: "tcp", Address: addr}
	}
}

type promptFlags struct {
	cwd     string
	updates bool
}

func newPromptCmd(root *rootFlags) *cobra.Command {
	flags := &promptFlags{}

	cmd := &cobra.Command{
		Use:   "prompt [flags] <prompt>...",
		Short: "Send prompts to a new session and print the replies",
		Long: `Creates one session and sends every argument as a separate prompt.
The prompts run concurrently; replies are printed in argument order.
With no arguments the prompt is read from stdin.`,
		Example: `  acpctl prompt "Summarize README.md"
  acpctl prompt --socket ws://127.0.0.1:8765 "first" "second"
  echo "hello" | acpctl prompt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd, args, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.cwd, "cwd", "", "Session working directory (defaults to current directory)")
	cmd.Flags().BoolVar(&flags.updates, "updates", false, "Print session/update notifications to stderr")
	return cmd
}

func runPrompt(cmd *cobra.Command, args []string, root *rootFlags, flags *promptFlags) error {
	prompts := args
	if len(prompts) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			prompts = []string{text}
		}
	}
	if len(prompts) == 0 {
		return errors.New("no prompt provided")
	}

	cwd, err := sessionDir(flags.cwd)
	if err != nil {
		return err
	}

	s, err := connect(cmd, root)
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	if flags.updates {
		s.client.Subscribe(acp.MethodSessionUpdate, func(n acp.Notification) {
			fmt.Fprintf(cmd.ErrOrStderr(), "update: %s\n", n.Params)
		})
	}

	ctx := cmd.Context()
	sessionID, err := s.client.CreateSession(ctx, acp.SessionContext{CWD: cwd})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	results := make([]*acp.PromptResult, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, text := range prompts {
		g.Go(func() error {
			res, err := s.client.Prompt(gctx, sessionID, text)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i+1, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, res := range results {
		if len(results) > 1 {
			fmt.Fprintf(out, "=== %d ===\n", i+1)
		}
		printResult(out, res)
	}
	return nil
}

func printResult(w io.Writer, res *acp.PromptResult) {
	switch {
	case res.Text != "":
		fmt.Fprintln(w, res.Text)
	case len(res.Raw) > 0:
		fmt.Fprintln(w, string(res.Raw))
	}
	if res.StopReason != "" && res.StopReason != "end_turn" {
		fmt.Fprintf(w, "(stopped: %s)\n", res.StopReason)
	}
}

func sessionDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

func newChatCmd(root *rootFlags) *cobra.Command {
	flags := &promptFlags{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive prompt loop on one session",
		Long: `Reads prompts line by line from stdin. Commands:
  /reset   retire the session and start a new one
  /cancel  ask the agent to stop the running prompt
  /quit    exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.cwd, "cwd", "", "Session working directory (defaults to current directory)")
	cmd.Flags().BoolVar(&flags.updates, "updates", false, "Print session/update notifications")
	return cmd
}

func runChat(cmd *cobra.Command, root *rootFlags, flags *promptFlags) error {
	cwd, err := sessionDir(flags.cwd)
	if err != nil {
		return err
	}
	s, err := connect(cmd, root)
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	out := cmd.OutOrStdout()
	if flags.updates {
		s.client.Subscribe(acp.MethodSessionUpdate, func(n acp.Notification) {
			fmt.Fprintf(out, "~ %s\n", n.Params)
		})
	}

	ctx := cmd.Context()
	sessionID, err := s.client.CreateSession(ctx, acp.SessionContext{CWD: cwd})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Fprintf(out, "session %s\n", sessionID)

	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/cancel":
			if err := s.client.CancelPrompt(ctx, sessionID); err != nil {
				fmt.Fprintf(out, "cancel: %v\n", err)
			}
			continue
		case "/reset":
			if err := s.client.Reset(ctx, sessionID); err != nil {
				fmt.Fprintf(out, "reset: %v\n", err)
			}
			sessionID, err = s.client.CreateSession(ctx, acp.SessionContext{CWD: cwd})
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			fmt.Fprintf(out, "session %s\n", sessionID)
			continue
		}

		res, err := s.client.Prompt(ctx, sessionID, line)
		switch {
		case errors.Is(err, acp.ErrNoActiveSession):
			// The agent restarted underneath us.
			sessionID, err = s.client.CreateSession(ctx, acp.SessionContext{CWD: cwd})
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			fmt.Fprintf(out, "agent restarted, new session %s; please resend\n", sessionID)
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		default:
			printResult(out, res)
		}
	}
	return sc.Err()
}

func newPingCmd(root *rootFlags) *cobra.Command {
	var heartbeats int

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Start the agent and report its handshake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			s, err := connect(cmd, root)
			if err != nil {
				return err
			}
			defer s.close(context.Background())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ready in %s (run %s)\n", time.Since(start).Round(time.Millisecond), s.client.RunID())

			var info acp.InitializeResponse
			if raw := s.client.AgentInfo(); len(raw) > 0 && json.Unmarshal(raw, &info) == nil {
				if info.AgentInfo != nil {
					fmt.Fprintf(out, "agent: %s %s\n", info.AgentInfo.Name, info.AgentInfo.Version)
				}
				fmt.Fprintf(out, "protocol version: %d\n", info.ProtocolVersion)
			}

			method := s.client.Methods().Heartbeat
			for i := 0; i < heartbeats && method != ""; i++ {
				t0 := time.Now()
				err := s.client.Call(cmd.Context(), method, nil, nil)
				var remote *acp.RemoteError
				switch {
				case err == nil, errors.As(err, &remote):
					fmt.Fprintf(out, "%s: %s\n", method, time.Since(t0).Round(time.Microsecond))
				default:
					return fmt.Errorf("%s: %w", method, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&heartbeats, "count", 1, "Heartbeats to send after the handshake")
	return cmd
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of a wire record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(jsonrpc.Schema(), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newWatchCmd(root *rootFlags) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow events republished to Redis by another acpctl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			addr := cfg.Relay.RedisAddr
			if addr == "" {
				addr = "localhost:6379"
			}
			r := relay.New(relay.Config{
				Addr:   addr,
				Stream: cfg.Relay.Stream,
				Logger: newLogger(cmd.ErrOrStderr(), root.verbose),
			})
			defer r.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = r.Subscribe(cmd.Context(), from, func(id string, rec relay.Record) error {
				return enc.Encode(struct {
					StreamID string `json:"streamId"`
					relay.Record
				}{id, rec})
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Stream id to resume after (default: only new events)")
	return cmd
}
