package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/acplink/acp/acptest"
	"github.com/bazelment/acplink/config"
)

const testAgentEnv = "ACPCTL_TEST_AGENT"

// TestMain lets the test binary double as the agent acpctl spawns.
func TestMain(m *testing.M) {
	if os.Getenv(testAgentEnv) != "" {
		_ = acptest.New().Serve(os.Stdin, os.Stdout)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// run executes acpctl against a child copy of the test binary.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(testAgentEnv, "1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{
		"--config=" + filepath.Join(t.TempDir(), "missing.yaml"),
		"--command=" + exe + " -test.run=^$",
	}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err = cmd.ExecuteContext(ctx)
	if err != nil {
		t.Logf("stderr:\n%s", errOut.String())
	}
	return out.String(), err
}

func TestPrompt_PrintsRepliesInOrder(t *testing.T) {
	out, err := run(t, "", "prompt", "--cwd", t.TempDir(), "first", "second")
	require.NoError(t, err)
	assert.Equal(t, "=== 1 ===\necho: first\n=== 2 ===\necho: second\n", out)
}

func TestPrompt_ReadsStdin(t *testing.T) {
	out, err := run(t, "from stdin\n", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "echo: from stdin\n", out)
}

func TestPrompt_NoInput(t *testing.T) {
	_, err := run(t, "  \n", "prompt")
	assert.EqualError(t, err, "no prompt provided")
}

func TestChat_ResetStartsNewSession(t *testing.T) {
	out, err := run(t, "hello\n\n/reset\nagain\n/quit\nignored\n", "chat")
	require.NoError(t, err)
	assert.Equal(t, "session s1\necho: hello\nsession s2\necho: again\n", out)
}

func TestPing_ReportsHandshake(t *testing.T) {
	out, err := run(t, "", "ping", "--count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "agent: acptest 0.0.0\n")
	assert.Contains(t, out, "protocol version: 1\n")
	assert.Equal(t, 2, strings.Count(out, "heartbeat: "))
}

func TestSchema_PrintsJSON(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"schema"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	var schema map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &schema))
	assert.NotEmpty(t, schema)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	flags := &rootFlags{
		configPath: filepath.Join(t.TempDir(), "missing.yaml"),
		methods:    "standard",
		command:    "my-agent --stdio",
		tracePath:  "/tmp/frames.jsonl",
		relayAddr:  "redis:6379",
	}
	cfg, err := loadConfig(flags)
	require.NoError(t, err)
	assert.Equal(t, "standard", cfg.Methods)
	assert.Equal(t, "my-agent", cfg.Agent.Command)
	assert.Equal(t, []string{"--stdio"}, cfg.Agent.Args)
	assert.Equal(t, "/tmp/frames.jsonl", cfg.Trace.Path)
	assert.Equal(t, "redis:6379", cfg.Relay.RedisAddr)

	flags.methods = "bogus"
	_, err = loadConfig(flags)
	assert.Error(t, err)
}

func TestSplitCommand(t *testing.T) {
	args, err := splitCommand("  python -m  agent ")
	require.NoError(t, err)
	assert.Equal(t, []string{"python", "-m", "agent"}, args)

	_, err = splitCommand("   ")
	assert.Error(t, err)
}

func TestParseSocket(t *testing.T) {
	tests := []struct {
		in   string
		want config.Socket
	}{
		{"ws://127.0.0.1:8765", config.Socket{URL: "ws://127.0.0.1:8765"}},
		{"wss://agent.example.com/acp", config.Socket{URL: "wss://agent.example.com/acp"}},
		{"unix:/run/agent.sock", config.Socket{Network: "unix", Address: "/run/agent.sock"}},
		{"localhost:9000", config.Socket{Network: "tcp", Address: "localhost:9000"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSocket(tt.in))
		})
	}
}
