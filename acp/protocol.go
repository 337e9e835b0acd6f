package acp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is sent in the initialize handshake.
const ProtocolVersion = 1

// MethodSessionUpdate is the notification agents stream during a prompt.
const MethodSessionUpdate = "session/update"

// Methods names the wire methods used by the session manager and the
// supervisor. An empty name disables the feature that uses it.
type Methods struct {
	Initialize string
	NewSession string
	Prompt     string
	Cleanup    string
	Cancel     string
	Heartbeat  string

	// PromptBlocks sends the prompt as content blocks instead of a string.
	PromptBlocks bool
}

// LegacyMethods is the camelCase dialect: newSession, prompt, cleanup,
// cancelSession and heartbeat.
var LegacyMethods = Methods{
	Initialize: "initialize",
	NewSession: "newSession",
	Prompt:     "prompt",
	Cleanup:    "cleanup",
	Cancel:     "cancelSession",
	Heartbeat:  "heartbeat",
}

// StandardMethods is the slash-separated ACP dialect. It has no cleanup or
// heartbeat method.
var StandardMethods = Methods{
	Initialize:   "initialize",
	NewSession:   "session/new",
	Prompt:       "session/prompt",
	Cancel:       "session/cancel",
	PromptBlocks: true,
}

// MethodsByName resolves "legacy" or "standard".
func MethodsByName(name string) (Methods, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "legacy":
		return LegacyMethods, nil
	case "standard":
		return StandardMethods, nil
	default:
		return Methods{}, fmt.Errorf("unknown method set %q (want legacy or standard)", name)
	}
}

// Implementation identifies a client or an agent.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ClientCapabilities declares what the client can do for the agent.
type ClientCapabilities struct {
	Fs       *FsCapabilities `json:"fs,omitempty"`
	Terminal bool            `json:"terminal,omitempty"`
}

// FsCapabilities declares file system support.
type FsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeRequest is the handshake request.
type InitializeRequest struct {
	ClientCapabilities *ClientCapabilities `json:"clientCapabilities,omitempty"`
	ClientInfo         *Implementation     `json:"clientInfo,omitempty"`
	ProtocolVersion    int                 `json:"protocolVersion"`
}

// InitializeResponse is the agent's handshake answer.
type InitializeResponse struct {
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AgentInfo         *Implementation `json:"agentInfo,omitempty"`
	ProtocolVersion   int             `json:"protocolVersion"`
}

// McpServerConfig describes an MCP server the agent should connect to.
type McpServerConfig struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Env     []EnvVariable `json:"env"`
}

// EnvVariable is a name/value pair.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewSessionRequest creates a session.
type NewSessionRequest struct {
	CWD        string            `json:"cwd"`
	McpServers []McpServerConfig `json:"mcpServers"`
}

// NewSessionResponse returns the created session id.
type NewSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one piece of prompt or reply content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type textPromptRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type blockPromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type promptResponse struct {
	StopReason string         `json:"stopReason,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}
