package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// SessionContext is sent when creating a session.
type SessionContext struct {
	CWD        string
	McpServers []McpServerConfig
}

// SessionInfo is a snapshot of one tracked session.
type SessionInfo struct {
	CreatedAt time.Time
	ID        string
	Live      bool
}

// PromptResult is the agent's answer to a prompt.
type PromptResult struct {
	// Text concatenates the text content blocks.
	Text string

	// StopReason is empty when the agent did not report one.
	StopReason string

	Raw json.RawMessage
}

type caller interface {
	Call(ctx context.Context, method string, params, result any) error
	Send(ctx context.Context, method string, params any) (*Call, error)
	Notify(method string, params any) error
}

// SessionManager tracks sessions created on the agent. A session stays
// live until it is reset or the agent goes away.
type SessionManager struct {
	rpc      caller
	log      *slog.Logger
	sessions map[string]*SessionInfo
	methods  Methods
	mu       sync.Mutex
}

func newSessionManager(rpc caller, methods Methods, log *slog.Logger) *SessionManager {
	return &SessionManager{
		rpc:      rpc,
		methods:  methods,
		log:      log,
		sessions: make(map[string]*SessionInfo),
	}
}

// CreateSession asks the agent for a new session and records it as live.
func (m *SessionManager) CreateSession(ctx context.Context, sc SessionContext) (string, error) {
	req := NewSessionRequest{CWD: sc.CWD, McpServers: sc.McpServers}
	if req.McpServers == nil {
		req.McpServers = []McpServerConfig{}
	}

	var resp NewSessionResponse
	if err := m.rpc.Call(ctx, m.methods.NewSession, req, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", &ProtocolError{Message: m.methods.NewSession + " result has no sessionId"}
	}

	m.mu.Lock()
	m.sessions[resp.SessionID] = &SessionInfo{ID: resp.SessionID, CreatedAt: time.Now(), Live: true}
	m.mu.Unlock()

	m.log.Info("session created", "session_id", resp.SessionID)
	return resp.SessionID, nil
}

// Prompt sends text to a live session and waits for the reply.
func (m *SessionManager) Prompt(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	call, err := m.SendPrompt(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}
	raw, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return parsePromptResult(raw), nil
}

// SendPrompt sends text to a live session without waiting.
func (m *SessionManager) SendPrompt(ctx context.Context, sessionID, text string) (*Call, error) {
	if !m.isLive(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveSession, sessionID)
	}

	var params any = textPromptRequest{SessionID: sessionID, Prompt: text}
	if m.methods.PromptBlocks {
		params = blockPromptRequest{SessionID: sessionID, Prompt: []ContentBlock{{Type: "text", Text: text}}}
	}
	return m.rpc.Send(ctx, m.methods.Prompt, params)
}

func parsePromptResult(raw json.RawMessage) *PromptResult {
	res := &PromptResult{Raw: raw}
	var body promptResponse
	if len(raw) == 0 || json.Unmarshal(raw, &body) != nil {
		// Not an object with content; only Raw is set.
		return res
	}
	var sb strings.Builder
	for _, block := range body.Content {
		if block.Type == "text" || block.Type == "" {
			sb.WriteString(block.Text)
		}
	}
	res.Text = sb.String()
	res.StopReason = body.StopReason
	return res
}

// Reset marks the session dead, then asks the agent to clean it up.
// Cleanup failures are logged and never returned. Calls already in flight
// on the session are unaffected.
func (m *SessionManager) Reset(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	info, ok := m.sessions[sessionID]
	if !ok || !info.Live {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoActiveSession, sessionID)
	}
	info.Live = false
	m.mu.Unlock()

	m.log.Info("session reset", "session_id", sessionID)
	if m.methods.Cleanup == "" {
		return nil
	}
	if err := m.rpc.Call(ctx, m.methods.Cleanup, sessionRef{SessionID: sessionID}, nil); err != nil {
		m.log.Warn("session cleanup failed", "session_id", sessionID, "err", err)
	}
	return nil
}

// Cancel asks the agent to stop the prompt running in a live session.
func (m *SessionManager) Cancel(_ context.Context, sessionID string) error {
	if !m.isLive(sessionID) {
		return fmt.Errorf("%w: %s", ErrNoActiveSession, sessionID)
	}
	if m.methods.Cancel == "" {
		return nil
	}
	return m.rpc.Notify(m.methods.Cancel, sessionRef{SessionID: sessionID})
}

// Session returns a snapshot of one session.
func (m *SessionManager) Session(sessionID string) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return *info, true
}

// Sessions returns snapshots of every tracked session, oldest first.
func (m *SessionManager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, info := range m.sessions {
		out = append(out, *info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *SessionManager) isLive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[sessionID]
	return ok && info.Live
}

// invalidateAll marks every session dead. The agent that owned them is
// gone, so nothing is sent.
func (m *SessionManager) invalidateAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, info := range m.sessions {
		if info.Live {
			info.Live = false
			n++
		}
	}
	if n > 0 {
		m.log.Info("sessions invalidated", "count", n, "reason", reason)
	}
}
