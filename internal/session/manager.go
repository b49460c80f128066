// Package session owns worker session lifecycle: spawning via the
// runtime, parsing the raw event stream into transcript messages, the
// tool-permission negotiation, and terminal handling. A session ends
// exactly once; terminal events after that are ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"workfarm/internal/bus"
	"workfarm/internal/logging"
	"workfarm/internal/runtime"
	"workfarm/internal/types"
)

// ResumeMessage is the canned continuation sent after tool approval.
const ResumeMessage = "Permission granted. Continue your task."

// Errors returned by the manager.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")
)

// StartOptions parameterizes a new session.
type StartOptions struct {
	AgentID        string
	TaskID         string
	Prompt         string
	WorkingDir     string
	SystemPrompt   string
	AllowedTools   []string
	MaxTurns       int
	AdditionalDirs []string
}

// Manager owns the sessionID -> Session and agentID -> sessionID maps.
type Manager struct {
	mu       sync.Mutex
	bus      *bus.Bus
	rt       runtime.Runtime
	sessions map[string]*types.Session
	byAgent  map[string]string
	tokens   map[string]int
}

// NewManager creates a session manager over the given runtime.
func NewManager(rt runtime.Runtime, b *bus.Bus) *Manager {
	return &Manager{
		bus:      b,
		rt:       rt,
		sessions: make(map[string]*types.Session),
		byAgent:  make(map[string]string),
		tokens:   make(map[string]int),
	}
}

// Start spawns a worker session and returns its ID. The initial prompt
// is recorded as the first transcript message.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (string, error) {
	s := &types.Session{
		ID:             uuid.NewString(),
		AgentID:        opts.AgentID,
		TaskID:         opts.TaskID,
		Status:         types.SessionStarting,
		StartedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byAgent[opts.AgentID] = s.ID
	m.mu.Unlock()

	m.bus.Publish(bus.TopicSessionCreated, bus.SessionCreated{SessionID: s.ID, AgentID: opts.AgentID, TaskID: opts.TaskID})

	m.appendMessage(s.ID, types.MessageUser, opts.Prompt, nil)

	spec := runtime.SpawnSpec{
		SessionID:      s.ID,
		Prompt:         opts.Prompt,
		WorkingDir:     opts.WorkingDir,
		SystemPrompt:   opts.SystemPrompt,
		AllowedTools:   opts.AllowedTools,
		MaxTurns:       opts.MaxTurns,
		AdditionalDirs: opts.AdditionalDirs,
	}
	if err := m.rt.Start(ctx, spec, m.HandleEvent); err != nil {
		m.endSession(s.ID, types.SessionError, fmt.Sprintf("failed to spawn worker: %v", err))
		return "", fmt.Errorf("failed to start session for agent %s: %w", opts.AgentID, err)
	}

	m.setStatus(s.ID, types.SessionActive)
	logging.Session("started session %s (agent=%s task=%s)", s.ID, opts.AgentID, opts.TaskID)
	return s.ID, nil
}

// SendMessage resumes the session's worker with a new user message.
func (m *Manager) SendMessage(ctx context.Context, sessionID, message, workingDir string, allowedTools []string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Status.Ended() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}
	m.mu.Unlock()

	m.appendMessage(sessionID, types.MessageUser, message, nil)

	spec := runtime.SpawnSpec{
		SessionID:    sessionID,
		Prompt:       message,
		WorkingDir:   workingDir,
		AllowedTools: allowedTools,
		Resume:       true,
	}
	if err := m.rt.Start(ctx, spec, m.HandleEvent); err != nil {
		return fmt.Errorf("failed to resume session %s: %w", sessionID, err)
	}
	m.setStatus(sessionID, types.SessionActive)
	return nil
}

// Stop kills the worker and ends the session in error.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if err := m.rt.Kill(sessionID); err != nil {
		logging.Get(logging.CategorySession).Warn("kill failed for %s: %v", sessionID, err)
	}
	m.endSession(sessionID, types.SessionError, "stopped by operator")
	return nil
}

// Get returns a session snapshot by ID.
func (m *Manager) Get(sessionID string) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return types.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return cloneSession(s), nil
}

// GetByAgent returns the agent's current session, if any.
func (m *Manager) GetByAgent(agentID string) (types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byAgent[agentID]
	if !ok {
		return types.Session{}, false
	}
	s, ok := m.sessions[id]
	if !ok {
		return types.Session{}, false
	}
	return cloneSession(s), true
}

// List returns all sessions ordered by start time.
func (m *Manager) List() []types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ApprovePermission resolves one pending tool by case-insensitive name
// and returns its canonical casing plus whether every pending request
// is now cleared. Approving a tool that is not pending is a no-op.
func (m *Manager) ApprovePermission(sessionID, toolName string) (resolved string, allApproved bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	resolved = toolName
	for i, p := range s.PendingPermissions {
		if strings.EqualFold(p.ToolName, toolName) {
			resolved = p.ToolName
			s.PendingPermissions = append(s.PendingPermissions[:i:i], s.PendingPermissions[i+1:]...)
			break
		}
	}
	return resolved, len(s.PendingPermissions) == 0, nil
}

// DenyPermission refuses the pending tools and ends the session in
// completed: the worker's partial output stands as its result.
func (m *Manager) DenyPermission(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		s.PendingPermissions = nil
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.endSession(sessionID, types.SessionCompleted, "")
	return nil
}

// Resume continues a waiting_input session with the canned permission
// message and the agent's updated tool list.
func (m *Manager) Resume(ctx context.Context, sessionID, workingDir string, allowedTools []string) error {
	return m.SendMessage(ctx, sessionID, ResumeMessage, workingDir, allowedTools)
}

// HandleEvent is the runtime emit callback. It maps each raw stream
// event to zero or one transcript message and handles terminals.
func (m *Manager) HandleEvent(ev runtime.StreamEvent) {
	event := ev.Event
	eventType, _ := event["type"].(string)

	if eventType == "result" {
		m.handleTerminal(ev.SessionID, event)
		return
	}

	switch eventType {
	case "assistant":
		for _, text := range assistantBlocks(event) {
			m.appendMessage(ev.SessionID, types.MessageAssistant, text, nil)
		}
	case "content_block_start":
		block, _ := event["content_block"].(map[string]any)
		switch block["type"] {
		case "thinking":
			if text, ok := block["thinking"].(string); ok && text != "" {
				m.appendMessage(ev.SessionID, types.MessageThinking, text, nil)
			}
		case "tool_use":
			name, _ := block["name"].(string)
			m.appendMessage(ev.SessionID, types.MessageToolUse, name, map[string]any{
				"toolName": name,
				"toolId":   block["id"],
				"input":    block["input"],
			})
		case "text":
			if text, ok := block["text"].(string); ok && text != "" {
				m.appendMessage(ev.SessionID, types.MessageAssistant, text, nil)
			}
		}
	case "content_block_delta":
		delta, _ := event["delta"].(map[string]any)
		switch delta["type"] {
		case "thinking_delta":
			if text, ok := delta["thinking"].(string); ok && text != "" {
				m.appendMessage(ev.SessionID, types.MessageThinking, text, nil)
			}
		case "text_delta":
			if text, ok := delta["text"].(string); ok && text != "" {
				m.appendMessage(ev.SessionID, types.MessageAssistant, text, nil)
			}
		}
		// input_json_delta is partial JSON noise; dropped.
	case "tool_result":
		m.appendMessage(ev.SessionID, types.MessageToolResult, stringify(event["content"]), nil)
	case "system":
		if event["subtype"] == "tool_result" {
			m.appendMessage(ev.SessionID, types.MessageToolResult, stringify(event["content"]), nil)
			return
		}
		content := stringify(event["content"])
		if content != "" {
			m.appendMessage(ev.SessionID, types.MessageSystem, content, nil)
		}
	}
}

// handleTerminal processes a {type:"result"} event. A terminal with
// permission denials parks the session in waiting_input instead of
// ending it; a waiting session ignores further close events.
func (m *Manager) handleTerminal(sessionID string, event map[string]any) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.Status.Ended() {
		m.mu.Unlock()
		return
	}

	if tokens := usageTokens(event); tokens > 0 {
		m.tokens[sessionID] += tokens
	}

	denials := permissionDenials(event)
	if len(denials) > 0 {
		s.PendingPermissions = denials
		s.Status = types.SessionWaitingInput
		s.LastActivityAt = time.Now()
		agentID := s.AgentID
		m.mu.Unlock()

		logging.Session("session %s waiting on %d tool permissions", sessionID, len(denials))
		m.bus.Publish(bus.TopicSessionStatus, bus.SessionStatusChanged{SessionID: sessionID, AgentID: agentID, Status: types.SessionWaitingInput})
		for _, d := range denials {
			m.bus.Publish(bus.TopicPermissionRequested, bus.PermissionRequested{SessionID: sessionID, AgentID: agentID, ToolName: d.ToolName})
		}
		return
	}

	if s.Status == types.SessionWaitingInput {
		// The superseded process closing must not end a session that
		// is parked on operator input.
		m.mu.Unlock()
		return
	}

	// The terminal result text is the fallback carrier when no
	// assistant message streamed.
	resultText, _ := event["result"].(string)
	appendResult := resultText != "" && !hasAssistantMessage(s)
	m.mu.Unlock()

	if appendResult {
		m.appendMessage(sessionID, types.MessageAssistant, resultText, nil)
	}

	subtype, _ := event["subtype"].(string)
	status := types.SessionCompleted
	errMsg := ""
	if subtype == "error" {
		status = types.SessionError
		errMsg = stringify(event["error"])
		if errMsg == "" {
			errMsg = fmt.Sprintf("worker exited with error (exit_code=%v)", event["exit_code"])
		}
	}
	m.endSession(sessionID, status, errMsg)
}

// endSession finalizes a session exactly once and publishes
// session_ended with the concatenated assistant output.
func (m *Manager) endSession(sessionID string, status types.SessionStatus, errMsg string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.Ended() {
		m.mu.Unlock()
		return
	}
	s.Status = status
	s.LastActivityAt = time.Now()

	payload := bus.SessionEnded{
		SessionID: sessionID,
		AgentID:   s.AgentID,
		TaskID:    s.TaskID,
		Status:    status,
		Result:    assistantTranscript(s),
		Error:     errMsg,
		Tokens:    m.tokens[sessionID],
	}
	delete(m.byAgent, s.AgentID)
	delete(m.tokens, sessionID)
	m.mu.Unlock()

	logging.Session("session %s ended: %s", sessionID, status)
	m.bus.Publish(bus.TopicSessionStatus, bus.SessionStatusChanged{SessionID: sessionID, AgentID: payload.AgentID, Status: status})
	m.bus.Publish(bus.TopicSessionEnded, payload)
}

// appendMessage records a transcript message and publishes it.
func (m *Manager) appendMessage(sessionID string, kind types.MessageType, content string, metadata map[string]any) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	msg := types.SessionMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      kind,
		Content:   content,
		Metadata:  metadata,
	}
	s.Messages = append(s.Messages, msg)
	s.LastActivityAt = msg.Timestamp
	agentID := s.AgentID
	m.mu.Unlock()

	logging.SessionDebug("session %s message %s (%dB)", sessionID, kind, len(content))
	m.bus.Publish(bus.TopicSessionMessage, bus.SessionMessage{SessionID: sessionID, AgentID: agentID, Message: msg})
}

// setStatus transitions a live session and publishes the change.
func (m *Manager) setStatus(sessionID string, status types.SessionStatus) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status.Ended() || s.Status == status {
		m.mu.Unlock()
		return
	}
	s.Status = status
	agentID := s.AgentID
	m.mu.Unlock()

	m.bus.Publish(bus.TopicSessionStatus, bus.SessionStatusChanged{SessionID: sessionID, AgentID: agentID, Status: status})
}

// assistantBlocks extracts the text payloads of an assistant event,
// one per text block. Non-text blocks are ignored.
func assistantBlocks(event map[string]any) []string {
	message, ok := event["message"].(map[string]any)
	if !ok {
		return nil
	}
	switch content := message["content"].(type) {
	case string:
		if content == "" {
			return nil
		}
		return []string{content}
	case []any:
		var out []string
		for _, raw := range content {
			block, ok := raw.(map[string]any)
			if !ok || block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok && text != "" {
				out = append(out, text)
			}
		}
		return out
	default:
		return nil
	}
}

// permissionDenials extracts and deduplicates the denied tools of a
// terminal event. Dedup is case-insensitive by tool name.
func permissionDenials(event map[string]any) []types.PermissionRequest {
	raw, ok := event["permission_denials"].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(raw))
	var out []types.PermissionRequest
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["tool_name"].(string)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		input, _ := entry["tool_input"].(map[string]any)
		out = append(out, types.PermissionRequest{ToolName: name, ToolInput: input})
	}
	return out
}

// usageTokens sums the token counts of a terminal event's usage block.
func usageTokens(event map[string]any) int {
	usage, ok := event["usage"].(map[string]any)
	if !ok {
		return 0
	}
	total := 0
	for _, key := range []string{"input_tokens", "output_tokens"} {
		if n, ok := usage[key].(float64); ok {
			total += int(n)
		}
	}
	return total
}

func hasAssistantMessage(s *types.Session) bool {
	for i := range s.Messages {
		if s.Messages[i].Type == types.MessageAssistant {
			return true
		}
	}
	return false
}

// assistantTranscript concatenates the assistant messages in order.
func assistantTranscript(s *types.Session) string {
	var parts []string
	for i := range s.Messages {
		if s.Messages[i].Type == types.MessageAssistant {
			parts = append(parts, s.Messages[i].Content)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func cloneSession(s *types.Session) types.Session {
	out := *s
	out.Messages = append([]types.SessionMessage(nil), s.Messages...)
	out.PendingPermissions = append([]types.PermissionRequest(nil), s.PendingPermissions...)
	return out
}
