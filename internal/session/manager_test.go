package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workfarm/internal/bus"
	"workfarm/internal/types"
)

func startSession(t *testing.T) (*Manager, *fakeRuntime, *bus.Bus, string) {
	t.Helper()
	rt := newFakeRuntime()
	b := bus.New()
	m := NewManager(rt, b)
	id, err := m.Start(context.Background(), StartOptions{
		AgentID:      "a1",
		TaskID:       "t1",
		Prompt:       "do the thing",
		WorkingDir:   "/srv/app",
		AllowedTools: []string{"Read", "Glob"},
		MaxTurns:     30,
	})
	require.NoError(t, err)
	return m, rt, b, id
}

func TestStartRecordsPromptAndActivates(t *testing.T) {
	m, rt, _, id := startSession(t)

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, s.Status)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, types.MessageUser, s.Messages[0].Type)
	assert.Equal(t, "do the thing", s.Messages[0].Content)

	spec := rt.lastSpec()
	assert.Equal(t, id, spec.SessionID)
	assert.Equal(t, "/srv/app", spec.WorkingDir)
	assert.False(t, spec.Resume)

	got, ok := m.GetByAgent("a1")
	require.True(t, ok)
	assert.Equal(t, id, got.ID)
}

func TestStartSpawnFailureEndsSession(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr = errors.New("no such binary")
	b := bus.New()
	m := NewManager(rt, b)

	var ended []bus.SessionEnded
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) {
		ended = append(ended, ev.Payload.(bus.SessionEnded))
	})

	_, err := m.Start(context.Background(), StartOptions{AgentID: "a1", Prompt: "x"})
	require.Error(t, err)
	require.Len(t, ended, 1)
	assert.Equal(t, types.SessionError, ended[0].Status)
}

func TestEventMapping(t *testing.T) {
	m, rt, _, id := startSession(t)

	rt.emit(id, map[string]any{
		"type": "assistant",
		"message": map[string]any{"content": []any{
			map[string]any{"type": "text", "text": "first"},
			map[string]any{"type": "tool_use", "name": "Bash"},
			map[string]any{"type": "text", "text": "second"},
		}},
	})
	rt.emit(id, map[string]any{
		"type":          "content_block_start",
		"content_block": map[string]any{"type": "thinking", "thinking": "hmm"},
	})
	rt.emit(id, map[string]any{
		"type":          "content_block_start",
		"content_block": map[string]any{"type": "tool_use", "name": "Grep", "id": "tu_1", "input": map[string]any{"pattern": "x"}},
	})
	rt.emit(id, map[string]any{
		"type":  "content_block_delta",
		"delta": map[string]any{"type": "text_delta", "text": "streamed"},
	})
	rt.emit(id, map[string]any{
		"type":  "content_block_delta",
		"delta": map[string]any{"type": "input_json_delta", "partial_json": `{"pat`},
	})
	rt.emit(id, map[string]any{"type": "tool_result", "content": "3 matches"})
	rt.emit(id, map[string]any{"type": "system", "subtype": "tool_result", "content": "ok"})
	rt.emit(id, map[string]any{"type": "system", "content": "turn limit warning"})

	s, err := m.Get(id)
	require.NoError(t, err)

	var kinds []types.MessageType
	for _, msg := range s.Messages {
		kinds = append(kinds, msg.Type)
	}
	assert.Equal(t, []types.MessageType{
		types.MessageUser,
		types.MessageAssistant, types.MessageAssistant,
		types.MessageThinking,
		types.MessageToolUse,
		types.MessageAssistant,
		types.MessageToolResult,
		types.MessageToolResult,
		types.MessageSystem,
	}, kinds)

	toolUse := s.Messages[4]
	assert.Equal(t, "Grep", toolUse.Content)
	assert.Equal(t, "Grep", toolUse.Metadata["toolName"])
	assert.Equal(t, "tu_1", toolUse.Metadata["toolId"])
}

func TestCloseTerminalEndsCompleted(t *testing.T) {
	_, rt, b, id := startSession(t)

	var ended []bus.SessionEnded
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) {
		ended = append(ended, ev.Payload.(bus.SessionEnded))
	})

	rt.emit(id, map[string]any{
		"type": "assistant",
		"message": map[string]any{"content": []any{
			map[string]any{"type": "text", "text": "all done"},
		}},
	})
	rt.emit(id, map[string]any{
		"type": "result", "subtype": "close",
		"usage": map[string]any{"input_tokens": float64(100), "output_tokens": float64(40)},
	})

	require.Len(t, ended, 1)
	assert.Equal(t, types.SessionCompleted, ended[0].Status)
	assert.Equal(t, "all done", ended[0].Result)
	assert.Equal(t, 140, ended[0].Tokens)
	assert.Equal(t, "a1", ended[0].AgentID)
	assert.Equal(t, "t1", ended[0].TaskID)
}

func TestErrorTerminal(t *testing.T) {
	m, rt, b, id := startSession(t)

	var ended bus.SessionEnded
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) { ended = ev.Payload.(bus.SessionEnded) })

	rt.emit(id, map[string]any{"type": "result", "subtype": "error", "exit_code": float64(1)})

	assert.Equal(t, types.SessionError, ended.Status)
	assert.Contains(t, ended.Error, "exit_code=1")

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionError, s.Status)
}

func TestResultFallbackOnlyWithoutAssistantOutput(t *testing.T) {
	_, rt, b, id := startSession(t)

	var ended bus.SessionEnded
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) { ended = ev.Payload.(bus.SessionEnded) })

	rt.emit(id, map[string]any{"type": "result", "subtype": "success", "result": "summary from result field"})
	assert.Equal(t, "summary from result field", ended.Result)

	// A session that streamed assistant text ignores the result field.
	_, rt2, b2, id2 := startSession(t)
	var ended2 bus.SessionEnded
	b2.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) { ended2 = ev.Payload.(bus.SessionEnded) })
	rt2.emit(id2, map[string]any{
		"type":    "assistant",
		"message": map[string]any{"content": "streamed answer"},
	})
	rt2.emit(id2, map[string]any{"type": "result", "subtype": "success", "result": "ignored"})
	assert.Equal(t, "streamed answer", ended2.Result)
}

func TestDoubleTerminalIgnored(t *testing.T) {
	_, rt, b, id := startSession(t)

	count := 0
	b.Subscribe(bus.TopicSessionEnded, func(bus.Event) { count++ })

	rt.emit(id, map[string]any{"type": "result", "subtype": "close"})
	rt.emit(id, map[string]any{"type": "result", "subtype": "error"})
	assert.Equal(t, 1, count, "a session ends exactly once")
}

func TestPermissionDenialsParkSession(t *testing.T) {
	m, rt, b, id := startSession(t)

	var requested []string
	b.Subscribe(bus.TopicPermissionRequested, func(ev bus.Event) {
		requested = append(requested, ev.Payload.(bus.PermissionRequested).ToolName)
	})
	endedCount := 0
	b.Subscribe(bus.TopicSessionEnded, func(bus.Event) { endedCount++ })

	rt.emit(id, map[string]any{
		"type": "result", "subtype": "close",
		"permission_denials": []any{
			map[string]any{"tool_name": "Bash", "tool_input": map[string]any{"command": "rm"}},
			map[string]any{"tool_name": "bash"},
			map[string]any{"tool_name": "WebFetch"},
		},
	})

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionWaitingInput, s.Status)
	require.Len(t, s.PendingPermissions, 2, "duplicate tool names collapse")
	assert.Equal(t, []string{"Bash", "WebFetch"}, requested)
	assert.Zero(t, endedCount)

	// A stray close from the superseded process must not end a parked
	// session.
	rt.emit(id, map[string]any{"type": "result", "subtype": "close"})
	s, err = m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionWaitingInput, s.Status)
}

func TestApprovePermissionFlow(t *testing.T) {
	m, rt, _, id := startSession(t)

	rt.emit(id, map[string]any{
		"type": "result", "subtype": "close",
		"permission_denials": []any{
			map[string]any{"tool_name": "Bash"},
			map[string]any{"tool_name": "WebFetch"},
		},
	})

	resolved, all, err := m.ApprovePermission(id, "bash")
	require.NoError(t, err)
	assert.Equal(t, "Bash", resolved, "canonical casing comes back")
	assert.False(t, all)

	// Approving something not pending is a no-op, not an error.
	resolved, all, err = m.ApprovePermission(id, "Bash")
	require.NoError(t, err)
	assert.Equal(t, "Bash", resolved)
	assert.False(t, all)

	_, all, err = m.ApprovePermission(id, "WebFetch")
	require.NoError(t, err)
	assert.True(t, all)

	require.NoError(t, m.Resume(context.Background(), id, "/srv/app", []string{"Read", "Bash", "WebFetch"}))
	spec := rt.lastSpec()
	assert.True(t, spec.Resume)
	assert.Equal(t, ResumeMessage, spec.Prompt)
	assert.Equal(t, []string{"Read", "Bash", "WebFetch"}, spec.AllowedTools)

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, s.Status)
}

func TestDenyPermissionCompletesSession(t *testing.T) {
	m, rt, b, id := startSession(t)

	rt.emit(id, map[string]any{
		"type":    "assistant",
		"message": map[string]any{"content": "partial work"},
	})
	rt.emit(id, map[string]any{
		"type": "result", "subtype": "close",
		"permission_denials": []any{map[string]any{"tool_name": "Bash"}},
	})

	var ended bus.SessionEnded
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) { ended = ev.Payload.(bus.SessionEnded) })

	require.NoError(t, m.DenyPermission(id))
	assert.Equal(t, types.SessionCompleted, ended.Status)
	assert.Equal(t, "partial work", ended.Result)

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Empty(t, s.PendingPermissions)
}

func TestSendMessageRejectsEndedSession(t *testing.T) {
	m, rt, _, id := startSession(t)
	rt.emit(id, map[string]any{"type": "result", "subtype": "close"})

	err := m.SendMessage(context.Background(), id, "more work", "/srv", nil)
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestStopKillsAndEndsInError(t *testing.T) {
	m, rt, b, id := startSession(t)

	var ended bus.SessionEnded
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) { ended = ev.Payload.(bus.SessionEnded) })

	require.NoError(t, m.Stop(id))
	assert.Equal(t, []string{id}, rt.killed)
	assert.Equal(t, types.SessionError, ended.Status)
	assert.Equal(t, "stopped by operator", ended.Error)

	_, ok := m.GetByAgent("a1")
	assert.False(t, ok, "agent mapping clears on end")

	assert.ErrorIs(t, m.Stop("missing"), ErrSessionNotFound)
}

func TestEndedExactlyOnceAfterCreated(t *testing.T) {
	rt := newFakeRuntime()
	b := bus.New()
	m := NewManager(rt, b)

	var order []bus.Topic
	b.Subscribe(bus.TopicSessionCreated, func(ev bus.Event) { order = append(order, ev.Topic) })
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) { order = append(order, ev.Topic) })

	id, err := m.Start(context.Background(), StartOptions{AgentID: "a1", Prompt: "x"})
	require.NoError(t, err)
	rt.emit(id, map[string]any{"type": "result", "subtype": "close"})
	rt.emit(id, map[string]any{"type": "result", "subtype": "close"})

	assert.Equal(t, []bus.Topic{bus.TopicSessionCreated, bus.TopicSessionEnded}, order)
}
