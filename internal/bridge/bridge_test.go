package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workfarm/internal/agent"
	"workfarm/internal/bus"
	"workfarm/internal/persist"
	"workfarm/internal/runtime"
	"workfarm/internal/session"
	"workfarm/internal/task"
	"workfarm/internal/types"
)

// fakeRuntime captures spawn specs and lets tests replay worker events.
type fakeRuntime struct {
	mu    sync.Mutex
	specs []runtime.SpawnSpec
	emits map[string]runtime.EmitFunc
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{emits: make(map[string]runtime.EmitFunc)}
}

func (f *fakeRuntime) Start(_ context.Context, spec runtime.SpawnSpec, emit runtime.EmitFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.emits[spec.SessionID] = emit
	return nil
}

func (f *fakeRuntime) Kill(string) error { return nil }

func (f *fakeRuntime) endSession(sessionID string, event map[string]any) {
	f.mu.Lock()
	emit := f.emits[sessionID]
	f.mu.Unlock()
	emit(runtime.StreamEvent{SessionID: sessionID, Event: event})
}

func (f *fakeRuntime) lastSpec() runtime.SpawnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

type fixture struct {
	bus      *bus.Bus
	rt       *fakeRuntime
	agents   *agent.Manager
	tasks    *task.Manager
	sessions *session.Manager
	bridge   *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)
	b := bus.New()
	agents, err := agent.NewManager(store, b)
	require.NoError(t, err)
	tasks, err := task.NewManager(store, b)
	require.NoError(t, err)
	rt := newFakeRuntime()
	sessions := session.NewManager(rt, b)
	return &fixture{
		bus:      b,
		rt:       rt,
		agents:   agents,
		tasks:    tasks,
		sessions: sessions,
		bridge:   New(b, agents, tasks, sessions, 30),
	}
}

func (f *fixture) hireAndDispatch(t *testing.T) (types.Agent, types.Task, string) {
	t.Helper()
	a, err := f.agents.Hire("Sam")
	require.NoError(t, err)
	tk := f.tasks.Create("profile queries", a.ID)
	require.NoError(t, f.bridge.Dispatch(context.Background(), a.ID, tk.ID, DispatchOptions{
		Prompt:     "profile the slow queries",
		WorkingDir: "/srv/app",
	}))
	s, ok := f.sessions.GetByAgent(a.ID)
	require.True(t, ok)
	return a, tk, s.ID
}

func TestDispatchSingleFlight(t *testing.T) {
	f := newFixture(t)
	a, tk, _ := f.hireAndDispatch(t)

	assert.True(t, f.bridge.IsExecuting(a.ID))

	err := f.bridge.Dispatch(context.Background(), a.ID, tk.ID, DispatchOptions{Prompt: "again"})
	assert.ErrorIs(t, err, ErrAgentBusy)
}

func TestDispatchSetsUpStateAndSpec(t *testing.T) {
	f := newFixture(t)
	a, tk, _ := f.hireAndDispatch(t)

	got, err := f.agents.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentWorking, got.State)
	assert.Equal(t, tk.ID, got.AssignedTaskID)

	taskNow, err := f.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, taskNow.Status)

	spec := f.rt.lastSpec()
	assert.Equal(t, "profile the slow queries", spec.Prompt)
	assert.Equal(t, "/srv/app", spec.WorkingDir)
	assert.Equal(t, 30, spec.MaxTurns, "default max turns applies when unset")
	assert.Equal(t, types.BaselineTools, spec.AllowedTools)

	mem, err := f.agents.GetMemory(a.ID)
	require.NoError(t, err)
	require.Len(t, mem, 1)
	assert.Equal(t, "user", mem[0].Role)
}

func TestCompletedSessionSettlesEverything(t *testing.T) {
	f := newFixture(t)
	a, tk, sid := f.hireAndDispatch(t)

	f.rt.endSession(sid, map[string]any{
		"type":    "assistant",
		"message": map[string]any{"content": "found three slow queries"},
	})
	f.rt.endSession(sid, map[string]any{
		"type": "result", "subtype": "close",
		"usage": map[string]any{"input_tokens": float64(50), "output_tokens": float64(25)},
	})

	taskNow, err := f.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, taskNow.Status)
	assert.Equal(t, "found three slow queries", taskNow.Result)

	got, err := f.agents.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, got.State)
	assert.Empty(t, got.AssignedTaskID)
	assert.Equal(t, 1, got.TasksCompleted)
	assert.Equal(t, 75, got.TokensUsed)

	assert.False(t, f.bridge.IsExecuting(a.ID), "guard releases on session end")

	mem, err := f.agents.GetMemory(a.ID)
	require.NoError(t, err)
	require.Len(t, mem, 2)
	assert.Equal(t, "assistant", mem[1].Role)
}

func TestInternalDispatchDoesNotCountTask(t *testing.T) {
	f := newFixture(t)
	a, err := f.agents.Hire("Sam")
	require.NoError(t, err)
	tk := f.tasks.Create("Reconnaissance: survey the tree", a.ID)
	require.NoError(t, f.bridge.Dispatch(context.Background(), a.ID, tk.ID, DispatchOptions{
		Prompt:     "survey the working tree",
		WorkingDir: "/srv/app",
		Internal:   true,
	}))
	s, ok := f.sessions.GetByAgent(a.ID)
	require.True(t, ok)

	f.rt.endSession(s.ID, map[string]any{
		"type":    "assistant",
		"message": map[string]any{"content": "tree surveyed"},
	})
	f.rt.endSession(s.ID, map[string]any{"type": "result", "subtype": "close"})

	taskNow, err := f.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, taskNow.Status)

	got, err := f.agents.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TasksCompleted, "housekeeping dispatches do not count")
	assert.Equal(t, types.AgentIdle, got.State)
}

func TestFailedSessionFailsTask(t *testing.T) {
	f := newFixture(t)
	a, tk, sid := f.hireAndDispatch(t)

	f.rt.endSession(sid, map[string]any{"type": "result", "subtype": "error", "exit_code": float64(2)})

	taskNow, err := f.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, taskNow.Status)

	got, err := f.agents.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, got.State)
	assert.Zero(t, got.TasksCompleted)
	assert.False(t, f.bridge.IsExecuting(a.ID))
}

func TestSweepResetsStaleAgents(t *testing.T) {
	f := newFixture(t)
	a, err := f.agents.Hire("Sam")
	require.NoError(t, err)
	tk := f.tasks.Create("stale work", a.ID)
	require.NoError(t, f.tasks.Start(tk.ID))
	require.NoError(t, f.agents.AssignTask(a.ID, tk.ID))
	require.NoError(t, f.agents.UpdateState(a.ID, types.AgentWorking))

	f.bridge.Sweep()

	got, err := f.agents.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, got.State)
	assert.Empty(t, got.AssignedTaskID)

	taskNow, err := f.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, taskNow.Status)
	assert.Equal(t, "interrupted by restart", taskNow.Result)
}

func TestApproveToolPermissionResumesWhenAllCleared(t *testing.T) {
	f := newFixture(t)
	a, _, sid := f.hireAndDispatch(t)

	f.rt.endSession(sid, map[string]any{
		"type": "result", "subtype": "close",
		"permission_denials": []any{
			map[string]any{"tool_name": "Bash"},
			map[string]any{"tool_name": "WebFetch"},
		},
	})

	require.NoError(t, f.bridge.ApproveToolPermission(context.Background(), a.ID, "bash"))

	s, ok := f.sessions.GetByAgent(a.ID)
	require.True(t, ok)
	assert.Equal(t, types.SessionWaitingInput, s.Status, "still waiting on the second tool")

	require.NoError(t, f.bridge.ApproveToolPermission(context.Background(), a.ID, "WebFetch"))

	spec := f.rt.lastSpec()
	assert.True(t, spec.Resume)
	assert.Equal(t, session.ResumeMessage, spec.Prompt)
	assert.Equal(t, "/srv/app", spec.WorkingDir, "resume keeps the original working dir")
	assert.Contains(t, spec.AllowedTools, "Bash")
	assert.Contains(t, spec.AllowedTools, "WebFetch")

	got, err := f.agents.Get(a.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ApprovedTools, "Bash", "approval persists on the agent")
}

func TestApproveRequiresWaitingSession(t *testing.T) {
	f := newFixture(t)
	a, _, _ := f.hireAndDispatch(t)

	err := f.bridge.ApproveToolPermission(context.Background(), a.ID, "Bash")
	assert.ErrorIs(t, err, ErrNotWaiting)

	err = f.bridge.ApproveToolPermission(context.Background(), "ghost", "Bash")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDenyToolPermissionCompletesTask(t *testing.T) {
	f := newFixture(t)
	a, tk, sid := f.hireAndDispatch(t)

	f.rt.endSession(sid, map[string]any{
		"type":    "assistant",
		"message": map[string]any{"content": "partial analysis"},
	})
	f.rt.endSession(sid, map[string]any{
		"type": "result", "subtype": "close",
		"permission_denials": []any{map[string]any{"tool_name": "Bash"}},
	})

	require.NoError(t, f.bridge.DenyToolPermission(a.ID))

	taskNow, err := f.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, taskNow.Status)
	assert.Equal(t, "partial analysis", taskNow.Result)
	assert.False(t, f.bridge.IsExecuting(a.ID))
}

func TestCancelExecution(t *testing.T) {
	f := newFixture(t)
	a, tk, _ := f.hireAndDispatch(t)

	require.NoError(t, f.bridge.CancelExecution(a.ID))

	taskNow, err := f.tasks.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, taskNow.Status)
	assert.False(t, f.bridge.IsExecuting(a.ID))

	assert.ErrorIs(t, f.bridge.CancelExecution(a.ID), ErrNoSession)
}

func TestBuildWorkerPrompt(t *testing.T) {
	g := types.Goal{
		Description:      "keep the docs current",
		WorkingDirectory: "/srv/docs",
		Constraints:      []string{"never push to main"},
	}
	prompt := BuildWorkerPrompt("Sam", g, "update the changelog", "step 1 summary", "Known operator preferences:\n- [style] TONE: terse\n", []string{"/srv/docs", "/srv/site"})

	assert.Contains(t, prompt, "You are Sam")
	assert.Contains(t, prompt, "keep the docs current")
	assert.Contains(t, prompt, "<prior_context>\nstep 1 summary\n</prior_context>")
	assert.Contains(t, prompt, "<worker_instruction>\nupdate the changelog\n</worker_instruction>")
	assert.Contains(t, prompt, "Working directory: /srv/docs")
	assert.Contains(t, prompt, "Workspace roots: /srv/docs, /srv/site")
	assert.Contains(t, prompt, "- never push to main")
	assert.Contains(t, prompt, "TONE: terse")
	assert.Contains(t, prompt, "<step_summary>")
	assert.Contains(t, prompt, "[NEEDS_INPUT]:")
}

func TestBuildWorkerPromptOmitsEmptySections(t *testing.T) {
	g := types.Goal{Description: "d", WorkingDirectory: "/srv"}
	prompt := BuildWorkerPrompt("Riley", g, "do it", "", "", nil)
	assert.NotContains(t, prompt, "<prior_context>")
	assert.NotContains(t, prompt, "Constraints:")
	assert.NotContains(t, prompt, "Workspace roots:")
}
