// Package bridge composes the session, agent, and task managers into a
// single dispatch surface. It enforces one active worker per agent,
// settles tasks when sessions end, and handles the tool-permission
// shortcuts the REPL exposes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"workfarm/internal/agent"
	"workfarm/internal/bus"
	"workfarm/internal/logging"
	"workfarm/internal/session"
	"workfarm/internal/task"
	"workfarm/internal/types"
)

// Errors returned by the bridge.
var (
	ErrAgentBusy  = errors.New("agent already has an active execution")
	ErrNoSession  = errors.New("agent has no active session")
	ErrNotWaiting = errors.New("session is not waiting for input")
)

// DispatchOptions parameterizes one worker dispatch.
type DispatchOptions struct {
	Prompt         string
	WorkingDir     string
	SystemPrompt   string
	MaxTurns       int
	AdditionalDirs []string

	// Internal marks housekeeping dispatches, such as reconnaissance,
	// whose completion does not count toward the agent's task total.
	Internal bool
}

// dispatchInfo remembers per-agent dispatch context for resume and
// settlement.
type dispatchInfo struct {
	taskID     string
	workingDir string
	internal   bool
}

// Bridge owns the activeExecutions single-flight guard.
type Bridge struct {
	mu       sync.Mutex
	bus      *bus.Bus
	agents   *agent.Manager
	tasks    *task.Manager
	sessions *session.Manager
	active   map[string]dispatchInfo // agentID -> in-flight dispatch

	defaultMaxTurns int
}

// New wires the bridge and subscribes it to session_ended. Construct
// the bridge before any component that also consumes session_ended so
// task and agent state are settled first.
func New(b *bus.Bus, agents *agent.Manager, tasks *task.Manager, sessions *session.Manager, defaultMaxTurns int) *Bridge {
	br := &Bridge{
		bus:             b,
		agents:          agents,
		tasks:           tasks,
		sessions:        sessions,
		active:          make(map[string]dispatchInfo),
		defaultMaxTurns: defaultMaxTurns,
	}
	b.Subscribe(bus.TopicSessionEnded, br.onSessionEnded)
	return br
}

// Sweep resets state left over from an unclean shutdown: agents stuck
// in working or thinking go back to idle, and their in-progress tasks
// are failed.
func (br *Bridge) Sweep() {
	for _, a := range br.agents.List() {
		if a.State != types.AgentWorking && a.State != types.AgentThinking {
			continue
		}
		logging.Bridge("sweeping stale agent %s (%s)", a.Name, a.State)
		if a.AssignedTaskID != "" {
			if t, err := br.tasks.Get(a.AssignedTaskID); err == nil && t.Status == types.TaskInProgress {
				_ = br.tasks.Fail(t.ID, "interrupted by restart")
			}
			_ = br.agents.UnassignTask(a.ID)
		}
		_ = br.agents.UpdateState(a.ID, types.AgentIdle)
	}
}

// Dispatch starts a worker session for a task, or fails fast when the
// agent is already executing.
func (br *Bridge) Dispatch(ctx context.Context, agentID, taskID string, opts DispatchOptions) error {
	a, err := br.agents.Get(agentID)
	if err != nil {
		return err
	}

	br.mu.Lock()
	if _, busy := br.active[agentID]; busy {
		br.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentBusy, a.Name)
	}
	br.active[agentID] = dispatchInfo{taskID: taskID, workingDir: opts.WorkingDir, internal: opts.Internal}
	br.mu.Unlock()

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = br.defaultMaxTurns
	}
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = a.SystemPrompt
	}

	_ = br.agents.UpdateState(agentID, types.AgentWorking)
	_ = br.agents.AssignTask(agentID, taskID)
	_ = br.tasks.Start(taskID)
	_ = br.agents.AddConversation(agentID, "user", opts.Prompt, taskID)

	_, err = br.sessions.Start(ctx, session.StartOptions{
		AgentID:        agentID,
		TaskID:         taskID,
		Prompt:         opts.Prompt,
		WorkingDir:     opts.WorkingDir,
		SystemPrompt:   systemPrompt,
		AllowedTools:   a.ApprovedTools,
		MaxTurns:       maxTurns,
		AdditionalDirs: opts.AdditionalDirs,
	})
	if err != nil {
		br.release(agentID)
		_ = br.tasks.Fail(taskID, err.Error())
		_ = br.agents.UnassignTask(agentID)
		_ = br.agents.UpdateState(agentID, types.AgentIdle)
		return err
	}

	logging.Bridge("dispatched agent %s on task %s", a.Name, taskID)
	return nil
}

// IsExecuting reports whether the agent has an in-flight dispatch.
func (br *Bridge) IsExecuting(agentID string) bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	_, busy := br.active[agentID]
	return busy
}

// CancelExecution kills the agent's active session. The terminal close
// event then flows through the session manager and settles the task.
func (br *Bridge) CancelExecution(agentID string) error {
	s, ok := br.sessions.GetByAgent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, agentID)
	}
	return br.sessions.Stop(s.ID)
}

// ApproveToolPermission approves one pending tool: resolves its
// canonical casing, adds it to the agent's allow-list, and resumes the
// session once every pending request is cleared.
func (br *Bridge) ApproveToolPermission(ctx context.Context, agentID, toolName string) error {
	s, ok := br.sessions.GetByAgent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, agentID)
	}
	if s.Status != types.SessionWaitingInput {
		return fmt.Errorf("%w: %s", ErrNotWaiting, s.ID)
	}

	resolved, allApproved, err := br.sessions.ApprovePermission(s.ID, toolName)
	if err != nil {
		return err
	}
	if err := br.agents.AddApprovedTool(agentID, resolved); err != nil {
		return err
	}
	logging.Bridge("approved tool %s for agent %s (allApproved=%v)", resolved, agentID, allApproved)

	if !allApproved {
		return nil
	}

	a, err := br.agents.Get(agentID)
	if err != nil {
		return err
	}
	br.mu.Lock()
	info := br.active[agentID]
	br.mu.Unlock()
	return br.sessions.Resume(ctx, s.ID, info.workingDir, a.ApprovedTools)
}

// DenyToolPermission refuses the pending tools; the session completes
// with whatever the worker produced before asking.
func (br *Bridge) DenyToolPermission(agentID string) error {
	s, ok := br.sessions.GetByAgent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, agentID)
	}
	return br.sessions.DenyPermission(s.ID)
}

// onSessionEnded settles the dispatch: task status, agent counters,
// conversation memory, and the single-flight guard.
func (br *Bridge) onSessionEnded(ev bus.Event) {
	ended, ok := ev.Payload.(bus.SessionEnded)
	if !ok {
		return
	}

	if ended.TaskID != "" {
		if ended.Status == types.SessionCompleted {
			_ = br.tasks.Complete(ended.TaskID, ended.Result)
			if !br.isInternal(ended.AgentID, ended.TaskID) {
				_ = br.agents.IncrementTasksCompleted(ended.AgentID)
			}
		} else {
			msg := ended.Error
			if msg == "" {
				msg = "worker session failed"
			}
			_ = br.tasks.Fail(ended.TaskID, msg)
		}
	}

	if ended.Result != "" {
		_ = br.agents.AddConversation(ended.AgentID, "assistant", ended.Result, ended.TaskID)
	}
	_ = br.agents.AddTokensUsed(ended.AgentID, ended.Tokens)
	_ = br.agents.UnassignTask(ended.AgentID)
	_ = br.agents.UpdateState(ended.AgentID, types.AgentIdle)

	br.release(ended.AgentID)
	logging.Bridge("agent %s released after session %s (%s)", ended.AgentID, ended.SessionID, ended.Status)
}

// isInternal reports whether the agent's in-flight dispatch for taskID
// was marked housekeeping.
func (br *Bridge) isInternal(agentID, taskID string) bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	info, ok := br.active[agentID]
	return ok && info.taskID == taskID && info.internal
}

func (br *Bridge) release(agentID string) {
	br.mu.Lock()
	delete(br.active, agentID)
	br.mu.Unlock()
}

// BuildWorkerPrompt assembles the self-contained prompt for one plan
// step. Worker sessions are stateless across steps, so everything the
// step needs rides in the prompt itself.
func BuildWorkerPrompt(agentName string, g types.Goal, instruction, priorContext, prefContext string, workspaceRoots []string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s, an autonomous worker.\n\n", agentName)
	fmt.Fprintf(&sb, "Your goal, verbatim (do not reinterpret it):\n%s\n\n", g.Description)

	if priorContext != "" {
		fmt.Fprintf(&sb, "<prior_context>\n%s\n</prior_context>\n\n", priorContext)
	}
	fmt.Fprintf(&sb, "<worker_instruction>\n%s\n</worker_instruction>\n\n", instruction)

	fmt.Fprintf(&sb, "Working directory: %s\n", g.WorkingDirectory)
	if len(workspaceRoots) > 0 {
		fmt.Fprintf(&sb, "Workspace roots: %s\n", strings.Join(workspaceRoots, ", "))
	}
	if len(g.Constraints) > 0 {
		sb.WriteString("\nConstraints:\n")
		for _, c := range g.Constraints {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if prefContext != "" {
		sb.WriteString("\n")
		sb.WriteString(prefContext)
	}

	sb.WriteString(`
When finished, close with a summary block:
<step_summary>
What you did, what you found, and anything the next step needs to know.
</step_summary>

If you cannot proceed without operator input, end your message with:
[NEEDS_INPUT]: <your question>`)
	return sb.String()
}
