// Package agent implements the agent roster: hiring, firing, state,
// the approved-tool set, and per-agent bounded conversation memory.
package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"workfarm/internal/bus"
	"workfarm/internal/logging"
	"workfarm/internal/persist"
	"workfarm/internal/types"
)

// MemoryLimit bounds the per-agent conversation memory.
const MemoryLimit = 50

// Errors returned by the manager.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrNameTaken     = errors.New("agent name already taken")
	ErrBaselineTool  = errors.New("baseline tools cannot be removed")
)

// FireHook runs before an agent's state is removed. The wiring layer
// registers cascade deletions (sessions, tasks, goals, preferences).
type FireHook func(agentID string)

// Manager owns Agents and their memory.
type Manager struct {
	mu     sync.RWMutex
	store  persist.Store
	bus    *bus.Bus
	agents map[string]*types.Agent
	memory map[string][]types.ConversationEntry
	hooks  []FireHook
}

// NewManager loads the persisted roster.
func NewManager(store persist.Store, b *bus.Bus) (*Manager, error) {
	agents, err := store.LoadAgents()
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	m := &Manager{
		store:  store,
		bus:    b,
		agents: make(map[string]*types.Agent, len(agents)),
		memory: make(map[string][]types.ConversationEntry),
	}
	for i := range agents {
		a := agents[i]
		m.agents[a.ID] = &a
	}
	logging.Agents("roster loaded: %d agents", len(agents))
	return m, nil
}

// OnFire registers a cascade hook invoked during Fire.
func (m *Manager) OnFire(hook FireHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Hire creates a new agent. An empty name picks from the name pool.
func (m *Manager) Hire(name string) (types.Agent, error) {
	m.mu.Lock()

	taken := make(map[string]bool, len(m.agents))
	for _, a := range m.agents {
		taken[a.Name] = true
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = pickName(taken)
	} else if taken[name] {
		m.mu.Unlock()
		return types.Agent{}, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	a := &types.Agent{
		ID:            uuid.NewString(),
		Name:          name,
		State:         types.AgentIdle,
		ApprovedTools: append([]string(nil), types.BaselineTools...),
		HiredAt:       time.Now(),
	}
	m.agents[a.ID] = a
	snapshot := *a
	m.persistLocked()
	m.mu.Unlock()

	logging.Agents("hired %s (%s)", snapshot.Name, snapshot.ID)
	m.bus.Publish(bus.TopicAgentHired, bus.AgentChanged{AgentID: snapshot.ID, Name: snapshot.Name, State: snapshot.State})
	return snapshot, nil
}

// Fire removes an agent after running cascade hooks.
func (m *Manager) Fire(id string) error {
	m.mu.RLock()
	a, ok := m.agents[id]
	var name string
	if ok {
		name = a.Name
	}
	hooks := append([]FireHook(nil), m.hooks...)
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	// Cascades run outside the lock; they call back into other
	// managers which may publish events.
	for _, hook := range hooks {
		hook(id)
	}

	m.mu.Lock()
	delete(m.agents, id)
	delete(m.memory, id)
	m.persistLocked()
	m.mu.Unlock()

	if err := m.store.DeleteAgentData(id); err != nil {
		logging.Get(logging.CategoryAgents).Warn("failed to delete agent data for %s: %v", id, err)
	}

	logging.Agents("fired %s (%s)", name, id)
	m.bus.Publish(bus.TopicAgentFired, bus.AgentChanged{AgentID: id, Name: name})
	return nil
}

// Get returns an agent by ID.
func (m *Manager) Get(id string) (types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return types.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return *a, nil
}

// GetByName resolves an agent by its (case-insensitive) name.
func (m *Manager) GetByName(name string) (types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if strings.EqualFold(a.Name, name) {
			return *a, nil
		}
	}
	return types.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
}

// List returns all agents ordered by hire time.
func (m *Manager) List() []types.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HiredAt.Equal(out[j].HiredAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].HiredAt.Before(out[j].HiredAt)
	})
	return out
}

// UpdateState transitions an agent's state and publishes the change.
func (m *Manager) UpdateState(id string, state types.AgentState) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if a.State == state {
		m.mu.Unlock()
		return nil
	}
	a.State = state
	name := a.Name
	m.persistLocked()
	m.mu.Unlock()

	m.bus.Publish(bus.TopicAgentStateChanged, bus.AgentChanged{AgentID: id, Name: name, State: state})
	return nil
}

// UpdatePosition stores cosmetic coordinates. Not persisted eagerly;
// position has no behavioral meaning.
func (m *Manager) UpdatePosition(id string, x, y float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.X, a.Y = x, y
	return nil
}

// AssignTask records the agent's current task.
func (m *Manager) AssignTask(id, taskID string) error {
	return m.mutate(id, func(a *types.Agent) { a.AssignedTaskID = taskID })
}

// UnassignTask clears the agent's current task.
func (m *Manager) UnassignTask(id string) error {
	return m.mutate(id, func(a *types.Agent) { a.AssignedTaskID = "" })
}

// IncrementTasksCompleted bumps the completion counter.
func (m *Manager) IncrementTasksCompleted(id string) error {
	return m.mutate(id, func(a *types.Agent) { a.TasksCompleted++ })
}

// AddTokensUsed accumulates token usage reported by sessions.
func (m *Manager) AddTokensUsed(id string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	return m.mutate(id, func(a *types.Agent) { a.TokensUsed += tokens })
}

// SetSystemPrompt sets or clears the per-agent system prompt.
func (m *Manager) SetSystemPrompt(id, text string) error {
	return m.mutate(id, func(a *types.Agent) { a.SystemPrompt = text })
}

// AddApprovedTool appends a tool to the agent's allow-list. Adding an
// already-approved tool is a no-op.
func (m *Manager) AddApprovedTool(id, name string) error {
	return m.mutate(id, func(a *types.Agent) {
		if !a.HasApprovedTool(name) {
			a.ApprovedTools = append(a.ApprovedTools, name)
		}
	})
}

// RemoveApprovedTool drops a tool from the allow-list. The baseline
// set is immutable.
func (m *Manager) RemoveApprovedTool(id, name string) error {
	for _, baseline := range types.BaselineTools {
		if strings.EqualFold(baseline, name) {
			return fmt.Errorf("%w: %s", ErrBaselineTool, baseline)
		}
	}
	return m.mutate(id, func(a *types.Agent) {
		for i, t := range a.ApprovedTools {
			if strings.EqualFold(t, name) {
				a.ApprovedTools = append(a.ApprovedTools[:i:i], a.ApprovedTools[i+1:]...)
				return
			}
		}
	})
}

// mutate applies fn under the lock and persists.
func (m *Manager) mutate(id string, fn func(*types.Agent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	fn(a)
	m.persistLocked()
	return nil
}

// persistLocked saves the roster; the caller holds the lock. Failures
// are logged, not propagated: in-memory state stays authoritative.
func (m *Manager) persistLocked() {
	agents := make([]types.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, *a)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].HiredAt.Equal(agents[j].HiredAt) {
			return agents[i].Name < agents[j].Name
		}
		return agents[i].HiredAt.Before(agents[j].HiredAt)
	})
	if err := m.store.SaveAgents(agents); err != nil {
		logging.Get(logging.CategoryAgents).Error("failed to persist agents: %v", err)
	}
}

// GetMemory returns the agent's conversation memory, loading it on
// first access.
func (m *Manager) GetMemory(id string) ([]types.ConversationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	entries, err := m.memoryLocked(id)
	if err != nil {
		return nil, err
	}
	return append([]types.ConversationEntry(nil), entries...), nil
}

// AddConversation appends to the agent's memory, trimming to the most
// recent MemoryLimit entries.
func (m *Manager) AddConversation(id, role, content, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	entries, err := m.memoryLocked(id)
	if err != nil {
		return err
	}

	entries = append(entries, types.ConversationEntry{
		Role:      role,
		Content:   content,
		TaskID:    taskID,
		Timestamp: time.Now(),
	})
	if len(entries) > MemoryLimit {
		entries = entries[len(entries)-MemoryLimit:]
	}
	m.memory[id] = entries

	if err := m.store.SaveAgentMemory(id, entries); err != nil {
		logging.Get(logging.CategoryAgents).Error("failed to persist memory for %s: %v", id, err)
	}
	return nil
}

// memoryLocked lazily loads memory from the store.
func (m *Manager) memoryLocked(id string) ([]types.ConversationEntry, error) {
	if entries, ok := m.memory[id]; ok {
		return entries, nil
	}
	entries, err := m.store.LoadAgentMemory(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory for %s: %w", id, err)
	}
	m.memory[id] = entries
	return entries, nil
}
