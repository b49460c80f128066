// Package task implements ephemeral task records, one per dispatched
// worker invocation. Task IDs act as correlation tokens between a
// dispatch and the session_ended event that settles it.
package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workfarm/internal/bus"
	"workfarm/internal/logging"
	"workfarm/internal/persist"
	"workfarm/internal/types"
)

// LogLimit ring-buffers per-task logs to the most recent entries.
const LogLimit = 100

// ErrTaskNotFound is returned for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Manager owns Tasks.
type Manager struct {
	mu    sync.RWMutex
	store persist.Store
	bus   *bus.Bus
	tasks map[string]*types.Task
}

// NewManager loads persisted task records.
func NewManager(store persist.Store, b *bus.Bus) (*Manager, error) {
	tasks, err := store.LoadTasks()
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	m := &Manager{
		store: store,
		bus:   b,
		tasks: make(map[string]*types.Task, len(tasks)),
	}
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
	}
	logging.Tasks("loaded %d tasks", len(tasks))
	return m, nil
}

// Create registers a new pending task.
func (m *Manager) Create(description, agentID string) types.Task {
	t := &types.Task{
		ID:              uuid.NewString(),
		Description:     description,
		AssignedAgentID: agentID,
		Status:          types.TaskPending,
		CreatedAt:       time.Now(),
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	snapshot := *t
	m.persistLocked()
	m.mu.Unlock()

	m.bus.Publish(bus.TopicTaskCreated, bus.TaskChanged{TaskID: snapshot.ID, AgentID: agentID, Status: snapshot.Status})
	return snapshot
}

// Get returns a task by ID.
func (m *Manager) Get(id string) (types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneTask(t), nil
}

// List returns all tasks ordered by creation time.
func (m *Manager) List() []types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListByAgent returns an agent's tasks ordered by creation time.
func (m *Manager) ListByAgent(agentID string) []types.Task {
	all := m.List()
	out := all[:0]
	for _, t := range all {
		if t.AssignedAgentID == agentID {
			out = append(out, t)
		}
	}
	return out
}

// Start marks a task in progress.
func (m *Manager) Start(id string) error {
	return m.transition(id, bus.TopicTaskStarted, func(t *types.Task) {
		now := time.Now()
		t.Status = types.TaskInProgress
		t.StartedAt = &now
	})
}

// Complete finishes a task with its result.
func (m *Manager) Complete(id, result string) error {
	return m.transition(id, bus.TopicTaskCompleted, func(t *types.Task) {
		now := time.Now()
		t.Status = types.TaskCompleted
		t.CompletedAt = &now
		t.Result = result
	})
}

// Fail finishes a task with an error message.
func (m *Manager) Fail(id, errMsg string) error {
	return m.transition(id, bus.TopicTaskFailed, func(t *types.Task) {
		now := time.Now()
		t.Status = types.TaskFailed
		t.CompletedAt = &now
		t.Result = errMsg
	})
}

// AddLog appends a log line, ring-buffered to LogLimit entries.
func (m *Manager) AddLog(id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Logs = append(t.Logs, types.TaskLogEntry{Timestamp: time.Now(), Message: message})
	if len(t.Logs) > LogLimit {
		t.Logs = t.Logs[len(t.Logs)-LogLimit:]
	}
	m.persistLocked()
	return nil
}

// DeleteByAgent removes all tasks for a fired agent.
func (m *Manager) DeleteByAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tasks {
		if t.AssignedAgentID == agentID {
			delete(m.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		logging.Tasks("deleted %d tasks for fired agent %s", removed, agentID)
		m.persistLocked()
	}
}

// transition applies a status change and publishes its topic.
func (m *Manager) transition(id string, topic bus.Topic, fn func(*types.Task)) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	fn(t)
	payload := bus.TaskChanged{TaskID: t.ID, AgentID: t.AssignedAgentID, Status: t.Status, Result: t.Result}
	m.persistLocked()
	m.mu.Unlock()

	m.bus.Publish(topic, payload)
	return nil
}

func (m *Manager) persistLocked() {
	tasks := make([]types.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, cloneTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if err := m.store.SaveTasks(tasks); err != nil {
		logging.Get(logging.CategoryTasks).Error("failed to persist tasks: %v", err)
	}
}

func cloneTask(t *types.Task) types.Task {
	out := *t
	out.Logs = append([]types.TaskLogEntry(nil), t.Logs...)
	return out
}
