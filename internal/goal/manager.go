// Package goal implements goals, their versioned plans, and the
// triggers that wake them. Plans are replaced, never edited wholesale:
// setting a new plan bumps the version and only the latest is current.
package goal

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

// Errors returned by the manager.
var (
	ErrGoalNotFound    = errors.New("goal not found")
	ErrStepNotFound    = errors.New("plan step not found")
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrNoPlan          = errors.New("goal has no plan")
	ErrEmptyPlan       = errors.New("plan needs at least one step")
)

// PlanLifecycle carries the optional recurring metadata from planning.
type PlanLifecycle struct {
	Recurring          bool
	IntervalMinutes    int
	CycleGoal          string
	CompletionCriteria string
}

// StepPatch is a partial update applied to one plan step. Nil fields
// are untouched.
type StepPatch struct {
	Status      *types.StepStatus
	Description *string
	TaskID      *string
	Result      *string
	Question    *string
}

// Manager owns Goals, Plans, and Triggers.
type Manager struct {
	mu       sync.RWMutex
	store    persist.Store
	bus      *bus.Bus
	goals    map[string]*types.Goal
	plans    map[string][]*types.Plan // goalID -> versions ascending
	triggers map[string]*types.Trigger
}

// NewManager loads persisted goals, plans, and triggers.
func NewManager(store persist.Store, b *bus.Bus) (*Manager, error) {
	goals, plans, err := store.LoadGoals()
	if err != nil {
		return nil, fmt.Errorf("failed to load goals: %w", err)
	}
	triggers, err := store.LoadTriggers()
	if err != nil {
		return nil, fmt.Errorf("failed to load triggers: %w", err)
	}

	m := &Manager{
		store:    store,
		bus:      b,
		goals:    make(map[string]*types.Goal, len(goals)),
		plans:    make(map[string][]*types.Plan),
		triggers: make(map[string]*types.Trigger, len(triggers)),
	}
	for i := range goals {
		g := goals[i]
		m.goals[g.ID] = &g
	}
	for i := range plans {
		p := plans[i]
		m.plans[p.GoalID] = append(m.plans[p.GoalID], &p)
	}
	for _, versions := range m.plans {
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	}
	for i := range triggers {
		t := triggers[i]
		m.triggers[t.ID] = &t
	}
	logging.Goals("loaded %d goals, %d plans, %d triggers", len(goals), len(plans), len(triggers))
	return m, nil
}

// CreateGoal registers a new active goal for an agent.
func (m *Manager) CreateGoal(agentID, description, workingDir string, constraints []string, maxTurnsPerStep int) types.Goal {
	now := time.Now()
	g := &types.Goal{
		ID:               uuid.NewString(),
		AgentID:          agentID,
		Description:      description,
		Constraints:      append([]string(nil), constraints...),
		WorkingDirectory: workingDir,
		MaxTurnsPerStep:  maxTurnsPerStep,
		Status:           types.GoalActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	m.mu.Lock()
	m.goals[g.ID] = g
	snapshot := *g
	m.persistLocked()
	m.mu.Unlock()

	logging.Goals("created goal %s for agent %s: %s", snapshot.ID, agentID, truncate(description, 80))
	m.bus.Publish(bus.TopicGoalCreated, bus.GoalChanged{GoalID: snapshot.ID, AgentID: agentID, Status: snapshot.Status})
	return snapshot
}

// GetGoal returns a goal by ID.
func (m *Manager) GetGoal(id string) (types.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[id]
	if !ok {
		return types.Goal{}, fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	return *g, nil
}

// ListGoals returns all goals ordered by creation time.
func (m *Manager) ListGoals() []types.Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Goal, 0, len(m.goals))
	for _, g := range m.goals {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListGoalsByAgent returns an agent's goals ordered by creation time.
func (m *Manager) ListGoalsByAgent(agentID string) []types.Goal {
	all := m.ListGoals()
	out := all[:0]
	for _, g := range all {
		if g.AgentID == agentID {
			out = append(out, g)
		}
	}
	return out
}

// UpdateGoalStatus transitions a goal. Transitions out of a terminal
// status are rejected.
func (m *Manager) UpdateGoalStatus(id string, status types.GoalStatus) error {
	m.mu.Lock()
	g, ok := m.goals[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	if g.Status == status {
		m.mu.Unlock()
		return nil
	}
	if g.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("goal %s is %s and cannot transition to %s", id, g.Status, status)
	}
	g.Status = status
	g.UpdatedAt = time.Now()
	agentID := g.AgentID
	m.persistLocked()
	m.mu.Unlock()

	logging.Goals("goal %s -> %s", id, status)
	m.bus.Publish(bus.TopicGoalUpdated, bus.GoalChanged{GoalID: id, AgentID: agentID, Status: status})
	return nil
}

// AddConstraint appends a constraint to a goal.
func (m *Manager) AddConstraint(id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	g.Constraints = append(g.Constraints, text)
	g.UpdatedAt = time.Now()
	m.persistLocked()
	return nil
}

// SetWorkingDirectory changes where the goal's workers run.
func (m *Manager) SetWorkingDirectory(id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	g.WorkingDirectory = path
	g.UpdatedAt = time.Now()
	m.persistLocked()
	return nil
}

// UpdateGoalPrompt sets or clears the goal's system prompt addendum.
func (m *Manager) UpdateGoalPrompt(id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	g.SystemPrompt = text
	g.UpdatedAt = time.Now()
	m.persistLocked()
	return nil
}

// DeleteGoal removes a goal, its plans, and its triggers.
func (m *Manager) DeleteGoal(id string) error {
	m.mu.Lock()
	if _, ok := m.goals[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	delete(m.goals, id)
	delete(m.plans, id)
	for tid, t := range m.triggers {
		if t.GoalID == id {
			delete(m.triggers, tid)
		}
	}
	m.persistLocked()
	m.persistTriggersLocked()
	m.mu.Unlock()

	logging.Goals("deleted goal %s", id)
	return nil
}

// DeleteByAgent removes all goals, plans, and triggers for a fired
// agent.
func (m *Manager) DeleteByAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, g := range m.goals {
		if g.AgentID == agentID {
			delete(m.goals, id)
			delete(m.plans, id)
			removed++
		}
	}
	for tid, t := range m.triggers {
		if t.AgentID == agentID {
			delete(m.triggers, tid)
		}
	}
	if removed > 0 {
		logging.Goals("deleted %d goals for fired agent %s", removed, agentID)
	}
	m.persistLocked()
	m.persistTriggersLocked()
}

// SetPlan replaces the goal's plan with a new version. Steps get dense
// 0-based order values in the given sequence.
func (m *Manager) SetPlan(goalID string, descriptions []string, reasoning string, lifecycle PlanLifecycle) (types.Plan, error) {
	if len(descriptions) == 0 {
		return types.Plan{}, ErrEmptyPlan
	}

	m.mu.Lock()
	if _, ok := m.goals[goalID]; !ok {
		m.mu.Unlock()
		return types.Plan{}, fmt.Errorf("%w: %s", ErrGoalNotFound, goalID)
	}

	version := 1
	if versions := m.plans[goalID]; len(versions) > 0 {
		version = versions[len(versions)-1].Version + 1
	}

	now := time.Now()
	p := &types.Plan{
		ID:                 uuid.NewString(),
		GoalID:             goalID,
		Version:            version,
		Reasoning:          reasoning,
		Recurring:          lifecycle.Recurring,
		IntervalMinutes:    lifecycle.IntervalMinutes,
		CycleGoal:          lifecycle.CycleGoal,
		CompletionCriteria: lifecycle.CompletionCriteria,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for i, desc := range descriptions {
		p.Steps = append(p.Steps, types.PlanStep{
			ID:          uuid.NewString(),
			GoalID:      goalID,
			Order:       i,
			Description: desc,
			Status:      types.StepPending,
		})
	}
	m.plans[goalID] = append(m.plans[goalID], p)
	snapshot := clonePlan(p)
	m.persistLocked()
	m.mu.Unlock()

	logging.Goals("plan v%d set for goal %s (%d steps)", version, goalID, len(descriptions))
	m.bus.Publish(bus.TopicPlanCreated, bus.PlanCreated{GoalID: goalID, PlanID: snapshot.ID, Version: version, Steps: len(snapshot.Steps)})
	return snapshot, nil
}

// CurrentPlan returns the latest plan version for a goal.
func (m *Manager) CurrentPlan(goalID string) (types.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.currentPlanLocked(goalID)
	if p == nil {
		return types.Plan{}, fmt.Errorf("%w: %s", ErrNoPlan, goalID)
	}
	return clonePlan(p), nil
}

// UpdatePlanStep applies a patch to a step of the current plan and
// publishes step topics for status changes.
func (m *Manager) UpdatePlanStep(goalID, stepID string, patch StepPatch) error {
	m.mu.Lock()
	p := m.currentPlanLocked(goalID)
	if p == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPlan, goalID)
	}

	var step *types.PlanStep
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			step = &p.Steps[i]
			break
		}
	}
	if step == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}

	if patch.Description != nil {
		step.Description = *patch.Description
	}
	if patch.TaskID != nil {
		step.TaskID = *patch.TaskID
	}
	if patch.Result != nil {
		step.Result = *patch.Result
	}
	if patch.Question != nil {
		step.Question = *patch.Question
	}

	var topic bus.Topic
	if patch.Status != nil && *patch.Status != step.Status {
		step.Status = *patch.Status
		switch step.Status {
		case types.StepInProgress:
			topic = bus.TopicStepStarted
		case types.StepCompleted, types.StepSkipped:
			now := time.Now()
			step.CompletedAt = &now
			topic = bus.TopicStepCompleted
		case types.StepFailed:
			now := time.Now()
			step.CompletedAt = &now
			topic = bus.TopicStepFailed
		}
	}
	p.UpdatedAt = time.Now()
	payload := bus.StepChanged{GoalID: goalID, StepID: step.ID, Order: step.Order, Status: step.Status, Result: step.Result}
	m.persistLocked()
	m.mu.Unlock()

	if topic != "" {
		m.bus.Publish(topic, payload)
	}
	return nil
}

// NextPendingStep returns the lowest-order pending step of the current
// plan, or false when none remains.
func (m *Manager) NextPendingStep(goalID string) (types.PlanStep, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.currentPlanLocked(goalID)
	if p == nil {
		return types.PlanStep{}, false
	}

	var best *types.PlanStep
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != types.StepPending {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	if best == nil {
		return types.PlanStep{}, false
	}
	return *best, true
}

// BlockedStep returns the blocked step of the current plan, if any.
// The invariant is at most one blocked step at a time.
func (m *Manager) BlockedStep(goalID string) (types.PlanStep, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.currentPlanLocked(goalID)
	if p == nil {
		return types.PlanStep{}, false
	}
	for i := range p.Steps {
		if p.Steps[i].Status == types.StepBlocked {
			return p.Steps[i], true
		}
	}
	return types.PlanStep{}, false
}

// GetStep looks a step up by ID in the goal's current plan.
func (m *Manager) GetStep(goalID, stepID string) (types.PlanStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.currentPlanLocked(goalID)
	if p == nil {
		return types.PlanStep{}, fmt.Errorf("%w: %s", ErrNoPlan, goalID)
	}
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			return p.Steps[i], nil
		}
	}
	return types.PlanStep{}, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
}

// AddTrigger registers a trigger for a goal. Interval triggers compute
// their first NextFireAt immediately.
func (m *Manager) AddTrigger(agentID, goalID string, kind types.TriggerType, interval time.Duration) (types.Trigger, error) {
	m.mu.Lock()
	if _, ok := m.goals[goalID]; !ok {
		m.mu.Unlock()
		return types.Trigger{}, fmt.Errorf("%w: %s", ErrGoalNotFound, goalID)
	}

	t := &types.Trigger{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		GoalID:    goalID,
		Type:      kind,
		Interval:  interval,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	if kind == types.TriggerInterval && interval > 0 {
		next := time.Now().Add(interval)
		t.NextFireAt = &next
	}
	m.triggers[t.ID] = t
	snapshot := *t
	m.persistTriggersLocked()
	m.mu.Unlock()

	logging.Goals("trigger %s added for goal %s (%s %v)", snapshot.ID, goalID, kind, interval)
	return snapshot, nil
}

// GetTrigger returns a trigger by ID.
func (m *Manager) GetTrigger(id string) (types.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return types.Trigger{}, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	return *t, nil
}

// ListTriggers returns all triggers ordered by creation time.
func (m *Manager) ListTriggers() []types.Trigger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RemoveTrigger deletes a trigger.
func (m *Manager) RemoveTrigger(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	delete(m.triggers, id)
	m.persistTriggersLocked()
	return nil
}

// MarkTriggerFired stamps LastFiredAt and the next occurrence.
func (m *Manager) MarkTriggerFired(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	now := time.Now()
	t.LastFiredAt = &now
	if t.Type == types.TriggerInterval && t.Interval > 0 {
		next := now.Add(t.Interval)
		t.NextFireAt = &next
	}
	m.persistTriggersLocked()
	return nil
}

// currentPlanLocked returns the highest plan version, or nil.
func (m *Manager) currentPlanLocked(goalID string) *types.Plan {
	versions := m.plans[goalID]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

func (m *Manager) persistLocked() {
	goals := make([]types.Goal, 0, len(m.goals))
	for _, g := range m.goals {
		goals = append(goals, *g)
	}
	sort.Slice(goals, func(i, j int) bool { return goals[i].CreatedAt.Before(goals[j].CreatedAt) })

	var plans []types.Plan
	for _, versions := range m.plans {
		for _, p := range versions {
			plans = append(plans, clonePlan(p))
		}
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].GoalID == plans[j].GoalID {
			return plans[i].Version < plans[j].Version
		}
		return plans[i].GoalID < plans[j].GoalID
	})

	if err := m.store.SaveGoals(goals, plans); err != nil {
		logging.Get(logging.CategoryGoals).Error("failed to persist goals: %v", err)
	}
}

func (m *Manager) persistTriggersLocked() {
	triggers := make([]types.Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		triggers = append(triggers, *t)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].CreatedAt.Before(triggers[j].CreatedAt) })
	if err := m.store.SaveTriggers(triggers); err != nil {
		logging.Get(logging.CategoryGoals).Error("failed to persist triggers: %v", err)
	}
}

func clonePlan(p *types.Plan) types.Plan {
	out := *p
	out.Steps = append([]types.PlanStep(nil), p.Steps...)
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}
