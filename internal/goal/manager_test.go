package goal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workfarm/internal/bus"
	"workfarm/internal/persist"
	"workfarm/internal/types"
)

func newManager(t *testing.T) (*Manager, *bus.Bus) {
	t.Helper()
	store, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)
	b := bus.New()
	m, err := NewManager(store, b)
	require.NoError(t, err)
	return m, b
}

func TestCreateGoalPublishes(t *testing.T) {
	m, b := newManager(t)
	var payload bus.GoalChanged
	b.Subscribe(bus.TopicGoalCreated, func(ev bus.Event) { payload = ev.Payload.(bus.GoalChanged) })

	g := m.CreateGoal("a1", "optimize queries", "/srv/app", []string{"no schema changes"}, 20)
	assert.Equal(t, g.ID, payload.GoalID)
	assert.Equal(t, types.GoalActive, payload.Status)
	assert.Equal(t, []string{"no schema changes"}, g.Constraints)
}

func TestTerminalGoalsRejectTransitions(t *testing.T) {
	m, _ := newManager(t)
	g := m.CreateGoal("a1", "done soon", "/srv", nil, 0)

	require.NoError(t, m.UpdateGoalStatus(g.ID, types.GoalCompleted))
	assert.Error(t, m.UpdateGoalStatus(g.ID, types.GoalActive))
}

func TestSetPlanVersionsAndDenseOrder(t *testing.T) {
	m, _ := newManager(t)
	g := m.CreateGoal("a1", "build", "/srv", nil, 0)

	v1, err := m.SetPlan(g.ID, []string{"profile", "fix"}, "start simple", PlanLifecycle{})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := m.SetPlan(g.ID, []string{"a", "b", "c"}, "re-plan", PlanLifecycle{})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	current, err := m.CurrentPlan(g.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID, "only the latest version is current")

	for i, s := range current.Steps {
		assert.Equal(t, i, s.Order, "orders must be dense [0..n)")
		assert.Equal(t, types.StepPending, s.Status)
	}
}

func TestSetPlanRejectsEmptyAndUnknownGoal(t *testing.T) {
	m, _ := newManager(t)
	g := m.CreateGoal("a1", "x", "/srv", nil, 0)

	_, err := m.SetPlan(g.ID, nil, "", PlanLifecycle{})
	assert.ErrorIs(t, err, ErrEmptyPlan)

	_, err = m.SetPlan("missing", []string{"s"}, "", PlanLifecycle{})
	assert.ErrorIs(t, err, ErrGoalNotFound)
}

func TestUpdatePlanStepPublishesStatusTopics(t *testing.T) {
	m, b := newManager(t)
	g := m.CreateGoal("a1", "x", "/srv", nil, 0)
	plan, err := m.SetPlan(g.ID, []string{"one"}, "", PlanLifecycle{})
	require.NoError(t, err)
	step := plan.Steps[0]

	var topics []bus.Topic
	b.SubscribeAll(func(ev bus.Event) { topics = append(topics, ev.Topic) })

	inProgress := types.StepInProgress
	require.NoError(t, m.UpdatePlanStep(g.ID, step.ID, StepPatch{Status: &inProgress}))

	completed := types.StepCompleted
	result := "done"
	require.NoError(t, m.UpdatePlanStep(g.ID, step.ID, StepPatch{Status: &completed, Result: &result}))

	assert.Equal(t, []bus.Topic{bus.TopicStepStarted, bus.TopicStepCompleted}, topics)

	got, err := m.GetStep(g.ID, step.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Result)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdatePlanStepWithoutStatusChangeIsSilent(t *testing.T) {
	m, b := newManager(t)
	g := m.CreateGoal("a1", "x", "/srv", nil, 0)
	plan, err := m.SetPlan(g.ID, []string{"one"}, "", PlanLifecycle{})
	require.NoError(t, err)

	count := 0
	b.Subscribe(bus.TopicStepStarted, func(bus.Event) { count++ })
	b.Subscribe(bus.TopicStepCompleted, func(bus.Event) { count++ })
	b.Subscribe(bus.TopicStepFailed, func(bus.Event) { count++ })

	desc := "reworded"
	require.NoError(t, m.UpdatePlanStep(g.ID, plan.Steps[0].ID, StepPatch{Description: &desc}))
	assert.Zero(t, count)

	got, err := m.GetStep(g.ID, plan.Steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "reworded", got.Description)
}

func TestNextPendingAndBlockedStep(t *testing.T) {
	m, _ := newManager(t)
	g := m.CreateGoal("a1", "x", "/srv", nil, 0)
	plan, err := m.SetPlan(g.ID, []string{"first", "second", "third"}, "", PlanLifecycle{})
	require.NoError(t, err)

	next, ok := m.NextPendingStep(g.ID)
	require.True(t, ok)
	assert.Equal(t, 0, next.Order)

	completed := types.StepCompleted
	require.NoError(t, m.UpdatePlanStep(g.ID, plan.Steps[0].ID, StepPatch{Status: &completed}))

	blocked := types.StepBlocked
	question := "which driver?"
	require.NoError(t, m.UpdatePlanStep(g.ID, plan.Steps[1].ID, StepPatch{Status: &blocked, Question: &question}))

	next, ok = m.NextPendingStep(g.ID)
	require.True(t, ok)
	assert.Equal(t, 2, next.Order, "blocked steps are not pending")

	b, ok := m.BlockedStep(g.ID)
	require.True(t, ok)
	assert.Equal(t, "which driver?", b.Question)
}

func TestPlanFinished(t *testing.T) {
	m, _ := newManager(t)
	g := m.CreateGoal("a1", "x", "/srv", nil, 0)
	plan, err := m.SetPlan(g.ID, []string{"a", "b"}, "", PlanLifecycle{})
	require.NoError(t, err)

	completed := types.StepCompleted
	skipped := types.StepSkipped
	require.NoError(t, m.UpdatePlanStep(g.ID, plan.Steps[0].ID, StepPatch{Status: &completed}))
	require.NoError(t, m.UpdatePlanStep(g.ID, plan.Steps[1].ID, StepPatch{Status: &skipped}))

	current, err := m.CurrentPlan(g.ID)
	require.NoError(t, err)
	assert.True(t, current.Finished())
}

func TestTriggerLifecycle(t *testing.T) {
	m, _ := newManager(t)
	g := m.CreateGoal("a1", "x", "/srv", nil, 0)

	tr, err := m.AddTrigger("a1", g.ID, types.TriggerInterval, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, tr.Enabled)
	require.NotNil(t, tr.NextFireAt)

	require.NoError(t, m.MarkTriggerFired(tr.ID))
	got, err := m.GetTrigger(tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, got.NextFireAt.After(*got.LastFiredAt))

	require.NoError(t, m.RemoveTrigger(tr.ID))
	_, err = m.GetTrigger(tr.ID)
	assert.ErrorIs(t, err, ErrTriggerNotFound)

	_, err = m.AddTrigger("a1", "missing-goal", types.TriggerManual, 0)
	assert.ErrorIs(t, err, ErrGoalNotFound)
}

func TestDeleteByAgentCascades(t *testing.T) {
	m, _ := newManager(t)
	g1 := m.CreateGoal("a1", "mine", "/srv", nil, 0)
	m.CreateGoal("a2", "theirs", "/srv", nil, 0)
	_, err := m.AddTrigger("a1", g1.ID, types.TriggerInterval, time.Minute)
	require.NoError(t, err)

	m.DeleteByAgent("a1")
	assert.Len(t, m.ListGoals(), 1)
	assert.Empty(t, m.ListTriggers())
	assert.Empty(t, m.ListGoalsByAgent("a1"))
}

func TestPersistenceRoundTrip(t *testing.T) {
	store, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)
	b := bus.New()

	m1, err := NewManager(store, b)
	require.NoError(t, err)
	g := m1.CreateGoal("a1", "durable", "/srv", nil, 0)
	_, err = m1.SetPlan(g.ID, []string{"step"}, "because", PlanLifecycle{Recurring: true, IntervalMinutes: 15})
	require.NoError(t, err)

	m2, err := NewManager(store, b)
	require.NoError(t, err)
	plan, err := m2.CurrentPlan(g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Version)
	assert.True(t, plan.Recurring)
	assert.Equal(t, 15, plan.IntervalMinutes)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "step", plan.Steps[0].Description)
}
