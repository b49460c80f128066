package trigger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"workfarm/internal/bus"
	"workfarm/internal/goal"
	"workfarm/internal/persist"
	"workfarm/internal/types"
)

// fakeWaker records wake calls and can pretend a goal is mid-flight.
type fakeWaker struct {
	mu     sync.Mutex
	woken  []string
	active map[string]bool
}

func newFakeWaker() *fakeWaker {
	return &fakeWaker{active: make(map[string]bool)}
}

func (w *fakeWaker) Wake(goalID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.woken = append(w.woken, goalID)
	return nil
}

func (w *fakeWaker) IsGoalActive(goalID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active[goalID]
}

func (w *fakeWaker) setActive(goalID string, active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[goalID] = active
}

func (w *fakeWaker) wokenGoals() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.woken...)
}

type fixture struct {
	bus    *bus.Bus
	goals  *goal.Manager
	waker  *fakeWaker
	sched  *Scheduler
	goalID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)
	b := bus.New()
	goals, err := goal.NewManager(store, b)
	require.NoError(t, err)
	waker := newFakeWaker()
	g := goals.CreateGoal("a1", "watch the build", "/srv", nil, 0)
	return &fixture{
		bus:    b,
		goals:  goals,
		waker:  waker,
		sched:  NewScheduler(b, goals, waker),
		goalID: g.ID,
	}
}

func TestFireManualWakesActiveGoal(t *testing.T) {
	f := newFixture(t)

	tr, err := f.sched.AddManual("a1", f.goalID)
	require.NoError(t, err)

	var fired []bus.TriggerFired
	f.bus.Subscribe(bus.TopicTriggerFired, func(ev bus.Event) {
		fired = append(fired, ev.Payload.(bus.TriggerFired))
	})

	require.NoError(t, f.sched.FireManual(tr.ID))
	assert.Equal(t, []string{f.goalID}, f.waker.wokenGoals())
	require.Len(t, fired, 1)
	assert.Equal(t, tr.ID, fired[0].TriggerID)

	got, err := f.goals.GetTrigger(tr.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastFiredAt)
}

func TestFireSkipsNonActiveGoal(t *testing.T) {
	f := newFixture(t)
	tr, err := f.sched.AddManual("a1", f.goalID)
	require.NoError(t, err)

	require.NoError(t, f.goals.UpdateGoalStatus(f.goalID, types.GoalPaused))
	require.NoError(t, f.sched.FireManual(tr.ID))
	assert.Empty(t, f.waker.wokenGoals())
}

func TestFireSkipsGoalAlreadyBeingWorked(t *testing.T) {
	f := newFixture(t)
	tr, err := f.sched.AddManual("a1", f.goalID)
	require.NoError(t, err)

	f.waker.setActive(f.goalID, true)
	require.NoError(t, f.sched.FireManual(tr.ID))
	assert.Empty(t, f.waker.wokenGoals())

	got, err := f.goals.GetTrigger(tr.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastFiredAt, "a skipped fire leaves no stamp")
}

func TestFireManualUnknownTrigger(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.sched.FireManual("missing"), goal.ErrTriggerNotFound)
}

func TestAddIntervalValidatesAndRegisters(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.sched.AddInterval("a1", f.goalID, 0), ErrNotInterval)
	assert.ErrorIs(t, f.sched.AddInterval("a1", "missing", time.Minute), goal.ErrGoalNotFound)

	require.NoError(t, f.sched.AddInterval("a1", f.goalID, 30*time.Minute))
	triggers := f.goals.ListTriggers()
	require.Len(t, triggers, 1)
	assert.Equal(t, types.TriggerInterval, triggers[0].Type)
	assert.Equal(t, 30*time.Minute, triggers[0].Interval)
}

func TestRemoveByGoalDisarmsAll(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.AddInterval("a1", f.goalID, time.Hour))
	_, err := f.sched.AddManual("a1", f.goalID)
	require.NoError(t, err)

	other := f.goals.CreateGoal("a1", "other goal", "/srv", nil, 0)
	_, err = f.sched.AddManual("a1", other.ID)
	require.NoError(t, err)

	f.sched.RemoveByGoal(f.goalID)

	triggers := f.goals.ListTriggers()
	require.Len(t, triggers, 1)
	assert.Equal(t, other.ID, triggers[0].GoalID)
}

func TestIntervalTriggerFiresOnTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	require.NoError(t, f.sched.AddInterval("a1", f.goalID, 20*time.Millisecond))

	f.sched.Start()
	require.Eventually(t, func() bool {
		return len(f.waker.wokenGoals()) >= 1
	}, 3*time.Second, 5*time.Millisecond)
	f.sched.Stop()

	assert.Contains(t, f.waker.wokenGoals(), f.goalID)
}

func TestStartArmsPersistedTriggers(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	_, err := f.goals.AddTrigger("a1", f.goalID, types.TriggerInterval, 20*time.Millisecond)
	require.NoError(t, err)

	// A fresh scheduler picks up triggers created before it ran.
	sched := NewScheduler(f.bus, f.goals, f.waker)
	sched.Start()
	require.Eventually(t, func() bool {
		return len(f.waker.wokenGoals()) >= 1
	}, 3*time.Second, 5*time.Millisecond)
	sched.Stop()
}
