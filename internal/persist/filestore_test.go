package persist

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workfarm/internal/types"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestAgentsRoundTrip(t *testing.T) {
	s := newStore(t)
	agents := []types.Agent{
		{ID: "a1", Name: "Sam", State: types.AgentIdle, ApprovedTools: []string{"Read"}, HiredAt: time.Now().UTC()},
		{ID: "a2", Name: "Riley", State: types.AgentWorking, ApprovedTools: []string{"Read", "Bash"}, HiredAt: time.Now().UTC()},
	}
	require.NoError(t, s.SaveAgents(agents))

	loaded, err := s.LoadAgents()
	require.NoError(t, err)
	if diff := cmp.Diff(agents, loaded); diff != "" {
		t.Errorf("roster mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFilesAreEmpty(t *testing.T) {
	s := newStore(t)

	agents, err := s.LoadAgents()
	require.NoError(t, err)
	assert.Empty(t, agents)

	goals, plans, err := s.LoadGoals()
	require.NoError(t, err)
	assert.Empty(t, goals)
	assert.Empty(t, plans)

	cfg, err := s.LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.WorkspaceRoots)
}

func TestGoalsAndPlansShareOneCollection(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	goals := []types.Goal{{ID: "g1", AgentID: "a1", Description: "ship it", Status: types.GoalActive, CreatedAt: now, UpdatedAt: now}}
	plans := []types.Plan{{
		ID: "p1", GoalID: "g1", Version: 1, CreatedAt: now, UpdatedAt: now,
		Steps: []types.PlanStep{{ID: "s1", GoalID: "g1", Order: 0, Description: "build", Status: types.StepPending}},
	}}
	require.NoError(t, s.SaveGoals(goals, plans))

	loadedGoals, loadedPlans, err := s.LoadGoals()
	require.NoError(t, err)
	if diff := cmp.Diff(goals, loadedGoals); diff != "" {
		t.Errorf("goals mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(plans, loadedPlans); diff != "" {
		t.Errorf("plans mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendAndReadLogs(t *testing.T) {
	s := newStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendLog("a1", LogEvent{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Topic:     "task_created",
			Message:   "event",
		}))
	}

	all, err := s.ReadLogs("a1", LogQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	windowed, err := s.ReadLogs("a1", LogQuery{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, base.Add(time.Minute), windowed[0].Timestamp)

	none, err := s.ReadLogs("unknown", LogQuery{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteAgentData(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveAgentMemory("a1", []types.ConversationEntry{{Role: "user", Content: "hi"}}))
	require.NoError(t, s.SavePreferences("a1", []types.Preference{{ID: "p1", AgentID: "a1", Key: "K", Value: "v"}}))
	require.NoError(t, s.AppendLog("a1", LogEvent{Topic: "agent_hired"}))

	require.NoError(t, s.DeleteAgentData("a1"))

	mem, err := s.LoadAgentMemory("a1")
	require.NoError(t, err)
	assert.Empty(t, mem)
	prefs, err := s.LoadPreferences("a1")
	require.NoError(t, err)
	assert.Empty(t, prefs)

	// Deleting again is not an error.
	require.NoError(t, s.DeleteAgentData("a1"))
}

func TestSaveIsLastWriterWins(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveTasks([]types.Task{{ID: "t1", Description: "one", Status: types.TaskPending, CreatedAt: time.Now().UTC()}}))
	require.NoError(t, s.SaveTasks([]types.Task{{ID: "t2", Description: "two", Status: types.TaskPending, CreatedAt: time.Now().UTC()}}))

	tasks, err := s.LoadTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t2", tasks[0].ID)
}
