// Package persist implements the opaque load/save persistence adapter.
// Each entity family lives in its own JSON file under the data root;
// per-agent observability events go to append-only JSONL logs. Saves
// are last-writer-wins with no cross-file atomicity.
package persist

import (
	"time"

	"workfarm/internal/types"
)

// LogEvent is one append-only observability record.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Topic     string    `json:"topic"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// LogQuery bounds a ReadLogs call. Zero times mean unbounded.
type LogQuery struct {
	Since time.Time
	Until time.Time
}

// Store is the persistence surface the managers depend on.
type Store interface {
	LoadAgents() ([]types.Agent, error)
	SaveAgents(agents []types.Agent) error

	LoadTasks() ([]types.Task, error)
	SaveTasks(tasks []types.Task) error

	// Goals and plans share one collection; plan records carry a
	// `_type:"plan"` discriminator on disk.
	LoadGoals() ([]types.Goal, []types.Plan, error)
	SaveGoals(goals []types.Goal, plans []types.Plan) error

	LoadTriggers() ([]types.Trigger, error)
	SaveTriggers(triggers []types.Trigger) error

	LoadPreferences(agentID string) ([]types.Preference, error)
	SavePreferences(agentID string, prefs []types.Preference) error

	LoadAgentMemory(agentID string) ([]types.ConversationEntry, error)
	SaveAgentMemory(agentID string, entries []types.ConversationEntry) error

	LoadConfig() (types.Config, error)
	SaveConfig(cfg types.Config) error

	AppendLog(agentID string, event LogEvent) error
	ReadLogs(agentID string, q LogQuery) ([]LogEvent, error)

	// DeleteAgentData removes the per-agent files (memory,
	// preferences, logs) when an agent is fired.
	DeleteAgentData(agentID string) error
}
