package bus

import "workfarm/internal/types"

// Payload variants, one per topic family. Subscribers type-switch on
// these rather than digging through untyped maps.

// AgentChanged accompanies agent_hired, agent_fired, and
// agent_state_changed.
type AgentChanged struct {
	AgentID string
	Name    string
	State   types.AgentState
}

// TaskChanged accompanies the task_* topics.
type TaskChanged struct {
	TaskID  string
	AgentID string
	Status  types.TaskStatus
	Result  string
	Error   string
}

// GoalChanged accompanies goal_created and goal_updated.
type GoalChanged struct {
	GoalID  string
	AgentID string
	Status  types.GoalStatus
}

// PlanCreated accompanies plan_created.
type PlanCreated struct {
	GoalID  string
	PlanID  string
	Version int
	Steps   int
}

// StepChanged accompanies step_started, step_completed, step_failed.
type StepChanged struct {
	GoalID string
	StepID string
	Order  int
	Status types.StepStatus
	Result string
}

// SessionCreated accompanies session_created.
type SessionCreated struct {
	SessionID string
	AgentID   string
	TaskID    string
}

// SessionStatusChanged accompanies session_status_changed.
type SessionStatusChanged struct {
	SessionID string
	AgentID   string
	Status    types.SessionStatus
}

// SessionMessage accompanies session_message.
type SessionMessage struct {
	SessionID string
	AgentID   string
	Message   types.SessionMessage
}

// SessionEnded accompanies session_ended. Result holds the
// concatenated assistant output; Error the failure cause if any.
type SessionEnded struct {
	SessionID string
	AgentID   string
	TaskID    string
	Status    types.SessionStatus
	Result    string
	Error     string
	Tokens    int
}

// PermissionRequested accompanies permission_requested, one event per
// unique denied tool.
type PermissionRequested struct {
	SessionID string
	AgentID   string
	ToolName  string
}

// QuestionRaised accompanies question_raised when a step blocks on
// operator input.
type QuestionRaised struct {
	GoalID   string
	StepID   string
	AgentID  string
	Question string
}

// TriggerFired accompanies trigger_fired.
type TriggerFired struct {
	TriggerID string
	GoalID    string
	AgentID   string
}

// PreferenceChanged accompanies preference_changed.
type PreferenceChanged struct {
	AgentID string
	Key     string
	Action  string // added, updated, rejected, removed, used
}

// OracleFailed accompanies oracle_failed; fire-and-forget oracle work
// reports failures here instead of returning them.
type OracleFailed struct {
	AgentID string
	GoalID  string
	Op      string
	Err     string
}
