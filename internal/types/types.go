// Package types holds the shared data model for the workfarm core:
// agents, tasks, goals, plans, triggers, preferences, and sessions.
package types

import "time"

// AgentState describes what an agent is currently doing.
type AgentState string

const (
	AgentIdle     AgentState = "idle"
	AgentThinking AgentState = "thinking"
	AgentWorking  AgentState = "working"
	AgentWalking  AgentState = "walking"
)

// BaselineTools is the immutable tool set every agent holds. These are
// read-only tools; removal requests against them are rejected.
var BaselineTools = []string{"Read", "Glob", "Grep"}

// Agent is a named virtual worker identity.
type Agent struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	State          AgentState `json:"state"`
	ApprovedTools  []string   `json:"approvedTools"`
	SystemPrompt   string     `json:"systemPrompt,omitempty"`
	TasksCompleted int        `json:"tasksCompleted"`
	TokensUsed     int        `json:"tokensUsed"`
	HiredAt        time.Time  `json:"hiredAt"`

	// Position is purely cosmetic state for the graphics front-end.
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// AssignedTaskID is the task currently assigned, if any.
	AssignedTaskID string `json:"assignedTaskId,omitempty"`
}

// HasApprovedTool reports whether the agent may use the named tool.
// Matching is exact; callers resolve case before asking.
func (a *Agent) HasApprovedTool(name string) bool {
	for _, t := range a.ApprovedTools {
		if t == name {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskLogEntry is one timestamped log line attached to a task.
type TaskLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Task records one dispatched worker invocation. Task IDs double as
// correlation tokens between dispatch and the session_ended event.
type Task struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	AssignedAgentID string         `json:"assignedAgentId,omitempty"`
	Status          TaskStatus     `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Result          string         `json:"result,omitempty"`
	Logs            []TaskLogEntry `json:"logs,omitempty"`
}

// GoalStatus is the lifecycle state of a Goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalPaused    GoalStatus = "paused"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalFailed
}

// Goal is a durable operator-authored intention attached to one agent.
type Goal struct {
	ID               string     `json:"id"`
	AgentID          string     `json:"agentId"`
	Description      string     `json:"description"`
	SystemPrompt     string     `json:"systemPrompt,omitempty"`
	Constraints      []string   `json:"constraints,omitempty"`
	WorkingDirectory string     `json:"workingDirectory"`
	MaxTurnsPerStep  int        `json:"maxTurnsPerStep"`
	Status           GoalStatus `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// StepStatus is the lifecycle state of a PlanStep.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepBlocked    StepStatus = "blocked"
)

// Settled reports whether the step needs no further work.
func (s StepStatus) Settled() bool {
	return s == StepCompleted || s == StepSkipped
}

// PlanStep is a single unit of work dispatched to a worker session.
// Order values are dense and 0-based within a plan.
type PlanStep struct {
	ID          string     `json:"id"`
	GoalID      string     `json:"goalId"`
	Order       int        `json:"order"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	TaskID      string     `json:"taskId,omitempty"`
	Result      string     `json:"result,omitempty"`
	Question    string     `json:"question,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Plan is a versioned ordered list of steps for one goal. Replacing a
// plan increments Version; only the latest version is current.
type Plan struct {
	ID                 string     `json:"id"`
	GoalID             string     `json:"goalId"`
	Version            int        `json:"version"`
	Reasoning          string     `json:"reasoning,omitempty"`
	Steps              []PlanStep `json:"steps"`
	Recurring          bool       `json:"recurring"`
	IntervalMinutes    int        `json:"intervalMinutes,omitempty"`
	CycleGoal          string     `json:"cycleGoal,omitempty"`
	CompletionCriteria string     `json:"completionCriteria,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Finished reports whether every step is completed or skipped.
func (p *Plan) Finished() bool {
	for i := range p.Steps {
		if !p.Steps[i].Status.Settled() {
			return false
		}
	}
	return true
}

// TriggerType distinguishes manual from interval triggers.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerInterval TriggerType = "interval"
)

// Trigger is a time-based activation of a goal.
type Trigger struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agentId"`
	GoalID      string        `json:"goalId"`
	Type        TriggerType   `json:"type"`
	Interval    time.Duration `json:"intervalMs,omitempty"`
	Enabled     bool          `json:"enabled"`
	LastFiredAt *time.Time    `json:"lastFiredAt,omitempty"`
	NextFireAt  *time.Time    `json:"nextFireAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Confidence ranks how certain a stored preference is. The ordering is
// assumed < inferred < explicit; upserts never lower it.
type Confidence string

const (
	ConfidenceAssumed  Confidence = "assumed"
	ConfidenceInferred Confidence = "inferred"
	ConfidenceExplicit Confidence = "explicit"
)

// Rank maps a confidence to its position in the total order. Unknown
// values rank below assumed so malformed extractions never overwrite.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceAssumed:
		return 1
	case ConfidenceInferred:
		return 2
	case ConfidenceExplicit:
		return 3
	default:
		return 0
	}
}

// Preference is a remembered operator choice, injected into prompts.
type Preference struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agentId"`
	Category   string     `json:"category"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Source     string     `json:"source,omitempty"`
	Confidence Confidence `json:"confidence"`
	CreatedAt  time.Time  `json:"createdAt"`
	UsedCount  int        `json:"usedCount"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// SessionStatus is the lifecycle state of a worker session.
type SessionStatus string

const (
	SessionStarting     SessionStatus = "starting"
	SessionActive       SessionStatus = "active"
	SessionWaitingInput SessionStatus = "waiting_input"
	SessionCompleted    SessionStatus = "completed"
	SessionError        SessionStatus = "error"
)

// Ended reports whether the session reached a terminal state.
func (s SessionStatus) Ended() bool {
	return s == SessionCompleted || s == SessionError
}

// MessageType classifies a SessionMessage.
type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageThinking   MessageType = "thinking"
	MessageSystem     MessageType = "system"
)

// SessionMessage is one parsed entry in a session transcript.
type SessionMessage struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PermissionRequest is one tool the worker asked for and was denied.
type PermissionRequest struct {
	ToolName  string         `json:"toolName"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
}

// Session wraps one worker subprocess invocation. It references its
// agent and task by ID; it does not own them.
type Session struct {
	ID                 string              `json:"id"`
	AgentID            string              `json:"agentId"`
	TaskID             string              `json:"taskId"`
	Status             SessionStatus       `json:"status"`
	Messages           []SessionMessage    `json:"messages"`
	PendingPermissions []PermissionRequest `json:"pendingPermissions,omitempty"`
	StartedAt          time.Time           `json:"startedAt"`
	LastActivityAt     time.Time           `json:"lastActivityAt"`
}

// ConversationEntry is one bounded-memory record of an exchange.
type ConversationEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TaskID    string    `json:"taskId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config is the persisted operator configuration.
type Config struct {
	WorkspaceRoots []string       `json:"workspaceRoots"`
	Logging        *LoggingConfig `json:"logging,omitempty"`
}

// LoggingConfig controls the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty"`
}
