// Package adversary implements the control loop that turns goals into
// executed work: reconnaissance, planning, step execution, evaluation,
// and refinement. One loop instance serves every agent; per-goal state
// keeps the cycles independent.
package adversary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"workfarm/internal/agent"
	"workfarm/internal/bridge"
	"workfarm/internal/bus"
	"workfarm/internal/goal"
	"workfarm/internal/jsonx"
	"workfarm/internal/logging"
	"workfarm/internal/oracle"
	"workfarm/internal/pref"
	"workfarm/internal/task"
	"workfarm/internal/types"
)

// NeedsInputMarker is the tail marker a worker emits when it cannot
// proceed without operator input.
const NeedsInputMarker = "[NEEDS_INPUT]:"

// maxStepAttempts caps total executions per step: the original run
// plus two retries.
const maxStepAttempts = 3

// usedPrefPattern matches the [Used preference: KEY] markers workers
// emit when they apply a stored preference.
var usedPrefPattern = regexp.MustCompile(`\[Used preference:\s*([^\]]+)\]`)

// Errors returned by the loop's public operations.
var (
	ErrGoalNotActive = errors.New("goal is not active")
	ErrNoBlockedStep = errors.New("goal has no blocked step awaiting a reply")
)

// WorkspaceProvider supplies the operator's registered roots.
type WorkspaceProvider interface {
	WorkspaceRoots() []string
}

// TriggerRegistrar lets the loop register interval triggers for plans
// that declare themselves recurring. Wired to the scheduler.
type TriggerRegistrar interface {
	AddInterval(agentID, goalID string, interval time.Duration) error
}

// stepRef correlates a dispatched task back to its plan step.
type stepRef struct {
	goalID string
	stepID string
}

// Adversary runs the recon -> plan -> execute -> evaluate -> refine
// cycle for each active goal.
type Adversary struct {
	mu     sync.Mutex
	ctx    context.Context
	bus    *bus.Bus
	oracle oracle.Oracle
	bridge *bridge.Bridge
	agents *agent.Manager
	tasks  *task.Manager
	goals  *goal.Manager
	prefs  *pref.Manager
	roots  WorkspaceProvider

	activeGoals  map[string]bool
	stepTaskMap  map[string]stepRef
	reconTaskMap map[string]string
	reconResults map[string]string
	retryMap     map[string]int

	// priorResults carries completed-step output into a re-plan.
	priorResults map[string]string

	registrar TriggerRegistrar
}

// New wires the loop and subscribes it to session_ended. Construct the
// bridge first: its session_ended handler must settle task state before
// this one reads it.
func New(ctx context.Context, b *bus.Bus, o oracle.Oracle, br *bridge.Bridge, agents *agent.Manager, tasks *task.Manager, goals *goal.Manager, prefs *pref.Manager, roots WorkspaceProvider) *Adversary {
	a := &Adversary{
		ctx:          ctx,
		bus:          b,
		oracle:       o,
		bridge:       br,
		agents:       agents,
		tasks:        tasks,
		goals:        goals,
		prefs:        prefs,
		roots:        roots,
		activeGoals:  make(map[string]bool),
		stepTaskMap:  make(map[string]stepRef),
		reconTaskMap: make(map[string]string),
		reconResults: make(map[string]string),
		retryMap:     make(map[string]int),
		priorResults: make(map[string]string),
	}
	b.Subscribe(bus.TopicSessionEnded, a.onSessionEnded)
	return a
}

// SetTriggerRegistrar attaches the scheduler hook for recurring plans.
func (a *Adversary) SetTriggerRegistrar(r TriggerRegistrar) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registrar = r
}

// IsGoalActive reports whether the loop is currently working the goal.
func (a *Adversary) IsGoalActive(goalID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeGoals[goalID]
}

// Wake starts or resumes the cycle for a goal. A paused goal is
// resumed; a goal already being worked, or whose agent is busy, is
// left alone.
func (a *Adversary) Wake(goalID string) error {
	g, err := a.goals.GetGoal(goalID)
	if err != nil {
		return err
	}
	if g.Status == types.GoalPaused {
		if err := a.goals.UpdateGoalStatus(goalID, types.GoalActive); err != nil {
			return err
		}
		g.Status = types.GoalActive
	}
	if g.Status != types.GoalActive {
		return fmt.Errorf("%w: %s is %s", ErrGoalNotActive, goalID, g.Status)
	}

	a.mu.Lock()
	if a.activeGoals[goalID] {
		a.mu.Unlock()
		logging.Adversary("wake ignored: goal %s already active", goalID)
		return nil
	}
	a.mu.Unlock()

	if a.bridge.IsExecuting(g.AgentID) {
		logging.Adversary("wake ignored: agent %s busy (goal %s)", g.AgentID, goalID)
		return nil
	}

	a.mu.Lock()
	a.activeGoals[goalID] = true
	a.mu.Unlock()

	if _, blocked := a.goals.BlockedStep(goalID); blocked {
		logging.Adversary("goal %s has a blocked step; waiting for reply", goalID)
		return nil
	}

	if _, ok := a.goals.NextPendingStep(goalID); !ok {
		go a.beginRecon(goalID)
		return nil
	}
	go a.executeNextStep(goalID)
	return nil
}

// Pause stops the cycle without preempting a running step.
func (a *Adversary) Pause(goalID string) error {
	if err := a.goals.UpdateGoalStatus(goalID, types.GoalPaused); err != nil {
		return err
	}
	a.deactivate(goalID)
	logging.Adversary("goal %s paused", goalID)
	return nil
}

// Reply answers a blocked step's question. The step is rewritten to
// incorporate the answer and re-dispatched; preference extraction runs
// in the background.
func (a *Adversary) Reply(goalID, answer string) error {
	g, err := a.goals.GetGoal(goalID)
	if err != nil {
		return err
	}
	step, ok := a.goals.BlockedStep(goalID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBlockedStep, goalID)
	}
	question := step.Question

	go a.extractPreferences(g.AgentID, answer, question, "reply to "+goalID)

	inProgress := types.StepInProgress
	empty := ""
	if err := a.goals.UpdatePlanStep(goalID, step.ID, goal.StepPatch{Status: &inProgress, Question: &empty}); err != nil {
		return err
	}

	a.mu.Lock()
	a.activeGoals[goalID] = true
	a.mu.Unlock()

	go func() {
		instruction, err := a.oracle.Complete(a.ctx, coordinatorSystemPrompt, buildResumeInstructionPrompt(g, step, question, answer))
		if err != nil {
			a.reportOracleFailure(g.AgentID, goalID, "resume_instruction", err)
			instruction = fmt.Sprintf("%s\n\nThe operator answered your question (%q) with: %s", step.Description, question, answer)
		}
		a.dispatchStep(g, step, instruction)
	}()
	return nil
}

// Talk relays an operator chat message through the oracle, grounded in
// the agent's current goal and plan. No worker session is involved.
func (a *Adversary) Talk(agentID, message, activitySummary string) (string, error) {
	ag, err := a.agents.Get(agentID)
	if err != nil {
		return "", err
	}

	var goalContext string
	for _, g := range a.goals.ListGoalsByAgent(agentID) {
		if g.Status != types.GoalActive {
			continue
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Goal: %s\n", g.Description)
		if plan, err := a.goals.CurrentPlan(g.ID); err == nil {
			for _, s := range plan.Steps {
				fmt.Fprintf(&sb, "  %d. [%s] %s\n", s.Order+1, s.Status, s.Description)
			}
		}
		goalContext = sb.String()
		break
	}

	reply, err := a.oracle.Complete(a.ctx, coordinatorSystemPrompt, buildTalkPrompt(ag.Name, message, goalContext, activitySummary))
	if err != nil {
		return "", fmt.Errorf("talk failed: %w", err)
	}

	go a.extractPreferences(agentID, message, reply, "chat")
	return reply, nil
}

// Forget drops all loop state for a fired agent's goals.
func (a *Adversary) Forget(agentID string) {
	goalIDs := make(map[string]bool)
	for _, g := range a.goals.ListGoalsByAgent(agentID) {
		goalIDs[g.ID] = true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range goalIDs {
		delete(a.activeGoals, id)
		delete(a.reconResults, id)
		delete(a.priorResults, id)
	}
	for taskID, ref := range a.stepTaskMap {
		if goalIDs[ref.goalID] {
			delete(a.stepTaskMap, taskID)
		}
	}
	for taskID, gid := range a.reconTaskMap {
		if goalIDs[gid] {
			delete(a.reconTaskMap, taskID)
		}
	}
}

func (a *Adversary) deactivate(goalID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.activeGoals, goalID)
}

// onSessionEnded routes a settled session to the recon or step path
// via the correlation maps. Unrelated sessions are ignored.
func (a *Adversary) onSessionEnded(ev bus.Event) {
	ended, ok := ev.Payload.(bus.SessionEnded)
	if !ok || ended.TaskID == "" {
		return
	}

	a.mu.Lock()
	if goalID, ok := a.reconTaskMap[ended.TaskID]; ok {
		delete(a.reconTaskMap, ended.TaskID)
		a.mu.Unlock()
		go a.onReconEnded(goalID, ended)
		return
	}
	ref, ok := a.stepTaskMap[ended.TaskID]
	if ok {
		delete(a.stepTaskMap, ended.TaskID)
	}
	a.mu.Unlock()
	if ok {
		go a.onStepEnded(ref, ended)
	}
}

// --- recon ---

func (a *Adversary) beginRecon(goalID string) {
	g, err := a.goals.GetGoal(goalID)
	if err != nil {
		a.deactivate(goalID)
		return
	}
	ag, err := a.agents.Get(g.AgentID)
	if err != nil {
		a.deactivate(goalID)
		return
	}

	t := a.tasks.Create("Reconnaissance: "+truncate(g.Description, 100), g.AgentID)
	a.mu.Lock()
	a.reconTaskMap[t.ID] = goalID
	a.mu.Unlock()

	logging.Adversary("recon dispatched for goal %s (task %s)", goalID, t.ID)
	err = a.bridge.Dispatch(a.ctx, g.AgentID, t.ID, bridge.DispatchOptions{
		Prompt:         buildReconPrompt(ag.Name, g, a.roots.WorkspaceRoots()),
		WorkingDir:     g.WorkingDirectory,
		SystemPrompt:   g.SystemPrompt,
		MaxTurns:       g.MaxTurnsPerStep,
		AdditionalDirs: a.roots.WorkspaceRoots(),
		Internal:       true,
	})
	if err != nil {
		// Recon is best effort: plan without a report.
		logging.Adversary("recon dispatch failed for goal %s: %v; planning without recon", goalID, err)
		a.mu.Lock()
		delete(a.reconTaskMap, t.ID)
		a.mu.Unlock()
		a.beginPlanning(goalID)
	}
}

func (a *Adversary) onReconEnded(goalID string, ended bus.SessionEnded) {
	if ended.Status == types.SessionCompleted && ended.Result != "" {
		a.mu.Lock()
		a.reconResults[goalID] = ended.Result
		a.mu.Unlock()
		logging.Adversary("recon complete for goal %s (%dB)", goalID, len(ended.Result))
	} else {
		logging.Adversary("recon failed for goal %s; planning without a report", goalID)
	}
	a.beginPlanning(goalID)
}

// --- planning ---

// planResponse mirrors the JSON shape demanded of the planner.
type planResponse struct {
	Reasoning          string `json:"reasoning"`
	Recurring          bool   `json:"recurring"`
	IntervalMinutes    int    `json:"interval_minutes"`
	CycleGoal          string `json:"cycle_goal"`
	CompletionCriteria string `json:"completion_criteria"`
	Steps              []struct {
		Description string `json:"description"`
	} `json:"steps"`
}

func (a *Adversary) beginPlanning(goalID string) {
	g, err := a.goals.GetGoal(goalID)
	if err != nil || g.Status != types.GoalActive {
		a.deactivate(goalID)
		return
	}
	ag, err := a.agents.Get(g.AgentID)
	if err != nil {
		a.deactivate(goalID)
		return
	}

	a.mu.Lock()
	recon := a.reconResults[goalID]
	prior := a.priorResults[goalID]
	a.mu.Unlock()

	prompt := buildPlanningPrompt(ag.Name, g, a.roots.WorkspaceRoots(), recon, prior, a.prefs.BuildContext(g.AgentID))
	response, err := a.oracle.Complete(a.ctx, coordinatorSystemPrompt, prompt)
	if err != nil {
		a.reportOracleFailure(g.AgentID, goalID, "planning", err)
		a.failGoal(goalID, "planning oracle call failed")
		return
	}

	plan, ok := parsePlanResponse(response)
	if !ok || len(plan.Steps) == 0 {
		logging.Adversary("unparseable plan for goal %s: %s", goalID, truncate(response, 200))
		a.failGoal(goalID, "planner produced no usable plan")
		return
	}

	descriptions := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		if d := strings.TrimSpace(s.Description); d != "" {
			descriptions = append(descriptions, d)
		}
	}
	if len(descriptions) == 0 {
		a.failGoal(goalID, "planner produced no usable steps")
		return
	}

	_, err = a.goals.SetPlan(goalID, descriptions, plan.Reasoning, goal.PlanLifecycle{
		Recurring:          plan.Recurring,
		IntervalMinutes:    plan.IntervalMinutes,
		CycleGoal:          plan.CycleGoal,
		CompletionCriteria: plan.CompletionCriteria,
	})
	if err != nil {
		a.deactivate(goalID)
		return
	}
	a.mu.Lock()
	delete(a.priorResults, goalID)
	registrar := a.registrar
	a.mu.Unlock()

	if plan.Recurring && plan.IntervalMinutes > 0 && registrar != nil {
		if !a.hasIntervalTrigger(goalID) {
			if err := registrar.AddInterval(g.AgentID, goalID, time.Duration(plan.IntervalMinutes)*time.Minute); err != nil {
				logging.Adversary("failed to register recurring trigger for goal %s: %v", goalID, err)
			}
		}
	}

	a.executeNextStep(goalID)
}

// parsePlanResponse applies the lenient ladder: full object first, then
// a bare JSON array of steps.
func parsePlanResponse(response string) (planResponse, bool) {
	var plan planResponse
	if err := jsonx.UnmarshalObject(response, &plan); err == nil && len(plan.Steps) > 0 {
		return plan, true
	}

	arr := jsonx.ExtractArray(jsonx.StripFences(response))
	if arr == "" {
		return planResponse{}, false
	}

	// Accept ["step", ...] and [{"description": "step"}, ...].
	var strs []string
	if err := json.Unmarshal([]byte(arr), &strs); err == nil {
		for _, s := range strs {
			if strings.TrimSpace(s) == "" {
				continue
			}
			plan.Steps = append(plan.Steps, struct {
				Description string `json:"description"`
			}{Description: s})
		}
		return plan, len(plan.Steps) > 0
	}
	var objs []struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(arr), &objs); err == nil {
		for _, o := range objs {
			if strings.TrimSpace(o.Description) == "" {
				continue
			}
			plan.Steps = append(plan.Steps, struct {
				Description string `json:"description"`
			}{Description: o.Description})
		}
		return plan, len(plan.Steps) > 0
	}
	return planResponse{}, false
}

func (a *Adversary) hasIntervalTrigger(goalID string) bool {
	for _, t := range a.goals.ListTriggers() {
		if t.GoalID == goalID && t.Type == types.TriggerInterval {
			return true
		}
	}
	return false
}

// --- step execution ---

func (a *Adversary) executeNextStep(goalID string) {
	g, err := a.goals.GetGoal(goalID)
	if err != nil || g.Status != types.GoalActive {
		a.deactivate(goalID)
		return
	}

	step, ok := a.goals.NextPendingStep(goalID)
	if !ok {
		a.handleCompletion(goalID)
		return
	}

	prior := a.completedStepContext(goalID)
	instruction, err := a.oracle.Complete(a.ctx, coordinatorSystemPrompt, buildStepInstructionPrompt(g, step, prior))
	if err != nil {
		// The raw step description is a workable degraded instruction.
		a.reportOracleFailure(g.AgentID, goalID, "step_instruction", err)
		instruction = step.Description
	}
	a.dispatchStep(g, step, strings.TrimSpace(instruction))
}

// dispatchStep marks the step in progress and hands it to the bridge.
func (a *Adversary) dispatchStep(g types.Goal, step types.PlanStep, instruction string) {
	ag, err := a.agents.Get(g.AgentID)
	if err != nil {
		a.deactivate(g.ID)
		return
	}

	t := a.tasks.Create(truncate(step.Description, 140), g.AgentID)
	a.mu.Lock()
	a.stepTaskMap[t.ID] = stepRef{goalID: g.ID, stepID: step.ID}
	a.mu.Unlock()

	inProgress := types.StepInProgress
	_ = a.goals.UpdatePlanStep(g.ID, step.ID, goal.StepPatch{Status: &inProgress, TaskID: &t.ID})

	prompt := bridge.BuildWorkerPrompt(ag.Name, g, instruction,
		a.completedStepContext(g.ID), a.prefs.BuildContext(g.AgentID), a.roots.WorkspaceRoots())

	logging.Adversary("dispatching step %d of goal %s (task %s)", step.Order+1, g.ID, t.ID)
	err = a.bridge.Dispatch(a.ctx, g.AgentID, t.ID, bridge.DispatchOptions{
		Prompt:         prompt,
		WorkingDir:     g.WorkingDirectory,
		SystemPrompt:   g.SystemPrompt,
		MaxTurns:       g.MaxTurnsPerStep,
		AdditionalDirs: a.roots.WorkspaceRoots(),
	})
	if err != nil {
		logging.Adversary("step dispatch failed for goal %s: %v", g.ID, err)
		a.mu.Lock()
		delete(a.stepTaskMap, t.ID)
		a.mu.Unlock()
		pending := types.StepPending
		_ = a.goals.UpdatePlanStep(g.ID, step.ID, goal.StepPatch{Status: &pending})
		a.deactivate(g.ID)
	}
}

// completedStepContext renders settled-step results for prompts.
func (a *Adversary) completedStepContext(goalID string) string {
	plan, err := a.goals.CurrentPlan(goalID)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, s := range plan.Steps {
		if s.Status != types.StepCompleted || s.Result == "" {
			continue
		}
		fmt.Fprintf(&sb, "Step %d (%s):\n%s\n\n", s.Order+1, s.Description, truncate(s.Result, 1500))
	}
	return strings.TrimSpace(sb.String())
}

// --- evaluation ---

// verdictResponse mirrors the JSON shape demanded of the evaluator.
type verdictResponse struct {
	Verdict            string `json:"verdict"`
	Reasoning          string `json:"reasoning"`
	RefinedInstruction string `json:"refined_instruction"`
	EscalationQuestion string `json:"escalation_question"`
}

func (a *Adversary) onStepEnded(ref stepRef, ended bus.SessionEnded) {
	g, err := a.goals.GetGoal(ref.goalID)
	if err != nil {
		a.deactivate(ref.goalID)
		return
	}
	step, err := a.goals.GetStep(ref.goalID, ref.stepID)
	if err != nil {
		a.deactivate(ref.goalID)
		return
	}
	result := ended.Result

	if ended.Status != types.SessionCompleted {
		msg := ended.Error
		if msg == "" {
			msg = "worker session failed"
		}
		failed := types.StepFailed
		_ = a.goals.UpdatePlanStep(ref.goalID, ref.stepID, goal.StepPatch{Status: &failed, Result: &msg})
		a.handleCompletion(ref.goalID)
		return
	}

	if question, ok := trailingQuestion(result); ok {
		a.autoAnswerOrEscalate(g, step, question)
		return
	}

	for _, match := range usedPrefPattern.FindAllStringSubmatch(result, -1) {
		key := strings.TrimSpace(match[1])
		if err := a.prefs.IncrementUsage(g.AgentID, key); err != nil {
			logging.AdversaryDebug("usage marker for unknown preference %q", key)
		}
	}

	verdict := a.evaluate(g, step, result)
	switch verdict.Verdict {
	case "RETRY":
		a.mu.Lock()
		retries := a.retryMap[step.ID]
		canRetry := retries < maxStepAttempts-1
		if canRetry {
			a.retryMap[step.ID] = retries + 1
		}
		a.mu.Unlock()

		if canRetry {
			logging.Adversary("step %s retry %d/%d: %s", step.ID, retries+1, maxStepAttempts-1, verdict.Reasoning)
			pending := types.StepPending
			patch := goal.StepPatch{Status: &pending}
			if refined := strings.TrimSpace(verdict.RefinedInstruction); refined != "" {
				patch.Description = &refined
			}
			_ = a.goals.UpdatePlanStep(ref.goalID, ref.stepID, patch)
			a.executeNextStep(ref.goalID)
			return
		}
		fallthrough
	case "ESCALATE":
		question := strings.TrimSpace(verdict.EscalationQuestion)
		if question == "" {
			question = fmt.Sprintf("Step %q did not produce an acceptable result. How should I proceed?", step.Description)
		}
		a.autoAnswerOrEscalate(g, step, question)
	default: // PASS
		completed := types.StepCompleted
		_ = a.goals.UpdatePlanStep(ref.goalID, ref.stepID, goal.StepPatch{Status: &completed, Result: &result})
		a.mu.Lock()
		delete(a.retryMap, step.ID)
		a.mu.Unlock()
		a.refinePlan(ref.goalID)
		a.executeNextStep(ref.goalID)
	}
}

// evaluate asks the oracle for a verdict. Failures of the oracle or of
// parsing count as PASS: the worker finished, and stalling the whole
// goal on a judging error is worse than accepting its output.
func (a *Adversary) evaluate(g types.Goal, step types.PlanStep, result string) verdictResponse {
	response, err := a.oracle.Complete(a.ctx, coordinatorSystemPrompt, buildEvaluationPrompt(g, step, result))
	if err != nil {
		a.reportOracleFailure(g.AgentID, g.ID, "evaluation", err)
		return verdictResponse{Verdict: "PASS"}
	}
	var verdict verdictResponse
	if err := jsonx.UnmarshalObject(response, &verdict); err != nil {
		logging.AdversaryDebug("unparseable verdict for step %s: %s", step.ID, truncate(response, 200))
		return verdictResponse{Verdict: "PASS"}
	}
	verdict.Verdict = strings.ToUpper(strings.TrimSpace(verdict.Verdict))
	if verdict.Verdict != "RETRY" && verdict.Verdict != "ESCALATE" {
		verdict.Verdict = "PASS"
	}
	return verdict
}

// --- auto-answer or escalate ---

// answerResponse mirrors the JSON shape demanded of the auto-answerer.
type answerResponse struct {
	CanAnswer bool   `json:"can_answer"`
	Answer    string `json:"answer"`
	Reasoning string `json:"reasoning"`
}

func (a *Adversary) autoAnswerOrEscalate(g types.Goal, step types.PlanStep, question string) {
	a.mu.Lock()
	recon := a.reconResults[g.ID]
	a.mu.Unlock()

	response, err := a.oracle.Complete(a.ctx, coordinatorSystemPrompt,
		buildAutoAnswerPrompt(g, question, recon, a.prefs.BuildContext(g.AgentID)))

	var answer answerResponse
	if err != nil {
		a.reportOracleFailure(g.AgentID, g.ID, "auto_answer", err)
	} else if perr := jsonx.UnmarshalObject(response, &answer); perr != nil {
		logging.AdversaryDebug("unparseable auto-answer for goal %s: %s", g.ID, truncate(response, 200))
	}

	if answer.CanAnswer && strings.TrimSpace(answer.Answer) != "" {
		logging.Adversary("auto-answered step %s question: %s", step.ID, truncate(answer.Reasoning, 120))
		instruction, err := a.oracle.Complete(a.ctx, coordinatorSystemPrompt,
			buildResumeInstructionPrompt(g, step, question, answer.Answer))
		if err != nil {
			a.reportOracleFailure(g.AgentID, g.ID, "resume_instruction", err)
			instruction = fmt.Sprintf("%s\n\nRegarding %q: %s", step.Description, question, answer.Answer)
		}
		inProgress := types.StepInProgress
		_ = a.goals.UpdatePlanStep(g.ID, step.ID, goal.StepPatch{Status: &inProgress})
		a.dispatchStep(g, step, strings.TrimSpace(instruction))
		return
	}

	blocked := types.StepBlocked
	_ = a.goals.UpdatePlanStep(g.ID, step.ID, goal.StepPatch{Status: &blocked, Question: &question})
	logging.Adversary("goal %s blocked on operator input: %s", g.ID, truncate(question, 120))
	a.bus.Publish(bus.TopicQuestionRaised, bus.QuestionRaised{
		GoalID:   g.ID,
		StepID:   step.ID,
		AgentID:  g.AgentID,
		Question: question,
	})
}

// --- refinement ---

// refinementResponse mirrors the JSON shape demanded of the refiner.
type refinementResponse struct {
	NeedsRefinement bool   `json:"needs_refinement"`
	Reasoning       string `json:"reasoning"`
	RefinedSteps    []struct {
		Order       int    `json:"order"`
		Description string `json:"description"`
	} `json:"refined_steps"`
}

// refinePlan rewrites pending steps in light of completed work. Best
// effort: any failure leaves the plan as it stands.
func (a *Adversary) refinePlan(goalID string) {
	g, err := a.goals.GetGoal(goalID)
	if err != nil {
		return
	}
	plan, err := a.goals.CurrentPlan(goalID)
	if err != nil {
		return
	}
	hasCompleted, hasPending := false, false
	for _, s := range plan.Steps {
		switch s.Status {
		case types.StepCompleted:
			hasCompleted = true
		case types.StepPending:
			hasPending = true
		}
	}
	if !hasCompleted || !hasPending {
		return
	}

	response, err := a.oracle.Complete(a.ctx, coordinatorSystemPrompt, buildRefinementPrompt(g, plan))
	if err != nil {
		a.reportOracleFailure(g.AgentID, goalID, "refinement", err)
		return
	}
	var refinement refinementResponse
	if err := jsonx.UnmarshalObject(response, &refinement); err != nil || !refinement.NeedsRefinement {
		return
	}

	byOrder := make(map[int]types.PlanStep, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.Status == types.StepPending {
			byOrder[s.Order] = s
		}
	}
	for _, r := range refinement.RefinedSteps {
		step, ok := byOrder[r.Order]
		if !ok {
			continue
		}
		desc := strings.TrimSpace(r.Description)
		if desc == "" {
			continue
		}
		if desc == "SKIP" {
			skipped := types.StepSkipped
			_ = a.goals.UpdatePlanStep(goalID, step.ID, goal.StepPatch{Status: &skipped})
			logging.Adversary("refinement skipped step %d of goal %s", r.Order+1, goalID)
			continue
		}
		_ = a.goals.UpdatePlanStep(goalID, step.ID, goal.StepPatch{Description: &desc})
		logging.Adversary("refinement rewrote step %d of goal %s", r.Order+1, goalID)
	}
}

// --- completion ---

// handleCompletion runs when no pending step remains: finish the goal,
// leave it armed for its trigger, or re-plan around failures.
func (a *Adversary) handleCompletion(goalID string) {
	plan, err := a.goals.CurrentPlan(goalID)
	if err != nil {
		a.deactivate(goalID)
		return
	}

	if _, blocked := a.goals.BlockedStep(goalID); blocked {
		// A blocked step keeps the goal mid-flight until reply().
		return
	}

	if plan.Finished() {
		if plan.Recurring {
			// The goal stays active with its finished plan in place;
			// the next trigger-fired wake finds no pending step and
			// starts a fresh planning cycle.
			logging.Adversary("recurring goal %s cycle complete; next wake re-plans", goalID)
		} else {
			logging.Adversary("goal %s completed", goalID)
			_ = a.goals.UpdateGoalStatus(goalID, types.GoalCompleted)
		}
		a.deactivate(goalID)
		return
	}

	// Failed steps and no blocked ones: carry results into a re-plan.
	var sb strings.Builder
	for _, s := range plan.Steps {
		if s.Result == "" {
			continue
		}
		fmt.Fprintf(&sb, "Step %d [%s] %s:\n%s\n\n", s.Order+1, s.Status, s.Description, truncate(s.Result, 1000))
	}
	a.mu.Lock()
	a.priorResults[goalID] = strings.TrimSpace(sb.String())
	a.mu.Unlock()

	logging.Adversary("goal %s has failed steps; re-planning", goalID)
	a.beginPlanning(goalID)
}

// --- helpers ---

func (a *Adversary) failGoal(goalID, reason string) {
	logging.Adversary("goal %s failed: %s", goalID, reason)
	_ = a.goals.UpdateGoalStatus(goalID, types.GoalFailed)
	a.deactivate(goalID)
}

// extractPreferences mines an operator message for durable preferences.
// Fire and forget: failures are published, never returned.
func (a *Adversary) extractPreferences(agentID, userMessage, agentMessage, source string) {
	prompt := a.prefs.BuildExtractionPrompt(agentID, userMessage, agentMessage, "")
	response, err := a.oracle.Complete(a.ctx, coordinatorSystemPrompt, prompt)
	if err != nil {
		a.reportOracleFailure(agentID, "", "preference_extraction", err)
		return
	}
	stored, err := a.prefs.ParseAndStoreExtraction(agentID, response, source)
	if err != nil {
		logging.AdversaryDebug("preference extraction unparseable for %s: %v", agentID, err)
		return
	}
	if stored > 0 {
		logging.Adversary("extracted %d preferences for agent %s", stored, agentID)
	}
}

func (a *Adversary) reportOracleFailure(agentID, goalID, op string, err error) {
	logging.Get(logging.CategoryAdversary).Warn("oracle %s failed (goal=%s): %v", op, goalID, err)
	a.bus.Publish(bus.TopicOracleFailed, bus.OracleFailed{AgentID: agentID, GoalID: goalID, Op: op, Err: err.Error()})
}

// trailingQuestion detects a [NEEDS_INPUT]: marker at the tail of a
// worker result and extracts the question after it. The question line
// must end the result; a marker the worker mentioned and then moved
// past is not a request for input.
func trailingQuestion(result string) (string, bool) {
	idx := strings.LastIndex(result, NeedsInputMarker)
	if idx < 0 {
		return "", false
	}
	question := strings.TrimRight(result[idx+len(NeedsInputMarker):], " \t\r\n")
	if question == "" || strings.ContainsRune(question, '\n') {
		return "", false
	}
	return strings.TrimSpace(question), true
}
