package adversary

import (
	"fmt"
	"strings"

	"workfarm/internal/types"
)

// coordinatorSystemPrompt frames every oracle call the loop makes.
const coordinatorSystemPrompt = `You are the planning coordinator of an autonomous agent system.
You never execute work yourself; you plan, instruct, evaluate, and refine.
Always answer in the exact format each request demands. When a request
demands JSON, respond with ONLY that JSON object and nothing else.`

// reconLimit caps how much of a recon report rides in later prompts.
const reconLimit = 3000

func buildReconPrompt(agentName string, g types.Goal, workspaceRoots []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. Before any work begins on the goal below, explore the working tree and report what you find.\n\n", agentName)
	fmt.Fprintf(&sb, "Goal: %s\n", g.Description)
	fmt.Fprintf(&sb, "Working directory: %s\n", g.WorkingDirectory)
	if len(workspaceRoots) > 0 {
		fmt.Fprintf(&sb, "Workspace roots: %s\n", strings.Join(workspaceRoots, ", "))
	}
	sb.WriteString(`
Write a human-readable report of the project: what it is, how it is
built, and where the goal-relevant code lives. End the report with a
structured block in exactly this form:

<recon_summary>
PROJECT_PATH: <path>
LANGUAGE: <primary language>
FRAMEWORK: <framework or "none">
KEY_FILES: <comma-separated relevant files>
CURRENT_STATE: <one or two sentences>
IMPROVEMENT_OPPORTUNITIES: <one or two sentences>
</recon_summary>`)
	return sb.String()
}

func buildPlanningPrompt(agentName string, g types.Goal, workspaceRoots []string, recon, priorResults, prefContext string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Produce an execution plan for agent %s.\n\n", agentName)
	fmt.Fprintf(&sb, "Goal: %s\n", g.Description)
	fmt.Fprintf(&sb, "Working directory: %s\n", g.WorkingDirectory)
	if len(workspaceRoots) > 0 {
		fmt.Fprintf(&sb, "Workspace roots: %s\n", strings.Join(workspaceRoots, ", "))
	}
	if len(g.Constraints) > 0 {
		sb.WriteString("Constraints:\n")
		for _, c := range g.Constraints {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if recon != "" {
		fmt.Fprintf(&sb, "\nReconnaissance report:\n%s\n", truncate(recon, reconLimit))
	}
	if priorResults != "" {
		fmt.Fprintf(&sb, "\nResults from a previous plan (this is a re-plan; build on what worked, avoid what failed):\n%s\n", priorResults)
	}
	if prefContext != "" {
		fmt.Fprintf(&sb, "\n%s", prefContext)
	}
	sb.WriteString(`
Each step runs in a fresh worker session with no memory of earlier
steps, so make every step self-contained and concrete.

Respond with ONLY a JSON object of this exact shape:
{"reasoning": "<why this plan>", "recurring": false, "interval_minutes": 0, "cycle_goal": "", "completion_criteria": "<how to tell the goal is done>", "steps": [{"description": "<step>"}]}
Set "recurring" to true with an "interval_minutes" only when the goal is
inherently periodic (monitoring, upkeep). Keep plans short; prefer 2-6 steps.`)
	return sb.String()
}

func buildStepInstructionPrompt(g types.Goal, step types.PlanStep, priorContext string) string {
	var sb strings.Builder
	sb.WriteString("Craft a worker instruction for the next plan step.\n\n")
	fmt.Fprintf(&sb, "Goal: %s\n", g.Description)
	fmt.Fprintf(&sb, "Step %d: %s\n", step.Order+1, step.Description)
	if priorContext != "" {
		fmt.Fprintf(&sb, "\nResults of completed steps (the worker cannot see these unless you restate what matters):\n%s\n", priorContext)
	}
	sb.WriteString(`
Write a single self-contained instruction the worker can execute
without any other context. Restate every fact from earlier steps the
worker needs. Respond with ONLY the instruction text.`)
	return sb.String()
}

func buildEvaluationPrompt(g types.Goal, step types.PlanStep, result string) string {
	var sb strings.Builder
	sb.WriteString("Evaluate a completed worker step.\n\n")
	fmt.Fprintf(&sb, "Goal: %s\n", g.Description)
	fmt.Fprintf(&sb, "Step: %s\n", step.Description)
	fmt.Fprintf(&sb, "\nWorker output:\n%s\n", truncate(result, 6000))
	sb.WriteString(`
Respond with ONLY a JSON object of this exact shape:
{"verdict": "PASS|RETRY|ESCALATE", "reasoning": "<one or two sentences>", "refined_instruction": "<only for RETRY: a better instruction>", "escalation_question": "<only for ESCALATE: the question for the operator>"}
PASS when the step's intent was achieved, even imperfectly. RETRY when
a better instruction would likely succeed. ESCALATE only when operator
input is genuinely required.`)
	return sb.String()
}

func buildAutoAnswerPrompt(g types.Goal, question, recon, prefContext string) string {
	var sb strings.Builder
	sb.WriteString("A worker asked a question. Decide whether you can answer it yourself from the context below, without involving the operator.\n\n")
	fmt.Fprintf(&sb, "Goal: %s\n", g.Description)
	if len(g.Constraints) > 0 {
		sb.WriteString("Constraints:\n")
		for _, c := range g.Constraints {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if recon != "" {
		fmt.Fprintf(&sb, "\nReconnaissance report:\n%s\n", truncate(recon, reconLimit))
	}
	if prefContext != "" {
		fmt.Fprintf(&sb, "\n%s", prefContext)
	}
	fmt.Fprintf(&sb, "\nQuestion:\n%s\n", question)
	sb.WriteString(`
Respond with ONLY a JSON object of this exact shape:
{"can_answer": true, "answer": "<your answer>", "reasoning": "<why>"}
Set "can_answer" to false when the question needs a judgment only the
operator can make.`)
	return sb.String()
}

func buildResumeInstructionPrompt(g types.Goal, step types.PlanStep, question, answer string) string {
	var sb strings.Builder
	sb.WriteString("A worker step stalled on a question that has now been answered. Rewrite the step instruction to incorporate the answer.\n\n")
	fmt.Fprintf(&sb, "Goal: %s\n", g.Description)
	fmt.Fprintf(&sb, "Original step: %s\n", step.Description)
	fmt.Fprintf(&sb, "Question: %s\n", question)
	fmt.Fprintf(&sb, "Answer: %s\n", answer)
	sb.WriteString(`
Rewrite the instruction so the answer is woven into it as established
fact; do not merely append the answer to the old text. Respond with
ONLY the rewritten instruction.`)
	return sb.String()
}

func buildRefinementPrompt(g types.Goal, plan types.Plan) string {
	var sb strings.Builder
	sb.WriteString("A step just completed. Decide whether the remaining pending steps should be rewritten in light of what was learned.\n\n")
	fmt.Fprintf(&sb, "Goal: %s\n\n", g.Description)

	sb.WriteString("Completed steps and their results:\n")
	for _, s := range plan.Steps {
		if s.Status == types.StepCompleted {
			fmt.Fprintf(&sb, "%d. %s\n   Result: %s\n", s.Order+1, s.Description, truncate(s.Result, 500))
		}
	}
	sb.WriteString("\nPending steps:\n")
	for _, s := range plan.Steps {
		if s.Status == types.StepPending {
			fmt.Fprintf(&sb, "%d. %s\n", s.Order+1, s.Description)
		}
	}
	sb.WriteString(`
Respond with ONLY a JSON object of this exact shape:
{"needs_refinement": false, "reasoning": "<one sentence>", "refined_steps": [{"order": <0-based order>, "description": "<new description>"}]}
Only include pending steps that should change. Use the exact
description "SKIP" for a step that has become unnecessary.`)
	return sb.String()
}

func buildTalkPrompt(agentName, message, goalContext, activitySummary string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, an autonomous agent, chatting with your operator. Answer in character: brief, concrete, first person.\n\n", agentName)
	if goalContext != "" {
		fmt.Fprintf(&sb, "Your current work:\n%s\n\n", goalContext)
	}
	if activitySummary != "" {
		fmt.Fprintf(&sb, "Recent activity:\n%s\n\n", activitySummary)
	}
	fmt.Fprintf(&sb, "Operator says:\n%s", message)
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "\n[truncated]"
}
