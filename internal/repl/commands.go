package repl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"workfarm/internal/bridge"
	"workfarm/internal/persist"
	"workfarm/internal/types"
)

func (r *REPL) cmdHire(rest string) error {
	name, _ := splitWord(rest)
	a, err := r.agents.Hire(name)
	if err != nil {
		return err
	}
	r.ok("hired %s (%s)", a.Name, a.ID[:8])
	return nil
}

func (r *REPL) cmdFire(rest string) error {
	if rest == "" {
		return errors.New("usage: fire <agent>")
	}
	a, err := r.resolveAgent(rest)
	if err != nil {
		return err
	}
	if err := r.agents.Fire(a.ID); err != nil {
		return err
	}
	r.ok("fired %s", a.Name)
	return nil
}

func (r *REPL) cmdAgents() {
	agents := r.agents.List()
	if len(agents) == 0 {
		fmt.Fprintln(r.out, dimStyle.Render("no agents hired"))
		return
	}
	for _, a := range agents {
		line := fmt.Sprintf("%-10s %-9s tasks=%d tokens=%d tools=%s",
			a.Name, a.State, a.TasksCompleted, a.TokensUsed, strings.Join(a.ApprovedTools, ","))
		fmt.Fprintln(r.out, detailStyle.Render(line))
	}
}

func (r *REPL) cmdTasks() {
	tasks := r.tasks.List()
	if len(tasks) == 0 {
		fmt.Fprintln(r.out, dimStyle.Render("no tasks"))
		return
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%s %-12s %-10s %s", t.ID[:8], t.Status, r.agentName(t.AssignedAgentID), clip(t.Description, 70))
		fmt.Fprintln(r.out, detailStyle.Render(line))
	}
}

func (r *REPL) cmdGoals(rest string) error {
	goals := r.goals.ListGoals()
	if rest != "" {
		a, err := r.resolveAgent(rest)
		if err != nil {
			return err
		}
		goals = r.goals.ListGoalsByAgent(a.ID)
	}
	if len(goals) == 0 {
		fmt.Fprintln(r.out, dimStyle.Render("no goals"))
		return nil
	}
	for _, g := range goals {
		active := ""
		if r.adversary.IsGoalActive(g.ID) {
			active = " [working]"
		}
		line := fmt.Sprintf("%s %-9s %-10s %s%s", g.ID[:8], g.Status, r.agentName(g.AgentID), clip(g.Description, 60), active)
		fmt.Fprintln(r.out, detailStyle.Render(line))
	}
	return nil
}

func (r *REPL) cmdPlan(rest string) error {
	if rest == "" {
		return errors.New("usage: plan <agent>")
	}
	a, err := r.resolveAgent(rest)
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	plan, err := r.goals.CurrentPlan(g.ID)
	if err != nil {
		return err
	}

	fmt.Fprintln(r.out, titleStyle.Render(fmt.Sprintf("plan v%d for %s", plan.Version, clip(g.Description, 60))))
	if plan.Reasoning != "" {
		fmt.Fprintln(r.out, dimStyle.Render("  "+clip(plan.Reasoning, 100)))
	}
	for _, s := range plan.Steps {
		marker := " "
		switch s.Status {
		case types.StepCompleted:
			marker = okStyle.Render("✓")
		case types.StepFailed:
			marker = errorStyle.Render("✗")
		case types.StepInProgress:
			marker = warningStyle.Render("▸")
		case types.StepBlocked:
			marker = warningStyle.Render("?")
		case types.StepSkipped:
			marker = dimStyle.Render("-")
		}
		fmt.Fprintf(r.out, "  %s %d. %s\n", marker, s.Order+1, clip(s.Description, 90))
		if s.Question != "" {
			fmt.Fprintln(r.out, warningStyle.Render("      question: "+clip(s.Question, 90)))
		}
	}
	if plan.Recurring {
		fmt.Fprintln(r.out, dimStyle.Render(fmt.Sprintf("  recurring every %d minutes", plan.IntervalMinutes)))
	}
	return nil
}

func (r *REPL) cmdPrefs(rest string) error {
	if rest == "" {
		return errors.New("usage: prefs <agent>")
	}
	a, err := r.resolveAgent(rest)
	if err != nil {
		return err
	}
	prefs, err := r.prefs.List(a.ID)
	if err != nil {
		return err
	}
	if len(prefs) == 0 {
		fmt.Fprintln(r.out, dimStyle.Render("no preferences stored"))
		return nil
	}
	for _, p := range prefs {
		line := fmt.Sprintf("[%s] %s = %s (%s, used %d)", p.Category, p.Key, clip(p.Value, 50), p.Confidence, p.UsedCount)
		fmt.Fprintln(r.out, detailStyle.Render(line))
	}
	return nil
}

func (r *REPL) cmdAssign(rest string) error {
	name, desc := splitWord(rest)
	if name == "" || desc == "" {
		return errors.New("usage: assign <agent> <task description>")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}

	workingDir := "."
	if roots := r.cfg.WorkspaceRoots(); len(roots) > 0 {
		workingDir = roots[0]
	}
	t := r.tasks.Create(desc, a.ID)
	opts := bridge.DispatchOptions{Prompt: desc, WorkingDir: workingDir}
	if err := r.bridge.Dispatch(r.ctx, a.ID, t.ID, opts); err != nil {
		return err
	}
	r.ok("task %s dispatched to %s", t.ID[:8], a.Name)
	return nil
}

func (r *REPL) cmdGoal(rest string) error {
	name, rest := splitWord(rest)
	if name == "" || rest == "" {
		return errors.New("usage: goal <agent> [--dir <path>] <description>")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}

	workingDir := ""
	if strings.HasPrefix(rest, "--dir ") {
		var dir string
		dir, rest = splitWord(strings.TrimPrefix(rest, "--dir "))
		workingDir = dir
	}
	if rest == "" {
		return errors.New("goal description is required")
	}
	if workingDir == "" {
		roots := r.cfg.WorkspaceRoots()
		if len(roots) == 0 {
			return errors.New("no workspace roots configured; use 'workspace add <path>' or pass --dir")
		}
		workingDir = roots[0]
	}

	g := r.goals.CreateGoal(a.ID, rest, workingDir, nil, 0)
	r.ok("goal %s created for %s; 'wake %s' to start", g.ID[:8], a.Name, a.Name)
	return nil
}

func (r *REPL) cmdConstrain(rest string) error {
	name, text := splitWord(rest)
	if name == "" || text == "" {
		return errors.New("usage: constrain <agent> <text>")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	if err := r.goals.AddConstraint(g.ID, text); err != nil {
		return err
	}
	r.ok("constraint added to goal %s", g.ID[:8])
	return nil
}

func (r *REPL) cmdChdir(rest string) error {
	name, path := splitWord(rest)
	if name == "" || path == "" {
		return errors.New("usage: chdir <agent> <path>")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	if err := r.goals.SetWorkingDirectory(g.ID, path); err != nil {
		return err
	}
	r.ok("goal %s now works in %s", g.ID[:8], path)
	return nil
}

func (r *REPL) cmdWake(rest string) error {
	if rest == "" {
		return errors.New("usage: wake <agent>")
	}
	a, err := r.resolveAgent(rest)
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	if err := r.adversary.Wake(g.ID); err != nil {
		return err
	}
	r.ok("%s is on it", a.Name)
	return nil
}

func (r *REPL) cmdPause(rest string) error {
	if rest == "" {
		return errors.New("usage: pause <agent>")
	}
	a, err := r.resolveAgent(rest)
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	if err := r.adversary.Pause(g.ID); err != nil {
		return err
	}
	r.ok("paused %s's goal", a.Name)
	return nil
}

func (r *REPL) cmdReply(rest string) error {
	name, answer := splitWord(rest)
	if name == "" || answer == "" {
		return errors.New("usage: reply <agent> <answer>")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	if err := r.adversary.Reply(g.ID, answer); err != nil {
		return err
	}
	r.ok("answer relayed to %s", a.Name)
	return nil
}

func (r *REPL) cmdTalk(rest string) error {
	name, message := splitWord(rest)
	if name == "" || message == "" {
		return errors.New("usage: talk <agent> <message>")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}
	reply, err := r.adversary.Talk(a.ID, message, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s %s\n", titleStyle.Render(a.Name+":"), detailStyle.Render(reply))
	return nil
}

func (r *REPL) cmdApprove(rest string) error {
	name, tool := splitWord(rest)
	if name == "" || tool == "" {
		return errors.New("usage: approve <agent> <tool>")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}
	if err := r.bridge.ApproveToolPermission(r.ctx, a.ID, tool); err != nil {
		return err
	}
	r.ok("approved %s for %s", tool, a.Name)
	return nil
}

func (r *REPL) cmdDeny(rest string) error {
	if rest == "" {
		return errors.New("usage: deny <agent>")
	}
	a, err := r.resolveAgent(rest)
	if err != nil {
		return err
	}
	if err := r.bridge.DenyToolPermission(a.ID); err != nil {
		return err
	}
	r.ok("denied; %s will finish with what it has", a.Name)
	return nil
}

func (r *REPL) cmdSchedule(rest string) error {
	name, minutesArg := splitWord(rest)
	if name == "" || minutesArg == "" {
		return errors.New("usage: schedule <agent> <minutes>")
	}
	minutes, err := strconv.Atoi(minutesArg)
	if err != nil || minutes <= 0 {
		return fmt.Errorf("invalid interval %q: need a positive number of minutes", minutesArg)
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}
	g, err := r.activeGoal(a.ID)
	if err != nil {
		return err
	}
	if err := r.scheduler.AddInterval(a.ID, g.ID, time.Duration(minutes)*time.Minute); err != nil {
		return err
	}
	r.ok("goal %s fires every %d minutes", g.ID[:8], minutes)
	return nil
}

func (r *REPL) cmdUnschedule(rest string) error {
	if rest == "" {
		return errors.New("usage: unschedule <agent>")
	}
	a, err := r.resolveAgent(rest)
	if err != nil {
		return err
	}

	removed := 0
	for _, t := range r.goals.ListTriggers() {
		if t.AgentID != a.ID || t.Type != types.TriggerInterval {
			continue
		}
		if err := r.scheduler.Remove(t.ID); err != nil {
			return err
		}
		removed++
	}
	if removed == 0 {
		return fmt.Errorf("%s has no interval triggers", a.Name)
	}
	r.ok("removed %d trigger(s) for %s", removed, a.Name)
	return nil
}

func (r *REPL) cmdPrompt(rest string) error {
	name, text := splitWord(rest)
	if name == "" {
		return errors.New("usage: prompt <agent> <text>")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}
	if err := r.agents.SetSystemPrompt(a.ID, text); err != nil {
		return err
	}
	if text == "" {
		r.ok("cleared %s's system prompt", a.Name)
	} else {
		r.ok("set %s's system prompt", a.Name)
	}
	return nil
}

func (r *REPL) cmdForget(rest string) error {
	name, key := splitWord(rest)
	if name == "" || key == "" {
		return errors.New("usage: forget <agent> <key>")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}
	if err := r.prefs.Remove(a.ID, key); err != nil {
		return err
	}
	r.ok("%s forgot %s", a.Name, key)
	return nil
}

func (r *REPL) cmdWorkspace(rest string) error {
	sub, path := splitWord(rest)
	switch sub {
	case "", "list":
		roots := r.cfg.WorkspaceRoots()
		if len(roots) == 0 {
			fmt.Fprintln(r.out, dimStyle.Render("no workspace roots configured"))
			return nil
		}
		for _, root := range roots {
			fmt.Fprintln(r.out, detailStyle.Render("  "+root))
		}
		return nil
	case "add":
		if path == "" {
			return errors.New("usage: workspace add <path>")
		}
		if err := r.cfg.AddWorkspaceRoot(path); err != nil {
			return err
		}
		r.ok("workspace root added")
		return nil
	case "remove":
		if path == "" {
			return errors.New("usage: workspace remove <path>")
		}
		if err := r.cfg.RemoveWorkspaceRoot(path); err != nil {
			return err
		}
		r.ok("workspace root removed")
		return nil
	default:
		return fmt.Errorf("unknown workspace subcommand %q", sub)
	}
}

func (r *REPL) cmdLog(rest string) error {
	name, countArg := splitWord(rest)
	if name == "" {
		return errors.New("usage: log <agent> [n]")
	}
	a, err := r.resolveAgent(name)
	if err != nil {
		return err
	}
	count := 20
	if countArg != "" {
		if count, err = strconv.Atoi(countArg); err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", countArg)
		}
	}

	events, err := r.store.ReadLogs(a.ID, persist.LogQuery{})
	if err != nil {
		return err
	}
	if len(events) > count {
		events = events[len(events)-count:]
	}
	if len(events) == 0 {
		fmt.Fprintln(r.out, dimStyle.Render("no events logged"))
		return nil
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s %-24s %s", ev.Timestamp.Format("15:04:05"), ev.Topic, clip(ev.Message, 80))
		fmt.Fprintln(r.out, detailStyle.Render(line))
	}
	return nil
}

func (r *REPL) cmdSessions(rest string) error {
	count := 20
	if rest != "" {
		var err error
		if count, err = strconv.Atoi(rest); err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", rest)
		}
	}
	records, err := r.archive.List(count)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(r.out, dimStyle.Render("no archived sessions"))
		return nil
	}
	for _, rec := range records {
		line := fmt.Sprintf("%s %-10s %-10s %3d msgs  %s",
			rec.SessionID[:8], rec.Status, r.agentName(rec.AgentID), rec.Messages, rec.StartedAt.Format("Jan 02 15:04"))
		fmt.Fprintln(r.out, detailStyle.Render(line))
	}
	return nil
}

func (r *REPL) cmdTranscript(rest string) error {
	if rest == "" {
		return errors.New("usage: transcript <session-id>")
	}
	sessionID := rest
	// Accept the 8-char prefix shown by the sessions listing.
	if len(rest) < 36 {
		records, err := r.archive.List(200)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if strings.HasPrefix(rec.SessionID, rest) {
				sessionID = rec.SessionID
				break
			}
		}
	}

	messages, err := r.archive.Transcript(sessionID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Fprintln(r.out, dimStyle.Render("no transcript found"))
		return nil
	}
	for _, msg := range messages {
		label := fmt.Sprintf("[%s %s]", msg.Timestamp.Format("15:04:05"), msg.Type)
		fmt.Fprintf(r.out, "%s %s\n", dimStyle.Render(label), detailStyle.Render(clip(msg.Content, 120)))
	}
	return nil
}

func (r *REPL) cmdStatus() {
	agents := r.agents.List()
	working := 0
	for _, a := range agents {
		if a.State == types.AgentWorking || a.State == types.AgentThinking {
			working++
		}
	}
	goals := r.goals.ListGoals()
	activeGoals := 0
	for _, g := range goals {
		if g.Status == types.GoalActive {
			activeGoals++
		}
	}
	pendingTasks := 0
	for _, t := range r.tasks.List() {
		if t.Status == types.TaskPending || t.Status == types.TaskInProgress {
			pendingTasks++
		}
	}
	line := fmt.Sprintf("%d agents (%d working), %d goals (%d active), %d open tasks, %d triggers",
		len(agents), working, len(goals), activeGoals, pendingTasks, len(r.goals.ListTriggers()))
	fmt.Fprintln(r.out, detailStyle.Render(line))
}
