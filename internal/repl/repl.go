// Package repl implements the interactive control surface. Every
// command maps onto one or more core operations; the REPL itself holds
// no state beyond its dependencies.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"workfarm/internal/agent"
	"workfarm/internal/archive"
	"workfarm/internal/bridge"
	"workfarm/internal/bus"
	"workfarm/internal/config"
	"workfarm/internal/goal"
	"workfarm/internal/logging"
	"workfarm/internal/persist"
	"workfarm/internal/pref"
	"workfarm/internal/session"
	"workfarm/internal/task"
	"workfarm/internal/trigger"
	"workfarm/internal/types"
)

var (
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// REPL drives the interactive loop.
type REPL struct {
	ctx       context.Context
	in        io.Reader
	out       io.Writer
	bus       *bus.Bus
	agents    *agent.Manager
	tasks     *task.Manager
	goals     *goal.Manager
	prefs     *pref.Manager
	sessions  *session.Manager
	bridge    *bridge.Bridge
	adversary Adversary
	scheduler *trigger.Scheduler
	cfg       *config.Manager
	store     persist.Store
	archive   *archive.Archive

	quit bool
}

// Adversary is the slice of the control loop the REPL drives.
type Adversary interface {
	Wake(goalID string) error
	Pause(goalID string) error
	Reply(goalID, answer string) error
	Talk(agentID, message, activitySummary string) (string, error)
	IsGoalActive(goalID string) bool
}

// Deps bundles the REPL's dependencies.
type Deps struct {
	Bus       *bus.Bus
	Agents    *agent.Manager
	Tasks     *task.Manager
	Goals     *goal.Manager
	Prefs     *pref.Manager
	Sessions  *session.Manager
	Bridge    *bridge.Bridge
	Adversary Adversary
	Scheduler *trigger.Scheduler
	Config    *config.Manager
	Store     persist.Store
	Archive   *archive.Archive
}

// New creates a REPL reading from in and writing to out.
func New(ctx context.Context, in io.Reader, out io.Writer, deps Deps) *REPL {
	return &REPL{
		ctx:       ctx,
		in:        in,
		out:       out,
		bus:       deps.Bus,
		agents:    deps.Agents,
		tasks:     deps.Tasks,
		goals:     deps.Goals,
		prefs:     deps.Prefs,
		sessions:  deps.Sessions,
		bridge:    deps.Bridge,
		adversary: deps.Adversary,
		scheduler: deps.Scheduler,
		cfg:       deps.Config,
		store:     deps.Store,
		archive:   deps.Archive,
	}
}

// Run reads and executes commands until quit or EOF.
func (r *REPL) Run() error {
	r.subscribeNotifications()
	fmt.Fprintln(r.out, titleStyle.Render("workfarm")+dimStyle.Render("  type 'help' for commands"))

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, promptStyle.Render("workfarm> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.execute(line)
		if r.quit {
			break
		}
	}
	return scanner.Err()
}

// subscribeNotifications surfaces the events an operator at the prompt
// needs to see without asking.
func (r *REPL) subscribeNotifications() {
	r.bus.Subscribe(bus.TopicQuestionRaised, func(ev bus.Event) {
		q, ok := ev.Payload.(bus.QuestionRaised)
		if !ok {
			return
		}
		name := r.agentName(q.AgentID)
		fmt.Fprintf(r.out, "\n%s %s asks: %s\n", warningStyle.Render("[question]"), name, q.Question)
		fmt.Fprintf(r.out, "%s\n", dimStyle.Render(fmt.Sprintf("  answer with: reply %s <answer>", name)))
	})
	r.bus.Subscribe(bus.TopicPermissionRequested, func(ev bus.Event) {
		p, ok := ev.Payload.(bus.PermissionRequested)
		if !ok {
			return
		}
		name := r.agentName(p.AgentID)
		fmt.Fprintf(r.out, "\n%s %s wants to use %s\n", warningStyle.Render("[permission]"), name, p.ToolName)
		fmt.Fprintf(r.out, "%s\n", dimStyle.Render(fmt.Sprintf("  approve %s %s   or   deny %s", name, p.ToolName, name)))
	})
	r.bus.Subscribe(bus.TopicGoalUpdated, func(ev bus.Event) {
		g, ok := ev.Payload.(bus.GoalChanged)
		if !ok || !g.Status.Terminal() {
			return
		}
		fmt.Fprintf(r.out, "\n%s goal for %s is %s\n", titleStyle.Render("[goal]"), r.agentName(g.AgentID), g.Status)
	})
	r.bus.Subscribe(bus.TopicOracleFailed, func(ev bus.Event) {
		f, ok := ev.Payload.(bus.OracleFailed)
		if !ok {
			return
		}
		fmt.Fprintf(r.out, "\n%s oracle %s failed: %s\n", errorStyle.Render("[oracle]"), f.Op, f.Err)
	})
}

// execute dispatches one command line.
func (r *REPL) execute(line string) {
	logging.Repl("command: %s", line)
	cmd, rest := splitWord(line)

	var err error
	switch strings.ToLower(cmd) {
	case "help", "?":
		r.printHelp()
	case "hire":
		err = r.cmdHire(rest)
	case "fire":
		err = r.cmdFire(rest)
	case "agents":
		r.cmdAgents()
	case "tasks":
		r.cmdTasks()
	case "goals":
		err = r.cmdGoals(rest)
	case "plan":
		err = r.cmdPlan(rest)
	case "prefs":
		err = r.cmdPrefs(rest)
	case "assign":
		err = r.cmdAssign(rest)
	case "goal":
		err = r.cmdGoal(rest)
	case "constrain":
		err = r.cmdConstrain(rest)
	case "chdir":
		err = r.cmdChdir(rest)
	case "wake":
		err = r.cmdWake(rest)
	case "pause":
		err = r.cmdPause(rest)
	case "reply":
		err = r.cmdReply(rest)
	case "talk":
		err = r.cmdTalk(rest)
	case "approve":
		err = r.cmdApprove(rest)
	case "deny":
		err = r.cmdDeny(rest)
	case "schedule":
		err = r.cmdSchedule(rest)
	case "unschedule":
		err = r.cmdUnschedule(rest)
	case "prompt":
		err = r.cmdPrompt(rest)
	case "forget":
		err = r.cmdForget(rest)
	case "workspace":
		err = r.cmdWorkspace(rest)
	case "log":
		err = r.cmdLog(rest)
	case "sessions":
		err = r.cmdSessions(rest)
	case "transcript":
		err = r.cmdTranscript(rest)
	case "status":
		r.cmdStatus()
	case "quit", "exit":
		r.quit = true
	default:
		err = fmt.Errorf("unknown command %q; try 'help'", cmd)
	}
	if err != nil {
		fmt.Fprintln(r.out, errorStyle.Render("error: "+err.Error()))
	}
}

func (r *REPL) printHelp() {
	help := [][2]string{
		{"hire [name]", "hire a new agent"},
		{"fire <agent>", "fire an agent and remove its state"},
		{"agents / tasks", "list agents / tasks"},
		{"goals [agent]", "list goals"},
		{"plan <agent>", "show the active goal's current plan"},
		{"prefs <agent>", "show stored preferences"},
		{"assign <agent> <task>", "dispatch a one-off task"},
		{"goal <agent> [--dir <path>] <desc>", "create a goal"},
		{"constrain <agent> <text>", "append a constraint to the active goal"},
		{"chdir <agent> <path>", "set the active goal's working directory"},
		{"wake <agent> / pause <agent>", "start or pause the goal loop"},
		{"reply <agent> <answer>", "answer a blocked step"},
		{"talk <agent> <message>", "chat with an agent (no worker)"},
		{"approve <agent> <tool> / deny <agent>", "tool-permission negotiation"},
		{"schedule <agent> <minutes> / unschedule <agent>", "interval trigger"},
		{"prompt <agent> <text>", "set the agent's system prompt"},
		{"forget <agent> <key>", "remove a preference"},
		{"workspace [add|remove|list] [path]", "workspace roots"},
		{"log <agent> [n]", "last n observability events"},
		{"sessions [n]", "recent archived sessions"},
		{"transcript <session-id>", "archived session transcript"},
		{"status", "one-line system summary"},
		{"quit / exit", "tear down"},
	}
	for _, h := range help {
		fmt.Fprintf(r.out, "  %s %s\n", detailStyle.Render(fmt.Sprintf("%-46s", h[0])), dimStyle.Render(h[1]))
	}
}

// --- shared helpers ---

// splitWord returns the first whitespace-delimited word and the rest.
func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx:])
}

// resolveAgent maps a name (or ID) argument to an agent.
func (r *REPL) resolveAgent(name string) (types.Agent, error) {
	if a, err := r.agents.GetByName(name); err == nil {
		return a, nil
	}
	return r.agents.Get(name)
}

func (r *REPL) agentName(agentID string) string {
	if a, err := r.agents.Get(agentID); err == nil {
		return a.Name
	}
	return agentID
}

// activeGoal picks the agent's newest non-terminal goal.
func (r *REPL) activeGoal(agentID string) (types.Goal, error) {
	goals := r.goals.ListGoalsByAgent(agentID)
	for i := len(goals) - 1; i >= 0; i-- {
		if !goals[i].Status.Terminal() {
			return goals[i], nil
		}
	}
	return types.Goal{}, fmt.Errorf("agent has no active goal")
}

func (r *REPL) ok(format string, args ...any) {
	fmt.Fprintln(r.out, okStyle.Render(fmt.Sprintf(format, args...)))
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
