// Command workfarm runs the agent orchestration core behind an
// interactive REPL.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"workfarm/internal/adversary"
	"workfarm/internal/agent"
	"workfarm/internal/archive"
	"workfarm/internal/bridge"
	"workfarm/internal/bus"
	"workfarm/internal/config"
	"workfarm/internal/goal"
	"workfarm/internal/logging"
	"workfarm/internal/oracle"
	"workfarm/internal/persist"
	"workfarm/internal/pref"
	"workfarm/internal/repl"
	"workfarm/internal/runtime"
	"workfarm/internal/session"
	"workfarm/internal/task"
	"workfarm/internal/trigger"
)

var dataDirFlag string

func main() {
	root := &cobra.Command{
		Use:   "workfarm",
		Short: "Orchestrate autonomous agents over goals, plans, and worker sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default $HOME/.workfarm-data)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "workfarm:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	zlog, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer zlog.Sync()
	log := zlog.Sugar()

	dataDir := dataDirFlag
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".workfarm-data")
	}

	store, err := persist.NewFileStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}

	cfg, err := config.NewManager(store)
	if err != nil {
		return err
	}
	if err := logging.Initialize(dataDir, cfg.Logging()); err != nil {
		log.Warnw("file logging disabled", "error", err)
	}
	defer logging.CloseAll()

	rc, err := config.LoadRuntimeConfig(dataDir)
	if err != nil {
		return err
	}
	log.Infow("starting", "dataDir", dataDir, "worker", rc.WorkerCommand)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := bus.New()
	wireEventLog(b, store)

	agents, err := agent.NewManager(store, b)
	if err != nil {
		return err
	}
	tasks, err := task.NewManager(store, b)
	if err != nil {
		return err
	}
	goals, err := goal.NewManager(store, b)
	if err != nil {
		return err
	}
	prefs := pref.NewManager(store, b)

	rt := runtime.NewCLIRuntime(rc.WorkerCommand)
	sessions := session.NewManager(rt, b)

	// The bridge subscribes to session_ended first: it must settle task
	// and agent state before the adversary evaluates the result.
	br := bridge.New(b, agents, tasks, sessions, rc.DefaultMaxTurns)
	br.Sweep()

	orc := oracle.NewCLIOracle(rc.OracleCommand, rc.OracleModel, dataDir, rc.OracleTimeout())
	adv := adversary.New(ctx, b, orc, br, agents, tasks, goals, prefs, cfg)

	sched := trigger.NewScheduler(b, goals, adv)
	adv.SetTriggerRegistrar(sched)
	sched.Start()
	defer sched.Stop()

	arch, err := archive.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return err
	}
	defer arch.Close()
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) {
		ended, ok := ev.Payload.(bus.SessionEnded)
		if !ok {
			return
		}
		s, err := sessions.Get(ended.SessionID)
		if err != nil {
			return
		}
		if err := arch.Save(s); err != nil {
			logging.Get(logging.CategoryArchive).Warn("failed to archive session %s: %v", s.ID, err)
		}
	})

	agents.OnFire(func(agentID string) {
		_ = br.CancelExecution(agentID)
		adv.Forget(agentID)
		for _, g := range goals.ListGoalsByAgent(agentID) {
			sched.RemoveByGoal(g.ID)
		}
		goals.DeleteByAgent(agentID)
		tasks.DeleteByAgent(agentID)
		prefs.Forget(agentID)
		if err := arch.DeleteByAgent(agentID); err != nil {
			logging.Get(logging.CategoryArchive).Warn("failed to purge archive for %s: %v", agentID, err)
		}
	})

	watcher, err := config.NewWatcher(dataDir, cfg)
	if err != nil {
		log.Warnw("config hot reload unavailable", "error", err)
	} else {
		if err := watcher.Start(ctx); err != nil {
			log.Warnw("config watcher failed to start", "error", err)
		}
		defer watcher.Close()
	}

	if !cfg.HasWorkspaceRoots() {
		if err := promptWorkspaceRoot(cfg); err != nil {
			return err
		}
	}

	r := repl.New(ctx, os.Stdin, os.Stdout, repl.Deps{
		Bus:       b,
		Agents:    agents,
		Tasks:     tasks,
		Goals:     goals,
		Prefs:     prefs,
		Sessions:  sessions,
		Bridge:    br,
		Adversary: adv,
		Scheduler: sched,
		Config:    cfg,
		Store:     store,
		Archive:   arch,
	})
	return r.Run()
}

// promptWorkspaceRoot asks for at least one workspace root on first
// run; the core refuses to dispatch workers without one.
func promptWorkspaceRoot(cfg *config.Manager) error {
	fmt.Println("No workspace roots configured. Workers can only operate inside registered roots.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("Enter a workspace path: ")
		if !scanner.Scan() {
			return fmt.Errorf("no workspace root provided")
		}
		path := strings.TrimSpace(scanner.Text())
		if path == "" {
			continue
		}
		if err := cfg.AddWorkspaceRoot(path); err != nil {
			fmt.Println("  ", err)
			continue
		}
		return nil
	}
}

// wireEventLog appends per-agent observability events to the JSONL
// logs. Events without an agent are skipped.
func wireEventLog(b *bus.Bus, store persist.Store) {
	b.SubscribeAll(func(ev bus.Event) {
		agentID := agentIDOf(ev.Payload)
		if agentID == "" {
			return
		}
		event := persist.LogEvent{
			Timestamp: ev.Timestamp,
			Topic:     string(ev.Topic),
			Message:   summarize(ev.Payload),
			Payload:   ev.Payload,
		}
		if err := store.AppendLog(agentID, event); err != nil {
			logging.Get(logging.CategoryPersist).Warn("failed to append log for %s: %v", agentID, err)
		}
	})
}

func agentIDOf(payload any) string {
	switch p := payload.(type) {
	case bus.AgentChanged:
		return p.AgentID
	case bus.TaskChanged:
		return p.AgentID
	case bus.GoalChanged:
		return p.AgentID
	case bus.SessionCreated:
		return p.AgentID
	case bus.SessionStatusChanged:
		return p.AgentID
	case bus.SessionEnded:
		return p.AgentID
	case bus.PermissionRequested:
		return p.AgentID
	case bus.QuestionRaised:
		return p.AgentID
	case bus.TriggerFired:
		return p.AgentID
	case bus.PreferenceChanged:
		return p.AgentID
	case bus.OracleFailed:
		return p.AgentID
	default:
		return ""
	}
}

func summarize(payload any) string {
	switch p := payload.(type) {
	case bus.AgentChanged:
		return fmt.Sprintf("%s %s", p.Name, p.State)
	case bus.TaskChanged:
		return fmt.Sprintf("task %s %s", p.TaskID, p.Status)
	case bus.GoalChanged:
		return fmt.Sprintf("goal %s %s", p.GoalID, p.Status)
	case bus.SessionEnded:
		return fmt.Sprintf("session %s %s", p.SessionID, p.Status)
	case bus.QuestionRaised:
		return p.Question
	case bus.OracleFailed:
		return fmt.Sprintf("%s: %s", p.Op, p.Err)
	default:
		return ""
	}
}
