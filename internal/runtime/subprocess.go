package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"workfarm/internal/logging"
)

// CLIRuntime spawns a tool-equipped assistant CLI per session. The
// prompt is always passed after a "--" terminator so it is never
// interpreted as a flag.
type CLIRuntime struct {
	mu      sync.Mutex
	command string
	procs   map[string]*exec.Cmd
	gens    map[string]int
}

// NewCLIRuntime creates a runtime driving the given worker binary.
func NewCLIRuntime(command string) *CLIRuntime {
	return &CLIRuntime{
		command: command,
		procs:   make(map[string]*exec.Cmd),
		gens:    make(map[string]int),
	}
}

// buildArgs assembles the CLI invocation for a spec.
func buildArgs(spec SpawnSpec) []string {
	args := []string{
		"--print", "--verbose",
		"--output-format", "stream-json",
		"--include-partial-messages",
	}
	if spec.Resume {
		args = append(args, "--resume", spec.SessionID)
	} else {
		args = append(args, "--session-id", spec.SessionID)
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}
	if len(spec.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(spec.AllowedTools, ","))
	}
	if spec.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(spec.MaxTurns))
	}
	for _, dir := range spec.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}
	args = append(args, "--", spec.Prompt)
	return args
}

// Start spawns a worker process for the spec. Any previous process for
// the same session is killed and its generation retired: readers still
// draining the old stdout observe the stale generation and bail, so
// superseded output is never delivered.
func (r *CLIRuntime) Start(ctx context.Context, spec SpawnSpec, emit EmitFunc) error {
	r.mu.Lock()
	if prev, ok := r.procs[spec.SessionID]; ok && prev.Process != nil {
		_ = prev.Process.Kill()
		delete(r.procs, spec.SessionID)
	}
	r.gens[spec.SessionID]++
	gen := r.gens[spec.SessionID]
	r.mu.Unlock()

	cmd := exec.CommandContext(ctx, r.command, buildArgs(spec)...)
	cmd.Dir = spec.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn worker %s: %w", r.command, err)
	}

	r.mu.Lock()
	r.procs[spec.SessionID] = cmd
	r.mu.Unlock()

	logging.Runtime("spawned worker: session=%s gen=%d resume=%v pid=%d",
		spec.SessionID, gen, spec.Resume, cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go r.readStdout(spec.SessionID, gen, stdout, emit, &readers)
	go r.readStderr(spec.SessionID, gen, stderr, emit, &readers)
	go r.waitForExit(spec.SessionID, gen, cmd, emit, &readers)

	return nil
}

// readStdout parses one JSON event per line. A final line without a
// trailing newline is still returned by the scanner, which satisfies
// the flush-on-close requirement.
func (r *CLIRuntime) readStdout(sessionID string, gen int, stdout io.Reader, emit EmitFunc, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if r.generation(sessionID) != gen {
			logging.RuntimeDebug("dropping stdout from superseded process: session=%s gen=%d", sessionID, gen)
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			event = map[string]any{"type": "system", "content": line}
		}
		emit(StreamEvent{SessionID: sessionID, Event: event})
	}
	if err := scanner.Err(); err != nil && r.generation(sessionID) == gen {
		logging.Get(logging.CategoryRuntime).Warn("stdout read error: session=%s: %v", sessionID, err)
	}
}

// readStderr surfaces stderr chunks as synthetic system events.
func (r *CLIRuntime) readStderr(sessionID string, gen int, stderr io.Reader, emit EmitFunc, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if r.generation(sessionID) != gen {
			return
		}
		chunk := scanner.Text()
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		emit(StreamEvent{SessionID: sessionID, Event: map[string]any{
			"type":    "system",
			"subtype": "stderr",
			"content": chunk,
		}})
	}
}

// waitForExit reaps the process and emits the terminal result event,
// unless a newer generation has superseded this one.
func (r *CLIRuntime) waitForExit(sessionID string, gen int, cmd *exec.Cmd, emit EmitFunc, readers *sync.WaitGroup) {
	readers.Wait()

	exitCode := 0
	subtype := "close"
	if err := cmd.Wait(); err != nil {
		subtype = "error"
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	r.mu.Lock()
	if r.gens[sessionID] == gen {
		delete(r.procs, sessionID)
	}
	current := r.gens[sessionID]
	r.mu.Unlock()

	if current != gen {
		logging.RuntimeDebug("suppressing terminal event from superseded process: session=%s gen=%d", sessionID, gen)
		return
	}

	logging.Runtime("worker exited: session=%s gen=%d code=%d", sessionID, gen, exitCode)
	emit(StreamEvent{SessionID: sessionID, Event: map[string]any{
		"type":      "result",
		"subtype":   subtype,
		"exit_code": float64(exitCode),
	}})
}

// generation returns the current spawn generation for a session.
func (r *CLIRuntime) generation(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[sessionID]
}

// Kill terminates the current process for a session. The terminal
// close event then flows through the normal stream path.
func (r *CLIRuntime) Kill(sessionID string) error {
	r.mu.Lock()
	cmd, ok := r.procs[sessionID]
	r.mu.Unlock()

	if !ok || cmd.Process == nil {
		return nil
	}
	logging.Runtime("killing worker: session=%s pid=%d", sessionID, cmd.Process.Pid)
	return cmd.Process.Kill()
}
