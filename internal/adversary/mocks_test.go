package adversary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"workfarm/internal/goal"
	"workfarm/internal/runtime"
	"workfarm/internal/types"
)

// scriptedOracle answers Complete calls by matching a substring of the
// prompt against registered rules, first match wins.
type scriptedOracle struct {
	mu    sync.Mutex
	rules []oracleRule
	calls []string
}

type oracleRule struct {
	match   string
	respond func(prompt string) (string, error)
}

func newScriptedOracle() *scriptedOracle {
	o := &scriptedOracle{}
	// Background preference extraction runs after replies and chats;
	// default to finding nothing so it never interferes.
	o.reply("Extract durable operator preferences", `{"preferences": []}`)
	return o
}

func (o *scriptedOracle) on(match string, respond func(prompt string) (string, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules = append(o.rules, oracleRule{match: match, respond: respond})
}

func (o *scriptedOracle) reply(match, response string) {
	o.on(match, func(string) (string, error) { return response, nil })
}

func (o *scriptedOracle) fail(match string, err error) {
	o.on(match, func(string) (string, error) { return "", err })
}

func (o *scriptedOracle) Complete(_ context.Context, _ string, prompt string) (string, error) {
	o.mu.Lock()
	o.calls = append(o.calls, prompt)
	rules := append([]oracleRule(nil), o.rules...)
	o.mu.Unlock()

	for _, r := range rules {
		if strings.Contains(prompt, r.match) {
			return r.respond(prompt)
		}
	}
	return "", fmt.Errorf("no scripted response for prompt: %s", truncate(prompt, 120))
}

func (o *scriptedOracle) promptsMatching(match string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, p := range o.calls {
		if strings.Contains(p, match) {
			out = append(out, p)
		}
	}
	return out
}

// fakeRuntime records spawn specs and lets the test play worker output
// back through the captured emit callbacks.
type fakeRuntime struct {
	mu    sync.Mutex
	specs []runtime.SpawnSpec
	emits map[string]runtime.EmitFunc
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{emits: make(map[string]runtime.EmitFunc)}
}

func (f *fakeRuntime) Start(_ context.Context, spec runtime.SpawnSpec, emit runtime.EmitFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.emits[spec.SessionID] = emit
	return nil
}

func (f *fakeRuntime) Kill(string) error { return nil }

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeRuntime) spec(i int) runtime.SpawnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[i]
}

func (f *fakeRuntime) emit(sessionID string, event map[string]any) {
	f.mu.Lock()
	emit := f.emits[sessionID]
	f.mu.Unlock()
	if emit != nil {
		emit(runtime.StreamEvent{SessionID: sessionID, Event: event})
	}
}

// complete plays one assistant message and a clean terminal.
func (f *fakeRuntime) complete(sessionID, text string) {
	f.emit(sessionID, map[string]any{
		"type":    "assistant",
		"message": map[string]any{"content": text},
	})
	f.emit(sessionID, map[string]any{"type": "result", "subtype": "close"})
}

type rootsProvider []string

func (r rootsProvider) WorkspaceRoots() []string { return r }

// fakeRegistrar records recurring trigger registrations. Like the real
// scheduler it creates the trigger through the goal manager, so
// duplicate-registration checks see it.
type fakeRegistrar struct {
	mu    sync.Mutex
	calls []registrarCall
	goals *goal.Manager
}

type registrarCall struct {
	agentID  string
	goalID   string
	interval time.Duration
}

func (r *fakeRegistrar) AddInterval(agentID, goalID string, interval time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, registrarCall{agentID: agentID, goalID: goalID, interval: interval})
	r.mu.Unlock()
	if r.goals != nil {
		if _, err := r.goals.AddTrigger(agentID, goalID, types.TriggerInterval, interval); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRegistrar) snapshot() []registrarCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registrarCall(nil), r.calls...)
}
