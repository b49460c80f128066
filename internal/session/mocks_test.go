package session

import (
	"context"
	"sync"

	"workfarm/internal/runtime"
)

// fakeRuntime records spawn specs and hands the emit callback back to
// the test so it can replay worker event streams.
type fakeRuntime struct {
	mu     sync.Mutex
	specs  []runtime.SpawnSpec
	emits  map[string]runtime.EmitFunc
	killed []string

	startErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{emits: make(map[string]runtime.EmitFunc)}
}

func (f *fakeRuntime) Start(_ context.Context, spec runtime.SpawnSpec, emit runtime.EmitFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.specs = append(f.specs, spec)
	f.emits[spec.SessionID] = emit
	return nil
}

func (f *fakeRuntime) Kill(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionID)
	return nil
}

func (f *fakeRuntime) emit(sessionID string, event map[string]any) {
	f.mu.Lock()
	emit := f.emits[sessionID]
	f.mu.Unlock()
	if emit != nil {
		emit(runtime.StreamEvent{SessionID: sessionID, Event: event})
	}
}

func (f *fakeRuntime) lastSpec() runtime.SpawnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}
