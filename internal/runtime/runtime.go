// Package runtime adapts the worker subprocess: spawn, stream, resume,
// and kill. Stdout is a line-delimited JSON event stream; every line
// becomes one event, with a synthetic system event for unparseable
// lines. Each spawn is tagged with a per-session generation so output
// from a superseded process is never delivered.
package runtime

import "context"

// StreamEvent is one raw event off a worker's stdout or stderr.
type StreamEvent struct {
	SessionID string
	Event     map[string]any
}

// EmitFunc receives stream events. Calls arrive from the reader
// goroutines; implementations must be safe for concurrent use.
type EmitFunc func(StreamEvent)

// SpawnSpec describes one worker invocation.
type SpawnSpec struct {
	SessionID    string
	Prompt       string
	WorkingDir   string
	SystemPrompt string
	AllowedTools []string
	MaxTurns     int

	// AdditionalDirs grants the worker access to extra roots.
	AdditionalDirs []string

	// Resume re-attaches to an existing session instead of creating
	// one. The previous subprocess for the session is killed first.
	Resume bool
}

// Runtime is the worker subprocess surface the SessionManager drives.
type Runtime interface {
	// Start spawns a worker for the spec, superseding any previous
	// process for the same session ID.
	Start(ctx context.Context, spec SpawnSpec, emit EmitFunc) error

	// Kill terminates the current process for a session, if any.
	Kill(sessionID string) error
}
