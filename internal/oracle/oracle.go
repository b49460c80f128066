// Package oracle provides the request/response interface to a no-tool
// language model: string prompt in, string completion out. The CLI
// implementation spawns a single-shot worker subprocess with tools
// disabled and accumulates assistant text from its JSON event stream.
package oracle

import "context"

// Oracle produces completions. Calls are fallible, never panicking;
// an empty completion with a non-nil error means no progress was made.
type Oracle interface {
	Complete(ctx context.Context, systemPrompt, prompt string) (string, error)
}
