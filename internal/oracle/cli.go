package oracle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"workfarm/internal/logging"
)

// CLIOracle runs the assistant CLI in print-once-and-exit mode with an
// empty tool allow-list. Stdin is unused; stdout is a stream-json
// event sequence parsed line by line.
type CLIOracle struct {
	command string
	model   string
	timeout time.Duration
	workDir string
}

// NewCLIOracle creates an oracle over the given binary. workDir may be
// any writable location; no filesystem effects are expected.
func NewCLIOracle(command, model, workDir string, timeout time.Duration) *CLIOracle {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &CLIOracle{command: command, model: model, timeout: timeout, workDir: workDir}
}

// Complete sends a prompt and returns the accumulated assistant text.
func (o *CLIOracle) Complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	args := []string{
		"--print", "--verbose",
		"--output-format", "stream-json",
		"--allowedTools", "",
		"--max-turns", "1",
	}
	if o.model != "" {
		args = append(args, "--model", o.model)
	}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	args = append(args, "--", prompt)

	cmd := exec.CommandContext(ctx, o.command, args...)
	cmd.Dir = o.workDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open oracle stdout: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to spawn oracle %s: %w", o.command, err)
	}

	assistant, resultText := accumulate(stdout)

	waitErr := cmd.Wait()
	logging.Oracle("completion finished in %v (assistant=%dB result=%dB err=%v)",
		time.Since(started), len(assistant), len(resultText), waitErr)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("oracle timed out after %v", o.timeout)
	}

	content := strings.TrimSpace(assistant)
	if content == "" {
		// The terminal result event is the fallback carrier when no
		// assistant text streamed.
		content = strings.TrimSpace(resultText)
	}
	if content == "" {
		if waitErr != nil {
			return "", fmt.Errorf("oracle failed: %w (stderr: %s)", waitErr, truncate(stderr.String(), 500))
		}
		return "", errors.New("oracle returned no content")
	}
	return content, nil
}

// accumulate drains the stream, collecting assistant text blocks and
// the terminal result text. Malformed lines are ignored.
func accumulate(stdout io.Reader) (assistant, resultText string) {
	var sb strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}

		switch event["type"] {
		case "assistant":
			sb.WriteString(assistantText(event))
		case "result":
			if text, ok := event["result"].(string); ok {
				resultText = text
			}
		}
	}
	return sb.String(), resultText
}

// assistantText extracts the text payload of an assistant event. The
// message content is either a plain string or a list of typed blocks.
func assistantText(event map[string]any) string {
	message, ok := event["message"].(map[string]any)
	if !ok {
		return ""
	}

	switch content := message["content"].(type) {
	case string:
		return content
	case []any:
		var sb strings.Builder
		for _, raw := range content {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if block["type"] == "text" {
				if text, ok := block["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
