// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// interruptGrace is how long a cancelled query gets to exit after
// SIGINT before the process is killed outright.
const interruptGrace = 10 * time.Second

// ClaudeClient runs queries by spawning the Claude Code CLI in print
// mode with stream-json input and output. Tool permission requests
// arrive as control_request lines on stdout and are answered with
// control_response lines on stdin.
type ClaudeClient struct {
	// Binary is the CLI executable. Defaults to "claude" (resolved via
	// PATH) when empty.
	Binary string

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

func (c *ClaudeClient) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Query spawns the CLI and starts consuming its stream. The returned
// Run's event channel is closed when the process's stdout reaches EOF.
func (c *ClaudeClient) Query(ctx context.Context, request Request) (Run, error) {
	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}

	arguments := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--permission-prompt-tool", "stdio",
	}
	if request.ResumeToken != "" {
		arguments = append(arguments, "--resume", request.ResumeToken)
	}

	command := exec.Command(binary, arguments...)
	command.Dir = request.WorkingDirectory
	command.Env = os.Environ()

	var stderr bytes.Buffer
	command.Stderr = &stderr

	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := command.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	run := &claudeRun{
		command: command,
		stdin:   stdin,
		stderr:  &stderr,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}

	if err := run.writeLine(userMessage(request.Prompt)); err != nil {
		command.Process.Kill()
		command.Wait()
		return nil, fmt.Errorf("writing prompt: %w", err)
	}

	// Cooperative abort: SIGINT lets the CLI finish its current step
	// and emit a result; SIGKILL only if it lingers.
	go func() {
		select {
		case <-ctx.Done():
			command.Process.Signal(syscall.SIGINT)
			select {
			case <-run.done:
			case <-time.After(interruptGrace):
				command.Process.Kill()
			}
		case <-run.done:
		}
	}()

	go run.consume(ctx, stdout, request.Permission, c.logger())

	return run, nil
}

// claudeRun is one CLI invocation.
type claudeRun struct {
	command *exec.Cmd
	stderr  *bytes.Buffer
	events  chan Event
	done    chan struct{}

	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	waitErr error
}

func (run *claudeRun) Events() <-chan Event { return run.events }

func (run *claudeRun) Wait() error {
	<-run.done
	return run.waitErr
}

// writeLine serializes v as one JSON line on the CLI's stdin.
func (run *claudeRun) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	run.stdinMu.Lock()
	defer run.stdinMu.Unlock()
	if run.stdinClosed {
		return fmt.Errorf("stdin already closed")
	}
	_, err = run.stdin.Write(data)
	return err
}

// closeStdin signals end of input to the CLI, letting print mode exit.
// Idempotent.
func (run *claudeRun) closeStdin() {
	run.stdinMu.Lock()
	defer run.stdinMu.Unlock()
	if !run.stdinClosed {
		run.stdinClosed = true
		run.stdin.Close()
	}
}

// consume reads the CLI's stream-json stdout to EOF, emits events, and
// answers permission control requests inline. Answering inline is
// deliberate: the CLI does not progress past an unanswered
// can_use_tool request, so suspending the read loop loses nothing and
// preserves event ordering.
func (run *claudeRun) consume(ctx context.Context, stdout io.Reader, permission PermissionFunc, logger *slog.Logger) {
	scanner := bufio.NewScanner(stdout)
	// The CLI can produce long lines (tool results with large file
	// contents).
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	resultSeen := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			logger.Debug("skipping malformed stream line", "length", len(line))
			continue
		}

		switch envelope.Type {
		case "assistant":
			run.emitAssistant(line)

		case "result":
			run.emitResult(line)
			resultSeen = true
			// The turn is over; closing stdin lets print mode exit.
			run.closeStdin()

		case "control_request":
			run.answerControlRequest(ctx, line, permission, logger)

		default:
			// system/init, user echoes of tool results, and anything
			// the CLI adds later carry nothing the session needs.
		}
	}

	scanErr := scanner.Err()
	run.closeStdin()
	waitErr := run.command.Wait()

	switch {
	case scanErr != nil:
		run.waitErr = fmt.Errorf("reading stream: %w", scanErr)
	case waitErr != nil && !resultSeen:
		run.waitErr = fmt.Errorf("claude exited: %w%s", waitErr, stderrTail(run.stderr))
	default:
		// A nonzero exit after a result event is already described by
		// the result's is_error field; don't report it twice.
	}

	close(run.events)
	close(run.done)
}

// emitAssistant extracts text and tool_use blocks from an assistant
// message event.
func (run *claudeRun) emitAssistant(line []byte) {
	var message struct {
		Message struct {
			Content []struct {
				Type  string          `json:"type"`
				Text  string          `json:"text"`
				ID    string          `json:"id"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &message); err != nil {
		return
	}

	now := time.Now()
	for _, block := range message.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				run.events <- Event{Timestamp: now, Type: EventText, Text: block.Text}
			}
		case "tool_use":
			run.events <- Event{
				Timestamp: now,
				Type:      EventToolUse,
				ToolUse: &ToolUse{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				},
			}
		}
	}
}

// emitResult converts the CLI's terminal result event.
func (run *claudeRun) emitResult(line []byte) {
	var result struct {
		SessionID  string  `json:"session_id"`
		NumTurns   int64   `json:"num_turns"`
		CostUSD    float64 `json:"total_cost_usd"`
		DurationMS float64 `json:"duration_ms"`
		IsError    bool    `json:"is_error"`
		Result     string  `json:"result"`
	}
	json.Unmarshal(line, &result)

	event := Event{
		Timestamp: time.Now(),
		Type:      EventResult,
		Result: &Result{
			SessionID:       result.SessionID,
			TurnCount:       result.NumTurns,
			CostUSD:         result.CostUSD,
			DurationSeconds: result.DurationMS / 1000.0,
			IsError:         result.IsError,
		},
	}
	if result.IsError {
		event.Result.ErrorMessage = result.Result
	}
	run.events <- event
}

// answerControlRequest handles a can_use_tool round trip. Unknown
// control subtypes are answered with an error response so the CLI
// never hangs waiting on us.
func (run *claudeRun) answerControlRequest(ctx context.Context, line []byte, permission PermissionFunc, logger *slog.Logger) {
	var control struct {
		RequestID string `json:"request_id"`
		Request   struct {
			Subtype  string          `json:"subtype"`
			ToolName string          `json:"tool_name"`
			Input    json.RawMessage `json:"input"`
		} `json:"request"`
	}
	if err := json.Unmarshal(line, &control); err != nil {
		logger.Warn("malformed control request", "error", err)
		return
	}

	if control.Request.Subtype != "can_use_tool" {
		run.writeLine(controlError(control.RequestID, fmt.Sprintf("unsupported control subtype %q", control.Request.Subtype)))
		return
	}

	if permission == nil {
		run.writeLine(controlDeny(control.RequestID, "no permission handler configured"))
		return
	}

	decision := permission(ctx, PermissionRequest{
		Tool:  control.Request.ToolName,
		Input: control.Request.Input,
	})

	if decision.Allow {
		// Pass the original input through unmodified.
		run.writeLine(controlAllow(control.RequestID, control.Request.Input))
		return
	}
	run.writeLine(controlDeny(control.RequestID, decision.Reason))
}

// userMessage builds the stream-json stdin line carrying the prompt.
func userMessage(prompt string) any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
}

func controlAllow(requestID string, input json.RawMessage) any {
	response := map[string]any{"behavior": "allow"}
	if len(input) > 0 {
		response["updatedInput"] = input
	}
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   response,
		},
	}
}

func controlDeny(requestID, reason string) any {
	if reason == "" {
		reason = "denied"
	}
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response": map[string]any{
				"behavior": "deny",
				"message":  reason,
			},
		},
	}
}

func controlError(requestID, message string) any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      message,
		},
	}
}

// stderrTail returns up to the last 2KB of captured stderr, formatted
// for inclusion in an error message. Empty when nothing was written.
func stderrTail(buffer *bytes.Buffer) string {
	text := bytes.TrimSpace(buffer.Bytes())
	if len(text) == 0 {
		return ""
	}
	if len(text) > 2048 {
		text = text[len(text)-2048:]
	}
	return fmt.Sprintf(" (stderr: %s)", text)
}
