// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"time"
)

// Querier is the abstraction boundary between session orchestration and
// the conversational backend. The production implementation spawns the
// Claude Code CLI; tests substitute a scripted fake.
type Querier interface {
	// Query starts one conversational turn. The returned Run's event
	// channel delivers the backend's stream; cancelling ctx aborts the
	// query cooperatively (the backend finishes its current step and
	// exits). The Permission callback in the request is invoked once
	// per tool-use request and the stream does not progress until it
	// returns.
	Query(ctx context.Context, request Request) (Run, error)
}

// Request describes one query against the backend.
type Request struct {
	// Prompt is the user input for this turn.
	Prompt string

	// WorkingDirectory is where the backend process runs. The backend
	// reads and edits files relative to this directory.
	WorkingDirectory string

	// ResumeToken is the opaque conversation identifier issued by a
	// prior query's Result. Empty starts a fresh conversation. Never
	// synthesized by the caller — only echoed back.
	ResumeToken string

	// Permission authorizes tool use. Required: a backend that wants
	// to invoke a tool blocks until this returns.
	Permission PermissionFunc
}

// Run is one in-flight query.
type Run interface {
	// Events delivers the stream. The channel is closed when the
	// stream ends, normally or not.
	Events() <-chan Event

	// Wait blocks until the backend has fully stopped and returns its
	// terminal error, nil on clean completion. Call after Events is
	// drained.
	Wait() error
}

// PermissionRequest describes a tool invocation awaiting authorization.
type PermissionRequest struct {
	// Tool is the tool name (e.g. "Bash", "Edit").
	Tool string

	// Input is the tool's structured input, preserved as raw JSON.
	Input json.RawMessage
}

// PermissionDecision is the outcome of a permission request.
type PermissionDecision struct {
	// Allow releases the backend to run the tool with its original
	// input.
	Allow bool

	// Reason explains a denial to the backend. The backend treats a
	// denial as the tool failing, not as a fatal condition — it may
	// continue with remaining work.
	Reason string
}

// PermissionFunc authorizes one tool invocation. ctx is cancelled when
// the query is aborted; implementations blocked on a human decision
// must honor it.
type PermissionFunc func(ctx context.Context, request PermissionRequest) PermissionDecision

// EventType classifies stream events.
type EventType string

const (
	// EventText is an assistant text block.
	EventText EventType = "text"

	// EventToolUse is a tool invocation notice.
	EventToolUse EventType = "tool_use"

	// EventResult is the terminal completion event with conversation
	// metadata. At most one per query, last on the stream.
	EventResult EventType = "result"
)

// Event is one entry in a query's stream. Events are also what the
// session transcript log records, serialized as JSONL.
type Event struct {
	// Timestamp is when the event was read from the backend.
	Timestamp time.Time `json:"timestamp"`

	// Type classifies the event.
	Type EventType `json:"type"`

	// Text is set for EventText.
	Text string `json:"text,omitempty"`

	// ToolUse is set for EventToolUse.
	ToolUse *ToolUse `json:"tool_use,omitempty"`

	// Result is set for EventResult.
	Result *Result `json:"result,omitempty"`
}

// ToolUse records a tool invocation by the backend.
type ToolUse struct {
	// ID is the backend's tool-use identifier.
	ID string `json:"id,omitempty"`

	// Name is the tool name.
	Name string `json:"name"`

	// Input is the tool input, preserved as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`
}

// Result is the terminal metadata for a completed query.
type Result struct {
	// SessionID is the backend's conversation identifier. Supplying it
	// as ResumeToken on a later query continues this conversation.
	SessionID string `json:"session_id,omitempty"`

	// TurnCount is the number of backend turns (API round-trips).
	TurnCount int64 `json:"turn_count,omitempty"`

	// CostUSD is the total cost of the query in USD.
	CostUSD float64 `json:"cost_usd,omitempty"`

	// DurationSeconds is the query wall-clock duration.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// IsError indicates the backend reported the query as failed.
	IsError bool `json:"is_error,omitempty"`

	// ErrorMessage carries the backend's failure description when
	// IsError is set.
	ErrorMessage string `json:"error_message,omitempty"`
}
