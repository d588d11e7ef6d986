// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package session

// EventType classifies session lifecycle and content events.
type EventType string

const (
	// EventTextChunk is a coalesced chunk of response text, flushed
	// when the debounce window closes or when a query terminates.
	EventTextChunk EventType = "text_chunk"

	// EventToolStatus is a short description of a tool invocation,
	// emitted synchronously as the backend reports it. These bypass
	// the debounce buffer: they are brief, infrequent, and their value
	// is progress indication during otherwise-silent work.
	EventToolStatus EventType = "tool_status"

	// EventApprovalNeeded announces a tool invocation awaiting a
	// human accept/reject decision.
	EventApprovalNeeded EventType = "approval_needed"

	// EventDone is the normal terminal event, carrying turn count and
	// cost metadata.
	EventDone EventType = "done"

	// EventError is the terminal event for a query that failed.
	EventError EventType = "error"

	// EventInterrupted is the terminal event for an aborted query.
	// Distinguished from EventError so consumers can render it
	// quietly.
	EventInterrupted EventType = "interrupted"
)

// Event is one session emission. Consumers subscribe once at session
// creation and receive events in emission order.
type Event struct {
	// Project identifies the emitting session.
	Project string

	// Type classifies the event.
	Type EventType

	// Text carries the chunk text (EventTextChunk), the tool
	// description (EventToolStatus, EventApprovalNeeded), or the error
	// message (EventError).
	Text string

	// TurnCount and CostUSD are set on EventDone.
	TurnCount int64
	CostUSD   float64
}

// Subscription is the owned handle for one subscriber. Cancel detaches
// the subscriber; it is idempotent and must be called exactly once at
// session teardown to avoid leaking the registration.
type Subscription struct {
	cancel func()
}

// Cancel detaches the subscriber.
func (s *Subscription) Cancel() { s.cancel() }
