// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify is the outbound boundary to the messaging channel. It
// defines the Notifier contract the orchestration core dispatches
// through, the channel's declared content bounds, and the production
// WhatsApp Cloud API implementation.
package notify

import (
	"context"
	"sync"
)

// Choice is one tap target in an interactive notification. ID is an
// opaque identifier echoed back verbatim when the user selects it.
type Choice struct {
	ID          string
	Title       string
	Description string
}

// Limits declares the channel's bounded content sizes. The core
// truncates or paginates to fit these when constructing notifications;
// the collaborator never has to reject overflow.
type Limits struct {
	// TextLength is the maximum characters per plain-text message.
	TextLength int

	// ConfirmChoices is the maximum choices for SendConfirm.
	ConfirmChoices int

	// ListChoices is the maximum choices for SendChoices.
	ListChoices int

	// TitleLength is the maximum characters per choice title.
	TitleLength int
}

// Notifier delivers notifications to the single conversation peer.
type Notifier interface {
	// Limits returns the channel's declared content bounds.
	Limits() Limits

	// SendText delivers a plain-text notification.
	SendText(ctx context.Context, text string) error

	// SendConfirm asks a yes/no style question with at most
	// Limits().ConfirmChoices tap targets.
	SendConfirm(ctx context.Context, prompt string, choices []Choice) error

	// SendChoices offers a bounded set of choices as a selectable
	// list.
	SendChoices(ctx context.Context, prompt string, choices []Choice) error
}

// Recipient is the process-wide single-slot conversation peer,
// learned from the first inbound message and reused for every reply.
// Outbound operations check the slot and fail soft while it is empty.
type Recipient struct {
	mu sync.Mutex
	id string
}

// Learn records the peer identity. Only the first call sets the slot;
// later calls are ignored so a second sender cannot hijack replies.
func (r *Recipient) Learn(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == "" {
		r.id = id
	}
}

// Get returns the learned peer identity, ok false while unknown.
func (r *Recipient) Get() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id, r.id != ""
}
