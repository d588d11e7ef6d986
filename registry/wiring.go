// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"

	"github.com/bharat2288/wa-claude-bridge/notify"
	"github.com/bharat2288/wa-claude-bridge/session"
)

// handleEvent is the single subscriber for every session. It runs on
// the session's delivery path, so sends happen in event order.
func (r *Registry) handleEvent(event session.Event) {
	ctx := context.Background()
	switch event.Type {
	case session.EventTextChunk:
		rendered := notify.RenderWhatsApp(event.Text)
		for _, page := range notify.Paginate(rendered, r.notifier.Limits().TextLength) {
			r.notifyText(ctx, page)
		}

	case session.EventToolStatus:
		r.notifyText(ctx, "🔧 "+event.Text)

	case session.EventApprovalNeeded:
		r.armApprovalWatchdog(event.Project)
		err := r.notifier.SendConfirm(ctx, "Approval needed:\n"+event.Text, []notify.Choice{
			{ID: "approve", Title: "Approve"},
			{ID: "deny", Title: "Deny"},
		})
		if err != nil {
			r.logger.Warn("approval prompt delivery failed", "project", event.Project, "error", err)
		}

	case session.EventDone:
		r.stopApprovalWatchdog(event.Project)
		r.notifyText(ctx, fmt.Sprintf("✅ Done (%d turns, $%.4f).", event.TurnCount, event.CostUSD))

	case session.EventError:
		r.stopApprovalWatchdog(event.Project)
		r.notifyText(ctx, "⚠️ Error: "+event.Text)

	case session.EventInterrupted:
		r.stopApprovalWatchdog(event.Project)
		r.notifyText(ctx, "⏹ Interrupted.")
	}
}

// armApprovalWatchdog starts (or restarts) the auto-deny timer for a
// project's pending approval. A stale fire is harmless: the resolve
// reports false once the gate is gone.
func (r *Registry) armApprovalWatchdog(projectID string) {
	if r.approvalTimeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.sessions[projectID]
	if !ok {
		return
	}
	if target.approvalTimer != nil {
		target.approvalTimer.Stop()
	}
	sess := target.session
	target.approvalTimer = r.clock.AfterFunc(r.approvalTimeout, func() {
		if sess.ResolveApproval(false) {
			r.notifyText(context.Background(), "Approval window lapsed — denied.")
		}
	})
}

func (r *Registry) stopApprovalWatchdog(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target, ok := r.sessions[projectID]; ok && target.approvalTimer != nil {
		target.approvalTimer.Stop()
		target.approvalTimer = nil
	}
}

// notifyText delivers a text message, logging delivery failures
// instead of surfacing them: an undeliverable notification must not
// fail the session that produced it.
func (r *Registry) notifyText(ctx context.Context, text string) {
	if err := r.notifier.SendText(ctx, text); err != nil {
		r.logger.Warn("notification delivery failed", "error", err)
	}
}
