// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bharat2288/wa-claude-bridge/agent"
	"github.com/bharat2288/wa-claude-bridge/lib/clock"
	"github.com/bharat2288/wa-claude-bridge/notify"
	"github.com/bharat2288/wa-claude-bridge/project"
	"github.com/bharat2288/wa-claude-bridge/session"
)

// Validation errors returned to the router as plain values. Each maps
// to exactly one explanatory user message.
var (
	// ErrNoActiveSession means unqualified input arrived with no
	// active project to route it to.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionBusy means the active session already has a query in
	// flight. Input is rejected, not queued, so the user gets
	// immediate feedback instead of silent delay.
	ErrSessionBusy = errors.New("session busy")

	// ErrUnknownSession means the named project has no open session.
	ErrUnknownSession = errors.New("no session for project")
)

// Config holds the dependencies for a Registry.
type Config struct {
	// Catalog resolves and enumerates projects.
	Catalog *project.Catalog

	// Querier is the backend shared by all sessions.
	Querier agent.Querier

	// Notifier is the single outbound channel. There is no
	// per-project output addressing: one inbound identity, one
	// recipient.
	Notifier notify.Notifier

	// Clock drives debounce and watchdog timers.
	Clock clock.Clock

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// AllowedTools are pre-authorized for all sessions.
	AllowedTools []string

	// Debounce is the session text-coalescing window.
	Debounce time.Duration

	// ApprovalTimeout bounds how long an approval gate may stay
	// unresolved before it is auto-denied. Zero disables the
	// watchdog.
	ApprovalTimeout time.Duration

	// QueryTimeout bounds a query's wall-clock runtime before it is
	// aborted. Zero disables the watchdog.
	QueryTimeout time.Duration

	// TranscriptDir enables per-query JSONL transcripts when set.
	TranscriptDir string
}

// Registry owns all project sessions and the single-active-project
// addressing model. All operations are safe for concurrent use.
type Registry struct {
	catalog         *project.Catalog
	querier         agent.Querier
	notifier        notify.Notifier
	clock           clock.Clock
	logger          *slog.Logger
	allowedTools    []string
	debounce        time.Duration
	approvalTimeout time.Duration
	queryTimeout    time.Duration
	transcriptDir   string

	mu       sync.Mutex
	sessions map[string]*entry
	order    []string
	active   string
}

// entry pairs a session with its owned event subscription and
// watchdog state.
type entry struct {
	session      *session.Session
	subscription *session.Subscription

	// relaying marks the window between accepting a relay and the
	// session turning RUNNING, closing the race where two relays both
	// observe an idle session.
	relaying bool

	// approvalTimer auto-denies an approval left unresolved past the
	// bound. Guarded by Registry.mu.
	approvalTimer *clock.Timer
}

// New creates an empty registry.
func New(config Config) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		catalog:         config.Catalog,
		querier:         config.Querier,
		notifier:        config.Notifier,
		clock:           config.Clock,
		logger:          logger,
		allowedTools:    config.AllowedTools,
		debounce:        config.Debounce,
		approvalTimeout: config.ApprovalTimeout,
		queryTimeout:    config.QueryTimeout,
		transcriptDir:   config.TranscriptDir,
		sessions:        make(map[string]*entry),
	}
}

// Open activates the session for id, creating it on first open. An
// open of an existing session is a pure activation: no new session or
// backend connection is created. Returns the user-facing outcome
// message.
func (r *Registry) Open(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		r.active = id
		activity := existing.session.Activity()
		r.mu.Unlock()
		return fmt.Sprintf("Switched to *%s* (%s).", id, activity), nil
	}
	r.mu.Unlock()

	resolved, err := r.catalog.Resolve(id)
	if err != nil {
		return "", err
	}

	sess := session.New(session.Config{
		Project:          resolved.ID,
		WorkingDirectory: resolved.Path,
		Querier:          r.querier,
		Clock:            r.clock,
		Logger:           r.logger,
		AllowedTools:     r.allowedTools,
		Debounce:         r.debounce,
		TranscriptDir:    r.transcriptDir,
	})
	subscription := sess.Subscribe(r.handleEvent)

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		// Lost a race with a concurrent open; keep the first session.
		r.active = id
		activity := existing.session.Activity()
		r.mu.Unlock()
		subscription.Cancel()
		return fmt.Sprintf("Switched to *%s* (%s).", id, activity), nil
	}
	r.sessions[id] = &entry{session: sess, subscription: subscription}
	r.order = append(r.order, id)
	r.active = id
	r.mu.Unlock()

	r.logger.Info("session opened", "project", id, "directory", resolved.Path)
	return fmt.Sprintf("Opened *%s* — ready.", id), nil
}

// Relay routes free-form input to the active session. On acceptance it
// sends an immediate acknowledgment (backend cold-start takes seconds)
// and runs the query asynchronously; the response arrives through the
// session's events, so Relay itself returns no payload.
func (r *Registry) Relay(ctx context.Context, text string) error {
	r.mu.Lock()
	if r.active == "" {
		r.mu.Unlock()
		return ErrNoActiveSession
	}
	active := r.sessions[r.active]
	sess := active.session
	if active.relaying || sess.Activity() == session.ActivityRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionBusy, sess.Project())
	}
	active.relaying = true
	r.mu.Unlock()

	r.notifyText(ctx, "Working on it…")

	go func() {
		defer func() {
			r.mu.Lock()
			active.relaying = false
			r.mu.Unlock()
		}()

		var watchdog *clock.Timer
		if r.queryTimeout > 0 {
			watchdog = r.clock.AfterFunc(r.queryTimeout, func() {
				if sess.Interrupt() {
					r.notifyText(context.Background(), "Query exceeded the time limit and was interrupted.")
				}
			})
			defer watchdog.Stop()
		}

		// Detached from the inbound request context: the webhook
		// handler returns long before the query finishes.
		if err := sess.Send(context.Background(), text); err != nil {
			r.logger.Warn("query ended with error", "project", sess.Project(), "error", err)
		}
	}()
	return nil
}

// Approve resolves the active session's pending approval gate.
// Returns whether anything was actually pending.
func (r *Registry) Approve(approved bool) (bool, error) {
	r.mu.Lock()
	if r.active == "" {
		r.mu.Unlock()
		return false, ErrNoActiveSession
	}
	sess := r.sessions[r.active].session
	r.mu.Unlock()

	return sess.ResolveApproval(approved), nil
}

// Cancel interrupts the active session's in-flight query. Returns the
// user-facing outcome message.
func (r *Registry) Cancel() (string, error) {
	r.mu.Lock()
	if r.active == "" {
		r.mu.Unlock()
		return "", ErrNoActiveSession
	}
	sess := r.sessions[r.active].session
	r.mu.Unlock()

	if !sess.Interrupt() {
		return "Nothing to cancel — session is idle.", nil
	}
	return "Cancelling…", nil
}

// Kill terminates the session for id: interrupts any in-flight query,
// releases the event subscription, and removes the session. Killing
// the active project clears the active pointer.
func (r *Registry) Kill(id string) error {
	r.mu.Lock()
	target, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	delete(r.sessions, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.active == id {
		r.active = ""
	}
	if target.approvalTimer != nil {
		target.approvalTimer.Stop()
	}
	r.mu.Unlock()

	// Detach wiring before interrupting so the teardown is silent —
	// the user asked for the kill and gets its confirmation instead
	// of a stray "interrupted" notification.
	target.subscription.Cancel()
	target.session.Interrupt()
	r.logger.Info("session killed", "project", id)
	return nil
}

// Restart kills and reopens a session. With an empty id it targets the
// active project. Conversation continuity is lost: the resumption
// token lives on the destroyed session.
func (r *Registry) Restart(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	target := id
	if target == "" {
		target = r.active
	}
	_, exists := r.sessions[target]
	r.mu.Unlock()

	if target == "" {
		return "", ErrNoActiveSession
	}
	if !exists {
		return "", fmt.Errorf("%w: %q", ErrUnknownSession, target)
	}

	if err := r.Kill(target); err != nil {
		return "", err
	}
	if _, err := r.Open(ctx, target); err != nil {
		return "", err
	}
	return fmt.Sprintf("Restarted *%s* — fresh session.", target), nil
}

// SessionInfo describes one open session for listings and health.
type SessionInfo struct {
	Project     string           `json:"project"`
	Activity    session.Activity `json:"activity"`
	ResumeToken string           `json:"resume_token,omitempty"`
	Active      bool             `json:"active"`
}

// Sessions returns all open sessions in insertion order.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(r.order))
	for _, id := range r.order {
		target := r.sessions[id]
		infos = append(infos, SessionInfo{
			Project:     id,
			Activity:    target.session.Activity(),
			ResumeToken: target.session.ResumeToken(),
			Active:      id == r.active,
		})
	}
	return infos
}

// List renders the open sessions as a user-facing message, in
// insertion order, with the active project marked.
func (r *Registry) List() string {
	infos := r.Sessions()
	if len(infos) == 0 {
		return "No sessions open. Use /open <project> to start one."
	}

	var out strings.Builder
	out.WriteString("Sessions:\n")
	for _, info := range infos {
		marker := "  "
		if info.Active {
			marker = "→ "
		}
		line := fmt.Sprintf("%s%s [%s]", marker, info.Project, info.Activity)
		if info.ResumeToken != "" {
			line += " resume " + truncateToken(info.ResumeToken)
		}
		out.WriteString(line + "\n")
	}
	return strings.TrimRight(out.String(), "\n")
}

// FullResponse returns the active session's untruncated most-recent
// response. ok is false when nothing has been produced yet.
func (r *Registry) FullResponse() (text string, ok bool, err error) {
	r.mu.Lock()
	if r.active == "" {
		r.mu.Unlock()
		return "", false, ErrNoActiveSession
	}
	sess := r.sessions[r.active].session
	r.mu.Unlock()

	text, ok = sess.FullResponse()
	return text, ok, nil
}

// ActiveProject returns the active project id, empty if none.
func (r *Registry) ActiveProject() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Shutdown interrupts every in-flight query. Called at process
// shutdown so backends exit cleanly.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	targets := make([]*entry, 0, len(r.sessions))
	for _, target := range r.sessions {
		targets = append(targets, target)
	}
	r.mu.Unlock()

	for _, target := range targets {
		target.session.Interrupt()
	}
}

// truncateToken shortens a resumption token to a preview.
func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}
