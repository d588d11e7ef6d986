// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bharat2288/wa-claude-bridge/agent"
	"github.com/bharat2288/wa-claude-bridge/lib/clock"
)

// Activity is the query lifecycle state of a session.
type Activity string

const (
	// ActivityIdle means no query is in flight. A session is idle at
	// creation and after every completion, error, or interrupt.
	ActivityIdle Activity = "idle"

	// ActivityRunning means exactly one query is in flight.
	ActivityRunning Activity = "running"
)

// Config holds the dependencies for a Session.
type Config struct {
	// Project is the stable identifier this session is scoped to.
	Project string

	// WorkingDirectory is the project's resolved working context.
	WorkingDirectory string

	// Querier is the backend the session runs queries against.
	Querier agent.Querier

	// Clock drives the debounce timer. Tests inject a fake.
	Clock clock.Clock

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// AllowedTools are approved without a human round trip. Tools not
	// listed here gate on an explicit approval.
	AllowedTools []string

	// Debounce is the quiet period after the last text arrival before
	// the buffered text is flushed as one chunk.
	Debounce time.Duration

	// TranscriptDir, when non-empty, enables per-query JSONL
	// transcripts. Transcript failures never block a query.
	TranscriptDir string
}

// Session owns one conversational backend session for one project. It
// runs at most one query at a time, batches streamed text behind a
// debounce timer, gates non-allow-listed tool use on a single
// outstanding human approval, and emits lifecycle events to its
// subscribers.
type Session struct {
	project          string
	workingDirectory string
	querier          agent.Querier
	clock            clock.Clock
	logger           *slog.Logger
	allowedTools     map[string]struct{}
	debounce         time.Duration
	transcriptDir    string

	// emitMu serializes event delivery so chunks are delivered in
	// flush order even when a debounce timer fires concurrently with
	// the query goroutine's terminal flush. Always acquired before mu.
	emitMu sync.Mutex

	mu               sync.Mutex
	activity         Activity
	generation       uint64
	resumeToken      string
	pending          *pendingApproval
	buffer           strings.Builder
	flushTimer       *clock.Timer
	fullResponse     strings.Builder
	cancelQuery      context.CancelFunc
	interrupted      bool
	subscribers      map[uint64]func(Event)
	nextSubscriberID uint64
}

// New creates an idle session.
func New(config Config) *Session {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(config.AllowedTools))
	for _, tool := range config.AllowedTools {
		allowed[tool] = struct{}{}
	}
	return &Session{
		project:          config.Project,
		workingDirectory: config.WorkingDirectory,
		querier:          config.Querier,
		clock:            config.Clock,
		logger:           logger.With("project", config.Project),
		allowedTools:     allowed,
		debounce:         config.Debounce,
		transcriptDir:    config.TranscriptDir,
		activity:         ActivityIdle,
		subscribers:      make(map[uint64]func(Event)),
	}
}

// Project returns the session's project identifier.
func (s *Session) Project() string { return s.project }

// WorkingDirectory returns the session's resolved working directory.
func (s *Session) WorkingDirectory() string { return s.workingDirectory }

// Activity reports whether a query is in flight.
func (s *Session) Activity() Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// ResumeToken returns the backend conversation identifier captured
// from the most recent completed query, empty if none was issued.
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// HasPendingApproval reports whether a tool approval is outstanding.
func (s *Session) HasPendingApproval() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// FullResponse returns the complete, unsummarized text of the current
// or most recent query. ok is false when nothing has been produced.
func (s *Session) FullResponse() (text string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text = s.fullResponse.String()
	return text, text != ""
}

// Subscribe registers a handler for the session's events. The returned
// Subscription must be cancelled exactly once when the session is torn
// down. Handlers run on the emitting goroutine and must not call back
// into the session.
func (s *Session) Subscribe(handler func(Event)) *Subscription {
	s.mu.Lock()
	id := s.nextSubscriberID
	s.nextSubscriberID++
	s.subscribers[id] = handler
	s.mu.Unlock()

	return &Subscription{cancel: sync.OnceFunc(func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	})}
}

// Send runs one query to completion. The caller must ensure the
// session is idle — admission policy (reject vs. queue) belongs to the
// registry, and Send reports a violated precondition as an error
// rather than enforcing a policy of its own.
//
// Send returns after the backend's stream is fully consumed or
// aborted; the response itself is delivered through events. The
// returned error mirrors the terminal error event for the caller's
// log.
func (s *Session) Send(ctx context.Context, prompt string) error {
	s.mu.Lock()
	if s.activity == ActivityRunning {
		s.mu.Unlock()
		return fmt.Errorf("session %s: query already running", s.project)
	}
	s.activity = ActivityRunning
	s.generation++
	generation := s.generation
	s.interrupted = false
	s.buffer.Reset()
	s.fullResponse.Reset()
	queryCtx, cancel := context.WithCancel(ctx)
	s.cancelQuery = cancel
	resumeToken := s.resumeToken
	s.mu.Unlock()
	defer cancel()

	transcript := s.openTranscript()
	if transcript != nil {
		defer transcript.Close()
	}

	run, err := s.querier.Query(queryCtx, agent.Request{
		Prompt:           prompt,
		WorkingDirectory: s.workingDirectory,
		ResumeToken:      resumeToken,
		Permission:       s.authorizeTool,
	})
	if err != nil {
		s.finish(queryCtx, nil, err)
		return err
	}

	var result *agent.Result
	for event := range run.Events() {
		if transcript != nil {
			if writeErr := transcript.Write(event); writeErr != nil {
				s.logger.Warn("transcript write failed", "error", writeErr)
				transcript.Close()
				transcript = nil
			}
		}
		switch event.Type {
		case agent.EventText:
			s.onText(generation, event.Text)
		case agent.EventToolUse:
			s.emit(Event{Type: EventToolStatus, Text: DescribeToolUse(event.ToolUse.Name, event.ToolUse.Input)})
		case agent.EventResult:
			result = event.Result
		}
	}

	err = run.Wait()
	s.finish(queryCtx, result, err)

	if transcript != nil {
		transcript.Close()
		events, toolCalls, turns, costUSD := transcript.Summary()
		s.logger.Info("transcript closed",
			"events", events,
			"tool_calls", toolCalls,
			"turns", turns,
			"cost_usd", costUSD)
	}
	return err
}

// Interrupt signals cancellation of the in-flight query and releases
// any awaiter blocked on the pending approval. Safe to call at any
// time; a no-op on an idle session. Returns true if a running query
// was signalled.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	if s.activity != ActivityRunning {
		s.mu.Unlock()
		return false
	}
	s.interrupted = true
	cancel := s.cancelQuery
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		pending.deliver(false)
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// ResolveApproval resolves the pending approval gate. Returns false if
// nothing was pending, so callers can distinguish "nothing to approve"
// from a real resolution.
func (s *Session) ResolveApproval(approved bool) bool {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending == nil {
		return false
	}
	return pending.deliver(approved)
}

// pendingApproval is the single-slot approval gate. The decision
// channel is buffered and single-shot: whichever of ResolveApproval,
// Interrupt, or query abort gets there first wins, and later
// deliveries are discarded.
type pendingApproval struct {
	description string
	decision    chan bool
	once        sync.Once
}

func (p *pendingApproval) deliver(approved bool) bool {
	delivered := false
	p.once.Do(func() {
		p.decision <- approved
		delivered = true
	})
	return delivered
}

// authorizeTool is the permission callback handed to the backend.
// Allow-listed tools pass without a round trip; everything else parks
// on the approval gate until a human resolves it or the query aborts.
func (s *Session) authorizeTool(ctx context.Context, request agent.PermissionRequest) agent.PermissionDecision {
	if _, ok := s.allowedTools[request.Tool]; ok {
		return agent.PermissionDecision{Allow: true}
	}

	description := DescribeToolUse(request.Tool, request.Input)

	s.mu.Lock()
	if s.pending != nil {
		// The backend contract is one permission request at a time.
		// Deny the second outright instead of silently replacing the
		// first gate and abandoning its awaiter.
		s.mu.Unlock()
		s.logger.Warn("second approval request while one is pending", "tool", request.Tool)
		return agent.PermissionDecision{
			Allow:  false,
			Reason: "another action is already awaiting approval",
		}
	}
	pending := &pendingApproval{
		description: description,
		decision:    make(chan bool, 1),
	}
	s.pending = pending
	s.mu.Unlock()

	s.emit(Event{Type: EventApprovalNeeded, Text: description})

	select {
	case approved := <-pending.decision:
		s.clearPending(pending)
		if approved {
			return agent.PermissionDecision{Allow: true}
		}
		return agent.PermissionDecision{Allow: false, Reason: "denied by user"}
	case <-ctx.Done():
		s.clearPending(pending)
		return agent.PermissionDecision{Allow: false, Reason: "session interrupted"}
	}
}

func (s *Session) clearPending(pending *pendingApproval) {
	s.mu.Lock()
	if s.pending == pending {
		s.pending = nil
	}
	s.mu.Unlock()
}

// onText accumulates a text arrival and rearms the debounce timer.
// The generation guard keeps a stale timer from a previous query from
// flushing into a new one.
func (s *Session) onText(generation uint64, text string) {
	s.mu.Lock()
	s.fullResponse.WriteString(text)
	s.buffer.WriteString(text)
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = s.clock.AfterFunc(s.debounce, func() {
		s.flushChunk(generation)
	})
	s.mu.Unlock()
}

// flushChunk delivers the buffered text as one chunk. Extraction and
// delivery happen under emitMu so concurrent flushes (timer vs.
// terminal) cannot reorder chunks.
func (s *Session) flushChunk(generation uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.generation != generation || s.buffer.Len() == 0 {
		s.mu.Unlock()
		return
	}
	text := s.buffer.String()
	s.buffer.Reset()
	s.flushTimer = nil
	handlers := s.handlersLocked()
	s.mu.Unlock()

	s.deliver(handlers, Event{Type: EventTextChunk, Text: text})
}

// finish settles the session back to idle: cancels the debounce timer,
// flushes the remaining buffer as a final chunk, captures the resume
// token, rejects any orphaned approval, and emits exactly one terminal
// event. Interruption is detected by signal state, not error identity,
// because an abort can race the stream's own terminal error.
func (s *Session) finish(queryCtx context.Context, result *agent.Result, runErr error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	remaining := s.buffer.String()
	s.buffer.Reset()
	if result != nil && result.SessionID != "" {
		s.resumeToken = result.SessionID
	}
	interrupted := s.interrupted || queryCtx.Err() != nil
	pending := s.pending
	s.pending = nil
	s.activity = ActivityIdle
	s.cancelQuery = nil
	handlers := s.handlersLocked()
	s.mu.Unlock()

	if pending != nil {
		pending.deliver(false)
	}

	if remaining != "" {
		s.deliver(handlers, Event{Type: EventTextChunk, Text: remaining})
	}

	switch {
	case interrupted:
		s.deliver(handlers, Event{Type: EventInterrupted})
	case runErr != nil:
		s.deliver(handlers, Event{Type: EventError, Text: runErr.Error()})
	case result != nil && result.IsError:
		message := result.ErrorMessage
		if message == "" {
			message = "query failed"
		}
		s.deliver(handlers, Event{Type: EventError, Text: message})
	default:
		var turns int64
		var cost float64
		if result != nil {
			turns = result.TurnCount
			cost = result.CostUSD
		}
		s.deliver(handlers, Event{Type: EventDone, TurnCount: turns, CostUSD: cost})
	}
}

// emit delivers an event to all subscribers under the emission lock.
func (s *Session) emit(event Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	handlers := s.handlersLocked()
	s.mu.Unlock()

	s.deliver(handlers, event)
}

func (s *Session) deliver(handlers []func(Event), event Event) {
	event.Project = s.project
	for _, handler := range handlers {
		handler(event)
	}
}

func (s *Session) handlersLocked() []func(Event) {
	handlers := make([]func(Event), 0, len(s.subscribers))
	for _, handler := range s.subscribers {
		handlers = append(handlers, handler)
	}
	return handlers
}

// openTranscript creates a per-query transcript writer, or returns nil
// when transcripts are disabled or unavailable.
func (s *Session) openTranscript() *agent.LogWriter {
	if s.transcriptDir == "" {
		return nil
	}
	name := fmt.Sprintf("%s-%s.jsonl", sanitizeName(s.project), uuid.NewString())
	path := filepath.Join(s.transcriptDir, name)
	if err := os.MkdirAll(s.transcriptDir, 0o755); err != nil {
		s.logger.Warn("transcript dir unavailable", "dir", s.transcriptDir, "error", err)
		return nil
	}
	writer, err := agent.NewLogWriter(path)
	if err != nil {
		s.logger.Warn("transcript unavailable", "error", err)
		return nil
	}
	return writer
}

// sanitizeName makes a project identifier safe for a file name.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
