// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bharat2288/wa-claude-bridge/agent"
	"github.com/bharat2288/wa-claude-bridge/lib/clock"
	"github.com/bharat2288/wa-claude-bridge/lib/testutil"
	"github.com/bharat2288/wa-claude-bridge/notify"
	"github.com/bharat2288/wa-claude-bridge/project"
	"github.com/bharat2288/wa-claude-bridge/session"
)

// fakeRun is a scripted agent.Run, driven by tests.
type fakeRun struct {
	events  chan agent.Event
	waitErr error
	done    chan struct{}
}

func (r *fakeRun) Events() <-chan agent.Event { return r.events }

func (r *fakeRun) Wait() error {
	<-r.done
	return r.waitErr
}

func (r *fakeRun) end() {
	close(r.events)
	close(r.done)
}

func newFakeRun() *fakeRun {
	return &fakeRun{events: make(chan agent.Event, 8), done: make(chan struct{})}
}

// fakeQuerier hands out scripted runs and records requests.
type fakeQuerier struct {
	mu       sync.Mutex
	requests []agent.Request
	runs     []*fakeRun
}

func (q *fakeQuerier) Query(ctx context.Context, request agent.Request) (agent.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, request)
	run := newFakeRun()
	q.runs = append(q.runs, run)
	return run, nil
}

func (q *fakeQuerier) queryCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

func (q *fakeQuerier) request(index int) agent.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requests[index]
}

func (q *fakeQuerier) run(index int) *fakeRun {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runs[index]
}

// sentMessage is one notification captured by fakeNotifier.
type sentMessage struct {
	kind    string
	text    string
	choices []notify.Choice
}

type fakeNotifier struct {
	sent chan sentMessage
}

func (n *fakeNotifier) Limits() notify.Limits {
	return notify.Limits{TextLength: 4096, ConfirmChoices: 3, ListChoices: 10, TitleLength: 20}
}

func (n *fakeNotifier) SendText(ctx context.Context, text string) error {
	n.sent <- sentMessage{kind: "text", text: text}
	return nil
}

func (n *fakeNotifier) SendConfirm(ctx context.Context, prompt string, choices []notify.Choice) error {
	n.sent <- sentMessage{kind: "confirm", text: prompt, choices: choices}
	return nil
}

func (n *fakeNotifier) SendChoices(ctx context.Context, prompt string, choices []notify.Choice) error {
	n.sent <- sentMessage{kind: "choices", text: prompt, choices: choices}
	return nil
}

type testRig struct {
	registry *Registry
	querier  *fakeQuerier
	notifier *fakeNotifier
	clock    *clock.FakeClock
}

func newTestRegistry(t *testing.T, configure func(*Config)) *testRig {
	t.Helper()
	manifest := fmt.Sprintf(
		"projects:\n  - id: demo\n    path: %q\n  - id: docs\n    path: %q\n",
		t.TempDir(), t.TempDir())
	catalog, err := project.Parse([]byte(manifest))
	if err != nil {
		t.Fatalf("parsing test catalog: %v", err)
	}

	querier := &fakeQuerier{}
	notifier := &fakeNotifier{sent: make(chan sentMessage, 64)}
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	config := Config{
		Catalog:      catalog,
		Querier:      querier,
		Notifier:     notifier,
		Clock:        fake,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		AllowedTools: []string{"Read"},
		Debounce:     2 * time.Second,
	}
	if configure != nil {
		configure(&config)
	}
	return &testRig{
		registry: New(config),
		querier:  querier,
		notifier: notifier,
		clock:    fake,
	}
}

func (rig *testRig) receive(t *testing.T) sentMessage {
	t.Helper()
	return testutil.RequireReceive(t, rig.notifier.sent, 2*time.Second, "notification")
}

// waitFor polls until condition holds, syncing the test with the
// asynchronous relay goroutine.
func waitFor(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestOpenCreatesThenActivates(t *testing.T) {
	rig := newTestRegistry(t, nil)

	message, err := rig.registry.Open(context.Background(), "demo")
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if !strings.Contains(message, "Opened") {
		t.Fatalf("first open message = %q, want an opened confirmation", message)
	}
	if got := rig.registry.ActiveProject(); got != "demo" {
		t.Fatalf("active project = %q, want demo", got)
	}

	if _, err := rig.registry.Open(context.Background(), "docs"); err != nil {
		t.Fatalf("opening second project: %v", err)
	}

	message, err = rig.registry.Open(context.Background(), "demo")
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if !strings.Contains(message, "Switched") {
		t.Fatalf("re-open message = %q, want a switch confirmation", message)
	}
	if got := rig.registry.ActiveProject(); got != "demo" {
		t.Fatalf("active project after re-open = %q, want demo", got)
	}
	if count := len(rig.registry.Sessions()); count != 2 {
		t.Fatalf("session count = %d, want 2", count)
	}
}

func TestOpenUnknownProject(t *testing.T) {
	rig := newTestRegistry(t, nil)

	_, err := rig.registry.Open(context.Background(), "nope")
	if !errors.Is(err, project.ErrNotFound) {
		t.Fatalf("open unknown = %v, want project.ErrNotFound", err)
	}
	if got := rig.registry.ActiveProject(); got != "" {
		t.Fatalf("active project = %q, want empty", got)
	}
}

func TestRelayWithoutActiveSession(t *testing.T) {
	rig := newTestRegistry(t, nil)

	err := rig.registry.Relay(context.Background(), "hello")
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("relay without session = %v, want ErrNoActiveSession", err)
	}
}

func TestRelayDeliversResponseAndCompletion(t *testing.T) {
	rig := newTestRegistry(t, nil)
	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := rig.registry.Relay(context.Background(), "summarize the readme"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if got := rig.receive(t); got.kind != "text" || !strings.Contains(got.text, "Working on it") {
		t.Fatalf("acknowledgment = %+v, want a working-on-it text", got)
	}

	waitFor(t, func() bool { return rig.querier.queryCount() == 1 }, "query to start")
	if prompt := rig.querier.request(0).Prompt; prompt != "summarize the readme" {
		t.Fatalf("relayed prompt = %q", prompt)
	}

	run := rig.querier.run(0)
	run.events <- agent.Event{Type: agent.EventText, Text: "# Readme\n\nIt is **short**."}
	run.events <- agent.Event{Type: agent.EventResult, Result: &agent.Result{SessionID: "resume-1", TurnCount: 3, CostUSD: 0.0421}}
	run.end()

	chunk := rig.receive(t)
	if chunk.kind != "text" {
		t.Fatalf("response kind = %q, want text", chunk.kind)
	}
	if !strings.Contains(chunk.text, "*Readme*") || !strings.Contains(chunk.text, "*short*") {
		t.Fatalf("response %q not rendered for the channel", chunk.text)
	}

	done := rig.receive(t)
	if done.kind != "text" || !strings.Contains(done.text, "3 turns") || !strings.Contains(done.text, "$0.0421") {
		t.Fatalf("completion = %+v, want turn count and cost", done)
	}
}

func TestRelayRejectedWhileRunning(t *testing.T) {
	rig := newTestRegistry(t, nil)
	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.registry.Relay(context.Background(), "first"); err != nil {
		t.Fatalf("first relay: %v", err)
	}
	rig.receive(t) // acknowledgment
	waitFor(t, func() bool { return rig.querier.queryCount() == 1 }, "query to start")

	if err := rig.registry.Relay(context.Background(), "second"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("relay while running = %v, want ErrSessionBusy", err)
	}

	run := rig.querier.run(0)
	run.events <- agent.Event{Type: agent.EventResult, Result: &agent.Result{}}
	run.end()
	rig.receive(t) // completion

	waitFor(t, func() bool {
		return rig.registry.Relay(context.Background(), "third") == nil
	}, "relay to be accepted after completion")
	rig.receive(t)
	waitFor(t, func() bool { return rig.querier.queryCount() == 2 }, "second query to start")
	rig.querier.run(1).end()
}

func TestApprovalConfirmAndResolve(t *testing.T) {
	rig := newTestRegistry(t, nil)
	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.registry.Relay(context.Background(), "delete the cache"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	rig.receive(t) // acknowledgment
	waitFor(t, func() bool { return rig.querier.queryCount() == 1 }, "query to start")

	decisions := make(chan agent.PermissionDecision, 1)
	go func() {
		decisions <- rig.querier.request(0).Permission(context.Background(), agent.PermissionRequest{
			Tool:  "Bash",
			Input:    []byte(`{"command":"rm -rf cache"}`),
		})
	}()

	prompt := rig.receive(t)
	if prompt.kind != "confirm" {
		t.Fatalf("approval prompt kind = %q, want confirm", prompt.kind)
	}
	if !strings.Contains(prompt.text, "rm -rf cache") {
		t.Fatalf("approval prompt %q missing the tool detail", prompt.text)
	}
	if len(prompt.choices) != 2 || prompt.choices[0].ID != "approve" || prompt.choices[1].ID != "deny" {
		t.Fatalf("approval choices = %+v", prompt.choices)
	}

	resolved, err := rig.registry.Approve(true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !resolved {
		t.Fatal("approve reported nothing pending")
	}
	decision := testutil.RequireReceive(t, decisions, 2*time.Second, "permission decision")
	if !decision.Allow {
		t.Fatalf("decision = %+v, want allow", decision)
	}

	run := rig.querier.run(0)
	run.events <- agent.Event{Type: agent.EventResult, Result: &agent.Result{}}
	run.end()
	rig.receive(t)
}

func TestApprovalWatchdogAutoDenies(t *testing.T) {
	timeout := 5 * time.Minute
	rig := newTestRegistry(t, func(c *Config) { c.ApprovalTimeout = timeout })
	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.registry.Relay(context.Background(), "risky work"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	rig.receive(t) // acknowledgment
	waitFor(t, func() bool { return rig.querier.queryCount() == 1 }, "query to start")

	decisions := make(chan agent.PermissionDecision, 1)
	go func() {
		decisions <- rig.querier.request(0).Permission(context.Background(), agent.PermissionRequest{
			Tool:  "Write",
			Input:    []byte(`{"file_path":"main.go"}`),
		})
	}()
	rig.receive(t) // approval prompt

	rig.clock.Advance(timeout)

	decision := testutil.RequireReceive(t, decisions, 2*time.Second, "permission decision")
	if decision.Allow {
		t.Fatal("lapsed approval was allowed, want deny")
	}
	lapsed := rig.receive(t)
	if lapsed.kind != "text" || !strings.Contains(lapsed.text, "lapsed") {
		t.Fatalf("lapse notification = %+v", lapsed)
	}

	// A second fire against a resolved gate stays silent.
	run := rig.querier.run(0)
	run.events <- agent.Event{Type: agent.EventResult, Result: &agent.Result{}}
	run.end()
	rig.receive(t)
	testutil.RequireNoReceive(t, rig.notifier.sent, 50*time.Millisecond, "stray watchdog message")
}

func TestQueryWatchdogInterruptsLongRun(t *testing.T) {
	timeout := 10 * time.Minute
	rig := newTestRegistry(t, func(c *Config) { c.QueryTimeout = timeout })
	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.registry.Relay(context.Background(), "never finishes"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	rig.receive(t) // acknowledgment
	waitFor(t, func() bool { return rig.querier.queryCount() == 1 }, "query to start")

	rig.clock.Advance(timeout)
	limit := rig.receive(t)
	if limit.kind != "text" || !strings.Contains(limit.text, "time limit") {
		t.Fatalf("timeout notification = %+v", limit)
	}

	rig.querier.run(0).end()
	interrupted := rig.receive(t)
	if interrupted.kind != "text" || !strings.Contains(interrupted.text, "Interrupted") {
		t.Fatalf("terminal notification = %+v, want interrupted", interrupted)
	}
	waitFor(t, func() bool {
		return rig.registry.Sessions()[0].Activity == session.ActivityIdle
	}, "session to go idle")
}

func TestCancelIdleAndRunning(t *testing.T) {
	rig := newTestRegistry(t, nil)
	if _, err := rig.registry.Cancel(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("cancel without session = %v, want ErrNoActiveSession", err)
	}

	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open: %v", err)
	}
	message, err := rig.registry.Cancel()
	if err != nil {
		t.Fatalf("cancel idle: %v", err)
	}
	if !strings.Contains(message, "idle") {
		t.Fatalf("idle cancel message = %q", message)
	}

	if err := rig.registry.Relay(context.Background(), "long task"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	rig.receive(t) // acknowledgment
	waitFor(t, func() bool { return rig.querier.queryCount() == 1 }, "query to start")

	message, err = rig.registry.Cancel()
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if !strings.Contains(message, "Cancelling") {
		t.Fatalf("running cancel message = %q", message)
	}

	rig.querier.run(0).end()
	terminal := rig.receive(t)
	if !strings.Contains(terminal.text, "Interrupted") {
		t.Fatalf("terminal notification = %+v, want interrupted", terminal)
	}
}

func TestKillRemovesSessionAndSilencesEvents(t *testing.T) {
	rig := newTestRegistry(t, nil)
	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.registry.Relay(context.Background(), "work"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	rig.receive(t) // acknowledgment
	waitFor(t, func() bool { return rig.querier.queryCount() == 1 }, "query to start")

	if err := rig.registry.Kill("demo"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if got := rig.registry.ActiveProject(); got != "" {
		t.Fatalf("active project after kill = %q, want empty", got)
	}
	if count := len(rig.registry.Sessions()); count != 0 {
		t.Fatalf("session count after kill = %d, want 0", count)
	}

	// The killed session's teardown must not reach the user.
	rig.querier.run(0).end()
	testutil.RequireNoReceive(t, rig.notifier.sent, 50*time.Millisecond, "event from killed session")

	if err := rig.registry.Kill("demo"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("second kill = %v, want ErrUnknownSession", err)
	}
}

func TestRestartDropsContinuity(t *testing.T) {
	rig := newTestRegistry(t, nil)
	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rig.registry.Relay(context.Background(), "first"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	rig.receive(t) // acknowledgment
	waitFor(t, func() bool { return rig.querier.queryCount() == 1 }, "query to start")
	run := rig.querier.run(0)
	run.events <- agent.Event{Type: agent.EventResult, Result: &agent.Result{SessionID: "resume-42"}}
	run.end()
	rig.receive(t) // completion

	waitFor(t, func() bool {
		return rig.registry.Sessions()[0].ResumeToken == "resume-42"
	}, "resume token capture")

	message, err := rig.registry.Restart(context.Background(), "")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !strings.Contains(message, "Restarted") {
		t.Fatalf("restart message = %q", message)
	}
	if got := rig.registry.ActiveProject(); got != "demo" {
		t.Fatalf("active project after restart = %q, want demo", got)
	}

	if err := rig.registry.Relay(context.Background(), "second"); err != nil {
		t.Fatalf("relay after restart: %v", err)
	}
	rig.receive(t)
	waitFor(t, func() bool { return rig.querier.queryCount() == 2 }, "fresh query to start")
	if token := rig.querier.request(1).ResumeToken; token != "" {
		t.Fatalf("fresh session reused resume token %q", token)
	}
	rig.querier.run(1).end()
}

func TestListMarksActiveSession(t *testing.T) {
	rig := newTestRegistry(t, nil)
	if got := rig.registry.List(); !strings.Contains(got, "No sessions open") {
		t.Fatalf("empty list = %q", got)
	}

	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open demo: %v", err)
	}
	if _, err := rig.registry.Open(context.Background(), "docs"); err != nil {
		t.Fatalf("open docs: %v", err)
	}

	listing := rig.registry.List()
	if !strings.Contains(listing, "→ docs [idle]") {
		t.Fatalf("listing %q does not mark docs active", listing)
	}
	if !strings.Contains(listing, "  demo [idle]") {
		t.Fatalf("listing %q missing inactive demo", listing)
	}
	if strings.Index(listing, "demo") > strings.Index(listing, "docs") {
		t.Fatalf("listing %q not in insertion order", listing)
	}
}

func TestFullResponse(t *testing.T) {
	rig := newTestRegistry(t, nil)
	if _, _, err := rig.registry.FullResponse(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("full response without session = %v, want ErrNoActiveSession", err)
	}

	if _, err := rig.registry.Open(context.Background(), "demo"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok, err := rig.registry.FullResponse(); err != nil || ok {
		t.Fatalf("fresh session full response ok=%v err=%v, want none", ok, err)
	}

	if err := rig.registry.Relay(context.Background(), "describe"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	rig.receive(t) // acknowledgment
	waitFor(t, func() bool { return rig.querier.queryCount() == 1 }, "query to start")
	run := rig.querier.run(0)
	run.events <- agent.Event{Type: agent.EventText, Text: "the whole answer"}
	run.events <- agent.Event{Type: agent.EventResult, Result: &agent.Result{}}
	run.end()
	rig.receive(t) // response chunk
	rig.receive(t) // completion

	text, ok, err := rig.registry.FullResponse()
	if err != nil || !ok {
		t.Fatalf("full response ok=%v err=%v", ok, err)
	}
	if text != "the whole answer" {
		t.Fatalf("full response = %q", text)
	}
}
