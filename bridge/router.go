// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bharat2288/wa-claude-bridge/notify"
	"github.com/bharat2288/wa-claude-bridge/project"
	"github.com/bharat2288/wa-claude-bridge/registry"
)

// commandSigil prefixes control commands. Everything else is relayed
// to the active session verbatim.
const commandSigil = "/"

// Router turns inbound conversation input into registry operations and
// sends the resulting replies. It is the single write path back to the
// user for command outcomes; streamed session output arrives through
// the registry's own event wiring.
type Router struct {
	registry *registry.Registry
	catalog  *project.Catalog
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewRouter wires a router. logger may be nil.
func NewRouter(reg *registry.Registry, catalog *project.Catalog, notifier notify.Notifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: reg, catalog: catalog, notifier: notifier, logger: logger}
}

// HandleText processes one inbound text message.
func (r *Router) HandleText(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !strings.HasPrefix(text, commandSigil) {
		r.relay(ctx, text)
		return
	}

	command, argument, _ := strings.Cut(text[len(commandSigil):], " ")
	command = strings.ToLower(command)
	argument = strings.TrimSpace(argument)

	switch command {
	case "open", "o":
		r.open(ctx, argument)
	case "approve", "yes", "y":
		r.resolveApproval(ctx, true)
	case "deny", "no", "n":
		r.resolveApproval(ctx, false)
	case "cancel":
		r.cancel(ctx)
	case "kill":
		r.kill(ctx, argument)
	case "restart":
		r.restart(ctx, argument)
	case "list", "ls":
		r.reply(ctx, r.registry.List())
	case "full":
		r.full(ctx)
	case "help":
		r.reply(ctx, helpText)
	default:
		// An unrecognized sigil word is almost always meant for the
		// agent ("/etc/hosts", "/tmp cleanup"). Relay it untouched.
		r.relay(ctx, text)
	}
}

// HandleSelection processes an interactive tap reply. The identifier
// is one the bridge itself handed out, so unknown shapes only occur
// with very stale prompts.
func (r *Router) HandleSelection(ctx context.Context, id string) {
	switch {
	case id == "approve":
		r.resolveApproval(ctx, true)
	case id == "deny":
		r.resolveApproval(ctx, false)
	case strings.HasPrefix(id, "kill:"):
		r.kill(ctx, strings.TrimPrefix(id, "kill:"))
	case strings.HasPrefix(id, "restart:"):
		r.restart(ctx, strings.TrimPrefix(id, "restart:"))
	default:
		r.open(ctx, id)
	}
}

func (r *Router) relay(ctx context.Context, text string) {
	err := r.registry.Relay(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNoActiveSession):
		r.reply(ctx, "No active project. Use /open <project> to start one.")
	case errors.Is(err, registry.ErrSessionBusy):
		r.reply(ctx, "Still working on the previous message. Use /cancel to interrupt it.")
	default:
		r.logger.Error("relay failed", "error", err)
		r.reply(ctx, "Could not deliver that: "+err.Error())
	}
}

// open resolves the argument against the catalog. An empty argument
// lists the available projects; a prefix that matches exactly one
// project opens it; an ambiguous prefix offers the candidates as a
// bounded choice list.
func (r *Router) open(ctx context.Context, argument string) {
	if argument == "" {
		r.offerProjects(ctx, r.catalog.ListAvailable(), "Which project?")
		return
	}

	candidates := r.matchProjects(argument)
	switch len(candidates) {
	case 0:
		r.reply(ctx, fmt.Sprintf("No project matches %q. Use /open to see the list.", argument))
	case 1:
		message, err := r.registry.Open(ctx, candidates[0].ID)
		if err != nil {
			r.reply(ctx, "Could not open: "+err.Error())
			return
		}
		r.reply(ctx, message)
	default:
		r.offerProjects(ctx, candidates, fmt.Sprintf("%q matches several projects:", argument))
	}
}

// matchProjects returns catalog entries whose id starts with the
// argument, case-insensitively. An exact id match wins outright.
// Candidates with an open session come first (the active project
// leading them); the remainder sorts alphabetically.
func (r *Router) matchProjects(argument string) []project.Project {
	lowered := strings.ToLower(argument)
	var matched []project.Project
	for _, candidate := range r.catalog.ListAvailable() {
		id := strings.ToLower(candidate.ID)
		if id == lowered {
			return []project.Project{candidate}
		}
		if strings.HasPrefix(id, lowered) {
			matched = append(matched, candidate)
		}
	}

	active := r.registry.ActiveProject()
	open := make(map[string]bool)
	for _, info := range r.registry.Sessions() {
		open[info.Project] = true
	}
	rank := func(id string) int {
		switch {
		case id == active:
			return 0
		case open[id]:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if a, b := rank(matched[i].ID), rank(matched[j].ID); a != b {
			return a < b
		}
		return strings.ToLower(matched[i].ID) < strings.ToLower(matched[j].ID)
	})
	return matched
}

func (r *Router) offerProjects(ctx context.Context, projects []project.Project, prompt string) {
	if len(projects) == 0 {
		r.reply(ctx, "No projects are configured.")
		return
	}
	limit := r.notifier.Limits().ListChoices
	if len(projects) > limit {
		projects = projects[:limit]
	}
	choices := make([]notify.Choice, 0, len(projects))
	for _, candidate := range projects {
		choices = append(choices, notify.Choice{
			ID:          candidate.ID,
			Title:       candidate.Title,
			Description: candidate.Description,
		})
	}
	if err := r.notifier.SendChoices(ctx, prompt, choices); err != nil {
		r.logger.Warn("project list delivery failed", "error", err)
	}
}

func (r *Router) resolveApproval(ctx context.Context, approved bool) {
	resolved, err := r.registry.Approve(approved)
	if err != nil {
		r.replyRegistryError(ctx, err)
		return
	}
	if !resolved {
		r.reply(ctx, "Nothing is awaiting approval.")
		return
	}
	if approved {
		r.reply(ctx, "Approved.")
	} else {
		r.reply(ctx, "Denied.")
	}
}

func (r *Router) cancel(ctx context.Context) {
	message, err := r.registry.Cancel()
	if err != nil {
		r.replyRegistryError(ctx, err)
		return
	}
	r.reply(ctx, message)
}

func (r *Router) kill(ctx context.Context, argument string) {
	target, ok := r.resolveSessionTarget(ctx, argument, "kill")
	if !ok {
		return
	}
	if err := r.registry.Kill(target); err != nil {
		r.replyRegistryError(ctx, err)
		return
	}
	r.reply(ctx, fmt.Sprintf("Killed *%s*.", target))
}

func (r *Router) restart(ctx context.Context, argument string) {
	target, ok := r.resolveSessionTarget(ctx, argument, "restart")
	if !ok {
		return
	}
	message, err := r.registry.Restart(ctx, target)
	if err != nil {
		r.replyRegistryError(ctx, err)
		return
	}
	r.reply(ctx, message)
}

// resolveSessionTarget maps an argument to an open session id using
// the same prefix rules as open, but against open sessions rather than
// the catalog. An empty argument means the active session. Ambiguity
// is offered back as tap targets whose ids re-enter through
// HandleSelection with the action baked in.
func (r *Router) resolveSessionTarget(ctx context.Context, argument, action string) (string, bool) {
	if argument == "" {
		if active := r.registry.ActiveProject(); active != "" {
			return active, true
		}
		// No active session to default to: offer the open sessions as
		// tap targets instead of failing.
		sessions := r.registry.Sessions()
		if len(sessions) == 0 {
			r.reply(ctx, "No sessions open. Use /open <project> to start one.")
			return "", false
		}
		choices := make([]notify.Choice, 0, len(sessions))
		for _, info := range sessions {
			choices = append(choices, notify.Choice{
				ID:          action + ":" + info.Project,
				Title:       info.Project,
				Description: string(info.Activity),
			})
		}
		if err := r.notifier.SendChoices(ctx, "Which session?", choices); err != nil {
			r.logger.Warn("session list delivery failed", "error", err)
		}
		return "", false
	}

	lowered := strings.ToLower(argument)
	var matched []string
	for _, info := range r.registry.Sessions() {
		id := strings.ToLower(info.Project)
		if id == lowered {
			return info.Project, true
		}
		if strings.HasPrefix(id, lowered) {
			matched = append(matched, info.Project)
		}
	}

	switch len(matched) {
	case 0:
		// Let the registry produce its unknown-session error so the
		// reply matches an exact-id miss.
		return argument, true
	case 1:
		return matched[0], true
	default:
		choices := make([]notify.Choice, 0, len(matched))
		for _, id := range matched {
			choices = append(choices, notify.Choice{ID: action + ":" + id, Title: id})
		}
		err := r.notifier.SendChoices(ctx,
			fmt.Sprintf("%q matches several sessions:", argument), choices)
		if err != nil {
			r.logger.Warn("session list delivery failed", "error", err)
		}
		return "", false
	}
}

// full re-sends the most recent response in its entirety, paginated to
// the channel's text bound. Useful after a long answer scrolled past
// in chunks.
func (r *Router) full(ctx context.Context) {
	text, ok, err := r.registry.FullResponse()
	if err != nil {
		r.replyRegistryError(ctx, err)
		return
	}
	if !ok || text == "" {
		r.reply(ctx, "No response yet in this session.")
		return
	}
	rendered := notify.RenderWhatsApp(text)
	for _, page := range notify.Paginate(rendered, r.notifier.Limits().TextLength) {
		r.reply(ctx, page)
	}
}

func (r *Router) replyRegistryError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNoActiveSession):
		r.reply(ctx, "No active project. Use /open <project> to start one.")
	case errors.Is(err, registry.ErrUnknownSession):
		r.reply(ctx, "No session for that project. Use /list to see open sessions.")
	default:
		r.reply(ctx, "That did not work: "+err.Error())
	}
}

func (r *Router) reply(ctx context.Context, text string) {
	if err := r.notifier.SendText(ctx, text); err != nil {
		r.logger.Warn("reply delivery failed", "error", err)
	}
}

const helpText = `Commands:
/open [project] — open or switch to a project
/approve, /deny — resolve a pending tool approval
/cancel — interrupt the running query
/kill [project] — terminate a session
/restart [project] — terminate and reopen a session
/list — show open sessions
/full — re-send the last response in full
/help — this message

Anything else goes to the active project's agent.`
