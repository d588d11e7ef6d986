// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bharat2288/wa-claude-bridge/notify"
	"github.com/bharat2288/wa-claude-bridge/registry"
)

// Dispatcher consumes decoded inbound input. Satisfied by
// bridge.Router.
type Dispatcher interface {
	HandleText(ctx context.Context, text string)
	HandleSelection(ctx context.Context, id string)
}

// dedupeWindow bounds the remembered message ids. The platform
// redelivers on slow or failed acknowledgments, typically within
// seconds, so a small window is enough.
const dedupeWindow = 512

// Handler terminates the WhatsApp webhook: the subscription
// verification handshake on GET, inbound message batches on POST, and
// a health endpoint. Inbound work is dispatched asynchronously so the
// platform gets its 200 before any session work starts.
type Handler struct {
	Router      Dispatcher
	Registry    *registry.Registry
	Recipient   *notify.Recipient
	VerifyToken string
	Logger      *slog.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	recent []string
}

// Mux returns the HTTP routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", h.verify)
	mux.HandleFunc("POST /webhook", h.receive)
	mux.HandleFunc("GET /healthz", h.health)
	return mux
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// verify answers the subscription handshake: echo the challenge when
// the verify token matches, reject otherwise.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("hub.mode") != "subscribe" || query.Get("hub.verify_token") != h.VerifyToken {
		h.logger().Warn("webhook verification rejected", "mode", query.Get("hub.mode"))
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(query.Get("hub.challenge")))
}

// inboundPayload is the subset of the webhook notification shape the
// bridge consumes.
type inboundPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID string `json:"id"`
		} `json:"button_reply"`
		ListReply *struct {
			ID string `json:"id"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var payload inboundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.logger().Warn("unparseable webhook payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	// Acknowledge before dispatch: the platform retries slow
	// responses, and session work can take minutes.
	w.WriteHeader(http.StatusOK)

	var batch []inboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			batch = append(batch, change.Value.Messages...)
		}
	}
	if len(batch) == 0 {
		return
	}
	// One goroutine per POST, messages handled in arrival order: a
	// second text in the batch must observe the session state left by
	// the first, not race it into a spurious busy rejection.
	go func() {
		for _, message := range batch {
			h.dispatch(message)
		}
	}()
}

func (h *Handler) dispatch(message inboundMessage) {
	if message.ID != "" && h.alreadySeen(message.ID) {
		h.logger().Debug("duplicate message dropped", "message_id", message.ID)
		return
	}
	if message.From != "" {
		h.Recipient.Learn(message.From)
	}

	switch message.Type {
	case "text":
		if message.Text == nil {
			return
		}
		h.logger().Info("inbound text", "message_id", message.ID)
		h.Router.HandleText(context.Background(), message.Text.Body)
	case "interactive":
		id, ok := selectionID(message)
		if !ok {
			return
		}
		h.logger().Info("inbound selection", "message_id", message.ID, "selection", id)
		h.Router.HandleSelection(context.Background(), id)
	default:
		h.logger().Debug("ignoring unsupported message type", "type", message.Type)
	}
}

// selectionID extracts the tapped choice id from either interactive
// reply shape.
func selectionID(message inboundMessage) (string, bool) {
	if message.Interactive == nil {
		return "", false
	}
	if reply := message.Interactive.ButtonReply; reply != nil {
		return reply.ID, true
	}
	if reply := message.Interactive.ListReply; reply != nil {
		return reply.ID, true
	}
	return "", false
}

// alreadySeen records the id and reports whether it was present. The
// set is bounded: the oldest ids fall out first.
func (h *Handler) alreadySeen(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = make(map[string]struct{}, dedupeWindow)
	}
	if _, ok := h.seen[id]; ok {
		return true
	}
	h.seen[id] = struct{}{}
	h.recent = append(h.recent, id)
	if len(h.recent) > dedupeWindow {
		delete(h.seen, h.recent[0])
		h.recent = h.recent[1:]
	}
	return false
}

// healthStatus is the health endpoint's response body.
type healthStatus struct {
	ActiveProject string                 `json:"active_project,omitempty"`
	Sessions      []registry.SessionInfo `json:"sessions"`
	RecipientSet  bool                   `json:"recipient_set"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	sessions := h.Registry.Sessions()
	// Resume tokens are capability-ish; keep them off the wire.
	for i := range sessions {
		sessions[i].ResumeToken = ""
	}
	_, recipientSet := h.Recipient.Get()
	status := healthStatus{
		ActiveProject: h.Registry.ActiveProject(),
		Sessions:      sessions,
		RecipientSet:  recipientSet,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger().Warn("health response encoding failed", "error", err)
	}
}
