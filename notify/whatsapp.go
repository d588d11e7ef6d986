// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WhatsApp Cloud API content bounds.
const (
	whatsappTextLength     = 4096
	whatsappConfirmChoices = 3
	whatsappButtonTitle    = 20
	whatsappListChoices    = 10
	whatsappRowTitle       = 24
	whatsappRowDescription = 72
)

// WhatsAppClient delivers notifications through the WhatsApp Cloud
// API. It implements Notifier.
//
// When an interactive send is rejected by the API, the client degrades
// to a plain-text rendering of the same content: a failed approval
// prompt must still reach the user, even without tap targets.
type WhatsAppClient struct {
	httpClient    *http.Client
	baseURL       string
	token         string
	phoneNumberID string
	recipient     *Recipient
	logger        *slog.Logger
}

// NewWhatsAppClient builds a client for the given Cloud API
// credentials. recipient is the shared single-slot peer identity.
func NewWhatsAppClient(baseURL, token, phoneNumberID string, recipient *Recipient, logger *slog.Logger) *WhatsAppClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppClient{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		baseURL:       baseURL,
		token:         token,
		phoneNumberID: phoneNumberID,
		recipient:     recipient,
		logger:        logger,
	}
}

// Limits returns the WhatsApp Cloud API content bounds.
func (c *WhatsAppClient) Limits() Limits {
	return Limits{
		TextLength:     whatsappTextLength,
		ConfirmChoices: whatsappConfirmChoices,
		ListChoices:    whatsappListChoices,
		TitleLength:    whatsappRowTitle,
	}
}

// SendText delivers a plain-text message to the learned recipient.
// A no-op (with a log line) while no recipient is known yet.
func (c *WhatsAppClient) SendText(ctx context.Context, text string) error {
	to, ok := c.recipient.Get()
	if !ok {
		c.logger.Warn("dropping outbound text: no recipient learned yet")
		return nil
	}
	text = clamp(text, whatsappTextLength)
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": text, "preview_url": false},
	})
}

// SendConfirm sends an interactive reply-button message.
func (c *WhatsAppClient) SendConfirm(ctx context.Context, prompt string, choices []Choice) error {
	to, ok := c.recipient.Get()
	if !ok {
		c.logger.Warn("dropping outbound confirm: no recipient learned yet")
		return nil
	}
	if len(choices) > whatsappConfirmChoices {
		choices = choices[:whatsappConfirmChoices]
	}

	buttons := make([]map[string]any, 0, len(choices))
	for _, choice := range choices {
		buttons = append(buttons, map[string]any{
			"type": "reply",
			"reply": map[string]any{
				"id":    choice.ID,
				"title": clamp(choice.Title, whatsappButtonTitle),
			},
		})
	}

	err := c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": clamp(prompt, whatsappTextLength)},
			"action": map[string]any{"buttons": buttons},
		},
	})
	if err != nil {
		c.logger.Warn("interactive confirm failed, degrading to text", "error", err)
		return c.SendText(ctx, fallbackText(prompt, choices))
	}
	return nil
}

// SendChoices sends an interactive list message with one section.
func (c *WhatsAppClient) SendChoices(ctx context.Context, prompt string, choices []Choice) error {
	to, ok := c.recipient.Get()
	if !ok {
		c.logger.Warn("dropping outbound choices: no recipient learned yet")
		return nil
	}
	if len(choices) > whatsappListChoices {
		choices = choices[:whatsappListChoices]
	}

	rows := make([]map[string]any, 0, len(choices))
	for _, choice := range choices {
		row := map[string]any{
			"id":    choice.ID,
			"title": clamp(choice.Title, whatsappRowTitle),
		}
		if choice.Description != "" {
			row["description"] = clamp(choice.Description, whatsappRowDescription)
		}
		rows = append(rows, row)
	}

	err := c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "list",
			"body":   map[string]any{"text": clamp(prompt, whatsappTextLength)},
			"action": map[string]any{
				"button":   "Select",
				"sections": []map[string]any{{"rows": rows}},
			},
		},
	})
	if err != nil {
		c.logger.Warn("interactive list failed, degrading to text", "error", err)
		return c.SendText(ctx, fallbackText(prompt, choices))
	}
	return nil
}

// post submits one message payload to the Cloud API.
func (c *WhatsAppClient) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}

	// The Cloud API reports failures as {"error":{"message":...}}.
	data, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	var apiError struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &apiError) == nil && apiError.Error.Message != "" {
		return fmt.Errorf("whatsapp api: %s (code %d, status %d)",
			apiError.Error.Message, apiError.Error.Code, response.StatusCode)
	}
	return fmt.Errorf("whatsapp api: status %d", response.StatusCode)
}

// fallbackText renders an interactive prompt as plain text with the
// choices inlined, so a degraded delivery still tells the user what
// they can do.
func fallbackText(prompt string, choices []Choice) string {
	var out bytes.Buffer
	out.WriteString(prompt)
	out.WriteString("\n")
	for i, choice := range choices {
		fmt.Fprintf(&out, "\n%d. %s", i+1, choice.Title)
		if choice.Description != "" {
			out.WriteString(" — " + choice.Description)
		}
	}
	return out.String()
}

// clamp truncates s to at most limit characters. Titles and bodies
// past the channel bound are rejected by the API outright, so losing
// the tail is the better failure.
func clamp(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
