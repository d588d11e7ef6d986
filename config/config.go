// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bridge's JSONC configuration file. The
// format is JSON extended with // line comments, /* block comments */,
// and trailing commas.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the bridge's process configuration.
type Config struct {
	// ListenAddr is the HTTP listen address for the webhook and
	// health endpoints.
	ListenAddr string `json:"listen_addr"`

	// ProjectsFile is the path to the YAML project catalog.
	ProjectsFile string `json:"projects_file"`

	// ClaudeBinary is the agent CLI executable, resolved via PATH
	// when not absolute.
	ClaudeBinary string `json:"claude_binary"`

	// AllowedTools are tool names pre-authorized for every session.
	AllowedTools []string `json:"allowed_tools"`

	// Debounce is the quiet period that closes a streamed text chunk.
	Debounce Duration `json:"debounce"`

	// ApprovalTimeout auto-denies a tool approval left unanswered
	// this long. Zero disables the bound.
	ApprovalTimeout Duration `json:"approval_timeout"`

	// QueryTimeout interrupts a query running longer than this. Zero
	// disables the bound.
	QueryTimeout Duration `json:"query_timeout"`

	// TranscriptDir enables per-query JSONL transcripts when set.
	TranscriptDir string `json:"transcript_dir"`

	// WhatsApp is the Cloud API credential set.
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// WhatsAppConfig holds the Cloud API endpoint and credentials.
type WhatsAppConfig struct {
	// Token is the bearer token for the Cloud API.
	Token string `json:"token"`

	// PhoneNumberID identifies the sending number.
	PhoneNumberID string `json:"phone_number_id"`

	// VerifyToken is the shared secret for webhook subscription
	// verification.
	VerifyToken string `json:"verify_token"`

	// APIBaseURL overrides the Cloud API endpoint, mainly for tests.
	APIBaseURL string `json:"api_base_url"`
}

// Defaults applied to fields left unset in the file.
const (
	DefaultListenAddr      = ":8744"
	DefaultClaudeBinary    = "claude"
	DefaultDebounce        = time.Second
	DefaultApprovalTimeout = 10 * time.Minute
	DefaultQueryTimeout    = 30 * time.Minute
	DefaultAPIBaseURL      = "https://graph.facebook.com/v21.0"
)

// Load reads, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse strips JSONC extensions from data, unmarshals it, applies
// defaults, and validates.
func Parse(data []byte) (*Config, error) {
	stripped := jsonc.ToJSON(data)

	config := Config{
		ListenAddr:      DefaultListenAddr,
		ClaudeBinary:    DefaultClaudeBinary,
		Debounce:        Duration(DefaultDebounce),
		ApprovalTimeout: Duration(DefaultApprovalTimeout),
		QueryTimeout:    Duration(DefaultQueryTimeout),
	}
	if err := json.Unmarshal(stripped, &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if config.WhatsApp.APIBaseURL == "" {
		config.WhatsApp.APIBaseURL = DefaultAPIBaseURL
	}

	if config.ProjectsFile == "" {
		return nil, fmt.Errorf("config: projects_file is required")
	}
	if config.WhatsApp.Token == "" {
		return nil, fmt.Errorf("config: whatsapp.token is required")
	}
	if config.WhatsApp.PhoneNumberID == "" {
		return nil, fmt.Errorf("config: whatsapp.phone_number_id is required")
	}
	if config.WhatsApp.VerifyToken == "" {
		return nil, fmt.Errorf("config: whatsapp.verify_token is required")
	}
	if config.Debounce < 0 {
		return nil, fmt.Errorf("config: debounce must not be negative")
	}
	return &config, nil
}

// Duration unmarshals from either a time.ParseDuration string ("90s",
// "5m") or a bare number of milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var milliseconds float64
	if err := json.Unmarshal(data, &milliseconds); err != nil {
		return err
	}
	*d = Duration(time.Duration(milliseconds * float64(time.Millisecond)))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
