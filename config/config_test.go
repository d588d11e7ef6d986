// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"
	"time"
)

const minimalConfig = `{
	// where the project catalog lives
	"projects_file": "/etc/bridge/projects.yaml",
	"whatsapp": {
		"token": "EAAB...",
		"phone_number_id": "106540352242922",
		"verify_token": "shared-secret", // trailing comma below is fine
	},
}`

func TestParseAppliesDefaults(t *testing.T) {
	config, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if config.ListenAddr != DefaultListenAddr {
		t.Fatalf("listen addr = %q, want default", config.ListenAddr)
	}
	if config.ClaudeBinary != DefaultClaudeBinary {
		t.Fatalf("claude binary = %q, want default", config.ClaudeBinary)
	}
	if config.Debounce.Std() != DefaultDebounce {
		t.Fatalf("debounce = %v, want default", config.Debounce.Std())
	}
	if config.ApprovalTimeout.Std() != DefaultApprovalTimeout {
		t.Fatalf("approval timeout = %v, want default", config.ApprovalTimeout.Std())
	}
	if config.WhatsApp.APIBaseURL != DefaultAPIBaseURL {
		t.Fatalf("api base = %q, want default", config.WhatsApp.APIBaseURL)
	}
}

func TestParseDurationForms(t *testing.T) {
	config, err := Parse([]byte(`{
		"projects_file": "p.yaml",
		"debounce": "1.5s",
		"query_timeout": 45000,
		"whatsapp": {"token": "t", "phone_number_id": "1", "verify_token": "v"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := config.Debounce.Std(); got != 1500*time.Millisecond {
		t.Fatalf("string duration = %v, want 1.5s", got)
	}
	if got := config.QueryTimeout.Std(); got != 45*time.Second {
		t.Fatalf("numeric duration = %v, want 45s (milliseconds)", got)
	}
}

func TestParseRejectsMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no projects file", `{"whatsapp": {"token": "t", "phone_number_id": "1", "verify_token": "v"}}`, "projects_file"},
		{"no token", `{"projects_file": "p", "whatsapp": {"phone_number_id": "1", "verify_token": "v"}}`, "whatsapp.token"},
		{"no phone number", `{"projects_file": "p", "whatsapp": {"token": "t", "verify_token": "v"}}`, "phone_number_id"},
		{"no verify token", `{"projects_file": "p", "whatsapp": {"token": "t", "phone_number_id": "1"}}`, "verify_token"},
	}
	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.body))
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Fatalf("error = %v, want mention of %s", err, test.want)
			}
		})
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	if _, err := Parse([]byte(`{"debounce": "soon"}`)); err == nil {
		t.Fatal("unparseable duration accepted")
	}
	if _, err := Parse([]byte(`not json at all`)); err == nil {
		t.Fatal("malformed document accepted")
	}
}
