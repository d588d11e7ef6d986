// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent defines the contract between session orchestration and
// the conversational coding-agent backend, and provides the production
// implementation that drives the Claude Code CLI.
//
// The contract is Querier: one streaming query per call, cooperative
// abort through the context, conversation continuity through an opaque
// resume token, and a blocking permission callback invoked once per
// tool-use request. The CLI implementation (ClaudeClient) speaks the
// stream-json protocol: events arrive as JSON lines on stdout, and
// permission requests are answered with control_response lines on
// stdin.
//
// LogWriter records a query's event stream as a JSONL transcript for
// offline inspection.
package agent
