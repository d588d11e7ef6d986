// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-project conversational session:
// the query lifecycle state machine (idle ↔ running), debounce-buffered
// text delivery, the single-slot human approval gate for tool use, and
// interruption.
//
// A Session runs at most one query at a time. Streamed text accumulates
// in a buffer whose flush timer rearms on every arrival; when the quiet
// period elapses the buffer is delivered as one chunk, trading latency
// for message-count economy on a channel with per-message overhead.
// Tool-use notices bypass the buffer. Every terminal path — completion,
// error, interrupt — flushes the remaining buffer before exactly one
// terminal event settles the session back to idle.
package session
