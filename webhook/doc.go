// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package webhook is the inbound HTTP boundary: it terminates the
// WhatsApp Cloud API webhook (verification handshake, message
// batches, duplicate suppression) and exposes process health.
package webhook
