// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge interprets inbound conversation input: sigil
// commands become registry operations, interactive tap replies are
// decoded back to the actions that offered them, and everything else
// is relayed to the active project's agent session.
package bridge
