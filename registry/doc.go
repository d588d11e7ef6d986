// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry owns the collection of project sessions and the
// single-active-project routing model: at most one project receives
// unqualified input at a time, and every session's events funnel into
// the one outbound notification channel.
package registry
