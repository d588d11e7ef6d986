// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"strings"
	"testing"
)

func TestPaginatePrefersNewlineBreaks(t *testing.T) {
	pages := Paginate("aaaa\nbbbb\ncccc", 11)
	if len(pages) != 2 {
		t.Fatalf("page count = %d (%q), want 2", len(pages), pages)
	}
	if pages[0] != "aaaa\nbbbb" || pages[1] != "cccc" {
		t.Fatalf("pages = %q", pages)
	}
}

func TestPaginateShortTextPassesThrough(t *testing.T) {
	if pages := Paginate("short", 100); len(pages) != 1 || pages[0] != "short" {
		t.Fatalf("short text paginated to %q", pages)
	}
	if pages := Paginate("anything", 0); len(pages) != 1 {
		t.Fatalf("zero limit paginated to %q", pages)
	}
}

func TestPaginateHardCutWithoutNewlines(t *testing.T) {
	pages := Paginate(strings.Repeat("x", 25), 10)
	if len(pages) != 3 || len(pages[0]) != 10 || len(pages[2]) != 5 {
		t.Fatalf("hard cut pages = %q", pages)
	}
}

func TestPaginateCountsRunesNotBytes(t *testing.T) {
	pages := Paginate(strings.Repeat("é", 12), 10)
	if len(pages) != 2 {
		t.Fatalf("page count = %d (%q), want 2", len(pages), pages)
	}
	if got := len([]rune(pages[0])); got != 10 {
		t.Fatalf("first page rune count = %d, want 10", got)
	}
}
