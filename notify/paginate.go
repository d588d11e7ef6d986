// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package notify

// Paginate splits text into pages of at most limit runes, preferring
// to break at the last newline in the window so pages end on whole
// lines when the content allows it.
func Paginate(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var pages []string
	remaining := []rune(text)
	for len(remaining) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if remaining[i] == '\n' {
				cut = i
				break
			}
		}
		pages = append(pages, string(remaining[:cut]))
		remaining = remaining[cut:]
		if len(remaining) > 0 && remaining[0] == '\n' {
			remaining = remaining[1:]
		}
	}
	if len(remaining) > 0 {
		pages = append(pages, string(remaining))
	}
	return pages
}
