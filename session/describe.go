// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"strings"
)

// describeLimit caps the detail portion of a tool description. Tool
// status lines go to a channel with per-message overhead; anything
// longer than this is noise.
const describeLimit = 200

// DescribeToolUse renders a tool invocation as a short human-readable
// line, pulling the most meaningful field out of the tool's input.
func DescribeToolUse(tool string, input json.RawMessage) string {
	var fields map[string]json.RawMessage
	json.Unmarshal(input, &fields)
	field := func(key string) string {
		var value string
		json.Unmarshal(fields[key], &value)
		return value
	}

	var detail string
	switch tool {
	case "Bash":
		detail = field("command")
	case "Read", "Edit", "Write", "NotebookEdit":
		detail = field("file_path")
	case "WebFetch":
		detail = field("url")
	case "WebSearch":
		detail = field("query")
	case "Grep", "Glob":
		detail = field("pattern")
	case "Task":
		detail = field("description")
	default:
		if compact := strings.TrimSpace(string(input)); compact != "" && compact != "{}" && compact != "null" {
			detail = compact
		}
	}

	detail = truncateDetail(detail, describeLimit)
	if detail == "" {
		return tool
	}
	return tool + ": " + detail
}

// truncateDetail shortens s to at most limit runes, marking the cut.
func truncateDetail(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
