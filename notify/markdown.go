// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// markdownParserInstance is initialized once and reused. The parser
// configuration never changes and the goldmark Parser is safe to
// share — actual parsing creates per-call state via Parse(reader).
var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.Strikethrough,
			),
		)
	})
	return markdownParserInstance
}

// RenderWhatsApp converts markdown to WhatsApp's inline formatting:
// *bold*, _italic_, ~strikethrough~, monospace in backtick fences.
// Structure the channel cannot express (headings, tables) degrades to
// bold lines and plain text. Agent output is markdown; sending it raw
// would show the user literal asterisks and pound signs.
func RenderWhatsApp(input string) string {
	if input == "" {
		return ""
	}
	source := []byte(input)
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	var out strings.Builder
	renderBlocks(&out, document, source, "")
	return strings.TrimRight(out.String(), "\n")
}

// renderBlocks renders the children of parent, separating top-level
// blocks with blank lines. prefix carries blockquote/list indentation.
func renderBlocks(out *strings.Builder, parent ast.Node, source []byte, prefix string) {
	for node := parent.FirstChild(); node != nil; node = node.NextSibling() {
		switch block := node.(type) {
		case *ast.Heading:
			out.WriteString(prefix)
			out.WriteString("*" + renderInline(block, source) + "*\n\n")

		case *ast.Paragraph, *ast.TextBlock:
			out.WriteString(prefix)
			out.WriteString(renderInline(node, source))
			out.WriteString("\n\n")

		case *ast.FencedCodeBlock:
			renderCode(out, block.Lines(), source, prefix)

		case *ast.CodeBlock:
			renderCode(out, block.Lines(), source, prefix)

		case *ast.List:
			renderList(out, block, source, prefix)
			out.WriteString("\n")

		case *ast.Blockquote:
			var quoted strings.Builder
			renderBlocks(&quoted, block, source, "")
			for _, line := range strings.Split(strings.TrimRight(quoted.String(), "\n"), "\n") {
				out.WriteString(prefix + "> " + line + "\n")
			}
			out.WriteString("\n")

		case *ast.ThematicBreak:
			out.WriteString(prefix + "---\n\n")

		default:
			out.WriteString(prefix)
			out.WriteString(renderInline(node, source))
			out.WriteString("\n\n")
		}
	}
}

// renderCode emits a monospace fence around raw code lines.
func renderCode(out *strings.Builder, lines *text.Segments, source []byte, prefix string) {
	out.WriteString(prefix + "```\n")
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		out.Write(segment.Value(source))
	}
	out.WriteString("```\n\n")
}

// renderList renders list items with "- " or "n. " markers. Nested
// lists indent under their parent item.
func renderList(out *strings.Builder, list *ast.List, source []byte, prefix string) {
	index := list.Start
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d. ", index)
			index++
		}
		first := true
		for child := item.FirstChild(); child != nil; child = child.NextSibling() {
			switch block := child.(type) {
			case *ast.List:
				renderList(out, block, source, prefix+"  ")
			default:
				line := renderInline(child, source)
				if first {
					out.WriteString(prefix + marker + line + "\n")
					first = false
				} else {
					out.WriteString(prefix + strings.Repeat(" ", len(marker)) + line + "\n")
				}
			}
		}
	}
}

// renderInline flattens an inline container to WhatsApp-formatted
// text.
func renderInline(parent ast.Node, source []byte) string {
	var out strings.Builder
	for node := parent.FirstChild(); node != nil; node = node.NextSibling() {
		switch inline := node.(type) {
		case *ast.Text:
			out.Write(inline.Segment.Value(source))
			if inline.SoftLineBreak() || inline.HardLineBreak() {
				out.WriteString("\n")
			}

		case *ast.Emphasis:
			inner := renderInline(inline, source)
			if inline.Level >= 2 {
				out.WriteString("*" + inner + "*")
			} else {
				out.WriteString("_" + inner + "_")
			}

		case *extast.Strikethrough:
			out.WriteString("~" + renderInline(inline, source) + "~")

		case *ast.CodeSpan:
			out.WriteString("`" + string(inline.Text(source)) + "`")

		case *ast.Link:
			label := renderInline(inline, source)
			destination := string(inline.Destination)
			if label == "" || label == destination {
				out.WriteString(destination)
			} else {
				out.WriteString(label + " (" + destination + ")")
			}

		case *ast.AutoLink:
			out.Write(inline.URL(source))

		case *ast.Image:
			out.WriteString(string(inline.Text(source)) + " (" + string(inline.Destination) + ")")

		case *ast.RawHTML, *ast.HTMLBlock:
			// HTML has no channel rendering; drop it.

		default:
			out.WriteString(renderInline(inline, source))
		}
	}
	return out.String()
}
