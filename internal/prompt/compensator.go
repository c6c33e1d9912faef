// Package prompt synthesizes capabilities a model lacks natively: directives
// are injected into the outgoing messages, and the response is scanned for the
// sections those directives elicit. This is a best-effort keyword heuristic,
// not structured output.
package prompt

import (
	"regexp"
	"strings"

	"github.com/ThommysArt/better-chat/internal/llm"
	"github.com/ThommysArt/better-chat/internal/registry"
)

// Directives appended to the last user message when the selected model has no
// native support for the requested capability.
const (
	ThinkingDirective = "Please show your thinking process step by step before providing the final answer."
	SearchDirective   = "Please note where you would search for current information and cite your sources."
)

// Plan records which capabilities were compensated for one turn, so
// post-processing runs only over compensated responses.
type Plan struct {
	Thinking bool
	Search   bool
}

// Compensated reports whether any rewriting happened.
func (p Plan) Compensated() bool {
	return p.Thinking || p.Search
}

// Apply rewrites the outgoing messages for the requested capability flags.
// Directives are appended (not prepended) to the final user-role message,
// separated by a blank line, and only for capabilities the model does not
// support natively. The input slice is not mutated.
func Apply(messages []llm.ChatMessage, desc registry.ModelDescriptor, useThinking, useSearch bool) ([]llm.ChatMessage, Plan) {
	plan := Plan{
		Thinking: useThinking && !desc.Features.Thinking,
		Search:   useSearch && !desc.Features.Search,
	}
	if !plan.Compensated() {
		return messages, plan
	}

	out := make([]llm.ChatMessage, len(messages))
	copy(out, messages)

	last := -1
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == "user" {
			last = i
			break
		}
	}
	if last < 0 {
		return out, plan
	}

	content := out[last].Content
	if plan.Thinking {
		content += "\n\n" + ThinkingDirective
	}
	if plan.Search {
		content += "\n\n" + SearchDirective
	}
	out[last].Content = content

	return out, plan
}

// Go's regexp has no lookahead, so thinking extraction runs in two passes:
// find the section opener, then find the terminator in the remainder.
var (
	thinkingStart = regexp.MustCompile(`(?i)\b(?:thinking|reasoning|analysis|process)[:\s]+`)
	thinkingEnd   = regexp.MustCompile(`(?i)\n[ \t]*\n[ \t]*(?:final(?:\s+answer)?|answer|conclusion|therefore)[:\s]*`)

	searchLine = regexp.MustCompile(`(?im)^(?:source|reference|citation|search result)s?[:\s]+(.+)$`)
)

// ExtractThinking locates a reasoning section in compensated output. It
// returns the extracted body and the content with the matched span removed.
// No match returns empty thinking and the content unchanged.
func ExtractThinking(content string) (thinking, visible string) {
	loc := thinkingStart.FindStringIndex(content)
	if loc == nil {
		return "", content
	}

	before := content[:loc[0]]
	rest := content[loc[1]:]

	end := thinkingEnd.FindStringIndex(rest)
	if end == nil {
		// Section runs to end of text; everything before the opener stays visible.
		return strings.TrimSpace(rest), strings.TrimSpace(before)
	}

	thinking = strings.TrimSpace(rest[:end[0]])
	visible = strings.TrimSpace(before + rest[end[1]:])
	return thinking, visible
}

// ExtractSearchResults collects cited source lines from compensated output.
// The lines stay in the visible content; only the values are collected.
func ExtractSearchResults(content string) []string {
	var results []string
	for _, m := range searchLine.FindAllStringSubmatch(content, -1) {
		if line := strings.TrimSpace(m[1]); line != "" {
			results = append(results, line)
		}
	}
	return results
}
