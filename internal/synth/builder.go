// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package synth assembles the LLM prompt for a classified query from
// ranked context items under a token budget, and parses the answer
// back into body, citations and recommendations.
package synth

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tailingsiq/tailingsiq-backend/internal/classifier"
)

// TruncationNotice is appended to content cut to fit the budget
const TruncationNotice = "...\n\n[Context truncated due to length limits]"

// ContextItem represents a piece of context with its source
type ContextItem struct {
	Content  string  `json:"content"`
	SourceID string  `json:"source_id"`
	Title    string  `json:"title"`
	Kind     string  `json:"kind"`
	Score    float64 `json:"score,omitempty"`
	Priority int     `json:"priority,omitempty"`
}

// PromptConfig bounds prompt size
type PromptConfig struct {
	MaxContextTokens int
	MaxItems         int
	MinItemTokens    int
}

// DefaultPromptConfig returns default configuration
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		MaxContextTokens: 3000,
		MaxItems:         10,
		MinItemTokens:    50,
	}
}

// Prompt is the system and user message pair plus what made it in
type Prompt struct {
	System   string        `json:"system"`
	User     string        `json:"user"`
	Included []ContextItem `json:"included"`
	Dropped  []ContextItem `json:"dropped"`
	// Tokens is the estimated size of the context section
	Tokens int `json:"tokens"`
}

// Parsed is the structured form of an LLM answer
type Parsed struct {
	Body            string   `json:"body"`
	Citations       []string `json:"citations"`
	Recommendations []string `json:"recommendations"`
}

// PrioritizeContext orders by priority then score, both descending, keeping
// input order for ties, and caps the result at maxItems.
func PrioritizeContext(items []ContextItem, maxItems int) []ContextItem {
	sorted := make([]ContextItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Score > sorted[j].Score
	})
	if maxItems >= 0 && len(sorted) > maxItems {
		return sorted[:maxItems]
	}
	return sorted
}

// EstimateTokens provides a rough estimate of token count (4 characters per token)
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// TruncateToTokenLimit cuts text to 90% of the target and appends the truncation notice.
func TruncateToTokenLimit(text string, maxTokens int) string {
	if EstimateTokens(text) <= maxTokens {
		return text
	}
	targetChars := int(float64(maxTokens) * 4 * 0.9)
	runes := []rune(text)
	if len(runes) > targetChars {
		return string(runes[:targetChars]) + TruncationNotice
	}
	return text
}

// BuildPrompt renders the prompt for query. Items are taken in priority
// order while the context stays within cfg.MaxContextTokens. The first item
// that does not fit is truncated if at least cfg.MinItemTokens remain;
// everything after it is dropped.
func BuildPrompt(query string, intent classifier.Intent, items []ContextItem, cfg PromptConfig) Prompt {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultPromptConfig().MaxContextTokens
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = len(items)
	}

	ordered := PrioritizeContext(items, len(items))
	p := Prompt{
		System:   buildSystemPrompt(intent.Type),
		Included: []ContextItem{},
		Dropped:  []ContextItem{},
	}

	// runes the context section may hold while EstimateTokens stays within budget
	capacity := cfg.MaxContextTokens*4 + 3
	var ctx strings.Builder
	used := 0
	full := false

	for _, item := range ordered {
		if full || len(p.Included) >= cfg.MaxItems {
			p.Dropped = append(p.Dropped, item)
			continue
		}

		block := renderBlock(item, item.Content)
		n := utf8.RuneCountInString(block)
		if used+n <= capacity {
			ctx.WriteString(block)
			used += n
			p.Included = append(p.Included, item)
			continue
		}

		full = true
		remaining := cfg.MaxContextTokens - used/4
		room := capacity - used - utf8.RuneCountInString(renderBlock(item, "")) - utf8.RuneCountInString(TruncationNotice)
		if remaining < cfg.MinItemTokens || room <= 0 {
			p.Dropped = append(p.Dropped, item)
			continue
		}
		cut := item
		cut.Content = string([]rune(item.Content)[:room]) + TruncationNotice
		block = renderBlock(cut, cut.Content)
		ctx.WriteString(block)
		used += utf8.RuneCountInString(block)
		p.Included = append(p.Included, cut)
	}

	contextText := ctx.String()
	p.Tokens = EstimateTokens(contextText)
	p.User = buildUserPrompt(query, intent, contextText)
	return p
}

func renderBlock(item ContextItem, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", item.SourceID, item.Title)
	if item.Kind != "" {
		fmt.Fprintf(&b, " (%s)", item.Kind)
	}
	b.WriteString("\n")
	b.WriteString(content)
	b.WriteString("\n\n")
	return b.String()
}

func buildUserPrompt(query string, intent classifier.Intent, contextText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User Query: %s\n\n", query)

	tr := intent.TimeRange
	if !tr.Start.IsZero() {
		fmt.Fprintf(&b, "Time Window: %s (%s to %s)\n", tr.Label, tr.Start.Format("2006-01-02"), tr.End.Format("2006-01-02"))
	}
	if len(intent.Facilities) > 0 {
		fmt.Fprintf(&b, "Facilities: %s\n", strings.Join(intent.Facilities, ", "))
	} else {
		b.WriteString("Facilities: all accessible facilities\n")
	}
	if len(intent.Parameters) > 0 {
		fmt.Fprintf(&b, "Parameters: %s\n", strings.Join(intent.Parameters, ", "))
	}
	b.WriteString("\n")

	if contextText != "" {
		b.WriteString("--- Facility Context ---\n")
		b.WriteString(contextText)
	} else {
		b.WriteString("--- Facility Context ---\nNo matching records were found for this query.\n\n")
	}
	b.WriteString("Please provide your answer now, citing sources as [source_id].")
	return b.String()
}

var intentGuidance = map[classifier.QueryType]string{
	classifier.TypeMonitoring: "Focus on instrument readings: current values, ranges, trends per day and how they compare with alert thresholds.",
	classifier.TypeAlert:      "Start with active critical and warning alerts. State which thresholds were exceeded, by how much, and the immediate response the TARP calls for.",
	classifier.TypePrediction: "Use the projected values to describe where each parameter is heading. Flag projected threshold crossings and state that linear projections are indicative only.",
	classifier.TypeCompliance: "Summarise compliance status by standard. Call out non-compliant requirements and overdue corrective actions with their due dates.",
	classifier.TypeDocument:   "Answer from the documents provided. Quote the relevant findings and name the document they come from.",
	classifier.TypeGeneral:    "Combine the monitoring, document and compliance context into a concise engineering answer.",
}

func buildSystemPrompt(t classifier.QueryType) string {
	guidance, ok := intentGuidance[t]
	if !ok {
		guidance = intentGuidance[classifier.TypeGeneral]
	}
	return `You are TailingsIQ, an expert tailings storage facility (TSF) engineering assistant supporting engineers of record, dam safety reviewers and operations teams.

Answer using only the facility context provided. If the context does not contain the answer, say so plainly rather than guessing.

` + guidance + `

Cite every fact with its source in square brackets using the exact [source_id] shown in the context, for example [doc-12] or [station-PZ-01].

End your answer with a "Recommendations:" section listing concrete, prioritised actions as bullet points.`
}

// ValidatePrompt checks that a built prompt carries the persona, citation
// instructions, recommendations section and the user query.
func ValidatePrompt(p Prompt) error {
	if strings.TrimSpace(p.System) == "" {
		return errors.New("system prompt cannot be empty")
	}
	if strings.TrimSpace(p.User) == "" {
		return errors.New("user prompt cannot be empty")
	}
	if !strings.Contains(p.System, "tailings storage facility") {
		return errors.New("system prompt must contain the TSF engineering persona")
	}
	if !strings.Contains(p.System, "[source_id]") {
		return errors.New("system prompt must contain citation instructions")
	}
	if !strings.Contains(p.System, "Recommendations:") {
		return errors.New("system prompt must request a recommendations section")
	}
	if !strings.Contains(p.User, "User Query:") {
		return errors.New("user prompt must contain user query section")
	}
	return nil
}

var (
	citationRegex       = regexp.MustCompile(`\[([A-Za-z][A-Za-z0-9_.:\-]*)\]`)
	recommendationsHead = regexp.MustCompile(`(?i)^\s*(?:#{1,6}\s*)?\**recommendations?\**\s*(?::\**\s*(.*?)\s*|)$`)
	bulletRegex         = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
)

// ParseResponse splits an answer into body, unique citations in order of
// appearance, and the items of its "Recommendations:" section.
func ParseResponse(text string) Parsed {
	out := Parsed{Citations: extractCitations(text), Recommendations: []string{}}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	start := -1
	for i, line := range lines {
		if recommendationsHead.MatchString(line) {
			start = i
			break
		}
	}
	if start < 0 {
		out.Body = strings.TrimSpace(text)
		return out
	}

	end := len(lines)
	if inline := strings.TrimSpace(recommendationsHead.FindStringSubmatch(lines[start])[1]); inline != "" {
		out.Recommendations = append(out.Recommendations, cleanItem(inline))
	}
	for i := start + 1; i < len(lines); i++ {
		line := lines[i]
		if m := bulletRegex.FindStringSubmatch(line); m != nil {
			out.Recommendations = append(out.Recommendations, cleanItem(m[1]))
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(out.Recommendations) > 0 && (strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t")) {
			last := len(out.Recommendations) - 1
			out.Recommendations[last] += " " + cleanItem(line)
			continue
		}
		end = i
		break
	}

	body := strings.Join(lines[:start], "\n")
	if end < len(lines) {
		body = strings.TrimSpace(body) + "\n\n" + strings.Join(lines[end:], "\n")
	}
	out.Body = strings.TrimSpace(body)
	return out
}

func cleanItem(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "**", "")
	return strings.TrimSpace(s)
}

func extractCitations(text string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, m := range citationRegex.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if id == "source_id" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
