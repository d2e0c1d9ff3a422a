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

package synth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailingsiq/tailingsiq-backend/internal/classifier"
)

func monitoringIntent() classifier.Intent {
	end := time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC)
	return classifier.Intent{
		Type:       classifier.TypeMonitoring,
		TimeRange:  classifier.TimeRange{Label: "last 7 days", Start: end.AddDate(0, 0, -7), End: end},
		Facilities: []string{"TSF_001"},
		Parameters: []string{"pore_pressure"},
	}
}

func TestPrioritizeContext(t *testing.T) {
	items := []ContextItem{
		{SourceID: "a", Priority: 1, Score: 0.5},
		{SourceID: "b", Priority: 2, Score: 0.1},
		{SourceID: "c", Priority: 1, Score: 0.9},
		{SourceID: "d", Priority: 1, Score: 0.5},
	}

	ids := func(items []ContextItem) []string {
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = it.SourceID
		}
		return out
	}

	assert.Equal(t, []string{"b", "c", "a", "d"}, ids(PrioritizeContext(items, 10)))
	assert.Equal(t, []string{"b", "c"}, ids(PrioritizeContext(items, 2)))
	assert.Equal(t, "a", items[0].SourceID, "input must not be reordered")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 1, EstimateTokens("abcdefg"))
	assert.Equal(t, 2, EstimateTokens("éééééééé"))
}

func TestTruncateToTokenLimit(t *testing.T) {
	assert.Equal(t, "short", TruncateToTokenLimit("short", 10))

	got := TruncateToTokenLimit(strings.Repeat("x", 1000), 10)
	assert.Equal(t, strings.Repeat("x", 36)+TruncationNotice, got)
}

func budgetItems() []ContextItem {
	return []ContextItem{
		{SourceID: "doc-3", Title: "Closure Plan", Kind: "document", Content: "closure", Priority: 0},
		{SourceID: "station-PZ-01", Title: "PZ-01", Kind: "monitoring", Content: strings.Repeat("b", 300), Priority: 1},
		{SourceID: "doc-1", Title: "Dam Safety Review", Kind: "document", Content: strings.Repeat("a", 200), Priority: 2},
	}
}

func TestBuildPromptTruncatesFirstItemThatDoesNotFit(t *testing.T) {
	cfg := PromptConfig{MaxContextTokens: 100, MaxItems: 10, MinItemTokens: 20}
	p := BuildPrompt("How is PZ-01 trending?", monitoringIntent(), budgetItems(), cfg)

	require.Len(t, p.Included, 2)
	assert.Equal(t, "doc-1", p.Included[0].SourceID)
	assert.Equal(t, "station-PZ-01", p.Included[1].SourceID)
	assert.True(t, strings.HasSuffix(p.Included[1].Content, TruncationNotice))
	assert.Equal(t, strings.Repeat("b", 82)+TruncationNotice, p.Included[1].Content)

	require.Len(t, p.Dropped, 1)
	assert.Equal(t, "doc-3", p.Dropped[0].SourceID)

	assert.Equal(t, 100, p.Tokens)
	assert.LessOrEqual(t, p.Tokens, cfg.MaxContextTokens)
	assert.NoError(t, ValidatePrompt(p))
}

func TestBuildPromptDropsWhenTooLittleRemains(t *testing.T) {
	cfg := PromptConfig{MaxContextTokens: 100, MaxItems: 10, MinItemTokens: 50}
	p := BuildPrompt("How is PZ-01 trending?", monitoringIntent(), budgetItems(), cfg)

	require.Len(t, p.Included, 1)
	assert.Len(t, p.Dropped, 2)
	assert.NotContains(t, p.User, "[station-PZ-01]")
	assert.LessOrEqual(t, p.Tokens, cfg.MaxContextTokens)
}

func TestBuildPromptMaxItems(t *testing.T) {
	cfg := PromptConfig{MaxContextTokens: 10000, MaxItems: 2, MinItemTokens: 10}
	p := BuildPrompt("status", monitoringIntent(), budgetItems(), cfg)
	assert.Len(t, p.Included, 2)
	require.Len(t, p.Dropped, 1)
	assert.Equal(t, "doc-3", p.Dropped[0].SourceID)
}

func TestBuildPromptSections(t *testing.T) {
	items := []ContextItem{{SourceID: "doc-7", Title: "OMS Manual", Kind: "document", Content: "Pond operating level is 412.5 m."}}
	p := BuildPrompt("What is the operating level?", monitoringIntent(), items, DefaultPromptConfig())

	assert.Contains(t, p.System, "tailings storage facility")
	assert.Contains(t, p.System, "instrument readings")
	assert.Contains(t, p.User, "User Query: What is the operating level?")
	assert.Contains(t, p.User, "Time Window: last 7 days (2024-06-05 to 2024-06-12)")
	assert.Contains(t, p.User, "Facilities: TSF_001")
	assert.Contains(t, p.User, "Parameters: pore_pressure")
	assert.Contains(t, p.User, "[doc-7] OMS Manual (document)\nPond operating level is 412.5 m.")
	assert.Empty(t, p.Dropped)
	assert.Equal(t, EstimateTokens("[doc-7] OMS Manual (document)\nPond operating level is 412.5 m.\n\n"), p.Tokens)

	empty := BuildPrompt("anything", classifier.Intent{Type: classifier.TypeGeneral}, nil, DefaultPromptConfig())
	assert.Contains(t, empty.User, "Facilities: all accessible facilities")
	assert.Contains(t, empty.User, "No matching records")
	assert.Zero(t, empty.Tokens)
}

func TestSystemPromptGuidance(t *testing.T) {
	tests := map[classifier.QueryType]string{
		classifier.TypeAlert:      "thresholds were exceeded",
		classifier.TypePrediction: "projected threshold crossings",
		classifier.TypeCompliance: "overdue corrective actions",
		classifier.TypeDocument:   "documents provided",
		classifier.TypeGeneral:    "concise engineering answer",
		"unknown":                 "concise engineering answer",
	}
	for qt, want := range tests {
		assert.Contains(t, buildSystemPrompt(qt), want, string(qt))
	}
}

func TestValidatePrompt(t *testing.T) {
	good := BuildPrompt("q", monitoringIntent(), nil, DefaultPromptConfig())
	require.NoError(t, ValidatePrompt(good))

	tests := []struct {
		name   string
		mutate func(p *Prompt)
		want   string
	}{
		{"empty system", func(p *Prompt) { p.System = " " }, "system prompt cannot be empty"},
		{"empty user", func(p *Prompt) { p.User = "" }, "user prompt cannot be empty"},
		{"no persona", func(p *Prompt) { p.System = "You are helpful. [source_id] Recommendations:" }, "persona"},
		{"no citations", func(p *Prompt) { p.System = strings.ReplaceAll(p.System, "[source_id]", "") }, "citation"},
		{"no recommendations", func(p *Prompt) { p.System = strings.ReplaceAll(p.System, "Recommendations:", "") }, "recommendations"},
		{"no query", func(p *Prompt) { p.User = "context only" }, "user query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := good
			tt.mutate(&p)
			assert.ErrorContains(t, ValidatePrompt(p), tt.want)
		})
	}
}

func TestParseResponse(t *testing.T) {
	text := `Pore pressure at PZ-01 rose 4 kPa over the week [station-PZ-01]. The DSR flagged this [doc-12] and [station-PZ-01].

Recommendations:
- Increase reading frequency at PZ-01 [station-PZ-01]
- **Review** drainage
  at the toe
1. Notify the EOR

Prepared automatically.`

	got := ParseResponse(text)
	assert.Equal(t, []string{"station-PZ-01", "doc-12"}, got.Citations)
	assert.Equal(t, []string{
		"Increase reading frequency at PZ-01 [station-PZ-01]",
		"Review drainage at the toe",
		"Notify the EOR",
	}, got.Recommendations)
	assert.Equal(t, "Pore pressure at PZ-01 rose 4 kPa over the week [station-PZ-01]. The DSR flagged this [doc-12] and [station-PZ-01].\n\nPrepared automatically.", got.Body)
}

func TestParseResponseVariants(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		body      string
		recs      []string
		citations []string
	}{
		{
			name:      "no section",
			text:      "All readings normal.",
			body:      "All readings normal.",
			recs:      []string{},
			citations: []string{},
		},
		{
			name:      "inline bold heading",
			text:      "Answer.\n**Recommendations:** Lower the pond level",
			body:      "Answer.",
			recs:      []string{"Lower the pond level"},
			citations: []string{},
		},
		{
			name:      "markdown heading",
			text:      "Answer [doc-1].\n\n## Recommendations\n* Inspect the spillway\n* Update the TARP",
			body:      "Answer [doc-1].",
			recs:      []string{"Inspect the spillway", "Update the TARP"},
			citations: []string{"doc-1"},
		},
		{
			name:      "word in a sentence is not a heading",
			text:      "Recommendation from the 2023 review was adopted.",
			body:      "Recommendation from the 2023 review was adopted.",
			recs:      []string{},
			citations: []string{},
		},
		{
			name:      "placeholders and notices are not citations",
			text:      "Use [source_id] style. [Context truncated due to length limits]",
			body:      "Use [source_id] style. [Context truncated due to length limits]",
			recs:      []string{},
			citations: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResponse(tt.text)
			assert.Equal(t, tt.body, got.Body)
			assert.Equal(t, tt.recs, got.Recommendations)
			assert.Equal(t, tt.citations, got.Citations)
		})
	}
}
