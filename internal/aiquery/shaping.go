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

package aiquery

import (
	"strings"

	"github.com/tailingsiq/tailingsiq-backend/internal/classifier"
	"github.com/tailingsiq/tailingsiq-backend/internal/synth"
)

// MaxRecommendations caps the recommendations in a result
const MaxRecommendations = 5

var sourceLabels = map[classifier.DataType]string{
	classifier.DataDocuments:   "Documents",
	classifier.DataMonitoring:  "Monitoring",
	classifier.DataAlerts:      "Alerts",
	classifier.DataCompliance:  "Compliance",
	classifier.DataPredictions: "Predictions",
}

// gathered is the outcome of one source
type gathered struct {
	dataType classifier.DataType
	result   *SourceResult
	err      error
}

// fallbackAnswer summarises gathered data when no LLM answer is available
func fallbackAnswer(query string, intent classifier.Intent, outcomes []gathered, reason string) string {
	var b strings.Builder
	b.WriteString("AI analysis is currently unavailable")
	if reason != "" {
		b.WriteString(" (" + reason + ")")
	}
	b.WriteString(". Summary of the data gathered for your query")
	b.WriteString(" \"" + query + "\"")
	b.WriteString(" over " + formatWindow(intent.TimeRange) + ":\n")

	wrote := false
	for _, o := range outcomes {
		label := sourceLabels[o.dataType]
		switch {
		case o.err != nil:
			b.WriteString("\n- " + label + ": unavailable.")
		case o.result != nil && o.result.Summary != "":
			b.WriteString("\n- " + label + ": " + o.result.Summary)
			wrote = true
		}
	}
	if !wrote {
		b.WriteString("\nNo matching records were found for this query.")
	}
	return b.String()
}

// mergeRecommendations puts LLM recommendations first, then the rule based
// ones, without duplicates, capped at MaxRecommendations.
func mergeRecommendations(fromLLM []string, outcomes []gathered) []string {
	out := make([]string, 0, MaxRecommendations)
	seen := map[string]bool{}
	add := func(r string) {
		key := strings.ToLower(strings.TrimRight(strings.TrimSpace(r), "."))
		if key == "" || seen[key] || len(out) >= MaxRecommendations {
			return
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(r))
	}
	for _, r := range fromLLM {
		add(r)
	}
	for _, o := range outcomes {
		if o.result == nil {
			continue
		}
		for _, r := range o.result.Recommendations {
			add(r)
		}
	}
	return out
}

// visualizations picks chart suggestions from the intent and the data present
func visualizations(intent classifier.Intent, outcomes []gathered) []string {
	has := map[classifier.DataType]bool{}
	for _, o := range outcomes {
		if o.result != nil && o.result.Count > 0 {
			has[o.dataType] = true
		}
	}

	var out []string
	add := func(s string) {
		for _, existing := range out {
			if existing == s {
				return
			}
		}
		out = append(out, s)
	}

	params := "readings"
	if len(intent.Parameters) > 0 {
		params = strings.ReplaceAll(strings.Join(intent.Parameters, ", "), "_", " ")
	}
	switch intent.Type {
	case classifier.TypePrediction:
		if has[classifier.DataPredictions] {
			add("Line chart of " + params + " with 7 and 30 day projections")
			add("Threshold band overlay marking projected crossings")
		}
	case classifier.TypeAlert:
		if has[classifier.DataAlerts] {
			add("Alert timeline grouped by level")
			add("Facility map coloured by station alert status")
		}
	case classifier.TypeCompliance:
		if has[classifier.DataCompliance] {
			add("Bar chart of compliance percentage by standard")
			add("Table of overdue corrective actions")
		}
	case classifier.TypeDocument:
		if has[classifier.DataDocuments] {
			add("Document list ranked by relevance")
		}
	}
	if has[classifier.DataMonitoring] {
		add("Time series chart of " + params + " by station")
		add("Threshold band overlay with caution, warning and critical limits")
	}
	if has[classifier.DataAlerts] {
		add("Alert count by level")
	}
	if has[classifier.DataCompliance] {
		add("Compliance status breakdown")
	}
	if len(out) > MaxRecommendations {
		out = out[:MaxRecommendations]
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// coverage is the share of consulted sources that returned data
func coverage(outcomes []gathered) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	n := 0
	for _, o := range outcomes {
		if o.err == nil && o.result != nil && o.result.Count > 0 {
			n++
		}
	}
	return float64(n) / float64(len(outcomes))
}

// confidenceScore weights intent confidence, source coverage and answer mode
func confidenceScore(intentConfidence, cov float64, mode string) float64 {
	answer := 0.5
	if mode == ModeLLM {
		answer = 1
	}
	return round2(0.4*intentConfidence + 0.4*cov + 0.2*answer)
}

// citedTitles returns the titles of cited items, in citation order, or of
// every included item when nothing was cited.
func citedTitles(included []synth.ContextItem, citations []string) []string {
	byID := make(map[string]synth.ContextItem, len(included))
	for _, it := range included {
		byID[it.SourceID] = it
	}
	out := []string{}
	for _, c := range citations {
		if it, ok := byID[c]; ok {
			out = append(out, it.Title)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, it := range included {
		out = append(out, it.Title)
	}
	return out
}
