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
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/classifier"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/synth"
)

// Query is what every source sees
type Query struct {
	Text   string
	Intent classifier.Intent
	User   *model.User
	Now    time.Time

	// Facilities is the effective facility scope: the requested facilities
	// intersected with the user's access list. Empty means unrestricted.
	Facilities []string
	// Denied is set when the user can see none of the requested facilities.
	Denied bool
}

// SourceResult is what a source contributes to the prompt and the analysis
type SourceResult struct {
	Items           []synth.ContextItem
	Count           int
	Stats           map[string]interface{}
	Summary         string
	Recommendations []string
	Predictions     []Prediction
}

// Source gathers context of one data type
type Source interface {
	Name() classifier.DataType
	Gather(ctx context.Context, q *Query) (*SourceResult, error)
}

func emptyResult(summary string) *SourceResult {
	return &SourceResult{Stats: map[string]interface{}{}, Summary: summary}
}

// resolveScope intersects the requested facilities with the user's access.
func resolveScope(u *model.User, requested []string) ([]string, bool) {
	if u == nil || len(u.FacilitiesAccess) == 0 {
		return requested, false
	}
	if len(requested) == 0 {
		out := make([]string, 0, len(u.FacilitiesAccess))
		for _, f := range u.FacilitiesAccess {
			out = append(out, model.NormalizeFacilityID(f))
		}
		return out, false
	}
	var out []string
	for _, f := range requested {
		if u.CanAccessFacility(f) {
			out = append(out, f)
		}
	}
	return out, len(out) == 0
}

func inScope(facility string, scope []string) bool {
	if len(scope) == 0 || facility == "" {
		return true
	}
	for _, f := range scope {
		if f == facility {
			return true
		}
	}
	return false
}

var unsafeSourceChars = regexp.MustCompile(`[^A-Za-z0-9_.:\-]+`)

// sourceID builds a citation key such as doc-12 or station-PZ_01
func sourceID(prefix, id string) string {
	return prefix + "-" + strings.Trim(unsafeSourceChars.ReplaceAllString(id, "_"), "_")
}

func formatWindow(tr classifier.TimeRange) string {
	return fmt.Sprintf("%s (%s to %s)", tr.Label, tr.Start.Format("2006-01-02"), tr.End.Format("2006-01-02"))
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}

// documentSearcher is the slice of the document service the pipeline uses
type documentSearcher interface {
	Search(ctx context.Context, query string, filter model.DocumentFilter, limit int, u *model.User) ([]model.DocumentHit, error)
	List(ctx context.Context, filter model.DocumentFilter, u *model.User) ([]model.Document, error)
	SemanticSearch(ctx context.Context, query string, documentIDs []int64, topK int) ([]model.ChunkHit, error)
	SemanticEnabled() bool
}

// DocumentSource blends keyword and semantic search over stored documents
type DocumentSource struct {
	docs                documentSearcher
	topK                int
	similarityThreshold float64
}

// NewDocumentSource creates the documents source
func NewDocumentSource(docs documentSearcher, topK int, similarityThreshold float64) *DocumentSource {
	return &DocumentSource{docs: docs, topK: topK, similarityThreshold: similarityThreshold}
}

func (s *DocumentSource) Name() classifier.DataType { return classifier.DataDocuments }

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "were": true, "what": true,
	"which": true, "when": true, "where": true, "who": true, "how": true, "why": true, "show": true,
	"give": true, "tell": true, "about": true, "with": true, "from": true, "this": true, "that": true,
	"these": true, "those": true, "there": true, "have": true, "has": true, "had": true, "any": true,
	"all": true, "our": true, "your": true, "can": true, "does": true, "did": true, "into": true,
	"last": true, "past": true, "days": true, "weeks": true, "months": true, "please": true,
	"find": true, "list": true, "latest": true, "current": true, "currently": true, "over": true,
}

// keywordSearchLimit caps keyword hits before facility scoping
const keywordSearchLimit = 100

var wordPattern = regexp.MustCompile(`[a-z0-9][a-z0-9_\-]*`)

// searchTerms keeps the content words of a query
func searchTerms(query string) []string {
	var terms []string
	seen := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(query), -1) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

type docCandidate struct {
	doc      model.Document
	keyword  float64
	semantic float64
	content  string
}

func (c *docCandidate) score() float64 {
	if c.semantic > c.keyword {
		return c.semantic
	}
	return c.keyword
}

// Gather runs the keyword search and, when available, the semantic search.
// A semantic failure is reported in the stats and the keyword hits are kept.
func (s *DocumentSource) Gather(ctx context.Context, q *Query) (*SourceResult, error) {
	if q.Denied {
		return emptyResult("No documents are accessible for the requested facilities."), nil
	}
	terms := searchTerms(q.Text)
	candidates := map[int64]*docCandidate{}
	var order []int64
	add := func(d model.Document) *docCandidate {
		c, ok := candidates[d.ID]
		if !ok {
			c = &docCandidate{doc: d}
			candidates[d.ID] = c
			order = append(order, d.ID)
		}
		return c
	}

	stats := map[string]interface{}{}
	if len(terms) > 0 {
		hits, err := s.docs.Search(ctx, strings.Join(terms, " "), model.DocumentFilter{}, keywordSearchLimit, q.User)
		if err != nil {
			return nil, fmt.Errorf("keyword search: %w", err)
		}
		kept := 0
		for _, h := range hits {
			if !inScope(h.Document.FacilityID, q.Facilities) {
				continue
			}
			if kept >= s.topK {
				break
			}
			kept++
			c := add(h.Document)
			c.keyword = h.Score
			c.content = h.Snippet
		}
		stats["keyword_hits"] = kept
	}

	if s.docs.SemanticEnabled() {
		n, err := s.semantic(ctx, q, add)
		if err != nil {
			stats["semantic_error"] = err.Error()
		} else {
			stats["semantic_hits"] = n
		}
	}

	items := make([]synth.ContextItem, 0, len(order))
	for _, id := range order {
		c := candidates[id]
		content := c.content
		if strings.TrimSpace(content) == "" {
			content = preview(c.doc.ExtractedText, 600)
		}
		if c.doc.Description != "" {
			content = c.doc.Description + "\n" + content
		}
		title := c.doc.Title
		if c.doc.FacilityID != "" {
			title += " [" + c.doc.FacilityID + "]"
		}
		items = append(items, synth.ContextItem{
			Content:  content,
			SourceID: sourceID("doc", strconv.FormatInt(id, 10)),
			Title:    title,
			Kind:     string(classifier.TypeDocument),
			Score:    round2(c.score()),
			Priority: 1,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > s.topK {
		items = items[:s.topK]
	}
	stats["documents"] = len(items)

	res := &SourceResult{Items: items, Count: len(items), Stats: stats}
	if len(items) == 0 {
		res.Summary = "No relevant documents were found."
	} else {
		titles := make([]string, 0, 3)
		for i := 0; i < len(items) && i < 3; i++ {
			titles = append(titles, items[i].Title)
		}
		res.Summary = fmt.Sprintf("Found %s; most relevant: %s.", plural(len(items), "relevant document"), strings.Join(titles, "; "))
	}
	return res, nil
}

func (s *DocumentSource) semantic(ctx context.Context, q *Query, add func(model.Document) *docCandidate) (int, error) {
	visible, err := s.docs.List(ctx, model.DocumentFilter{}, q.User)
	if err != nil {
		return 0, err
	}
	byID := make(map[int64]model.Document, len(visible))
	ids := make([]int64, 0, len(visible))
	for _, d := range visible {
		if !d.IsIndexed || !inScope(d.FacilityID, q.Facilities) {
			continue
		}
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	hits, err := s.docs.SemanticSearch(ctx, q.Text, ids, s.topK)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range hits {
		d, ok := byID[h.DocumentID]
		if !ok || h.Score < s.similarityThreshold {
			continue
		}
		n++
		c := add(d)
		if h.Score > c.semantic {
			c.semantic = h.Score
			c.content = h.Content
		}
	}
	return n, nil
}

func preview(text string, maxRunes int) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= maxRunes {
		return text
	}
	return strings.TrimSpace(string(r[:maxRunes])) + "..."
}

// alertStore lists monitoring alerts
type alertStore interface {
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.MonitoringAlert, error)
}

// AlertSource reports active alerts, most severe first
type AlertSource struct {
	store alertStore
	limit int
}

// NewAlertSource creates the alerts source
func NewAlertSource(st alertStore, limit int) *AlertSource {
	return &AlertSource{store: st, limit: limit}
}

func (s *AlertSource) Name() classifier.DataType { return classifier.DataAlerts }

func (s *AlertSource) Gather(ctx context.Context, q *Query) (*SourceResult, error) {
	if q.Denied {
		return emptyResult("No alerts are accessible for the requested facilities."), nil
	}
	alerts, err := s.store.ListAlerts(ctx, model.AlertFilter{FacilityIDs: q.Facilities, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	byLevel := map[string]int{}
	var critical []string
	items := make([]synth.ContextItem, 0, len(alerts))
	for i, a := range alerts {
		byLevel[string(a.AlertLevel)]++
		if a.AlertLevel == model.AlertCritical {
			critical = append(critical, a.StationID)
		}
		if i >= s.limit {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Level: %s\nStation: %s\nFacility: %s\nRaised: %s\n", a.AlertLevel, a.StationID, a.FacilityID,
			a.CreatedAt.Format(time.RFC3339))
		if a.TriggerValue != nil && a.ThresholdValue != nil {
			fmt.Fprintf(&b, "Trigger value %.3g against threshold %.3g\n", *a.TriggerValue, *a.ThresholdValue)
		}
		fmt.Fprintf(&b, "Acknowledged: %t\n%s", a.IsAcknowledged, a.Message)
		rank := a.AlertLevel.Rank()
		items = append(items, synth.ContextItem{
			Content:  b.String(),
			SourceID: sourceID("alert", strconv.FormatInt(a.ID, 10)),
			Title:    fmt.Sprintf("%s alert at %s", strings.ToUpper(string(a.AlertLevel)), a.StationID),
			Kind:     string(classifier.TypeAlert),
			Score:    round2(0.5 + 0.15*float64(rank)),
			Priority: rank + 1,
		})
	}

	res := &SourceResult{
		Items: items,
		Count: len(alerts),
		Stats: map[string]interface{}{"active_alerts": len(alerts), "by_level": byLevel},
	}
	if len(alerts) == 0 {
		res.Summary = "There are no active alerts."
		return res, nil
	}
	res.Summary = fmt.Sprintf("%s active: %d critical, %d warning, %d caution.", plural(len(alerts), "alert"),
		byLevel[string(model.AlertCritical)], byLevel[string(model.AlertWarning)], byLevel[string(model.AlertCaution)])
	if len(critical) > 0 {
		res.Recommendations = append(res.Recommendations, fmt.Sprintf(
			"Respond immediately to %s at %s and confirm instrument readings in the field.",
			plural(len(critical), "critical alert"), strings.Join(uniqueStrings(critical), ", ")))
	}
	if unacked := countUnacknowledged(alerts); unacked > 0 {
		res.Recommendations = append(res.Recommendations, fmt.Sprintf(
			"Acknowledge and assign owners to %s.", plural(unacked, "unacknowledged alert")))
	}
	return res, nil
}

func countUnacknowledged(alerts []model.MonitoringAlert) int {
	n := 0
	for _, a := range alerts {
		if !a.IsAcknowledged {
			n++
		}
	}
	return n
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// complianceStore lists assessments and actions
type complianceStore interface {
	ListAssessments(ctx context.Context, filter model.AssessmentFilter) ([]model.ComplianceAssessment, error)
	ListActions(ctx context.Context, filter model.ActionFilter) ([]model.ComplianceAction, error)
}

// ComplianceSource summarises assessments in the window and overdue actions
type ComplianceSource struct {
	store complianceStore
	limit int
}

// NewComplianceSource creates the compliance source
func NewComplianceSource(st complianceStore, limit int) *ComplianceSource {
	return &ComplianceSource{store: st, limit: limit}
}

func (s *ComplianceSource) Name() classifier.DataType { return classifier.DataCompliance }

func (s *ComplianceSource) Gather(ctx context.Context, q *Query) (*SourceResult, error) {
	if q.Denied {
		return emptyResult("No compliance records are accessible for the requested facilities."), nil
	}
	tr := q.Intent.TimeRange
	assessments, err := s.store.ListAssessments(ctx, model.AssessmentFilter{
		FacilityIDs: q.Facilities,
		Standards:   q.Intent.Standards,
		Start:       tr.Start,
		End:         tr.End,
	})
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	overdue, err := s.store.ListActions(ctx, model.ActionFilter{FacilityIDs: q.Facilities, OverdueAt: q.Now})
	if err != nil {
		return nil, fmt.Errorf("list overdue actions: %w", err)
	}

	latest := model.LatestPerRequirement(assessments)
	var assessed, compliant int
	byStatus := map[string]int{}
	var nonCompliant []model.ComplianceAssessment
	for _, a := range latest {
		byStatus[string(a.Status)]++
		if a.Status == model.StatusNotApplicable {
			continue
		}
		assessed++
		switch a.Status {
		case model.StatusCompliant:
			compliant++
		case model.StatusNonCompliant:
			nonCompliant = append(nonCompliant, a)
		}
	}

	stats := map[string]interface{}{
		"assessments":     len(assessments),
		"requirements":    len(latest),
		"by_status":       byStatus,
		"non_compliant":   len(nonCompliant),
		"overdue_actions": len(overdue),
	}
	var pct float64
	if assessed > 0 {
		pct = round2(100 * float64(compliant) / float64(assessed))
		stats["compliance_percentage"] = pct
	}

	res := &SourceResult{Count: len(assessments) + len(overdue), Stats: stats}
	if len(assessments) == 0 && len(overdue) == 0 {
		res.Summary = fmt.Sprintf("No compliance assessments were recorded in %s.", tr.Label)
		return res, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Assessments in window: %d\n", len(assessments))
	if assessed > 0 {
		fmt.Fprintf(&b, "Compliance: %.1f%% (%d of %d assessed requirements compliant)\n", pct, compliant, assessed)
	}
	fmt.Fprintf(&b, "Non-compliant: %d\nOverdue actions: %d", len(nonCompliant), len(overdue))
	res.Items = append(res.Items, synth.ContextItem{
		Content:  b.String(),
		SourceID: "compliance-summary",
		Title:    "Compliance summary, " + formatWindow(tr),
		Kind:     string(classifier.TypeCompliance),
		Score:    0.8,
		Priority: 2,
	})

	added := 0
	for _, a := range assessments {
		if added >= s.limit {
			break
		}
		added++
		priority, score := 1, 0.5
		if a.Status == model.StatusNonCompliant || a.Status == model.StatusPartiallyCompliant {
			priority, score = 2, 0.75
		}
		content := fmt.Sprintf("Requirement: %s (%s)\nFacility: %s\nStatus: %s\nAssessed: %s",
			a.RequirementID, strings.ToUpper(string(a.Standard)), a.FacilityID, a.Status, a.AssessmentDate.Format("2006-01-02"))
		if a.Findings != "" {
			content += "\nFindings: " + a.Findings
		}
		if a.Recommendations != "" {
			content += "\nRecommendations: " + a.Recommendations
		}
		res.Items = append(res.Items, synth.ContextItem{
			Content:  content,
			SourceID: sourceID("assessment", strconv.FormatInt(a.ID, 10)),
			Title:    fmt.Sprintf("Assessment of %s at %s", a.RequirementID, a.FacilityID),
			Kind:     string(classifier.TypeCompliance),
			Score:    score,
			Priority: priority,
		})
	}
	for i, c := range overdue {
		if i >= s.limit {
			break
		}
		content := fmt.Sprintf("Action: %s\nPriority: %s\nStatus: %s\nProgress: %d%%", c.Title, c.Priority, c.Status, c.ProgressPercentage)
		if c.DueDate != nil {
			days := int(q.Now.Sub(*c.DueDate).Hours() / 24)
			content += fmt.Sprintf("\nDue: %s (%s overdue)", c.DueDate.Format("2006-01-02"), plural(days, "day"))
		}
		res.Items = append(res.Items, synth.ContextItem{
			Content:  content,
			SourceID: sourceID("action", strconv.FormatInt(c.ID, 10)),
			Title:    "Overdue action: " + c.Title,
			Kind:     string(classifier.TypeCompliance),
			Score:    0.7,
			Priority: 2,
		})
	}

	res.Summary = fmt.Sprintf("%s in %s", plural(len(assessments), "assessment"), tr.Label)
	if assessed > 0 {
		res.Summary += fmt.Sprintf(", %.1f%% compliant", pct)
	}
	res.Summary += fmt.Sprintf("; %d non-compliant, %s.", len(nonCompliant), plural(len(overdue), "overdue action"))

	if len(nonCompliant) > 0 {
		ids := make([]string, 0, len(nonCompliant))
		for _, a := range nonCompliant {
			ids = append(ids, a.RequirementID)
		}
		res.Recommendations = append(res.Recommendations, fmt.Sprintf(
			"Prepare corrective action plans for non-compliant requirements: %s.", strings.Join(uniqueStrings(ids), ", ")))
	}
	if len(overdue) > 0 {
		res.Recommendations = append(res.Recommendations, fmt.Sprintf(
			"Escalate %s and agree revised completion dates.", plural(len(overdue), "overdue compliance action")))
	}
	return res, nil
}
