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

// Package classifier turns a free-text question about a tailings
// facility into an Intent: what kind of question it is, which data
// sources should answer it, the time window, and the facilities,
// parameters and standards it names. Classification is keyword based
// and has no side effects.
package classifier

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

// QueryType is the primary kind of question
type QueryType string

const (
	TypeMonitoring QueryType = "monitoring"
	TypeDocument   QueryType = "document"
	TypeCompliance QueryType = "compliance"
	TypePrediction QueryType = "prediction"
	TypeAlert      QueryType = "alert"
	TypeGeneral    QueryType = "general"
)

// DataType names a context source consulted by the query pipeline
type DataType string

const (
	DataDocuments   DataType = "documents"
	DataMonitoring  DataType = "monitoring"
	DataAlerts      DataType = "alerts"
	DataCompliance  DataType = "compliance"
	DataPredictions DataType = "predictions"
)

const (
	// GeneralConfidence is reported when no keyword matched
	GeneralConfidence = 0.3
	// DefaultWindowDays is used when the query names no period
	DefaultWindowDays = 30
	// strongScore is the keyword weight at which match strength saturates
	strongScore = 2.0
)

// priority breaks ties between equally scored types
var priority = []QueryType{TypeAlert, TypePrediction, TypeCompliance, TypeMonitoring, TypeDocument}

// dataOrder is the canonical order of DataTypes in an Intent
var dataOrder = []DataType{DataDocuments, DataMonitoring, DataAlerts, DataCompliance, DataPredictions}

var sourcesFor = map[QueryType][]DataType{
	TypeMonitoring: {DataMonitoring},
	TypeDocument:   {DataDocuments},
	TypeCompliance: {DataCompliance},
	TypePrediction: {DataPredictions, DataMonitoring},
	TypeAlert:      {DataAlerts, DataMonitoring},
	TypeGeneral:    {DataDocuments, DataMonitoring, DataCompliance},
}

type keyword struct {
	term   string
	weight float64
}

// keywords match at word starts, so "exceed" also matches "exceedance".
// Entries in wholeWords are the exception.
var keywords = map[QueryType][]keyword{
	TypeMonitoring: {
		{"water level", 1.5}, {"piezometer", 1.5}, {"pore pressure", 1.5}, {"pore water", 1.5},
		{"settlement", 1.2}, {"seepage", 1.2}, {"displacement", 1.2}, {"inclinometer", 1.5},
		{"freeboard", 1.2}, {"reading", 1.0}, {"trend", 1.0}, {"monitoring", 1.0},
		{"sensor", 1.0}, {"instrument", 1.0}, {"station", 0.8}, {"measurement", 1.0},
		{"deformation", 1.0}, {"rainfall", 0.8}, {"flow rate", 1.0}, {"vibration", 1.0},
	},
	TypeDocument: {
		{"report", 1.0}, {"document", 1.2}, {"manual", 1.2}, {"plan", 0.8}, {"drawing", 1.2},
		{"design", 0.8}, {"inspection", 0.8}, {"procedure", 1.0}, {"specification", 1.0},
		{"study", 0.8}, {"review", 0.6}, {"file", 0.8}, {"record", 0.6}, {"operations manual", 1.5},
		{"dam safety review", 1.5}, {"emergency response plan", 1.5},
	},
	TypeCompliance: {
		{"gistm", 2.0}, {"ancold", 2.0}, {"icold", 2.0}, {"cda", 1.5}, {"mac", 0.8},
		{"towards sustainable mining", 1.5}, {"regulation", 1.2}, {"regulatory", 1.2},
		{"audit", 1.2}, {"requirement", 1.2}, {"compliant", 1.5}, {"compliance", 1.5},
		{"non-compliant", 1.5}, {"non-compliance", 1.5}, {"standard", 1.0}, {"guideline", 1.0},
		{"permit", 1.0}, {"assessment", 0.8}, {"corrective action", 1.2}, {"overdue", 0.8},
	},
	TypePrediction: {
		{"predict", 1.5}, {"forecast", 1.5}, {"projection", 1.5}, {"project", 0.6},
		{"will", 1.0}, {"next", 1.0}, {"future", 1.2}, {"expected", 1.0}, {"extrapolat", 1.5},
		{"estimate", 0.8}, {"going to", 1.0}, {"upcoming", 0.8}, {"outlook", 1.2},
	},
	TypeAlert: {
		{"alert", 1.5}, {"alarm", 1.5}, {"exceed", 1.5}, {"threshold", 1.2}, {"critical", 1.2},
		{"warning", 1.2}, {"emergency", 1.5}, {"breach", 1.2}, {"trigger", 1.0},
		{"caution", 0.8}, {"incident", 1.0}, {"failure", 1.0}, {"unsafe", 1.2}, {"urgent", 1.0},
	},
}

// parameterTerms maps query phrases to monitored parameters
var parameterTerms = []struct {
	term      string
	parameter string
	monType   model.MonitoringType
}{
	{"water level", "water_level", model.MonWaterLevel},
	{"pond level", "water_level", model.MonWaterLevel},
	{"piezometer", "pore_pressure", model.MonPorePressure},
	{"pore pressure", "pore_pressure", model.MonPorePressure},
	{"pore water", "pore_pressure", model.MonPorePressure},
	{"freeboard", "freeboard", model.MonWaterLevel},
	{"factor of safety", "factor_of_safety", model.MonOther},
	{"fos", "factor_of_safety", model.MonOther},
	{"settlement", "settlement", model.MonSettlement},
	{"displacement", "displacement", model.MonDisplacement},
	{"deformation", "displacement", model.MonDisplacement},
	{"inclinometer", "displacement", model.MonDisplacement},
	{"seepage", "seepage", model.MonSeepage},
	{"vibration", "vibration", model.MonVibration},
	{"seismic", "vibration", model.MonVibration},
	{"rainfall", "rainfall", model.MonWeather},
	{"precipitation", "rainfall", model.MonWeather},
	{"ph", "ph", model.MonChemistry},
	{"turbidity", "turbidity", model.MonChemistry},
	{"flow rate", "flow_rate", model.MonFlowRate},
	{"discharge", "flow_rate", model.MonFlowRate},
}

var standardTerms = []struct {
	term     string
	standard model.ComplianceStandard
}{
	{"gistm", model.StdGISTM},
	{"global industry standard", model.StdGISTM},
	{"ancold", model.StdANCOLD},
	{"cda", model.StdCDA},
	{"canadian dam association", model.StdCDA},
	{"icold", model.StdICOLD},
	{"mac", model.StdMAC},
	{"mining association of canada", model.StdMAC},
	{"towards sustainable mining", model.StdMAC},
}

// TimeRange is the window a query refers to
type TimeRange struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Intent is the classified form of a query
type Intent struct {
	Type            QueryType                  `json:"type"`
	DataTypes       []DataType                 `json:"data_types"`
	TimeRange       TimeRange                  `json:"time_range"`
	Confidence      float64                    `json:"confidence"`
	Facilities      []string                   `json:"facilities"`
	Parameters      []string                   `json:"parameters"`
	MonitoringTypes []model.MonitoringType     `json:"-"`
	Standards       []model.ComplianceStandard `json:"standards,omitempty"`
	Scores          map[QueryType]float64      `json:"-"`
}

// Has reports whether the intent consults the data type
func (i Intent) Has(dt DataType) bool {
	for _, d := range i.DataTypes {
		if d == dt {
			return true
		}
	}
	return false
}

// Classifier holds the default time window
type Classifier struct {
	defaultWindow int
}

// New returns a classifier whose default window is windowDays (30 when not positive)
func New(windowDays int) *Classifier {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &Classifier{defaultWindow: windowDays}
}

// Classify analyses query relative to now
func (c *Classifier) Classify(query string, now time.Time) Intent {
	text := normalize(query)

	scores := make(map[QueryType]float64, len(keywords))
	for t, kws := range keywords {
		for _, kw := range kws {
			if containsWord(text, kw.term) {
				scores[t] += kw.weight
			}
		}
	}

	primary, top, second := TypeGeneral, 0.0, 0.0
	for _, t := range priority {
		s := scores[t]
		switch {
		case s > top:
			second = top
			primary, top = t, s
		case s > second:
			second = s
		}
	}

	intent := Intent{
		Type:       primary,
		TimeRange:  c.parseTimeRange(text, now),
		Facilities: Facilities(query),
		Scores:     scores,
	}
	intent.DataTypes = dataTypes(primary, scores)
	intent.Parameters, intent.MonitoringTypes = parameters(text)
	intent.Standards = standards(text)

	if primary == TypeGeneral {
		intent.Confidence = GeneralConfidence
	} else {
		strength := math.Min(1, top/strongScore)
		margin := (top - second) / top
		intent.Confidence = round2(math.Min(1, 0.5+0.3*strength+0.2*margin))
	}
	return intent
}

func dataTypes(primary QueryType, scores map[QueryType]float64) []DataType {
	want := make(map[DataType]bool)
	for _, d := range sourcesFor[primary] {
		want[d] = true
	}
	for t, s := range scores {
		if s > 0 {
			for _, d := range sourcesFor[t] {
				want[d] = true
			}
		}
	}
	out := make([]DataType, 0, len(want))
	for _, d := range dataOrder {
		if want[d] {
			out = append(out, d)
		}
	}
	return out
}

var nonWord = regexp.MustCompile(`[^a-z0-9_\-]+`)

// normalize lowercases and collapses punctuation to single spaces, padded at both ends.
func normalize(s string) string {
	s = nonWord.ReplaceAllString(strings.ToLower(s), " ")
	return " " + strings.Join(strings.Fields(s), " ") + " "
}

// wholeWords are keywords that prefix matching would confuse with unrelated
// words, such as "will" in "willow" or "plan" in "planet". They match the
// word or its plural.
var wholeWords = map[string]bool{
	"will": true, "next": true, "plan": true, "project": true, "file": true,
}

// containsWord matches term at a word start in normalized text. Terms of
// three letters or fewer and wholeWords must match a whole word.
func containsWord(text, term string) bool {
	if len(term) <= 3 {
		return containsExact(text, term)
	}
	if wholeWords[term] {
		return containsExact(text, term) || containsExact(text, term+"s")
	}
	return strings.Contains(text, " "+term)
}

// containsExact matches term as a whole word or phrase.
func containsExact(text, term string) bool {
	return strings.Contains(text, " "+term+" ")
}

func parameters(text string) ([]string, []model.MonitoringType) {
	params := []string{}
	types := []model.MonitoringType{}
	seenParam := map[string]bool{}
	seenType := map[model.MonitoringType]bool{}
	for _, p := range parameterTerms {
		if !containsExact(text, p.term) && !containsExact(text, p.term+"s") {
			continue
		}
		if !seenParam[p.parameter] {
			seenParam[p.parameter] = true
			params = append(params, p.parameter)
		}
		if !seenType[p.monType] {
			seenType[p.monType] = true
			types = append(types, p.monType)
		}
	}
	return params, types
}

func standards(text string) []model.ComplianceStandard {
	var out []model.ComplianceStandard
	seen := map[model.ComplianceStandard]bool{}
	for _, s := range standardTerms {
		if containsExact(text, s.term) && !seen[s.standard] {
			seen[s.standard] = true
			out = append(out, s.standard)
		}
	}
	return out
}

// Facilities extracts TSF identifiers, normalized to TSF_NNN, in order of appearance.
func Facilities(query string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, m := range model.FacilityIDPattern.FindAllStringSubmatch(query, -1) {
		id := model.CanonicalTSF(m[1])
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

var (
	relativePattern = regexp.MustCompile(` (?:last|past|previous) (\d{1,4}) (hour|day|week|month|year)s? `)
	periodPattern   = regexp.MustCompile(` (last|past|previous|this) (week|month|quarter|year) `)
	sincePattern    = regexp.MustCompile(` since (\d{4}-\d{2}-\d{2}) `)
)

func (c *Classifier) parseTimeRange(text string, now time.Time) TimeRange {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if m := sincePattern.FindStringSubmatch(text); m != nil {
		if start, err := time.Parse("2006-01-02", m[1]); err == nil && !start.After(now) {
			return TimeRange{Label: "since " + m[1], Start: start, End: now}
		}
	}
	if m := relativePattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n > 0 {
			label := "last " + m[1] + " " + m[2]
			if n > 1 {
				label += "s"
			}
			return TimeRange{Label: label, Start: subtract(now, n, m[2]), End: now}
		}
	}
	if m := periodPattern.FindStringSubmatch(text); m != nil {
		label := m[1] + " " + m[2]
		if m[1] == "this" {
			return TimeRange{Label: label, Start: startOf(today, m[2]), End: now}
		}
		label = "last " + m[2]
		if m[2] == "quarter" {
			return TimeRange{Label: label, Start: now.AddDate(0, -3, 0), End: now}
		}
		return TimeRange{Label: label, Start: subtract(now, 1, m[2]), End: now}
	}
	switch {
	case containsExact(text, "today"):
		return TimeRange{Label: "today", Start: today, End: now}
	case containsExact(text, "yesterday"):
		return TimeRange{Label: "yesterday", Start: today.AddDate(0, 0, -1), End: today}
	}

	return TimeRange{
		Label: "last " + strconv.Itoa(c.defaultWindow) + " days",
		Start: now.AddDate(0, 0, -c.defaultWindow),
		End:   now,
	}
}

func subtract(now time.Time, n int, unit string) time.Time {
	switch unit {
	case "hour":
		return now.Add(-time.Duration(n) * time.Hour)
	case "week":
		return now.AddDate(0, 0, -7*n)
	case "month":
		return now.AddDate(0, -n, 0)
	case "year":
		return now.AddDate(-n, 0, 0)
	default:
		return now.AddDate(0, 0, -n)
	}
}

// startOf returns the start of the week (Monday), month or year containing day
func startOf(day time.Time, unit string) time.Time {
	switch unit {
	case "week":
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case "month":
		return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	case "quarter":
		q := (int(day.Month()) - 1) / 3
		return time.Date(day.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(day.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
