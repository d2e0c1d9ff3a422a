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
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/classifier"
)

// Answer modes
const (
	ModeLLM      = "llm"
	ModeFallback = "fallback"
)

// Request is a natural language query with optional scoping context.
// Recognised context keys are facility_id, facility_ids, start_date,
// end_date and standard.
type Request struct {
	Query           string                 `json:"query" binding:"required"`
	Context         map[string]interface{} `json:"context,omitempty"`
	IncludeSources  *bool                  `json:"include_sources,omitempty"`
	IncludeAnalysis *bool                  `json:"include_analysis,omitempty"`
}

func (r Request) includeSources() bool  { return r.IncludeSources == nil || *r.IncludeSources }
func (r Request) includeAnalysis() bool { return r.IncludeAnalysis == nil || *r.IncludeAnalysis }

// Result is the shaped answer to a query
type Result struct {
	Response                 string            `json:"response"`
	QueryIntent              classifier.Intent `json:"query_intent"`
	Analysis                 *Analysis         `json:"analysis"`
	DataSummary              *DataSummary      `json:"data_summary"`
	Recommendations          []string          `json:"recommendations"`
	VisualizationSuggestions []string          `json:"visualization_suggestions"`
	Sources                  []string          `json:"sources"`
	ConfidenceScore          float64           `json:"confidence_score"`
	ProcessingTime           float64           `json:"processing_time"`
	Timestamp                time.Time         `json:"timestamp"`

	Mode string `json:"-"`
}

// Analysis carries per-source statistics and pipeline diagnostics
type Analysis struct {
	Sources       map[classifier.DataType]map[string]interface{} `json:"sources,omitempty"`
	Predictions   []Prediction                                   `json:"predictions,omitempty"`
	LowConfidence bool                                           `json:"low_confidence,omitempty"`
	Mode          string                                         `json:"mode,omitempty"`
	Warnings      []string                                       `json:"warnings,omitempty"`
	PromptTokens  int                                            `json:"prompt_tokens,omitempty"`
	Dropped       int                                            `json:"dropped_items,omitempty"`
}

// DataSummary counts what each source contributed
type DataSummary struct {
	Counts     map[classifier.DataType]int `json:"counts,omitempty"`
	TimeWindow *classifier.TimeRange       `json:"time_window,omitempty"`
	Facilities []string                    `json:"facilities,omitempty"`
	Included   int                         `json:"context_items,omitempty"`
}

// Prediction is a linear projection of one station's readings
type Prediction struct {
	StationID        string  `json:"station_id"`
	StationName      string  `json:"station_name"`
	FacilityID       string  `json:"facility_id"`
	Parameter        string  `json:"parameter"`
	Unit             string  `json:"unit,omitempty"`
	Current          float64 `json:"current"`
	TrendPerDay      float64 `json:"trend_per_day"`
	Projected7d      float64 `json:"projected_7d"`
	Projected30d     float64 `json:"projected_30d"`
	CurrentLevel     string  `json:"current_level"`
	ProjectedLevel   string  `json:"projected_level"`
	CrossesThreshold bool    `json:"crosses_threshold"`
}

// HistoryItem is one entry of a user's query history
type HistoryItem struct {
	ID              int64     `json:"id"`
	Query           string    `json:"query"`
	ResponsePreview string    `json:"response_preview"`
	Timestamp       time.Time `json:"timestamp"`
	ConfidenceScore float64   `json:"confidence_score"`
}

// HistoryPage is a page of query history
type HistoryPage struct {
	Queries    []HistoryItem `json:"queries"`
	TotalCount int           `json:"total_count"`
}

// IndexQueued acknowledges a queued indexing request
type IndexQueued struct {
	Message    string `json:"message"`
	DocumentID int64  `json:"document_id"`
	Status     string `json:"status"`
}

// Answer is the reply to a direct question
type Answer struct {
	Answer string `json:"answer"`
}
