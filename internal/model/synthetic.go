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

package model

import (
	"encoding/json"
	"time"
)

// SyntheticDataType names a generator.
type SyntheticDataType string

const (
	SynthMonitoring    SyntheticDataType = "monitoring"
	SynthDocument      SyntheticDataType = "document"
	SynthCompliance    SyntheticDataType = "compliance"
	SynthGeotechnical  SyntheticDataType = "geotechnical"
	SynthEnvironmental SyntheticDataType = "environmental"
	SynthFinancial     SyntheticDataType = "financial"
)

// Valid reports whether t is an accepted dataset type.
func (t SyntheticDataType) Valid() bool {
	switch t {
	case SynthMonitoring, SynthDocument, SynthCompliance, SynthGeotechnical, SynthEnvironmental, SynthFinancial:
		return true
	}
	return false
}

// SyntheticDataset is a named batch of generated records.
type SyntheticDataset struct {
	ID                   int64             `json:"id"`
	DatasetID            string            `json:"dataset_id"`
	Name                 string            `json:"name"`
	Description          string            `json:"description,omitempty"`
	DataType             SyntheticDataType `json:"data_type"`
	RecordCount          int               `json:"record_count"`
	GenerationParameters json.RawMessage   `json:"generation_parameters,omitempty"`
	Status               string            `json:"status"`
	Error                string            `json:"error,omitempty"`
	CreatedBy            int64             `json:"created_by"`
	IsActive             bool              `json:"is_active"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            *time.Time        `json:"updated_at,omitempty"`
}

// Dataset generation states.
const (
	DatasetPending    = "pending"
	DatasetGenerating = "generating"
	DatasetReady      = "ready"
	DatasetFailed     = "failed"
)

// SyntheticRecord is one generated record stored as JSON.
type SyntheticRecord struct {
	ID        int64           `json:"id"`
	DatasetID string          `json:"dataset_id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// DatasetFilter narrows dataset listings.
type DatasetFilter struct {
	CreatedBy  int64
	DataType   SyntheticDataType
	ActiveOnly bool
	Skip       int
	Limit      int
}

// QueryHistory is a stored AI query and its outcome.
type QueryHistory struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	Query           string          `json:"query"`
	Response        string          `json:"response"`
	Intent          json.RawMessage `json:"query_intent,omitempty"`
	Sources         []string        `json:"sources"`
	ConfidenceScore float64         `json:"confidence_score"`
	ProcessingTime  float64         `json:"processing_time"`
	CreatedAt       time.Time       `json:"created_at"`
}
