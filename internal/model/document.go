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

// DocumentType classifies uploaded documents.
type DocumentType string

const (
	DocTechnicalReport    DocumentType = "technical_report"
	DocDesignDocument     DocumentType = "design_document"
	DocMonitoringReport   DocumentType = "monitoring_report"
	DocComplianceDocument DocumentType = "compliance_document"
	DocRiskAssessment     DocumentType = "risk_assessment"
	DocEmergencyPlan      DocumentType = "emergency_plan"
	DocInspectionReport   DocumentType = "inspection_report"
	DocPermit             DocumentType = "permit"
	DocCorrespondence     DocumentType = "correspondence"
	DocOther              DocumentType = "other"
)

// Valid reports whether t is a known document type.
func (t DocumentType) Valid() bool {
	switch t {
	case DocTechnicalReport, DocDesignDocument, DocMonitoringReport, DocComplianceDocument,
		DocRiskAssessment, DocEmergencyPlan, DocInspectionReport, DocPermit, DocCorrespondence, DocOther:
		return true
	}
	return false
}

// DocumentStatus tracks processing of an uploaded file.
type DocumentStatus string

const (
	DocStatusProcessing DocumentStatus = "processing"
	DocStatusProcessed  DocumentStatus = "processed"
	DocStatusFailed     DocumentStatus = "failed"
	DocStatusArchived   DocumentStatus = "archived"
)

// Document is an uploaded file and its extracted text.
type Document struct {
	ID                int64           `json:"id"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Filename          string          `json:"filename"`
	OriginalFilename  string          `json:"original_filename"`
	FilePath          string          `json:"-"`
	FileSize          int64           `json:"file_size"`
	ContentType       string          `json:"content_type"`
	DocumentType      DocumentType    `json:"document_type"`
	Status            DocumentStatus  `json:"status"`
	FacilityID        string          `json:"facility_id,omitempty"`
	Tags              []string        `json:"tags"`
	IsConfidential    bool            `json:"is_confidential"`
	ExtractedText     string          `json:"-"`
	ExtractedMetadata json.RawMessage `json:"extracted_metadata,omitempty"`
	IsIndexed         bool            `json:"is_indexed"`
	ChunkCount        int             `json:"chunk_count"`
	UploadedBy        int64           `json:"uploaded_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         *time.Time      `json:"updated_at,omitempty"`
}

// VisibleTo reports whether u may see the document.
func (d *Document) VisibleTo(u *User) bool {
	if u == nil {
		return false
	}
	if d.FacilityID != "" && !u.CanAccessFacility(d.FacilityID) {
		return false
	}
	if !d.IsConfidential {
		return true
	}
	switch u.Role {
	case RoleSuperAdmin, RoleAdmin, RoleEngineerOfRecord:
		return true
	}
	return d.UploadedBy == u.ID
}

// DocumentChunk is an indexed slice of a document's text.
type DocumentChunk struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
}

// DocumentFilter narrows document listings and searches.
type DocumentFilter struct {
	DocumentType   DocumentType
	FacilityID     string
	Status         DocumentStatus
	IncludeArchive bool
	Skip           int
	Limit          int
}

// DocumentHit is a document matched by keyword search.
type DocumentHit struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
	Snippet  string   `json:"snippet"`
}

// ChunkHit is a chunk matched by vector search.
type ChunkHit struct {
	DocumentID int64   `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// DatasetRow is one CSV row ingested into a named dataset.
type DatasetRow struct {
	ID          int64           `json:"id"`
	DatasetName string          `json:"dataset_name"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   time.Time       `json:"created_at"`
}
