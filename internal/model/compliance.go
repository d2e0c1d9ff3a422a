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

// ComplianceStandard is a regulatory or industry standard.
type ComplianceStandard string

const (
	StdGISTM           ComplianceStandard = "gistm"
	StdANCOLD          ComplianceStandard = "ancold"
	StdCDA             ComplianceStandard = "cda"
	StdICOLD           ComplianceStandard = "icold"
	StdMAC             ComplianceStandard = "mac"
	StdLocalRegulation ComplianceStandard = "local_regulation"
	StdCompanyStandard ComplianceStandard = "company_standard"
	StdOther           ComplianceStandard = "other"
)

// Valid reports whether s is a known standard.
func (s ComplianceStandard) Valid() bool {
	switch s {
	case StdGISTM, StdANCOLD, StdCDA, StdICOLD, StdMAC, StdLocalRegulation, StdCompanyStandard, StdOther:
		return true
	}
	return false
}

// ComplianceStatus is the outcome of an assessment.
type ComplianceStatus string

const (
	StatusCompliant          ComplianceStatus = "compliant"
	StatusNonCompliant       ComplianceStatus = "non_compliant"
	StatusPartiallyCompliant ComplianceStatus = "partially_compliant"
	StatusUnderReview        ComplianceStatus = "under_review"
	StatusNotApplicable      ComplianceStatus = "not_applicable"
)

// Valid reports whether s is a known status.
func (s ComplianceStatus) Valid() bool {
	switch s {
	case StatusCompliant, StatusNonCompliant, StatusPartiallyCompliant, StatusUnderReview, StatusNotApplicable:
		return true
	}
	return false
}

// Action statuses.
const (
	ActionOpen       = "open"
	ActionInProgress = "in_progress"
	ActionCompleted  = "completed"
	ActionCancelled  = "cancelled"
)

// ComplianceRequirement is a clause of a standard.
type ComplianceRequirement struct {
	ID                  int64              `json:"id"`
	RequirementID       string             `json:"requirement_id"`
	Title               string             `json:"title"`
	Description         string             `json:"description"`
	Standard            ComplianceStandard `json:"standard"`
	Section             string             `json:"section,omitempty"`
	Subsection          string             `json:"subsection,omitempty"`
	Version             string             `json:"version,omitempty"`
	Category            string             `json:"category,omitempty"`
	Subcategory         string             `json:"subcategory,omitempty"`
	RiskLevel           string             `json:"risk_level"`
	IsMandatory         bool               `json:"is_mandatory"`
	Frequency           string             `json:"frequency,omitempty"`
	DueDateRule         string             `json:"due_date_rule,omitempty"`
	GuidanceNotes       string             `json:"guidance_notes,omitempty"`
	References          []string           `json:"references"`
	RelatedRequirements []string           `json:"related_requirements"`
	IsActive            bool               `json:"is_active"`
	EffectiveDate       *time.Time         `json:"effective_date,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}

// ComplianceAssessment records a facility's status against a requirement.
type ComplianceAssessment struct {
	ID                int64              `json:"id"`
	RequirementID     string             `json:"requirement_id"`
	Standard          ComplianceStandard `json:"standard,omitempty"`
	FacilityID        string             `json:"facility_id"`
	AssessmentDate    time.Time          `json:"assessment_date"`
	AssessorID        int64              `json:"assessor_id"`
	Status            ComplianceStatus   `json:"status"`
	EvidenceProvided  string             `json:"evidence_provided,omitempty"`
	EvidenceDocuments []int64            `json:"evidence_documents"`
	Findings          string             `json:"findings,omitempty"`
	Recommendations   string             `json:"recommendations,omitempty"`
	ComplianceScore   *float64           `json:"compliance_score,omitempty"`
	RiskScore         *float64           `json:"risk_score,omitempty"`
	ConfidenceLevel   *float64           `json:"confidence_level,omitempty"`
	ActionsRequired   json.RawMessage    `json:"actions_required,omitempty"`
	DueDate           *time.Time         `json:"due_date,omitempty"`
	IsReviewed        bool               `json:"is_reviewed"`
	ReviewedBy        *int64             `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time         `json:"reviewed_at,omitempty"`
	ReviewComments    string             `json:"review_comments,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// ComplianceAction is a corrective or preventive task raised by an assessment.
type ComplianceAction struct {
	ID                   int64      `json:"id"`
	AssessmentID         int64      `json:"assessment_id"`
	FacilityID           string     `json:"facility_id,omitempty"`
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	ActionType           string     `json:"action_type"`
	Priority             string     `json:"priority"`
	AssignedTo           *int64     `json:"assigned_to,omitempty"`
	AssignedBy           *int64     `json:"assigned_by,omitempty"`
	AssignedDate         *time.Time `json:"assigned_date,omitempty"`
	DueDate              *time.Time `json:"due_date,omitempty"`
	Status               string     `json:"status"`
	ProgressPercentage   int        `json:"progress_percentage"`
	CompletedDate        *time.Time `json:"completed_date,omitempty"`
	CompletionNotes      string     `json:"completion_notes,omitempty"`
	VerificationRequired bool       `json:"verification_required"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Overdue reports whether the action is still open past its due date.
func (a *ComplianceAction) Overdue(now time.Time) bool {
	if a.DueDate == nil {
		return false
	}
	if a.Status != ActionOpen && a.Status != ActionInProgress {
		return false
	}
	return a.DueDate.Before(now)
}

// AssessmentFilter narrows assessment queries.
type AssessmentFilter struct {
	FacilityIDs []string
	Standards   []ComplianceStandard
	Statuses    []ComplianceStatus
	Start       time.Time
	End         time.Time
	Limit       int
}

// ActionFilter narrows action listings.
type ActionFilter struct {
	FacilityIDs  []string
	AssessmentID int64
	Status       string
	OverdueAt    time.Time
	Limit        int
}

// ComplianceDashboard summarises compliance for one facility.
type ComplianceDashboard struct {
	FacilityID                  string                 `json:"facility_id"`
	OverallCompliancePercentage float64                `json:"overall_compliance_percentage"`
	TotalRequirements           int                    `json:"total_requirements"`
	CompliantRequirements       int                    `json:"compliant_requirements"`
	NonCompliantRequirements    int                    `json:"non_compliant_requirements"`
	OverdueActions              int                    `json:"overdue_actions"`
	UpcomingAssessments         int                    `json:"upcoming_assessments"`
	RecentAssessments           []ComplianceAssessment `json:"recent_assessments"`
	ComplianceByStandard        map[string]float64     `json:"compliance_by_standard"`
	RiskDistribution            map[string]int         `json:"risk_distribution"`
}

// LatestPerRequirement keeps the newest assessment per facility and
// requirement, judged by assessment date then id. Output keeps the order in
// which each requirement first appears.
func LatestPerRequirement(assessments []ComplianceAssessment) []ComplianceAssessment {
	index := map[string]int{}
	out := make([]ComplianceAssessment, 0, len(assessments))
	for _, a := range assessments {
		key := a.FacilityID + "|" + a.RequirementID
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, a)
			continue
		}
		cur := out[i]
		if a.AssessmentDate.After(cur.AssessmentDate) ||
			(a.AssessmentDate.Equal(cur.AssessmentDate) && a.ID > cur.ID) {
			out[i] = a
		}
	}
	return out
}
