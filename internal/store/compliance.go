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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

const requirementColumns = `id, requirement_id, title, description, standard, section, subsection, version,
	category, subcategory, risk_level, is_mandatory, frequency, due_date_rule, guidance_notes,
	reference_list, related_requirements, is_active, effective_date, created_at`

func scanRequirement(row scanner) (*model.ComplianceRequirement, error) {
	var (
		r                                model.ComplianceRequirement
		standard, refs, related, created string
		effective                        sql.NullString
	)
	err := row.Scan(&r.ID, &r.RequirementID, &r.Title, &r.Description, &standard, &r.Section, &r.Subsection,
		&r.Version, &r.Category, &r.Subcategory, &r.RiskLevel, &r.IsMandatory, &r.Frequency, &r.DueDateRule,
		&r.GuidanceNotes, &refs, &related, &r.IsActive, &effective, &created)
	if err != nil {
		return nil, err
	}
	r.Standard = model.ComplianceStandard(standard)
	r.References = decodeStrings(refs)
	r.RelatedRequirements = decodeStrings(related)
	r.EffectiveDate = parseNullTime(effective)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// CreateRequirement inserts a requirement. A duplicate requirement_id returns ErrConflict.
func (s *Store) CreateRequirement(ctx context.Context, r *model.ComplianceRequirement) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO compliance_requirements (requirement_id, title, description, standard, section, subsection,
			version, category, subcategory, risk_level, is_mandatory, frequency, due_date_rule, guidance_notes,
			reference_list, related_requirements, is_active, effective_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequirementID, r.Title, r.Description, string(r.Standard), r.Section, r.Subsection, r.Version,
		r.Category, r.Subcategory, r.RiskLevel, r.IsMandatory, r.Frequency, r.DueDateRule, r.GuidanceNotes,
		encodeJSON(r.References), encodeJSON(r.RelatedRequirements), r.IsActive,
		formatNullTime(r.EffectiveDate), formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("requirement %q: %w", r.RequirementID, ErrConflict)
		}
		return fmt.Errorf("failed to insert requirement: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// GetRequirement looks a requirement up by requirement_id
func (s *Store) GetRequirement(ctx context.Context, requirementID string) (*model.ComplianceRequirement, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+requirementColumns+" FROM compliance_requirements WHERE requirement_id = ?", requirementID)
	r, err := scanRequirement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load requirement: %w", err)
	}
	return r, nil
}

// ListRequirements returns requirements, optionally for one standard
func (s *Store) ListRequirements(ctx context.Context, standard model.ComplianceStandard, activeOnly bool) ([]model.ComplianceRequirement, error) {
	var conditions []string
	var args []interface{}
	if standard != "" {
		conditions = append(conditions, "standard = ?")
		args = append(args, string(standard))
	}
	if activeOnly {
		conditions = append(conditions, "is_active = 1")
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+requirementColumns+" FROM compliance_requirements"+
		where(conditions)+" ORDER BY standard, requirement_id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requirements: %w", err)
	}
	defer rows.Close()

	out := []model.ComplianceRequirement{}
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan requirement: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const assessmentColumns = `a.id, a.requirement_id, COALESCE(r.standard, ''), a.facility_id, a.assessment_date,
	a.assessor_id, a.status, a.evidence_provided, a.evidence_documents, a.findings, a.recommendations,
	a.compliance_score, a.risk_score, a.confidence_level, a.actions_required, a.due_date, a.is_reviewed,
	a.reviewed_by, a.reviewed_at, a.review_comments, a.created_at`

const assessmentFrom = ` FROM compliance_assessments a
	LEFT JOIN compliance_requirements r ON r.requirement_id = a.requirement_id`

func scanAssessment(row scanner) (*model.ComplianceAssessment, error) {
	var (
		a                                    model.ComplianceAssessment
		standard, assessed, status, evidence string
		actions, created                     string
		score, risk, confidence              sql.NullFloat64
		due, reviewedAt                      sql.NullString
		reviewedBy                           sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.RequirementID, &standard, &a.FacilityID, &assessed, &a.AssessorID, &status,
		&a.EvidenceProvided, &evidence, &a.Findings, &a.Recommendations, &score, &risk, &confidence,
		&actions, &due, &a.IsReviewed, &reviewedBy, &reviewedAt, &a.ReviewComments, &created)
	if err != nil {
		return nil, err
	}
	a.Standard = model.ComplianceStandard(standard)
	a.AssessmentDate = parseTime(assessed)
	a.Status = model.ComplianceStatus(status)
	a.EvidenceDocuments = decodeInts(evidence)
	a.ComplianceScore = floatPtr(score)
	a.RiskScore = floatPtr(risk)
	a.ConfidenceLevel = floatPtr(confidence)
	a.ActionsRequired = textRaw(actions)
	a.DueDate = parseNullTime(due)
	a.ReviewedBy = intPtr(reviewedBy)
	a.ReviewedAt = parseNullTime(reviewedAt)
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// CreateAssessment inserts an assessment
func (s *Store) CreateAssessment(ctx context.Context, a *model.ComplianceAssessment) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.AssessmentDate.IsZero() {
		a.AssessmentDate = now
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO compliance_assessments (requirement_id, facility_id, assessment_date, assessor_id, status,
			evidence_provided, evidence_documents, findings, recommendations, compliance_score, risk_score,
			confidence_level, actions_required, due_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RequirementID, a.FacilityID, formatTime(a.AssessmentDate), a.AssessorID, string(a.Status),
		a.EvidenceProvided, encodeJSON(a.EvidenceDocuments), a.Findings, a.Recommendations,
		nullFloat(a.ComplianceScore), nullFloat(a.RiskScore), nullFloat(a.ConfidenceLevel),
		rawText(a.ActionsRequired), formatNullTime(a.DueDate), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert assessment: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

// GetAssessment returns the assessment with the given id
func (s *Store) GetAssessment(ctx context.Context, id int64) (*model.ComplianceAssessment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+assessmentColumns+assessmentFrom+" WHERE a.id = ?", id)
	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assessment: %w", err)
	}
	return a, nil
}

// ListAssessments returns assessments matching filter, newest first
func (s *Store) ListAssessments(ctx context.Context, filter model.AssessmentFilter) ([]model.ComplianceAssessment, error) {
	var conditions []string
	var args []interface{}

	if len(filter.FacilityIDs) > 0 {
		var in string
		in, args = inClause(filter.FacilityIDs, args)
		conditions = append(conditions, "a.facility_id IN "+in)
	}
	if len(filter.Standards) > 0 {
		var in string
		in, args = inClause(filter.Standards, args)
		conditions = append(conditions, "r.standard IN "+in)
	}
	if len(filter.Statuses) > 0 {
		var in string
		in, args = inClause(filter.Statuses, args)
		conditions = append(conditions, "a.status IN "+in)
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, "a.assessment_date >= ?")
		args = append(args, formatTime(filter.Start))
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, "a.assessment_date <= ?")
		args = append(args, formatTime(filter.End))
	}

	query, args := page("SELECT "+assessmentColumns+assessmentFrom+where(conditions)+
		" ORDER BY a.assessment_date DESC, a.id DESC", args, 0, filter.Limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assessments: %w", err)
	}
	defer rows.Close()

	out := []model.ComplianceAssessment{}
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const actionColumns = `c.id, c.assessment_id, COALESCE(a.facility_id, ''), c.title, c.description, c.action_type,
	c.priority, c.assigned_to, c.assigned_by, c.assigned_date, c.due_date, c.status, c.progress_percentage,
	c.completed_date, c.completion_notes, c.verification_required, c.created_at`

const actionFrom = ` FROM compliance_actions c
	LEFT JOIN compliance_assessments a ON a.id = c.assessment_id`

func scanAction(row scanner) (*model.ComplianceAction, error) {
	var (
		c                            model.ComplianceAction
		assignedTo, assignedBy       sql.NullInt64
		assignedDate, due, completed sql.NullString
		created                      string
	)
	err := row.Scan(&c.ID, &c.AssessmentID, &c.FacilityID, &c.Title, &c.Description, &c.ActionType,
		&c.Priority, &assignedTo, &assignedBy, &assignedDate, &due, &c.Status, &c.ProgressPercentage,
		&completed, &c.CompletionNotes, &c.VerificationRequired, &created)
	if err != nil {
		return nil, err
	}
	c.AssignedTo = intPtr(assignedTo)
	c.AssignedBy = intPtr(assignedBy)
	c.AssignedDate = parseNullTime(assignedDate)
	c.DueDate = parseNullTime(due)
	c.CompletedDate = parseNullTime(completed)
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// CreateAction inserts a corrective action
func (s *Store) CreateAction(ctx context.Context, c *model.ComplianceAction) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = model.ActionOpen
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO compliance_actions (assessment_id, title, description, action_type, priority, assigned_to,
			assigned_by, assigned_date, due_date, status, progress_percentage, completed_date, completion_notes,
			verification_required, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.AssessmentID, c.Title, c.Description, c.ActionType, c.Priority, nullInt(c.AssignedTo),
		nullInt(c.AssignedBy), formatNullTime(c.AssignedDate), formatNullTime(c.DueDate), c.Status,
		c.ProgressPercentage, formatNullTime(c.CompletedDate), c.CompletionNotes, c.VerificationRequired,
		formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// GetAction returns the action with the given id
func (s *Store) GetAction(ctx context.Context, id int64) (*model.ComplianceAction, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+actionColumns+actionFrom+" WHERE c.id = ?", id)
	c, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load action: %w", err)
	}
	return c, nil
}

// UpdateAction writes status, progress and completion fields
func (s *Store) UpdateAction(ctx context.Context, c *model.ComplianceAction) error {
	res, err := s.db.ExecContext(ctx, `UPDATE compliance_actions
		SET status = ?, progress_percentage = ?, completed_date = ?, completion_notes = ?, assigned_to = ?,
			due_date = ?, updated_at = ?
		WHERE id = ?`,
		c.Status, c.ProgressPercentage, formatNullTime(c.CompletedDate), c.CompletionNotes,
		nullInt(c.AssignedTo), formatNullTime(c.DueDate), formatTime(time.Now()), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActions returns actions matching filter ordered by due date. A set
// OverdueAt keeps only open or in-progress actions due before it.
func (s *Store) ListActions(ctx context.Context, filter model.ActionFilter) ([]model.ComplianceAction, error) {
	var conditions []string
	var args []interface{}

	if len(filter.FacilityIDs) > 0 {
		var in string
		in, args = inClause(filter.FacilityIDs, args)
		conditions = append(conditions, "a.facility_id IN "+in)
	}
	if filter.AssessmentID > 0 {
		conditions = append(conditions, "c.assessment_id = ?")
		args = append(args, filter.AssessmentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "c.status = ?")
		args = append(args, filter.Status)
	}
	if !filter.OverdueAt.IsZero() {
		conditions = append(conditions, "c.due_date IS NOT NULL", "c.due_date < ?", "c.status IN (?, ?)")
		args = append(args, formatTime(filter.OverdueAt), model.ActionOpen, model.ActionInProgress)
	}

	query, args := page("SELECT "+actionColumns+actionFrom+where(conditions)+
		" ORDER BY c.due_date IS NULL, c.due_date, c.id", args, 0, filter.Limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	out := []model.ComplianceAction{}
	for rows.Next() {
		c, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountRequirements returns the number of active requirements
func (s *Store) CountRequirements(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM compliance_requirements WHERE is_active = 1").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count requirements: %w", err)
	}
	return n, nil
}
