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

// Package compliance tracks requirements of tailings standards, the
// assessments made against them per facility and the corrective actions
// those assessments raise.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

const (
	// UpcomingWindow is how far ahead an assessment due date counts as upcoming
	UpcomingWindow = 30 * 24 * time.Hour
	// recentAssessments is the number of assessments shown on the dashboard
	recentAssessments = 10
	// DefaultListLimit applies when a listing asks for no limit
	DefaultListLimit = 100
)

// Risk levels shared by requirements and action priorities
var riskLevels = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Store is the persistence the service needs
type Store interface {
	CreateRequirement(ctx context.Context, r *model.ComplianceRequirement) error
	GetRequirement(ctx context.Context, requirementID string) (*model.ComplianceRequirement, error)
	ListRequirements(ctx context.Context, standard model.ComplianceStandard, activeOnly bool) ([]model.ComplianceRequirement, error)
	CreateAssessment(ctx context.Context, a *model.ComplianceAssessment) error
	GetAssessment(ctx context.Context, id int64) (*model.ComplianceAssessment, error)
	ListAssessments(ctx context.Context, filter model.AssessmentFilter) ([]model.ComplianceAssessment, error)
	CreateAction(ctx context.Context, c *model.ComplianceAction) error
	GetAction(ctx context.Context, id int64) (*model.ComplianceAction, error)
	UpdateAction(ctx context.Context, c *model.ComplianceAction) error
	ListActions(ctx context.Context, filter model.ActionFilter) ([]model.ComplianceAction, error)
}

// Service implements compliance operations
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a compliance service
func NewService(st Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// RequirementInput is the payload for creating a requirement
type RequirementInput struct {
	RequirementID       string                   `json:"requirement_id" binding:"required"`
	Title               string                   `json:"title" binding:"required"`
	Description         string                   `json:"description"`
	Standard            model.ComplianceStandard `json:"standard" binding:"required"`
	Section             string                   `json:"section"`
	Subsection          string                   `json:"subsection"`
	Version             string                   `json:"version"`
	Category            string                   `json:"category"`
	Subcategory         string                   `json:"subcategory"`
	RiskLevel           string                   `json:"risk_level"`
	IsMandatory         *bool                    `json:"is_mandatory"`
	Frequency           string                   `json:"frequency"`
	DueDateRule         string                   `json:"due_date_rule"`
	GuidanceNotes       string                   `json:"guidance_notes"`
	References          []string                 `json:"references"`
	RelatedRequirements []string                 `json:"related_requirements"`
	EffectiveDate       *time.Time               `json:"effective_date"`
}

// AssessmentInput is the payload for recording an assessment
type AssessmentInput struct {
	RequirementID     string                 `json:"requirement_id" binding:"required"`
	FacilityID        string                 `json:"facility_id" binding:"required"`
	AssessmentDate    *time.Time             `json:"assessment_date"`
	Status            model.ComplianceStatus `json:"status"`
	EvidenceProvided  string                 `json:"evidence_provided"`
	EvidenceDocuments []int64                `json:"evidence_documents"`
	Findings          string                 `json:"findings"`
	Recommendations   string                 `json:"recommendations"`
	ComplianceScore   *float64               `json:"compliance_score"`
	RiskScore         *float64               `json:"risk_score"`
	ConfidenceLevel   *float64               `json:"confidence_level"`
	DueDate           *time.Time             `json:"due_date"`
}

// ActionInput is the payload for raising a corrective action
type ActionInput struct {
	AssessmentID         int64      `json:"assessment_id" binding:"required"`
	Title                string     `json:"title" binding:"required"`
	Description          string     `json:"description"`
	ActionType           string     `json:"action_type"`
	Priority             string     `json:"priority"`
	AssignedTo           *int64     `json:"assigned_to"`
	DueDate              *time.Time `json:"due_date"`
	VerificationRequired bool       `json:"verification_required"`
}

// ActionUpdate carries optional changes to an action. Nil fields are left alone.
type ActionUpdate struct {
	Status             *string    `json:"status"`
	ProgressPercentage *int       `json:"progress_percentage"`
	CompletionNotes    *string    `json:"completion_notes"`
	AssignedTo         *int64     `json:"assigned_to"`
	DueDate            *time.Time `json:"due_date"`
}

// AssessmentQuery filters assessment listings
type AssessmentQuery struct {
	FacilityID string
	Standard   model.ComplianceStandard
	Status     model.ComplianceStatus
	Start      time.Time
	End        time.Time
	Limit      int
}

// ActionQuery filters action listings
type ActionQuery struct {
	FacilityID   string
	AssessmentID int64
	Status       string
	OverdueOnly  bool
	Limit        int
}

func requirePermission(u *model.User, perm string) error {
	if u == nil {
		return resilience.NewUnauthorizedError("Could not validate credentials", nil)
	}
	if !auth.HasPermission(u.Role, perm) {
		return resilience.NewForbiddenError("Not enough permissions", nil)
	}
	return nil
}

func scope(u *model.User, facility string) ([]string, error) {
	if f := strings.TrimSpace(facility); f != "" {
		id := model.NormalizeFacilityID(f)
		if !u.CanAccessFacility(id) {
			return nil, resilience.NewForbiddenError("Not enough permissions for this facility", nil)
		}
		return []string{id}, nil
	}
	if len(u.FacilitiesAccess) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(u.FacilitiesAccess))
	for _, f := range u.FacilitiesAccess {
		out = append(out, model.NormalizeFacilityID(f))
	}
	return out, nil
}

func storeError(err error, what, action string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return resilience.NewNotFoundError(what+" not found", err)
	case errors.Is(err, store.ErrConflict):
		return resilience.NewConflictError(what+" already exists", err)
	default:
		return resilience.NewInternalError("Failed to "+action, err)
	}
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}

// CreateRequirement adds a requirement of a standard
func (s *Service) CreateRequirement(ctx context.Context, in RequirementInput, u *model.User) (*model.ComplianceRequirement, error) {
	if err := requirePermission(u, auth.PermComplianceFull); err != nil {
		return nil, err
	}
	in.RequirementID = strings.TrimSpace(in.RequirementID)
	in.Title = strings.TrimSpace(in.Title)
	if in.RequirementID == "" || in.Title == "" {
		return nil, resilience.NewBadRequestError("requirement_id and title are required", nil)
	}
	in.Standard = model.ComplianceStandard(strings.ToLower(string(in.Standard)))
	if !in.Standard.Valid() {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid standard: %s", in.Standard), nil)
	}
	if in.RiskLevel == "" {
		in.RiskLevel = "medium"
	}
	in.RiskLevel = strings.ToLower(in.RiskLevel)
	if !riskLevels[in.RiskLevel] {
		return nil, resilience.NewBadRequestError("risk_level must be low, medium, high or critical", nil)
	}

	r := &model.ComplianceRequirement{
		RequirementID:       in.RequirementID,
		Title:               in.Title,
		Description:         in.Description,
		Standard:            in.Standard,
		Section:             in.Section,
		Subsection:          in.Subsection,
		Version:             in.Version,
		Category:            in.Category,
		Subcategory:         in.Subcategory,
		RiskLevel:           in.RiskLevel,
		IsMandatory:         in.IsMandatory == nil || *in.IsMandatory,
		Frequency:           in.Frequency,
		DueDateRule:         in.DueDateRule,
		GuidanceNotes:       in.GuidanceNotes,
		References:          nonNil(in.References),
		RelatedRequirements: nonNil(in.RelatedRequirements),
		IsActive:            true,
		EffectiveDate:       in.EffectiveDate,
		CreatedAt:           s.now(),
	}
	if err := s.store.CreateRequirement(ctx, r); err != nil {
		return nil, storeError(err, "Requirement", "create requirement")
	}
	s.logger.Info("Compliance requirement created",
		zap.String("requirement_id", r.RequirementID),
		zap.String("standard", string(r.Standard)))
	return r, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// ListRequirements lists requirements, optionally of one standard
func (s *Service) ListRequirements(ctx context.Context, standard string, activeOnly bool, u *model.User) ([]model.ComplianceRequirement, error) {
	if err := requirePermission(u, auth.PermComplianceRead); err != nil {
		return nil, err
	}
	std := model.ComplianceStandard(strings.ToLower(strings.TrimSpace(standard)))
	if std != "" && !std.Valid() {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid standard: %s", standard), nil)
	}
	reqs, err := s.store.ListRequirements(ctx, std, activeOnly)
	if err != nil {
		return nil, storeError(err, "Requirement", "list requirements")
	}
	return reqs, nil
}

// CreateAssessment records a facility's status against a requirement.
// Status defaults to under_review.
func (s *Service) CreateAssessment(ctx context.Context, in AssessmentInput, u *model.User) (*model.ComplianceAssessment, error) {
	if err := requirePermission(u, auth.PermComplianceFull); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.FacilityID) == "" {
		return nil, resilience.NewBadRequestError("facility_id is required", nil)
	}
	facility := model.NormalizeFacilityID(in.FacilityID)
	if !u.CanAccessFacility(facility) {
		return nil, resilience.NewForbiddenError("Not enough permissions for this facility", nil)
	}
	req, err := s.store.GetRequirement(ctx, strings.TrimSpace(in.RequirementID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Unknown requirement: %s", in.RequirementID), err)
	}
	if err != nil {
		return nil, storeError(err, "Requirement", "load requirement")
	}
	if in.Status == "" {
		in.Status = model.StatusUnderReview
	}
	if !in.Status.Valid() {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid status: %s", in.Status), nil)
	}
	for name, v := range map[string]*float64{"compliance_score": in.ComplianceScore, "risk_score": in.RiskScore} {
		if v != nil && (*v < 0 || *v > 100) {
			return nil, resilience.NewBadRequestError(name+" must be between 0 and 100", nil)
		}
	}
	if in.ConfidenceLevel != nil && (*in.ConfidenceLevel < 0 || *in.ConfidenceLevel > 1) {
		return nil, resilience.NewBadRequestError("confidence_level must be between 0 and 1", nil)
	}

	now := s.now()
	a := &model.ComplianceAssessment{
		RequirementID:     req.RequirementID,
		Standard:          req.Standard,
		FacilityID:        facility,
		AssessmentDate:    now,
		AssessorID:        u.ID,
		Status:            in.Status,
		EvidenceProvided:  in.EvidenceProvided,
		EvidenceDocuments: in.EvidenceDocuments,
		Findings:          in.Findings,
		Recommendations:   in.Recommendations,
		ComplianceScore:   in.ComplianceScore,
		RiskScore:         in.RiskScore,
		ConfidenceLevel:   in.ConfidenceLevel,
		DueDate:           in.DueDate,
		CreatedAt:         now,
	}
	if a.EvidenceDocuments == nil {
		a.EvidenceDocuments = []int64{}
	}
	if in.AssessmentDate != nil {
		a.AssessmentDate = in.AssessmentDate.UTC()
	}
	if err := s.store.CreateAssessment(ctx, a); err != nil {
		return nil, storeError(err, "Assessment", "create assessment")
	}
	s.logger.Info("Compliance assessment recorded",
		zap.Int64("assessment_id", a.ID),
		zap.String("requirement_id", a.RequirementID),
		zap.String("facility_id", a.FacilityID),
		zap.String("status", string(a.Status)))
	return a, nil
}

// GetAssessment returns an assessment the user may see
func (s *Service) GetAssessment(ctx context.Context, id int64, u *model.User) (*model.ComplianceAssessment, error) {
	if err := requirePermission(u, auth.PermComplianceRead); err != nil {
		return nil, err
	}
	return s.visibleAssessment(ctx, id, u)
}

func (s *Service) visibleAssessment(ctx context.Context, id int64, u *model.User) (*model.ComplianceAssessment, error) {
	a, err := s.store.GetAssessment(ctx, id)
	if err != nil {
		return nil, storeError(err, "Assessment", "retrieve assessment")
	}
	if !u.CanAccessFacility(a.FacilityID) {
		return nil, resilience.NewForbiddenError("Not enough permissions for this facility", nil)
	}
	return a, nil
}

// ListAssessments lists assessments in the user's scope, newest first
func (s *Service) ListAssessments(ctx context.Context, q AssessmentQuery, u *model.User) ([]model.ComplianceAssessment, error) {
	if err := requirePermission(u, auth.PermComplianceRead); err != nil {
		return nil, err
	}
	facilities, err := scope(u, q.FacilityID)
	if err != nil {
		return nil, err
	}
	filter := model.AssessmentFilter{FacilityIDs: facilities, Start: q.Start, End: q.End, Limit: limitOrDefault(q.Limit)}
	if q.Standard != "" {
		if !q.Standard.Valid() {
			return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid standard: %s", q.Standard), nil)
		}
		filter.Standards = []model.ComplianceStandard{q.Standard}
	}
	if q.Status != "" {
		if !q.Status.Valid() {
			return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid status: %s", q.Status), nil)
		}
		filter.Statuses = []model.ComplianceStatus{q.Status}
	}
	out, err := s.store.ListAssessments(ctx, filter)
	if err != nil {
		return nil, storeError(err, "Assessment", "list assessments")
	}
	return out, nil
}

// CreateAction raises a corrective action against an assessment
func (s *Service) CreateAction(ctx context.Context, in ActionInput, u *model.User) (*model.ComplianceAction, error) {
	if err := requirePermission(u, auth.PermComplianceFull); err != nil {
		return nil, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, resilience.NewBadRequestError("title is required", nil)
	}
	a, err := s.visibleAssessment(ctx, in.AssessmentID, u)
	if err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = "medium"
	}
	in.Priority = strings.ToLower(in.Priority)
	if !riskLevels[in.Priority] {
		return nil, resilience.NewBadRequestError("priority must be low, medium, high or critical", nil)
	}
	if in.ActionType == "" {
		in.ActionType = "corrective"
	}

	now := s.now()
	assignedBy := u.ID
	c := &model.ComplianceAction{
		AssessmentID:         a.ID,
		FacilityID:           a.FacilityID,
		Title:                in.Title,
		Description:          in.Description,
		ActionType:           in.ActionType,
		Priority:             in.Priority,
		AssignedTo:           in.AssignedTo,
		AssignedBy:           &assignedBy,
		DueDate:              in.DueDate,
		Status:               model.ActionOpen,
		VerificationRequired: in.VerificationRequired,
		CreatedAt:            now,
	}
	if in.AssignedTo != nil {
		c.AssignedDate = &now
	}
	if err := s.store.CreateAction(ctx, c); err != nil {
		return nil, storeError(err, "Action", "create action")
	}
	s.logger.Info("Compliance action created",
		zap.Int64("action_id", c.ID),
		zap.Int64("assessment_id", c.AssessmentID),
		zap.String("priority", c.Priority))
	return c, nil
}

// UpdateAction changes status or progress. Compliance managers may update
// any action, an assignee only their own.
func (s *Service) UpdateAction(ctx context.Context, id int64, upd ActionUpdate, u *model.User) (*model.ComplianceAction, error) {
	if u == nil {
		return nil, resilience.NewUnauthorizedError("Could not validate credentials", nil)
	}
	c, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, storeError(err, "Action", "retrieve action")
	}
	assignee := c.AssignedTo != nil && *c.AssignedTo == u.ID
	if !auth.HasPermission(u.Role, auth.PermComplianceFull) && !assignee {
		return nil, resilience.NewForbiddenError("Not enough permissions", nil)
	}
	if !u.CanAccessFacility(c.FacilityID) {
		return nil, resilience.NewForbiddenError("Not enough permissions for this facility", nil)
	}
	if c.Status == model.ActionCompleted || c.Status == model.ActionCancelled {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Action is already %s", c.Status), nil)
	}

	if upd.ProgressPercentage != nil {
		p := *upd.ProgressPercentage
		if p < 0 || p > 100 {
			return nil, resilience.NewBadRequestError("progress_percentage must be between 0 and 100", nil)
		}
		c.ProgressPercentage = p
		if p > 0 && c.Status == model.ActionOpen {
			c.Status = model.ActionInProgress
		}
	}
	if upd.Status != nil {
		switch *upd.Status {
		case model.ActionOpen, model.ActionInProgress, model.ActionCompleted, model.ActionCancelled:
			c.Status = *upd.Status
		default:
			return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid action status: %s", *upd.Status), nil)
		}
	}
	if upd.CompletionNotes != nil {
		c.CompletionNotes = strings.TrimSpace(*upd.CompletionNotes)
	}
	if upd.AssignedTo != nil {
		c.AssignedTo = upd.AssignedTo
	}
	if upd.DueDate != nil {
		c.DueDate = upd.DueDate
	}
	if c.Status == model.ActionCompleted {
		now := s.now()
		c.ProgressPercentage = 100
		c.CompletedDate = &now
	}

	if err := s.store.UpdateAction(ctx, c); err != nil {
		return nil, storeError(err, "Action", "update action")
	}
	s.logger.Info("Compliance action updated",
		zap.Int64("action_id", c.ID),
		zap.String("status", c.Status),
		zap.Int("progress", c.ProgressPercentage),
		zap.Int64("user_id", u.ID))
	return c, nil
}

// ListActions lists actions in the user's scope ordered by due date
func (s *Service) ListActions(ctx context.Context, q ActionQuery, u *model.User) ([]model.ComplianceAction, error) {
	if err := requirePermission(u, auth.PermComplianceRead); err != nil {
		return nil, err
	}
	facilities, err := scope(u, q.FacilityID)
	if err != nil {
		return nil, err
	}
	filter := model.ActionFilter{
		FacilityIDs:  facilities,
		AssessmentID: q.AssessmentID,
		Status:       q.Status,
		Limit:        limitOrDefault(q.Limit),
	}
	if q.OverdueOnly {
		filter.OverdueAt = s.now()
	}
	out, err := s.store.ListActions(ctx, filter)
	if err != nil {
		return nil, storeError(err, "Action", "list actions")
	}
	return out, nil
}

// Dashboard summarises compliance for one facility, or for every facility
// in scope when facility is empty. Only the latest assessment of each
// requirement counts.
func (s *Service) Dashboard(ctx context.Context, facility string, u *model.User) (*model.ComplianceDashboard, error) {
	if err := requirePermission(u, auth.PermComplianceRead); err != nil {
		return nil, err
	}
	facilities, err := scope(u, facility)
	if err != nil {
		return nil, err
	}

	assessments, err := s.store.ListAssessments(ctx, model.AssessmentFilter{FacilityIDs: facilities})
	if err != nil {
		return nil, storeError(err, "Assessment", "load dashboard")
	}
	requirements, err := s.store.ListRequirements(ctx, "", false)
	if err != nil {
		return nil, storeError(err, "Requirement", "load dashboard")
	}
	now := s.now()
	overdue, err := s.store.ListActions(ctx, model.ActionFilter{FacilityIDs: facilities, OverdueAt: now})
	if err != nil {
		return nil, storeError(err, "Action", "load dashboard")
	}

	risk := make(map[string]string, len(requirements))
	for _, r := range requirements {
		risk[r.RequirementID] = r.RiskLevel
	}

	d := &model.ComplianceDashboard{
		FacilityID:           strings.Join(facilities, ","),
		OverdueActions:       len(overdue),
		RecentAssessments:    []model.ComplianceAssessment{},
		ComplianceByStandard: map[string]float64{},
		RiskDistribution:     map[string]int{},
	}

	type tally struct{ assessed, compliant int }
	byStandard := map[string]*tally{}
	latest := model.LatestPerRequirement(assessments)
	var total tally
	for _, a := range latest {
		d.TotalRequirements++
		level := risk[a.RequirementID]
		if level == "" {
			level = "unknown"
		}
		d.RiskDistribution[level]++

		switch a.Status {
		case model.StatusCompliant:
			d.CompliantRequirements++
		case model.StatusNonCompliant:
			d.NonCompliantRequirements++
		}
		if a.Status == model.StatusNotApplicable {
			continue
		}
		std := string(a.Standard)
		if std == "" {
			std = string(model.StdOther)
		}
		if byStandard[std] == nil {
			byStandard[std] = &tally{}
		}
		byStandard[std].assessed++
		total.assessed++
		if a.Status == model.StatusCompliant {
			byStandard[std].compliant++
			total.compliant++
		}
	}
	d.OverallCompliancePercentage = percentage(total.compliant, total.assessed)
	for std, t := range byStandard {
		d.ComplianceByStandard[std] = percentage(t.compliant, t.assessed)
	}

	horizon := now.Add(UpcomingWindow)
	for _, a := range assessments {
		if a.DueDate != nil && !a.DueDate.Before(now) && !a.DueDate.After(horizon) {
			d.UpcomingAssessments++
		}
	}
	for i := 0; i < len(assessments) && i < recentAssessments; i++ {
		d.RecentAssessments = append(d.RecentAssessments, assessments[i])
	}
	return d, nil
}

func percentage(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(10000*float64(part)/float64(whole)) / 100
}
