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

package compliance

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

var (
	eor       = &model.User{ID: 1, Role: model.RoleEngineerOfRecord}
	regulator = &model.User{ID: 2, Role: model.RoleRegulator, FacilitiesAccess: []string{"TSF_001"}}
	operator  = &model.User{ID: 3, Role: model.RoleTSFOperator}
)

func newTestService(t *testing.T) (*Service, time.Time) {
	t.Helper()
	st, err := store.NewStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	svc := NewService(st, zap.NewNop())
	svc.now = func() time.Time { return now }
	return svc, now
}

func ptr[T any](v T) *T { return &v }

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se *resilience.ServiceError
	require.True(t, resilience.AsServiceError(err, &se), "expected a ServiceError, got %v", err)
	return se.StatusCode
}

func seedRequirement(t *testing.T, svc *Service, id string, std model.ComplianceStandard, risk string) {
	t.Helper()
	_, err := svc.CreateRequirement(context.Background(), RequirementInput{
		RequirementID: id,
		Title:         id + " requirement",
		Standard:      std,
		RiskLevel:     risk,
	}, eor)
	require.NoError(t, err)
}

func assess(t *testing.T, svc *Service, req, facility string, status model.ComplianceStatus, at time.Time, due *time.Time) *model.ComplianceAssessment {
	t.Helper()
	a, err := svc.CreateAssessment(context.Background(), AssessmentInput{
		RequirementID:  req,
		FacilityID:     facility,
		AssessmentDate: &at,
		Status:         status,
		DueDate:        due,
	}, eor)
	require.NoError(t, err)
	return a
}

func TestCreateRequirement(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.CreateRequirement(ctx, RequirementInput{
		RequirementID: "GISTM-4.1",
		Title:         "  Breach analysis  ",
		Standard:      "GISTM",
	}, eor)
	require.NoError(t, err)
	assert.Equal(t, model.StdGISTM, r.Standard)
	assert.Equal(t, "Breach analysis", r.Title)
	assert.Equal(t, "medium", r.RiskLevel)
	assert.True(t, r.IsMandatory)
	assert.True(t, r.IsActive)
	assert.Equal(t, []string{}, r.References)

	_, err = svc.CreateRequirement(ctx, RequirementInput{RequirementID: "GISTM-4.1", Title: "dup", Standard: model.StdGISTM}, eor)
	assert.Equal(t, http.StatusConflict, statusOf(t, err))

	tests := []struct {
		name string
		in   RequirementInput
		user *model.User
		want int
	}{
		{"no user", RequirementInput{RequirementID: "X", Title: "x", Standard: model.StdCDA}, nil, http.StatusUnauthorized},
		{"read only", RequirementInput{RequirementID: "X", Title: "x", Standard: model.StdCDA}, regulator, http.StatusForbidden},
		{"blank title", RequirementInput{RequirementID: "X", Title: " ", Standard: model.StdCDA}, eor, http.StatusBadRequest},
		{"bad standard", RequirementInput{RequirementID: "X", Title: "x", Standard: "iso"}, eor, http.StatusBadRequest},
		{"bad risk", RequirementInput{RequirementID: "X", Title: "x", Standard: model.StdCDA, RiskLevel: "extreme"}, eor, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateRequirement(ctx, tt.in, tt.user)
			assert.Equal(t, tt.want, statusOf(t, err))
		})
	}
}

func TestListRequirements(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedRequirement(t, svc, "ANCOLD-2", model.StdANCOLD, "high")
	seedRequirement(t, svc, "GISTM-1", model.StdGISTM, "low")

	all, err := svc.ListRequirements(ctx, "", true, regulator)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	gistm, err := svc.ListRequirements(ctx, "gistm", true, regulator)
	require.NoError(t, err)
	require.Len(t, gistm, 1)
	assert.Equal(t, "GISTM-1", gistm[0].RequirementID)

	_, err = svc.ListRequirements(ctx, "nope", true, regulator)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	_, err = svc.ListRequirements(ctx, "", true, operator)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))
}

func TestCreateAssessment(t *testing.T) {
	svc, now := newTestService(t)
	ctx := context.Background()
	seedRequirement(t, svc, "GISTM-1", model.StdGISTM, "high")

	a, err := svc.CreateAssessment(ctx, AssessmentInput{RequirementID: "GISTM-1", FacilityID: "tsf-1"}, eor)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnderReview, a.Status)
	assert.Equal(t, "TSF_001", a.FacilityID)
	assert.Equal(t, model.StdGISTM, a.Standard)
	assert.Equal(t, eor.ID, a.AssessorID)
	assert.Equal(t, now, a.AssessmentDate)

	got, err := svc.GetAssessment(ctx, a.ID, regulator)
	require.NoError(t, err)
	assert.Equal(t, "GISTM-1", got.RequirementID)

	tests := []struct {
		name string
		in   AssessmentInput
		user *model.User
		want int
	}{
		{"unknown requirement", AssessmentInput{RequirementID: "NOPE", FacilityID: "TSF_001"}, eor, http.StatusBadRequest},
		{"bad status", AssessmentInput{RequirementID: "GISTM-1", FacilityID: "TSF_001", Status: "done"}, eor, http.StatusBadRequest},
		{"score too high", AssessmentInput{RequirementID: "GISTM-1", FacilityID: "TSF_001", ComplianceScore: ptr(101.0)}, eor, http.StatusBadRequest},
		{"confidence above one", AssessmentInput{RequirementID: "GISTM-1", FacilityID: "TSF_001", ConfidenceLevel: ptr(1.5)}, eor, http.StatusBadRequest},
		{"missing facility", AssessmentInput{RequirementID: "GISTM-1"}, eor, http.StatusBadRequest},
		{"read only", AssessmentInput{RequirementID: "GISTM-1", FacilityID: "TSF_001"}, regulator, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateAssessment(ctx, tt.in, tt.user)
			assert.Equal(t, tt.want, statusOf(t, err))
		})
	}
}

func TestAssessmentsAreScoped(t *testing.T) {
	svc, now := newTestService(t)
	ctx := context.Background()
	seedRequirement(t, svc, "GISTM-1", model.StdGISTM, "high")
	own := assess(t, svc, "GISTM-1", "TSF_001", model.StatusCompliant, now, nil)
	other := assess(t, svc, "GISTM-1", "TSF_002", model.StatusCompliant, now, nil)

	list, err := svc.ListAssessments(ctx, AssessmentQuery{}, regulator)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, own.ID, list[0].ID)

	_, err = svc.ListAssessments(ctx, AssessmentQuery{FacilityID: "TSF_002"}, regulator)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))

	_, err = svc.GetAssessment(ctx, other.ID, regulator)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))

	_, err = svc.GetAssessment(ctx, 999, eor)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	list, err = svc.ListAssessments(ctx, AssessmentQuery{Standard: model.StdGISTM, Status: model.StatusCompliant}, eor)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestActionLifecycle(t *testing.T) {
	svc, now := newTestService(t)
	ctx := context.Background()
	seedRequirement(t, svc, "GISTM-1", model.StdGISTM, "high")
	a := assess(t, svc, "GISTM-1", "TSF_001", model.StatusNonCompliant, now, nil)

	_, err := svc.CreateAction(ctx, ActionInput{AssessmentID: a.ID, Title: "x", Priority: "urgent"}, eor)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
	_, err = svc.CreateAction(ctx, ActionInput{AssessmentID: 999, Title: "x"}, eor)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	c, err := svc.CreateAction(ctx, ActionInput{
		AssessmentID: a.ID,
		Title:        "Install additional piezometers",
		AssignedTo:   ptr(operator.ID),
		DueDate:      ptr(now.Add(-time.Hour)),
	}, eor)
	require.NoError(t, err)
	assert.Equal(t, model.ActionOpen, c.Status)
	assert.Equal(t, "medium", c.Priority)
	assert.Equal(t, "corrective", c.ActionType)
	assert.Equal(t, "TSF_001", c.FacilityID)
	require.NotNil(t, c.AssignedBy)
	assert.Equal(t, eor.ID, *c.AssignedBy)

	overdue, err := svc.ListActions(ctx, ActionQuery{OverdueOnly: true}, eor)
	require.NoError(t, err)
	assert.Len(t, overdue, 1)

	// the assignee may report progress without compliance_full
	c, err = svc.UpdateAction(ctx, c.ID, ActionUpdate{ProgressPercentage: ptr(40)}, operator)
	require.NoError(t, err)
	assert.Equal(t, model.ActionInProgress, c.Status)
	assert.Equal(t, 40, c.ProgressPercentage)

	_, err = svc.UpdateAction(ctx, c.ID, ActionUpdate{ProgressPercentage: ptr(140)}, eor)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
	_, err = svc.UpdateAction(ctx, c.ID, ActionUpdate{Status: ptr("paused")}, eor)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
	_, err = svc.UpdateAction(ctx, c.ID, ActionUpdate{ProgressPercentage: ptr(50)}, regulator)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))

	c, err = svc.UpdateAction(ctx, c.ID, ActionUpdate{
		Status:          ptr(model.ActionCompleted),
		CompletionNotes: ptr("  installed PZ-07 and PZ-08 "),
	}, eor)
	require.NoError(t, err)
	assert.Equal(t, 100, c.ProgressPercentage)
	assert.Equal(t, "installed PZ-07 and PZ-08", c.CompletionNotes)
	require.NotNil(t, c.CompletedDate)
	assert.True(t, c.CompletedDate.Equal(now))

	_, err = svc.UpdateAction(ctx, c.ID, ActionUpdate{ProgressPercentage: ptr(10)}, eor)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	overdue, err = svc.ListActions(ctx, ActionQuery{OverdueOnly: true}, eor)
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestDashboard(t *testing.T) {
	svc, now := newTestService(t)
	ctx := context.Background()
	seedRequirement(t, svc, "GISTM-1", model.StdGISTM, "high")
	seedRequirement(t, svc, "GISTM-2", model.StdGISTM, "critical")
	seedRequirement(t, svc, "ANCOLD-1", model.StdANCOLD, "low")
	seedRequirement(t, svc, "CDA-1", model.StdCDA, "medium")

	// GISTM-1 was non-compliant, the later assessment supersedes it
	assess(t, svc, "GISTM-1", "TSF_001", model.StatusNonCompliant, now.Add(-72*time.Hour), nil)
	assess(t, svc, "GISTM-1", "TSF_001", model.StatusCompliant, now.Add(-24*time.Hour), nil)
	failing := assess(t, svc, "GISTM-2", "TSF_001", model.StatusNonCompliant, now.Add(-48*time.Hour), ptr(now.Add(10*24*time.Hour)))
	assess(t, svc, "ANCOLD-1", "TSF_001", model.StatusCompliant, now.Add(-12*time.Hour), ptr(now.Add(60*24*time.Hour)))
	assess(t, svc, "CDA-1", "TSF_001", model.StatusNotApplicable, now.Add(-6*time.Hour), nil)
	assess(t, svc, "GISTM-1", "TSF_002", model.StatusNonCompliant, now.Add(-time.Hour), nil)

	_, err := svc.CreateAction(ctx, ActionInput{AssessmentID: failing.ID, Title: "Update breach study", DueDate: ptr(now.Add(-24 * time.Hour))}, eor)
	require.NoError(t, err)

	d, err := svc.Dashboard(ctx, "TSF-1", eor)
	require.NoError(t, err)
	assert.Equal(t, "TSF_001", d.FacilityID)
	assert.Equal(t, 4, d.TotalRequirements)
	assert.Equal(t, 2, d.CompliantRequirements)
	assert.Equal(t, 1, d.NonCompliantRequirements)
	assert.InDelta(t, 66.67, d.OverallCompliancePercentage, 0.001)
	assert.InDelta(t, 50.0, d.ComplianceByStandard["gistm"], 0.001)
	assert.InDelta(t, 100.0, d.ComplianceByStandard["ancold"], 0.001)
	assert.NotContains(t, d.ComplianceByStandard, "cda")
	assert.Equal(t, map[string]int{"high": 1, "critical": 1, "low": 1, "medium": 1}, d.RiskDistribution)
	assert.Equal(t, 1, d.OverdueActions)
	assert.Equal(t, 1, d.UpcomingAssessments)
	assert.Len(t, d.RecentAssessments, 5)

	_, err = svc.Dashboard(ctx, "TSF_002", regulator)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))

	empty, err := svc.Dashboard(ctx, "TSF_009", eor)
	require.NoError(t, err)
	assert.Zero(t, empty.OverallCompliancePercentage)
	assert.Empty(t, empty.RecentAssessments)
}
