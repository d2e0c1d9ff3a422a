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
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUsersCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &model.User{
		Username:         "alice",
		Email:            "alice@example.com",
		FullName:         "Alice Example",
		PasswordHash:     "hash",
		Role:             model.RoleEngineerOfRecord,
		Status:           model.UserActive,
		Organization:     "Acme Mining",
		FacilitiesAccess: []string{"TSF_001"},
	}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.NotZero(t, u.ID)

	dup := *u
	dup.Email = "other@example.com"
	assert.ErrorIs(t, s.CreateUser(ctx, &dup), ErrConflict)

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, []string{"TSF_001"}, got.FacilitiesAccess)
	assert.Equal(t, model.RoleEngineerOfRecord, got.Role)

	_, err = s.GetUserByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	expires := time.Now().Add(time.Hour)
	got.ResetToken = "tok"
	got.ResetTokenExpiresAt = &expires
	got.FailedLoginAttempts = 2
	require.NoError(t, s.UpdateUser(ctx, got))

	byToken, err := s.GetUserByResetToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, byToken.FailedLoginAttempts)
	require.NotNil(t, byToken.ResetTokenExpiresAt)
	assert.WithinDuration(t, expires, *byToken.ResetTokenExpiresAt, time.Millisecond)

	list, err := s.ListUsers(ctx, model.UserFilter{Organization: "acme"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	n, err := s.CountUsersByRole(ctx, model.RoleSuperAdmin)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.AddAuditLog(ctx, &model.AuditLog{UserID: u.ID, Action: "login_success"}))
	logs, err := s.ListAuditLogs(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "login_success", logs[0].Action)
}

func TestSearchDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []*model.Document{
		{Title: "Seepage report", ExtractedText: "Seepage at the toe of TSF_001 increased after rainfall."},
		{Title: "Dam safety review", ExtractedText: "The review covers seepage and freeboard."},
		{Title: "Emergency plan", ExtractedText: "Evacuation routes."},
		{Title: "Old seepage notes", ExtractedText: "seepage", Status: model.DocStatusArchived},
	}
	for _, d := range docs {
		d.Filename, d.OriginalFilename, d.FilePath, d.ContentType = "f.txt", "f.txt", "/tmp/f.txt", "text/plain"
		d.DocumentType = model.DocTechnicalReport
		if d.Status == "" {
			d.Status = model.DocStatusProcessed
		}
		require.NoError(t, s.CreateDocument(ctx, d))
	}

	hits, err := s.SearchDocuments(ctx, []string{"seepage", "freeboard"}, model.DocumentFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Dam safety review", hits[0].Document.Title)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "Seepage report", hits[1].Document.Title)
	assert.InDelta(t, 0.5, hits[1].Score, 1e-9)
	assert.Contains(t, hits[1].Snippet, "Seepage at the toe")

	hits, err = s.SearchDocuments(ctx, nil, model.DocumentFilter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChunksAndVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &model.Document{Title: "t", Filename: "f", OriginalFilename: "f", FilePath: "p", ContentType: "text/plain",
		DocumentType: model.DocOther, Status: model.DocStatusProcessed}
	require.NoError(t, s.CreateDocument(ctx, d))

	chunks := []model.DocumentChunk{
		{ChunkIndex: 0, Content: "north", Embedding: []float32{1, 0}},
		{ChunkIndex: 1, Content: "east", Embedding: []float32{0, 1}},
		{ChunkIndex: 2, Content: "north-east", Embedding: []float32{1, 1}},
	}
	require.NoError(t, s.ReplaceChunks(ctx, d.ID, chunks))

	got, err := s.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.IsIndexed)
	assert.Equal(t, 3, got.ChunkCount)

	stored, err := s.ListChunks(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, []float32{1, 1}, stored[2].Embedding)

	hits, err := s.SearchChunks(ctx, []float32{1, 0}, nil, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "north", hits[0].Content)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "north-east", hits[1].Content)

	hits, err = s.SearchChunks(ctx, []float32{1, 0}, []int64{d.ID + 1}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.ErrorIs(t, s.ReplaceChunks(ctx, 999, nil), ErrNotFound)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3}
	assert.Equal(t, vec, decodeEmbedding(encodeEmbedding(vec)))
	assert.Nil(t, decodeEmbedding([]byte{1, 2, 3}))
}

func TestDatasetRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.AddDatasetRows(ctx, "piezometers", []json.RawMessage{
		json.RawMessage(`{"id":"P1"}`),
		json.RawMessage(`{"id":"P2"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := s.ListDatasetRows(ctx, "piezometers", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.JSONEq(t, `{"id":"P2"}`, string(rows[1].Data))
}

func createStation(t *testing.T, s *Store, id, facility string) *model.MonitoringStation {
	t.Helper()
	st := &model.MonitoringStation{
		StationID:      id,
		Name:           id,
		FacilityID:     facility,
		MonitoringType: model.MonWaterLevel,
		IsActive:       true,
		AlertThresholds: map[string]model.Thresholds{
			"water_level": {Direction: model.Above, Caution: 1, Warning: 2, Critical: 3},
		},
	}
	require.NoError(t, s.CreateStation(context.Background(), st))
	return st
}

func TestMonitoringStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	createStation(t, s, "WL-01", "TSF_001")
	createStation(t, s, "WL-02", "TSF_002")
	assert.ErrorIs(t, s.CreateStation(ctx, &model.MonitoringStation{StationID: "WL-01", MonitoringType: model.MonOther}), ErrConflict)

	st, err := s.GetStation(ctx, "WL-01")
	require.NoError(t, err)
	assert.Equal(t, 3.0, st.AlertThresholds["water_level"].Critical)

	for i, level := range []model.AlertLevel{model.AlertNormal, model.AlertWarning, model.AlertCritical} {
		r := &model.MonitoringReading{StationID: "WL-01", Timestamp: base.Add(time.Duration(i) * time.Hour), Value: float64(i), Unit: "m", AlertLevel: level}
		require.NoError(t, s.AddReading(ctx, r))
	}
	err = s.AddReading(ctx, &model.MonitoringReading{StationID: "nope", Value: 1, Unit: "m"})
	assert.ErrorIs(t, err, ErrNotFound)

	st, err = s.GetStation(ctx, "WL-01")
	require.NoError(t, err)
	require.NotNil(t, st.LastReadingAt)
	assert.True(t, st.LastReadingAt.Equal(base.Add(2*time.Hour)))

	readings, err := s.ListReadings(ctx, model.ReadingFilter{StationIDs: []string{"WL-01"}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 1.0, readings[0].Value)
	assert.Equal(t, 2.0, readings[1].Value)

	readings, err = s.ListReadings(ctx, model.ReadingFilter{MinLevel: model.AlertWarning})
	require.NoError(t, err)
	assert.Len(t, readings, 2)

	readings, err = s.ListReadings(ctx, model.ReadingFilter{Start: base.Add(30 * time.Minute), End: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, readings, 1)

	warn := &model.MonitoringAlert{StationID: "WL-01", FacilityID: "TSF_001", AlertType: model.AlertTypeThresholdExceeded, AlertLevel: model.AlertWarning, Message: "w"}
	crit := &model.MonitoringAlert{StationID: "WL-02", FacilityID: "TSF_002", AlertType: model.AlertTypeThresholdExceeded, AlertLevel: model.AlertCritical, Message: "c"}
	require.NoError(t, s.CreateAlert(ctx, warn))
	require.NoError(t, s.CreateAlert(ctx, crit))

	alerts, err := s.ListAlerts(ctx, model.AlertFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, model.AlertCritical, alerts[0].AlertLevel)

	require.NoError(t, s.AcknowledgeAlert(ctx, warn.ID, 7, base))
	require.NoError(t, s.ResolveAlert(ctx, crit.ID, 7, "drained", base))
	assert.ErrorIs(t, s.ResolveAlert(ctx, 999, 7, "", base), ErrNotFound)

	got, err := s.GetAlert(ctx, warn.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAcknowledged)
	require.NotNil(t, got.AcknowledgedBy)
	assert.Equal(t, int64(7), *got.AcknowledgedBy)

	counts, err := s.CountMonitoring(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.TotalStations)
	assert.Equal(t, 2, counts.ActiveStations)
	assert.Equal(t, 1, counts.ActiveAlerts)
	assert.Equal(t, 0, counts.CriticalAlerts)

	counts, err = s.CountMonitoring(ctx, []string{"TSF_002"})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.TotalStations)
	assert.Equal(t, 0, counts.ActiveAlerts)

	levels, err := s.StationAlertLevels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.AlertLevel{"WL-01": model.AlertWarning}, levels)
}

func TestComplianceStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	req := &model.ComplianceRequirement{RequirementID: "GISTM-4.1", Title: "EoR", Description: "Appoint an EoR",
		Standard: model.StdGISTM, RiskLevel: "High", IsMandatory: true, IsActive: true, References: []string{"GISTM 2020"}}
	require.NoError(t, s.CreateRequirement(ctx, req))
	assert.ErrorIs(t, s.CreateRequirement(ctx, &model.ComplianceRequirement{RequirementID: "GISTM-4.1"}), ErrConflict)

	gotReq, err := s.GetRequirement(ctx, "GISTM-4.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"GISTM 2020"}, gotReq.References)

	a := &model.ComplianceAssessment{RequirementID: "GISTM-4.1", FacilityID: "TSF_001", AssessmentDate: now,
		AssessorID: 1, Status: model.StatusNonCompliant, EvidenceDocuments: []int64{3, 4}}
	require.NoError(t, s.CreateAssessment(ctx, a))

	list, err := s.ListAssessments(ctx, model.AssessmentFilter{
		FacilityIDs: []string{"TSF_001"},
		Standards:   []model.ComplianceStandard{model.StdGISTM},
		Start:       now.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.StdGISTM, list[0].Standard)
	assert.Equal(t, []int64{3, 4}, list[0].EvidenceDocuments)

	list, err = s.ListAssessments(ctx, model.AssessmentFilter{Statuses: []model.ComplianceStatus{model.StatusCompliant}})
	require.NoError(t, err)
	assert.Empty(t, list)

	due := now.Add(-24 * time.Hour)
	act := &model.ComplianceAction{AssessmentID: a.ID, Title: "Appoint EoR", Description: "d", ActionType: "Corrective", Priority: "High", DueDate: &due}
	require.NoError(t, s.CreateAction(ctx, act))
	assert.Equal(t, model.ActionOpen, act.Status)

	overdue, err := s.ListActions(ctx, model.ActionFilter{FacilityIDs: []string{"TSF_001"}, OverdueAt: now})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "TSF_001", overdue[0].FacilityID)

	act.Status = model.ActionCompleted
	act.ProgressPercentage = 100
	require.NoError(t, s.UpdateAction(ctx, act))

	overdue, err = s.ListActions(ctx, model.ActionFilter{OverdueAt: now})
	require.NoError(t, err)
	assert.Empty(t, overdue)

	n, err := s.CountRequirements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyntheticStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &model.SyntheticDataset{DatasetID: "old", Name: "old", DataType: model.SynthMonitoring, CreatedBy: 1,
		IsActive: true, CreatedAt: time.Now().Add(-60 * 24 * time.Hour)}
	fresh := &model.SyntheticDataset{DatasetID: "fresh", Name: "fresh", DataType: model.SynthCompliance, CreatedBy: 2, IsActive: true}
	require.NoError(t, s.CreateDataset(ctx, old))
	require.NoError(t, s.CreateDataset(ctx, fresh))
	assert.ErrorIs(t, s.CreateDataset(ctx, &model.SyntheticDataset{DatasetID: "old"}), ErrConflict)

	require.NoError(t, s.AddRecords(ctx, "fresh", []json.RawMessage{
		json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`), json.RawMessage(`{"a":3}`),
	}))
	n, err := s.CountRecords(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	records, err := s.ListRecords(ctx, "fresh", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"a":1}`, string(records[0].Data))

	mine, err := s.ListDatasets(ctx, model.DatasetFilter{CreatedBy: 2})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "fresh", mine[0].DatasetID)

	cleaned, err := s.DeactivateDatasetsBefore(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	active, err := s.ListDatasets(ctx, model.DatasetFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].DatasetID)

	fresh.Status = model.DatasetReady
	fresh.RecordCount = 3
	require.NoError(t, s.UpdateDataset(ctx, fresh))
	got, err := s.GetDataset(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.DatasetReady, got.Status)
	assert.Equal(t, 3, got.RecordCount)

	assert.ErrorIs(t, s.DeactivateDataset(ctx, "missing"), ErrNotFound)
}

func TestQueryHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveQueryHistory(ctx, &model.QueryHistory{
			UserID:    1,
			Query:     "q",
			Response:  "r",
			Sources:   []string{"doc"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.SaveQueryHistory(ctx, &model.QueryHistory{UserID: 2, Query: "other", Response: "r"}))

	items, total, err := s.ListQueryHistory(ctx, 1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.True(t, items[0].CreatedAt.After(items[1].CreatedAt))
	if diff := cmp.Diff([]string{"doc"}, items[0].Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestPage(t *testing.T) {
	q, args := page("SELECT 1", nil, -1, 0)
	assert.Equal(t, "SELECT 1 LIMIT ? OFFSET ?", q)
	assert.Equal(t, []interface{}{-1, 0}, args)
}
