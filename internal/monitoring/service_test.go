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

package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/events"
	"github.com/tailingsiq/tailingsiq-backend/internal/metrics"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

var (
	engineer = &model.User{ID: 1, Role: model.RoleEngineerOfRecord}
	operator = &model.User{ID: 2, Role: model.RoleTSFOperator, FacilitiesAccess: []string{"TSF_001"}}
	viewer   = &model.User{ID: 3, Role: model.RoleViewer}
)

type fixture struct {
	svc      *Service
	store    *store.Store
	recorder *events.Recorder
	metrics  *metrics.Metrics
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, recorder: events.NewRecorder(), metrics: metrics.New()}
	f.svc = NewService(st, f.recorder, f.metrics, zap.NewNop())
	f.now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func ptr[T any](v T) *T { return &v }

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se *resilience.ServiceError
	require.True(t, resilience.AsServiceError(err, &se), "expected a ServiceError, got %v", err)
	return se.StatusCode
}

func (f *fixture) station(t *testing.T, id, facility string, typ model.MonitoringType, lat, lon float64) *model.MonitoringStation {
	t.Helper()
	st, err := f.svc.CreateStation(context.Background(), StationInput{
		StationID:      id,
		Name:           id + " station",
		FacilityID:     facility,
		MonitoringType: typ,
		Latitude:       ptr(lat),
		Longitude:      ptr(lon),
	}, engineer)
	require.NoError(t, err)
	return st
}

func TestCreateStation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st := f.station(t, "PZ-01", "tsf-1", model.MonPorePressure, -23.5, 133.2)
	assert.Equal(t, "TSF_001", st.FacilityID)
	assert.True(t, st.IsActive)
	assert.Equal(t, 3600, st.SamplingInterval)

	_, err := f.svc.CreateStation(ctx, StationInput{StationID: "PZ-01", Name: "dup", FacilityID: "TSF_001",
		MonitoringType: model.MonPorePressure}, engineer)
	assert.Equal(t, http.StatusConflict, statusOf(t, err))

	tests := []struct {
		name   string
		in     StationInput
		user   *model.User
		status int
	}{
		{"operator cannot create", StationInput{StationID: "X", FacilityID: "TSF_001"}, operator, http.StatusForbidden},
		{"missing facility", StationInput{StationID: "X"}, engineer, http.StatusBadRequest},
		{"bad type", StationInput{StationID: "X", FacilityID: "TSF_001", MonitoringType: "radar"}, engineer, http.StatusBadRequest},
		{"bad latitude", StationInput{StationID: "X", FacilityID: "TSF_001", Latitude: ptr(95.0)}, engineer, http.StatusBadRequest},
		{"unordered thresholds", StationInput{StationID: "X", FacilityID: "TSF_001", AlertThresholds: map[string]model.Thresholds{
			"water_level": {Caution: 10, Warning: 5, Critical: 20}}}, engineer, http.StatusBadRequest},
		{"bad direction", StationInput{StationID: "X", FacilityID: "TSF_001", AlertThresholds: map[string]model.Thresholds{
			"freeboard": {Direction: "sideways", Caution: 5, Warning: 3, Critical: 2}}}, engineer, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateStation(ctx, tt.in, tt.user)
			require.Error(t, err)
			assert.Equal(t, tt.status, statusOf(t, err))
		})
	}
}

func TestRecordReadingRaisesAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.station(t, "WL-01", "TSF_001", model.MonWaterLevel, 0, 0)

	res, err := f.svc.RecordReading(ctx, "WL-01", ReadingInput{Value: ptr(8.0), Unit: "m"}, operator)
	require.NoError(t, err)
	assert.Equal(t, model.AlertNormal, res.Reading.AlertLevel)
	assert.Nil(t, res.Alert)
	assert.Empty(t, f.recorder.Topics())

	res, err = f.svc.RecordReading(ctx, "WL-01", ReadingInput{Value: ptr(16.5), Unit: "m"}, operator)
	require.NoError(t, err)
	assert.Equal(t, model.AlertWarning, res.Reading.AlertLevel)
	require.NotNil(t, res.Alert)
	assert.Equal(t, model.AlertTypeThresholdExceeded, res.Alert.AlertType)
	assert.Equal(t, 16.5, *res.Alert.TriggerValue)
	assert.Equal(t, 15.0, *res.Alert.ThresholdValue)
	assert.Equal(t, res.Reading.ID, *res.Alert.ReadingID)
	assert.Equal(t, "WARNING water_level at station WL-01: water_level reading 16.50 m is above the warning threshold of 15.00 m",
		res.Alert.Message)

	require.Equal(t, []string{"monitoring.alert.warning"}, f.recorder.Topics())
	var ev AlertEvent
	require.NoError(t, json.Unmarshal(f.recorder.Events()[0].Data, &ev))
	assert.Equal(t, res.Alert.ID, ev.AlertID)
	assert.Equal(t, "TSF_001", ev.FacilityID)
	n, err := testutil.GatherAndCount(f.metrics.Registry(), "tailingsiq_monitoring_alerts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetStation(ctx, "WL-01")
	require.NoError(t, err)
	require.NotNil(t, stored.LastReadingAt)
	assert.WithinDuration(t, f.now, *stored.LastReadingAt, time.Millisecond)
}

func TestRecordReadingBelowThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateStation(ctx, StationInput{
		StationID:      "FB-01",
		Name:           "Freeboard gauge",
		FacilityID:     "TSF_001",
		MonitoringType: model.MonWaterLevel,
		Parameter:      "freeboard",
	}, engineer)
	require.NoError(t, err)

	res, err := f.svc.RecordReading(ctx, "FB-01", ReadingInput{Value: ptr(1.5), Unit: "m"}, engineer)
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.Equal(t, model.AlertCritical, res.Alert.AlertLevel)
	assert.Contains(t, res.Alert.Message, "is below the critical threshold of 2.00 m")
	assert.Equal(t, []string{"monitoring.alert.critical"}, f.recorder.Topics())
}

func TestRecordReadingRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.station(t, "PZ-01", "TSF_001", model.MonPorePressure, 0, 0)
	f.station(t, "PZ-09", "TSF_002", model.MonPorePressure, 0, 0)
	_, err := f.svc.CreateStation(ctx, StationInput{StationID: "OLD", Name: "Retired", FacilityID: "TSF_001",
		MonitoringType: model.MonOther, IsActive: ptr(false)}, engineer)
	require.NoError(t, err)

	future := f.now.Add(time.Hour)
	tests := []struct {
		name    string
		station string
		in      ReadingInput
		user    *model.User
		status  int
	}{
		{"viewer", "PZ-01", ReadingInput{Value: ptr(1.0)}, viewer, http.StatusForbidden},
		{"no value", "PZ-01", ReadingInput{}, operator, http.StatusBadRequest},
		{"unknown station", "NOPE", ReadingInput{Value: ptr(1.0)}, operator, http.StatusNotFound},
		{"other facility", "PZ-09", ReadingInput{Value: ptr(1.0)}, operator, http.StatusForbidden},
		{"inactive", "OLD", ReadingInput{Value: ptr(1.0)}, operator, http.StatusBadRequest},
		{"future", "PZ-01", ReadingInput{Value: ptr(1.0), Timestamp: &future}, operator, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordReading(ctx, tt.station, tt.in, tt.user)
			require.Error(t, err)
			assert.Equal(t, tt.status, statusOf(t, err))
		})
	}
}

func TestAlertLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.station(t, "PZ-01", "TSF_001", model.MonPorePressure, 0, 0)

	res, err := f.svc.RecordReading(ctx, "PZ-01", ReadingInput{Value: ptr(125.0), Unit: "kPa"}, engineer)
	require.NoError(t, err)
	id := res.Alert.ID

	_, err = f.svc.AcknowledgeAlert(ctx, id, viewer)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))
	_, err = f.svc.AcknowledgeAlert(ctx, 999, operator)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	acked, err := f.svc.AcknowledgeAlert(ctx, id, operator)
	require.NoError(t, err)
	assert.True(t, acked.IsAcknowledged)
	assert.Equal(t, operator.ID, *acked.AcknowledgedBy)

	resolved, err := f.svc.ResolveAlert(ctx, id, " Drain cleared ", operator)
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	assert.False(t, resolved.IsActive)
	assert.Equal(t, "Drain cleared", resolved.ResolutionNotes)

	_, err = f.svc.ResolveAlert(ctx, id, "again", operator)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	active, err := f.svc.ListAlerts(ctx, AlertQuery{ActiveOnly: true}, engineer)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestListingsAreScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.station(t, "PZ-01", "TSF_001", model.MonPorePressure, 0, 0)
	f.station(t, "PZ-09", "TSF_002", model.MonPorePressure, 0, 0)
	for _, id := range []string{"PZ-01", "PZ-09"} {
		_, err := f.svc.RecordReading(ctx, id, ReadingInput{Value: ptr(110.0)}, engineer)
		require.NoError(t, err)
	}

	stations, err := f.svc.ListStations(ctx, StationQuery{}, operator)
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.Equal(t, "PZ-01", stations[0].StationID)

	_, err = f.svc.ListStations(ctx, StationQuery{FacilityID: "TSF_002"}, operator)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))

	readings, err := f.svc.ListReadings(ctx, "", ReadingQuery{}, operator)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "PZ-01", readings[0].StationID)

	all, err := f.svc.ListReadings(ctx, "", ReadingQuery{MinLevel: model.AlertWarning}, engineer)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	alerts, err := f.svc.ListAlerts(ctx, AlertQuery{}, operator)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "TSF_001", alerts[0].FacilityID)

	_, err = f.svc.StationReadings(ctx, "PZ-09", ReadingQuery{}, operator)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))

	_, err = f.svc.ListReadings(ctx, "", ReadingQuery{Start: f.now, End: f.now.Add(-time.Hour)}, engineer)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.station(t, "PZ-01", "TSF_001", model.MonPorePressure, 0, 0)
	f.station(t, "WL-01", "TSF_001", model.MonWaterLevel, 0, 0)

	values := []struct {
		station string
		value   float64
	}{{"PZ-01", 50}, {"WL-01", 11}, {"PZ-01", 125}}
	for i, v := range values {
		f.now = f.now.Add(time.Duration(i+1) * time.Minute)
		_, err := f.svc.RecordReading(ctx, v.station, ReadingInput{Value: ptr(v.value)}, engineer)
		require.NoError(t, err)
	}

	d, err := f.svc.Dashboard(ctx, "TSF-1", engineer)
	require.NoError(t, err)
	assert.Equal(t, 2, d.TotalStations)
	assert.Equal(t, 2, d.ActiveStations)
	assert.Equal(t, 2, d.ActiveAlerts)
	assert.Equal(t, 1, d.CriticalAlerts)
	assert.Equal(t, map[string]int{"caution": 1, "warning": 0, "critical": 1}, d.AlertSummary)
	require.Len(t, d.RecentReadings, 3)
	assert.Equal(t, 125.0, d.RecentReadings[0].Value)
	require.Len(t, d.StationStatus, 2)
	assert.Equal(t, "PZ-01", d.StationStatus[0].StationID)
	assert.Equal(t, model.AlertCritical, d.StationStatus[0].AlertLevel)
	assert.Equal(t, model.AlertCaution, d.StationStatus[1].AlertLevel)
}

func TestHaversineKm(t *testing.T) {
	assert.InDelta(t, 0, HaversineKm(-31.95, 115.86, -31.95, 115.86), 1e-9)
	assert.InDelta(t, 10007.54, HaversineKm(0, 0, 90, 0), 0.01)
	assert.InDelta(t, HaversineKm(-31.95, 115.86, -30.75, 121.47), HaversineKm(-30.75, 121.47, -31.95, 115.86), 1e-9)
	assert.InDelta(t, 111.19, HaversineKm(0, 0, 1, 0), 0.01)
}

func TestNearbyStations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.station(t, "NEAR", "TSF_001", model.MonSeepage, 0, 0.1)
	f.station(t, "MID", "TSF_001", model.MonSeepage, 0, 0.5)
	f.station(t, "FAR", "TSF_001", model.MonSeepage, 0, 5)

	got, err := f.svc.NearbyStations(ctx, 0, 0, 60, engineer)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "NEAR", got[0].Station.StationID)
	assert.InDelta(t, 11.12, got[0].DistanceKm, 0.01)
	assert.Equal(t, "MID", got[1].Station.StationID)

	_, err = f.svc.NearbyStations(ctx, 91, 0, 10, engineer)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
	_, err = f.svc.NearbyStations(ctx, 0, 0, 0, engineer)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
}
