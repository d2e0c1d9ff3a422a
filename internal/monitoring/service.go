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

// Package monitoring manages instrumentation stations, their readings and
// the alerts raised when a reading crosses a station threshold.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/events"
	"github.com/tailingsiq/tailingsiq-backend/internal/metrics"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

const (
	// DefaultReadingLimit applies when a listing asks for no limit
	DefaultReadingLimit = 100
	// MaxReadingLimit caps reading listings
	MaxReadingLimit = 1000
	// dashboardReadings is the number of latest readings on the dashboard
	dashboardReadings = 20
	// EarthRadiusKm is the mean radius used by HaversineKm
	EarthRadiusKm = 6371.0
)

// Store is the persistence the service needs
type Store interface {
	CreateStation(ctx context.Context, st *model.MonitoringStation) error
	GetStation(ctx context.Context, stationID string) (*model.MonitoringStation, error)
	ListStations(ctx context.Context, filter model.StationFilter) ([]model.MonitoringStation, error)
	AddReading(ctx context.Context, r *model.MonitoringReading) error
	ListReadings(ctx context.Context, filter model.ReadingFilter) ([]model.MonitoringReading, error)
	CreateAlert(ctx context.Context, a *model.MonitoringAlert) error
	GetAlert(ctx context.Context, id int64) (*model.MonitoringAlert, error)
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.MonitoringAlert, error)
	AcknowledgeAlert(ctx context.Context, id, userID int64, at time.Time) error
	ResolveAlert(ctx context.Context, id, userID int64, notes string, at time.Time) error
	CountMonitoring(ctx context.Context, facilityIDs []string) (*store.MonitoringCounts, error)
	StationAlertLevels(ctx context.Context) (map[string]model.AlertLevel, error)
}

// Service implements station, reading and alert operations
type Service struct {
	store   Store
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a monitoring service. pub and m may be nil.
func NewService(st Store, pub events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		store:   st,
		events:  pub,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// StationInput is the payload for creating a station
type StationInput struct {
	StationID        string                      `json:"station_id" binding:"required"`
	Name             string                      `json:"name" binding:"required"`
	Description      string                      `json:"description"`
	FacilityID       string                      `json:"facility_id" binding:"required"`
	Latitude         *float64                    `json:"latitude"`
	Longitude        *float64                    `json:"longitude"`
	Elevation        *float64                    `json:"elevation"`
	MonitoringType   model.MonitoringType        `json:"monitoring_type"`
	Parameter        string                      `json:"parameter"`
	Manufacturer     string                      `json:"manufacturer"`
	Model            string                      `json:"model"`
	SerialNumber     string                      `json:"serial_number"`
	InstallationDate *time.Time                  `json:"installation_date"`
	SamplingInterval int                         `json:"sampling_interval"`
	AlertThresholds  map[string]model.Thresholds `json:"alert_thresholds"`
	IsActive         *bool                       `json:"is_active"`
}

// ReadingInput is the payload for recording a reading
type ReadingInput struct {
	Timestamp   *time.Time `json:"timestamp"`
	Value       *float64   `json:"value" binding:"required"`
	Unit        string     `json:"unit"`
	QualityCode string     `json:"quality_code"`
	RawValue    *float64   `json:"raw_value"`
	IsValidated bool       `json:"is_validated"`
	IsAnomaly   bool       `json:"is_anomaly"`
	Notes       string     `json:"notes"`
}

// RecordResult is the stored reading and the alert it raised, if any
type RecordResult struct {
	Reading *model.MonitoringReading `json:"reading"`
	Alert   *model.MonitoringAlert   `json:"alert,omitempty"`
}

// AlertEvent is published on monitoring.alert.<level>
type AlertEvent struct {
	AlertID        int64            `json:"alert_id"`
	StationID      string           `json:"station_id"`
	FacilityID     string           `json:"facility_id"`
	Level          model.AlertLevel `json:"alert_level"`
	Message        string           `json:"message"`
	TriggerValue   float64          `json:"trigger_value"`
	ThresholdValue float64          `json:"threshold_value"`
	Timestamp      time.Time        `json:"timestamp"`
}

// StationQuery filters station listings
type StationQuery struct {
	FacilityID     string
	MonitoringType model.MonitoringType
	ActiveOnly     bool
}

// ReadingQuery filters reading listings
type ReadingQuery struct {
	StationID string
	Start     time.Time
	End       time.Time
	MinLevel  model.AlertLevel
	Limit     int
}

// AlertQuery filters alert listings
type AlertQuery struct {
	FacilityID string
	StationID  string
	MinLevel   model.AlertLevel
	ActiveOnly bool
	Limit      int
}

// StationDistance is a station and its distance from a point
type StationDistance struct {
	Station    model.MonitoringStation `json:"station"`
	DistanceKm float64                 `json:"distance_km"`
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

// scope resolves the facilities a listing covers. An explicit facility must
// be accessible. With none, a restricted user sees their own facilities and
// an unrestricted one sees everything (nil).
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

// ValidateThresholds checks that levels are ordered in the alarm direction
func ValidateThresholds(key string, t model.Thresholds) error {
	switch t.Direction {
	case model.Above:
		if !(t.Caution <= t.Warning && t.Warning <= t.Critical) {
			return fmt.Errorf("thresholds for %s must satisfy caution <= warning <= critical", key)
		}
	case model.Below:
		if !(t.Caution >= t.Warning && t.Warning >= t.Critical) {
			return fmt.Errorf("thresholds for %s must satisfy caution >= warning >= critical", key)
		}
	default:
		return fmt.Errorf("threshold direction for %s must be %q or %q", key, model.Above, model.Below)
	}
	return nil
}

// CreateStation registers a station
func (s *Service) CreateStation(ctx context.Context, in StationInput, u *model.User) (*model.MonitoringStation, error) {
	if err := requirePermission(u, auth.PermMonitoringFull); err != nil {
		return nil, err
	}
	in.StationID = strings.TrimSpace(in.StationID)
	if in.StationID == "" {
		return nil, resilience.NewBadRequestError("station_id is required", nil)
	}
	if strings.TrimSpace(in.FacilityID) == "" {
		return nil, resilience.NewBadRequestError("facility_id is required", nil)
	}
	facility := model.NormalizeFacilityID(in.FacilityID)
	if !u.CanAccessFacility(facility) {
		return nil, resilience.NewForbiddenError("Not enough permissions for this facility", nil)
	}
	if in.MonitoringType == "" {
		in.MonitoringType = model.MonOther
	}
	if !in.MonitoringType.Valid() {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid monitoring type: %s", in.MonitoringType), nil)
	}
	for key, t := range in.AlertThresholds {
		if t.Direction == "" {
			t.Direction = model.Above
			in.AlertThresholds[key] = t
		}
		if err := ValidateThresholds(key, t); err != nil {
			return nil, resilience.NewBadRequestError(err.Error(), err)
		}
	}
	if in.Latitude != nil && (*in.Latitude < -90 || *in.Latitude > 90) {
		return nil, resilience.NewBadRequestError("latitude must be between -90 and 90", nil)
	}
	if in.Longitude != nil && (*in.Longitude < -180 || *in.Longitude > 180) {
		return nil, resilience.NewBadRequestError("longitude must be between -180 and 180", nil)
	}
	if in.SamplingInterval <= 0 {
		in.SamplingInterval = 3600
	}
	active := in.IsActive == nil || *in.IsActive

	st := &model.MonitoringStation{
		StationID:        in.StationID,
		Name:             strings.TrimSpace(in.Name),
		Description:      in.Description,
		FacilityID:       facility,
		Latitude:         in.Latitude,
		Longitude:        in.Longitude,
		Elevation:        in.Elevation,
		MonitoringType:   in.MonitoringType,
		Parameter:        strings.TrimSpace(in.Parameter),
		Manufacturer:     in.Manufacturer,
		Model:            in.Model,
		SerialNumber:     in.SerialNumber,
		InstallationDate: in.InstallationDate,
		IsActive:         active,
		SamplingInterval: in.SamplingInterval,
		AlertThresholds:  in.AlertThresholds,
		CreatedAt:        s.now(),
	}
	if err := s.store.CreateStation(ctx, st); err != nil {
		return nil, storeError(err, "Station", "create station")
	}
	s.logger.Info("Monitoring station created",
		zap.String("station_id", st.StationID),
		zap.String("facility_id", st.FacilityID),
		zap.String("monitoring_type", string(st.MonitoringType)),
		zap.Int64("created_by", u.ID))
	return st, nil
}

// GetStation returns a station the user may see
func (s *Service) GetStation(ctx context.Context, stationID string, u *model.User) (*model.MonitoringStation, error) {
	if err := requirePermission(u, auth.PermMonitoringRead); err != nil {
		return nil, err
	}
	return s.visibleStation(ctx, stationID, u)
}

func (s *Service) visibleStation(ctx context.Context, stationID string, u *model.User) (*model.MonitoringStation, error) {
	st, err := s.store.GetStation(ctx, stationID)
	if err != nil {
		return nil, storeError(err, "Station", "retrieve station")
	}
	if !u.CanAccessFacility(st.FacilityID) {
		return nil, resilience.NewForbiddenError("Not enough permissions for this facility", nil)
	}
	return st, nil
}

// ListStations lists stations in the user's scope
func (s *Service) ListStations(ctx context.Context, q StationQuery, u *model.User) ([]model.MonitoringStation, error) {
	if err := requirePermission(u, auth.PermMonitoringRead); err != nil {
		return nil, err
	}
	facilities, err := scope(u, q.FacilityID)
	if err != nil {
		return nil, err
	}
	filter := model.StationFilter{FacilityIDs: facilities, ActiveOnly: q.ActiveOnly}
	if q.MonitoringType != "" {
		if !q.MonitoringType.Valid() {
			return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid monitoring type: %s", q.MonitoringType), nil)
		}
		filter.MonitoringTypes = []model.MonitoringType{q.MonitoringType}
	}
	stations, err := s.store.ListStations(ctx, filter)
	if err != nil {
		return nil, storeError(err, "Station", "list stations")
	}
	return stations, nil
}

// RecordReading stores a reading, evaluates it against the station
// thresholds and raises an alert when it is above normal.
func (s *Service) RecordReading(ctx context.Context, stationID string, in ReadingInput, u *model.User) (*RecordResult, error) {
	if err := requirePermission(u, auth.PermDataEntry); err != nil {
		return nil, err
	}
	if in.Value == nil {
		return nil, resilience.NewBadRequestError("value is required", nil)
	}
	if math.IsNaN(*in.Value) || math.IsInf(*in.Value, 0) {
		return nil, resilience.NewBadRequestError("value must be a finite number", nil)
	}
	st, err := s.visibleStation(ctx, stationID, u)
	if err != nil {
		return nil, err
	}
	if !st.IsActive {
		return nil, resilience.NewBadRequestError("Station is inactive", nil)
	}

	now := s.now()
	r := &model.MonitoringReading{
		StationID:   st.StationID,
		Timestamp:   now,
		Value:       *in.Value,
		Unit:        strings.TrimSpace(in.Unit),
		QualityCode: in.QualityCode,
		RawValue:    in.RawValue,
		IsValidated: in.IsValidated,
		IsAnomaly:   in.IsAnomaly,
		Notes:       in.Notes,
		AlertLevel:  model.AlertNormal,
		CreatedAt:   now,
	}
	if in.Timestamp != nil {
		r.Timestamp = in.Timestamp.UTC()
	}
	if r.Timestamp.After(now.Add(5 * time.Minute)) {
		return nil, resilience.NewBadRequestError("timestamp cannot be in the future", nil)
	}

	thresholds, hasThresholds := st.EffectiveThresholds()
	var limit float64
	if hasThresholds {
		r.AlertLevel, limit = thresholds.Evaluate(r.Value)
	}
	if err := s.store.AddReading(ctx, r); err != nil {
		return nil, storeError(err, "Station", "store reading")
	}

	res := &RecordResult{Reading: r}
	if r.AlertLevel == model.AlertNormal {
		return res, nil
	}

	alert, err := s.raiseAlert(ctx, st, r, thresholds.Direction, limit)
	if err != nil {
		return nil, err
	}
	res.Alert = alert
	return res, nil
}

func (s *Service) raiseAlert(ctx context.Context, st *model.MonitoringStation, r *model.MonitoringReading,
	dir model.ThresholdDirection, limit float64) (*model.MonitoringAlert, error) {
	relation := "above"
	if dir == model.Below {
		relation = "below"
	}
	unit := ""
	if r.Unit != "" {
		unit = " " + r.Unit
	}
	trigger, threshold := r.Value, limit
	readingID := r.ID
	a := &model.MonitoringAlert{
		StationID:  st.StationID,
		FacilityID: st.FacilityID,
		ReadingID:  &readingID,
		AlertType:  model.AlertTypeThresholdExceeded,
		AlertLevel: r.AlertLevel,
		Message: fmt.Sprintf("%s %s at station %s: %s reading %.2f%s is %s the %s threshold of %.2f%s",
			strings.ToUpper(string(r.AlertLevel)), st.ThresholdKey(), st.StationID, st.ThresholdKey(),
			r.Value, unit, relation, r.AlertLevel, limit, unit),
		TriggerValue:   &trigger,
		ThresholdValue: &threshold,
		IsActive:       true,
		CreatedAt:      r.Timestamp,
	}
	if err := s.store.CreateAlert(ctx, a); err != nil {
		return nil, storeError(err, "Alert", "create alert")
	}

	s.metrics.AlertRaised(string(a.AlertLevel))
	s.logger.Warn("Monitoring alert raised",
		zap.Int64("alert_id", a.ID),
		zap.String("station_id", a.StationID),
		zap.String("facility_id", a.FacilityID),
		zap.String("level", string(a.AlertLevel)),
		zap.Float64("value", r.Value),
		zap.Float64("threshold", limit))

	ev := AlertEvent{
		AlertID:        a.ID,
		StationID:      a.StationID,
		FacilityID:     a.FacilityID,
		Level:          a.AlertLevel,
		Message:        a.Message,
		TriggerValue:   trigger,
		ThresholdValue: threshold,
		Timestamp:      a.CreatedAt,
	}
	if err := s.events.Publish(ctx, events.AlertTopic(a.AlertLevel), ev); err != nil {
		s.logger.Error("Failed to publish alert event", zap.Int64("alert_id", a.ID), zap.Error(err))
	}
	return a, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadingLimit
	}
	if limit > MaxReadingLimit {
		return MaxReadingLimit
	}
	return limit
}

// StationReadings lists readings of one station, oldest first
func (s *Service) StationReadings(ctx context.Context, stationID string, q ReadingQuery, u *model.User) ([]model.MonitoringReading, error) {
	if err := requirePermission(u, auth.PermMonitoringRead); err != nil {
		return nil, err
	}
	if _, err := s.visibleStation(ctx, stationID, u); err != nil {
		return nil, err
	}
	q.StationID = stationID
	return s.listReadings(ctx, []string{stationID}, q)
}

// ListReadings lists readings across every station in the user's scope
func (s *Service) ListReadings(ctx context.Context, facility string, q ReadingQuery, u *model.User) ([]model.MonitoringReading, error) {
	if q.StationID != "" {
		return s.StationReadings(ctx, q.StationID, q, u)
	}
	if err := requirePermission(u, auth.PermMonitoringRead); err != nil {
		return nil, err
	}
	facilities, err := scope(u, facility)
	if err != nil {
		return nil, err
	}
	var ids []string
	if facilities != nil {
		stations, err := s.store.ListStations(ctx, model.StationFilter{FacilityIDs: facilities})
		if err != nil {
			return nil, storeError(err, "Station", "list stations")
		}
		if len(stations) == 0 {
			return []model.MonitoringReading{}, nil
		}
		for _, st := range stations {
			ids = append(ids, st.StationID)
		}
	}
	return s.listReadings(ctx, ids, q)
}

func (s *Service) listReadings(ctx context.Context, ids []string, q ReadingQuery) ([]model.MonitoringReading, error) {
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return nil, resilience.NewBadRequestError("end must not be before start", nil)
	}
	readings, err := s.store.ListReadings(ctx, model.ReadingFilter{
		StationIDs: ids,
		Start:      q.Start,
		End:        q.End,
		MinLevel:   q.MinLevel,
		Limit:      clampLimit(q.Limit),
	})
	if err != nil {
		return nil, storeError(err, "Reading", "list readings")
	}
	return readings, nil
}

// ListAlerts lists alerts in the user's scope, most severe first
func (s *Service) ListAlerts(ctx context.Context, q AlertQuery, u *model.User) ([]model.MonitoringAlert, error) {
	if err := requirePermission(u, auth.PermMonitoringRead); err != nil {
		return nil, err
	}
	facilities, err := scope(u, q.FacilityID)
	if err != nil {
		return nil, err
	}
	filter := model.AlertFilter{
		FacilityIDs: facilities,
		MinLevel:    q.MinLevel,
		ActiveOnly:  q.ActiveOnly,
		Limit:       clampLimit(q.Limit),
	}
	if q.StationID != "" {
		filter.StationIDs = []string{q.StationID}
	}
	alerts, err := s.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, storeError(err, "Alert", "list alerts")
	}
	return alerts, nil
}

func (s *Service) visibleAlert(ctx context.Context, id int64, u *model.User) (*model.MonitoringAlert, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, storeError(err, "Alert", "retrieve alert")
	}
	if !u.CanAccessFacility(a.FacilityID) {
		return nil, resilience.NewForbiddenError("Not enough permissions for this facility", nil)
	}
	return a, nil
}

// AcknowledgeAlert marks an alert as seen by u
func (s *Service) AcknowledgeAlert(ctx context.Context, id int64, u *model.User) (*model.MonitoringAlert, error) {
	if err := requirePermission(u, auth.PermAlertsManage); err != nil {
		return nil, err
	}
	a, err := s.visibleAlert(ctx, id, u)
	if err != nil {
		return nil, err
	}
	if a.IsResolved {
		return nil, resilience.NewBadRequestError("Alert is already resolved", nil)
	}
	if a.IsAcknowledged {
		return a, nil
	}
	if err := s.store.AcknowledgeAlert(ctx, id, u.ID, s.now()); err != nil {
		return nil, storeError(err, "Alert", "acknowledge alert")
	}
	s.logger.Info("Alert acknowledged", zap.Int64("alert_id", id), zap.Int64("user_id", u.ID))
	return s.visibleAlert(ctx, id, u)
}

// ResolveAlert closes an alert with resolution notes
func (s *Service) ResolveAlert(ctx context.Context, id int64, notes string, u *model.User) (*model.MonitoringAlert, error) {
	if err := requirePermission(u, auth.PermAlertsManage); err != nil {
		return nil, err
	}
	a, err := s.visibleAlert(ctx, id, u)
	if err != nil {
		return nil, err
	}
	if a.IsResolved {
		return nil, resilience.NewBadRequestError("Alert is already resolved", nil)
	}
	now := s.now()
	if !a.IsAcknowledged {
		if err := s.store.AcknowledgeAlert(ctx, id, u.ID, now); err != nil {
			return nil, storeError(err, "Alert", "acknowledge alert")
		}
	}
	if err := s.store.ResolveAlert(ctx, id, u.ID, strings.TrimSpace(notes), now); err != nil {
		return nil, storeError(err, "Alert", "resolve alert")
	}
	s.logger.Info("Alert resolved", zap.Int64("alert_id", id), zap.Int64("user_id", u.ID))
	return s.visibleAlert(ctx, id, u)
}

// Dashboard summarises stations, alerts and the latest readings
func (s *Service) Dashboard(ctx context.Context, facility string, u *model.User) (*model.MonitoringDashboard, error) {
	if err := requirePermission(u, auth.PermMonitoringRead); err != nil {
		return nil, err
	}
	facilities, err := scope(u, facility)
	if err != nil {
		return nil, err
	}

	counts, err := s.store.CountMonitoring(ctx, facilities)
	if err != nil {
		return nil, storeError(err, "Station", "load dashboard")
	}
	stations, err := s.store.ListStations(ctx, model.StationFilter{FacilityIDs: facilities})
	if err != nil {
		return nil, storeError(err, "Station", "load dashboard")
	}
	levels, err := s.store.StationAlertLevels(ctx)
	if err != nil {
		return nil, storeError(err, "Alert", "load dashboard")
	}

	d := &model.MonitoringDashboard{
		TotalStations:  counts.TotalStations,
		ActiveStations: counts.ActiveStations,
		ActiveAlerts:   counts.ActiveAlerts,
		CriticalAlerts: counts.CriticalAlerts,
		RecentReadings: []model.MonitoringReading{},
		AlertSummary:   map[string]int{},
		StationStatus:  make([]model.StationStatusEntry, 0, len(stations)),
	}
	for _, level := range []model.AlertLevel{model.AlertCaution, model.AlertWarning, model.AlertCritical} {
		d.AlertSummary[string(level)] = counts.AlertsByLevel[string(level)]
	}

	ids := make([]string, 0, len(stations))
	for _, st := range stations {
		ids = append(ids, st.StationID)
		level, ok := levels[st.StationID]
		if !ok {
			level = model.AlertNormal
		}
		d.StationStatus = append(d.StationStatus, model.StationStatusEntry{
			StationID:      st.StationID,
			Name:           st.Name,
			FacilityID:     st.FacilityID,
			MonitoringType: string(st.MonitoringType),
			IsActive:       st.IsActive,
			LastReadingAt:  st.LastReadingAt,
			AlertLevel:     level,
		})
	}
	sort.SliceStable(d.StationStatus, func(i, j int) bool {
		return d.StationStatus[i].AlertLevel.Rank() > d.StationStatus[j].AlertLevel.Rank()
	})

	if len(ids) > 0 {
		recent, err := s.store.ListReadings(ctx, model.ReadingFilter{StationIDs: ids, Limit: dashboardReadings})
		if err != nil {
			return nil, storeError(err, "Reading", "load dashboard")
		}
		for i := len(recent) - 1; i >= 0; i-- {
			d.RecentReadings = append(d.RecentReadings, recent[i])
		}
	}
	return d, nil
}

// HaversineKm is the great circle distance between two points in kilometres
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dPhi, dLambda := toRad(lat2-lat1), toRad(lon2-lon1)
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// NearbyStations lists located stations within radiusKm of a point, nearest first
func (s *Service) NearbyStations(ctx context.Context, lat, lon, radiusKm float64, u *model.User) ([]StationDistance, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, resilience.NewBadRequestError("Invalid coordinates", nil)
	}
	if radiusKm <= 0 {
		return nil, resilience.NewBadRequestError("radius_km must be positive", nil)
	}
	stations, err := s.ListStations(ctx, StationQuery{}, u)
	if err != nil {
		return nil, err
	}
	out := []StationDistance{}
	for _, st := range stations {
		if st.Latitude == nil || st.Longitude == nil {
			continue
		}
		d := HaversineKm(lat, lon, *st.Latitude, *st.Longitude)
		if d <= radiusKm {
			out = append(out, StationDistance{Station: st, DistanceKm: math.Round(d*1000) / 1000})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}
