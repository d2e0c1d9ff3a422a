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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

const stationColumns = `id, station_id, name, description, facility_id, latitude, longitude, elevation,
	monitoring_type, parameter, manufacturer, model, serial_number, installation_date, is_active,
	sampling_interval, alert_thresholds, calibration_data, created_at, last_reading_at`

func encodeThresholds(t map[string]model.Thresholds) string {
	if len(t) == 0 {
		return "{}"
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func scanStation(row scanner) (*model.MonitoringStation, error) {
	var (
		st                                        model.MonitoringStation
		lat, lon, elev                            sql.NullFloat64
		monType, thresholds, calibration, created string
		installed, lastReading                    sql.NullString
	)
	err := row.Scan(&st.ID, &st.StationID, &st.Name, &st.Description, &st.FacilityID, &lat, &lon, &elev,
		&monType, &st.Parameter, &st.Manufacturer, &st.Model, &st.SerialNumber, &installed, &st.IsActive,
		&st.SamplingInterval, &thresholds, &calibration, &created, &lastReading)
	if err != nil {
		return nil, err
	}
	st.Latitude = floatPtr(lat)
	st.Longitude = floatPtr(lon)
	st.Elevation = floatPtr(elev)
	st.MonitoringType = model.MonitoringType(monType)
	st.InstallationDate = parseNullTime(installed)
	st.AlertThresholds = map[string]model.Thresholds{}
	_ = json.Unmarshal([]byte(thresholds), &st.AlertThresholds)
	st.CalibrationData = textRaw(calibration)
	st.CreatedAt = parseTime(created)
	st.LastReadingAt = parseNullTime(lastReading)
	return &st, nil
}

// CreateStation inserts a station. A duplicate station_id returns ErrConflict.
func (s *Store) CreateStation(ctx context.Context, st *model.MonitoringStation) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO monitoring_stations (station_id, name, description, facility_id, latitude, longitude,
			elevation, monitoring_type, parameter, manufacturer, model, serial_number, installation_date,
			is_active, sampling_interval, alert_thresholds, calibration_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.StationID, st.Name, st.Description, st.FacilityID, nullFloat(st.Latitude), nullFloat(st.Longitude),
		nullFloat(st.Elevation), string(st.MonitoringType), st.Parameter, st.Manufacturer, st.Model,
		st.SerialNumber, formatNullTime(st.InstallationDate), st.IsActive, st.SamplingInterval,
		encodeThresholds(st.AlertThresholds), rawText(st.CalibrationData), formatTime(st.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("station %q: %w", st.StationID, ErrConflict)
		}
		return fmt.Errorf("failed to insert station: %w", err)
	}
	st.ID, err = res.LastInsertId()
	return err
}

// GetStation looks a station up by its station_id
func (s *Store) GetStation(ctx context.Context, stationID string) (*model.MonitoringStation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+stationColumns+" FROM monitoring_stations WHERE station_id = ?", stationID)
	st, err := scanStation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load station: %w", err)
	}
	return st, nil
}

// ListStations returns stations matching filter ordered by facility and station id
func (s *Store) ListStations(ctx context.Context, filter model.StationFilter) ([]model.MonitoringStation, error) {
	var conditions []string
	var args []interface{}

	if len(filter.FacilityIDs) > 0 {
		var in string
		in, args = inClause(filter.FacilityIDs, args)
		conditions = append(conditions, "facility_id IN "+in)
	}
	if len(filter.MonitoringTypes) > 0 {
		types := make([]string, len(filter.MonitoringTypes))
		for i, t := range filter.MonitoringTypes {
			types[i] = string(t)
		}
		var in string
		in, args = inClause(types, args)
		conditions = append(conditions, "monitoring_type IN "+in)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active = 1")
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+stationColumns+" FROM monitoring_stations"+where(conditions)+
		" ORDER BY facility_id, station_id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	stations := []model.MonitoringStation{}
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		stations = append(stations, *st)
	}
	return stations, rows.Err()
}

const readingColumns = `id, station_id, timestamp, value, unit, quality_code, raw_value, processed_value,
	correction_factor, is_validated, is_anomaly, alert_level, metadata, notes, created_at`

func scanReading(row scanner) (*model.MonitoringReading, error) {
	var (
		r                               model.MonitoringReading
		ts, level, meta, created        string
		rawValue, processed, correction sql.NullFloat64
	)
	err := row.Scan(&r.ID, &r.StationID, &ts, &r.Value, &r.Unit, &r.QualityCode, &rawValue, &processed,
		&correction, &r.IsValidated, &r.IsAnomaly, &level, &meta, &r.Notes, &created)
	if err != nil {
		return nil, err
	}
	r.Timestamp = parseTime(ts)
	r.RawValue = floatPtr(rawValue)
	r.ProcessedValue = floatPtr(processed)
	r.CorrectionFactor = floatPtr(correction)
	r.AlertLevel = model.AlertLevel(level)
	r.Metadata = textRaw(meta)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// AddReading stores a reading and advances the station's last_reading_at.
// An unknown station returns ErrNotFound.
func (s *Store) AddReading(ctx context.Context, r *model.MonitoringReading) error {
	if r.AlertLevel == "" {
		r.AlertLevel = model.AlertNormal
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// last_reading_at only moves forward so late-arriving readings don't rewind it
	res, err := tx.ExecContext(ctx, `UPDATE monitoring_stations
		SET last_reading_at = CASE WHEN last_reading_at IS NULL OR last_reading_at < ? THEN ? ELSE last_reading_at END
		WHERE station_id = ?`, formatTime(r.Timestamp), formatTime(r.Timestamp), r.StationID)
	if err != nil {
		return fmt.Errorf("failed to update station: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("station %q: %w", r.StationID, ErrNotFound)
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO monitoring_readings (station_id, timestamp, value, unit, quality_code, raw_value,
			processed_value, correction_factor, is_validated, is_anomaly, alert_level, alert_rank, metadata,
			notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StationID, formatTime(r.Timestamp), r.Value, r.Unit, r.QualityCode, nullFloat(r.RawValue),
		nullFloat(r.ProcessedValue), nullFloat(r.CorrectionFactor), r.IsValidated, r.IsAnomaly,
		string(r.AlertLevel), r.AlertLevel.Rank(), rawText(r.Metadata), r.Notes, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return tx.Commit()
}

// ListReadings returns readings matching filter, oldest first. With a limit
// the most recent readings are kept.
func (s *Store) ListReadings(ctx context.Context, filter model.ReadingFilter) ([]model.MonitoringReading, error) {
	var conditions []string
	var args []interface{}

	if len(filter.StationIDs) > 0 {
		var in string
		in, args = inClause(filter.StationIDs, args)
		conditions = append(conditions, "station_id IN "+in)
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, formatTime(filter.Start))
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, formatTime(filter.End))
	}
	if rank := filter.MinLevel.Rank(); rank > 0 {
		conditions = append(conditions, "alert_rank >= ?")
		args = append(args, rank)
	}

	inner, args := page("SELECT "+readingColumns+" FROM monitoring_readings"+where(conditions)+
		" ORDER BY timestamp DESC, id DESC", args, 0, filter.Limit)
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM ("+inner+") ORDER BY timestamp, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []model.MonitoringReading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, *r)
	}
	return readings, rows.Err()
}

const alertColumns = `id, station_id, facility_id, reading_id, alert_type, alert_level, message,
	trigger_value, threshold_value, is_active, is_acknowledged, acknowledged_by, acknowledged_at,
	is_resolved, resolved_by, resolved_at, resolution_notes, created_at`

func scanAlert(row scanner) (*model.MonitoringAlert, error) {
	var (
		a                            model.MonitoringAlert
		level, created               string
		readingID, ackBy, resolvedBy sql.NullInt64
		trigger, threshold           sql.NullFloat64
		ackAt, resolvedAt            sql.NullString
	)
	err := row.Scan(&a.ID, &a.StationID, &a.FacilityID, &readingID, &a.AlertType, &level, &a.Message,
		&trigger, &threshold, &a.IsActive, &a.IsAcknowledged, &ackBy, &ackAt, &a.IsResolved, &resolvedBy,
		&resolvedAt, &a.ResolutionNotes, &created)
	if err != nil {
		return nil, err
	}
	a.ReadingID = intPtr(readingID)
	a.AlertLevel = model.AlertLevel(level)
	a.TriggerValue = floatPtr(trigger)
	a.ThresholdValue = floatPtr(threshold)
	a.AcknowledgedBy = intPtr(ackBy)
	a.AcknowledgedAt = parseNullTime(ackAt)
	a.ResolvedBy = intPtr(resolvedBy)
	a.ResolvedAt = parseNullTime(resolvedAt)
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// CreateAlert inserts an active alert
func (s *Store) CreateAlert(ctx context.Context, a *model.MonitoringAlert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.IsActive = true
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO monitoring_alerts (station_id, facility_id, reading_id, alert_type, alert_level,
			alert_rank, message, trigger_value, threshold_value, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		a.StationID, a.FacilityID, nullInt(a.ReadingID), a.AlertType, string(a.AlertLevel),
		a.AlertLevel.Rank(), a.Message, nullFloat(a.TriggerValue), nullFloat(a.ThresholdValue),
		formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

// GetAlert returns the alert with the given id
func (s *Store) GetAlert(ctx context.Context, id int64) (*model.MonitoringAlert, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM monitoring_alerts WHERE id = ?", id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns alerts ordered by severity then recency
func (s *Store) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.MonitoringAlert, error) {
	var conditions []string
	var args []interface{}

	if len(filter.FacilityIDs) > 0 {
		var in string
		in, args = inClause(filter.FacilityIDs, args)
		conditions = append(conditions, "facility_id IN "+in)
	}
	if len(filter.StationIDs) > 0 {
		var in string
		in, args = inClause(filter.StationIDs, args)
		conditions = append(conditions, "station_id IN "+in)
	}
	if rank := filter.MinLevel.Rank(); rank > 0 {
		conditions = append(conditions, "alert_rank >= ?")
		args = append(args, rank)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active = 1")
	}

	query, args := page("SELECT "+alertColumns+" FROM monitoring_alerts"+where(conditions)+
		" ORDER BY alert_rank DESC, created_at DESC, id DESC", args, 0, filter.Limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []model.MonitoringAlert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert acknowledged by userID
func (s *Store) AcknowledgeAlert(ctx context.Context, id, userID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE monitoring_alerts
		SET is_acknowledged = 1, acknowledged_by = ?, acknowledged_at = ? WHERE id = ?`,
		userID, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveAlert closes an alert. Resolved alerts are no longer active.
func (s *Store) ResolveAlert(ctx context.Context, id, userID int64, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE monitoring_alerts
		SET is_resolved = 1, is_active = 0, resolved_by = ?, resolved_at = ?, resolution_notes = ? WHERE id = ?`,
		userID, formatTime(at), notes, id)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MonitoringCounts holds the aggregate numbers shown on the dashboard
type MonitoringCounts struct {
	TotalStations  int
	ActiveStations int
	ActiveAlerts   int
	CriticalAlerts int
	AlertsByLevel  map[string]int
}

// CountMonitoring aggregates station and active alert counts. Empty
// facilityIDs means every facility.
func (s *Store) CountMonitoring(ctx context.Context, facilityIDs []string) (*MonitoringCounts, error) {
	counts := &MonitoringCounts{AlertsByLevel: map[string]int{}}

	var args []interface{}
	stationWhere, alertWhere := "", " WHERE is_active = 1"
	if len(facilityIDs) > 0 {
		var in string
		in, args = inClause(facilityIDs, args)
		stationWhere = " WHERE facility_id IN " + in
		alertWhere += " AND facility_id IN " + in
	}
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM monitoring_stations`+stationWhere, args...).
		Scan(&counts.TotalStations, &counts.ActiveStations)
	if err != nil {
		return nil, fmt.Errorf("failed to count stations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT alert_level, COUNT(*) FROM monitoring_alerts"+alertWhere+" GROUP BY alert_level", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("failed to scan alert count: %w", err)
		}
		counts.AlertsByLevel[level] = n
		counts.ActiveAlerts += n
		if model.AlertLevel(level) == model.AlertCritical {
			counts.CriticalAlerts = n
		}
	}
	return counts, rows.Err()
}

// StationAlertLevels returns the highest active alert level per station
func (s *Store) StationAlertLevels(ctx context.Context) (map[string]model.AlertLevel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT station_id, MAX(alert_rank) FROM monitoring_alerts
		WHERE is_active = 1 GROUP BY station_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query station alert levels: %w", err)
	}
	defer rows.Close()

	levels := map[string]model.AlertLevel{}
	for rows.Next() {
		var station string
		var rank int
		if err := rows.Scan(&station, &rank); err != nil {
			return nil, err
		}
		levels[station] = model.AlertLevelFromRank(rank)
	}
	return levels, rows.Err()
}
