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

// MonitoringType is the kind of instrument at a station.
type MonitoringType string

const (
	MonPorePressure MonitoringType = "pore_pressure"
	MonWaterLevel   MonitoringType = "water_level"
	MonSettlement   MonitoringType = "settlement"
	MonDisplacement MonitoringType = "displacement"
	MonSeepage      MonitoringType = "seepage"
	MonVibration    MonitoringType = "vibration"
	MonWeather      MonitoringType = "weather"
	MonChemistry    MonitoringType = "chemistry"
	MonFlowRate     MonitoringType = "flow_rate"
	MonOther        MonitoringType = "other"
)

// Valid reports whether t is a known monitoring type.
func (t MonitoringType) Valid() bool {
	switch t {
	case MonPorePressure, MonWaterLevel, MonSettlement, MonDisplacement, MonSeepage,
		MonVibration, MonWeather, MonChemistry, MonFlowRate, MonOther:
		return true
	}
	return false
}

// AlertLevel orders reading severity.
type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"
	AlertCaution  AlertLevel = "caution"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Rank returns 0 for normal up to 3 for critical.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertCaution:
		return 1
	case AlertWarning:
		return 2
	case AlertCritical:
		return 3
	default:
		return 0
	}
}

// AlertLevelFromRank is the inverse of Rank.
func AlertLevelFromRank(rank int) AlertLevel {
	switch {
	case rank >= 3:
		return AlertCritical
	case rank == 2:
		return AlertWarning
	case rank == 1:
		return AlertCaution
	default:
		return AlertNormal
	}
}

// ThresholdDirection says whether alarms fire above or below the limits.
type ThresholdDirection string

const (
	Above ThresholdDirection = "above"
	Below ThresholdDirection = "below"
)

// Thresholds are the caution/warning/critical limits for one parameter.
type Thresholds struct {
	Direction ThresholdDirection `json:"direction"`
	Caution   float64            `json:"caution"`
	Warning   float64            `json:"warning"`
	Critical  float64            `json:"critical"`
}

// Evaluate returns the alert level for value and the limit it crossed.
func (t Thresholds) Evaluate(value float64) (AlertLevel, float64) {
	crossed := func(limit float64) bool {
		if t.Direction == Below {
			return value < limit
		}
		return value > limit
	}
	switch {
	case crossed(t.Critical):
		return AlertCritical, t.Critical
	case crossed(t.Warning):
		return AlertWarning, t.Warning
	case crossed(t.Caution):
		return AlertCaution, t.Caution
	default:
		return AlertNormal, 0
	}
}

// DefaultThresholds are applied when a station has none configured.
var DefaultThresholds = map[string]Thresholds{
	"water_level":      {Direction: Above, Caution: 10, Warning: 15, Critical: 20},
	"pore_pressure":    {Direction: Above, Caution: 80, Warning: 100, Critical: 120},
	"freeboard":        {Direction: Below, Caution: 5, Warning: 3, Critical: 2},
	"factor_of_safety": {Direction: Below, Caution: 2.0, Warning: 1.5, Critical: 1.3},
}

// MonitoringStation is an instrument installed at a facility.
type MonitoringStation struct {
	ID               int64                 `json:"id"`
	StationID        string                `json:"station_id"`
	Name             string                `json:"name"`
	Description      string                `json:"description,omitempty"`
	FacilityID       string                `json:"facility_id"`
	Latitude         *float64              `json:"latitude,omitempty"`
	Longitude        *float64              `json:"longitude,omitempty"`
	Elevation        *float64              `json:"elevation,omitempty"`
	MonitoringType   MonitoringType        `json:"monitoring_type"`
	Parameter        string                `json:"parameter,omitempty"`
	Manufacturer     string                `json:"manufacturer,omitempty"`
	Model            string                `json:"model,omitempty"`
	SerialNumber     string                `json:"serial_number,omitempty"`
	InstallationDate *time.Time            `json:"installation_date,omitempty"`
	IsActive         bool                  `json:"is_active"`
	SamplingInterval int                   `json:"sampling_interval"`
	AlertThresholds  map[string]Thresholds `json:"alert_thresholds"`
	CalibrationData  json.RawMessage       `json:"calibration_data,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	LastReadingAt    *time.Time            `json:"last_reading_at,omitempty"`
}

// ThresholdKey is the parameter name used to look up thresholds.
func (s *MonitoringStation) ThresholdKey() string {
	if s.Parameter != "" {
		return s.Parameter
	}
	return string(s.MonitoringType)
}

// EffectiveThresholds returns the station's own thresholds or the defaults
// for its parameter. ok is false when neither exists.
func (s *MonitoringStation) EffectiveThresholds() (Thresholds, bool) {
	key := s.ThresholdKey()
	if t, ok := s.AlertThresholds[key]; ok {
		return t, true
	}
	if len(s.AlertThresholds) == 1 {
		for _, t := range s.AlertThresholds {
			return t, true
		}
	}
	t, ok := DefaultThresholds[key]
	return t, ok
}

// MonitoringReading is a single instrument value.
type MonitoringReading struct {
	ID               int64           `json:"id"`
	StationID        string          `json:"station_id"`
	Timestamp        time.Time       `json:"timestamp"`
	Value            float64         `json:"value"`
	Unit             string          `json:"unit"`
	QualityCode      string          `json:"quality_code,omitempty"`
	RawValue         *float64        `json:"raw_value,omitempty"`
	ProcessedValue   *float64        `json:"processed_value,omitempty"`
	CorrectionFactor *float64        `json:"correction_factor,omitempty"`
	IsValidated      bool            `json:"is_validated"`
	IsAnomaly        bool            `json:"is_anomaly"`
	AlertLevel       AlertLevel      `json:"alert_level"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// MonitoringAlert is raised when a reading crosses a threshold.
type MonitoringAlert struct {
	ID              int64      `json:"id"`
	StationID       string     `json:"station_id"`
	FacilityID      string     `json:"facility_id"`
	ReadingID       *int64     `json:"reading_id,omitempty"`
	AlertType       string     `json:"alert_type"`
	AlertLevel      AlertLevel `json:"alert_level"`
	Message         string     `json:"message"`
	TriggerValue    *float64   `json:"trigger_value,omitempty"`
	ThresholdValue  *float64   `json:"threshold_value,omitempty"`
	IsActive        bool       `json:"is_active"`
	IsAcknowledged  bool       `json:"is_acknowledged"`
	AcknowledgedBy  *int64     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	IsResolved      bool       `json:"is_resolved"`
	ResolvedBy      *int64     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Alert types.
const (
	AlertTypeThresholdExceeded = "threshold_exceeded"
	AlertTypeDataMissing       = "data_missing"
)

// StationFilter narrows station listings.
type StationFilter struct {
	FacilityIDs     []string
	MonitoringTypes []MonitoringType
	ActiveOnly      bool
}

// ReadingFilter narrows reading queries.
type ReadingFilter struct {
	StationIDs []string
	Start      time.Time
	End        time.Time
	MinLevel   AlertLevel
	Limit      int
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	FacilityIDs []string
	StationIDs  []string
	MinLevel    AlertLevel
	ActiveOnly  bool
	Limit       int
}

// MonitoringDashboard summarises monitoring state.
type MonitoringDashboard struct {
	TotalStations  int                  `json:"total_stations"`
	ActiveStations int                  `json:"active_stations"`
	ActiveAlerts   int                  `json:"active_alerts"`
	CriticalAlerts int                  `json:"critical_alerts"`
	RecentReadings []MonitoringReading  `json:"recent_readings"`
	AlertSummary   map[string]int       `json:"alert_summary"`
	StationStatus  []StationStatusEntry `json:"station_status"`
}

// StationStatusEntry is one row of the dashboard station table.
type StationStatusEntry struct {
	StationID      string     `json:"station_id"`
	Name           string     `json:"name"`
	FacilityID     string     `json:"facility_id"`
	MonitoringType string     `json:"monitoring_type"`
	IsActive       bool       `json:"is_active"`
	LastReadingAt  *time.Time `json:"last_reading_at,omitempty"`
	AlertLevel     AlertLevel `json:"alert_level"`
}
