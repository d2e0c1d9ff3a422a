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

package aiquery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/classifier"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/synth"
)

// monitoringStore reads stations and their readings
type monitoringStore interface {
	ListStations(ctx context.Context, filter model.StationFilter) ([]model.MonitoringStation, error)
	ListReadings(ctx context.Context, filter model.ReadingFilter) ([]model.MonitoringReading, error)
}

// SeriesStats summarises one station's readings in the window
type SeriesStats struct {
	Count       int              `json:"count"`
	Latest      float64          `json:"latest"`
	LatestAt    time.Time        `json:"latest_at"`
	Min         float64          `json:"min"`
	Max         float64          `json:"max"`
	Mean        float64          `json:"mean"`
	TrendPerDay float64          `json:"trend_per_day"`
	Level       model.AlertLevel `json:"alert_level"`
	Unit        string           `json:"unit,omitempty"`

	intercept float64
	origin    time.Time
}

// valueAt evaluates the fitted line at t
func (s SeriesStats) valueAt(t time.Time) float64 {
	return s.intercept + s.TrendPerDay*t.Sub(s.origin).Hours()/24
}

// Summarize computes count, extremes, mean, the least squares slope in
// units per day and the highest alert level. readings must be oldest first.
func Summarize(readings []model.MonitoringReading) SeriesStats {
	var st SeriesStats
	if len(readings) == 0 {
		return st
	}
	st.Count = len(readings)
	st.origin = readings[0].Timestamp
	st.Min, st.Max = math.Inf(1), math.Inf(-1)

	var sumX, sumY, sumXY, sumXX float64
	rank := 0
	for _, r := range readings {
		x := r.Timestamp.Sub(st.origin).Hours() / 24
		sumX += x
		sumY += r.Value
		sumXY += x * r.Value
		sumXX += x * x
		st.Min = math.Min(st.Min, r.Value)
		st.Max = math.Max(st.Max, r.Value)
		if lr := r.AlertLevel.Rank(); lr > rank {
			rank = lr
		}
		if r.Unit != "" {
			st.Unit = r.Unit
		}
	}
	last := readings[len(readings)-1]
	st.Latest, st.LatestAt = last.Value, last.Timestamp
	n := float64(st.Count)
	st.Mean = sumY / n
	st.Level = model.AlertLevelFromRank(rank)

	st.intercept = st.Mean
	if denom := n*sumXX - sumX*sumX; st.Count > 1 && denom > 1e-12 {
		st.TrendPerDay = (n*sumXY - sumX*sumY) / denom
		st.intercept = (sumY - st.TrendPerDay*sumX) / n
	}
	return st
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

type stationSeries struct {
	station  model.MonitoringStation
	readings []model.MonitoringReading
	stats    SeriesStats
}

// loadSeries fetches the in-scope stations matching the intent and their
// readings in the time range.
func loadSeries(ctx context.Context, st monitoringStore, q *Query) ([]stationSeries, error) {
	stations, err := st.ListStations(ctx, model.StationFilter{
		FacilityIDs:     q.Facilities,
		MonitoringTypes: q.Intent.MonitoringTypes,
		ActiveOnly:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	stations = filterByParameter(stations, q.Intent.Parameters)
	if len(stations) == 0 {
		return nil, nil
	}

	ids := make([]string, len(stations))
	for i, s := range stations {
		ids[i] = s.StationID
	}
	readings, err := st.ListReadings(ctx, model.ReadingFilter{
		StationIDs: ids,
		Start:      q.Intent.TimeRange.Start,
		End:        q.Intent.TimeRange.End,
	})
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	grouped := map[string][]model.MonitoringReading{}
	for _, r := range readings {
		grouped[r.StationID] = append(grouped[r.StationID], r)
	}

	out := make([]stationSeries, len(stations))
	for i, s := range stations {
		rs := grouped[s.StationID]
		out[i] = stationSeries{station: s, readings: rs, stats: Summarize(rs)}
	}
	return out, nil
}

// filterByParameter keeps stations whose parameter was named, when a named
// parameter is more specific than the monitoring type filter.
func filterByParameter(stations []model.MonitoringStation, params []string) []model.MonitoringStation {
	if len(params) == 0 {
		return stations
	}
	want := map[string]bool{}
	for _, p := range params {
		want[p] = true
	}
	var matched []model.MonitoringStation
	for _, s := range stations {
		if want[s.ThresholdKey()] {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return stations
	}
	return matched
}

// MonitoringSource summarises readings per station
type MonitoringSource struct {
	store monitoringStore
	limit int
}

// NewMonitoringSource creates the monitoring source
func NewMonitoringSource(st monitoringStore, limit int) *MonitoringSource {
	return &MonitoringSource{store: st, limit: limit}
}

func (s *MonitoringSource) Name() classifier.DataType { return classifier.DataMonitoring }

func (s *MonitoringSource) Gather(ctx context.Context, q *Query) (*SourceResult, error) {
	if q.Denied {
		return emptyResult("No monitoring stations are accessible for the requested facilities."), nil
	}
	series, err := loadSeries(ctx, s.store, q)
	if err != nil {
		return nil, err
	}
	tr := q.Intent.TimeRange
	if len(series) == 0 {
		return emptyResult("No active monitoring stations match the query."), nil
	}

	sort.SliceStable(series, func(i, j int) bool {
		return series[i].stats.Level.Rank() > series[j].stats.Level.Rank()
	})

	total := 0
	byStation := make([]map[string]interface{}, 0, len(series))
	var items []synth.ContextItem
	var rising, elevated []string
	for i, ser := range series {
		st, stats := ser.station, ser.stats
		total += stats.Count
		entry := map[string]interface{}{
			"station_id":  st.StationID,
			"facility_id": st.FacilityID,
			"parameter":   st.ThresholdKey(),
			"count":       stats.Count,
		}
		if stats.Count > 0 {
			entry["latest"] = stats.Latest
			entry["min"] = stats.Min
			entry["max"] = stats.Max
			entry["mean"] = round4(stats.Mean)
			entry["trend_per_day"] = round4(stats.TrendPerDay)
			entry["alert_level"] = stats.Level
		}
		byStation = append(byStation, entry)

		rank := stats.Level.Rank()
		if rank >= model.AlertWarning.Rank() {
			elevated = append(elevated, st.StationID)
		}
		if stats.Count > 1 && worsening(st, stats) && rank >= model.AlertCaution.Rank() {
			rising = append(rising, fmt.Sprintf("%s (%+.3g %s/day)", st.StationID, stats.TrendPerDay, stats.Unit))
		}
		if i >= s.limit {
			continue
		}
		items = append(items, stationItem(st, stats, tr))
	}

	res := &SourceResult{
		Items: items,
		Count: total,
		Stats: map[string]interface{}{"stations": len(series), "readings": total, "by_station": byStation},
	}
	res.Summary = fmt.Sprintf("%s across %s in %s", plural(total, "reading"), plural(len(series), "station"), tr.Label)
	if len(elevated) > 0 {
		res.Summary += fmt.Sprintf("; elevated alert levels at %s", strings.Join(elevated, ", "))
	}
	res.Summary += "."
	if len(rising) > 0 {
		res.Recommendations = append(res.Recommendations, fmt.Sprintf(
			"Increase monitoring frequency where trends are worsening: %s.", strings.Join(rising, ", ")))
	}
	return res, nil
}

// worsening reports whether the trend moves toward the alarm direction
func worsening(st model.MonitoringStation, stats SeriesStats) bool {
	if t, ok := st.EffectiveThresholds(); ok && t.Direction == model.Below {
		return stats.TrendPerDay < 0
	}
	return stats.TrendPerDay > 0
}

func stationItem(st model.MonitoringStation, stats SeriesStats, tr classifier.TimeRange) synth.ContextItem {
	title := fmt.Sprintf("Station %s (%s, %s)", st.StationID, st.ThresholdKey(), st.FacilityID)
	if st.Name != "" {
		title = fmt.Sprintf("%s: %s", title, st.Name)
	}
	item := synth.ContextItem{
		SourceID: sourceID("station", st.StationID),
		Title:    title,
		Kind:     string(classifier.TypeMonitoring),
	}
	if stats.Count == 0 {
		item.Content = fmt.Sprintf("No readings recorded in %s.", formatWindow(tr))
		item.Score = 0.3
		return item
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Readings: %d in %s\n", stats.Count, formatWindow(tr))
	fmt.Fprintf(&b, "Latest: %.4g %s at %s\n", stats.Latest, stats.Unit, stats.LatestAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Min/Mean/Max: %.4g / %.4g / %.4g\n", stats.Min, stats.Mean, stats.Max)
	fmt.Fprintf(&b, "Trend: %+.4g %s per day\n", stats.TrendPerDay, stats.Unit)
	fmt.Fprintf(&b, "Highest alert level: %s", stats.Level)
	if t, ok := st.EffectiveThresholds(); ok {
		fmt.Fprintf(&b, "\nThresholds (%s): caution %.4g, warning %.4g, critical %.4g", t.Direction, t.Caution, t.Warning, t.Critical)
	}
	item.Content = b.String()

	rank := stats.Level.Rank()
	item.Score = round2(0.6 + 0.1*float64(rank))
	item.Priority = 1
	if rank >= model.AlertWarning.Rank() {
		item.Priority = 3
	}
	return item
}

// Forecast horizons in days
const (
	shortHorizon = 7
	longHorizon  = 30
)

// PredictionSource extrapolates station trends
type PredictionSource struct {
	store monitoringStore
	limit int
}

// NewPredictionSource creates the predictions source
func NewPredictionSource(st monitoringStore, limit int) *PredictionSource {
	return &PredictionSource{store: st, limit: limit}
}

func (s *PredictionSource) Name() classifier.DataType { return classifier.DataPredictions }

func (s *PredictionSource) Gather(ctx context.Context, q *Query) (*SourceResult, error) {
	if q.Denied {
		return emptyResult("No monitoring stations are accessible for the requested facilities."), nil
	}
	series, err := loadSeries(ctx, s.store, q)
	if err != nil {
		return nil, err
	}

	var preds []Prediction
	for _, ser := range series {
		if p, ok := Predict(ser.station, ser.stats); ok {
			preds = append(preds, p)
		}
	}
	if len(preds) == 0 {
		return emptyResult("Not enough readings to project trends (at least two per station are needed)."), nil
	}
	sort.SliceStable(preds, func(i, j int) bool {
		if preds[i].CrossesThreshold != preds[j].CrossesThreshold {
			return preds[i].CrossesThreshold
		}
		return math.Abs(preds[i].TrendPerDay) > math.Abs(preds[j].TrendPerDay)
	})

	res := &SourceResult{Count: len(preds), Predictions: preds}
	var crossing []string
	for i, p := range preds {
		if p.CrossesThreshold {
			crossing = append(crossing, fmt.Sprintf("%s (%s within %d days)", p.StationID, p.ProjectedLevel, longHorizon))
		}
		if i >= s.limit {
			continue
		}
		content := fmt.Sprintf("Parameter: %s\nCurrent: %.4g %s (%s)\nTrend: %+.4g per day\nProjected in %d days: %.4g\nProjected in %d days: %.4g (%s)",
			p.Parameter, p.Current, p.Unit, p.CurrentLevel, p.TrendPerDay, shortHorizon, p.Projected7d, longHorizon, p.Projected30d, p.ProjectedLevel)
		if p.CrossesThreshold {
			content += "\nProjection crosses an alert threshold."
		}
		item := synth.ContextItem{
			Content:  content + "\nMethod: least squares linear extrapolation of readings in the window.",
			SourceID: sourceID("forecast", p.StationID),
			Title:    fmt.Sprintf("Forecast for station %s (%s)", p.StationID, p.FacilityID),
			Kind:     string(classifier.TypePrediction),
			Score:    0.6,
			Priority: 1,
		}
		if p.CrossesThreshold {
			item.Score, item.Priority = 0.85, 3
		}
		res.Items = append(res.Items, item)
	}
	res.Stats = map[string]interface{}{"stations_projected": len(preds), "threshold_crossings": len(crossing)}
	res.Summary = fmt.Sprintf("Projected %s %d and %d days ahead", plural(len(preds), "station"), shortHorizon, longHorizon)
	if len(crossing) > 0 {
		res.Summary += "; projected threshold crossings at " + strings.Join(crossing, ", ")
		res.Recommendations = append(res.Recommendations, fmt.Sprintf(
			"Plan mitigation ahead of projected threshold crossings: %s.", strings.Join(crossing, ", ")))
	}
	res.Summary += "."
	return res, nil
}

// Predict extrapolates the fitted trend 7 and 30 days past the latest
// reading. ok is false with fewer than two readings.
func Predict(st model.MonitoringStation, stats SeriesStats) (Prediction, bool) {
	if stats.Count < 2 {
		return Prediction{}, false
	}
	p := Prediction{
		StationID:    st.StationID,
		StationName:  st.Name,
		FacilityID:   st.FacilityID,
		Parameter:    st.ThresholdKey(),
		Unit:         stats.Unit,
		Current:      stats.Latest,
		TrendPerDay:  round4(stats.TrendPerDay),
		Projected7d:  round4(stats.valueAt(stats.LatestAt.AddDate(0, 0, shortHorizon))),
		Projected30d: round4(stats.valueAt(stats.LatestAt.AddDate(0, 0, longHorizon))),
	}
	current, projected := model.AlertNormal, model.AlertNormal
	if t, ok := st.EffectiveThresholds(); ok {
		current, _ = t.Evaluate(stats.Latest)
		l7, _ := t.Evaluate(p.Projected7d)
		l30, _ := t.Evaluate(p.Projected30d)
		projected = l7
		if l30.Rank() > projected.Rank() {
			projected = l30
		}
	}
	p.CurrentLevel = string(current)
	p.ProjectedLevel = string(projected)
	p.CrossesThreshold = projected.Rank() > current.Rank()
	return p, true
}
