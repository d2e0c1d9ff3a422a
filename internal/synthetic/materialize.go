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

package synthetic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

// instrument maps a monitoring snapshot field onto a station
type instrument struct {
	suffix    string
	typ       model.MonitoringType
	parameter string
	unit      string
	value     func(MonitoringRecord) float64
}

var instruments = []instrument{
	{"WL", model.MonWaterLevel, "water_level", "m", func(r MonitoringRecord) float64 { return r.WaterLevel }},
	{"PP", model.MonPorePressure, "pore_pressure", "kPa", func(r MonitoringRecord) float64 { return r.PorePressure }},
	{"FB", model.MonOther, "freeboard", "m", func(r MonitoringRecord) float64 { return r.Freeboard }},
	{"FOS", model.MonOther, "factor_of_safety", "", func(r MonitoringRecord) float64 { return r.FactorOfSafety }},
	{"SET", model.MonSettlement, "settlement", "mm", func(r MonitoringRecord) float64 { return r.Settlement }},
	{"SEEP", model.MonSeepage, "seepage_rate", "L/s", func(r MonitoringRecord) float64 { return r.SeepageRate }},
}

// StationID names the synthetic station for a facility instrument
func StationID(facilityID, suffix string) string {
	return facilityID + "-" + suffix
}

var regulationStandards = map[string]model.ComplianceStandard{
	"GISTM":                        model.StdGISTM,
	"Local Mining Code":            model.StdLocalRegulation,
	"Environmental Protection Act": model.StdLocalRegulation,
	"Dam Safety Regulations":       model.StdLocalRegulation,
	"Workplace Safety Standards":   model.StdCompanyStandard,
}

var complianceStatuses = map[string]model.ComplianceStatus{
	StatusCompliant:    model.StatusCompliant,
	StatusNonCompliant: model.StatusNonCompliant,
	StatusPending:      model.StatusUnderReview,
}

// materialize loads monitoring snapshots as stations and readings and
// compliance records as requirements and assessments. Other record types
// only live in the dataset.
func (s *Service) materialize(ctx context.Context, records []any, userID int64) error {
	stations := map[string]bool{}
	for _, rec := range records {
		switch r := rec.(type) {
		case MonitoringRecord:
			if err := s.materializeSnapshot(ctx, r, stations); err != nil {
				return err
			}
		case ComplianceRecord:
			if err := s.materializeAssessment(ctx, r, userID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) materializeSnapshot(ctx context.Context, r MonitoringRecord, stations map[string]bool) error {
	for _, in := range instruments {
		id := StationID(r.FacilityID, in.suffix)
		if !stations[id] {
			st := &model.MonitoringStation{
				StationID:        id,
				Name:             fmt.Sprintf("%s %s", r.FacilityName, strings.ReplaceAll(in.parameter, "_", " ")),
				Description:      "Synthetic station",
				FacilityID:       r.FacilityID,
				MonitoringType:   in.typ,
				Parameter:        in.parameter,
				IsActive:         true,
				SamplingInterval: int(ReadingInterval / time.Second),
				AlertThresholds:  map[string]model.Thresholds{},
				CreatedAt:        s.now(),
			}
			if err := s.store.CreateStation(ctx, st); err != nil && !errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("failed to create station %s: %w", id, err)
			}
			stations[id] = true
		}

		value := in.value(r)
		level := model.AlertNormal
		if t, ok := model.DefaultThresholds[in.parameter]; ok {
			level, _ = t.Evaluate(value)
		}
		reading := &model.MonitoringReading{
			StationID:   id,
			Timestamp:   r.Timestamp,
			Value:       value,
			Unit:        in.unit,
			QualityCode: "synthetic",
			AlertLevel:  level,
			CreatedAt:   s.now(),
		}
		if err := s.store.AddReading(ctx, reading); err != nil {
			return fmt.Errorf("failed to add reading for %s: %w", id, err)
		}
	}
	return nil
}

func (s *Service) materializeAssessment(ctx context.Context, r ComplianceRecord, userID int64) error {
	std, ok := regulationStandards[r.RegulationType]
	if !ok {
		std = model.StdOther
	}
	_, err := s.store.GetRequirement(ctx, r.RequirementID)
	if errors.Is(err, store.ErrNotFound) {
		req := &model.ComplianceRequirement{
			RequirementID:       r.RequirementID,
			Title:               r.RequirementDescription,
			Description:         fmt.Sprintf("%s: %s", r.RegulationType, r.RequirementDescription),
			Standard:            std,
			RiskLevel:           r.RiskLevel,
			IsMandatory:         true,
			References:          []string{},
			RelatedRequirements: []string{},
			IsActive:            true,
			CreatedAt:           s.now(),
		}
		err = s.store.CreateRequirement(ctx, req)
		if errors.Is(err, store.ErrConflict) {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to load requirement %s: %w", r.RequirementID, err)
	}

	a := &model.ComplianceAssessment{
		RequirementID:     r.RequirementID,
		FacilityID:        r.FacilityID,
		AssessorID:        userID,
		Status:            complianceStatuses[r.ComplianceStatus],
		EvidenceDocuments: []int64{},
		Findings:          fmt.Sprintf("%s assessed as %s", r.RequirementDescription, r.ComplianceStatus),
		Recommendations:   r.MitigationMeasures,
		CreatedAt:         s.now(),
	}
	if a.Status == "" {
		a.Status = model.StatusUnderReview
	}
	if t, err := time.Parse(time.DateOnly, r.AssessmentDate); err == nil {
		a.AssessmentDate = t
	}
	if t, err := time.Parse(time.DateOnly, r.NextReviewDate); err == nil {
		a.DueDate = &t
	}
	if err := s.store.CreateAssessment(ctx, a); err != nil {
		return fmt.Errorf("failed to create assessment for %s: %w", r.RequirementID, err)
	}
	return nil
}
