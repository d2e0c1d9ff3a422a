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

// Package synthetic generates realistic tailings monitoring, document,
// compliance and geotechnical records for testing and demos, and manages
// stored datasets of them.
package synthetic

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

// ReadingInterval is the spacing of generated monitoring records
const ReadingInterval = 6 * time.Hour

var (
	mineNames = []string{
		"Copper Ridge", "Gold Valley", "Silver Creek", "Iron Mountain",
		"Diamond Peak", "Platinum Hills", "Zinc Harbor", "Lead Canyon",
		"Nickel Point", "Cobalt Bay", "Titanium Ridge", "Molybdenum Valley",
	}
	locations = []string{
		"Western Australia", "British Columbia", "Nevada", "Chile",
		"Peru", "Queensland", "Ontario", "Arizona", "Colorado", "Utah",
	}
	documentTypes = []string{
		"Technical Report", "Monitoring Report", "Compliance Report",
		"Geotechnical Assessment", "Environmental Impact Study",
		"Safety Protocol", "Operating Manual", "Emergency Response Plan",
		"Dam Safety Review", "Stability Analysis", "Risk Assessment",
	}
	organizations = []string{
		"Mining Corp Ltd", "GeoTech Consultants", "Environmental Solutions Inc",
		"Safety First Engineering", "Tailings Management Co", "Regulatory Affairs Ltd",
		"Compliance Solutions", "Risk Management Group", "Engineering Dynamics",
	}
	firstNames = []string{
		"James", "Mary", "Robert", "Patricia", "Michael", "Linda", "David", "Susan",
		"Priya", "Wei", "Ahmed", "Sofia", "Kenji", "Amara", "Lucas", "Ingrid",
	}
	lastNames = []string{
		"Smith", "Johnson", "Brown", "Taylor", "Wilson", "Nguyen", "Patel", "Garcia",
		"Kowalski", "O'Brien", "Tanaka", "Okafor", "Silva", "Andersson", "Murphy", "Chen",
	}
	regulationTypes = []string{
		"GISTM", "Local Mining Code", "Environmental Protection Act",
		"Dam Safety Regulations", "Workplace Safety Standards",
	}
	requirementTexts = []string{
		"Regular monitoring and reporting",
		"Emergency response procedures",
		"Environmental impact assessment",
		"Structural stability analysis",
		"Community consultation",
		"Water quality monitoring",
		"Waste management protocols",
		"Personnel training requirements",
		"Equipment maintenance schedules",
		"Documentation standards",
	}
	mitigations = []string{
		"Increase piezometer reading frequency and review trends weekly.",
		"Update the emergency action plan and rehearse the evacuation drill.",
		"Commission an independent review of the stability analysis.",
		"Install additional seepage weirs along the downstream toe.",
		"Lower the decant pond to restore the minimum freeboard.",
		"Retrain operators on inspection and reporting procedures.",
		"Repair erosion on the upstream face and re-survey the crest.",
		"Engage the community liaison group on the closure plan.",
	}
	testTypes = []string{
		"Triaxial Compression Test", "Direct Shear Test", "Consolidation Test",
		"Permeability Test", "Proctor Compaction Test", "Atterberg Limits Test",
		"Particle Size Distribution", "Specific Gravity Test",
	}
	soilTypes = []string{
		"Silty Clay", "Sandy Clay", "Clay", "Silt", "Fine Sand",
		"Coarse Sand", "Gravel", "Rock Fill", "Tailings Material",
	}
	laboratories = []string{"GeoLab Inc", "Soil Testing Co", "Materials Lab"}
)

// Compliance statuses used in generated records
const (
	StatusCompliant    = "compliant"
	StatusNonCompliant = "non-compliant"
	StatusPending      = "pending"
)

// Facility is a generated tailings storage facility
type Facility struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Location string `json:"location" yaml:"location"`
	Operator string `json:"operator" yaml:"operator"`
}

// MonitoringRecord is one generated snapshot of a facility's instruments
type MonitoringRecord struct {
	FacilityID     string    `json:"facility_id" yaml:"facility_id"`
	FacilityName   string    `json:"facility_name" yaml:"facility_name"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
	WaterLevel     float64   `json:"water_level" yaml:"water_level"`
	PorePressure   float64   `json:"pore_pressure" yaml:"pore_pressure"`
	Settlement     float64   `json:"settlement" yaml:"settlement"`
	SeepageRate    float64   `json:"seepage_rate" yaml:"seepage_rate"`
	DamHeight      float64   `json:"dam_height" yaml:"dam_height"`
	Freeboard      float64   `json:"freeboard" yaml:"freeboard"`
	PHLevel        float64   `json:"ph_level" yaml:"ph_level"`
	Conductivity   float64   `json:"conductivity" yaml:"conductivity"`
	Turbidity      float64   `json:"turbidity" yaml:"turbidity"`
	Temperature    float64   `json:"temperature" yaml:"temperature"`
	FactorOfSafety float64   `json:"factor_of_safety" yaml:"factor_of_safety"`
	SlopeAngle     float64   `json:"slope_angle" yaml:"slope_angle"`
	Status         string    `json:"status" yaml:"status"`
	AlertLevel     int       `json:"alert_level" yaml:"alert_level"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

// DocumentRecord is generated document metadata
type DocumentRecord struct {
	ID                        int       `json:"id" yaml:"id"`
	Title                     string    `json:"title" yaml:"title"`
	DocumentType              string    `json:"document_type" yaml:"document_type"`
	Author                    string    `json:"author" yaml:"author"`
	Organization              string    `json:"organization" yaml:"organization"`
	CreationDate              string    `json:"creation_date" yaml:"creation_date"`
	FileSize                  int       `json:"file_size" yaml:"file_size"`
	PageCount                 int       `json:"page_count" yaml:"page_count"`
	ContainsMonitoringData    bool      `json:"contains_monitoring_data" yaml:"contains_monitoring_data"`
	ContainsComplianceInfo    bool      `json:"contains_compliance_info" yaml:"contains_compliance_info"`
	ContainsGeotechnicalData  bool      `json:"contains_geotechnical_data" yaml:"contains_geotechnical_data"`
	ContainsEnvironmentalData bool      `json:"contains_environmental_data" yaml:"contains_environmental_data"`
	FacilityName              string    `json:"facility_name" yaml:"facility_name"`
	FacilityLocation          string    `json:"facility_location" yaml:"facility_location"`
	ReportPeriod              string    `json:"report_period" yaml:"report_period"`
	CreatedAt                 time.Time `json:"created_at" yaml:"created_at"`
}

// ComplianceRecord is a generated compliance assessment
type ComplianceRecord struct {
	ID                     int       `json:"id" yaml:"id"`
	FacilityID             string    `json:"facility_id" yaml:"facility_id"`
	RegulationType         string    `json:"regulation_type" yaml:"regulation_type"`
	RequirementID          string    `json:"requirement_id" yaml:"requirement_id"`
	RequirementDescription string    `json:"requirement_description" yaml:"requirement_description"`
	ComplianceStatus       string    `json:"compliance_status" yaml:"compliance_status"`
	AssessmentDate         string    `json:"assessment_date" yaml:"assessment_date"`
	NextReviewDate         string    `json:"next_review_date" yaml:"next_review_date"`
	RiskLevel              string    `json:"risk_level" yaml:"risk_level"`
	MitigationMeasures     string    `json:"mitigation_measures" yaml:"mitigation_measures"`
	CreatedAt              time.Time `json:"created_at" yaml:"created_at"`
}

// GeotechnicalRecord is a generated laboratory test result
type GeotechnicalRecord struct {
	ID              int       `json:"id" yaml:"id"`
	FacilityID      string    `json:"facility_id" yaml:"facility_id"`
	TestType        string    `json:"test_type" yaml:"test_type"`
	SoilType        string    `json:"soil_type" yaml:"soil_type"`
	SampleDepth     float64   `json:"sample_depth" yaml:"sample_depth"`
	MoistureContent float64   `json:"moisture_content" yaml:"moisture_content"`
	DryDensity      float64   `json:"dry_density" yaml:"dry_density"`
	Cohesion        float64   `json:"cohesion" yaml:"cohesion"`
	FrictionAngle   float64   `json:"friction_angle" yaml:"friction_angle"`
	Permeability    float64   `json:"permeability" yaml:"permeability"`
	PlasticityIndex float64   `json:"plasticity_index" yaml:"plasticity_index"`
	LiquidLimit     float64   `json:"liquid_limit" yaml:"liquid_limit"`
	SpecificGravity float64   `json:"specific_gravity" yaml:"specific_gravity"`
	TestDate        string    `json:"test_date" yaml:"test_date"`
	Laboratory      string    `json:"laboratory" yaml:"laboratory"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
}

// MonitoringOptions shapes generated monitoring data
type MonitoringOptions struct {
	Facilities         int
	RecordsPerFacility int
	DaysBack           int
}

// AllData holds one batch of every generator
type AllData struct {
	Monitoring   []MonitoringRecord   `json:"monitoring_data" yaml:"monitoring_data"`
	Documents    []DocumentRecord     `json:"document_data" yaml:"document_data"`
	Compliance   []ComplianceRecord   `json:"compliance_data" yaml:"compliance_data"`
	Geotechnical []GeotechnicalRecord `json:"geotechnical_data" yaml:"geotechnical_data"`
}

// Generator produces synthetic records. It is not safe for concurrent use;
// the same seed and clock give the same output.
type Generator struct {
	rng *rand.Rand
	now func() time.Time
}

// NewGenerator returns a generator seeded with seed. A zero seed picks a
// random one.
func NewGenerator(seed uint64) *Generator {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Generator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock fixes the generator's notion of now
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func (g *Generator) between(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo+1)
}

func (g *Generator) pick(options []string) string {
	return options[g.rng.IntN(len(options))]
}

func (g *Generator) weighted(options []string, weights []int) string {
	total := 0
	for _, w := range weights {
		total += w
	}
	n := g.rng.IntN(total)
	for i, w := range weights {
		if n < w {
			return options[i]
		}
		n -= w
	}
	return options[len(options)-1]
}

// dateWithin returns a date between from and to days relative to today
func (g *Generator) dateWithin(fromDays, toDays int) string {
	day := g.between(fromDays, toDays)
	return g.now().AddDate(0, 0, day).Format("2006-01-02")
}

func (g *Generator) person() string {
	return g.pick(firstNames) + " " + g.pick(lastNames)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Facilities generates count facilities numbered TSF_001 upwards
func (g *Generator) Facilities(count int) []Facility {
	out := make([]Facility, 0, count)
	for i := range count {
		out = append(out, Facility{
			ID:       fmt.Sprintf("%03d", i+1),
			Name:     g.pick(mineNames) + " TSF",
			Location: g.pick(locations),
			Operator: g.pick(mineNames) + " Mining Corp",
		})
	}
	return out
}

// Monitoring generates RecordsPerFacility snapshots per facility, six hours
// apart, starting DaysBack days ago.
func (g *Generator) Monitoring(opts MonitoringOptions) []MonitoringRecord {
	if opts.Facilities <= 0 {
		opts.Facilities = 5
	}
	if opts.RecordsPerFacility <= 0 {
		opts.RecordsPerFacility = 100
	}
	if opts.DaysBack <= 0 {
		opts.DaysBack = 365
	}

	now := g.now()
	out := make([]MonitoringRecord, 0, opts.Facilities*opts.RecordsPerFacility)
	for _, f := range g.Facilities(opts.Facilities) {
		base := now.AddDate(0, 0, -opts.DaysBack)
		for i := range opts.RecordsPerFacility {
			r := MonitoringRecord{
				FacilityID:     "TSF_" + f.ID,
				FacilityName:   f.Name,
				Timestamp:      base.Add(time.Duration(i) * ReadingInterval),
				WaterLevel:     round2(g.uniform(5, 25)),
				PorePressure:   round2(g.uniform(10, 150)),
				Settlement:     round2(g.uniform(0, 50)),
				SeepageRate:    round2(g.uniform(0.1, 10)),
				DamHeight:      round2(g.uniform(20, 100)),
				Freeboard:      round2(g.uniform(1, 10)),
				PHLevel:        round2(g.uniform(6.5, 8.5)),
				Conductivity:   round2(g.uniform(100, 2000)),
				Turbidity:      round2(g.uniform(0.1, 50)),
				Temperature:    round2(g.uniform(5, 35)),
				FactorOfSafety: round2(g.uniform(1.2, 3)),
				SlopeAngle:     round2(g.uniform(20, 45)),
				CreatedAt:      now,
			}
			level := Status(r)
			r.Status = string(level)
			r.AlertLevel = level.Rank()
			out = append(out, r)
		}
	}
	return out
}

// Status rates a snapshot by the worst of its thresholded parameters
func Status(r MonitoringRecord) model.AlertLevel {
	values := map[string]float64{
		"water_level":      r.WaterLevel,
		"pore_pressure":    r.PorePressure,
		"freeboard":        r.Freeboard,
		"factor_of_safety": r.FactorOfSafety,
	}
	worst := model.AlertNormal
	for param, v := range values {
		level, _ := model.DefaultThresholds[param].Evaluate(v)
		if level.Rank() > worst.Rank() {
			worst = level
		}
	}
	return worst
}

// Documents generates count document metadata records
func (g *Generator) Documents(count int) []DocumentRecord {
	facilities := g.Facilities(10)
	now := g.now()
	out := make([]DocumentRecord, 0, count)
	for i := range count {
		docType := g.pick(documentTypes)
		f := facilities[g.rng.IntN(len(facilities))]
		out = append(out, DocumentRecord{
			ID:                        i + 1,
			Title:                     docType + " - " + f.Name,
			DocumentType:              docType,
			Author:                    g.person(),
			Organization:              g.pick(organizations),
			CreationDate:              g.dateWithin(-730, 0),
			FileSize:                  g.between(100_000, 50_000_000),
			PageCount:                 g.between(5, 200),
			ContainsMonitoringData:    g.rng.IntN(2) == 1,
			ContainsComplianceInfo:    g.rng.IntN(2) == 1,
			ContainsGeotechnicalData:  g.rng.IntN(2) == 1,
			ContainsEnvironmentalData: g.rng.IntN(2) == 1,
			FacilityName:              f.Name,
			FacilityLocation:          f.Location,
			ReportPeriod:              fmt.Sprintf("%d-Q%d", g.between(2020, 2024), g.between(1, 4)),
			CreatedAt:                 now,
		})
	}
	return out
}

// Compliance generates count compliance assessments across eight facilities
func (g *Generator) Compliance(count int) []ComplianceRecord {
	facilities := g.Facilities(8)
	now := g.now()
	out := make([]ComplianceRecord, 0, count)
	for i := range count {
		f := facilities[g.rng.IntN(len(facilities))]
		out = append(out, ComplianceRecord{
			ID:                     i + 1,
			FacilityID:             "TSF_" + f.ID,
			RegulationType:         g.pick(regulationTypes),
			RequirementID:          fmt.Sprintf("REQ-%d", g.between(1000, 9999)),
			RequirementDescription: g.pick(requirementTexts),
			ComplianceStatus:       g.weighted([]string{StatusCompliant, StatusNonCompliant, StatusPending}, []int{70, 20, 10}),
			AssessmentDate:         g.dateWithin(-365, 0),
			NextReviewDate:         g.dateWithin(0, 365),
			RiskLevel:              g.weighted([]string{"low", "medium", "high", "critical"}, []int{50, 30, 15, 5}),
			MitigationMeasures:     g.pick(mitigations),
			CreatedAt:              now,
		})
	}
	return out
}

// Geotechnical generates count lab test results across six facilities
func (g *Generator) Geotechnical(count int) []GeotechnicalRecord {
	facilities := g.Facilities(6)
	now := g.now()
	out := make([]GeotechnicalRecord, 0, count)
	for i := range count {
		f := facilities[g.rng.IntN(len(facilities))]
		out = append(out, GeotechnicalRecord{
			ID:              i + 1,
			FacilityID:      "TSF_" + f.ID,
			TestType:        g.pick(testTypes),
			SoilType:        g.pick(soilTypes),
			SampleDepth:     round2(g.uniform(0.5, 50)),
			MoistureContent: round2(g.uniform(5, 40)),
			DryDensity:      round2(g.uniform(1.2, 2.2)),
			Cohesion:        round2(g.uniform(0, 100)),
			FrictionAngle:   round2(g.uniform(15, 45)),
			Permeability:    g.uniform(1e-9, 1e-4),
			PlasticityIndex: round2(g.uniform(0, 50)),
			LiquidLimit:     round2(g.uniform(20, 80)),
			SpecificGravity: round2(g.uniform(2.4, 2.8)),
			TestDate:        g.dateWithin(-730, 0),
			Laboratory:      g.pick(laboratories),
			CreatedAt:       now,
		})
	}
	return out
}

// All generates every record type from one total count
func (g *Generator) All(count, facilities, daysBack int) AllData {
	if facilities <= 0 {
		facilities = 5
	}
	return AllData{
		Monitoring:   g.Monitoring(MonitoringOptions{Facilities: facilities, RecordsPerFacility: max(1, count/5), DaysBack: daysBack}),
		Documents:    g.Documents(max(10, count/10)),
		Compliance:   g.Compliance(max(5, count/20)),
		Geotechnical: g.Geotechnical(max(10, count/10)),
	}
}

// Params tune a single generation run
type Params struct {
	FacilityCount int    `json:"facility_count,omitempty"`
	DaysBack      int    `json:"days_back,omitempty"`
	Seed          uint64 `json:"seed,omitempty"`
	Materialize   bool   `json:"materialize,omitempty"`
}

// Generate produces about count records of dataType. Monitoring data is
// split evenly across facilities so the result may be slightly smaller.
func (g *Generator) Generate(dataType model.SyntheticDataType, count int, p Params) ([]any, error) {
	switch dataType {
	case model.SynthMonitoring:
		facilities := p.FacilityCount
		if facilities <= 0 {
			facilities = 5
		}
		return toAny(g.Monitoring(MonitoringOptions{
			Facilities:         facilities,
			RecordsPerFacility: max(1, count/facilities),
			DaysBack:           p.DaysBack,
		})), nil
	case model.SynthDocument:
		return toAny(g.Documents(count)), nil
	case model.SynthCompliance:
		return toAny(g.Compliance(count)), nil
	case model.SynthGeotechnical:
		return toAny(g.Geotechnical(count)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dataType)
	}
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}
