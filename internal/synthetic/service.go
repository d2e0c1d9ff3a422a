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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/events"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

const (
	generationTimeout = 5 * time.Minute
	sampleRecords     = 10
	defaultPreview    = 5
)

// Store is the persistence the service needs. The station, reading,
// requirement and assessment methods back materialization.
type Store interface {
	CreateDataset(ctx context.Context, d *model.SyntheticDataset) error
	GetDataset(ctx context.Context, datasetID string) (*model.SyntheticDataset, error)
	UpdateDataset(ctx context.Context, d *model.SyntheticDataset) error
	ListDatasets(ctx context.Context, filter model.DatasetFilter) ([]model.SyntheticDataset, error)
	DeactivateDataset(ctx context.Context, datasetID string) error
	DeactivateDatasetsBefore(ctx context.Context, cutoff time.Time) (int, error)
	AddRecords(ctx context.Context, datasetID string, records []json.RawMessage) error
	ListRecords(ctx context.Context, datasetID string, limit int) ([]model.SyntheticRecord, error)
	CountRecords(ctx context.Context, datasetID string) (int, error)

	CreateStation(ctx context.Context, st *model.MonitoringStation) error
	AddReading(ctx context.Context, r *model.MonitoringReading) error
	GetRequirement(ctx context.Context, requirementID string) (*model.ComplianceRequirement, error)
	CreateRequirement(ctx context.Context, r *model.ComplianceRequirement) error
	CreateAssessment(ctx context.Context, a *model.ComplianceAssessment) error
}

// Config bounds generation
type Config struct {
	MaxRecords        int
	PreviewMax        int
	CleanupDays       int
	DefaultFacilities int
}

func (c Config) withDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 10000
	}
	if c.PreviewMax <= 0 {
		c.PreviewMax = 20
	}
	if c.CleanupDays <= 0 {
		c.CleanupDays = 30
	}
	if c.DefaultFacilities <= 0 {
		c.DefaultFacilities = 5
	}
	return c
}

// Service manages synthetic datasets. Generation runs in the background;
// Close waits for running generations.
type Service struct {
	store  Store
	events events.Publisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewService creates a synthetic data service
func NewService(st Store, pub events.Publisher, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		store:  st,
		events: pub,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DatasetInput is the payload for creating an empty dataset
type DatasetInput struct {
	Name        string                  `json:"name" binding:"required"`
	Description string                  `json:"description"`
	DataType    model.SyntheticDataType `json:"data_type" binding:"required"`
}

// GenerateRequest asks for records to be generated. With DatasetID the
// records fill that pending dataset, otherwise a new one is created.
type GenerateRequest struct {
	DatasetID   string                  `json:"dataset_id"`
	DataType    model.SyntheticDataType `json:"data_type"`
	RecordCount int                     `json:"record_count" binding:"required"`
	Parameters  Params                  `json:"parameters"`
}

// GenerateResponse acknowledges a background generation
type GenerateResponse struct {
	Success     bool                    `json:"success"`
	DatasetID   string                  `json:"dataset_id"`
	RecordCount int                     `json:"record_count"`
	DataType    model.SyntheticDataType `json:"data_type"`
	Message     string                  `json:"message"`
}

// DatasetDetail is a dataset with its first records
type DatasetDetail struct {
	Dataset       *model.SyntheticDataset `json:"dataset"`
	SampleRecords []json.RawMessage       `json:"sample_records"`
	TotalRecords  int                     `json:"total_records"`
}

// Statistics summarises a stored dataset
type Statistics struct {
	DatasetID    string                  `json:"dataset_id"`
	Name         string                  `json:"name"`
	DataType     model.SyntheticDataType `json:"data_type"`
	TotalRecords int                     `json:"total_records"`
	CreatedAt    time.Time               `json:"created_at"`
	SampleSize   int                     `json:"sample_size"`
	Summary      map[string]any          `json:"summary"`
}

// Preview is generated data that was not stored
type Preview struct {
	DataType    model.SyntheticDataType `json:"data_type"`
	Count       int                     `json:"count"`
	PreviewData []any                   `json:"preview_data"`
}

// Export is an encoded dataset ready to download
type Export struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ListQuery filters dataset listings
type ListQuery struct {
	DataType model.SyntheticDataType
	Skip     int
	Limit    int
}

func requireUser(u *model.User) error {
	if u == nil {
		return resilience.NewUnauthorizedError("Could not validate credentials", nil)
	}
	return nil
}

func storeError(err error, action string) error {
	if errors.Is(err, store.ErrNotFound) {
		return resilience.NewNotFoundError("Synthetic dataset not found", err)
	}
	return resilience.NewInternalError("Error "+action+" synthetic dataset", err)
}

// CreateDataset registers an empty dataset. Admins only.
func (s *Service) CreateDataset(ctx context.Context, in DatasetInput, u *model.User) (*model.SyntheticDataset, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	if !auth.IsAdmin(u.Role) {
		return nil, resilience.NewForbiddenError("Not enough permissions to create synthetic datasets", nil)
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, resilience.NewBadRequestError("name is required", nil)
	}
	if !in.DataType.Valid() {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid data type: %s", in.DataType), nil)
	}

	d := &model.SyntheticDataset{
		DatasetID:   uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		DataType:    in.DataType,
		Status:      model.DatasetPending,
		CreatedBy:   u.ID,
		IsActive:    true,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateDataset(ctx, d); err != nil {
		return nil, storeError(err, "creating")
	}
	s.logger.Info("Created synthetic dataset",
		zap.String("dataset_id", d.DatasetID),
		zap.String("name", d.Name),
		zap.Int64("user_id", u.ID))
	return d, nil
}

// Generate validates the request and starts generation in the background
func (s *Service) Generate(ctx context.Context, req GenerateRequest, u *model.User) (*GenerateResponse, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	if !auth.IsAdmin(u.Role) {
		return nil, resilience.NewForbiddenError("Not enough permissions to generate synthetic data", nil)
	}
	if req.RecordCount < 1 || req.RecordCount > s.cfg.MaxRecords {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("record_count must be between 1 and %d", s.cfg.MaxRecords), nil)
	}

	var d *model.SyntheticDataset
	if req.DatasetID != "" {
		existing, err := s.store.GetDataset(ctx, req.DatasetID)
		if err != nil {
			return nil, storeError(err, "loading")
		}
		if !existing.IsActive {
			return nil, resilience.NewNotFoundError("Synthetic dataset not found", nil)
		}
		if existing.Status != model.DatasetPending {
			return nil, resilience.NewConflictError(fmt.Sprintf("Dataset is already %s", existing.Status), nil)
		}
		if req.DataType != "" && req.DataType != existing.DataType {
			return nil, resilience.NewBadRequestError("data_type does not match the dataset", nil)
		}
		req.DataType = existing.DataType
		d = existing
	}
	if !req.DataType.Valid() {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid data type: %s", req.DataType), nil)
	}
	if !Supported(req.DataType) {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Unsupported data type: %s", req.DataType), nil)
	}
	if req.Parameters.FacilityCount <= 0 {
		req.Parameters.FacilityCount = s.cfg.DefaultFacilities
	}

	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, resilience.NewBadRequestError("Invalid generation parameters", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, resilience.NewServiceUnavailableError("Synthetic data service is shutting down", nil)
	}

	if d == nil {
		d = &model.SyntheticDataset{
			DatasetID:   uuid.NewString(),
			Name:        fmt.Sprintf("Generated %s Data - %s", titleCase(string(req.DataType)), u.Username),
			Description: fmt.Sprintf("Auto-generated %s data with %d records", req.DataType, req.RecordCount),
			DataType:    req.DataType,
			CreatedBy:   u.ID,
			IsActive:    true,
			CreatedAt:   s.now(),
		}
		d.Status = model.DatasetGenerating
		d.GenerationParameters = params
		if err := s.store.CreateDataset(ctx, d); err != nil {
			return nil, storeError(err, "creating")
		}
	} else {
		d.Status = model.DatasetGenerating
		d.GenerationParameters = params
		if err := s.store.UpdateDataset(ctx, d); err != nil {
			return nil, storeError(err, "updating")
		}
	}

	s.pending.Add(1)
	go func(d model.SyntheticDataset) {
		defer s.pending.Done()
		s.run(&d, req.RecordCount, req.Parameters, u.ID)
	}(*d)

	s.logger.Info("Started synthetic data generation",
		zap.String("dataset_id", d.DatasetID),
		zap.String("data_type", string(req.DataType)),
		zap.Int("record_count", req.RecordCount))

	return &GenerateResponse{
		Success:     true,
		DatasetID:   d.DatasetID,
		RecordCount: req.RecordCount,
		DataType:    req.DataType,
		Message:     fmt.Sprintf("Started generating %d %s records", req.RecordCount, req.DataType),
	}, nil
}

// Supported reports whether a generator exists for t
func Supported(t model.SyntheticDataType) bool {
	switch t {
	case model.SynthMonitoring, model.SynthDocument, model.SynthCompliance, model.SynthGeotechnical:
		return true
	}
	return false
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// run generates and stores records for d, marking it ready or failed
func (s *Service) run(d *model.SyntheticDataset, count int, p Params, userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), generationTimeout)
	defer cancel()

	logger := s.logger.With(zap.String("dataset_id", d.DatasetID))
	fail := func(err error) {
		logger.Error("Synthetic data generation failed", zap.Error(err))
		d.Status = model.DatasetFailed
		d.Error = err.Error()
		if uerr := s.store.UpdateDataset(ctx, d); uerr != nil {
			logger.Error("Failed to mark dataset failed", zap.Error(uerr))
		}
	}

	gen := NewGenerator(p.Seed).WithClock(s.now)
	records, err := gen.Generate(d.DataType, count, p)
	if err != nil {
		fail(err)
		return
	}
	raw, _, err := Marshal(records)
	if err != nil {
		fail(err)
		return
	}
	if err := s.store.AddRecords(ctx, d.DatasetID, raw); err != nil {
		fail(err)
		return
	}
	if p.Materialize {
		if err := s.materialize(ctx, records, userID); err != nil {
			fail(err)
			return
		}
	}

	d.Status = model.DatasetReady
	d.RecordCount = len(raw)
	d.Error = ""
	if err := s.store.UpdateDataset(ctx, d); err != nil {
		logger.Error("Failed to update dataset", zap.Error(err))
		return
	}
	logger.Info("Generated synthetic data",
		zap.String("data_type", string(d.DataType)),
		zap.Int("record_count", d.RecordCount),
		zap.Bool("materialized", p.Materialize))

	payload := map[string]any{"dataset_id": d.DatasetID, "data_type": d.DataType, "record_count": d.RecordCount}
	if err := s.events.Publish(ctx, events.TopicSyntheticGenerated, payload); err != nil {
		logger.Warn("Failed to publish generation event", zap.Error(err))
	}
}

// ListDatasets lists active datasets. Non-admins see only their own.
func (s *Service) ListDatasets(ctx context.Context, q ListQuery, u *model.User) ([]model.SyntheticDataset, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	if q.DataType != "" && !q.DataType.Valid() {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid data type: %s", q.DataType), nil)
	}
	filter := model.DatasetFilter{DataType: q.DataType, ActiveOnly: true, Skip: q.Skip, Limit: q.Limit}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if !auth.IsAdmin(u.Role) {
		filter.CreatedBy = u.ID
	}
	out, err := s.store.ListDatasets(ctx, filter)
	if err != nil {
		return nil, storeError(err, "listing")
	}
	return out, nil
}

// visible loads an active dataset the user created or may administer
func (s *Service) visible(ctx context.Context, id string, u *model.User, verb string) (*model.SyntheticDataset, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	d, err := s.store.GetDataset(ctx, id)
	if err != nil {
		return nil, storeError(err, "loading")
	}
	if !d.IsActive {
		return nil, resilience.NewNotFoundError("Synthetic dataset not found", nil)
	}
	if !auth.IsAdmin(u.Role) && d.CreatedBy != u.ID {
		return nil, resilience.NewForbiddenError("Not enough permissions to "+verb+" this dataset", nil)
	}
	return d, nil
}

// GetDataset returns a dataset with its first records
func (s *Service) GetDataset(ctx context.Context, id string, u *model.User) (*DatasetDetail, error) {
	d, err := s.visible(ctx, id, u, "access")
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, id, sampleRecords)
	if err != nil {
		return nil, storeError(err, "loading")
	}
	total, err := s.store.CountRecords(ctx, id)
	if err != nil {
		return nil, storeError(err, "loading")
	}
	detail := &DatasetDetail{Dataset: d, SampleRecords: make([]json.RawMessage, 0, len(records)), TotalRecords: total}
	for _, r := range records {
		detail.SampleRecords = append(detail.SampleRecords, r.Data)
	}
	return detail, nil
}

// DeleteDataset soft deletes a dataset
func (s *Service) DeleteDataset(ctx context.Context, id string, u *model.User) error {
	if _, err := s.visible(ctx, id, u, "delete"); err != nil {
		return err
	}
	if err := s.store.DeactivateDataset(ctx, id); err != nil {
		return storeError(err, "deleting")
	}
	s.logger.Info("Deleted synthetic dataset", zap.String("dataset_id", id), zap.Int64("user_id", u.ID))
	return nil
}

// Export encodes every record of a dataset
func (s *Service) Export(ctx context.Context, id, format string, u *model.User) (*Export, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, resilience.NewBadRequestError("Invalid format. Supported formats: json, csv, yaml", err)
	}
	d, err := s.visible(ctx, id, u, "export")
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, id, 0)
	if err != nil {
		return nil, storeError(err, "exporting")
	}
	raw := make([]json.RawMessage, len(records))
	for i, r := range records {
		raw[i] = r.Data
	}
	data := Decode(raw)
	info := DatasetInfo{DatasetID: d.DatasetID, Name: d.Name, DataType: d.DataType, RecordCount: len(data)}
	body, err := EncodeBytes(f, info, data)
	if err != nil {
		return nil, storeError(err, "exporting")
	}
	return &Export{
		Filename:    fmt.Sprintf("%s_data_%s.%s", d.DataType, d.DatasetID, f),
		ContentType: f.ContentType(),
		Body:        body,
	}, nil
}

// Statistics summarises a dataset from a sample of its records
func (s *Service) Statistics(ctx context.Context, id string, u *model.User) (*Statistics, error) {
	d, err := s.visible(ctx, id, u, "access")
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountRecords(ctx, id)
	if err != nil {
		return nil, storeError(err, "loading")
	}
	records, err := s.store.ListRecords(ctx, id, StatisticsSample)
	if err != nil {
		return nil, storeError(err, "loading")
	}
	raw := make([]json.RawMessage, len(records))
	for i, r := range records {
		raw[i] = r.Data
	}
	sample := Decode(raw)
	return &Statistics{
		DatasetID:    d.DatasetID,
		Name:         d.Name,
		DataType:     d.DataType,
		TotalRecords: total,
		CreatedAt:    d.CreatedAt,
		SampleSize:   len(sample),
		Summary:      Summarize(d.DataType, sample),
	}, nil
}

// Preview generates a few records without storing them
func (s *Service) Preview(dataType model.SyntheticDataType, count int, u *model.User) (*Preview, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	if count > s.cfg.PreviewMax {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Preview count cannot exceed %d records", s.cfg.PreviewMax), nil)
	}
	if count <= 0 {
		count = defaultPreview
	}
	if !Supported(dataType) {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Preview not available for data type: %s", dataType), nil)
	}
	gen := NewGenerator(0).WithClock(s.now)
	var data []any
	if dataType == model.SynthMonitoring {
		data = toAny(gen.Monitoring(MonitoringOptions{Facilities: 1, RecordsPerFacility: count}))
	} else {
		var err error
		if data, err = gen.Generate(dataType, count, Params{}); err != nil {
			return nil, resilience.NewBadRequestError(err.Error(), err)
		}
	}
	return &Preview{DataType: dataType, Count: len(data), PreviewData: data}, nil
}

// Cleanup soft deletes datasets older than days. Zero uses the configured age.
func (s *Service) Cleanup(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = s.cfg.CleanupDays
	}
	n, err := s.store.DeactivateDatasetsBefore(ctx, s.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	s.logger.Info("Cleaned up old synthetic datasets", zap.Int("count", n), zap.Int("days_old", days))
	return n, nil
}

// Close waits for running generations and rejects new ones
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pending.Wait()
}
