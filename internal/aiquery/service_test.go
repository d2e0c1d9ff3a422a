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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/classifier"
	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/documents"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/openai"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

// stubStore is an in-memory Store without a database
type stubStore struct {
	mu       sync.Mutex
	stations []model.MonitoringStation
	readings []model.MonitoringReading
	alerts   []model.MonitoringAlert
	history  []model.QueryHistory
}

func (s *stubStore) ListStations(ctx context.Context, filter model.StationFilter) ([]model.MonitoringStation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MonitoringStation(nil), s.stations...), nil
}

func (s *stubStore) ListReadings(ctx context.Context, filter model.ReadingFilter) ([]model.MonitoringReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MonitoringReading(nil), s.readings...), nil
}

func (s *stubStore) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.MonitoringAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MonitoringAlert(nil), s.alerts...), nil
}

func (s *stubStore) ListAssessments(ctx context.Context, filter model.AssessmentFilter) ([]model.ComplianceAssessment, error) {
	return nil, nil
}

func (s *stubStore) ListActions(ctx context.Context, filter model.ActionFilter) ([]model.ComplianceAction, error) {
	return nil, nil
}

func (s *stubStore) SaveQueryHistory(ctx context.Context, h *model.QueryHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.ID = int64(len(s.history) + 1)
	h.CreatedAt = time.Now().UTC()
	s.history = append(s.history, *h)
	return nil
}

func (s *stubStore) ListQueryHistory(ctx context.Context, userID int64, skip, limit int) ([]model.QueryHistory, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.QueryHistory
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].UserID == userID {
			out = append(out, s.history[i])
		}
	}
	total := len(out)
	if skip >= len(out) {
		return nil, total, nil
	}
	out = out[skip:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (s *stubStore) savedHistory() []model.QueryHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.QueryHistory(nil), s.history...)
}

type fakeLLM struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
	last    openai.ChatCompletionRequest
}

func (f *fakeLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &openai.ChatCompletionResponse{Content: f.content, Model: "gpt-test"}, nil
}

func (f *fakeLLM) Model() string          { return "gpt-test" }
func (f *fakeLLM) EmbeddingModel() string { return "embed-test" }

func (f *fakeLLM) snapshot() (int, openai.ChatCompletionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.last
}

type fakeIndex struct{ pingErr error }

func (fakeIndex) Name() string { return "fake" }
func (fakeIndex) Upsert(ctx context.Context, documentID int64, chunks []model.DocumentChunk) error {
	return nil
}
func (fakeIndex) Query(ctx context.Context, embedding []float32, documentIDs []int64, topK int) ([]model.ChunkHit, error) {
	return nil, nil
}
func (fakeIndex) DeleteDocument(ctx context.Context, documentID int64) error { return nil }
func (f fakeIndex) Ping(ctx context.Context) error                          { return f.pingErr }

// fakeDocs serves fixed documents and records indexing requests
type fakeDocs struct {
	docs        []model.Document
	chunks      []model.ChunkHit
	semanticErr error
	index       documents.VectorIndex
	started     chan int64
	block       chan struct{}
}

func (f *fakeDocs) Search(ctx context.Context, query string, filter model.DocumentFilter, limit int, u *model.User) ([]model.DocumentHit, error) {
	var out []model.DocumentHit
	for _, d := range f.docs {
		out = append(out, model.DocumentHit{Document: d, Score: 0.9, Snippet: d.ExtractedText})
	}
	return out, nil
}

func (f *fakeDocs) List(ctx context.Context, filter model.DocumentFilter, u *model.User) ([]model.Document, error) {
	return f.docs, nil
}

func (f *fakeDocs) SemanticSearch(ctx context.Context, query string, documentIDs []int64, topK int) ([]model.ChunkHit, error) {
	return f.chunks, f.semanticErr
}

func (f *fakeDocs) SemanticEnabled() bool { return f.index != nil }

func (f *fakeDocs) Index(ctx context.Context, id int64) (*documents.IndexResult, error) {
	if f.started != nil {
		f.started <- id
	}
	if f.block != nil {
		<-f.block
	}
	return &documents.IndexResult{DocumentID: id, Chunks: 1}, nil
}

func (f *fakeDocs) VectorIndex() documents.VectorIndex { return f.index }

// panicSource always panics
type panicSource struct{ dt classifier.DataType }

func (p panicSource) Name() classifier.DataType { return p.dt }
func (p panicSource) Gather(ctx context.Context, q *Query) (*SourceResult, error) {
	panic("boom")
}

var (
	engineer = &model.User{ID: 1, Username: "eor", Role: model.RoleEngineerOfRecord}
	viewer   = &model.User{ID: 3, Username: "view", Role: model.RoleViewer}
)

func testConfig() config.AIQueryConfig {
	return config.AIQueryConfig{
		MaxSources:          20,
		ConfidenceThreshold: 0.7,
		MaxQueryLength:      200,
		ProcessingTimeout:   5 * time.Second,
		SourceTimeout:       time.Second,
		TopK:                5,
		SimilarityThreshold: 0.5,
		MaxContextTokens:    3000,
		DefaultWindowDays:   30,
		HistoryPreviewChars: 20,
		IndexQueueSize:      1,
	}
}

func newTestService(t *testing.T, deps Deps) *Service {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := NewService(deps, testConfig())
	t.Cleanup(s.Close)
	return s
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se *resilience.ServiceError
	require.True(t, resilience.AsServiceError(err, &se), "expected a ServiceError, got %v", err)
	return se.StatusCode
}

func piezometer() model.MonitoringStation {
	return model.MonitoringStation{
		StationID:      "PZ-01",
		Name:           "North abutment piezometer",
		FacilityID:     "TSF_001",
		MonitoringType: model.MonPorePressure,
		Parameter:      "pore_pressure",
		IsActive:       true,
	}
}

func risingReadings(now time.Time) []model.MonitoringReading {
	var out []model.MonitoringReading
	for i, v := range []float64{85, 90, 95, 105} {
		level, _ := model.DefaultThresholds["pore_pressure"].Evaluate(v)
		out = append(out, model.MonitoringReading{
			StationID:  "PZ-01",
			Timestamp:  now.Add(time.Duration(i-4) * 24 * time.Hour),
			Value:      v,
			Unit:       "kPa",
			AlertLevel: level,
		})
	}
	return out
}

func TestProcessQueryRejects(t *testing.T) {
	s := newTestService(t, Deps{Store: &stubStore{}})
	ctx := context.Background()

	tests := []struct {
		name   string
		req    Request
		user   *model.User
		status int
	}{
		{"no user", Request{Query: "water level"}, nil, http.StatusUnauthorized},
		{"viewer", Request{Query: "water level"}, viewer, http.StatusForbidden},
		{"blank", Request{Query: "   "}, engineer, http.StatusBadRequest},
		{"too long", Request{Query: strings.Repeat("a", 201)}, engineer, http.StatusBadRequest},
		{"bad start", Request{Query: "water level", Context: map[string]interface{}{"start_date": "yesterday"}}, engineer, http.StatusBadRequest},
		{"reversed range", Request{Query: "water level", Context: map[string]interface{}{
			"start_date": "2024-06-10", "end_date": "2024-06-01"}}, engineer, http.StatusBadRequest},
		{"bad standard", Request{Query: "compliance", Context: map[string]interface{}{"standard": "iso9001"}}, engineer, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ProcessQuery(ctx, tt.req, tt.user)
			require.Error(t, err)
			assert.Equal(t, tt.status, statusOf(t, err))
		})
	}
}

func TestProcessQueryWithLLM(t *testing.T) {
	st, err := store.NewStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	station := piezometer()
	require.NoError(t, st.CreateStation(ctx, &station))
	now := time.Now().UTC()
	for _, r := range risingReadings(now) {
		require.NoError(t, st.AddReading(ctx, &r))
	}

	llm := &fakeLLM{content: "Pore pressure at PZ-01 is rising and now above the warning level [station-PZ-01].\n\n" +
		"Recommendations:\n- Inspect the north abutment piezometer\n- Review drainage performance\n"}
	s := NewService(Deps{Store: st, LLM: llm, Logger: zap.NewNop()}, testConfig())

	res, err := s.ProcessQuery(ctx, Request{Query: "Show pore pressure trends at TSF-1"}, engineer)
	require.NoError(t, err)

	assert.Equal(t, ModeLLM, res.Mode)
	assert.Equal(t, classifier.TypeMonitoring, res.QueryIntent.Type)
	assert.Equal(t, []string{"TSF_001"}, res.QueryIntent.Facilities)
	assert.Contains(t, res.Response, "rising")
	assert.NotContains(t, res.Response, "Recommendations")
	require.Len(t, res.Sources, 1)
	assert.Contains(t, res.Sources[0], "PZ-01")
	assert.Contains(t, res.Recommendations, "Inspect the north abutment piezometer")
	assert.NotEmpty(t, res.VisualizationSuggestions)
	assert.Equal(t, 4, res.DataSummary.Counts[classifier.DataMonitoring])
	assert.Greater(t, res.ConfidenceScore, 0.0)
	assert.LessOrEqual(t, res.ConfidenceScore, 1.0)

	calls, req := llm.snapshot()
	assert.Equal(t, 1, calls)
	assert.Contains(t, req.UserPrompt, "[station-PZ-01]")
	assert.Contains(t, req.SystemPrompt, "[source_id]")

	s.Close()
	history, total, err := st.ListQueryHistory(ctx, engineer.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Show pore pressure trends at TSF-1", history[0].Query)
	assert.JSONEq(t, `"monitoring"`, string(mustField(t, history[0].Intent, "type")))
}

func mustField(t *testing.T, raw []byte, key string) []byte {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	v, ok := m[key]
	require.True(t, ok, "missing %q", key)
	return v
}

func TestProcessQueryFallbackWithoutLLM(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Now().UTC()
	st := &stubStore{stations: []model.MonitoringStation{piezometer()}, readings: risingReadings(now)}
	s := NewService(Deps{Store: st}, testConfig())
	defer s.Close()

	res, err := s.ProcessQuery(context.Background(), Request{Query: "pore pressure trend"}, engineer)
	require.NoError(t, err)

	assert.Equal(t, ModeFallback, res.Mode)
	assert.True(t, strings.HasPrefix(res.Response, "AI analysis is currently unavailable (LLM not configured)"))
	assert.Contains(t, res.Response, "Monitoring")
	assert.Contains(t, res.Analysis.Warnings, "LLM not configured")
	assert.Equal(t, ModeFallback, res.Analysis.Mode)
}

func TestProcessQueryCircuitOpens(t *testing.T) {
	defer goleak.VerifyNone(t)

	llm := &fakeLLM{err: errors.New("upstream 500")}
	s := NewService(Deps{Store: &stubStore{}, LLM: llm}, testConfig())
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := s.ProcessQuery(ctx, Request{Query: "water level readings"}, engineer)
		require.NoError(t, err)
		assert.Equal(t, ModeFallback, res.Mode)
		assert.Contains(t, res.Response, "LLM request failed")
	}

	res, err := s.ProcessQuery(ctx, Request{Query: "water level readings"}, engineer)
	require.NoError(t, err)
	assert.Contains(t, res.Response, "temporarily disabled")
	calls, _ := llm.snapshot()
	assert.Equal(t, 5, calls)
	assert.Equal(t, "open", s.Capabilities().AIStatus.CircuitState)
}

func TestProcessQuerySurvivesFailingSource(t *testing.T) {
	defer goleak.VerifyNone(t)

	llm := &fakeLLM{content: "No data."}
	s := NewService(Deps{Store: &stubStore{}, LLM: llm}, testConfig())
	defer s.Close()
	s.RegisterSource(panicSource{dt: classifier.DataMonitoring})

	res, err := s.ProcessQuery(context.Background(), Request{Query: "piezometer readings"}, engineer)
	require.NoError(t, err)
	require.NotEmpty(t, res.Analysis.Warnings)
	assert.Contains(t, res.Analysis.Warnings[0], "monitoring source unavailable")
	_, ok := res.DataSummary.Counts[classifier.DataMonitoring]
	assert.False(t, ok)
}

func TestProcessQueryOptionalSections(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Now().UTC()
	st := &stubStore{stations: []model.MonitoringStation{piezometer()}, readings: risingReadings(now)}
	s := NewService(Deps{Store: st, LLM: &fakeLLM{content: "Rising [station-PZ-01]."}}, testConfig())
	defer s.Close()

	off := false
	res, err := s.ProcessQuery(context.Background(), Request{
		Query:           "pore pressure trend",
		IncludeSources:  &off,
		IncludeAnalysis: &off,
	}, engineer)
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.NotNil(t, res.Sources)
	assert.Equal(t, &Analysis{}, res.Analysis)
	assert.Equal(t, &DataSummary{}, res.DataSummary)
}

func TestProcessQueryCustomRange(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewService(Deps{Store: &stubStore{}}, testConfig())
	defer s.Close()

	res, err := s.ProcessQuery(context.Background(), Request{
		Query: "water level",
		Context: map[string]interface{}{
			"facility_ids": []interface{}{"tsf-2", "TSF_003"},
			"start_date":   "2024-06-01",
			"end_date":     "2024-06-30",
			"standard":     "GISTM",
		},
	}, engineer)
	require.NoError(t, err)

	intent := res.QueryIntent
	assert.Equal(t, "custom range", intent.TimeRange.Label)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), intent.TimeRange.Start)
	assert.Equal(t, time.Date(2024, 6, 30, 23, 59, 59, 0, time.UTC), intent.TimeRange.End)
	assert.Equal(t, []string{"TSF_002", "TSF_003"}, intent.Facilities)
	assert.Equal(t, []model.ComplianceStandard{model.StdGISTM}, intent.Standards)
	assert.True(t, intent.Has(classifier.DataCompliance))
}

func TestHistory(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := &stubStore{}
	s := NewService(Deps{Store: st, LLM: &fakeLLM{content: strings.Repeat("seepage ", 10)}}, testConfig())
	defer s.Close()
	ctx := context.Background()

	_, err := s.ProcessQuery(ctx, Request{Query: "seepage readings"}, engineer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(st.savedHistory()) == 1 }, time.Second, 10*time.Millisecond)

	page, err := s.History(ctx, engineer, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)
	require.Len(t, page.Queries, 1)
	assert.Equal(t, "seepage readings", page.Queries[0].Query)
	assert.Equal(t, "seepage seepage seep...", page.Queries[0].ResponsePreview)

	_, err = s.History(ctx, viewer, 0, 10)
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))
}

func TestHistoryPageIsBounded(t *testing.T) {
	st := &stubStore{}
	for i := 0; i < 150; i++ {
		st.history = append(st.history, model.QueryHistory{UserID: engineer.ID, Query: "q" + strconv.Itoa(i)})
	}
	s := NewService(Deps{Store: st}, testConfig())
	defer s.Close()
	ctx := context.Background()

	page, err := s.History(ctx, engineer, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 150, page.TotalCount)
	assert.Len(t, page.Queries, DefaultHistoryLimit)

	page, err = s.History(ctx, engineer, 0, 500)
	require.NoError(t, err)
	assert.Len(t, page.Queries, MaxHistoryLimit)
}

func TestQueueIndex(t *testing.T) {
	defer goleak.VerifyNone(t)

	docs := &fakeDocs{started: make(chan int64, 1), block: make(chan struct{})}
	s := NewService(Deps{Store: &stubStore{}, Documents: docs}, testConfig())

	queued, err := s.QueueIndex(7)
	require.NoError(t, err)
	assert.Equal(t, &IndexQueued{Message: "Document queued for AI indexing", DocumentID: 7, Status: "processing"}, queued)
	assert.Equal(t, int64(7), <-docs.started)

	// the worker is busy with 7, so one more fits in the queue
	_, err = s.QueueIndex(8)
	require.NoError(t, err)
	_, err = s.QueueIndex(9)
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(t, err))

	close(docs.block)
	assert.Equal(t, int64(8), <-docs.started)
	s.Close()

	_, err = s.QueueIndex(10)
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(t, err))
}

func TestAsk(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	s := NewService(Deps{Store: &stubStore{}}, testConfig())
	_, err := s.Ask(ctx, "What is freeboard?")
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(t, err))
	s.Close()

	llm := &fakeLLM{content: "  Freeboard is the height above the pond.  "}
	s = NewService(Deps{Store: &stubStore{}, LLM: llm}, testConfig())
	defer s.Close()

	answer, err := s.Ask(ctx, "What is freeboard?")
	require.NoError(t, err)
	assert.Equal(t, "Freeboard is the height above the pond.", answer.Answer)
	_, req := llm.snapshot()
	assert.Equal(t, AskMaxTokens, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, AskTemperature, *req.Temperature, 1e-6)

	_, err = s.Ask(ctx, "")
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	llm.mu.Lock()
	llm.err = errors.New("boom")
	llm.mu.Unlock()
	_, err = s.Ask(ctx, "What is freeboard?")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, statusOf(t, err))
	assert.Equal(t, "AI query failed.", err.Error())
}

func TestHealthAndCapabilities(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	bare := NewService(Deps{Store: &stubStore{}}, testConfig())
	h := bare.Health(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "unavailable", h.Components["llm"].Status)
	assert.False(t, h.Capabilities["natural_language_processing"])
	assert.True(t, h.Capabilities["monitoring_analysis"])
	caps := bare.Capabilities()
	assert.False(t, caps.AIStatus.OpenAIConfigured)
	assert.Contains(t, caps.QueryTypes, "prediction")
	bare.Close()

	full := NewService(Deps{Store: &stubStore{}, LLM: &fakeLLM{}, Documents: &fakeDocs{index: fakeIndex{}}}, testConfig())
	defer full.Close()
	h = full.Health(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, ComponentHealth{Status: "available", Model: "gpt-test"}, h.Components["llm"])
	assert.Equal(t, "embed-test", h.Components["embeddings"].Model)
	assert.Equal(t, "fake", h.Components["vector_store"].Type)
	assert.True(t, h.Capabilities["semantic_search"])
	caps = full.Capabilities()
	assert.True(t, caps.AIStatus.VectorStoreAvailable)
	assert.True(t, caps.AIStatus.EmbeddingsAvailable)

	broken := NewService(Deps{Store: &stubStore{}, LLM: &fakeLLM{}, Documents: &fakeDocs{index: fakeIndex{pingErr: errors.New("down")}}}, testConfig())
	defer broken.Close()
	h = broken.Health(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "Document search limited - vector store not available", h.Message)
	assert.Equal(t, "down", h.Components["vector_store"].Error)
}
