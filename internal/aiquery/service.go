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

// Package aiquery answers natural language questions about tailings
// facilities. A query is classified, context is gathered concurrently from
// documents, monitoring, alerts, compliance and trend projections, ranked
// into a bounded prompt and sent to the LLM. When the LLM is unavailable a
// summary of the gathered data is returned instead.
package aiquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/classifier"
	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/documents"
	"github.com/tailingsiq/tailingsiq-backend/internal/metrics"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/openai"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/synth"
)

const (
	// MinItemScore is the lowest score a context item may have to be ranked
	MinItemScore = 0.2
	// AskMaxTokens bounds the reply to a direct question
	AskMaxTokens = 512
	// AskTemperature is used for direct questions
	AskTemperature = 0.7
	// DefaultHistoryLimit and MaxHistoryLimit bound a history page
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
	// historyTimeout bounds one asynchronous history write
	historyTimeout = 10 * time.Second
	// healthTimeout bounds the vector store ping
	healthTimeout = 3 * time.Second
)

var errLLMNotConfigured = errors.New("LLM not configured")

// Store is the persistence the pipeline reads and writes
type Store interface {
	monitoringStore
	alertStore
	complianceStore
	SaveQueryHistory(ctx context.Context, h *model.QueryHistory) error
	ListQueryHistory(ctx context.Context, userID int64, skip, limit int) ([]model.QueryHistory, int, error)
}

// Documents is the document service the pipeline searches and indexes with
type Documents interface {
	documentSearcher
	Index(ctx context.Context, id int64) (*documents.IndexResult, error)
	VectorIndex() documents.VectorIndex
}

// LLM is the chat model. It must be a nil interface when not configured.
type LLM interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
	Model() string
	EmbeddingModel() string
}

// Deps are the collaborators of the service. LLM and Metrics may be nil.
type Deps struct {
	Store     Store
	Documents Documents
	LLM       LLM
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Service runs the query pipeline
type Service struct {
	store      Store
	docs       Documents
	llm        LLM
	breaker    *resilience.CircuitBreaker
	classifier *classifier.Classifier
	sources    map[classifier.DataType]Source
	cfg        config.AIQueryConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.RWMutex
	closed     bool
	pending    sync.WaitGroup
	queue      chan int64
	workerDone chan struct{}
	closeOnce  sync.Once
}

// NewService wires the default sources and starts the indexing worker.
// Close must be called to stop it.
func NewService(deps Deps, cfg config.AIQueryConfig) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)

	s := &Service{
		store:      deps.Store,
		docs:       deps.Documents,
		llm:        deps.LLM,
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("llm"), logger),
		classifier: classifier.New(cfg.DefaultWindowDays),
		sources:    map[classifier.DataType]Source{},
		cfg:        cfg,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		queue:      make(chan int64, cfg.IndexQueueSize),
		workerDone: make(chan struct{}),
	}

	s.RegisterSource(NewMonitoringSource(deps.Store, cfg.TopK))
	s.RegisterSource(NewAlertSource(deps.Store, cfg.TopK))
	s.RegisterSource(NewComplianceSource(deps.Store, cfg.TopK))
	s.RegisterSource(NewPredictionSource(deps.Store, cfg.TopK))
	if deps.Documents != nil {
		s.RegisterSource(NewDocumentSource(deps.Documents, cfg.TopK, cfg.SimilarityThreshold))
	}

	logger.Info("AI query service ready",
		zap.Strings("sources", s.sortedTypes()),
		zap.Bool("llm_configured", deps.LLM != nil))

	go s.indexWorker()
	return s
}

func withDefaults(cfg config.AIQueryConfig) config.AIQueryConfig {
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 50
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 1000
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 300 * time.Second
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 10 * time.Second
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = synth.DefaultPromptConfig().MaxContextTokens
	}
	if cfg.HistoryPreviewChars <= 0 {
		cfg.HistoryPreviewChars = 200
	}
	if cfg.IndexQueueSize <= 0 {
		cfg.IndexQueueSize = 64
	}
	return cfg
}

// RegisterSource adds or replaces the source for its data type
func (s *Service) RegisterSource(src Source) {
	s.sources[src.Name()] = src
}

// Breaker exposes the LLM circuit breaker
func (s *Service) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

// ProcessQuery runs the full pipeline for one query
func (s *Service) ProcessQuery(ctx context.Context, req Request, u *model.User) (*Result, error) {
	start := s.now()
	if u == nil {
		return nil, resilience.NewUnauthorizedError("Could not validate credentials", nil)
	}
	if !auth.CanUseAIQuery(u.Role) {
		return nil, resilience.NewForbiddenError("Not enough permissions to use AI query functionality", nil)
	}

	// Step 1: Validate
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, resilience.NewBadRequestError("Query cannot be empty", nil)
	}
	if utf8.RuneCountInString(query) > s.cfg.MaxQueryLength {
		return nil, resilience.NewBadRequestError(
			fmt.Sprintf("Query exceeds maximum length of %d characters", s.cfg.MaxQueryLength), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessingTimeout)
	defer cancel()

	// Step 2: Classify
	intent := s.classifier.Classify(query, start)
	if err := applyContext(&intent, req.Context); err != nil {
		return nil, err
	}
	facilities, denied := resolveScope(u, intent.Facilities)
	q := &Query{Text: query, Intent: intent, User: u, Now: start, Facilities: facilities, Denied: denied}

	s.logger.Info("Processing AI query",
		zap.Int64("user_id", u.ID),
		zap.String("intent", string(intent.Type)),
		zap.Float64("intent_confidence", intent.Confidence),
		zap.Int("data_types", len(intent.DataTypes)),
		zap.Strings("facilities", facilities))

	// Step 3: Fan out
	outcomes := s.gather(ctx, q)
	if err := ctx.Err(); err != nil {
		return nil, resilience.NewTimeoutError("Query processing timed out", err)
	}

	// Step 4: Rank and filter
	var warnings []string
	var items []synth.ContextItem
	for _, o := range outcomes {
		if o.err != nil {
			warnings = append(warnings, sourceWarning(o))
			continue
		}
		for _, it := range o.result.Items {
			if it.Score < MinItemScore {
				continue
			}
			if it.Kind == string(intent.Type) {
				it.Priority++
			}
			items = append(items, it)
		}
	}
	items = synth.PrioritizeContext(items, s.cfg.MaxSources)
	prompt := synth.BuildPrompt(query, intent, items, synth.PromptConfig{
		MaxContextTokens: s.cfg.MaxContextTokens,
		MaxItems:         s.cfg.MaxSources,
		MinItemTokens:    synth.DefaultPromptConfig().MinItemTokens,
	})

	// Step 5: LLM call, with a deterministic fallback
	mode := ModeLLM
	var parsed synth.Parsed
	answer, err := s.complete(ctx, prompt)
	if err != nil {
		mode = ModeFallback
		reason := fallbackReason(err)
		if !errors.Is(err, errLLMNotConfigured) {
			s.metrics.LLMFailure()
			s.logger.Warn("LLM call failed, using fallback answer", zap.Error(err))
		}
		warnings = append(warnings, reason)
		parsed = synth.Parsed{Body: fallbackAnswer(query, intent, outcomes, reason)}
	} else {
		parsed = synth.ParseResponse(answer)
		if strings.TrimSpace(parsed.Body) == "" {
			parsed.Body = strings.TrimSpace(answer)
		}
	}

	// Step 6: Shape the response
	score := confidenceScore(intent.Confidence, coverage(outcomes), mode)
	result := &Result{
		Response:                 parsed.Body,
		QueryIntent:              intent,
		Analysis:                 &Analysis{},
		DataSummary:              &DataSummary{},
		Recommendations:          mergeRecommendations(parsed.Recommendations, outcomes),
		VisualizationSuggestions: visualizations(intent, outcomes),
		Sources:                  []string{},
		ConfidenceScore:          score,
		Mode:                     mode,
	}
	if req.includeSources() {
		result.Sources = citedTitles(prompt.Included, parsed.Citations)
	}
	if req.includeAnalysis() {
		result.Analysis = buildAnalysis(outcomes, prompt, mode, warnings, score < s.cfg.ConfidenceThreshold)
		result.DataSummary = buildDataSummary(outcomes, intent, facilities, len(prompt.Included))
	}
	finished := s.now()
	result.Timestamp = finished
	result.ProcessingTime = round2(finished.Sub(start).Seconds())

	s.metrics.ObserveQuery(string(intent.Type), mode, finished.Sub(start))
	s.logger.Info("AI query completed",
		zap.Int64("user_id", u.ID),
		zap.String("intent", string(intent.Type)),
		zap.String("mode", mode),
		zap.Float64("confidence", score),
		zap.Int("context_items", len(prompt.Included)),
		zap.Int("prompt_tokens", prompt.Tokens),
		zap.Int("warnings", len(warnings)),
		zap.Float64("processing_time", result.ProcessingTime))

	// Step 7: History
	s.saveHistory(u.ID, query, result)
	return result, nil
}

// gather runs every consulted source concurrently. A failing source is
// recorded in its outcome and never cancels the others.
func (s *Service) gather(ctx context.Context, q *Query) []gathered {
	var wanted []Source
	for _, dt := range q.Intent.DataTypes {
		if src, ok := s.sources[dt]; ok {
			wanted = append(wanted, src)
		}
	}
	outcomes := make([]gathered, len(wanted))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range wanted {
		outcomes[i].dataType = src.Name()
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					outcomes[i].result, outcomes[i].err = nil, fmt.Errorf("source panicked: %v", r)
				}
			}()
			sctx, cancel := context.WithTimeout(gctx, s.cfg.SourceTimeout)
			defer cancel()

			started := time.Now()
			res, err := src.Gather(sctx, q)
			if err == nil && res == nil {
				res = emptyResult("")
			}
			outcomes[i].result, outcomes[i].err = res, err
			if err != nil {
				s.logger.Warn("Context source failed",
					zap.String("source", string(src.Name())),
					zap.Duration("elapsed", time.Since(started)),
					zap.Error(err))
				return nil
			}
			s.logger.Debug("Context source completed",
				zap.String("source", string(src.Name())),
				zap.Int("items", len(res.Items)),
				zap.Duration("elapsed", time.Since(started)))
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func sourceWarning(o gathered) string {
	if errors.Is(o.err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s source timed out", o.dataType)
	}
	return fmt.Sprintf("%s source unavailable: %v", o.dataType, o.err)
}

func (s *Service) complete(ctx context.Context, p synth.Prompt) (string, error) {
	if s.llm == nil {
		return "", errLLMNotConfigured
	}
	if err := synth.ValidatePrompt(p); err != nil {
		return "", fmt.Errorf("invalid prompt: %w", err)
	}
	var resp *openai.ChatCompletionResponse
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			SystemPrompt: p.System,
			UserPrompt:   p.User,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", openai.ErrEmptyResponse
	}
	return resp.Content, nil
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, errLLMNotConfigured):
		return "LLM not configured"
	case errors.Is(err, resilience.ErrCircuitBreakerOpen):
		return "LLM temporarily disabled after repeated failures"
	case errors.Is(err, context.DeadlineExceeded):
		return "LLM request timed out"
	default:
		return "LLM request failed"
	}
}

func buildAnalysis(outcomes []gathered, p synth.Prompt, mode string, warnings []string, low bool) *Analysis {
	a := &Analysis{
		Sources:       map[classifier.DataType]map[string]interface{}{},
		LowConfidence: low,
		Mode:          mode,
		Warnings:      warnings,
		PromptTokens:  p.Tokens,
		Dropped:       len(p.Dropped),
	}
	for _, o := range outcomes {
		if o.err != nil || o.result == nil {
			continue
		}
		a.Sources[o.dataType] = o.result.Stats
		a.Predictions = append(a.Predictions, o.result.Predictions...)
	}
	return a
}

func buildDataSummary(outcomes []gathered, intent classifier.Intent, facilities []string, included int) *DataSummary {
	tr := intent.TimeRange
	d := &DataSummary{
		Counts:     map[classifier.DataType]int{},
		TimeWindow: &tr,
		Facilities: facilities,
		Included:   included,
	}
	for _, o := range outcomes {
		if o.err == nil && o.result != nil {
			d.Counts[o.dataType] = o.result.Count
		}
	}
	return d
}

// applyContext applies request context overrides to the intent
func applyContext(intent *classifier.Intent, c map[string]interface{}) error {
	if len(c) == 0 {
		return nil
	}

	var facilities []string
	if v, ok := c["facility_id"].(string); ok && strings.TrimSpace(v) != "" {
		facilities = append(facilities, model.NormalizeFacilityID(v))
	}
	switch v := c["facility_ids"].(type) {
	case []interface{}:
		for _, f := range v {
			if s, ok := f.(string); ok && strings.TrimSpace(s) != "" {
				facilities = append(facilities, model.NormalizeFacilityID(s))
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				facilities = append(facilities, model.NormalizeFacilityID(s))
			}
		}
	}
	if len(facilities) > 0 {
		intent.Facilities = uniqueStrings(facilities)
	}

	tr := intent.TimeRange
	custom := false
	if v, ok := c["start_date"].(string); ok && v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			return resilience.NewBadRequestError("Invalid start_date: use RFC3339 or YYYY-MM-DD", err)
		}
		tr.Start, custom = t, true
	}
	if v, ok := c["end_date"].(string); ok && v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			return resilience.NewBadRequestError("Invalid end_date: use RFC3339 or YYYY-MM-DD", err)
		}
		tr.End, custom = t, true
	}
	if custom {
		if tr.End.Before(tr.Start) {
			return resilience.NewBadRequestError("end_date must not be before start_date", nil)
		}
		tr.Label = "custom range"
		intent.TimeRange = tr
	}

	if v, ok := c["standard"].(string); ok && v != "" {
		std := model.ComplianceStandard(strings.ToLower(strings.TrimSpace(v)))
		if !std.Valid() {
			return resilience.NewBadRequestError(fmt.Sprintf("Unknown compliance standard: %s", v), nil)
		}
		intent.Standards = []model.ComplianceStandard{std}
		if !intent.Has(classifier.DataCompliance) {
			intent.DataTypes = append(intent.DataTypes, classifier.DataCompliance)
		}
	}
	return nil
}

// parseDate accepts RFC3339 or a calendar date. A calendar end date covers
// the whole day.
func parseDate(s string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

// saveHistory writes the query to history in the background
func (s *Service) saveHistory(userID int64, query string, r *Result) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.pending.Add(1)
	s.mu.RUnlock()

	intent, err := json.Marshal(r.QueryIntent)
	if err != nil {
		intent = nil
	}
	h := &model.QueryHistory{
		UserID:          userID,
		Query:           query,
		Response:        r.Response,
		Intent:          intent,
		Sources:         r.Sources,
		ConfidenceScore: r.ConfidenceScore,
		ProcessingTime:  r.ProcessingTime,
	}
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := s.store.SaveQueryHistory(ctx, h); err != nil {
			s.logger.Warn("Failed to save query history", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()
}

// History returns a page of the user's past queries, newest first
func (s *Service) History(ctx context.Context, u *model.User, skip, limit int) (*HistoryPage, error) {
	if u == nil {
		return nil, resilience.NewUnauthorizedError("Could not validate credentials", nil)
	}
	if !auth.CanUseAIQuery(u.Role) {
		return nil, resilience.NewForbiddenError("Not enough permissions to access query history", nil)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)
	rows, total, err := s.store.ListQueryHistory(ctx, u.ID, skip, limit)
	if err != nil {
		return nil, resilience.NewInternalError("Failed to retrieve query history", err)
	}
	page := &HistoryPage{Queries: make([]HistoryItem, 0, len(rows)), TotalCount: total}
	for _, h := range rows {
		page.Queries = append(page.Queries, HistoryItem{
			ID:              h.ID,
			Query:           h.Query,
			ResponsePreview: preview(h.Response, s.cfg.HistoryPreviewChars),
			Timestamp:       h.CreatedAt,
			ConfidenceScore: h.ConfidenceScore,
		})
	}
	return page, nil
}

// Ask sends the question straight to the LLM without gathering context
func (s *Service) Ask(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, resilience.NewBadRequestError("Query cannot be empty", nil)
	}
	if utf8.RuneCountInString(question) > s.cfg.MaxQueryLength {
		return nil, resilience.NewBadRequestError(
			fmt.Sprintf("Query exceeds maximum length of %d characters", s.cfg.MaxQueryLength), nil)
	}
	if s.llm == nil {
		return nil, resilience.NewServiceUnavailableError("AI query failed: OpenAI is not configured", nil)
	}

	temperature := float32(AskTemperature)
	var resp *openai.ChatCompletionResponse
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			UserPrompt:  question,
			MaxTokens:   AskMaxTokens,
			Temperature: &temperature,
		})
		return err
	})
	if err != nil {
		s.metrics.LLMFailure()
		s.logger.Error("AI query failed", zap.Error(err))
		return nil, resilience.NewInternalError("AI query failed.", err)
	}
	return &Answer{Answer: strings.TrimSpace(resp.Content)}, nil
}

// QueueIndex schedules a document for chunking and embedding
func (s *Service) QueueIndex(documentID int64) (*IndexQueued, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, resilience.NewServiceUnavailableError("Indexing is shutting down", nil)
	}
	select {
	case s.queue <- documentID:
	default:
		return nil, resilience.NewServiceUnavailableError("Indexing queue is full, try again later", nil)
	}
	s.logger.Info("Document queued for AI indexing", zap.Int64("document_id", documentID))
	return &IndexQueued{
		Message:    "Document queued for AI indexing",
		DocumentID: documentID,
		Status:     string(model.DocStatusProcessing),
	}, nil
}

func (s *Service) indexWorker() {
	defer close(s.workerDone)
	for id := range s.queue {
		if s.docs == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProcessingTimeout)
		res, err := s.docs.Index(ctx, id)
		cancel()
		if err != nil {
			s.logger.Error("Failed to index document", zap.Int64("document_id", id), zap.Error(err))
			continue
		}
		s.metrics.DocumentIndexed()
		s.logger.Info("Document indexed for AI",
			zap.Int64("document_id", id),
			zap.Int("chunks", res.Chunks),
			zap.Bool("embedded", res.Embedded))
	}
}

// Close stops accepting work, drains the indexing queue and waits for
// pending history writes.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		<-s.workerDone
		s.pending.Wait()
	})
}

// QueryTypeInfo describes one kind of question
type QueryTypeInfo struct {
	Description string   `json:"description"`
	Examples    []string `json:"examples"`
}

// AIStatus reports which AI components are configured
type AIStatus struct {
	OpenAIConfigured     bool   `json:"openai_configured"`
	VectorStoreAvailable bool   `json:"vector_store_available"`
	EmbeddingsAvailable  bool   `json:"embeddings_available"`
	CircuitState         string `json:"circuit_state"`
}

// Capabilities lists what the query service can do
type Capabilities struct {
	QueryTypes  map[string]QueryTypeInfo `json:"query_types"`
	DataSources []string                 `json:"data_sources"`
	Features    []string                 `json:"features"`
	Limitations []string                 `json:"limitations"`
	AIStatus    AIStatus                 `json:"ai_status"`
}

// Capabilities describes supported query types and current AI status
func (s *Service) Capabilities() Capabilities {
	return Capabilities{
		QueryTypes: map[string]QueryTypeInfo{
			string(classifier.TypeMonitoring): {
				Description: "Analyze monitoring data, trends, and alerts",
				Examples: []string{
					"Show me water level trends for the last month",
					"What are the current critical alerts?",
					"Analyze pore pressure data at TSF_001",
				},
			},
			string(classifier.TypeDocument): {
				Description: "Search and analyze documents and reports",
				Examples: []string{
					"Find documents about stability analysis",
					"Summarize the latest dam safety review",
					"What does the geotechnical assessment say about slope stability?",
				},
			},
			string(classifier.TypeCompliance): {
				Description: "Check compliance status and requirements",
				Examples: []string{
					"What GISTM requirements are non-compliant?",
					"Show me the current compliance status for TSF_002",
					"Which corrective actions are overdue?",
				},
			},
			string(classifier.TypePrediction): {
				Description: "Generate predictions and forecasts",
				Examples: []string{
					"Predict water level trends for the next month",
					"Will pore pressure exceed the warning threshold?",
					"Forecast freeboard at TSF_001",
				},
			},
			string(classifier.TypeAlert): {
				Description: "Analyze alerts and risk assessment",
				Examples: []string{
					"What caused the recent critical alert?",
					"Analyze the risk level of current alerts",
					"What actions should be taken for these warnings?",
				},
			},
		},
		DataSources: []string{
			"Monitoring station readings",
			"Monitoring alerts",
			"Document repository",
			"Compliance assessments and actions",
			"Trend projections from historical readings",
		},
		Features: []string{
			"Natural language query classification",
			"Keyword and semantic document search",
			"Trend analysis",
			"Risk assessment",
			"Predictive insights",
			"Automated recommendations",
			"Visualization suggestions",
		},
		Limitations: []string{
			"Requires an OpenAI API key for generated answers",
			"Document indexing may take time",
			"Historical data limited to available records",
			"Predictions are linear extrapolations of available readings",
		},
		AIStatus: AIStatus{
			OpenAIConfigured:     s.llm != nil,
			VectorStoreAvailable: s.vectorIndex() != nil,
			EmbeddingsAvailable:  s.docs != nil && s.docs.SemanticEnabled(),
			CircuitState:         s.breaker.GetState().String(),
		},
	}
}

func (s *Service) vectorIndex() documents.VectorIndex {
	if s.docs == nil {
		return nil
	}
	return s.docs.VectorIndex()
}

// ComponentHealth is the status of one AI component
type ComponentHealth struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
	Type   string `json:"type,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Health is the AI subsystem health report
type Health struct {
	Status       string                     `json:"status"`
	Message      string                     `json:"message,omitempty"`
	Components   map[string]ComponentHealth `json:"components"`
	Capabilities map[string]bool            `json:"capabilities"`
}

// Health reports LLM, embedding and vector store availability. The status is
// degraded when any of them is missing.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Status: "healthy", Components: map[string]ComponentHealth{}}

	llm := ComponentHealth{Status: "unavailable", Model: "None"}
	if s.llm != nil {
		llm = ComponentHealth{Status: "available", Model: s.llm.Model()}
		if s.breaker.GetState() == resilience.CircuitOpen {
			llm.Status = "circuit_open"
		}
	}
	h.Components["llm"] = llm

	semantic := s.docs != nil && s.docs.SemanticEnabled()
	emb := ComponentHealth{Status: "unavailable", Model: "None"}
	if semantic && s.llm != nil {
		emb = ComponentHealth{Status: "available", Model: s.llm.EmbeddingModel()}
	} else if semantic {
		emb.Status = "available"
	}
	h.Components["embeddings"] = emb

	vs := ComponentHealth{Status: "unavailable"}
	vectorOK := false
	if idx := s.vectorIndex(); idx != nil {
		vs.Type = idx.Name()
		pctx, cancel := context.WithTimeout(ctx, healthTimeout)
		err := idx.Ping(pctx)
		cancel()
		if err != nil {
			vs.Status, vs.Error = "unhealthy", err.Error()
		} else {
			vs.Status, vectorOK = "available", true
		}
	}
	h.Components["vector_store"] = vs

	llmOK := llm.Status == "available"
	h.Capabilities = map[string]bool{
		"natural_language_processing": llmOK,
		"semantic_search":             semantic && vectorOK,
		"document_analysis":           llmOK && semantic,
		"monitoring_analysis":         true,
		"compliance_analysis":         true,
	}

	switch {
	case s.llm == nil:
		h.Status = "degraded"
		h.Message = "AI responses limited - OpenAI not configured"
	case !llmOK:
		h.Status = "degraded"
		h.Message = "AI responses limited - LLM temporarily disabled after repeated failures"
	case !semantic || !vectorOK:
		h.Status = "degraded"
		h.Message = "Document search limited - vector store not available"
	}
	return h
}

// sortedTypes lists registered data types, for logs and tests
func (s *Service) sortedTypes() []string {
	out := make([]string, 0, len(s.sources))
	for dt := range s.sources {
		out = append(out, string(dt))
	}
	sort.Strings(out)
	return out
}
