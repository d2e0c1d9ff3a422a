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

// Package openai wraps go-openai with retry, backoff and embedding
// validation. The endpoint is configurable so any OpenAI-compatible
// server can stand in for the hosted API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
)

const (
	// MaxEmbeddingBatch is the largest number of inputs sent in one embeddings request
	MaxEmbeddingBatch = 100
	// DefaultEmbeddingDimensions matches text-embedding-3-small and ada-002
	DefaultEmbeddingDimensions = 1536
)

var (
	// ErrNotConfigured is returned when no API key is set
	ErrNotConfigured = errors.New("openai: api key not configured")
	// ErrEmptyResponse is returned when the API answers without choices or data
	ErrEmptyResponse = errors.New("openai: empty response")
)

// Client is a thin retrying wrapper around the go-openai client
type Client struct {
	client         *openai.Client
	logger         *zap.Logger
	model          string
	embeddingModel string
	maxTokens      int
	temperature    float32
	dimensions     int
	backoff        resilience.BackoffConfig
}

// EmbeddingUsage tracks token usage for embedding requests
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EmbeddingResponse wraps the embeddings together with usage
type EmbeddingResponse struct {
	Embeddings [][]float32    `json:"embeddings"`
	Usage      EmbeddingUsage `json:"usage"`
}

// RetryableError marks a failure that is worth another attempt
type RetryableError struct {
	Err        error
	StatusCode int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %v", e.StatusCode, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a RetryableError
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// NewClient builds a client from configuration. No network call is made.
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		oc.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = string(openai.SmallEmbedding3)
	}

	backoff := resilience.DefaultBackoffConfig()
	backoff.RetryOnFunc = IsRetryable

	logger.Info("OpenAI client configured",
		zap.String("endpoint", oc.BaseURL),
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel))

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		logger:         logger,
		model:          model,
		embeddingModel: embeddingModel,
		maxTokens:      cfg.MaxTokens,
		temperature:    float32(cfg.Temperature),
		dimensions:     DefaultEmbeddingDimensions,
		backoff:        backoff,
	}, nil
}

// SetBackoff replaces the retry policy. The retry predicate is always IsRetryable.
func (c *Client) SetBackoff(b resilience.BackoffConfig) {
	b.RetryOnFunc = IsRetryable
	c.backoff = b
}

// SetEmbeddingDimensions changes the expected vector width. Zero disables the check.
func (c *Client) SetEmbeddingDimensions(n int) {
	c.dimensions = n
}

// Model returns the chat model name
func (c *Client) Model() string {
	return c.model
}

// EmbeddingModel returns the embedding model name
func (c *Client) EmbeddingModel() string {
	return c.embeddingModel
}

// Ping validates the key and endpoint by listing models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return c.classify(err, "list models")
	}
	return nil
}

// EmbedTexts embeds texts in batches, preserving input order.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) (*EmbeddingResponse, error) {
	if len(texts) == 0 {
		return &EmbeddingResponse{}, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("text at index %d is empty", i)
		}
	}

	out := &EmbeddingResponse{Embeddings: make([][]float32, 0, len(texts))}
	for start := 0; start < len(texts); start += MaxEmbeddingBatch {
		end := start + MaxEmbeddingBatch
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out.Embeddings = append(out.Embeddings, resp.Embeddings...)
		out.Usage.PromptTokens += resp.Usage.PromptTokens
		out.Usage.TotalTokens += resp.Usage.TotalTokens
	}

	c.logger.Debug("Embedded texts",
		zap.Int("count", len(texts)),
		zap.Int("total_tokens", out.Usage.TotalTokens))
	return out, nil
}

// EmbedQuery embeds a single query string
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	resp, err := c.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Embeddings[0], nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) (*EmbeddingResponse, error) {
	var resp openai.EmbeddingResponse
	err := resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
		r, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		if err != nil {
			return c.classify(err, "create embeddings")
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	if err := c.validateDimensions(embeddings); err != nil {
		return nil, err
	}
	return &EmbeddingResponse{
		Embeddings: embeddings,
		Usage: EmbeddingUsage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func (c *Client) validateDimensions(embeddings [][]float32) error {
	for i, e := range embeddings {
		if e == nil {
			return fmt.Errorf("embedding %d missing from response", i)
		}
		if c.dimensions > 0 && len(e) != c.dimensions {
			return fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(e), c.dimensions)
		}
	}
	return nil
}

// ChatCompletionRequest is a single system plus user turn
type ChatCompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  *float32
}

// ChatCompletionResponse carries the assistant text and token usage
type ChatCompletionResponse struct {
	Content          string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CreateChatCompletion sends the prompt with retries on rate limits and 5xx.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	var resp openai.ChatCompletionResponse
	start := time.Now()
	err := resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
		r, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    messages,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		})
		if err != nil {
			return c.classify(err, "create chat completion")
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	c.logger.Debug("Chat completion finished",
		zap.String("model", resp.Model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)))

	choice := resp.Choices[0]
	return &ChatCompletionResponse{
		Content:          choice.Message.Content,
		Model:            resp.Model,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// classify wraps rate limits, server errors and transport failures as retryable.
func (c *Client) classify(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		// no HTTP status: connection-level failure
		c.logger.Warn("OpenAI transport error", zap.String("op", op), zap.Error(err))
		return &RetryableError{Err: fmt.Errorf("%s: %w", op, err)}
	}

	wrapped := fmt.Errorf("%s: %w", op, err)
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		c.logger.Warn("OpenAI request failed, will retry",
			zap.String("op", op),
			zap.Int("status", status),
			zap.Error(err))
		return &RetryableError{Err: wrapped, StatusCode: status}
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%s: invalid API key: %w", op, err)
	default:
		return wrapped
	}
}
