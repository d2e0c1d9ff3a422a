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

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
)

// newTestClient points a client at srv with a fast retry policy.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(config.OpenAIConfig{
		APIKey:      "sk-test", // pragma: allowlist secret
		Endpoint:    srv.URL + "/v1",
		Model:       "gpt-4",
		MaxTokens:   500,
		Temperature: 0.2,
		Timeout:     5 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.SetBackoff(resilience.BackoffConfig{BaseDelay: time.Millisecond, MaxRetries: 2, MaxDelay: 5 * time.Millisecond, Multiplier: 2})
	c.SetEmbeddingDimensions(3)
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// embeddingBody echoes one vector per input, each filled with its index.
func embeddingBody(t *testing.T, r *http.Request, dims int) string {
	t.Helper()
	var req struct {
		Input []string `json:"input"`
	}
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	items := make([]string, len(req.Input))
	for i := range req.Input {
		vec := make([]string, dims)
		for j := range vec {
			vec[j] = fmt.Sprintf("%d", i)
		}
		items[i] = fmt.Sprintf(`{"object":"embedding","embedding":[%s],"index":%d}`, strings.Join(vec, ","), i)
	}
	return fmt.Sprintf(`{"object":"list","data":[%s],"model":"text-embedding-3-small","usage":{"prompt_tokens":%d,"total_tokens":%d}}`,
		strings.Join(items, ","), len(req.Input), len(req.Input))
}

const chatBody = `{
	"id": "chatcmpl-test",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "gpt-4",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "Pore pressure is within limits."}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
}`

func TestNewClient(t *testing.T) {
	_, err := NewClient(config.OpenAIConfig{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	c, err := NewClient(config.OpenAIConfig{APIKey: "key"}, nil) // pragma: allowlist secret
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", c.Model())
	assert.Equal(t, "text-embedding-3-small", c.EmbeddingModel())
}

func TestCreateChatCompletion(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, chatBody)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.CreateChatCompletion(context.Background(), ChatCompletionRequest{
		SystemPrompt: "You are a tailings engineer.",
		UserPrompt:   "Is piezometer PZ-01 OK?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Pore pressure is within limits.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 18, resp.TotalTokens)

	assert.Equal(t, "gpt-4", got.Model)
	assert.Equal(t, 500, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "Is piezometer PZ-01 OK?", got.Messages[1].Content)
}

func TestChatRetries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		failures  int32
		wantErr   bool
		wantCalls int32
	}{
		{name: "rate limited then ok", status: http.StatusTooManyRequests, failures: 1, wantCalls: 2},
		{name: "server error then ok", status: http.StatusBadGateway, failures: 2, wantCalls: 3},
		{name: "server error exhausts retries", status: http.StatusInternalServerError, failures: 10, wantErr: true, wantCalls: 3},
		{name: "bad key is not retried", status: http.StatusUnauthorized, failures: 10, wantErr: true, wantCalls: 1},
		{name: "bad request is not retried", status: http.StatusBadRequest, failures: 10, wantErr: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					writeJSON(w, tt.status, `{"error":{"message":"upstream said no","type":"test_error"}}`)
					return
				}
				writeJSON(w, http.StatusOK, chatBody)
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			_, err := c.CreateChatCompletion(context.Background(), ChatCompletionRequest{UserPrompt: "hello"})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestEmbedTexts(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		requests.Add(1)
		writeJSON(w, http.StatusOK, embeddingBody(t, r, 3))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	texts := make([]string, MaxEmbeddingBatch+5)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d", i)
	}
	resp, err := c.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, resp.Embeddings, len(texts))
	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, len(texts), resp.Usage.TotalTokens)
	// second batch restarts indexes at zero
	assert.Equal(t, float32(4), resp.Embeddings[MaxEmbeddingBatch+4][0])

	vec, err := c.EmbedQuery(context.Background(), "seepage trend")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestEmbedTextsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, embeddingBody(t, r, 5))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	resp, err := c.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Embeddings)

	_, err = c.EmbedTexts(context.Background(), []string{"ok", "  "})
	assert.ErrorContains(t, err, "index 1 is empty")

	_, err = c.EmbedTexts(context.Background(), []string{"wrong width"})
	assert.ErrorContains(t, err, "expected 3")

	c.SetEmbeddingDimensions(0)
	_, err = c.EmbedTexts(context.Background(), []string{"any width"})
	assert.NoError(t, err)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			writeJSON(w, http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"object":"list","data":[{"id":"gpt-4","object":"model","owned_by":"openai"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	assert.NoError(t, c.Ping(context.Background()))

	bad, err := NewClient(config.OpenAIConfig{APIKey: "sk-wrong", Endpoint: srv.URL + "/v1"}, zaptest.NewLogger(t)) // pragma: allowlist secret
	require.NoError(t, err)
	err = bad.Ping(context.Background())
	assert.ErrorContains(t, err, "invalid API key")
	assert.False(t, IsRetryable(err))
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		writeJSON(w, http.StatusOK, chatBody)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.CreateChatCompletion(ctx, ChatCompletionRequest{UserPrompt: "slow"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
