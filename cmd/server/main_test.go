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

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("TAILINGSIQ_OPENAI_APIKEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		Environment: config.EnvTesting,
		SkipDotEnv:  true,
	})
	require.NoError(t, err)
	cfg.OpenAI.APIKey = ""
	cfg.Database.Path = ":memory:"
	cfg.Documents.UploadDir = t.TempDir()
	return cfg
}

func TestNewAppServesHealthAndSeedsAdmin(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.close)

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status       string                    `json:"status"`
		Dependencies map[string]map[string]any `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Dependencies, "database")
	assert.Contains(t, body.Dependencies, "vector_store")
	assert.NotContains(t, body.Dependencies, "llm")

	n, err := a.store.CountUsersByRole(context.Background(), model.RoleSuperAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ai-query/health", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCleanupLoopStopsOnCancel(t *testing.T) {
	a, err := newApp(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.cleanupLoop(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
