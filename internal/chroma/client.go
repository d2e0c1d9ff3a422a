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

// Package chroma is a small ChromaDB REST client used as the remote
// vector index for document chunks.
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
)

const (
	metaDocumentID = "document_id"
	metaChunkIndex = "chunk_index"
)

// Client wraps the ChromaDB REST API for a single collection
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	logger     *zap.Logger
	backoff    resilience.BackoffConfig

	mu           sync.Mutex
	collectionID string
}

// NewClient creates a client for the named collection
func NewClient(baseURL, collection string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := resilience.DefaultBackoffConfig()
	backoff.RetryOnFunc = isRetryable
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		backoff:    backoff,
	}
}

// SetBackoff replaces the retry timing. Only transport errors and 5xx are retried.
func (c *Client) SetBackoff(b resilience.BackoffConfig) {
	b.RetryOnFunc = isRetryable
	c.backoff = b
}

// Chunk is one embedded piece of a document
type Chunk struct {
	DocumentID int64
	ChunkIndex int
	Content    string
	Embedding  []float32
}

// ID is the stable chroma id for the chunk
func (ch Chunk) ID() string {
	return ChunkID(ch.DocumentID, ch.ChunkIndex)
}

// ChunkID formats the id used for a document chunk
func ChunkID(documentID int64, chunkIndex int) string {
	return fmt.Sprintf("doc-%d-%d", documentID, chunkIndex)
}

// StatusError is a non-2xx answer from ChromaDB
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chromadb returned status %d: %s", e.StatusCode, e.Body)
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}
	return true
}

type collectionRequest struct {
	Name        string                 `json:"name"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	GetOrCreate bool                   `json:"get_or_create"`
}

type collectionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type upsertRequest struct {
	IDs        []string                 `json:"ids"`
	Embeddings [][]float32              `json:"embeddings"`
	Documents  []string                 `json:"documents"`
	Metadatas  []map[string]interface{} `json:"metadatas"`
}

type queryRequest struct {
	QueryEmbeddings [][]float32            `json:"query_embeddings"`
	NResults        int                    `json:"n_results"`
	Where           map[string]interface{} `json:"where,omitempty"`
	Include         []string               `json:"include"`
}

type queryResponse struct {
	IDs       [][]string                 `json:"ids"`
	Documents [][]string                 `json:"documents"`
	Metadatas [][]map[string]interface{} `json:"metadatas"`
	Distances [][]float64                `json:"distances"`
}

type deleteRequest struct {
	Where map[string]interface{} `json:"where"`
}

// do sends one JSON request with retries and decodes the answer into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("chromadb request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode chromadb response: %w", err)
		}
		return nil
	})
}

// Heartbeat checks that ChromaDB answers
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/api/v1/heartbeat", nil, nil); err != nil {
		return fmt.Errorf("chromadb heartbeat failed: %w", err)
	}
	return nil
}

// EnsureCollection creates the collection if needed and caches its id.
func (c *Client) EnsureCollection(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collectionID != "" {
		return c.collectionID, nil
	}

	var resp collectionResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/collections", collectionRequest{
		Name:        c.collection,
		Metadata:    map[string]interface{}{"hnsw:space": "cosine"},
		GetOrCreate: true,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to ensure collection %s: %w", c.collection, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("chromadb returned no id for collection %s", c.collection)
	}

	c.collectionID = resp.ID
	c.logger.Info("ChromaDB collection ready",
		zap.String("collection", c.collection),
		zap.String("id", resp.ID))
	return resp.ID, nil
}

// Upsert writes chunks and their embeddings
func (c *Client) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	id, err := c.EnsureCollection(ctx)
	if err != nil {
		return err
	}

	req := upsertRequest{
		IDs:        make([]string, len(chunks)),
		Embeddings: make([][]float32, len(chunks)),
		Documents:  make([]string, len(chunks)),
		Metadatas:  make([]map[string]interface{}, len(chunks)),
	}
	for i, ch := range chunks {
		if len(ch.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", ch.ID())
		}
		req.IDs[i] = ch.ID()
		req.Embeddings[i] = ch.Embedding
		req.Documents[i] = ch.Content
		req.Metadatas[i] = map[string]interface{}{
			metaDocumentID: ch.DocumentID,
			metaChunkIndex: ch.ChunkIndex,
		}
	}

	if err := c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/upsert", req, nil); err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	c.logger.Debug("Upserted chunks",
		zap.String("collection", c.collection),
		zap.Int("count", len(chunks)))
	return nil
}

// Query returns the topK nearest chunks, optionally restricted to documentIDs.
// Score is cosine similarity (1 - distance).
func (c *Client) Query(ctx context.Context, embedding []float32, documentIDs []int64, topK int) ([]model.ChunkHit, error) {
	if len(embedding) == 0 {
		return []model.ChunkHit{}, nil
	}
	if topK <= 0 {
		topK = 10
	}
	id, err := c.EnsureCollection(ctx)
	if err != nil {
		return nil, err
	}

	req := queryRequest{
		QueryEmbeddings: [][]float32{embedding},
		NResults:        topK,
		Include:         []string{"documents", "metadatas", "distances"},
	}
	if len(documentIDs) > 0 {
		req.Where = map[string]interface{}{
			metaDocumentID: map[string]interface{}{"$in": documentIDs},
		}
	}

	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/query", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}

	hits := []model.ChunkHit{}
	if len(resp.IDs) == 0 {
		return hits, nil
	}
	for i, chunkID := range resp.IDs[0] {
		hit := model.ChunkHit{}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			hit.Content = resp.Documents[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			hit.Score = 1 - resp.Distances[0][i]
		}
		var meta map[string]interface{}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			meta = resp.Metadatas[0][i]
		}
		docID, idx, ok := chunkPosition(chunkID, meta)
		if !ok {
			c.logger.Warn("Skipping chunk with unreadable metadata", zap.String("id", chunkID))
			continue
		}
		hit.DocumentID = docID
		hit.ChunkIndex = idx
		hits = append(hits, hit)
	}
	return hits, nil
}

// chunkPosition reads document id and chunk index from metadata, falling back to the id.
func chunkPosition(chunkID string, meta map[string]interface{}) (int64, int, bool) {
	docID, okDoc := number(meta[metaDocumentID])
	idx, okIdx := number(meta[metaChunkIndex])
	if okDoc && okIdx {
		return int64(docID), int(idx), true
	}

	parts := strings.Split(strings.TrimPrefix(chunkID, "doc-"), "-")
	if len(parts) != 2 {
		return 0, 0, false
	}
	d, err1 := strconv.ParseInt(parts[0], 10, 64)
	i, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return d, i, true
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// DeleteDocument removes every chunk of a document
func (c *Client) DeleteDocument(ctx context.Context, documentID int64) error {
	id, err := c.EnsureCollection(ctx)
	if err != nil {
		return err
	}
	req := deleteRequest{Where: map[string]interface{}{metaDocumentID: documentID}}
	if err := c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/delete", req, nil); err != nil {
		return fmt.Errorf("failed to delete chunks for document %d: %w", documentID, err)
	}
	return nil
}
