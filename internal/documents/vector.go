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

package documents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/chroma"
	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

// VectorIndex stores chunk embeddings and answers nearest-neighbour queries
type VectorIndex interface {
	Name() string
	Upsert(ctx context.Context, documentID int64, chunks []model.DocumentChunk) error
	Query(ctx context.Context, embedding []float32, documentIDs []int64, topK int) ([]model.ChunkHit, error)
	DeleteDocument(ctx context.Context, documentID int64) error
	Ping(ctx context.Context) error
}

type chunkSearcher interface {
	SearchChunks(ctx context.Context, query []float32, documentIDs []int64, topK int) ([]model.ChunkHit, error)
	Ping(ctx context.Context) error
}

// OpenVectorIndex returns the backend named by cfg. The chroma backend must
// answer a heartbeat and have its collection in place before it is used.
func OpenVectorIndex(ctx context.Context, cfg config.VectorConfig, st chunkSearcher, logger *zap.Logger) (VectorIndex, error) {
	if cfg.Backend != "chroma" {
		return NewSQLiteIndex(st), nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := chroma.NewClient(cfg.ChromaURL, cfg.CollectionName, logger)
	if err := client.Heartbeat(ctx); err != nil {
		return nil, fmt.Errorf("chroma not reachable at %s: %w", cfg.ChromaURL, err)
	}
	if _, err := client.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare chroma collection: %w", err)
	}
	logger.Info("Using chroma vector store",
		zap.String("url", cfg.ChromaURL),
		zap.String("collection", cfg.CollectionName))
	return NewChromaIndex(client), nil
}

// SQLiteIndex searches embeddings kept alongside the chunks in the main
// database. Writes happen when chunks are replaced, so Upsert and
// DeleteDocument have nothing left to do.
type SQLiteIndex struct {
	store chunkSearcher
}

// NewSQLiteIndex wraps the store's chunk search
func NewSQLiteIndex(st chunkSearcher) *SQLiteIndex {
	return &SQLiteIndex{store: st}
}

func (i *SQLiteIndex) Name() string { return "sqlite" }

func (i *SQLiteIndex) Upsert(context.Context, int64, []model.DocumentChunk) error { return nil }

func (i *SQLiteIndex) DeleteDocument(context.Context, int64) error { return nil }

func (i *SQLiteIndex) Query(ctx context.Context, embedding []float32, documentIDs []int64, topK int) ([]model.ChunkHit, error) {
	return i.store.SearchChunks(ctx, embedding, documentIDs, topK)
}

func (i *SQLiteIndex) Ping(ctx context.Context) error {
	return i.store.Ping(ctx)
}

// ChromaIndex keeps embeddings in a ChromaDB collection
type ChromaIndex struct {
	client *chroma.Client
}

// NewChromaIndex wraps a chroma client
func NewChromaIndex(c *chroma.Client) *ChromaIndex {
	return &ChromaIndex{client: c}
}

func (i *ChromaIndex) Name() string { return "chroma" }

func (i *ChromaIndex) Upsert(ctx context.Context, documentID int64, chunks []model.DocumentChunk) error {
	if err := i.client.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	out := make([]chroma.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		out = append(out, chroma.Chunk{
			DocumentID: documentID,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			Embedding:  c.Embedding,
		})
	}
	return i.client.Upsert(ctx, out)
}

func (i *ChromaIndex) Query(ctx context.Context, embedding []float32, documentIDs []int64, topK int) ([]model.ChunkHit, error) {
	return i.client.Query(ctx, embedding, documentIDs, topK)
}

func (i *ChromaIndex) DeleteDocument(ctx context.Context, documentID int64) error {
	return i.client.DeleteDocument(ctx, documentID)
}

func (i *ChromaIndex) Ping(ctx context.Context) error {
	return i.client.Heartbeat(ctx)
}
