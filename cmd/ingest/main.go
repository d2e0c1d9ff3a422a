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

// Package main bulk loads documents from a directory tree into TailingsIQ.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/documents"
	"github.com/tailingsiq/tailingsiq-backend/internal/events"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/openai"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
	"github.com/tailingsiq/tailingsiq-backend/internal/users"
)

const defaultPattern = "**/*.{pdf,docx,txt,md,html}"

var (
	docsPath     string
	configPath   string
	pattern      string
	uploaderName string
	documentType string
	facilityID   string
	indexDocs    bool
	dryRun       bool
)

// IngestionStats tracks the outcome of a run
type IngestionStats struct {
	ProcessedCount int
	SuccessCount   int
	FailureCount   int
	SkippedCount   int
	TotalChunks    int
}

// IngestionPipeline uploads files through the document service
type IngestionPipeline struct {
	docs         *documents.Service
	uploader     *model.User
	documentType model.DocumentType
	facilityID   string
	index        bool
	logger       *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load TSF documents from a directory into TailingsIQ",
		Long: `Walks the docs directory, uploads every file matching the pattern as a
TailingsIQ document and optionally indexes it for AI queries.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&docsPath, "docs-path", "d", "./docs", "Path to documents directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "Path to configuration file")
	cmd.Flags().StringVarP(&pattern, "pattern", "p", defaultPattern, "Glob pattern relative to the docs path")
	cmd.Flags().StringVarP(&uploaderName, "uploader", "u", "", "Username recorded as uploader (defaults to the bootstrap admin)")
	cmd.Flags().StringVarP(&documentType, "document-type", "t", string(model.DocOther), "Document type assigned to every file")
	cmd.Flags().StringVar(&facilityID, "facility", "", "Facility id assigned to every file")
	cmd.Flags().BoolVarP(&indexDocs, "index", "i", false, "Chunk and embed each document after upload")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List matching files without uploading")
	return cmd
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !model.DocumentType(documentType).Valid() {
		return fmt.Errorf("invalid document type: %s", documentType)
	}

	files, err := findDocuments(docsPath, pattern)
	if err != nil {
		return err
	}

	if dryRun {
		for _, f := range files {
			fmt.Println(f)
		}
		fmt.Printf("%d files match %s\n", len(files), pattern)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, _, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = st.Close() }()

	pipeline, err := newPipeline(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	stats := pipeline.Run(ctx, docsPath, files)
	logger.Info("Ingestion complete",
		zap.Int("processed", stats.ProcessedCount),
		zap.Int("succeeded", stats.SuccessCount),
		zap.Int("failed", stats.FailureCount),
		zap.Int("skipped", stats.SkippedCount),
		zap.Int("chunks", stats.TotalChunks))
	fmt.Printf("Processed %d files: %d ok, %d failed, %d skipped, %d chunks\n",
		stats.ProcessedCount, stats.SuccessCount, stats.FailureCount, stats.SkippedCount, stats.TotalChunks)

	if stats.FailureCount > 0 {
		return fmt.Errorf("%d files failed to ingest", stats.FailureCount)
	}
	return nil
}

func newPipeline(ctx context.Context, cfg *config.Config, st *store.Store, logger *zap.Logger) (*IngestionPipeline, error) {
	tokens, err := auth.NewTokenManager(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.AccessTokenExpiry)
	if err != nil {
		return nil, err
	}
	userSvc := users.NewService(st, tokens, cfg.Auth, logger)
	if _, err := userSvc.EnsureSuperAdmin(ctx, cfg.Auth.Bootstrap); err != nil {
		return nil, fmt.Errorf("failed to seed super admin: %w", err)
	}

	name := uploaderName
	if name == "" {
		name = cfg.Auth.Bootstrap.Username
	}
	uploader, err := st.GetUserByUsername(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("uploader %q not found: %w", name, err)
	}
	if uploader.Status != model.UserActive {
		return nil, fmt.Errorf("user %q is inactive", name)
	}
	if indexDocs && !auth.CanIndexDocuments(uploader.Role) {
		return nil, fmt.Errorf("user %q may not index documents", name)
	}

	var embedder documents.Embedder
	if indexDocs {
		client, err := openai.NewClient(cfg.OpenAI, logger)
		switch {
		case err == nil:
			embedder = client
		case errors.Is(err, openai.ErrNotConfigured):
			logger.Warn("OpenAI API key not set, chunks are stored without embeddings")
		default:
			return nil, err
		}
	}

	index, err := documents.OpenVectorIndex(ctx, cfg.Vector, st, logger)
	if err != nil {
		return nil, err
	}

	return &IngestionPipeline{
		docs:         documents.NewService(st, embedder, index, events.Nop{}, cfg.Documents, logger),
		uploader:     uploader,
		documentType: model.DocumentType(documentType),
		facilityID:   facilityID,
		index:        indexDocs,
		logger:       logger,
	}, nil
}

// findDocuments returns the files under root matching pattern, relative to
// root and sorted.
func findDocuments(root, pattern string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("docs path not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("docs path is not a directory: %s", root)
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern: %s", pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob error: %w", err)
	}
	files := matches[:0]
	for _, m := range matches {
		if err := validateFilePath(root, m); err != nil {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// validateFilePath rejects paths that resolve outside basePath
func validateFilePath(basePath, filePath string) error {
	base, err := filepath.Abs(basePath)
	if err != nil {
		return fmt.Errorf("invalid base path: %w", err)
	}
	target := filePath
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("directory traversal detected: %s", filePath)
	}
	return nil
}

// Run ingests files one at a time. A failing file does not stop the run.
func (p *IngestionPipeline) Run(ctx context.Context, root string, files []string) *IngestionStats {
	stats := &IngestionStats{}
	for _, rel := range files {
		if ctx.Err() != nil {
			break
		}
		stats.ProcessedCount++

		chunks, err := p.ingestFile(ctx, root, rel)
		var svcErr *resilience.ServiceError
		switch {
		case err == nil:
			stats.SuccessCount++
			stats.TotalChunks += chunks
		case resilience.AsServiceError(err, &svcErr) && svcErr.Code == resilience.ErrorCodeUnsupportedMediaType:
			stats.SkippedCount++
			p.logger.Info("Skipping unsupported file", zap.String("file", rel))
		default:
			stats.FailureCount++
			p.logger.Warn("Failed to ingest file", zap.String("file", rel), zap.Error(err))
		}
	}
	return stats
}

func (p *IngestionPipeline) ingestFile(ctx context.Context, root, rel string) (int, error) {
	path := filepath.Join(root, rel)
	f, err := os.Open(path) // #nosec G304 -- path validated against root
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	result, err := p.docs.Upload(ctx, documents.UploadInput{
		Filename:     filepath.Base(rel),
		Size:         info.Size(),
		Body:         f,
		DocumentType: p.documentType,
		FacilityID:   p.facilityID,
		Tags:         tagsFor(rel),
	}, p.uploader)
	if err != nil {
		return 0, err
	}
	if result.Status == model.DocStatusFailed {
		return 0, fmt.Errorf("text extraction failed for %s", rel)
	}
	p.logger.Debug("Uploaded document", zap.String("file", rel), zap.Int64("document_id", result.DocumentID))

	if !p.index {
		return 0, nil
	}
	idx, err := p.docs.Index(ctx, result.DocumentID)
	if err != nil {
		return 0, err
	}
	return idx.Chunks, nil
}

// tagsFor turns the directories of a relative path into tags
func tagsFor(rel string) []string {
	dir := filepath.Dir(filepath.ToSlash(rel))
	if dir == "." {
		return nil
	}
	return strings.Split(filepath.ToSlash(dir), "/")
}
