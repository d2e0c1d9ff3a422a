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

// Package documents handles uploaded TSF documents: storage on disk, text
// extraction, chunking and embedding for semantic search, keyword search,
// and CSV dataset ingestion.
package documents

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/chunker"
	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/events"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/openai"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

const maxFilenameLength = 255

// Search result bounds
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// Store is the persistence the service needs
type Store interface {
	CreateDocument(ctx context.Context, d *model.Document) error
	GetDocument(ctx context.Context, id int64) (*model.Document, error)
	UpdateDocument(ctx context.Context, d *model.Document) error
	ListDocuments(ctx context.Context, filter model.DocumentFilter) ([]model.Document, error)
	SetDocumentStatus(ctx context.Context, id int64, status model.DocumentStatus) error
	SearchDocuments(ctx context.Context, terms []string, filter model.DocumentFilter, limit int) ([]model.DocumentHit, error)
	ReplaceChunks(ctx context.Context, documentID int64, chunks []model.DocumentChunk) error
	AddDatasetRows(ctx context.Context, datasetName string, rows []json.RawMessage) (int, error)
}

// Embedder turns text into vectors
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) (*openai.EmbeddingResponse, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Service manages documents
type Service struct {
	store    Store
	embedder Embedder
	index    VectorIndex
	events   events.Publisher
	cfg      config.DocumentsConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a document service. embedder and index may be nil,
// in which case documents are only keyword searchable.
func NewService(st Store, embedder Embedder, index VectorIndex, pub events.Publisher, cfg config.DocumentsConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "./uploads"
	}
	return &Service{
		store:    st,
		embedder: embedder,
		index:    index,
		events:   pub,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SemanticEnabled reports whether vector search is available
func (s *Service) SemanticEnabled() bool {
	return s.embedder != nil && s.index != nil
}

// VectorIndex returns the configured vector index, or nil
func (s *Service) VectorIndex() VectorIndex {
	return s.index
}

// UploadInput describes an uploaded file and its metadata
type UploadInput struct {
	Filename       string
	ContentType    string
	Size           int64
	Body           io.Reader
	Title          string
	Description    string
	DocumentType   model.DocumentType
	FacilityID     string
	Tags           []string
	IsConfidential bool
}

// UploadResult is returned to the client after an upload
type UploadResult struct {
	Success    bool                 `json:"success"`
	DocumentID int64                `json:"document_id"`
	Filename   string               `json:"filename"`
	Status     model.DocumentStatus `json:"status"`
}

// Upload validates, stores and extracts an uploaded file
func (s *Service) Upload(ctx context.Context, in UploadInput, uploader *model.User) (*UploadResult, error) {
	if uploader == nil {
		return nil, resilience.NewUnauthorizedError("Could not validate credentials", nil)
	}
	if strings.TrimSpace(in.Filename) == "" || in.Body == nil {
		return nil, resilience.NewBadRequestError("No file provided", nil)
	}
	if s.cfg.MaxFileSize > 0 && in.Size > s.cfg.MaxFileSize {
		return nil, tooLarge(s.cfg.MaxFileSize)
	}

	contentType := DetectContentType(in.ContentType, in.Filename)
	if !s.allowed(contentType) {
		return nil, resilience.NewUnsupportedMediaTypeError(fmt.Sprintf("File type %s is not allowed", contentType), nil).
			WithContext("content_type", contentType)
	}

	docType := in.DocumentType
	if docType == "" {
		docType = model.DocOther
	}
	if !docType.Valid() {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid document type: %s", docType), nil)
	}

	limit := s.cfg.MaxFileSize
	if limit <= 0 {
		limit = 100 << 20
	}
	data, err := io.ReadAll(io.LimitReader(in.Body, limit+1))
	if err != nil {
		return nil, resilience.NewBadRequestError("Failed to read uploaded file", err)
	}
	if int64(len(data)) > limit {
		return nil, tooLarge(limit)
	}

	original := SanitizeFilename(filepath.Base(in.Filename))
	stored := s.now().Format("20060102150405") + "_" + original
	if err := os.MkdirAll(s.cfg.UploadDir, 0o750); err != nil {
		return nil, resilience.NewInternalError("Failed to store file", err)
	}
	path := filepath.Join(s.cfg.UploadDir, stored)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return nil, resilience.NewInternalError("Failed to store file", err)
	}

	doc := &model.Document{
		Title:            strings.TrimSpace(in.Title),
		Description:      strings.TrimSpace(in.Description),
		Filename:         stored,
		OriginalFilename: in.Filename,
		FilePath:         path,
		FileSize:         int64(len(data)),
		ContentType:      contentType,
		DocumentType:     docType,
		Status:           model.DocStatusProcessed,
		Tags:             in.Tags,
		IsConfidential:   in.IsConfidential,
		UploadedBy:       uploader.ID,
	}
	if in.FacilityID != "" {
		doc.FacilityID = model.NormalizeFacilityID(in.FacilityID)
	}

	meta := map[string]interface{}{"file_size_human": FormatFileSize(doc.FileSize)}
	ext, err := Extract(contentType, data)
	if err != nil {
		doc.Status = model.DocStatusFailed
		meta["error"] = err.Error()
		s.logger.Warn("Text extraction failed",
			zap.String("filename", stored),
			zap.String("content_type", contentType),
			zap.Error(err))
	} else {
		doc.ExtractedText = ext.Text
		meta["method"] = ext.Method
		meta["characters"] = utf8.RuneCountInString(ext.Text)
		meta["word_count"] = len(strings.Fields(ext.Text))
		if ext.Pages > 0 {
			meta["pages"] = ext.Pages
		}
		if doc.Title == "" && ext.Title != "" {
			doc.Title = ext.Title
		}
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(original, filepath.Ext(original))
	}
	doc.ExtractedMetadata, _ = json.Marshal(meta)

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		_ = os.Remove(path)
		return nil, resilience.NewInternalError("Failed to save document", err)
	}

	s.logger.Info("Document uploaded",
		zap.Int64("document_id", doc.ID),
		zap.String("filename", stored),
		zap.String("status", string(doc.Status)),
		zap.Int64("uploaded_by", uploader.ID))

	return &UploadResult{Success: true, DocumentID: doc.ID, Filename: stored, Status: doc.Status}, nil
}

func tooLarge(limit int64) error {
	return resilience.NewPayloadTooLargeError(fmt.Sprintf("File too large. Maximum size is %s", FormatFileSize(limit)), nil)
}

func (s *Service) allowed(contentType string) bool {
	if len(s.cfg.AllowedContentTypes) == 0 {
		return true
	}
	for _, t := range s.cfg.AllowedContentTypes {
		if strings.EqualFold(t, contentType) {
			return true
		}
	}
	return false
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[/\\:*?"<>|]`)
	nonASCII            = regexp.MustCompile(`[^\x00-\x7F]`)
)

// SanitizeFilename replaces path separators, shell metacharacters and
// non-ASCII characters with underscores and caps the length at 255,
// keeping the extension.
func SanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = nonASCII.ReplaceAllString(name, "_")
	if len(name) > maxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		stem := strings.TrimSuffix(name, ext)
		name = stem[:250-len(ext)] + ext
	}
	return name
}

// FormatFileSize renders a byte count as B, KB, MB, GB or TB with one decimal
func FormatFileSize(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}

// Get returns a document the user may see
func (s *Service) Get(ctx context.Context, id int64, u *model.User) (*model.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, resilience.NewNotFoundError("Document not found", err)
	}
	if err != nil {
		return nil, resilience.NewInternalError("Failed to load document", err)
	}
	if !doc.VisibleTo(u) {
		return nil, resilience.NewForbiddenError("Not enough permissions", nil)
	}
	return doc, nil
}

// List returns the documents matching filter that the user may see
func (s *Service) List(ctx context.Context, filter model.DocumentFilter, u *model.User) ([]model.Document, error) {
	if filter.FacilityID != "" {
		filter.FacilityID = model.NormalizeFacilityID(filter.FacilityID)
	}
	docs, err := s.store.ListDocuments(ctx, filter)
	if err != nil {
		return nil, resilience.NewInternalError("Failed to list documents", err)
	}
	out := make([]model.Document, 0, len(docs))
	for i := range docs {
		if docs[i].VisibleTo(u) {
			out = append(out, docs[i])
		}
	}
	return out, nil
}

// Archive hides a document from default listings. Only the uploader,
// admins and engineers of record may archive.
func (s *Service) Archive(ctx context.Context, id int64, u *model.User) error {
	doc, err := s.Get(ctx, id, u)
	if err != nil {
		return err
	}
	if doc.UploadedBy != u.ID && !auth.CanIndexDocuments(u.Role) {
		return resilience.NewForbiddenError("Not enough permissions", nil)
	}
	if err := s.store.SetDocumentStatus(ctx, id, model.DocStatusArchived); err != nil {
		return resilience.NewInternalError("Failed to archive document", err)
	}
	if s.index != nil {
		if err := s.index.DeleteDocument(ctx, id); err != nil {
			s.logger.Warn("Failed to remove archived document from vector index", zap.Int64("document_id", id), zap.Error(err))
		}
	}
	s.logger.Info("Document archived", zap.Int64("document_id", id), zap.Int64("user_id", u.ID))
	return nil
}

// Search runs a keyword search and drops documents the user may not see
func (s *Service) Search(ctx context.Context, query string, filter model.DocumentFilter, limit int, u *model.User) ([]model.DocumentHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return []model.DocumentHit{}, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)
	if filter.FacilityID != "" {
		filter.FacilityID = model.NormalizeFacilityID(filter.FacilityID)
	}
	hits, err := s.store.SearchDocuments(ctx, terms, filter, 0)
	if err != nil {
		return nil, resilience.NewInternalError("Failed to search documents", err)
	}
	out := make([]model.DocumentHit, 0, len(hits))
	for _, h := range hits {
		if !h.Document.VisibleTo(u) {
			continue
		}
		out = append(out, h)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SemanticSearch embeds query and returns the nearest chunks. It returns
// no hits when vector search is not configured.
func (s *Service) SemanticSearch(ctx context.Context, query string, documentIDs []int64, topK int) ([]model.ChunkHit, error) {
	if !s.SemanticEnabled() {
		return []model.ChunkHit{}, nil
	}
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.index.Query(ctx, vec, documentIDs, topK)
}

// IndexResult reports what Index wrote
type IndexResult struct {
	DocumentID int64  `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Embedded   bool   `json:"embedded"`
	Backend    string `json:"backend"`
}

// Index chunks the document text, embeds the chunks and writes them to the
// store and the vector index.
func (s *Service) Index(ctx context.Context, id int64) (*IndexResult, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, resilience.NewNotFoundError("Document not found", err)
	}
	if err != nil {
		return nil, resilience.NewInternalError("Failed to load document", err)
	}
	if strings.TrimSpace(doc.ExtractedText) == "" {
		return nil, resilience.NewBadRequestError("Document has no extracted text to index", nil)
	}

	texts := chunker.Split(chunker.ParseMarkdown(doc.ExtractedText), s.cfg.ChunkSize, s.cfg.ChunkSize/10)
	chunks := make([]model.DocumentChunk, len(texts))
	for i, t := range texts {
		chunks[i] = model.DocumentChunk{DocumentID: id, ChunkIndex: i, Content: t}
	}

	result := &IndexResult{DocumentID: id, Chunks: len(chunks), Backend: "none"}
	if s.SemanticEnabled() && len(texts) > 0 {
		resp, err := s.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return nil, resilience.NewDependencyFailureError("Failed to embed document", err)
		}
		for i := range chunks {
			chunks[i].Embedding = resp.Embeddings[i]
		}
		result.Embedded = true
		result.Backend = s.index.Name()
	}

	if err := s.store.ReplaceChunks(ctx, id, chunks); err != nil {
		return nil, resilience.NewInternalError("Failed to save document chunks", err)
	}
	if result.Embedded {
		if err := s.index.Upsert(ctx, id, chunks); err != nil {
			return nil, resilience.NewDependencyFailureError("Failed to write vector index", err)
		}
	}

	if err := s.events.Publish(ctx, events.TopicDocumentIndexed, result); err != nil {
		s.logger.Warn("Failed to publish index event", zap.Int64("document_id", id), zap.Error(err))
	}
	s.logger.Info("Document indexed",
		zap.Int64("document_id", id),
		zap.Int("chunks", result.Chunks),
		zap.String("backend", result.Backend))
	return result, nil
}

// IngestCSV stores each row of a CSV file as a JSON object keyed by the
// header. Numeric cells become numbers and empty cells null.
func (s *Service) IngestCSV(ctx context.Context, datasetName string, r io.Reader) (int, error) {
	datasetName = strings.TrimSpace(datasetName)
	if datasetName == "" {
		return 0, resilience.NewBadRequestError("Dataset name is required", nil)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, resilience.NewBadRequestError("Failed to parse CSV: file is empty", err)
	}
	if err != nil {
		return 0, resilience.NewBadRequestError(fmt.Sprintf("Failed to parse CSV: %v", err), err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []json.RawMessage
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, resilience.NewBadRequestError(fmt.Sprintf("Failed to parse CSV: %v", err), err)
		}
		obj := make(map[string]interface{}, len(header))
		for i, col := range header {
			var cell string
			if i < len(rec) {
				cell = rec[i]
			}
			obj[col] = csvValue(cell)
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return 0, resilience.NewBadRequestError(fmt.Sprintf("Failed to encode CSV row %d", line), err)
		}
		rows = append(rows, raw)
	}

	n, err := s.store.AddDatasetRows(ctx, datasetName, rows)
	if err != nil {
		return 0, resilience.NewInternalError("Failed to store dataset rows", err)
	}
	s.logger.Info("Dataset uploaded", zap.String("dataset", datasetName), zap.Int("rows_added", n))
	return n, nil
}

func csvValue(cell string) interface{} {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	if i, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}
