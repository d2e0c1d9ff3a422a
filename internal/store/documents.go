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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

const documentColumns = `id, title, description, filename, original_filename, file_path, file_size,
	content_type, document_type, status, facility_id, tags, is_confidential, extracted_text,
	extracted_metadata, is_indexed, chunk_count, uploaded_by, created_at, updated_at`

// snippetRadius is the number of characters kept either side of a keyword match
const snippetRadius = 120

func scanDocument(row scanner) (*model.Document, error) {
	var (
		d                                    model.Document
		docType, status, tags, meta, created string
		updated                              sql.NullString
	)
	err := row.Scan(&d.ID, &d.Title, &d.Description, &d.Filename, &d.OriginalFilename, &d.FilePath,
		&d.FileSize, &d.ContentType, &docType, &status, &d.FacilityID, &tags, &d.IsConfidential,
		&d.ExtractedText, &meta, &d.IsIndexed, &d.ChunkCount, &d.UploadedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.DocumentType = model.DocumentType(docType)
	d.Status = model.DocumentStatus(status)
	d.Tags = decodeStrings(tags)
	d.ExtractedMetadata = textRaw(meta)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseNullTime(updated)
	return &d, nil
}

// CreateDocument inserts d and sets its ID
func (s *Store) CreateDocument(ctx context.Context, d *model.Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (title, description, filename, original_filename, file_path, file_size,
			content_type, document_type, status, facility_id, tags, is_confidential, extracted_text,
			extracted_metadata, is_indexed, chunk_count, uploaded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Title, d.Description, d.Filename, d.OriginalFilename, d.FilePath, d.FileSize,
		d.ContentType, string(d.DocumentType), string(d.Status), d.FacilityID, encodeJSON(d.Tags),
		d.IsConfidential, d.ExtractedText, rawText(d.ExtractedMetadata), d.IsIndexed, d.ChunkCount,
		d.UploadedBy, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// GetDocument returns the document with the given id
func (s *Store) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return d, nil
}

// UpdateDocument writes the mutable columns of d
func (s *Store) UpdateDocument(ctx context.Context, d *model.Document) error {
	now := time.Now().UTC()
	d.UpdatedAt = &now
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title = ?, description = ?, document_type = ?, status = ?, facility_id = ?,
			tags = ?, is_confidential = ?, extracted_text = ?, extracted_metadata = ?, is_indexed = ?,
			chunk_count = ?, updated_at = ?
		WHERE id = ?`,
		d.Title, d.Description, string(d.DocumentType), string(d.Status), d.FacilityID,
		encodeJSON(d.Tags), d.IsConfidential, d.ExtractedText, rawText(d.ExtractedMetadata), d.IsIndexed,
		d.ChunkCount, formatTime(now), d.ID)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func documentConditions(filter model.DocumentFilter) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.DocumentType != "" {
		conditions = append(conditions, "document_type = ?")
		args = append(args, string(filter.DocumentType))
	}
	if filter.FacilityID != "" {
		conditions = append(conditions, "facility_id = ?")
		args = append(args, filter.FacilityID)
	}
	switch {
	case filter.Status != "":
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	case !filter.IncludeArchive:
		conditions = append(conditions, "status != ?")
		args = append(args, string(model.DocStatusArchived))
	}
	return conditions, args
}

// ListDocuments returns documents matching filter, newest first
func (s *Store) ListDocuments(ctx context.Context, filter model.DocumentFilter) ([]model.Document, error) {
	conditions, args := documentConditions(filter)
	query, args := page("SELECT "+documentColumns+" FROM documents"+where(conditions)+
		" ORDER BY created_at DESC, id DESC", args, filter.Skip, filter.Limit)
	return s.queryDocuments(ctx, query, args)
}

func (s *Store) queryDocuments(ctx context.Context, query string, args []interface{}) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := []model.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document rows: %w", err)
	}
	return docs, nil
}

// SetDocumentStatus updates only the status column
func (s *Store) SetDocumentStatus(ctx context.Context, id int64, status model.DocumentStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE documents SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchDocuments scores documents by the fraction of terms found in the
// title, description or extracted text. Title matches break ties.
func (s *Store) SearchDocuments(ctx context.Context, terms []string, filter model.DocumentFilter, limit int) ([]model.DocumentHit, error) {
	terms = normalizeTerms(terms)
	if len(terms) == 0 {
		return []model.DocumentHit{}, nil
	}

	conditions, args := documentConditions(filter)
	var termConditions []string
	for _, term := range terms {
		termConditions = append(termConditions, "(LOWER(title) LIKE ? OR LOWER(description) LIKE ? OR LOWER(extracted_text) LIKE ?)")
		like := "%" + term + "%"
		args = append(args, like, like, like)
	}
	conditions = append(conditions, "("+strings.Join(termConditions, " OR ")+")")

	docs, err := s.queryDocuments(ctx, "SELECT "+documentColumns+" FROM documents"+where(conditions), args)
	if err != nil {
		return nil, err
	}

	type scored struct {
		hit        model.DocumentHit
		titleMatch int
	}
	results := make([]scored, 0, len(docs))
	for _, d := range docs {
		title := strings.ToLower(d.Title)
		body := strings.ToLower(d.Description + "\n" + d.ExtractedText)
		matched, titleMatches := 0, 0
		for _, term := range terms {
			inTitle := strings.Contains(title, term)
			if inTitle {
				titleMatches++
			}
			if inTitle || strings.Contains(body, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		results = append(results, scored{
			hit: model.DocumentHit{
				Document: d,
				Score:    float64(matched) / float64(len(terms)),
				Snippet:  snippet(d.ExtractedText, terms),
			},
			titleMatch: titleMatches,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].hit.Score != results[j].hit.Score {
			return results[i].hit.Score > results[j].hit.Score
		}
		if results[i].titleMatch != results[j].titleMatch {
			return results[i].titleMatch > results[j].titleMatch
		}
		return results[i].hit.Document.ID > results[j].hit.Document.ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	hits := make([]model.DocumentHit, len(results))
	for i, r := range results {
		hits[i] = r.hit
	}
	return hits, nil
}

func normalizeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// snippet returns text around the first matching term
func snippet(text string, terms []string) string {
	lower := strings.ToLower(text)
	first := -1
	for _, term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	if first < 0 {
		first = 0
	}
	start := first - snippetRadius
	if start < 0 {
		start = 0
	}
	end := first + snippetRadius
	if end > len(text) {
		end = len(text)
	}
	// keep slice boundaries on rune starts
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}
	return strings.TrimSpace(text[start:end])
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// ReplaceChunks swaps the stored chunks of a document and marks it indexed
func (s *Store) ReplaceChunks(ctx context.Context, documentID int64, chunks []model.DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM document_chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO document_chunks (document_id, chunk_index, content, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var blob []byte
		if len(c.Embedding) > 0 {
			blob = encodeEmbedding(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, documentID, c.ChunkIndex, c.Content, blob); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	res, err := tx.ExecContext(ctx, "UPDATE documents SET is_indexed = 1, chunk_count = ?, updated_at = ? WHERE id = ?",
		len(chunks), formatTime(time.Now()), documentID)
	if err != nil {
		return fmt.Errorf("failed to mark document indexed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// ListChunks returns a document's chunks in order
func (s *Store) ListChunks(ctx context.Context, documentID int64) ([]model.DocumentChunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, chunk_index, content, embedding
		FROM document_chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	chunks := []model.DocumentChunk{}
	for rows.Next() {
		var c model.DocumentChunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Embedding = decodeEmbedding(blob)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SearchChunks ranks stored chunk embeddings by cosine similarity to query.
// A non-empty documentIDs restricts the search to those documents.
func (s *Store) SearchChunks(ctx context.Context, query []float32, documentIDs []int64, topK int) ([]model.ChunkHit, error) {
	if len(query) == 0 {
		return []model.ChunkHit{}, nil
	}

	sqlQuery := "SELECT document_id, chunk_index, content, embedding FROM document_chunks WHERE embedding IS NOT NULL"
	var args []interface{}
	if len(documentIDs) > 0 {
		var in string
		in, args = inClause(documentIDs, args)
		sqlQuery += " AND document_id IN " + in
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk embeddings: %w", err)
	}
	defer rows.Close()

	hits := []model.ChunkHit{}
	for rows.Next() {
		var h model.ChunkHit
		var blob []byte
		if err := rows.Scan(&h.DocumentID, &h.ChunkIndex, &h.Content, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		vec := decodeEmbedding(blob)
		if len(vec) != len(query) {
			continue
		}
		h.Score = CosineSimilarity(query, vec)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// AddDatasetRows stores CSV rows under datasetName in one transaction
func (s *Store) AddDatasetRows(ctx context.Context, datasetName string, rows []json.RawMessage) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO dataset_rows (dataset_name, data, created_at) VALUES (?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare dataset insert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, datasetName, string(r), now); err != nil {
			return 0, fmt.Errorf("failed to insert dataset row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ListDatasetRows returns rows of a dataset in insertion order
func (s *Store) ListDatasetRows(ctx context.Context, datasetName string, limit int) ([]model.DatasetRow, error) {
	query, args := page("SELECT id, dataset_name, data, created_at FROM dataset_rows WHERE dataset_name = ? ORDER BY id",
		[]interface{}{datasetName}, 0, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dataset rows: %w", err)
	}
	defer rows.Close()

	out := []model.DatasetRow{}
	for rows.Next() {
		var r model.DatasetRow
		var data, created string
		if err := rows.Scan(&r.ID, &r.DatasetName, &data, &created); err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}
		r.Data = json.RawMessage(data)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
