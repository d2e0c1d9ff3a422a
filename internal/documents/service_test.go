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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/events"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/openai"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

// topicEmbedder maps text onto two axes: seepage and everything else.
type topicEmbedder struct {
	calls int
}

func (e *topicEmbedder) vector(text string) []float32 {
	if strings.Contains(strings.ToLower(text), "seepage") {
		return []float32{1, 0}
	}
	return []float32{0, 1}
}

func (e *topicEmbedder) EmbedTexts(_ context.Context, texts []string) (*openai.EmbeddingResponse, error) {
	e.calls++
	out := &openai.EmbeddingResponse{}
	for _, t := range texts {
		out.Embeddings = append(out.Embeddings, e.vector(t))
	}
	return out, nil
}

func (e *topicEmbedder) EmbedQuery(_ context.Context, q string) ([]float32, error) {
	return e.vector(q), nil
}

type fixture struct {
	svc      *Service
	store    *store.Store
	recorder *events.Recorder
	embedder *topicEmbedder
	dir      string
}

func newFixture(t *testing.T, semantic bool) *fixture {
	t.Helper()
	st, err := store.NewStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, recorder: events.NewRecorder(), dir: t.TempDir()}
	cfg := config.DocumentsConfig{
		UploadDir:           f.dir,
		MaxFileSize:         1024,
		AllowedContentTypes: []string{TypePlain, TypeMarkdown, TypeCSV, TypeHTML, TypePDF, TypeDOCX},
		ChunkSize:           120,
	}
	var index VectorIndex
	var embedder Embedder
	if semantic {
		f.embedder = &topicEmbedder{}
		embedder = f.embedder
		index = NewSQLiteIndex(st)
	}
	f.svc = NewService(st, embedder, index, f.recorder, cfg, zap.NewNop())
	return f
}

func (f *fixture) upload(t *testing.T, name, body string, in UploadInput, u *model.User) *UploadResult {
	t.Helper()
	in.Filename = name
	in.Size = int64(len(body))
	in.Body = strings.NewReader(body)
	res, err := f.svc.Upload(context.Background(), in, u)
	require.NoError(t, err)
	return res
}

func requireServiceError(t *testing.T, err error, status int) {
	t.Helper()
	var svcErr *resilience.ServiceError
	require.True(t, resilience.AsServiceError(err, &svcErr), "expected ServiceError, got %v", err)
	assert.Equal(t, status, svcErr.StatusCode)
}

var (
	engineer = &model.User{ID: 1, Role: model.RoleEngineerOfRecord}
	operator = &model.User{ID: 2, Role: model.RoleTSFOperator, FacilitiesAccess: []string{"TSF_001"}}
	viewer   = &model.User{ID: 3, Role: model.RoleViewer}
)

func TestUploadStoresAndExtracts(t *testing.T) {
	f := newFixture(t, false)
	res := f.upload(t, "inspection notes.txt", "Seepage observed at the left abutment.",
		UploadInput{ContentType: "text/plain", FacilityID: "tsf-1", DocumentType: model.DocInspectionReport}, engineer)

	assert.True(t, res.Success)
	assert.Equal(t, model.DocStatusProcessed, res.Status)
	assert.True(t, strings.HasSuffix(res.Filename, "_inspection notes.txt"))

	doc, err := f.svc.Get(context.Background(), res.DocumentID, engineer)
	require.NoError(t, err)
	assert.Equal(t, "inspection notes", doc.Title)
	assert.Equal(t, "TSF_001", doc.FacilityID)
	assert.Equal(t, "Seepage observed at the left abutment.", doc.ExtractedText)
	assert.Equal(t, int64(1), doc.UploadedBy)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(doc.ExtractedMetadata, &meta))
	assert.Equal(t, "text", meta["method"])
	assert.EqualValues(t, 6, meta["word_count"])

	saved, err := os.ReadFile(doc.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "Seepage observed at the left abutment.", string(saved))
}

func TestUploadUsesHTMLTitle(t *testing.T) {
	f := newFixture(t, false)
	res := f.upload(t, "page.html", "<title>Annual Dam Safety Review</title><p>ok</p>", UploadInput{}, engineer)

	doc, err := f.svc.Get(context.Background(), res.DocumentID, engineer)
	require.NoError(t, err)
	assert.Equal(t, "Annual Dam Safety Review", doc.Title)
	assert.Equal(t, TypeHTML, doc.ContentType)
	assert.Equal(t, model.DocOther, doc.DocumentType)
}

func TestUploadFailedExtractionKeepsDocument(t *testing.T) {
	f := newFixture(t, false)
	res := f.upload(t, "broken.pdf", "not really a pdf", UploadInput{}, engineer)
	assert.Equal(t, model.DocStatusFailed, res.Status)

	doc, err := f.svc.Get(context.Background(), res.DocumentID, engineer)
	require.NoError(t, err)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(doc.ExtractedMetadata, &meta))
	assert.NotEmpty(t, meta["error"])
}

func TestUploadRejections(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, UploadInput{Filename: "big.txt", Size: 2048, Body: strings.NewReader("x")}, engineer)
	requireServiceError(t, err, http.StatusRequestEntityTooLarge)

	// declared size lies, body is still capped
	_, err = f.svc.Upload(ctx, UploadInput{Filename: "big.txt", Size: 10, Body: bytes.NewReader(make([]byte, 2048))}, engineer)
	requireServiceError(t, err, http.StatusRequestEntityTooLarge)

	_, err = f.svc.Upload(ctx, UploadInput{Filename: "photo.png", ContentType: "image/png", Body: strings.NewReader("x")}, engineer)
	requireServiceError(t, err, http.StatusUnsupportedMediaType)

	_, err = f.svc.Upload(ctx, UploadInput{Filename: "a.txt", DocumentType: "memo", Body: strings.NewReader("x")}, engineer)
	requireServiceError(t, err, http.StatusBadRequest)

	_, err = f.svc.Upload(ctx, UploadInput{Filename: "", Body: strings.NewReader("x")}, engineer)
	requireServiceError(t, err, http.StatusBadRequest)

	_, err = f.svc.Upload(ctx, UploadInput{Filename: "a.txt", Body: strings.NewReader("x")}, nil)
	requireServiceError(t, err, http.StatusUnauthorized)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c_d_.txt", SanitizeFilename(`a/b\c:d?.txt`))
	assert.Equal(t, "caf_.md", SanitizeFilename("café.md"))

	long := strings.Repeat("x", 300) + ".pdf"
	got := SanitizeFilename(long)
	assert.Len(t, got, 250)
	assert.True(t, strings.HasSuffix(got, ".pdf"))
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatFileSize(0))
	assert.Equal(t, "512.0 B", FormatFileSize(512))
	assert.Equal(t, "1.5 KB", FormatFileSize(1536))
	assert.Equal(t, "10.0 MB", FormatFileSize(10<<20))
	assert.Equal(t, "2.0 TB", FormatFileSize(2<<40))
}

func TestVisibility(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	other := f.upload(t, "tsf2.txt", "Water level report", UploadInput{FacilityID: "TSF_002"}, engineer)
	secret := f.upload(t, "secret.txt", "Water level internal", UploadInput{IsConfidential: true}, engineer)
	f.upload(t, "tsf1.txt", "Water level daily", UploadInput{FacilityID: "TSF_001"}, engineer)

	_, err := f.svc.Get(ctx, other.DocumentID, operator)
	requireServiceError(t, err, http.StatusForbidden)
	_, err = f.svc.Get(ctx, secret.DocumentID, viewer)
	requireServiceError(t, err, http.StatusForbidden)
	_, err = f.svc.Get(ctx, 999, engineer)
	requireServiceError(t, err, http.StatusNotFound)

	docs, err := f.svc.List(ctx, model.DocumentFilter{}, operator)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "TSF_001", docs[0].FacilityID)

	hits, err := f.svc.Search(ctx, "water level", model.DocumentFilter{}, 10, viewer)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = f.svc.Search(ctx, "water level", model.DocumentFilter{}, 10, engineer)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = f.svc.Search(ctx, "   ", model.DocumentFilter{}, 10, engineer)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestArchive(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	res := f.upload(t, "plan.txt", "Emergency plan", UploadInput{}, operator)

	err := f.svc.Archive(ctx, res.DocumentID, viewer)
	requireServiceError(t, err, http.StatusForbidden)

	require.NoError(t, f.svc.Archive(ctx, res.DocumentID, operator))
	docs, err := f.svc.List(ctx, model.DocumentFilter{}, engineer)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = f.svc.List(ctx, model.DocumentFilter{IncludeArchive: true}, engineer)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, model.DocStatusArchived, docs[0].Status)
}

func TestIndexAndSemanticSearch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	text := "Seepage was measured at the toe drain after heavy rain. " +
		"The crest survey showed no settlement beyond tolerance. " +
		"Spillway capacity remains adequate for the design flood event."
	res := f.upload(t, "report.txt", text, UploadInput{}, engineer)

	out, err := f.svc.Index(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.True(t, out.Embedded)
	assert.Equal(t, "sqlite", out.Backend)
	assert.Greater(t, out.Chunks, 1)
	assert.Equal(t, 1, f.embedder.calls)
	assert.Equal(t, []string{events.TopicDocumentIndexed}, f.recorder.Topics())

	doc, err := f.svc.Get(ctx, res.DocumentID, engineer)
	require.NoError(t, err)
	assert.True(t, doc.IsIndexed)
	assert.Equal(t, out.Chunks, doc.ChunkCount)

	hits, err := f.svc.SemanticSearch(ctx, "where is the seepage", []int64{res.DocumentID}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "Seepage")
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestIndexWithoutEmbedder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	res := f.upload(t, "short.txt", "Freeboard 2.1 m.", UploadInput{}, engineer)

	out, err := f.svc.Index(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.False(t, out.Embedded)
	assert.Equal(t, 1, out.Chunks)

	hits, err := f.svc.SemanticSearch(ctx, "freeboard", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	empty := f.upload(t, "blank.png.txt", "   ", UploadInput{}, engineer)
	_, err = f.svc.Index(ctx, empty.DocumentID)
	requireServiceError(t, err, http.StatusBadRequest)

	_, err = f.svc.Index(ctx, 404)
	requireServiceError(t, err, http.StatusNotFound)
}

func TestIngestCSV(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	csvData := "station,value,note\nPZ-1,12.5,\nPZ-2,7,dry\n"

	n, err := f.svc.IngestCSV(ctx, "piezometers", strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := f.store.ListDatasetRows(ctx, "piezometers", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.JSONEq(t, `{"station":"PZ-1","value":12.5,"note":null}`, string(rows[0].Data))
	assert.JSONEq(t, `{"station":"PZ-2","value":7,"note":"dry"}`, string(rows[1].Data))

	_, err = f.svc.IngestCSV(ctx, "", strings.NewReader(csvData))
	requireServiceError(t, err, http.StatusBadRequest)

	_, err = f.svc.IngestCSV(ctx, "empty", strings.NewReader(""))
	requireServiceError(t, err, http.StatusBadRequest)

	_, err = f.svc.IngestCSV(ctx, "bad", strings.NewReader("a,b\n\"unterminated,1\n"))
	requireServiceError(t, err, http.StatusBadRequest)
}

func TestIngestCSVStripsByteOrderMark(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	n, err := f.svc.IngestCSV(ctx, "excel_export", strings.NewReader("\ufeffstation,value\nPZ-3,4.25\n"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := f.store.ListDatasetRows(ctx, "excel_export", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"station":"PZ-3","value":4.25}`, string(rows[0].Data))
}
