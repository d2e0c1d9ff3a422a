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

package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/documents"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
)

// multipartOverhead is allowed on top of the file size limit for form fields
const multipartOverhead = 1 << 20

func (s *Server) formFile(c *gin.Context) (*multipart.FileHeader, bool) {
	if limit := s.cfg.Documents.MaxFileSize; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.fail(c, resilience.NewPayloadTooLargeError("File too large. Maximum size is "+
				documents.FormatFileSize(s.cfg.Documents.MaxFileSize), err), "reading upload")
			return nil, false
		}
		s.fail(c, resilience.NewBadRequestError("No file provided", err), "reading upload")
		return nil, false
	}
	return fh, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleUploadDocument(c *gin.Context) {
	fh, ok := s.formFile(c)
	if !ok {
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, resilience.NewBadRequestError("Failed to read uploaded file", err), "reading upload")
		return
	}
	defer f.Close()

	confidential, _ := strconv.ParseBool(c.PostForm("is_confidential"))
	u := currentUser(c)
	res, err := s.documents.Upload(c.Request.Context(), documents.UploadInput{
		Filename:       fh.Filename,
		ContentType:    fh.Header.Get("Content-Type"),
		Size:           fh.Size,
		Body:           f,
		Title:          c.PostForm("title"),
		Description:    c.PostForm("description"),
		DocumentType:   model.DocumentType(c.PostForm("document_type")),
		FacilityID:     c.PostForm("facility_id"),
		Tags:           splitList(c.PostForm("tags")),
		IsConfidential: confidential,
	}, u)
	if err != nil {
		s.fail(c, err, "uploading document")
		return
	}

	body := gin.H{
		"success":     res.Success,
		"document_id": res.DocumentID,
		"filename":    res.Filename,
		"status":      res.Status,
	}
	if index, _ := strconv.ParseBool(c.PostForm("index")); index && s.aiquery != nil &&
		res.Status == model.DocStatusProcessed && auth.CanIndexDocuments(u.Role) {
		if queued, err := s.aiquery.QueueIndex(res.DocumentID); err == nil {
			body["indexing"] = queued.Status
		} else {
			body["indexing"] = "not_queued"
		}
	}
	c.JSON(http.StatusCreated, body)
}

func (s *Server) documentFilter(c *gin.Context) (model.DocumentFilter, bool) {
	skip, ok := s.queryInt(c, "skip", 0)
	if !ok {
		return model.DocumentFilter{}, false
	}
	limit, ok := s.queryInt(c, "limit", 100)
	if !ok {
		return model.DocumentFilter{}, false
	}
	archived, ok := s.queryBool(c, "include_archived", false)
	if !ok {
		return model.DocumentFilter{}, false
	}
	return model.DocumentFilter{
		DocumentType:   model.DocumentType(c.Query("document_type")),
		FacilityID:     c.Query("facility_id"),
		Status:         model.DocumentStatus(c.Query("status")),
		IncludeArchive: archived,
		Skip:           skip,
		Limit:          limit,
	}, true
}

func (s *Server) handleListDocuments(c *gin.Context) {
	filter, ok := s.documentFilter(c)
	if !ok {
		return
	}
	docs, err := s.documents.List(c.Request.Context(), filter, currentUser(c))
	if err != nil {
		s.fail(c, err, "listing documents")
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) handleSearchDocuments(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		s.fail(c, resilience.NewBadRequestError("Query parameter q is required", nil), "searching documents")
		return
	}
	filter, ok := s.documentFilter(c)
	if !ok {
		return
	}
	limit, ok := s.queryLimit(c, documents.DefaultSearchLimit, documents.MaxSearchLimit)
	if !ok {
		return
	}
	hits, err := s.documents.Search(c.Request.Context(), q, filter, limit, currentUser(c))
	if err != nil {
		s.fail(c, err, "searching documents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "results": hits, "total": len(hits)})
}

func (s *Server) handleGetDocument(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	doc, err := s.documents.Get(c.Request.Context(), id, currentUser(c))
	if err != nil {
		s.fail(c, err, "loading document")
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleArchiveDocument(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	if err := s.documents.Archive(c.Request.Context(), id, currentUser(c)); err != nil {
		s.fail(c, err, "archiving document")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Document archived", "document_id": id})
}

func (s *Server) handleUploadDataset(c *gin.Context) {
	fh, ok := s.formFile(c)
	if !ok {
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, resilience.NewBadRequestError("Failed to read uploaded file", err), "reading upload")
		return
	}
	defer f.Close()

	name := strings.TrimSpace(c.PostForm("dataset_name"))
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(fh.Filename), filepath.Ext(fh.Filename))
	}
	rows, err := s.documents.IngestCSV(c.Request.Context(), name, f)
	if err != nil {
		s.fail(c, err, "ingesting dataset")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":      "Dataset uploaded",
		"dataset_name": name,
		"rows":         rows,
	})
}
