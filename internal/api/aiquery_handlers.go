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
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tailingsiq/tailingsiq-backend/internal/aiquery"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
)

// AskRequest is the body of the simple POST /ai-query endpoint
type AskRequest struct {
	Query string `json:"query" binding:"required"`
}

func (s *Server) handleAsk(c *gin.Context) {
	var req AskRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.fail(c, resilience.NewBadRequestError("Query cannot be empty", nil), "asking question")
		return
	}
	ans, err := s.aiquery.Ask(c.Request.Context(), req.Query)
	if err != nil {
		s.fail(c, err, "answering the question")
		return
	}
	c.JSON(http.StatusOK, ans)
}

func (s *Server) handleSubmitQuery(c *gin.Context) {
	var req aiquery.Request
	if !s.bindJSON(c, &req) {
		return
	}
	res, err := s.aiquery.ProcessQuery(c.Request.Context(), req, currentUser(c))
	if err != nil {
		s.fail(c, err, "processing query")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleQueryHistory(c *gin.Context) {
	skip, ok := s.queryInt(c, "skip", 0)
	if !ok {
		return
	}
	limit, ok := s.queryLimit(c, aiquery.DefaultHistoryLimit, aiquery.MaxHistoryLimit)
	if !ok {
		return
	}
	page, err := s.aiquery.History(c.Request.Context(), currentUser(c), skip, limit)
	if err != nil {
		s.fail(c, err, "loading query history")
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleIndexDocument(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.documents.Get(c.Request.Context(), id, currentUser(c)); err != nil {
		s.fail(c, err, "indexing document")
		return
	}
	queued, err := s.aiquery.QueueIndex(id)
	if err != nil {
		s.fail(c, err, "indexing document")
		return
	}
	c.JSON(http.StatusAccepted, queued)
}

func (s *Server) handleCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, s.aiquery.Capabilities())
}

func (s *Server) handleAIHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.aiquery.Health(c.Request.Context()))
}
