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
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
)

// bindJSON decodes the request body into dst, reporting a 400 on failure
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		msg := "Invalid request format"
		if errors.Is(err, io.EOF) {
			msg = "Request body is required"
		}
		s.fail(c, resilience.NewBadRequestError(msg, err).WithContext("details", err.Error()), "decoding request")
		return false
	}
	return true
}

func (s *Server) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		s.fail(c, resilience.NewBadRequestError("Invalid "+name, err), "parsing path")
		return 0, false
	}
	return id, true
}

func (s *Server) queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.fail(c, resilience.NewBadRequestError("Invalid "+name+" parameter", err), "parsing query")
		return 0, false
	}
	return n, true
}

// queryLimit reads a page size that must fall within 1..max
func (s *Server) queryLimit(c *gin.Context, def, max int) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		msg := "Invalid limit parameter, expected 1 to " + strconv.Itoa(max)
		s.fail(c, resilience.NewBadRequestError(msg, err), "parsing query")
		return 0, false
	}
	return n, true
}

func (s *Server) queryFloat(c *gin.Context, name string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(c.Query(name)), 64)
	if err != nil {
		s.fail(c, resilience.NewBadRequestError("Invalid "+name+" parameter", err), "parsing query")
		return 0, false
	}
	return v, true
}

func (s *Server) queryBool(c *gin.Context, name string, def bool) (bool, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		s.fail(c, resilience.NewBadRequestError("Invalid "+name+" parameter", err), "parsing query")
		return false, false
	}
	return b, true
}

// queryTime accepts RFC3339 timestamps and plain dates
func (s *Server) queryTime(c *gin.Context, name string) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, true
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	s.fail(c, resilience.NewBadRequestError("Invalid "+name+" parameter, expected RFC3339 or YYYY-MM-DD", nil), "parsing query")
	return time.Time{}, false
}
