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

	"github.com/gin-gonic/gin"

	"github.com/tailingsiq/tailingsiq-backend/internal/compliance"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

func (s *Server) handleListRequirements(c *gin.Context) {
	active, ok := s.queryBool(c, "active_only", true)
	if !ok {
		return
	}
	reqs, err := s.compliance.ListRequirements(c.Request.Context(), c.Query("standard"), active, currentUser(c))
	if err != nil {
		s.fail(c, err, "listing requirements")
		return
	}
	c.JSON(http.StatusOK, reqs)
}

func (s *Server) handleCreateRequirement(c *gin.Context) {
	var in compliance.RequirementInput
	if !s.bindJSON(c, &in) {
		return
	}
	req, err := s.compliance.CreateRequirement(c.Request.Context(), in, currentUser(c))
	if err != nil {
		s.fail(c, err, "creating requirement")
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (s *Server) handleListAssessments(c *gin.Context) {
	start, ok := s.queryTime(c, "start_date")
	if !ok {
		return
	}
	end, ok := s.queryTime(c, "end_date")
	if !ok {
		return
	}
	limit, ok := s.queryInt(c, "limit", compliance.DefaultListLimit)
	if !ok {
		return
	}
	list, err := s.compliance.ListAssessments(c.Request.Context(), compliance.AssessmentQuery{
		FacilityID: c.Query("facility_id"),
		Standard:   model.ComplianceStandard(c.Query("standard")),
		Status:     model.ComplianceStatus(c.Query("status")),
		Start:      start,
		End:        end,
		Limit:      limit,
	}, currentUser(c))
	if err != nil {
		s.fail(c, err, "listing assessments")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreateAssessment(c *gin.Context) {
	var in compliance.AssessmentInput
	if !s.bindJSON(c, &in) {
		return
	}
	a, err := s.compliance.CreateAssessment(c.Request.Context(), in, currentUser(c))
	if err != nil {
		s.fail(c, err, "creating assessment")
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleGetAssessment(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	a, err := s.compliance.GetAssessment(c.Request.Context(), id, currentUser(c))
	if err != nil {
		s.fail(c, err, "loading assessment")
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleListActions(c *gin.Context) {
	overdue, ok := s.queryBool(c, "overdue_only", false)
	if !ok {
		return
	}
	assessment, ok := s.queryInt(c, "assessment_id", 0)
	if !ok {
		return
	}
	limit, ok := s.queryInt(c, "limit", compliance.DefaultListLimit)
	if !ok {
		return
	}
	list, err := s.compliance.ListActions(c.Request.Context(), compliance.ActionQuery{
		FacilityID:   c.Query("facility_id"),
		AssessmentID: int64(assessment),
		Status:       c.Query("status"),
		OverdueOnly:  overdue,
		Limit:        limit,
	}, currentUser(c))
	if err != nil {
		s.fail(c, err, "listing actions")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreateAction(c *gin.Context) {
	var in compliance.ActionInput
	if !s.bindJSON(c, &in) {
		return
	}
	a, err := s.compliance.CreateAction(c.Request.Context(), in, currentUser(c))
	if err != nil {
		s.fail(c, err, "creating action")
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleUpdateAction(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var upd compliance.ActionUpdate
	if !s.bindJSON(c, &upd) {
		return
	}
	a, err := s.compliance.UpdateAction(c.Request.Context(), id, upd, currentUser(c))
	if err != nil {
		s.fail(c, err, "updating action")
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleComplianceDashboard(c *gin.Context) {
	dash, err := s.compliance.Dashboard(c.Request.Context(), c.Query("facility_id"), currentUser(c))
	if err != nil {
		s.fail(c, err, "building compliance dashboard")
		return
	}
	c.JSON(http.StatusOK, dash)
}
