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

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/monitoring"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
)

// ResolveRequest is the optional body of POST /monitoring/alerts/:id/resolve
type ResolveRequest struct {
	Notes string `json:"resolution_notes"`
}

func (s *Server) handleListStations(c *gin.Context) {
	active, ok := s.queryBool(c, "active_only", true)
	if !ok {
		return
	}
	stations, err := s.monitoring.ListStations(c.Request.Context(), monitoring.StationQuery{
		FacilityID:     c.Query("facility_id"),
		MonitoringType: model.MonitoringType(c.Query("monitoring_type")),
		ActiveOnly:     active,
	}, currentUser(c))
	if err != nil {
		s.fail(c, err, "listing stations")
		return
	}
	c.JSON(http.StatusOK, stations)
}

func (s *Server) handleCreateStation(c *gin.Context) {
	var in monitoring.StationInput
	if !s.bindJSON(c, &in) {
		return
	}
	st, err := s.monitoring.CreateStation(c.Request.Context(), in, currentUser(c))
	if err != nil {
		s.fail(c, err, "creating station")
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (s *Server) handleGetStation(c *gin.Context) {
	st, err := s.monitoring.GetStation(c.Request.Context(), c.Param("station_id"), currentUser(c))
	if err != nil {
		s.fail(c, err, "loading station")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleNearbyStations(c *gin.Context) {
	lat, ok := s.queryFloat(c, "lat")
	if !ok {
		return
	}
	lon, ok := s.queryFloat(c, "lon")
	if !ok {
		return
	}
	radius := 10.0
	if c.Query("radius_km") != "" {
		if radius, ok = s.queryFloat(c, "radius_km"); !ok {
			return
		}
	}
	near, err := s.monitoring.NearbyStations(c.Request.Context(), lat, lon, radius, currentUser(c))
	if err != nil {
		s.fail(c, err, "finding nearby stations")
		return
	}
	c.JSON(http.StatusOK, near)
}

func (s *Server) readingQuery(c *gin.Context) (monitoring.ReadingQuery, bool) {
	start, ok := s.queryTime(c, "start_date")
	if !ok {
		return monitoring.ReadingQuery{}, false
	}
	end, ok := s.queryTime(c, "end_date")
	if !ok {
		return monitoring.ReadingQuery{}, false
	}
	limit, ok := s.queryInt(c, "limit", monitoring.DefaultReadingLimit)
	if !ok {
		return monitoring.ReadingQuery{}, false
	}
	return monitoring.ReadingQuery{
		StationID: c.Query("station_id"),
		Start:     start,
		End:       end,
		MinLevel:  model.AlertLevel(c.Query("min_alert_level")),
		Limit:     limit,
	}, true
}

func (s *Server) handleStationReadings(c *gin.Context) {
	q, ok := s.readingQuery(c)
	if !ok {
		return
	}
	readings, err := s.monitoring.StationReadings(c.Request.Context(), c.Param("station_id"), q, currentUser(c))
	if err != nil {
		s.fail(c, err, "listing readings")
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) handleRecordReading(c *gin.Context) {
	var in monitoring.ReadingInput
	if !s.bindJSON(c, &in) {
		return
	}
	res, err := s.monitoring.RecordReading(c.Request.Context(), c.Param("station_id"), in, currentUser(c))
	if err != nil {
		s.fail(c, err, "recording reading")
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleListReadings(c *gin.Context) {
	q, ok := s.readingQuery(c)
	if !ok {
		return
	}
	readings, err := s.monitoring.ListReadings(c.Request.Context(), c.Query("facility_id"), q, currentUser(c))
	if err != nil {
		s.fail(c, err, "listing readings")
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	active, ok := s.queryBool(c, "active_only", true)
	if !ok {
		return
	}
	limit, ok := s.queryInt(c, "limit", 100)
	if !ok {
		return
	}
	alerts, err := s.monitoring.ListAlerts(c.Request.Context(), monitoring.AlertQuery{
		FacilityID: c.Query("facility_id"),
		StationID:  c.Query("station_id"),
		MinLevel:   model.AlertLevel(c.Query("min_alert_level")),
		ActiveOnly: active,
		Limit:      limit,
	}, currentUser(c))
	if err != nil {
		s.fail(c, err, "listing alerts")
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	alert, err := s.monitoring.AcknowledgeAlert(c.Request.Context(), id, currentUser(c))
	if err != nil {
		s.fail(c, err, "acknowledging alert")
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var req ResolveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, resilience.NewBadRequestError("Invalid request format", err), "decoding request")
			return
		}
	}
	alert, err := s.monitoring.ResolveAlert(c.Request.Context(), id, req.Notes, currentUser(c))
	if err != nil {
		s.fail(c, err, "resolving alert")
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleMonitoringDashboard(c *gin.Context) {
	dash, err := s.monitoring.Dashboard(c.Request.Context(), c.Query("facility_id"), currentUser(c))
	if err != nil {
		s.fail(c, err, "building monitoring dashboard")
		return
	}
	c.JSON(http.StatusOK, dash)
}
