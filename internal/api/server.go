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

// Package api wires the HTTP surface onto the domain services with gin.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/aiquery"
	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/compliance"
	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/documents"
	"github.com/tailingsiq/tailingsiq-backend/internal/health"
	"github.com/tailingsiq/tailingsiq-backend/internal/metrics"
	"github.com/tailingsiq/tailingsiq-backend/internal/monitoring"
	"github.com/tailingsiq/tailingsiq-backend/internal/ratelimit"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/synthetic"
	"github.com/tailingsiq/tailingsiq-backend/internal/users"
)

// Deps are the services the router exposes. Metrics, Health and Limiter
// may be nil.
type Deps struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Health     *health.Manager
	Limiter    *ratelimit.Limiter
	Users      *users.Service
	Documents  *documents.Service
	Monitoring *monitoring.Service
	Compliance *compliance.Service
	Synthetic  *synthetic.Service
	AIQuery    *aiquery.Service
}

// Server holds the handlers
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	errors     *resilience.ErrorHandler
	metrics    *metrics.Metrics
	health     *health.Manager
	limiter    *ratelimit.Limiter
	users      *users.Service
	documents  *documents.Service
	monitoring *monitoring.Service
	compliance *compliance.Service
	synthetic  *synthetic.Service
	aiquery    *aiquery.Service
	started    time.Time
}

// NewServer creates the handler set
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		errors:     resilience.NewErrorHandler(logger),
		metrics:    d.Metrics,
		health:     d.Health,
		limiter:    d.Limiter,
		users:      d.Users,
		documents:  d.Documents,
		monitoring: d.Monitoring,
		compliance: d.Compliance,
		synthetic:  d.Synthetic,
		aiquery:    d.AIQuery,
		started:    time.Now(),
	}
}

// NewRouter builds the gin engine with middleware and every route
func NewRouter(d Deps) *gin.Engine {
	return NewServer(d).Router()
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true

	router.Use(s.recovery())
	router.Use(requestIDMiddleware())
	router.Use(securityHeaders())
	router.Use(processTime())
	router.Use(corsMiddleware(s.cfg.Server.CORSOrigins))
	if s.metrics != nil {
		router.Use(metricsMiddleware(s.metrics))
	}
	router.Use(ratelimit.Middleware(s.limiter, requestID))
	router.Use(s.requestLogger())

	router.NoRoute(func(c *gin.Context) {
		s.fail(c, resilience.NewNotFoundError("Not found", nil), "routing request")
	})
	router.NoMethod(func(c *gin.Context) {
		s.fail(c, resilience.NewServiceError("Method not allowed", resilience.ErrorCodeBadRequest, http.StatusMethodNotAllowed, nil), "routing request")
	})

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	prefix := s.cfg.App.APIPrefix
	if prefix == "" {
		prefix = "/api/v1"
	}
	v1 := router.Group(prefix)

	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/request-password-reset", s.handleRequestPasswordReset)
		authGroup.POST("/reset-password", s.handleResetPassword)

		secured := authGroup.Group("", s.authenticate())
		secured.POST("/logout", s.handleLogout)
		secured.GET("/me", s.handleMe)
		secured.PUT("/profile", s.handleUpdateProfile)
		secured.POST("/change-password", s.handleChangePassword)
	}

	protected := v1.Group("", s.authenticate())

	admin := protected.Group("/admin/users", requirePermission(auth.PermUserManagement))
	{
		admin.GET("", s.handleListUsers)
		admin.POST("", s.handleCreateUser)
		admin.GET("/:id", s.handleGetUser)
		admin.PUT("/:id", s.handleUpdateUser)
		admin.DELETE("/:id", s.handleDeleteUser)
		admin.POST("/:id/reset-password", s.handleAdminResetPassword)
	}

	docs := protected.Group("/documents")
	{
		docs.POST("/upload", s.handleUploadDocument)
		docs.GET("", s.handleListDocuments)
		docs.GET("/search", s.handleSearchDocuments)
		docs.GET("/:id", s.handleGetDocument)
		docs.DELETE("/:id", s.handleArchiveDocument)
		docs.POST("/datasets/upload", requirePermission(auth.PermDataEntry), s.handleUploadDataset)
	}

	mon := protected.Group("/monitoring")
	{
		mon.GET("/stations", s.handleListStations)
		mon.POST("/stations", s.handleCreateStation)
		mon.GET("/stations/nearby", s.handleNearbyStations)
		mon.GET("/stations/:station_id", s.handleGetStation)
		mon.GET("/stations/:station_id/readings", s.handleStationReadings)
		mon.POST("/stations/:station_id/readings", s.handleRecordReading)
		mon.GET("/readings", s.handleListReadings)
		mon.GET("/alerts", s.handleListAlerts)
		mon.POST("/alerts/:id/acknowledge", s.handleAcknowledgeAlert)
		mon.POST("/alerts/:id/resolve", s.handleResolveAlert)
		mon.GET("/dashboard", s.handleMonitoringDashboard)
	}

	comp := protected.Group("/compliance")
	{
		comp.GET("/requirements", s.handleListRequirements)
		comp.POST("/requirements", s.handleCreateRequirement)
		comp.GET("/assessments", s.handleListAssessments)
		comp.POST("/assessments", s.handleCreateAssessment)
		comp.GET("/assessments/:id", s.handleGetAssessment)
		comp.GET("/actions", s.handleListActions)
		comp.POST("/actions", s.handleCreateAction)
		comp.PATCH("/actions/:id", s.handleUpdateAction)
		comp.GET("/dashboard", s.handleComplianceDashboard)
	}

	synth := protected.Group("/synthetic-data")
	{
		synth.POST("/datasets", s.handleCreateDataset)
		synth.GET("/datasets", s.handleListDatasets)
		synth.GET("/datasets/:id", s.handleGetDataset)
		synth.DELETE("/datasets/:id", s.handleDeleteDataset)
		synth.GET("/datasets/:id/export/:format", s.handleExportDataset)
		synth.GET("/datasets/:id/statistics", s.handleDatasetStatistics)
		synth.POST("/generate", s.handleGenerate)
		synth.GET("/preview/:type", s.handlePreview)
	}

	ai := protected.Group("/ai-query")
	{
		ai.POST("", requireRole(auth.CanUseAIQuery), s.handleAsk)
		ai.POST("/submit", s.handleSubmitQuery)
		ai.GET("/history", s.handleQueryHistory)
		ai.POST("/documents/:id/index", requireRole(auth.CanIndexDocuments), s.handleIndexDocument)
		ai.GET("/capabilities", s.handleCapabilities)
		ai.GET("/health", s.handleAIHealth)
	}

	return router
}

func (s *Server) handleRoot(c *gin.Context) {
	docs := "Documentation not available in production"
	if s.cfg.App.Debug {
		docs = "/docs"
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     s.cfg.App.Name + " API",
		"version":     s.cfg.App.Version,
		"description": "AI-Enhanced TSF Management Platform",
		"environment": s.cfg.App.Environment,
		"docs":        docs,
		"health":      "/health",
		"metrics":     "/metrics",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":    health.StatusHealthy,
			"version":   s.cfg.App.Version,
			"uptime":    time.Since(s.started).Seconds(),
			"timestamp": time.Now().UTC(),
		})
		return
	}
	s.health.Handler()(c)
}
