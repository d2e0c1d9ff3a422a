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

// Package health rolls named dependency checks up into one service status
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// StatusHealthy represents healthy status
	StatusHealthy = "healthy"
	// StatusUnhealthy represents unhealthy status
	StatusUnhealthy = "unhealthy"
	// StatusDegraded represents degraded status
	StatusDegraded = "degraded"
	// DefaultTimeout is the default timeout for health checks
	DefaultTimeout = 5 * time.Second
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Status    string                 `json:"status"`
	State     string                 `json:"state,omitempty"`
	Latency   time.Duration          `json:"latency"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Response is the body of the health endpoint
type Response struct {
	Status        string                 `json:"status"`
	Service       string                 `json:"service"`
	Version       string                 `json:"version"`
	Environment   string                 `json:"environment"`
	UptimeSeconds float64                `json:"uptime"`
	Services      map[string]string      `json:"services"`
	Dependencies  map[string]CheckResult `json:"dependencies"`
	Metadata      map[string]interface{} `json:"metadata"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckerFunc is a function adapter for the Checker interface
type CheckerFunc func(ctx context.Context) CheckResult

// Check implements the Checker interface
func (f CheckerFunc) Check(ctx context.Context) CheckResult {
	return f(ctx)
}

// Manager runs the registered checks
type Manager struct {
	serviceName string
	version     string
	environment string
	startTime   time.Time
	timeout     time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewManager creates a new health check manager
func NewManager(serviceName, version, environment string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if environment == "" {
		environment = "unknown"
	}
	return &Manager{
		serviceName: serviceName,
		version:     version,
		environment: environment,
		startTime:   time.Now(),
		checkers:    make(map[string]Checker),
		timeout:     DefaultTimeout,
		logger:      logger,
	}
}

// SetTimeout sets the timeout for health checks
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

// AddChecker adds a health checker
func (m *Manager) AddChecker(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// AddCheckerFunc adds a health checker function
func (m *Manager) AddCheckerFunc(name string, checkFunc func(ctx context.Context) CheckResult) {
	m.AddChecker(name, CheckerFunc(checkFunc))
}

// Names lists the registered checks in order
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check concurrently and rolls the results up. Any
// unhealthy dependency makes the service unhealthy; any degraded one makes
// it degraded.
func (m *Manager) Check(ctx context.Context) Response {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[string]CheckResult, len(checkers))
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := m.run(ctx, name, checker)
			resMu.Lock()
			results[name] = result
			resMu.Unlock()
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	services := make(map[string]string, len(results))
	for name, result := range results {
		services[name] = result.Status
		if result.State != "" {
			services[name] = result.State
		}
		switch {
		case result.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case result.Status == StatusDegraded && overall != StatusUnhealthy:
			overall = StatusDegraded
		}
	}

	return Response{
		Status:        overall,
		Service:       m.serviceName,
		Version:       m.version,
		Environment:   m.environment,
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Services:      services,
		Dependencies:  results,
		Metadata:      systemMetadata(),
		Timestamp:     time.Now().UTC(),
	}
}

// run executes one check, turning a panic into an unhealthy result
func (m *Manager) run(ctx context.Context, name string, checker Checker) (result CheckResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health check panicked", zap.String("check", name), zap.Any("panic", r))
			result = CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("check panicked: %v", r)}
		}
		result.Latency = time.Since(start)
		result.Timestamp = time.Now().UTC()
	}()
	return checker.Check(ctx)
}

// Handler serves the roll-up. Unhealthy answers 503, degraded stays 200.
func (m *Manager) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := m.Check(c.Request.Context())
		status := http.StatusOK
		if result.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
			m.logger.Warn("Health check failed", zap.Any("services", result.Services))
		}
		c.JSON(status, result)
	}
}

func systemMetadata() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"go_version":   runtime.Version(),
		"goroutines":   runtime.NumGoroutine(),
		"memory_alloc": memStats.Alloc,
		"memory_sys":   memStats.Sys,
		"gc_runs":      memStats.NumGC,
		"hostname":     hostname(),
		"process_id":   os.Getpid(),
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// DatabaseHealthChecker reports "connected" when ping succeeds
func DatabaseHealthChecker(name string, ping func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status: StatusUnhealthy,
				State:  "disconnected",
				Error:  fmt.Sprintf("database ping failed: %v", err),
			}
		}
		return CheckResult{
			Status:   StatusHealthy,
			State:    "connected",
			Metadata: map[string]interface{}{"database": name},
		}
	})
}

// ExternalServiceHealthChecker checks an optional dependency. Timeouts and
// refused connections degrade the service, other errors make it unhealthy.
func ExternalServiceHealthChecker(name string, checkFunc func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if err := checkFunc(ctx); err != nil {
			status := StatusUnhealthy
			if isTemporaryError(err) {
				status = StatusDegraded
			}
			return CheckResult{
				Status: status,
				State:  "unavailable",
				Error:  fmt.Sprintf("external service check failed: %v", err),
			}
		}
		return CheckResult{
			Status:   StatusHealthy,
			State:    "operational",
			Metadata: map[string]interface{}{"service": name},
		}
	})
}

// OptionalComponentChecker reports a component that may be switched off.
// Disabled components degrade the service without failing it.
func OptionalComponentChecker(enabled bool, check func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if !enabled {
			return CheckResult{Status: StatusDegraded, State: "not_configured"}
		}
		if check == nil {
			return CheckResult{Status: StatusHealthy, State: "operational"}
		}
		if err := check(ctx); err != nil {
			return CheckResult{Status: StatusDegraded, State: "unavailable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, State: "operational"}
	})
}

func isTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	temporaryPatterns := []string{
		"timeout",
		"connection refused",
		"temporary failure",
		"network is unreachable",
		"context deadline exceeded",
		"circuit breaker is open",
	}

	for _, pattern := range temporaryPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
