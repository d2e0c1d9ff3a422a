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

// Package ratelimit limits requests per client with an in-memory token
// bucket per key.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
)

const (
	staleAfter    = 10 * time.Minute
	sweepInterval = time.Minute
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// Limiter holds one token bucket per key. Buckets refill at requests per
// window and hold at most requests tokens. It is safe for concurrent use.
type Limiter struct {
	rate  float64          // tokens per second
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a limiter allowing requests per window for each key, and
// starts the idle bucket sweeper. Call Close to stop it.
func New(requests int, window time.Duration) *Limiter {
	if requests <= 0 {
		requests = 100
	}
	if window <= 0 {
		window = time.Hour
	}
	l := &Limiter{
		rate:    float64(requests) / window.Seconds(),
		burst:   float64(requests),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow consumes a token for key. When none is left it returns false and
// how long until one is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, lastAccess: now}
		return true, 0
	}

	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*l.rate)
	b.lastAccess = now
	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// Remaining reports the whole tokens left for key
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return int(l.burst)
	}
	return int(b.tokens)
}

// Limit is the bucket capacity
func (l *Limiter) Limit() int { return int(l.burst) }

// Close stops the sweeper. Safe to call more than once.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

// evictIdle drops buckets untouched for staleAfter that have refilled to
// capacity, and returns how many. A dropped bucket comes back full, so
// partially drained ones stay until their refill catches up.
func (l *Limiter) evictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-staleAfter)
	n := 0
	for key, b := range l.buckets {
		if !b.lastAccess.Before(cutoff) {
			continue
		}
		if b.tokens+now.Sub(b.lastAccess).Seconds()*l.rate < l.burst {
			continue
		}
		delete(l.buckets, key)
		n++
	}
	return n
}

// RequestIDFunc extracts the request id for error bodies
type RequestIDFunc func(c *gin.Context) string

// Middleware rejects clients over their limit with 429. Keys are client
// IPs as gin resolves them. A nil limiter lets everything through.
func Middleware(l *Limiter, requestID RequestIDFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		key := c.ClientIP()
		ok, wait := l.Allow(key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(l.Remaining(key)))
		if !ok {
			c.Header("Retry-After", strconv.Itoa(max(1, int(wait.Round(time.Second).Seconds()))))
			var id string
			if requestID != nil {
				id = requestID(c)
			}
			err := resilience.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, err.ToErrorResponse(id))
			return
		}
		c.Next()
	}
}
