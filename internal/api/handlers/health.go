// Package handlers provides HTTP request handlers for the status API.
package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const readyTimeout = 5 * time.Second

// HealthStatus is the liveness payload.
type HealthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// ComponentStatus is the outcome of one dependency probe.
type ComponentStatus struct {
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ReadyStatus is the readiness payload.
type ReadyStatus struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// HealthChecker is anything the readiness probe can ping.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Health(ctx context.Context) error { return f(ctx) }

// HealthCheck reports that the process is up.
func HealthCheck(version string) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		RespondJSON(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   "legal-rag-eval",
			Version:   version,
			Uptime:    now.Sub(started).Round(time.Second).String(),
			Timestamp: now.UTC().Format(time.RFC3339),
		})
	}
}

// ReadyCheck probes every dependency in parallel under a shared deadline.
// A nil checker counts as healthy.
func ReadyCheck(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		var (
			mu         sync.Mutex
			wg         sync.WaitGroup
			components = make(map[string]ComponentStatus, len(checks))
		)
		for name, check := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cs := probe(ctx, check)
				mu.Lock()
				components[name] = cs
				mu.Unlock()
			}()
		}
		wg.Wait()

		code, status := http.StatusOK, "ready"
		for _, cs := range components {
			if !cs.Healthy {
				code, status = http.StatusServiceUnavailable, "not ready"
				break
			}
		}

		RespondJSON(w, code, ReadyStatus{
			Status:     status,
			Components: components,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func probe(ctx context.Context, check HealthChecker) ComponentStatus {
	if check == nil {
		return ComponentStatus{Healthy: true}
	}
	start := time.Now()
	err := check.Health(ctx)
	cs := ComponentStatus{Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		cs.Error = err.Error()
	}
	return cs
}
