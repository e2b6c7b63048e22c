// Package healthz serves liveness/readiness probes for a running pool.
// Readiness is derived from the pool's own metrics rather than a
// separate out-of-band SELECT 1 sweep: a pool is reported healthy
// (and ready) when no block has Failed connections in its current
// counts. The number of established connections is not checked.
package healthz

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/lattice-db/connpool/internal/pool"
)

// Status is the coarse health verdict reported to callers.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Report is the JSON body served on /health and /health/ready.
type Report struct {
	Status     Status           `json:"status"`
	Timestamp  string           `json:"timestamp"`
	InstanceID string           `json:"instance_id"`
	Blocks     map[string]int64 `json:"failed_connections_by_block,omitempty"`
}

// MetricsSource is the subset of Pool's API the checker needs; satisfied
// by *pool.Pool[T] for any connection type T.
type MetricsSource interface {
	Metrics() pool.PoolMetrics
}

// Checker reports the health of a running pool.
type Checker struct {
	instanceID string
	source     MetricsSource
	port       int
}

// NewChecker builds a Checker bound to source, reporting under
// instanceID on the given port.
func NewChecker(instanceID string, source MetricsSource, port int) *Checker {
	return &Checker{instanceID: instanceID, source: source, port: port}
}

// Check inspects the pool's current metrics snapshot and produces a
// Report. The pool is unhealthy if any block currently has Failed
// connections outstanding.
func (c *Checker) Check() *Report {
	m := c.source.Metrics()
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
		Blocks:     make(map[string]int64),
	}
	for name, snap := range m.Blocks {
		failed := snap.Current[pool.Failed]
		if failed > 0 {
			report.Status = StatusUnhealthy
			report.Blocks[string(name)] = failed
		}
	}
	return report
}

// ServeHTTP starts the health HTTP server in the background and returns
// it so the caller can Shutdown it gracefully.
func (c *Checker) ServeHTTP(_ context.Context) *http.Server {
	mux := http.NewServeMux()

	write := func(w http.ResponseWriter, report *Report) {
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		write(w, c.Check())
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		write(w, c.Check())
	})
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		log.Printf("[healthz] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[healthz] HTTP server error: %v", err)
		}
	}()
	return server
}
