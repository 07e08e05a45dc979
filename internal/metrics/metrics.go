// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes opm's Prometheus collectors: download/decompress
// throughput, pipeline stage duration, resolver SAT decisions, GC sweeps.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	acquireRequests   *prometheus.CounterVec
	acquireDuration   *prometheus.HistogramVec
	acquireRetries    *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	resolverDecisions *prometheus.CounterVec
	gcSweeps          *prometheus.CounterVec
	gcBytesFreed      prometheus.Counter
	casObjects        prometheus.Gauge
)

const (
	StageAcquire    = "acquire"
	StageDecompress = "decompress"
	StageValidate   = "validate"
	StageStage      = "stage"
	StageCommit     = "commit"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used by
// tests to ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveAcquireRequest records a completed archive download attempt.
// code should be the HTTP status code; use negative values for transport errors.
func ObserveAcquireRequest(pkg string, code int, duration time.Duration) {
	label := sanitizeLabel(pkg, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if acquireRequests != nil {
		acquireRequests.WithLabelValues(label, status).Inc()
	}
	if acquireDuration != nil {
		acquireDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// IncAcquireRetry increments the retry counter for a package download.
func IncAcquireRetry(pkg string) {
	label := sanitizeLabel(pkg, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if acquireRetries != nil {
		acquireRetries.WithLabelValues(label).Inc()
	}
}

// ObserveStage records the duration of one pipeline stage for one package.
func ObserveStage(stage string, duration time.Duration) {
	label := sanitizeLabel(stage, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if stageDuration != nil {
		stageDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// IncResolverDecision counts a SAT decision outcome ("sat", "unsat", "restart").
func IncResolverDecision(outcome string) {
	label := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if resolverDecisions != nil {
		resolverDecisions.WithLabelValues(label).Inc()
	}
}

// ObserveGCSweep records the outcome of one garbage collection run.
func ObserveGCSweep(outcome string, bytesFreed int64) {
	label := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if gcSweeps != nil {
		gcSweeps.WithLabelValues(label).Inc()
	}
	if gcBytesFreed != nil && bytesFreed > 0 {
		gcBytesFreed.Add(float64(bytesFreed))
	}
}

// SetCASObjectCount publishes the current number of live CAS objects.
func SetCASObjectCount(n int64) {
	mu.RLock()
	defer mu.RUnlock()
	if casObjects != nil {
		casObjects.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opm",
		Subsystem: "pipeline",
		Name:      "acquire_requests_total",
		Help:      "Total archive acquisition HTTP requests grouped by package and status code.",
	}, []string{"package", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opm",
		Subsystem: "pipeline",
		Name:      "acquire_request_duration_seconds",
		Help:      "Duration of archive acquisition requests by package.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"package"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opm",
		Subsystem: "pipeline",
		Name:      "acquire_retries_total",
		Help:      "Total number of acquire-stage retries by package.",
	}, []string{"package"})

	stageHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opm",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of install pipeline stages (acquire, decompress, validate, stage, commit).",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"stage"})

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opm",
		Subsystem: "resolver",
		Name:      "sat_decisions_total",
		Help:      "Total resolver SAT outcomes by kind (sat, unsat, restart).",
	}, []string{"outcome"})

	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opm",
		Subsystem: "gc",
		Name:      "sweeps_total",
		Help:      "Total garbage collection sweeps by outcome.",
	}, []string{"outcome"})

	bytesFreed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "opm",
		Subsystem: "gc",
		Name:      "bytes_freed_total",
		Help:      "Cumulative bytes reclaimed by garbage collection.",
	})

	objects := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "opm",
		Subsystem: "cas",
		Name:      "objects",
		Help:      "Current number of live content store objects.",
	})

	registry.MustRegister(reqTotal, reqDuration, retries, stageHist, decisions, sweeps, bytesFreed, objects)

	reg = registry
	acquireRequests = reqTotal
	acquireDuration = reqDuration
	acquireRetries = retries
	stageDuration = stageHist
	resolverDecisions = decisions
	gcSweeps = sweeps
	gcBytesFreed = bytesFreed
	casObjects = objects
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
