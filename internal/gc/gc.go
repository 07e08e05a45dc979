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

// Package gc implements the garbage collector (C7): retire old states
// beyond a retention window, then sweep zero-refcount CAS objects past a
// grace period and unlink them from disk.
package gc

import (
	"context"
	"log/slog"
	"time"

	"opm/internal/casstore"
	"opm/internal/ctxkeys"
	"opm/internal/events"
	"opm/internal/metrics"
	"opm/internal/statedb"
)

// Config controls retention and grace windows. Zero values still protect
// the active state: RetentionCount=0 and RetentionDays=0 never collect it.
type Config struct {
	RetentionDays  int
	RetentionCount int
	GracePeriod    time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 24 * time.Hour
	}
	return c
}

// Maintenance runs GC sweeps against one statedb/casstore pair.
type Maintenance struct {
	db     *statedb.DB
	cas    *casstore.Store
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
}

// New constructs a Maintenance runner. bus and logger may be nil.
func New(db *statedb.DB, cas *casstore.Store, bus *events.Bus, cfg Config, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{db: db, cas: cas, bus: bus, cfg: cfg.withDefaults(), logger: logger}
}

// Report summarizes one GC run.
type Report struct {
	StatesDeleted     int
	CASObjectsDeleted int
	BytesFreed        int64
	Errors            []error
	Duration          time.Duration
}

// Run performs one GC cycle: retire states outside the retention window,
// then sweep zero-refcount CAS objects past the grace period. A missing
// on-disk object during the sweep is treated as already-gone, per
// spec.md's idempotence requirement.
func (m *Maintenance) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	ctx, corr := ctxkeys.EnsureCorrelationID(ctx)
	m.emit(corr, events.StageStart, "gc started", nil)

	var report Report

	retired, err := m.db.RetiredStates(ctx, m.cfg.RetentionDays, m.cfg.RetentionCount)
	if err != nil {
		m.emit(corr, events.StageFail, err.Error(), nil)
		return Report{}, err
	}
	for _, state := range retired {
		if _, err := m.db.DeleteState(ctx, state); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.StatesDeleted++
	}

	zeroRef, err := m.db.ZeroRefCASObjects(ctx, m.cfg.GracePeriod)
	if err != nil {
		m.emit(corr, events.StageFail, err.Error(), nil)
		return report, err
	}
	for _, obj := range zeroRef {
		if err := m.cas.Delete(obj.Kind, obj.Hash); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		if err := m.db.DeleteCASObjectRow(ctx, obj.Hash); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.CASObjectsDeleted++
		report.BytesFreed += obj.Size
	}

	count, err := m.db.CASObjectCount(ctx)
	if err == nil {
		metrics.SetCASObjectCount(count)
	}

	outcome := "ok"
	if len(report.Errors) > 0 {
		outcome = "partial"
	}
	metrics.ObserveGCSweep(outcome, report.BytesFreed)

	report.Duration = time.Since(start)
	m.emit(corr, events.StageComplete, "gc complete", map[string]any{
		"states_deleted":      report.StatesDeleted,
		"cas_objects_deleted": report.CASObjectsDeleted,
		"bytes_freed":         report.BytesFreed,
	})
	return report, nil
}

func (m *Maintenance) emit(corr events.CorrelationID, stage events.Stage, message string, detail map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Correlate(corr).Emit(events.FamilyGC, stage, "", message, detail)
}
