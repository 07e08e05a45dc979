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

// Package pipeline drives one install operation through its five stages:
// Acquire, Decompress, Validate, Stage and Commit. Within a batch, actions
// run concurrently under a bounded worker pool; batches themselves run in
// plan order since a later batch's packages may depend on an earlier
// batch's files already being materialized.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"opm/internal/archivefmt"
	"opm/internal/casstore"
	"opm/internal/ctxkeys"
	"opm/internal/events"
	"opm/internal/metrics"
	"opm/internal/slotmgr"
	"opm/internal/statedb"
	"opm/pkg/pm"
)

// Config controls worker concurrency and validation limits. Zero values
// are replaced with sane defaults by New.
type Config struct {
	// MaxConcurrentActions bounds how many packages within a single batch
	// are acquired/staged at once.
	MaxConcurrentActions int64

	// ArchiveLimits is forwarded to archivefmt.Stream for every package.
	ArchiveLimits archivefmt.Limits
}

// Pipeline wires the Acquire/Decompress/Validate/Stage/Commit stages
// together against one prefix's CAS, state database and slot manager.
type Pipeline struct {
	cas    *casstore.Store
	db     *statedb.DB
	slots  *slotmgr.Manager
	bus    *events.Bus
	fetch  *fetcher
	stage  *stager
	commit *committer
	cfg    Config
	logger *slog.Logger
}

// New constructs a Pipeline. httpClient may be nil to use a default client;
// bus may be nil to disable progress events.
func New(cas *casstore.Store, db *statedb.DB, slots *slotmgr.Manager, bus *events.Bus, httpClient *http.Client, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.MaxConcurrentActions <= 0 {
		cfg.MaxConcurrentActions = 4
	}
	if cfg.ArchiveLimits == (archivefmt.Limits{}) {
		cfg.ArchiveLimits = archivefmt.DefaultLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cas:    cas,
		db:     db,
		slots:  slots,
		bus:    bus,
		fetch:  newFetcher(httpClient),
		stage:  newStager(cas, cfg.ArchiveLimits),
		commit: newCommitter(db, slots, bus),
		cfg:    cfg,
		logger: logger,
	}
}

// Report summarizes one completed install operation.
type Report struct {
	State     pm.StateID
	Installed []pm.Identity
	Duration  time.Duration
}

// Run acquires, validates and stages every ActionDownload in plan, batch by
// batch, then commits the full result as one new state. ActionLocal entries
// are carried through to the new state's package set unchanged — their
// bytes are already live and need no re-staging.
func (p *Pipeline) Run(ctx context.Context, operation string, plan pm.ExecutionPlan) (Report, error) {
	start := time.Now()
	ctx, corr := ctxkeys.EnsureCorrelationID(ctx)
	p.publish(events.FamilyState, events.StageStart, "", operation, corr)

	stagingDir, _, err := p.slots.StagingDir()
	if err != nil {
		return Report{}, err
	}

	var inputs []commitInput
	for _, batch := range plan.Batches {
		batchInputs, err := p.runBatch(ctx, batch, stagingDir, corr)
		if err != nil {
			p.publish(events.FamilyState, events.StageFail, "", err.Error(), corr)
			return Report{}, err
		}
		inputs = append(inputs, batchInputs...)
	}

	state, err := p.commit.commit(ctx, operation, inputs)
	if err != nil {
		p.publish(events.FamilyState, events.StageFail, "", err.Error(), corr)
		return Report{}, err
	}

	installed := make([]pm.Identity, 0, len(inputs))
	for _, in := range inputs {
		installed = append(installed, in.Package.Identity)
	}
	p.publish(events.FamilyState, events.StageComplete, "", operation, corr)
	return Report{State: state, Installed: installed, Duration: time.Since(start)}, nil
}

// runBatch processes every action in one batch concurrently, bounded by
// cfg.MaxConcurrentActions, and returns their commitInputs in plan order.
// ActionLocal entries produce no commitInput.
func (p *Pipeline) runBatch(ctx context.Context, batch pm.Batch, stagingDir string, corr events.CorrelationID) ([]commitInput, error) {
	results := make([]commitInput, len(batch.Actions))
	sem := semaphore.NewWeighted(p.cfg.MaxConcurrentActions)
	g, gctx := errgroup.WithContext(ctx)

	for i, action := range batch.Actions {
		i, action := i, action
		if action.Kind == pm.ActionLocal {
			// Left out of the results: commit carries the parent state's
			// row for this package, file inventory included, forward as is.
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			in, err := p.runAction(gctx, action, stagingDir, corr)
			if err != nil {
				return err
			}
			results[i] = in
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	staged := results[:0]
	for i, in := range results {
		if batch.Actions[i].Kind != pm.ActionLocal {
			staged = append(staged, in)
		}
	}
	return staged, nil
}

// runAction drives one ActionDownload through Acquire, the archive hash
// check, and Decompress/Validate/Stage.
func (p *Pipeline) runAction(ctx context.Context, action pm.PlanAction, stagingDir string, corr events.CorrelationID) (commitInput, error) {
	emit := p.bus
	name := action.Identity.Name
	if emit != nil {
		emit.Correlate(corr).Emit(events.FamilyDownload, events.StageStart, name, action.DownloadURL, nil)
	}

	tmp, err := os.CreateTemp("", "opm-acquire-*.sp")
	if err != nil {
		return commitInput{}, pm.ErrStorageIO(err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := p.fetch.fetchTo(ctx, name, action.DownloadURL, tmpPath); err != nil {
		if emit != nil {
			emit.Correlate(corr).Emit(events.FamilyDownload, events.StageFail, name, err.Error(), nil)
		}
		return commitInput{}, err
	}
	if emit != nil {
		emit.Correlate(corr).Emit(events.FamilyDownload, events.StageComplete, name, action.DownloadURL, nil)
	}

	archiveFile, err := os.Open(tmpPath)
	if err != nil {
		return commitInput{}, pm.ErrStorageIO(err)
	}
	archiveHash, archiveSize, err := p.cas.Put(pm.ObjectArchive, archiveFile, action.ExpectedHash)
	archiveFile.Close()
	if err != nil {
		return commitInput{}, err
	}

	destDir := stagingDir
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return commitInput{}, pm.ErrStorageIO(err)
	}

	stageStart := time.Now()
	staged, err := p.stage.stageArchive(ctx, tmpPath, destDir, action.Identity)
	metrics.ObserveStage("stage", time.Since(stageStart))
	if err != nil {
		return commitInput{}, err
	}

	pkg := pm.Package{
		Identity:    action.Identity,
		ArchiveHash: archiveHash,
		InstalledAt: time.Now(),
		Files:       staged.Files,
	}
	return commitInput{Package: pkg, ArchiveSize: archiveSize}, nil
}

func (p *Pipeline) publish(family events.Family, stage events.Stage, pkg, message string, corr events.CorrelationID) {
	if p.bus == nil {
		return
	}
	p.bus.Correlate(corr).Emit(family, stage, pkg, message, nil)
}
