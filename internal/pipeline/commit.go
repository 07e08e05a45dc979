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

package pipeline

import (
	"context"
	"database/sql"
	"time"

	"opm/internal/events"
	"opm/internal/metrics"
	"opm/internal/slotmgr"
	"opm/internal/statedb"
	"opm/pkg/pm"
)

// committer folds a batch of staged packages plus the unchanged remainder
// of the parent state into one new state row, swaps the live slot, and
// only then marks the new state successful. Every step, the swap included,
// runs inside a single DB transaction; an error before the swap leaves the
// active state and the live directory untouched, while an error after it
// rolls back the DB with the new tree already live.
type committer struct {
	db    *statedb.DB
	slots *slotmgr.Manager
	bus   *events.Bus
}

func newCommitter(db *statedb.DB, slots *slotmgr.Manager, bus *events.Bus) *committer {
	return &committer{db: db, slots: slots, bus: bus}
}

// commitInput is one package freshly staged by this operation: either
// downloaded and unpacked this run, or kept at its existing version by an
// uninstall/no-op that still needs its row reinserted into the new state.
type commitInput struct {
	Package pm.Package

	// ArchiveSize is the byte size of Package.ArchiveHash's object. Zero for
	// a carried-over package: its cas_objects row (and size) already exists
	// from the state that first staged it, and UpsertCASObject's ON
	// CONFLICT clause leaves an existing row's size untouched.
	ArchiveSize int64
}

// commit runs the eight-step transactional protocol: draft state, insert
// packages/files for the full new package set (the operation's own inputs
// plus every parent-state package it leaves untouched), insert-or-ignore
// cas_objects, apply refcount deltas against the parent, swap the live
// slot, flip the new state to active, mark it successful, commit.
func (c *committer) commit(ctx context.Context, operation string, inputs []commitInput) (pm.StateID, error) {
	parentID, err := c.db.ActiveState(ctx)
	var parent *pm.StateID
	switch {
	case err == nil:
		parent = &parentID
	case isNoActiveState(err):
		// First install: there is no parent state to carry over.
	default:
		return pm.StateID{}, err
	}

	var fromHashes map[pm.Hash]struct{}
	all := make([]commitInput, len(inputs))
	copy(all, inputs)
	if parent != nil {
		fromHashes, err = c.db.StateHashes(ctx, *parent)
		if err != nil {
			return pm.StateID{}, err
		}
		touched := make(map[string]bool, len(inputs))
		for _, in := range inputs {
			touched[in.Package.Identity.Name] = true
		}
		parentPkgs, err := c.db.StatePackages(ctx, *parent)
		if err != nil {
			return pm.StateID{}, err
		}
		for _, pkg := range parentPkgs {
			if touched[pkg.Identity.Name] {
				continue
			}
			files, err := c.db.PackageFiles(ctx, *parent, pkg.Identity.Name)
			if err != nil {
				return pm.StateID{}, err
			}
			pkg.Files = files
			all = append(all, commitInput{Package: pkg})
		}
	} else {
		fromHashes = map[pm.Hash]struct{}{}
	}

	var newState pm.StateID
	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		start := time.Now()
		defer func() { metrics.ObserveStage("commit", time.Since(start)) }()

		newState, err = statedb.NewStateDraft(ctx, tx, parent, operation, nil)
		if err != nil {
			return err
		}

		toHashes := map[pm.Hash]struct{}{}
		for _, in := range all {
			pkgID, err := statedb.InsertPackage(ctx, tx, newState, in.Package)
			if err != nil {
				return err
			}
			for _, f := range in.Package.Files {
				if err := statedb.InsertFile(ctx, tx, pkgID, f); err != nil {
					return err
				}
				if f.FileHash != nil {
					if err := statedb.UpsertCASObject(ctx, tx, *f.FileHash, pm.ObjectFile, f.Size); err != nil {
						return err
					}
					toHashes[*f.FileHash] = struct{}{}
				}
			}
			if !in.Package.ArchiveHash.IsZero() {
				if err := statedb.UpsertCASObject(ctx, tx, in.Package.ArchiveHash, pm.ObjectArchive, in.ArchiveSize); err != nil {
					return err
				}
				toHashes[in.Package.ArchiveHash] = struct{}{}
			}
		}

		added, removed := statedb.RefcountDelta(fromHashes, toHashes)
		if err := statedb.ApplyRefcountDeltas(ctx, tx, added, removed); err != nil {
			return err
		}

		if err := c.slots.Swap(newState); err != nil {
			return err
		}

		if err := statedb.SetActiveState(ctx, tx, newState); err != nil {
			return err
		}
		return statedb.MarkStateSuccess(ctx, tx, newState)
	})
	if err != nil {
		return pm.StateID{}, err
	}

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Family:  events.FamilyState,
			Stage:   events.StageComplete,
			Message: "state " + newState.String() + " committed",
		})
	}
	return newState, nil
}

func isNoActiveState(err error) bool {
	pe, ok := err.(*pm.Error)
	return ok && pe.Code() == "state.no_active_state"
}
