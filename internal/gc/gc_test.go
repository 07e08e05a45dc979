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

package gc

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"opm/internal/casstore"
	"opm/internal/statedb"
	"opm/pkg/pm"
)

// seedState installs one package archive-hash-only state (no files) and
// returns its ID, for exercising state retention without touching the CAS
// sweep path.
func seedState(t *testing.T, db *statedb.DB, parent *pm.StateID, name string, archiveHash pm.Hash) pm.StateID {
	t.Helper()
	ctx := context.Background()
	var state pm.StateID
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		s, err := statedb.NewStateDraft(ctx, tx, parent, "install", nil)
		if err != nil {
			return err
		}
		state = s
		pkg := pm.Package{
			Identity:    pm.Identity{Name: name, Version: "1.0.0", Revision: 1, Arch: "arm64"},
			ArchiveHash: archiveHash,
			InstalledAt: time.Now(),
		}
		if _, err := statedb.InsertPackage(ctx, tx, state, pkg); err != nil {
			return err
		}
		if err := statedb.UpsertCASObject(ctx, tx, archiveHash, pm.ObjectArchive, 4); err != nil {
			return err
		}
		if err := statedb.ApplyRefcountDeltas(ctx, tx, []pm.Hash{archiveHash}, nil); err != nil {
			return err
		}
		if err := statedb.SetActiveState(ctx, tx, state); err != nil {
			return err
		}
		return statedb.MarkStateSuccess(ctx, tx, state)
	})
	if err != nil {
		t.Fatalf("seedState: %v", err)
	}
	return state
}

func TestMaintenanceRunDeletesRetiredStateAndSweepsCAS(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	db, err := statedb.Open(ctx, filepath.Join(root, "state.sqlite"), nil)
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	defer db.Close()
	cas, err := casstore.Open(filepath.Join(root, "store"))
	if err != nil {
		t.Fatalf("casstore.Open: %v", err)
	}

	firstHash := pm.HashBytes([]byte("old1"))
	if _, _, err := cas.Put(pm.ObjectArchive, bytes.NewReader([]byte("old1")), pm.Hash{}); err != nil {
		t.Fatalf("seed cas object: %v", err)
	}
	first := seedState(t, db, nil, "lib", firstHash)

	secondHash := pm.HashBytes([]byte("new1"))
	if _, _, err := cas.Put(pm.ObjectArchive, bytes.NewReader([]byte("new1")), pm.Hash{}); err != nil {
		t.Fatalf("seed cas object: %v", err)
	}
	seedState(t, db, &first, "lib", secondHash)

	m := New(db, cas, nil, Config{RetentionDays: 0, RetentionCount: 0, GracePeriod: time.Millisecond}, nil)
	report, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.StatesDeleted != 1 {
		t.Fatalf("expected exactly the non-active state retired, got %d", report.StatesDeleted)
	}
	if report.CASObjectsDeleted != 1 {
		t.Fatalf("expected the orphaned archive object swept, got %d", report.CASObjectsDeleted)
	}

	exists, err := cas.Exists(pm.ObjectArchive, firstHash)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("expected first archive object to be unlinked from disk")
	}
	exists, err = cas.Exists(pm.ObjectArchive, secondHash)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("expected second (still-referenced) archive object to survive")
	}
}

func TestMaintenanceRunNeverDeletesActiveState(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	db, err := statedb.Open(ctx, filepath.Join(root, "state.sqlite"), nil)
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	defer db.Close()
	cas, err := casstore.Open(filepath.Join(root, "store"))
	if err != nil {
		t.Fatalf("casstore.Open: %v", err)
	}

	hash := pm.HashBytes([]byte("only"))
	seedState(t, db, nil, "lib", hash)

	m := New(db, cas, nil, Config{RetentionDays: 0, RetentionCount: 0}, nil)
	report, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.StatesDeleted != 0 {
		t.Fatalf("expected active state to be preserved, deleted %d", report.StatesDeleted)
	}

	if _, err := db.ActiveState(ctx); err != nil {
		t.Fatalf("ActiveState should still resolve: %v", err)
	}
}
