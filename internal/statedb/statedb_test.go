package statedb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"opm/pkg/pm"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.sqlite")
	db, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	ctx := context.Background()
	db, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()

	db2, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db2.Close()
}

func TestCommitAndActiveState(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	archiveHash := pm.HashBytes([]byte("archive content"))
	fileHash := pm.HashBytes([]byte("file content"))

	var stateID pm.StateID
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := NewStateDraft(ctx, tx, nil, "install", nil)
		if err != nil {
			return err
		}
		stateID = id

		pkgID, err := InsertPackage(ctx, tx, id, pm.Package{
			Identity:    pm.Identity{Name: "hello", Version: "1.0.0", Revision: 1, Arch: "arm64"},
			ArchiveHash: archiveHash,
			InstalledAt: time.Now(),
		})
		if err != nil {
			return err
		}
		if err := InsertFile(ctx, tx, pkgID, pm.FileEntry{
			RelativePath: "bin/hello",
			FileHash:     &fileHash,
			Mode:         0o755,
			Size:         11,
		}); err != nil {
			return err
		}
		if err := UpsertCASObject(ctx, tx, archiveHash, pm.ObjectArchive, 100); err != nil {
			return err
		}
		if err := UpsertCASObject(ctx, tx, fileHash, pm.ObjectFile, 11); err != nil {
			return err
		}
		added, _ := RefcountDelta(nil, map[pm.Hash]struct{}{archiveHash: {}, fileHash: {}})
		if err := ApplyRefcountDeltas(ctx, tx, added, nil); err != nil {
			return err
		}
		if err := SetActiveState(ctx, tx, id); err != nil {
			return err
		}
		return MarkStateSuccess(ctx, tx, id)
	})
	if err != nil {
		t.Fatalf("commit transaction: %v", err)
	}

	active, err := db.ActiveState(ctx)
	if err != nil {
		t.Fatalf("ActiveState: %v", err)
	}
	if active != stateID {
		t.Fatalf("active = %v, want %v", active, stateID)
	}

	files, err := db.StateFiles(ctx, stateID)
	if err != nil {
		t.Fatalf("StateFiles: %v", err)
	}
	if len(files) != 1 || files[0].RelativePath != "bin/hello" {
		t.Fatalf("files = %+v", files)
	}
}

func TestActiveStateErrorsWhenUnset(t *testing.T) {
	db := openTest(t)
	if _, err := db.ActiveState(context.Background()); err == nil {
		t.Fatal("expected error for unset active state")
	}
}
