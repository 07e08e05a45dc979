package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"opm/internal/slotmgr"
	"opm/internal/statedb"
	"opm/pkg/pm"
)

func TestCommitCarriesOverUntouchedPackages(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	db, err := statedb.Open(ctx, filepath.Join(root, "state.sqlite"), nil)
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	defer db.Close()
	slots, err := slotmgr.New(filepath.Join(root, "prefix"), nil)
	if err != nil {
		t.Fatalf("slotmgr.New: %v", err)
	}
	c := newCommitter(db, slots, nil)

	libHash := pm.HashBytes([]byte("lib archive"))
	_, err = c.commit(ctx, "install", []commitInput{{Package: pm.Package{
		Identity:    pm.Identity{Name: "lib", Version: "1.0.0", Revision: 1, Arch: "arm64"},
		ArchiveHash: libHash,
		InstalledAt: time.Now(),
	}}})
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	appHash := pm.HashBytes([]byte("app archive"))
	state2, err := c.commit(ctx, "install", []commitInput{{Package: pm.Package{
		Identity:    pm.Identity{Name: "app", Version: "1.0.0", Revision: 1, Arch: "arm64"},
		ArchiveHash: appHash,
		InstalledAt: time.Now(),
	}}})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}

	pkgs, err := db.StatePackages(ctx, state2)
	if err != nil {
		t.Fatalf("StatePackages: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("expected lib to be carried over alongside app, got %+v", pkgs)
	}

	hashes, err := db.StateHashes(ctx, state2)
	if err != nil {
		t.Fatalf("StateHashes: %v", err)
	}
	if _, ok := hashes[libHash]; !ok {
		t.Fatal("expected lib's archive hash to remain referenced")
	}
}
