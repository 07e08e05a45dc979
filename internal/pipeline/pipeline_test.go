package pipeline

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"opm/internal/casstore"
	"opm/internal/slotmgr"
	"opm/internal/statedb"
	"opm/pkg/pm"
)

func TestPipelineRunInstallsSinglePackage(t *testing.T) {
	ctx := t.Context()
	archivePath := buildTestArchive(t, testManifest)

	srv := httptest.NewServer(http.FileServer(http.Dir(filepath.Dir(archivePath))))
	defer srv.Close()

	root := t.TempDir()
	cas, err := casstore.Open(filepath.Join(root, "store"))
	if err != nil {
		t.Fatalf("casstore.Open: %v", err)
	}
	db, err := statedb.Open(ctx, filepath.Join(root, "state.sqlite"), nil)
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	defer db.Close()
	slots, err := slotmgr.New(filepath.Join(root, "prefix"), nil)
	if err != nil {
		t.Fatalf("slotmgr.New: %v", err)
	}

	p := New(cas, db, slots, nil, nil, Config{}, nil)

	plan := pm.ExecutionPlan{Batches: []pm.Batch{{Actions: []pm.PlanAction{{
		Identity: pm.Identity{Name: "hello", Version: "1.0.0", Revision: 1, Arch: "arm64"},
		Kind:     pm.ActionDownload,
		DownloadURL: srv.URL + "/" + filepath.Base(archivePath),
	}}}}}

	report, err := p.Run(ctx, "install", plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Installed) != 1 || report.Installed[0].Name != "hello" {
		t.Fatalf("unexpected report: %+v", report)
	}

	active, err := db.ActiveState(ctx)
	if err != nil {
		t.Fatalf("ActiveState: %v", err)
	}
	if active != report.State {
		t.Fatalf("active state %s != reported state %s", active, report.State)
	}

	pkgs, err := db.StatePackages(ctx, active)
	if err != nil {
		t.Fatalf("StatePackages: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Identity.Name != "hello" {
		t.Fatalf("unexpected packages: %+v", pkgs)
	}
}
