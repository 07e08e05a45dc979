package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"opm/internal/archivefmt"
	"opm/internal/casstore"
	"opm/pkg/pm"
)

func buildTestArchive(t *testing.T, manifestToml string) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := archivefmt.NewWriter(&buf, archivefmt.FormatHeader{Major: 1, Minor: 0})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteFile("manifest.toml", 0o644, int64(len(manifestToml)), bytes.NewReader([]byte(manifestToml))); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}
	if err := w.WriteDir("bin", 0o755); err != nil {
		t.Fatalf("WriteDir: %v", err)
	}
	content := []byte("#!/bin/sh\necho hi\n")
	if err := w.WriteFile("bin/hello", 0o755, int64(len(content)), bytes.NewReader(content)); err != nil {
		t.Fatalf("WriteFile bin/hello: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(t.TempDir(), "hello.sp")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile archive: %v", err)
	}
	return path
}

const testManifest = `format_version = "1.0.0"

[package]
name = "hello"
version = "1.0.0"
revision = 1
arch = "arm64"
`

func TestStageArchiveMaterializesFiles(t *testing.T) {
	archivePath := buildTestArchive(t, testManifest)
	cas, err := casstore.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("casstore.Open: %v", err)
	}
	s := newStager(cas, archivefmt.DefaultLimits())

	destDir := t.TempDir()
	identity := pm.Identity{Name: "hello", Version: "1.0.0", Revision: 1, Arch: "arm64"}
	staged, err := s.stageArchive(t.Context(), archivePath, destDir, identity)
	if err != nil {
		t.Fatalf("stageArchive: %v", err)
	}
	if staged.Manifest.Identity.Name != "hello" {
		t.Fatalf("unexpected manifest identity: %+v", staged.Manifest.Identity)
	}
	if len(staged.Files) != 2 {
		t.Fatalf("expected 2 file entries (dir + file), got %d: %+v", len(staged.Files), staged.Files)
	}

	fi, err := os.Stat(filepath.Join(destDir, "bin", "hello"))
	if err != nil {
		t.Fatalf("stat materialized file: %v", err)
	}
	if fi.Mode().Perm()&0o111 == 0 {
		t.Fatal("expected executable bit to survive staging")
	}
}

func TestStageArchiveRejectsIdentityMismatch(t *testing.T) {
	archivePath := buildTestArchive(t, testManifest)
	cas, err := casstore.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("casstore.Open: %v", err)
	}
	s := newStager(cas, archivefmt.DefaultLimits())

	destDir := t.TempDir()
	wrong := pm.Identity{Name: "hello", Version: "2.0.0", Revision: 1, Arch: "arm64"}
	if _, err := s.stageArchive(t.Context(), archivePath, destDir, wrong); err == nil {
		t.Fatal("expected identity mismatch error")
	}
}

func TestStageArchiveRequiresManifest(t *testing.T) {
	var buf bytes.Buffer
	w, err := archivefmt.NewWriter(&buf, archivefmt.FormatHeader{Major: 1, Minor: 0})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	archivePath := filepath.Join(t.TempDir(), "nomanifest.sp")
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cas, err := casstore.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("casstore.Open: %v", err)
	}
	s := newStager(cas, archivefmt.DefaultLimits())
	if _, err := s.stageArchive(t.Context(), archivePath, t.TempDir(), pm.Identity{Name: "hello"}); err == nil {
		t.Fatal("expected missing-manifest error")
	}
}
