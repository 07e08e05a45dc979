package slotmgr

import (
	"os"
	"path/filepath"
	"testing"

	"opm/pkg/pm"
)

func TestNewCreatesLayout(t *testing.T) {
	root := t.TempDir()
	m, err := New(root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, p := range []string{m.livePath(), m.slotPath(pm.SlotA), m.slotPath(pm.SlotB)} {
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			t.Fatalf("expected directory at %s: %v", p, err)
		}
	}
}

func TestSwapAlwaysLeavesLiveAsDirectory(t *testing.T) {
	root := t.TempDir()
	m, err := New(root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	staging, slot, err := m.StagingDir()
	if err != nil {
		t.Fatalf("StagingDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "marker.txt"), []byte("first state"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s1 := pm.NewStateID()
	if err := m.Swap(s1); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	info, err := os.Stat(m.livePath())
	if err != nil || !info.IsDir() {
		t.Fatalf("live path not a directory after swap: %v", err)
	}
	got, err := m.Marker()
	if err != nil {
		t.Fatalf("Marker: %v", err)
	}
	if got != s1 {
		t.Fatalf("marker = %v, want %v", got, s1)
	}

	ptr, err := m.Pointer()
	if err != nil {
		t.Fatalf("Pointer: %v", err)
	}
	if ptr.Active != slot {
		t.Fatalf("active slot = %v, want %v", ptr.Active, slot)
	}

	// Second swap: write a new staging state and confirm the cycle repeats.
	staging2, _, err := m.StagingDir()
	if err != nil {
		t.Fatalf("StagingDir 2: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging2, "marker2.txt"), []byte("second state"), 0o644); err != nil {
		t.Fatalf("WriteFile 2: %v", err)
	}
	s2 := pm.NewStateID()
	if err := m.Swap(s2); err != nil {
		t.Fatalf("Swap 2: %v", err)
	}
	got2, err := m.Marker()
	if err != nil {
		t.Fatalf("Marker 2: %v", err)
	}
	if got2 != s2 {
		t.Fatalf("marker 2 = %v, want %v", got2, s2)
	}

	// The previous live tree (slot from swap 1) is retained as the backup
	// slot for fast rollback, not discarded.
	prevContent, err := os.ReadFile(filepath.Join(m.slotPath(slot), "marker.txt"))
	if err != nil {
		t.Fatalf("expected retained prior tree: %v", err)
	}
	if string(prevContent) != "first state" {
		t.Fatalf("retained content mismatch: %q", prevContent)
	}
}
