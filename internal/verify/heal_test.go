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

package verify

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"opm/pkg/pm"
)

func TestHealRelinksMissingFileFromCAS(t *testing.T) {
	db, cas, slots, live := testCommit(t)

	content := []byte("#!/bin/sh\necho hello\n")
	if _, _, err := cas.Put(pm.ObjectFile, bytes.NewReader(content), pm.Hash{}); err != nil {
		t.Fatalf("seed cas object: %v", err)
	}

	target := filepath.Join(live, "bin", "hello")
	if err := os.Remove(target); err != nil {
		t.Fatalf("remove: %v", err)
	}

	v := New(db, cas, slots, nil, nil)
	ctx := context.Background()
	report, err := v.Run(ctx, LevelQuick, Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Discrepancies) != 1 {
		t.Fatalf("expected one discrepancy, got %+v", report.Discrepancies)
	}

	healed, err := v.Heal(ctx, report.Discrepancies)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if len(healed.Actions) != 1 || healed.Actions[0].Action != "relinked" {
		t.Fatalf("expected relinked action, got %+v", healed.Actions)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read healed file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("healed file content mismatch: got %q", got)
	}
}

func TestHealRemovesClassifiedLeftoverOrphan(t *testing.T) {
	db, cas, slots, live := testCommit(t)
	orphanPath := filepath.Join(live, "stale.pyc")
	if err := os.WriteFile(orphanPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	v := New(db, cas, slots, nil, nil)
	ctx := context.Background()
	report, err := v.Run(ctx, LevelQuick, Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	healed, err := v.Heal(ctx, report.Discrepancies)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	var action string
	for _, a := range healed.Actions {
		if a.Path == "stale.pyc" {
			action = a.Action
		}
	}
	if action != "removed" {
		t.Fatalf("expected stale.pyc to be removed, got action %q", action)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatalf("expected orphan file to be gone, stat err: %v", err)
	}
}

func TestHealPreservesUnknownOrphan(t *testing.T) {
	db, cas, slots, live := testCommit(t)
	orphanPath := filepath.Join(live, "mystery-data")
	if err := os.WriteFile(orphanPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	v := New(db, cas, slots, nil, nil)
	ctx := context.Background()
	report, err := v.Run(ctx, LevelQuick, Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	healed, err := v.Heal(ctx, report.Discrepancies)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	var action string
	for _, a := range healed.Actions {
		if a.Path == "mystery-data" {
			action = a.Action
		}
	}
	if action != "preserved" {
		t.Fatalf("expected mystery-data to be preserved, got action %q", action)
	}
	if _, err := os.Stat(orphanPath); err != nil {
		t.Fatalf("expected orphan file to remain, stat err: %v", err)
	}
}
