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

// Package verify implements the verifier/healer (C6): compares the live
// filesystem against the active state's recorded file inventory at one of
// three scan levels, and can repair the discrepancies it finds.
package verify

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"opm/internal/casstore"
	"opm/internal/slotmgr"
	"opm/internal/statedb"
	"opm/pkg/pm"
)

// Level controls how much work a scan does per file.
type Level int

const (
	LevelQuick Level = iota
	LevelStandard
	LevelFull
)

// Scope narrows a scan. Packages limits which packages' files are checked.
// Directories filters no files: a non-empty Directories, like a non-empty
// Packages, only turns off whole-tree orphan detection. A zero Scope
// verifies every package in the active state and runs orphan detection
// over the whole live tree.
type Scope struct {
	Packages    []string
	Directories []string
}

func (s Scope) isFull() bool {
	return len(s.Packages) == 0 && len(s.Directories) == 0
}

// Coverage reports how much of the tree a scoped scan actually checked,
// per spec's "emit coverage metrics when scoped" requirement.
type Coverage struct {
	TotalPackages       int
	VerifiedPackages    int
	TotalFiles          int
	VerifiedFiles       int
	FullOrphanDetection bool
}

// Report is the outcome of one verification pass.
type Report struct {
	State         pm.StateID
	Discrepancies []pm.Discrepancy
	Coverage      Coverage
	Duration      time.Duration
}

// IsValid reports whether the scan found no discrepancies.
func (r Report) IsValid() bool { return len(r.Discrepancies) == 0 }

// Verifier scans the live tree against the active state's package_files
// inventory.
type Verifier struct {
	db      *statedb.DB
	cas     *casstore.Store
	slots   *slotmgr.Manager
	orphans *OrphanClassifier
	logger  *slog.Logger
}

// New constructs a Verifier. orphans may be nil, in which case
// defaultOrphanRules are used.
func New(db *statedb.DB, cas *casstore.Store, slots *slotmgr.Manager, orphans *OrphanClassifier, logger *slog.Logger) *Verifier {
	if orphans == nil {
		orphans = NewOrphanClassifier(defaultOrphanRules)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{db: db, cas: cas, slots: slots, orphans: orphans, logger: logger}
}

// Run scans the active state at the given level and scope.
func (v *Verifier) Run(ctx context.Context, level Level, scope Scope) (Report, error) {
	start := time.Now()
	active, err := v.db.ActiveState(ctx)
	if err != nil {
		return Report{}, err
	}

	pkgs, err := v.db.StatePackages(ctx, active)
	if err != nil {
		return Report{}, err
	}

	wanted := scope.packageSet()
	live := v.slots.LivePath()
	var discrepancies []pm.Discrepancy
	expected := map[string]bool{}
	coverage := Coverage{TotalPackages: len(pkgs), FullOrphanDetection: scope.isFull()}

	for _, pkg := range pkgs {
		files, err := v.db.PackageFiles(ctx, active, pkg.Identity.Name)
		if err != nil {
			return Report{}, err
		}
		coverage.TotalFiles += len(files)
		for _, f := range files {
			expected[filepath.Clean(f.RelativePath)] = true
		}

		if len(wanted) > 0 && !wanted[pkg.Identity.Name] {
			continue
		}
		coverage.VerifiedPackages++
		for _, f := range files {
			coverage.VerifiedFiles++
			if d := v.checkFile(ctx, live, f, level); d != nil {
				discrepancies = append(discrepancies, *d)
			}
		}
	}

	if scope.isFull() {
		orphanDisc, err := v.scanOrphans(live, expected)
		if err != nil {
			return Report{}, err
		}
		discrepancies = append(discrepancies, orphanDisc...)
	}

	return Report{
		State:         active,
		Discrepancies: discrepancies,
		Coverage:      coverage,
		Duration:      time.Since(start),
	}, nil
}

func (s Scope) packageSet() map[string]bool {
	if len(s.Packages) == 0 {
		return nil
	}
	m := make(map[string]bool, len(s.Packages))
	for _, name := range s.Packages {
		m[name] = true
	}
	return m
}

// checkFile compares one inventory row against the live tree, returning a
// discrepancy if drift is found, nil otherwise.
func (v *Verifier) checkFile(ctx context.Context, liveDir string, f pm.FileEntry, level Level) *pm.Discrepancy {
	path := filepath.Join(liveDir, f.RelativePath)
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		if isVenvRoot(f) {
			return &pm.Discrepancy{Path: f.RelativePath, Kind: pm.MissingVenv}
		}
		return &pm.Discrepancy{Path: f.RelativePath, Kind: pm.MissingFile}
	}
	if err != nil {
		return &pm.Discrepancy{Path: f.RelativePath, Kind: pm.MissingFile}
	}

	actualIsDir := info.IsDir()
	actualIsSymlink := info.Mode()&os.ModeSymlink != 0
	switch {
	case f.IsDirectory && !actualIsDir:
		return &pm.Discrepancy{Path: f.RelativePath, Kind: pm.TypeMismatch}
	case f.IsSymlink && !actualIsSymlink:
		return &pm.Discrepancy{Path: f.RelativePath, Kind: pm.TypeMismatch}
	case !f.IsDirectory && !f.IsSymlink && (actualIsDir || actualIsSymlink):
		return &pm.Discrepancy{Path: f.RelativePath, Kind: pm.TypeMismatch}
	}

	if f.IsSymlink {
		target, err := os.Readlink(path)
		if err != nil || target != f.SymlinkTarget {
			return &pm.Discrepancy{Path: f.RelativePath, Kind: pm.TypeMismatch}
		}
		return nil
	}
	if f.IsDirectory || level == LevelQuick {
		return nil
	}

	if level == LevelStandard {
		if cached, ok, _ := v.db.LookupMTimeCache(ctx, f.RelativePath); ok {
			if cached.Size == info.Size() && cached.LastVerifiedMT == info.ModTime().Unix() && f.FileHash != nil && cached.Hash == *f.FileHash {
				return nil
			}
		}
	}

	if f.FileHash == nil {
		return nil
	}
	actual, err := hashFile(path)
	if err != nil {
		return &pm.Discrepancy{Path: f.RelativePath, Kind: pm.CorruptedFile, Expected: *f.FileHash}
	}
	if actual != *f.FileHash {
		_ = v.db.MarkFileVerification(ctx, *f.FileHash, "failed", nil)
		return &pm.Discrepancy{Path: f.RelativePath, Kind: pm.CorruptedFile, Expected: *f.FileHash, Actual: actual}
	}
	_ = v.db.UpdateMTimeCache(ctx, f.RelativePath, actual, info.ModTime().Unix(), info.Size())
	_ = v.db.MarkFileVerification(ctx, actual, "ok", nil)
	return nil
}

// isVenvRoot reports whether f is the root directory of a Python virtual
// environment, the one inventory row the verifier treats as MissingVenv
// rather than a generic MissingFile.
func isVenvRoot(f pm.FileEntry) bool {
	return f.IsDirectory && filepath.Base(f.RelativePath) == "venv"
}

// scanOrphans walks liveDir and classifies every path absent from expected.
func (v *Verifier) scanOrphans(liveDir string, expected map[string]bool) ([]pm.Discrepancy, error) {
	var out []pm.Discrepancy
	err := filepath.WalkDir(liveDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(liveDir, path)
		if err != nil || rel == "." {
			return nil
		}
		if rel == "STATE" {
			return nil
		}
		if expected[filepath.Clean(rel)] {
			return nil
		}
		if d.IsDir() {
			// Only report a directory as orphaned if none of its descendants
			// are expected either; otherwise recurse into it.
			if dirHasExpectedDescendant(expected, rel) {
				return nil
			}
			category, action := v.orphans.Classify(rel)
			out = append(out, pm.Discrepancy{Path: rel, Kind: pm.OrphanedFile, Category: string(category)})
			if action == pm.OrphanRemove {
				return filepath.SkipDir
			}
			return filepath.SkipDir
		}
		category, _ := v.orphans.Classify(rel)
		out = append(out, pm.Discrepancy{Path: rel, Kind: pm.OrphanedFile, Category: string(category)})
		return nil
	})
	if err != nil {
		return nil, pm.ErrStorageIO(err)
	}
	return out, nil
}

func dirHasExpectedDescendant(expected map[string]bool, dir string) bool {
	prefix := dir + string(filepath.Separator)
	for p := range expected {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func hashFile(path string) (pm.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return pm.Hash{}, err
	}
	defer f.Close()
	h, _, err := pm.HashReader(f)
	return h, err
}
