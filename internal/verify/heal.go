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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"opm/pkg/pm"
)

// HealAction records what the healer did about one discrepancy.
type HealAction struct {
	Path   string
	Kind   pm.DiscrepancyKind
	Action string // "relinked", "removed", "preserved", "backed_up", "skipped"
	Err    error
}

// HealReport summarizes a repair pass.
type HealReport struct {
	Actions []HealAction
}

// Heal repairs every discrepancy in discrepancies against the active
// state's recorded inventory. MissingFile and CorruptedFile are repaired
// by re-materializing the expected content from the CAS store via
// LinkInto; OrphanedFile is resolved per its classified action
// (remove/preserve/backup), never auto-removing an OrphanUnknown path.
// TypeMismatch and MissingVenv are reported but not auto-repaired, since
// guessing the right fix (recreate as dir vs symlink, rebuild a venv) risks
// destroying user data.
func (v *Verifier) Heal(ctx context.Context, discrepancies []pm.Discrepancy) (HealReport, error) {
	active, err := v.db.ActiveState(ctx)
	if err != nil {
		return HealReport{}, err
	}
	live := v.slots.LivePath()

	byPath, err := v.fileIndex(ctx, active)
	if err != nil {
		return HealReport{}, err
	}

	var report HealReport
	for _, d := range discrepancies {
		switch d.Kind {
		case pm.MissingFile, pm.CorruptedFile:
			report.Actions = append(report.Actions, v.healFile(live, byPath, d))
		case pm.OrphanedFile:
			report.Actions = append(report.Actions, v.healOrphan(live, d))
		default:
			report.Actions = append(report.Actions, HealAction{Path: d.Path, Kind: d.Kind, Action: "skipped"})
		}
	}
	return report, nil
}

func (v *Verifier) fileIndex(ctx context.Context, state pm.StateID) (map[string]pm.FileEntry, error) {
	pkgs, err := v.db.StatePackages(ctx, state)
	if err != nil {
		return nil, err
	}
	out := map[string]pm.FileEntry{}
	for _, pkg := range pkgs {
		files, err := v.db.PackageFiles(ctx, state, pkg.Identity.Name)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			out[filepath.Clean(f.RelativePath)] = f
		}
	}
	return out, nil
}

func (v *Verifier) healFile(liveDir string, byPath map[string]pm.FileEntry, d pm.Discrepancy) HealAction {
	entry, ok := byPath[filepath.Clean(d.Path)]
	if !ok || entry.FileHash == nil {
		return HealAction{Path: d.Path, Kind: d.Kind, Action: "skipped", Err: fmt.Errorf("no recorded content hash for %s", d.Path)}
	}
	if ok, err := v.cas.Exists(pm.ObjectFile, *entry.FileHash); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("object %s missing from store", entry.FileHash)
		}
		return HealAction{Path: d.Path, Kind: d.Kind, Action: "skipped", Err: err}
	}
	target := filepath.Join(liveDir, entry.RelativePath)
	mode := os.FileMode(entry.Mode)
	if err := v.cas.LinkInto(pm.ObjectFile, *entry.FileHash, target, mode); err != nil {
		return HealAction{Path: d.Path, Kind: d.Kind, Action: "skipped", Err: err}
	}
	return HealAction{Path: d.Path, Kind: d.Kind, Action: "relinked"}
}

func (v *Verifier) healOrphan(liveDir string, d pm.Discrepancy) HealAction {
	_, action := v.orphans.Classify(d.Path)
	path := filepath.Join(liveDir, d.Path)
	switch action {
	case pm.OrphanRemove:
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return HealAction{Path: d.Path, Kind: d.Kind, Action: "skipped", Err: err}
		}
		return HealAction{Path: d.Path, Kind: d.Kind, Action: "removed"}
	case pm.OrphanBackup:
		backup := path + ".orphan-" + time.Now().UTC().Format("20060102150405")
		if err := os.Rename(path, backup); err != nil {
			return HealAction{Path: d.Path, Kind: d.Kind, Action: "skipped", Err: err}
		}
		return HealAction{Path: d.Path, Kind: d.Kind, Action: "backed_up"}
	default:
		return HealAction{Path: d.Path, Kind: d.Kind, Action: "preserved"}
	}
}
