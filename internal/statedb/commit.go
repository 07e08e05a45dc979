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

package statedb

import (
	"context"
	"database/sql"
	"fmt"

	"opm/pkg/pm"
)

// NewStateDraft inserts a provisional (success=false) state row with the
// given parent and operation label, returning its freshly minted ID. The
// caller is expected to populate packages/files in the same transaction
// and later call MarkSuccess once the slot swap has completed.
func NewStateDraft(ctx context.Context, tx *sql.Tx, parent *pm.StateID, operation string, rollbackOf *pm.StateID) (pm.StateID, error) {
	id := pm.NewStateID()
	var parentStr, rollbackStr sql.NullString
	if parent != nil {
		parentStr = sql.NullString{String: parent.String(), Valid: true}
	}
	if rollbackOf != nil {
		rollbackStr = sql.NullString{String: rollbackOf.String(), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO states(id, parent_id, created_at, operation, success, rollback_of)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		id.String(), parentStr, unixNow(), operation, rollbackStr)
	if err != nil {
		return pm.StateID{}, pm.NewError(pm.StateError, "insert_state", err)
	}
	return id, nil
}

// InsertPackage inserts one package row bound to state, returning its
// numeric package_id for InsertFile.
func InsertPackage(ctx context.Context, tx *sql.Tx, state pm.StateID, pkg pm.Package) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO packages(state_id, name, version, revision, arch, archive_hash, installed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.String(), pkg.Identity.Name, pkg.Identity.Version, pkg.Identity.Revision,
		pkg.Identity.Arch, pkg.ArchiveHash.String(), pkg.InstalledAt.Unix())
	if err != nil {
		return 0, pm.NewError(pm.StateError, "insert_package", err)
	}
	return res.LastInsertId()
}

// InsertFile inserts one package_files row.
func InsertFile(ctx context.Context, tx *sql.Tx, packageID int64, f pm.FileEntry) error {
	var hashStr sql.NullString
	if f.FileHash != nil {
		hashStr = sql.NullString{String: f.FileHash.String(), Valid: true}
	}
	var target sql.NullString
	if f.IsSymlink {
		target = sql.NullString{String: f.SymlinkTarget, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO package_files(package_id, relative_path, file_hash, mode, is_directory, is_symlink, symlink_target, size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		packageID, f.RelativePath, hashStr, f.Mode, boolToInt(f.IsDirectory), boolToInt(f.IsSymlink), target, f.Size)
	if err != nil {
		return pm.NewError(pm.StateError, "insert_file", err)
	}
	return nil
}

// UpsertCASObject inserts a cas_objects row with ref_count=0 if the hash is
// unseen; a no-op if it already exists, matching spec.md's "insert or
// ignore" commit step.
func UpsertCASObject(ctx context.Context, tx *sql.Tx, hash pm.Hash, kind pm.ObjectKind, size int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cas_objects(hash, kind, size, created_at, ref_count, last_seen_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(hash) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		hash.String(), kind.String(), size, unixNow(), unixNow())
	if err != nil {
		return pm.NewError(pm.StateError, "upsert_cas_object", err)
	}
	return nil
}

// ApplyRefcountDeltas increments/decrements cas_objects.ref_count for the
// hashes newly referenced/dereferenced between two states, per spec.md
// §4.2's refcount delta algorithm.
func ApplyRefcountDeltas(ctx context.Context, tx *sql.Tx, added, removed []pm.Hash) error {
	for _, h := range added {
		if _, err := tx.ExecContext(ctx,
			`UPDATE cas_objects SET ref_count = ref_count + 1 WHERE hash = ?`, h.String()); err != nil {
			return pm.NewError(pm.StateError, "refcount_increment", err)
		}
	}
	for _, h := range removed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE cas_objects SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0`, h.String()); err != nil {
			return pm.NewError(pm.StateError, "refcount_decrement", err)
		}
	}
	return nil
}

// SetActiveState updates the active_state singleton row.
func SetActiveState(ctx context.Context, tx *sql.Tx, state pm.StateID) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO active_state(id, state_id, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state_id = excluded.state_id, updated_at = excluded.updated_at`,
		state.String(), unixNow())
	if err != nil {
		return pm.NewError(pm.StateError, "set_active_state", err)
	}
	return nil
}

// MarkStateSuccess flips a state row's success flag, the final step of the
// commit-after-swap sequence (spec.md §4.5 step 7).
func MarkStateSuccess(ctx context.Context, tx *sql.Tx, state pm.StateID) error {
	_, err := tx.ExecContext(ctx, `UPDATE states SET success = 1 WHERE id = ?`, state.String())
	if err != nil {
		return pm.NewError(pm.StateError, "mark_success", err)
	}
	return nil
}

// ActiveState returns the currently recorded active state ID, or
// pm.ErrStateNoActive if none has been set.
func (d *DB) ActiveState(ctx context.Context) (pm.StateID, error) {
	var idStr string
	err := d.db.QueryRowContext(ctx, `SELECT state_id FROM active_state WHERE id = 1`).Scan(&idStr)
	if err == sql.ErrNoRows {
		return pm.StateID{}, pm.ErrStateNoActive(fmt.Errorf("no active state recorded"))
	}
	if err != nil {
		return pm.StateID{}, pm.NewError(pm.StateError, "active_state", err)
	}
	return pm.ParseStateID(idStr)
}

// StateHashes returns the union of archive and file hashes referenced by a
// state's package set, used by ApplyRefcountDeltas' set-difference inputs.
func (d *DB) StateHashes(ctx context.Context, state pm.StateID) (map[pm.Hash]struct{}, error) {
	hashes := make(map[pm.Hash]struct{})
	rows, err := d.db.QueryContext(ctx, `SELECT archive_hash FROM packages WHERE state_id = ?`, state.String())
	if err != nil {
		return nil, pm.NewError(pm.StateError, "state_hashes", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hx string
		if err := rows.Scan(&hx); err != nil {
			return nil, pm.NewError(pm.StateError, "state_hashes", err)
		}
		h, err := pm.ParseHash(hx)
		if err != nil {
			return nil, pm.NewError(pm.StateError, "state_hashes", err)
		}
		hashes[h] = struct{}{}
	}

	fileRows, err := d.db.QueryContext(ctx, `
		SELECT pf.file_hash FROM package_files pf
		JOIN packages p ON p.id = pf.package_id
		WHERE p.state_id = ? AND pf.file_hash IS NOT NULL`, state.String())
	if err != nil {
		return nil, pm.NewError(pm.StateError, "state_hashes", err)
	}
	defer fileRows.Close()
	for fileRows.Next() {
		var hx string
		if err := fileRows.Scan(&hx); err != nil {
			return nil, pm.NewError(pm.StateError, "state_hashes", err)
		}
		h, err := pm.ParseHash(hx)
		if err != nil {
			return nil, pm.NewError(pm.StateError, "state_hashes", err)
		}
		hashes[h] = struct{}{}
	}
	return hashes, nil
}

// RefcountDelta computes the set-difference of two hash sets: hashes newly
// present in `to` but absent from `from` (added) and vice versa (removed).
// A pure function, unit-testable without a database, per
// original_source/crates/state/src/db/refcount_deltas.rs.
func RefcountDelta(from, to map[pm.Hash]struct{}) (added, removed []pm.Hash) {
	for h := range to {
		if _, ok := from[h]; !ok {
			added = append(added, h)
		}
	}
	for h := range from {
		if _, ok := to[h]; !ok {
			removed = append(removed, h)
		}
	}
	return added, removed
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
