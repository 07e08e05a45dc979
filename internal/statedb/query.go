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
	"errors"
	"time"

	"opm/pkg/pm"
)

// StateFiles streams the file inventory for every package bound to state.
func (d *DB) StateFiles(ctx context.Context, state pm.StateID) ([]pm.FileEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT pf.relative_path, pf.file_hash, pf.mode, pf.is_directory, pf.is_symlink, pf.symlink_target, pf.size
		FROM package_files pf
		JOIN packages p ON p.id = pf.package_id
		WHERE p.state_id = ?`, state.String())
	if err != nil {
		return nil, pm.NewError(pm.StateError, "state_files", err)
	}
	defer rows.Close()

	var out []pm.FileEntry
	for rows.Next() {
		var (
			relPath   string
			hashStr   sql.NullString
			mode      uint32
			isDir     int
			isSymlink int
			target    sql.NullString
			size      int64
		)
		if err := rows.Scan(&relPath, &hashStr, &mode, &isDir, &isSymlink, &target, &size); err != nil {
			return nil, pm.NewError(pm.StateError, "state_files", err)
		}
		entry := pm.FileEntry{
			RelativePath: relPath,
			Mode:         mode,
			IsDirectory:  isDir != 0,
			IsSymlink:    isSymlink != 0,
			Size:         size,
		}
		if target.Valid {
			entry.SymlinkTarget = target.String
		}
		if hashStr.Valid {
			h, err := pm.ParseHash(hashStr.String)
			if err != nil {
				return nil, pm.NewError(pm.StateError, "state_files", err)
			}
			entry.FileHash = &h
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PackageFiles returns the file inventory for one named package within
// state, used by the install pipeline's commit step to carry forward the
// file rows of packages the current operation leaves untouched.
func (d *DB) PackageFiles(ctx context.Context, state pm.StateID, name string) ([]pm.FileEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT pf.relative_path, pf.file_hash, pf.mode, pf.is_directory, pf.is_symlink, pf.symlink_target, pf.size
		FROM package_files pf
		JOIN packages p ON p.id = pf.package_id
		WHERE p.state_id = ? AND p.name = ?`, state.String(), name)
	if err != nil {
		return nil, pm.NewError(pm.StateError, "package_files", err)
	}
	defer rows.Close()

	var out []pm.FileEntry
	for rows.Next() {
		var (
			relPath   string
			hashStr   sql.NullString
			mode      uint32
			isDir     int
			isSymlink int
			target    sql.NullString
			size      int64
		)
		if err := rows.Scan(&relPath, &hashStr, &mode, &isDir, &isSymlink, &target, &size); err != nil {
			return nil, pm.NewError(pm.StateError, "package_files", err)
		}
		entry := pm.FileEntry{
			RelativePath: relPath,
			Mode:         mode,
			IsDirectory:  isDir != 0,
			IsSymlink:    isSymlink != 0,
			Size:         size,
		}
		if target.Valid {
			entry.SymlinkTarget = target.String
		}
		if hashStr.Valid {
			h, err := pm.ParseHash(hashStr.String)
			if err != nil {
				return nil, pm.NewError(pm.StateError, "package_files", err)
			}
			entry.FileHash = &h
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// StatePackages returns the package identities bound to state.
func (d *DB) StatePackages(ctx context.Context, state pm.StateID) ([]pm.Package, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT name, version, revision, arch, archive_hash, installed_at
		FROM packages WHERE state_id = ?`, state.String())
	if err != nil {
		return nil, pm.NewError(pm.StateError, "state_packages", err)
	}
	defer rows.Close()

	var out []pm.Package
	for rows.Next() {
		var (
			name, version, arch, archiveHash string
			revision                         int
			installedAt                      int64
		)
		if err := rows.Scan(&name, &version, &revision, &arch, &archiveHash, &installedAt); err != nil {
			return nil, pm.NewError(pm.StateError, "state_packages", err)
		}
		h, err := pm.ParseHash(archiveHash)
		if err != nil {
			return nil, pm.NewError(pm.StateError, "state_packages", err)
		}
		out = append(out, pm.Package{
			Identity:    pm.Identity{Name: name, Version: version, Revision: revision, Arch: arch},
			ArchiveHash: h,
			InstalledAt: time.Unix(installedAt, 0),
		})
	}
	return out, rows.Err()
}

// MTimeCacheEntry backs the verifier's standard-level short-circuit.
type MTimeCacheEntry struct {
	Hash           pm.Hash
	LastVerifiedMT int64
	Size           int64
}

// LookupMTimeCache returns the cached (hash, mtime, size) for path, if any.
// Never authoritative; a miss simply forces re-hashing.
func (d *DB) LookupMTimeCache(ctx context.Context, path string) (MTimeCacheEntry, bool, error) {
	var hashStr string
	var entry MTimeCacheEntry
	err := d.db.QueryRowContext(ctx,
		`SELECT hash, last_verified_mtime, size FROM file_mtime_cache WHERE path = ?`, path).
		Scan(&hashStr, &entry.LastVerifiedMT, &entry.Size)
	if err == sql.ErrNoRows {
		return MTimeCacheEntry{}, false, nil
	}
	if err != nil {
		return MTimeCacheEntry{}, false, pm.NewError(pm.StateError, "mtime_cache_lookup", err)
	}
	h, err := pm.ParseHash(hashStr)
	if err != nil {
		return MTimeCacheEntry{}, false, pm.NewError(pm.StateError, "mtime_cache_lookup", err)
	}
	entry.Hash = h
	return entry, true, nil
}

// UpdateMTimeCache records a successful verification result for path.
func (d *DB) UpdateMTimeCache(ctx context.Context, path string, hash pm.Hash, mtime, size int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO file_mtime_cache(path, hash, last_verified_mtime, size) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, last_verified_mtime = excluded.last_verified_mtime, size = excluded.size`,
		path, hash.String(), mtime, size)
	if err != nil {
		return pm.NewError(pm.StateError, "mtime_cache_update", err)
	}
	return nil
}

// MarkFileVerification records the outcome of a hash verification attempt.
func (d *DB) MarkFileVerification(ctx context.Context, hash pm.Hash, status string, lastErr error) error {
	var errStr sql.NullString
	if lastErr != nil {
		errStr = sql.NullString{String: lastErr.Error(), Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO file_verification(file_hash, status, attempts, last_checked_at, last_error)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(file_hash) DO UPDATE SET
			status = excluded.status,
			attempts = file_verification.attempts + 1,
			last_checked_at = excluded.last_checked_at,
			last_error = excluded.last_error`,
		hash.String(), status, unixNow(), errStr)
	if err != nil {
		return pm.NewError(pm.StateError, "mark_file_verification", err)
	}
	return nil
}

// RetiredStates returns states eligible for GC: not active, older than
// retentionDays, beyond the newest retentionCount, per spec.md §4.7.
func (d *DB) RetiredStates(ctx context.Context, retentionDays, retentionCount int) ([]pm.StateID, error) {
	active, err := d.ActiveState(ctx)
	if err != nil && !isNoActiveState(err) {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM states WHERE success = 1 ORDER BY created_at DESC`)
	if err != nil {
		return nil, pm.NewError(pm.StateError, "retired_states", err)
	}
	defer rows.Close()

	var all []pm.StateID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, pm.NewError(pm.StateError, "retired_states", err)
		}
		id, err := pm.ParseStateID(idStr)
		if err != nil {
			return nil, pm.NewError(pm.StateError, "retired_states", err)
		}
		all = append(all, id)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	var retired []pm.StateID
	for i, id := range all {
		if id == active {
			continue
		}
		if i < retentionCount {
			continue
		}
		var createdAt int64
		if err := d.db.QueryRowContext(ctx, `SELECT created_at FROM states WHERE id = ?`, id.String()).Scan(&createdAt); err != nil {
			return nil, pm.NewError(pm.StateError, "retired_states", err)
		}
		if createdAt > cutoff {
			continue
		}
		retired = append(retired, id)
	}
	return retired, nil
}

// DeleteState removes a retired state's packages/package_files/states rows
// within one transaction and returns the hashes it referenced. In the same
// transaction it decrements ref_count for those of them that no remaining
// state still references.
func (d *DB) DeleteState(ctx context.Context, state pm.StateID) ([]pm.Hash, error) {
	var hashes []pm.Hash
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		set, err := d.StateHashes(ctx, state)
		if err != nil {
			return err
		}
		for h := range set {
			hashes = append(hashes, h)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM package_files WHERE package_id IN (SELECT id FROM packages WHERE state_id = ?)`,
			state.String()); err != nil {
			return pm.NewError(pm.StateError, "delete_state", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE state_id = ?`, state.String()); err != nil {
			return pm.NewError(pm.StateError, "delete_state", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM states WHERE id = ?`, state.String()); err != nil {
			return pm.NewError(pm.StateError, "delete_state", err)
		}
		var unreferenced []pm.Hash
		for _, h := range hashes {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT (SELECT COUNT(*) FROM packages WHERE archive_hash = ?) + (SELECT COUNT(*) FROM package_files WHERE file_hash = ?)`,
				h.String(), h.String()).Scan(&n); err != nil {
				return pm.NewError(pm.StateError, "delete_state", err)
			}
			if n == 0 {
				unreferenced = append(unreferenced, h)
			}
		}
		return ApplyRefcountDeltas(ctx, tx, nil, unreferenced)
	})
	return hashes, err
}

// ZeroRefCASObjects returns CAS objects with ref_count=0 older than the
// grace period, candidates for GC's final sweep step.
func (d *DB) ZeroRefCASObjects(ctx context.Context, grace time.Duration) ([]pm.StoreObject, error) {
	cutoff := time.Now().Add(-grace).Unix()
	rows, err := d.db.QueryContext(ctx,
		`SELECT hash, kind, size, created_at, ref_count, last_seen_at FROM cas_objects WHERE ref_count = 0 AND created_at <= ?`,
		cutoff)
	if err != nil {
		return nil, pm.NewError(pm.StateError, "zero_ref_objects", err)
	}
	defer rows.Close()

	var out []pm.StoreObject
	for rows.Next() {
		var (
			hashStr, kindStr         string
			size, createdAt, refCnt int64
			lastSeen                sql.NullInt64
		)
		if err := rows.Scan(&hashStr, &kindStr, &size, &createdAt, &refCnt, &lastSeen); err != nil {
			return nil, pm.NewError(pm.StateError, "zero_ref_objects", err)
		}
		h, err := pm.ParseHash(hashStr)
		if err != nil {
			return nil, pm.NewError(pm.StateError, "zero_ref_objects", err)
		}
		kind := pm.ObjectFile
		if kindStr == "archive" {
			kind = pm.ObjectArchive
		}
		obj := pm.StoreObject{Hash: h, Kind: kind, Size: size, CreatedAt: createdAt, RefCount: refCnt}
		if lastSeen.Valid {
			obj.LastSeenAt = lastSeen.Int64
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// DeleteCASObjectRow removes a cas_objects row once its backing file has
// been unlinked from disk.
func (d *DB) DeleteCASObjectRow(ctx context.Context, hash pm.Hash) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM cas_objects WHERE hash = ? AND ref_count = 0`, hash.String())
	if err != nil {
		return pm.NewError(pm.StateError, "delete_cas_object", err)
	}
	return nil
}

// CASObjectCount returns the number of rows in cas_objects, used to publish
// internal/metrics.SetCASObjectCount.
func (d *DB) CASObjectCount(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cas_objects`).Scan(&n); err != nil {
		return 0, pm.NewError(pm.StateError, "cas_object_count", err)
	}
	return n, nil
}

func isNoActiveState(err error) bool {
	var pe *pm.Error
	return errors.As(err, &pe) && pe.Code() == "state.no_active_state"
}
