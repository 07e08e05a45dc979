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

// Package statedb is the durable, transactional record of truth (C2): which
// states exist, what they contain, what the CAS holds, and which files
// live where. Backed by modernc.org/sqlite, the pure-Go CGO-free SQLite
// driver, accessed through a pragma'd connection pool exactly as
// internal/provisioner/store does in the teacher.
package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"opm/pkg/pm"
)

// DB wraps a pooled SQLite connection to state/state.sqlite.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to the state database at path, applying the teacher's
// pragma set (WAL, foreign keys, busy_timeout, NORMAL sync) and running
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path,
	)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, pm.NewError(pm.StateError, "open", err)
	}
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetMaxOpenConns(8)

	d := &DB{db: sqlDB, logger: logger}
	if err := d.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error { return d.db.Close() }

// WithTx runs fn inside a SERIALIZABLE transaction, rolling back on panic
// or error and committing only on success.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pm.NewError(pm.StateError, "begin_tx", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return pm.NewError(pm.StateError, "commit", err)
	}
	return nil
}

const currentSchemaVersion = 1

// SchemaVersion reports the schema_version recorded in settings. Open
// always migrates to currentSchemaVersion before returning, so this is
// currentSchemaVersion for any DB handed back by Open; it exists for
// opm-migrate to report what it just did.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var versionStr string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'schema_version'`).Scan(&versionStr)
	if err != nil {
		return 0, pm.NewError(pm.StateError, "schema_version", err)
	}
	var version int
	fmt.Sscanf(versionStr, "%d", &version)
	return version, nil
}

func (d *DB) migrate(ctx context.Context) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
			return pm.NewError(pm.StateError, "migrate", err)
		}

		var versionStr sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'schema_version'`).Scan(&versionStr)
		version := 0
		if err == nil && versionStr.Valid {
			fmt.Sscanf(versionStr.String, "%d", &version)
		} else if err != nil && err != sql.ErrNoRows {
			return pm.NewError(pm.StateError, "migrate", err)
		}

		if version > currentSchemaVersion {
			return pm.ErrStateMigrationRequired(
				fmt.Errorf("database schema version %d newer than supported %d", version, currentSchemaVersion))
		}

		if version < 1 {
			if err := applyV1(ctx, tx); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO settings(key, value) VALUES('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			fmt.Sprintf("%d", currentSchemaVersion))
		if err != nil {
			return pm.NewError(pm.StateError, "migrate", err)
		}
		return nil
	})
}

func applyV1(ctx context.Context, tx interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS states (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			created_at INTEGER NOT NULL,
			operation TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			rollback_of TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS active_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS packages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state_id TEXT NOT NULL REFERENCES states(id),
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			revision INTEGER NOT NULL,
			arch TEXT NOT NULL,
			archive_hash TEXT NOT NULL,
			installed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_state ON packages(state_id)`,
		`CREATE TABLE IF NOT EXISTS package_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			package_id INTEGER NOT NULL REFERENCES packages(id),
			relative_path TEXT NOT NULL,
			file_hash TEXT,
			mode INTEGER NOT NULL,
			is_directory INTEGER NOT NULL DEFAULT 0,
			is_symlink INTEGER NOT NULL DEFAULT 0,
			symlink_target TEXT,
			size INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_package_files_package ON package_files(package_id)`,
		`CREATE TABLE IF NOT EXISTS cas_objects (
			hash TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			ref_count INTEGER NOT NULL DEFAULT 0,
			last_seen_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS file_verification (
			file_hash TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_checked_at INTEGER,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS file_mtime_cache (
			path TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			last_verified_mtime INTEGER NOT NULL,
			size INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return pm.NewError(pm.StateError, "migrate", fmt.Errorf("%s: %w", stmt, err))
		}
	}
	return nil
}

func unixNow() int64 { return time.Now().Unix() }
