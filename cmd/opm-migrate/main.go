// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
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

// Command opm-migrate opens a prefix's state database standalone, which
// forces any pending migration to apply, and reports the resulting schema
// version. statedb.Open already refuses to proceed against a schema newer
// than the binary understands, so running this ahead of an opm upgrade
// surfaces that failure before any install/verify/gc touches the prefix.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"opm/internal/logging"
	"opm/internal/prefixlock"
	"opm/internal/statedb"
)

func main() {
	prefix := flag.String("prefix", "/opt/pm", "package manager prefix root")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.Install(*logLevel)

	stateDir := filepath.Join(*prefix, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		logger.Error("failed to create state directory", "error", err)
		os.Exit(1)
	}

	lock := prefixlock.New(stateDir)
	if err := lock.Acquire(); err != nil {
		logger.Error("failed to acquire prefix lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx := context.Background()
	db, err := statedb.Open(ctx, filepath.Join(stateDir, "state.sqlite"), logger)
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		logger.Error("failed to read schema version after migration", "error", err)
		os.Exit(1)
	}
	fmt.Printf("state database at %s is at schema version %d\n", stateDir, version)
}
