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

package archivefmt

import (
	"path"
	"strings"

	"opm/pkg/pm"
)

// Default structural limits applied to every archive unless overridden.
const (
	DefaultMaxEntries       = 200_000
	DefaultMaxExtractedSize = 10 << 30 // 10GiB
	DefaultMaxPathLength    = 4096
	DefaultMaxPathDepth     = 64
	DefaultMaxFilenameLen   = 255
	DefaultMaxEntrySize     = 4 << 30 // 4GiB
)

// Limits bounds the structural shape of an archive during extraction, to
// keep a hostile or corrupt archive from exhausting disk or memory.
type Limits struct {
	MaxEntries       int
	MaxExtractedSize int64
	MaxPathLength    int
	MaxPathDepth     int
	MaxFilenameLen   int
	MaxEntrySize     int64
}

// DefaultLimits returns the conservative defaults used when none are supplied.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:       DefaultMaxEntries,
		MaxExtractedSize: DefaultMaxExtractedSize,
		MaxPathLength:    DefaultMaxPathLength,
		MaxPathDepth:     DefaultMaxPathDepth,
		MaxFilenameLen:   DefaultMaxFilenameLen,
		MaxEntrySize:     DefaultMaxEntrySize,
	}
}

var windowsDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// ValidatePath rejects empty and absolute paths, parent-directory traversal,
// overlong components, embedded control characters, and Windows reserved
// device names, before an entry is ever joined onto an extraction root.
func ValidatePath(entryPath string, limits Limits) error {
	if entryPath == "" {
		return pm.ErrInstallValidationLimit("empty_path")
	}
	if strings.HasPrefix(entryPath, "/") || path.IsAbs(entryPath) {
		return pm.ErrInstallValidationLimit("absolute_path")
	}
	if len(entryPath) > limits.MaxPathLength {
		return pm.ErrInstallValidationLimit("path_length")
	}

	clean := path.Clean(entryPath)
	components := strings.Split(clean, "/")
	if len(components) > limits.MaxPathDepth {
		return pm.ErrInstallValidationLimit("path_depth")
	}

	for _, c := range components {
		if c == ".." {
			return pm.ErrInstallValidationLimit("path_traversal")
		}
		if c == "" || c == "." {
			continue
		}
		if err := validateComponent(c, limits); err != nil {
			return err
		}
	}
	return nil
}

func validateComponent(component string, limits Limits) error {
	if len(component) > limits.MaxFilenameLen {
		return pm.ErrInstallValidationLimit("filename_length")
	}
	for _, r := range component {
		if r < 0x20 {
			return pm.ErrInstallValidationLimit("control_character")
		}
	}
	name := component
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		name = name[:idx]
	}
	if windowsDeviceNames[strings.ToUpper(name)] {
		return pm.ErrInstallValidationLimit("reserved_device_name")
	}
	return nil
}

// Totals accumulates archive-wide counters checked incrementally during
// streaming extraction, so a hostile archive is rejected mid-stream rather
// than after fully landing on disk.
type Totals struct {
	Entries       int
	ExtractedSize int64
}

// AddEntry folds one entry's size into the running totals and enforces the
// archive-wide limits, returning as soon as either is exceeded.
func (t *Totals) AddEntry(size int64, limits Limits) error {
	t.Entries++
	if t.Entries > limits.MaxEntries {
		return pm.ErrInstallValidationLimit("entry_count")
	}
	if size > limits.MaxEntrySize {
		return pm.ErrInstallValidationLimit("entry_size")
	}
	t.ExtractedSize += size
	if t.ExtractedSize > limits.MaxExtractedSize {
		return pm.ErrInstallValidationLimit("extracted_size")
	}
	return nil
}
