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

package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"opm/internal/archivefmt"
	"opm/internal/casstore"
	"opm/internal/manifest"
	"opm/pkg/pm"
)

// stagedPackage is the per-package output of Decompress+Validate+Stage,
// held in memory until Commit folds it into a single DB transaction.
type stagedPackage struct {
	Manifest *pm.Manifest
	Files    []pm.FileEntry
}

// stager decompresses and validates an archive while materializing its
// content directly under the inactive slot's root, at the same relative
// paths the file inventory records, per spec.md §4.5's
// Decompress/Validate/Stage stages.
type stager struct {
	cas    *casstore.Store
	limits archivefmt.Limits
}

func newStager(cas *casstore.Store, limits archivefmt.Limits) *stager {
	return &stager{cas: cas, limits: limits}
}

// stageArchive streams archivePath into destDir, enforcing limits,
// requiring and parsing manifest.toml at the archive root, and
// materializing every regular file through CAS dedup (Put once, LinkInto
// per package). Symlinks are recreated with their literal target string,
// never dereferenced.
func (s *stager) stageArchive(ctx context.Context, archivePath, destDir string, expectIdentity pm.Identity) (*stagedPackage, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, pm.ErrStorageIO(err)
	}
	defer f.Close()

	var manifestData []byte
	var files []pm.FileEntry

	_, err = archivefmt.Stream(ctx, f, s.limits, func(entry archivefmt.Entry, r io.Reader) error {
		if entry.Path == "manifest.toml" {
			data, readErr := io.ReadAll(r)
			if readErr != nil {
				return pm.ErrStorageIO(readErr)
			}
			manifestData = data
			return nil
		}

		target := filepath.Join(destDir, filepath.FromSlash(entry.Path))
		switch {
		case entry.IsDir:
			if err := os.MkdirAll(target, sanitizeMode(entry.Mode)); err != nil {
				return pm.ErrStorageIO(err)
			}
			files = append(files, pm.FileEntry{
				RelativePath: entry.Path,
				Mode:         uint32(sanitizeMode(entry.Mode)),
				IsDirectory:  true,
			})
			return nil
		case entry.LinkName != "":
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return pm.ErrStorageIO(err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(entry.LinkName, target); err != nil {
				return pm.ErrStorageIO(err)
			}
			files = append(files, pm.FileEntry{
				RelativePath:  entry.Path,
				IsSymlink:     true,
				SymlinkTarget: entry.LinkName,
			})
			return nil
		default:
			hash, size, err := s.cas.Put(pm.ObjectFile, r, pm.Hash{})
			if err != nil {
				return err
			}
			mode := sanitizeMode(entry.Mode)
			if err := s.cas.LinkInto(pm.ObjectFile, hash, target, mode); err != nil {
				return err
			}
			files = append(files, pm.FileEntry{
				RelativePath: entry.Path,
				FileHash:     &hash,
				Mode:         uint32(mode),
				Size:         size,
			})
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if manifestData == nil {
		return nil, pm.ErrPackageValidation("missing_manifest", errManifestMissing{})
	}
	m, err := manifest.Parse(manifestData)
	if err != nil {
		return nil, err
	}
	if m.Identity.Name != expectIdentity.Name || m.Identity.Version != expectIdentity.Version {
		return nil, pm.ErrPackageValidation("identity_mismatch", errIdentityMismatch{want: expectIdentity, got: m.Identity})
	}

	return &stagedPackage{Manifest: m, Files: files}, nil
}

// sanitizeMode clears setuid/setgid bits, per spec.md §4.5's permission
// sanitization requirement. Entry modes carry the raw tar mode word, where
// these bits sit at 0o4000/0o2000 rather than os.ModeSetuid/os.ModeSetgid,
// so both forms are cleared. World-writable bits are left for the caller to
// warn on at a stricter policy level; opm's default policy does not refuse.
func sanitizeMode(mode os.FileMode) os.FileMode {
	return mode &^ (os.ModeSetuid | os.ModeSetgid | 0o6000)
}

type errManifestMissing struct{}

func (errManifestMissing) Error() string { return "archive does not contain manifest.toml at its root" }

type errIdentityMismatch struct {
	want, got pm.Identity
}

func (e errIdentityMismatch) Error() string {
	return "manifest identity " + e.got.String() + " does not match expected " + e.want.String()
}
