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

// Package casstore implements the content-addressed object store (C1):
// archive and file objects keyed by their BLAKE3 hash, written
// temp-then-rename, deduplicated on write, materialized by clone/hardlink/
// copy in order of preference.
package casstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"opm/pkg/pm"
)

// Store is a filesystem-backed content store rooted at a "store/" directory
// containing "archive/" and "file/" kind subtrees.
type Store struct {
	root string
	mu   sync.RWMutex
}

// Open creates a Store rooted at root, creating the archive/file/tmp
// directory structure if absent.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("casstore: root cannot be empty")
	}
	s := &Store{root: root}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("casstore: init: %w", err)
	}
	return s, nil
}

func (s *Store) init() error {
	for _, kind := range []pm.ObjectKind{pm.ObjectArchive, pm.ObjectFile} {
		if err := os.MkdirAll(filepath.Join(s.root, kind.String()), 0o755); err != nil {
			return err
		}
	}
	return os.MkdirAll(filepath.Join(s.root, "tmp"), 0o755)
}

// ObjectPath returns the filesystem path for an object of the given kind
// and hash.
func (s *Store) ObjectPath(kind pm.ObjectKind, hash pm.Hash) string {
	hx := hash.String()
	return filepath.Join(s.root, kind.String(), hx[:2], hx)
}

// Exists reports whether an object is present in the store.
func (s *Store) Exists(kind pm.ObjectKind, hash pm.Hash) (bool, error) {
	_, err := os.Stat(s.ObjectPath(kind, hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, pm.ErrStorageIO(err)
}

// Size returns the on-disk size of an object.
func (s *Store) Size(kind pm.ObjectKind, hash pm.Hash) (int64, error) {
	info, err := os.Stat(s.ObjectPath(kind, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, pm.ErrStorageIO(fmt.Errorf("object not found: %s", hash))
		}
		return 0, pm.ErrStorageIO(err)
	}
	return info.Size(), nil
}

// OpenReader returns a verifying reader for an object: the BLAKE3 digest of
// the bytes read is checked against hash once the reader reaches EOF. A
// mismatch surfaces as pm.ErrStorageIntegrity from the final Read.
func (s *Store) OpenReader(kind pm.ObjectKind, hash pm.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.ObjectPath(kind, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pm.ErrStorageIO(fmt.Errorf("object not found: %s", hash))
		}
		return nil, pm.ErrStorageIO(err)
	}
	return &verifyingReader{f: f, want: hash, hashState: newHashState()}, nil
}

// Put streams r into the store under the given kind, computing its BLAKE3
// hash as bytes flow. If expected is non-zero, the computed hash must
// match or the write is rejected. Returns the object's hash and size.
// Concurrent Put calls for identical content are safe: the loser's temp
// file is discarded once the destination is observed to already exist.
func (s *Store) Put(kind pm.ObjectKind, r io.Reader, expected pm.Hash) (pm.Hash, int64, error) {
	tmpDir := filepath.Join(s.root, "tmp")
	tmp, err := os.CreateTemp(tmpDir, "obj-*")
	if err != nil {
		return pm.Hash{}, 0, pm.ErrStorageIO(err)
	}
	tmpPath := tmp.Name()
	cleanTmp := true
	defer func() {
		if cleanTmp {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hs := newHashState()
	mw := io.MultiWriter(tmp, hs)
	written, err := io.Copy(mw, r)
	if err != nil {
		return pm.Hash{}, 0, pm.ErrStorageIO(fmt.Errorf("write object: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return pm.Hash{}, 0, pm.ErrStorageIO(err)
	}
	if err := tmp.Close(); err != nil {
		return pm.Hash{}, 0, pm.ErrStorageIO(err)
	}

	actual := hs.sum()
	if !expected.IsZero() && actual != expected {
		return pm.Hash{}, 0, pm.ErrStorageIntegrity(
			fmt.Errorf("expected %s, got %s", expected, actual))
	}

	finalPath := s.ObjectPath(kind, actual)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return pm.Hash{}, 0, pm.ErrStorageIO(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(finalPath); err == nil {
		// Already present: another writer (or a prior run) won the race.
		return actual, written, nil
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return pm.Hash{}, 0, pm.ErrStorageIO(fmt.Errorf("rename object into place: %w", err))
	}
	cleanTmp = false
	return actual, written, nil
}

// LinkInto materializes an object at target using the cheapest method
// available: clonefile (APFS reflink), then hardlink, then a full copy.
// mode is applied to target regardless of the method used, since the
// caller-provided inventory row — not the store object — is authoritative
// for permissions.
func (s *Store) LinkInto(kind pm.ObjectKind, hash pm.Hash, target string, mode os.FileMode) error {
	src := s.ObjectPath(kind, hash)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return pm.ErrStorageIO(err)
	}
	_ = os.Remove(target)

	if err := cloneFile(src, target); err == nil {
		return os.Chmod(target, mode)
	}
	if err := os.Link(src, target); err == nil {
		return os.Chmod(target, mode)
	}
	if err := copyFile(src, target, mode); err != nil {
		return pm.ErrStorageIO(fmt.Errorf("materialize %s: %w", hash, err))
	}
	return nil
}

// Delete removes an object. Called by the garbage collector; a missing
// file is treated as already-gone.
func (s *Store) Delete(kind pm.ObjectKind, hash pm.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.ObjectPath(kind, hash)); err != nil && !os.IsNotExist(err) {
		return pm.ErrStorageIO(err)
	}
	return nil
}

// SweepOrphanTemps removes temp files under store/tmp older than maxAge, a
// startup hygiene pass covering writers killed mid-Put.
func (s *Store) SweepOrphanTemps(maxAge time.Duration) (int, error) {
	tmpDir := filepath.Join(s.root, "tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, pm.ErrStorageIO(err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(tmpDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
