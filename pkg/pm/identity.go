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

package pm

import "fmt"

// Identity is a concrete package identity: name, semver version, a
// monotonic rebuild counter, and target architecture.
type Identity struct {
	Name     string
	Version  string
	Revision int
	Arch     string
}

// Filename returns the canonical archive name "name-version-revision.arch.sp".
func (id Identity) Filename() string {
	return fmt.Sprintf("%s-%s-%d.%s.sp", id.Name, id.Version, id.Revision, id.Arch)
}

func (id Identity) String() string {
	return fmt.Sprintf("%s-%s-%d.%s", id.Name, id.Version, id.Revision, id.Arch)
}

// DependencySpec names a required package plus its comma-joined (AND)
// constraint set, e.g. "openssl" + [">=3.0", "<4.0"].
type DependencySpec struct {
	Name        string
	Constraints []string
}

// SBOMRefs carries the optional SBOM hash fields a manifest may declare.
// Generation of SBOM content is out of scope; these fields are only parsed
// and carried with the manifest, and nothing checks them against the CAS.
type SBOMRefs struct {
	SPDXHash      string
	CycloneDXHash string
}

// Manifest is the parsed metadata extracted from a package archive's
// manifest.toml.
type Manifest struct {
	FormatVersion string
	Identity      Identity
	Description   string
	Homepage      string
	License       string
	Runtime       []DependencySpec
	Build         []DependencySpec
	SBOM          *SBOMRefs

	// Python is non-nil for packages declaring the optional Python-specific
	// fields (virtualenv relocation path, interpreter constraint).
	Python *PythonMetadata
}

// PythonMetadata carries the Python-specific manifest fields.
type PythonMetadata struct {
	VenvPath           string
	InterpreterVersion string
}

// ObjectKind distinguishes the two CAS content shapes.
type ObjectKind int

const (
	ObjectArchive ObjectKind = iota
	ObjectFile
)

func (k ObjectKind) String() string {
	if k == ObjectArchive {
		return "archive"
	}
	return "file"
}

// StoreObject is a CAS record: (hash, kind, size, created_at, ref_count,
// last_seen_at).
type StoreObject struct {
	Hash        Hash
	Kind        ObjectKind
	Size        int64
	CreatedAt   int64 // unix seconds
	RefCount    int64
	LastSeenAt  int64
}

// FileEntry is one row of a package's file inventory.
type FileEntry struct {
	RelativePath   string
	FileHash       *Hash // nil for directories
	Mode           uint32
	IsDirectory    bool
	IsSymlink      bool
	SymlinkTarget  string
	Size           int64
}
