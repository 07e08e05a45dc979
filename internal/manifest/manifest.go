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

// Package manifest decodes and validates a package archive's manifest.toml.
package manifest

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"opm/pkg/pm"
)

// SupportedFormatMajor is the highest format_version major component this
// binary understands. A manifest declaring a higher major is rejected.
const SupportedFormatMajor = 1

type document struct {
	FormatVersion string `toml:"format_version"`
	Package       struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Revision    int    `toml:"revision"`
		Arch        string `toml:"arch"`
		Description string `toml:"description"`
		Homepage    string `toml:"homepage"`
		License     string `toml:"license"`
	} `toml:"package"`
	Dependencies struct {
		Runtime []string `toml:"runtime"`
		Build   []string `toml:"build"`
	} `toml:"dependencies"`
	SBOM *struct {
		SPDX      string `toml:"spdx"`
		CycloneDX string `toml:"cyclonedx"`
	} `toml:"sbom"`
	Python *struct {
		VenvPath           string `toml:"venv_path"`
		InterpreterVersion string `toml:"interpreter_version"`
	} `toml:"python"`
}

// Parse decodes manifest.toml content into a pm.Manifest and validates the
// identity fields are present and the format version is compatible.
func Parse(data []byte) (*pm.Manifest, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, pm.ErrPackageValidation("manifest_parse", err)
	}

	if doc.Package.Name == "" || doc.Package.Version == "" || doc.Package.Arch == "" {
		return nil, pm.ErrPackageValidation("manifest_parse",
			fmt.Errorf("manifest missing required [package] fields"))
	}

	if err := checkFormatVersion(doc.FormatVersion); err != nil {
		return nil, err
	}

	m := &pm.Manifest{
		FormatVersion: doc.FormatVersion,
		Identity: pm.Identity{
			Name:     doc.Package.Name,
			Version:  doc.Package.Version,
			Revision: doc.Package.Revision,
			Arch:     doc.Package.Arch,
		},
		Description: doc.Package.Description,
		Homepage:    doc.Package.Homepage,
		License:     doc.Package.License,
		Runtime:     parseDeps(doc.Dependencies.Runtime),
		Build:       parseDeps(doc.Dependencies.Build),
	}

	if doc.SBOM != nil {
		m.SBOM = &pm.SBOMRefs{SPDXHash: doc.SBOM.SPDX, CycloneDXHash: doc.SBOM.CycloneDX}
	}
	if doc.Python != nil {
		m.Python = &pm.PythonMetadata{
			VenvPath:           doc.Python.VenvPath,
			InterpreterVersion: doc.Python.InterpreterVersion,
		}
	}

	return m, nil
}

// Encode serializes a manifest back to TOML, used by tests and by the
// round-trip packaging path.
func Encode(m *pm.Manifest) ([]byte, error) {
	doc := document{FormatVersion: m.FormatVersion}
	doc.Package.Name = m.Identity.Name
	doc.Package.Version = m.Identity.Version
	doc.Package.Revision = m.Identity.Revision
	doc.Package.Arch = m.Identity.Arch
	doc.Package.Description = m.Description
	doc.Package.Homepage = m.Homepage
	doc.Package.License = m.License
	doc.Dependencies.Runtime = encodeDeps(m.Runtime)
	doc.Dependencies.Build = encodeDeps(m.Build)
	if m.SBOM != nil {
		doc.SBOM = &struct {
			SPDX      string `toml:"spdx"`
			CycloneDX string `toml:"cyclonedx"`
		}{SPDX: m.SBOM.SPDXHash, CycloneDX: m.SBOM.CycloneDXHash}
	}
	if m.Python != nil {
		doc.Python = &struct {
			VenvPath           string `toml:"venv_path"`
			InterpreterVersion string `toml:"interpreter_version"`
		}{VenvPath: m.Python.VenvPath, InterpreterVersion: m.Python.InterpreterVersion}
	}
	return toml.Marshal(doc)
}

// ParseDependencies parses a "name{constraint,constraint}" string list into
// DependencySpecs, the same grammar manifest.toml's dependencies tables use.
// Exported for callers outside this package that decode the same grammar
// from a repository index entry rather than a manifest document.
func ParseDependencies(raw []string) []pm.DependencySpec {
	return parseDeps(raw)
}

func parseDeps(raw []string) []pm.DependencySpec {
	specs := make([]pm.DependencySpec, 0, len(raw))
	for _, r := range raw {
		name, constraints := splitDependency(r)
		specs = append(specs, pm.DependencySpec{Name: name, Constraints: constraints})
	}
	return specs
}

func encodeDeps(specs []pm.DependencySpec) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Name+strings.Join(s.Constraints, ","))
	}
	return out
}

// splitDependency parses "name{constraint,constraint}" into its parts. The
// spec's grammar is "name" plus a comma-joined constraint set; by
// convention constraints directly follow the name with a leading operator
// character.
func splitDependency(s string) (name string, constraints []string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, "=<>!~")
	if idx < 0 {
		return s, nil
	}
	name = strings.TrimSpace(s[:idx])
	rest := s[idx:]
	parts := strings.Split(rest, ",")
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			constraints = append(constraints, p)
		}
	}
	return name, constraints
}

func checkFormatVersion(v string) error {
	if v == "" {
		return pm.ErrPackageFormatVersion(fmt.Errorf("missing format_version"))
	}
	major := v
	if i := strings.IndexByte(v, '.'); i >= 0 {
		major = v[:i]
	}
	var majorInt int
	if _, err := fmt.Sscanf(major, "%d", &majorInt); err != nil {
		return pm.ErrPackageFormatVersion(fmt.Errorf("unparseable format_version %q", v))
	}
	if majorInt > SupportedFormatMajor {
		return pm.ErrPackageFormatVersion(fmt.Errorf("format_version %q newer than supported major %d", v, SupportedFormatMajor))
	}
	return nil
}
