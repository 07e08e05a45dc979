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

// Package semverx wraps github.com/Masterminds/semver/v3 with the
// comma-joined AND constraint grammar and the "~=" compatible-release
// operator spec.md's dependency spec grammar requires.
package semverx

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version wraps a parsed semantic version.
type Version struct {
	v *semver.Version
}

// ParseVersion parses a semver string.
func ParseVersion(s string) (Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("semverx: parse version %q: %w", s, err)
	}
	return Version{v: v}, nil
}

func (v Version) String() string { return v.v.String() }

// Compare returns -1, 0, 1 per semver.Version.Compare.
func (v Version) Compare(other Version) int { return v.v.Compare(other.v) }

// Constraints is a parsed, comma-joined AND set of version constraints.
type Constraints struct {
	c *semver.Constraints
}

// ParseConstraints parses a dependency spec's constraint set. Each
// individual term may use the standard operators (==, >=, <=, >, <, !=) or
// the "~=X.Y.Z" compatible-release shorthand, which expands to
// ">=X.Y.Z, <X.(Y+1).0".
func ParseConstraints(terms []string) (Constraints, error) {
	expanded := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if strings.HasPrefix(t, "~=") {
			lo, hi, err := expandCompatibleRelease(strings.TrimPrefix(t, "~="))
			if err != nil {
				return Constraints{}, err
			}
			expanded = append(expanded, lo, hi)
			continue
		}
		if t == "" {
			continue
		}
		expanded = append(expanded, normalizeOperator(t))
	}
	joined := strings.Join(expanded, ", ")
	if joined == "" {
		joined = "*"
	}
	c, err := semver.NewConstraint(joined)
	if err != nil {
		return Constraints{}, fmt.Errorf("semverx: parse constraints %q: %w", joined, err)
	}
	return Constraints{c: c}, nil
}

// Check reports whether v satisfies the constraint set.
func (c Constraints) Check(v Version) bool {
	return c.c.Check(v.v)
}

func (c Constraints) String() string { return c.c.String() }

// normalizeOperator rewrites "==" (spec.md's equality operator) to
// Masterminds/semver's "=".
func normalizeOperator(term string) string {
	if strings.HasPrefix(term, "==") {
		return "=" + strings.TrimPrefix(term, "==")
	}
	return term
}

// expandCompatibleRelease implements "~=X.Y.Z" -> [">=X.Y.Z", "<X.(Y+1).0"].
func expandCompatibleRelease(base string) (lo, hi string, err error) {
	v, err := semver.NewVersion(strings.TrimSpace(base))
	if err != nil {
		return "", "", fmt.Errorf("semverx: parse ~= operand %q: %w", base, err)
	}
	upper := semver.New(v.Major(), v.Minor()+1, 0, "", "")
	return ">=" + v.String(), "<" + upper.String(), nil
}
