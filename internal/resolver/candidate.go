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

// Package resolver turns a set of goal dependency specs into a topologically
// batched execution plan: candidate generation against a repository index,
// followed by a CDCL SAT solve over an at-most-one/at-least-one/dependency
// clause set (spec.md §4.4).
package resolver

import (
	"context"

	"opm/internal/semverx"
	"opm/pkg/pm"
)

// Candidate is one concrete (name, version) the resolver may select,
// together with everything needed to stage it once selected.
type Candidate struct {
	Identity     pm.Identity
	Version      semverx.Version
	Runtime      []pm.DependencySpec
	DownloadURL  string
	MinisigURL   string
	ExpectedHash pm.Hash
}

// Provider supplies every known candidate for a package name. Consumers
// typically back this with an internal/repository.Client; tests and
// scripted installs can supply a fixed in-memory map instead.
type Provider interface {
	Versions(ctx context.Context, name string) ([]Candidate, error)
}

// InstalledSet reports the currently installed identity for a package
// name, if any. Backed by internal/statedb in production.
type InstalledSet interface {
	Installed(name string) (pm.Identity, bool)
}

// Config tunes resolver behavior; the zero value is usable.
type Config struct {
	// MaxCandidatesPerName caps how many versions of a single package the
	// candidate walk will consider, to bound SAT instance size against a
	// pathological repository index. Zero means unbounded.
	MaxCandidatesPerName int
}

// Resolver resolves goal specs into an ExecutionPlan.
type Resolver struct {
	provider  Provider
	installed InstalledSet
	cfg       Config
}

// New builds a Resolver over provider and the currently installed set.
func New(provider Provider, installed InstalledSet, cfg Config) *Resolver {
	return &Resolver{provider: provider, installed: installed, cfg: cfg}
}

// candidateSet accumulates every (name, version) candidate discovered
// during the BFS/DFS walk, keyed by name.
type candidateSet struct {
	byName map[string][]Candidate
	seen   map[string]map[string]bool // name -> version string -> seen
}

func newCandidateSet() *candidateSet {
	return &candidateSet{
		byName: map[string][]Candidate{},
		seen:   map[string]map[string]bool{},
	}
}

func (cs *candidateSet) add(c Candidate) bool {
	name := c.Identity.Name
	if cs.seen[name] == nil {
		cs.seen[name] = map[string]bool{}
	}
	key := c.Identity.String()
	if cs.seen[name][key] {
		return false
	}
	cs.seen[name][key] = true
	cs.byName[name] = append(cs.byName[name], c)
	return true
}

// gatherCandidates walks from each goal's required name, collecting every
// candidate whose version satisfies the inherited constraint, recursing
// into runtime dependencies. Mirrors spec.md §4.4 Phase A.
func (r *Resolver) gatherCandidates(ctx context.Context, goals []pm.DependencySpec) (*candidateSet, error) {
	cs := newCandidateSet()

	type frame struct {
		name        string
		constraints []string
	}
	queue := make([]frame, 0, len(goals))
	for _, g := range goals {
		queue = append(queue, frame{name: g.Name, constraints: g.Constraints})
	}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		all, err := r.provider.Versions(ctx, f.name)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, pm.ErrResolutionMissingPackage(f.name)
		}

		constraints, err := semverx.ParseConstraints(f.constraints)
		if err != nil {
			return nil, pm.NewError(pm.ResolutionError, "constraint_parse", err)
		}

		matched := 0
		for _, c := range all {
			if !constraints.Check(c.Version) {
				continue
			}
			if r.cfg.MaxCandidatesPerName > 0 && matched >= r.cfg.MaxCandidatesPerName {
				break
			}
			matched++
			if cs.add(c) {
				for _, dep := range c.Runtime {
					queue = append(queue, frame{name: dep.Name, constraints: dep.Constraints})
				}
			}
		}
		if matched == 0 {
			return nil, pm.ErrResolutionMissingPackage(f.name)
		}
	}
	return cs, nil
}
