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

package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"opm/internal/resolver/sat"
	"opm/internal/semverx"
	"opm/pkg/pm"
)

// varTable maps each candidate to a SAT variable and back.
type varTable struct {
	byKey   map[string]int // "name@identity" -> var
	byVar   []Candidate
	byName  map[string][]int // name -> vars, in descending preference order
}

func newVarTable() *varTable {
	return &varTable{byKey: map[string]int{}, byName: map[string][]int{}}
}

func (t *varTable) add(c Candidate) int {
	v := len(t.byVar)
	t.byVar = append(t.byVar, c)
	t.byKey[c.Identity.String()] = v
	t.byName[c.Identity.Name] = append(t.byName[c.Identity.Name], v)
	return v
}

// Resolve produces an ExecutionPlan satisfying goals, per spec.md §4.4.
func (r *Resolver) Resolve(ctx context.Context, goals []pm.DependencySpec) (pm.ExecutionPlan, error) {
	fastPath, remaining := r.fastPathInstalled(goals)
	if len(remaining) == 0 {
		return batchSelections(fastPath, nil)
	}

	cs, err := r.gatherCandidates(ctx, remaining)
	if err != nil {
		return pm.ExecutionPlan{}, err
	}

	vt := newVarTable()
	for _, cands := range cs.byName {
		sorted := append([]Candidate(nil), cands...)
		sort.Slice(sorted, func(i, j int) bool {
			cmp := sorted[i].Version.Compare(sorted[j].Version)
			if cmp != 0 {
				return cmp > 0
			}
			return sorted[i].Identity.Revision > sorted[j].Identity.Revision
		})
		for _, c := range sorted {
			vt.add(c)
		}
	}

	solver := sat.NewSolver(len(vt.byVar))
	r.seedPreferences(solver, vt)

	for _, vars := range vt.byName {
		atMostOne(solver, vars)
	}

	// Dependency clauses: (¬v ∨ u1 ∨ ... ∨ um) for each v's runtime dep.
	// These are the only source of "transitively required" — a name pulled
	// in by a candidate that SAT did not select stays optional.
	for v, c := range vt.byVar {
		for _, dep := range c.Runtime {
			constraints, err := semverx.ParseConstraints(dep.Constraints)
			if err != nil {
				return pm.ExecutionPlan{}, pm.NewError(pm.ResolutionError, "constraint_parse", err)
			}
			clause := []sat.Lit{sat.NewLit(v, false)}
			for _, uv := range vt.byName[dep.Name] {
				if constraints.Check(vt.byVar[uv].Version) {
					clause = append(clause, sat.NewLit(uv, true))
				}
			}
			if len(clause) == 1 {
				return pm.ExecutionPlan{}, pm.ErrResolutionUnsat(
					fmt.Errorf("%s has no candidate satisfying %s's dependency on %q %v",
						dep.Name, c.Identity, dep.Name, dep.Constraints))
			}
			solver.AddClause(clause)
		}
	}

	// At-least-one for each explicit goal, restricted to candidates that
	// satisfy that goal's own constraint set (goals are unconditionally
	// required; pure transitive dependencies are not).
	for _, g := range remaining {
		constraints, err := semverx.ParseConstraints(g.Constraints)
		if err != nil {
			return pm.ExecutionPlan{}, pm.NewError(pm.ResolutionError, "constraint_parse", err)
		}
		clause := make([]sat.Lit, 0, len(vt.byName[g.Name]))
		for _, v := range vt.byName[g.Name] {
			if constraints.Check(vt.byVar[v].Version) {
				clause = append(clause, sat.NewLit(v, true))
			}
		}
		if len(clause) == 0 {
			return pm.ExecutionPlan{}, pm.ErrResolutionMissingPackage(g.Name)
		}
		solver.AddClause(clause)
	}

	res, err := solver.Solve(ctx)
	if err != nil {
		return pm.ExecutionPlan{}, err
	}
	if !res.Satisfiable {
		return pm.ExecutionPlan{}, r.explainUnsat(vt, res.Core)
	}

	selections := append([]pm.PlanAction(nil), fastPath...)
	depNamesOf := map[string][]string{}
	for v, truth := range res.Assignment {
		if !truth {
			continue
		}
		c := vt.byVar[v]
		selections = append(selections, pm.PlanAction{
			Identity:     c.Identity,
			Kind:         pm.ActionDownload,
			DownloadURL:  c.DownloadURL,
			MinisigURL:   c.MinisigURL,
			ExpectedHash: c.ExpectedHash,
		})
		names := make([]string, 0, len(c.Runtime))
		for _, dep := range c.Runtime {
			names = append(names, dep.Name)
		}
		depNamesOf[c.Identity.String()] = names
	}
	return batchSelections(selections, depNamesOf)
}

// fastPathInstalled short-circuits any goal whose single constraint set is
// already satisfied by the installed version, per spec.md's "installed
// fast path" preference.
func (r *Resolver) fastPathInstalled(goals []pm.DependencySpec) (fastPath []pm.PlanAction, remaining []pm.DependencySpec) {
	if r.installed == nil {
		return nil, goals
	}
	for _, g := range goals {
		id, ok := r.installed.Installed(g.Name)
		if !ok {
			remaining = append(remaining, g)
			continue
		}
		v, err := semverx.ParseVersion(id.Version)
		if err != nil {
			remaining = append(remaining, g)
			continue
		}
		constraints, err := semverx.ParseConstraints(g.Constraints)
		if err != nil || !constraints.Check(v) {
			remaining = append(remaining, g)
			continue
		}
		fastPath = append(fastPath, pm.PlanAction{Identity: id, Kind: pm.ActionLocal})
	}
	return fastPath, remaining
}

// seedPreferences biases the SAT decision order toward already-installed
// candidates, then the highest version, per spec.md's stated heuristic.
//
// Every variable gets a value from Solve (it decides all of them, not just
// the ones reachable from a goal), so the default decision polarity is what
// actually gets installed for any candidate that isn't pinned true by a
// hard clause. Defaulting every candidate to true would select every name
// ever pulled in as someone's dependency, whether or not the version that
// was actually picked still depends on it. Only the candidate matching an
// already-installed version is preferred true; everything else defaults to
// false and is flipped only if a clause (a dependency or goal requirement)
// forces it.
func (r *Resolver) seedPreferences(solver *sat.Solver, vt *varTable) {
	for v, c := range vt.byVar {
		installedMatch := false
		rank := 0.0
		if r.installed != nil {
			if id, ok := r.installed.Installed(c.Identity.Name); ok && id.String() == c.Identity.String() {
				installedMatch = true
				rank += 1000
			}
		}
		solver.Boost(v, rank+float64(len(vt.byVar)-v))
		solver.Prefer(v, installedMatch)
	}
}

// atMostOne adds pairwise (¬vi ∨ ¬vj) clauses over vars, per spec.md's
// at-most-one-version-per-name invariant.
func atMostOne(solver *sat.Solver, vars []int) {
	for i := 0; i < len(vars); i++ {
		for j := i + 1; j < len(vars); j++ {
			solver.AddClause([]sat.Lit{sat.NewLit(vars[i], false), sat.NewLit(vars[j], false)})
		}
	}
}

// explainUnsat turns a SAT core back into a human-facing message listing
// the conflicting selections and candidate relaxations.
func (r *Resolver) explainUnsat(vt *varTable, core []int) error {
	var names []string
	for _, v := range core {
		if v >= 0 && v < len(vt.byVar) {
			names = append(names, vt.byVar[v].Identity.String())
		}
	}
	hint := "relax a version constraint or allow an older revision"
	return pm.ErrResolutionUnsat(fmt.Errorf("no satisfying assignment; conflicting candidates: %s", strings.Join(names, ", "))).
		WithHint(hint)
}
