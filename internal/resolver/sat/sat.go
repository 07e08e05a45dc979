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

// Package sat is a small CDCL SAT solver: two-watched literals, VSIDS
// variable selection, Luby restarts, first-UIP clause learning with
// non-chronological backjumping. It exists to let the resolver turn a
// dependency graph into a single satisfiability instance instead of
// backtracking the graph walk by hand (spec.md §4.4).
package sat

import "context"

// Lit is a signed literal: variable v (0-indexed) appears as Lit(2v) when
// positive and Lit(2v+1) when negated.
type Lit int32

// NewLit builds the literal for variable v with the given polarity.
func NewLit(v int, positive bool) Lit {
	if positive {
		return Lit(2 * v)
	}
	return Lit(2*v + 1)
}

// Var returns the variable a literal refers to.
func (l Lit) Var() int { return int(l) / 2 }

// Sign reports whether the literal is positive.
func (l Lit) Sign() bool { return l%2 == 0 }

// Not returns the negation of l.
func (l Lit) Not() Lit { return l ^ 1 }

type lbool int8

const (
	lUndef lbool = iota
	lTrue
	lFalse
)

func (l lbool) negate() lbool {
	switch l {
	case lTrue:
		return lFalse
	case lFalse:
		return lTrue
	default:
		return lUndef
	}
}

type clause struct {
	lits    []Lit
	learnt  bool
	activity float64
}

type varInfo struct {
	value     lbool
	reason    int // clause index that implied this var, -1 if decision/unset
	level     int
	activity  float64
	polarity  bool // preferred polarity on next decision
	polarityPinned bool
}

// Solver holds CNF clauses over 0-indexed variables and solves them with
// CDCL. Callers add clauses via AddClause, nudge decision order with
// Prefer, then call Solve.
type Solver struct {
	numVars int
	clauses []*clause

	watches [][]int // per literal, indices into clauses that watch it

	assign   []varInfo
	trail    []Lit
	trailLim []int // trail length at each decision level

	varInc  float64
	varDecay float64
	order   *varHeap

	conflictBudget int

	// rootConflict holds the variable of a unit clause that AddClause found
	// already falsified at level 0; Solve then reports UNSAT at once.
	rootConflict []int
}

// NewSolver allocates a solver over numVars Boolean variables.
func NewSolver(numVars int) *Solver {
	s := &Solver{
		numVars:  numVars,
		watches:  make([][]int, 2*numVars),
		assign:   make([]varInfo, numVars),
		varInc:   1.0,
		varDecay: 0.95,
	}
	for v := range s.assign {
		s.assign[v].reason = -1
		s.assign[v].level = -1
		s.assign[v].polarity = true
	}
	s.order = newVarHeap(numVars, s)
	return s
}

// Prefer sets the initial decision polarity for a variable: the resolver
// uses this to prefer an already-installed version, then the highest
// available version, per spec.md's stated decision heuristic.
func (s *Solver) Prefer(v int, positive bool) {
	s.assign[v].polarity = positive
	s.assign[v].polarityPinned = true
}

// Boost raises a variable's initial VSIDS activity so it is branched on
// earlier; used to seed the "prefer installed, then highest version"
// ordering before any conflicts have occurred to build activity organically.
func (s *Solver) Boost(v int, amount float64) {
	s.assign[v].activity += amount
	s.order.update(v)
}

// AddClause adds a disjunction of literals as a hard constraint. Returns
// false if the clause is trivially false (already conflicts at level 0).
func (s *Solver) AddClause(lits []Lit) bool {
	if len(lits) == 0 {
		return false
	}
	c := &clause{lits: append([]Lit(nil), lits...)}
	if !s.attachClause(c) {
		s.rootConflict = append(s.rootConflict, c.lits[0].Var())
		return false
	}
	return true
}

func (s *Solver) attachClause(c *clause) bool {
	if len(c.lits) == 1 {
		return s.enqueue(c.lits[0], -1)
	}
	idx := len(s.clauses)
	s.clauses = append(s.clauses, c)
	s.watches[c.lits[0]] = append(s.watches[c.lits[0]], idx)
	s.watches[c.lits[1]] = append(s.watches[c.lits[1]], idx)
	return true
}

func (s *Solver) value(l Lit) lbool {
	v := s.assign[l.Var()].value
	if !l.Sign() {
		v = v.negate()
	}
	return v
}

func (s *Solver) enqueue(l Lit, reason int) bool {
	v := l.Var()
	cur := s.value(l)
	if cur == lTrue {
		return true
	}
	if cur == lFalse {
		return false
	}
	val := lTrue
	if !l.Sign() {
		val = lFalse
	}
	s.assign[v].value = val
	s.assign[v].reason = reason
	s.assign[v].level = s.decisionLevel()
	s.trail = append(s.trail, l)
	return true
}

func (s *Solver) decisionLevel() int { return len(s.trailLim) }

// Result is the outcome of a solve attempt.
type Result struct {
	Satisfiable bool
	Assignment  []bool // indexed by variable; meaningful only if Satisfiable
	// Core holds the variables of the clause found falsified at decision
	// level 0, for callers that want to report a minimal-ish explanation.
	Core []int
}

// Solve runs CDCL until SAT, UNSAT, or ctx is cancelled.
func (s *Solver) Solve(ctx context.Context) (Result, error) {
	var conflictC int
	restartBase := 100
	luby := newLubySequence()

	if len(s.rootConflict) > 0 {
		return Result{Satisfiable: false, Core: s.rootConflict}, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		confl := s.propagate()
		if confl >= 0 {
			if s.decisionLevel() == 0 {
				return Result{Satisfiable: false, Core: s.unsatCore(confl)}, nil
			}
			learnt, backLevel := s.analyze(confl)
			s.cancelUntil(backLevel)
			s.attachClause(&clause{lits: learnt, learnt: true})
			if len(learnt) > 0 {
				s.enqueue(learnt[0], len(s.clauses)-1)
			}
			conflictC++
			s.decayActivity()
			continue
		}

		if len(s.trail) == s.numVars {
			return Result{Satisfiable: true, Assignment: s.extractAssignment()}, nil
		}

		if conflictC >= restartBase*luby.next() {
			s.cancelUntil(0)
			conflictC = 0
			continue
		}

		v, ok := s.pickBranchVar()
		if !ok {
			return Result{Satisfiable: true, Assignment: s.extractAssignment()}, nil
		}
		s.trailLim = append(s.trailLim, len(s.trail))
		polarity := s.assign[v].polarity
		s.enqueue(NewLit(v, polarity), -1)
	}
}

func (s *Solver) extractAssignment() []bool {
	out := make([]bool, s.numVars)
	for v := range s.assign {
		out[v] = s.assign[v].value == lTrue
	}
	return out
}

func (s *Solver) pickBranchVar() (int, bool) {
	for {
		v, ok := s.order.popMax()
		if !ok {
			return 0, false
		}
		if s.assign[v].value == lUndef {
			return v, true
		}
	}
}

// propagate performs unit propagation via the two-watched-literal scheme,
// returning the index of a falsified clause, or -1 if propagation reached
// fixpoint without conflict.
func (s *Solver) propagate() int {
	qHead := 0
	for qHead < len(s.trail) {
		p := s.trail[qHead]
		qHead++
		falseLit := p.Not()
		ws := s.watches[falseLit]
		newWs := ws[:0]
		for i := 0; i < len(ws); i++ {
			ci := ws[i]
			c := s.clauses[ci]
			if c.lits[0] == falseLit {
				c.lits[0], c.lits[1] = c.lits[1], c.lits[0]
			}
			if s.value(c.lits[0]) == lTrue {
				newWs = append(newWs, ci)
				continue
			}
			foundNew := false
			for k := 2; k < len(c.lits); k++ {
				if s.value(c.lits[k]) != lFalse {
					c.lits[1], c.lits[k] = c.lits[k], c.lits[1]
					s.watches[c.lits[1]] = append(s.watches[c.lits[1]], ci)
					foundNew = true
					break
				}
			}
			if foundNew {
				continue
			}
			newWs = append(newWs, ci)
			if s.value(c.lits[0]) == lFalse {
				s.watches[falseLit] = append(append([]int(nil), newWs...), ws[i+1:]...)
				return ci
			}
			s.enqueue(c.lits[0], ci)
		}
		s.watches[falseLit] = newWs
	}
	return -1
}

// analyze walks the implication graph from the conflicting clause to derive
// a first-UIP learnt clause and the backjump level.
func (s *Solver) analyze(confl int) ([]Lit, int) {
	seen := make([]bool, s.numVars)
	learnt := []Lit{0} // placeholder for the asserting literal
	counter := 0
	p := Lit(-1)
	idx := len(s.trail) - 1

	for {
		c := s.clauses[confl]
		s.bumpClauseActivity(c)
		start := 0
		if p != -1 {
			start = 1 // lits[0] is p itself, already resolved
		}
		for i := start; i < len(c.lits); i++ {
			q := c.lits[i]
			v := q.Var()
			if seen[v] || s.assign[v].level == 0 {
				continue
			}
			seen[v] = true
			s.bumpVarActivity(v)
			if s.assign[v].level == s.decisionLevel() {
				counter++
			} else {
				learnt = append(learnt, q.Not())
			}
		}

		for !seen[s.trail[idx].Var()] {
			idx--
		}
		p = s.trail[idx]
		seen[p.Var()] = false
		counter--
		idx--
		if counter == 0 {
			break
		}
		confl = s.assign[p.Var()].reason
	}
	learnt[0] = p.Not()

	backLevel := 0
	for i := 1; i < len(learnt); i++ {
		lvl := s.assign[learnt[i].Var()].level
		if lvl > backLevel {
			backLevel = lvl
		}
	}
	return learnt, backLevel
}

func (s *Solver) cancelUntil(level int) {
	if s.decisionLevel() <= level {
		return
	}
	from := s.trailLim[level]
	for i := len(s.trail) - 1; i >= from; i-- {
		v := s.trail[i].Var()
		s.assign[v].value = lUndef
		s.assign[v].reason = -1
		s.assign[v].level = -1
		if !s.assign[v].polarityPinned {
			s.order.push(v)
		} else {
			s.order.push(v)
		}
	}
	s.trail = s.trail[:from]
	s.trailLim = s.trailLim[:level]
}

func (s *Solver) bumpVarActivity(v int) {
	s.assign[v].activity += s.varInc
	s.order.update(v)
}

func (s *Solver) bumpClauseActivity(c *clause) {
	if c.learnt {
		c.activity += 1
	}
}

func (s *Solver) decayActivity() {
	s.varInc /= s.varDecay
}

// unsatCore returns the variables of the clause falsified by a top-level
// conflict, as a rough explanation surface for the caller.
func (s *Solver) unsatCore(confl int) []int {
	lits := s.clauses[confl].lits
	core := make([]int, 0, len(lits))
	for _, l := range lits {
		core = append(core, l.Var())
	}
	return core
}
