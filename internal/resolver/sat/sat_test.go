package sat

import (
	"context"
	"testing"
)

func TestSolveSimpleSatisfiable(t *testing.T) {
	// (x0 OR x1) AND (NOT x0 OR x1) AND (x0 OR NOT x1)
	s := NewSolver(2)
	s.AddClause([]Lit{NewLit(0, true), NewLit(1, true)})
	s.AddClause([]Lit{NewLit(0, false), NewLit(1, true)})
	s.AddClause([]Lit{NewLit(0, true), NewLit(1, false)})

	res, err := s.Solve(context.Background())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !res.Satisfiable {
		t.Fatal("expected satisfiable instance")
	}
	if !res.Assignment[0] || !res.Assignment[1] {
		t.Fatalf("expected x0=x1=true, got %+v", res.Assignment)
	}
}

func TestSolveUnsatisfiable(t *testing.T) {
	// x0 AND NOT x0
	s := NewSolver(1)
	s.AddClause([]Lit{NewLit(0, true)})
	s.AddClause([]Lit{NewLit(0, false)})

	res, err := s.Solve(context.Background())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Satisfiable {
		t.Fatal("expected unsatisfiable instance")
	}
}

func TestSolveAtMostOnePickPreferred(t *testing.T) {
	// At-least-one(v1,v2,v3), at-most-one pairs. Preferred var (v1) should
	// end up selected since Boost favors it before any conflicts occur.
	s := NewSolver(3)
	s.AddClause([]Lit{NewLit(0, true), NewLit(1, true), NewLit(2, true)})
	s.AddClause([]Lit{NewLit(0, false), NewLit(1, false)})
	s.AddClause([]Lit{NewLit(0, false), NewLit(2, false)})
	s.AddClause([]Lit{NewLit(1, false), NewLit(2, false)})
	s.Boost(0, 10)
	s.Prefer(0, true)

	res, err := s.Solve(context.Background())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !res.Satisfiable {
		t.Fatal("expected satisfiable instance")
	}
	trueCount := 0
	for _, b := range res.Assignment {
		if b {
			trueCount++
		}
	}
	if trueCount != 1 {
		t.Fatalf("expected exactly one true variable, got %d (%+v)", trueCount, res.Assignment)
	}
}
