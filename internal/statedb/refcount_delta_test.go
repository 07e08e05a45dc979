package statedb

import (
	"testing"

	"opm/pkg/pm"
)

func hset(bs ...byte) map[pm.Hash]struct{} {
	out := make(map[pm.Hash]struct{}, len(bs))
	for _, b := range bs {
		var h pm.Hash
		h[0] = b
		out[h] = struct{}{}
	}
	return out
}

func TestRefcountDeltaAddedAndRemoved(t *testing.T) {
	from := hset(1, 2, 3)
	to := hset(2, 3, 4)

	added, removed := RefcountDelta(from, to)
	if len(added) != 1 || added[0][0] != 4 {
		t.Fatalf("added = %+v, want [4]", added)
	}
	if len(removed) != 1 || removed[0][0] != 1 {
		t.Fatalf("removed = %+v, want [1]", removed)
	}
}

func TestRefcountDeltaFirstInstall(t *testing.T) {
	to := hset(1, 2)
	added, removed := RefcountDelta(nil, to)
	if len(added) != 2 {
		t.Fatalf("added = %+v, want 2 entries", added)
	}
	if len(removed) != 0 {
		t.Fatalf("removed = %+v, want none", removed)
	}
}

func TestRefcountDeltaNoChange(t *testing.T) {
	set := hset(5, 6)
	added, removed := RefcountDelta(set, set)
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("expected no deltas, got added=%+v removed=%+v", added, removed)
	}
}
