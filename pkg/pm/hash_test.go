package pm

import (
	"strings"
	"testing"
)

func TestHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("hello world"))
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %v != %v", parsed, h)
	}
	if len(h.Prefix()) != 2 {
		t.Fatalf("prefix length = %d, want 2", len(h.Prefix()))
	}
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := HashBytes(data)
	got, n, err := HashReader(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("n = %d, want %d", n, len(data))
	}
	if got != want {
		t.Fatalf("HashReader digest mismatch")
	}
}

func TestParseHashRejectsBadInput(t *testing.T) {
	if _, err := ParseHash("not-hex"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := ParseHash("abcd"); err == nil {
		t.Fatal("expected error for short input")
	}
}
