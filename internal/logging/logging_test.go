package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG",
		"WARN":  "WARN",
		"error": "ERROR",
		"":      "INFO",
		"bogus": "INFO",
	}
	for in, want := range cases {
		got := parseLevel(in)
		if got.String() != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewReturnsNonNilLogger(t *testing.T) {
	if l := New("info"); l == nil {
		t.Fatal("New returned nil")
	}
}
