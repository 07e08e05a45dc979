package archivefmt

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteThenStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, FormatHeader{Major: 1, Minor: 0})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	content := []byte("hello archive")
	if err := w.WriteDir("bin", 0o755); err != nil {
		t.Fatalf("WriteDir: %v", err)
	}
	if err := w.WriteFile("bin/tool", 0o755, int64(len(content)), bytes.NewReader(content)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []Entry
	totals, err := Stream(context.Background(), bytes.NewReader(buf.Bytes()), DefaultLimits(), func(e Entry, r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if !e.IsDir && string(data) != string(content) {
			t.Fatalf("entry %s: content mismatch", e.Path)
		}
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if totals.Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", totals.Entries)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 visited entries, got %d", len(got))
	}
}

func TestDetectFormatFindsHeader(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, FormatHeader{Major: 2, Minor: 1})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(t.TempDir(), "pkg.opma")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	hdr, found, err := DetectFormat(path)
	if err != nil {
		t.Fatalf("DetectFormat: %v", err)
	}
	if !found {
		t.Fatal("expected header to be found")
	}
	if hdr.Major != 2 || hdr.Minor != 1 {
		t.Fatalf("hdr = %+v", hdr)
	}
}

func TestDetectFormatMissingHeaderIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.bin")
	if err := os.WriteFile(path, []byte("not an spv1 archive at all"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, found, err := DetectFormat(path)
	if err != nil {
		t.Fatalf("DetectFormat: %v", err)
	}
	if found {
		t.Fatal("expected no header to be found")
	}
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	cases := []string{"../etc/passwd", "/etc/passwd", "a/../../b", "CON", "CON.txt"}
	for _, p := range cases {
		if err := ValidatePath(p, DefaultLimits()); err == nil {
			t.Fatalf("expected ValidatePath(%q) to fail", p)
		}
	}
}

func TestValidatePathAcceptsNormalPaths(t *testing.T) {
	cases := []string{"bin/tool", "lib/libfoo.dylib", "share/doc/readme.md"}
	for _, p := range cases {
		if err := ValidatePath(p, DefaultLimits()); err != nil {
			t.Fatalf("ValidatePath(%q): %v", p, err)
		}
	}
}

func TestTotalsEnforcesExtractedSizeLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxExtractedSize = 100
	var totals Totals
	if err := totals.AddEntry(50, limits); err != nil {
		t.Fatalf("first AddEntry: %v", err)
	}
	if err := totals.AddEntry(60, limits); err == nil {
		t.Fatal("expected extracted size limit to trip")
	}
}
