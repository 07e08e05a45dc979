package pipeline

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFetchToDownloadsFullFile(t *testing.T) {
	content := []byte("package archive bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	f := newFetcher(nil)
	dest := filepath.Join(t.TempDir(), "out.sp")
	n, err := f.fetchTo(t.Context(), "pkg", srv.URL, dest)
	if err != nil {
		t.Fatalf("fetchTo: %v", err)
	}
	if n != int64(len(content)) {
		t.Fatalf("expected %d bytes, got %d", len(content), n)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q", got)
	}
}

func TestFetchToResumesPartialDownload(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(content)
			return
		}
		var start int
		if _, err := fmt.Sscanf(rng, "bytes=%d-", &start); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", rng)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start:])
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.sp")
	if err := os.WriteFile(dest, content[:10], 0o644); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}

	f := newFetcher(nil)
	n, err := f.fetchTo(t.Context(), "pkg", srv.URL, dest)
	if err != nil {
		t.Fatalf("fetchTo: %v", err)
	}
	if n != int64(len(content)) {
		t.Fatalf("expected %d total bytes, got %d", len(content), n)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected resumed content %q, got %q", content, got)
	}
}

func TestFetchToFailsNonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFetcher(nil)
	f.retryMax = 2
	dest := filepath.Join(t.TempDir(), "out.sp")
	if _, err := f.fetchTo(t.Context(), "pkg", srv.URL, dest); err == nil {
		t.Fatal("expected error for 404 status")
	}
}
