package repository

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"opm/internal/signing"
	"opm/pkg/pm"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	ks, err := signing.NewKeystore("")
	if err != nil {
		t.Fatalf("NewKeystore: %v", err)
	}
	return NewClient(ks, nil)
}

func TestFetchRejectsUnsignedIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/index.json" {
			w.Write([]byte(`{"packages":{}}`))
			return
		}
		w.Write([]byte("untrusted-signature"))
	}))
	defer srv.Close()

	c := newTestClient(t)
	_, err := c.Fetch(context.Background(), srv.URL+"/index.json")
	if err == nil {
		t.Fatal("expected verification failure against a keystore with no trusted keys")
	}
	var pe *pm.Error
	if !errors.As(err, &pe) || pe.Kind != pm.SigningError {
		t.Fatalf("expected pm.SigningError, got %v", err)
	}
}

func TestFetchPropagatesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t)
	_, err := c.Fetch(context.Background(), srv.URL+"/index.json")
	if err == nil {
		t.Fatal("expected error for missing index")
	}
	var pe *pm.Error
	if !errors.As(err, &pe) || pe.Kind != pm.NetworkError {
		t.Fatalf("expected pm.NetworkError, got %v", err)
	}
	if pe.Retryable() {
		t.Fatal("404 should not be retryable")
	}
}
