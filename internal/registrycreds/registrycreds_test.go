package registrycreds

import (
	"path/filepath"
	"testing"
)

func TestSetGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	s, err := Open(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("mirror.example.com", "bearer-token-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reopened, err := Open(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := reopened.Get("mirror.example.com")
	if err != nil || !ok {
		t.Fatalf("Get: %v, ok=%v", err, ok)
	}
	if got != "bearer-token-123" {
		t.Fatalf("token = %q", got)
	}

	if err := reopened.Delete("mirror.example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = reopened.Get("mirror.example.com")
	if err != nil || ok {
		t.Fatalf("expected credential gone, ok=%v err=%v", ok, err)
	}
}

func TestWrongPassphraseFailsDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	s, err := Open(path, "passphrase-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("host", "secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	wrong, err := Open(path, "passphrase-b")
	if err != nil {
		t.Fatalf("Open wrong: %v", err)
	}
	if _, _, err := wrong.Get("host"); err == nil {
		t.Fatal("expected decryption failure with wrong passphrase")
	}
}
