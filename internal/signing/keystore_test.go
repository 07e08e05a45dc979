package signing

import "testing"

func TestEmptyKeystoreRejectsAnySignature(t *testing.T) {
	ks, err := NewKeystore("")
	if err != nil {
		t.Fatalf("NewKeystore: %v", err)
	}
	if err := ks.Verify([]byte("hello"), "bogus"); err == nil {
		t.Fatal("expected verification failure against empty keystore")
	}
}

func TestAddKeyRejectsMalformedKey(t *testing.T) {
	ks, err := NewKeystore("")
	if err != nil {
		t.Fatalf("NewKeystore: %v", err)
	}
	if err := ks.AddKey("not-a-real-key"); err == nil {
		t.Fatal("expected error adding malformed key")
	}
}
