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

// Package signing verifies detached minisign signatures on package
// archives and the repository index, against a local keystore seeded with
// a single bootstrap public key baked into the binary (spec.md §6).
package signing

import (
	"fmt"
	"sync"

	"github.com/jedisct1/go-minisign"

	"opm/pkg/pm"
)

// Keystore holds trusted minisign public keys, keyed by their key ID.
type Keystore struct {
	mu   sync.RWMutex
	keys map[string]minisign.PublicKey
}

// NewKeystore builds a keystore seeded with a single bootstrap public key
// (typically embedded in the binary at build time).
func NewKeystore(bootstrapPublicKey string) (*Keystore, error) {
	ks := &Keystore{keys: map[string]minisign.PublicKey{}}
	if bootstrapPublicKey != "" {
		if err := ks.AddKey(bootstrapPublicKey); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

// AddKey parses and trusts an additional base64-encoded minisign public key.
func (ks *Keystore) AddKey(encoded string) error {
	pub, err := minisign.NewPublicKey(encoded)
	if err != nil {
		return pm.ErrSigningVerification(fmt.Errorf("parse public key: %w", err))
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[keyID(pub)] = pub
	return nil
}

// Verify checks a detached minisign signature against message, trying
// every key in the keystore. Returns pm.SigningError on failure, with a
// distinct code for "no trusted key recognized the signer".
func (ks *Keystore) Verify(message []byte, signature string) error {
	sig, err := minisign.DecodeSignature(signature)
	if err != nil {
		return pm.ErrSigningVerification(fmt.Errorf("decode signature: %w", err))
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if len(ks.keys) == 0 {
		return pm.ErrSigningUnknownSigner(fmt.Errorf("keystore has no trusted keys"))
	}
	for _, pub := range ks.keys {
		ok, err := pub.Verify(message, sig)
		if err == nil && ok {
			return nil
		}
	}
	return pm.ErrSigningUnknownSigner(fmt.Errorf("no trusted key validated this signature"))
}

func keyID(pub minisign.PublicKey) string {
	return fmt.Sprintf("%x", pub.ID)
}
