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

// Package pm holds the domain types shared across opm's core packages:
// content hashes, package identity, manifests, execution plans, the error
// taxonomy, and verifier discrepancy types.
package pm

import (
	"encoding/hex"
	"errors"
	"io"

	"lukechampine.com/blake3"
)

// HashSize is the length in bytes of a BLAKE3 content hash.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest identifying CAS content.
type Hash [HashSize]byte

// String returns the lowercase hex encoding used as the on-disk identifier.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (unset).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Prefix returns the first two hex characters, used as the CAS shard
// directory name (store/<kind>/<aa>/<hash>).
func (h Hash) Prefix() string {
	return h.String()[:2]
}

// ParseHash decodes a hex-encoded BLAKE3 digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errFrom("hash.parse", err)
	}
	if len(b) != HashSize {
		return h, errors.New("hash: wrong length")
	}
	copy(h[:], b)
	return h, nil
}

// HashReader streams r, returning its BLAKE3 digest and the total byte count.
func HashReader(r io.Reader) (Hash, int64, error) {
	hasher := blake3.New(HashSize, nil)
	n, err := io.Copy(hasher, r)
	if err != nil {
		return Hash{}, n, err
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, n, nil
}

// HashBytes returns the BLAKE3 digest of b.
func HashBytes(b []byte) Hash {
	sum := blake3.Sum256(b)
	return Hash(sum)
}

func errFrom(code string, err error) error {
	return &Error{Kind: VersionError, code: code, cause: err}
}
