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

package casstore

import (
	"io"
	"os"

	"lukechampine.com/blake3"

	"opm/pkg/pm"
)

type hashState struct {
	h *blake3.Hasher
}

func newHashState() *hashState {
	return &hashState{h: blake3.New(pm.HashSize, nil)}
}

func (hs *hashState) Write(p []byte) (int, error) { return hs.h.Write(p) }

func (hs *hashState) sum() pm.Hash {
	var h pm.Hash
	copy(h[:], hs.h.Sum(nil))
	return h
}

// verifyingReader wraps a file, hashing everything read through it and
// comparing against the expected hash when Read reaches EOF.
type verifyingReader struct {
	f         *os.File
	want      pm.Hash
	hashState *hashState
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.f.Read(p)
	if n > 0 {
		v.hashState.Write(p[:n])
	}
	if err == io.EOF {
		if got := v.hashState.sum(); got != v.want {
			return n, pm.ErrStorageIntegrity(
				io.ErrUnexpectedEOF).WithHint("object content does not match its recorded hash")
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.f.Close()
}
