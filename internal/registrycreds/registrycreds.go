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

// Package registrycreds stores bearer credentials for private package
// mirrors encrypted at rest, reusing the same PBKDF2 + AES-256-GCM
// envelope the teacher uses to protect BMC passwords.
package registrycreds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"opm/internal/pathatomic"
	"opm/pkg/pm"
)

const (
	saltPrefix = "opm-registrycreds-"
	nonceSize  = 12
	keySize    = 32
	iterations = 100_000
)

// Store is a file-backed map of registry host -> encrypted bearer token.
type Store struct {
	path string
	key  []byte
	data map[string]string // host -> base64(nonce || ciphertext)
}

// Open loads (or initializes) the credential store at path, deriving the
// encryption key from passphrase via PBKDF2-SHA256 exactly as
// pkg/crypto.NewEncryptor does.
func Open(path, passphrase string) (*Store, error) {
	if passphrase == "" {
		return nil, pm.NewError(pm.StorageError, "registrycreds_empty_passphrase", errors.New("passphrase cannot be empty"))
	}
	salt := sha256.Sum256([]byte(saltPrefix + passphrase))
	key := pbkdf2.Key([]byte(passphrase), salt[:], iterations, keySize, sha256.New)

	s := &Store{path: path, key: key, data: map[string]string{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := readFileIgnoreMissing(s.path)
	if err != nil {
		return pm.ErrStorageIO(err)
	}
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, &s.data)
}

func (s *Store) save() error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		return pm.ErrStorageIO(err)
	}
	return pathatomic.WriteFile(s.path, raw, 0o600)
}

// Set encrypts token and persists it under host.
func (s *Store) Set(host, token string) error {
	enc, err := s.encrypt(token)
	if err != nil {
		return err
	}
	s.data[host] = enc
	return s.save()
}

// Get decrypts and returns the bearer token for host, if any.
func (s *Store) Get(host string) (string, bool, error) {
	enc, ok := s.data[host]
	if !ok {
		return "", false, nil
	}
	plain, err := s.decrypt(enc)
	if err != nil {
		return "", false, err
	}
	return plain, true, nil
}

// Delete removes any stored credential for host.
func (s *Store) Delete(host string) error {
	if _, ok := s.data[host]; !ok {
		return nil
	}
	delete(s.data, host)
	return s.save()
}

func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", pm.ErrStorageIO(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", pm.ErrStorageIO(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", pm.ErrStorageIO(err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := append(nonce, ciphertext...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

func (s *Store) decrypt(encoded string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", pm.ErrStorageIO(fmt.Errorf("decode credential: %w", err))
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", pm.ErrStorageIO(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", pm.ErrStorageIO(err)
	}
	if len(combined) < gcm.NonceSize() {
		return "", pm.ErrStorageIO(errors.New("credential ciphertext too short"))
	}
	nonce, ciphertext := combined[:gcm.NonceSize()], combined[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", pm.ErrStorageIO(fmt.Errorf("decrypt credential (wrong passphrase?): %w", err))
	}
	return string(plain), nil
}
