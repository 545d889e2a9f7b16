// Package crypto seals session credential blobs with AES-GCM under a key
// derived from an operator passphrase with argon2id.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	blobVersion = 1
	nonceLen    = 12
	keyLen      = 32
	minSaltLen  = 16
)

// ErrDecrypt is returned for blobs that cannot be opened with the current key.
var ErrDecrypt = errors.New("credential decrypt failed")

// Params tunes the argon2id derivation.
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultParams are the production derivation costs.
var DefaultParams = Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// Service implements harvest.CredentialCrypto.
type Service struct {
	aead cipher.AEAD
}

// New derives the sealing key once from passphrase and salt.
func New(passphrase string, salt []byte, p Params) (*Service, error) {
	if passphrase == "" {
		return nil, errors.New("crypto passphrase is required")
	}
	if len(salt) < minSaltLen {
		return nil, fmt.Errorf("crypto salt must be at least %d bytes", minSaltLen)
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		p = DefaultParams
	}
	key := argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Threads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Service{aead: aead}, nil
}

// Encrypt seals plaintext as version || nonce || ciphertext.
func (s *Service) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+nonceLen+len(plaintext)+s.aead.Overhead())
	out = append(out, blobVersion)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, []byte{blobVersion}), nil
}

// Decrypt opens a blob produced by Encrypt.
func (s *Service) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < 1+nonceLen+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecrypt)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrDecrypt, blob[0])
	}
	nonce := blob[1 : 1+nonceLen]
	plaintext, err := s.aead.Open(nil, nonce, blob[1+nonceLen:], blob[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
