package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyDerivationInfo = "docvault document encryption v1"

var (
	// ErrMissingSecret indicates no key material was supplied.
	ErrMissingSecret = errors.New("crypt: secret material is required")
	// ErrAuthenticationFailed indicates the blob failed AEAD authentication
	// and must not be treated as document content.
	ErrAuthenticationFailed = errors.New("crypt: blob authentication failed")
	// ErrTruncatedBlob indicates the blob is shorter than the framing allows.
	ErrTruncatedBlob = errors.New("crypt: blob truncated")
)

// Codec performs authenticated symmetric encryption of document bytes. The
// stored blob layout is nonce || authTag || ciphertext. A single static key,
// derived from the environment-supplied secret, covers all documents.
type Codec struct {
	aead cipherAEAD
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewCodec derives the document key from the secret via HKDF-SHA256 and
// returns a ChaCha20-Poly1305 codec.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}

	key := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, secret, nil, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypt: key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: cipher construction failed: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals the plaintext under a fresh random nonce and returns the
// stored blob nonce || authTag || ciphertext.
func (c *Codec) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypt: nonce generation failed: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plain, nil)
	tagStart := len(sealed) - c.aead.Overhead()

	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed[tagStart:]...)
	blob = append(blob, sealed[:tagStart]...)
	return blob, nil
}

// Decrypt opens a stored blob. Authentication failure is a hard error; no
// unauthenticated bytes are ever returned.
func (c *Codec) Decrypt(blob []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	overhead := c.aead.Overhead()
	if len(blob) < nonceSize+overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedBlob, len(blob))
	}

	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+overhead]
	ciphertext := blob[nonceSize+overhead:]

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plain, nil
}
