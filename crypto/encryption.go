package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	aes256KeySize = 32

	// NonceSize is the nonce prefix length of a sealed frame.
	NonceSize = 16
	// TagSize is the GCM tag length appended to a sealed frame.
	TagSize = 16
	// Overhead is the number of bytes sealing adds to a plaintext.
	Overhead = NonceSize + TagSize
)

const keyDerivationInfo = "oscmesh remote frame key v1"

var (
	// ErrAuthFailed indicates a sealed frame whose tag did not verify.
	ErrAuthFailed = errors.New("crypto: frame authentication failed")
	// ErrTruncated indicates a sealed frame shorter than nonce plus tag.
	ErrTruncated = errors.New("crypto: sealed frame truncated")
)

// DeriveKey stretches a shared session seed into an AES-256 key.
func DeriveKey(seed []byte) ([]byte, error) {
	if len(seed) == 0 {
		return nil, errors.New("crypto: session seed is required")
	}
	kdf := hkdf.New(sha256.New, seed, nil, []byte(keyDerivationInfo))
	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive frame key: %w", err)
	}
	return key, nil
}

// FrameCipher seals and opens remote-channel frames with AES-256-GCM.
type FrameCipher struct {
	aead cipher.AEAD
}

// NewFrameCipher creates a cipher for a 32-byte key.
func NewFrameCipher(key []byte) (*FrameCipher, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid frame key length: got %d want %d", len(key), aes256KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &FrameCipher{aead: aead}, nil
}

// NewFrameCipherFromSeed derives the key from seed and creates a cipher.
func NewFrameCipherFromSeed(seed []byte) (*FrameCipher, error) {
	key, err := DeriveKey(seed)
	if err != nil {
		return nil, err
	}
	return NewFrameCipher(key)
}

// Seal returns nonce || ciphertext || tag for plaintext.
func (c *FrameCipher) Seal(plaintext []byte) ([]byte, error) {
	frame := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(frame); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(frame, frame[:NonceSize], plaintext, nil), nil
}

// Open verifies and decrypts a frame produced by Seal.
func (c *FrameCipher) Open(frame []byte) ([]byte, error) {
	if len(frame) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(frame))
	}
	plaintext, err := c.aead.Open(nil, frame[:NonceSize], frame[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
