package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newTestCipher(t *testing.T) *FrameCipher {
	t.Helper()

	seed, err := NewSessionSeed()
	if err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	c, err := NewFrameCipherFromSeed(seed)
	if err != nil {
		t.Fatalf("create cipher: %v", err)
	}
	return c
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	plaintext := []byte("/X/ping\x00,\x00\x00\x00")

	frame, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(frame) != len(plaintext)+Overhead {
		t.Fatalf("expected %d-byte frame, got %d", len(plaintext)+Overhead, len(frame))
	}

	opened, err := c.Open(frame)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("opened plaintext does not match original")
	}
}

func TestSealUsesFreshNonces(t *testing.T) {
	c := newTestCipher(t)

	first, err := c.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	second, err := c.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(first[:NonceSize], second[:NonceSize]) {
		t.Fatalf("expected distinct nonces")
	}
}

func TestOpenRejectsCorruptedTag(t *testing.T) {
	c := newTestCipher(t)

	frame, err := c.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	frame[len(frame)-1] ^= 0xff

	if _, err := c.Open(frame); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenRejectsShortFrame(t *testing.T) {
	c := newTestCipher(t)

	if _, err := c.Open(make([]byte, Overhead-1)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestOpenRejectsOtherKey(t *testing.T) {
	sender := newTestCipher(t)
	receiver := newTestCipher(t)

	frame, err := sender.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := receiver.Open(frame); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	seed := []byte("shared seed")

	first, err := DeriveKey(seed)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	second, err := DeriveKey(seed)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(first))
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical keys for identical seeds")
	}

	if _, err := DeriveKey(nil); err == nil {
		t.Fatalf("expected error for empty seed")
	}
}

func TestNewFrameCipherRejectsBadKeyLength(t *testing.T) {
	if _, err := NewFrameCipher(make([]byte, 16)); err == nil {
		t.Fatalf("expected key length error")
	}
}
