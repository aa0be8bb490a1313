package network

import (
	"errors"
	"fmt"

	"oscmesh/crypto"
)

// MaxDatagramSize is the largest UDP payload that is safe to send over IPv4.
const MaxDatagramSize = 65507

var (
	// ErrFrameTooLarge indicates a frame above MaxDatagramSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max datagram size")
	// ErrFrameTooShort indicates a sealed frame without room for nonce and tag.
	ErrFrameTooShort = errors.New("network: frame too short")
)

// Framer turns codec bytes into datagrams and back.
type Framer interface {
	Frame(payload []byte) ([]byte, error)
	Unframe(frame []byte) ([]byte, error)
}

// PlainFramer sends codec bytes as-is.
type PlainFramer struct{}

// Frame checks the size limit and returns payload unchanged.
func (PlainFramer) Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxDatagramSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// Unframe returns frame unchanged.
func (PlainFramer) Unframe(frame []byte) ([]byte, error) {
	if len(frame) > MaxDatagramSize {
		return nil, ErrFrameTooLarge
	}
	return frame, nil
}

// SealedFramer authenticates and encrypts frames for the remote channel:
// nonce(16) || ciphertext || tag(16).
type SealedFramer struct {
	cipher *crypto.FrameCipher
}

// NewSealedFramer derives the frame key from seed.
func NewSealedFramer(seed []byte) (*SealedFramer, error) {
	c, err := crypto.NewFrameCipherFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("create sealed framer: %w", err)
	}
	return &SealedFramer{cipher: c}, nil
}

// Frame seals payload, refusing results above MaxDatagramSize.
func (f *SealedFramer) Frame(payload []byte) ([]byte, error) {
	if len(payload)+crypto.Overhead > MaxDatagramSize {
		return nil, ErrFrameTooLarge
	}
	return f.cipher.Seal(payload)
}

// Unframe opens a sealed frame. Tag failures return crypto.ErrAuthFailed.
func (f *SealedFramer) Unframe(frame []byte) ([]byte, error) {
	if len(frame) < crypto.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	if len(frame) > MaxDatagramSize {
		return nil, ErrFrameTooLarge
	}
	return f.cipher.Open(frame)
}

// dropReason maps a decode failure onto the metrics label for it.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooShort), errors.Is(err, crypto.ErrTruncated):
		return "short"
	case errors.Is(err, ErrFrameTooLarge):
		return "oversize"
	case errors.Is(err, crypto.ErrAuthFailed):
		return "auth"
	default:
		return "malformed"
	}
}
