package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// SeedSize is the length of a generated pairing seed.
const SeedSize = 32

// ErrInvalidSession indicates a pairing string that cannot be parsed.
var ErrInvalidSession = errors.New("crypto: invalid session string")

// Session pairs a remote node address with the seed both sides derive the
// frame key from.
type Session struct {
	Seed []byte
	Addr netip.AddrPort
}

// NewSessionSeed returns a random pairing seed.
func NewSessionSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate session seed: %w", err)
	}
	return seed, nil
}

// String encodes the session as <base64url(seed)>@<host:port>.
func (s Session) String() string {
	return base64.RawURLEncoding.EncodeToString(s.Seed) + "@" + s.Addr.String()
}

// ParseSession decodes a string produced by Session.String.
func ParseSession(raw string) (Session, error) {
	encoded, hostPort, ok := strings.Cut(strings.TrimSpace(raw), "@")
	if !ok || encoded == "" || hostPort == "" {
		return Session{}, fmt.Errorf("%w: expected seed@host:port", ErrInvalidSession)
	}
	seed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Session{}, fmt.Errorf("%w: seed: %v", ErrInvalidSession, err)
	}
	if len(seed) == 0 {
		return Session{}, fmt.Errorf("%w: empty seed", ErrInvalidSession)
	}
	addr, err := netip.ParseAddrPort(hostPort)
	if err != nil {
		return Session{}, fmt.Errorf("%w: address: %v", ErrInvalidSession, err)
	}
	return Session{Seed: seed, Addr: addr}, nil
}
