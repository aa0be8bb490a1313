package network

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"oscmesh/crypto"
	"oscmesh/osc"
)

func TestPlainFramerPassesBytesThrough(t *testing.T) {
	payload, err := osc.Encode(osc.NewMessage("/X/ping"))
	require.NoError(t, err)

	frame, err := PlainFramer{}.Frame(payload)
	require.NoError(t, err)
	require.Equal(t, payload, frame)

	_, err = PlainFramer{}.Frame(make([]byte, MaxDatagramSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestSealedFramerRoundTrip(t *testing.T) {
	f, err := NewSealedFramer([]byte("pairing seed"))
	require.NoError(t, err)

	payload, err := osc.Encode(osc.NewMessage("/X/ping", 1, "a"))
	require.NoError(t, err)

	frame, err := f.Frame(payload)
	require.NoError(t, err)
	require.Len(t, frame, len(payload)+crypto.Overhead)
	require.False(t, bytes.Contains(frame, []byte("/X/ping")))

	opened, err := f.Unframe(frame)
	require.NoError(t, err)
	require.Equal(t, payload, opened)
}

func TestSealedFramerDropsCorruptedTag(t *testing.T) {
	f, err := NewSealedFramer([]byte("pairing seed"))
	require.NoError(t, err)

	frame, err := f.Frame([]byte("/X/ping\x00,\x00\x00\x00"))
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01

	_, err = f.Unframe(frame)
	require.ErrorIs(t, err, crypto.ErrAuthFailed)
	require.Equal(t, "auth", dropReason(err))
}

func TestSealedFramerRejectsShortFrames(t *testing.T) {
	f, err := NewSealedFramer([]byte("pairing seed"))
	require.NoError(t, err)

	_, err = f.Unframe(make([]byte, 31))
	require.ErrorIs(t, err, ErrFrameTooShort)
	require.Equal(t, "short", dropReason(err))
}

func TestSealedFramerRefusesOversizePayload(t *testing.T) {
	f, err := NewSealedFramer([]byte("pairing seed"))
	require.NoError(t, err)

	_, err = f.Frame(make([]byte, MaxDatagramSize-crypto.Overhead))
	require.NoError(t, err)

	_, err = f.Frame(make([]byte, MaxDatagramSize-crypto.Overhead+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestSealedFramersWithDifferentSeedsDisagree(t *testing.T) {
	a, err := NewSealedFramer([]byte("seed a"))
	require.NoError(t, err)
	b, err := NewSealedFramer([]byte("seed b"))
	require.NoError(t, err)

	frame, err := a.Frame([]byte("hello"))
	require.NoError(t, err)
	_, err = b.Unframe(frame)
	require.ErrorIs(t, err, crypto.ErrAuthFailed)
}
