package storage

import (
	"bytes"
	"net/netip"
	"testing"

	"oscmesh/crypto"
)

func TestRemoteSessionPersistence(t *testing.T) {
	store := newTestStore(t)

	if _, ok, err := store.LatestRemoteSession(); err != nil || ok {
		t.Fatalf("expected no session on empty store, got ok=%v err=%v", ok, err)
	}

	first := crypto.Session{Seed: bytes.Repeat([]byte{1}, crypto.SeedSize), Addr: netip.MustParseAddrPort("203.0.113.5:7402")}
	second := crypto.Session{Seed: bytes.Repeat([]byte{2}, crypto.SeedSize), Addr: netip.MustParseAddrPort("198.51.100.7:7402")}

	if err := store.SaveRemoteSession(first); err != nil {
		t.Fatalf("SaveRemoteSession first failed: %v", err)
	}
	if err := store.SaveRemoteSession(second); err != nil {
		t.Fatalf("SaveRemoteSession second failed: %v", err)
	}

	latest, ok, err := store.LatestRemoteSession()
	if err != nil || !ok {
		t.Fatalf("LatestRemoteSession failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(latest.Seed, second.Seed) || latest.Addr != second.Addr {
		t.Fatalf("expected newest session %s, got %s", second, latest)
	}

	all, err := store.ListRemoteSessions()
	if err != nil {
		t.Fatalf("ListRemoteSessions failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
	if all[0].Addr != "198.51.100.7:7402" {
		t.Fatalf("expected newest first, got %q", all[0].Addr)
	}

	removed, err := store.ClearRemoteSessions()
	if err != nil {
		t.Fatalf("ClearRemoteSessions failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 cleared sessions, got %d", removed)
	}
	if _, ok, _ := store.LatestRemoteSession(); ok {
		t.Fatalf("expected no session after clear")
	}
}

func TestSaveRemoteSessionValidates(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveRemoteSession(crypto.Session{Addr: netip.MustParseAddrPort("10.0.0.1:7402")}); err == nil {
		t.Fatalf("expected error for empty seed")
	}
	if err := store.SaveRemoteSession(crypto.Session{Seed: []byte{1}}); err == nil {
		t.Fatalf("expected error for missing address")
	}
}
