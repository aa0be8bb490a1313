package storage

import (
	"net/netip"
	"testing"
	"time"

	"oscmesh/models"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, opts...)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testPeer(addr string, class models.Class) models.Peer {
	return models.NewPeer(netip.MustParseAddrPort(addr), class, time.Now())
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
