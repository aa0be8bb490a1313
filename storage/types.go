package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// PeerEventCreated records a peer entering the registry.
	PeerEventCreated = "created"
	// PeerEventRemoved records an explicit removal.
	PeerEventRemoved = "removed"
	// PeerEventExpired records a peer dropped by the sweep.
	PeerEventExpired = "expired"
	// PeerEventDisconnected records a peer that said goodbye.
	PeerEventDisconnected = "disconnected"
	// PeerEventPaired records the remote channel being paired.
	PeerEventPaired = "paired"
)

// RemoteSession is the SQLite representation of one pairing.
type RemoteSession struct {
	ID        int64
	Seed      string
	Addr      string
	CreatedAt int64
}

// PeerEvent is one journal row describing a registry change.
type PeerEvent struct {
	ID        int64
	EventType string
	PeerAddr  string
	PeerClass string
	PeerName  string
	Groups    string
	Paths     string
	Timestamp int64
}

// PeerEventFilter narrows GetPeerEvents results.
type PeerEventFilter struct {
	EventType     string
	PeerAddr      string
	FromTimestamp *int64
	Limit         int
	Offset        int
}

func validatePeerEventType(eventType string) error {
	switch eventType {
	case PeerEventCreated, PeerEventRemoved, PeerEventExpired, PeerEventDisconnected, PeerEventPaired:
		return nil
	default:
		return fmt.Errorf("invalid peer event type %q", eventType)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
