package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"oscmesh/address"
	"oscmesh/models"
)

// RecordPeerEvent queues a registry change for the journal writer. It never
// blocks; entries are dropped when the writer falls behind or the store is
// closed.
func (s *Store) RecordPeerEvent(kind string, peer models.Peer) {
	groups := peer.Groups
	if peer.Class == models.ClassLocalClient {
		groups = peer.Joined
	}
	row := PeerEvent{
		EventType: kind,
		PeerAddr:  peer.Addr.String(),
		PeerClass: peer.Class.String(),
		PeerName:  peer.Name(),
		Groups:    address.JoinList(groups),
		Paths:     address.JoinList(peer.Paths),
		Timestamp: nowUnixMilli(),
	}

	s.journalMu.RLock()
	defer s.journalMu.RUnlock()
	if s.journalClosed {
		return
	}
	select {
	case s.journal <- row:
	default:
		s.log.Warn("peer journal full, dropping event",
			zap.String("event", kind),
			zap.String("peer", row.PeerAddr))
	}
}

// LogPeerEvent inserts a journal row and applies retention pruning.
func (s *Store) LogPeerEvent(event PeerEvent) error {
	if err := validatePeerEventType(event.EventType); err != nil {
		return err
	}
	if strings.TrimSpace(event.PeerAddr) == "" {
		return errors.New("peer_addr is required")
	}
	if event.PeerClass == "" {
		return errors.New("peer_class is required")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peer_events (
			event_type,
			peer_addr,
			peer_class,
			peer_name,
			groups,
			paths,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventType,
		event.PeerAddr,
		event.PeerClass,
		event.PeerName,
		event.Groups,
		event.Paths,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert peer event %q: %w", event.EventType, err)
	}

	if s.peerEventRetention > 0 {
		cutoff := time.Now().Add(-s.peerEventRetention).UnixMilli()
		if _, err := s.PrunePeerEvents(cutoff); err != nil {
			return fmt.Errorf("prune peer events: %w", err)
		}
	}

	return nil
}

// GetPeerEvents returns journal rows, newest first.
func (s *Store) GetPeerEvents(filter PeerEventFilter) ([]PeerEvent, error) {
	if filter.EventType != "" {
		if err := validatePeerEventType(filter.EventType); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		peer_addr,
		peer_class,
		peer_name,
		groups,
		paths,
		timestamp
	FROM peer_events`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerAddr != "" {
		where = append(where, "peer_addr = ?")
		args = append(args, filter.PeerAddr)
	}
	if from := nullInt64(filter.FromTimestamp); from.Valid {
		where = append(where, "timestamp >= ?")
		args = append(args, from.Int64)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get peer events: %w", err)
	}
	defer rows.Close()

	events := make([]PeerEvent, 0)
	for rows.Next() {
		event, err := scanPeerEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer event rows: %w", err)
	}

	return events, nil
}

// PrunePeerEvents removes journal rows older than cutoffTimestamp.
func (s *Store) PrunePeerEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM peer_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune peer events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for peer event prune: %w", err)
	}

	return rowsAffected, nil
}

func (s *Store) startJournalWriter() {
	s.journalWG.Add(1)
	go func() {
		defer s.journalWG.Done()
		for row := range s.journal {
			if err := s.LogPeerEvent(row); err != nil {
				s.log.Warn("write peer event failed",
					zap.String("event", row.EventType),
					zap.String("peer", row.PeerAddr),
					zap.Error(err))
			}
		}
	}()
}

func scanPeerEvent(row scanner) (*PeerEvent, error) {
	var (
		event PeerEvent
		name  sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&event.PeerAddr,
		&event.PeerClass,
		&name,
		&event.Groups,
		&event.Paths,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	event.PeerName = name.String
	return &event, nil
}
