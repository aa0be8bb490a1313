package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"oscmesh/crypto"
)

// SaveRemoteSession appends a pairing. The newest row wins on restore.
func (s *Store) SaveRemoteSession(session crypto.Session) error {
	if len(session.Seed) == 0 {
		return errors.New("session seed is required")
	}
	if !session.Addr.IsValid() {
		return errors.New("session address is required")
	}

	seed, addr, _ := strings.Cut(session.String(), "@")
	_, err := s.db.Exec(
		`INSERT INTO remote_sessions (seed, addr, created_at) VALUES (?, ?, ?)`,
		seed,
		addr,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert remote session for %s: %w", session.Addr, err)
	}
	return nil
}

// LatestRemoteSession returns the most recent pairing, if any.
func (s *Store) LatestRemoteSession() (crypto.Session, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, seed, addr, created_at
		FROM remote_sessions
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
	)
	stored, err := scanRemoteSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crypto.Session{}, false, nil
		}
		return crypto.Session{}, false, fmt.Errorf("get latest remote session: %w", err)
	}

	session, err := crypto.ParseSession(stored.Seed + "@" + stored.Addr)
	if err != nil {
		return crypto.Session{}, false, fmt.Errorf("decode remote session %d: %w", stored.ID, err)
	}
	return session, true, nil
}

// ListRemoteSessions returns stored pairings, newest first.
func (s *Store) ListRemoteSessions() ([]RemoteSession, error) {
	rows, err := s.db.Query(
		`SELECT id, seed, addr, created_at
		FROM remote_sessions
		ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list remote sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]RemoteSession, 0)
	for rows.Next() {
		session, err := scanRemoteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remote session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote session rows: %w", err)
	}
	return sessions, nil
}

// ClearRemoteSessions forgets every pairing.
func (s *Store) ClearRemoteSessions() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM remote_sessions`)
	if err != nil {
		return 0, fmt.Errorf("clear remote sessions: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for remote session clear: %w", err)
	}
	return rowsAffected, nil
}

func scanRemoteSession(row scanner) (*RemoteSession, error) {
	var session RemoteSession
	if err := row.Scan(
		&session.ID,
		&session.Seed,
		&session.Addr,
		&session.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &session, nil
}
