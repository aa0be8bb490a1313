package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "oscmesh.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultPeerEventRetention controls automatic peer journal pruning.
	DefaultPeerEventRetention = 7 * 24 * time.Hour
	// DefaultPeerEventBuffer bounds journal entries waiting for the writer.
	DefaultPeerEventBuffer = 256
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS remote_sessions (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  seed       TEXT NOT NULL,
  addr       TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_remote_sessions_created
ON remote_sessions (created_at DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS peer_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL CHECK(event_type IN ('created','removed','expired','disconnected','paired')),
  peer_addr  TEXT NOT NULL,
  peer_class TEXT NOT NULL,
  peer_name  TEXT NOT NULL DEFAULT '',
  groups     TEXT NOT NULL DEFAULT '',
  paths      TEXT NOT NULL DEFAULT '',
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peer_events_time
ON peer_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peer_events_addr
ON peer_events (peer_addr, timestamp DESC, id DESC);
`,
}

// Option customizes a Store at open time.
type Option func(*Store)

// WithLogger sets the logger used by background writers.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger.Named("storage")
		}
	}
}

// WithPeerEventRetention sets the journal pruning horizon. Zero or negative
// disables pruning.
func WithPeerEventRetention(retention time.Duration) Option {
	return func(s *Store) {
		s.peerEventRetention = retention
	}
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup

	peerEventRetention time.Duration
	journalMu          sync.RWMutex
	journalClosed      bool
	journal            chan PeerEvent
	journalWG          sync.WaitGroup

	closeOnce sync.Once
}

// Open opens (or creates) the database under the given data directory and
// runs migrations.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		log:                   zap.NewNop(),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		peerEventRetention:    DefaultPeerEventRetention,
		journal:               make(chan PeerEvent, DefaultPeerEventBuffer),
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()
	store.startJournalWriter()

	return store, nil
}

// Close drains pending journal entries and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.journalMu.Lock()
		s.journalClosed = true
		close(s.journal)
		s.journalMu.Unlock()
		s.journalWG.Wait()

		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.log.Warn("periodic checkpoint failed", zap.Error(err))
				}
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
