package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultCheckpointInterval controls how often the WAL is truncated while
	// the daemon runs.
	DefaultCheckpointInterval = time.Hour

	busyTimeoutMillis = 5000
)

type migration struct {
	name string
	stmt string
}

// Each entry bumps PRAGMA user_version by one. Never reorder or edit a
// released entry; append a new one instead.
var migrations = []migration{
	{
		name: "create messages",
		stmt: `
CREATE TABLE IF NOT EXISTS messages (
  message_id      TEXT PRIMARY KEY,
  sender_id       TEXT NOT NULL,
  recipient_id    TEXT NOT NULL,
  peer_id         TEXT NOT NULL,
  body            TEXT NOT NULL,
  sent_at         INTEGER NOT NULL,
  recorded_at     INTEGER NOT NULL,
  origin          TEXT NOT NULL CHECK(origin IN ('self','remote')),
  delivery_status TEXT NOT NULL CHECK(delivery_status IN ('pending','delivered','failed','received')) DEFAULT 'pending'
);`,
	},
	{
		name: "index conversations",
		stmt: `CREATE INDEX IF NOT EXISTS idx_messages_peer_time ON messages (peer_id, sent_at);`,
	},
	{
		name: "create known_peers",
		stmt: `
CREATE TABLE IF NOT EXISTS known_peers (
  global_id       TEXT PRIMARY KEY,
  display_name    TEXT NOT NULL,
  last_known_ip   TEXT,
  last_known_port INTEGER,
  first_seen_at   INTEGER NOT NULL,
  last_seen_at    INTEGER NOT NULL
);`,
	},
}

// Store is the SQLite-backed message history of one daemon instance.
type Store struct {
	db *sql.DB

	stopCheckpoints context.CancelFunc
	checkpoints     sync.WaitGroup
	closeOnce       sync.Once
}

// OpenPath opens (creating if needed) the history database at dbPath and
// brings its schema up to date.
func OpenPath(dbPath string) (*Store, error) {
	return open(dbPath, DefaultCheckpointInterval)
}

func open(dbPath string, checkpointEvery time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dataSourceName(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	s := &Store{db: db}
	for _, step := range []func() error{db.Ping, s.verifyJournalMode, s.migrate, s.checkpoint} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopCheckpoints = cancel
	if checkpointEvery > 0 {
		s.checkpoints.Add(1)
		go s.checkpointLoop(ctx, checkpointEvery)
	}
	return s, nil
}

func dataSourceName(dbPath string) string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(busyTimeoutMillis))
	params.Set("_journal_mode", "WAL")
	return "file:" + filepath.ToSlash(dbPath) + "?" + params.Encode()
}

// Close stops background checkpoints and closes the database. It is safe to
// call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if s.stopCheckpoints != nil {
			s.stopCheckpoints()
		}
		s.checkpoints.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range migrations[version:] {
		next := version + i + 1
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", next, m.name, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", next)); err != nil {
			return fmt.Errorf("record schema version %d: %w", next, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema migration: %w", err)
	}
	return nil
}

func (s *Store) verifyJournalMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("history database is in %q journal mode, want wal", mode)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint history WAL: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop(ctx context.Context, every time.Duration) {
	defer s.checkpoints.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.checkpoint()
		}
	}
}
