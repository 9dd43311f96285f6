package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound      = errors.New("queued operation not found")
	ErrQueueLocked   = errors.New("queue is owned by another process")
	ErrInvalidStatus = errors.New("invalid operation status")
)

// Store is the durable client-side operation queue. Any number of processes
// may open it to enqueue or inspect operations; only the drain owner (see
// Acquire) moves operations through syncing.
type Store struct {
	db     *sql.DB
	path   string
	lock   *flock.Flock
	logger zerolog.Logger

	mu  sync.RWMutex
	now func() time.Time
}

// Open creates (if needed) and opens the queue database at path.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
		// FULL sync: an enqueue that returned must survive a crash.
		// WAL + busy timeout let other processes enqueue while a drain runs.
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue tables: %w", err)
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "queue").Logger()
	}
	l.Debug().Str("path", path).Msg("queue store opened")

	return &Store{db: db, path: path, logger: l, now: time.Now}, nil
}

// Acquire makes this process the drain owner, holding an advisory lock next
// to the database until Close. A second owner gets ErrQueueLocked.
func (s *Store) Acquire() error {
	if s.path == ":memory:" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return nil
	}
	lock := flock.New(s.path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	if !ok {
		return ErrQueueLocked
	}
	s.lock = lock
	s.logger.Debug().Str("path", s.path).Msg("queue drain ownership acquired")
	return nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS operation_queue (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT UNIQUE NOT NULL,
            action TEXT NOT NULL,
            payload TEXT NOT NULL,
            timestamp INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            retries INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            updated_at DATETIME
        )`,
		`CREATE INDEX IF NOT EXISTS idx_operation_queue_status ON operation_queue(status)`,
		`CREATE INDEX IF NOT EXISTS idx_operation_queue_timestamp ON operation_queue(timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// SetClock replaces the time source used for enqueue timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// Close closes the database and releases drain ownership if held.
func (s *Store) Close() error {
	err := s.db.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
		s.lock = nil
	}
	return err
}
