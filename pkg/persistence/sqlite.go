package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore persists entries in a single kv table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout for the given path.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

// WithClock overrides the time source used for expiry.
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_entries (
		  key TEXT PRIMARY KEY,
		  value TEXT NOT NULL,
		  expires_at_ms INTEGER NOT NULL DEFAULT 0,
		  updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS kv_entries_by_expiry
		  ON kv_entries(expires_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("sqlite store: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, ErrEmptyKey
	}

	var (
		value       string
		expiresAtMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at_ms FROM kv_entries WHERE key = ?
	`, key).Scan(&value, &expiresAtMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, errors.Wrap(err, "sqlite store: get")
	}
	if isExpired(expiresAtMs, s.now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
			return "", false, errors.Wrap(err, "sqlite store: evict expired")
		}
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at_ms = excluded.expires_at_ms,
			updated_at_ms = excluded.updated_at_ms
	`, key, value, expiresAt(now, ttl), now.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite store: set")
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return errors.Wrap(err, "sqlite store: remove")
	}
	return nil
}

// PurgeExpired deletes every expired entry and returns how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite store: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_entries WHERE expires_at_ms > 0 AND expires_at_ms <= ?
	`, s.now().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "sqlite store: purge expired")
	}
	return res.RowsAffected()
}
