package hostimport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS host_secrets (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS host_kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);`

// SQLiteStoreConfig configures the SQLite-backed capability store.
type SQLiteStoreConfig struct {
	DSN string
	// Scope controls secret key derivation; defaults to DSN.
	Scope string
	Now   func() time.Time
}

// SQLiteStore persists sealed secrets and key-value pairs in SQLite.
type SQLiteStore struct {
	db    *sql.DB
	codec *secretCodec
	now   func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite capability store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("hostimport: sqlite store dsn is required")
	}
	if dir := filepath.Dir(cfg.DSN); dir != "." && !strings.HasPrefix(cfg.DSN, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("hostimport: sqlite store create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("hostimport: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hostimport: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hostimport: sqlite store create schema: %w", err)
	}

	scope := cfg.Scope
	if strings.TrimSpace(scope) == "" {
		scope = cfg.DSN
	}
	codec, err := newSecretCodec(scope)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hostimport: initialize secret codec: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &SQLiteStore{db: db, codec: codec, now: cfg.Now}, nil
}

// GetSecret implements SecretStore.
func (s *SQLiteStore) GetSecret(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("hostimport: sqlite store is nil")
	}
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM host_secrets WHERE key = ?`, key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hostimport: sqlite get secret: %w", err)
	}
	plain, err := s.codec.Open(key, stored)
	if err != nil {
		return "", false, fmt.Errorf("hostimport: secret %q: %w", key, err)
	}
	return plain, true, nil
}

// PutSecret implements SecretWriter. Values are sealed at rest.
func (s *SQLiteStore) PutSecret(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return errors.New("hostimport: sqlite store is nil")
	}
	sealed, err := s.codec.Seal(key, value)
	if err != nil {
		return fmt.Errorf("hostimport: seal secret %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO host_secrets (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at`,
		key,
		sealed,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("hostimport: sqlite put secret: %w", err)
	}
	return nil
}

// Get implements KVStore.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("hostimport: sqlite store is nil")
	}
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM host_kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hostimport: sqlite kv get: %w", err)
	}
	if expiresAt > 0 && s.now().UnixMilli() >= expiresAt {
		return nil, false, nil
	}
	return value, true, nil
}

// Put implements KVStore.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return errors.New("hostimport: sqlite store is nil")
	}
	now := s.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO host_kv (key, value, expires_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at`,
		key,
		value,
		expiresAt,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("hostimport: sqlite kv put: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ SecretStore  = (*SQLiteStore)(nil)
	_ SecretWriter = (*SQLiteStore)(nil)
	_ KVStore      = (*SQLiteStore)(nil)
)
