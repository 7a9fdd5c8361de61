package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/petalexec/engine"
	"github.com/petal-labs/petalexec/sandbox"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS invocation_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	invocation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	tool TEXT NOT NULL DEFAULT '',
	time_unix_nano INTEGER NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT '',
	elapsed INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_invocation_events_seq ON invocation_events(invocation_id, seq);
CREATE INDEX IF NOT EXISTS idx_invocation_events_time ON invocation_events(time_unix_nano);`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	DSN string

	// RetentionAge deletes events older than this (0 = no age pruning).
	RetentionAge time.Duration

	// MaxInvocations keeps the events of at most this many invocations,
	// newest first (0 = no count pruning).
	MaxInvocations int

	// PruneInterval is how often the background pruner runs (default 1 hour).
	PruneInterval time.Duration

	Now func() time.Time
}

// SQLiteEventStore persists events in SQLite (WAL mode). When retention is
// configured a background goroutine prunes on PruneInterval.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("bus: sqlite open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bus: sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bus: sqlite create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.MaxInvocations > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores an event.
func (s *SQLiteEventStore) Append(ctx context.Context, event engine.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invocation_events (invocation_id, seq, kind, tool, time_unix_nano, attempt, state, elapsed, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.InvocationID,
		event.Seq,
		string(event.Kind),
		event.Tool,
		event.Time.UnixNano(),
		event.Attempt,
		string(event.State),
		int64(event.Elapsed),
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("bus: append: %w", err)
	}
	return nil
}

// List returns events for an invocation, optionally filtered by afterSeq and limit.
func (s *SQLiteEventStore) List(ctx context.Context, invocationID string, afterSeq uint64, limit int) ([]engine.Event, error) {
	query := `SELECT invocation_id, seq, kind, tool, time_unix_nano, attempt, state, elapsed, payload
	          FROM invocation_events WHERE invocation_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{invocationID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bus: list: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for an invocation (0 if none).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, invocationID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM invocation_events WHERE invocation_id = ?`, invocationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("bus: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is never negative
}

// InvocationIDs returns stored invocations, oldest first.
func (s *SQLiteEventStore) InvocationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation_id FROM invocation_events GROUP BY invocation_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("bus: invocation ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("bus: scan invocation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the background pruner and closes the database.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single retention pass.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := s.cfg.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM invocation_events WHERE invocation_id IN (
				SELECT invocation_id FROM invocation_events GROUP BY invocation_id HAVING MAX(time_unix_nano) < ?
			)`, cutoff,
		); err != nil {
			return fmt.Errorf("bus: prune by age: %w", err)
		}
	}

	if s.cfg.MaxInvocations > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM invocation_events WHERE invocation_id NOT IN (
				SELECT invocation_id FROM invocation_events GROUP BY invocation_id ORDER BY MIN(id) DESC LIMIT ?
			)`, s.cfg.MaxInvocations,
		); err != nil {
			return fmt.Errorf("bus: prune by count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]engine.Event, error) {
	var events []engine.Event
	for rows.Next() {
		var (
			e           engine.Event
			kind        string
			state       string
			unixNano    int64
			elapsedNano int64
			payloadJSON string
		)
		err := rows.Scan(
			&e.InvocationID,
			&e.Seq,
			&kind,
			&e.Tool,
			&unixNano,
			&e.Attempt,
			&state,
			&elapsedNano,
			&payloadJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("bus: scan event: %w", err)
		}

		e.Kind = engine.EventKind(kind)
		e.State = sandbox.State(state)
		e.Time = time.Unix(0, unixNano).UTC()
		e.Elapsed = time.Duration(elapsedNano)
		e.Payload = map[string]any{}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("bus: unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var (
	_ EventStore       = (*SQLiteEventStore)(nil)
	_ InvocationLister = (*SQLiteEventStore)(nil)
)
