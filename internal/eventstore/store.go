package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/prime-radiant-inc/union-square/internal/ids"
)

func parseUUID(s string) (uuid.UUID, error) { return uuid.Parse(s) }

// ErrConcurrencyConflict is returned by Append when a write-set stream has
// advanced past the expected version since it was read; the whole
// transaction is aborted and the caller re-reads and retries.
var ErrConcurrencyConflict = errors.New("eventstore: concurrency conflict")

// ErrUnknownSchemaMajor names the case of an event whose schema major
// component this build does not recognize. No function in this module
// returns it; the projections skip such events instead.
var ErrUnknownSchemaMajor = errors.New("eventstore: unknown schema major version")

// StreamWrite is one stream's worth of new events to append, tagged with
// the version the caller last observed for that stream.
type StreamWrite struct {
	StreamID        string
	ExpectedVersion int64 // -1 means "stream must not exist yet"
	Events          []Envelope
}

// Store is the event-sourced persistence port. All methods are safe for
// concurrent use; Append serializes conflicting writers via SQLite's
// transaction isolation plus an explicit version check.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the SQLite-backed event store at path,
// applying its schema idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer; avoids SQLITE_BUSY under our own retry loop

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		global_position INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		stream_id TEXT NOT NULL,
		stream_version INTEGER NOT NULL,
		ts TEXT NOT NULL,
		causation_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		payload TEXT NOT NULL,
		UNIQUE(stream_id, stream_version)
	);

	CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream_id, stream_version);

	CREATE TABLE IF NOT EXISTS checkpoints (
		projection_name TEXT PRIMARY KEY,
		position INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS projection_state (
		projection_name TEXT NOT NULL,
		state_key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (projection_name, state_key)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the backing database still accepts statements, for the
// readiness probe's "event store is writable" check.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("eventstore: ping: %w", err)
	}
	return nil
}

// CurrentVersion returns the highest stream_version written to streamID,
// or -1 if the stream doesn't exist yet.
func (s *Store) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT MAX(stream_version) FROM events WHERE stream_id = ?`, streamID)
	var v sql.NullInt64
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("eventstore: read current version of %s: %w", streamID, err)
	}
	if !v.Valid {
		return -1, nil
	}
	return v.Int64, nil
}

// Read returns streamID's events from fromVersion (inclusive) onward, in
// version order.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion int64) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, stream_id, stream_version, ts, causation_id, event_type, schema_version, payload
		FROM events WHERE stream_id = ? AND stream_version >= ? ORDER BY stream_version ASC
	`, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("eventstore: read stream %s: %w", streamID, err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// ReadAllSince returns up to limit events across every stream in global
// append order, starting after fromGlobalPosition — the feed projections
// replay.
func (s *Store) ReadAllSince(ctx context.Context, fromGlobalPosition uint64, limit int) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, stream_id, stream_version, ts, causation_id, event_type, schema_version, payload, global_position
		FROM events WHERE global_position > ? ORDER BY global_position ASC LIMIT ?
	`, fromGlobalPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: read global feed: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			e        Envelope
			eventID  string
			causation string
			ts       string
			payload  string
		)
		if err := rows.Scan(&eventID, &e.StreamID, &e.StreamVersion, &ts, &causation, &e.EventType, &e.SchemaVersion, &payload, &e.GlobalPosition); err != nil {
			return nil, fmt.Errorf("eventstore: scan global feed row: %w", err)
		}
		e.Payload = []byte(payload)
		if err := fillParsed(&e, eventID, causation, ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEnvelopes(rows *sql.Rows) ([]Envelope, error) {
	var out []Envelope
	for rows.Next() {
		var (
			e         Envelope
			eventID   string
			causation string
			ts        string
			payload   string
		)
		if err := rows.Scan(&eventID, &e.StreamID, &e.StreamVersion, &ts, &causation, &e.EventType, &e.SchemaVersion, &payload); err != nil {
			return nil, fmt.Errorf("eventstore: scan row: %w", err)
		}
		e.Payload = []byte(payload)
		if err := fillParsed(&e, eventID, causation, ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func fillParsed(e *Envelope, eventID, causation, ts string) error {
	id, err := parseUUID(eventID)
	if err != nil {
		return fmt.Errorf("eventstore: parse event_id: %w", err)
	}
	e.EventID = id

	if causation != "" {
		rid, err := ids.ParseRequestID(causation)
		if err != nil {
			return fmt.Errorf("eventstore: parse causation_id: %w", err)
		}
		e.CausationID = rid
	}

	parsedTs, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("eventstore: parse timestamp: %w", err)
	}
	e.Timestamp = parsedTs
	return nil
}

// Append atomically commits every StreamWrite or none of them. Each
// stream's events must already carry sequential StreamVersion numbers
// starting at ExpectedVersion+1 — callers build these via the command
// executor, which owns the read-fold-validate sequence.
func (s *Store) Append(ctx context.Context, writes []StreamWrite) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		current, err := txCurrentVersion(ctx, tx, w.StreamID)
		if err != nil {
			return err
		}
		if current != w.ExpectedVersion {
			return fmt.Errorf("%w: stream %s expected version %d, found %d", ErrConcurrencyConflict, w.StreamID, w.ExpectedVersion, current)
		}

		for _, e := range w.Events {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO events (event_id, stream_id, stream_version, ts, causation_id, event_type, schema_version, payload)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, e.EventID.String(), e.StreamID, e.StreamVersion, e.Timestamp.Format(time.RFC3339Nano), e.CausationID.String(), string(e.EventType), e.SchemaVersion, string(e.Payload))
			if err != nil {
				if isUniqueConstraintErr(err) {
					return fmt.Errorf("%w: stream %s version %d already written", ErrConcurrencyConflict, e.StreamID, e.StreamVersion)
				}
				return fmt.Errorf("eventstore: insert event into %s: %w", e.StreamID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventstore: commit: %w", err)
	}
	return nil
}

func txCurrentVersion(ctx context.Context, tx *sql.Tx, streamID string) (int64, error) {
	row := tx.QueryRowContext(ctx, `SELECT MAX(stream_version) FROM events WHERE stream_id = ?`, streamID)
	var v sql.NullInt64
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("eventstore: read current version of %s: %w", streamID, err)
	}
	if !v.Valid {
		return -1, nil
	}
	return v.Int64, nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed")
}

// Checkpoint reads a projection's last applied global position, 0 if none
// recorded yet.
func (s *Store) Checkpoint(ctx context.Context, projection string) (uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT position FROM checkpoints WHERE projection_name = ?`, projection)
	var pos uint64
	err := row.Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventstore: read checkpoint %s: %w", projection, err)
	}
	return pos, nil
}

// SaveCheckpoint durably advances projection's checkpoint to position.
func (s *Store) SaveCheckpoint(ctx context.Context, projection string, position uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (projection_name, position) VALUES (?, ?)
		ON CONFLICT(projection_name) DO UPDATE SET position = excluded.position
	`, projection, position)
	if err != nil {
		return fmt.Errorf("eventstore: save checkpoint %s: %w", projection, err)
	}
	return nil
}

// Unmarshal is a small convenience wrapper so callers don't import
// encoding/json just to decode an envelope's payload.
func Unmarshal(e Envelope, dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// LoadProjectionStates returns every persisted (key -> raw JSON value) pair
// for a projection, used to rebuild its in-memory state on startup before
// resuming from its checkpoint.
func (s *Store) LoadProjectionStates(ctx context.Context, projection string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state_key, value FROM projection_state WHERE projection_name = ?`, projection)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load projection state %s: %w", projection, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("eventstore: scan projection state row: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// SaveProjectionUpdate atomically upserts a batch of (key -> value) state
// rows for a projection and advances its checkpoint in one transaction, so
// state and checkpoint can never drift apart.
func (s *Store) SaveProjectionUpdate(ctx context.Context, projection string, updates map[string]json.RawMessage, position uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: begin projection update transaction: %w", err)
	}
	defer tx.Rollback()

	for key, value := range updates {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projection_state (projection_name, state_key, value) VALUES (?, ?, ?)
			ON CONFLICT(projection_name, state_key) DO UPDATE SET value = excluded.value
		`, projection, key, string(value))
		if err != nil {
			return fmt.Errorf("eventstore: upsert projection state %s/%s: %w", projection, key, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (projection_name, position) VALUES (?, ?)
		ON CONFLICT(projection_name) DO UPDATE SET position = excluded.position
	`, projection, position); err != nil {
		return fmt.Errorf("eventstore: advance checkpoint %s: %w", projection, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventstore: commit projection update: %w", err)
	}
	return nil
}

// ResetProjection deletes all persisted state and checkpoint for
// projection, so it can be rebuilt from zero.
func (s *Store) ResetProjection(ctx context.Context, projection string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM projection_state WHERE projection_name = ?`, projection); err != nil {
		return fmt.Errorf("eventstore: reset projection state %s: %w", projection, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE projection_name = ?`, projection); err != nil {
		return fmt.Errorf("eventstore: reset checkpoint %s: %w", projection, err)
	}
	return tx.Commit()
}
