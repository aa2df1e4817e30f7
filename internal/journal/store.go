package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrSeqConflict is returned when another writer appended to the same stream first
var ErrSeqConflict = errors.New("journal sequence conflict")

// outboxNamespace seeds deterministic outbox event ids
var outboxNamespace = uuid.MustParse("6f1c1b7e-4a4f-4c59-9d7e-2b1d3a8f0c11")

// Store is an append-only event journal with snapshots and a transactional outbox
type Store struct {
	db *sql.DB
}

// Record is one persisted event of a stream
type Record struct {
	PersistenceID     string
	SeqNr             int64
	EventType         string
	Payload           []byte
	CreatedUnixMillis int64
}

// Snapshot is the folded state of a stream at SeqNr
type Snapshot struct {
	PersistenceID string
	SeqNr         int64
	State         []byte
}

// OutboxEvent represents an event waiting to be published
type OutboxEvent struct {
	ID                  int64
	AggregateID         string
	EventID             string
	Topic               string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Open creates or opens the journal
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS journal_events (
			persistence_id TEXT NOT NULL,
			seq_nr INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			PRIMARY KEY (persistence_id, seq_nr)
		)`,
		`CREATE TABLE IF NOT EXISTS journal_snapshots (
			persistence_id TEXT PRIMARY KEY,
			seq_nr INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate_id TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON outbox_events(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// Append writes events after expectedSeq and their outbox rows in one transaction.
// It returns the new highest sequence number of the stream.
func (s *Store) Append(ctx context.Context, persistenceID string, expectedSeq int64, events []Record, outbox []OutboxEvent) (int64, error) {
	if len(events) == 0 {
		return expectedSeq, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq_nr), 0) FROM journal_events WHERE persistence_id = ?",
		persistenceID,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	if current != expectedSeq {
		return 0, fmt.Errorf("%w: %s expected %d, found %d", ErrSeqConflict, persistenceID, expectedSeq, current)
	}

	now := time.Now().UnixMilli()
	seq := expectedSeq
	for _, e := range events {
		seq++
		_, err = tx.ExecContext(ctx,
			`INSERT INTO journal_events (persistence_id, seq_nr, event_type, payload_json, created_unix_millis)
			 VALUES (?, ?, ?, ?, ?)`,
			persistenceID, seq, e.EventType, string(e.Payload), now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
	}

	for i, o := range outbox {
		eventID := o.EventID
		if eventID == "" {
			eventID = outboxEventID(persistenceID, seq, i)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox_events (aggregate_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis)
			 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
			persistenceID, eventID, o.Topic, o.Key, o.PayloadJSON, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert outbox event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return seq, nil
}

// Load returns the events of a stream with seq_nr greater than afterSeq
func (s *Store) Load(ctx context.Context, persistenceID string, afterSeq int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq_nr, event_type, payload_json, created_unix_millis
		 FROM journal_events
		 WHERE persistence_id = ? AND seq_nr > ?
		 ORDER BY seq_nr ASC`,
		persistenceID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r := Record{PersistenceID: persistenceID}
		var payload string
		if err := rows.Scan(&r.SeqNr, &r.EventType, &payload, &r.CreatedUnixMillis); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		r.Payload = []byte(payload)
		records = append(records, r)
	}

	return records, rows.Err()
}

// SaveSnapshot replaces the snapshot of a stream
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal_snapshots (persistence_id, seq_nr, state_json, created_unix_millis)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(persistence_id) DO UPDATE SET
			seq_nr = excluded.seq_nr,
			state_json = excluded.state_json,
			created_unix_millis = excluded.created_unix_millis
		 WHERE excluded.seq_nr > journal_snapshots.seq_nr`,
		snap.PersistenceID, snap.SeqNr, string(snap.State), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot of a stream, or nil if none exists
func (s *Store) LoadSnapshot(ctx context.Context, persistenceID string) (*Snapshot, error) {
	snap := Snapshot{PersistenceID: persistenceID}
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT seq_nr, state_json FROM journal_snapshots WHERE persistence_id = ?",
		persistenceID,
	).Scan(&snap.SeqNr, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snap.State = []byte(state)
	return &snap, nil
}

// PersistenceIDs lists streams whose id starts with prefix
func (s *Store) PersistenceIDs(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT persistence_id FROM journal_events WHERE persistence_id LIKE ? ESCAPE '\\' ORDER BY persistence_id",
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query persistence ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan persistence id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUnpublished returns unpublished outbox events
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis
		 FROM outbox_events
		 WHERE published_unix_millis IS NULL
		 ORDER BY id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventID, &e.Topic, &e.Key,
			&e.PayloadJSON, &e.CreatedUnixMillis, &e.PublishedUnixMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// MarkPublished marks an event as published
func (s *Store) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func outboxEventID(persistenceID string, seq int64, idx int) string {
	name := persistenceID + "/" + strconv.FormatInt(seq, 10) + "/" + strconv.Itoa(idx)
	return uuid.NewSHA1(outboxNamespace, []byte(name)).String()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
