package journal

import (
	"context"
	"encoding/json"
	"fmt"
)

// Stream binds one entity to its event stream. It is not safe for
// concurrent use; the owning entity serializes access.
type Stream struct {
	store         *Store
	id            string
	seq           int64
	sinceSnapshot int
	snapshotEvery int
}

// NewStream creates a stream handle. snapshotEvery <= 0 disables snapshots.
func NewStream(store *Store, persistenceID string, snapshotEvery int) *Stream {
	return &Stream{store: store, id: persistenceID, snapshotEvery: snapshotEvery}
}

// ID returns the persistence id
func (s *Stream) ID() string {
	return s.id
}

// Seq returns the highest sequence number applied
func (s *Stream) Seq() int64 {
	return s.seq
}

// Recover restores the latest snapshot then replays the events after it
func (s *Stream) Recover(ctx context.Context, restore func(state []byte) error, apply func(Record) error) error {
	snap, err := s.store.LoadSnapshot(ctx, s.id)
	if err != nil {
		return err
	}
	s.seq = 0
	if snap != nil {
		if err := restore(snap.State); err != nil {
			return fmt.Errorf("failed to restore snapshot of %s: %w", s.id, err)
		}
		s.seq = snap.SeqNr
	}

	records, err := s.store.Load(ctx, s.id, s.seq)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := apply(r); err != nil {
			return fmt.Errorf("failed to replay %s seq %d: %w", s.id, r.SeqNr, err)
		}
		s.seq = r.SeqNr
	}
	s.sinceSnapshot = len(records)
	return nil
}

// Persist durably appends events and outbox rows
func (s *Stream) Persist(ctx context.Context, events []Record, outbox []OutboxEvent) error {
	seq, err := s.store.Append(ctx, s.id, s.seq, events, outbox)
	if err != nil {
		return err
	}
	s.seq = seq
	s.sinceSnapshot += len(events)
	return nil
}

// MaybeSnapshot stores a snapshot once enough events have accumulated
func (s *Stream) MaybeSnapshot(ctx context.Context, state func() ([]byte, error)) error {
	if s.snapshotEvery <= 0 || s.sinceSnapshot < s.snapshotEvery {
		return nil
	}
	data, err := state()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.store.SaveSnapshot(ctx, Snapshot{PersistenceID: s.id, SeqNr: s.seq, State: data}); err != nil {
		return err
	}
	s.sinceSnapshot = 0
	return nil
}

// NewRecord encodes v as the payload of an event
func NewRecord(eventType string, v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return Record{EventType: eventType, Payload: data}, nil
}

// NewOutboxEvent encodes v for publication on topic
func NewOutboxEvent(topic, key string, v any) (OutboxEvent, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return OutboxEvent{Topic: topic, Key: key, PayloadJSON: string(data)}, nil
}
