package persistence

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1: JSON SnapshotData with decimal-string amounts.
const snapshotFormatVersion = 1

// SnapshotManager stores snapshots and reads the event log back for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Pool            *state.PoolState  `json:"pool"`
	Balances        map[string]string `json:"balances"`         // account path -> signed decimal
	SequenceState   map[string]int64  `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string          `json:"idempotency_keys"` // oldest first
	CreatedAt       time.Time         `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotFromCore converts the core's state capture for storage.
func SnapshotFromCore(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Pool:            s.Pool,
		Balances:        s.Balances,
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// ToCore converts a stored snapshot back into the core's form.
func (sd *SnapshotData) ToCore() (*core.SnapshotState, error) {
	if len(sd.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", sd.Sequence, len(sd.StateHash))
	}
	s := &core.SnapshotState{
		Sequence:        sd.Sequence,
		Pool:            sd.Pool,
		Balances:        sd.Balances,
		SequenceState:   sd.SequenceState,
		IdempotencyKeys: sd.IdempotencyKeys,
	}
	copy(s.StateHash[:], sd.StateHash)
	return s, nil
}

// SaveSnapshot persists a snapshot and returns its encoded size. Snapshots
// start unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("load snapshot: unsupported format version %d", version)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified once its hash matched the log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoggedStateHash returns the state hash the log recorded at sequence.
func (sm *SnapshotManager) LoggedStateHash(ctx context.Context, sequence int64) ([32]byte, error) {
	var (
		raw  []byte
		hash [32]byte
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, sequence).Scan(&raw)
	if err != nil {
		return hash, fmt.Errorf("logged hash at %d: %w", sequence, err)
	}
	copy(hash[:], raw)
	return hash, nil
}

// LoadEventsFrom loads up to limit envelopes starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, user_id, partition_key, source_sequence,
		       payload, state_hash, prev_hash, event_time
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*event.EventEnvelope
	for rows.Next() {
		var (
			env                 event.EventEnvelope
			eventType           string
			userID              sql.NullString
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&env.Sequence, &eventType, &env.IdempotencyKey, &userID, &env.Partition, &env.SourceSequence,
			&env.Payload, &stateHash, &prevHash, &env.Timestamp,
		); err != nil {
			return nil, err
		}

		env.EventType = event.ParseEventType(eventType)
		if env.EventType == event.EventTypeUnknown {
			return nil, fmt.Errorf("seq %d: unknown event type %q", env.Sequence, eventType)
		}
		if userID.Valid {
			uid, err := uuid.Parse(userID.String)
			if err != nil {
				return nil, fmt.Errorf("seq %d: user_id: %w", env.Sequence, err)
			}
			env.UserID = &uid
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		envelopes = append(envelopes, &env)
	}
	return envelopes, rows.Err()
}

// ReplayFrom streams the log from fromSequence to fn in pages and returns the
// last sequence delivered. The chain is checked as it goes: every envelope
// must follow its predecessor's sequence and state hash.
func (sm *SnapshotManager) ReplayFrom(
	ctx context.Context,
	fromSequence int64,
	prevHash [32]byte,
	pageSize int,
	fn func(*event.EventEnvelope) error,
) (int64, error) {
	next := fromSequence
	for {
		page, err := sm.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return next - 1, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, env := range page {
			if env.Sequence != next {
				return next - 1, fmt.Errorf("event log gap: expected %d, found %d", next, env.Sequence)
			}
			if env.PrevHash != prevHash {
				return next - 1, fmt.Errorf("hash chain broken at %d", env.Sequence)
			}
			if fn != nil {
				if err := fn(env); err != nil {
					return next - 1, err
				}
			}
			prevHash = env.StateHash
			next++
		}
		if len(page) < pageSize {
			return next - 1, nil
		}
	}
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
