package core

import (
	"StabilityPool/internal/event"
	"StabilityPool/internal/ledger"
	"StabilityPool/internal/state"
	"context"
	"fmt"
)

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Pool            *state.PoolState
	Balances        map[string]string // account path -> signed decimal
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *PoolCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	balances := make(map[string]string)
	for key, v := range c.balanceTracker.Snapshot() {
		balances[key.AccountPath()] = ledger.FormatSigned(v)
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Pool:            c.pool.Export(),
		Balances:        balances,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot replaces the core's in-memory state with snap. The
// pool's configuration (assets, liquidators, converter) is kept.
func (c *PoolCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Pool == nil {
		return fmt.Errorf("snapshot %d has no pool state", snap.Sequence)
	}
	if err := c.pool.Import(snap.Pool); err != nil {
		return fmt.Errorf("restore pool: %w", err)
	}

	tracker := ledger.NewBalanceTracker()
	for path, raw := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		v, err := ledger.ParseSigned(raw)
		if err != nil {
			return fmt.Errorf("restore balance %s: %w", path, err)
		}
		tracker.SetBalance(key, v)
	}
	c.balanceTracker = tracker
	c.validator = ledger.NewInvariantValidator(tracker)

	if err := c.validator.ValidatePoolTotals(c.pool.DepositAsset(), c.pool.TotalActive(), c.pool.TotalUnlocking()); err != nil {
		return fmt.Errorf("snapshot %d is inconsistent: %w", snap.Sequence, err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.journalGen.SetSequence(c.sequence)

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("depositors", c.pool.DepositorCount()).
		Msg("restored state from snapshot")
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *PoolCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}

// BeginReplay switches the core to replay mode: no outputs are emitted, the
// Postgres dedup tier is skipped, sequence gaps are tolerated and recorded
// liquidation payouts are honoured.
func (c *PoolCore) BeginReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = true
	c.idempotency.skipDB = true
	c.sequenceValidator.SetRelaxed(true)
}

// EndReplay returns to live mode. Every partition may skip forward once,
// since sequences of rejected events never reach the log.
func (c *PoolCore) EndReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = false
	c.idempotency.skipDB = false
	c.sequenceValidator.SetRelaxed(false)
	c.sequenceValidator.MarkResync()
}

// ReplayEnvelope re-applies one logged event and checks that it lands on
// the same sequence and state hash it was logged with. It returns the output
// a live run would have emitted, for projection rebuilds.
func (c *PoolCore) ReplayEnvelope(ctx context.Context, env *event.EventEnvelope) (*CoreOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.replaying {
		return nil, fmt.Errorf("replay outside replay mode")
	}
	if env.Sequence != c.sequence {
		return nil, fmt.Errorf("replay: log sequence %d, core expects %d", env.Sequence, c.sequence)
	}

	evt, err := event.Unmarshal(env.EventType.String(), env.Payload)
	if err != nil {
		return nil, fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	receipt, output, err := c.process(ctx, evt)
	if err != nil {
		return nil, fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if receipt.Duplicate {
		return nil, fmt.Errorf("replay seq %d: logged event %s seen twice", env.Sequence, env.IdempotencyKey)
	}
	if receipt.StateHash != env.StateHash {
		return nil, fmt.Errorf("replay seq %d: state hash mismatch: logged %x, computed %x",
			env.Sequence, env.StateHash, receipt.StateHash)
	}
	return output, nil
}
