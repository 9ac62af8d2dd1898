package core

import (
	"StabilityPool/internal/event"
	"StabilityPool/internal/ledger"
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Partitions without upstream ordering. Commands arriving through the API
// and registrations read from configuration get core-assigned sequences.
const (
	PartitionAPI    = "api"
	PartitionConfig = "config"
)

// PoolCore is the single-writer event processor in front of the pool.
// ProcessEvent holds the write lock for the whole pipeline; views take the
// read lock and may run concurrently with each other.
type PoolCore struct {
	mu sync.RWMutex

	sequence          int64
	hasher            *StateHasher
	pool              *state.Pool
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// Options configures a PoolCore. Nil channels disable that output.
type Options struct {
	Pool           state.PoolConfig
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	LRUCapacity    int
	Metrics        *observability.Metrics
	Logger         zerolog.Logger

	// Policies override the sequence policy per partition (or "prefix*").
	Policies map[string]SequencePolicy
}

// CoreOutput is everything downstream workers need about one applied event.
type CoreOutput struct {
	Envelope    *event.EventEnvelope
	Batch       *ledger.Batch // nil for events that move no funds
	StateDelta  []byte
	Pool        PoolSummary
	Liquidation *state.LiquidationOutcome

	// AppliedAt is wall-clock, for latency metrics only.
	AppliedAt time.Time
}

// PoolSummary is the pool-wide state right after an event.
type PoolSummary struct {
	P              *uint256.Int
	Epoch          uint64
	Scale          uint64
	TotalActive    *uint256.Int
	TotalUnlocking *uint256.Int
	Depositors     int
	UnlockRequests int
}

// Receipt reports the outcome of one command to its submitter.
type Receipt struct {
	Sequence  int64
	Duplicate bool
	StateHash [32]byte

	// Amount is the depositor's recorded balance after a deposit, or the
	// amount paid out by a withdrawal or claim.
	Amount      *uint256.Int
	Voided      bool
	Unlock      *state.UnlockResult
	Checkpoint  *state.CheckpointResult
	Liquidation *state.LiquidationOutcome
}

type sequenceAssigner interface {
	AssignSequence(seq int64)
}

func NewPoolCore(opts Options) *PoolCore {
	balanceTracker := ledger.NewBalanceTracker()

	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	sv := NewSequenceValidator(opts.Metrics)
	sv.SetPolicy(PartitionAPI, PolicyAssigned)
	sv.SetPolicy(PartitionConfig, PolicyAssigned)
	for partition, policy := range opts.Policies {
		sv.SetPolicy(partition, policy)
	}

	return &PoolCore{
		sequence:          1,
		hasher:            NewStateHasher(),
		pool:              state.NewPool(opts.Pool),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(1),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		idempotency:       NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics, opts.Logger),
		sequenceValidator: sv,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}
}

// ProcessEvent is the main processing pipeline.
// A rejected event returns an error and leaves every piece of state as it was,
// apart from the partition's consumed source sequence.
func (c *PoolCore) ProcessEvent(ctx context.Context, evt event.Event) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, _, err := c.process(ctx, evt)
	return receipt, err
}

// process runs the pipeline and also returns the output it emitted (nil for
// a duplicate).
func (c *PoolCore) process(ctx context.Context, evt event.Event) (*Receipt, *CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(ctx, eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := partitionOf(evt)
	if !isDuplicate && evt.SourceSequence() == 0 && c.sequenceValidator.Policy(partition) == PolicyAssigned {
		if a, ok := evt.(sequenceAssigner); ok {
			a.AssignSequence(c.sequenceValidator.Next(partition))
		}
	}
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		c.reject(eventType, "sequence")
		return nil, nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return &Receipt{Duplicate: true}, nil, nil
	}

	// Step 3: Dispatch against the pool, then journal what moved
	c.journalGen.SetSequence(c.sequence)
	receipt, batch, err := c.dispatch(ctx, evt)
	if err != nil {
		c.reject(eventType, rejectReason(err))
		if _, ok := evt.(*event.Liquidate); ok && c.metrics != nil {
			c.metrics.LiquidationsRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		return nil, nil, fmt.Errorf("%s rejected: %w", eventType, err)
	}

	// Step 4: Validate and apply the batch
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch after validation: %v", err))
		}
		if c.metrics != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	// Step 5: Post-checks
	if err := c.postCheckInvariants(batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 6: State digest and hash chain
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(evt, batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 7: Envelope. The payload is the event as applied, so a
	// liquidation carries the payout it actually received.
	payload, err := event.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal applied event: %v", err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		UserID:         evt.UserID(),
		Timestamp:      evt.Timestamp(),
		Partition:      partition,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:    envelope,
		Batch:       batch,
		StateDelta:  stateDigest,
		Pool:        c.summary(),
		Liquidation: receipt.Liquidation,
		AppliedAt:   time.Now(),
	}

	// Step 8: Emit. Persistence blocks (backpressure); projections drop
	// on full and rebuild from the log.
	if !c.replaying {
		c.emit(output)
	}

	// Step 9: Mark processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	receipt.Sequence = c.sequence
	receipt.StateHash = stateHash
	c.sequence++

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence - 1))
	}

	c.logger.Debug().
		Int64("sequence", receipt.Sequence).
		Str("event_type", eventType).
		Str("idempotency_key", idempotencyKey).
		Msg("event applied")

	return receipt, &output, nil
}

func (c *PoolCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// partitionOf returns the ordering domain of an event. Events without a
// source belong to the API partition.
func partitionOf(evt event.Event) string {
	if p := evt.Partition(); p != "" {
		return p
	}
	return PartitionAPI
}

func (c *PoolCore) dispatch(ctx context.Context, evt event.Event) (*Receipt, *ledger.Batch, error) {
	now := evt.Timestamp().Unix()
	depositAsset := c.pool.DepositAsset()

	switch e := evt.(type) {
	case *event.Deposit:
		recorded, err := c.pool.Deposit(e.Receiver, e.Amount, now)
		if err != nil {
			return nil, nil, err
		}
		return &Receipt{Amount: recorded}, c.journalGen.GenerateDeposit(e, depositAsset), nil

	case *event.Unlock:
		res, err := c.pool.Unlock(e.User, e.Amount, now)
		if err != nil {
			return nil, nil, err
		}
		return &Receipt{Unlock: res}, c.journalGen.GenerateUnlock(e, depositAsset, res.Moved), nil

	case *event.WithdrawUnlocked:
		res, err := c.pool.WithdrawUnlocked(e.User, now)
		if err != nil {
			return nil, nil, err
		}
		return &Receipt{Amount: res.Amount, Voided: res.Voided},
			c.journalGen.GenerateWithdrawal(e, depositAsset, res.Amount), nil

	case *event.Checkpoint:
		res, err := c.pool.Checkpoint(e.User, now)
		if err != nil {
			return nil, nil, err
		}
		return &Receipt{Checkpoint: res, Voided: res.Voided}, nil, nil

	case *event.Liquidate:
		return c.handleLiquidate(ctx, e, now)

	case *event.RegisterRewardStream:
		if err := c.pool.RegisterRewardStream(e.Token, e.Manager, e.PeriodSeconds); err != nil {
			return nil, nil, err
		}
		return &Receipt{}, nil, nil

	case *event.NotifyReward:
		if err := c.pool.NotifyReward(e.Token, e.Manager, e.Amount, now); err != nil {
			return nil, nil, err
		}
		if c.metrics != nil {
			c.metrics.RewardNotifications.WithLabelValues(e.Token).Inc()
		}
		return &Receipt{Amount: e.Amount.Clone()}, c.journalGen.GenerateRewardFunding(e), nil

	case *event.ClaimReward:
		claimed, err := c.pool.ClaimReward(e.User, e.Token, now)
		if err != nil {
			return nil, nil, err
		}
		if c.metrics != nil {
			c.metrics.RewardClaims.WithLabelValues(e.Token).Inc()
		}
		return &Receipt{Amount: claimed}, c.journalGen.GenerateRewardClaim(e, claimed), nil

	case *event.ClaimPayout:
		claimed, err := c.pool.ClaimPayout(e.User, now)
		if err != nil {
			return nil, nil, err
		}
		return &Receipt{Amount: claimed}, c.journalGen.GeneratePayoutClaim(e, c.pool.PayoutAsset(), claimed), nil

	default:
		return nil, nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// handleLiquidate converts live, or reuses the recorded payout on replay.
// A payout carried by a live event is never trusted.
func (c *PoolCore) handleLiquidate(ctx context.Context, e *event.Liquidate, now int64) (*Receipt, *ledger.Batch, error) {
	req := state.LiquidationRequest{
		Liquidator:   e.Liquidator,
		Amount:       e.Amount,
		MinPayoutOut: e.MinPayoutOut,
		Now:          now,
	}
	if c.replaying {
		if e.PayoutReceived == nil {
			return nil, nil, fmt.Errorf("replayed liquidation %s has no recorded payout", e.IdempotencyKey())
		}
		req.RecordedPayout = e.PayoutReceived
	}

	out, err := c.pool.Liquidate(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	e.PayoutReceived = out.Payout.Clone()

	if c.metrics != nil {
		outcome := "absorbed"
		if out.Wiped {
			outcome = "wiped"
		}
		c.metrics.LiquidationsApplied.WithLabelValues(outcome).Inc()
		c.metrics.LiquidatedAmount.Add(fpmath.ToFloat64(out.Amount, fpmath.TokenConfig))
		c.metrics.LiquidationPayout.Add(fpmath.ToFloat64(out.Payout, fpmath.TokenConfig))
	}
	if out.Wiped {
		c.logger.Warn().
			Uint64("epoch", out.Epoch).
			Str("forfeited", out.Forfeited.Dec()).
			Msg("liquidation wiped the pool; new epoch started")
	}

	batch := c.journalGen.GenerateLiquidation(e, c.pool.DepositAsset(), c.pool.PayoutAsset(), ledger.LiquidationAmounts{
		ActiveDebit:    out.ActiveDebit,
		UnlockingDebit: out.UnlockingDebit,
		Forfeited:      out.Forfeited,
		Payout:         out.Payout,
	})
	return &Receipt{Liquidation: out}, batch, nil
}

// computeStateDigest creates canonical bytes for the state hash: the global
// pool state, the touched user's position, and every account the batch moved.
func (c *PoolCore) computeStateDigest(evt event.Event, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, 512)
	if uid := evt.UserID(); uid != nil {
		digest = c.pool.AppendCanonical(digest, *uid)
	} else {
		digest = c.pool.AppendCanonical(digest)
	}

	if batch == nil {
		return digest
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		b := c.balanceTracker.GetBalance(key).Bytes32()
		digest = append(digest, b[:]...)
	}
	return digest
}

// postCheckInvariants validates ledger invariants after batch application
func (c *PoolCore) postCheckInvariants(batch *ledger.Batch) error {
	if err := c.validator.ValidatePoolTotals(c.pool.DepositAsset(), c.pool.TotalActive(), c.pool.TotalUnlocking()); err != nil {
		return fmt.Errorf("post-check pool totals: %w", err)
	}
	if batch != nil {
		if err := c.validator.ValidateCustodyNonNegative(); err != nil {
			return fmt.Errorf("post-check custody: %w", err)
		}
	}

	// Periodic zero-sum sweep over every account
	if c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func (c *PoolCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
	c.logger.Debug().Str("event_type", eventType).Str("reason", reason).Msg("event rejected")
}

// rejectReason names a rejection for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, state.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, state.ErrNoUnlockRequest):
		return "no_unlock_request"
	case errors.Is(err, state.ErrNotMatured):
		return "not_matured"
	case errors.Is(err, state.ErrSlippage):
		return "slippage"
	case errors.Is(err, state.ErrNothingToLiquidate):
		return "nothing_to_liquidate"
	case errors.Is(err, state.ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, state.ErrUnknownStream), errors.Is(err, state.ErrStreamExists):
		return "stream"
	default:
		return "validation"
	}
}

func (c *PoolCore) summary() PoolSummary {
	ev := c.pool.EpochState()
	return PoolSummary{
		P:              ev.P,
		Epoch:          ev.Epoch,
		Scale:          ev.Scale,
		TotalActive:    c.pool.TotalActive(),
		TotalUnlocking: c.pool.TotalUnlocking(),
		Depositors:     c.pool.DepositorCount(),
		UnlockRequests: c.pool.UnlockRequestCount(),
	}
}

// --- Views ---

// Read runs fn under the read lock with the sequence the view reflects.
// fn must not retain pool.
func (c *PoolCore) Read(fn func(pool *state.Pool, asOfSequence int64)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.pool, c.sequence-1)
}

// Summary returns the current pool-wide state.
func (c *PoolCore) Summary() (PoolSummary, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary(), c.sequence - 1
}

// AccountBalance is one ledger account rendered for queries.
type AccountBalance struct {
	Path    string
	Asset   string
	Balance string // signed decimal
}

// AccountBalances lists every ledger account.
func (c *PoolCore) AccountBalances() ([]AccountBalance, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := c.balanceTracker.Keys()
	out := make([]AccountBalance, 0, len(keys))
	for _, k := range keys {
		out = append(out, AccountBalance{
			Path:    k.AccountPath(),
			Asset:   k.Asset,
			Balance: ledger.FormatSigned(c.balanceTracker.GetBalance(k)),
		})
	}
	return out, c.sequence - 1
}

// VerifyInvariants runs the full ledger check on demand.
func (c *PoolCore) VerifyInvariants() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := c.validator.ValidateCustodyNonNegative(); err != nil {
		return err
	}
	return c.validator.ValidatePoolTotals(c.pool.DepositAsset(), c.pool.TotalActive(), c.pool.TotalUnlocking())
}

// LastSequence returns the sequence of the last applied event (0 before any).
func (c *PoolCore) LastSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence - 1
}

// GetStateHash returns the current state hash (chain tip).
func (c *PoolCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// Tip returns the last applied sequence with its state hash.
func (c *PoolCore) Tip() (int64, [32]byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence - 1, c.hasher.GetPrevHash()
}
