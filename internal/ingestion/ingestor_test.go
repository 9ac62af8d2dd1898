package ingestion_test

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/ingestion"
	"StabilityPool/internal/state"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	liquidator = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	alice      = uuid.MustParse("00000000-0000-0000-0000-000000000001")
)

func newCore(persist chan core.CoreOutput) *core.PoolCore {
	return core.NewPoolCore(core.Options{
		Pool: state.PoolConfig{
			DepositAsset:   "sUSD",
			PayoutAsset:    "wETH",
			UnlockDuration: 3600,
			Liquidators:    []uuid.UUID{liquidator},
			Converter:      state.NewFixedRateConverter(uint256.NewInt(1_000_000_000_000_000_000)),
		},
		PersistChan: persist,
		Logger:      zerolog.Nop(),
	})
}

type recordingProcessor struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (p *recordingProcessor) ProcessEvent(_ context.Context, evt event.Event) (*core.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	if p.err != nil {
		return nil, p.err
	}
	return &core.Receipt{Sequence: int64(len(p.events))}, nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func depositRaw(t *testing.T, seq int64, acked, termed *atomic.Int32) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"event_id":     uuid.NewString(),
		"user_id":      alice.String(),
		"amount":       "100",
		"sequence":     seq,
		"timestamp_us": int64(1700000000000000),
	})
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:    "pool.deposit.app",
		EventType:  "Deposit",
		Data:       data,
		ReceivedAt: time.Now(),
		AckFunc:    func() { acked.Add(1) },
		NakFunc:    func() {},
		TermFunc:   func() { termed.Add(1) },
	}
}

func TestIngestor_AcksParsedAndTerminatesPoison(t *testing.T) {
	var acked, termed atomic.Int32
	proc := &recordingProcessor{}
	raw := make(chan ingestion.RawEvent, 8)
	in := ingestion.NewIngestor(proc, ingestion.NewManualOracle(true), raw, 8, nil, zerolog.Nop())

	raw <- depositRaw(t, 1, &acked, &termed)
	raw <- ingestion.RawEvent{
		Subject: "pool.deposit.app", EventType: "Deposit", Data: []byte("{"),
		AckFunc: func() { acked.Add(1) }, TermFunc: func() { termed.Add(1) },
	}
	raw <- depositRaw(t, 2, &acked, &termed)
	close(raw)

	require.NoError(t, in.Run(context.Background()))
	assert.Equal(t, 2, proc.count())
	assert.Equal(t, int32(2), acked.Load())
	assert.Equal(t, int32(1), termed.Load())
}

func TestIngestor_RejectionDoesNotStopLoop(t *testing.T) {
	var acked, termed atomic.Int32
	proc := &recordingProcessor{err: errors.New("sequence gap")}
	raw := make(chan ingestion.RawEvent, 4)
	in := ingestion.NewIngestor(proc, nil, raw, 4, nil, zerolog.Nop())

	raw <- depositRaw(t, 1, &acked, &termed)
	raw <- depositRaw(t, 5, &acked, &termed)
	close(raw)

	require.NoError(t, in.Run(context.Background()))
	assert.Equal(t, 2, proc.count())
}

func TestIngestor_OracleBlocksLiquidation(t *testing.T) {
	proc := &recordingProcessor{}
	oracle := ingestion.NewManualOracle(false)

	data, err := json.Marshal(map[string]interface{}{
		"event_id":     uuid.NewString(),
		"liquidator":   liquidator.String(),
		"amount":       "10",
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	})
	require.NoError(t, err)

	raw := make(chan ingestion.RawEvent, 1)
	raw <- ingestion.RawEvent{Subject: "pool.liquidate.vault", EventType: "Liquidate", Data: data}
	close(raw)

	in := ingestion.NewIngestor(proc, oracle, raw, 1, nil, zerolog.Nop())
	require.NoError(t, in.Run(context.Background()))
	assert.Equal(t, 0, proc.count())
}

func TestIngestor_SequencesPerSubject(t *testing.T) {
	c := newCore(nil)
	var acked, termed atomic.Int32
	raw := make(chan ingestion.RawEvent, 4)
	in := ingestion.NewIngestor(c, nil, raw, 4, nil, zerolog.Nop())

	raw <- depositRaw(t, 10, &acked, &termed)
	raw <- depositRaw(t, 11, &acked, &termed)
	raw <- depositRaw(t, 13, &acked, &termed) // gap on a strict partition
	close(raw)

	require.NoError(t, in.Run(context.Background()))
	assert.Equal(t, int64(2), c.LastSequence())
}

func TestCommandService_AssignsAPIPartition(t *testing.T) {
	persist := make(chan core.CoreOutput, 8)
	c := newCore(persist)
	svc := ingestion.NewCommandService(c, ingestion.NewManualOracle(true), nil, zerolog.Nop())

	r1, err := svc.Submit(context.Background(), &event.Deposit{Receiver: alice, Amount: uint256.NewInt(100)})
	require.NoError(t, err)
	r2, err := svc.Submit(context.Background(), &event.Deposit{
		Meta:     event.Meta{Source: "nats:pool.deposit.spoofed", Sequence: 99},
		Receiver: alice,
		Amount:   uint256.NewInt(50),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1.Sequence)
	assert.Equal(t, int64(2), r2.Sequence)

	out := <-persist
	assert.Equal(t, core.PartitionAPI, out.Envelope.Partition)
	assert.Equal(t, int64(0), out.Envelope.SourceSequence)
	out = <-persist
	assert.Equal(t, core.PartitionAPI, out.Envelope.Partition)
	assert.Equal(t, int64(1), out.Envelope.SourceSequence)
}

func TestCommandService_RetryWithSameIDIsDuplicate(t *testing.T) {
	c := newCore(nil)
	svc := ingestion.NewCommandService(c, nil, nil, zerolog.Nop())
	id := uuid.New()

	_, err := svc.Submit(context.Background(), &event.Deposit{Meta: event.Meta{EventID: id}, Receiver: alice, Amount: uint256.NewInt(100)})
	require.NoError(t, err)
	r, err := svc.Submit(context.Background(), &event.Deposit{Meta: event.Meta{EventID: id}, Receiver: alice, Amount: uint256.NewInt(100)})
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
}

func TestCommandService_OracleRefusal(t *testing.T) {
	c := newCore(nil)
	oracle := ingestion.NewManualOracle(false)
	svc := ingestion.NewCommandService(c, oracle, nil, zerolog.Nop())

	_, err := svc.Submit(context.Background(), &event.Deposit{Receiver: alice, Amount: uint256.NewInt(1000)})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), &event.Liquidate{Liquidator: liquidator, Amount: uint256.NewInt(10), MinPayoutOut: new(uint256.Int)})
	require.ErrorIs(t, err, state.ErrLiquidationNotPermitted)
	assert.Equal(t, int64(1), c.LastSequence())

	oracle.SetPermitted(true)
	r, err := svc.Submit(context.Background(), &event.Liquidate{
		Liquidator:     liquidator,
		Amount:         uint256.NewInt(10),
		MinPayoutOut:   new(uint256.Int),
		PayoutReceived: uint256.NewInt(1), // ignored, the outcome decides
	})
	require.NoError(t, err)
	require.NotNil(t, r.Liquidation)
	assert.Equal(t, "10", r.Liquidation.Payout.Dec())
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	msgIDs   int
}

func (f *fakePublisher) Publish(_ context.Context, subject string, _ []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.msgIDs += len(opts)
	return &jetstream.PubAck{}, nil
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subjects...)
}

func TestPublisher_PublishesPerEventType(t *testing.T) {
	persist := make(chan core.CoreOutput, 8)
	c := newCore(persist)
	svc := ingestion.NewCommandService(c, nil, nil, zerolog.Nop())
	_, err := svc.Submit(context.Background(), &event.Deposit{Receiver: alice, Amount: uint256.NewInt(100)})
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), &event.Checkpoint{User: alice})
	require.NoError(t, err)

	fp := &fakePublisher{}
	pub := ingestion.NewOutboundPublisher(fp, 8, nil, zerolog.Nop())
	pub.Enqueue([]core.CoreOutput{<-persist, <-persist})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pub.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(fp.published()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"pool.ledger.events.Deposit", "pool.ledger.events.Checkpoint"}, fp.published())
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	persist := make(chan core.CoreOutput, 8)
	c := newCore(persist)
	svc := ingestion.NewCommandService(c, nil, nil, zerolog.Nop())
	for i := 0; i < 3; i++ {
		_, err := svc.Submit(context.Background(), &event.Deposit{Receiver: alice, Amount: uint256.NewInt(100)})
		require.NoError(t, err)
	}

	pub := ingestion.NewOutboundPublisher(&fakePublisher{}, 1, nil, zerolog.Nop())
	// must not block
	pub.Enqueue([]core.CoreOutput{<-persist, <-persist, <-persist})
}

func TestPublishableFromOutput(t *testing.T) {
	persist := make(chan core.CoreOutput, 1)
	c := newCore(persist)
	_, err := ingestion.NewCommandService(c, nil, nil, zerolog.Nop()).
		Submit(context.Background(), &event.Deposit{Receiver: alice, Amount: uint256.NewInt(100)})
	require.NoError(t, err)

	out := <-persist
	pe := ingestion.PublishableFromOutput(out)
	assert.Equal(t, int64(1), pe.Sequence)
	assert.Equal(t, "Deposit", pe.EventType)
	require.NotNil(t, pe.UserID)
	assert.Equal(t, alice.String(), *pe.UserID)
	assert.Len(t, pe.StateHash, 64)

	evt, err := event.Unmarshal(pe.EventType, pe.Payload)
	require.NoError(t, err)
	assert.Equal(t, "100", evt.(*event.Deposit).Amount.Dec())
}

func TestManualOracle_RefusesUntilConfirmed(t *testing.T) {
	evt := &event.Liquidate{Liquidator: liquidator, Amount: uint256.NewInt(1)}

	var zero ingestion.ManualOracle
	assert.False(t, zero.LiquidationPermitted(context.Background(), evt))
	assert.False(t, ingestion.NewManualOracle(false).Permitted())

	o := ingestion.NewManualOracle(false)
	o.SetPermitted(true)
	assert.True(t, o.LiquidationPermitted(context.Background(), evt))
	o.SetPermitted(false)
	assert.False(t, o.Permitted())
}
