package scheduler_test

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/persistence"
	"StabilityPool/internal/scheduler"
	"StabilityPool/internal/state"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	saved    []*persistence.SnapshotData
	logged   map[int64][32]byte
	verified []int64
}

func (f *fakeStore) SaveSnapshot(_ context.Context, snap *persistence.SnapshotData) (int, error) {
	f.saved = append(f.saved, snap)
	return 128, nil
}

func (f *fakeStore) LoggedStateHash(_ context.Context, seq int64) ([32]byte, error) {
	h, ok := f.logged[seq]
	if !ok {
		return h, errors.New("no such event")
	}
	return h, nil
}

func (f *fakeStore) MarkVerified(_ context.Context, seq int64) error {
	f.verified = append(f.verified, seq)
	return nil
}

type progress int64

func (p *progress) LastPersisted() int64 { return int64(*p) }

func newCore() *core.PoolCore {
	return core.NewPoolCore(core.Options{
		Pool: state.PoolConfig{
			DepositAsset:   "sUSD",
			PayoutAsset:    "wETH",
			UnlockDuration: 3600,
			Converter:      state.NewFixedRateConverter(uint256.NewInt(1_000_000_000_000_000_000)),
		},
		Logger: zerolog.Nop(),
	})
}

func deposit(t *testing.T, c *core.PoolCore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.ProcessEvent(context.Background(), &event.Deposit{
			Meta:     event.Meta{EventID: uuid.New(), OccurredAt: time.Unix(1_700_000_000+int64(i), 0)},
			Receiver: uuid.New(),
			Amount:   uint256.NewInt(1_000),
		})
		require.NoError(t, err)
	}
}

func TestSnapshotJob_SkipsBelowMinEvents(t *testing.T) {
	c := newCore()
	deposit(t, c, 2)
	store := &fakeStore{logged: map[int64][32]byte{}}
	p := progress(2)

	job := scheduler.NewSnapshotJob(c, store, &p, 5, nil, zerolog.Nop())
	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, store.saved)
}

func TestSnapshotJob_DefersWhilePersistenceBehind(t *testing.T) {
	c := newCore()
	deposit(t, c, 3)
	store := &fakeStore{logged: map[int64][32]byte{}}
	p := progress(1)

	job := scheduler.NewSnapshotJob(c, store, &p, 1, nil, zerolog.Nop())
	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, store.saved)

	_, err := job.TakeSnapshot(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrPersistenceBehind)
}

func TestSnapshotJob_VerifiesAgainstLoggedHash(t *testing.T) {
	c := newCore()
	deposit(t, c, 3)
	store := &fakeStore{logged: map[int64][32]byte{3: c.GetStateHash()}}
	p := progress(3)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg)

	job := scheduler.NewSnapshotJob(c, store, &p, 1, metrics, zerolog.Nop())
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, store.saved, 1)
	assert.Equal(t, int64(3), store.saved[0].Sequence)
	assert.Equal(t, []int64{3}, store.verified)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SnapshotTaken))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.SnapshotLastSeq))

	// nothing new since the last snapshot
	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, store.saved, 1)
}

func TestSnapshotJob_HashMismatchLeavesSnapshotUnverified(t *testing.T) {
	c := newCore()
	deposit(t, c, 2)
	store := &fakeStore{logged: map[int64][32]byte{2: {0xde, 0xad}}}
	p := progress(2)

	job := scheduler.NewSnapshotJob(c, store, &p, 1, nil, zerolog.Nop())
	_, err := job.TakeSnapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")
	assert.Len(t, store.saved, 1)
	assert.Empty(t, store.verified)
}

func TestSnapshotJob_EmptyCore(t *testing.T) {
	job := scheduler.NewSnapshotJob(newCore(), &fakeStore{}, new(progress), 0, nil, zerolog.Nop())
	_, err := job.TakeSnapshot(context.Background())
	assert.Error(t, err)
}

func TestGaugeJob_SetsPoolGauges(t *testing.T) {
	c := newCore()
	deposit(t, c, 4)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	require.NoError(t, scheduler.NewGaugeJob(c, metrics).Run(context.Background()))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.PoolDepositors))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PoolProduct))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.CoreSequence))
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s := scheduler.New(context.Background(), zerolog.Nop())
	err := s.Register("not a cron spec", scheduler.NewGaugeJob(newCore(), nil), time.Second)
	assert.Error(t, err)
	require.NoError(t, s.Register("*/1 * * * * *", scheduler.NewGaugeJob(newCore(), nil), time.Second))
	s.Start()
	s.Stop()
}
