package main

import (
	"StabilityPool/internal/config"
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/ingestion"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/persistence"
	"StabilityPool/internal/projection"
	"StabilityPool/internal/query"
	"StabilityPool/internal/scheduler"
	"StabilityPool/internal/server"
	"StabilityPool/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	replayPageSize     = 1000
	warmKeys           = 100_000
	historyCapacity    = 1000
	ingestBuffer       = 4096
	rateLimiterIdleTTL = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		observability.NewLogger("main").Fatal().Err(err).Msg("stability pool exited")
	}
	observability.CloseLogging()
}

func run() error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	observability.ConfigureLogging(observability.LogOptions{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	logger := observability.NewLogger("main")
	logger.Info().Str("deposit_asset", cfg.Pool.DepositAsset).Str("payout_asset", cfg.Pool.PayoutAsset).
		Msg("stability pool starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	health.AddProbe("postgres", func() error {
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	})

	// --- Core ---
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return err
	}

	persistChan := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionChan := make(chan core.CoreOutput, cfg.Channels.Projection)
	idem := persistence.NewPostgresIdempotencyChecker(db)

	poolCore := core.NewPoolCore(core.Options{
		Pool:           poolCfg,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		DBChecker:      idem,
		Metrics:        metrics,
		Logger:         observability.NewLogger("core"),
	})

	// --- Recovery: snapshot + replay ---
	snapshots := persistence.NewSnapshotManager(db)
	snapshotSeq, lastSeq, err := recoverState(ctx, poolCore, snapshots, idem, metrics, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persistence.BatchSize,
		cfg.Persistence.FlushTimeout, metrics, observability.NewLogger("persistence"))
	persistWorker.SetLastPersisted(lastSeq)

	history := projection.NewLiquidationHistory(historyCapacity)
	rebuilder := projection.NewRebuilder(db, snapshots, poolCfg, history, observability.NewLogger("rebuild"))
	if err := catchUpProjections(ctx, db, rebuilder, history, lastSeq, logger); err != nil {
		return err
	}
	projWorker := projection.NewProjectionWorker(db, projectionChan, history, metrics, observability.NewLogger("projection"))
	projWorker.SetLastSequence(lastSeq)

	oracle := ingestion.NewManualOracle(cfg.Pool.LiquidationsEnabled)
	if !cfg.Pool.LiquidationsEnabled {
		logger.Warn().Msg("liquidations paused until enabled over /v1/admin/oracle")
	}
	commands := ingestion.NewCommandService(poolCore, oracle, metrics, observability.NewLogger("api"))

	if err := registerConfiguredStreams(ctx, poolCore, cfg, logger); err != nil {
		return err
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("component", name).Msg("component stopped")
			}
		}()
	}

	// --- NATS ---
	if cfg.NATS.Enabled {
		natsLogger := observability.NewLogger("nats")
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		health.AddProbe("nats", func() error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
			return err
		}

		publisher := ingestion.NewOutboundPublisher(js, cfg.Channels.Publish, metrics, observability.NewLogger("publisher"))
		persistWorker.OnFlush = publisher.Enqueue
		spawn("publisher", publisher.Run)

		rawChan := make(chan ingestion.RawEvent, ingestBuffer)
		ingestor := ingestion.NewIngestor(poolCore, oracle, rawChan, ingestBuffer, metrics, observability.NewLogger("ingest"))
		spawn("ingestor", ingestor.Run)

		subscriber := ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		defer subscriber.Stop()
	}

	spawn("persistence", persistWorker.Run)
	spawn("projection", projWorker.Run)

	// --- Scheduler ---
	snapshotJob := scheduler.NewSnapshotJob(poolCore, snapshots, persistWorker, cfg.Snapshot.MinEvents,
		metrics, observability.NewLogger("snapshot"))
	snapshotJob.SetLastSnapshot(snapshotSeq)

	limiter := server.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, metrics)

	sched := scheduler.New(ctx, observability.NewLogger("scheduler"))
	if err := sched.Register(cfg.Snapshot.Schedule, snapshotJob, 2*time.Minute); err != nil {
		return err
	}
	if err := sched.Register("*/15 * * * * *", scheduler.NewGaugeJob(poolCore, metrics), 5*time.Second); err != nil {
		return err
	}
	if err := sched.Register("0 * * * * *", scheduler.Func("ratelimit_sweep", func(context.Context) error {
		limiter.Sweep(rateLimiterIdleTTL)
		return nil
	}), 5*time.Second); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	// --- API ---
	service := server.NewPoolService(server.Deps{
		Commands:  commands,
		Queries:   query.NewQueryService(poolCore, db, history),
		Snapshots: snapshotJob,
		Rebuilder: rebuilder,
		Oracle:    oracle,
	})
	grpcSrv := server.NewGRPCServer(service, server.Options{
		GRPCAddr:      cfg.Server.GRPCAddr,
		HTTPAddr:      cfg.Server.HTTPAddr,
		Limiter:       limiter,
		HealthChecker: health,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
	})
	spawn("grpc", grpcSrv.StartGRPC)
	spawn("http", grpcSrv.StartHTTPGateway)
	spawn("metrics", func(ctx context.Context) error { return serveMetrics(ctx, cfg.Server.MetricsAddr, logger) })

	health.SetReady(true)
	grpcSrv.SetServing(true)
	logger.Info().Int64("sequence", lastSeq).Msg("stability pool ready")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	health.SetReady(false)
	grpcSrv.SetServing(false)
	wg.Wait()
	logger.Info().Int64("last_persisted", persistWorker.LastPersisted()).Msg("shutdown complete")
	return nil
}

func poolConfig(cfg *config.Config) (state.PoolConfig, error) {
	liquidators, err := cfg.Liquidators()
	if err != nil {
		return state.PoolConfig{}, err
	}
	rate, err := cfg.ConversionRate()
	if err != nil {
		return state.PoolConfig{}, err
	}
	return state.PoolConfig{
		DepositAsset:   cfg.Pool.DepositAsset,
		PayoutAsset:    cfg.Pool.PayoutAsset,
		UnlockDuration: int64(cfg.Pool.UnlockDuration / time.Second),
		Liquidators:    liquidators,
		Converter:      state.NewFixedRateConverter(rate),
	}, nil
}

// recoverState restores the latest verified snapshot and replays the log
// after it. It returns the snapshot's sequence and the last replayed one.
func recoverState(
	ctx context.Context,
	c *core.PoolCore,
	snapshots *persistence.SnapshotManager,
	idem *persistence.PostgresIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, int64, error) {
	start := time.Now()
	from, prevHash, snapshotSeq := int64(1), core.GenesisHash(), int64(0)

	snap, err := snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, 0, err
	}
	if snap != nil {
		st, err := snap.ToCore()
		if err != nil {
			return 0, 0, err
		}
		if err := c.RestoreFromSnapshot(st); err != nil {
			return 0, 0, err
		}
		from, prevHash, snapshotSeq = st.Sequence+1, st.StateHash, st.Sequence
	} else {
		logger.Info().Msg("no verified snapshot, cold start")
	}

	c.BeginReplay()
	last, err := snapshots.ReplayFrom(ctx, from, prevHash, replayPageSize, func(env *event.EventEnvelope) error {
		if _, err := c.ReplayEnvelope(ctx, env); err != nil {
			return err
		}
		metrics.ReplayEventsTotal.Inc()
		return nil
	})
	c.EndReplay()
	if err != nil {
		return 0, 0, err
	}

	keys, err := idem.RecentKeys(ctx, warmKeys)
	if err != nil {
		return 0, 0, fmt.Errorf("warm idempotency cache: %w", err)
	}
	c.WarmLRU(keys)

	if err := c.VerifyInvariants(); err != nil {
		return 0, 0, err
	}

	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	logger.Info().
		Int64("snapshot", snapshotSeq).
		Int64("replayed", last-from+1).
		Int64("sequence", last).
		Dur("elapsed", time.Since(start)).
		Msg("recovery complete")
	return snapshotSeq, last, nil
}

// catchUpProjections rebuilds the projections when they lag the log, then
// loads the newest liquidations into the in-memory ring.
func catchUpProjections(
	ctx context.Context,
	db *sql.DB,
	rebuilder *projection.Rebuilder,
	history *projection.LiquidationHistory,
	lastSeq int64,
	logger zerolog.Logger,
) error {
	watermark, err := projection.ReadWatermark(ctx, db)
	if err != nil {
		return fmt.Errorf("read projection watermark: %w", err)
	}
	if watermark != lastSeq {
		logger.Warn().Int64("watermark", watermark).Int64("sequence", lastSeq).Msg("projections behind the log, rebuilding")
		if _, err := rebuilder.Rebuild(ctx); err != nil {
			return err
		}
		return nil
	}

	entries, err := projection.QueryLiquidations(ctx, db, 0, historyCapacity)
	if err != nil {
		return fmt.Errorf("load liquidation history: %w", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		history.Add(entries[i])
	}
	return nil
}

// registerConfiguredStreams registers the reward streams named in config on
// the config partition. Streams registered on an earlier run are skipped.
func registerConfiguredStreams(ctx context.Context, c *core.PoolCore, cfg *config.Config, logger zerolog.Logger) error {
	for _, r := range cfg.Rewards {
		manager, err := uuid.Parse(r.Manager)
		if err != nil {
			return fmt.Errorf("reward %s manager: %w", r.Token, err)
		}
		evt := &event.RegisterRewardStream{
			Meta: event.Meta{
				EventID:    uuid.NewSHA1(uuid.NameSpaceOID, []byte("reward-stream:"+r.Token)),
				Source:     core.PartitionConfig,
				OccurredAt: time.Now().UTC(),
			},
			Token:         r.Token,
			Manager:       manager,
			PeriodSeconds: int64(r.Period / time.Second),
		}
		receipt, err := c.ProcessEvent(ctx, evt)
		switch {
		case errors.Is(err, state.ErrStreamExists):
			continue
		case err != nil:
			return fmt.Errorf("register reward stream %s: %w", r.Token, err)
		case !receipt.Duplicate:
			logger.Info().Str("token", r.Token).Int64("sequence", receipt.Sequence).Msg("reward stream registered")
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

