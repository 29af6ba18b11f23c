package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"GratisLedger/internal/config"
	"GratisLedger/internal/core"
	"GratisLedger/internal/event"
	"GratisLedger/internal/ingestion"
	"GratisLedger/internal/kv"
	"GratisLedger/internal/observability"
	"GratisLedger/internal/oracle"
	"GratisLedger/internal/persistence"
	"GratisLedger/internal/projection"
	"GratisLedger/internal/query"
	"GratisLedger/internal/server"
	"GratisLedger/internal/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	newLogger := observability.LoggerFactory(cfg.LogConfig())
	logger := newLogger("main")

	if err := run(cfg, newLogger, logger); err != nil {
		logger.Fatal().Err(err).Msg("gratisledger stopped")
	}
	logger.Info().Msg("gratisledger shutdown complete")
}

func run(cfg *config.Config, newLogger func(string) zerolog.Logger, logger zerolog.Logger) error {
	logger.Info().Msg("gratisledger starting")

	// Sources and the core stop on ctx; downstream workers drain until
	// their inputs close.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.Migrations.Dir, newLogger("migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	health.AddCheck("postgres", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})

	// --- Withdrawal queue storage ---
	store, err := kv.New(cfg.KVConfig())
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer store.Close()
	logger.Info().Str("backend", cfg.KV.Backend).Msg("kv store opened")

	// --- Channels ---
	// Persist, transfers and price requests block the core; projection drops.
	persistCh := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionCh := make(chan core.CoreOutput, cfg.Channels.Projection)
	transferCh := make(chan transfer.Instruction, cfg.Channels.Transfers)
	priceCh := make(chan oracle.PriceRequest, cfg.Channels.PriceRequests)
	recordCh := make(chan persistence.Record, cfg.Channels.Persist)
	publishCh := make(chan ingestion.PublishableEvent, cfg.Channels.Publish)
	submissions := make(chan core.Submission, cfg.Channels.Ingest)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db, cfg.Idempotency.DBTimeout)

	deterministicCore, err := core.NewDeterministicCore(
		cfg.CoreConfig(),
		store,
		core.Outputs{
			Persist:       persistCh,
			Projection:    projectionCh,
			Transfers:     transferCh,
			PriceRequests: priceCh,
		},
		dbChecker,
		metrics,
		newLogger("core"),
	)
	if err != nil {
		return fmt.Errorf("new core: %w", err)
	}

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	replayed, err := recoverCore(ctx, deterministicCore, snapMgr, newLogger("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if keys, err := dbChecker.RecentKeys(ctx, cfg.Idempotency.LRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("idempotency warmup failed")
	} else {
		deterministicCore.WarmLRU(keys)
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", deterministicCore.GetSequence()).
		Msg("recovery complete")

	if snap, err := deterministicCore.CreateSnapshotState(); err != nil {
		logger.Warn().Err(err).Msg("projection rebuild skipped")
	} else if err := projection.Rebuild(ctx, db, snap); err != nil {
		logger.Warn().Err(err).Msg("projection rebuild failed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, newLogger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	health.AddCheck("nats", func() error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	ingestLogger := newLogger("ingestion")
	if err := ingestion.EnsureStreams(ctx, js, ingestLogger); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, ingestLogger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	errChan := make(chan error, 16)
	report := func(name string, err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		select {
		case errChan <- fmt.Errorf("%s: %w", name, err):
		default:
		}
	}

	// --- Downstream workers ---
	var workers sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	persistWorker := persistence.NewPersistenceWorker(
		db, recordCh, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics, newLogger("persistence"))
	projWorker := projection.NewProjectionWorker(
		db, projectionCh, deterministicCore.CreateSnapshotState, metrics, newLogger("projection"))
	publisher := ingestion.NewOutboundPublisher(js, publishCh, newLogger("publisher"))

	workers.Add(4)
	go func() {
		defer workers.Done()
		bridgeOutputs(persistCh, recordCh, publishCh, newLogger("bridge"))
	}()
	go func() {
		defer workers.Done()
		report("persistence", persistWorker.Run(workerCtx))
	}()
	go func() {
		defer workers.Done()
		report("projection", projWorker.Run(workerCtx))
	}()
	go func() {
		defer workers.Done()
		report("publisher", publisher.Run(workerCtx))
	}()

	// --- Core ---
	submit := func(ctx context.Context, evt event.Event) (core.Receipt, error) {
		return core.Submit(ctx, submissions, evt)
	}
	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		report("core", deterministicCore.Run(ctx, submissions))
	}()

	// --- External calls ---
	transferLogger := newLogger("transfer")
	dispatcher := transfer.NewDispatcher(nc, cfg.TransferConfig(), transferCh,
		transferResultHandler(submit, transferLogger), metrics, transferLogger)
	go func() { report("transfer dispatcher", dispatcher.Run(ctx)) }()

	oracleLogger := newLogger("oracle")
	refresher := oracle.NewRefresher(
		oracle.NewClient(nc, cfg.Oracle.Subject, cfg.Oracle.Timeout),
		priceCh,
		rate.NewLimiter(rate.Every(cfg.Oracle.MinInterval), 1),
		priceResultHandler(submit, oracleLogger),
		metrics,
		oracleLogger,
	)
	go func() { report("oracle refresher", refresher.Run(ctx)) }()

	// Work interrupted by the last shutdown
	if n := deterministicCore.RedispatchPending(); n > 0 {
		logger.Info().Int("transfers", n).Msg("re-dispatched pending transfers")
	}
	abandonPriceRequests(ctx, deterministicCore.PendingPriceRequests(), submit, oracleLogger)

	commands := ingestion.NewCommandService(submit)
	go runPriceRefresh(ctx, cfg.Oracle.RefreshInterval, commands, oracleLogger)

	// --- Inbound NATS ---
	rawCh := make(chan ingestion.RawEvent, cfg.Channels.Ingest)
	subscriber := ingestion.NewNATSSubscriber(js, rawCh, ingestLogger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	go ingestion.RunIngestionLoop(ctx, rawCh, submit, ingestLogger)

	// --- Snapshots ---
	takeSnapshot := func(ctx context.Context) (int64, error) {
		return snapshot(ctx, deterministicCore, snapMgr, metrics)
	}
	go runSnapshots(ctx, cfg.Snapshot.Interval, deterministicCore, snapMgr, takeSnapshot, newLogger("snapshot"))

	// --- HTTP / gRPC ---
	srv, err := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Commands: commands,
		Queries:  query.NewQueryService(deterministicCore, db),
		Health:   health,
		Metrics:  metrics,
		Snapshot: takeSnapshot,
		Logger:   newLogger("server"),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	go func() { report("grpc server", srv.StartGRPC(ctx)) }()
	go func() { report("http server", srv.StartHTTP(ctx)) }()
	go func() { report("metrics server", serveMetrics(ctx, cfg.Server.MetricsAddr, logger)) }()

	srv.SetServing(true)
	logger.Info().
		Int64("next_sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("gratisledger ready")

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the core finish its current event, then drain the
	// workers before the final snapshot.
	srv.SetServing(false)
	cancel()
	subscriber.Stop()
	<-coreDone

	close(persistCh)
	close(projectionCh)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
		stopWorkers()
		<-drained
	}

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finalCancel()
	if seq, err := snapshot(finalCtx, deterministicCore, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}
	if _, err := snapMgr.VerifyPending(finalCtx); err != nil {
		logger.Warn().Err(err).Msg("snapshot verification failed")
	}

	return runErr
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
