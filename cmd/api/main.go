package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/inaiurai/tutoring/internal/config"
	"github.com/inaiurai/tutoring/internal/memstore"
	"github.com/inaiurai/tutoring/internal/notify"
	"github.com/inaiurai/tutoring/internal/observability"
	"github.com/inaiurai/tutoring/internal/repository"
	"github.com/inaiurai/tutoring/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	observability.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		handler http.Handler
		cleanup func()
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		handler, err = startMemory(ctx, cfg, logger)
		cleanup = func() {}
	default:
		handler, cleanup, err = startPostgres(ctx, cfg, logger)
	}
	if err != nil {
		slog.Error("Startup failed", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", srv.Addr, "driver", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("HTTP server stopped")
}

// startMemory runs everything in process: notices go to the log and the
// sweeper runs on a ticker.
func startMemory(ctx context.Context, cfg config.Config, logger *slog.Logger) (http.Handler, error) {
	store := memstore.New()
	st := stores{
		db:            store,
		users:         store.Users(),
		wallets:       store.Wallets(),
		escrows:       store.Escrows(),
		credits:       store.Credits(),
		listings:      store.Listings(),
		sessions:      store.Sessions(),
		cancellations: store.Cancellations(),
		tickets:       store.Tickets(),
	}
	a, err := buildApp(ctx, cfg, st, notify.LogNotifier{Logger: logger}, logger)
	if err != nil {
		return nil, err
	}
	go a.sweeper.Run(ctx, cfg.SweepInterval)
	slog.Warn("Using in-memory store; data is lost on exit")
	return a.handler, nil
}

// startPostgres connects, migrates and starts River, which delivers
// notifications and schedules the expiry sweep.
func startPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) (http.Handler, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (http.Handler, func(), error) {
		pool.Close()
		return nil, nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		return fail(err)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		return fail(err)
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fail(err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fail(err)
	}
	slog.Info("Migrations applied")

	// Notifications enqueue through River, but the client needs its workers
	// first and the sweeper worker needs the machine. Bind the insert late.
	var insertMu sync.Mutex
	var insertFn notify.InsertFunc
	notifier := notify.NewQueueNotifier(func(ctx context.Context, args notify.DeliverNotificationArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("notification queue not started")
		}
		return fn(ctx, args)
	})

	st := stores{
		db:            pool,
		users:         repository.NewUserRepo(pool),
		wallets:       repository.NewWalletRepo(pool),
		escrows:       repository.NewEscrowRepo(pool),
		credits:       repository.NewCreditRepo(pool),
		listings:      repository.NewListingRepo(pool),
		sessions:      repository.NewSessionRepo(pool),
		cancellations: repository.NewCancellationRepo(pool),
		tickets:       repository.NewTicketRepo(pool),
	}
	a, err := buildApp(ctx, cfg, st, notifier, logger)
	if err != nil {
		return fail(err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, notify.NewDeliverNotificationWorker(cfg.NotifyWebhook, logger))
	river.AddWorker(workers, sweeper.NewExpireSessionsWorker(a.sweeper))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{sweeper.PeriodicJob(cfg.SweepInterval)},
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, args notify.DeliverNotificationArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	if err := riverClient.Start(ctx); err != nil {
		return fail(err)
	}
	slog.Info("River client started")

	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			slog.Error("River client stop failed", "error", err)
		}
		pool.Close()
	}
	return a.handler, cleanup, nil
}
