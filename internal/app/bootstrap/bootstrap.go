package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	tallyservice "pollcast/contexts/live-polls/tally-service"
	boltadapter "pollcast/contexts/live-polls/tally-service/adapters/bolt"
	cacheadapter "pollcast/contexts/live-polls/tally-service/adapters/cache"
	"pollcast/contexts/live-polls/tally-service/adapters/memory"
	postgresadapter "pollcast/contexts/live-polls/tally-service/adapters/postgres"
	"pollcast/contexts/live-polls/tally-service/application"
	"pollcast/contexts/live-polls/tally-service/application/broker"
	"pollcast/contexts/live-polls/tally-service/application/stream"
	"pollcast/contexts/live-polls/tally-service/application/workers"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	"pollcast/contexts/live-polls/tally-service/ports"
	"pollcast/internal/platform/config"
	"pollcast/internal/platform/db"
	"pollcast/internal/platform/httpserver"
	"pollcast/internal/platform/messaging"

	"golang.org/x/sync/errgroup"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type APIApp struct {
	cfg     config.Config
	server  *httpserver.Server
	module  tallyservice.Module
	relay   workers.OutboxRelay
	bus     *messaging.Bus
	storage *storage
	logger  *slog.Logger
}

type WorkerApp struct {
	cfg     config.Config
	relay   workers.OutboxRelay
	bus     *messaging.Bus
	storage *storage
	logger  *slog.Logger
}

// storage is one opened backend seen through the module ports.
type storage struct {
	backend   string
	directory ports.PollDirectory
	ledger    ports.VoteLedger
	outbox    ports.OutboxRepository
	clock     ports.Clock
	ids       ports.IDGenerator
	closers   []func() error
}

func BuildAPI(ctx context.Context, cfg config.Config) (*APIApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg, "api")

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	module := tallyservice.NewModule(tallyservice.Dependencies{
		Directory:     store.directory,
		Ledger:        store.ledger,
		Clock:         store.clock,
		IDGen:         store.ids,
		Logger:        logger,
		SubmitTimeout: cfg.SubmitTimeout,
		LockWait:      cfg.LockWait,
		LockAttempts:  cfg.LockAttempts,
		Retry: application.RetryPolicy{
			Attempts: cfg.ReadRetryAttempts,
			Backoff:  cfg.ReadRetryBackoff,
		},
		Quotas: broker.Quotas{
			MaxSubscriptions:              cfg.StreamMaxTotal,
			MaxSubscriptionsPerSubscriber: cfg.StreamMaxPerVoter,
		},
		Stream: stream.Options{
			KeepaliveInterval: cfg.StreamKeepalive,
			IdleTimeout:       cfg.StreamIdleTimeout,
		},
	})

	bus := messaging.NewBus(cfg.KafkaBrokers, logger)
	server := httpserver.New(module, logger, normalizeAddr(cfg.HTTPPort), httpserver.Options{
		StreamWriteTimeout: cfg.StreamWriteTimeout,
	})
	return &APIApp{
		cfg:     cfg,
		server:  server,
		module:  module,
		relay:   newRelay(cfg, store, bus, logger),
		bus:     bus,
		storage: store,
		logger:  logger,
	}, nil
}

// BuildWorker wires the standalone outbox relay. It needs a backend another
// process can share, so only postgres is accepted.
func BuildWorker(ctx context.Context, cfg config.Config) (*WorkerApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StorageBackend != config.StoragePostgres {
		return nil, fmt.Errorf("worker requires storage backend %q, got %q", config.StoragePostgres, cfg.StorageBackend)
	}
	logger := newLogger(cfg, "worker")

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	bus := messaging.NewBus(cfg.KafkaBrokers, logger)
	return &WorkerApp{
		cfg:     cfg,
		relay:   newRelay(cfg, store, bus, logger),
		bus:     bus,
		storage: store,
		logger:  logger,
	}, nil
}

// Run serves until ctx ends or a component fails, then closes every live
// stream and drains the HTTP server.
func (a *APIApp) Run(ctx context.Context) error {
	warmed, err := a.module.Tally.Warm(ctx)
	if err != nil {
		a.logger.Warn("tally warm-up incomplete",
			"event", "bootstrap_tally_warm_failed",
			"module", "internal/app/bootstrap",
			"layer", "platform",
			"warmed", warmed,
			"error", err.Error(),
		)
	}
	a.logger.Info("api app started",
		"event", "bootstrap_api_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"storage_backend", a.storage.backend,
		"warmed_polls", warmed,
		"brokers", strings.Join(a.bus.Brokers(), ","),
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(a.server.Start)
	group.Go(func() error {
		<-gctx.Done()
		a.module.Broker.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.cfg.EnableTallyReconciler {
		group.Go(func() error {
			return a.module.Reconciler.Run(gctx, a.cfg.ReconcileInterval)
		})
	}
	if a.cfg.EnableOutboxRelay && a.storage.backend != config.StoragePostgres {
		// a postgres outbox is drained by the worker process
		group.Go(func() error {
			return a.relay.Run(gctx, a.cfg.OutboxPollInterval)
		})
	}
	return group.Wait()
}

func (a *APIApp) Close() error {
	a.bus.Close()
	return a.storage.close()
}

func (w *WorkerApp) Run(ctx context.Context) error {
	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"poll_interval", w.cfg.OutboxPollInterval.String(),
	)
	if !w.cfg.EnableOutboxRelay {
		<-ctx.Done()
		return nil
	}
	return w.relay.Run(ctx, w.cfg.OutboxPollInterval)
}

func (w *WorkerApp) Close() error {
	w.bus.Close()
	return w.storage.close()
}

func newRelay(cfg config.Config, store *storage, bus *messaging.Bus, logger *slog.Logger) workers.OutboxRelay {
	return workers.OutboxRelay{
		Outbox:    store.outbox,
		Publisher: bus,
		Clock:     store.clock,
		BatchSize: cfg.OutboxBatchSize,
		Logger:    logger,
	}
}

func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage, error) {
	polls, err := loadPolls(cfg.PollsFile)
	if err != nil {
		return nil, err
	}

	var store *storage
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		store, err = openPostgres(ctx, cfg, polls, logger)
	case config.StorageBolt:
		store, err = openBolt(cfg, polls, logger)
	default:
		mem := memory.NewStore(polls, nil)
		store = &storage{
			backend:   config.StorageMemory,
			directory: mem,
			ledger:    mem,
			outbox:    mem,
			clock:     mem,
			ids:       mem,
		}
	}
	if err != nil {
		return nil, err
	}

	if cfg.DirectoryCacheSize > 0 {
		cached, err := cacheadapter.NewDirectory(store.directory, cfg.DirectoryCacheSize)
		if err != nil {
			_ = store.close()
			return nil, err
		}
		store.directory = cached
	}
	return store, nil
}

func openPostgres(ctx context.Context, cfg config.Config, polls []entities.Poll, logger *slog.Logger) (*storage, error) {
	pg, err := db.Connect(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		return nil, err
	}
	repo := postgresadapter.NewRepository(pg.DB, logger)
	if cfg.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}
	if len(polls) > 0 {
		if err := repo.SeedPolls(ctx, polls); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}
	return &storage{
		backend:   config.StoragePostgres,
		directory: repo,
		ledger:    repo,
		outbox:    repo,
		clock:     repo,
		ids:       repo,
		closers:   []func() error{pg.Close},
	}, nil
}

// openBolt keeps votes and the outbox in the bolt file; poll definitions come
// from the polls file and live in memory.
func openBolt(cfg config.Config, polls []entities.Poll, logger *slog.Logger) (*storage, error) {
	ledger, err := boltadapter.Open(cfg.BoltPath, logger)
	if err != nil {
		return nil, err
	}
	definitions := memory.NewStore(polls, nil)
	return &storage{
		backend:   config.StorageBolt,
		directory: ledgerVotes{PollDirectory: definitions, ledger: ledger},
		ledger:    ledger,
		outbox:    ledger,
		clock:     definitions,
		ids:       definitions,
		closers:   []func() error{ledger.Close},
	}, nil
}

// ledgerVotes answers current-vote lookups from the ledger when poll
// definitions are kept elsewhere.
type ledgerVotes struct {
	ports.PollDirectory
	ledger ports.VoteLedger
}

func (d ledgerVotes) CurrentVote(ctx context.Context, pollID string, voterID string) (string, bool, error) {
	return d.ledger.CurrentVote(ctx, pollID, voterID)
}

func (s *storage) close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadPolls(path string) ([]entities.Poll, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	return memory.LoadPollsFile(path)
}

func newLogger(cfg config.Config, process string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", cfg.ServiceName, "process", process)
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
