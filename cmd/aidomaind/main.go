// aidomaind is the AI domain service daemon: it opens the event store, wires
// the aggregate repositories, starts the event bus and runs the generation
// worker and the read-model projectors until a termination signal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cognifyhq/aidomain/pkg/bus"
	"github.com/cognifyhq/aidomain/pkg/contentgen"
	"github.com/cognifyhq/aidomain/pkg/credentials"
	"github.com/cognifyhq/aidomain/pkg/domain"
	natsbus "github.com/cognifyhq/aidomain/pkg/nats"
	"github.com/cognifyhq/aidomain/pkg/observability"
	"github.com/cognifyhq/aidomain/pkg/projection"
	"github.com/cognifyhq/aidomain/pkg/provider"
	"github.com/cognifyhq/aidomain/pkg/readmodel"
	"github.com/cognifyhq/aidomain/pkg/runner"
	"github.com/cognifyhq/aidomain/pkg/sqlite"
	"github.com/cognifyhq/aidomain/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.Environment)
	slog.SetDefault(logger)

	ctx := context.Background()

	telemetry, err := observability.Init(ctx, observability.Config{
		ServiceName:    "aidomaind",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics := telemetry.Metrics

	db, err := sqlite.Open(
		sqlite.WithDSN(cfg.DBDSN),
		sqlite.WithPoolBounds(cfg.DBPoolMin, cfg.DBPoolMax),
		sqlite.WithQueryTimeout(cfg.DBQueryTimeout),
	)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	events, err := sqlite.NewEventStore(db, sqlite.WithEventStoreMetrics(metrics))
	if err != nil {
		return fmt.Errorf("create event store: %w", err)
	}

	checkpoints, err := sqlite.NewCheckpointStore(db)
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}

	deadLetters, err := openDeadLetterStore(cfg, db)
	if err != nil {
		return fmt.Errorf("create dead-letter store: %w", err)
	}

	statusStore := sqlite.NewStatusStore(db)

	eventBus, busService, err := openBus(ctx, cfg, logger, metrics, deadLetters)
	if err != nil {
		return fmt.Errorf("open event bus: %w", err)
	}

	contentRepo, err := newRepository(cfg, db, events, eventBus, logger, metrics, contentgen.New, contentgen.AggregateType)
	if err != nil {
		return err
	}

	contentService := contentgen.NewService(contentRepo, provider.NewStatic(), contentgen.WithLogger(logger))
	worker := contentgen.NewWorker(contentService, eventBus, logger)

	projectors, err := newProjectors(cfg, db, events, checkpoints, deadLetters, statusStore, eventBus, logger, metrics)
	if err != nil {
		return err
	}

	services := make([]runner.Service, 0, len(projectors)+2)
	if busService != nil {
		services = append(services, busService)
	}
	for _, p := range projectors {
		services = append(services, p)
	}
	services = append(services, worker)

	logger.Info("daemon configured",
		"bus", cfg.EventBusType,
		"db", cfg.DBDSN,
		"snapshots", cfg.SnapshotEnabled,
		"projectors", len(projectors),
	)

	return runner.New(services,
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(30*time.Second),
	).Run(ctx)
}

var version = "dev"

func newLogger(level, environment string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if environment == "development" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// openDeadLetterStore opens the sink in its own database when configured, so
// poison traffic cannot contend with the event log.
func openDeadLetterStore(cfg *Config, shared *sqlite.DB) (*sqlite.DeadLetterStore, error) {
	db := shared
	if cfg.DeadLetterDSN != "" {
		var err error
		db, err = sqlite.Open(
			sqlite.WithDSN(cfg.DeadLetterDSN),
			sqlite.WithQueryTimeout(cfg.DBQueryTimeout),
		)
		if err != nil {
			return nil, err
		}
	}
	return sqlite.NewDeadLetterStore(db)
}

// openBus builds the configured bus variant. The broker variant is also a
// runner service so its drain participates in shutdown ordering.
func openBus(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics, deadLetters store.DeadLetterStore) (bus.EventBus, runner.Service, error) {
	if cfg.EventBusType == "memory" {
		memBus := bus.NewMemoryBus(
			bus.WithDeadLetterStore(deadLetters),
			bus.WithBusLogger(logger),
			bus.WithBusMetrics(metrics),
		)
		return memBus, &busLifecycle{name: "memory-bus", bus: memBus}, nil
	}

	opts := []natsbus.Option{
		natsbus.WithURL(cfg.EventBusBrokerURL),
		natsbus.WithDeadLetterStore(deadLetters),
		natsbus.WithLogger(logger),
		natsbus.WithMetrics(metrics),
	}

	if cfg.BrokerSecretURL != "" {
		creds, err := credentials.NewSecretProvider(ctx, cfg.BrokerSecretURL,
			credentials.WithCiphertextFile(cfg.BrokerSecretFile))
		if err != nil {
			return nil, nil, fmt.Errorf("broker credentials: %w", err)
		}
		opts = append(opts, natsbus.WithCredentials(creds))
	}

	brokerBus, err := natsbus.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	return brokerBus, &busLifecycle{name: "nats-bus", bus: brokerBus}, nil
}

// busLifecycle adapts a bus to the runner so it drains after the projectors
// stopped.
type busLifecycle struct {
	name string
	bus  bus.EventBus
}

func (b *busLifecycle) Name() string                   { return b.name }
func (b *busLifecycle) Start(context.Context) error    { return nil }
func (b *busLifecycle) Stop(ctx context.Context) error { return b.bus.Close(ctx) }

// newRepository wires one aggregate kind: event store, tx runner, publisher
// and, when enabled, the type's snapshot table.
func newRepository[T domain.Aggregate](
	cfg *Config,
	db *sqlite.DB,
	events store.EventStore,
	eventBus bus.EventBus,
	logger *slog.Logger,
	metrics *observability.Metrics,
	factory func(id string) T,
	aggregateType string,
) (*store.Repository[T], error) {
	opts := []store.RepositoryOption[T]{
		store.WithPublisher[T](eventBus),
		store.WithRepositoryLogger[T](logger),
		store.WithRepositoryMetrics[T](metrics),
	}

	if cfg.SnapshotEnabled {
		snapshots, err := sqlite.NewSnapshotStore(db, aggregateType)
		if err != nil {
			return nil, fmt.Errorf("create %s snapshot store: %w", aggregateType, err)
		}
		opts = append(opts, store.WithSnapshots[T](snapshots))
	}

	return store.NewRepository(events, db, factory, opts...), nil
}

func newProjectors(
	cfg *Config,
	db *sqlite.DB,
	events store.EventStore,
	checkpoints store.CheckpointStore,
	deadLetters store.DeadLetterStore,
	statusStore *sqlite.StatusStore,
	eventBus bus.EventBus,
	logger *slog.Logger,
	metrics *observability.Metrics,
) ([]*projection.Projector, error) {
	contentIndex, err := readmodel.NewContentRequestIndex(db)
	if err != nil {
		return nil, fmt.Errorf("create content request index: %w", err)
	}
	problemIndex, err := readmodel.NewResearchProblemIndex(db)
	if err != nil {
		return nil, fmt.Errorf("create research problem index: %w", err)
	}
	gameIndex, err := readmodel.NewGameTransformationIndex(db)
	if err != nil {
		return nil, fmt.Errorf("create game transformation index: %w", err)
	}

	opts := func() []projection.ProjectorOption {
		return []projection.ProjectorOption{
			projection.WithTxRunner(db),
			projection.WithDeadLetters(deadLetters),
			projection.WithStatusReporter(statusStore),
			projection.WithMaxRetries(cfg.ProjectorMaxRetries),
			projection.WithProjectorLogger(logger),
			projection.WithProjectorMetrics(metrics),
		}
	}

	return []*projection.Projector{
		projection.NewProjector(contentIndex, events, checkpoints, eventBus, opts()...),
		projection.NewProjector(problemIndex, events, checkpoints, eventBus, opts()...),
		projection.NewProjector(gameIndex, events, checkpoints, eventBus, opts()...),
	}, nil
}
