// Command registryd runs a reference token registry: the off-ledger API and
// the outbox dispatcher publishing settlement events. The expiry janitor runs
// only when JANITOR_ENABLED is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/command"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	ledgerpg "github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger/postgres"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/offledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/outbox"
	outboxpg "github.com/LerianStudio/lib-tokenstandard/tokenstandard/outbox/postgres"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/postgres"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/rabbitmq"
	tsredis "github.com/LerianStudio/lib-tokenstandard/tokenstandard/redis"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/registry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/runtime"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/transfer"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/zap"
)

const libraryName = "github.com/LerianStudio/lib-tokenstandard"

func main() {
	tokenstandard.InitLocalEnvConfig()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "registryd:", err)
		os.Exit(1)
	}
}

// closer releases one resource at shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logger, _, err := zap.New(zap.Config{Environment: cfg.EnvName, Level: cfg.LogLevel, OTelLibraryName: libraryName})
	if err != nil {
		return err
	}

	runtime.SetProductionMode(cfg.EnvName.IsProduction())

	telemetry, err := opentelemetry.InitializeTelemetryWithError(&opentelemetry.TelemetryConfig{
		LibraryName:               libraryName,
		ServiceName:               "registryd",
		ServiceVersion:            tokenstandard.GetenvOrDefault("VERSION", "0.0.0"),
		DeploymentEnv:             string(cfg.EnvName),
		CollectorExporterEndpoint: cfg.OTelEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	runtime.InitPanicMetrics(telemetry.MetricsFactory)

	ctx := tokenstandard.ContextWithLogger(context.Background(), logger)
	ctx = tokenstandard.ContextWithMetricFactory(ctx, telemetry.MetricsFactory)

	closers := []closer{{name: "telemetry", fn: func(ctx context.Context) error {
		telemetry.ShutdownTelemetry(ctx)
		return nil
	}}}

	store, repo, storeClosers, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	closers = append(storeClosers, closers...)

	reg, err := registry.New(cfg.Admin, store, registry.WithContextTTL(cfg.ContextTTL))
	if err != nil {
		return err
	}

	if err := bootstrap(ctx, cfg, reg); err != nil {
		return err
	}

	transfers, err := transfer.NewMachine(cfg.Admin, reg, transfer.WithPreparationPolicy(reg))
	if err != nil {
		return err
	}

	commands, err := command.NewProcessor(cfg.Admin, store, reg)
	if err != nil {
		return err
	}

	var (
		handlerOpts []offledger.HandlerOption
		janitorOpts                        = []registry.JanitorOption{registry.WithInterval(cfg.JanitorInterval)}
		contexts    choicecontext.Provider = reg
	)

	if cfg.UpstreamRegistryURL != "" {
		upstream, err := choicecontext.NewHTTPProvider(cfg.UpstreamRegistryURL, choicecontext.WithHTTPLogger(logger))
		if err != nil {
			return fmt.Errorf("upstream registry: %w", err)
		}

		contexts = upstream
		handlerOpts = append(handlerOpts, offledger.WithContextProvider(upstream))
	}

	if cfg.RedisAddress != "" {
		client, err := tsredis.New(ctx, cfg.RedisConfig(logger))
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		closers = append([]closer{{name: "redis", fn: func(context.Context) error { return client.Close() }}}, closers...)

		cache, err := choicecontext.NewCachedProvider(contexts, client)
		if err != nil {
			return err
		}

		locks, err := tsredis.NewLockManager(ctx, client)
		if err != nil {
			return err
		}

		handlerOpts = append(handlerOpts, offledger.WithContextProvider(cache))
		janitorOpts = append(janitorOpts, registry.WithLockManager(locks))
	}

	handlers := outbox.NewHandlerRegistry()

	if cfg.RabbitMQURL != "" {
		broker, err := rabbitmq.NewConnection(rabbitmq.Config{
			URL:            cfg.RabbitMQURL,
			Exchange:       cfg.RabbitMQExchange,
			Logger:         logger,
			MetricsFactory: telemetry.MetricsFactory,
		})
		if err != nil {
			return err
		}

		if err := handlers.RegisterFallback(broker.Handle); err != nil {
			return err
		}

		closers = append([]closer{{name: "rabbitmq", fn: func(context.Context) error { return broker.Close() }}}, closers...)
	} else {
		logger.Log(ctx, log.LevelWarn, "RABBITMQ_URL not set, outbox events are only logged")

		if err := handlers.RegisterFallback(logEvent(logger)); err != nil {
			return err
		}
	}

	dispatcher, err := outbox.NewDispatcher(repo, handlers,
		outbox.WithDispatchInterval(cfg.DispatcherInterval),
		outbox.WithDispatcherLogger(logger),
		outbox.WithMetricsFactory(telemetry.MetricsFactory))
	if err != nil {
		return err
	}

	handler, err := offledger.NewHandler(reg, handlerOpts...)
	if err != nil {
		return err
	}

	serverOpts := []offledger.ServerOption{
		offledger.WithLogger(logger),
		offledger.WithShutdownHook(dispatcher.Shutdown),
	}

	launcherOpts := []tokenstandard.LauncherOption{
		tokenstandard.WithLogger(logger),
		tokenstandard.RunApp("outbox", dispatcher),
	}

	if cfg.JanitorEnabled {
		janitor, err := registry.NewJanitor(reg, transfers, commands, janitorOpts...)
		if err != nil {
			return err
		}

		serverOpts = append(serverOpts, offledger.WithShutdownHook(func(context.Context) error {
			janitor.Stop()
			return nil
		}))
		launcherOpts = append(launcherOpts, tokenstandard.RunApp("janitor", janitor))
	} else {
		logger.Log(ctx, log.LevelInfo, "expiry janitor disabled, deadlines are enforced on use")
	}

	for _, c := range closers {
		serverOpts = append(serverOpts, offledger.WithShutdownHook(func(ctx context.Context) error {
			if err := c.fn(ctx); err != nil {
				return fmt.Errorf("close %s: %w", c.name, err)
			}

			return nil
		}))
	}

	server, err := offledger.NewServer(cfg.ServerAddress, handler, serverOpts...)
	if err != nil {
		return err
	}

	launcherOpts = append(launcherOpts, tokenstandard.RunApp("http", server))

	return tokenstandard.NewLauncher(launcherOpts...).RunWithError()
}

// openStore returns the Postgres ledger and outbox when a DSN is set, and an
// in-memory pair otherwise.
func openStore(ctx context.Context, cfg Config, logger log.Logger) (ledger.Store, outbox.Repository, []closer, error) {
	if cfg.PrimaryDSN == "" {
		logger.Log(ctx, log.LevelWarn, "POSTGRES_PRIMARY_DSN not set, using an in-memory ledger")

		repo := outbox.NewMemoryRepository()

		return ledger.NewMemoryStore(ledger.WithEventSink(repo)), repo, nil, nil
	}

	client := postgres.New(postgres.Config{
		PrimaryDSN:   cfg.PrimaryDSN,
		ReplicaDSN:   cfg.ReplicaDSN,
		DatabaseName: cfg.DatabaseName,
		Logger:       logger,
	})

	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	closers := []closer{{name: "postgres", fn: func(context.Context) error { return client.Close() }}}

	store, err := ledgerpg.NewStore(client, ledgerpg.WithLogger(logger))
	if err != nil {
		return nil, nil, closers, err
	}

	repo, err := outboxpg.NewRepository(client, outboxpg.WithLogger(logger))
	if err != nil {
		return nil, nil, closers, err
	}

	return store, repo, closers, nil
}

func bootstrap(ctx context.Context, cfg Config, reg *registry.Registry) error {
	if cfg.BootstrapInstrument == "" {
		return nil
	}

	rate, holding, err := cfg.Fees()
	if err != nil {
		return err
	}

	_, err = reg.Bootstrap(ctx,
		registry.Instrument{
			ID:       token.InstrumentID{ID: cfg.BootstrapInstrument},
			Symbol:   cfg.BootstrapInstrument,
			Decimals: cfg.BootstrapDecimals,
		},
		registry.FeeSchedule{TransferFeeRate: rate, HoldingFee: holding})
	if errors.Is(err, registry.ErrInstrumentExists) {
		return nil
	}

	return err
}

func logEvent(logger log.Logger) outbox.EventHandler {
	return func(ctx context.Context, event *outbox.Event) error {
		logger.Log(ctx, log.LevelInfo, "outbox event",
			log.String("event_type", event.EventType),
			log.String("aggregate_id", event.AggregateID),
			log.String("event_id", event.ID.String()))

		return nil
	}
}
