// Command orderflow runs one or all saga participants of the order
// fulfillment choreography.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/orderflow/db/migrations"
	"github.com/coachpo/orderflow/internal/app/outbox"
	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/app/router"
	"github.com/coachpo/orderflow/internal/domain/idempotency"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/infra/bus/eventbus"
	"github.com/coachpo/orderflow/internal/infra/bus/kafkabus"
	"github.com/coachpo/orderflow/internal/infra/cache/redismarker"
	"github.com/coachpo/orderflow/internal/infra/collaborator"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/infra/persistence/memory"
	"github.com/coachpo/orderflow/internal/infra/persistence/migrations"
	"github.com/coachpo/orderflow/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/orderflow/internal/infra/server/http"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
	"github.com/coachpo/orderflow/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	meterName                = "orderflow"
	httpShutdownGrace        = 5 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath string
	role       string
	relayOnce  bool
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&opts.role, "role", "", "Participant role to run (order|payment|restaurant|delivery|notification|all); overrides the config")
	flag.BoolVar(&opts.relayOnce, "relay-once", false, "Publish due outbox records once and exit")
	flag.Parse()
	return opts
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyRoleOverride(&cfg, opts.role); err != nil {
		return err
	}

	logger, err := observability.NewZapLogger(observability.ZapConfig{
		Environment: string(cfg.Environment),
		Level:       cfg.Logging.Level,
		Role:        string(cfg.Service.Role),
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	observability.SetLogger(logger)
	logger.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("role", string(cfg.Service.Role)),
		observability.F("bus", cfg.Bus.Driver),
		observability.F("database", cfg.Database.Driver))

	provider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer shutdownStep(logger, "shutting down telemetry", telemetryShutdownTimeout, provider.Shutdown)
	meter := provider.Meter(meterName)
	metrics, err := telemetry.NewSagaMetrics(meter)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	uow, pool, err := openStore(ctx, logger, cfg.Database)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	bus, err := newBus(cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer shutdownStep(logger, "closing bus", busShutdownTimeout, func(context.Context) error { return bus.Close() })

	retry := resilience.SettingsFromConfig(cfg.Resilience.DependencyConfig).Retry
	relay := outbox.NewRelay(uow, bus, outbox.RelayConfigFrom(cfg.Outbox, retry),
		outbox.WithRelayLogger(logger), outbox.WithRelayMetrics(metrics))
	if opts.relayOnce {
		res, err := relay.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("relay pass: %w", err)
		}
		logger.Info("relay pass completed",
			observability.F("claimed", res.Claimed),
			observability.F("published", res.Published),
			observability.F("retried", res.Retried),
			observability.F("failed", res.Failed),
			observability.F("archived", res.Archived))
		return nil
	}

	var cache idempotency.Cache
	if cfg.Redis.Enabled {
		redisCache, err := redismarker.New(ctx, cfg.Redis, cfg.Idempotency.Retention)
		if err != nil {
			return fmt.Errorf("connect marker cache: %w", err)
		}
		defer func() { _ = redisCache.Close() }()
		cache = redisCache
		logger.Info("marker cache enabled", observability.F("addr", cfg.Redis.Addr))
	}

	policy := resilience.FromConfig(cfg.Resilience, resilience.WithLogger(logger), resilience.WithMetrics(metrics))
	clients, fakes := collaborator.FromConfig(cfg.Collaborators)
	if active := fakes.ActiveIn(clients); len(active) > 0 {
		logger.Warn("in-process collaborator fakes active",
			observability.F("collaborators", strings.Join(active, ",")),
			observability.F("environment", string(cfg.Environment)))
	}
	roles := buildRoles(cfg, uow, policy, clients, logger, metrics)

	routers := make([]*router.Router, 0, len(roles.handlers))
	letters := make([]*observability.DeadLetterQueue, 0, len(roles.handlers))
	for _, rh := range roles.handlers {
		r, err := router.New(routerConfig(cfg, rh.role, rh.handler.Topics(), retry), rh.handler, bus, uow,
			router.WithLogger(logger),
			router.WithMetrics(metrics),
			router.WithCache(cache))
		if err != nil {
			return fmt.Errorf("build %s router: %w", rh.role, err)
		}
		routers = append(routers, r)
		letters = append(letters, r.DeadLetters())
	}

	if err := telemetry.ObserveBacklog(meter, relay.Backlog); err != nil {
		logger.Warn("backlog gauge unavailable", observability.Err(err))
	}
	if err := telemetry.ObserveSagaStates(meter, sagaStateCounter(uow)); err != nil {
		logger.Warn("saga state gauge unavailable", observability.Err(err))
	}

	handler := httpserver.NewHandler(roles.intake(cfg, logger, httpserver.OpsView{
		Policy:  policy,
		Relay:   relay,
		Letters: letters,
	}))
	sweeper := router.NewSweeper(uow, cfg.Idempotency.Retention, cfg.Idempotency.SweepInterval, logger)

	var (
		lifecycle conc.WaitGroup
		mu        sync.Mutex
		failures  []error
	)
	spawn := func(name string, fn func(context.Context) error) {
		lifecycle.Go(func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(name+" stopped", observability.Err(err))
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		})
	}
	spawn("resilience watchdog", policy.Run)
	spawn("outbox relay", relay.Run)
	spawn("marker sweeper", sweeper.Run)
	for i, r := range routers {
		spawn(string(roles.handlers[i].role)+" router", r.Run)
	}
	if roles.notification != nil {
		spawn("notification sender", roles.notification.Run)
	}
	spawn("http server", func(ctx context.Context) error {
		return httpserver.Serve(ctx, cfg.APIServer.Addr, handler, httpShutdownGrace)
	})
	logger.Info("orderflow started",
		observability.F("addr", cfg.APIServer.Addr),
		observability.F("routers", len(routers)))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")
	start := time.Now()
	shutdownStep(logger, "waiting for lifecycle goroutines", cfg.Service.ShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
	logger.Info("shutdown completed", observability.F("took", time.Since(start).String()))

	mu.Lock()
	defer mu.Unlock()
	return observability.AggregateErrors("orderflow", failures)
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func openStore(ctx context.Context, logger *observability.ZapLogger, cfg config.DatabaseConfig) (orderstore.UnitOfWork, *pgxpool.Pool, error) {
	if cfg.Driver != "postgres" {
		return memory.New(), nil, nil
	}
	if cfg.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.DSN, dbmigrations.Files, logger.Std()); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	postgres.ObservePoolMetrics(pool, "primary")
	return postgres.New(pool), pool, nil
}

func newBus(cfg config.BusConfig, logger observability.Logger) (eventbus.Bus, error) {
	if cfg.Driver == "kafka" {
		bus, err := kafkabus.New(kafkabus.ConfigFrom(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("build kafka bus: %w", err)
		}
		return bus, nil
	}
	return eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: cfg.Buffer}), nil
}

func sagaStateCounter(uow orderstore.UnitOfWork) func(context.Context) (map[string]int64, error) {
	return func(ctx context.Context) (map[string]int64, error) {
		out := make(map[string]int64)
		err := uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
			counts, err := tx.Orders().CountSagasByState(ctx)
			if err != nil {
				return err
			}
			for state, n := range counts {
				out[string(state)] = n
			}
			return nil
		})
		return out, err
	}
}

func shutdownStep(logger observability.Logger, name string, timeout time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger.Info("shutdown: " + name)
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown: "+name+" failed", observability.Err(err))
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func applyRoleOverride(cfg *config.AppConfig, raw string) error {
	if raw == "" {
		return nil
	}
	role, ok := config.ParseRole(raw)
	if !ok {
		return fmt.Errorf("unknown role %q", raw)
	}
	cfg.Service.Role = role
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config with role %s: %w", role, err)
	}
	return nil
}
