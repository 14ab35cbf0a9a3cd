// Command gateway launches the order execution gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/execgate/internal/app/breaker"
	"github.com/coachpo/execgate/internal/app/gateway"
	"github.com/coachpo/execgate/internal/app/registry"
	"github.com/coachpo/execgate/internal/app/retry"
	"github.com/coachpo/execgate/internal/app/risk"
	"github.com/coachpo/execgate/internal/domain/venue"
	"github.com/coachpo/execgate/internal/infra/adapters"
	"github.com/coachpo/execgate/internal/infra/bus/eventbus"
	"github.com/coachpo/execgate/internal/infra/config"
	"github.com/coachpo/execgate/internal/infra/events"
	"github.com/coachpo/execgate/internal/infra/logging"
	"github.com/coachpo/execgate/internal/infra/persistence/migrations"
	"github.com/coachpo/execgate/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/execgate/internal/infra/server/http"
	"github.com/coachpo/execgate/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	sinkShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
	startupTimeout           = 30 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logs, err := logging.New(appCfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logging: %v\n", err)
		os.Exit(1)
	}
	logger := logs.With(slog.String("component", "gateway"))
	fatal := func(msg string, err error) {
		logger.Error(msg, slog.Any("error", err))
		_ = logs.Close()
		os.Exit(1)
	}
	logger.Info("configuration initialised",
		slog.String("path", configPath),
		slog.String("environment", string(appCfg.Environment)),
		slog.Int("venues", len(appCfg.Venues)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		fatal("initialise telemetry", err)
	}

	store, err := openDatabase(ctx, logger, appCfg.Database)
	if err != nil {
		fatal("initialise database", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    appCfg.Eventbus.BufferSize,
		FanoutWorkers: appCfg.Eventbus.FanoutWorkerCount(),
		Logger:        logs.Logger,
	})

	reg := newRegistry(logs.Logger, bus, store)
	if store != nil {
		since := time.Now().Add(-appCfg.Database.RehydrateWindow)
		n, err := reg.Rehydrate(ctx, since)
		if err != nil {
			fatal("rehydrate orders", err)
		}
		logger.Info("orders rehydrated", slog.Int("orders", n), slog.Time("since", since))
	}

	venues, err := buildVenues(appCfg, logs.Logger)
	if err != nil {
		fatal("initialise venues", err)
	}

	limits, err := riskLimits(appCfg.Risk)
	if err != nil {
		fatal("initialise risk limits", err)
	}

	policy := retry.NewPolicy(retryConfig(appCfg.Retry))
	gw, err := gateway.New(reg, venues,
		gateway.WithLogger(logs.Logger),
		gateway.WithRetryPolicy(policy),
		gateway.WithBreakerConfig(breaker.Config{
			FailureThreshold: appCfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  appCfg.CircuitBreaker.RecoveryTimeout,
		}),
		gateway.WithDefaultVenue(appCfg.DefaultVenue()),
		gateway.WithRiskGuard(newRiskGuard(logger, limits)),
	)
	if err != nil {
		fatal("initialise gateway", err)
	}
	logger.Info("venues configured", slog.Any("venues", gw.VenueNames()))

	var lifecycle conc.WaitGroup
	startWorkers(ctx, &lifecycle, logger, appCfg, gw)

	sink, err := startEventPipeline(ctx, &lifecycle, logger, appCfg.Events, bus, store)
	if err != nil {
		fatal("initialise event pipeline", err)
	}

	metrics, err := httpserver.NewMetrics(nil)
	if err != nil {
		fatal("initialise http metrics", err)
	}
	apiServer := buildAPIServer(appCfg, gw, logs.Logger, metrics, policy.Budget())
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("order API listening", slog.String("addr", apiServer.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		bus:           bus,
		sink:          sink,
		store:         store,
		telemetry:     telemetryProvider,
	})
	logger.Info("shutdown completed", slog.Duration("elapsed", time.Since(shutdownStart)))
	_ = logs.Close()
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *slog.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.MetricInterval
	}
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Enabled
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialised",
			slog.String("endpoint", telemetryCfg.OTLPEndpoint),
			slog.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func openDatabase(ctx context.Context, logger *slog.Logger, cfg config.DatabaseConfig) (*postgres.Store, error) {
	if !cfg.Enabled {
		logger.Info("database disabled; orders are held in memory only")
		return nil, nil
	}
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if cfg.RunMigrations {
		if err := migrations.Apply(startCtx, cfg.DSN, "", logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	store, err := postgres.Open(startCtx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("database connected", slog.Int("max_conns", int(cfg.MaxConns)))
	return store, nil
}

func newRegistry(logger *slog.Logger, bus *eventbus.MemoryBus, store *postgres.Store) *registry.Registry {
	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithObserver(bus.Observe),
	}
	if store != nil {
		opts = append(opts, registry.WithStore(store.Orders))
	}
	return registry.New(opts...)
}

func buildVenues(cfg config.AppConfig, logger *slog.Logger) (map[string]venue.Adapter, error) {
	specs, err := config.BuildVenueSpecs(cfg.Venues)
	if err != nil {
		return nil, err
	}
	return adapters.NewRegistry().Build(specs, logger)
}

func retryConfig(cfg config.RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		AttemptTimeout: cfg.AttemptTimeout,
	}
}

func riskLimits(cfg config.RiskConfig) (risk.Limits, error) {
	maxQty, maxNotional, err := cfg.Quantities()
	if err != nil {
		return risk.Limits{}, err
	}
	return risk.Limits{
		MaxOrderQuantity: maxQty,
		MaxOrderNotional: maxNotional,
		OrdersPerSecond:  cfg.OrdersPerSecond,
		Burst:            cfg.Burst,
	}, nil
}

func newRiskGuard(logger *slog.Logger, limits risk.Limits) *risk.Guard {
	if !limits.Enabled() {
		logger.Info("risk limits disabled")
		return nil
	}
	logger.Info("risk limits enabled",
		slog.String("max_order_quantity", limits.MaxOrderQuantity.String()),
		slog.String("max_order_notional", limits.MaxOrderNotional.String()),
		slog.Float64("orders_per_second", limits.OrdersPerSecond))
	return risk.NewGuard(limits)
}

// fillStreamVenues lists the venues configured to push executions, sorted.
func fillStreamVenues(venues map[string]config.VenueConfig) []string {
	var names []string
	for name, v := range venues {
		if v.StreamFills {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func startWorkers(ctx context.Context, lifecycle *conc.WaitGroup, logger *slog.Logger, cfg config.AppConfig, gw *gateway.Gateway) {
	if cfg.Reconciler.Enabled {
		reconciler := gateway.NewReconciler(gw, gateway.ReconcilerConfig{
			Interval:    cfg.Reconciler.Interval,
			Concurrency: cfg.Reconciler.Concurrency,
		})
		lifecycle.Go(func() { reconciler.Run(ctx) })
		logger.Info("reconciler started", slog.Duration("interval", cfg.Reconciler.Interval))
	}

	if names := fillStreamVenues(cfg.Venues); len(names) > 0 {
		consumer := gateway.NewFillConsumer(gw, names...)
		if consumer.Venues() > 0 {
			lifecycle.Go(func() { consumer.Run(ctx) })
			logger.Info("fill streams started", slog.Int("venues", consumer.Venues()))
		}
	}

	if cfg.Retention.Enabled {
		janitor := gateway.NewJanitor(gw.Registry(), cfg.Retention.Interval, cfg.Retention.MaxAge,
			logger.With(slog.String("component", "janitor")))
		lifecycle.Go(func() { janitor.Run(ctx) })
	}
}

func relayConfig(cfg config.OutboxConfig) events.RelayConfig {
	return events.RelayConfig{
		Interval:  cfg.RelayInterval,
		BatchSize: cfg.BatchSize,
		RetryBase: cfg.RetryBase,
		RetryMax:  cfg.RetryMax,
		Retention: cfg.Retention,
	}
}

// startEventPipeline wires order events to Kafka. With a database the events
// pass through the outbox; without one they are forwarded best effort.
func startEventPipeline(ctx context.Context, lifecycle *conc.WaitGroup, logger *slog.Logger, cfg config.EventsConfig, bus eventbus.Bus, store *postgres.Store) (events.Sink, error) {
	if !cfg.Kafka.Enabled {
		logger.Info("event sink disabled")
		return nil, nil
	}
	sink, err := events.NewKafkaSink(cfg.Kafka, logger)
	if err != nil {
		return nil, err
	}
	run := func(name string, fn func(context.Context) error) {
		lifecycle.Go(func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event worker stopped", slog.String("worker", name), slog.Any("error", err))
			}
		})
	}

	if store != nil {
		writer := events.NewOutboxWriter(bus, store.Outbox, sink.Topic(), logger)
		relay := events.NewRelay(store.Outbox, sink, relayConfig(cfg.Outbox), events.WithRelayLogger(logger))
		run("outbox_writer", writer.Run)
		run("outbox_relay", relay.Run)
		logger.Info("event outbox relay started", slog.String("topic", sink.Topic()))
		return sink, nil
	}

	forwarder := events.NewForwarder(bus, sink, sink.Topic(), logger)
	run("forwarder", forwarder.Run)
	logger.Info("event forwarder started", slog.String("topic", sink.Topic()))
	return sink, nil
}

func buildAPIServer(cfg config.AppConfig, gw httpserver.Gateway, logger *slog.Logger, metrics *httpserver.Metrics, executeTimeout time.Duration) *http.Server {
	handler := httpserver.NewHandler(cfg.Environment, gw,
		httpserver.WithLogger(logger),
		httpserver.WithMaxBodyBytes(cfg.APIServer.MaxBodyBytes),
		httpserver.WithExecuteTimeout(executeTimeout),
		httpserver.WithMetrics(metrics),
	)
	return &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.APIServer.ReadTimeout,
		WriteTimeout:      cfg.APIServer.WriteTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *slog.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("order API server", slog.Any("error", err))
		}
	})
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	bus           eventbus.Bus
	sink          events.Sink
	store         *postgres.Store
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *slog.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step", slog.String("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", slog.String("step", name), slog.Any("error", err))
		}
	}
	waitFor := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	}

	if cfg.server != nil {
		timeout := cfg.serverTimeout
		if timeout <= 0 {
			timeout = lifecycleShutdownTimeout
		}
		shutdownStep("stopping order API", timeout, cfg.server.Shutdown)
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for background workers", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.bus.Close)
		})
	}

	if cfg.sink != nil {
		shutdownStep("closing event sink", sinkShutdownTimeout, func(context.Context) error {
			return cfg.sink.Close()
		})
	}

	if cfg.store != nil {
		shutdownStep("closing database", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.store.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("EXECGATE_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
