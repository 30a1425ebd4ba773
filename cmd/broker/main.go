// Command broker launches the integration broker runtime: inbound intake
// over HTTP, queue, and websocket, the flow pipeline, and both outbox
// dispatchers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/aritmos/ibroker/config"
	"github.com/aritmos/ibroker/internal/app/deadletter"
	"github.com/aritmos/ibroker/internal/app/dispatch"
	"github.com/aritmos/ibroker/internal/app/outbox"
	"github.com/aritmos/ibroker/internal/app/pipeline"
	runtimeconfig "github.com/aritmos/ibroker/internal/config"
	"github.com/aritmos/ibroker/internal/dryrun"
	"github.com/aritmos/ibroker/internal/flow"
	"github.com/aritmos/ibroker/internal/health"
	"github.com/aritmos/ibroker/internal/infra/persistence"
	"github.com/aritmos/ibroker/internal/infra/persistence/migrations"
	"github.com/aritmos/ibroker/internal/infra/persistence/postgres"
	httpserver "github.com/aritmos/ibroker/internal/infra/server/http"
	"github.com/aritmos/ibroker/internal/observability"
	"github.com/aritmos/ibroker/internal/outbound"
	"github.com/aritmos/ibroker/internal/outbound/messaging"
	"github.com/aritmos/ibroker/internal/telemetry"
	"github.com/aritmos/ibroker/internal/transport/poller"
	"github.com/aritmos/ibroker/internal/transport/queue"
	"github.com/aritmos/ibroker/internal/transport/ws"
)

const (
	brokerLoggerPrefix = "ibroker "

	flowTimeout = 30 * time.Second

	shutdownTimeout          = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	providerShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout    = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBrokerLogger()
	observability.SetLogger(observability.NewJSONLogger(os.Stdout,
		observability.ParseLevel(os.Getenv("IBROKER_LOG_LEVEL"))))

	settings, err := loadSettings(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: addr=%s runtime=%s", settings.Addr, settings.RuntimeConfigPath)

	telemetryProvider, err := initTelemetry(ctx, logger, settings.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	observability.SetMetrics(observability.NewOTelMetrics(telemetryProvider.Meter(settings.Service)))

	if err := migrations.Apply(ctx, settings.DatabaseDSN, settings.MigrationsDir, logger); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	pool, err := persistence.Connect(ctx, settings.DatabaseDSN)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	store := postgres.New(pool)
	postgres.ObservePoolMetrics(pool, "broker")

	runtimeStore, err := initRuntimeStore(logger, settings.RuntimeConfigPath)
	if err != nil {
		logger.Fatalf("initialise runtime config: %v", err)
	}
	snapshot := runtimeStore.Snapshot()

	connectors, err := outbound.NewConnectorRegistry(snapshot.Connectors)
	if err != nil {
		logger.Fatalf("initialise connectors: %v", err)
	}
	sender := outbound.NewSender(connectors)

	providers := messaging.NewRegistry()
	if err := registerProviders(providers); err != nil {
		logger.Fatalf("initialise messaging providers: %v", err)
	}

	dryRun := dryrun.NewState(settings.DryRunDefault)
	outboxSvc := outbox.NewService(runtimeStore, dryRun, store.Messages, store.Calls, providers, sender)
	engine := flow.NewEngine(flowTimeout)
	pipe := pipeline.New(runtimeStore, engine, store.Idempotency, store.DLQ, outboxSvc)
	deadLetters := deadletter.NewService(store.DLQ, pipe)

	runStartupProbes(ctx, logger, settings, providers, connectors)

	var lifecycle conc.WaitGroup
	startDispatchers(ctx, &lifecycle, logger, settings.Dispatch, store, providers, sender)
	if err := startQueueConsumers(ctx, &lifecycle, logger, settings.Queue, providers, pipe); err != nil {
		logger.Fatalf("initialise queue intake: %v", err)
	}
	if err := startStreamClient(ctx, &lifecycle, logger, settings.Stream, pipe); err != nil {
		logger.Fatalf("initialise stream intake: %v", err)
	}
	if err := startPollers(ctx, &lifecycle, logger, settings.Poller, pipe); err != nil {
		logger.Fatalf("initialise poll intake: %v", err)
	}

	apiServer := buildAPIServer(settings, pipe, deadLetters, store, dryRun, runtimeStore, connectors)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("broker API listening on %s", apiServer.Addr)

	logger.Print("broker started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		providers:  providers,
		store:      store.Store,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to broker configuration file (default: environment only)")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBrokerLogger() *log.Logger {
	return log.New(os.Stdout, brokerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func loadSettings(path string) (config.Settings, error) {
	if path == "" {
		cfg := config.FromEnv()
		return cfg, cfg.Validate()
	}
	return config.LoadFile(path)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
		telemetryCfg.Enabled = true
		telemetryCfg.EnableMetrics = true
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func initRuntimeStore(logger *log.Logger, path string) (*runtimeconfig.RuntimeStore, error) {
	cfg, err := runtimeconfig.LoadRuntime(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("runtime config %s not found, using defaults", path)
			cfg = runtimeconfig.DefaultRuntimeConfig()
		} else {
			return nil, err
		}
	} else if path != "" {
		logger.Printf("runtime config loaded from %s", path)
	}
	return runtimeconfig.NewRuntimeStore(cfg)
}

func registerProviders(registry *messaging.Registry) error {
	if err := registry.Register(messaging.NewLoggingProvider("logging")); err != nil {
		return err
	}
	return registry.Register(messaging.NewWatermillProvider("watermill"))
}

func runStartupProbes(ctx context.Context, logger *log.Logger, settings config.Settings, providers *messaging.Registry, connectors *outbound.ConnectorRegistry) {
	runner := health.NewRunner(settings.Startup.ProbeTimeout.Std(),
		health.ProviderChecks(providers),
		health.ConnectorChecks(connectors, nil))
	unhealthy := 0
	for _, result := range runner.Run(ctx) {
		if !result.Healthy {
			unhealthy++
		}
	}
	if unhealthy > 0 {
		logger.Printf("startup probes: %d target(s) unreachable; continuing", unhealthy)
	}
}

func startDispatchers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, cfg config.DispatchSettings, store *postgres.Store, providers *messaging.Registry, sender *outbound.Sender) {
	dispatchCfg := dispatch.Config{
		Interval:    cfg.Interval.Std(),
		BatchSize:   cfg.BatchSize,
		BackoffBase: cfg.BackoffBase.Std(),
		BackoffCap:  cfg.BackoffCap.Std(),
		Workers:     cfg.Workers,
	}
	messageDispatcher := dispatch.NewMessageDispatcher(dispatchCfg, store.Messages, providers)
	callDispatcher := dispatch.NewCallDispatcher(dispatchCfg, store.Calls, sender)

	lifecycle.Go(func() {
		if err := messageDispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("message dispatcher: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := callDispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("call dispatcher: %v", err)
		}
	})
}

func startQueueConsumers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, cfg config.QueueSettings, providers *messaging.Registry, pipe *pipeline.Pipeline) error {
	if len(cfg.Bindings) == 0 {
		return nil
	}
	provider, ok := providers.Get(cfg.Provider)
	if !ok {
		return fmt.Errorf("queue provider %q not registered", cfg.Provider)
	}
	subscriber, ok := provider.(queue.Subscriber)
	if !ok {
		return fmt.Errorf("queue provider %q does not support subscriptions", cfg.Provider)
	}
	for _, binding := range cfg.Bindings {
		consumer, err := queue.NewConsumer(subscriber, pipe, queue.Binding{
			Topic: binding.Topic,
			Kind:  binding.Kind,
			Type:  binding.Type,
		})
		if err != nil {
			return err
		}
		topic := binding.Topic
		lifecycle.Go(func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("queue consumer %s: %v", topic, err)
			}
		})
		logger.Printf("queue intake bound: topic=%s", topic)
	}
	return nil
}

func startStreamClient(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, cfg config.StreamSettings, pipe *pipeline.Pipeline) error {
	if cfg.URL == "" {
		return nil
	}
	client, err := ws.NewClient(ws.Config{
		URL:         cfg.URL,
		DefaultKind: cfg.DefaultKind,
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
	}, pipe)
	if err != nil {
		return err
	}
	lifecycle.Go(func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("stream intake: %v", err)
		}
	})
	logger.Printf("stream intake connected: url=%s", cfg.URL)
	return nil
}

func startPollers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, cfg config.PollerSettings, pipe *pipeline.Pipeline) error {
	for _, src := range cfg.Sources {
		source, err := poller.NewHTTPSource(poller.HTTPSourceConfig{
			Name:        src.Name,
			URL:         src.URL,
			Headers:     src.Headers,
			DefaultKind: src.DefaultKind,
			DefaultType: src.DefaultType,
		}, nil)
		if err != nil {
			return err
		}
		p, err := poller.New(source, pipe, src.Interval.Std())
		if err != nil {
			return err
		}
		name := src.Name
		lifecycle.Go(func() {
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("poller %s: %v", name, err)
			}
		})
		logger.Printf("poll intake bound: source=%s url=%s", name, src.URL)
	}
	return nil
}

func buildAPIServer(settings config.Settings, pipe *pipeline.Pipeline, deadLetters *deadletter.Service, store *postgres.Store, dryRun *dryrun.State, runtimeStore *runtimeconfig.RuntimeStore, connectors *outbound.ConnectorRegistry) *http.Server {
	handler := httpserver.NewHandler(httpserver.Options{
		Processor:    pipe,
		DeadLetters:  deadLetters,
		Messages:     store.Messages,
		Calls:        store.Calls,
		Idempotency:  store.Idempotency,
		DryRun:       dryRun,
		RuntimeStore: runtimeStore,
		Connectors:   connectors,
		IngressRate:  settings.Ingress.Rate,
		IngressBurst: settings.Ingress.Burst,
	})

	return &http.Server{
		Addr:              settings.Addr,
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("broker server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	providers  *messaging.Registry
	store      *persistence.Store
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping broker server", httpShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.providers != nil {
		shutdownStep("closing messaging providers", providerShutdownTimeout, func(context.Context) error {
			return observability.AggregateErrors("close messaging providers", cfg.providers.CloseAll())
		})
	}

	if cfg.store != nil {
		logger.Print("shutdown: closing database pool")
		cfg.store.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
