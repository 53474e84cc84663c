package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jguan/stagepipe/pkg/config"
	"github.com/jguan/stagepipe/pkg/gateway"
	"github.com/jguan/stagepipe/pkg/infra/eventbus"
	"github.com/jguan/stagepipe/pkg/infra/metrics"
	"github.com/jguan/stagepipe/pkg/infra/store"
	"github.com/jguan/stagepipe/pkg/pipeline"
	"github.com/jguan/stagepipe/pkg/stagefn"
)

// App is one process worth of engine: document store, registry, orchestrator,
// stage dispatch, progress fan-out, metrics and the sweep.
type App struct {
	Config       *config.Config
	Store        pipeline.SweepStore
	Registry     *pipeline.Registry
	Orchestrator *pipeline.Orchestrator
	Dispatcher   *stagefn.AsyncDispatcher
	Bus          eventbus.Bus
	History      gateway.ProgressHistory
	Metrics      *metrics.Collector
	Requests     *metrics.RequestMetrics
	Sweeper      *pipeline.Sweeper
	Logger       *slog.Logger

	closers []func() error
}

// BuildApp wires the engine described by cfg.
func BuildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	app := &App{Config: cfg, Logger: log}

	registry, err := loadRegistry(cfg, "")
	if err != nil {
		return nil, err
	}
	app.Registry = registry

	sqliteStore, err := app.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if sc := cfg.Store; sc.Backend != config.BackendMemory && sc.CacheTTLD > 0 && sc.CacheSize > 0 {
		app.Store = store.NewCachedStore(app.Store, sc.CacheTTLD, sc.CacheSize)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.NewCollector(reg)
	app.Requests = metrics.NewRequestMetrics(app.Metrics.Registerer())

	if err := app.openProgress(sqliteStore); err != nil {
		app.Close()
		return nil, err
	}

	app.Orchestrator = pipeline.NewOrchestrator(app.Store, registry,
		pipeline.WithProgressPublisher(app.Bus),
		pipeline.WithMetrics(app.Metrics),
		pipeline.WithLogger(log),
		pipeline.WithRetryPolicy(pipeline.RetryPolicy{
			BaseDelay: cfg.Pipeline.RetryBaseD,
			MaxDelay:  cfg.Pipeline.RetryMaxD,
		}),
		pipeline.WithStoreRetry(pipeline.StoreRetry{
			MaxRetries:   uint64(cfg.Store.RetryMax),
			InitialDelay: cfg.Store.RetryInitialD,
			MaxDelay:     cfg.Store.RetryMaxDelayD,
		}),
		pipeline.WithIDGenerator(runIDGenerator(cfg.General.InstanceID)),
	)

	invoker := pipeline.NewInvoker(registry, stageRouter(cfg, registry))
	app.Dispatcher = stagefn.NewAsyncDispatcher(invoker, app.Orchestrator,
		stagefn.WithMaxConcurrent(cfg.Pipeline.MaxConcurrent),
		stagefn.WithLogger(log))
	app.Orchestrator.SetDispatcher(app.Dispatcher)

	app.Sweeper = pipeline.NewSweeper(app.Store, registry, app.Orchestrator,
		pipeline.WithSweepGrace(cfg.Sweep.GraceD),
		pipeline.WithSweepConcurrency(cfg.Sweep.Concurrency),
		pipeline.WithSweepBatch(cfg.Sweep.Batch),
		pipeline.WithSweepLogger(log),
		pipeline.WithSweepObserver(app.Metrics.ObserveSweep),
	)

	return app, nil
}

// openStore opens the configured document store. The SQLite store is returned
// as well so progress history can share its database.
func (a *App) openStore(ctx context.Context) (*store.SQLiteStore, error) {
	cfg := a.Config.Store
	switch cfg.Backend {
	case config.BackendMemory:
		a.Store = pipeline.NewMemoryStore()
		return nil, nil

	case config.BackendSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
		a.Logger.Info("using SQLite document store", "path", cfg.SQLitePath)
		return s, nil

	case config.BackendDynamoDB:
		var opts []store.DynamoOption
		if cfg.DynamoDBRegion != "" {
			opts = append(opts, store.WithDynamoRegion(cfg.DynamoDBRegion))
		}
		if cfg.DynamoDBEndpoint != "" {
			opts = append(opts, store.WithDynamoEndpoint(cfg.DynamoDBEndpoint))
		}
		s, err := store.NewDynamoDBStore(ctx, cfg.DynamoDBTable, opts...)
		if err != nil {
			return nil, err
		}
		a.Store = s
		a.Logger.Info("using DynamoDB document store", "table", cfg.DynamoDBTable)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// openProgress sets up the progress bus. History is recorded only when the
// document store is SQLite, in the same database.
func (a *App) openProgress(sqliteStore *store.SQLiteStore) error {
	cfg := a.Config.Progress
	if cfg.Persist && sqliteStore != nil {
		history, err := eventbus.NewSQLiteProgressStore(sqliteStore.DB())
		if err != nil {
			return err
		}
		bus := eventbus.NewPersistentBus(history,
			eventbus.WithPersistentBufferSize(cfg.BufferSize),
			eventbus.WithPersistentWorkerCount(cfg.Workers),
			eventbus.WithFlushPeriod(cfg.FlushPeriodD),
			eventbus.WithPersistentLogger(a.Logger),
		)
		a.Bus = bus
		a.History = bus
	} else {
		if cfg.Persist {
			a.Logger.Warn("progress history needs the sqlite store; keeping progress in memory only",
				"backend", a.Config.Store.Backend)
		}
		a.Bus = eventbus.NewInMemoryBus(
			eventbus.WithBufferSize(cfg.BufferSize),
			eventbus.WithWorkerCount(cfg.Workers),
		)
	}
	// The bus flushes into the database, so it has to close before the store.
	a.closers = append([]func() error{a.Bus.Close}, a.closers...)
	return nil
}

// Close stops dispatching, flushes progress and closes the store.
func (a *App) Close() error {
	var errs []error
	if a.Dispatcher != nil {
		errs = append(errs, a.Dispatcher.Close())
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ServerConfig maps the api section onto the gateway.
func (a *App) ServerConfig() gateway.ServerConfig {
	api := a.Config.API
	cfg := gateway.DefaultServerConfig()
	cfg.Addr = api.ListenAddr
	cfg.TLSCert = api.TLSCert
	cfg.TLSKey = api.TLSKey
	cfg.RateLimitPerMin = api.RateLimitPerMin
	cfg.MaxBodyBytes = api.MaxBodyBytes
	if api.RequestTimeoutD > 0 {
		cfg.RequestTimeout = api.RequestTimeoutD
	}
	cfg.AuthConfig.APIKeys = splitKeys(api.APIKey)
	cfg.History = a.History
	cfg.Bus = a.Bus
	cfg.Metrics = a.Metrics.Handler()
	cfg.Requests = a.Requests
	cfg.Logger = a.Logger
	return cfg
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// loadRegistry reads the stage registry from file, or from the configured
// definition file or predefined name when file is empty.
func loadRegistry(cfg *config.Config, file string) (*pipeline.Registry, error) {
	if file == "" {
		file = cfg.Pipeline.DefinitionFile
	}
	if file != "" {
		r, err := pipeline.LoadRegistryFile(file)
		if err != nil {
			return nil, fmt.Errorf("load registry %s: %w", file, err)
		}
		return r, nil
	}
	r, err := pipeline.LoadPredefinedRegistry(cfg.Pipeline.Predefined)
	if err != nil {
		return nil, fmt.Errorf("load predefined registry %q: %w", cfg.Pipeline.Predefined, err)
	}
	return r, nil
}

// stageRouter routes each stage to its configured endpoint, or to the
// endpoint template.
func stageRouter(cfg *config.Config, registry *pipeline.Registry) *stagefn.Router {
	router := stagefn.NewRouter()
	for _, spec := range registry.Stages() {
		endpoint, ok := cfg.Stages.Endpoints[spec.ID]
		if !ok {
			endpoint = strings.ReplaceAll(cfg.Stages.EndpointTemplate, "{stage}", spec.ID)
		}
		fn := stagefn.NewHTTPFunction(endpoint)
		if cfg.Stages.AuthToken != "" {
			fn.SetHeader("Authorization", "Bearer "+cfg.Stages.AuthToken)
		}
		router.Handle(spec.ID, fn)
	}
	return router
}

func runIDGenerator(instanceID string) func() string {
	if instanceID == "" {
		return uuid.NewString
	}
	return func() string {
		return instanceID + "-" + uuid.NewString()
	}
}
