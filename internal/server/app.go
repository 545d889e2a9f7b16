// Package server builds the orchestrator's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/api"
	"github.com/JakeFAU/harvest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/harvest-orchestrator/internal/config"
	"github.com/JakeFAU/harvest-orchestrator/internal/cooldown"
	"github.com/JakeFAU/harvest-orchestrator/internal/crypto"
	"github.com/JakeFAU/harvest-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/harvest-orchestrator/internal/events"
	"github.com/JakeFAU/harvest-orchestrator/internal/events/sinks"
	"github.com/JakeFAU/harvest-orchestrator/internal/executor"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	uuidgen "github.com/JakeFAU/harvest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/harvest-orchestrator/internal/logging"
	"github.com/JakeFAU/harvest-orchestrator/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/harvest-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/harvest-orchestrator/internal/scheduler"
	"github.com/JakeFAU/harvest-orchestrator/internal/scrollrisk"
	"github.com/JakeFAU/harvest-orchestrator/internal/session"
	gcsstorage "github.com/JakeFAU/harvest-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/harvest-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/harvest-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/harvest-orchestrator/internal/storage/postgres"
	redisstore "github.com/JakeFAU/harvest-orchestrator/internal/storage/redis"
	"github.com/JakeFAU/harvest-orchestrator/internal/telemetry"
	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
	"github.com/JakeFAU/harvest-orchestrator/internal/worker"
)

const (
	leaderKey         = "dispatcher-leader"
	leaderTTL         = 90 * time.Second
	apiRequestTimeout = 30 * time.Second
	// Shared pacing windows: recent errors per account and requests per minute.
	errorWindow   = 15 * time.Minute
	requestWindow = time.Minute
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	instanceID string

	Stores    *Stores
	Scheduler *scheduler.Scheduler
	Sweeper   *scheduler.Sweeper
	Planner   *scheduler.Planner

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	workers   []dispatcher.Runner
	hub       *events.Hub
	leader    *redisstore.Leader

	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	gcs          *gcsstorage.BlobStore
	tracer       *sdktrace.TracerProvider
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	logger     *zap.Logger
}

// WithRegisterer registers event collectors against reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithLogger replaces the configured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// Stores groups the persistence backends selected by configuration.
type Stores struct {
	Tasks     harvest.TaskStore
	Sessions  harvest.SessionStore
	Accounts  harvest.AccountStore
	Targets   harvest.TargetStore
	Quality   harvest.QualityStore
	Cooldowns harvest.CooldownStore

	pg    *pgstore.Stores
	redis *goredis.Client
}

// Ping reports whether every remote backend is reachable.
func (s *Stores) Ping(ctx context.Context) error {
	if s.pg != nil {
		if err := s.pg.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases every backend connection.
func (s *Stores) Close() error {
	var errs []error
	if s.pg != nil {
		s.pg.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OpenStores connects the document store and, when enabled, the shared Redis
// cooldown store.
func OpenStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Stores, error) {
	s := &Stores{}
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgstore.Open(ctx, pgstore.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		s.pg = pgstore.NewStores(pool)
		s.Tasks, s.Sessions, s.Accounts = s.pg.Tasks, s.pg.Sessions, s.pg.Accounts
		s.Targets, s.Quality, s.Cooldowns = s.pg.Targets, s.pg.Quality, s.pg.Cooldowns
		logger.Info("using postgres document store", zap.Int32("max_conns", cfg.DB.MaxConns))
	default:
		s.Tasks = memorystorage.NewTaskStore()
		s.Sessions = memorystorage.NewSessionStore()
		s.Accounts = memorystorage.NewAccountStore()
		s.Targets = memorystorage.NewTargetStore()
		s.Quality = memorystorage.NewQualityStore()
		s.Cooldowns = memorystorage.NewCooldownStore()
		logger.Warn("using in-memory document store, state is lost on restart")
	}

	if cfg.Redis.Enabled {
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
		s.redis = client
		s.Cooldowns = redisstore.NewCooldownStore(client)
		logger.Info("using redis cooldown store", zap.String("addr", cfg.Redis.Addr))
	}
	return s, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	logger := bo.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger, instanceID: instanceID()}
	logger.Info("building application dependencies",
		zap.String("instance_id", app.instanceID),
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_driver", cfg.Storage.Driver),
	)

	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.Background())
		}
	}()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracer = tp
	}

	if !cfg.CryptoReady() {
		return nil, errors.New("crypto.passphrase and a crypto.salt of at least 16 bytes are required")
	}
	sealer, err := crypto.New(cfg.Crypto.Passphrase, []byte(cfg.Crypto.Salt), crypto.Params{})
	if err != nil {
		return nil, fmt.Errorf("crypto init failed: %w", err)
	}

	app.Stores, err = OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}

	if err = app.setupEvents(ctx, bo.registerer); err != nil {
		return nil, err
	}

	if app.Stores.redis != nil {
		app.leader = redisstore.NewLeader(app.Stores.redis, leaderKey, app.instanceID, leaderTTL)
	}

	app.wire(sealer, archive)
	ok = true
	return app, nil
}

func (a *App) wire(sealer harvest.CredentialCrypto, archive harvest.BlobStore) {
	cfg, st := a.cfg, a.Stores
	clock := system.New()
	ids := uuidgen.New()

	cooldowns := cooldown.NewManager(st.Cooldowns, clock, a.logger,
		cooldown.WithTargetStore(st.Targets),
		cooldown.WithEmitter(a.hub),
	)
	registry := session.NewRegistry(session.RegistryDeps{
		Sessions:  st.Sessions,
		Accounts:  st.Accounts,
		Crypto:    sealer,
		Cooldowns: cooldowns,
		IDs:       ids,
		Clock:     clock,
		Emitter:   a.hub,
		Logger:    a.logger,
	})
	selector := session.NewSelector(session.SelectorDeps{
		Accounts:  st.Accounts,
		Sessions:  st.Sessions,
		Quality:   st.Quality,
		Crypto:    sealer,
		Cooldowns: cooldowns,
		Marker:    registry,
		Clock:     clock,
		Logger:    a.logger,
	})
	limiter := ratelimit.New(ratelimit.Config{
		PerAccountRPS: cfg.RateLimit.PerAccountRPS,
		Burst:         cfg.RateLimit.Burst,
	})

	schedCfg := scheduler.Config{
		MaxAttempts:   cfg.Worker.MaxAttempts,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		Retry: scheduler.RetryPolicy{
			Base:   cfg.Worker.BackoffBase,
			Max:    cfg.Worker.BackoffMax,
			Jitter: scheduler.DefaultRetryPolicy.Jitter,
		},
		ExpectedRunDuration: cfg.Worker.ExpectedRunDuration,
		LockTTLMultiplier:   float64(cfg.Worker.LockTTLMultiplier),
	}
	a.Scheduler = scheduler.New(scheduler.Deps{
		Tasks:     st.Tasks,
		Cooldowns: cooldowns,
		Sessions:  registry,
		Clock:     clock,
		IDs:       ids,
		Rand:      newRand(),
		Emitter:   a.hub,
		Logger:    a.logger,
	}, schedCfg)
	a.Sweeper = scheduler.NewSweeper(st.Tasks, clock, schedCfg, a.logger)
	a.Planner = scheduler.NewPlanner(st.Targets, st.Tasks, st.Quality, a.Scheduler, clock, cfg.Planner.BaseInterval, a.logger)

	strategy := timing.New(timing.DefaultTable())
	workers := a.setupWorkers(worker.Deps{
		Scheduler: a.Scheduler,
		Selector:  selector,
		Sessions:  registry,
		Timing:    strategy,
		Engines:   scrollrisk.NewRegistry(strategy.Table()),
		Quality:   st.Quality,
		Targets:   st.Targets,
		Cooldowns: cooldowns,
		Limiter:   limiter,
		Archive:   archive,
		Errors:    timing.NewWindow(errorWindow),
		Requests:  timing.NewWindow(requestWindow),
		Clock:     clock,
		Emitter:   a.hub,
		Logger:    a.logger,
	})
	a.setupDispatcher(workers)

	a.apiServer = api.NewServer(api.Deps{
		Tasks:     a.Scheduler,
		Diagnoser: scheduler.NewDiagnoser(st.Accounts, st.Tasks, cooldowns, limiter),
		Sessions:  registry,
		Selector:  selector,
		Timing:    strategy,
		Rand:      newRand(),
		Clock:     clock,
		Ready:     st.Ping,
		Logger:    a.logger,
	}, api.Options{
		Auth:           cfg.Auth,
		MaxConcurrent:  cfg.Worker.MaxConcurrent,
		RequestTimeout: apiRequestTimeout,
	})
}

func (a *App) setupArchive(ctx context.Context) (harvest.BlobStore, error) {
	switch a.cfg.Storage.Archive {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS run archive", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("using local run archive", zap.String("dir", a.cfg.Storage.Dir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory run archive")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("run archive disabled")
		return nil, nil
	}
}

func (a *App) setupEvents(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{
		sinks.NewLogSink(a.logger.Named("events")),
		promSink,
	}
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.publisher = gcppublisher.New(a.pubsubClient)
		sinkList = append(sinkList, sinks.NewPublisherSink(a.publisher, a.cfg.PubSub.TopicName, a.logger))
		a.logger.Info("Pub/Sub event sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	} else {
		a.logger.Warn("No Pub/Sub topic configured, events go to logs and metrics only")
	}
	a.hub = events.NewHub(events.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("event_hub"),
	}, sinkList...)
	return nil
}

func (a *App) setupWorkers(deps worker.Deps) []dispatcher.Runner {
	if a.cfg.Executor.Endpoint == "" {
		a.logger.Warn("No executor endpoint configured, running without workers")
		return nil
	}
	exec, err := executor.New(executor.Config{
		Endpoint: a.cfg.Executor.Endpoint,
		Token:    a.cfg.Executor.Token,
		Client:   &http.Client{Timeout: a.cfg.Executor.Timeout},
	})
	if err != nil {
		a.logger.Error("executor init failed, running without workers", zap.Error(err))
		return nil
	}
	deps.Executor = exec

	workers := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := range a.cfg.Worker.Concurrency {
		d := deps
		d.Rand = newRand()
		workers = append(workers, worker.New(d, worker.Config{
			ID:            fmt.Sprintf("%s-%d", a.instanceID, i),
			PollInterval:  a.cfg.Worker.PollInterval,
			RunTimeout:    a.cfg.Worker.RunTimeout,
			SystemUserID:  a.cfg.Worker.SystemUserID,
			ArchivePrefix: a.cfg.Storage.Prefix,
		}))
	}
	a.logger.Info("worker pool configured",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Int("max_concurrent", a.cfg.Worker.MaxConcurrent),
		zap.Duration("run_timeout", a.cfg.Worker.RunTimeout),
		zap.Duration("lock_ttl", a.cfg.LockTTL()),
	)
	return workers
}

func (a *App) setupDispatcher(workers []dispatcher.Runner) {
	var opts []dispatcher.Option
	if a.leader != nil {
		opts = append(opts, dispatcher.WithLeader(a.leader))
	}
	a.workers = workers
	a.dispatch = dispatcher.New(workers, a.logger, opts...)

	jobs := []dispatcher.Job{{
		Name: "sweep",
		Spec: a.cfg.Sweep.Spec,
		Run: func(ctx context.Context) error {
			_, err := a.Sweeper.Sweep(ctx)
			return err
		},
	}}
	if a.cfg.Planner.Enabled {
		jobs = append(jobs, dispatcher.Job{
			Name: "plan",
			Spec: a.cfg.Planner.Spec,
			Run: func(ctx context.Context) error {
				_, err := a.Planner.Plan(ctx)
				return err
			},
		})
	}
	for _, job := range jobs {
		if err := a.dispatch.AddJob(job); err != nil {
			a.logger.Error("maintenance job rejected", zap.String("job", job.Name), zap.Error(err))
		}
	}
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not stop before the shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.leader != nil {
		if err := a.leader.Release(ctx); err != nil {
			a.logger.Warn("leader release failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.Stores != nil {
		if err := a.Stores.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "harvestd"
	}
	return host + "-" + uuid.NewString()[:8]
}
