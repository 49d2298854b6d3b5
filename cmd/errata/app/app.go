// Package app wires the configured components into one process:
// storage backend, writer, reader, compaction loop, bus consumers and
// the HTTP surfaces.
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cedricziel/errata/eventdb/backend"
	"github.com/cedricziel/errata/eventdb/backend/local"
	"github.com/cedricziel/errata/eventdb/backend/s3"
	"github.com/cedricziel/errata/eventdb/compactor"
	"github.com/cedricziel/errata/eventdb/reader"
	"github.com/cedricziel/errata/eventdb/writer"
	"github.com/cedricziel/errata/modules/asyncquery"
	"github.com/cedricziel/errata/modules/facets"
	"github.com/cedricziel/errata/modules/ingest"
	"github.com/cedricziel/errata/modules/issues"
	"github.com/cedricziel/errata/modules/processor"
	"github.com/cedricziel/errata/modules/query"
	"github.com/cedricziel/errata/modules/queryapi"
	"github.com/cedricziel/errata/modules/stream"
	"github.com/cedricziel/errata/pkg/bus"
	"github.com/cedricziel/errata/pkg/cache"
	"github.com/cedricziel/errata/pkg/lock"
)

type App struct {
	cfg    *Config
	logger log.Logger

	backend   backend.Backend
	cache     cache.Cache
	bus       *bus.InProcess
	writer    *writer.Writer
	processor *processor.Processor
	loop      *compactor.Loop
	server    *http.Server
}

func New(cfg *Config, logger log.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var err error
	a.backend, err = newBackend(&cfg.Backend)
	if err != nil {
		return nil, errors.Wrap(err, "initializing storage backend")
	}

	a.cache, err = cache.New(&cfg.Cache)
	if err != nil {
		return nil, errors.Wrap(err, "initializing cache")
	}

	locker, err := newLocker(&cfg.Lock)
	if err != nil {
		return nil, errors.Wrap(err, "initializing locker")
	}

	a.bus = bus.NewInProcess(logger)
	a.writer = writer.New(&cfg.Writer, a.backend, logger)
	rd := reader.New(a.backend, logger)

	issueStore := issues.NewMemoryStore()
	a.processor = processor.New(a.writer, issueStore, logger)

	a.loop = compactor.NewLoop(compactor.New(&cfg.Compactor, a.backend, locker, logger), logger)

	store := asyncquery.NewStore(cfg.AsyncQuery, a.cache)
	executor := query.NewExecutor(rd, cfg.Query.MaxFacetValues, logger)
	dispatcher := facets.NewDispatcher(store, executor, a.bus, logger)
	streamer := stream.NewStreamer(cfg.Stream, store, logger)

	resolver := newResolver(cfg.APIKeys)
	intake := ingest.NewIntake(cfg.Ingest, a.bus, resolver, logger)
	api := queryapi.New(store, executor, dispatcher, streamer, rd, issueStore, a.bus, resolver, logger)

	a.bus.Subscribe(bus.QueueProcessEvent, cfg.Query.ProcessConcurrency, a.processor.HandleProcessEvent)
	a.bus.Subscribe(bus.QueueExecuteQuery, cfg.Query.ExecuteConcurrency, api.HandleExecuteQuery)
	a.bus.Subscribe(bus.QueueComputeFacetBatch, cfg.Query.FacetConcurrency, dispatcher.HandleComputeFacetBatch)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	apiRouter := router.PathPrefix("/api").Subrouter()
	intake.RegisterRoutes(apiRouter)
	api.RegisterRoutes(apiRouter)

	a.server = &http.Server{Addr: cfg.Server.HTTPListenAddress, Handler: router}
	return a, nil
}

func newBackend(cfg *BackendConfig) (backend.Backend, error) {
	switch backend.Kind(cfg.Kind) {
	case backend.KindS3:
		return s3.New(&cfg.S3)
	case backend.KindLocal, "":
		return local.New(&cfg.Local)
	default:
		return nil, errors.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

func newLocker(cfg *LockConfig) (lock.Locker, error) {
	if cfg.Kind != "redis" {
		return lock.NewMemoryLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password.String(),
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrapf(err, "pinging redis at %s", cfg.Redis.Endpoint)
	}
	return lock.NewRedisLocker(client), nil
}

func newResolver(keys map[string]APIKeyConfig) *ingest.StaticKeyResolver {
	resolver := ingest.NewStaticKeyResolver(nil)
	for key, scope := range keys {
		resolver.Add(key, ingest.Scope{
			OrganizationID: scope.OrganizationID,
			ProjectID:      scope.ProjectID,
			Environment:    scope.Environment,
		})
	}
	return resolver
}

// Run starts everything and blocks until a shutdown signal arrives.
// Shutdown order matters: the HTTP surface closes first so no new work
// enters, then consumers drain, then the writer flushes.
func (a *App) Run() error {
	ctx := context.Background()

	if err := services.StartAndAwaitRunning(ctx, a.processor); err != nil {
		return errors.Wrap(err, "starting processor")
	}
	if err := services.StartAndAwaitRunning(ctx, a.loop); err != nil {
		return errors.Wrap(err, "starting compaction loop")
	}

	errCh := make(chan error, 1)
	go func() {
		level.Info(a.logger).Log("msg", "http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		level.Info(a.logger).Log("msg", "shutting down", "signal", sig)
	case err := <-errCh:
		level.Error(a.logger).Log("msg", "http server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		level.Warn(a.logger).Log("msg", "http shutdown failed", "err", err)
	}

	a.bus.Stop()

	if err := services.StopAndAwaitTerminated(shutdownCtx, a.loop); err != nil {
		level.Warn(a.logger).Log("msg", "stopping compaction loop failed", "err", err)
	}
	// stopping the processor flushes the writer's buffers
	if err := services.StopAndAwaitTerminated(shutdownCtx, a.processor); err != nil {
		level.Warn(a.logger).Log("msg", "stopping processor failed", "err", err)
	}

	a.cache.Stop()
	a.backend.Shutdown()

	level.Info(a.logger).Log("msg", "shutdown complete")
	return nil
}
