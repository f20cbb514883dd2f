// Package server builds the jobwatch client application from configuration
// and owns its shutdown.
package server

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobwatch/internal/api"
	"github.com/JakeFAU/jobwatch/internal/config"
	"github.com/JakeFAU/jobwatch/internal/logging"
	"github.com/JakeFAU/jobwatch/internal/progress"
	progresssinks "github.com/JakeFAU/jobwatch/internal/progress/sinks"
	memorystorage "github.com/JakeFAU/jobwatch/internal/storage/memory"
	redisstorage "github.com/JakeFAU/jobwatch/internal/storage/redis"
	"github.com/JakeFAU/jobwatch/internal/store"
	"github.com/JakeFAU/jobwatch/internal/syncer"
	"github.com/JakeFAU/jobwatch/internal/telemetry"
	"github.com/JakeFAU/jobwatch/internal/transport/poll"
	"github.com/JakeFAU/jobwatch/internal/transport/push"
)

// Options carries what the command line decides rather than the config file.
type Options struct {
	// Out receives one human-readable line per snapshot change. Nil disables it.
	Out io.Writer
	// Registerer receives the progress collectors (default registry when nil).
	Registerer prometheus.Registerer
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
}

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	client         *api.Client
	controller     *syncer.Controller
	mirror         *api.Server
	progressHub    *progress.Hub
	snapshotRepo   store.SnapshotRepository
	redisClient    *goredis.Client
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Output:      cfg.Logging.Output,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app := &App{cfg: cfg, logger: logger}

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
		logger.Info("tracing enabled", zap.String("endpoint", cfg.Telemetry.OTLPEndpoint))
	}

	var err error
	app.client, err = api.NewClient(api.ClientConfig{
		BaseURL:        cfg.API.BaseURL,
		PushBaseURL:    cfg.API.PushBaseURL,
		Timeout:        cfg.APITimeout(),
		RateLimitRPS:   cfg.API.RateLimitRPS,
		RateLimitBurst: cfg.API.RateLimitBurst,
		UserAgent:      cfg.API.UserAgent,
		Logger:         logger.Named("api"),
	})
	if err != nil {
		app.closeObservability(ctx)
		return nil, fmt.Errorf("api client init failed: %w", err)
	}

	if err := setupStore(ctx, app); err != nil {
		app.closeObservability(ctx)
		return nil, err
	}
	if err := setupProgress(ctx, app, opts); err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}

	app.controller, err = syncer.New(syncer.Config{
		PushURL: app.client.PushURL,
		Fetcher: app.client,
		Push: push.Config{
			HandshakeTimeout: cfg.HandshakeTimeout(),
			DialAttempts:     cfg.Push.DialAttempts,
			DialBackoff:      cfg.DialBackoff(),
		},
		Poll: poll.Config{
			Interval:               cfg.PollInterval(),
			BackoffMax:             cfg.PollBackoffMax(),
			MaxConsecutiveFailures: cfg.Poll.MaxConsecutiveFailures,
			RequestTimeout:         cfg.PollRequestTimeout(),
			Permanent:              api.IsPermanent,
		},
		Emitter: app.progressHub,
		Logger:  logger,
	})
	if err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, fmt.Errorf("controller init failed: %w", err)
	}
	app.mirror = api.NewServer(app.controller, app.snapshotRepo, logger.Named("mirror"))

	logger.Info("application built",
		zap.String("api", cfg.API.BaseURL),
		zap.Duration("poll_interval", cfg.PollInterval()),
		zap.Int("push_dial_attempts", cfg.Push.DialAttempts),
		zap.Bool("redis", app.redisClient != nil),
	)
	return app, nil
}

func setupStore(ctx context.Context, app *App) error {
	if app.cfg.Redis.URL == "" {
		app.logger.Info("using in-memory snapshot store")
		app.snapshotRepo = memorystorage.NewSnapshotStore()
		return nil
	}
	client, err := redisstorage.Dial(ctx, app.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	app.redisClient = client
	app.snapshotRepo = redisstorage.NewSnapshotStore(client, app.cfg.Redis.KeyPrefix, app.cfg.RedisTTL())
	app.logger.Info("using redis snapshot store",
		zap.String("prefix", app.cfg.Redis.KeyPrefix),
		zap.Duration("ttl", app.cfg.RedisTTL()),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App, opts Options) error {
	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
		progresssinks.NewStoreSink(app.snapshotRepo, app.logger.Named("progress_store")),
	}
	if opts.Out != nil {
		sinkList = append(sinkList, progresssinks.NewWriterSink(opts.Out))
	}
	hubCfg := progress.HubConfig{
		BufferSize:      app.cfg.Hub.BufferSize,
		MaxBatchChanges: app.cfg.Hub.MaxBatchChanges,
		MaxBatchWait:    app.cfg.HubBatchWait(),
		BaseContext:     context.WithoutCancel(ctx),
		Logger:          app.logger.Named("hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_changes", hubCfg.MaxBatchChanges),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// StartJob submits a document for analysis.
func (a *App) StartJob(ctx context.Context, req api.StartRequest) (api.StartResponse, error) {
	resp, err := a.client.StartJob(ctx, req)
	if err != nil {
		return api.StartResponse{}, fmt.Errorf("start job: %w", err)
	}
	a.logger.Info("job started", zap.String("job_id", resp.JobID), zap.String("status", resp.Status))
	return resp, nil
}

// Status performs a single status pull for jobID.
func (a *App) Status(ctx context.Context, jobID string) (progress.StatusResponse, error) {
	resp, err := a.client.GetStatus(ctx, jobID)
	if err != nil {
		return progress.StatusResponse{}, fmt.Errorf("status %s: %w", jobID, err)
	}
	return resp, nil
}

// Controller returns the snapshot controller.
func (a *App) Controller() *syncer.Controller {
	return a.controller
}

// Snapshots returns the repository the store sink writes to.
func (a *App) Snapshots() store.SnapshotRepository {
	return a.snapshotRepo
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Watch binds jobID and blocks until it reaches a terminal stage or ctx ends.
// When server.listen is set the mirror server runs for the duration. On
// cancellation the controller is detached.
func (a *App) Watch(ctx context.Context, jobID string) (progress.Snapshot, error) {
	if listen := a.cfg.Server.Listen; listen != "" {
		srvCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := a.mirror.ListenAndServe(srvCtx, listen); err != nil {
				a.logger.Error("mirror server error", zap.Error(err))
			}
		}()
	}

	if err := a.controller.Bind(ctx, jobID); err != nil {
		return progress.Snapshot{}, fmt.Errorf("bind %s: %w", jobID, err)
	}
	snap, err := a.controller.Wait(ctx)
	if err != nil {
		last := a.controller.Snapshot()
		a.controller.Detach()
		return last, fmt.Errorf("watch %s: %w", jobID, err)
	}
	return snap, nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.controller != nil {
		a.controller.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
