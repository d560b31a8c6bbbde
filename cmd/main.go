package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/rewardpool/internal/adapters/http/api"
	"github.com/okian/rewardpool/internal/adapters/http/swagger"
	app "github.com/okian/rewardpool/internal/app"
	"github.com/okian/rewardpool/internal/config"
	"github.com/okian/rewardpool/internal/domain/availability"
	"github.com/okian/rewardpool/internal/domain/engine"
	"github.com/okian/rewardpool/internal/domain/penalty"
	"github.com/okian/rewardpool/internal/domain/reward"
	"github.com/okian/rewardpool/pkg/logger"
	"github.com/okian/rewardpool/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// Disable default Go metrics collection to avoid duplicate metrics
	// We collect our own custom system metrics instead
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// The logger is configured from cfg, so it is not available yet.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logOpts := []logger.Option{logger.WithFormat(cfg.LogFormat)}
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logger.WithFile(cfg.LogFile))
	}
	if err := logger.Init(logOpts...); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	loggerInstance := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		loggerInstance.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg, loggerInstance); err != nil {
		loggerInstance.Error(ctx, "reward pool exited", logger.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	svcOpts, err := serviceOptions(cfg)
	if err != nil {
		return err
	}
	svc := app.New(append(svcOpts, app.WithLogger(log.Named("service")))...)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Stop(stopCtx); err != nil {
			log.Error(stopCtx, "service shutdown failed", logger.Error(err))
		}
	}()

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	apiOpts, err := apiOptions(cfg, log)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, svc, apiOpts...).Register(ctx, mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server",
			logger.String("addr", cfg.Addr),
			logger.Bool("auth", cfg.AuthEnabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server shutdown failed", logger.Error(err))
	}
	log.Info(shutdownCtx, "server stopped")
	return nil
}

// serviceOptions maps configuration onto the service and its engine.
func serviceOptions(cfg *config.Config) ([]app.Option, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	perturb := []availability.Option{availability.WithSpread(reward.BasisPoints(cfg.AvailabilitySpreadBPS))}
	if cfg.RNGSeed != 0 {
		perturb = append(perturb, availability.WithSeed(cfg.RNGSeed))
	}

	return []app.Option{
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.EventQueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithStorePath(cfg.StorePath),
		app.WithEpochDuration(cfg.EpochDuration),
		app.WithCatalog(catalog),
		app.WithEngineOptions(
			engine.WithPenaltyPolicy(penalty.NewPolicy(penalty.WithFloor(reward.BasisPoints(cfg.PenaltyFloorBPS)))),
			engine.WithPerturber(availability.NewPerturber(perturb...)),
			engine.WithCooldown(cfg.Cooldown),
			engine.WithMaxCommitRetries(cfg.MaxCommitRetries),
		),
	}, nil
}

// apiOptions maps configuration onto the HTTP server.
func apiOptions(cfg *config.Config, log logger.Logger) ([]api.Option, error) {
	opts := []api.Option{
		api.WithLogger(log.Named("api")),
		api.WithMaxLedgerLimit(uint64(cfg.MaxLedgerLimit)),
		api.WithRateLimiter(api.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)),
	}
	if cfg.AuthEnabled {
		auth, err := api.NewAuthenticator(cfg.AuthSecret,
			api.WithIssuer(cfg.AuthIssuer),
			api.WithAdminScope(cfg.AdminScope),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, api.WithAuthenticator(auth))
	}
	return opts, nil
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metrics.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater refreshes the queue, worker and account gauges.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(ctx, svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics updates service-level metrics. GetStats refreshes
// the gauges it reads.
func updateServiceMetrics(ctx context.Context, svc *app.Service) {
	stats := svc.GetStats(ctx)
	if epoch, ok := stats["epoch"].(uint64); ok {
		metrics.UpdateEpoch(epoch)
	}
}
