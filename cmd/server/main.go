// Command server starts the flight bridging HTTP server and the
// fair-share dispatch loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glideops/flightbridge/internal/adapter/cache"
	"github.com/glideops/flightbridge/internal/adapter/dfs"
	httpserver "github.com/glideops/flightbridge/internal/adapter/httpserver"
	"github.com/glideops/flightbridge/internal/adapter/observability"
	"github.com/glideops/flightbridge/internal/adapter/statusstore"
	"github.com/glideops/flightbridge/internal/adapter/ucs"
	"github.com/glideops/flightbridge/internal/app"
	"github.com/glideops/flightbridge/internal/config"
	"github.com/glideops/flightbridge/internal/domain"
	"github.com/glideops/flightbridge/internal/service/drr"
	"github.com/glideops/flightbridge/internal/service/gliders"
	"github.com/glideops/flightbridge/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Result cache and status store share the backend choice: process
	// memory locally, redis everywhere else.
	var (
		resultCache domain.Cache
		statuses    domain.StatusStore
		cacheCheck  func(context.Context) error
	)
	if cfg.UseMemoryCache() {
		resultCache = cache.NewMemory()
		statuses = statusstore.NewMemory()
		slog.Info("using in-memory cache backend")
	} else {
		rc := cache.NewRedis(cfg.CacheAddr())
		if err := rc.Ping(ctx); err != nil {
			slog.Error("cache connect failed", slog.Any("error", err), slog.String("addr", cfg.CacheAddr()))
			os.Exit(1)
		}
		resultCache = rc
		statuses = statusstore.NewRedis(cfg.CacheAddr())
		cacheCheck = rc.Ping
		slog.Info("using redis cache backend", slog.String("addr", cfg.CacheAddr()))
	}

	matcher, err := gliders.New()
	if err != nil {
		slog.Error("glider catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}

	sessions, err := ucs.NewManager(ucs.ManagerConfig{
		BaseURL:         cfg.UCSBaseURL,
		ProxyURL:        cfg.ProxyURL,
		DefaultUser:     cfg.UCSDefaultUser,
		DefaultPassword: cfg.UCSDefaultPassword,
	}, resultCache, matcher)
	if err != nil {
		slog.Error("contest-site client setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	uploader, err := dfs.New(ctx, dfs.Config{
		BaseURL:        cfg.DFSBaseURL,
		ClientID:       cfg.DFSClientID,
		UserAgentEmail: cfg.UserAgentEmail,
	})
	if err != nil {
		slog.Error("flight-service client setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	// Refresh the glider catalog from the live service; the embedded
	// snapshot covers a failed fetch.
	if live, err := uploader.FetchGliders(ctx); err != nil {
		slog.Warn("could not fetch the live glider catalog", slog.Any("error", err))
	} else {
		matcher.Replace(live)
		slog.Info("glider catalog refreshed", slog.Int("gliders", len(live)))
	}

	sched := drr.New(drr.NewAdaptiveCap(cfg.SchedulerCapFloor, cfg.SchedulerCapCeiling))
	go sched.Run(ctx)

	flightsSvc := usecase.NewFlightsService(sessions, sched)
	uploadSvc := usecase.NewUploader(sessions, uploader, statuses, sched, cfg.DFSUploadSlots)
	statusSvc := usecase.NewStatusService(statuses)
	healthSvc := usecase.NewHealthService(sessions, sched)

	srv := httpserver.NewServer(cfg, flightsSvc, uploadSvc, statusSvc, healthSvc, matcher, cacheCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
