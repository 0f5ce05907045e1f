package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/yourusername/agentfence/api"
	"github.com/yourusername/agentfence/metrics"
	"github.com/yourusername/agentfence/pkg/agentfence"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENTFENCE_CONFIG"), "path to a YAML or TOML config file")
	flag.Parse()

	v := newViper(*configPath)
	cfg, err := loadConfig(v)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	metricsTracker := metrics.NewMetrics()

	limiter, err := agentfence.NewLimiter(
		agentfence.WithConfig(&cfg.Config),
		agentfence.WithLogger(logger),
		agentfence.WithRecorder(metricsTracker),
	)
	if err != nil {
		logger.Error("failed to create limiter", slog.Any("error", err))
		os.Exit(1)
	}
	defer limiter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = limiter.Ping(ctx)
	cancel()
	if err != nil {
		// Checks fail open while Redis is down, so keep serving
		logger.Warn("rate limit backend unreachable at startup", slog.Any("error", err))
	}

	limiter.StartBackgroundCleanup()
	watchServices(v, cfg, limiter, logger)

	handlerOpts, err := handlerOptions(cfg)
	if err != nil {
		logger.Error("invalid key extractor", slog.Any("error", err))
		os.Exit(1)
	}
	handler := api.NewHandler(limiter, logger, handlerOpts...)
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      api.NewRouter(handler, metricsTracker),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("agentfence listening",
			slog.String("addr", srv.Addr),
			slog.String("backend", string(limiter.Backend())),
			slog.Int("services", len(limiter.Services())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	gracefulShutdown(srv, shutdownTimeout(cfg), logger)
}

// gracefulShutdown blocks until SIGINT or SIGTERM, then drains the server
func gracefulShutdown(srv *http.Server, timeout time.Duration, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logger.Info("shutting down", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}
}
