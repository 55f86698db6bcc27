package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"credit-rater/internal/cfg"
	"credit-rater/internal/features"
	"credit-rater/internal/metrics"
	"credit-rater/internal/ml"
	"credit-rater/internal/storage"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)
	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	predictor := initializePredictor(c, mw, store)
	manager, err := ml.NewModelManager(c.ArtifactDir, predictor)
	if err != nil {
		log.Fatal().Err(err).Str("artifact_dir", c.ArtifactDir).Msg("model registry load failed")
	}
	// the service never accepts requests with an incomplete artifact set
	if err := manager.Start(); err != nil {
		log.Fatal().Err(err).Str("artifact_dir", c.ArtifactDir).Msg("artifact load failed")
	}

	serverCfg := ml.ServerConfig{
		Port:              c.ServerPort,
		RequestTimeout:    c.RequestTimeout,
		MaxUploadBytes:    c.MaxUploadBytes,
		ManualDefaultZero: c.ManualDefaultZero,
		Manager:           manager,
		HTTPMetrics:       mw,
	}
	if store != nil {
		serverCfg.History = store
	}
	if c.MetricsPort == 0 {
		serverCfg.MetricsHandler = promhttp.Handler()
	} else {
		startMetricsServer(ctx, c)
	}

	server := ml.NewModelServer(predictor, serverCfg)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("model server failed")
			cancel()
		}
	}()

	log.Info().
		Int("port", c.ServerPort).
		Str("artifact_dir", c.ArtifactDir).
		Bool("history", store != nil).
		Msg("credit rater started")

	waitForShutdown(ctx, cancel, manager)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown model server")
	}
	log.Info().Float64("error_rate", m.ErrorRate()).Msg("shutdown complete")
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// initializeStorage opens prediction history if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without history")
		return nil
	}
	log.Info().Str("db", store.Path()).Msg("prediction history enabled")
	return store
}

func initializePredictor(c cfg.Settings, mw *metrics.MetricsWrapper, store *storage.Store) *ml.Predictor {
	pc := ml.PredictorConfig{
		Normalize: features.Options{
			DecimalSeparator:  c.DecimalRune(),
			EmptyColumnPolicy: c.EmptyColumnPolicy,
			Aliases:           c.ColumnAliases,
		},
		Metrics: mw,
		Drift: ml.NewDriftMonitor(ml.DriftConfig{
			WindowSize:     c.DriftWindow,
			AlertThreshold: c.DriftThreshold,
			Metrics:        mw,
		}),
	}
	// a nil *storage.Store must not become a non-nil interface
	if store != nil {
		pc.History = store
	}
	return ml.NewPredictor(nil, pc)
}

// startMetricsServer serves Prometheus metrics on their own port
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM. SIGHUP reloads the serving artifacts.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, manager *ml.ModelManager) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := manager.Reload(); err != nil {
					log.Error().Err(err).Msg("artifact reload failed, previous artifacts keep serving")
				}
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		case <-ctx.Done():
			log.Info().Msg("context canceled")
		}
		break
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()
}
