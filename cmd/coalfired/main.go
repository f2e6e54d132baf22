package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coalfire/internal/cfg"
	"coalfire/internal/engine"
	"coalfire/internal/ingest"
	"coalfire/internal/metrics"
	"coalfire/internal/ml"
	"coalfire/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	store, err := storage.New(c.HistoryDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open history database")
	}
	defer store.Close()

	artifacts, err := storage.NewArtifactStore(c.ModelDir, c.MaxVersions, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open artifact store")
	}

	eng := engine.New(c, store, artifacts, m, nil)

	if err := eng.LoadActive(); err != nil {
		if errors.Is(err, storage.ErrNoActiveArtifact) {
			log.Info().Msg("no trained model yet, serving unloaded")
		} else {
			log.Error().Err(err).Msg("failed to load active model, serving unloaded")
		}
		m.ModelLoadedSet(false)
	}

	startServer(ctx, c, eng)

	scheduler := startScheduler(ctx, c, eng)
	if scheduler != nil {
		defer scheduler.Stop()
	}

	waitForShutdown(ctx, cancel)
}

func setupLogging(levelStr string) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// startServer serves /health and /metrics on the configured port.
func startServer(ctx context.Context, c cfg.Settings, eng *engine.Engine) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(eng.Health()); err != nil {
			log.Error().Err(err).Msg("failed to write health response")
		}
	})
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown http server")
		}
	}()

	go func() {
		log.Info().Int("port", c.MetricsPort).Msg("serving health and metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
}

// startScheduler wires the optional cron retraining job. Returns nil when no
// cron expression is configured.
func startScheduler(ctx context.Context, c cfg.Settings, eng *engine.Engine) *gocron.Scheduler {
	if c.TrainCron == "" {
		return nil
	}

	s := gocron.NewScheduler(time.UTC)
	_, err := s.Cron(c.TrainCron).Do(func() {
		retrain(ctx, c, eng)
	})
	if err != nil {
		log.Fatal().Err(err).Str("cron", c.TrainCron).Msg("invalid training schedule")
	}
	s.StartAsync()
	log.Info().Str("cron", c.TrainCron).Msg("scheduled retraining enabled")
	return s
}

func retrain(ctx context.Context, c cfg.Settings, eng *engine.Engine) {
	log.Info().Str("dataDir", c.DataDir).Msg("scheduled retraining started")

	var weatherClient *ingest.WeatherClient
	if c.Weather.Enabled {
		weatherClient = ingest.NewWeatherClient(c.Weather)
	}
	sources, err := ingest.LoadSourcesWithFallback(ctx, c.DataDir, weatherClient)
	if err != nil {
		log.Error().Err(err).Msg("scheduled retraining could not load sources")
		return
	}

	if _, err := eng.Train(ctx, sources); err != nil {
		if errors.Is(err, ml.ErrTrainingInProgress) {
			log.Warn().Msg("previous training run still active, skipping")
			return
		}
		log.Error().Err(err).Msg("scheduled retraining failed")
		return
	}

	if rep, ok := eng.LastTraining(); ok {
		engine.PrintSummary(rep)
	}
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	cancel()
	// Give the http server a moment to drain.
	time.Sleep(200 * time.Millisecond)
	log.Info().Msg("shutdown complete")
}
