package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coalfire/internal/cfg"
	"coalfire/internal/engine"
	"coalfire/internal/ingest"
	"coalfire/internal/storage"
)

func main() {
	var (
		dataDir    = flag.String("data", "", "Data directory with source CSV files (overrides config)")
		outputPath = flag.String("output", "reports", "Output directory for training reports")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if *dataDir != "" {
		c.DataDir = *dataDir
	}
	if *logLevel != "" {
		c.LogLevel = *logLevel
	}

	setupLogging(c.LogLevel)

	fmt.Println("=== Training Configuration ===")
	fmt.Printf("Data Directory: %s\n", c.DataDir)
	fmt.Printf("Model Directory: %s\n", c.ModelDir)
	fmt.Printf("History DB: %s\n", c.HistoryDB)
	fmt.Printf("Trees: %d, Max Depth: %d, Folds: %d, Seed: %d\n",
		c.Training.Trees, c.Training.MaxDepth, c.Training.Folds, c.Training.Seed)
	fmt.Printf("Weather Fetch: %v\n", c.Weather.Enabled)
	fmt.Println("==============================")

	store, err := storage.New(c.HistoryDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open history database")
	}
	defer store.Close()

	artifacts, err := storage.NewArtifactStore(c.ModelDir, c.MaxVersions, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open artifact store")
	}

	eng := engine.New(c, store, artifacts, nil, nil)

	ctx := context.Background()

	var weatherClient *ingest.WeatherClient
	if c.Weather.Enabled {
		weatherClient = ingest.NewWeatherClient(c.Weather)
	}
	sources, err := ingest.LoadSourcesWithFallback(ctx, c.DataDir, weatherClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load sources")
	}

	if _, err := eng.Train(ctx, sources); err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}

	rep, ok := eng.LastTraining()
	if !ok {
		log.Fatal().Msg("training finished without a report")
	}
	engine.PrintSummary(rep)

	if err := engine.WriteReport(*outputPath, rep); err != nil {
		log.Fatal().Err(err).Msg("failed to write report")
	}
	log.Info().Str("dir", *outputPath).Msg("report written")
}

func setupLogging(levelStr string) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
