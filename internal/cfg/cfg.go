package cfg

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coalfire/internal/common"
)

// ErrInvalidSettings marks configuration that cannot be run with. Callers
// treat it as fatal at startup or at the beginning of a training call.
var ErrInvalidSettings = errors.New("invalid settings")

type Settings struct {
	DataDir     string
	ModelDir    string
	HistoryDB   string
	LogLevel    string
	MetricsPort int
	TrainCron   string
	MaxVersions int

	Features FeatureParams
	Training TrainingParams
	Weather  WeatherParams
}

// FeatureParams controls feature construction. The composite-index weights
// are deliberately configuration, not code: site engineers tune them per
// terminal.
type FeatureParams struct {
	WindowDays []int `yaml:"windowDays"`
	LagDays    []int `yaml:"lagDays"`

	ThermalTempWeight    float64 `yaml:"thermalTempWeight"`
	ThermalAgeWeight     float64 `yaml:"thermalAgeWeight"`
	ThermalCrossWeight   float64 `yaml:"thermalCrossWeight"`
	DrynessWindWeight    float64 `yaml:"drynessWindWeight"`
	DrynessDeficitWeight float64 `yaml:"drynessDeficitWeight"`
	PrecipNormPerDay     float64 `yaml:"precipNormPerDay"`

	Defaults ImputeDefaults `yaml:"defaults"`
}

// ImputeDefaults are the fixed fill-in values used whenever a source field is
// missing. The same values apply during training and inference.
type ImputeDefaults struct {
	Humidity      float64 `yaml:"humidity"`
	AirTemp       float64 `yaml:"airTemp"`
	WindSpeed     float64 `yaml:"windSpeed"`
	Precipitation float64 `yaml:"precipitation"`
	Pressure      float64 `yaml:"pressure"`
	Cloudcover    float64 `yaml:"cloudcover"`
	AgeDays       float64 `yaml:"ageDays"`
	MassTons      float64 `yaml:"massTons"`
}

type TrainingParams struct {
	Trees               int     `yaml:"trees"`
	MaxDepth            int     `yaml:"maxDepth"`
	MinSplit            int     `yaml:"minSplit"`
	MinLeaf             int     `yaml:"minLeaf"`
	MaxFeatures         int     `yaml:"maxFeatures"` // 0 means sqrt(feature count)
	Seed                int64   `yaml:"seed"`
	Folds               int     `yaml:"folds"`
	MinTrainRows        int     `yaml:"minTrainRows"`
	MaxLabelDays        int     `yaml:"maxLabelDays"`
	ConfidenceScaleDays float64 `yaml:"confidenceScaleDays"`
}

type WeatherParams struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"baseURL"`
	Latitude  float64       `yaml:"latitude"`
	Longitude float64       `yaml:"longitude"`
	Timeout   time.Duration `yaml:"-"`
}

type ConfigFile struct {
	Paths struct {
		DataDir   string `yaml:"dataDir"`
		ModelDir  string `yaml:"modelDir"`
		HistoryDB string `yaml:"historyDB"`
	} `yaml:"paths"`

	Features FeatureParams  `yaml:"features"`
	Training TrainingParams `yaml:"training"`

	Weather struct {
		Enabled   bool    `yaml:"enabled"`
		BaseURL   string  `yaml:"baseURL"`
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
		Timeout   string  `yaml:"timeout"`
	} `yaml:"weather"`

	System struct {
		LogLevel    string `yaml:"logLevel"`
		MetricsPort int    `yaml:"metricsPort"`
		TrainCron   string `yaml:"trainCron"`
		MaxVersions int    `yaml:"maxVersions"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	weatherTimeout, err := time.ParseDuration(config.Weather.Timeout)
	if err != nil {
		weatherTimeout = 10 * time.Second
	}

	settings := Settings{
		DataDir:     getEnvOrDefault(common.EnvDataDir, config.Paths.DataDir),
		ModelDir:    getEnvOrDefault(common.EnvModelDir, config.Paths.ModelDir),
		HistoryDB:   getEnvOrDefault(common.EnvHistoryDB, config.Paths.HistoryDB),
		LogLevel:    getEnvOrDefault(common.EnvLogLevel, config.System.LogLevel),
		MetricsPort: getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort),
		TrainCron:   getEnvOrDefault(common.EnvTrainCron, config.System.TrainCron),
		MaxVersions: config.System.MaxVersions,
		Features:    config.Features,
		Training:    config.Training,
		Weather: WeatherParams{
			Enabled:   getBoolFromEnvOrConfig(common.EnvWeatherEnabled, config.Weather.Enabled),
			BaseURL:   getEnvOrDefault(common.EnvWeatherBaseURL, config.Weather.BaseURL),
			Latitude:  getFloatFromEnvOrConfig(common.EnvWeatherLatitude, config.Weather.Latitude),
			Longitude: getFloatFromEnvOrConfig(common.EnvWeatherLongitude, config.Weather.Longitude),
			Timeout:   weatherTimeout,
		},
	}
	applyDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		DataDir:     getEnvOrDefault(common.EnvDataDir, common.DefaultDataDir),
		ModelDir:    getEnvOrDefault(common.EnvModelDir, common.DefaultModelDir),
		HistoryDB:   getEnvOrDefault(common.EnvHistoryDB, common.DefaultHistoryDB),
		LogLevel:    getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		MetricsPort: getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		TrainCron:   getEnvOrDefault(common.EnvTrainCron, common.DefaultTrainCron),
		Training: TrainingParams{
			Trees:               getIntOrDefault(common.EnvForestTrees, common.DefaultForestTrees),
			MaxDepth:            getIntOrDefault(common.EnvForestMaxDepth, common.DefaultForestMaxDepth),
			MinSplit:            getIntOrDefault(common.EnvForestMinSplit, common.DefaultForestMinSplit),
			MinLeaf:             getIntOrDefault(common.EnvForestMinLeaf, common.DefaultForestMinLeaf),
			Seed:                int64(getIntOrDefault(common.EnvForestSeed, common.DefaultForestSeed)),
			Folds:               getIntOrDefault(common.EnvCVFolds, common.DefaultCVFolds),
			MinTrainRows:        getIntOrDefault(common.EnvMinTrainRows, common.DefaultMinTrainRows),
			MaxLabelDays:        getIntOrDefault(common.EnvMaxLabelDays, common.DefaultMaxLabelDays),
			ConfidenceScaleDays: getFloatOrDefault(common.EnvConfidenceScale, common.DefaultConfidenceScale),
		},
		Weather: WeatherParams{
			Enabled:   getBoolOrDefault(common.EnvWeatherEnabled, false),
			BaseURL:   getEnvOrDefault(common.EnvWeatherBaseURL, common.DefaultWeatherBaseURL),
			Latitude:  getFloatOrDefault(common.EnvWeatherLatitude, 0),
			Longitude: getFloatOrDefault(common.EnvWeatherLongitude, 0),
			Timeout:   getDurationOrDefault(common.EnvWeatherFetchTimeout, 10*time.Second),
		},
	}
	applyDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// applyDefaults fills every zero-valued field so a minimal YAML file or a
// bare environment still yields a runnable configuration.
func applyDefaults(s *Settings) {
	if s.DataDir == "" {
		s.DataDir = common.DefaultDataDir
	}
	if s.ModelDir == "" {
		s.ModelDir = common.DefaultModelDir
	}
	if s.HistoryDB == "" {
		s.HistoryDB = common.DefaultHistoryDB
	}
	if s.LogLevel == "" {
		s.LogLevel = common.DefaultLogLevel
	}
	if s.MetricsPort == 0 {
		s.MetricsPort = common.DefaultMetricsPort
	}
	if s.MaxVersions == 0 {
		s.MaxVersions = common.DefaultMaxVersions
	}

	f := &s.Features
	if env := os.Getenv(common.EnvFeatureWindows); env != "" {
		if ints, err := splitInts(env); err == nil {
			f.WindowDays = ints
		}
	}
	if env := os.Getenv(common.EnvFeatureLags); env != "" {
		if ints, err := splitInts(env); err == nil {
			f.LagDays = ints
		}
	}
	if len(f.WindowDays) == 0 {
		f.WindowDays = []int{3, 7, 14}
	}
	if len(f.LagDays) == 0 {
		f.LagDays = []int{1, 3, 7}
	}
	if f.ThermalTempWeight == 0 {
		f.ThermalTempWeight = 1.0
	}
	if f.ThermalAgeWeight == 0 {
		f.ThermalAgeWeight = 0.5
	}
	if f.ThermalCrossWeight == 0 {
		f.ThermalCrossWeight = 1.0
	}
	if f.DrynessWindWeight == 0 {
		f.DrynessWindWeight = 1.0
	}
	if f.DrynessDeficitWeight == 0 {
		f.DrynessDeficitWeight = 1.0
	}
	if f.PrecipNormPerDay == 0 {
		f.PrecipNormPerDay = 1.0
	}

	d := &f.Defaults
	if d.Humidity == 0 {
		d.Humidity = common.DefaultHumidityPct
	}
	if d.AirTemp == 0 {
		d.AirTemp = common.DefaultAirTempC
	}
	if d.WindSpeed == 0 {
		d.WindSpeed = common.DefaultWindSpeedMS
	}
	if d.Pressure == 0 {
		d.Pressure = common.DefaultPressureMMHg
	}
	if d.Cloudcover == 0 {
		d.Cloudcover = common.DefaultCloudcoverPct
	}
	if d.AgeDays == 0 {
		d.AgeDays = common.DefaultAgeDays
	}
	if d.MassTons == 0 {
		d.MassTons = common.DefaultMassTons
	}

	t := &s.Training
	if t.Trees == 0 {
		t.Trees = common.DefaultForestTrees
	}
	if t.MaxDepth == 0 {
		t.MaxDepth = common.DefaultForestMaxDepth
	}
	if t.MinSplit == 0 {
		t.MinSplit = common.DefaultForestMinSplit
	}
	if t.MinLeaf == 0 {
		t.MinLeaf = common.DefaultForestMinLeaf
	}
	if t.Seed == 0 {
		t.Seed = common.DefaultForestSeed
	}
	if t.Folds == 0 {
		t.Folds = common.DefaultCVFolds
	}
	if t.MinTrainRows == 0 {
		t.MinTrainRows = common.DefaultMinTrainRows
	}
	if t.MaxLabelDays == 0 {
		t.MaxLabelDays = common.DefaultMaxLabelDays
	}
	if t.ConfidenceScaleDays == 0 {
		t.ConfidenceScaleDays = common.DefaultConfidenceScale
	}

	if s.Weather.BaseURL == "" {
		s.Weather.BaseURL = common.DefaultWeatherBaseURL
	}
	if s.Weather.Timeout == 0 {
		s.Weather.Timeout = 10 * time.Second
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	return configValue
}

func getFloatFromEnvOrConfig(key string, configValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	return configValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

func splitInts(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

// validateSettings rejects configurations the pipeline cannot run with.
// Every violation wraps ErrInvalidSettings.
func validateSettings(s *Settings) error {
	if s.DataDir == "" {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, common.ErrMsgDataDirRequired)
	}
	if s.ModelDir == "" {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, common.ErrMsgModelDirRequired)
	}
	if s.HistoryDB == "" {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, common.ErrMsgHistoryRequired)
	}
	if s.MetricsPort < common.MinMetricsPort || s.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("%w: metrics port must be between %d and %d, got %d",
			ErrInvalidSettings, common.MinMetricsPort, common.MaxMetricsPort, s.MetricsPort)
	}
	if s.MaxVersions < 1 {
		return fmt.Errorf("%w: max model versions must be at least 1, got %d", ErrInvalidSettings, s.MaxVersions)
	}

	f := s.Features
	if len(f.WindowDays) == 0 {
		return fmt.Errorf("%w: at least one rolling window is required", ErrInvalidSettings)
	}
	prev := 0
	for _, w := range f.WindowDays {
		if w <= 0 || w > common.MaxWindowDays {
			return fmt.Errorf("%w: window days must be between 1 and %d, got %d",
				ErrInvalidSettings, common.MaxWindowDays, w)
		}
		if w <= prev {
			return fmt.Errorf("%w: window days must be strictly ascending, got %v",
				ErrInvalidSettings, f.WindowDays)
		}
		prev = w
	}
	prev = 0
	for _, l := range f.LagDays {
		if l <= 0 || l > common.MaxWindowDays {
			return fmt.Errorf("%w: lag days must be between 1 and %d, got %d",
				ErrInvalidSettings, common.MaxWindowDays, l)
		}
		if l <= prev {
			return fmt.Errorf("%w: lag days must be strictly ascending, got %v",
				ErrInvalidSettings, f.LagDays)
		}
		prev = l
	}
	for name, v := range map[string]float64{
		"thermalTempWeight":    f.ThermalTempWeight,
		"thermalAgeWeight":     f.ThermalAgeWeight,
		"thermalCrossWeight":   f.ThermalCrossWeight,
		"drynessWindWeight":    f.DrynessWindWeight,
		"drynessDeficitWeight": f.DrynessDeficitWeight,
		"precipNormPerDay":     f.PrecipNormPerDay,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be a finite non-negative number, got %f",
				ErrInvalidSettings, name, v)
		}
	}

	t := s.Training
	if t.Trees < common.MinForestTrees || t.Trees > common.MaxForestTrees {
		return fmt.Errorf("%w: forest trees must be between %d and %d, got %d",
			ErrInvalidSettings, common.MinForestTrees, common.MaxForestTrees, t.Trees)
	}
	if t.MaxDepth <= 0 {
		return fmt.Errorf("%w: max depth must be positive, got %d", ErrInvalidSettings, t.MaxDepth)
	}
	if t.MinSplit < 2 {
		return fmt.Errorf("%w: min split must be at least 2, got %d", ErrInvalidSettings, t.MinSplit)
	}
	if t.MinLeaf < 1 {
		return fmt.Errorf("%w: min leaf must be at least 1, got %d", ErrInvalidSettings, t.MinLeaf)
	}
	if t.MaxFeatures < 0 {
		return fmt.Errorf("%w: max features cannot be negative, got %d", ErrInvalidSettings, t.MaxFeatures)
	}
	if t.Folds < common.MinCVFolds || t.Folds > common.MaxCVFolds {
		return fmt.Errorf("%w: cv folds must be between %d and %d, got %d",
			ErrInvalidSettings, common.MinCVFolds, common.MaxCVFolds, t.Folds)
	}
	if t.MinTrainRows < common.MinTrainRowFloor {
		return fmt.Errorf("%w: min train rows must be at least %d, got %d",
			ErrInvalidSettings, common.MinTrainRowFloor, t.MinTrainRows)
	}
	if t.MaxLabelDays <= 0 {
		return fmt.Errorf("%w: max label days must be positive, got %d", ErrInvalidSettings, t.MaxLabelDays)
	}
	if t.ConfidenceScaleDays <= 0 {
		return fmt.Errorf("%w: confidence scale days must be positive, got %f",
			ErrInvalidSettings, t.ConfidenceScaleDays)
	}

	w := s.Weather
	if w.Enabled {
		if w.BaseURL == "" {
			return fmt.Errorf("%w: weather base URL is required when fetching is enabled", ErrInvalidSettings)
		}
		if w.Latitude < -90 || w.Latitude > 90 {
			return fmt.Errorf("%w: latitude must be between -90 and 90, got %f", ErrInvalidSettings, w.Latitude)
		}
		if w.Longitude < -180 || w.Longitude > 180 {
			return fmt.Errorf("%w: longitude must be between -180 and 180, got %f", ErrInvalidSettings, w.Longitude)
		}
		if w.Timeout < time.Second || w.Timeout > time.Minute {
			return fmt.Errorf("%w: weather fetch timeout must be between 1s and 1m, got %v", ErrInvalidSettings, w.Timeout)
		}
	}

	return nil
}
