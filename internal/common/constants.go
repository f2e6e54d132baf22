package common

// Date layouts accepted across source files and storage keys
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04:05"
	VersionLayout  = "20060102-150405"
)

// Environment variable keys
const (
	EnvConfigFile          = "CONFIG_FILE"
	EnvDataDir             = "DATA_DIR"
	EnvModelDir            = "MODEL_DIR"
	EnvHistoryDB           = "HISTORY_DB"
	EnvLogLevel            = "LOG_LEVEL"
	EnvMetricsPort         = "METRICS_PORT"
	EnvTrainCron           = "TRAIN_CRON"
	EnvFeatureWindows      = "FEATURE_WINDOWS"
	EnvFeatureLags         = "FEATURE_LAGS"
	EnvForestTrees         = "FOREST_TREES"
	EnvForestMaxDepth      = "FOREST_MAX_DEPTH"
	EnvForestMinSplit      = "FOREST_MIN_SPLIT"
	EnvForestMinLeaf       = "FOREST_MIN_LEAF"
	EnvForestSeed          = "FOREST_SEED"
	EnvCVFolds             = "CV_FOLDS"
	EnvMinTrainRows        = "MIN_TRAIN_ROWS"
	EnvMaxLabelDays        = "MAX_LABEL_DAYS"
	EnvConfidenceScale     = "CONFIDENCE_SCALE_DAYS"
	EnvWeatherEnabled      = "WEATHER_FETCH_ENABLED"
	EnvWeatherBaseURL      = "WEATHER_BASE_URL"
	EnvWeatherLatitude     = "WEATHER_LATITUDE"
	EnvWeatherLongitude    = "WEATHER_LONGITUDE"
	EnvWeatherFetchTimeout = "WEATHER_FETCH_TIMEOUT"
)

// Configuration defaults
const (
	DefaultDataDir         = "data"
	DefaultModelDir        = "artifacts/models"
	DefaultHistoryDB       = "artifacts/history.db"
	DefaultLogLevel        = "info"
	DefaultMetricsPort     = 8080
	DefaultTrainCron       = "" // empty disables scheduled retraining
	DefaultForestTrees     = 200
	DefaultForestMaxDepth  = 8
	DefaultForestMinSplit  = 10
	DefaultForestMinLeaf   = 5
	DefaultForestSeed      = 42
	DefaultCVFolds         = 5
	DefaultMinTrainRows    = 50
	DefaultMaxLabelDays    = 60
	DefaultConfidenceScale = 5.0
	DefaultWeatherBaseURL  = "https://archive-api.open-meteo.com/v1/archive"
	DefaultMaxVersions     = 10
)

// Imputation defaults applied when a source field is absent. Units follow
// the operating records at the terminal (mmHg pressure, percent humidity and
// cloudcover, m/s wind, tons, days).
const (
	DefaultHumidityPct   = 50.0
	DefaultAirTempC      = 15.0
	DefaultWindSpeedMS   = 3.0
	DefaultPrecipitation = 0.0
	DefaultPressureMMHg  = 760.0
	DefaultCloudcoverPct = 50.0
	DefaultAgeDays       = 30.0
	DefaultMassTons      = 5000.0
)

// Validation bounds
const (
	MinMetricsPort   = 1024
	MaxMetricsPort   = 65535
	MinCVFolds       = 2
	MaxCVFolds       = 20
	MinForestTrees   = 1
	MaxForestTrees   = 2000
	MinTemperatureC  = 0.0
	MaxTemperatureC  = 200.0
	MaxWindowDays    = 365
	MinTrainRowFloor = 10
)

// Common error messages
const (
	ErrMsgDataDirRequired  = "data directory is required"
	ErrMsgModelDirRequired = "model directory is required"
	ErrMsgHistoryRequired  = "history database path is required"
)
