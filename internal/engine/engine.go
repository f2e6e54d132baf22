// Package engine wires the prediction pipeline together: source merging,
// feature construction, chronological training, artifact persistence and
// single-observation inference against the loaded model.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"coalfire/internal/cfg"
	"coalfire/internal/dataset"
	"coalfire/internal/features"
	"coalfire/internal/ml"
	"coalfire/internal/storage"
)

// Metrics is the sink the engine reports into. It extends the predictor's
// inference surface with training-pipeline instruments; nil is valid.
type Metrics interface {
	ml.InferenceMetrics
	TrainingRunsInc()
	TrainingFailuresInc()
	TrainingDurationObserve(seconds float64)
	TrainingResultSet(labeledRows int, mae, accuracyWithin2Days float64)
}

// HealthStatus is the engine's liveness summary.
type HealthStatus struct {
	ModelLoaded   bool       `json:"model_loaded"`
	SchemaVersion string     `json:"schema_version,omitempty"`
	ModelVersion  string     `json:"model_version,omitempty"`
	TrainedAt     *time.Time `json:"trained_at,omitempty"`
}

// PredictRequest is one inference call. Optional fields fall back to the
// stored as-of observation and then to the configured imputation defaults.
type PredictRequest struct {
	StorageID       string    `json:"storage_id" validate:"required"`
	StackID         string    `json:"stack_id" validate:"required"`
	MeasurementDate time.Time `json:"measurement_date" validate:"required"`
	MaxTemperature  float64   `json:"max_temperature" validate:"gte=0,lte=200"`
	CoalGrade       string    `json:"coal_grade,omitempty"`

	PileAgeDays *float64 `json:"pile_age_days,omitempty" validate:"omitempty,gte=0"`
	MassTons    *float64 `json:"mass_tons,omitempty" validate:"omitempty,gt=0"`

	Humidity       *float64 `json:"humidity,omitempty" validate:"omitempty,gte=0,lte=100"`
	AirTemperature *float64 `json:"air_temperature,omitempty"`
	WindSpeed      *float64 `json:"wind_speed,omitempty" validate:"omitempty,gte=0"`
	Precipitation  *float64 `json:"precipitation,omitempty" validate:"omitempty,gte=0"`
	Pressure       *float64 `json:"pressure,omitempty" validate:"omitempty,gt=0"`
	Cloudcover     *float64 `json:"cloudcover,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Engine owns the pipeline collaborators. One engine serves one site.
type Engine struct {
	settings  cfg.Settings
	merger    *dataset.Merger
	builder   *features.Builder
	cv        *ml.CrossValidator
	predictor *ml.Predictor
	store     *storage.Store
	artifacts *storage.ArtifactStore
	metrics   Metrics
	clock     clockwork.Clock
	validate  *validator.Validate

	// trainMu serializes training. TryLock keeps a second caller from
	// queueing behind a long run; it fails fast instead.
	trainMu sync.Mutex

	reportMu sync.Mutex
	last     *TrainingReport
}

// New assembles an engine. store and artifacts must be open; sink may be nil.
func New(settings cfg.Settings, store *storage.Store, artifacts *storage.ArtifactStore, sink Metrics, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	builder := features.NewBuilder(settings.Features)
	predictor := ml.NewPredictor(builder, clock, settings.Training.ConfidenceScaleDays)
	if sink != nil {
		predictor.SetMetrics(sink)
	}

	return &Engine{
		settings:  settings,
		merger:    dataset.NewMerger(),
		builder:   builder,
		cv:        ml.NewCrossValidator(settings.Training),
		predictor: predictor,
		store:     store,
		artifacts: artifacts,
		metrics:   sink,
		clock:     clock,
		validate:  validator.New(),
	}
}

// LoadActive loads the active artifact from the store into the predictor.
// storage.ErrNoActiveArtifact means no model has been trained yet.
func (e *Engine) LoadActive() error {
	a, err := e.artifacts.LoadActive()
	if err != nil {
		return err
	}
	return e.predictor.Load(a)
}

// Train runs the full pipeline over fresh sources. At most one run at a
// time: a concurrent call fails immediately with ml.ErrTrainingInProgress.
// The model artifact and active-version switch land only when every step
// succeeded; a failed run leaves the previously active model in place.
func (e *Engine) Train(ctx context.Context, sources dataset.Sources) (ml.Metrics, error) {
	if !e.trainMu.TryLock() {
		return ml.Metrics{}, ml.ErrTrainingInProgress
	}
	defer e.trainMu.Unlock()

	if e.metrics != nil {
		e.metrics.TrainingRunsInc()
	}
	start := e.clock.Now()

	metrics, err := e.train(ctx, sources)

	if e.metrics != nil {
		e.metrics.TrainingDurationObserve(e.clock.Since(start).Seconds())
		if err != nil {
			e.metrics.TrainingFailuresInc()
		} else {
			e.metrics.TrainingResultSet(metrics.LabeledRows, metrics.MAE, metrics.AccuracyWithin2Days)
		}
	}
	return metrics, err
}

func (e *Engine) train(ctx context.Context, sources dataset.Sources) (ml.Metrics, error) {
	merged, mergeReport, err := e.merger.Merge(sources)
	if err != nil {
		return ml.Metrics{}, fmt.Errorf("merging sources: %w", err)
	}
	log.Info().
		Int("rows", mergeReport.Rows).
		Int("labeled", mergeReport.LabeledRows).
		Int("stacks", mergeReport.Stacks).
		Msg("sources merged")

	// The observation cache is derived data, upserted idempotently; a
	// failed run later in the pipeline does not invalidate it.
	if err := e.store.PutObservations(merged); err != nil {
		return ml.Metrics{}, fmt.Errorf("caching observations: %w", err)
	}

	set, err := e.builder.Matrix(merged, e.settings.Training.MaxLabelDays)
	if err != nil {
		return ml.Metrics{}, fmt.Errorf("building feature matrix: %w", err)
	}

	forest, metrics, err := e.cv.Run(ctx, set)
	if err != nil {
		return ml.Metrics{}, fmt.Errorf("cross-validation: %w", err)
	}

	schema := e.builder.Schema()
	artifact := &ml.Artifact{
		TrainedAt:   e.clock.Now().UTC(),
		Schema:      schema,
		Fingerprint: schema.Fingerprint(),
		Forest:      forest,
		Metrics:     metrics,
	}

	version, err := e.artifacts.Save(artifact)
	if err != nil {
		return ml.Metrics{}, fmt.Errorf("saving artifact: %w", err)
	}
	if err := e.predictor.Load(artifact); err != nil {
		return ml.Metrics{}, fmt.Errorf("publishing model: %w", err)
	}

	e.setLastReport(&TrainingReport{
		Version:     version,
		TrainedAt:   artifact.TrainedAt,
		Merge:       mergeReport,
		Metrics:     metrics,
		TopFeatures: topFeatures(schema, forest.Importances, 15),
	})

	log.Info().
		Str("version", version).
		Float64("mae", metrics.MAE).
		Float64("rmse", metrics.RMSE).
		Float64("accWithin2d", metrics.AccuracyWithin2Days).
		Msg("training complete")
	return metrics, nil
}

// Predict validates and scores one measurement, appends the outcome to the
// prediction log and returns it.
func (e *Engine) Predict(ctx context.Context, req PredictRequest) (ml.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return ml.PredictionResult{}, err
	}
	if err := e.validate.Struct(req); err != nil {
		return ml.PredictionResult{}, fmt.Errorf("invalid prediction request: %w", err)
	}

	day := dataset.Day(req.MeasurementDate)
	obs := e.observationFromRequest(req, day)

	history, err := e.store.Observations(req.StorageID, req.StackID, day)
	if err != nil {
		return ml.PredictionResult{}, fmt.Errorf("loading stack history: %w", err)
	}
	history = spliceAsOf(history, obs)
	obs = history[len(history)-1]

	res, err := e.predictor.Predict(obs, history)
	if err != nil {
		return ml.PredictionResult{}, err
	}

	if err := e.store.AppendPrediction(res); err != nil {
		return ml.PredictionResult{}, fmt.Errorf("recording prediction: %w", err)
	}
	return res, nil
}

// Health reports the model state for the health endpoint.
func (e *Engine) Health() HealthStatus {
	info, ok := e.predictor.Info()
	if !ok {
		return HealthStatus{ModelLoaded: false}
	}
	trainedAt := info.TrainedAt
	return HealthStatus{
		ModelLoaded:   true,
		SchemaVersion: info.SchemaVersion,
		ModelVersion:  info.Version,
		TrainedAt:     &trainedAt,
	}
}

// Predictor exposes the predictor for read-only callers.
func (e *Engine) Predictor() *ml.Predictor {
	return e.predictor
}

// observationFromRequest turns an inference request into an as-of
// observation row. Weather slots left empty by the caller take the
// configured imputation defaults.
func (e *Engine) observationFromRequest(req PredictRequest, day time.Time) dataset.StackObservation {
	obs := dataset.StackObservation{
		StorageID:    req.StorageID,
		StackID:      req.StackID,
		Date:         day,
		MeasuredTemp: req.MaxTemperature,
		CoalGrade:    req.CoalGrade,
		AgeDays:      req.PileAgeDays,
		MassTons:     req.MassTons,
	}

	if req.Humidity != nil || req.AirTemperature != nil || req.WindSpeed != nil ||
		req.Precipitation != nil || req.Pressure != nil || req.Cloudcover != nil {
		d := e.settings.Features.Defaults
		obs.Weather = &dataset.WeatherDay{
			Date:          day,
			Temp:          orDefault(req.AirTemperature, d.AirTemp),
			Pressure:      orDefault(req.Pressure, d.Pressure),
			Humidity:      orDefault(req.Humidity, d.Humidity),
			Precipitation: orDefault(req.Precipitation, d.Precipitation),
			WindAvg:       orDefault(req.WindSpeed, d.WindSpeed),
			Cloudcover:    orDefault(req.Cloudcover, d.Cloudcover),
		}
	}
	return obs
}

// spliceAsOf merges the incoming measurement into the stack history: it
// replaces a stored row dated the same day, inheriting fields the request
// did not carry, or appends when the day is new.
func spliceAsOf(history []dataset.StackObservation, incoming dataset.StackObservation) []dataset.StackObservation {
	if n := len(history); n > 0 && history[n-1].Date.Equal(incoming.Date) {
		stored := history[n-1]
		if incoming.AgeDays == nil {
			incoming.AgeDays = stored.AgeDays
		}
		if incoming.MassTons == nil {
			incoming.MassTons = stored.MassTons
		}
		if incoming.Weather == nil {
			incoming.Weather = stored.Weather
		}
		if incoming.CoalGrade == "" {
			incoming.CoalGrade = stored.CoalGrade
		}
		incoming.PriorFires = stored.PriorFires
		history[n-1] = incoming
		return history
	}
	if n := len(history); n > 0 {
		// Carry the stack's standing state onto the new day.
		prev := history[n-1]
		if incoming.AgeDays == nil && prev.AgeDays != nil {
			age := *prev.AgeDays + float64(dataset.DaysBetween(prev.Date, incoming.Date))
			incoming.AgeDays = &age
		}
		if incoming.MassTons == nil {
			incoming.MassTons = prev.MassTons
		}
		incoming.PriorFires = prev.PriorFires
	}
	return append(history, incoming)
}

func (e *Engine) setLastReport(r *TrainingReport) {
	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	e.last = r
}

// LastTraining returns the report of the most recent successful run in this
// process, or false.
func (e *Engine) LastTraining() (TrainingReport, bool) {
	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	if e.last == nil {
		return TrainingReport{}, false
	}
	return *e.last, true
}

func orDefault(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}
