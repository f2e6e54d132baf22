package ml

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"coalfire/internal/dataset"
	"coalfire/internal/features"
)

// InferenceMetrics is the narrow sink the predictor reports into. A nil sink
// is valid and silently dropped, keeping tests free of registry setup.
type InferenceMetrics interface {
	PredictionsInc()
	PredictionFailuresInc()
	PredictionDurationObserve(seconds float64)
	RiskLevelInc(level string)
	ModelLoadedSet(loaded bool)
}

// modelContext is the immutable (forest, schema, version) tuple behind the
// predictor's atomic pointer. Load builds and validates a fresh context and
// swaps it in one step, so concurrent Predict calls always observe either
// the old model or the new one, never a mix.
type modelContext struct {
	forest      *Forest
	schema      features.Schema
	fingerprint string
	version     string
	trainedAt   time.Time
	metrics     Metrics
}

// ModelInfo is the health-facing summary of the loaded model.
type ModelInfo struct {
	Version       string    `json:"model_version"`
	SchemaVersion string    `json:"schema_version"`
	TrainedAt     time.Time `json:"trained_at"`
}

// Predictor scores single observations against the currently loaded model.
// It starts Unloaded; Predict fails with ErrModelNotLoaded until Load
// succeeds. Inference is read-only and safe for unbounded concurrency.
type Predictor struct {
	current atomic.Pointer[modelContext]

	builder *features.Builder
	clock   clockwork.Clock

	// refVar anchors the confidence heuristic: a per-tree variance equal
	// to refVar yields confidence 0.5.
	refVar float64

	metrics InferenceMetrics
}

// NewPredictor wires a predictor to the feature pipeline it must agree with.
// confidenceScaleDays is the tree-dispersion (in days) treated as the 0.5
// confidence point.
func NewPredictor(builder *features.Builder, clock clockwork.Clock, confidenceScaleDays float64) *Predictor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Predictor{
		builder: builder,
		clock:   clock,
		refVar:  confidenceScaleDays * confidenceScaleDays,
	}
}

// SetMetrics attaches the metrics sink. Optional.
func (p *Predictor) SetMetrics(m InferenceMetrics) {
	p.metrics = m
}

// Load validates an artifact end to end and publishes it atomically. On any
// validation failure the previously loaded model stays active.
func (p *Predictor) Load(a *Artifact) error {
	if a == nil {
		return fmt.Errorf("%w: nil artifact", ErrModelNotLoaded)
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("artifact rejected: %w", err)
	}
	if live := p.builder.Schema().Fingerprint(); live != a.Fingerprint {
		return fmt.Errorf("%w: artifact %s was trained on schema %.12s but the feature pipeline builds %.12s",
			features.ErrFeatureMismatch, a.Version, a.Fingerprint, live)
	}

	p.current.Store(&modelContext{
		forest:      a.Forest,
		schema:      a.Schema,
		fingerprint: a.Fingerprint,
		version:     a.Version,
		trainedAt:   a.TrainedAt,
		metrics:     a.Metrics,
	})
	if p.metrics != nil {
		p.metrics.ModelLoadedSet(true)
	}
	log.Info().
		Str("version", a.Version).
		Str("schema", a.Schema.Version).
		Time("trainedAt", a.TrainedAt).
		Int("trees", len(a.Forest.Trees)).
		Msg("model loaded")
	return nil
}

// Ready reports whether a model is loaded.
func (p *Predictor) Ready() bool {
	return p.current.Load() != nil
}

// Info returns the loaded model's summary, or false while Unloaded.
func (p *Predictor) Info() (ModelInfo, bool) {
	ctx := p.current.Load()
	if ctx == nil {
		return ModelInfo{}, false
	}
	return ModelInfo{
		Version:       ctx.version,
		SchemaVersion: ctx.schema.Version,
		TrainedAt:     ctx.trainedAt,
	}, true
}

// ModelMetrics returns the cross-validation metrics of the loaded model, or
// false while Unloaded.
func (p *Predictor) ModelMetrics() (Metrics, bool) {
	ctx := p.current.Load()
	if ctx == nil {
		return Metrics{}, false
	}
	return ctx.metrics, true
}

// Predict scores the observation at the end of its stack history. History
// must be a single stack's merged rows in ascending date order, containing
// the observation itself as the as-of row; nothing dated after the
// measurement may be present.
func (p *Predictor) Predict(obs dataset.StackObservation, history []dataset.StackObservation) (PredictionResult, error) {
	start := p.clock.Now()

	res, err := p.predict(obs, history)
	if p.metrics != nil {
		p.metrics.PredictionDurationObserve(p.clock.Since(start).Seconds())
		if err != nil {
			p.metrics.PredictionFailuresInc()
		} else {
			p.metrics.PredictionsInc()
			p.metrics.RiskLevelInc(string(res.RiskLevel))
		}
	}
	return res, err
}

func (p *Predictor) predict(obs dataset.StackObservation, history []dataset.StackObservation) (PredictionResult, error) {
	ctx := p.current.Load()
	if ctx == nil {
		return PredictionResult{}, ErrModelNotLoaded
	}
	if live := p.builder.Schema().Fingerprint(); live != ctx.fingerprint {
		return PredictionResult{}, fmt.Errorf("%w: feature pipeline schema %.12s drifted from model schema %.12s",
			features.ErrFeatureMismatch, live, ctx.fingerprint)
	}

	vec, err := p.builder.Vector(history, obs.Date)
	if err != nil {
		return PredictionResult{}, fmt.Errorf("building features: %w", err)
	}

	outs, err := ctx.forest.PredictAll(vec)
	if err != nil {
		return PredictionResult{}, fmt.Errorf("scoring: %w", err)
	}

	ttf := meanOf(outs)
	if ttf < 0 {
		ttf = 0
	}

	day := dataset.Day(obs.Date)
	lead := math.Round(math.Max(ttf, minLeadDays))
	combustion := day.AddDate(0, 0, int(lead))

	return PredictionResult{
		ID:                      uuid.New().String(),
		StorageID:               obs.StorageID,
		StackID:                 obs.StackID,
		MeasurementDate:         day,
		PredictedTTFDays:        ttf,
		PredictedCombustionDate: combustion,
		Confidence:              p.confidence(outs),
		RiskLevel:               RiskFromTTF(ttf),
		ModelVersion:            ctx.version,
		CreatedAt:               p.clock.Now().UTC(),
		Input:                   obs,
	}, nil
}

// confidence maps per-tree dispersion to [0,1]: refVar / (refVar + Var).
// Total agreement across trees gives 1; dispersion equal to the configured
// scale gives 0.5.
func (p *Predictor) confidence(treeOuts []float64) float64 {
	_, std := meanStd(treeOuts)
	return p.refVar / (p.refVar + std*std)
}
