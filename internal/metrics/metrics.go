// Package metrics defines the Prometheus instruments exposed by the
// prediction service: training pipeline outcomes, the loaded-model gauge and
// per-inference counters, latency and risk-level distribution.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments. The predictor and engine talk to
// it through narrow sink interfaces, so tests can pass nil or a mock instead
// of wiring a registry.
type Metrics struct {
	// Training pipeline
	TrainingRuns     prometheus.Counter
	TrainingFailures prometheus.Counter
	TrainingDuration prometheus.Histogram
	LastTrainRows    prometheus.Gauge
	LastMAE          prometheus.Gauge
	LastAccuracy     prometheus.Gauge

	// Model state
	ModelLoaded prometheus.Gauge

	// Inference
	Predictions        prometheus.Counter
	PredictionFailures prometheus.Counter
	PredictionLatency  prometheus.Histogram
	PredictionsByRisk  *prometheus.CounterVec
}

// New creates and registers all instruments on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the instruments on a custom registry, keeping
// tests isolated from the global one.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TrainingRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "training_runs_total",
			Help: "Total number of training runs started",
		}),
		TrainingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "training_failures_total",
			Help: "Total number of training runs that failed",
		}),
		TrainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "training_duration_seconds",
			Help:    "Wall-clock duration of training runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		LastTrainRows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "training_last_labeled_rows",
			Help: "Labeled rows used by the most recent successful training run",
		}),
		LastMAE: factory.NewGauge(prometheus.GaugeOpts{
			Name: "training_last_mae_days",
			Help: "Cross-validated mean absolute error of the most recent model, in days",
		}),
		LastAccuracy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "training_last_accuracy_within_2_days",
			Help: "Cross-validated fraction of predictions within two days of the actual fire",
		}),
		ModelLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "model_loaded",
			Help: "1 when a model is loaded and ready for inference, 0 otherwise",
		}),
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of successful predictions",
		}),
		PredictionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "prediction_failures_total",
			Help: "Total number of failed prediction attempts",
		}),
		PredictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_latency_seconds",
			Help:    "End-to-end single-prediction latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		PredictionsByRisk: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "predictions_by_risk_total",
			Help: "Successful predictions partitioned by assigned risk level",
		}, []string{"risk"}),
	}
}

// The methods below are the sink surface consumed by the predictor and the
// engine.

func (m *Metrics) PredictionsInc()                        { m.Predictions.Inc() }
func (m *Metrics) PredictionFailuresInc()                 { m.PredictionFailures.Inc() }
func (m *Metrics) PredictionDurationObserve(secs float64) { m.PredictionLatency.Observe(secs) }
func (m *Metrics) RiskLevelInc(level string)              { m.PredictionsByRisk.WithLabelValues(level).Inc() }

func (m *Metrics) ModelLoadedSet(loaded bool) {
	if loaded {
		m.ModelLoaded.Set(1)
	} else {
		m.ModelLoaded.Set(0)
	}
}

func (m *Metrics) TrainingRunsInc()                     { m.TrainingRuns.Inc() }
func (m *Metrics) TrainingFailuresInc()                 { m.TrainingFailures.Inc() }
func (m *Metrics) TrainingDurationObserve(secs float64) { m.TrainingDuration.Observe(secs) }

// TrainingResultSet publishes the headline numbers of a successful run.
func (m *Metrics) TrainingResultSet(labeledRows int, mae, accuracyWithin2Days float64) {
	m.LastTrainRows.Set(float64(labeledRows))
	m.LastMAE.Set(mae)
	m.LastAccuracy.Set(accuracyWithin2Days)
}
