package ml

import (
	"time"

	"coalfire/internal/dataset"
)

// RiskLevel buckets a predicted time-to-fire into operator-facing urgency.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
	RiskMinimal  RiskLevel = "minimal"
)

// RiskFromTTF maps predicted days-to-fire onto a risk bucket. The thresholds
// are fixed: < 3 critical, [3,7) high, [7,14) medium, [14,30] low, > 30
// minimal. Deliberately independent of confidence.
func RiskFromTTF(ttfDays float64) RiskLevel {
	switch {
	case ttfDays < 3:
		return RiskCritical
	case ttfDays < 7:
		return RiskHigh
	case ttfDays < 14:
		return RiskMedium
	case ttfDays <= 30:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// minLeadDays floors the predicted combustion date: even an alarming pile is
// never scheduled to ignite sooner than three days out, so crews always have
// a response window.
const minLeadDays = 3.0

// PredictionResult is one inference outcome. Append-only once emitted; the
// input observation is embedded so the record is self-describing.
type PredictionResult struct {
	ID              string    `json:"id"`
	StorageID       string    `json:"storage_id"`
	StackID         string    `json:"stack_id"`
	MeasurementDate time.Time `json:"measurement_date"`

	PredictedTTFDays        float64   `json:"predicted_ttf_days"`
	PredictedCombustionDate time.Time `json:"predicted_combustion_date"`

	// Confidence in [0,1] is a dispersion heuristic over the ensemble's
	// individual estimates (normalized inverse variance). Uncalibrated:
	// it is not a statistical probability.
	Confidence float64   `json:"confidence"`
	RiskLevel  RiskLevel `json:"risk_level"`

	ModelVersion string                   `json:"model_version"`
	CreatedAt    time.Time                `json:"created_at"`
	Input        dataset.StackObservation `json:"input"`
}
