package ml

import (
	"fmt"
	"time"

	"coalfire/internal/features"
)

// Artifact is the complete persisted output of one training run: the fitted
// forest, the exact feature schema it was trained on, the cross-validation
// metrics and a version tag. The fingerprint seals the schema so a loaded
// artifact can prove it still matches the feature pipeline.
type Artifact struct {
	Version     string          `json:"version"`
	TrainedAt   time.Time       `json:"trained_at"`
	Schema      features.Schema `json:"schema"`
	Fingerprint string          `json:"fingerprint"`
	Forest      *Forest         `json:"forest"`
	Metrics     Metrics         `json:"metrics"`
}

// Validate checks the artifact's internal consistency: the fingerprint must
// equal the hash recomputed from the stored schema, and the forest must have
// been fitted on exactly that schema's slot count.
func (a *Artifact) Validate() error {
	if a.Forest == nil || len(a.Forest.Trees) == 0 {
		return fmt.Errorf("artifact %s has no fitted forest", a.Version)
	}
	if got := a.Schema.Fingerprint(); got != a.Fingerprint {
		return fmt.Errorf("%w: artifact %s fingerprint %.12s does not match schema hash %.12s",
			features.ErrFeatureMismatch, a.Version, a.Fingerprint, got)
	}
	if a.Forest.NumFeatures != a.Schema.Size() {
		return fmt.Errorf("%w: artifact %s forest expects %d features, schema has %d",
			features.ErrFeatureMismatch, a.Version, a.Forest.NumFeatures, a.Schema.Size())
	}
	return nil
}
