package features

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"coalfire/internal/cfg"
)

// ErrFeatureMismatch marks a feature vector whose schema disagrees with the
// schema a model was trained on. Inference must fail rather than feed the
// model misaligned columns.
var ErrFeatureMismatch = errors.New("feature schema mismatch")

// SchemaVersion tags the slot layout generation. Bump it whenever the slot
// derivation rules change shape in a way windows/lags config cannot express.
const SchemaVersion = "v1"

// Schema is the fixed, named, ordered slot layout of a feature vector. Two
// schemas are interchangeable exactly when their fingerprints match.
type Schema struct {
	Version string   `json:"version"`
	Names   []string `json:"names"`
}

// BuildSchema derives the slot layout from the feature parameters. The order
// here is the single source of truth; Builder fills vectors in the same
// order and the fingerprint seals it.
func BuildSchema(p cfg.FeatureParams) Schema {
	names := make([]string, 0, 64)

	names = append(names, "temp_current")
	for _, w := range p.WindowDays {
		names = append(names,
			fmt.Sprintf("temp_mean_%dd", w),
			fmt.Sprintf("temp_std_%dd", w),
			fmt.Sprintf("temp_max_%dd", w),
		)
	}
	names = append(names, "temp_diff_1d")
	for _, l := range p.LagDays {
		if l > 1 {
			names = append(names, fmt.Sprintf("temp_rate_%dd", l))
		}
	}
	for _, l := range p.LagDays {
		names = append(names, fmt.Sprintf("temp_lag_%dd", l))
	}
	names = append(names, "temp_above_35", "temp_above_45", "temp_above_60")

	names = append(names,
		"weather_temp", "weather_pressure", "weather_humidity",
		"weather_precip", "weather_wind", "weather_cloud",
		"temp_air_delta",
	)
	for _, w := range p.WindowDays {
		names = append(names, fmt.Sprintf("weather_temp_mean_%dd", w))
	}
	for _, w := range p.WindowDays {
		names = append(names, fmt.Sprintf("humidity_mean_%dd", w))
	}
	for _, w := range p.WindowDays {
		names = append(names, fmt.Sprintf("precip_sum_%dd", w))
	}
	for _, w := range p.WindowDays {
		names = append(names, fmt.Sprintf("wind_mean_%dd", w))
	}
	names = append(names, fmt.Sprintf("dry_days_%dd", p.WindowDays[len(p.WindowDays)-1]))

	names = append(names,
		"age_days", "age_log", "mass_tons", "mass_log", "mass_age_ratio",
		"thermal_stress", "dryness_index", "dry_heat",
		"oxidation_index", "thermal_mass", "age_mass",
		"month", "weekday", "season", "day_of_year",
		"stack_temp_mean_hist", "stack_temp_max_hist",
		"stack_obs_count_hist", "stack_prior_fires",
	)

	return Schema{Version: SchemaVersion, Names: names}
}

// Fingerprint hashes the version and the ordered slot names. Stored in the
// model artifact and recomputed at load and inference time.
func (s Schema) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(s.Version))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.Join(s.Names, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

func (s Schema) Size() int {
	return len(s.Names)
}

// Index returns the slot position of a named feature, or -1.
func (s Schema) Index(name string) int {
	for i, n := range s.Names {
		if n == name {
			return i
		}
	}
	return -1
}
