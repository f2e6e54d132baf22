package features

import (
	"strings"
	"testing"

	"coalfire/internal/cfg"
)

func testParams() cfg.FeatureParams {
	return cfg.FeatureParams{
		WindowDays:           []int{3, 7, 14},
		LagDays:              []int{1, 3, 7},
		ThermalTempWeight:    1.0,
		ThermalAgeWeight:     0.5,
		ThermalCrossWeight:   1.0,
		DrynessWindWeight:    1.0,
		DrynessDeficitWeight: 1.0,
		PrecipNormPerDay:     1.0,
		Defaults: cfg.ImputeDefaults{
			Humidity:      50,
			AirTemp:       15,
			WindSpeed:     3,
			Precipitation: 0,
			Pressure:      760,
			Cloudcover:    50,
			AgeDays:       30,
			MassTons:      5000,
		},
	}
}

func TestBuildSchema_DefaultLayout(t *testing.T) {
	s := BuildSchema(testParams())

	if s.Version != SchemaVersion {
		t.Errorf("expected schema version %s, got %s", SchemaVersion, s.Version)
	}
	if s.Size() != 58 {
		t.Fatalf("expected 58 slots under default windows, got %d", s.Size())
	}
	if s.Names[0] != "temp_current" {
		t.Errorf("expected first slot temp_current, got %s", s.Names[0])
	}
	if s.Names[s.Size()-1] != "stack_prior_fires" {
		t.Errorf("expected last slot stack_prior_fires, got %s", s.Names[s.Size()-1])
	}

	// Every window family is present for every configured window.
	for _, name := range []string{
		"temp_mean_3d", "temp_std_7d", "temp_max_14d",
		"temp_rate_3d", "temp_rate_7d",
		"temp_lag_1d", "temp_lag_3d", "temp_lag_7d",
		"weather_temp_mean_3d", "humidity_mean_7d", "precip_sum_14d",
		"wind_mean_3d", "wind_mean_14d", "dry_days_14d",
		"thermal_stress", "dryness_index", "oxidation_index",
	} {
		if s.Index(name) < 0 {
			t.Errorf("expected slot %s in schema", name)
		}
	}

	// No duplicate slot names.
	seen := make(map[string]bool, s.Size())
	for _, n := range s.Names {
		if seen[n] {
			t.Errorf("duplicate slot name %s", n)
		}
		seen[n] = true
	}
}

func TestBuildSchema_FollowsWindowConfig(t *testing.T) {
	p := testParams()
	p.WindowDays = []int{5}
	p.LagDays = []int{1}
	s := BuildSchema(p)

	if s.Index("temp_mean_5d") < 0 {
		t.Error("expected temp_mean_5d for window config [5]")
	}
	if s.Index("temp_mean_3d") >= 0 {
		t.Error("did not expect temp_mean_3d for window config [5]")
	}
	// Lag 1 produces no rate slot; rates exist only for lags > 1.
	for _, n := range s.Names {
		if strings.HasPrefix(n, "temp_rate_") {
			t.Errorf("did not expect rate slot %s for lag config [1]", n)
		}
	}
	if s.Index("dry_days_5d") < 0 {
		t.Error("expected dry_days_5d to follow the largest window")
	}
}

func TestSchema_Fingerprint(t *testing.T) {
	a := BuildSchema(testParams())
	b := BuildSchema(testParams())
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical schemas must share a fingerprint")
	}

	p := testParams()
	p.WindowDays = []int{3, 7}
	c := BuildSchema(p)
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different slot layouts must not share a fingerprint")
	}

	d := a
	d.Version = "v2"
	if a.Fingerprint() == d.Fingerprint() {
		t.Error("version change must change the fingerprint")
	}
}

func TestSchema_Index(t *testing.T) {
	s := BuildSchema(testParams())
	if got := s.Index("temp_current"); got != 0 {
		t.Errorf("expected temp_current at 0, got %d", got)
	}
	if got := s.Index("no_such_slot"); got != -1 {
		t.Errorf("expected -1 for unknown slot, got %d", got)
	}
}
