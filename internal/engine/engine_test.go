package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coalfire/internal/cfg"
	"coalfire/internal/dataset"
	"coalfire/internal/ml"
	"coalfire/internal/storage"
)

// MockMetrics records every sink call so tests can assert the training and
// inference pipelines report what they did.
type MockMetrics struct {
	mu sync.Mutex

	trainingRuns     int
	trainingFailures int
	trainingSeconds  []float64
	labeledRows      int

	predictions        int
	predictionFailures int
	riskLevels         map[string]int
	modelLoaded        bool
}

func (m *MockMetrics) TrainingRunsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainingRuns++
}

func (m *MockMetrics) TrainingFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainingFailures++
}

func (m *MockMetrics) TrainingDurationObserve(seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainingSeconds = append(m.trainingSeconds, seconds)
}

func (m *MockMetrics) TrainingResultSet(labeledRows int, mae, accuracyWithin2Days float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labeledRows = labeledRows
}

func (m *MockMetrics) PredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *MockMetrics) PredictionFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictionFailures++
}

func (m *MockMetrics) PredictionDurationObserve(float64) {}

func (m *MockMetrics) RiskLevelInc(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.riskLevels == nil {
		m.riskLevels = make(map[string]int)
	}
	m.riskLevels[level]++
}

func (m *MockMetrics) ModelLoadedSet(loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelLoaded = loaded
}

func testSettings(t *testing.T) cfg.Settings {
	t.Helper()
	dir := t.TempDir()
	return cfg.Settings{
		DataDir:     dir,
		ModelDir:    filepath.Join(dir, "models"),
		HistoryDB:   filepath.Join(dir, "history.db"),
		MaxVersions: 3,
		Features: cfg.FeatureParams{
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
		},
		Training: cfg.TrainingParams{
			Trees:               20,
			MaxDepth:            5,
			MinSplit:            4,
			MinLeaf:             2,
			Seed:                42,
			Folds:               3,
			MinTrainRows:        20,
			MaxLabelDays:        60,
			ConfidenceScaleDays: 5,
		},
	}
}

func newTestEngine(t *testing.T, sink Metrics) (*Engine, *storage.Store, *storage.ArtifactStore, *clockwork.FakeClock) {
	t.Helper()
	settings := testSettings(t)

	store, err := storage.New(settings.HistoryDB)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	artifacts, err := storage.NewArtifactStore(settings.ModelDir, settings.MaxVersions, clock)
	require.NoError(t, err)

	return New(settings, store, artifacts, sink, clock), store, artifacts, clock
}

func sourcesDay(d int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

// fieldSources builds two stacks of daily readings whose temperatures climb
// toward recorded fires, with supplies and site weather alongside. S01 burns
// on days 45 and 90, S02 on day 70.
func fieldSources() dataset.Sources {
	var src dataset.Sources

	src.Supplies = []dataset.SupplyRecord{
		{StorageID: "WH1", StackID: "S01", MassTons: 4000, LoadDate: sourcesDay(1)},
		{StorageID: "WH1", StackID: "S01", MassTons: 3500, LoadDate: sourcesDay(46)},
		{StorageID: "WH1", StackID: "S02", MassTons: 6000, LoadDate: sourcesDay(2)},
	}
	src.Fires = []dataset.FireEvent{
		{StorageID: "WH1", StackID: "S01", StartDate: sourcesDay(45)},
		{StorageID: "WH1", StackID: "S01", StartDate: sourcesDay(90)},
		{StorageID: "WH1", StackID: "S02", StartDate: sourcesDay(70)},
	}

	for d := 1; d <= 89; d++ {
		src.Temperatures = append(src.Temperatures, dataset.TemperatureRecord{
			StorageID:      "WH1",
			StackID:        "S01",
			CoalGrade:      "D",
			MaxTemperature: 25 + float64(d%45),
			ActDate:        sourcesDay(d),
		})
	}
	for d := 2; d <= 69; d++ {
		src.Temperatures = append(src.Temperatures, dataset.TemperatureRecord{
			StorageID:      "WH1",
			StackID:        "S02",
			CoalGrade:      "G",
			MaxTemperature: 22 + 0.8*float64(d-2),
			ActDate:        sourcesDay(d),
		})
	}

	for d := 0; d <= 95; d++ {
		src.Weather = append(src.Weather, dataset.WeatherDay{
			Date:          sourcesDay(d),
			Temp:          10 + float64(d%10),
			Pressure:      755 + float64(d%5),
			Humidity:      55,
			Precipitation: float64(d % 4),
			WindAvg:       3.5,
			Cloudcover:    40,
		})
	}
	return src
}

func TestEngine_TrainEndToEnd(t *testing.T) {
	sink := &MockMetrics{}
	eng, _, artifacts, _ := newTestEngine(t, sink)

	metrics, err := eng.Train(context.Background(), fieldSources())
	require.NoError(t, err)

	// S01 contributes 89 labeled rows, S02's labels over 60 days out are
	// dropped, leaving 60.
	assert.Equal(t, 149, metrics.LabeledRows)
	assert.Equal(t, 2, metrics.DistinctStacks)
	assert.Len(t, metrics.Folds, 3)
	assert.GreaterOrEqual(t, metrics.AccuracyWithin2Days, 0.0)
	assert.LessOrEqual(t, metrics.AccuracyWithin2Days, 1.0)
	assert.Greater(t, metrics.RMSE, 0.0)

	health := eng.Health()
	assert.True(t, health.ModelLoaded)
	assert.Equal(t, "20240601-120000", health.ModelVersion)
	require.NotNil(t, health.TrainedAt)

	active, ok := artifacts.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, health.ModelVersion, active.Version)
	assert.Equal(t, 149, active.Summary.LabeledRows)

	report, ok := eng.LastTraining()
	require.True(t, ok)
	assert.Equal(t, active.Version, report.Version)
	assert.Equal(t, 2, report.Merge.Stacks)
	assert.NotEmpty(t, report.TopFeatures)

	assert.Equal(t, 1, sink.trainingRuns)
	assert.Equal(t, 0, sink.trainingFailures)
	assert.Equal(t, 149, sink.labeledRows)
	assert.True(t, sink.modelLoaded)
}

func TestEngine_TrainBusy(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, nil)

	eng.trainMu.Lock()
	_, err := eng.Train(context.Background(), fieldSources())
	eng.trainMu.Unlock()

	assert.ErrorIs(t, err, ml.ErrTrainingInProgress)
}

func TestEngine_TrainFailureLeavesNoModel(t *testing.T) {
	sink := &MockMetrics{}
	eng, _, artifacts, _ := newTestEngine(t, sink)

	// One stack only: chronological validation refuses the set.
	thin := dataset.Sources{
		Temperatures: fieldSources().Temperatures[:30],
		Fires:        []dataset.FireEvent{{StorageID: "WH1", StackID: "S01", StartDate: sourcesDay(45)}},
	}
	_, err := eng.Train(context.Background(), thin)
	require.ErrorIs(t, err, ml.ErrInsufficientData)

	_, ok := artifacts.ActiveVersion()
	assert.False(t, ok, "failed training must not activate an artifact")
	assert.False(t, eng.Health().ModelLoaded)
	assert.Equal(t, 1, sink.trainingFailures)

	// The lock is released: a proper run succeeds afterwards.
	_, err = eng.Train(context.Background(), fieldSources())
	require.NoError(t, err)
	assert.True(t, eng.Health().ModelLoaded)
}

func TestEngine_PredictLifecycle(t *testing.T) {
	eng, store, _, clock := newTestEngine(t, nil)
	ctx := context.Background()

	age := 5.0
	mass := 3000.0
	req := PredictRequest{
		StorageID:       "WH1",
		StackID:         "S01",
		MeasurementDate: sourcesDay(92),
		MaxTemperature:  68,
		PileAgeDays:     &age,
		MassTons:        &mass,
	}

	_, err := eng.Predict(ctx, req)
	assert.ErrorIs(t, err, ml.ErrModelNotLoaded)

	_, err = eng.Train(ctx, fieldSources())
	require.NoError(t, err)

	res, err := eng.Predict(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "S01", res.StackID)
	assert.Equal(t, dataset.Day(sourcesDay(92)), res.MeasurementDate)
	assert.Equal(t, ml.RiskFromTTF(res.PredictedTTFDays), res.RiskLevel)
	assert.GreaterOrEqual(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 1.0)
	require.NotNil(t, res.Input.MassTons)
	assert.Equal(t, mass, *res.Input.MassTons)

	earliest := dataset.Day(sourcesDay(92)).AddDate(0, 0, 3)
	assert.False(t, res.PredictedCombustionDate.Before(earliest),
		"combustion date %s violates the 3-day floor", res.PredictedCombustionDate)

	logged, err := store.StackPredictions("WH1", "S01")
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, res.ID, logged[0].ID)

	clock.Advance(time.Minute)
	_, err = eng.Predict(ctx, req)
	require.NoError(t, err)

	logged, err = store.StackPredictions("WH1", "S01")
	require.NoError(t, err)
	assert.Len(t, logged, 2, "every prediction appends exactly one log entry")
}

func TestEngine_PredictValidation(t *testing.T) {
	eng, store, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	neg := -4.0
	wet := 140.0
	testCases := []struct {
		name string
		req  PredictRequest
	}{
		{"missing storage", PredictRequest{StackID: "S01", MeasurementDate: sourcesDay(1), MaxTemperature: 40}},
		{"missing stack", PredictRequest{StorageID: "WH1", MeasurementDate: sourcesDay(1), MaxTemperature: 40}},
		{"missing date", PredictRequest{StorageID: "WH1", StackID: "S01", MaxTemperature: 40}},
		{"temperature out of range", PredictRequest{StorageID: "WH1", StackID: "S01", MeasurementDate: sourcesDay(1), MaxTemperature: 250}},
		{"negative age", PredictRequest{StorageID: "WH1", StackID: "S01", MeasurementDate: sourcesDay(1), MaxTemperature: 40, PileAgeDays: &neg}},
		{"humidity out of range", PredictRequest{StorageID: "WH1", StackID: "S01", MeasurementDate: sourcesDay(1), MaxTemperature: 40, Humidity: &wet}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Predict(ctx, tc.req)
			assert.Error(t, err)
		})
	}

	recent, err := store.RecentPredictions(10)
	require.NoError(t, err)
	assert.Empty(t, recent, "rejected requests must not reach the log")
}

func TestEngine_LoadActiveSharesArtifact(t *testing.T) {
	eng, store, artifacts, clock := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.Train(ctx, fieldSources())
	require.NoError(t, err)

	req := PredictRequest{
		StorageID:       "WH1",
		StackID:         "S02",
		MeasurementDate: sourcesDay(71),
		MaxTemperature:  75,
	}
	resA, err := eng.Predict(ctx, req)
	require.NoError(t, err)

	// A second process over the same stores resumes from disk.
	other := New(testSettings(t), store, artifacts, nil, clock)
	_, err = other.Predict(ctx, req)
	require.ErrorIs(t, err, ml.ErrModelNotLoaded)
	require.NoError(t, other.LoadActive())

	health := other.Health()
	assert.True(t, health.ModelLoaded)
	assert.Equal(t, eng.Health().ModelVersion, health.ModelVersion)

	resB, err := other.Predict(ctx, req)
	require.NoError(t, err)
	assert.InDelta(t, resA.PredictedTTFDays, resB.PredictedTTFDays, 1e-9,
		"the persisted artifact must predict exactly like the in-memory one")
	assert.Equal(t, resA.RiskLevel, resB.RiskLevel)
}

func TestEngine_LoadActiveEmptyStore(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, nil)
	assert.ErrorIs(t, eng.LoadActive(), storage.ErrNoActiveArtifact)
}

func TestSpliceAsOf(t *testing.T) {
	age := 12.0
	mass := 4000.0
	weather := &dataset.WeatherDay{Date: sourcesDay(10), Temp: 9}
	prev := dataset.StackObservation{
		StorageID:    "WH1",
		StackID:      "S01",
		Date:         sourcesDay(10),
		MeasuredTemp: 40,
		CoalGrade:    "D",
		AgeDays:      &age,
		MassTons:     &mass,
		Weather:      weather,
		PriorFires:   1,
	}

	t.Run("append carries standing state", func(t *testing.T) {
		incoming := dataset.StackObservation{
			StorageID: "WH1", StackID: "S01", Date: sourcesDay(12), MeasuredTemp: 44,
		}
		out := spliceAsOf([]dataset.StackObservation{prev}, incoming)
		require.Len(t, out, 2)

		got := out[1]
		require.NotNil(t, got.AgeDays)
		assert.Equal(t, 14.0, *got.AgeDays, "age advances by the day gap")
		require.NotNil(t, got.MassTons)
		assert.Equal(t, mass, *got.MassTons)
		assert.Equal(t, 1, got.PriorFires)
		assert.Nil(t, got.Weather, "weather never carries across days")
	})

	t.Run("same day replaces and inherits", func(t *testing.T) {
		incoming := dataset.StackObservation{
			StorageID: "WH1", StackID: "S01", Date: sourcesDay(10), MeasuredTemp: 47,
		}
		out := spliceAsOf([]dataset.StackObservation{prev}, incoming)
		require.Len(t, out, 1)

		got := out[0]
		assert.Equal(t, 47.0, got.MeasuredTemp, "fresh reading wins")
		assert.Equal(t, "D", got.CoalGrade)
		require.NotNil(t, got.AgeDays)
		assert.Equal(t, age, *got.AgeDays)
		assert.Equal(t, weather, got.Weather)
		assert.Equal(t, 1, got.PriorFires)
	})

	t.Run("empty history appends as-is", func(t *testing.T) {
		incoming := dataset.StackObservation{
			StorageID: "WH1", StackID: "S01", Date: sourcesDay(3), MeasuredTemp: 30,
		}
		out := spliceAsOf(nil, incoming)
		require.Len(t, out, 1)
		assert.Nil(t, out[0].AgeDays)
	})
}
