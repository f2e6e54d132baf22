package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"coalfire/internal/cfg"
)

func testWeatherParams(baseURL string) cfg.WeatherParams {
	return cfg.WeatherParams{
		Enabled:   true,
		BaseURL:   baseURL,
		Latitude:  51.53,
		Longitude: 46.0,
		Timeout:   2 * time.Second,
	}
}

// archivePayload is two days of hourly series, two hours each.
func archivePayload() map[string]any {
	return map[string]any{
		"hourly": map[string]any{
			"time": []string{
				"2024-01-01T00:00", "2024-01-01T01:00",
				"2024-01-02T00:00", "2024-01-02T01:00",
			},
			"temperature_2m":       []float64{10, 14, 20, 22},
			"relative_humidity_2m": []float64{50, 60, 70, 80},
			"surface_pressure":     []float64{1000, 1010, 1000, 1000},
			"precipitation":        []float64{0.5, 1.0, 0, 2},
			"cloud_cover":          []float64{20, 40, 60, 80},
			"wind_speed_10m":       []float64{2, 4, 6, 8},
		},
	}
}

func TestWeatherClient_FetchDailyRange(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"start_date":      q.Get("start_date"),
			"end_date":        q.Get("end_date"),
			"timezone":        q.Get("timezone"),
			"wind_speed_unit": q.Get("wind_speed_unit"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(archivePayload())
	}))
	defer srv.Close()

	client := NewWeatherClient(testWeatherParams(srv.URL))
	days, err := client.FetchDailyRange(context.Background(),
		time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotQuery["start_date"] != "2024-01-01" || gotQuery["end_date"] != "2024-01-02" {
		t.Errorf("unexpected date range: %+v", gotQuery)
	}
	if gotQuery["timezone"] != "UTC" || gotQuery["wind_speed_unit"] != "ms" {
		t.Errorf("unexpected fixed query params: %+v", gotQuery)
	}

	if len(days) != 2 {
		t.Fatalf("expected 2 daily rows, got %d", len(days))
	}

	day1 := days[0]
	if !day1.Date.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected first day: %s", day1.Date)
	}
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"temp mean", day1.Temp, 12},
		{"humidity mean", day1.Humidity, 55},
		{"pressure mean in mmHg", day1.Pressure, 1005 * 0.750062},
		{"precipitation sum", day1.Precipitation, 1.5},
		{"cloud mean", day1.Cloudcover, 30},
		{"wind mean", day1.WindAvg, 3},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s = %f, want %f", c.name, c.got, c.want)
		}
	}

	day2 := days[1]
	if math.Abs(day2.Precipitation-2) > 1e-9 || math.Abs(day2.Temp-21) > 1e-9 {
		t.Errorf("unexpected second day aggregates: %+v", day2)
	}
}

func TestWeatherClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "archive unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewWeatherClient(testWeatherParams(srv.URL))
	_, err := client.FetchDailyRange(context.Background(), time.Now(), time.Now())
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestWeatherClient_RaggedSeriesRejected(t *testing.T) {
	payload := archivePayload()
	payload["hourly"].(map[string]any)["wind_speed_10m"] = []float64{2}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	client := NewWeatherClient(testWeatherParams(srv.URL))
	_, err := client.FetchDailyRange(context.Background(), time.Now(), time.Now())
	if err == nil {
		t.Fatal("expected error on mismatched series lengths")
	}
}

func TestWeatherClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "archive unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewWeatherClient(testWeatherParams(srv.URL))

	var lastErr error
	for i := 0; i < 8; i++ {
		_, lastErr = client.FetchDailyRange(context.Background(), time.Now(), time.Now())
		if lastErr == nil {
			t.Fatal("expected every call to fail")
		}
	}

	// The breaker trips after six consecutive failures; later calls never
	// reach the upstream.
	if got := hits.Load(); got != 6 {
		t.Errorf("expected 6 upstream hits before the breaker opened, got %d", got)
	}
	if !errors.Is(lastErr, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState once open, got %v", lastErr)
	}
}

func TestLoadSourcesWithFallback_FetchesWhenWeatherAbsent(t *testing.T) {
	var gotQuery map[string]string
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		q := r.URL.Query()
		gotQuery = map[string]string{
			"start_date": q.Get("start_date"),
			"end_date":   q.Get("end_date"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(archivePayload())
	}))
	defer srv.Close()

	client := NewWeatherClient(testWeatherParams(srv.URL))
	dir := writeSourceDir(t, false)

	src, err := LoadSourcesWithFallback(context.Background(), dir, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(src.Weather) != 2 {
		t.Errorf("expected 2 fetched weather days, got %d", len(src.Weather))
	}
	// The fetched range spans the temperature readings.
	if gotQuery["start_date"] != "2024-01-05" || gotQuery["end_date"] != "2024-01-06" {
		t.Errorf("unexpected fetch range: %+v", gotQuery)
	}
	if len(src.Supplies) != 1 || len(src.Temperatures) != 2 || len(src.Fires) != 1 {
		t.Errorf("unexpected bundle sizes: %+v", src)
	}
}

func TestLoadSourcesWithFallback_PrefersLocalFile(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(archivePayload())
	}))
	defer srv.Close()

	client := NewWeatherClient(testWeatherParams(srv.URL))
	dir := writeSourceDir(t, true)

	src, err := LoadSourcesWithFallback(context.Background(), dir, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("expected no archive calls with weather.csv present, got %d", hits.Load())
	}
	if len(src.Weather) != 2 {
		t.Errorf("expected 2 local weather days, got %d", len(src.Weather))
	}
}

func TestLoadSourcesWithFallback_NilClient(t *testing.T) {
	dir := writeSourceDir(t, false)
	if _, err := LoadSourcesWithFallback(context.Background(), dir, nil); err == nil {
		t.Error("expected error with no weather file and no client")
	}
}
