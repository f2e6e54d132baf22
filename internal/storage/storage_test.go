package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"coalfire/internal/dataset"
	"coalfire/internal/ml"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func obsAt(stackID string, d int, temp float64) dataset.StackObservation {
	return dataset.StackObservation{
		StorageID:    "WH1",
		StackID:      stackID,
		Date:         time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d),
		MeasuredTemp: temp,
	}
}

func predAt(stackID string, minuteOffset int) ml.PredictionResult {
	created := time.Date(2024, 2, 20, 10, 0, 0, 0, time.UTC).Add(time.Duration(minuteOffset) * time.Minute)
	return ml.PredictionResult{
		ID:               fmt.Sprintf("id-%s-%d", stackID, minuteOffset),
		StorageID:        "WH1",
		StackID:          stackID,
		MeasurementDate:  created.Truncate(24 * time.Hour),
		PredictedTTFDays: 12,
		RiskLevel:        ml.RiskMedium,
		ModelVersion:     "20240220-100000",
		CreatedAt:        created,
	}
}

func TestStore_PutAndQueryObservations(t *testing.T) {
	s := testStore(t)

	batch := make([]dataset.StackObservation, 0, 15)
	for d := 0; d < 10; d++ {
		batch = append(batch, obsAt("S01", d, 20+float64(d)))
	}
	for d := 0; d < 5; d++ {
		batch = append(batch, obsAt("S02", d, 30+float64(d)))
	}
	if err := s.PutObservations(batch); err != nil {
		t.Fatalf("putting observations: %v", err)
	}

	until := time.Date(2024, 2, 7, 15, 30, 0, 0, time.UTC) // day 6, mid-afternoon
	got, err := s.Observations("WH1", "S01", until)
	if err != nil {
		t.Fatalf("querying observations: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("expected 7 rows up to day 6, got %d", len(got))
	}
	for i, o := range got {
		if o.StackID != "S01" {
			t.Errorf("row %d leaked from stack %s", i, o.StackID)
		}
		if o.Date.After(dataset.Day(until)) {
			t.Errorf("row %d dated %s is after the until bound", i, o.Date)
		}
		if i > 0 && !got[i-1].Date.Before(o.Date) {
			t.Errorf("rows out of order at %d: %s then %s", i, got[i-1].Date, o.Date)
		}
	}

	// Re-merging the same sources must not duplicate rows.
	if err := s.PutObservations(batch); err != nil {
		t.Fatalf("re-putting observations: %v", err)
	}
	again, err := s.Observations("WH1", "S01", until)
	if err != nil {
		t.Fatalf("querying observations: %v", err)
	}
	if len(again) != len(got) {
		t.Errorf("upsert duplicated rows: %d then %d", len(got), len(again))
	}

	// Upsert overwrites in place.
	patched := obsAt("S01", 3, 99)
	if err := s.PutObservations([]dataset.StackObservation{patched}); err != nil {
		t.Fatalf("patching observation: %v", err)
	}
	after, err := s.Observations("WH1", "S01", until)
	if err != nil {
		t.Fatalf("querying observations: %v", err)
	}
	if after[3].MeasuredTemp != 99 {
		t.Errorf("expected overwritten temperature 99, got %f", after[3].MeasuredTemp)
	}

	empty, err := s.Observations("WH1", "S99", until)
	if err != nil {
		t.Fatalf("querying unknown stack: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no rows for unknown stack, got %d", len(empty))
	}
}

func TestStore_AllObservations(t *testing.T) {
	s := testStore(t)

	batch := []dataset.StackObservation{
		obsAt("S01", 0, 20), obsAt("S01", 1, 21),
		obsAt("S02", 0, 30),
	}
	if err := s.PutObservations(batch); err != nil {
		t.Fatalf("putting observations: %v", err)
	}

	count := 0
	err := s.AllObservations(func(o dataset.StackObservation) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("streaming observations: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 streamed rows, got %d", count)
	}

	stop := fmt.Errorf("stop")
	err = s.AllObservations(func(dataset.StackObservation) error { return stop })
	if err != stop {
		t.Errorf("expected callback error to propagate, got %v", err)
	}
}

func TestStore_PredictionLogAppendOnly(t *testing.T) {
	s := testStore(t)

	before, err := s.StackPredictions("WH1", "S01")
	if err != nil {
		t.Fatalf("reading empty log: %v", err)
	}
	if len(before) != 0 {
		t.Fatalf("expected empty log, got %d entries", len(before))
	}

	// Interleave two stacks so creation time and key order disagree.
	for i, p := range []ml.PredictionResult{
		predAt("S02", 0), predAt("S01", 1), predAt("S02", 2), predAt("S01", 3),
	} {
		if err := s.AppendPrediction(p); err != nil {
			t.Fatalf("appending prediction %d: %v", i, err)
		}
		all, err := s.RecentPredictions(100)
		if err != nil {
			t.Fatalf("reading log: %v", err)
		}
		if len(all) != i+1 {
			t.Fatalf("append %d: expected log size %d, got %d", i, i+1, len(all))
		}
	}

	recent, err := s.RecentPredictions(2)
	if err != nil {
		t.Fatalf("reading recent predictions: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].ID != "id-S01-3" || recent[1].ID != "id-S02-2" {
		t.Errorf("expected newest-first across stacks, got %s then %s", recent[0].ID, recent[1].ID)
	}

	s01, err := s.StackPredictions("WH1", "S01")
	if err != nil {
		t.Fatalf("reading stack log: %v", err)
	}
	if len(s01) != 2 {
		t.Fatalf("expected 2 entries for S01, got %d", len(s01))
	}
	if s01[0].ID != "id-S01-1" || s01[1].ID != "id-S01-3" {
		t.Errorf("expected oldest-first per stack, got %s then %s", s01[0].ID, s01[1].ID)
	}
	for _, p := range s01 {
		if p.StackID != "S01" {
			t.Errorf("stack log leaked entry for %s", p.StackID)
		}
	}
}

func TestStore_NewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "history.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("expected nested directories to be created: %v", err)
	}
	defer s.Close()

	if err := s.PutObservations([]dataset.StackObservation{obsAt("S01", 0, 20)}); err != nil {
		t.Errorf("writing to nested store: %v", err)
	}
}

func TestStore_CloseWithoutOpen(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("expected nil closing an unopened store, got %v", err)
	}
}

func TestStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := s.PutObservations([]dataset.StackObservation{obsAt("S01", 0, 42)}); err != nil {
		t.Fatalf("putting observation: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("closing store: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Observations("WH1", "S01", obsAt("S01", 0, 0).Date)
	if err != nil {
		t.Fatalf("querying reopened store: %v", err)
	}
	if len(got) != 1 || got[0].MeasuredTemp != 42 {
		t.Errorf("expected the persisted row back, got %+v", got)
	}
}
