package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"coalfire/internal/dataset"
	"coalfire/internal/features"
	"coalfire/internal/ml"
)

// TrainingReport bundles everything an operator wants to see after a run.
type TrainingReport struct {
	Version     string              `json:"version"`
	TrainedAt   time.Time           `json:"trained_at"`
	Merge       dataset.MergeReport `json:"merge"`
	Metrics     ml.Metrics          `json:"metrics"`
	TopFeatures []FeatureWeight     `json:"top_features"`
}

// FeatureWeight pairs a schema slot name with its normalized importance.
type FeatureWeight struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// topFeatures joins the forest's importances with the schema names and keeps
// the n heaviest.
func topFeatures(schema features.Schema, importances []float64, n int) []FeatureWeight {
	out := make([]FeatureWeight, 0, len(importances))
	for i, w := range importances {
		if i >= len(schema.Names) {
			break
		}
		out = append(out, FeatureWeight{Name: schema.Names[i], Weight: w})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// WriteReport renders the run into outputDir: a human-readable summary and a
// JSON metrics file.
func WriteReport(outputDir string, rep TrainingReport) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	if err := writeSummary(filepath.Join(outputDir, "training_summary.txt"), rep); err != nil {
		return err
	}
	return writeJSON(filepath.Join(outputDir, "training_metrics.json"), rep)
}

func writeSummary(path string, rep TrainingReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	fmt.Fprintf(file, "TRAINING RUN SUMMARY\n")
	fmt.Fprintf(file, "====================\n\n")
	fmt.Fprintf(file, "Model Version: %s\n", rep.Version)
	fmt.Fprintf(file, "Trained At: %s\n\n", rep.TrainedAt.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(file, "SOURCE DATA\n")
	fmt.Fprintf(file, "-----------\n")
	fmt.Fprintf(file, "Merged Rows: %d\n", rep.Merge.Rows)
	fmt.Fprintf(file, "Labeled Rows: %d\n", rep.Merge.LabeledRows)
	fmt.Fprintf(file, "Stacks: %d\n", rep.Merge.Stacks)
	fmt.Fprintf(file, "Skipped Readings: %d\n", rep.Merge.SkippedReadings)
	fmt.Fprintf(file, "Skipped Supplies: %d\n", rep.Merge.SkippedSupplies)
	fmt.Fprintf(file, "Skipped Fires: %d\n", rep.Merge.SkippedFires)
	fmt.Fprintf(file, "Weather Gaps: %d\n\n", rep.Merge.WeatherGaps)

	fmt.Fprintf(file, "CROSS-VALIDATION (chronological, %d folds)\n", len(rep.Metrics.Folds))
	fmt.Fprintf(file, "------------------------------------------\n")
	fmt.Fprintf(file, "MAE: %.2f days (std %.2f)\n", rep.Metrics.MAE, rep.Metrics.MAEStd)
	fmt.Fprintf(file, "RMSE: %.2f days (std %.2f)\n", rep.Metrics.RMSE, rep.Metrics.RMSEStd)
	fmt.Fprintf(file, "Accuracy within 2 days: %.1f%% (std %.1f%%)\n\n",
		rep.Metrics.AccuracyWithin2Days*100, rep.Metrics.AccuracyWithin2DaysStd*100)

	fmt.Fprintf(file, "PER-FOLD RESULTS\n")
	fmt.Fprintf(file, "----------------\n")
	for _, f := range rep.Metrics.Folds {
		fmt.Fprintf(file, "Fold %d: train=%d test=%d mae=%.2f rmse=%.2f acc2d=%.1f%%\n",
			f.Fold, f.TrainRows, f.TestRows, f.MAE, f.RMSE, f.AccuracyWithin2Days*100)
	}

	if len(rep.TopFeatures) > 0 {
		fmt.Fprintf(file, "\nTOP FEATURES\n")
		fmt.Fprintf(file, "------------\n")
		for _, fw := range rep.TopFeatures {
			fmt.Fprintf(file, "%-24s %.4f\n", fw.Name, fw.Weight)
		}
	}
	return nil
}

func writeJSON(path string, rep TrainingReport) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// PrintSummary logs the headline numbers of a run.
func PrintSummary(rep TrainingReport) {
	log.Info().
		Str("version", rep.Version).
		Int("rows", rep.Merge.Rows).
		Int("labeled", rep.Metrics.LabeledRows).
		Int("stacks", rep.Metrics.DistinctStacks).
		Float64("mae", rep.Metrics.MAE).
		Float64("rmse", rep.Metrics.RMSE).
		Float64("accWithin2d", rep.Metrics.AccuracyWithin2Days).
		Msg("training run summary")
}
