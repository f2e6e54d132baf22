package ml

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"coalfire/internal/cfg"
	"coalfire/internal/features"
)

// accuracyToleranceDays is the fixed band for the accuracy-within metric: a
// prediction counts as accurate when |predicted - actual| <= 2 days.
const accuracyToleranceDays = 2.0

// minDistinctStacks guards against a training set dominated by one pile,
// which chronological folds cannot validate meaningfully.
const minDistinctStacks = 2

// FoldMetrics is the evaluation of one chronological fold.
type FoldMetrics struct {
	Fold                int     `json:"fold"`
	TrainRows           int     `json:"train_rows"`
	TestRows            int     `json:"test_rows"`
	MAE                 float64 `json:"mae"`
	RMSE                float64 `json:"rmse"`
	AccuracyWithin2Days float64 `json:"accuracy_within_2_days"`
}

// Metrics aggregates fold evaluations: mean and population standard
// deviation per metric, with the per-fold values retained.
type Metrics struct {
	MAE                    float64       `json:"mae"`
	MAEStd                 float64       `json:"mae_std"`
	RMSE                   float64       `json:"rmse"`
	RMSEStd                float64       `json:"rmse_std"`
	AccuracyWithin2Days    float64       `json:"accuracy_within_2_days"`
	AccuracyWithin2DaysStd float64       `json:"accuracy_within_2_days_std"`
	Folds                  []FoldMetrics `json:"folds"`
	LabeledRows            int           `json:"labeled_rows"`
	DistinctStacks         int           `json:"distinct_stacks"`
}

// CrossValidator runs expanding-window chronological k-fold evaluation and
// refits the final model on the full labeled set.
type CrossValidator struct {
	params cfg.TrainingParams
}

func NewCrossValidator(params cfg.TrainingParams) *CrossValidator {
	return &CrossValidator{params: params}
}

// Run evaluates the forest hyperparameters over chronological folds of the
// training set, then fits the returned forest on every labeled row. The set
// must already be sorted by ascending observation date; Builder.Matrix
// guarantees that ordering.
//
// Fold arithmetic follows the expanding-window scheme: with k folds the test
// block size is n/(k+1), fold i validates on the (i+1)-th block from the end
// and trains on everything before it. Rows are never shuffled.
func (cv *CrossValidator) Run(ctx context.Context, set *features.TrainingSet) (*Forest, Metrics, error) {
	n := len(set.X)
	if n < cv.params.MinTrainRows {
		return nil, Metrics{}, fmt.Errorf("%w: %d labeled rows, need at least %d",
			ErrInsufficientData, n, cv.params.MinTrainRows)
	}
	stacks := set.DistinctStacks()
	if stacks < minDistinctStacks {
		return nil, Metrics{}, fmt.Errorf("%w: %d distinct stacks, need at least %d",
			ErrInsufficientData, stacks, minDistinctStacks)
	}

	folds := cv.params.Folds
	testSize := n / (folds + 1)
	if testSize == 0 {
		return nil, Metrics{}, fmt.Errorf("%w: %d rows cannot form %d chronological folds",
			ErrInsufficientData, n, folds)
	}

	fp := cv.forestParams()
	m := Metrics{
		Folds:          make([]FoldMetrics, 0, folds),
		LabeledRows:    n,
		DistinctStacks: stacks,
	}

	maes := make([]float64, 0, folds)
	rmses := make([]float64, 0, folds)
	accs := make([]float64, 0, folds)

	for i := 0; i < folds; i++ {
		if err := ctx.Err(); err != nil {
			return nil, Metrics{}, err
		}

		testStart := n - (folds-i)*testSize
		testEnd := testStart + testSize
		if testStart <= 0 {
			return nil, Metrics{}, fmt.Errorf("%w: fold %d has no training rows", ErrInsufficientData, i)
		}

		forest, err := FitForest(set.X[:testStart], set.Y[:testStart], fp)
		if err != nil {
			return nil, Metrics{}, fmt.Errorf("fold %d fit: %w", i, err)
		}

		fm, err := evaluateFold(forest, set.X[testStart:testEnd], set.Y[testStart:testEnd])
		if err != nil {
			return nil, Metrics{}, fmt.Errorf("fold %d evaluation: %w", i, err)
		}
		fm.Fold = i
		fm.TrainRows = testStart
		fm.TestRows = testEnd - testStart
		m.Folds = append(m.Folds, fm)

		maes = append(maes, fm.MAE)
		rmses = append(rmses, fm.RMSE)
		accs = append(accs, fm.AccuracyWithin2Days)

		log.Debug().
			Int("fold", i).
			Int("trainRows", fm.TrainRows).
			Int("testRows", fm.TestRows).
			Float64("mae", fm.MAE).
			Float64("rmse", fm.RMSE).
			Float64("accWithin2d", fm.AccuracyWithin2Days).
			Msg("cross-validation fold complete")
	}

	m.MAE, m.MAEStd = meanStd(maes)
	m.RMSE, m.RMSEStd = meanStd(rmses)
	m.AccuracyWithin2Days, m.AccuracyWithin2DaysStd = meanStd(accs)

	// Final model sees every labeled row; the reported metrics stay the
	// out-of-sample fold aggregates.
	final, err := FitForest(set.X, set.Y, fp)
	if err != nil {
		return nil, Metrics{}, fmt.Errorf("final fit: %w", err)
	}
	return final, m, nil
}

func (cv *CrossValidator) forestParams() ForestParams {
	return ForestParams{
		Trees:       cv.params.Trees,
		MaxDepth:    cv.params.MaxDepth,
		MinSplit:    cv.params.MinSplit,
		MinLeaf:     cv.params.MinLeaf,
		MaxFeatures: cv.params.MaxFeatures,
		Seed:        cv.params.Seed,
	}
}

func evaluateFold(forest *Forest, x [][]float64, y []float64) (FoldMetrics, error) {
	var absSum, sqSum float64
	hits := 0
	for i := range x {
		pred, err := forest.Predict(x[i])
		if err != nil {
			return FoldMetrics{}, err
		}
		diff := pred - y[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
		if math.Abs(diff) <= accuracyToleranceDays {
			hits++
		}
	}
	n := float64(len(x))
	return FoldMetrics{
		MAE:                 absSum / n,
		RMSE:                math.Sqrt(sqSum / n),
		AccuracyWithin2Days: float64(hits) / n,
	}, nil
}

// meanStd returns the mean and population standard deviation.
func meanStd(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	m := meanOf(v)
	varSum := 0.0
	for _, x := range v {
		d := x - m
		varSum += d * d
	}
	return m, math.Sqrt(varSum / float64(len(v)))
}
