package features

import (
	"math"
	"time"

	"coalfire/internal/dataset"
)

// fieldFn extracts one numeric field from an observation. ok=false means the
// field is absent on that row and the row drops out of the aggregate.
type fieldFn func(o dataset.StackObservation) (float64, bool)

// windowStats aggregates a field over the trailing calendar window
// [asOf-(days-1), asOf], inclusive. History must be one stack sorted by
// ascending date. With no usable sample the fill-with-current policy applies:
// mean, max and sum degrade to the fallback value and std to 0.
func windowStats(hist []dataset.StackObservation, asOf time.Time, days int, field fieldFn, fallback float64) (mean, std, max, sum float64) {
	from := asOf.AddDate(0, 0, -(days - 1))
	var (
		n     int
		total float64
		sqSum float64
	)
	max = math.Inf(-1)
	for _, o := range hist {
		if o.Date.After(asOf) {
			break
		}
		if o.Date.Before(from) {
			continue
		}
		v, ok := field(o)
		if !ok {
			continue
		}
		n++
		total += v
		sqSum += v * v
		if v > max {
			max = v
		}
	}
	if n == 0 {
		return fallback, 0, fallback, fallback
	}
	mean = total / float64(n)
	variance := sqSum/float64(n) - mean*mean
	if variance < 0 {
		variance = 0 // floating-point guard
	}
	return mean, math.Sqrt(variance), max, total
}

// lagValue returns the field at the latest observation dated at or before
// asOf minus lagDays. ok=false when no such observation carries the field.
func lagValue(hist []dataset.StackObservation, asOf time.Time, lagDays int, field fieldFn) (float64, bool) {
	cutoff := asOf.AddDate(0, 0, -lagDays)
	var (
		val   float64
		found bool
	)
	for _, o := range hist {
		if o.Date.After(cutoff) {
			break
		}
		if v, ok := field(o); ok {
			val, found = v, true
		}
	}
	return val, found
}

// countWhere counts window observations satisfying pred. Rows without the
// field do not count either way.
func countWhere(hist []dataset.StackObservation, asOf time.Time, days int, field fieldFn, pred func(float64) bool) int {
	from := asOf.AddDate(0, 0, -(days - 1))
	n := 0
	for _, o := range hist {
		if o.Date.After(asOf) {
			break
		}
		if o.Date.Before(from) {
			continue
		}
		if v, ok := field(o); ok && pred(v) {
			n++
		}
	}
	return n
}

// historyStats aggregates measured temperature strictly before asOf, for the
// leakage-safe per-stack aggregates. Empty prior history falls back to the
// current value with a zero count.
func historyStats(hist []dataset.StackObservation, asOf time.Time, fallback float64) (mean, max float64, count int) {
	var total float64
	max = math.Inf(-1)
	for _, o := range hist {
		if !o.Date.Before(asOf) {
			break
		}
		count++
		total += o.MeasuredTemp
		if o.MeasuredTemp > max {
			max = o.MeasuredTemp
		}
	}
	if count == 0 {
		return fallback, fallback, 0
	}
	return total / float64(count), max, count
}
