package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"coalfire/internal/cfg"
	"coalfire/internal/dataset"
)

// Builder turns one stack's observation history, as of a given date, into a
// fixed-schema feature vector. It holds no mutable state: identical history
// and as-of date always produce bit-identical vectors.
type Builder struct {
	params cfg.FeatureParams
	schema Schema
}

func NewBuilder(params cfg.FeatureParams) *Builder {
	return &Builder{
		params: params,
		schema: BuildSchema(params),
	}
}

func (b *Builder) Schema() Schema {
	return b.schema
}

// TrainingSet is the feature matrix with parallel labels, dates and stack
// keys, sorted by ascending observation date for chronological splitting.
type TrainingSet struct {
	X      [][]float64
	Y      []float64
	Dates  []time.Time
	Stacks []dataset.StackKey
}

// DistinctStacks counts the unique stacks contributing rows.
func (t *TrainingSet) DistinctStacks() int {
	seen := make(map[dataset.StackKey]struct{}, 8)
	for _, k := range t.Stacks {
		seen[k] = struct{}{}
	}
	return len(seen)
}

// Vector builds the feature vector for the observation at asOf. History must
// belong to a single stack, sorted by ascending date, and contain a row dated
// exactly at asOf (the measurement being scored). Nothing dated after asOf
// influences any slot; per-stack aggregates use strictly earlier rows only.
func (b *Builder) Vector(history []dataset.StackObservation, asOf time.Time) ([]float64, error) {
	day := dataset.Day(asOf)

	var cur *dataset.StackObservation
	for i := range history {
		if history[i].Date.Equal(day) {
			cur = &history[i]
			break
		}
	}
	if cur == nil {
		return nil, fmt.Errorf("features: no observation dated %s in history", day.Format("2006-01-02"))
	}

	d := b.params.Defaults
	temp := cur.MeasuredTemp
	age := orDefault(cur.AgeDays, d.AgeDays)
	mass := orDefault(cur.MassTons, d.MassTons)

	wTemp := weatherValue(cur, func(w dataset.WeatherDay) float64 { return w.Temp }, d.AirTemp)
	wPressure := weatherValue(cur, func(w dataset.WeatherDay) float64 { return w.Pressure }, d.Pressure)
	wHumidity := weatherValue(cur, func(w dataset.WeatherDay) float64 { return w.Humidity }, d.Humidity)
	wPrecip := weatherValue(cur, func(w dataset.WeatherDay) float64 { return w.Precipitation }, d.Precipitation)
	wWind := weatherValue(cur, func(w dataset.WeatherDay) float64 { return w.WindAvg }, d.WindSpeed)
	wCloud := weatherValue(cur, func(w dataset.WeatherDay) float64 { return w.Cloudcover }, d.Cloudcover)

	tempField := func(o dataset.StackObservation) (float64, bool) { return o.MeasuredTemp, true }
	weatherField := func(pick func(dataset.WeatherDay) float64) fieldFn {
		return func(o dataset.StackObservation) (float64, bool) {
			if o.Weather == nil {
				return 0, false
			}
			v := pick(*o.Weather)
			if math.IsNaN(v) {
				return 0, false
			}
			return v, true
		}
	}

	vec := make([]float64, 0, b.schema.Size())

	// Temperature dynamics
	vec = append(vec, temp)
	for _, w := range b.params.WindowDays {
		mean, std, max, _ := windowStats(history, day, w, tempField, temp)
		vec = append(vec, mean, std, max)
	}
	lag1, ok := lagValue(history, day, 1, tempField)
	if !ok {
		lag1 = temp
	}
	vec = append(vec, temp-lag1)
	for _, l := range b.params.LagDays {
		if l <= 1 {
			continue
		}
		lagN, ok := lagValue(history, day, l, tempField)
		if !ok {
			lagN = temp
		}
		vec = append(vec, (temp-lagN)/float64(l))
	}
	for _, l := range b.params.LagDays {
		lagN, ok := lagValue(history, day, l, tempField)
		if !ok {
			lagN = temp
		}
		vec = append(vec, lagN)
	}
	vec = append(vec, boolSlot(temp > 35), boolSlot(temp > 45), boolSlot(temp > 60))

	// Weather, same day and rolling
	vec = append(vec, wTemp, wPressure, wHumidity, wPrecip, wWind, wCloud, temp-wTemp)
	for _, w := range b.params.WindowDays {
		mean, _, _, _ := windowStats(history, day, w, weatherField(func(wd dataset.WeatherDay) float64 { return wd.Temp }), wTemp)
		vec = append(vec, mean)
	}
	for _, w := range b.params.WindowDays {
		mean, _, _, _ := windowStats(history, day, w, weatherField(func(wd dataset.WeatherDay) float64 { return wd.Humidity }), wHumidity)
		vec = append(vec, mean)
	}
	precipSums := make([]float64, 0, len(b.params.WindowDays))
	for _, w := range b.params.WindowDays {
		_, _, _, sum := windowStats(history, day, w, weatherField(func(wd dataset.WeatherDay) float64 { return wd.Precipitation }), wPrecip)
		precipSums = append(precipSums, sum)
		vec = append(vec, sum)
	}
	for _, w := range b.params.WindowDays {
		mean, _, _, _ := windowStats(history, day, w, weatherField(func(wd dataset.WeatherDay) float64 { return wd.WindAvg }), wWind)
		vec = append(vec, mean)
	}
	lastWindow := b.params.WindowDays[len(b.params.WindowDays)-1]
	dryDays := countWhere(history, day, lastWindow,
		weatherField(func(wd dataset.WeatherDay) float64 { return wd.Precipitation }),
		func(v float64) bool { return v < 0.1 })
	vec = append(vec, float64(dryDays))

	// Logistics
	vec = append(vec, age, math.Log1p(age), mass, math.Log1p(mass), mass/(age+1))

	// Composite indices; the weights are operator-tuned configuration
	p := b.params
	thermalStress := p.ThermalTempWeight*temp + p.ThermalAgeWeight*age + p.ThermalCrossWeight*temp*age/100
	deficit := p.PrecipNormPerDay*float64(lastWindow) - precipSums[len(precipSums)-1]
	if deficit < 0 {
		deficit = 0
	}
	dryness := p.DrynessWindWeight*wWind*(100-wHumidity) + p.DrynessDeficitWeight*deficit
	vec = append(vec,
		thermalStress,
		dryness,
		temp*(100-wHumidity),
		temp*wWind*(100-wHumidity)/100,
		temp*math.Log1p(mass),
		age*math.Log1p(mass),
	)

	// Temporal ordinals
	vec = append(vec,
		float64(day.Month()),
		float64(day.Weekday()),
		season(day),
		float64(day.YearDay()),
	)

	// Per-stack aggregates, strictly before the as-of date
	histMean, histMax, histCount := historyStats(history, day, temp)
	vec = append(vec, histMean, histMax, float64(histCount), float64(cur.PriorFires))

	if len(vec) != b.schema.Size() {
		return nil, fmt.Errorf("%w: built %d slots, schema %s has %d",
			ErrFeatureMismatch, len(vec), b.schema.Version, b.schema.Size())
	}
	return vec, nil
}

// Matrix builds the training set from a merged observation table. Only rows
// with a label inside [0, maxLabelDays] contribute; each row's vector sees
// that stack's history up to the row itself, never beyond.
func (b *Builder) Matrix(obs []dataset.StackObservation, maxLabelDays int) (*TrainingSet, error) {
	groups := make(map[dataset.StackKey][]dataset.StackObservation)
	order := make([]dataset.StackKey, 0, 8)
	for _, o := range obs {
		key := o.Key()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], o)
	}

	set := &TrainingSet{}
	for _, key := range order {
		hist := groups[key]
		for i, row := range hist {
			if row.DaysUntilFire == nil {
				continue
			}
			label := *row.DaysUntilFire
			if label < 0 || label > float64(maxLabelDays) {
				continue
			}
			vec, err := b.Vector(hist[:i+1], row.Date)
			if err != nil {
				return nil, err
			}
			set.X = append(set.X, vec)
			set.Y = append(set.Y, label)
			set.Dates = append(set.Dates, row.Date)
			set.Stacks = append(set.Stacks, key)
		}
	}

	sortTrainingSet(set)
	return set, nil
}

func sortTrainingSet(set *TrainingSet) {
	idx := make([]int, len(set.X))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		i, j := idx[a], idx[b]
		if !set.Dates[i].Equal(set.Dates[j]) {
			return set.Dates[i].Before(set.Dates[j])
		}
		return set.Stacks[i].String() < set.Stacks[j].String()
	})

	x := make([][]float64, len(idx))
	y := make([]float64, len(idx))
	dates := make([]time.Time, len(idx))
	stacks := make([]dataset.StackKey, len(idx))
	for pos, i := range idx {
		x[pos] = set.X[i]
		y[pos] = set.Y[i]
		dates[pos] = set.Dates[i]
		stacks[pos] = set.Stacks[i]
	}
	set.X, set.Y, set.Dates, set.Stacks = x, y, dates, stacks
}

func weatherValue(o *dataset.StackObservation, pick func(dataset.WeatherDay) float64, def float64) float64 {
	if o.Weather == nil {
		return def
	}
	v := pick(*o.Weather)
	if math.IsNaN(v) {
		return def
	}
	return v
}

func orDefault(p *float64, def float64) float64 {
	if p == nil || math.IsNaN(*p) {
		return def
	}
	return *p
}

func boolSlot(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// season maps the date to 0..3 starting at winter (Dec..Feb).
func season(t time.Time) float64 {
	switch t.Month() {
	case time.December, time.January, time.February:
		return 0
	case time.March, time.April, time.May:
		return 1
	case time.June, time.July, time.August:
		return 2
	default:
		return 3
	}
}
