package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"coalfire/internal/common"
)

// ErrDataIntegrity marks source data the pipeline cannot work with: a whole
// required table is unusable. Individually malformed rows are skipped and
// counted instead.
var ErrDataIntegrity = errors.New("data integrity")

// Merger fuses the four raw tables into one observation row per (stack,
// date). Tie-break rules: the latest supply at or before the observation
// date wins for age, supply masses accumulate, duplicate same-day
// temperature readings collapse to the maximum, and the label uses the
// earliest fire at or after the observation date. Identical inputs always
// produce an identical table.
type Merger struct{}

func NewMerger() *Merger {
	return &Merger{}
}

// MergeReport summarizes one merge pass.
type MergeReport struct {
	Rows            int `json:"rows"`
	LabeledRows     int `json:"labeled_rows"`
	SkippedReadings int `json:"skipped_readings"`
	SkippedSupplies int `json:"skipped_supplies"`
	SkippedFires    int `json:"skipped_fires"`
	WeatherGaps     int `json:"weather_gaps"`
	Stacks          int `json:"stacks"`
}

// Merge builds the observation table. It fails only when no usable
// temperature reading survives cleaning; every other gap degrades to nil
// fields on the affected rows.
func (m *Merger) Merge(src Sources) ([]StackObservation, MergeReport, error) {
	var report MergeReport

	readings := m.cleanReadings(src.Temperatures, &report)
	if len(readings) == 0 {
		return nil, report, fmt.Errorf("%w: no usable temperature readings", ErrDataIntegrity)
	}

	supplies := m.cleanSupplies(src.Supplies, &report)
	fires := m.cleanFires(src.Fires, &report)
	weather := weatherByDay(src.Weather)

	collapsed := collapseSameDay(readings)

	obs := make([]StackObservation, 0, len(collapsed))
	for _, r := range collapsed {
		key := StackKey{StorageID: r.StorageID, StackID: r.StackID}
		date := Day(r.ActDate)

		row := StackObservation{
			StorageID:    r.StorageID,
			StackID:      r.StackID,
			Date:         date,
			MeasuredTemp: r.MaxTemperature,
			CoalGrade:    r.CoalGrade,
		}

		if age, mass, ok := supplyAsOf(supplies[key], date); ok {
			a, ms := float64(age), mass
			row.AgeDays = &a
			row.MassTons = &ms
		}

		if w, ok := weather[date]; ok {
			snapshot := w
			row.Weather = &snapshot
		} else {
			report.WeatherGaps++
		}

		row.PriorFires, row.DaysUntilFire = fireLabel(fires[key], date)

		obs = append(obs, row)
	}

	sort.Slice(obs, func(i, j int) bool {
		if obs[i].StorageID != obs[j].StorageID {
			return obs[i].StorageID < obs[j].StorageID
		}
		if obs[i].StackID != obs[j].StackID {
			return obs[i].StackID < obs[j].StackID
		}
		return obs[i].Date.Before(obs[j].Date)
	})

	report.Rows = len(obs)
	stacks := make(map[StackKey]struct{})
	for _, o := range obs {
		stacks[o.Key()] = struct{}{}
		if o.DaysUntilFire != nil {
			report.LabeledRows++
		}
	}
	report.Stacks = len(stacks)

	log.Info().
		Int("rows", report.Rows).
		Int("labeled", report.LabeledRows).
		Int("stacks", report.Stacks).
		Int("weather_gaps", report.WeatherGaps).
		Msg("observation table merged")

	return obs, report, nil
}

func (m *Merger) cleanReadings(in []TemperatureRecord, report *MergeReport) []TemperatureRecord {
	out := make([]TemperatureRecord, 0, len(in))
	for _, r := range in {
		if r.StorageID == "" || r.StackID == "" || r.ActDate.IsZero() ||
			math.IsNaN(r.MaxTemperature) || math.IsInf(r.MaxTemperature, 0) ||
			r.MaxTemperature < common.MinTemperatureC || r.MaxTemperature > common.MaxTemperatureC {
			report.SkippedReadings++
			log.Warn().
				Str("storage", r.StorageID).
				Str("stack", r.StackID).
				Time("act_date", r.ActDate).
				Float64("temp", r.MaxTemperature).
				Msg("skipping malformed temperature reading")
			continue
		}
		out = append(out, r)
	}
	return out
}

func (m *Merger) cleanSupplies(in []SupplyRecord, report *MergeReport) map[StackKey][]SupplyRecord {
	grouped := make(map[StackKey][]SupplyRecord)
	for _, s := range in {
		if s.StorageID == "" || s.StackID == "" || s.LoadDate.IsZero() ||
			math.IsNaN(s.MassTons) || s.MassTons < 0 {
			report.SkippedSupplies++
			continue
		}
		key := StackKey{StorageID: s.StorageID, StackID: s.StackID}
		grouped[key] = append(grouped[key], s)
	}
	for key := range grouped {
		g := grouped[key]
		sort.Slice(g, func(i, j int) bool { return g[i].LoadDate.Before(g[j].LoadDate) })
	}
	return grouped
}

func (m *Merger) cleanFires(in []FireEvent, report *MergeReport) map[StackKey][]FireEvent {
	grouped := make(map[StackKey][]FireEvent)
	for _, f := range in {
		if f.StorageID == "" || f.StackID == "" || f.StartDate.IsZero() {
			report.SkippedFires++
			continue
		}
		key := StackKey{StorageID: f.StorageID, StackID: f.StackID}
		grouped[key] = append(grouped[key], f)
	}
	for key := range grouped {
		g := grouped[key]
		sort.Slice(g, func(i, j int) bool { return g[i].StartDate.Before(g[j].StartDate) })
	}
	return grouped
}

func weatherByDay(in []WeatherDay) map[time.Time]WeatherDay {
	out := make(map[time.Time]WeatherDay, len(in))
	for _, w := range in {
		if w.Date.IsZero() {
			continue
		}
		day := Day(w.Date)
		if _, exists := out[day]; exists {
			continue // first row per date wins; loaders pre-aggregate duplicates
		}
		w.Date = day
		out[day] = w
	}
	return out
}

// collapseSameDay reduces multiple readings per (stack, day) to the maximum
// reported temperature, the risk-relevant extremum.
func collapseSameDay(readings []TemperatureRecord) []TemperatureRecord {
	type dayKey struct {
		key StackKey
		day time.Time
	}
	best := make(map[dayKey]TemperatureRecord, len(readings))
	order := make([]dayKey, 0, len(readings))
	for _, r := range readings {
		k := dayKey{key: StackKey{StorageID: r.StorageID, StackID: r.StackID}, day: Day(r.ActDate)}
		cur, exists := best[k]
		if !exists {
			best[k] = r
			order = append(order, k)
			continue
		}
		if r.MaxTemperature > cur.MaxTemperature {
			best[k] = r
		}
	}
	out := make([]TemperatureRecord, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// supplyAsOf resolves age and cumulative mass from the supply history at the
// given date: the latest load at or before the date sets the age, and all
// loads up to the date sum into the mass. Returns false when nothing
// precedes the date.
func supplyAsOf(history []SupplyRecord, date time.Time) (ageDays int, massTons float64, ok bool) {
	var latest time.Time
	for _, s := range history {
		loaded := Day(s.LoadDate)
		if loaded.After(date) {
			break // history is sorted by load date
		}
		massTons += s.MassTons
		latest = loaded
		ok = true
	}
	if !ok {
		return 0, 0, false
	}
	return DaysBetween(latest, date), massTons, true
}

// fireLabel counts fires strictly before the date and measures days to the
// earliest fire at or after it. A nil label means no future fire exists.
func fireLabel(history []FireEvent, date time.Time) (priorFires int, label *float64) {
	for _, f := range history {
		started := Day(f.StartDate)
		if started.Before(date) {
			priorFires++
			continue
		}
		if label == nil {
			d := float64(DaysBetween(date, started))
			label = &d
		}
	}
	return priorFires, label
}
