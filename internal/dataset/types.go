package dataset

import "time"

// StackKey identifies a physically distinct coal pile.
type StackKey struct {
	StorageID string
	StackID   string
}

func (k StackKey) String() string {
	return k.StorageID + "|" + k.StackID
}

// SupplyRecord is one delivery onto a stack. Immutable fact.
type SupplyRecord struct {
	StorageID  string     `json:"storage_id"`
	StackID    string     `json:"stack_id"`
	MassTons   float64    `json:"mass_tons"`
	LoadDate   time.Time  `json:"load_date"`
	UnloadDate *time.Time `json:"unload_date,omitempty"`
}

// TemperatureRecord is one in-pile measurement act. Multiple readings per
// stack and day are possible.
type TemperatureRecord struct {
	StorageID      string    `json:"storage_id"`
	StackID        string    `json:"stack_id"`
	CoalGrade      string    `json:"coal_grade,omitempty"`
	MaxTemperature float64   `json:"max_temperature"`
	ActDate        time.Time `json:"act_date"`
}

// WeatherDay is one calendar day of site weather, shared across all stacks.
type WeatherDay struct {
	Date          time.Time `json:"date"`
	Temp          float64   `json:"temp"`
	Pressure      float64   `json:"pressure"`
	Humidity      float64   `json:"humidity"`
	Precipitation float64   `json:"precipitation"`
	WindAvg       float64   `json:"wind_avg"`
	Cloudcover    float64   `json:"cloudcover"`
}

// FireEvent is a recorded spontaneous-combustion onset.
type FireEvent struct {
	StorageID string    `json:"storage_id"`
	StackID   string    `json:"stack_id"`
	StartDate time.Time `json:"start_date"`
}

// Sources bundles the four raw tables consumed by the merger.
type Sources struct {
	Supplies     []SupplyRecord
	Temperatures []TemperatureRecord
	Weather      []WeatherDay
	Fires        []FireEvent
}

// StackObservation is one merged row per (stack, date). Nil pointer fields
// are explicit gaps: no preceding supply, no weather row for that date, or
// no future fire for the label.
type StackObservation struct {
	StorageID    string      `json:"storage_id"`
	StackID      string      `json:"stack_id"`
	Date         time.Time   `json:"date"`
	MeasuredTemp float64     `json:"measured_temp"`
	CoalGrade    string      `json:"coal_grade,omitempty"`
	AgeDays      *float64    `json:"age_days,omitempty"`
	MassTons     *float64    `json:"mass_tons,omitempty"`
	Weather      *WeatherDay `json:"weather,omitempty"`
	PriorFires   int         `json:"prior_fires"`

	// DaysUntilFire is the training label: days from Date to the stack's
	// earliest fire at or after Date. Nil when no such fire exists.
	DaysUntilFire *float64 `json:"days_until_fire,omitempty"`
}

func (o StackObservation) Key() StackKey {
	return StackKey{StorageID: o.StorageID, StackID: o.StackID}
}

// Day truncates t to a UTC calendar date. All joins and window arithmetic
// operate on these normalized dates.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns whole days from a to b (negative when b precedes a).
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
