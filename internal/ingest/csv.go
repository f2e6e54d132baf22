// Package ingest reads the four raw source tables from CSV files and, when a
// site has no weather log, from an Open-Meteo-style archive API. Loaders look
// columns up by header name, so column order never matters.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"coalfire/internal/common"
	"coalfire/internal/dataset"
)

// Source file names inside the data directory.
const (
	SuppliesFile     = "supplies.csv"
	TemperaturesFile = "temperatures.csv"
	WeatherFile      = "weather.csv"
	FiresFile        = "fires.csv"
)

// table wraps a CSV file with a header-name index. A missing file or a
// missing required column is a data-integrity failure; a malformed row is
// skipped and counted.
type table struct {
	file    *os.File
	reader  *csv.Reader
	indices map[string]int
	path    string
	skipped int
}

func openTable(path string, required ...string) (*table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", dataset.ErrDataIntegrity, path, err)
	}

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: read header of %s: %v", dataset.ErrDataIntegrity, path, err)
	}

	indices := make(map[string]int, len(header))
	for i, col := range header {
		indices[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range required {
		if _, ok := indices[col]; !ok {
			file.Close()
			return nil, fmt.Errorf("%w: %s is missing required column %q", dataset.ErrDataIntegrity, path, col)
		}
	}

	return &table{file: file, reader: reader, indices: indices, path: path}, nil
}

// next returns the following well-formed row, skipping rows the CSV layer
// rejects. io.EOF ends the iteration.
func (t *table) next() ([]string, error) {
	for {
		record, err := t.reader.Read()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			t.skipped++
			continue
		}
		return record, nil
	}
}

func (t *table) close(loaded int, what string) {
	t.file.Close()
	if t.skipped > 0 {
		log.Warn().Str("file", t.path).Int("skipped", t.skipped).Msg("skipped malformed rows")
	}
	log.Info().Str("file", t.path).Int("rows", loaded).Msg("loaded " + what)
}

func (t *table) field(record []string, name string) string {
	idx, ok := t.indices[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// parseDate accepts a bare date or a date with time of day.
func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(common.DateLayout, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(common.DateTimeLayout, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", v)
}

// LoadSupplies reads delivery records: storage_id, stack_id, mass_tons,
// load_date and an optional unload_date.
func LoadSupplies(path string) ([]dataset.SupplyRecord, error) {
	t, err := openTable(path, "storage_id", "stack_id", "mass_tons", "load_date")
	if err != nil {
		return nil, err
	}

	var out []dataset.SupplyRecord
	for {
		record, err := t.next()
		if errors.Is(err, io.EOF) {
			break
		}

		mass, err := strconv.ParseFloat(t.field(record, "mass_tons"), 64)
		if err != nil {
			t.skipped++
			continue
		}
		loadDate, err := parseDate(t.field(record, "load_date"))
		if err != nil {
			t.skipped++
			continue
		}

		rec := dataset.SupplyRecord{
			StorageID: t.field(record, "storage_id"),
			StackID:   t.field(record, "stack_id"),
			MassTons:  mass,
			LoadDate:  loadDate,
		}
		if v := t.field(record, "unload_date"); v != "" {
			if d, err := parseDate(v); err == nil {
				rec.UnloadDate = &d
			}
		}
		out = append(out, rec)
	}

	t.close(len(out), "supply records")
	return out, nil
}

// LoadTemperatures reads in-pile measurement acts: storage_id, stack_id,
// coal_grade, max_temperature, act_date.
func LoadTemperatures(path string) ([]dataset.TemperatureRecord, error) {
	t, err := openTable(path, "storage_id", "stack_id", "max_temperature", "act_date")
	if err != nil {
		return nil, err
	}

	var out []dataset.TemperatureRecord
	for {
		record, err := t.next()
		if errors.Is(err, io.EOF) {
			break
		}

		temp, err := strconv.ParseFloat(t.field(record, "max_temperature"), 64)
		if err != nil {
			t.skipped++
			continue
		}
		actDate, err := parseDate(t.field(record, "act_date"))
		if err != nil {
			t.skipped++
			continue
		}

		out = append(out, dataset.TemperatureRecord{
			StorageID:      t.field(record, "storage_id"),
			StackID:        t.field(record, "stack_id"),
			CoalGrade:      t.field(record, "coal_grade"),
			MaxTemperature: temp,
			ActDate:        actDate,
		})
	}

	t.close(len(out), "temperature records")
	return out, nil
}

// LoadWeather reads the site weather log: date, temp, pressure, humidity,
// precipitation, wind_avg, cloudcover. Multiple rows per date aggregate to a
// daily row: means everywhere, precipitation summed.
func LoadWeather(path string) ([]dataset.WeatherDay, error) {
	t, err := openTable(path, "date", "temp", "pressure", "humidity", "precipitation", "wind_avg", "cloudcover")
	if err != nil {
		return nil, err
	}

	type acc struct {
		temp, pressure, humidity, wind, cloud, precip float64
		n                                             int
	}
	days := make(map[time.Time]*acc)

	loaded := 0
	for {
		record, err := t.next()
		if errors.Is(err, io.EOF) {
			break
		}

		date, err := parseDate(t.field(record, "date"))
		if err != nil {
			t.skipped++
			continue
		}

		vals := make([]float64, 6)
		bad := false
		for i, col := range []string{"temp", "pressure", "humidity", "precipitation", "wind_avg", "cloudcover"} {
			v, err := strconv.ParseFloat(t.field(record, col), 64)
			if err != nil {
				bad = true
				break
			}
			vals[i] = v
		}
		if bad {
			t.skipped++
			continue
		}

		day := dataset.Day(date)
		a, ok := days[day]
		if !ok {
			a = &acc{}
			days[day] = a
		}
		a.temp += vals[0]
		a.pressure += vals[1]
		a.humidity += vals[2]
		a.precip += vals[3]
		a.wind += vals[4]
		a.cloud += vals[5]
		a.n++
		loaded++
	}
	t.close(loaded, "weather rows")

	out := make([]dataset.WeatherDay, 0, len(days))
	for day, a := range days {
		n := float64(a.n)
		out = append(out, dataset.WeatherDay{
			Date:          day,
			Temp:          a.temp / n,
			Pressure:      a.pressure / n,
			Humidity:      a.humidity / n,
			Precipitation: a.precip,
			WindAvg:       a.wind / n,
			Cloudcover:    a.cloud / n,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// LoadFires reads recorded combustion onsets: storage_id, stack_id,
// start_date.
func LoadFires(path string) ([]dataset.FireEvent, error) {
	t, err := openTable(path, "storage_id", "stack_id", "start_date")
	if err != nil {
		return nil, err
	}

	var out []dataset.FireEvent
	for {
		record, err := t.next()
		if errors.Is(err, io.EOF) {
			break
		}

		startDate, err := parseDate(t.field(record, "start_date"))
		if err != nil {
			t.skipped++
			continue
		}

		out = append(out, dataset.FireEvent{
			StorageID: t.field(record, "storage_id"),
			StackID:   t.field(record, "stack_id"),
			StartDate: startDate,
		})
	}

	t.close(len(out), "fire events")
	return out, nil
}

// LoadSources bundles the four loaders over one data directory. Every file
// must be present; callers that fetch weather remotely use
// LoadSourcesWithFallback.
func LoadSources(dir string) (dataset.Sources, error) {
	supplies, err := LoadSupplies(filepath.Join(dir, SuppliesFile))
	if err != nil {
		return dataset.Sources{}, err
	}
	temps, err := LoadTemperatures(filepath.Join(dir, TemperaturesFile))
	if err != nil {
		return dataset.Sources{}, err
	}
	weather, err := LoadWeather(filepath.Join(dir, WeatherFile))
	if err != nil {
		return dataset.Sources{}, err
	}
	fires, err := LoadFires(filepath.Join(dir, FiresFile))
	if err != nil {
		return dataset.Sources{}, err
	}

	return dataset.Sources{
		Supplies:     supplies,
		Temperatures: temps,
		Weather:      weather,
		Fires:        fires,
	}, nil
}

// LoadSourcesWithFallback loads the data directory, fetching weather from
// the archive API when weather.csv is absent and a client is configured.
// The fetched range spans the temperature readings.
func LoadSourcesWithFallback(ctx context.Context, dir string, client *WeatherClient) (dataset.Sources, error) {
	weatherPath := filepath.Join(dir, WeatherFile)
	if _, err := os.Stat(weatherPath); err == nil || client == nil {
		return LoadSources(dir)
	}

	supplies, err := LoadSupplies(filepath.Join(dir, SuppliesFile))
	if err != nil {
		return dataset.Sources{}, err
	}
	temps, err := LoadTemperatures(filepath.Join(dir, TemperaturesFile))
	if err != nil {
		return dataset.Sources{}, err
	}
	fires, err := LoadFires(filepath.Join(dir, FiresFile))
	if err != nil {
		return dataset.Sources{}, err
	}
	if len(temps) == 0 {
		return dataset.Sources{}, fmt.Errorf("%w: no temperature readings to span a weather fetch", dataset.ErrDataIntegrity)
	}

	from, to := temps[0].ActDate, temps[0].ActDate
	for _, r := range temps[1:] {
		if r.ActDate.Before(from) {
			from = r.ActDate
		}
		if r.ActDate.After(to) {
			to = r.ActDate
		}
	}
	log.Info().Time("from", from).Time("to", to).Msg("weather.csv absent, fetching archive weather")

	weather, err := client.FetchDailyRange(ctx, from, to)
	if err != nil {
		return dataset.Sources{}, err
	}

	return dataset.Sources{
		Supplies:     supplies,
		Temperatures: temps,
		Weather:      weather,
		Fires:        fires,
	}, nil
}
