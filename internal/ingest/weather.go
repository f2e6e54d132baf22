package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"coalfire/internal/cfg"
	"coalfire/internal/common"
	"coalfire/internal/dataset"
)

// hPaToMMHg converts the archive's surface pressure to the mmHg the site
// records use.
const hPaToMMHg = 0.750062

const hourlyTimeLayout = "2006-01-02T15:04"

// WeatherClient fetches historical site weather from an Open-Meteo-style
// archive endpoint. A circuit breaker keeps repeated upstream failures from
// turning into a retry storm.
type WeatherClient struct {
	rest    *resty.Client
	breaker *gobreaker.CircuitBreaker
	lat     float64
	lon     float64
}

func NewWeatherClient(p cfg.WeatherParams) *WeatherClient {
	r := resty.New().SetBaseURL(p.BaseURL)
	if p.Timeout > 0 {
		r.SetTimeout(p.Timeout)
	} else {
		r.SetTimeout(10 * time.Second)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather-archive",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &WeatherClient{
		rest:    r,
		breaker: cb,
		lat:     p.Latitude,
		lon:     p.Longitude,
	}
}

type archiveResponse struct {
	Hourly struct {
		Time          []string  `json:"time"`
		Temperature   []float64 `json:"temperature_2m"`
		Humidity      []float64 `json:"relative_humidity_2m"`
		Pressure      []float64 `json:"surface_pressure"`
		Precipitation []float64 `json:"precipitation"`
		Cloudcover    []float64 `json:"cloud_cover"`
		WindSpeed     []float64 `json:"wind_speed_10m"`
	} `json:"hourly"`
}

// FetchDailyRange requests hourly series for [from, to] and aggregates them
// into daily rows: means everywhere, precipitation summed.
func (c *WeatherClient) FetchDailyRange(ctx context.Context, from, to time.Time) ([]dataset.WeatherDay, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, from, to)
	})
	if err != nil {
		return nil, fmt.Errorf("weather archive: %w", err)
	}
	return out.([]dataset.WeatherDay), nil
}

func (c *WeatherClient) fetch(ctx context.Context, from, to time.Time) ([]dataset.WeatherDay, error) {
	payload := &archiveResponse{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"latitude":        fmt.Sprintf("%f", c.lat),
			"longitude":       fmt.Sprintf("%f", c.lon),
			"start_date":      dataset.Day(from).Format(common.DateLayout),
			"end_date":        dataset.Day(to).Format(common.DateLayout),
			"hourly":          "temperature_2m,relative_humidity_2m,surface_pressure,precipitation,cloud_cover,wind_speed_10m",
			"wind_speed_unit": "ms",
			"timezone":        "UTC",
		}).
		SetResult(payload).
		Get("")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), resp.String())
	}

	days, err := aggregateHourly(payload)
	if err != nil {
		return nil, err
	}
	log.Info().
		Time("from", from).
		Time("to", to).
		Int("days", len(days)).
		Msg("fetched archive weather")
	return days, nil
}

// aggregateHourly folds parallel hourly arrays into one row per calendar
// day. Hours with unparseable timestamps are skipped.
func aggregateHourly(payload *archiveResponse) ([]dataset.WeatherDay, error) {
	h := payload.Hourly
	n := len(h.Time)
	if n == 0 {
		return nil, fmt.Errorf("archive returned no hourly data")
	}
	for name, series := range map[string][]float64{
		"temperature_2m":       h.Temperature,
		"relative_humidity_2m": h.Humidity,
		"surface_pressure":     h.Pressure,
		"precipitation":        h.Precipitation,
		"cloud_cover":          h.Cloudcover,
		"wind_speed_10m":       h.WindSpeed,
	} {
		if len(series) != n {
			return nil, fmt.Errorf("archive series %s has %d points, expected %d", name, len(series), n)
		}
	}

	type acc struct {
		temp, pressure, humidity, wind, cloud, precip float64
		hours                                         int
	}
	byDay := make(map[time.Time]*acc)
	order := make([]time.Time, 0, n/24+1)

	for i := 0; i < n; i++ {
		ts, err := time.Parse(hourlyTimeLayout, h.Time[i])
		if err != nil {
			continue
		}
		day := dataset.Day(ts)
		a, ok := byDay[day]
		if !ok {
			a = &acc{}
			byDay[day] = a
			order = append(order, day)
		}
		a.temp += h.Temperature[i]
		a.humidity += h.Humidity[i]
		a.pressure += h.Pressure[i] * hPaToMMHg
		a.precip += h.Precipitation[i]
		a.cloud += h.Cloudcover[i]
		a.wind += h.WindSpeed[i]
		a.hours++
	}

	out := make([]dataset.WeatherDay, 0, len(order))
	for _, day := range order {
		a := byDay[day]
		hours := float64(a.hours)
		out = append(out, dataset.WeatherDay{
			Date:          day,
			Temp:          a.temp / hours,
			Pressure:      a.pressure / hours,
			Humidity:      a.humidity / hours,
			Precipitation: a.precip,
			WindAvg:       a.wind / hours,
			Cloudcover:    a.cloud / hours,
		})
	}
	return out, nil
}
