// Generates a synthetic data directory (supplies, temperatures, weather,
// fires) for local training runs: several stacks with seasonal weather,
// oxidation-driven self-heating and occasional combustion events.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		dataPath = flag.String("data", "data", "Output data directory")
		stacks   = flag.Int("stacks", 6, "Number of stacks to simulate")
		days     = flag.Int("days", 240, "Number of days to simulate")
		seed     = flag.Int64("seed", 42, "Random seed")
	)
	flag.Parse()

	fmt.Printf("Generating synthetic site data...\n")
	fmt.Printf("  Stacks: %d\n", *stacks)
	fmt.Printf("  Days: %d\n", *days)
	fmt.Printf("  Seed: %d\n", *seed)
	fmt.Printf("  Output: %s\n", *dataPath)

	if err := os.MkdirAll(*dataPath, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	weather := generateWeather(rng, start, *days)
	supplies, temps, fires := generateStacks(rng, weather, start, *days, *stacks)

	writeCSV(*dataPath, "weather.csv",
		[]string{"date", "temp", "pressure", "humidity", "precipitation", "wind_avg", "cloudcover"},
		weatherRows(weather))
	writeCSV(*dataPath, "supplies.csv",
		[]string{"storage_id", "stack_id", "mass_tons", "load_date"},
		supplies)
	writeCSV(*dataPath, "temperatures.csv",
		[]string{"storage_id", "stack_id", "coal_grade", "max_temperature", "act_date"},
		temps)
	writeCSV(*dataPath, "fires.csv",
		[]string{"storage_id", "stack_id", "start_date"},
		fires)

	fmt.Printf("✓ Generated %d weather days, %d supplies, %d readings, %d fires\n",
		len(weather), len(supplies), len(temps), len(fires))
}

type weatherDay struct {
	date                                          time.Time
	temp, pressure, humidity, precip, wind, cloud float64
}

// generateWeather draws a seasonal year: cold wet winters, hot dry summers.
func generateWeather(rng *rand.Rand, start time.Time, days int) []weatherDay {
	out := make([]weatherDay, 0, days)
	for d := 0; d < days; d++ {
		date := start.AddDate(0, 0, d)
		phase := 2 * math.Pi * float64(date.YearDay()) / 365

		temp := 12 - 14*math.Cos(phase) + rng.NormFloat64()*3
		humidity := clamp(65+15*math.Cos(phase)+rng.NormFloat64()*10, 20, 100)
		precip := 0.0
		if rng.Float64() < 0.25+0.1*math.Cos(phase) {
			precip = rng.Float64() * 12
		}
		out = append(out, weatherDay{
			date:     date,
			temp:     temp,
			pressure: 760 + rng.NormFloat64()*6,
			humidity: humidity,
			precip:   precip,
			wind:     clamp(3.5+rng.NormFloat64()*2, 0, 20),
			cloud:    clamp(50+rng.NormFloat64()*25, 0, 100),
		})
	}
	return out
}

// generateStacks simulates self-heating piles. Temperature drifts up with
// age, faster in dry hot spells; crossing the ignition band records a fire
// and restacks the pile.
func generateStacks(rng *rand.Rand, weather []weatherDay, start time.Time, days, stacks int) (supplies, temps, fires [][]string) {
	grades := []string{"D", "G", "SS", "T"}

	for s := 0; s < stacks; s++ {
		storageID := fmt.Sprintf("WH%d", s%2+1)
		stackID := fmt.Sprintf("S%02d", s+1)
		grade := grades[rng.Intn(len(grades))]

		loadDay := rng.Intn(20)
		mass := 2000 + rng.Float64()*10000
		pileTemp := 18 + rng.Float64()*8
		ignition := 68 + rng.Float64()*18

		supplies = append(supplies, []string{
			storageID, stackID,
			strconv.FormatFloat(mass, 'f', 1, 64),
			start.AddDate(0, 0, loadDay).Format(dateLayout),
		})

		for d := loadDay; d < days; d++ {
			w := weather[d]
			age := float64(d - loadDay)

			// Oxidation accelerates with age and dry heat.
			heating := 0.05 + age*0.004
			heating += math.Max(0, w.temp-15) * 0.012
			heating += math.Max(0, 60-w.humidity) * 0.006
			cooling := w.precip * 0.15
			pileTemp += heating - cooling + rng.NormFloat64()*0.8
			// Pile stays at or above ambient, and probes report 0 at worst.
			if floor := math.Max(w.temp, 0); pileTemp < floor {
				pileTemp = floor
			}

			// Readings are taken every few days, not daily.
			if d%((rng.Intn(2))+2) == 0 {
				temps = append(temps, []string{
					storageID, stackID, grade,
					strconv.FormatFloat(pileTemp, 'f', 1, 64),
					start.AddDate(0, 0, d).Format(dateLayout),
				})
			}

			if pileTemp >= ignition {
				fires = append(fires, []string{
					storageID, stackID,
					start.AddDate(0, 0, d).Format(dateLayout),
				})

				// Restack: fresh coal, new delivery record.
				loadDay = d + 3 + rng.Intn(5)
				if loadDay >= days {
					break
				}
				mass = 2000 + rng.Float64()*10000
				pileTemp = 18 + rng.Float64()*8
				ignition = 68 + rng.Float64()*18
				supplies = append(supplies, []string{
					storageID, stackID,
					strconv.FormatFloat(mass, 'f', 1, 64),
					start.AddDate(0, 0, loadDay).Format(dateLayout),
				})
				d = loadDay
			}
		}
	}
	return supplies, temps, fires
}

func weatherRows(weather []weatherDay) [][]string {
	rows := make([][]string, 0, len(weather))
	for _, w := range weather {
		rows = append(rows, []string{
			w.date.Format(dateLayout),
			strconv.FormatFloat(w.temp, 'f', 1, 64),
			strconv.FormatFloat(w.pressure, 'f', 1, 64),
			strconv.FormatFloat(w.humidity, 'f', 1, 64),
			strconv.FormatFloat(w.precip, 'f', 1, 64),
			strconv.FormatFloat(w.wind, 'f', 1, 64),
			strconv.FormatFloat(w.cloud, 'f', 1, 64),
		})
	}
	return rows
}

func writeCSV(dir, name string, header []string, rows [][]string) {
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		log.Fatalf("Failed to write %s header: %v", name, err)
	}
	if err := w.WriteAll(rows); err != nil {
		log.Fatalf("Failed to write %s rows: %v", name, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Fatalf("Failed to flush %s: %v", name, err)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
