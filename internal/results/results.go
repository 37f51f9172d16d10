// Package results compiles the measurements of a run and writes them to the
// run directory.
package results

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"barista/internal/explorer"
	"barista/internal/loadgen"
	"barista/internal/monitor"
	"barista/internal/startup"
	"barista/internal/stats"
)

const (
	JSONFile       = "barista-results.json"
	StartupFile    = "barista_startup_results.csv"
	WarmupFile     = "barista_warmup_results.csv"
	ThroughputFile = "barista_throughput_results.csv"
	LatencyFile    = "barista_latency_results.csv"
	UsageFile      = "barista_resource_usage.csv"
	AppDumpFile    = "app-dump.txt"
)

func rlog() *slog.Logger {
	return slog.With("component", "results.Results")
}

// ThroughputRecord is one warmup or throughput iteration.
type ThroughputRecord struct {
	Throughput float64 `json:"throughput"`
	Command    string  `json:"command"`
	Iteration  int     `json:"iteration"`
	Script     string  `json:"script,omitempty"`
}

type StartupPhase struct {
	ID           string                `json:"id"`
	Measurements []startup.Measurement `json:"measurements"`
	// SelfReported are the startup times printed by the framework, in ms
	SelfReported map[string]float64 `json:"self_reported"`
}

type ThroughputPhase struct {
	ID           string             `json:"id"`
	Measurements []ThroughputRecord `json:"measurements"`
}

type LatencyPhase struct {
	ID           string          `json:"id"`
	Measurements explorer.Result `json:"measurements"`
}

type ResourceUsage struct {
	stats.Usage
	Raw []monitor.Sample `json:"raw"`
}

type Results struct {
	ID            string          `json:"id"`
	Benchmark     string          `json:"benchmark"`
	Command       []string        `json:"command"`
	Timestamp     time.Time       `json:"timestamp"`
	Startup       StartupPhase    `json:"startup"`
	Warmup        ThroughputPhase `json:"warmup"`
	Throughput    ThroughputPhase `json:"throughput"`
	Latency       LatencyPhase    `json:"latency"`
	ResourceUsage ResourceUsage   `json:"resource_usage"`

	// AppOutput is written to its own file
	AppOutput string `json:"-"`
}

func shortID() string {
	return uuid.NewString()[:8]
}

// New returns empty results with a fresh ID for every phase.
func New(benchmark string, command []string, now time.Time) *Results {
	return &Results{
		ID:         uuid.NewString(),
		Benchmark:  benchmark,
		Command:    command,
		Timestamp:  now,
		Startup:    StartupPhase{ID: shortID(), SelfReported: map[string]float64{}},
		Warmup:     ThroughputPhase{ID: shortID()},
		Throughput: ThroughputPhase{ID: shortID()},
		Latency:    LatencyPhase{ID: shortID()},
	}
}

// SetUsage stores the raw samples and their percentile distributions. No
// samples leaves the distributions empty.
func (r *Results) SetUsage(samples []monitor.Sample) error {
	r.ResourceUsage = ResourceUsage{Raw: samples}
	if len(samples) == 0 {
		return nil
	}
	rss := make([]float64, len(samples))
	vms := make([]float64, len(samples))
	cpu := make([]float64, len(samples))
	for i, s := range samples {
		rss[i], vms[i], cpu[i] = float64(s.RSS), float64(s.VMS), s.CPU
	}
	usage, err := stats.UsagePValues(rss, vms, cpu)
	if err != nil {
		return err
	}
	r.ResourceUsage.Usage = usage
	return nil
}

// AverageThroughput is the mean of the throughput phase, 0 without
// measurements.
func (r *Results) AverageThroughput() float64 {
	m := r.Throughput.Measurements
	if len(m) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range m {
		sum += t.Throughput
	}
	return sum / float64(len(m))
}

// Save writes the JSON document, one CSV file per phase with data and the
// application output into dir.
func Save(dir string, r *Results) error {
	path := filepath.Join(dir, JSONFile)
	rlog().Info("saving results", "file", path)
	b, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}

	if len(r.Startup.Measurements) > 0 {
		rows := [][]string{{"iteration", "response_time"}}
		for _, m := range r.Startup.Measurements {
			rows = append(rows, []string{strconv.Itoa(m.Iteration), formatFloat(m.ResponseTime)})
		}
		if err := writeCSV(dir, StartupFile, rows); err != nil {
			return err
		}
	}
	for name, phase := range map[string]ThroughputPhase{WarmupFile: r.Warmup, ThroughputFile: r.Throughput} {
		if len(phase.Measurements) == 0 {
			continue
		}
		rows := [][]string{{"iteration", "throughput"}}
		for i, m := range phase.Measurements {
			rows = append(rows, []string{strconv.Itoa(i), formatFloat(m.Throughput)})
		}
		if err := writeCSV(dir, name, rows); err != nil {
			return err
		}
	}
	if err := saveLatency(dir, r.Latency.Measurements); err != nil {
		return err
	}
	if len(r.ResourceUsage.Raw) > 0 {
		rows := [][]string{{"time", "rss_mb", "vms_mb", "cpu"}}
		for _, s := range r.ResourceUsage.Raw {
			rows = append(rows, []string{
				formatFloat(s.TimestampMs),
				formatFloat(float64(s.RSS) / 1024 / 1024),
				formatFloat(float64(s.VMS) / 1024 / 1024),
				formatFloat(s.CPU),
			})
		}
		if err := writeCSV(dir, UsageFile, rows); err != nil {
			return err
		}
	}

	if r.AppOutput == "" {
		rlog().Warn("no application output was captured")
		return nil
	}
	dump := filepath.Join(dir, AppDumpFile)
	rlog().Info("dumping application output", "file", dump)
	if err := os.WriteFile(dump, []byte(r.AppOutput), 0o644); err != nil {
		return fmt.Errorf("writing application output: %w", err)
	}
	return nil
}

// saveLatency writes <TAG>-barista_latency_results.csv for every strategy
// tag of the final measurements.
func saveLatency(dir string, res explorer.Result) error {
	for _, tag := range res.Tags() {
		rows := [][]string{{"script", "iteration", "request_rate", "percentile", "latency"}}
		for _, rec := range res.Final {
			if rec.Tag != tag {
				continue
			}
			percentiles := make([]float64, 0, len(rec.PValues))
			for p := range rec.PValues {
				percentiles = append(percentiles, p)
			}
			sort.Float64s(percentiles)
			for _, p := range percentiles {
				rows = append(rows, []string{
					rec.Script,
					strconv.Itoa(rec.Iteration),
					strconv.Itoa(rec.Rate),
					loadgen.PercentileLabel(p),
					formatFloat(rec.PValues[p]),
				})
			}
		}
		if err := writeCSV(dir, tag+"-"+LatencyFile, rows); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(dir, name string, rows [][]string) error {
	path := filepath.Join(dir, name)
	rlog().Info("producing csv", "file", path)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
