package storage

import (
	"slices"
	"time"

	"barista/internal/results"
)

// MaxItems is the number of runs kept in the history.
const MaxItems = 100

type HistoryItem struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Benchmark string     `json:"benchmark"`
	Endpoint  string     `json:"endpoint"`
	OutputDir string     `json:"output_dir"`
	Summary   RunSummary `json:"summary"`
}

type RunSummary struct {
	AvgThroughput float64 `json:"avg_throughput"`
	// LatencyRates are the distinct rates latency was measured at
	LatencyRates []int   `json:"latency_rates"`
	P99RSSMB     float64 `json:"p99_rss_mb"`
	StartupMs    float64 `json:"startup_ms"`
}

// NewHistoryItem summarizes the results of a run.
func NewHistoryItem(r *results.Results, endpoint, outputDir string) HistoryItem {
	item := HistoryItem{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Benchmark: r.Benchmark,
		Endpoint:  endpoint,
		OutputDir: outputDir,
		Summary: RunSummary{
			AvgThroughput: r.AverageThroughput(),
			P99RSSMB:      r.ResourceUsage.RSS["p99.0"],
		},
	}
	if m := r.Startup.Measurements; len(m) > 0 {
		item.Summary.StartupMs = m[0].ResponseTime
	}
	for _, rec := range r.Latency.Measurements.Final {
		if !slices.Contains(item.Summary.LatencyRates, rec.Rate) {
			item.Summary.LatencyRates = append(item.Summary.LatencyRates, rec.Rate)
		}
	}
	return item
}
