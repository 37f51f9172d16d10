package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

var (
	ErrEmpty      = errors.New("no values to compute a percentile from")
	ErrOutOfRange = errors.New("percentile must be within [0, 100]")
)

// UsagePercentiles are the percentiles reported for resource usage distributions.
var UsagePercentiles = []float64{100, 99, 98, 97, 96, 95, 90, 75, 50, 25}

const bytesPerMB = 1024 * 1024

// Percentile returns the p-th percentile of values, interpolating linearly
// between the closest ranks. values is not modified.
func Percentile(values []float64, p float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmpty
	}
	if p < 0 || p > 100 || math.IsNaN(p) {
		return 0, fmt.Errorf("%w: got %v", ErrOutOfRange, p)
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	x := float64(len(sorted)-1) * p / 100
	lo := int(math.Floor(x))
	hi := int(math.Floor(x + 0.5))
	if lo == hi {
		return sorted[lo], nil
	}
	return sorted[lo]*(float64(hi)-x) + sorted[hi]*(x-float64(lo)), nil
}

// Key formats a percentile as a result key, e.g. 99 -> "p99.0", 99.99 -> "p99.99".
func Key(p float64) string {
	if p == math.Trunc(p) {
		return "p" + strconv.FormatFloat(p, 'f', 1, 64)
	}
	return "p" + strconv.FormatFloat(p, 'f', -1, 64)
}

// PValues computes every requested percentile of values, keyed with Key.
func PValues(values []float64, percentiles []float64) (map[string]float64, error) {
	res := make(map[string]float64, len(percentiles))
	for _, p := range percentiles {
		v, err := Percentile(values, p)
		if err != nil {
			return nil, err
		}
		res[Key(p)] = v
	}
	return res, nil
}

// Usage holds the percentile distributions of a resource usage recording.
// RSS and VMS are in megabytes, CPU in percent.
type Usage struct {
	RSS map[string]float64 `json:"rss"`
	VMS map[string]float64 `json:"vms"`
	CPU map[string]float64 `json:"cpu"`
}

// UsagePValues computes the resource usage distributions from raw byte and
// percent series of equal length.
func UsagePValues(rssBytes, vmsBytes, cpuPercent []float64) (Usage, error) {
	if len(rssBytes) == 0 {
		return Usage{}, fmt.Errorf("resource usage: %w", ErrEmpty)
	}
	toMB := func(values []float64) []float64 {
		res := make([]float64, len(values))
		for i, v := range values {
			res[i] = v / bytesPerMB
		}
		return res
	}

	var u Usage
	var err error
	if u.RSS, err = PValues(toMB(rssBytes), UsagePercentiles); err != nil {
		return Usage{}, err
	}
	if u.VMS, err = PValues(toMB(vmsBytes), UsagePercentiles); err != nil {
		return Usage{}, err
	}
	if u.CPU, err = PValues(cpuPercent, UsagePercentiles); err != nil {
		return Usage{}, err
	}
	return u, nil
}

// StartupMedians returns, for each request index, the median response time of
// that request across all startup iterations.
func StartupMedians(iterations [][]float64, requests int) ([]float64, error) {
	if len(iterations) == 0 {
		return nil, nil
	}
	medians := make([]float64, 0, requests)
	column := make([]float64, len(iterations))
	for idx := 0; idx < requests; idx++ {
		for i, it := range iterations {
			if idx >= len(it) {
				return nil, fmt.Errorf("startup iteration %d has %d requests, expected %d", i, len(it), requests)
			}
			column[i] = it[idx]
		}
		m, err := Percentile(column, 50)
		if err != nil {
			return nil, err
		}
		medians = append(medians, m)
	}
	return medians, nil
}
