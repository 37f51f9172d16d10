package loadgen

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

var (
	summaryRe    = regexp.MustCompile(`\s\s\s\sLatency\s*([0-9]*.[0-9]*[a-z]*)\s*([0-9]*.[0-9]*[a-z]*)\s*([0-9]*.[0-9]*[a-z]*)\s*([0-9]*.[0-9]*[a-z]*%)`)
	requestsRe   = regexp.MustCompile(`Requests/sec: +(\d+\.?\d*\w*)`)
	throughputRe = regexp.MustCompile(`(?m)^Requests/sec:\s*(\d*[.,]?\d*)\s*$`)
	numberUnitRe = regexp.MustCompile(`(\d+\.?\d*)(\w*)`)
	percentileRe = regexp.MustCompile(` *(\d+\.?\d*)% +(\d+\.?\d*)(\w+)`)
)

var throughputUnits = map[string]float64{
	"":  1,
	"k": 1e3,
	"M": 1e6,
	"G": 1e9,
	"T": 1e12,
	"P": 1e15,
}

var latencyUnits = map[string]float64{
	"us": 1.0 / 1000,
	"ms": 1,
	"s":  1000,
	"m":  60000,
	"h":  3600000,
}

// parseSummary reads the "Thread Stats" latency line and the request rate,
// both of which must appear exactly once.
func parseSummary(stdout string) (*LatencySummary, float64, error) {
	latency := summaryRe.FindAllStringSubmatch(stdout, -1)
	reqs := requestsRe.FindAllStringSubmatch(stdout, -1)
	if len(latency) != 1 || len(reqs) != 1 {
		return nil, 0, ErrParse
	}
	throughput, err := parseThroughputUnit(reqs[0][1])
	if err != nil {
		return nil, 0, err
	}
	l := latency[0]
	return &LatencySummary{Avg: l[1], Stdev: l[2], Max: l[3], WithinStdev: l[4]}, throughput, nil
}

// parseThroughputUnit converts values like "12.5k" into requests per second.
func parseThroughputUnit(s string) (float64, error) {
	m := numberUnitRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: throughput %q", ErrParse, s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: throughput %q", ErrParse, s)
	}
	scale, ok := throughputUnits[m[2]]
	if !ok {
		scale = 1
	}
	return v * scale, nil
}

// MeasuredThroughput returns the plain "Requests/sec:" value, which must
// appear on its own line exactly once.
func MeasuredThroughput(stdout string) (float64, error) {
	matches := throughputRe.FindAllStringSubmatch(stdout, -1)
	if len(matches) != 1 {
		return 0, fmt.Errorf("%w: expected exactly 1 throughput value, found %d", ErrParse, len(matches))
	}
	v, err := strconv.ParseFloat(matches[0][1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: throughput %q", ErrParse, matches[0][1])
	}
	return v, nil
}

// parseLatencies reads the "Latency Distribution" table printed by --latency.
func parseLatencies(stdout string) (Latencies, error) {
	res := Latencies{}
	for _, m := range percentileRe.FindAllStringSubmatch(stdout, -1) {
		p, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: percentile %q", ErrParse, m[1])
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: latency %q", ErrParse, m[2])
		}
		scale, ok := latencyUnits[m[3]]
		if !ok {
			return nil, fmt.Errorf("%w: unable to parse time unit from %q", ErrParse, m[3])
		}
		res[p] = roundTo(v*scale, 9)
	}
	return res, nil
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
