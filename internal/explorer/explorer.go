// Package explorer finds the request rates at which latency is measured,
// either fixed upfront or searched for as the highest rate meeting an SLA.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"

	"barista/internal/config"
	"barista/internal/loadgen"
)

const (
	TagFixed           = "FIXED"
	TagFixedPercentage = "FIXED_PERCENTAGE"
)

func elog() *slog.Logger {
	return slog.With("component", "explorer.Explorer")
}

// Measurer runs rate controlled measurements. loadgen.Generator implements it.
type Measurer interface {
	Measure(ctx context.Context, req loadgen.Request) (loadgen.Measurement, error)
	DumpStdout(dir, name, stdout string) error
}

// Record is one full length latency measurement.
type Record struct {
	Rate    int               `json:"rate"`
	PValues loadgen.Latencies `json:"p_values"`
	Command string            `json:"command"`
	// MeetsSLA is set only when an SLA is configured
	MeetsSLA *bool `json:"meets_sla,omitempty"`
	// Percentage of the average throughput, for FIXED_PERCENTAGE records
	Percentage *float64 `json:"percentage,omitempty"`
	Iteration  int      `json:"iteration"`
	Script     string   `json:"script,omitempty"`
	// Tag is the strategy that selected the rate
	Tag string `json:"-"`
}

// Probe is one short measurement performed while searching.
type Probe struct {
	Rate     float64           `json:"rate"`
	PValues  loadgen.Latencies `json:"p_values"`
	MeetsSLA bool              `json:"meets_sla"`
}

type Result struct {
	Final []Record
	// Performed holds the probes of each search strategy
	Performed map[string][]Probe
}

// MarshalJSON writes the final measurements next to the probes, keyed by
// strategy. A result without measurements is an empty object.
func (r Result) MarshalJSON() ([]byte, error) {
	obj := map[string]any{}
	if r.Final != nil {
		obj["final_measurements"] = r.Final
	}
	for tag, probes := range r.Performed {
		obj[tag] = probes
	}
	return json.Marshal(obj)
}

// Tags lists the tags of the final records in order of appearance.
func (r Result) Tags() []string {
	var tags []string
	seen := map[string]bool{}
	for _, rec := range r.Final {
		if !seen[rec.Tag] {
			seen[rec.Tag] = true
			tags = append(tags, rec.Tag)
		}
	}
	return tags
}

// target is a rate to measure at, with the name its dumps are labelled with.
type target struct {
	rate       int
	percentage *float64
	name       string
}

type Explorer struct {
	cfg       config.Latency
	gen       Measurer
	outputDir string
	avg       float64
	probes    int
}

// New averages the throughput measurements, which scale percentages and
// search multipliers into rates.
func New(cfg config.Latency, gen Measurer, outputDir string, throughputs []float64) *Explorer {
	avg := 0.0
	for _, t := range throughputs {
		avg += t
	}
	if len(throughputs) > 0 {
		avg /= float64(len(throughputs))
	}
	if avg < 1 {
		elog().Warn("average throughput below 1 op/s, using 1", "average", avg)
		avg = 1
	}
	elog().Info("average throughput", "ops", avg)
	return &Explorer{cfg: cfg, gen: gen, outputDir: outputDir, avg: avg}
}

func (e *Explorer) AverageThroughput() float64 {
	return e.avg
}

// Explore selects the rates with the configured strategy and measures
// latency at each of them for every script.
func (e *Explorer) Explore(ctx context.Context) (Result, error) {
	var (
		tags      []string
		targets   = map[string][]target{}
		performed map[string][]Probe
	)
	switch e.cfg.SearchStrategy {
	case config.StrategyFixed:
		if e.cfg.Iterations <= 0 {
			return Result{}, nil
		}
		tags, targets = e.fixedTargets()
	case config.StrategyBinarySearch:
		rate, probes, err := e.binarySearch(ctx)
		if err != nil {
			return Result{}, err
		}
		tags = []string{string(config.StrategyBinarySearch)}
		targets[tags[0]] = []target{{rate: rate, name: strconv.Itoa(rate)}}
		performed = map[string][]Probe{tags[0]: probes}
	case config.StrategyAIMD:
		rate, probes, err := e.aimd(ctx)
		if err != nil {
			return Result{}, err
		}
		tags = []string{string(config.StrategyAIMD)}
		targets[tags[0]] = []target{{rate: rate, name: strconv.Itoa(rate)}}
		performed = map[string][]Probe{tags[0]: probes}
	default:
		return Result{}, fmt.Errorf("%w: unknown search strategy %q", config.ErrSLAConfiguration, e.cfg.SearchStrategy)
	}

	res := Result{Final: []Record{}, Performed: performed}
	scripts := e.cfg.LuaScript
	if len(scripts) == 0 {
		scripts = []string{""}
	}
	for _, script := range scripts {
		for _, tag := range tags {
			for _, t := range targets[tag] {
				recs, err := e.measure(ctx, script, tag, t)
				if err != nil {
					return res, err
				}
				res.Final = append(res.Final, recs...)
			}
		}
	}
	return res, nil
}

func (e *Explorer) fixedTargets() ([]string, map[string][]target) {
	var tags []string
	targets := map[string][]target{}
	if len(e.cfg.Percentages) > 0 {
		tags = append(tags, TagFixedPercentage)
		for _, p := range e.cfg.Percentages {
			label := math.Round(p*100*1e6) / 1e6
			targets[TagFixedPercentage] = append(targets[TagFixedPercentage], target{
				rate:       max(int(p*e.avg), 1),
				percentage: &label,
				name:       loadgen.PercentileLabel(label),
			})
		}
	}
	if len(e.cfg.Rates) > 0 {
		tags = append(tags, TagFixed)
		for _, r := range e.cfg.Rates {
			targets[TagFixed] = append(targets[TagFixed], target{rate: r, name: strconv.Itoa(r)})
		}
	}
	return tags, targets
}

func (e *Explorer) measure(ctx context.Context, script, tag string, t target) ([]Record, error) {
	elog().Info("measuring latency", "strategy", tag, "rate", t.rate, "iterations", e.cfg.Iterations)
	var recs []Record
	for i := 0; i < e.cfg.Iterations; i++ {
		elog().Info("running latency iteration", "iteration", i+1, "of", e.cfg.Iterations)
		m, err := e.gen.Measure(ctx, loadgen.Request{Rate: t.rate, Duration: e.cfg.Duration(), Script: script})
		if err != nil {
			return recs, err
		}
		rec := Record{
			Rate:       t.rate,
			PValues:    m.Latencies,
			Command:    m.Command,
			Percentage: t.percentage,
			Iteration:  i,
			Tag:        tag,
		}
		if len(e.cfg.SLA) > 0 {
			ok := MeetsSLA(m.Latencies, e.cfg.SLA, float64(t.rate))
			rec.MeetsSLA = &ok
		}
		if script != "" {
			rec.Script = filepath.Base(script)
		}
		recs = append(recs, rec)
		if err := e.gen.DumpStdout(e.outputDir, fmt.Sprintf("%s-%s-latency-%d", tag, t.name, i+1), m.Stdout); err != nil {
			return recs, err
		}
	}
	return recs, nil
}

// probe measures once at multiplier times the average throughput and
// reports whether the achieved throughput stayed within the tolerance band
// while meeting the SLA.
func (e *Explorer) probe(ctx context.Context, multiplier float64) (Probe, error) {
	target := multiplier * e.avg
	rate := max(int(target), 1)
	elog().Info("probing rate", "rate", rate, "duration", e.cfg.ProbeDuration())
	m, err := e.gen.Measure(ctx, loadgen.Request{Rate: rate, Duration: e.cfg.ProbeDuration()})
	if err != nil {
		return Probe{}, err
	}
	e.probes++
	if err := e.gen.DumpStdout(e.outputDir, fmt.Sprintf("latency-adjustment-%d", e.probes), m.Stdout); err != nil {
		return Probe{}, err
	}

	actual, err := loadgen.MeasuredThroughput(m.Stdout)
	if err != nil {
		return Probe{}, err
	}
	elog().Info("probe throughput", "measured", actual, "expected", target)
	ok := true
	if len(e.cfg.SLA) > 0 {
		ok = MeetsSLA(m.Latencies, e.cfg.SLA, target)
	}
	inBounds := math.Abs(target-actual) <= e.cfg.BoundsTolerance*target && ok
	return Probe{Rate: target, PValues: m.Latencies, MeetsSLA: inBounds}, nil
}

// binarySearch halves the multiplier range until it is narrower than the
// minimum step.
func (e *Explorer) binarySearch(ctx context.Context) (int, []Probe, error) {
	elog().Info("binary search for the highest rate meeting the SLA")
	lo, hi := 0.0, 1.0
	acc := e.cfg.MinStepPercent
	var probes []Probe
	for lo+acc < hi {
		mid := (lo + hi) / 2
		p, err := e.probe(ctx, mid)
		if err != nil {
			return 0, probes, err
		}
		probes = append(probes, p)
		if p.MeetsSLA {
			lo = mid
		} else {
			hi = mid
		}
	}
	rate := e.settle(lo)
	elog().Info("binary search settled", "rate", rate)
	return rate, probes, nil
}

// aimd grows the multiplier by exponentially increasing steps and backs off
// on failure, narrowing the range after each reset. It stops after the
// third reset.
func (e *Explorer) aimd(ctx context.Context) (int, []Probe, error) {
	elog().Info("AIMD search for the highest rate meeting the SLA")
	base := e.cfg.MinStepPercent
	minM, maxM := 0.0, 1.0
	step := base
	count, resets := 0, 0
	var probes []Probe
	for {
		current := minM + step*math.Pow(2, float64(count))
		elog().Debug("AIMD multiplier", "multiplier", current)
		p, err := e.probe(ctx, current)
		if err != nil {
			return 0, probes, err
		}
		probes = append(probes, p)

		count++
		next := minM + step*math.Pow(2, float64(count))
		switch {
		case !p.MeetsSLA:
			maxM = current
			minM += step * math.Pow(2, float64(count-2))
			count = 0
			resets++
		// a zero step can't grow any further
		case next > maxM || next <= current:
			minM = current
			count = 0
			resets++
		}
		if resets > 2 {
			break
		}
		step = base * (maxM - minM)
	}
	rate := e.settle(minM)
	elog().Info("AIMD settled", "resets", resets, "multiplier", minM, "rate", rate)
	return rate, probes, nil
}

func (e *Explorer) settle(multiplier float64) int {
	rate := int(multiplier * e.avg)
	if rate < 1 {
		elog().Warn("no rate met the SLA, measuring at 1 op/s")
		rate = 1
	}
	return rate
}

// MeetsSLA reports whether every measured percentile is strictly below its
// required latency. A percentile missing from measured is a violation.
func MeetsSLA(measured map[float64]float64, sla map[float64]float64, rate float64) bool {
	met := true
	for p, required := range sla {
		v, ok := measured[p]
		if !ok {
			elog().Info("SLA percentile not measured", "percentile", p, "required", required)
			met = false
			continue
		}
		if required <= v {
			elog().Info("SLA breached", "percentile", p, "required", required, "measured", v, "rate", rate)
			met = false
			continue
		}
		elog().Info("SLA met", "percentile", p, "required", required, "measured", v, "rate", rate)
	}
	if met {
		elog().Info("met all SLA requirements", "rate", rate)
	}
	return met
}
