// Package loadgen drives the load generators used to measure throughput and
// latency of the benchmarked application.
package loadgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

var (
	// ErrToolMissing means the executable is not on PATH or is the wrong wrk variant
	ErrToolMissing = errors.New("load generator tool missing")
	// ErrParse means the tool output did not contain the expected measurements
	ErrParse = errors.New("measurements not found in load generator output")
	// ErrScriptUnsupported is returned by generators that can't run lua scripts
	ErrScriptUnsupported = errors.New("load generator does not support scripts")
)

// DefaultRate is used by rate controlled generators when no rate is given.
const DefaultRate = 100000

func llog() *slog.Logger {
	return slog.With("component", "loadgen.Generator")
}

type Kind string

const (
	// KindWrk is the fixed tool used to measure maximum throughput
	KindWrk Kind = "wrk"
	// KindWrk2 is the rate controlled tool used to measure latency
	KindWrk2 Kind = "wrk2"
	// KindBuiltin serves both purposes without external tools
	KindBuiltin Kind = "builtin"
)

// Options are fixed for the lifetime of a generator.
type Options struct {
	Endpoint    string
	Threads     int
	Connections int
	// Duration is used when a Request does not set one
	Duration time.Duration
	// OutputDir receives stdout dumps and crash dumps
	OutputDir string
	Env       []string
	// Timeout bounds single requests of the builtin generator
	Timeout time.Duration
}

// Request describes one measurement. Zero values mean "not set".
type Request struct {
	Rate     int
	Duration time.Duration
	Script   string
}

// Measurement is the parsed result of one load generator run.
type Measurement struct {
	Throughput *float64
	// Latencies maps a percentile to its latency in milliseconds
	Latencies Latencies
	Summary   *LatencySummary
	Command   string
	Stdout    string
	ExitCode  int
}

// LatencySummary is the raw "Thread Stats" latency line.
type LatencySummary struct {
	Avg         string `json:"AVG"`
	Stdev       string `json:"Stdev"`
	Max         string `json:"MAX"`
	WithinStdev string `json:"+- Stdev"`
}

// Generator runs one measurement at a time. Implementations are chosen once,
// with New.
type Generator interface {
	Measure(ctx context.Context, req Request) (Measurement, error)
	ParseMeasurements(stdout string) (Measurement, error)
	DumpStdout(dir, name, stdout string) error
	Cleanup()
}

// New returns the generator of the given kind.
func New(kind Kind, opts Options) (Generator, error) {
	switch kind {
	case KindWrk:
		return newWrk(opts, false), nil
	case KindWrk2:
		return newWrk(opts, true), nil
	case KindBuiltin:
		return newBuiltin(opts), nil
	default:
		return nil, fmt.Errorf("unknown load generator %q", kind)
	}
}

// MeasurementError is returned when the load generator exits with a non zero
// code. Its output has been written to CrashDump.
type MeasurementError struct {
	Command   string
	ExitCode  int
	Stdout    string
	CrashDump string
}

func (e *MeasurementError) Error() string {
	return fmt.Sprintf("command %q failed and exited with: %d (output dumped to %s)", e.Command, e.ExitCode, e.CrashDump)
}

// DumpStdout writes stdout to <dir>/<name>-dump.txt.
func DumpStdout(dir, name, stdout string) error {
	path := filepath.Join(dir, name+"-dump.txt")
	llog().Info("dumping load generator output", "file", path)
	llog().Debug(stdout)
	if err := os.WriteFile(path, []byte(stdout), 0o644); err != nil {
		return fmt.Errorf("dumping output: %w", err)
	}
	return nil
}

// crashDump writes stdout to <dir>/crash-dump.txt and returns the path.
func crashDump(dir, stdout string) string {
	path := filepath.Join(dir, "crash-dump.txt")
	llog().Error("load generator crashed, dumping its output", "file", path)
	if err := os.WriteFile(path, []byte(stdout), 0o644); err != nil {
		llog().Error("can't write crash dump", "error", err)
	}
	return path
}

// Latencies maps percentiles to milliseconds. It marshals to a JSON object
// keyed by the percentile, e.g. {"50.0": 1.2, "99.99": 8.1}.
type Latencies map[float64]float64

func (l Latencies) MarshalJSON() ([]byte, error) {
	keys := make([]float64, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Float64s(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(PercentileLabel(k)))
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(l[k], 'f', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PercentileLabel formats a percentile keeping one decimal for whole numbers.
func PercentileLabel(p float64) string {
	s := strconv.FormatFloat(p, 'f', -1, 64)
	if p == float64(int64(p)) {
		s += ".0"
	}
	return s
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
