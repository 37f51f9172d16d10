package loadgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wrkOutput = `Running 30s test @ http://localhost:8080/hello
  2 threads and 10 connections
  Thread Stats   Avg      Stdev     Max   +/- Stdev
    Latency   635.91us    0.89ms  12.92ms   93.69%
    Req/Sec    56.20k     8.07k   62.89k    86.54%
  3362117 requests in 30.00s, 376.33MB read
Requests/sec: 112.07k
Transfer/sec:     12.54MB
`

const wrk2Output = `Running 30s test @ http://localhost:8080/hello
  2 threads and 10 connections
  Thread calibration: mean lat.: 1.184ms, rate sampling interval: 10ms
  Thread Stats   Avg      Stdev     Max   +/- Stdev
    Latency     1.19ms  550.57us   6.42ms   70.20%
    Req/Sec     1.05k   120.14     1.67k    70.57%
  Latency Distribution (HdrHistogram - Recorded Latency)
 50.000%    1.15ms
 75.000%    1.52ms
 90.000%    1.88ms
 99.000%    2.67ms
 99.900%    4.29ms
 99.990%  950.00us
 99.999%    1.10s
100.000%    2.00m

  Detailed Percentile spectrum:
       Value   Percentile   TotalCount 1/(1-Percentile)

       0.176     0.000000            1         1.00
       6.423     1.000000        59992          inf
#[Mean    =        1.191, StdDeviation   =        0.551]
----------------------------------------------------------
  59992 requests in 30.00s, 6.58MB read
Requests/sec:   1999.71
Transfer/sec:    224.64KB
`

func TestParseWrk(t *testing.T) {
	g := newWrk(Options{}, false)
	m, err := g.ParseMeasurements(wrkOutput)
	require.NoError(t, err)
	require.NotNil(t, m.Throughput)
	assert.InDelta(t, 112070, *m.Throughput, 1e-6)
	assert.Equal(t, &LatencySummary{Avg: "635.91us", Stdev: "0.89ms", Max: "12.92ms", WithinStdev: "93.69%"}, m.Summary)
	assert.Empty(t, m.Latencies)
}

func TestParseWrk_Missing(t *testing.T) {
	g := newWrk(Options{}, false)
	_, err := g.ParseMeasurements("unable to connect to localhost:8080 Connection refused\n")
	assert.ErrorIs(t, err, ErrParse)

	_, err = g.ParseMeasurements(wrkOutput + wrkOutput)
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseWrk2(t *testing.T) {
	g := newWrk(Options{}, true)
	m, err := g.ParseMeasurements(wrk2Output)
	require.NoError(t, err)
	assert.Equal(t, Latencies{
		50:     1.15,
		75:     1.52,
		90:     1.88,
		99:     2.67,
		99.9:   4.29,
		99.99:  0.95,
		99.999: 1100,
		100:    120000,
	}, m.Latencies)
	require.NotNil(t, m.Throughput)
	assert.InDelta(t, 1999.71, *m.Throughput, 1e-9)

	throughput, err := MeasuredThroughput(wrk2Output)
	require.NoError(t, err)
	assert.InDelta(t, 1999.71, throughput, 1e-9)
}

func TestParseWrk2_UnknownUnit(t *testing.T) {
	g := newWrk(Options{}, true)
	_, err := g.ParseMeasurements(" 50.000%    1.15ys\n")
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseThroughputUnit(t *testing.T) {
	testCases := map[string]float64{
		"1999.71": 1999.71,
		"12k":     12e3,
		"1.5M":    1.5e6,
		"2G":      2e9,
		"3T":      3e12,
		"1P":      1e15,
	}
	for in, expected := range testCases {
		v, err := parseThroughputUnit(in)
		require.NoError(t, err, in)
		assert.InDelta(t, expected, v, expected*1e-12, in)
	}
}

func TestMeasuredThroughput(t *testing.T) {
	_, err := MeasuredThroughput("no numbers here")
	assert.ErrorIs(t, err, ErrParse)

	// the suffixed form is not a plain rate
	_, err = MeasuredThroughput(wrkOutput)
	assert.ErrorIs(t, err, ErrParse)
}

func TestLatencies_MarshalJSON(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"p_values": Latencies{99.99: 4.5, 50: 1.25, 100: 9}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p_values": {"50.0": 1.25, "99.99": 4.5, "100.0": 9}}`, string(raw))
	assert.Equal(t, `{"50.0":1.25,"99.99":4.5,"100.0":9}`, string(must(Latencies{99.99: 4.5, 50: 1.25, 100: 9}.MarshalJSON())))
}

func must(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}

type fakeRunner struct {
	version string
	stdout  string
	code    int
	calls   [][]string
}

func (f *fakeRunner) run(_ context.Context, _ []string, name string, args ...string) (string, int, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(args) == 1 && args[0] == "--version" {
		return f.version, 1, nil
	}
	return f.stdout, f.code, nil
}

func fakeWrk(opts Options, rateControlled bool, r *fakeRunner) *wrkTool {
	w := newWrk(opts, rateControlled)
	w.lookPath = func(string) (string, error) { return "/usr/local/bin/tool", nil }
	w.run = r.run
	return w
}

var testOptions = Options{Endpoint: "http://localhost:8080/hello", Threads: 2, Connections: 10, Duration: 30 * time.Second}

func TestWrk_Measure(t *testing.T) {
	r := &fakeRunner{version: "wrk 4.2.0 [epoll] Copyright (C) 2012 Will Glozer", stdout: wrkOutput}
	g := fakeWrk(testOptions, false, r)

	m, err := g.Measure(context.Background(), Request{Script: "/scripts/post.lua"})
	require.NoError(t, err)
	assert.Equal(t, "wrk -d 30s http://localhost:8080/hello -t 2 -c 10 --script /scripts/post.lua -- 2", m.Command)
	assert.Equal(t, wrkOutput, m.Stdout)
	assert.InDelta(t, 112070, *m.Throughput, 1e-6)

	_, err = g.Measure(context.Background(), Request{Duration: 5 * time.Second})
	require.NoError(t, err)
	// the version is checked only once
	require.Len(t, r.calls, 3)
	assert.Equal(t, []string{"wrk", "-d", "5s", "http://localhost:8080/hello", "-t", "2", "-c", "10"}, r.calls[2])
}

func TestWrk2_Measure(t *testing.T) {
	r := &fakeRunner{version: "Usage: wrk <options> <url>\n    -R, --rate <T>  work rate (throughput)", stdout: wrk2Output}
	g := fakeWrk(testOptions, true, r)

	m, err := g.Measure(context.Background(), Request{Rate: 2000, Duration: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "wrk2 -d 10s -R 2000 --latency http://localhost:8080/hello -t 2 -c 10", m.Command)
	assert.Equal(t, 2.67, m.Latencies[99])

	m, err = g.Measure(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "wrk2 -d 30s -R 100000 --latency http://localhost:8080/hello -t 2 -c 10", m.Command)
}

func TestWrk_WrongVariant(t *testing.T) {
	withRate := &fakeRunner{version: "-R, --rate <T>"}
	_, err := fakeWrk(testOptions, false, withRate).Measure(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrToolMissing)
	assert.Len(t, withRate.calls, 1)

	withoutRate := &fakeRunner{version: "wrk 4.2.0"}
	_, err = fakeWrk(testOptions, true, withoutRate).Measure(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrToolMissing)
	assert.Len(t, withoutRate.calls, 1)
}

func TestWrk_NotInstalled(t *testing.T) {
	r := &fakeRunner{}
	g := fakeWrk(testOptions, true, r)
	g.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }

	_, err := g.Measure(context.Background(), Request{Rate: 10})
	assert.ErrorIs(t, err, ErrToolMissing)
	assert.Empty(t, r.calls)
}

func TestWrk_CrashDump(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions
	opts.OutputDir = dir
	r := &fakeRunner{version: "wrk 4.2.0", stdout: "unable to connect to localhost:8080 Connection refused\n", code: 1}

	_, err := fakeWrk(opts, false, r).Measure(context.Background(), Request{})
	var mErr *MeasurementError
	require.True(t, errors.As(err, &mErr))
	assert.Equal(t, 1, mErr.ExitCode)
	assert.Equal(t, filepath.Join(dir, "crash-dump.txt"), mErr.CrashDump)

	dumped, err := os.ReadFile(mErr.CrashDump)
	require.NoError(t, err)
	assert.Equal(t, r.stdout, string(dumped))
}

func TestDumpStdout(t *testing.T) {
	dir := t.TempDir()
	g, err := New(KindWrk2, Options{})
	require.NoError(t, err)
	require.NoError(t, g.DumpStdout(dir, "FIXED-100-latency-1", wrk2Output))

	dumped, err := os.ReadFile(filepath.Join(dir, "FIXED-100-latency-1-dump.txt"))
	require.NoError(t, err)
	assert.Equal(t, wrk2Output, string(dumped))
}

func TestNew_Unknown(t *testing.T) {
	_, err := New("ab", Options{})
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	out, code, err := runCommand(context.Background(), []string{"BARISTA_TEST=42"}, "sh", "-c", "echo $BARISTA_TEST; echo oops 1>&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "42\noops\n", out)

	_, _, err = runCommand(context.Background(), nil, "/definitely/not/a/tool")
	assert.Error(t, err)
}

type idSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *idSet) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *idSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func TestBuiltin_Rate(t *testing.T) {
	var hits atomic.Int64
	ids := &idSet{ids: map[string]struct{}{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		ids.add(r.Header.Get("X-Request-ID"))
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	g, err := New(KindBuiltin, Options{Endpoint: srv.URL, Connections: 4, Duration: time.Second})
	require.NoError(t, err)
	defer g.Cleanup()

	m, err := g.Measure(context.Background(), Request{Rate: 200, Duration: 300 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.Command, "builtin -d 0.3s -R 200 "+srv.URL))

	require.NotNil(t, m.Throughput)
	assert.Positive(t, *m.Throughput)
	assert.Positive(t, hits.Load())
	assert.Equal(t, int(hits.Load()), ids.len())
	for _, p := range distribution {
		assert.Contains(t, m.Latencies, p)
	}
	assert.LessOrEqual(t, m.Latencies[50], m.Latencies[100])

	// the report is readable by the wrk parsers
	throughput, err := MeasuredThroughput(m.Stdout)
	require.NoError(t, err)
	assert.InDelta(t, *m.Throughput, throughput, 0.01)
}

func TestBuiltin_Connections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g, err := New(KindBuiltin, Options{Endpoint: srv.URL, Connections: 2, Duration: 100 * time.Millisecond})
	require.NoError(t, err)
	defer g.Cleanup()

	m, err := g.Measure(context.Background(), Request{})
	require.NoError(t, err)
	assert.Positive(t, *m.Throughput)
	assert.Contains(t, m.Stdout, "Non-2xx or 3xx responses:")
}

func TestBuiltin_Script(t *testing.T) {
	g, err := New(KindBuiltin, testOptions)
	require.NoError(t, err)
	_, err = g.Measure(context.Background(), Request{Script: "post.lua"})
	assert.ErrorIs(t, err, ErrScriptUnsupported)
}

func TestBuiltin_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	g, err := New(KindBuiltin, Options{Endpoint: srv.URL, Connections: 1, Duration: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Measure(ctx, Request{Rate: 10})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFormatLatency(t *testing.T) {
	assert.Equal(t, "950.00us", formatLatency(950))
	assert.Equal(t, "1.50ms", formatLatency(1500))
	assert.Equal(t, "2.00s", formatLatency(2e6))
}
