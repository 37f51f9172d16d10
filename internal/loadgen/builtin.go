package loadgen

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"barista/internal/stats"
)

// distribution are the percentiles printed in the latency table, as wrk2 does.
var distribution = []float64{50, 75, 90, 99, 99.9, 99.99, 99.999, 100}

// builtin generates HTTP load in process. With a rate it runs open loop,
// scheduling requests at fixed intervals and measuring latency from the
// scheduled time; without one it runs closed loop with one worker per
// connection. It prints a wrk2 style report so the wrk parsers apply.
type builtin struct {
	opts   Options
	client *http.Client

	inflight int64
}

var _ Generator = (*builtin)(nil)

func newBuiltin(opts Options) *builtin {
	t := http.DefaultTransport.(*http.Transport).Clone()
	conns := max(opts.Connections, 1)
	t.MaxIdleConns = conns
	t.MaxConnsPerHost = conns
	t.MaxIdleConnsPerHost = conns
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &builtin{
		opts:   opts,
		client: &http.Client{Timeout: timeout, Transport: t},
	}
}

func (b *builtin) command(req Request, duration time.Duration) string {
	cmd := []string{"builtin", "-d", seconds(duration)}
	if req.Rate > 0 {
		cmd = append(cmd, "-R", strconv.Itoa(req.Rate))
	}
	cmd = append(cmd, b.opts.Endpoint, "-c", strconv.Itoa(max(b.opts.Connections, 1)))
	return strings.Join(cmd, " ")
}

func (b *builtin) Measure(ctx context.Context, req Request) (Measurement, error) {
	if req.Script != "" {
		return Measurement{}, fmt.Errorf("%w: %s needs wrk", ErrScriptUnsupported, req.Script)
	}
	duration := req.Duration
	if duration <= 0 {
		duration = b.opts.Duration
	}
	command := b.command(req, duration)
	llog().Info("running load generator", "command", command)

	st := stats.NewStats()
	runCtx, cancel := context.WithTimeout(ctx, duration)
	start := time.Now()
	if req.Rate > 0 {
		b.runRate(runCtx, ctx, st, float64(req.Rate))
	} else {
		b.runConnections(runCtx, ctx, st)
	}
	elapsed := time.Since(start)
	cancel()
	if ctx.Err() != nil {
		return Measurement{}, ctx.Err()
	}

	llog().Info("load generator finished",
		"command", command,
		"requests", atomic.LoadUint64(&st.Requests),
		"error_rate", st.ErrorRate(),
		"p99_ms", st.LatencyMs(99))

	var report strings.Builder
	b.render(&report, st, elapsed, duration)
	stdout := report.String()

	m, err := b.ParseMeasurements(stdout)
	if err != nil {
		return Measurement{}, err
	}
	m.Command = command
	m.Stdout = stdout
	return m, nil
}

// runRate paces requests at rate per second until runCtx expires. Requests
// in flight finish under reqCtx.
func (b *builtin) runRate(runCtx, reqCtx context.Context, st *stats.Stats, rate float64) {
	var wg sync.WaitGroup
	defer wg.Wait()

	period := time.Duration(float64(time.Second) / rate)
	next := time.Now()
	for {
		if wait := time.Until(next); wait > 0 {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(wait):
			}
		} else if runCtx.Err() != nil {
			return
		}

		wg.Add(1)
		scheduled := next
		go func() {
			defer wg.Done()
			b.executeRequest(reqCtx, st, scheduled)
		}()

		next = next.Add(period)
		// don't try to catch up after a long stall
		if time.Since(next) > time.Second {
			next = time.Now()
		}
	}
}

func (b *builtin) runConnections(runCtx, reqCtx context.Context, st *stats.Stats) {
	var wg sync.WaitGroup
	for i := 0; i < max(b.opts.Connections, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for runCtx.Err() == nil {
				b.executeRequest(reqCtx, st, time.Now())
			}
		}()
	}
	wg.Wait()
}

func (b *builtin) executeRequest(ctx context.Context, st *stats.Stats, scheduled time.Time) {
	actualStart := time.Now()
	queueWait := actualStart.Sub(scheduled)
	if queueWait < 0 {
		queueWait = 0
	}

	atomic.AddInt64(&b.inflight, 1)
	defer atomic.AddInt64(&b.inflight, -1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.opts.Endpoint, nil)
	if err != nil {
		st.AddRequest(false, 0, 0, queueWait.Microseconds())
		return
	}
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := b.client.Do(req)
	var n int64
	success := false
	if err == nil {
		n, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		success = resp.StatusCode >= 200 && resp.StatusCode < 400
	}
	latency := time.Since(scheduled)
	st.AddRequest(success, n, max(latency.Microseconds(), 1), queueWait.Microseconds())
}

func (b *builtin) render(w io.Writer, st *stats.Stats, elapsed, duration time.Duration) {
	requests := atomic.LoadUint64(&st.Requests)
	fails := atomic.LoadUint64(&st.Fail)
	bytes := atomic.LoadUint64(&st.Bytes)

	fmt.Fprintf(w, "Running %s test @ %s\n", seconds(duration), b.opts.Endpoint)
	fmt.Fprintf(w, "  %d goroutines and %d connections\n", max(b.opts.Connections, 1), max(b.opts.Connections, 1))
	fmt.Fprintf(w, "  Thread Stats   Avg      Stdev     Max   +/- Stdev\n")
	fmt.Fprintf(w, "    Latency   %s   %s   %s   %.2f%%\n",
		formatLatency(st.Latency.Mean()),
		formatLatency(st.Latency.StdDev()),
		formatLatency(float64(st.Latency.Max())),
		st.Latency.WithinStdDev())
	fmt.Fprintf(w, "  Latency Distribution (HdrHistogram - Recorded Latency)\n")
	for _, p := range distribution {
		fmt.Fprintf(w, "%7.3f%%  %s\n", p, formatLatency(float64(st.Latency.ValueAtQuantile(p))))
	}
	fmt.Fprintf(w, "  %d requests in %.2fs, %d bytes read\n", requests, elapsed.Seconds(), bytes)
	if fails > 0 {
		fmt.Fprintf(w, "  Non-2xx or 3xx responses: %d\n", fails)
	}
	rps := 0.0
	if elapsed > 0 {
		rps = float64(requests) / elapsed.Seconds()
	}
	fmt.Fprintf(w, "Requests/sec: %10.2f\n", rps)
	fmt.Fprintf(w, "Average queue wait: %.3fms\n", st.QueueWaitAvgMs())
}

// formatLatency prints microseconds with the unit wrk would use.
func formatLatency(us float64) string {
	switch {
	case us < 1000:
		return fmt.Sprintf("%.2fus", us)
	case us < 1000*1000:
		return fmt.Sprintf("%.2fms", us/1000)
	default:
		return fmt.Sprintf("%.2fs", us/1000/1000)
	}
}

// ParseMeasurements reads both the throughput and the latency distribution.
func (b *builtin) ParseMeasurements(stdout string) (Measurement, error) {
	summary, throughput, err := parseSummary(stdout)
	if err != nil {
		return Measurement{}, err
	}
	latencies, err := parseLatencies(stdout)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{Throughput: &throughput, Latencies: latencies, Summary: summary}, nil
}

func (b *builtin) DumpStdout(dir, name, stdout string) error {
	return DumpStdout(dir, name, stdout)
}

func (b *builtin) Cleanup() {
	if n := atomic.LoadInt64(&b.inflight); n > 0 {
		llog().Warn("requests still in flight", "count", n)
	}
	b.client.CloseIdleConnections()
}
