// Package monitor captures the output and samples the resource usage of a
// running application.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"barista/internal/process"
)

func mlog() *slog.Logger {
	return slog.With("component", "monitor.Monitor")
}

// Sample is one resource usage reading of the application process.
type Sample struct {
	TimestampMs float64 `json:"timestamp_ms"`
	RSS         uint64  `json:"rss"`
	VMS         uint64  `json:"vms"`
	CPU         float64 `json:"cpu"`
}

// Target is what a Monitor observes. *supervisor.App implements it.
type Target interface {
	Output() io.ReadCloser
	Exited() (int, bool)
	AppProcess() process.Handle
}

// Monitor runs two workers: one reading the application output to the end,
// one sampling memory and CPU while the root process is alive. Results are
// readable only once Wait has returned.
type Monitor struct {
	target   Target
	interval time.Duration
	now      func() time.Time

	group  *errgroup.Group
	joined bool
	once   sync.Once
	err    error

	output       strings.Builder
	samples      []Sample
	startupTimes map[string]float64
}

// Attach prepares a monitor for target. An interval <= 0 disables sampling.
func Attach(target Target, interval time.Duration) *Monitor {
	return &Monitor{
		target:       target,
		interval:     interval,
		now:          time.Now,
		startupTimes: map[string]float64{},
	}
}

// Start launches both workers. ctx cancellation stops the sampling loop; the
// output loop always runs to end of stream.
func (m *Monitor) Start(ctx context.Context) {
	m.group, ctx = errgroup.WithContext(ctx)
	m.group.Go(m.readOutput)
	m.group.Go(func() error {
		return m.sample(ctx)
	})
}

// Wait joins both workers. It is safe to call more than once, and on a
// monitor that was never started.
func (m *Monitor) Wait() error {
	m.once.Do(func() {
		if m.group != nil {
			m.err = m.group.Wait()
		}
		m.joined = true
	})
	return m.err
}

func (m *Monitor) readOutput() error {
	out := m.target.Output()
	defer out.Close()

	r := bufio.NewReader(out)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			m.consume(line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// the pipe may be closed under us when the app is torn down
			mlog().Debug("stopped reading application output", "error", err)
			return nil
		}
	}
}

func (m *Monitor) consume(line string) {
	if !utf8.ValidString(line) {
		mlog().Debug("ignoring output line that is not valid text")
		return
	}
	mlog().Debug(strings.TrimRight(line, "\r\n"), "stream", "app")
	m.output.WriteString(line)
	if len(m.startupTimes) == 0 {
		m.startupTimes = ExtractStartupTimes(line)
		if t, ok := m.startupTimes[FrameworkStartup]; ok {
			mlog().Info("extracted framework startup time", "ms", t)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) error {
	if m.interval <= 0 {
		mlog().Info("resource usage polling disabled", "interval", m.interval)
		return nil
	}
	proc := m.target.AppProcess()
	if proc == nil {
		mlog().Warn("application process unknown, not sampling resource usage")
		return nil
	}
	mlog().Info("monitoring memory and CPU usage", "pid", proc.Pid(), "interval", m.interval)

	for ctx.Err() == nil {
		if _, exited := m.target.Exited(); exited {
			return nil
		}
		mem, err := proc.MemoryInfo()
		if err != nil {
			return ignoreGone(err)
		}
		// blocks for the interval
		cpu, err := proc.CPUPercent(m.interval)
		if err != nil {
			return ignoreGone(err)
		}
		m.samples = append(m.samples, Sample{
			TimestampMs: float64(m.now().UnixNano()) / float64(time.Millisecond),
			RSS:         mem.RSS,
			VMS:         mem.VMS,
			CPU:         cpu,
		})
	}
	return nil
}

// ignoreGone ends sampling silently when the process exited between the
// liveness check and the read.
func ignoreGone(err error) error {
	if errors.Is(err, process.ErrNotFound) {
		return nil
	}
	return err
}

// Output returns the captured application output.
func (m *Monitor) Output() string {
	if !m.joined {
		return ""
	}
	return m.output.String()
}

// Samples returns the resource usage readings in timestamp order.
func (m *Monitor) Samples() []Sample {
	if !m.joined {
		return nil
	}
	return m.samples
}

// StartupTimes returns the self reported startup times, if any.
func (m *Monitor) StartupTimes() map[string]float64 {
	if !m.joined {
		return map[string]float64{}
	}
	return m.startupTimes
}
