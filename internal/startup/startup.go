// Package startup measures how fast a freshly launched application answers
// its first requests.
package startup

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"barista/internal/config"
	"barista/internal/monitor"
	"barista/internal/stats"
	"barista/internal/supervisor"
)

var (
	// ErrUnresponsive means no response arrived within the startup timeout
	ErrUnresponsive = errors.New("application unresponsive")
	// ErrServerError means the application answered with a 5xx status
	ErrServerError = errors.New("application responded with a server error")
)

const (
	retryInterval = time.Millisecond
	pollInterval  = time.Second
)

func stlog() *slog.Logger {
	return slog.With("component", "startup.Manager")
}

// Measurement is the median response time of the Iteration-th request after
// a cold start, across all startup iterations.
type Measurement struct {
	ResponseTime float64 `json:"response_time"`
	Iteration    int     `json:"iteration"`
}

// app is what a startup iteration needs from a launched application.
type app interface {
	StartTime() time.Time
	CheckAlive() error
}

type Manager struct {
	sup      *supervisor.Supervisor
	cfg      config.Startup
	endpoint string

	prefix            []string
	prefixInitTimeout time.Duration

	client       *http.Client
	pollInterval time.Duration
}

func New(sup *supervisor.Supervisor, cfg *config.Config) *Manager {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	// every attempt must open a new connection
	t.DisableKeepAlives = true

	return &Manager{
		sup:               sup,
		cfg:               cfg.LoadTesting.Startup,
		endpoint:          cfg.Endpoint,
		prefix:            cfg.CmdAppPrefix,
		prefixInitTimeout: cfg.PrefixInitTimeout(),
		client:            &http.Client{Transport: t, Timeout: cfg.LoadTesting.Startup.TimeoutDuration()},
		pollInterval:      pollInterval,
	}
}

// Run performs the configured startup iterations, each on a new application
// instance, and aggregates them into per request medians. It then launches
// the application that the load testing phases use and returns it once it
// responds. That application is left running, also on error.
func (m *Manager) Run(ctx context.Context) ([]Measurement, *supervisor.App, error) {
	var iterations [][]float64
	for i := 0; i < m.cfg.Iterations; i++ {
		stlog().Info("running startup iteration", "iteration", i+1, "of", m.cfg.Iterations)
		times, err := m.coldStart(ctx)
		if err != nil {
			return nil, nil, err
		}
		iterations = append(iterations, times)
	}
	medians, err := stats.StartupMedians(iterations, m.cfg.Requests)
	if err != nil {
		return nil, nil, err
	}
	res := make([]Measurement, 0, len(medians))
	for i, v := range medians {
		res = append(res, Measurement{ResponseTime: v, Iteration: i})
	}

	a, err := m.sup.Launch(ctx, m.prefix, m.prefixInitTimeout, false)
	if err != nil {
		return nil, nil, err
	}
	cmdline, _ := a.AppProcess().Cmdline()
	stlog().Info("detected app process", "pid", a.AppProcess().Pid(), "cmdline", strings.Join(cmdline, " "))
	// not recorded, makes sure the app is ready for the load generator
	if _, err := m.iteration(ctx, a); err != nil {
		return nil, a, err
	}
	return res, a, nil
}

// coldStart launches an instance with the startup prefix, times the
// configured requests and terminates it.
func (m *Manager) coldStart(ctx context.Context) ([]float64, error) {
	a, err := m.sup.Launch(ctx, m.cfg.CmdAppPrefix, m.cfg.PrefixInitTimeout(), true)
	if err != nil {
		return nil, err
	}
	// drain the output so the app never blocks on a full pipe
	mon := monitor.Attach(a, 0)
	mon.Start(ctx)

	times, err := m.iteration(ctx, a)
	if errors.Is(err, supervisor.ErrUnexpectedExit) {
		_ = mon.Wait()
		return nil, err
	}
	if terr := m.sup.Terminate(a); terr != nil && err == nil {
		err = terr
	}
	if werr := mon.Wait(); werr != nil && err == nil {
		err = werr
	}
	return times, err
}

// iteration sends the configured number of sequential requests. The first
// one is timed from the application start.
func (m *Manager) iteration(ctx context.Context, a app) ([]float64, error) {
	if m.cfg.Requests <= 0 {
		return nil, fmt.Errorf("%w: startup request count must be positive, got %d", config.ErrInvalid, m.cfg.Requests)
	}
	stlog().Info("running startup measurements", "requests", m.cfg.Requests, "endpoint", m.endpoint)
	times := make([]float64, 0, m.cfg.Requests)
	for i := 0; i < m.cfg.Requests; i++ {
		before := time.Now()
		if i == 0 {
			before = a.StartTime()
		}
		if err := m.requestUntilResponse(ctx, a); err != nil {
			return nil, err
		}
		ms := float64(time.Since(before).Microseconds()) / 1000
		stlog().Info("received response", "request", i+1, "ms", ms)
		times = append(times, ms)
	}
	return times, nil
}

// requestUntilResponse retries every millisecond until the endpoint answers.
// The root process is checked periodically so that a crashed application
// fails fast. A zero timeout waits forever.
func (m *Manager) requestUntilResponse(ctx context.Context, a app) error {
	timeout := m.cfg.TimeoutDuration()
	start := time.Now()
	lastPoll := start
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := m.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				stlog().Warn("app responded with a server error", "status", resp.StatusCode)
				return fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
			}
			stlog().Debug("app responded", "status", resp.StatusCode)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := time.Now()
		if now.Sub(lastPoll) >= m.pollInterval {
			lastPoll = now
			if err := a.CheckAlive(); err != nil {
				return err
			}
		}
		if timeout > 0 && now.Sub(start) >= timeout {
			return fmt.Errorf("%w: no response after trying for %s", ErrUnresponsive, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}
