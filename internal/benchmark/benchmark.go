// Package benchmark runs the full pipeline of a benchmark: startup, warmup,
// throughput and latency measurements, then results.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"barista/internal/config"
	"barista/internal/explorer"
	"barista/internal/loadgen"
	"barista/internal/monitor"
	"barista/internal/report"
	"barista/internal/results"
	"barista/internal/startup"
	"barista/internal/storage"
	"barista/internal/supervisor"
)

func blog() *slog.Logger {
	return slog.With("component", "benchmark.Driver")
}

// History stores a summary of every completed run.
type History interface {
	Save(item storage.HistoryItem) error
}

type Driver struct {
	cfg     *config.Config
	runDir  string
	command []string
	out     io.Writer
	history History

	sup          *supervisor.Supervisor
	newGenerator func(kind loadgen.Kind, opts loadgen.Options) (loadgen.Generator, error)
	now          func() time.Time

	mon        *monitor.Monitor
	generators []loadgen.Generator
	cleaned    bool
}

// New prepares a run writing into runDir. Progress goes to out; history may
// be nil.
func New(cfg *config.Config, runDir string, command []string, out io.Writer, history History) *Driver {
	return &Driver{
		cfg:     cfg,
		runDir:  runDir,
		command: command,
		out:     out,
		history: history,
		sup: supervisor.New(supervisor.Options{
			Mode:       supervisor.Mode(cfg.Mode),
			JavaHome:   cfg.JavaHome,
			Executable: cfg.AppExecutable,
			VMOptions:  cfg.VMOptions,
			AppArgs:    cfg.AppArgs,
		}),
		newGenerator: loadgen.New,
		now:          time.Now,
	}
}

// Run executes every phase and saves the results. Resources are released on
// success, error and cancellation alike.
func (d *Driver) Run(ctx context.Context) (res *results.Results, err error) {
	started := d.now()
	fmt.Fprint(d.out, d.cfg.Describe(started))
	defer func() {
		if cerr := d.cleanup(err); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			blog().Error("benchmark failed", "error", err)
		}
	}()

	res = results.New(d.cfg.Benchmark, d.command, started)

	measurements, app, err := startup.New(d.sup, d.cfg).Run(ctx)
	if err != nil {
		return nil, err
	}
	res.Startup.Measurements = measurements
	d.mon = monitor.Attach(app, d.cfg.PollingInterval())
	d.mon.Start(ctx)

	lt := d.cfg.LoadTesting
	throughputKind, latencyKind := loadgen.KindWrk, loadgen.KindWrk2
	if d.cfg.LoadGenerator == string(loadgen.KindBuiltin) {
		throughputKind, latencyKind = loadgen.KindBuiltin, loadgen.KindBuiltin
	}

	if res.Warmup.Measurements, err = d.runPhase(ctx, "warmup", throughputKind, lt.Warmup); err != nil {
		return nil, err
	}
	if res.Throughput.Measurements, err = d.runPhase(ctx, "throughput", throughputKind, lt.Throughput); err != nil {
		return nil, err
	}

	gen, err := d.generator(latencyKind, lt.Latency.Phase)
	if err != nil {
		return nil, err
	}
	throughputs := make([]float64, len(res.Throughput.Measurements))
	for i, m := range res.Throughput.Measurements {
		throughputs[i] = m.Throughput
	}
	if res.Latency.Measurements, err = explorer.New(lt.Latency, gen, d.runDir, throughputs).Explore(ctx); err != nil {
		return nil, err
	}

	// results need the monitor joined
	if err := d.cleanup(nil); err != nil {
		return nil, err
	}
	res.Startup.SelfReported = d.mon.StartupTimes()
	res.AppOutput = d.mon.Output()
	if err := res.SetUsage(d.mon.Samples()); err != nil {
		return nil, err
	}
	if err := results.Save(d.runDir, res); err != nil {
		return nil, err
	}
	if d.history != nil {
		if err := d.history.Save(storage.NewHistoryItem(res, d.cfg.Endpoint, d.runDir)); err != nil {
			blog().Warn("can't save run to history", "error", err)
		}
	}
	blog().Info("benchmark done", "duration", d.now().Sub(started).Round(time.Second), "output", d.runDir)
	return res, nil
}

func (d *Driver) generator(kind loadgen.Kind, p config.Phase) (loadgen.Generator, error) {
	gen, err := d.newGenerator(kind, loadgen.Options{
		Endpoint:    d.cfg.Endpoint,
		Threads:     p.Threads,
		Connections: p.Connections,
		Duration:    p.Duration(),
		OutputDir:   d.runDir,
	})
	if err != nil {
		return nil, err
	}
	d.generators = append(d.generators, gen)
	return gen, nil
}

// runPhase measures throughput for every script and iteration, dumping each
// output as <phase>-<i>-dump.txt.
func (d *Driver) runPhase(ctx context.Context, name string, kind loadgen.Kind, p config.Phase) ([]results.ThroughputRecord, error) {
	if p.Iterations <= 0 {
		return nil, nil
	}
	gen, err := d.generator(kind, p)
	if err != nil {
		return nil, err
	}
	scripts := p.LuaScript
	if len(scripts) == 0 {
		scripts = []string{""}
	}

	var records []results.ThroughputRecord
	total := len(scripts) * p.Iterations
	for _, script := range scripts {
		for i := 0; i < p.Iterations; i++ {
			blog().Info("running iteration", "phase", name, "iteration", i+1, "of", p.Iterations)
			if err := d.checkApp(); err != nil {
				return nil, err
			}
			m, err := gen.Measure(ctx, loadgen.Request{Script: script})
			if err != nil {
				return nil, err
			}
			if m.Throughput == nil {
				return nil, fmt.Errorf("%w: no throughput in %s iteration %d", loadgen.ErrParse, name, i+1)
			}
			rec := results.ThroughputRecord{Throughput: *m.Throughput, Command: m.Command, Iteration: i}
			if script != "" {
				rec.Script = filepath.Base(script)
			}
			records = append(records, rec)
			if err := gen.DumpStdout(d.runDir, fmt.Sprintf("%s-%d", name, i+1), m.Stdout); err != nil {
				return nil, err
			}
			fmt.Fprintln(d.out, report.Progress(name, len(records), total))
		}
	}
	return records, nil
}

// checkApp fails when the application died between measurements.
func (d *Driver) checkApp() error {
	if app := d.sup.Active(); app != nil {
		return app.CheckAlive()
	}
	return nil
}

// cleanup releases the generators, terminates the application and joins the
// monitor. It runs once; when the application exited on its own there is
// nothing left to terminate.
func (d *Driver) cleanup(cause error) error {
	if d.cleaned {
		return nil
	}
	d.cleaned = true

	for _, g := range d.generators {
		g.Cleanup()
	}
	var err error
	if !errors.Is(cause, supervisor.ErrUnexpectedExit) {
		err = d.sup.Terminate(d.sup.Active())
		if errors.Is(err, supervisor.ErrUnexpectedExit) && cause != nil {
			// the failure is already reported
			err = nil
		}
	}
	if d.mon != nil {
		if werr := d.mon.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
