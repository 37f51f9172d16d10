package loadgen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// wrkTool wraps the wrk executable, either the plain variant measuring
// maximum throughput or the rate controlled wrk2.
type wrkTool struct {
	opts Options
	// rateControlled selects wrk2
	rateControlled bool

	lookPath func(string) (string, error)
	run      func(ctx context.Context, env []string, name string, args ...string) (string, int, error)
	checked  bool
}

var _ Generator = (*wrkTool)(nil)

func newWrk(opts Options, rateControlled bool) *wrkTool {
	return &wrkTool{
		opts:           opts,
		rateControlled: rateControlled,
		lookPath:       exec.LookPath,
		run:            runCommand,
	}
}

func (w *wrkTool) name() string {
	if w.rateControlled {
		return "wrk2"
	}
	return "wrk"
}

// check verifies once that the right variant is installed: only wrk2 knows
// the --rate flag.
func (w *wrkTool) check(ctx context.Context) error {
	if w.checked {
		return nil
	}
	name := w.name()
	if _, err := w.lookPath(name); err != nil {
		return fmt.Errorf("%w: %s command not found in PATH", ErrToolMissing, name)
	}
	out, _, err := w.run(ctx, w.opts.Env, name, "--version")
	if err != nil {
		return fmt.Errorf("%w: running %s --version: %v", ErrToolMissing, name, err)
	}
	hasRate := strings.Contains(out, "--rate")
	if w.rateControlled && !hasRate {
		return fmt.Errorf("%w: wrk2 should have --rate flag, make sure wrk2 is not an alias for wrk. Output of 'wrk2 --version':\n%s", ErrToolMissing, out)
	}
	if !w.rateControlled && hasRate {
		return fmt.Errorf("%w: wrk should not have --rate flag, make sure wrk is not an alias for wrk2", ErrToolMissing)
	}
	w.checked = true
	return nil
}

func (w *wrkTool) command(req Request) []string {
	duration := req.Duration
	if duration <= 0 {
		duration = w.opts.Duration
	}
	cmd := []string{w.name(), "-d", seconds(duration)}
	if w.rateControlled {
		rate := req.Rate
		if rate <= 0 {
			rate = DefaultRate
			llog().Warn("no rate was given, using the default", "rate", rate)
		}
		cmd = append(cmd, "-R", strconv.Itoa(rate), "--latency")
	}
	cmd = append(cmd, w.opts.Endpoint, "-t", strconv.Itoa(w.opts.Threads), "-c", strconv.Itoa(w.opts.Connections))
	if req.Script != "" {
		// the lua script receives the thread count to split its workload
		cmd = append(cmd, "--script", req.Script, "--", strconv.Itoa(w.opts.Threads))
	}
	return cmd
}

func (w *wrkTool) Measure(ctx context.Context, req Request) (Measurement, error) {
	if err := w.check(ctx); err != nil {
		return Measurement{}, err
	}
	cmd := w.command(req)
	command := strings.Join(cmd, " ")
	llog().Info("running load generator", "command", command)

	stdout, code, err := w.run(ctx, w.opts.Env, cmd[0], cmd[1:]...)
	if err != nil {
		return Measurement{}, fmt.Errorf("running %s: %w", w.name(), err)
	}
	if code != 0 {
		return Measurement{}, &MeasurementError{
			Command:   command,
			ExitCode:  code,
			Stdout:    stdout,
			CrashDump: crashDump(w.opts.OutputDir, stdout),
		}
	}

	m, err := w.ParseMeasurements(stdout)
	if err != nil {
		return Measurement{}, err
	}
	m.Command = command
	m.Stdout = stdout
	m.ExitCode = code
	return m, nil
}

// ParseMeasurements extracts the throughput for wrk, and the latency
// distribution plus the throughput, when present, for wrk2.
func (w *wrkTool) ParseMeasurements(stdout string) (Measurement, error) {
	if !w.rateControlled {
		summary, throughput, err := parseSummary(stdout)
		if err != nil {
			return Measurement{}, err
		}
		return Measurement{Throughput: &throughput, Summary: summary}, nil
	}

	latencies, err := parseLatencies(stdout)
	if err != nil {
		return Measurement{}, err
	}
	m := Measurement{Latencies: latencies}
	if summary, throughput, err := parseSummary(stdout); err == nil {
		m.Summary = summary
		m.Throughput = &throughput
	}
	return m, nil
}

func (w *wrkTool) DumpStdout(dir, name, stdout string) error {
	return DumpStdout(dir, name, stdout)
}

func (w *wrkTool) Cleanup() {
	llog().Debug("no cleanup needed", "tool", w.name())
}

// runCommand runs name with stdout and stderr merged. A non zero exit code is
// not an error.
func runCommand(ctx context.Context, env []string, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(out), -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), exitErr.ExitCode(), nil
	}
	if err != nil {
		return string(out), -1, err
	}
	return string(out), 0, nil
}
