// Package supervisor launches the benchmarked application, finds the real
// application process behind an optional wrapper command and terminates it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"barista/internal/process"
)

var (
	ErrLaunch           = errors.New("could not launch the application")
	ErrDiscoveryTimeout = errors.New("application process not found")
	ErrUnexpectedExit   = errors.New("root process exited unexpectedly")
	ErrGracePeriod      = errors.New("root process did not exit within the grace period")
)

const (
	// DefaultDiscoveryTimeout applies when no prefix init timeout is configured
	DefaultDiscoveryTimeout = 5 * time.Second
	GracePeriod             = 60 * time.Second
	discoveryRetry          = time.Millisecond
)

func svlog() *slog.Logger {
	return slog.With("component", "supervisor.Supervisor")
}

// ExitError reports that the root process had already exited when the
// supervisor expected it to be alive.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("root process terminated prematurely with return code %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return ErrUnexpectedExit
}

type Mode string

const (
	ModeJVM    Mode = "jvm"
	ModeNative Mode = "native"
)

type Options struct {
	Mode       Mode
	JavaHome   string
	Executable string
	VMOptions  []string
	AppArgs    []string
}

// Supervisor launches one application at a time and remembers the active one.
type Supervisor struct {
	opts Options

	lookPath   func(string) (string, error)
	getProcess func(pid int) process.Handle
	grace      time.Duration

	active *App
}

func New(opts Options) *Supervisor {
	return &Supervisor{
		opts:       opts,
		lookPath:   exec.LookPath,
		getProcess: process.Get,
		grace:      GracePeriod,
	}
}

// Active returns the application launched last, unless it was terminated.
func (s *Supervisor) Active() *App {
	return s.active
}

// Command builds the command line of the application itself, without prefix.
func (s *Supervisor) Command() ([]string, error) {
	var command []string
	switch s.opts.Mode {
	case ModeJVM:
		if s.opts.JavaHome != "" {
			command = append(command, filepath.Join(s.opts.JavaHome, "bin", "java"))
		} else {
			svlog().Warn("java_home not set, trying java from PATH")
			if _, err := s.lookPath("java"); err != nil {
				return nil, fmt.Errorf("%w: java command not found, set java_home or add java to PATH", ErrLaunch)
			}
			command = append(command, "java")
		}
		command = append(command, s.opts.VMOptions...)
		if strings.HasSuffix(s.opts.Executable, ".jar") {
			command = append(command, "-jar", s.opts.Executable)
		} else {
			command = append(command, s.opts.Executable)
		}
		command = append(command, s.opts.AppArgs...)
	case ModeNative:
		if s.opts.Executable == "" {
			return nil, fmt.Errorf("%w: no native executable configured", ErrLaunch)
		}
		command = append(command, s.opts.Executable)
		command = append(command, s.opts.VMOptions...)
		command = append(command, s.opts.AppArgs...)
	default:
		return nil, fmt.Errorf("%w: mode %q not supported", ErrLaunch, s.opts.Mode)
	}
	return command, nil
}

// Launch spawns prefix + application command in a new session with stdout and
// stderr merged into a single pipe. Unless lazy is set, it waits up to
// prefixInitTimeout for the application process to show up in the tree.
func (s *Supervisor) Launch(ctx context.Context, prefix []string, prefixInitTimeout time.Duration, lazy bool) (*App, error) {
	command, err := s.Command()
	if err != nil {
		return nil, err
	}
	full := append(slices.Clone(prefix), command...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating output pipe: %v", ErrLaunch, err)
	}
	cmd := exec.Command(full[0], full[1:]...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = newSession()

	svlog().Info("starting application", "command", strings.Join(full, " "))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	// the children keep their own copies of the write end
	w.Close()

	app := &App{
		cmd:       cmd,
		root:      s.getProcess(cmd.Process.Pid),
		expected:  command,
		startTime: start,
		output:    r,
		done:      make(chan struct{}),
	}
	go app.wait()
	s.active = app

	if lazy {
		return app, nil
	}
	if prefixInitTimeout <= 0 {
		prefixInitTimeout = DefaultDiscoveryTimeout
	}
	if app.app, err = ResolveAppProcess(ctx, app.root, app.expected, prefixInitTimeout); err != nil {
		if errors.Is(err, ErrDiscoveryTimeout) {
			// the whole tree was signalled already
			app.terminated = true
			s.active = nil
		}
		return nil, err
	}
	svlog().Debug("application process found", "root", app.root.Pid(), "app", app.app.Pid())
	return app, nil
}

// ResolveAppProcess scans root and all its descendants every millisecond until
// timeLimit elapses. A process whose full command line equals expected wins
// over one that only shares the executable. Processes vanishing during a scan
// cause a rescan. When nothing matches, every process of the last observed
// tree is terminated and ErrDiscoveryTimeout is returned.
func ResolveAppProcess(ctx context.Context, root process.Handle, expected []string, timeLimit time.Duration) (process.Handle, error) {
	deadline := time.Now().Add(timeLimit)
	tree := []process.Handle{root}
	for {
		found, err := scanTree(root, expected, &tree)
		if found != nil {
			return found, nil
		}
		if err != nil && !errors.Is(err, process.ErrNotFound) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(discoveryRetry):
		}
	}

	svlog().Error("terminating all spawned processes", "expected", strings.Join(expected, " "), "timeLimit", timeLimit)
	for _, p := range tree {
		if err := p.Terminate(); err != nil && !errors.Is(err, process.ErrNotFound) {
			svlog().Warn("can't terminate process", "pid", p.Pid(), "error", err)
		}
	}
	return nil, fmt.Errorf("%w: expected cmdline %q after trying for %s, terminated all spawned processes",
		ErrDiscoveryTimeout, strings.Join(expected, " "), timeLimit)
}

func scanTree(root process.Handle, expected []string, tree *[]process.Handle) (process.Handle, error) {
	children, err := root.Children(true)
	if err != nil {
		return nil, err
	}
	*tree = append([]process.Handle{root}, children...)

	cmdlines := make([][]string, len(*tree))
	for i, p := range *tree {
		if cmdlines[i], err = p.Cmdline(); err != nil {
			return nil, err
		}
		if slices.Equal(cmdlines[i], expected) {
			return p, nil
		}
	}
	if len(expected) == 0 {
		return nil, nil
	}
	for i, p := range *tree {
		if len(cmdlines[i]) > 0 && cmdlines[i][0] == expected[0] {
			return p, nil
		}
	}
	return nil, nil
}

// Terminate sends SIGTERM to the application process and waits for the root
// process to exit. If the root process exited before, an *ExitError is
// returned without signalling anything. Terminating a nil or already
// terminated app is a no-op.
func (s *Supervisor) Terminate(app *App) error {
	if app == nil || app.terminated {
		return nil
	}
	if s.active == app {
		s.active = nil
	}
	app.terminated = true

	if code, exited := app.Exited(); exited {
		return &ExitError{Code: code}
	}
	if app.app == nil {
		found, err := ResolveAppProcess(context.Background(), app.root, app.expected, DefaultDiscoveryTimeout)
		if err != nil {
			return err
		}
		app.app = found
	}
	svlog().Debug("terminating application", "pid", app.app.Pid())
	if err := app.app.Terminate(); err != nil && !errors.Is(err, process.ErrNotFound) {
		return fmt.Errorf("terminating pid %d: %w", app.app.Pid(), err)
	}

	select {
	case <-app.done:
		return nil
	case <-time.After(s.grace):
		return fmt.Errorf("%w: waited %s for pid %d", ErrGracePeriod, s.grace, app.root.Pid())
	}
}

// App is a launched application tree.
type App struct {
	cmd       *exec.Cmd
	root      process.Handle
	app       process.Handle
	expected  []string
	startTime time.Time
	output    io.ReadCloser

	done     chan struct{}
	exitCode int

	terminated bool
}

func (a *App) wait() {
	_ = a.cmd.Wait()
	a.exitCode = a.cmd.ProcessState.ExitCode()
	close(a.done)
}

// Root is the process spawned directly, possibly a wrapper command.
func (a *App) Root() process.Handle {
	return a.root
}

// AppProcess is nil until the application process has been resolved.
func (a *App) AppProcess() process.Handle {
	return a.app
}

// StartTime was taken immediately before spawning the root process.
func (a *App) StartTime() time.Time {
	return a.startTime
}

// Output is the merged stdout and stderr of the whole tree. It has a single
// reader, which is expected to close it.
func (a *App) Output() io.ReadCloser {
	return a.output
}

// Exited polls the root process without blocking.
func (a *App) Exited() (int, bool) {
	select {
	case <-a.done:
		return a.exitCode, true
	default:
		return 0, false
	}
}

// Done is closed once the root process has exited.
func (a *App) Done() <-chan struct{} {
	return a.done
}

// CheckAlive returns an *ExitError if the root process has exited.
func (a *App) CheckAlive() error {
	if code, exited := a.Exited(); exited {
		return &ExitError{Code: code}
	}
	return nil
}
