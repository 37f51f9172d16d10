// Package process inspects and signals the processes of a benchmarked application tree.
package process

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrNotFound is returned by every Handle operation when the process has
// already gone away.
var ErrNotFound = errors.New("process not found")

func plog() *slog.Logger {
	return slog.With("component", "process.Handle")
}

// MemoryInfo is a memory snapshot of a process, in bytes.
type MemoryInfo struct {
	RSS uint64
	VMS uint64
}

// CPUTimes are the accumulated CPU times of a process, in seconds.
type CPUTimes struct {
	User      float64
	Kernel    float64
	Timestamp time.Time
}

func (c CPUTimes) Total() float64 {
	return c.User + c.Kernel
}

// Handle represents a single process by pid. Implementations keep the last
// CPU snapshot privately so that CPUPercent is differential; a Handle must
// not be shared between goroutines that sample CPU concurrently.
type Handle interface {
	// Pid returns the process ID
	Pid() int
	// Cmdline returns the command line tokens, without empty entries
	Cmdline() ([]string, error)
	// Children returns the direct children, or every descendant if recursive is set
	Children(recursive bool) ([]Handle, error)
	// MemoryInfo returns the resident and virtual memory sizes
	MemoryInfo() (MemoryInfo, error)
	// CPUPercent blocks for interval and returns the CPU usage since the previous call.
	// The first call with a zero interval returns 0.
	CPUPercent(interval time.Duration) (float64, error)
	// Terminate sends SIGTERM
	Terminate() error
}

// newHandle is replaced at init by the platform specific implementation.
var newHandle = newGenericProcess

// Get returns a Handle for pid. It does not check that the process exists.
func Get(pid int) Handle {
	return newHandle(pid)
}

// hostProc returns the path under the proc filesystem, honoring HOST_PROC.
func hostProc(elem ...string) string {
	root := os.Getenv("HOST_PROC")
	if root == "" {
		root = "/proc"
	}
	return filepath.Join(append([]string{root}, elem...)...)
}

// notFound maps the errors of a vanished process to ErrNotFound.
func notFound(pid int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESRCH) {
		plog().Debug("process vanished", "pid", pid, "error", err)
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return err
}

// cpuSampler holds the previous CPU snapshot of one process.
type cpuSampler struct {
	prev *CPUTimes
	read func() (CPUTimes, error)
}

func (s *cpuSampler) poll() (*CPUTimes, CPUTimes, error) {
	cur, err := s.read()
	if err != nil {
		return nil, CPUTimes{}, err
	}
	prev := s.prev
	s.prev = &cur
	return prev, cur, nil
}

func (s *cpuSampler) percent(interval time.Duration) (float64, error) {
	prev, cur, err := s.poll()
	if err != nil {
		return 0, err
	}
	if interval > 0 {
		time.Sleep(interval)
		if prev, cur, err = s.poll(); err != nil {
			return 0, err
		}
	}
	return cpuPercent(prev, cur), nil
}

// cpuPercent returns the share of one CPU used between two snapshots.
func cpuPercent(prev *CPUTimes, cur CPUTimes) float64 {
	if prev == nil {
		return 0
	}
	elapsed := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return 100 * (cur.Total() - prev.Total()) / elapsed
}
