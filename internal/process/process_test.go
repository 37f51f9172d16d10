package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	gp "github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUPercent(t *testing.T) {
	t0 := time.Unix(1000, 0)

	assert.Equal(t, 0.0, cpuPercent(nil, CPUTimes{User: 1, Timestamp: t0}))
	assert.Equal(t, 100.0, cpuPercent(
		&CPUTimes{User: 1.0, Kernel: 0.0, Timestamp: t0},
		CPUTimes{User: 2.0, Kernel: 0.0, Timestamp: t0.Add(time.Second)},
	))
	assert.Equal(t, 50.0, cpuPercent(
		&CPUTimes{User: 1.0, Kernel: 1.0, Timestamp: t0},
		CPUTimes{User: 1.5, Kernel: 1.5, Timestamp: t0.Add(2 * time.Second)},
	))
	// no elapsed time
	assert.Equal(t, 0.0, cpuPercent(&CPUTimes{User: 1, Timestamp: t0}, CPUTimes{User: 2, Timestamp: t0}))
}

func TestCPUSampler(t *testing.T) {
	t0 := time.Unix(1000, 0)
	snapshots := []CPUTimes{
		{User: 1, Timestamp: t0},
		{User: 2, Timestamp: t0.Add(time.Second)},
		{User: 2, Kernel: 0.5, Timestamp: t0.Add(2 * time.Second)},
	}
	i := 0
	s := cpuSampler{read: func() (CPUTimes, error) {
		c := snapshots[i]
		i++
		return c, nil
	}}

	for _, expected := range []float64{0, 100, 50} {
		pct, err := s.percent(0)
		require.NoError(t, err)
		assert.Equal(t, expected, pct)
	}
}

func TestCPUSampler_Error(t *testing.T) {
	s := cpuSampler{read: func() (CPUTimes, error) {
		return CPUTimes{}, fmt.Errorf("%w: pid 1", ErrNotFound)
	}}
	_, err := s.percent(time.Millisecond)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, s.prev)
}

func TestNotFound(t *testing.T) {
	assert.NoError(t, notFound(1, nil))

	_, statErr := os.Stat("/this/path/does/not/exist")
	assert.ErrorIs(t, notFound(1, statErr), ErrNotFound)

	other := errors.New("permission denied")
	assert.Equal(t, other, notFound(1, other))
}

func TestHostProc(t *testing.T) {
	t.Setenv("HOST_PROC", "")
	assert.Equal(t, "/proc/12/stat", hostProc("12", "stat"))

	t.Setenv("HOST_PROC", "/host/proc")
	assert.Equal(t, "/host/proc/12/task/12/children", hostProc("12", "task", "12", "children"))
}

func TestGet_Self(t *testing.T) {
	h := Get(os.Getpid())
	assert.Equal(t, os.Getpid(), h.Pid())

	cmdline, err := h.Cmdline()
	require.NoError(t, err)
	require.NotEmpty(t, cmdline)

	mem, err := h.MemoryInfo()
	require.NoError(t, err)
	assert.Positive(t, mem.RSS)
	assert.GreaterOrEqual(t, mem.VMS, mem.RSS)
}

func TestGenericProcess_Err(t *testing.T) {
	p := newGenericProcess(42).(*genericProcess)
	for _, tc := range []struct {
		name     string
		err      error
		notFound bool
	}{
		{name: "not running", err: gp.ErrorProcessNotRunning, notFound: true},
		{name: "process done", err: os.ErrProcessDone, notFound: true},
		{name: "wrapped not running", err: fmt.Errorf("times: %w", gp.ErrorProcessNotRunning), notFound: true},
		{name: "no such process", err: syscall.ESRCH, notFound: true},
		{name: "missing proc file", err: fs.ErrNotExist, notFound: true},
		{name: "other", err: errors.New("permission denied")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := p.err(tc.err)
			if tc.notFound {
				assert.ErrorIs(t, err, ErrNotFound)
				assert.Contains(t, err.Error(), "pid 42")
			} else {
				assert.NotErrorIs(t, err, ErrNotFound)
				assert.Equal(t, tc.err, err)
			}
		})
	}
	assert.NoError(t, p.err(nil))
}

func TestGenericProcess_TerminateExited(t *testing.T) {
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	cmd := exec.Command(path)
	require.NoError(t, cmd.Run())

	err = newGenericProcess(cmd.Process.Pid).Terminate()
	assert.ErrorIs(t, err, ErrNotFound)
}
