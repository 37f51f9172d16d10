package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc builds a /proc tree under a temp dir and points HOST_PROC to it.
type fakeProc struct {
	t    *testing.T
	root string
}

func newFakeProc(t *testing.T) *fakeProc {
	root := t.TempDir()
	t.Setenv("HOST_PROC", root)
	return &fakeProc{t: t, root: root}
}

func statLine(pid int, comm string, utime, stime, vsize, rss uint64) string {
	// pid (comm) state ppid pgrp session tty tpgid flags minflt cminflt majflt cmajflt
	// utime stime cutime cstime priority nice threads itreal starttime vsize rss ...
	return fmt.Sprintf("%d (%s) S 1 %d %d 0 -1 4194560 100 0 0 0 %d %d 0 0 20 0 4 0 12345 %d %d 18446744073709551615 0 0 0\n",
		pid, comm, pid, pid, utime, stime, vsize, rss)
}

func (f *fakeProc) process(pid int, cmdline []string, children ...int) {
	dir := filepath.Join(f.root, fmt.Sprint(pid))
	task := filepath.Join(dir, "task", fmt.Sprint(pid))
	require.NoError(f.t, os.MkdirAll(task, 0o755))

	raw := strings.Join(cmdline, "\x00") + "\x00"
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(raw), 0o600))

	var kids []string
	for _, c := range children {
		kids = append(kids, fmt.Sprint(c))
	}
	require.NoError(f.t, os.WriteFile(filepath.Join(task, "children"), []byte(strings.Join(kids, " ")), 0o600))
	f.stat(pid, statLine(pid, filepath.Base(cmdline[0]), 100, 50, 2<<30, 1000))
}

func (f *fakeProc) stat(pid int, content string) {
	require.NoError(f.t, os.WriteFile(filepath.Join(f.root, fmt.Sprint(pid), "stat"), []byte(content), 0o600))
}

func TestParseProcStat(t *testing.T) {
	st, err := parseProcStat(statLine(42, "java", 300, 20, 4096000, 250))
	require.NoError(t, err)
	assert.Equal(t, procStat{utime: 300, stime: 20, vsize: 4096000, rss: 250}, st)

	// command names may contain spaces and parentheses
	st, err = parseProcStat(statLine(42, "my (weird) app", 1, 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, procStat{utime: 1, stime: 2, vsize: 3, rss: 4}, st)
}

func TestParseProcStat_Malformed(t *testing.T) {
	testCases := []string{
		"",
		"42 java S 1",
		"42 (java) S 1 2 3",
		strings.Replace(statLine(42, "java", 1, 2, 3, 4), " 1 2 0 0 20", " x 2 0 0 20", 1),
	}
	for _, tc := range testCases {
		_, err := parseProcStat(tc)
		assert.Error(t, err, tc)
	}
}

func TestLinuxProcess_Cmdline(t *testing.T) {
	fp := newFakeProc(t)
	fp.process(12345, []string{"/usr/bin/java", "-Xmx1g", "-jar", "app.jar"})

	cmdline, err := Get(12345).Cmdline()
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/java", "-Xmx1g", "-jar", "app.jar"}, cmdline)

	// zombie processes have an empty cmdline
	require.NoError(t, os.WriteFile(filepath.Join(fp.root, "12345", "cmdline"), nil, 0o600))
	cmdline, err = Get(12345).Cmdline()
	require.NoError(t, err)
	assert.Empty(t, cmdline)
}

func TestLinuxProcess_Children(t *testing.T) {
	fp := newFakeProc(t)
	fp.process(10, []string{"perf", "record", "java"}, 11)
	fp.process(11, []string{"sh", "-c", "java"}, 12, 13)
	fp.process(12, []string{"java", "-jar", "app.jar"})
	fp.process(13, []string{"tail", "-f", "log"})

	pids := func(hs []Handle) []int {
		var res []int
		for _, h := range hs {
			res = append(res, h.Pid())
		}
		return res
	}

	direct, err := Get(10).Children(false)
	require.NoError(t, err)
	assert.Equal(t, []int{11}, pids(direct))

	all, err := Get(10).Children(true)
	require.NoError(t, err)
	assert.Equal(t, []int{11, 12, 13}, pids(all))

	leaf, err := Get(12).Children(true)
	require.NoError(t, err)
	assert.Empty(t, leaf)
}

func TestLinuxProcess_MemoryInfo(t *testing.T) {
	fp := newFakeProc(t)
	fp.process(7, []string{"app"})
	fp.stat(7, statLine(7, "app", 1, 1, 8<<20, 256))

	mem, err := Get(7).MemoryInfo()
	require.NoError(t, err)
	assert.Equal(t, MemoryInfo{RSS: 256 * pageSize, VMS: 8 << 20}, mem)
}

func TestLinuxProcess_CPUPercent(t *testing.T) {
	fp := newFakeProc(t)
	fp.process(7, []string{"app"})

	ticks := clockTicks()
	now := time.Unix(5000, 0)
	p := newLinuxProcess(7).(*linuxProcess)
	p.now = func() time.Time { return now }

	fp.stat(7, statLine(7, "app", uint64(ticks), 0, 1, 1))
	pct, err := p.CPUPercent(0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, pct)

	now = now.Add(time.Second)
	fp.stat(7, statLine(7, "app", uint64(2*ticks), 0, 1, 1))
	pct, err = p.CPUPercent(0)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, pct, 1e-9)
}

func TestLinuxProcess_NotFound(t *testing.T) {
	newFakeProc(t)
	p := Get(999999)

	_, err := p.Cmdline()
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Children(true)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.MemoryInfo()
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.CPUPercent(0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLinuxProcess_Terminate(t *testing.T) {
	// pids above the kernel maximum never exist
	assert.ErrorIs(t, Get(1<<30).Terminate(), ErrNotFound)
}
