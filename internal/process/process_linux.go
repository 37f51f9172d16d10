package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sys/unix"
)

func init() {
	newHandle = newLinuxProcess
}

var pageSize = func() uint64 {
	if ps := os.Getpagesize(); ps > 0 {
		return uint64(ps)
	}
	return 4096
}()

// clockTicks is resolved once, on first use.
var clockTicks = sync.OnceValue(func() float64 {
	if ticks := cpu.ClocksPerSec; ticks > 0 {
		return ticks
	}
	return 100
})

// linuxProcess reads /proc directly instead of going through gopsutil, which
// parses far more than a sampling loop running every few milliseconds needs.
type linuxProcess struct {
	pid int
	cpu cpuSampler
	now func() time.Time
}

var _ Handle = (*linuxProcess)(nil)

func newLinuxProcess(pid int) Handle {
	p := &linuxProcess{pid: pid, now: time.Now}
	p.cpu.read = p.cpuTimes
	return p
}

func (p *linuxProcess) Pid() int {
	return p.pid
}

// /proc/<pid>/stat field indices, counted after the ')' closing the command name.
const (
	statUtime = 11
	statStime = 12
	statVsize = 20
	statRss   = 21
)

type procStat struct {
	utime uint64
	stime uint64
	vsize uint64
	rss   uint64
}

func (p *linuxProcess) readStat() (procStat, error) {
	content, err := os.ReadFile(hostProc(strconv.Itoa(p.pid), "stat"))
	if err != nil {
		return procStat{}, notFound(p.pid, err)
	}
	return parseProcStat(string(content))
}

// parseProcStat parses the content of /proc/<pid>/stat. The command name may
// contain spaces and parentheses, so fields are split after its last ')'.
func parseProcStat(content string) (procStat, error) {
	var st procStat
	i := strings.LastIndex(content, ")")
	if i == -1 {
		return st, fmt.Errorf("could not find command name end symbol ')' for stats: %s", content)
	}
	fields := strings.Fields(content[i+1:])
	if len(fields) <= statRss {
		return st, fmt.Errorf("expected at least %d fields after command name, got %d", statRss+1, len(fields))
	}

	parse := func(idx int) (uint64, error) {
		v, err := strconv.ParseUint(fields[idx], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "field %d for stats: %s", idx, content)
		}
		return v, nil
	}
	var err error
	if st.utime, err = parse(statUtime); err != nil {
		return st, err
	}
	if st.stime, err = parse(statStime); err != nil {
		return st, err
	}
	if st.vsize, err = parse(statVsize); err != nil {
		return st, err
	}
	if st.rss, err = parse(statRss); err != nil {
		return st, err
	}
	return st, nil
}

func (p *linuxProcess) Cmdline() ([]string, error) {
	raw, err := os.ReadFile(hostProc(strconv.Itoa(p.pid), "cmdline"))
	if err != nil {
		return nil, notFound(p.pid, err)
	}
	var tokens []string
	for _, tok := range strings.Split(string(raw), "\x00") {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens, nil
}

// Children walks /proc/<pid>/task/<tid>/children breadth first.
func (p *linuxProcess) Children(recursive bool) ([]Handle, error) {
	var children []Handle
	queue := []int{p.pid}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]

		tasks, err := os.ReadDir(hostProc(strconv.Itoa(pid), "task"))
		if err != nil {
			return nil, notFound(pid, err)
		}
		for _, task := range tasks {
			raw, err := os.ReadFile(hostProc(strconv.Itoa(pid), "task", task.Name(), "children"))
			if err != nil {
				return nil, notFound(pid, err)
			}
			for _, field := range strings.Fields(string(raw)) {
				child, err := strconv.Atoi(field)
				if err != nil {
					return nil, errors.Wrapf(err, "children of pid %d", pid)
				}
				children = append(children, newLinuxProcess(child))
				if recursive {
					queue = append(queue, child)
				}
			}
		}
	}
	return children, nil
}

func (p *linuxProcess) MemoryInfo() (MemoryInfo, error) {
	st, err := p.readStat()
	if err != nil {
		return MemoryInfo{}, err
	}
	return MemoryInfo{RSS: st.rss * pageSize, VMS: st.vsize}, nil
}

func (p *linuxProcess) cpuTimes() (CPUTimes, error) {
	st, err := p.readStat()
	if err != nil {
		return CPUTimes{}, err
	}
	ticks := clockTicks()
	return CPUTimes{
		User:      float64(st.utime) / ticks,
		Kernel:    float64(st.stime) / ticks,
		Timestamp: p.now(),
	}, nil
}

func (p *linuxProcess) CPUPercent(interval time.Duration) (float64, error) {
	return p.cpu.percent(interval)
}

func (p *linuxProcess) Terminate() error {
	return notFound(p.pid, unix.Kill(p.pid, unix.SIGTERM))
}
