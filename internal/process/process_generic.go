package process

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// genericProcess is backed by gopsutil and used where no /proc filesystem exists.
type genericProcess struct {
	proc *process.Process
	cpu  cpuSampler
}

var _ Handle = (*genericProcess)(nil)

func newGenericProcess(pid int) Handle {
	p := &genericProcess{proc: &process.Process{Pid: int32(pid)}}
	p.cpu.read = p.cpuTimes
	return p
}

func (p *genericProcess) Pid() int {
	return int(p.proc.Pid)
}

// err maps the errors gopsutil and os report for a vanished process to
// ErrNotFound.
func (p *genericProcess) err(err error) error {
	if errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, os.ErrProcessDone) {
		plog().Debug("process vanished", "pid", p.Pid(), "error", err)
		return fmt.Errorf("%w: pid %d", ErrNotFound, p.Pid())
	}
	return notFound(p.Pid(), err)
}

func (p *genericProcess) Cmdline() ([]string, error) {
	tokens, err := p.proc.CmdlineSlice()
	if err != nil {
		return nil, p.err(err)
	}
	res := tokens[:0]
	for _, tok := range tokens {
		if tok != "" {
			res = append(res, tok)
		}
	}
	return res, nil
}

func (p *genericProcess) Children(recursive bool) ([]Handle, error) {
	var children []Handle
	queue := []*process.Process{p.proc}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		procs, err := cur.Children()
		if errors.Is(err, process.ErrorNoChildren) {
			continue
		}
		if err != nil {
			return nil, p.err(err)
		}
		for _, c := range procs {
			children = append(children, newGenericProcess(int(c.Pid)))
			if recursive {
				queue = append(queue, c)
			}
		}
	}
	return children, nil
}

func (p *genericProcess) MemoryInfo() (MemoryInfo, error) {
	mem, err := p.proc.MemoryInfo()
	if err != nil {
		return MemoryInfo{}, p.err(err)
	}
	return MemoryInfo{RSS: mem.RSS, VMS: mem.VMS}, nil
}

func (p *genericProcess) cpuTimes() (CPUTimes, error) {
	times, err := p.proc.Times()
	if err != nil {
		return CPUTimes{}, p.err(err)
	}
	return CPUTimes{User: times.User, Kernel: times.System, Timestamp: time.Now()}, nil
}

func (p *genericProcess) CPUPercent(interval time.Duration) (float64, error) {
	return p.cpu.percent(interval)
}

func (p *genericProcess) Terminate() error {
	return p.err(p.proc.Terminate())
}
