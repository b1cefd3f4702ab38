package process

import (
	"context"
	"errors"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"
)

// Info is normalized metadata for one live OS process.
type Info struct {
	PID         int32
	Executable  string // base name of the image
	CommandLine []string
	WorkingDir  string
	StartTime   time.Time
}

// Inspector abstracts the OS process table. The gopsutil implementation
// is the only real one; tests substitute a fake instead of spawning
// processes.
type Inspector interface {
	// Snapshot enumerates live processes. Individual processes whose
	// metadata cannot be read are skipped, never failed on.
	Snapshot(ctx context.Context) ([]Info, error)
	Alive(pid int32) bool
	MemoryBytes(pid int32) (uint64, error)
	Children(pid int32) ([]int32, error)
	// Terminate asks the process to shut down cooperatively.
	Terminate(pid int32) error
	// Kill terminates unconditionally.
	Kill(pid int32) error
}

// OSInspector reads the live process table via gopsutil.
type OSInspector struct{}

func (OSInspector) Snapshot(ctx context.Context) ([]Info, error) {
	procs, err := gops.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(procs))
	for _, p := range procs {
		// A process can exit between enumeration and inspection, or
		// deny metadata reads; either way it is skipped.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineSliceWithContext(ctx)
		cwd, _ := p.CwdWithContext(ctx)
		var started time.Time
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			started = time.UnixMilli(ms)
		}
		infos = append(infos, Info{
			PID:         p.Pid,
			Executable:  name,
			CommandLine: cmdline,
			WorkingDir:  cwd,
			StartTime:   started,
		})
	}
	return infos, nil
}

func (OSInspector) Alive(pid int32) bool {
	ok, err := gops.PidExists(pid)
	return err == nil && ok
}

func (OSInspector) MemoryBytes(pid int32) (uint64, error) {
	p, err := gops.NewProcess(pid)
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

func (OSInspector) Children(pid int32) ([]int32, error) {
	p, err := gops.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	kids, err := p.Children()
	if errors.Is(err, gops.ErrorNoChildren) {
		return nil, nil
	}
	if err != nil {
		// A real enumeration failure, not an empty subtree; the caller
		// decides whether to proceed without the children.
		return nil, err
	}
	pids := make([]int32, 0, len(kids))
	for _, k := range kids {
		pids = append(pids, k.Pid)
	}
	return pids, nil
}

func (OSInspector) Terminate(pid int32) error {
	p, err := gops.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Terminate()
}

func (OSInspector) Kill(pid int32) error {
	p, err := gops.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
