package process

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"
)

// fakeWorld is an in-memory process table that doubles as Inspector and
// Spawner, so controller tests never spawn real processes.
type fakeWorld struct {
	mu          sync.Mutex
	nextPID     int32
	procs       map[int32]*fakeProc
	children    map[int32][]int32
	childrenErr error // injected Children failure
}

type fakeProc struct {
	info       Info
	done       chan error
	ignoreTerm bool // survives Terminate, forcing escalation
	unkillable bool // survives Kill, forcing PartialFailure
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		nextPID:  1000,
		procs:    make(map[int32]*fakeProc),
		children: make(map[int32][]int32),
	}
}

// add registers a pre-existing process, as if another instance had
// started it.
func (w *fakeWorld) add(info Info, started time.Time) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextPID++
	info.PID = w.nextPID
	info.StartTime = started
	w.procs[info.PID] = &fakeProc{info: info, done: make(chan error, 1)}
	return info.PID
}

// addChild registers a live child of an existing process.
func (w *fakeWorld) addChild(parent int32) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextPID++
	pid := w.nextPID
	w.procs[pid] = &fakeProc{
		info: Info{PID: pid, Executable: "child", StartTime: time.Now()},
		done: make(chan error, 1),
	}
	w.children[parent] = append(w.children[parent], pid)
	return pid
}

func (w *fakeWorld) markStubborn(pid int32, ignoreTerm, unkillable bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.procs[pid]; ok {
		p.ignoreTerm = ignoreTerm
		p.unkillable = unkillable
	}
}

func (w *fakeWorld) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.procs)
}

func (w *fakeWorld) exit(pid int32) {
	w.mu.Lock()
	p, ok := w.procs[pid]
	if ok {
		delete(w.procs, pid)
	}
	w.mu.Unlock()
	if ok {
		p.done <- nil
		close(p.done)
	}
}

// Spawner

func (w *fakeWorld) Spawn(_ context.Context, cfg Config) (int32, <-chan error, error) {
	w.mu.Lock()
	w.nextPID++
	pid := w.nextPID
	p := &fakeProc{
		info: Info{
			PID:         pid,
			Executable:  filepath.Base(cfg.Executable),
			CommandLine: append([]string{cfg.Executable}, cfg.Args...),
			WorkingDir:  cfg.WorkDir,
			StartTime:   time.Now(),
		},
		done: make(chan error, 1),
	}
	w.procs[pid] = p
	w.mu.Unlock()
	return pid, p.done, nil
}

type crashingSpawner struct{ w *fakeWorld }

func (s crashingSpawner) Spawn(ctx context.Context, cfg Config) (int32, <-chan error, error) {
	pid, done, err := s.w.Spawn(ctx, cfg)
	if err == nil {
		s.w.exit(pid)
	}
	return pid, done, err
}

// Inspector

func (w *fakeWorld) Snapshot(context.Context) ([]Info, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	infos := make([]Info, 0, len(w.procs))
	for _, p := range w.procs {
		infos = append(infos, p.info)
	}
	return infos, nil
}

func (w *fakeWorld) Alive(pid int32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.procs[pid]
	return ok
}

func (w *fakeWorld) MemoryBytes(pid int32) (uint64, error) {
	if !w.Alive(pid) {
		return 0, errors.New("no such process")
	}
	return 64 << 20, nil
}

func (w *fakeWorld) Children(pid int32) ([]int32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.childrenErr != nil {
		return nil, w.childrenErr
	}
	live := make([]int32, 0, len(w.children[pid]))
	for _, kid := range w.children[pid] {
		if _, ok := w.procs[kid]; ok {
			live = append(live, kid)
		}
	}
	return live, nil
}

func (w *fakeWorld) Terminate(pid int32) error {
	w.mu.Lock()
	p, ok := w.procs[pid]
	if ok && p.ignoreTerm {
		w.mu.Unlock()
		return nil
	}
	if ok {
		delete(w.procs, pid)
	}
	w.mu.Unlock()
	if !ok {
		return errors.New("no such process")
	}
	p.done <- nil
	close(p.done)
	return nil
}

func (w *fakeWorld) Kill(pid int32) error {
	w.mu.Lock()
	p, ok := w.procs[pid]
	if ok && p.unkillable {
		w.mu.Unlock()
		return errors.New("operation not permitted")
	}
	if ok {
		delete(w.procs, pid)
	}
	w.mu.Unlock()
	if !ok {
		return errors.New("no such process")
	}
	p.done <- errors.New("killed")
	close(p.done)
	return nil
}
