package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
)

const (
	defaultReadyGrace = 2 * time.Second
	forcedKillWait    = 3 * time.Second
	alivePollEvery    = 100 * time.Millisecond
)

// Controller owns worker process lifecycles. All lifecycle operations on
// one slot are serialized under that slot's mutex; operations on
// different slots proceed independently. The duplicate-start check and
// the spawn itself share one critical section.
type Controller struct {
	mu    sync.Mutex // guards slots map only
	slots map[string]*slotEntry

	spawner   Spawner
	inspector Inspector
	discovery *Discovery
	settle    time.Duration // delay between stop and start on restart
}

type slotEntry struct {
	mu     sync.Mutex
	handle *domain.WorkerHandle
	cfg    Config       // last start config, used by Restart
	done   <-chan error // nil when the handle was discovered, not spawned
}

func NewController(spawner Spawner, inspector Inspector, discovery *Discovery, settle time.Duration) *Controller {
	if settle <= 0 {
		settle = time.Second
	}
	return &Controller{
		slots:     make(map[string]*slotEntry),
		spawner:   spawner,
		inspector: inspector,
		discovery: discovery,
		settle:    settle,
	}
}

func (c *Controller) slot(name string) *slotEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.slots[name]
	if !ok {
		e = &slotEntry{}
		c.slots[name] = e
	}
	return e
}

// Start spawns a worker for the slot named in cfg. It fails with
// AlreadyRunningError when a live process already holds the slot,
// whether tracked here or found in the process table, and with
// ErrImmediateExit when the spawned process dies inside the ready
// grace period.
func (c *Controller) Start(ctx context.Context, cfg Config) (domain.WorkerHandle, error) {
	e := c.slot(cfg.Slot)
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.startLocked(ctx, e, cfg)
}

func (c *Controller) startLocked(ctx context.Context, e *slotEntry, cfg Config) (domain.WorkerHandle, error) {
	if cfg.Executable == "" {
		return domain.WorkerHandle{}, fmt.Errorf("%w: executable is required", domain.ErrInvalidArgument)
	}
	if e.handle != nil && e.handle.Live() {
		if c.inspector.Alive(e.handle.PID) {
			return domain.WorkerHandle{}, &domain.AlreadyRunningError{Slot: e.handle.Slot, PID: e.handle.PID}
		}
		// Tracked but gone: the OS reaped it behind our back.
		e.handle.State = domain.WorkerExited
	}
	if found, ok := c.discovery.DiscoverSlot(ctx, cfg.Slot); ok {
		return domain.WorkerHandle{}, &domain.AlreadyRunningError{Slot: cfg.Slot, PID: found.PID}
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = "wrk_" + uuid.NewString()
	}
	if cfg.ReadyGrace <= 0 {
		cfg.ReadyGrace = defaultReadyGrace
	}
	spawnCfg := cfg
	spawnCfg.Args = append(append([]string{}, cfg.Args...),
		WorkerIDFlag, cfg.WorkerID, SlotFlag, cfg.Slot)

	handle := &domain.WorkerHandle{
		WorkerID: cfg.WorkerID,
		Slot:     cfg.Slot,
		State:    domain.WorkerNotStarted,
	}
	handle.State = domain.WorkerStarting

	pid, done, err := c.spawner.Spawn(ctx, spawnCfg)
	if err != nil {
		handle.State = domain.WorkerExited
		return domain.WorkerHandle{}, fmt.Errorf("spawn %s: %w", cfg.Executable, err)
	}
	handle.PID = pid
	handle.StartTime = time.Now()
	e.handle = handle
	e.cfg = cfg
	e.done = done

	log.Info().Str("slot", cfg.Slot).Str("worker_id", cfg.WorkerID).Int32("pid", pid).Msg("worker spawned")

	// Bounded grace wait, then a liveness re-check, so a crash-on-boot
	// never comes back as a healthy-looking handle.
	select {
	case waitErr := <-done:
		handle.State = domain.WorkerExited
		return domain.WorkerHandle{}, fmt.Errorf("%w: pid %d: %v", domain.ErrImmediateExit, pid, waitErr)
	case <-time.After(cfg.ReadyGrace):
	case <-ctx.Done():
		c.killTree(pid)
		handle.State = domain.WorkerExited
		return domain.WorkerHandle{}, fmt.Errorf("%w: start of slot %s", domain.ErrCancelled, cfg.Slot)
	}
	if !c.inspector.Alive(pid) {
		handle.State = domain.WorkerExited
		return domain.WorkerHandle{}, fmt.Errorf("%w: pid %d", domain.ErrImmediateExit, pid)
	}
	handle.State = domain.WorkerRunning

	go func() {
		<-done
		e.mu.Lock()
		if e.handle == handle {
			handle.State = domain.WorkerExited
		}
		e.mu.Unlock()
		log.Info().Str("slot", handle.Slot).Int32("pid", pid).Msg("worker exited")
	}()
	return *handle, nil
}

// Stop terminates the slot's worker, cooperatively first and by killing
// the whole process tree if the grace wait expires. Stopping a slot with
// no live worker is a successful no-op, so repeated stops are safe.
func (c *Controller) Stop(ctx context.Context, slot string, timeout time.Duration) (domain.StopMode, error) {
	e := c.slot(slot)
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.stopLocked(ctx, e, slot, timeout)
}

func (c *Controller) stopLocked(ctx context.Context, e *slotEntry, slot string, timeout time.Duration) (domain.StopMode, error) {
	if e.handle == nil || e.handle.State == domain.WorkerExited {
		// A worker from a previous manager instance may still hold the
		// slot; reconcile against the process table before declaring
		// there is nothing to stop.
		if found, ok := c.discovery.DiscoverSlot(ctx, slot); ok {
			e.handle = &found
			e.done = nil
		} else {
			return domain.StopNoop, nil
		}
	}
	handle := e.handle
	if !c.inspector.Alive(handle.PID) {
		handle.State = domain.WorkerExited
		return domain.StopNoop, nil
	}

	handle.State = domain.WorkerStoppingGrace
	termErr := c.inspector.Terminate(handle.PID)
	if termErr == nil && c.waitExit(ctx, e, handle.PID, timeout) {
		handle.State = domain.WorkerExited
		log.Info().Str("slot", slot).Int32("pid", handle.PID).Msg("worker stopped gracefully")
		return domain.StopGraceful, nil
	}

	handle.State = domain.WorkerStoppingForced
	if err := c.killTree(handle.PID); err != nil && c.inspector.Alive(handle.PID) {
		return domain.StopForced, fmt.Errorf("force kill pid %d: %w", handle.PID, err)
	}
	if !c.waitExit(ctx, e, handle.PID, forcedKillWait) {
		return domain.StopForced, fmt.Errorf("%w: pid %d survived forced kill", domain.ErrTimeout, handle.PID)
	}
	handle.State = domain.WorkerExited
	log.Warn().Str("slot", slot).Int32("pid", handle.PID).Msg("worker force killed")
	return domain.StopForced, nil
}

// waitExit waits for the worker to leave the process table, using the
// spawner's wait channel when this instance spawned it and liveness
// polling for discovered workers.
func (c *Controller) waitExit(ctx context.Context, e *slotEntry, pid int32, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	if e.done != nil {
		select {
		case <-e.done:
			return true
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	tick := time.NewTicker(alivePollEvery)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if !c.inspector.Alive(pid) {
				return true
			}
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// killTree kills the worker's children first, then the worker itself.
// Kill errors against a process that turns out to be gone are not
// errors. A failed child enumeration is logged and the root is still
// killed; its subtree may need manual cleanup.
func (c *Controller) killTree(pid int32) error {
	var firstErr error
	kids, err := c.inspector.Children(pid)
	if err != nil {
		log.Warn().Err(err).Int32("pid", pid).Msg("child enumeration failed, killing root only")
	}
	for _, kid := range kids {
		if err := c.inspector.Kill(kid); err != nil && c.inspector.Alive(kid) && firstErr == nil {
			firstErr = fmt.Errorf("kill child pid %d: %w", kid, err)
		}
	}
	if err := c.inspector.Kill(pid); err != nil && c.inspector.Alive(pid) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Restart is Stop then Start with a short settle delay. A failed stop
// aborts the restart; a slot this controller never started cannot be
// restarted because there is no config to start it with.
func (c *Controller) Restart(ctx context.Context, slot string, timeout time.Duration) (domain.WorkerHandle, error) {
	e := c.slot(slot)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.Executable == "" {
		return domain.WorkerHandle{}, fmt.Errorf("%w: slot %s has no start configuration", domain.ErrNotRunning, slot)
	}
	if _, err := c.stopLocked(ctx, e, slot, timeout); err != nil {
		return domain.WorkerHandle{}, fmt.Errorf("restart %s: %w", slot, err)
	}
	select {
	case <-time.After(c.settle):
	case <-ctx.Done():
		return domain.WorkerHandle{}, fmt.Errorf("%w: restart of slot %s", domain.ErrCancelled, slot)
	}
	return c.startLocked(ctx, e, e.cfg)
}

// ForceStopAll kills every live worker, tracked and discovered alike,
// and reports a per-process result so operators can see exactly which
// worker refused to die. A mixed outcome comes back as PartialFailure,
// never a single boolean.
func (c *Controller) ForceStopAll(ctx context.Context) ([]domain.TargetResult, error) {
	type target struct {
		workerID string
		pid      int32
		entry    *slotEntry
	}
	seen := make(map[int32]bool)
	var targets []target

	c.mu.Lock()
	entries := make(map[string]*slotEntry, len(c.slots))
	for name, e := range c.slots {
		entries[name] = e
	}
	c.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.handle != nil && e.handle.Live() {
			targets = append(targets, target{e.handle.WorkerID, e.handle.PID, e})
			seen[e.handle.PID] = true
		}
		e.mu.Unlock()
	}
	if discovered, err := c.discovery.Discover(ctx); err == nil {
		for _, h := range discovered {
			if !seen[h.PID] {
				targets = append(targets, target{h.WorkerID, h.PID, nil})
				seen[h.PID] = true
			}
		}
	}

	results := make([]domain.TargetResult, 0, len(targets))
	failed := false
	for _, t := range targets {
		err := c.killTree(t.pid)
		if err == nil && c.inspector.Alive(t.pid) {
			err = fmt.Errorf("pid %d still alive after kill", t.pid)
		}
		if err != nil {
			failed = true
		} else if t.entry != nil {
			t.entry.mu.Lock()
			if t.entry.handle != nil && t.entry.handle.PID == t.pid {
				t.entry.handle.State = domain.WorkerExited
			}
			t.entry.mu.Unlock()
		}
		results = append(results, domain.TargetResult{WorkerID: t.workerID, PID: t.pid, Err: err})
	}
	if failed {
		return results, &domain.PartialFailureError{Results: results}
	}
	return results, nil
}

// Status reports the slot's current handle, reconciling against the
// process table when the tracked handle is absent or stale. Mode is
// "tracked" for a worker this instance spawned, "discovered" for one it
// adopted from the process table, and "stopped" otherwise.
func (c *Controller) Status(ctx context.Context, slot string) (domain.WorkerHandle, string, bool) {
	e := c.slot(slot)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != nil && e.handle.Live() {
		if c.inspector.Alive(e.handle.PID) {
			mode := "tracked"
			if e.done == nil {
				mode = "discovered"
			}
			return *e.handle, mode, true
		}
		e.handle.State = domain.WorkerExited
	}
	if found, ok := c.discovery.DiscoverSlot(ctx, slot); ok {
		e.handle = &found
		e.done = nil
		return found, "discovered", true
	}
	return domain.WorkerHandle{}, "stopped", false
}

// Handles snapshots every live tracked handle, for the monitor.
func (c *Controller) Handles() []domain.WorkerHandle {
	c.mu.Lock()
	entries := make([]*slotEntry, 0, len(c.slots))
	for _, e := range c.slots {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	var out []domain.WorkerHandle
	for _, e := range entries {
		e.mu.Lock()
		if e.handle != nil && e.handle.Live() {
			out = append(out, *e.handle)
		}
		e.mu.Unlock()
	}
	return out
}
