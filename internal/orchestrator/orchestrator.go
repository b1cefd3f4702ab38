// Package orchestrator drives scripted multi-worker scenarios against
// the lifecycle controller and monitor, recording one TestExecution per
// run.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
	"github.com/Uri-do/Monitor-sub000/internal/monitor"
	"github.com/Uri-do/Monitor-sub000/internal/notify"
	"github.com/Uri-do/Monitor-sub000/internal/process"
)

// Scenario types.
const (
	TypeProcessManagement = "process_management"
	TypeStress            = "stress"
)

// Controller is the slice of the lifecycle controller scenarios need.
type Controller interface {
	Start(ctx context.Context, cfg process.Config) (domain.WorkerHandle, error)
	Stop(ctx context.Context, slot string, timeout time.Duration) (domain.StopMode, error)
}

// Options configures scenario runs.
type Options struct {
	WorkerConfig process.Config // template; Slot and WorkerID are set per worker
	Window       time.Duration  // monitoring window per scenario
	Iterations   int            // logical executions per target in stress runs
	StopTimeout  time.Duration
	// RunOnce performs one logical execution against a target unit in
	// stress runs. The default is a no-op.
	RunOnce func(ctx context.Context, target string) error
}

type Orchestrator struct {
	mu    sync.Mutex
	tests map[string]*testEntry

	controller Controller
	monitor    *monitor.Monitor
	sink       notify.Sink
	opts       Options
}

type testEntry struct {
	mu     sync.Mutex
	exec   domain.TestExecution
	cancel context.CancelFunc
	done   chan struct{}
}

func New(controller Controller, mon *monitor.Monitor, sink notify.Sink, opts Options) *Orchestrator {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 10
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.RunOnce == nil {
		opts.RunOnce = func(context.Context, string) error { return nil }
	}
	return &Orchestrator{
		tests:      make(map[string]*testEntry),
		controller: controller,
		monitor:    mon,
		sink:       sink,
		opts:       opts,
	}
}

// StartTest registers a TestExecution and runs the scenario in the
// background. An empty id gets a generated one; an id that names a test
// still pending or running is rejected.
func (o *Orchestrator) StartTest(testType string, targets []string, concurrency int, id string) (string, error) {
	switch testType {
	case TypeProcessManagement, TypeStress:
	default:
		return "", fmt.Errorf("%w: unknown test type %q", domain.ErrInvalidArgument, testType)
	}
	if len(targets) == 0 {
		return "", fmt.Errorf("%w: target list is empty", domain.ErrInvalidArgument)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if id == "" {
		id = "test_" + uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &testEntry{
		exec: domain.TestExecution{
			ID:        id,
			Type:      testType,
			Targets:   append([]string{}, targets...),
			StartedAt: time.Now(),
			State:     domain.TestPending,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	if prev, ok := o.tests[id]; ok && prev.active() {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("test %s: %w", id, domain.ErrDuplicateTest)
	}
	o.tests[id] = entry
	o.mu.Unlock()

	go o.run(ctx, entry, concurrency)
	return id, nil
}

func (e *testEntry) active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.State == domain.TestPending || e.exec.State == domain.TestRunning
}

// GetTest returns a copy of the execution record.
func (o *Orchestrator) GetTest(id string) (domain.TestExecution, error) {
	o.mu.Lock()
	entry, ok := o.tests[id]
	o.mu.Unlock()
	if !ok {
		return domain.TestExecution{}, fmt.Errorf("test %s: %w", id, domain.ErrNotFound)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.exec, nil
}

// ListTests returns copies of every known execution record.
func (o *Orchestrator) ListTests() []domain.TestExecution {
	o.mu.Lock()
	entries := make([]*testEntry, 0, len(o.tests))
	for _, e := range o.tests {
		entries = append(entries, e)
	}
	o.mu.Unlock()
	out := make([]domain.TestExecution, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.exec)
		e.mu.Unlock()
	}
	return out
}

// StopTest cancels a test cooperatively. Cancelling an already-finished
// or already-cancelled test is a no-op.
func (o *Orchestrator) StopTest(id string) error {
	o.mu.Lock()
	entry, ok := o.tests[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("test %s: %w", id, domain.ErrNotFound)
	}
	entry.cancel()
	return nil
}

// StopAllTests cancels every active test and waits for their cleanups.
func (o *Orchestrator) StopAllTests() int {
	o.mu.Lock()
	entries := make([]*testEntry, 0, len(o.tests))
	for _, e := range o.tests {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	stopped := 0
	for _, e := range entries {
		if e.active() {
			e.cancel()
			stopped++
		}
	}
	for _, e := range entries {
		<-e.done
	}
	return stopped
}

// Wait blocks until the test finishes; for tests.
func (o *Orchestrator) Wait(id string) {
	o.mu.Lock()
	entry, ok := o.tests[id]
	o.mu.Unlock()
	if ok {
		<-entry.done
	}
}

func (o *Orchestrator) run(ctx context.Context, entry *testEntry, concurrency int) {
	defer close(entry.done)
	entry.mu.Lock()
	entry.exec.State = domain.TestRunning
	id := entry.exec.ID
	testType := entry.exec.Type
	targets := entry.exec.Targets
	entry.mu.Unlock()

	o.progress(id, 0, "scenario starting")
	started := time.Now()

	var result domain.TestResult
	var err error
	switch testType {
	case TypeProcessManagement:
		result, err = o.runProcessManagement(ctx, id, concurrency)
	case TypeStress:
		result, err = o.runStress(ctx, id, targets, concurrency)
	}
	result.Duration = time.Since(started)

	entry.mu.Lock()
	now := time.Now()
	entry.exec.EndedAt = &now
	entry.exec.Result = result
	switch {
	case ctx.Err() != nil:
		entry.exec.State = domain.TestCancelled
	case err != nil:
		entry.exec.State = domain.TestFailed
	default:
		entry.exec.State = domain.TestCompleted
	}
	state := entry.exec.State
	entry.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("test_id", id).Msg("scenario failed")
	}
	o.sink.Publish(notify.Event{
		Type:      notify.TestResult,
		TestID:    id,
		Percent:   100,
		Message:   fmt.Sprintf("%s: %d succeeded, %d failed", state, result.Succeeded, result.Failed),
		Timestamp: time.Now(),
	})
}

// runProcessManagement starts the requested number of workers, monitors
// them for the configured window, snapshots their final statuses and
// tears everything down. The teardown runs even on error or
// cancellation: no worker this scenario started may outlive it.
func (o *Orchestrator) runProcessManagement(ctx context.Context, id string, concurrency int) (domain.TestResult, error) {
	var startedSlots []string
	defer func() {
		// Cleanup ignores the scenario's cancellation on purpose; a
		// cancelled test must still not leak processes. Failures are
		// logged, never escalated past this point.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout+5*time.Second)
		defer cancel()
		for _, slot := range startedSlots {
			if _, err := o.controller.Stop(cleanupCtx, slot, o.opts.StopTimeout); err != nil {
				log.Error().Err(err).Str("test_id", id).Str("slot", slot).Msg("scenario cleanup failed to stop worker")
			}
		}
	}()

	var handles []domain.WorkerHandle
	for i := 0; i < concurrency; i++ {
		if ctx.Err() != nil {
			return domain.TestResult{WorkerCount: len(handles)}, ctx.Err()
		}
		cfg := o.opts.WorkerConfig
		cfg.Slot = fmt.Sprintf("%s-w%d", id, i)
		cfg.WorkerID = fmt.Sprintf("wrk_%s_%d", id, i)
		h, err := o.controller.Start(ctx, cfg)
		if err != nil {
			return domain.TestResult{WorkerCount: len(handles)}, fmt.Errorf("start worker %d: %w", i, err)
		}
		startedSlots = append(startedSlots, cfg.Slot)
		handles = append(handles, h)
		o.progress(id, (i+1)*25/concurrency, fmt.Sprintf("started %d/%d workers", i+1, concurrency))
	}

	// Monitor concurrently for the window; Watch publishes interleaved
	// worker_status events to the shared sink.
	watchCtx, cancelWatch := context.WithTimeout(ctx, o.opts.Window)
	o.monitor.Watch(watchCtx, handles)
	cancelWatch()
	if ctx.Err() != nil {
		return domain.TestResult{WorkerCount: len(handles)}, ctx.Err()
	}
	o.progress(id, 75, "monitoring window complete")

	statuses := make([]domain.WorkerProcessStatus, 0, len(handles))
	for _, h := range handles {
		statuses = append(statuses, o.monitor.Poll(ctx, h))
	}
	agg := monitor.Aggregate(statuses)
	return domain.TestResult{
		Succeeded:   agg.Succeeded,
		Failed:      agg.Failed,
		PeakMemory:  agg.MemoryBytes,
		WorkerCount: len(handles),
	}, nil
}

// runStress starts a small shared worker pool and then drives many
// concurrent logical executions against the target units, bounded by a
// semaphore. Result accumulation is mutex-synchronized: concurrent
// increments must never be last-write-wins.
func (o *Orchestrator) runStress(ctx context.Context, id string, targets []string, concurrency int) (domain.TestResult, error) {
	poolSize := 2
	if concurrency < poolSize {
		poolSize = concurrency
	}
	var startedSlots []string
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout+5*time.Second)
		defer cancel()
		for _, slot := range startedSlots {
			if _, err := o.controller.Stop(cleanupCtx, slot, o.opts.StopTimeout); err != nil {
				log.Error().Err(err).Str("test_id", id).Str("slot", slot).Msg("scenario cleanup failed to stop worker")
			}
		}
	}()

	for i := 0; i < poolSize; i++ {
		if ctx.Err() != nil {
			return domain.TestResult{}, ctx.Err()
		}
		cfg := o.opts.WorkerConfig
		cfg.Slot = fmt.Sprintf("%s-pool%d", id, i)
		cfg.WorkerID = fmt.Sprintf("wrk_%s_pool%d", id, i)
		if _, err := o.controller.Start(ctx, cfg); err != nil {
			return domain.TestResult{}, fmt.Errorf("start pool worker %d: %w", i, err)
		}
		startedSlots = append(startedSlots, cfg.Slot)
	}

	total := len(targets) * o.opts.Iterations
	var (
		mu        sync.Mutex
		succeeded int64
		failed    int64
		completed int
	)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, target := range targets {
		for i := 0; i < o.opts.Iterations; i++ {
			if ctx.Err() != nil {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(target string) {
				defer func() { <-sem; wg.Done() }()
				err := o.opts.RunOnce(ctx, target)
				mu.Lock()
				if err != nil {
					failed++
				} else {
					succeeded++
				}
				completed++
				done := completed
				mu.Unlock()
				o.progress(id, done*100/total, fmt.Sprintf("%d/%d executions", done, total))
			}(target)
		}
	}
	wg.Wait()
	if ctx.Err() != nil {
		return domain.TestResult{Succeeded: succeeded, Failed: failed, WorkerCount: poolSize}, ctx.Err()
	}
	return domain.TestResult{Succeeded: succeeded, Failed: failed, WorkerCount: poolSize}, nil
}

func (o *Orchestrator) progress(id string, percent int, msg string) {
	o.sink.Publish(notify.Event{
		Type:      notify.TestProgress,
		TestID:    id,
		Percent:   percent,
		Message:   msg,
		Timestamp: time.Now(),
	})
}
