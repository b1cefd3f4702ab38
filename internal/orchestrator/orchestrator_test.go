package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
	"github.com/Uri-do/Monitor-sub000/internal/monitor"
	"github.com/Uri-do/Monitor-sub000/internal/notify"
	"github.com/Uri-do/Monitor-sub000/internal/process"
)

type fakeController struct {
	mu        sync.Mutex
	nextPID   int32
	live      map[string]int32
	stopped   []string
	failStart bool
}

func newFakeController() *fakeController {
	return &fakeController{nextPID: 5000, live: make(map[string]int32)}
}

func (f *fakeController) Start(_ context.Context, cfg process.Config) (domain.WorkerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return domain.WorkerHandle{}, errors.New("spawn refused")
	}
	f.nextPID++
	f.live[cfg.Slot] = f.nextPID
	return domain.WorkerHandle{
		WorkerID:  cfg.WorkerID,
		Slot:      cfg.Slot,
		PID:       f.nextPID,
		StartTime: time.Now(),
		State:     domain.WorkerRunning,
	}, nil
}

func (f *fakeController) Stop(_ context.Context, slot string, _ time.Duration) (domain.StopMode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, slot)
	if _, ok := f.live[slot]; !ok {
		return domain.StopNoop, nil
	}
	delete(f.live, slot)
	return domain.StopGraceful, nil
}

func (f *fakeController) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type allAliveInspector struct{}

func (allAliveInspector) Snapshot(context.Context) ([]process.Info, error) { return nil, nil }
func (allAliveInspector) Alive(int32) bool                                { return true }
func (allAliveInspector) MemoryBytes(int32) (uint64, error)               { return 16 << 20, nil }
func (allAliveInspector) Children(int32) ([]int32, error)                 { return nil, nil }
func (allAliveInspector) Terminate(int32) error                           { return nil }
func (allAliveInspector) Kill(int32) error                                { return nil }

type staticCounters struct{ p, s, f int64 }

func (c staticCounters) SlotCounters(context.Context, string) (int64, int64, int64, error) {
	return c.p, c.s, c.f, nil
}

func newTestOrchestrator(ctrl Controller, sink notify.Sink, opts Options) *Orchestrator {
	mon := monitor.New(allAliveInspector{}, staticCounters{p: 4, s: 3, f: 1}, sink, 10*time.Millisecond, time.Second)
	if opts.Window == 0 {
		opts.Window = 50 * time.Millisecond
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = time.Second
	}
	return New(ctrl, mon, sink, opts)
}

func TestStartTest_Validation(t *testing.T) {
	o := newTestOrchestrator(newFakeController(), notify.NewCollector(10), Options{})

	_, err := o.StartTest("chaos-monkey", []string{"a"}, 1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = o.StartTest(TypeStress, nil, 1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStartTest_RejectsDuplicateActiveID(t *testing.T) {
	blocker := make(chan struct{})
	o := newTestOrchestrator(newFakeController(), notify.NewCollector(100), Options{
		Iterations: 1,
		RunOnce: func(ctx context.Context, _ string) error {
			select {
			case <-blocker:
			case <-ctx.Done():
			}
			return nil
		},
	})

	id, err := o.StartTest(TypeStress, []string{"ind_1"}, 1, "test_dup")
	require.NoError(t, err)

	_, err = o.StartTest(TypeStress, []string{"ind_1"}, 1, "test_dup")
	assert.ErrorIs(t, err, domain.ErrDuplicateTest)

	close(blocker)
	o.Wait(id)

	// A finished id may be reused.
	id2, err := o.StartTest(TypeStress, []string{"ind_1"}, 1, "test_dup")
	require.NoError(t, err)
	o.Wait(id2)
}

func TestProcessManagementScenario(t *testing.T) {
	ctrl := newFakeController()
	col := notify.NewCollector(1000)
	o := newTestOrchestrator(ctrl, col, Options{})

	id, err := o.StartTest(TypeProcessManagement, []string{"main"}, 3, "")
	require.NoError(t, err)
	o.Wait(id)

	exec, err := o.GetTest(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TestCompleted, exec.State)
	assert.Equal(t, 3, exec.Result.WorkerCount)
	require.NotNil(t, exec.EndedAt)
	assert.Zero(t, ctrl.liveCount(), "scenario must stop every worker it started")
	assert.Len(t, ctrl.stopped, 3)

	var sawProgress, sawStatus, sawResult bool
	for len(col.C) > 0 {
		e := <-col.C
		switch e.Type {
		case notify.TestProgress:
			sawProgress = true
		case notify.WorkerStatus:
			sawStatus = true
		case notify.TestResult:
			sawResult = true
		}
	}
	assert.True(t, sawProgress)
	assert.True(t, sawStatus, "monitor events interleave with orchestrator events")
	assert.True(t, sawResult)
}

func TestProcessManagementScenario_StartFailure(t *testing.T) {
	ctrl := newFakeController()
	ctrl.failStart = true
	o := newTestOrchestrator(ctrl, notify.NewCollector(100), Options{})

	id, err := o.StartTest(TypeProcessManagement, []string{"main"}, 2, "")
	require.NoError(t, err)
	o.Wait(id)

	exec, err := o.GetTest(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TestFailed, exec.State)
	assert.Zero(t, ctrl.liveCount())
}

func TestStressScenario_Accumulates(t *testing.T) {
	ctrl := newFakeController()
	o := newTestOrchestrator(ctrl, notify.NewCollector(1000), Options{
		Iterations: 5,
		RunOnce: func(_ context.Context, target string) error {
			if target == "ind_bad" {
				return errors.New("execution failed")
			}
			return nil
		},
	})

	id, err := o.StartTest(TypeStress, []string{"ind_good", "ind_bad"}, 4, "")
	require.NoError(t, err)
	o.Wait(id)

	exec, err := o.GetTest(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TestCompleted, exec.State)
	assert.EqualValues(t, 5, exec.Result.Succeeded)
	assert.EqualValues(t, 5, exec.Result.Failed)
	assert.Zero(t, ctrl.liveCount(), "pool workers are torn down")
}

func TestStressScenario_CancelStillCleansUp(t *testing.T) {
	ctrl := newFakeController()
	o := newTestOrchestrator(ctrl, notify.NewCollector(1000), Options{
		Iterations: 1000,
		RunOnce: func(ctx context.Context, _ string) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
				return nil
			}
		},
	})

	id, err := o.StartTest(TypeStress, []string{"ind_1"}, 2, "")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, o.StopTest(id))
	o.Wait(id)

	exec, err := o.GetTest(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TestCancelled, exec.State)
	assert.Zero(t, ctrl.liveCount(), "cancellation must not leak workers")

	// Stopping again is harmless.
	assert.NoError(t, o.StopTest(id))
}

func TestStopAllTests(t *testing.T) {
	ctrl := newFakeController()
	o := newTestOrchestrator(ctrl, notify.NewCollector(1000), Options{
		Iterations: 1000,
		RunOnce: func(ctx context.Context, _ string) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
				return nil
			}
		},
	})

	for _, id := range []string{"t1", "t2"} {
		_, err := o.StartTest(TypeStress, []string{"ind_1"}, 1, id)
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)
	stopped := o.StopAllTests()
	assert.Equal(t, 2, stopped)
	assert.Zero(t, ctrl.liveCount())

	for _, id := range []string{"t1", "t2"} {
		exec, err := o.GetTest(id)
		require.NoError(t, err)
		assert.Equal(t, domain.TestCancelled, exec.State)
	}
}

func TestGetTest_Unknown(t *testing.T) {
	o := newTestOrchestrator(newFakeController(), notify.NewCollector(1), Options{})
	_, err := o.GetTest("test_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, o.StopTest("test_missing"), domain.ErrNotFound)
}
