package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
	"github.com/Uri-do/Monitor-sub000/internal/notify"
	"github.com/Uri-do/Monitor-sub000/internal/process"
)

type fakeInspector struct {
	alive map[int32]bool
}

func (f fakeInspector) Snapshot(context.Context) ([]process.Info, error) { return nil, nil }
func (f fakeInspector) Alive(pid int32) bool                            { return f.alive[pid] }
func (f fakeInspector) MemoryBytes(int32) (uint64, error)               { return 32 << 20, nil }
func (f fakeInspector) Children(int32) ([]int32, error)                 { return nil, nil }
func (f fakeInspector) Terminate(int32) error                           { return errors.New("not implemented") }
func (f fakeInspector) Kill(int32) error                                { return errors.New("not implemented") }

type fakeCounters struct {
	p, s, f int64
	delay   time.Duration
}

func (f fakeCounters) SlotCounters(ctx context.Context, slot string) (int64, int64, int64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, 0, 0, ctx.Err()
		}
	}
	return f.p, f.s, f.f, nil
}

func runningHandle(pid int32) domain.WorkerHandle {
	return domain.WorkerHandle{WorkerID: "wrk_1", Slot: "main", PID: pid, State: domain.WorkerRunning}
}

func TestPoll_HealthySnapshot(t *testing.T) {
	m := New(fakeInspector{alive: map[int32]bool{42: true}}, fakeCounters{p: 10, s: 8, f: 2}, notify.NewCollector(1), time.Second, time.Second)

	st := m.Poll(context.Background(), runningHandle(42))
	assert.True(t, st.IsHealthy)
	assert.EqualValues(t, 10, st.Processed)
	assert.EqualValues(t, 8, st.Succeeded)
	assert.EqualValues(t, 2, st.Failed)
	assert.EqualValues(t, 32<<20, st.MemoryBytes)
	assert.Equal(t, domain.WorkerRunning, st.State)
}

func TestPoll_DeadProcessUnhealthy(t *testing.T) {
	m := New(fakeInspector{alive: map[int32]bool{}}, fakeCounters{}, notify.NewCollector(1), time.Second, time.Second)

	st := m.Poll(context.Background(), runningHandle(42))
	assert.False(t, st.IsHealthy)
	assert.Equal(t, domain.WorkerExited, st.State)
	assert.Equal(t, "process not found", st.Message)
}

func TestPoll_TimeoutReportsUnhealthy(t *testing.T) {
	m := New(fakeInspector{alive: map[int32]bool{42: true}}, fakeCounters{delay: time.Second}, notify.NewCollector(1), time.Second, 20*time.Millisecond)

	start := time.Now()
	st := m.Poll(context.Background(), runningHandle(42))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "poll must not hang")
	assert.False(t, st.IsHealthy)
	assert.Equal(t, "poll timed out", st.Message)
}

func TestWatch_EmitsAndStopsOnCancel(t *testing.T) {
	col := notify.NewCollector(100)
	m := New(fakeInspector{alive: map[int32]bool{1: true, 2: true}}, fakeCounters{p: 1}, col, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, []domain.WorkerHandle{runningHandle(1), runningHandle(2)})
		close(done)
	}()

	// Let a few polls through, then cancel and require a prompt join.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop within one interval of cancellation")
	}
	assert.NotEmpty(t, col.C, "polls should have been published before cancel")

	// Nothing is published after cancellation was observed.
	n := len(col.C)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(col.C))
}

func TestWatch_CancelBeforeFirstTick(t *testing.T) {
	var published atomic.Int32
	m := New(fakeInspector{alive: map[int32]bool{1: true}}, fakeCounters{}, sinkFunc(func(notify.Event) { published.Add(1) }), time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Watch(ctx, []domain.WorkerHandle{runningHandle(1)})
	assert.Zero(t, published.Load())
}

type sinkFunc func(notify.Event)

func (f sinkFunc) Publish(e notify.Event) { f(e) }

func TestWatchFleet_PicksUpNewWorkers(t *testing.T) {
	col := notify.NewCollector(1000)
	m := New(fakeInspector{alive: map[int32]bool{1: true, 2: true}}, fakeCounters{p: 1}, col, 10*time.Millisecond, time.Second)

	var mu sync.Mutex
	handles := []domain.WorkerHandle{runningHandle(1)}
	source := func() []domain.WorkerHandle {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.WorkerHandle{}, handles...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.WatchFleet(ctx, source, 30*time.Millisecond)
		close(done)
	}()

	// A worker started after the loop began appears on a later cycle.
	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	handles = append(handles, runningHandle(2))
	mu.Unlock()

	seen := map[int32]bool{}
	require.Eventually(t, func() bool {
		for len(col.C) > 0 {
			e := <-col.C
			seen[e.PID] = true
		}
		return seen[1] && seen[2]
	}, 2*time.Second, 10*time.Millisecond, "both workers should be watched")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fleet watch did not stop after cancellation")
	}
}

func TestWatchFleet_IdlesWithoutWorkers(t *testing.T) {
	var published atomic.Int32
	m := New(fakeInspector{alive: map[int32]bool{}}, fakeCounters{}, sinkFunc(func(notify.Event) { published.Add(1) }), 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.WatchFleet(ctx, func() []domain.WorkerHandle { return nil }, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(40 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle fleet watch did not stop after cancellation")
	}
	assert.Zero(t, published.Load())
}

func TestAggregate(t *testing.T) {
	statuses := []domain.WorkerProcessStatus{
		{WorkerID: "a", Processed: 5, Succeeded: 4, Failed: 1, MemoryBytes: 100, IsHealthy: true},
		{WorkerID: "b", Processed: 7, Succeeded: 7, MemoryBytes: 200, IsHealthy: true},
	}
	agg := Aggregate(statuses)
	assert.EqualValues(t, 12, agg.Processed)
	assert.EqualValues(t, 11, agg.Succeeded)
	assert.EqualValues(t, 1, agg.Failed)
	assert.EqualValues(t, 300, agg.MemoryBytes)
	assert.True(t, agg.IsHealthy)

	// Originals untouched.
	assert.EqualValues(t, 5, statuses[0].Processed)

	statuses[1].IsHealthy = false
	assert.False(t, Aggregate(statuses).IsHealthy)

	assert.False(t, Aggregate(nil).IsHealthy, "empty fleet is not healthy")
}
