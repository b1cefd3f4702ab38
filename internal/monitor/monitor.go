// Package monitor polls running workers for health and progress and
// publishes one immutable status snapshot per poll.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
	"github.com/Uri-do/Monitor-sub000/internal/notify"
	"github.com/Uri-do/Monitor-sub000/internal/process"
)

// CounterSource reports cumulative execution counters for a slot; the
// indicator repository implements it.
type CounterSource interface {
	SlotCounters(ctx context.Context, slot string) (processed, succeeded, failed int64, err error)
}

type Monitor struct {
	inspector   process.Inspector
	counters    CounterSource
	sink        notify.Sink
	interval    time.Duration
	pollTimeout time.Duration
}

func New(inspector process.Inspector, counters CounterSource, sink notify.Sink, interval, pollTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if pollTimeout <= 0 {
		pollTimeout = interval
	}
	return &Monitor{
		inspector:   inspector,
		counters:    counters,
		sink:        sink,
		interval:    interval,
		pollTimeout: pollTimeout,
	}
}

// Poll produces one status snapshot for a worker. Every poll carries its
// own timeout; a poll that cannot finish in time reports unhealthy
// instead of hanging the loop that called it.
func (m *Monitor) Poll(ctx context.Context, h domain.WorkerHandle) domain.WorkerProcessStatus {
	ctx, cancel := context.WithTimeout(ctx, m.pollTimeout)
	defer cancel()

	type probe struct {
		alive     bool
		mem       uint64
		p, s, f   int64
		countersE error
	}
	ch := make(chan probe, 1)
	go func() {
		var pr probe
		pr.alive = m.inspector.Alive(h.PID)
		if pr.alive {
			pr.mem, _ = m.inspector.MemoryBytes(h.PID)
		}
		pr.p, pr.s, pr.f, pr.countersE = m.counters.SlotCounters(ctx, h.Slot)
		ch <- pr
	}()

	status := domain.WorkerProcessStatus{
		WorkerID:  h.WorkerID,
		PID:       h.PID,
		State:     h.State,
		SampledAt: time.Now(),
	}
	select {
	case pr := <-ch:
		status.Processed, status.Succeeded, status.Failed = pr.p, pr.s, pr.f
		status.MemoryBytes = pr.mem
		status.IsHealthy = pr.alive && h.Live()
		switch {
		case !pr.alive:
			status.State = domain.WorkerExited
			status.Message = "process not found"
		case pr.countersE != nil:
			status.Message = "counters unavailable: " + pr.countersE.Error()
		default:
			status.Message = fmt.Sprintf("%d processed (%d failed)", pr.p, pr.f)
		}
	case <-ctx.Done():
		status.IsHealthy = false
		status.Message = "poll timed out"
	}
	return status
}

// Watch polls each handle on the monitor's interval and publishes one
// event per poll until ctx is cancelled. It blocks until every polling
// goroutine has stopped, so no loop can outlive its caller. Nothing is
// published after cancellation is observed.
func (m *Monitor) Watch(ctx context.Context, handles []domain.WorkerHandle) {
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h domain.WorkerHandle) {
			defer wg.Done()
			tick := time.NewTicker(m.interval)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					status := m.Poll(ctx, h)
					if ctx.Err() != nil {
						return
					}
					m.sink.Publish(notify.Event{
						Type:      notify.WorkerStatus,
						Slot:      h.Slot,
						WorkerID:  h.WorkerID,
						PID:       h.PID,
						Message:   status.Message,
						Status:    &status,
						Timestamp: status.SampledAt,
					})
				}
			}
		}(h)
	}
	wg.Wait()
	log.Debug().Int("workers", len(handles)).Msg("monitor loops stopped")
}

// WatchFleet runs Watch over whatever the source reports live,
// re-snapshotting every refresh interval so workers started after the
// loop began are picked up on the next cycle and exited ones are
// dropped. It returns once ctx is cancelled.
func (m *Monitor) WatchFleet(ctx context.Context, source func() []domain.WorkerHandle, refresh time.Duration) {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	for ctx.Err() == nil {
		handles := source()
		if len(handles) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(refresh):
			}
			continue
		}
		cycle, cancel := context.WithTimeout(ctx, refresh)
		m.Watch(cycle, handles)
		cancel()
	}
}

// Aggregate merges per-worker snapshots into one fleet view. Inputs are
// not mutated; sums go into a fresh snapshot that is healthy only when
// every worker is.
func Aggregate(statuses []domain.WorkerProcessStatus) domain.WorkerProcessStatus {
	agg := domain.WorkerProcessStatus{
		WorkerID:  "aggregate",
		IsHealthy: len(statuses) > 0,
		SampledAt: time.Now(),
	}
	for _, s := range statuses {
		agg.Processed += s.Processed
		agg.Succeeded += s.Succeeded
		agg.Failed += s.Failed
		agg.MemoryBytes += s.MemoryBytes
		if !s.IsHealthy {
			agg.IsHealthy = false
		}
	}
	agg.Message = fmt.Sprintf("%d workers, %d processed (%d failed)", len(statuses), agg.Processed, agg.Failed)
	return agg
}
