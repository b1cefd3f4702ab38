// Package notify is the fire-and-forget event seam between the worker
// manager and whatever delivers status to users. Publishing never
// blocks and never fails; a sink that cannot keep up drops events.
package notify

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
)

// Event types.
const (
	WorkerStarted = "worker_started"
	WorkerStopped = "worker_stopped"
	WorkerStatus  = "worker_status"
	TestProgress  = "test_progress"
	TestResult    = "test_result"
)

// Event is one status or progress notification.
type Event struct {
	Type      string
	Slot      string
	WorkerID  string
	TestID    string
	PID       int32
	Percent   int
	Message   string
	Status    *domain.WorkerProcessStatus
	Timestamp time.Time
}

// Terminal reports whether the event closes a stream; terminal events
// bypass throttling.
func (e Event) Terminal() bool {
	return e.Type == TestResult || e.Type == WorkerStopped || e.Percent >= 100
}

// Sink accepts events, best-effort.
type Sink interface {
	Publish(Event)
}

// LogSink writes events to the log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Publish(e Event) {
	ev := s.Log.Info().
		Str("event", e.Type).
		Str("slot", e.Slot).
		Str("worker_id", e.WorkerID)
	if e.TestID != "" {
		ev = ev.Str("test_id", e.TestID).Int("percent", e.Percent)
	}
	if e.PID != 0 {
		ev = ev.Int32("pid", e.PID)
	}
	ev.Msg(e.Message)
}

// Throttled rate-limits a sink so chatty progress streams cannot flood
// it. Terminal events always pass.
type Throttled struct {
	next    Sink
	limiter *rate.Limiter
}

// NewThrottled allows at most perSecond events per second with a small
// burst.
func NewThrottled(next Sink, perSecond float64) *Throttled {
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), 5)}
}

func (t *Throttled) Publish(e Event) {
	if e.Terminal() || t.limiter.Allow() {
		t.next.Publish(e)
	}
}

// Collector buffers events in a channel for tests and local consumers.
// Events beyond the buffer are dropped, never blocked on.
type Collector struct {
	C chan Event
}

func NewCollector(size int) *Collector {
	return &Collector{C: make(chan Event, size)}
}

func (c *Collector) Publish(e Event) {
	select {
	case c.C <- e:
	default:
	}
}

// Fanout publishes to several sinks.
type Fanout []Sink

func (f Fanout) Publish(e Event) {
	for _, s := range f {
		s.Publish(e)
	}
}
