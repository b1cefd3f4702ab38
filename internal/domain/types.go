package domain

import "time"

// RecurrenceSpec describes how often an indicator runs. Exactly one of
// FrequencyMinutes and CronExpr is set.
type RecurrenceSpec struct {
	FrequencyMinutes int
	CronExpr         string
	Timezone         string // IANA name; empty means UTC
	ActiveFrom       *time.Time
	ActiveUntil      *time.Time
}

// ScheduleState is the mutable scheduling state of one indicator.
type ScheduleState struct {
	LastRun   *time.Time
	IsRunning bool
	Spec      RecurrenceSpec
}

// Indicator is one schedulable unit of work.
type Indicator struct {
	ID        string
	Name      string
	OwnerSlot string // logical worker slot that executes this indicator
	Kind      string // executor kind: http, shell, noop
	Target    string // executor-specific target (URL, command line)
	Spec      RecurrenceSpec
	LastRun   *time.Time
	IsRunning bool
	Processed int64
	Succeeded int64
	Failed    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkerState is the lifecycle state of a spawned worker process.
type WorkerState string

const (
	WorkerNotStarted     WorkerState = "not_started"
	WorkerStarting       WorkerState = "starting"
	WorkerRunning        WorkerState = "running"
	WorkerStoppingGrace  WorkerState = "stopping_graceful"
	WorkerStoppingForced WorkerState = "stopping_forced"
	WorkerExited         WorkerState = "exited"
)

// WorkerHandle tracks one spawned OS process. The lifecycle controller
// owns OS-level mutation; everyone else only reads. PID must not be
// trusted once State is WorkerExited (the OS may reuse it).
type WorkerHandle struct {
	WorkerID  string // caller-assigned, stable across restarts
	Slot      string
	PID       int32
	StartTime time.Time
	State     WorkerState
}

// Live reports whether the handle is in a state where the process is
// expected to be alive.
func (h *WorkerHandle) Live() bool {
	switch h.State {
	case WorkerStarting, WorkerRunning, WorkerStoppingGrace, WorkerStoppingForced:
		return true
	}
	return false
}

// WorkerProcessStatus is one immutable status snapshot produced per poll.
type WorkerProcessStatus struct {
	WorkerID    string
	PID         int32
	State       WorkerState
	Processed   int64
	Succeeded   int64
	Failed      int64
	MemoryBytes uint64
	IsHealthy   bool
	Message     string
	SampledAt   time.Time
}

// TestState is the lifecycle state of an orchestrated test run.
type TestState string

const (
	TestPending   TestState = "pending"
	TestRunning   TestState = "running"
	TestCompleted TestState = "completed"
	TestCancelled TestState = "cancelled"
	TestFailed    TestState = "failed"
)

// TestResult aggregates the outcome of one orchestrated run.
type TestResult struct {
	Succeeded   int64
	Failed      int64
	Duration    time.Duration
	PeakMemory  uint64
	WorkerCount int
}

// TestExecution is one orchestrated test run, owned by the orchestrator.
type TestExecution struct {
	ID        string
	Type      string
	Targets   []string
	StartedAt time.Time
	EndedAt   *time.Time
	State     TestState
	Result    TestResult
}

// StopMode records which termination path a stop took.
type StopMode string

const (
	StopGraceful StopMode = "graceful"
	StopForced   StopMode = "forced"
	StopNoop     StopMode = "noop" // already exited
)
