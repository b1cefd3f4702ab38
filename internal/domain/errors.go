package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotRunning      = errors.New("worker not running")
	ErrImmediateExit   = errors.New("worker exited before becoming ready")
	ErrTimeout         = errors.New("timed out")
	ErrCancelled       = errors.New("cancelled")
	ErrDuplicateTest   = errors.New("test id already active")
	ErrNotFound        = errors.New("not found")
)

// AlreadyRunningError rejects a duplicate start and names the process
// that holds the slot.
type AlreadyRunningError struct {
	Slot string
	PID  int32
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("slot %s already running (pid %d)", e.Slot, e.PID)
}

// TargetResult is the per-target outcome of a bulk operation.
type TargetResult struct {
	WorkerID string
	PID      int32
	Err      error
}

// PartialFailureError reports a bulk operation where some targets failed.
// Bulk callers always get per-target results, never a collapsed boolean.
type PartialFailureError struct {
	Results []TargetResult
}

func (e *PartialFailureError) Error() string {
	stopped, failed := e.Counts()
	return fmt.Sprintf("partial failure: %d stopped, %d failed", stopped, failed)
}

// Counts returns the succeeded/failed tallies across Results.
func (e *PartialFailureError) Counts() (stopped, failed int) {
	for _, r := range e.Results {
		if r.Err != nil {
			failed++
		} else {
			stopped++
		}
	}
	return stopped, failed
}
