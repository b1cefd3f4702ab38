package process

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
)

// Command-line flags the worker is spawned with; discovery parses them
// back out of the process table.
const (
	WorkerIDFlag = "--worker-id"
	SlotFlag     = "--slot"
)

// Discovery reconciles the live OS process table against the worker
// fleet. It has no memory of its own: every call re-reads the table, so
// workers started by a previous manager instance (or by hand) are found
// too.
type Discovery struct {
	inspector  Inspector
	executable string // worker image name, e.g. "monitor-worker"
	workDir    string // fallback match signal, may be empty
	selfPID    int32
}

func NewDiscovery(inspector Inspector, executable, workDir string) *Discovery {
	return &Discovery{
		inspector:  inspector,
		executable: filepath.Base(executable),
		workDir:    workDir,
		selfPID:    int32(os.Getpid()),
	}
}

// Discover returns handles for every live worker process, newest first,
// so "the current worker" for a slot resolves to the most recent match.
// It is read-only and never fails outright: unreadable processes were
// already skipped by the inspector.
func (d *Discovery) Discover(ctx context.Context) ([]domain.WorkerHandle, error) {
	infos, err := d.inspector.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var handles []domain.WorkerHandle
	for _, info := range infos {
		if info.PID == d.selfPID || !d.matches(info) {
			continue
		}
		handles = append(handles, domain.WorkerHandle{
			WorkerID:  flagValue(info.CommandLine, WorkerIDFlag, "discovered-"+info.Executable),
			Slot:      flagValue(info.CommandLine, SlotFlag, ""),
			PID:       info.PID,
			StartTime: info.StartTime,
			State:     domain.WorkerRunning,
		})
	}
	sort.Slice(handles, func(i, j int) bool {
		if !handles[i].StartTime.Equal(handles[j].StartTime) {
			return handles[i].StartTime.After(handles[j].StartTime)
		}
		return handles[i].PID > handles[j].PID
	})
	log.Debug().Int("matches", len(handles)).Msg("worker discovery")
	return handles, nil
}

// DiscoverSlot returns the newest live worker for one slot, if any.
func (d *Discovery) DiscoverSlot(ctx context.Context, slot string) (domain.WorkerHandle, bool) {
	handles, err := d.Discover(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("process table snapshot failed")
		return domain.WorkerHandle{}, false
	}
	for _, h := range handles {
		if h.Slot == slot {
			return h, true
		}
	}
	return domain.WorkerHandle{}, false
}

// matches applies the three match rules: exact image name, a worker
// marker in the command line of a generic host process, or the worker
// working directory as a last resort.
func (d *Discovery) matches(info Info) bool {
	if filepath.Base(info.Executable) == d.executable {
		return true
	}
	for _, arg := range info.CommandLine {
		if strings.HasPrefix(arg, WorkerIDFlag) {
			return true
		}
	}
	return d.workDir != "" && info.WorkingDir == d.workDir
}

// flagValue extracts "--flag value" or "--flag=value" from a command line.
func flagValue(args []string, flag, fallback string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, flag+"="); ok {
			return v
		}
	}
	return fallback
}
