package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscovery_MatchRules(t *testing.T) {
	w := newFakeWorld()
	d := NewDiscovery(w, "/opt/monitor/monitor-worker", "/var/lib/monitor")

	// Exact image name.
	w.add(Info{Executable: "monitor-worker", CommandLine: []string{"monitor-worker"}}, time.Now())
	// Generic host process carrying the worker marker.
	w.add(Info{Executable: "dotnet", CommandLine: []string{"dotnet", "worker.dll", WorkerIDFlag, "wrk_1", SlotFlag, "main"}}, time.Now())
	// Working-directory fallback.
	w.add(Info{Executable: "run", CommandLine: []string{"run"}, WorkingDir: "/var/lib/monitor"}, time.Now())
	// Unrelated process.
	w.add(Info{Executable: "bash", CommandLine: []string{"bash"}, WorkingDir: "/home"}, time.Now())

	handles, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, handles, 3)
}

func TestDiscovery_NewestFirst(t *testing.T) {
	w := newFakeWorld()
	d := NewDiscovery(w, "monitor-worker", "")

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	old := w.add(Info{Executable: "monitor-worker", CommandLine: []string{"monitor-worker", SlotFlag, "main"}}, base)
	newest := w.add(Info{Executable: "monitor-worker", CommandLine: []string{"monitor-worker", SlotFlag, "main"}}, base.Add(time.Minute))

	handles, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, newest, handles[0].PID)
	assert.Equal(t, old, handles[1].PID)

	// DiscoverSlot resolves "the current worker" to the newest match.
	h, ok := d.DiscoverSlot(context.Background(), "main")
	require.True(t, ok)
	assert.Equal(t, newest, h.PID)
}

func TestDiscovery_ParsesWorkerIdentity(t *testing.T) {
	w := newFakeWorld()
	d := NewDiscovery(w, "monitor-worker", "")

	w.add(Info{
		Executable:  "monitor-worker",
		CommandLine: []string{"monitor-worker", WorkerIDFlag + "=wrk_7", SlotFlag + "=main"},
	}, time.Now())

	handles, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "wrk_7", handles[0].WorkerID)
	assert.Equal(t, "main", handles[0].Slot)
}

func TestDiscovery_NoMatches(t *testing.T) {
	w := newFakeWorld()
	d := NewDiscovery(w, "monitor-worker", "")
	w.add(Info{Executable: "bash", CommandLine: []string{"bash"}}, time.Now())

	handles, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handles)

	_, ok := d.DiscoverSlot(context.Background(), "main")
	assert.False(t, ok)
}
