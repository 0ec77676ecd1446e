package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProcessor remembers every processed path.
type recordingProcessor struct {
	mu       sync.Mutex
	paths    []string
	failPath string
}

func (r *recordingProcessor) Process(ctx context.Context, path string, content []byte, contentHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if path == r.failPath {
		return fmt.Errorf("processor rejected %s", path)
	}
	r.paths = append(r.paths, path)
	return nil
}

// stubMonitor replays a fixed sequence of samples, repeating the last
// one once exhausted.
type stubMonitor struct {
	mu      sync.Mutex
	samples [][2]float64
	calls   int
}

func (s *stubMonitor) Sample() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.samples) {
		i = len(s.samples) - 1
	}
	s.calls++
	return s.samples[i][0], s.samples[i][1], nil
}

func writePendingFiles(t *testing.T, n int) (*PendingList, []string) {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("doc-%02d.md", i))
		require.NoError(t, os.WriteFile(paths[i], []byte(fmt.Sprintf("content %d", i)), 0o644))
	}
	list, err := LoadPendingList(filepath.Join(t.TempDir(), "pending.json"))
	require.NoError(t, err)
	require.NoError(t, list.Append(paths...))
	return list, paths
}

func idleMonitor() *stubMonitor {
	return &stubMonitor{samples: [][2]float64{{10, 20}}}
}

func TestController_ProcessesEverythingAndDrainsPending(t *testing.T) {
	pending, paths := writePendingFiles(t, 10)
	proc := &recordingProcessor{}

	ctrl := NewController(pending, proc, idleMonitor(), ControllerConfig{
		BatchSize:       3,
		CPUThreshold:    80,
		MemoryThreshold: 85,
	}, nil)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, result.Processed)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Missing)
	assert.Zero(t, pending.Len())
	assert.ElementsMatch(t, paths, proc.paths)
}

func TestController_MissingFileIsDroppedWithError(t *testing.T) {
	pending, paths := writePendingFiles(t, 10)
	require.NoError(t, os.Remove(paths[6]))
	proc := &recordingProcessor{}

	ctrl := NewController(pending, proc, idleMonitor(), ControllerConfig{
		BatchSize:       4,
		CPUThreshold:    80,
		MemoryThreshold: 85,
	}, nil)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, result.Processed)
	assert.Equal(t, 1, result.Missing)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], paths[6])
	assert.Zero(t, pending.Len(), "the missing entry is removed, not retried")
}

func TestController_DuplicateContentProcessedOnce(t *testing.T) {
	pending, paths := writePendingFiles(t, 4)
	// Give two files identical content.
	require.NoError(t, os.WriteFile(paths[2], []byte("content 1"), 0o644))
	proc := &recordingProcessor{}

	ctrl := NewController(pending, proc, idleMonitor(), ControllerConfig{
		BatchSize:       10,
		CPUThreshold:    80,
		MemoryThreshold: 85,
	}, nil)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Duplicates)
	assert.Zero(t, pending.Len())
}

func TestController_ConcurrentIdenticalContentProcessedOnce(t *testing.T) {
	// Every file in the batch carries the same bytes; the hash must be
	// reserved before processing or parallel workers all get through.
	pending, paths := writePendingFiles(t, 4)
	for _, p := range paths {
		require.NoError(t, os.WriteFile(p, []byte("same content"), 0o644))
	}
	proc := &recordingProcessor{}

	ctrl := NewController(pending, proc, idleMonitor(), ControllerConfig{
		BatchSize:       10,
		CPUThreshold:    80,
		MemoryThreshold: 85,
		Concurrency:     4,
	}, nil)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 3, result.Duplicates)
	assert.Len(t, proc.paths, 1)
	assert.Zero(t, pending.Len())
}

func TestController_FailureReleasesHashReservation(t *testing.T) {
	pending, paths := writePendingFiles(t, 2)
	for _, p := range paths {
		require.NoError(t, os.WriteFile(p, []byte("same content"), 0o644))
	}
	proc := &recordingProcessor{failPath: paths[0]}

	ctrl := NewController(pending, proc, idleMonitor(), ControllerConfig{
		BatchSize:       1,
		CPUThreshold:    80,
		MemoryThreshold: 85,
		Concurrency:     1,
	}, nil)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Processed, "the failed attempt does not poison the hash")
	assert.Zero(t, result.Duplicates)
}

func TestController_FailedItemStaysPending(t *testing.T) {
	pending, paths := writePendingFiles(t, 5)
	proc := &recordingProcessor{failPath: paths[1]}

	ctrl := NewController(pending, proc, idleMonitor(), ControllerConfig{
		BatchSize:       2,
		CPUThreshold:    80,
		MemoryThreshold: 85,
	}, nil)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{paths[1]}, pending.Items(), "failed item is retried on the next run")
}

func TestController_ThrottlesUntilLoadDrops(t *testing.T) {
	pending, _ := writePendingFiles(t, 2)
	proc := &recordingProcessor{}

	// CPU above the 80 ceiling twice, then healthy.
	monitor := &stubMonitor{samples: [][2]float64{{85, 20}, {82, 20}, {30, 20}}}

	ctrl := NewController(pending, proc, monitor, ControllerConfig{
		BatchSize:       10,
		CPUThreshold:    80,
		MemoryThreshold: 85,
		ThrottleWait:    time.Millisecond,
	}, nil)

	result, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.GreaterOrEqual(t, monitor.calls, 3, "waited through two hot samples before the batch ran")
}

func TestController_ThrottleAbortsOnlyOnCancel(t *testing.T) {
	pending, _ := writePendingFiles(t, 1)
	proc := &recordingProcessor{}

	// Permanently over the memory ceiling.
	monitor := &stubMonitor{samples: [][2]float64{{10, 99}}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ctrl := NewController(pending, proc, monitor, ControllerConfig{
		BatchSize:       10,
		CPUThreshold:    80,
		MemoryThreshold: 85,
		ThrottleWait:    time.Millisecond,
	}, nil)

	result, err := ctrl.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Processed)
	assert.Equal(t, 1, pending.Len(), "nothing was dropped")
}

func TestController_InterruptedRunKeepsUnfinishedWork(t *testing.T) {
	pending, paths := writePendingFiles(t, 6)
	proc := &recordingProcessor{failPath: paths[4]}

	ctrl := NewController(pending, proc, idleMonitor(), ControllerConfig{
		BatchSize:       3,
		CPUThreshold:    80,
		MemoryThreshold: 85,
	}, nil)
	_, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	// A second run over the surviving pending list picks up the
	// failure.
	reloaded, err := LoadPendingList(pending.path)
	require.NoError(t, err)
	assert.Equal(t, []string{paths[4]}, reloaded.Items())

	proc2 := &recordingProcessor{}
	ctrl2 := NewController(reloaded, proc2, idleMonitor(), ControllerConfig{
		BatchSize:       3,
		CPUThreshold:    80,
		MemoryThreshold: 85,
	}, nil)
	result, err := ctrl2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, reloaded.Len())
}
