// Package dispatcher contains tests for chunked fan-out.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChunkCoversEveryIDOnce(t *testing.T) {
	t.Parallel()

	ids := make([]int, 250)
	for i := range ids {
		ids[i] = i
	}
	groups := Chunk(ids, 100)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 100)
	assert.Len(t, groups[1], 100)
	assert.Len(t, groups[2], 50)

	var flat []int
	for _, g := range groups {
		flat = append(flat, g...)
	}
	assert.Equal(t, ids, flat)
}

func TestChunkEdgeCases(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Chunk([]string{}, 10))
	assert.Equal(t, [][]string{{"a", "b"}}, Chunk([]string{"a", "b"}, 0))
	assert.Equal(t, [][]string{{"a"}, {"b"}}, Chunk([]string{"a", "b"}, 1))
	assert.Equal(t, [][]string{{"a", "b"}}, Chunk([]string{"a", "b"}, 5))
}

// TestRunLaunchesOneWorkerPerGroup checks the five-id scenario: three groups, three concurrent
// workers, every id attempted exactly once and in order within its group.
func TestRunLaunchesOneWorkerPerGroup(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		order    []string
		arrived  sync.WaitGroup
	)
	arrived.Add(3)
	firstOfGroup := map[string]bool{"a": true, "c": true, "e": true}
	allArrived := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allArrived)
	}()

	d := New[string](Config{Stage: "test", ChunkSize: 2}, zap.NewNop())
	summary, err := d.Run(context.Background(), []string{"a", "b", "c", "d", "e"}, func(_ context.Context, id string) error {
		if firstOfGroup[id] {
			arrived.Done()
			select {
			case <-allArrived:
			case <-time.After(2 * time.Second):
				return fmt.Errorf("workers did not run concurrently")
			}
		}
		mu.Lock()
		attempts[id]++
		order = append(order, id)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{Groups: 3, Items: 5, Succeeded: 5}, summary)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1}, attempts)
	assert.Less(t, indexOf(order, "a"), indexOf(order, "b"))
	assert.Less(t, indexOf(order, "c"), indexOf(order, "d"))
}

func TestRunIsolatesItemFailures(t *testing.T) {
	t.Parallel()

	var persisted sync.Map
	d := New[string](Config{Stage: "test", ChunkSize: 3}, zap.NewNop())
	summary, err := d.Run(context.Background(), []string{"x", "y", "z"}, func(_ context.Context, id string) error {
		if id == "y" {
			return errors.New("failed to fetch after retries")
		}
		persisted.Store(id, true)
		return nil
	})
	require.NoError(t, err, "item failures never fail the chunk")
	assert.Equal(t, Summary{Groups: 1, Items: 3, Succeeded: 2, Failed: 1}, summary)
	_, okX := persisted.Load("x")
	_, okZ := persisted.Load("z")
	assert.True(t, okX)
	assert.True(t, okZ)
}

func TestRunRespectsMaxConcurrency(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	ids := make([]int, 40)
	for i := range ids {
		ids[i] = i
	}
	d := New[int](Config{Stage: "test", ChunkSize: 2, MaxConcurrency: 3}, zap.NewNop())
	summary, err := d.Run(context.Background(), ids, func(context.Context, int) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 20, summary.Groups)
	assert.Equal(t, 40, summary.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunSurfacesWorkerPanicWithoutStoppingSiblings(t *testing.T) {
	t.Parallel()

	var done sync.Map
	d := New[string](Config{Stage: "test", ChunkSize: 2}, zap.NewNop())
	summary, err := d.Run(context.Background(), []string{"a", "boom", "after", "c", "d"}, func(_ context.Context, id string) error {
		if id == "boom" {
			panic("nil map write")
		}
		done.Store(id, true)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	for _, id := range []string{"a", "after", "c", "d"} {
		_, ok := done.Load(id)
		assert.True(t, ok, id)
	}
}

func TestRunPanicSkipsRestOfGroup(t *testing.T) {
	t.Parallel()

	d := New[int](Config{Stage: "test", ChunkSize: 4}, zap.NewNop())
	summary, err := d.Run(context.Background(), []int{1, 2, 3, 4}, func(_ context.Context, id int) error {
		if id == 2 {
			panic("abort")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, Summary{Groups: 1, Items: 4, Succeeded: 1, Failed: 1, Skipped: 2}, summary)
}

func TestRunSkipsAfterCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := atomic.Int32{}
	d := New[int](Config{Stage: "test", ChunkSize: 2}, nil)
	summary, err := d.Run(ctx, []int{1, 2, 3}, func(context.Context, int) error {
		called.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), called.Load())
	assert.Equal(t, 3, summary.Skipped)
}

func TestRunEmptyInput(t *testing.T) {
	t.Parallel()

	d := New[string](Config{ChunkSize: 10}, nil)
	summary, err := d.Run(context.Background(), nil, func(context.Context, string) error {
		t.Fatal("handler must not run")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestWavesCompleteBeforeNextWaveStarts(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		completed = map[int]bool{}
		violation error
		seen      []int
	)
	summary, err := Waves(context.Background(), WaveConfig{Stage: "pages", Width: 10}, zap.NewNop(), 1, 25,
		func(_ context.Context, page int) error {
			waveStart := ((page-1)/10)*10 + 1
			mu.Lock()
			for p := 1; p < waveStart; p++ {
				if !completed[p] && violation == nil {
					violation = fmt.Errorf("page %d started before page %d completed", page, p)
				}
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			completed[page] = true
			seen = append(seen, page)
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	require.NoError(t, violation)
	assert.Equal(t, 25, summary.Items)
	assert.Equal(t, 25, summary.Succeeded)
	sort.Ints(seen)
	for i, p := range seen {
		assert.Equal(t, i+1, p)
	}
}

func TestWavesCountFailuresAndHonourCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var finished atomic.Int32
	summary, err := Waves(ctx, WaveConfig{Width: 5}, nil, 1, 20, func(_ context.Context, page int) error {
		if page == 5 {
			deadline := time.Now().Add(2 * time.Second)
			for finished.Load() < 4 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			cancel()
			return nil
		}
		defer finished.Add(1)
		if page == 3 {
			return errors.New("listing page unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 15, summary.Skipped)
	assert.Equal(t, 20, summary.Items)
}

func TestWavesEmptyRange(t *testing.T) {
	t.Parallel()

	summary, err := Waves(context.Background(), WaveConfig{Width: 10}, nil, 1, 0, func(context.Context, int) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}
