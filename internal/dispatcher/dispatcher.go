// Package dispatcher fans a finite id sequence out to a bounded set of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/anime-catalog-ingest/internal/metrics"
)

// Handler processes one id. A returned error marks the item failed without stopping the group.
type Handler[T any] func(ctx context.Context, item T) error

// Config shapes one dispatch.
type Config struct {
	// Stage labels logs and metrics.
	Stage string
	// ChunkSize is the number of consecutive ids handed to one worker.
	ChunkSize int
	// MaxConcurrency caps simultaneously running workers; 0 runs every group at once.
	MaxConcurrency int
}

// Summary aggregates the outcome of a dispatch.
type Summary struct {
	Groups    int `json:"groups"`
	Items     int `json:"items"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Add returns the field-wise sum of s and o.
func (s Summary) Add(o Summary) Summary {
	return Summary{
		Groups:    s.Groups + o.Groups,
		Items:     s.Items + o.Items,
		Succeeded: s.Succeeded + o.Succeeded,
		Failed:    s.Failed + o.Failed,
		Skipped:   s.Skipped + o.Skipped,
	}
}

// Dispatcher runs one worker per chunk of ids.
type Dispatcher[T any] struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New[T any](cfg Config, logger *zap.Logger) *Dispatcher[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher[T]{cfg: cfg, logger: logger}
}

// Chunk partitions ids into consecutive groups of size; the last group may be shorter.
// A non-positive size yields a single group.
func Chunk[T any](ids []T, size int) [][]T {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(ids)
	}
	groups := make([][]T, 0, (len(ids)+size-1)/size)
	for group := range slices.Chunk(ids, size) {
		groups = append(groups, group)
	}
	return groups
}

// Run processes every group on its own worker, at most MaxConcurrency at a time, items of a
// group in order. It returns once every worker has finished. Item failures are logged and
// counted; a panicking worker is reported in the returned error while its siblings continue.
// After ctx ends, remaining items are skipped.
func (d *Dispatcher[T]) Run(ctx context.Context, ids []T, handle Handler[T]) (Summary, error) {
	groups := Chunk(ids, d.cfg.ChunkSize)
	summary := Summary{Groups: len(groups), Items: len(ids)}
	if len(groups) == 0 {
		return summary, nil
	}
	limit := d.cfg.MaxConcurrency
	if limit <= 0 || limit > len(groups) {
		limit = len(groups)
	}

	var (
		succeeded atomic.Int64
		failed    atomic.Int64
		skipped   atomic.Int64
		mu        sync.Mutex
		aborts    []error
	)
	var g errgroup.Group
	g.SetLimit(limit)
	d.logger.Info("dispatch started",
		zap.String("stage", d.cfg.Stage),
		zap.Int("items", len(ids)),
		zap.Int("groups", len(groups)),
		zap.Int("max_concurrency", limit),
	)
	for i, group := range groups {
		g.Go(func() error {
			metrics.IncActiveWorkers(d.cfg.Stage)
			defer metrics.DecActiveWorkers(d.cfg.Stage)
			logger := d.logger.With(zap.String("stage", d.cfg.Stage), zap.Int("worker", i))

			next := 0
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				failed.Add(1)
				skipped.Add(int64(len(group) - next - 1))
				err := fmt.Errorf("%s worker %d aborted at item %v: %v", d.cfg.Stage, i, group[next], rec)
				logger.Error("worker aborted", zap.Any("item", group[next]), zap.Any("panic", rec))
				mu.Lock()
				aborts = append(aborts, err)
				mu.Unlock()
			}()

			for ; next < len(group); next++ {
				if ctx.Err() != nil {
					skipped.Add(int64(len(group) - next))
					return nil
				}
				item := group[next]
				if err := handle(ctx, item); err != nil {
					failed.Add(1)
					logger.Warn("item failed", zap.Any("item", item), zap.Error(err))
					continue
				}
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Succeeded = int(succeeded.Load())
	summary.Failed = int(failed.Load())
	summary.Skipped = int(skipped.Load())
	d.logger.Info("dispatch finished",
		zap.String("stage", d.cfg.Stage),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, errors.Join(aborts...)
}

// WaveConfig shapes a page-wave dispatch.
type WaveConfig struct {
	Stage string
	// Width is the number of pages fetched concurrently per wave.
	Width int
	// Pause is slept between waves.
	Pause time.Duration
}

// Waves runs handle over first..last inclusive in waves of Width concurrent calls.
// A wave starts only once the previous one has completed.
func Waves(ctx context.Context, cfg WaveConfig, logger *zap.Logger, first, last int, handle Handler[int]) (Summary, error) {
	if last < first {
		return Summary{}, nil
	}
	width := max(cfg.Width, 1)
	d := New[int](Config{Stage: cfg.Stage, ChunkSize: 1, MaxConcurrency: width}, logger)

	var (
		total Summary
		errs  []error
	)
	for start := first; start <= last; start += width {
		end := min(start+width-1, last)
		if ctx.Err() != nil {
			remaining := last - start + 1
			total = total.Add(Summary{Items: remaining, Skipped: remaining})
			break
		}
		pages := make([]int, 0, end-start+1)
		for p := start; p <= end; p++ {
			pages = append(pages, p)
		}
		s, err := d.Run(ctx, pages, handle)
		total = total.Add(s)
		if err != nil {
			errs = append(errs, err)
		}
		if cfg.Pause > 0 && end < last {
			select {
			case <-ctx.Done():
			case <-time.After(cfg.Pause):
			}
		}
	}
	return total, errors.Join(errs...)
}
