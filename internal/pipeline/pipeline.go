// Package pipeline wires the harvest, details and staff stages over the shared fetch, dispatch and
// persistence components.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/catalog"
	"github.com/JakeFAU/anime-catalog-ingest/internal/dispatcher"
	"github.com/JakeFAU/anime-catalog-ingest/internal/fetcher"
	"github.com/JakeFAU/anime-catalog-ingest/internal/metrics"
	"github.com/JakeFAU/anime-catalog-ingest/internal/proxy"
	"github.com/JakeFAU/anime-catalog-ingest/internal/publisher"
	"github.com/JakeFAU/anime-catalog-ingest/internal/storage"
)

// Stage names used in logs, metrics, archive paths and summaries.
const (
	StageHarvest = "harvest"
	StageDetails = "details"
	StageStaff   = "staff"
)

// JSONFetcher fetches and decodes one JSON document.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, url string, policy fetcher.RetryPolicy, dst any) (fetcher.Response, error)
}

// PageCounter reports how many listing pages exist. It never fails; implementations fall back.
type PageCounter interface {
	PageCount(ctx context.Context) int
}

// Env carries the long-lived collaborators every stage runs against.
type Env struct {
	Store catalog.Store
	Pool  *proxy.Pool
	// Fetcher rotates requests across Pool.
	Fetcher JSONFetcher
	// Direct fetches without a proxy; harvest falls back to it when Pool is empty.
	Direct        JSONFetcher
	Pages         PageCounter
	Archive       storage.BlobStore
	ArchivePrefix string
	Publisher     publisher.Publisher
	Topic         string
	Logger        *zap.Logger
}

// HarvestConfig drives listing-page waves.
type HarvestConfig struct {
	URL       string
	WaveSize  int
	WavePause time.Duration
	Policy    fetcher.RetryPolicy
}

// StageConfig drives a chunked stage.
type StageConfig struct {
	URL            string
	ChunkSize      int
	MaxConcurrency int
	Policy         fetcher.RetryPolicy
}

// Config groups the per-stage settings.
type Config struct {
	Harvest HarvestConfig
	Details StageConfig
	Staff   StageConfig
}

// Runner executes stages against one Env.
type Runner struct {
	env Env
	cfg Config
}

// New validates env and fills optional collaborators with no-op implementations.
func New(env Env, cfg Config) (*Runner, error) {
	if env.Store == nil {
		return nil, fmt.Errorf("pipeline store is required")
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Archive == nil {
		env.Archive = storage.Noop{}
	}
	if env.Publisher == nil {
		env.Publisher = publisher.Noop{}
	}
	return &Runner{env: env, cfg: cfg}, nil
}

// Summary describes one finished stage run.
type Summary struct {
	RunID      uuid.UUID          `json:"run_id"`
	Stage      string             `json:"stage"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Pages      int                `json:"pages,omitempty"`
	Dispatch   dispatcher.Summary `json:"dispatch"`
	// Rows counts successful writes per relation; Failures counts failed ones.
	Rows     map[string]int `json:"rows,omitempty"`
	Failures map[string]int `json:"failures,omitempty"`
}

// Attributes labels the published message.
func (s Summary) Attributes() map[string]string {
	return map[string]string{"stage": s.Stage, "run_id": s.RunID.String()}
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// All runs harvest, details and staff in order, stopping at the first stage that aborts.
func (r *Runner) All(ctx context.Context) ([]Summary, error) {
	stages := []func(context.Context) (Summary, error){r.Harvest, r.Details, r.Staff}
	out := make([]Summary, 0, len(stages))
	for _, stage := range stages {
		s, err := stage(ctx)
		out = append(out, s)
		if err != nil {
			return out, err
		}
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("run interrupted: %w", err)
		}
	}
	return out, nil
}

func (r *Runner) finish(ctx context.Context, s *Summary, tally *tally) {
	s.FinishedAt = time.Now().UTC()
	s.Rows, s.Failures = tally.snapshot()
	metrics.ObserveStageDuration(s.Stage, s.Duration())
	logger := r.env.Logger.Named(s.Stage)
	logger.Info("stage finished",
		zap.String("run_id", s.RunID.String()),
		zap.Duration("duration", s.Duration()),
		zap.Int("succeeded", s.Dispatch.Succeeded),
		zap.Int("failed", s.Dispatch.Failed),
		zap.Int("skipped", s.Dispatch.Skipped),
	)
	// A canceled run still publishes its partial summary.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := r.env.Publisher.Publish(pubCtx, r.env.Topic, *s); err != nil {
		logger.Warn("publish run summary failed", zap.Error(err))
	}
}

func (r *Runner) archive(ctx context.Context, logger *zap.Logger, stage, key string, body []byte) {
	objectPath := storage.ObjectPath(r.env.ArchivePrefix, stage, key, body)
	if _, err := r.env.Archive.PutObject(ctx, objectPath, "application/json", bytes.NewReader(body)); err != nil {
		logger.Warn("archive payload failed", zap.String("key", key), zap.String("path", objectPath), zap.Error(err))
	}
}

func (r *Runner) requireProxies(stage string) error {
	if r.env.Pool.Len() == 0 || r.env.Fetcher == nil {
		return fmt.Errorf("%s: %w", stage, proxy.ErrNoProxies)
	}
	return nil
}

func observe(stage string, err error) {
	if err != nil {
		metrics.ObserveItem(stage, outcome(err))
		return
	}
	metrics.ObserveItem(stage, "ok")
}

func outcome(err error) string {
	var (
		decodeErr  *fetcher.DecodeError
		persistErr *catalog.PersistenceError
	)
	switch {
	case errors.As(err, &decodeErr):
		return "decode_failed"
	case errors.As(err, &persistErr):
		return "persist_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "fetch_failed"
	}
}
