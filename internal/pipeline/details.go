package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/catalog"
	"github.com/JakeFAU/anime-catalog-ingest/internal/dispatcher"
	runid "github.com/JakeFAU/anime-catalog-ingest/internal/id/uuid"
)

// Details fetches the detail document of every registered id through the proxy pool and upserts
// the catalog record and its episodes. It aborts before any fetch when the pool is empty.
func (r *Runner) Details(ctx context.Context) (Summary, error) {
	cfg := r.cfg.Details
	s := Summary{RunID: runid.NewRunID(), Stage: StageDetails, StartedAt: time.Now().UTC()}
	logger := r.env.Logger.Named(StageDetails).With(zap.String("run_id", s.RunID.String()))
	if err := r.requireProxies(StageDetails); err != nil {
		return s, err
	}
	if cfg.URL == "" {
		return s, fmt.Errorf("%s: source url is not configured", StageDetails)
	}
	ids, err := r.env.Store.ListCatalogIDs(ctx)
	if err != nil {
		return s, fmt.Errorf("%s: %w", StageDetails, err)
	}
	logger.Info("details started", zap.Int("ids", len(ids)), zap.Int("proxies", r.env.Pool.Len()))

	counts := newTally()
	d := dispatcher.New[string](dispatcher.Config{
		Stage:          StageDetails,
		ChunkSize:      cfg.ChunkSize,
		MaxConcurrency: cfg.MaxConcurrency,
	}, logger)
	summary, err := d.Run(ctx, ids, func(ctx context.Context, id string) error {
		err := r.detail(ctx, logger, cfg, id, counts)
		observe(StageDetails, err)
		return err
	})
	s.Dispatch = summary
	r.finish(ctx, &s, counts)
	return s, err
}

func (r *Runner) detail(ctx context.Context, logger *zap.Logger, cfg StageConfig, id string, counts *tally) error {
	target := strings.TrimRight(cfg.URL, "/") + "/" + url.PathEscape(id)
	var doc catalog.Detail
	resp, err := r.env.Fetcher.FetchJSON(ctx, target, cfg.Policy, &doc)
	if err != nil {
		return fmt.Errorf("detail %s: %w", id, err)
	}
	r.archive(ctx, logger, StageDetails, id, resp.Body)

	anime := doc.Anime()
	err = r.env.Store.UpsertAnime(ctx, anime)
	counts.record("anime", err)
	if err != nil {
		return err
	}
	for _, ep := range doc.EpisodeRecords() {
		err := r.env.Store.UpsertEpisode(ctx, ep)
		counts.record("episodes", err)
		if err != nil {
			logger.Warn("episode upsert failed",
				zap.String("id", id),
				zap.String("episode", ep.ID),
				zap.Error(err),
			)
		}
	}
	logger.Debug("detail stored",
		zap.String("id", id),
		zap.Int("anime_id", anime.ID),
		zap.Int("attempts", resp.Attempts),
		zap.String("proxy", resp.Proxy.URL()),
	)
	return nil
}
