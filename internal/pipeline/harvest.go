package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/catalog"
	"github.com/JakeFAU/anime-catalog-ingest/internal/dispatcher"
	runid "github.com/JakeFAU/anime-catalog-ingest/internal/id/uuid"
	"github.com/JakeFAU/anime-catalog-ingest/internal/proxy"
)

// Harvest discovers the listing page count, fetches pages 1..n in waves and registers every
// listed catalog id.
func (r *Runner) Harvest(ctx context.Context) (Summary, error) {
	cfg := r.cfg.Harvest
	s := Summary{RunID: runid.NewRunID(), Stage: StageHarvest, StartedAt: time.Now().UTC()}
	logger := r.env.Logger.Named(StageHarvest).With(zap.String("run_id", s.RunID.String()))

	client := r.env.Fetcher
	if r.env.Pool.Len() == 0 || client == nil {
		client = r.env.Direct
	}
	if client == nil {
		return s, fmt.Errorf("%s: %w", StageHarvest, proxy.ErrNoProxies)
	}
	if cfg.URL == "" {
		return s, fmt.Errorf("%s: listing url is not configured", StageHarvest)
	}
	if r.env.Pages == nil {
		return s, fmt.Errorf("%s: page counter is not configured", StageHarvest)
	}
	s.Pages = r.env.Pages.PageCount(ctx)
	logger.Info("harvest started", zap.Int("pages", s.Pages), zap.Int("wave_size", cfg.WaveSize))

	counts := newTally()
	wave := dispatcher.WaveConfig{Stage: StageHarvest, Width: cfg.WaveSize, Pause: cfg.WavePause}
	summary, err := dispatcher.Waves(ctx, wave, logger, 1, s.Pages, func(ctx context.Context, page int) error {
		err := r.harvestPage(ctx, client, cfg, page, counts)
		observe(StageHarvest, err)
		return err
	})
	s.Dispatch = summary
	r.finish(ctx, &s, counts)
	return s, err
}

func (r *Runner) harvestPage(ctx context.Context, client JSONFetcher, cfg HarvestConfig, page int, counts *tally) error {
	var listing catalog.ListingPage
	if _, err := client.FetchJSON(ctx, cfg.URL+strconv.Itoa(page), cfg.Policy, &listing); err != nil {
		return fmt.Errorf("listing page %d: %w", page, err)
	}
	var errs []error
	for _, entry := range listing {
		err := r.env.Store.RegisterCatalogID(ctx, entry.ID)
		counts.record("anime_id", err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
