package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/catalog"
	"github.com/JakeFAU/anime-catalog-ingest/internal/dispatcher"
	runid "github.com/JakeFAU/anime-catalog-ingest/internal/id/uuid"
)

// Staff fetches the roster of every distinct MAL id among stored catalog records, upserts each
// person and links them to every record carrying that MAL id.
func (r *Runner) Staff(ctx context.Context) (Summary, error) {
	cfg := r.cfg.Staff
	s := Summary{RunID: runid.NewRunID(), Stage: StageStaff, StartedAt: time.Now().UTC()}
	logger := r.env.Logger.Named(StageStaff).With(zap.String("run_id", s.RunID.String()))
	if err := r.requireProxies(StageStaff); err != nil {
		return s, err
	}
	if cfg.URL == "" {
		return s, fmt.Errorf("%s: source url is not configured", StageStaff)
	}
	targets, err := r.env.Store.ListStaffTargets(ctx)
	if err != nil {
		return s, fmt.Errorf("%s: %w", StageStaff, err)
	}
	logger.Info("staff started", zap.Int("targets", len(targets)), zap.Int("proxies", r.env.Pool.Len()))

	counts := newTally()
	d := dispatcher.New[catalog.StaffTarget](dispatcher.Config{
		Stage:          StageStaff,
		ChunkSize:      cfg.ChunkSize,
		MaxConcurrency: cfg.MaxConcurrency,
	}, logger)
	summary, err := d.Run(ctx, targets, func(ctx context.Context, target catalog.StaffTarget) error {
		err := r.roster(ctx, logger, cfg, target, counts)
		observe(StageStaff, err)
		return err
	})
	s.Dispatch = summary
	r.finish(ctx, &s, counts)
	return s, err
}

func (r *Runner) roster(
	ctx context.Context,
	logger *zap.Logger,
	cfg StageConfig,
	target catalog.StaffTarget,
	counts *tally,
) error {
	key := strconv.Itoa(target.MalID)
	var doc catalog.StaffResponse
	resp, err := r.env.Fetcher.FetchJSON(ctx, strings.TrimRight(cfg.URL, "/")+"/"+key+"/staff", cfg.Policy, &doc)
	if err != nil {
		return fmt.Errorf("staff %s: %w", key, err)
	}
	r.archive(ctx, logger, StageStaff, key, resp.Body)

	var errs []error
	for _, entry := range doc.Data {
		person := entry.Staff()
		err := r.env.Store.UpsertStaff(ctx, person)
		counts.record("staff", err)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, animeID := range target.AnimeIDs {
			err := r.env.Store.LinkAnimeStaff(ctx, catalog.AnimeStaff{
				AnimeID:   animeID,
				StaffID:   person.MalID,
				Positions: person.Positions,
			})
			counts.record("anime_staff", err)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	logger.Debug("roster stored", zap.Int("mal_id", target.MalID), zap.Int("people", len(doc.Data)))
	return errors.Join(errs...)
}
