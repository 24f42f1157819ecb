package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/pipeline"
)

type stageFunc func(ctx context.Context, r *pipeline.Runner) ([]pipeline.Summary, error)

func single(f func(*pipeline.Runner, context.Context) (pipeline.Summary, error)) stageFunc {
	return func(ctx context.Context, r *pipeline.Runner) ([]pipeline.Summary, error) {
		s, err := f(r, ctx)
		return []pipeline.Summary{s}, err
	}
}

var (
	stageHarvest = single((*pipeline.Runner).Harvest)
	stageDetails = single((*pipeline.Runner).Details)
	stageStaff   = single((*pipeline.Runner).Staff)
	stageAll     = func(ctx context.Context, r *pipeline.Runner) ([]pipeline.Summary, error) {
		return r.All(ctx)
	}
)

func newStageCmd(use, short string, stage stageFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, instance App) error {
			stopOps := instance.ServeOps(cmd.Context())
			defer stopOps()

			summaries, err := stage(cmd.Context(), instance.Runner())
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, s := range summaries {
				if s.Stage == "" {
					continue
				}
				if encErr := enc.Encode(s); encErr != nil {
					instance.Logger().Warn("write summary failed", zap.Error(encErr))
				}
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					instance.Logger().Warn("run interrupted", zap.String("command", use))
				}
				return fmt.Errorf("%s: %w", use, err)
			}
			return nil
		}),
	}
}

func newPagesCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "Prints the discovered number of A-Z listing pages",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, instance App) error {
			pages := instance.Pages()
			var (
				n   int
				err error
			)
			if strict {
				if n, err = pages.Count(cmd.Context()); err != nil {
					return fmt.Errorf("discover page count: %w", err)
				}
			} else {
				n = pages.PageCount(cmd.Context())
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		}),
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail instead of printing the fallback page count")
	return cmd
}
