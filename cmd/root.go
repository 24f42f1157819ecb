// Package cmd defines the catalog-ingest CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/app"
	"github.com/JakeFAU/anime-catalog-ingest/internal/config"
	"github.com/JakeFAU/anime-catalog-ingest/internal/logging"
	"github.com/JakeFAU/anime-catalog-ingest/internal/pipeline"
)

// App is what the subcommands need from the application container.
type App interface {
	Logger() *zap.Logger
	Runner() *pipeline.Runner
	Pages() app.PageCounter
	ServeOps(ctx context.Context) func()
	Close()
}

type appKeyType struct{}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "catalog-ingest",
		Short: "Harvests the anime catalog into PostgreSQL.",
		Long: `catalog-ingest discovers the A-Z listing, registers every catalog id, then fetches
detail documents and staff rosters through a rotating proxy pool and upserts them.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			instance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, instance))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newStageCmd("harvest", "Registers every catalog id listed on the A-Z pages", stageHarvest),
		newStageCmd("details", "Fetches and upserts detail documents for registered ids", stageDetails),
		newStageCmd("staff", "Fetches and upserts staff rosters for stored records", stageStaff),
		newStageCmd("run", "Runs harvest, details and staff in order", stageAll),
		newPagesCmd(),
	)
	return cmd
}

// withApp resolves the App built by the root pre-run hook and closes it once run returns,
// whether or not run fails.
func withApp(run func(cmd *cobra.Command, instance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		instance, ok := cmd.Context().Value(appKeyType{}).(App)
		if !ok || instance == nil {
			return fmt.Errorf("application is not initialized")
		}
		defer instance.Close()
		return run(cmd, instance)
	}
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
