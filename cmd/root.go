// Package cmd defines and implements the CLI commands for the envcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/config"
	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/dispatcher"
	"github.com/vnenv/envcrawler/internal/emitter"
	"github.com/vnenv/envcrawler/internal/registry"
	"github.com/vnenv/envcrawler/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close(ctx context.Context) error
	Run(ctx context.Context) error
	Crawl(ctx context.Context, req dispatcher.Request) (crawler.JobRecord, error)
	Handoff() *emitter.Handoff
	Registry() *registry.Registry
	Logger() *zap.Logger
	Handler() http.Handler
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envcrawler",
		Short: "Collects environmental readings for Vietnamese locations.",
		Long: `envcrawler pulls air, water, soil, and climate readings for a catalog of
Vietnamese locations from several public data providers, merges them into
one flat record batch per crawl, and hands the batch off to storage and
downstream subscribers.`,
		SilenceUsage: true,

		// Runs before every subcommand: load configuration, then build and
		// inject the application.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the ENVCRAWLER_ prefix")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newLocationsCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "envcrawler:", err)
		os.Exit(1)
	}
}
