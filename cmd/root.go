// Package cmd defines and implements the CLI commands for the linkcheck executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/config"
	"github.com/JakeFAU/linkcheck/internal/report"
	"github.com/JakeFAU/linkcheck/internal/server"
	"github.com/JakeFAU/linkcheck/internal/synch"
	"github.com/JakeFAU/linkcheck/internal/worker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the application surface the commands use. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	RunWorker(ctx context.Context) worker.Result
	Resync(ctx context.Context, force bool) (synch.Stats, error)
	ExportReport(ctx context.Context) (string, report.Report, error)
	MigrateSchema(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// appFactory builds the application from a config file path.
type appFactory func(ctx context.Context, cfgPath string) (App, error)

func defaultApp(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return app, nil
}

// newRootCmd creates the root command. The app is built once config is
// known and before any subcommand runs.
func newRootCmd(newApp appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "linkcheck",
		Short: "Finds broken links in published content.",
		Long: `linkcheck parses links out of stored content, checks them over HTTP on a
schedule and keeps a record of every broken, redirected or timed-out link.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
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

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); LINKCHECK_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newResyncCmd(),
		newReportCmd(),
		newMigrateSchemaCmd(),
	)
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
	if err := newRootCmd(defaultApp).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
