package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the admin API and runs the worker on its schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Performs one worker run and prints its result",
		Long: `Acquires the worker lock, parses unsynced content, checks due links and
exits when the work or the time budget runs out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res := app.RunWorker(cmd.Context())
			app.Logger().Info("run command finished",
				zap.String("run_id", res.RunID),
				zap.String("outcome", string(res.Outcome)),
			)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newResyncCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Reconciles synch records with the content store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := app.Resync(cmd.Context(), force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "mark every container unsynced so all content is parsed again")
	return cmd
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Exports broken and warning links to the report store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			uri, rep, err := app.ExportReport(cmd.Context())
			if err != nil {
				return fmt.Errorf("export report: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"uri":      uri,
				"broken":   len(rep.Broken),
				"warnings": len(rep.Warnings),
			})
		},
	}
}

func newMigrateSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-schema",
		Short: "Creates the Postgres tables if they do not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.MigrateSchema(cmd.Context())
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
