package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"entitypipeline/internal/config"
	"entitypipeline/internal/pipeline"
)

func newLoadCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load stage commands",
	}
	cmd.AddCommand(newLoadRunCmd(ro), newLoadSetupCmd(ro))
	return cmd
}

func newLoadRunCmd(ro *rootOptions) *cobra.Command {
	var (
		runID       string
		sourceKey   string
		targetTable string
		truncate    bool
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load matched records of a run into the target warehouse",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, ro, config.Overrides{TargetTable: targetTable},
				config.Need{ObjectStore: true, Target: true})
			if err != nil {
				return err
			}
			defer app.Close()

			if sourceKey != "" {
				rc, err := app.contexts.Load(ctx, runID)
				if err != nil {
					return err
				}
				rc.OutputLocation = sourceKey
				if err := app.contexts.Save(ctx, rc); err != nil {
					return err
				}
			}

			if dryRun {
				rc, err := app.contexts.Load(ctx, runID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"dry run: would load %s into %s/%s (truncate=%v)\n",
					rc.OutputLocation, app.cfg.Target.Kind, app.cfg.Target.Table, truncate)
				return nil
			}

			ld, err := app.newLoader(ctx, truncate)
			if err != nil {
				return err
			}

			rc, err := app.orchestrator(nil, nil, ld).RunStage(ctx, runID, pipeline.StageLoad)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s: loaded %d records into %s\n",
				rc.RunID, rc.RecordCountMatched, app.cfg.Target.Table)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run whose matched output to load")
	cmd.Flags().StringVar(&sourceKey, "source-key", "", "override the matched output location before loading")
	cmd.Flags().StringVar(&targetTable, "target-table", "", "override the configured target table")
	cmd.Flags().BoolVar(&truncate, "truncate", false, "empty the target table before loading")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be loaded without executing")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func newLoadSetupCmd(ro *rootOptions) *cobra.Command {
	var targetTable string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the target golden-record table if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, ro, config.Overrides{TargetTable: targetTable},
				config.Need{Target: true})
			if err != nil {
				return err
			}
			defer app.Close()

			ld, err := app.newLoader(ctx, false)
			if err != nil {
				return err
			}
			if err := ld.Setup(ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "target table %s is ready\n", app.cfg.Target.Table)
			return nil
		},
	}

	cmd.Flags().StringVar(&targetTable, "target-table", "", "override the configured target table")
	return cmd
}
