package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"entitypipeline/internal/config"
	"entitypipeline/internal/pipeline"
)

func newProcessCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Matching stage commands",
	}
	cmd.AddCommand(newProcessRunCmd(ro), newProcessStatusCmd(ro))
	return cmd
}

func newProcessRunCmd(ro *rootOptions) *cobra.Command {
	var (
		runID    string
		inputURI string
		noWait   bool
		timeout  time.Duration
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a matching job for an extracted run and poll it to completion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, ro, config.Overrides{PollTimeout: timeout},
				config.Need{ObjectStore: true, Matching: true})
			if err != nil {
				return err
			}
			defer app.Close()

			if inputURI != "" {
				rc, err := app.contexts.Load(ctx, runID)
				if err != nil {
					return err
				}
				rc.SourceLocation = inputURI
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
					"dry run: would submit %s to workflow %s (timeout %s)\n",
					rc.SourceLocation, app.cfg.Matching.WorkflowName, app.cfg.PollTimeout)
				return nil
			}

			o := app.orchestrator(nil, app.newMatchClient(), nil)

			if noWait {
				rc, err := o.Submit(ctx, runID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: job %s submitted, not waiting\n",
					rc.RunID, rc.Job.JobID)
				return nil
			}

			rc, err := o.RunStage(ctx, runID, pipeline.StageMatch)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s: job %s matched %d of %d records, output %s\n",
				rc.RunID, rc.Job.JobID, rc.RecordCountMatched, rc.RecordCountIn, rc.OutputLocation)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run whose extracted input to match")
	cmd.Flags().StringVar(&inputURI, "input-uri", "", "override the staged input location before submitting")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "submit the job and return without polling")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override the polling wall-clock budget")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be submitted without executing")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func newProcessStatusCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print the persisted stage status of a run without re-running anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, ro, config.Overrides{},
				config.Need{ObjectStore: true})
			if err != nil {
				return err
			}
			defer app.Close()

			rc, err := app.contexts.Load(ctx, args[0])
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(rc, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			// A live status check when the run has a non-terminal job.
			if rc.Job != nil && !rc.Job.Status.Terminal() && app.cfg.Matching.WorkflowName != "" {
				js, err := app.newMatchClient().GetStatus(ctx, rc.Job.JobID)
				if err != nil {
					app.log.Warn("live status check failed", "job_id", rc.Job.JobID, "error", err)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "live job status: %s\n", js.Status)
			}
			return nil
		},
	}
}
