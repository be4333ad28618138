package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"entitypipeline/internal/config"
	"entitypipeline/internal/schedule"
)

func newScheduleCmd(ro *rootOptions) *cobra.Command {
	var (
		domain   string
		cronSpec string
		truncate bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the full pipeline on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The root command installs the signal-notified context; an
			// interrupt stops the scheduler after any in-flight run.
			ctx := cmd.Context()

			app, err := newApp(ctx, ro, config.Overrides{Domain: domain}, config.NeedAll)
			if err != nil {
				return err
			}
			defer app.Close()

			spec := cronSpec
			if spec == "" {
				spec = app.cfg.ScheduleCron
			}
			if spec == "" {
				return fmt.Errorf("no cron expression: set --cron or schedule_cron")
			}

			o, err := app.fullOrchestrator(ctx, truncate)
			if err != nil {
				return err
			}

			s, err := schedule.New(spec, func(ctx context.Context, processDate string) error {
				_, err := o.Run(ctx, domain, processDate)
				return err
			}, app.log)
			if err != nil {
				return err
			}
			return s.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "logical dataset name")
	cmd.Flags().StringVar(&cronSpec, "cron", "", "cron expression (five fields, overrides schedule_cron)")
	cmd.Flags().BoolVar(&truncate, "truncate", false, "empty the target table before each load")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}
