// Package cli wires the pipeline's subcommands. Each staged command maps to
// one orchestrator stage; run drives the whole state machine.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"entitypipeline/internal/pipeline"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI and returns the process exit code. A run that ends
// in the failed terminal state prints the failed stage and cause to stderr
// and exits non-zero.
//
// Every command runs under a signal-notified context: an interrupt mid-run
// cancels the command's context so in-flight work (notably a match poll
// abandoning its remote job) can wind down before the process exits.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd())
}

func execute(ctx context.Context, rootCmd *cobra.Command) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var serr *pipeline.StageError
		if errors.As(err, &serr) {
			fmt.Fprintf(os.Stderr, "Error: stage %s failed: %v\n", serr.Stage, serr.Err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath  string
	secretsName string
	verbosity   int
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pipeline",
		Short:         "Entity resolution pipeline",
		Long:          "Orchestrates extract, match, and load runs against the managed entity-matching service.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to settings file (default configs/settings.yaml when present)")
	cmd.PersistentFlags().StringVar(&opts.secretsName, "secrets-name", "", "Secrets Manager secret holding credentials")
	cmd.PersistentFlags().CountVarP(&opts.verbosity, "verbose", "v", "increase log verbosity")

	cmd.AddCommand(
		newExtractCmd(opts),
		newProcessCmd(opts),
		newLoadCmd(opts),
		newRunCmd(opts),
		newScheduleCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
