package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	recoverDryRun    bool
	recoverOlderThan time.Duration
)

// newRecoverCmd creates the 'recover' subcommand, which returns stale
// processing rows to pending after a crash or kill.
func newRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Return stale in-flight queue rows to pending",
		Long: `Scans every durable queue for rows stuck in processing status longer
than the given age and returns them to pending so the next sync run picks
them up again. Use --dry-run to report without mutating.`,

		RunE: runRecoverCommand,
	}
	cmd.Flags().BoolVar(&recoverDryRun, "dry-run", false, "report stale rows without resetting them")
	cmd.Flags().DurationVar(&recoverOlderThan, "older-than", 10*time.Minute, "minimum age of processing rows to reset")
	return cmd
}

func runRecoverCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	recovered, err := appInstance.GetQueues().RecoverAll(cmd.Context(), recoverOlderThan, recoverDryRun)
	if err != nil {
		return err
	}

	total := int64(0)
	for name, n := range recovered {
		total += n
		logger.Info("Queue recovery",
			zap.String("queue", name),
			zap.Int64("rows", n),
			zap.Bool("dry_run", recoverDryRun))
	}
	logger.Info("Recovery finished",
		zap.Int64("total_rows", total),
		zap.Bool("dry_run", recoverDryRun))
	return nil
}
