package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skyloom/backfill/internal/api"
)

// newServeCmd creates the 'serve' subcommand, which runs the admin HTTP
// server exposing health, metrics, and queue administration.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server",
		Long: `Serves the operational HTTP surface: /healthz, Prometheus metrics on
/metrics, queue depth inspection on /v1/queues, and stale-row recovery on
/v1/queues/recover.`,

		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(appInstance.GetConfig().HTTP.ListenAddr, appInstance.GetQueues(), appInstance.GetLogger())
	return server.ListenAndServe(ctx)
}
