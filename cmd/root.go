// Package cmd defines and implements the CLI commands for the backfill
// executable.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skyloom/backfill/internal/app"
	"github.com/skyloom/backfill/internal/backfill"
	"github.com/skyloom/backfill/internal/config"
	"github.com/skyloom/backfill/internal/directory"
	"github.com/skyloom/backfill/internal/logging"
	"github.com/skyloom/backfill/internal/queue"
	pkgconfig "github.com/skyloom/backfill/pkg/config"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use. This allows us
// to inject a mock app during tests.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetQueues() *queue.Manager
	GetMetadataStore() backfill.MetadataStore
	GetSink() backfill.RecordSink
	GetPublisher() backfill.Publisher
	GetDirectory() directory.Directory
}

// newApp is the application factory. It is a variable so tests can replace
// it with a mock factory.
var newApp func(ctx context.Context) (App, error) = func(ctx context.Context) (App, error) {
	return app.NewApp(ctx)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Federated historical-content backfill orchestrator",
		Long: `backfill crawls the personal data servers hosting a set of identities
and ingests their historical records. It discovers each identity's hosting
endpoint, paces requests against per-endpoint rate limits, and persists
validated records partitioned by kind.`,

		// Runs after config is loaded but before the subcommand's RunE;
		// builds the application and injects it into the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cobra.OnInitialize(pkgconfig.InitConfig)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/backfill, $HOME/.backfill)")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newRecoverCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	logging.InitLogger()

	if err := newRootCmd().Execute(); err != nil {
		logging.L.Fatal("Command execution failed", zap.Error(err))
	}
}
