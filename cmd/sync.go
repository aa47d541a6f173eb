package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/skyloom/backfill/internal/fleet"
	"github.com/skyloom/backfill/internal/pds"
	"github.com/skyloom/backfill/internal/ratelimit"
	"github.com/skyloom/backfill/internal/transform"
	"github.com/skyloom/backfill/internal/worker"
)

var identitiesFile string

// newSyncCmd creates and configures the 'sync' subcommand, which runs the
// full backfill fleet.
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Backfill historical records for the configured identities",
		Long: `Resolves the configured identities to their hosting endpoints and runs
one worker per endpoint, persisting validated records to the configured
sink. Progress survives restarts through durable on-disk queues.`,

		RunE: runSyncCommand,
	}
	cmd.Flags().StringVar(&identitiesFile, "identities-file", "", "newline-delimited identity list (overrides backfill.identities)")
	return cmd
}

func runSyncCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	cfg := appInstance.GetConfig()

	identities, err := loadIdentities()
	if err != nil {
		return err
	}
	if len(identities) == 0 {
		return fmt.Errorf("no identities configured; set backfill.identities or --identities-file")
	}

	start, end, err := cfg.Backfill.Window(time.Now().UTC())
	if err != nil {
		return err
	}
	window := transform.TimeWindow{Start: start, End: end}

	uriFilter, err := loadURIFilter(cfg.Backfill.TargetURIFile)
	if err != nil {
		return err
	}

	factory := func(endpoint string, endpointIdentities []string) (fleet.Runner, error) {
		bucket, err := ratelimit.NewTokenBucket(cfg.RateLimit.MaxTokens, cfg.RateLimit.Window)
		if err != nil {
			return nil, err
		}
		pair, err := appInstance.GetQueues().PairFor(endpoint)
		if err != nil {
			return nil, err
		}
		timeout := time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second
		return worker.New(worker.Config{
			Endpoint:              endpoint,
			Identities:            endpointIdentities,
			Collections:           cfg.Backfill.Collections,
			QPS:                   cfg.Backfill.QPS,
			MaxRetries:            cfg.Backfill.MaxRetries,
			PageLimit:             cfg.Backfill.PageLimit,
			FlushBatchSize:        cfg.Backfill.FlushBatchSize,
			PersistThreshold:      cfg.Backfill.PersistThreshold,
			PersistInterval:       cfg.Backfill.PersistInterval,
			SlowResponseThreshold: cfg.Backfill.SlowResponseThreshold,
			FetchStrategy:         cfg.Backfill.FetchStrategy,
			FeedbackBuffer:        cfg.RateLimit.FeedbackBuffer,
			Window:                window,
			URIFilter:             uriFilter,
		}, worker.Deps{
			Client: pds.NewClient(endpoint, timeout, logger),
			Queues: pair,
			Meta:   appInstance.GetMetadataStore(),
			Sink:   appInstance.GetSink(),
			Bucket: bucket,
			Logger: logger,
		})
	}

	manager, err := fleet.New(fleet.Config{
		Identities:               identities,
		MinIdentitiesPerEndpoint: cfg.Fleet.MinIdentitiesPerEndpoint,
		MaxEndpoints:             cfg.Fleet.MaxEndpoints,
		MaxConcurrentEndpoints:   cfg.Fleet.MaxConcurrentEndpoints,
		AllowedEndpoints:         cfg.Fleet.AllowedEndpoints,
		CompletionTopic:          cfg.Publisher.Topic,
	}, appInstance.GetDirectory(), appInstance.GetMetadataStore(), appInstance.GetPublisher(), factory, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := manager.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run fleet: %w", err)
	}

	logger.Info("Sync finished",
		zap.Int("endpoints", report.Endpoints),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("deadlettered", report.Deadlettered),
		zap.Strings("failed_endpoints", report.Failed))
	return nil
}

func loadIdentities() ([]string, error) {
	if identitiesFile == "" {
		return viper.GetStringSlice("backfill.identities"), nil
	}

	f, err := os.Open(identitiesFile)
	if err != nil {
		return nil, fmt.Errorf("open identities file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var identities []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identities = append(identities, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read identities file: %w", err)
	}
	return identities, nil
}

func loadURIFilter(path string) (*transform.URIFilter, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open target uri file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var uris []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		uris = append(uris, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read target uri file: %w", err)
	}
	return transform.NewURIFilter(uris), nil
}
