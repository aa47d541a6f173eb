// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/skyloom/backfill/internal/backfill"
	"github.com/skyloom/backfill/internal/config"
	"github.com/skyloom/backfill/internal/directory"
	"github.com/skyloom/backfill/internal/logging"
	"github.com/skyloom/backfill/internal/metastore"
	"github.com/skyloom/backfill/internal/metrics"
	pubmem "github.com/skyloom/backfill/internal/publisher/memory"
	pubps "github.com/skyloom/backfill/internal/publisher/pubsub"
	"github.com/skyloom/backfill/internal/queue"
	"github.com/skyloom/backfill/internal/storage/gcs"
	"github.com/skyloom/backfill/internal/storage/local"
	sinkmem "github.com/skyloom/backfill/internal/storage/memory"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and passed to the commands that need it.
type App struct {
	logger    *zap.Logger
	cfg       config.Config
	queues    *queue.Manager
	meta      backfill.MetadataStore
	sink      backfill.RecordSink
	publisher backfill.Publisher
	directory directory.Directory

	pgStore      *metastore.PostgresStore
	pubsubClient *gpubsub.Client
	gcsClient    *gstorage.Client
}

// GetLogger returns the shared zap logger instance.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the validated application configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetQueues returns the durable queue manager.
func (a *App) GetQueues() *queue.Manager {
	return a.queues
}

// GetMetadataStore returns the session metadata store.
func (a *App) GetMetadataStore() backfill.MetadataStore {
	return a.meta
}

// GetSink returns the record sink.
func (a *App) GetSink() backfill.RecordSink {
	return a.sink
}

// GetPublisher returns the completion-event publisher.
func (a *App) GetPublisher() backfill.Publisher {
	return a.publisher
}

// GetDirectory returns the identity directory.
func (a *App) GetDirectory() directory.Directory {
	return a.directory
}

// NewApp creates and initializes a new App from the loaded configuration.
// It is the central point for service initialization and fails fast if any
// critical service cannot be built.
func NewApp(ctx context.Context) (*App, error) {
	l := logging.L
	l.Info("Initializing application services...")
	metrics.Init()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	a := &App{logger: l, cfg: cfg}

	a.queues, err = queue.NewManager(cfg.Backfill.QueueDir)
	if err != nil {
		return nil, fmt.Errorf("initialize queue manager: %w", err)
	}

	if err := a.initMetadataStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.initSink(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.initPublisher(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.initDirectory(cfg); err != nil {
		return nil, err
	}

	l.Info("Application services initialized successfully.")
	return a, nil
}

func (a *App) initMetadataStore(ctx context.Context, cfg config.Config) error {
	if cfg.Database.DSN == "" {
		a.logger.Info("Using in-memory metadata store. Session metadata will not survive restarts.")
		a.meta = metastore.NewMemoryStore()
		return nil
	}
	a.logger.Info("Connecting to PostgreSQL...")
	store, err := metastore.NewPostgresStore(ctx, metastore.PostgresConfig{DSN: cfg.Database.DSN})
	if err != nil {
		return fmt.Errorf("initialize metadata store: %w", err)
	}
	a.pgStore = store
	a.meta = store
	return nil
}

func (a *App) initSink(ctx context.Context, cfg config.Config) error {
	switch cfg.Storage.Provider {
	case "local":
		a.logger.Info("Using local record sink", zap.String("output_dir", cfg.Storage.OutputDir))
		sink, err := local.New(local.Config{BaseDir: cfg.Storage.OutputDir})
		if err != nil {
			return fmt.Errorf("initialize local sink: %w", err)
		}
		a.sink = sink
	case "gcs":
		a.logger.Info("Using GCS record sink", zap.String("bucket", cfg.Storage.Bucket))
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize gcs client: %w", err)
		}
		a.gcsClient = client
		sink, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.Bucket, Prefix: cfg.Storage.Prefix})
		if err != nil {
			return fmt.Errorf("initialize gcs sink: %w", err)
		}
		a.sink = sink
	case "memory":
		a.logger.Info("Using in-memory record sink. Records will be discarded on exit.")
		a.sink = sinkmem.New()
	default:
		return fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context, cfg config.Config) error {
	switch cfg.Publisher.Provider {
	case "pubsub":
		a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", cfg.Publisher.Topic))
		client, err := gpubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return fmt.Errorf("initialize pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.publisher = pubps.New(client.Topic(cfg.Publisher.Topic))
	case "memory":
		a.logger.Info("Using in-memory publisher. No messages leave the process.")
		a.publisher = pubmem.New()
	default:
		return fmt.Errorf("unknown publisher provider: %s", cfg.Publisher.Provider)
	}
	return nil
}

func (a *App) initDirectory(cfg config.Config) error {
	switch cfg.Directory.Provider {
	case "file":
		a.logger.Info("Using file directory", zap.String("path", cfg.Directory.Path))
		dir, err := directory.NewFileDirectory(cfg.Directory.Path, a.logger)
		if err != nil {
			return fmt.Errorf("initialize file directory: %w", err)
		}
		a.directory = dir
	case "http":
		a.logger.Info("Using http directory", zap.String("base_url", cfg.Directory.BaseURL))
		a.directory = directory.NewHTTPResolver(cfg.Directory.BaseURL, cfg.Directory.RequestsPerSecond, a.logger)
	default:
		return fmt.Errorf("unknown directory provider: %s", cfg.Directory.Provider)
	}
	return nil
}

// Close gracefully shuts down all services in the App container. It is
// called by a Cobra hook after the command finishes execution.
func (a *App) Close() {
	a.logger.Info("Shutting down application services...")
	if a.queues != nil {
		if err := a.queues.Close(); err != nil {
			a.logger.Warn("Error closing queue manager", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("Error closing pubsub client", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("Error closing gcs client", zap.Error(err))
		}
	}
	// Best effort; stderr may not support sync.
	_ = a.logger.Sync()
}
