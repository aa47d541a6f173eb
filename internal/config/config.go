// Package config defines the typed application configuration and its loader.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the backfill service.
type Config struct {
	Backfill  BackfillConfig  `mapstructure:"backfill"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// BackfillConfig controls the per-endpoint worker behavior.
type BackfillConfig struct {
	// Collections lists the record collections fetched per identity.
	Collections []string `mapstructure:"collections"`
	// StartDate and EndDate bound the record time window (inclusive),
	// RFC 3339 date or timestamp strings.
	StartDate string `mapstructure:"start_date"`
	EndDate   string `mapstructure:"end_date"`
	// QPS drives the consumer count (2*QPS capped at identity count).
	QPS                   int           `mapstructure:"qps"`
	MaxRetries            int           `mapstructure:"max_retries"`
	PageLimit             int           `mapstructure:"page_limit"`
	FlushBatchSize        int           `mapstructure:"flush_batch_size"`
	PersistThreshold      int           `mapstructure:"persist_threshold"`
	PersistInterval       time.Duration `mapstructure:"persist_interval"`
	SlowResponseThreshold time.Duration `mapstructure:"slow_response_threshold"`
	QueueDir              string        `mapstructure:"queue_dir"`
	// FetchStrategy selects "list" (paginated listRecords) or "export"
	// (full repository export).
	FetchStrategy string `mapstructure:"fetch_strategy"`
	// TargetURIFile optionally points at a newline-delimited allow-list of
	// subject URIs.
	TargetURIFile string `mapstructure:"target_uri_file"`
}

// RateLimitConfig controls the per-endpoint token bucket.
type RateLimitConfig struct {
	MaxTokens      int           `mapstructure:"max_tokens"`
	Window         time.Duration `mapstructure:"window"`
	FeedbackBuffer int           `mapstructure:"feedback_buffer"`
}

// FleetConfig controls the fleet manager.
type FleetConfig struct {
	MaxConcurrentEndpoints   int      `mapstructure:"max_concurrent_endpoints"`
	MinIdentitiesPerEndpoint int      `mapstructure:"min_identities_per_endpoint"`
	MaxEndpoints             int      `mapstructure:"max_endpoints"`
	AllowedEndpoints         []string `mapstructure:"allowed_endpoints"`
}

// DirectoryConfig selects and configures the identity directory.
type DirectoryConfig struct {
	// Provider is "file" or "http".
	Provider          string  `mapstructure:"provider"`
	Path              string  `mapstructure:"path"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// StorageConfig selects and configures the record sink.
type StorageConfig struct {
	// Provider is "local", "gcs", or "memory".
	Provider  string `mapstructure:"provider"`
	OutputDir string `mapstructure:"output_dir"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig selects and configures the completion publisher.
type PublisherConfig struct {
	// Provider is "memory" or "pubsub".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DatabaseConfig configures the session metadata store. An empty DSN
// selects the in-memory store.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HTTPConfig configures the admin HTTP server.
type HTTPConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load unmarshals the viper state into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the workers cannot run with.
func (c Config) Validate() error {
	if c.Backfill.QPS <= 0 {
		return fmt.Errorf("backfill.qps must be positive, got %d", c.Backfill.QPS)
	}
	if c.Backfill.MaxRetries < 0 {
		return fmt.Errorf("backfill.max_retries must not be negative, got %d", c.Backfill.MaxRetries)
	}
	if c.Backfill.PageLimit <= 0 || c.Backfill.PageLimit > 100 {
		return fmt.Errorf("backfill.page_limit must be in (0,100], got %d", c.Backfill.PageLimit)
	}
	if c.Backfill.FlushBatchSize <= 0 {
		return fmt.Errorf("backfill.flush_batch_size must be positive, got %d", c.Backfill.FlushBatchSize)
	}
	if c.Backfill.QueueDir == "" {
		return fmt.Errorf("backfill.queue_dir is required")
	}
	switch c.Backfill.FetchStrategy {
	case "list", "export":
	default:
		return fmt.Errorf("backfill.fetch_strategy must be \"list\" or \"export\", got %q", c.Backfill.FetchStrategy)
	}
	if c.RateLimit.MaxTokens <= 0 {
		return fmt.Errorf("ratelimit.max_tokens must be positive, got %d", c.RateLimit.MaxTokens)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive, got %s", c.RateLimit.Window)
	}
	if c.Fleet.MaxConcurrentEndpoints <= 0 {
		return fmt.Errorf("fleet.max_concurrent_endpoints must be positive, got %d", c.Fleet.MaxConcurrentEndpoints)
	}
	switch c.Directory.Provider {
	case "file":
		if c.Directory.Path == "" {
			return fmt.Errorf("directory.path is required for the file directory")
		}
	case "http":
		if c.Directory.BaseURL == "" {
			return fmt.Errorf("directory.base_url is required for the http directory")
		}
	default:
		return fmt.Errorf("directory.provider must be \"file\" or \"http\", got %q", c.Directory.Provider)
	}
	switch c.Storage.Provider {
	case "local":
		if c.Storage.OutputDir == "" {
			return fmt.Errorf("storage.output_dir is required for the local sink")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs sink")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.provider must be \"local\", \"gcs\", or \"memory\", got %q", c.Storage.Provider)
	}
	switch c.Publisher.Provider {
	case "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("publisher.provider must be \"memory\" or \"pubsub\", got %q", c.Publisher.Provider)
	}
	return nil
}

// Window parses the configured start and end dates into concrete times.
// A missing start defaults to the zero time, a missing end to now.
func (c BackfillConfig) Window(now time.Time) (start, end time.Time, err error) {
	if c.StartDate != "" {
		start, err = parseDate(c.StartDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse backfill.start_date: %w", err)
		}
	}
	end = now
	if c.EndDate != "" {
		end, err = parseDate(c.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse backfill.end_date: %w", err)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backfill.end_date %s precedes start_date %s", end, start)
	}
	return start, end, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
