// Package config is responsible for initializing the application's configuration.
// It uses the Viper library to read settings from a config file, environment
// variables, and command-line flags, providing a unified configuration system.
package config

import (
	"strings"

	"github.com/skyloom/backfill/internal/logging"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// InitConfig initializes the application's configuration using Viper.
// It sets up default values, defines configuration search paths, and enables
// reading from environment variables. This function is designed to be called
// once at application startup to ensure that configuration is loaded and
// available to all other packages.
func InitConfig() {
	// --- Set Search Paths ---
	viper.SetConfigName("config")
	viper.AddConfigPath(".")               // Current working directory
	viper.AddConfigPath("/etc/backfill/")  // System-wide configuration
	viper.AddConfigPath("$HOME/.backfill") // User-specific configuration

	// --- Set Defaults ---
	viper.SetDefault("backfill.collections", []string{
		"app.bsky.feed.post",
		"app.bsky.feed.repost",
		"app.bsky.feed.like",
		"app.bsky.graph.follow",
		"app.bsky.graph.block",
	})
	viper.SetDefault("backfill.qps", 10)
	viper.SetDefault("backfill.max_retries", 3)
	viper.SetDefault("backfill.page_limit", 100)
	viper.SetDefault("backfill.flush_batch_size", 25)
	viper.SetDefault("backfill.persist_threshold", 50)
	viper.SetDefault("backfill.persist_interval", "15s")
	viper.SetDefault("backfill.slow_response_threshold", "3s")
	viper.SetDefault("backfill.queue_dir", "data/queues")
	viper.SetDefault("backfill.fetch_strategy", "list")

	viper.SetDefault("ratelimit.max_tokens", 2700)
	viper.SetDefault("ratelimit.window", "5m")
	viper.SetDefault("ratelimit.feedback_buffer", 50)

	viper.SetDefault("fleet.max_concurrent_endpoints", 4)
	viper.SetDefault("fleet.min_identities_per_endpoint", 50)
	viper.SetDefault("fleet.max_endpoints", 200)

	viper.SetDefault("directory.provider", "file")
	viper.SetDefault("directory.requests_per_second", 5)

	viper.SetDefault("storage.provider", "local")
	viper.SetDefault("storage.output_dir", "data/records")

	viper.SetDefault("publisher.provider", "memory")

	viper.SetDefault("http.listen_addr", ":8080")
	viper.SetDefault("http.timeout_seconds", 15)

	// --- Environment Variables ---
	viper.SetEnvPrefix("BACKFILL") // e.g., BACKFILL_HTTP_LISTEN_ADDR=:9090
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// --- Read Config File ---
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; this is not a fatal error if we can proceed
			// with defaults and environment variables.
			logging.L.Warn("Config file not found; using defaults and environment variables.")
		} else {
			logging.L.Error("Error reading config file", zap.Error(err))
		}
	} else {
		logging.L.Info("Using config file", zap.String("path", viper.ConfigFileUsed()))
	}
}
