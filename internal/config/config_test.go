package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func validViper() *viper.Viper {
	v := viper.New()
	v.Set("backfill.collections", []string{"app.bsky.feed.post"})
	v.Set("backfill.qps", 10)
	v.Set("backfill.max_retries", 3)
	v.Set("backfill.page_limit", 100)
	v.Set("backfill.flush_batch_size", 25)
	v.Set("backfill.persist_threshold", 50)
	v.Set("backfill.queue_dir", "data/queues")
	v.Set("backfill.fetch_strategy", "list")
	v.Set("ratelimit.max_tokens", 2700)
	v.Set("ratelimit.window", "5m")
	v.Set("fleet.max_concurrent_endpoints", 4)
	v.Set("directory.provider", "file")
	v.Set("directory.path", "identities.json")
	v.Set("storage.provider", "memory")
	v.Set("publisher.provider", "memory")
	return v
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(validViper())
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Backfill.QPS)
	require.Equal(t, 5*time.Minute, cfg.RateLimit.Window)
	require.Equal(t, "memory", cfg.Storage.Provider)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"zero qps", "backfill.qps", 0},
		{"negative retries", "backfill.max_retries", -1},
		{"page limit too large", "backfill.page_limit", 500},
		{"unknown strategy", "backfill.fetch_strategy", "scrape"},
		{"zero tokens", "ratelimit.max_tokens", 0},
		{"unknown storage", "storage.provider", "s3"},
		{"unknown directory", "directory.provider", "dns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validViper()
			v.Set(tt.key, tt.value)
			_, err := Load(v)
			require.Error(t, err)
		})
	}
}

func TestLoadRequiresProviderFields(t *testing.T) {
	v := validViper()
	v.Set("storage.provider", "gcs")
	_, err := Load(v)
	require.ErrorContains(t, err, "storage.bucket")

	v = validViper()
	v.Set("publisher.provider", "pubsub")
	_, err = Load(v)
	require.ErrorContains(t, err, "publisher.project_id")
}

func TestWindowParsing(t *testing.T) {
	now := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)

	cfg := BackfillConfig{StartDate: "2024-01-01", EndDate: "2024-06-30"}
	start, end, err := cfg.Window(now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), end)

	cfg = BackfillConfig{}
	start, end, err = cfg.Window(now)
	require.NoError(t, err)
	require.True(t, start.IsZero())
	require.Equal(t, now, end)

	cfg = BackfillConfig{StartDate: "2024-06-30", EndDate: "2024-01-01"}
	_, _, err = cfg.Window(now)
	require.Error(t, err)

	cfg = BackfillConfig{StartDate: "June 2024"}
	_, _, err = cfg.Window(now)
	require.Error(t, err)
}
