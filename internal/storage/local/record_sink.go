// Package local implements a local filesystem record sink.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skyloom/backfill/internal/storage"
	"github.com/skyloom/backfill/internal/transform"
)

// Config captures the parameters for the local filesystem record sink.
type Config struct {
	// BaseDir is the root directory where record files will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// RecordSink writes NDJSON record batches to the local filesystem.
type RecordSink struct {
	baseDir string
}

// New creates a new local filesystem-backed record sink.
func New(cfg Config) (*RecordSink, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &RecordSink{baseDir: cfg.BaseDir}, nil
}

// Persist writes one file per kind under the endpoint's directory.
func (s *RecordSink) Persist(_ context.Context, endpoint string, batch map[transform.Kind][]transform.Record) error {
	now := time.Now()
	for kind, records := range batch {
		if len(records) == 0 {
			continue
		}
		data, err := storage.EncodeNDJSON(records)
		if err != nil {
			return fmt.Errorf("encode %s batch: %w", kind, err)
		}

		relPath := storage.ObjectPath(sanitizeDir(endpoint), kind, now)
		fullPath := filepath.Join(s.baseDir, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
			return fmt.Errorf("create %s partition: %w", kind, err)
		}
		if err := os.WriteFile(fullPath, data, 0o600); err != nil {
			return fmt.Errorf("write %s batch: %w", kind, err)
		}
	}
	return nil
}

func sanitizeDir(endpoint string) string {
	replacer := strings.NewReplacer("https://", "", "http://", "", ":", "_", "/", "_")
	return replacer.Replace(endpoint)
}
