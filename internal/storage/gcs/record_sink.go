// Package gcs provides a record sink backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	gstorage "cloud.google.com/go/storage"

	"github.com/skyloom/backfill/internal/storage"
	"github.com/skyloom/backfill/internal/transform"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// RecordSink writes NDJSON record batches to a configured GCS bucket.
type RecordSink struct {
	client *gstorage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed record sink.
func New(client *gstorage.Client, cfg Config) (*RecordSink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &RecordSink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Persist uploads one object per kind partitioned by endpoint and flush
// timestamp.
func (s *RecordSink) Persist(ctx context.Context, endpoint string, batch map[transform.Kind][]transform.Record) error {
	now := time.Now()
	for kind, records := range batch {
		if len(records) == 0 {
			continue
		}
		data, err := storage.EncodeNDJSON(records)
		if err != nil {
			return fmt.Errorf("encode %s batch: %w", kind, err)
		}
		objectPath := storage.ObjectPath(path.Join(s.prefix, sanitizeDir(endpoint)), kind, now)
		if err := s.put(ctx, objectPath, data); err != nil {
			return fmt.Errorf("upload %s batch: %w", kind, err)
		}
	}
	return nil
}

func (s *RecordSink) put(ctx context.Context, objectPath string, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func sanitizeDir(endpoint string) string {
	replacer := strings.NewReplacer("https://", "", "http://", "", ":", "_", "/", "_")
	return replacer.Replace(endpoint)
}
