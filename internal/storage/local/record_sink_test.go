package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skyloom/backfill/internal/transform"
)

func TestNewRequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewCreatesBaseDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "records")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestPersistWritesPartitionedNDJSON(t *testing.T) {
	dir := t.TempDir()
	sink, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	batch := map[transform.Kind][]transform.Record{
		transform.KindPost: {
			{Author: "did:plc:alice", Kind: transform.KindPost, Payload: transform.PostPayload{Text: "one"}},
			{Author: "did:plc:alice", Kind: transform.KindPost, Payload: transform.PostPayload{Text: "two"}},
		},
		transform.KindFollow: {
			{Author: "did:plc:alice", Kind: transform.KindFollow, Payload: transform.SubjectIdentityPayload{Subject: "did:plc:bob"}},
		},
		transform.KindLike: {},
	}

	require.NoError(t, sink.Persist(context.Background(), "https://pds.example.com", batch))

	postFiles, err := filepath.Glob(filepath.Join(dir, "pds.example.com", "kind=post", "*.ndjson"))
	require.NoError(t, err)
	require.Len(t, postFiles, 1)

	data, err := os.ReadFile(postFiles[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"kind":"post"`)

	followFiles, err := filepath.Glob(filepath.Join(dir, "pds.example.com", "kind=follow", "*.ndjson"))
	require.NoError(t, err)
	require.Len(t, followFiles, 1)

	// Empty batches produce no files.
	likeFiles, err := filepath.Glob(filepath.Join(dir, "pds.example.com", "kind=like", "*.ndjson"))
	require.NoError(t, err)
	require.Empty(t, likeFiles)
}
