package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skyloom/backfill/internal/backfill"
	"github.com/skyloom/backfill/internal/config"
	"github.com/skyloom/backfill/internal/directory"
	"github.com/skyloom/backfill/internal/metastore"
	pubmem "github.com/skyloom/backfill/internal/publisher/memory"
	"github.com/skyloom/backfill/internal/queue"
	sinkmem "github.com/skyloom/backfill/internal/storage/memory"
)

// mockApp satisfies the App interface with in-memory services.
type mockApp struct {
	queues *queue.Manager
	closed bool
}

func (m *mockApp) Close()                                   { m.closed = true }
func (m *mockApp) GetLogger() *zap.Logger                   { return zap.NewNop() }
func (m *mockApp) GetConfig() config.Config                 { return config.Config{} }
func (m *mockApp) GetQueues() *queue.Manager                { return m.queues }
func (m *mockApp) GetMetadataStore() backfill.MetadataStore { return metastore.NewMemoryStore() }
func (m *mockApp) GetSink() backfill.RecordSink             { return sinkmem.New() }
func (m *mockApp) GetPublisher() backfill.Publisher         { return pubmem.New() }
func (m *mockApp) GetDirectory() directory.Directory        { return nil }

func withMockApp(t *testing.T) *mockApp {
	t.Helper()
	mgr, err := queue.NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	mock := &mockApp{queues: mgr}
	orig := newApp
	newApp = func(context.Context) (App, error) { return mock, nil }
	t.Cleanup(func() { newApp = orig })
	return mock
}

func TestRecoverCommandRunsAgainstQueues(t *testing.T) {
	mock := withMockApp(t)
	pair, err := mock.queues.PairFor("https://pds-a.example.com")
	require.NoError(t, err)
	_, err = pair.Results.Enqueue(context.Background(), "did:plc:alice", `{"identity":"did:plc:alice"}`, "")
	require.NoError(t, err)
	claimed, err := pair.Results.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	root := newRootCmd()
	root.SetArgs([]string{"recover", "--older-than", "0s"})
	require.NoError(t, root.Execute())

	stats, err := pair.Results.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats[queue.StatusPending])
	require.True(t, mock.closed)
}

func TestSyncCommandRequiresIdentities(t *testing.T) {
	withMockApp(t)

	root := newRootCmd()
	root.SetArgs([]string{"sync"})
	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no identities configured")
}

func TestResolveAppMissing(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
