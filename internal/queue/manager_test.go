package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerPairForReuses(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	first, err := m.PairFor("https://pds.example.com")
	require.NoError(t, err)
	second, err := m.PairFor("https://pds.example.com")
	require.NoError(t, err)
	require.Same(t, first, second)

	other, err := m.PairFor("https://other.example.com")
	require.NoError(t, err)
	require.NotSame(t, first, other)
}

func TestManagerDepthsAndRecover(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	pair, err := m.PairFor("https://pds.example.com")
	require.NoError(t, err)

	_, err = pair.Results.Enqueue(ctx, "did:plc:a", "p", "")
	require.NoError(t, err)
	_, err = pair.Results.Enqueue(ctx, "did:plc:b", "p", "")
	require.NoError(t, err)
	_, err = pair.Results.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	depths, err := m.Depths(ctx)
	require.NoError(t, err)
	require.Len(t, depths, 2)

	byName := make(map[string]QueueDepth, len(depths))
	for _, d := range depths {
		byName[d.Name] = d
	}
	results := byName["pds_example_com_results"]
	require.Equal(t, 1, results.Pending)
	require.Equal(t, 1, results.Processing)
	require.Equal(t, 2, results.Total)

	// Dry run reports the stuck item without touching it.
	recovered, err := m.RecoverAll(ctx, 0, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, recovered["pds_example_com_results"])

	recovered, err = m.RecoverAll(ctx, 0, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, recovered["pds_example_com_results"])

	recovered, err = m.RecoverAll(ctx, 0, true)
	require.NoError(t, err)
	require.Zero(t, recovered["pds_example_com_results"])
}

func TestSanitizeEndpoint(t *testing.T) {
	require.Equal(t, "pds_example_com", sanitizeEndpoint("https://pds.example.com"))
	require.Equal(t, "pds_example_com_8080", sanitizeEndpoint("https://pds.example.com:8080"))
	require.Equal(t, "pds_example_com", sanitizeEndpoint("pds.example.com"))
}
