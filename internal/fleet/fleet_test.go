package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skyloom/backfill/internal/backfill"
	"github.com/skyloom/backfill/internal/metastore"
	pubmem "github.com/skyloom/backfill/internal/publisher/memory"
)

type staticDirectory map[string]string

func (d staticDirectory) GroupByEndpoint(_ context.Context, identities []string) (map[string][]string, error) {
	groups := make(map[string][]string)
	for _, identity := range identities {
		endpoint, ok := d[identity]
		if !ok {
			continue
		}
		groups[endpoint] = append(groups[endpoint], identity)
	}
	return groups, nil
}

type fakeRunner struct {
	endpoint   string
	identities []string
	err        error
}

func (r *fakeRunner) Run(context.Context) (backfill.SessionRecord, error) {
	if r.err != nil {
		return backfill.SessionRecord{}, r.err
	}
	return backfill.SessionRecord{
		Endpoint:   r.endpoint,
		Identities: len(r.identities),
		Succeeded:  len(r.identities),
	}, nil
}

type recordingFactory struct {
	mu      sync.Mutex
	built   []string
	errFor  map[string]error
	runners map[string]*fakeRunner
}

func (f *recordingFactory) factory(endpoint string, identities []string) (Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, endpoint)
	runner := &fakeRunner{endpoint: endpoint, identities: identities, err: f.errFor[endpoint]}
	if f.runners == nil {
		f.runners = make(map[string]*fakeRunner)
	}
	f.runners[endpoint] = runner
	return runner, nil
}

func (f *recordingFactory) builtEndpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.built...)
}

func TestRunFansOutAndAggregates(t *testing.T) {
	dir := staticDirectory{
		"did:plc:a1": "https://pds-a.example.com",
		"did:plc:a2": "https://pds-a.example.com",
		"did:plc:b1": "https://pds-b.example.com",
	}
	factory := &recordingFactory{}
	pub := pubmem.New()

	m, err := New(Config{
		Identities:             []string{"did:plc:a1", "did:plc:a2", "did:plc:b1", "did:plc:a1"},
		MaxConcurrentEndpoints: 2,
		CompletionTopic:        "backfill-complete",
	}, dir, metastore.NewMemoryStore(), pub, factory.factory, zap.NewNop())
	require.NoError(t, err)

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, report.Identities)
	require.Equal(t, 2, report.Endpoints)
	require.Equal(t, 3, report.Succeeded)
	require.Len(t, report.Sessions, 2)
	require.ElementsMatch(t,
		[]string{"https://pds-a.example.com", "https://pds-b.example.com"},
		factory.builtEndpoints())

	messages := pub.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "backfill-complete", messages[0].Topic)
}

func TestRunSkipsCompletedEndpoints(t *testing.T) {
	dir := staticDirectory{
		"did:plc:a1": "https://pds-a.example.com",
		"did:plc:b1": "https://pds-b.example.com",
	}
	meta := metastore.NewMemoryStore()
	require.NoError(t, meta.RecordIdentityCounts(context.Background(), []backfill.IdentityCounts{{
		Identity: "did:plc:a1",
		Endpoint: "https://pds-a.example.com",
		Status:   backfill.StatusSucceeded,
	}}))

	factory := &recordingFactory{}
	m, err := New(Config{
		Identities: []string{"did:plc:a1", "did:plc:b1"},
	}, dir, meta, nil, factory.factory, zap.NewNop())
	require.NoError(t, err)

	report, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.SkippedCompleted)
	require.Equal(t, []string{"https://pds-b.example.com"}, factory.builtEndpoints())
}

func TestRunSkipsEndpointsBelowMinimum(t *testing.T) {
	dir := staticDirectory{
		"did:plc:a1": "https://pds-a.example.com",
		"did:plc:a2": "https://pds-a.example.com",
		"did:plc:b1": "https://pds-b.example.com",
	}
	factory := &recordingFactory{}
	m, err := New(Config{
		Identities:               []string{"did:plc:a1", "did:plc:a2", "did:plc:b1"},
		MinIdentitiesPerEndpoint: 2,
	}, dir, metastore.NewMemoryStore(), nil, factory.factory, zap.NewNop())
	require.NoError(t, err)

	report, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.SkippedSmall)
	require.Equal(t, []string{"https://pds-a.example.com"}, factory.builtEndpoints())
}

func TestSelectEndpointsOrdersAndCaps(t *testing.T) {
	dir := staticDirectory{
		"did:plc:a1": "https://pds-a.example.com",
		"did:plc:b1": "https://pds-b.example.com",
		"did:plc:b2": "https://pds-b.example.com",
		"did:plc:b3": "https://pds-b.example.com",
		"did:plc:c1": "https://pds-c.example.com",
		"did:plc:c2": "https://pds-c.example.com",
	}
	m, err := New(Config{
		MaxEndpoints: 2,
	}, dir, metastore.NewMemoryStore(), nil, func(string, []string) (Runner, error) {
		return &fakeRunner{}, nil
	}, zap.NewNop())
	require.NoError(t, err)

	groups, err := dir.GroupByEndpoint(context.Background(), []string{
		"did:plc:a1", "did:plc:b1", "did:plc:b2", "did:plc:b3", "did:plc:c1", "did:plc:c2",
	})
	require.NoError(t, err)

	var report Report
	candidates, err := m.selectEndpoints(context.Background(), groups, &report)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, "https://pds-b.example.com", candidates[0].endpoint)
	require.Equal(t, "https://pds-c.example.com", candidates[1].endpoint)
}

func TestRunHonorsEndpointAllowList(t *testing.T) {
	dir := staticDirectory{
		"did:plc:a1": "https://pds-a.example.com",
		"did:plc:b1": "https://pds-b.example.com",
	}
	factory := &recordingFactory{}
	m, err := New(Config{
		Identities:       []string{"did:plc:a1", "did:plc:b1"},
		AllowedEndpoints: []string{"https://pds-b.example.com"},
	}, dir, metastore.NewMemoryStore(), nil, factory.factory, zap.NewNop())
	require.NoError(t, err)

	report, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.SkippedDisallowed)
	require.Equal(t, []string{"https://pds-b.example.com"}, factory.builtEndpoints())
}

func TestRunCollectsWorkerFailures(t *testing.T) {
	dir := staticDirectory{
		"did:plc:a1": "https://pds-a.example.com",
		"did:plc:b1": "https://pds-b.example.com",
	}
	factory := &recordingFactory{
		errFor: map[string]error{"https://pds-a.example.com": errors.New("boom")},
	}
	m, err := New(Config{
		Identities: []string{"did:plc:a1", "did:plc:b1"},
	}, dir, metastore.NewMemoryStore(), nil, factory.factory, zap.NewNop())
	require.NoError(t, err)

	report, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://pds-a.example.com"}, report.Failed)
	require.Len(t, report.Sessions, 1)
	require.Equal(t, "https://pds-b.example.com", report.Sessions[0].Endpoint)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil)
	require.Error(t, err)
}
