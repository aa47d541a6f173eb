package pds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, zap.NewNop()), srv
}

func TestListRecordsWalksCursor(t *testing.T) {
	pages := map[string][]string{
		"":   {"post-1", "post-2"},
		"c1": {"post-3"},
	}
	cursors := map[string]string{"": "c1", "c1": ""}

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.repo.listRecords", r.URL.Path)
		require.Equal(t, "did:plc:alice", r.URL.Query().Get("repo"))
		require.Equal(t, "app.bsky.feed.post", r.URL.Query().Get("collection"))
		require.Equal(t, "50", r.URL.Query().Get("limit"))

		cursor := r.URL.Query().Get("cursor")
		records := make([]map[string]any, 0, len(pages[cursor]))
		for _, key := range pages[cursor] {
			records = append(records, map[string]any{
				"uri":   "at://did:plc:alice/app.bsky.feed.post/" + key,
				"cid":   "bafy-" + key,
				"value": map[string]any{"$type": "app.bsky.feed.post", "text": key},
			})
		}
		resp := map[string]any{"records": records}
		if next := cursors[cursor]; next != "" {
			resp["cursor"] = next
		}
		w.Header().Set("ratelimit-remaining", "2990")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))

	ctx := context.Background()
	var uris []string
	cursor := ""
	for {
		page, err := client.ListRecords(ctx, "did:plc:alice", "app.bsky.feed.post", cursor, 50)
		require.NoError(t, err)
		require.True(t, page.RateLimit.OK)
		require.Equal(t, 2990, page.RateLimit.Remaining)
		for _, r := range page.Records {
			uris = append(uris, r.URI)
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	require.Len(t, uris, 3)
	require.Equal(t, "at://did:plc:alice/app.bsky.feed.post/post-3", uris[2])
}

func TestListRecordsRateLimited(t *testing.T) {
	reset := time.Now().Add(90 * time.Second).Unix()
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ratelimit-reset", fmt.Sprintf("%d", reset))
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"RateLimitExceeded","message":"slow down"}`))
	}))

	_, err := client.ListRecords(context.Background(), "did:plc:alice", "app.bsky.feed.post", "", 50)
	require.Error(t, err)

	resetAt, ok := IsRateLimited(err)
	require.True(t, ok)
	require.Equal(t, time.Unix(reset, 0), resetAt)
	require.False(t, IsTerminal(err))
}

func TestListRecordsAccountGone(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"RepoDeactivated","message":"repo is deactivated"}`))
	}))

	_, err := client.ListRecords(context.Background(), "did:plc:gone", "app.bsky.feed.post", "", 50)
	require.True(t, IsTerminal(err))
	require.True(t, IsAccountGone(err))
}

func TestListRecordsServerErrorIsTransient(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.ListRecords(context.Background(), "did:plc:alice", "app.bsky.feed.post", "", 50)
	require.Error(t, err)
	require.False(t, IsTerminal(err))
	_, limited := IsRateLimited(err)
	require.False(t, limited)
}

func TestGetRepoReturnsBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.sync.getRepo", r.URL.Path)
		require.Equal(t, "did:plc:alice", r.URL.Query().Get("did"))
		_, _ = w.Write([]byte("car-bytes"))
	}))

	body, err := client.GetRepo(context.Background(), "did:plc:alice")
	require.NoError(t, err)
	require.Equal(t, []byte("car-bytes"), body)
}

func TestClassifyStatusTable(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		reason      string
		terminal    bool
		accountGone bool
		rateLimited bool
	}{
		{"too many requests", 429, "RateLimitExceeded", false, false, true},
		{"bad request legacy reason", 400, "Bad Request", true, true, false},
		{"repo not found", 400, "RepoNotFound", true, true, false},
		{"other 400", 400, "InvalidRequest", true, false, false},
		{"not found", 404, "NotFound", true, false, false},
		{"internal error", 500, "InternalServerError", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus(tt.status, tt.reason, "detail", http.Header{})
			require.Equal(t, tt.terminal, IsTerminal(err))
			require.Equal(t, tt.accountGone, IsAccountGone(err))
			_, limited := IsRateLimited(err)
			require.Equal(t, tt.rateLimited, limited)
		})
	}
}

func TestEndpointNormalization(t *testing.T) {
	c := NewClient("pds.example.com", time.Second, nil)
	require.Equal(t, "https://pds.example.com", c.Endpoint())

	c = NewClient("http://localhost:3000/", time.Second, nil)
	require.Equal(t, "http://localhost:3000", c.Endpoint())
}
