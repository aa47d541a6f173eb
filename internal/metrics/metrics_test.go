package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		Init()
		Init()
	})
}

func TestObserveHelpersDoNotPanic(t *testing.T) {
	Init()
	require.NotPanics(t, func() {
		ObserveRequest("pds.example.com", "200", 120*time.Millisecond)
		IncInflight("pds.example.com")
		DecInflight("pds.example.com")
		ObserveRetry("pds.example.com")
		ObserveNetworkError("pds.example.com", "timeout")
		ObserveIdentity("pds.example.com", "succeeded")
		ObserveRecords("pds.example.com", "post", 10)
		ObserveRecords("pds.example.com", "like", 0)
		SetQueueDepth("pds.example.com", "results", 3)
		SetTokensRemaining("pds.example.com", 2700)
		ObserveFlush("pds.example.com", "persist", 40*time.Millisecond)
		SetSuccessRatio("pds.example.com", 0.92)
		IncActiveWorkers()
		DecActiveWorkers()
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveRequest("pds.example.com", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "backfill_requests_total")
}
