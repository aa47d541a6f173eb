// Package backfill holds the domain types and boundary interfaces shared by
// the worker, fleet, and storage layers.
package backfill

import (
	"time"

	"github.com/skyloom/backfill/internal/transform"
)

// Identity outcome statuses recorded in session metadata.
const (
	StatusSucceeded    = "succeeded"
	StatusDeadlettered = "deadlettered"
)

// IdentityCounts summarizes what was persisted for one identity.
type IdentityCounts struct {
	Identity   string                 `json:"identity"`
	Endpoint   string                 `json:"endpoint"`
	Counts     map[transform.Kind]int `json:"counts"`
	Unparsed   int                    `json:"unparsed"`
	Status     string                 `json:"status"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// Total returns the number of persisted records across all kinds.
func (c IdentityCounts) Total() int {
	total := 0
	for _, n := range c.Counts {
		total += n
	}
	return total
}

// SessionRecord summarizes one endpoint worker run.
type SessionRecord struct {
	ID            string                 `json:"id"`
	Endpoint      string                 `json:"endpoint"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
	Identities    int                    `json:"identities"`
	Succeeded     int                    `json:"succeeded"`
	Deadlettered  int                    `json:"deadlettered"`
	Pending       int                    `json:"pending"`
	Unparsed      int                    `json:"unparsed"`
	RecordsByKind map[transform.Kind]int `json:"records_by_kind"`
}

// DeadletterEntry captures an identity the worker gave up on.
type DeadletterEntry struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// Deadletter reasons.
const (
	ReasonAccountGone = "account_gone"
	ReasonNoContent   = "no_content"
	ReasonMaxRetries  = "max_retries"
	ReasonUnexpected  = "unexpected_error"
)
