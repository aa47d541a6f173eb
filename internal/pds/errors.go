package pds

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RateLimitError reports a 429 from the endpoint. Reset carries the moment
// the server's window reopens when the header was present.
type RateLimitError struct {
	Reset time.Time
}

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return "endpoint rate limited"
	}
	return fmt.Sprintf("endpoint rate limited until %s", e.Reset.Format(time.RFC3339))
}

// TerminalError reports a request that will never succeed for this
// identity, so retrying is pointless.
type TerminalError struct {
	StatusCode  int
	Reason      string
	Message     string
	AccountGone bool
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal response %d (%s): %s", e.StatusCode, e.Reason, e.Message)
}

// TransientError reports a failure worth retrying: 5xx responses and
// network-level errors.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient response %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Error reasons the protocol uses for identities that no longer exist on
// the endpoint.
var goneReasons = map[string]struct{}{
	"Bad Request":        {},
	"RepoNotFound":       {},
	"RepoDeactivated":    {},
	"RepoTakendown":      {},
	"AccountDeactivated": {},
}

// classifyStatus maps a non-2xx response onto the retry taxonomy. It is the
// single place protocol status semantics are interpreted.
func classifyStatus(status int, reason, message string, header http.Header) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Reset: resetTime(header)}
	case status == http.StatusBadRequest:
		_, gone := goneReasons[reason]
		return &TerminalError{
			StatusCode:  status,
			Reason:      reason,
			Message:     message,
			AccountGone: gone,
		}
	case status >= 400 && status < 500:
		return &TerminalError{StatusCode: status, Reason: reason, Message: message}
	default:
		return &TransientError{
			StatusCode: status,
			Err:        fmt.Errorf("%s: %s", reason, message),
		}
	}
}

func resetTime(header http.Header) time.Time {
	raw := header.Get("ratelimit-reset")
	if raw == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// IsRateLimited reports whether err is a rate-limit signal and returns the
// server's reset time when known.
func IsRateLimited(err error) (time.Time, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.Reset, true
	}
	return time.Time{}, false
}

// IsTerminal reports whether err rules out further attempts.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// IsAccountGone reports whether err means the identity no longer exists on
// the endpoint.
func IsAccountGone(err error) bool {
	var te *TerminalError
	return errors.As(err, &te) && te.AccountGone
}
