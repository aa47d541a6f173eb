// Package pds is the retry-free HTTP client for AT-Protocol-style hosting
// endpoints. It fetches paginated record listings and full repository
// exports; retry decisions belong to the worker.
package pds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Record is one raw record as returned by an endpoint.
type Record struct {
	URI   string         `json:"uri"`
	CID   string         `json:"cid"`
	Value map[string]any `json:"value"`
}

// RateLimitInfo carries server rate-limit feedback from response headers.
type RateLimitInfo struct {
	Remaining int
	Reset     time.Time
	OK        bool
}

// Page is one page of a record listing.
type Page struct {
	Records   []Record
	Cursor    string
	RateLimit RateLimitInfo
}

// Client talks to a single hosting endpoint.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a Client for the endpoint. The endpoint may be a bare
// hostname; https is assumed.
func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) *Client {
	base := strings.TrimSuffix(endpoint, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Endpoint returns the normalized base URL.
func (c *Client) Endpoint() string {
	return c.base
}

type listRecordsResponse struct {
	Cursor  string `json:"cursor"`
	Records []struct {
		URI   string          `json:"uri"`
		CID   string          `json:"cid"`
		Value json.RawMessage `json:"value"`
	} `json:"records"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ListRecords fetches one page of a collection for a repo. An empty cursor
// requests the first page; an empty returned cursor means the listing is
// exhausted.
func (c *Client) ListRecords(ctx context.Context, repo, collection, cursor string, limit int) (Page, error) {
	q := url.Values{}
	q.Set("repo", repo)
	q.Set("collection", collection)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	body, header, err := c.get(ctx, "/xrpc/com.atproto.repo.listRecords", q)
	if err != nil {
		return Page{}, err
	}

	var parsed listRecordsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Page{}, &TransientError{Err: fmt.Errorf("decode listRecords response: %w", err)}
	}

	page := Page{
		Cursor:    parsed.Cursor,
		RateLimit: rateLimitInfo(header),
		Records:   make([]Record, 0, len(parsed.Records)),
	}
	for _, r := range parsed.Records {
		var value map[string]any
		if err := json.Unmarshal(r.Value, &value); err != nil {
			c.logger.Warn("Skipping undecodable record value",
				zap.String("endpoint", c.base),
				zap.String("uri", r.URI),
				zap.Error(err))
			continue
		}
		page.Records = append(page.Records, Record{URI: r.URI, CID: r.CID, Value: value})
	}
	return page, nil
}

// GetRepo fetches the full repository export for a repo as a CAR container.
func (c *Client) GetRepo(ctx context.Context, repo string) ([]byte, error) {
	q := url.Values{}
	q.Set("did", repo)
	body, _, err := c.get(ctx, "/xrpc/com.atproto.sync.getRepo", q)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, http.Header, error) {
	reqURL := c.base + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransientError{Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		_ = json.Unmarshal(body, &apiErr)
		reason := apiErr.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, nil, classifyStatus(resp.StatusCode, reason, apiErr.Message, resp.Header)
	}
	return body, resp.Header, nil
}

func rateLimitInfo(header http.Header) RateLimitInfo {
	raw := header.Get("ratelimit-remaining")
	if raw == "" {
		return RateLimitInfo{}
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil {
		return RateLimitInfo{}
	}
	return RateLimitInfo{
		Remaining: remaining,
		Reset:     resetTime(header),
		OK:        true,
	}
}
