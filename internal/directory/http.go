package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// pdsServiceType marks the personal-data-server entry in an identity
// document's service list.
const pdsServiceType = "AtprotoPersonalDataServer"

// HTTPResolver resolves identities against a PLC-style directory serving
// identity documents at GET /{identity}. Lookups are paced with a client
// side limiter so bulk resolution does not hammer the directory.
type HTTPResolver struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPResolver builds a resolver for the directory at base.
func NewHTTPResolver(base string, requestsPerSecond float64, logger *zap.Logger) *HTTPResolver {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPResolver{
		base:    strings.TrimSuffix(base, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  logger,
	}
}

type identityDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// GroupByEndpoint resolves each identity's document and groups by the
// hosting endpoint it declares. Identities with missing or malformed
// documents are logged and skipped.
func (r *HTTPResolver) GroupByEndpoint(ctx context.Context, identities []string) (map[string][]string, error) {
	groups := make(map[string][]string)
	for _, identity := range identities {
		if err := r.limiter.Wait(ctx); err != nil {
			return groups, err
		}
		endpoint, err := r.resolve(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return groups, ctx.Err()
			}
			r.logger.Warn("Failed to resolve identity",
				zap.String("identity", identity),
				zap.Error(err))
			continue
		}
		groups[endpoint] = append(groups[endpoint], identity)
	}
	return groups, nil
}

func (r *HTTPResolver) resolve(ctx context.Context, identity string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/"+identity, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("directory returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}

	var doc identityDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("decode document: %w", err)
	}
	for _, svc := range doc.Service {
		if svc.Type == pdsServiceType && svc.ServiceEndpoint != "" {
			return svc.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("document has no hosting endpoint")
}
