// Package directory resolves identities to the hosting endpoints that serve
// their repositories.
package directory

import "context"

// Directory groups identities by the endpoint hosting them. Identities that
// cannot be resolved are omitted from the result.
type Directory interface {
	GroupByEndpoint(ctx context.Context, identities []string) (map[string][]string, error)
}
