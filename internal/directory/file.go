package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// FileDirectory resolves identities from a JSON file mapping identity to
// endpoint URL.
type FileDirectory struct {
	endpoints map[string]string
	logger    *zap.Logger
}

// NewFileDirectory loads the mapping file.
func NewFileDirectory(path string, logger *zap.Logger) (*FileDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var endpoints map[string]string
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("decode directory file: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileDirectory{endpoints: endpoints, logger: logger}, nil
}

// GroupByEndpoint looks up each identity in the mapping. Unknown identities
// are logged and skipped.
func (d *FileDirectory) GroupByEndpoint(_ context.Context, identities []string) (map[string][]string, error) {
	groups := make(map[string][]string)
	for _, identity := range identities {
		endpoint, ok := d.endpoints[identity]
		if !ok || endpoint == "" {
			d.logger.Warn("Identity missing from directory", zap.String("identity", identity))
			continue
		}
		groups[endpoint] = append(groups[endpoint], identity)
	}
	return groups, nil
}
