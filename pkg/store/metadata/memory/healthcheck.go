package memory

import (
	"context"

	"github.com/marmos91/auvault/pkg/store/metadata"
)

// Healthcheck verifies the store is operational.
//
// For the in-memory implementation there is no external dependency that can
// be unhealthy; the check only fails when the context is done or the store
// was closed.
func (s *MemoryMetadataStore) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return metadata.ErrClosed
	}
	return nil
}
