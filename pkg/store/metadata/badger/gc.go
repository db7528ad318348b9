package badger

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/auvault/internal/logger"
)

// defaultDiscardRatio is the fraction of stale data a value log file must
// hold before BadgerDB rewrites it.
const defaultDiscardRatio = 0.5

// CollectGarbage reclaims value log space left behind by rewritten node
// records. Tree size invalidation rewrites every ancestor of a changed file,
// so long-lived shards accumulate a lot of stale values.
//
// BadgerDB rewrites at most one value log file per call; CollectGarbage
// loops until nothing more can be reclaimed or ctx is done, and returns the
// number of files rewritten.
func (s *BadgerMetadataStore) CollectGarbage(ctx context.Context) (int, error) {
	if s.closed.Load() || s.inMemory {
		return 0, nil
	}

	rewritten := 0
	for {
		if err := ctx.Err(); err != nil {
			return rewritten, err
		}

		err := s.db.RunValueLogGC(defaultDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			break
		}
		if err != nil {
			return rewritten, err
		}
		rewritten++
	}

	if rewritten > 0 {
		logger.Debug("Badger value log GC rewrote %d file(s) at %s", rewritten, s.path)
	}
	return rewritten, nil
}
