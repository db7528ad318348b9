package repository

import (
	"context"
	"errors"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

// errSizeStale aborts a cache write whose computation raced with an
// invalidation.
var errSizeStale = errors.New("size generation changed")

// TreeSize returns the content size of the preferred versions of every file
// at or below the node. See TreeSizeMode.
func (n *Node) TreeSize(ctx context.Context, filter URLFilter, calcIfUnknown bool) (int64, error) {
	return n.TreeSizeMode(ctx, filter, calcIfUnknown, true)
}

// TreeSizeMode returns the content size of the subtree rooted at the node.
//
// A node whose URL the filter rejects contributes 0. Only the unfiltered,
// preferred-only size is cached on each node: when that cache is valid it
// is returned as is, and with calcIfUnknown false the cached value is
// returned even when stale. Every other combination is computed on each
// call.
//
// A computed result is cached only if no write below the node invalidated
// it while the computation ran.
func (n *Node) TreeSizeMode(ctx context.Context, filter URLFilter, calcIfUnknown, preferredOnly bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !matches(filter, n.url) {
		return 0, nil
	}

	cacheable := filter == nil && preferredOnly
	var gen uint64
	if cacheable {
		rec, err := n.Record(ctx)
		if err != nil {
			return 0, err
		}
		if rec.SizeValid || !calcIfUnknown {
			return rec.TreeSize, nil
		}
		gen = rec.SizeGen
	}

	size, err := n.computeTreeSize(ctx, filter, preferredOnly)
	if err != nil {
		return 0, err
	}

	if cacheable {
		n.cacheTreeSize(ctx, size, gen)
	}
	return size, nil
}

func (n *Node) computeTreeSize(ctx context.Context, filter URLFilter, preferredOnly bool) (int64, error) {
	if n.IsFile() {
		size, err := (&File{Node: *n}).ContentSize(ctx, preferredOnly)
		if errors.Is(err, ErrNoPreferredVersion) {
			return 0, nil
		}
		return size, err
	}

	children, err := n.Children(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, child := range children {
		size, err := child.TreeSizeMode(ctx, filter, true, preferredOnly)
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

func (n *Node) cacheTreeSize(ctx context.Context, size int64, gen uint64) {
	_, err := metadata.UpdateNode(ctx, n.store(), n.id, func(rec *metadata.NodeRecord) error {
		if rec.SizeGen != gen {
			return errSizeStale
		}
		rec.TreeSize = size
		rec.SizeValid = true
		return nil
	})
	if err != nil && !errors.Is(err, errSizeStale) {
		logger.Debug("Failed to cache tree size of %q: %v", n.url, err)
	}
}

// Invalidate marks the cached tree size of the node and of every ancestor
// as stale.
func (n *Node) Invalidate(ctx context.Context) error {
	return wrapErr("invalidate", n.url, metadata.InvalidateTreeSize(ctx, n.store(), n.id))
}
