package repository

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

// lastVersionID is the process-wide version counter. It is seeded lazily
// from the wall clock and only ever moves forward.
var lastVersionID atomic.Int64

// nextVersionID returns a version identifier greater than every one handed
// out before by this process, and at least the current Unix time in
// milliseconds.
func nextVersionID() metadata.VersionID {
	for {
		last := lastVersionID.Load()
		next := max(time.Now().UnixMilli(), last+1)
		if lastVersionID.CompareAndSwap(last, next) {
			return metadata.VersionID(next)
		}
	}
}

// FileVersion is any handle on a file version. Only *Version values created
// by a repository are accepted back by it; other implementations are
// rejected with ErrWrongVersionImplementation.
type FileVersion interface {
	ID() metadata.VersionID
}

// Version is a handle on one version of a file.
//
// A version starts out Editing: content can be staged, replaced or
// discarded, and headers set. Commit appends the staged content to the
// file's segment stem and locks the version for good; afterwards only the
// deleted flag may change.
//
// Staged content belongs to the handle. A Version is safe for concurrent
// use, but two handles on the same editing version stage independently and
// only the first to commit wins.
type Version struct {
	file *File
	id   metadata.VersionID

	mu      sync.Mutex
	staging *content.Staging
}

func newVersion(f *File, id metadata.VersionID) *Version {
	return &Version{file: f, id: id}
}

// ID returns the version identifier.
func (v *Version) ID() metadata.VersionID {
	return v.id
}

// File returns the owning file.
func (v *Version) File() *File {
	return v.file
}

func (v *Version) shard() *Shard {
	return v.file.au.shard
}

func (v *Version) url() string {
	return v.file.url
}

// Record returns a copy of the version's stored state.
func (v *Version) Record(ctx context.Context) (*metadata.VersionRecord, error) {
	rec, err := metadata.GetVersion(ctx, v.shard().meta, v.file.id, v.id)
	if err != nil {
		return nil, wrapErr("get version", v.url(), err)
	}
	return rec, nil
}

// editable fails with ErrVersionAlreadyCommitted once the version is locked.
func (v *Version) editable(ctx context.Context, op string) error {
	rec, err := v.Record(ctx)
	if err != nil {
		return err
	}
	if rec.Locked {
		return &Error{Op: op, URL: v.url(), Err: ErrVersionAlreadyCommitted}
	}
	return nil
}

// SetContent stages the content of r, replacing anything staged before.
// Nothing reaches the segment store until Commit.
func (v *Version) SetContent(ctx context.Context, r io.Reader) error {
	if err := v.editable(ctx, "set content"); err != nil {
		return err
	}

	staging := v.shard().segments.NewStaging()
	if _, err := io.Copy(staging, r); err != nil {
		_ = staging.Close()
		return &Error{Op: "set content", URL: v.url(), Err: errors.Join(ErrBackingStore, err)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Commit holds v.mu until the version is locked, so a commit that ran
	// while copying is visible here.
	if err := v.editable(ctx, "set content"); err != nil {
		_ = staging.Close()
		return err
	}

	if v.staging != nil {
		_ = v.staging.Close()
	}
	v.staging = staging
	return nil
}

// SetContentType sets the content type written into the record envelope.
// An empty type selects content.DefaultContentType at commit.
func (v *Version) SetContentType(ctx context.Context, contentType string) error {
	if err := content.ValidateContentType(contentType); err != nil {
		return &Error{Op: "set content type", URL: v.url(), Err: err}
	}
	_, err := metadata.UpdateVersion(ctx, v.shard().meta, v.file.id, v.id, func(rec *metadata.VersionRecord) error {
		if rec.Locked {
			return ErrVersionAlreadyCommitted
		}
		rec.ContentType = contentType
		return nil
	})
	return wrapErr("set content type", v.url(), err)
}

// SetHeaders replaces the extra header fields written with the content.
// Names reserved by the WARC envelope are rejected.
func (v *Version) SetHeaders(ctx context.Context, headers map[string]string) error {
	if err := content.ValidateHeaders(headers); err != nil {
		return &Error{Op: "set headers", URL: v.url(), Err: err}
	}
	_, err := metadata.UpdateVersion(ctx, v.shard().meta, v.file.id, v.id, func(rec *metadata.VersionRecord) error {
		if rec.Locked {
			return ErrVersionAlreadyCommitted
		}
		rec.Headers = maps.Clone(headers)
		return nil
	})
	return wrapErr("set headers", v.url(), err)
}

// Discard drops the staged content. The version stays Editing.
func (v *Version) Discard(ctx context.Context) error {
	if err := v.editable(ctx, "discard"); err != nil {
		return err
	}
	v.dropStaging()
	return nil
}

func (v *Version) dropStaging() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.staging != nil {
		_ = v.staging.Close()
		v.staging = nil
	}
}

// Abandon drops the staged content and marks the Editing version deleted, so
// it can never become the file's implicit preferred version. Committed
// versions fail with ErrVersionAlreadyCommitted.
func (v *Version) Abandon(ctx context.Context) error {
	v.dropStaging()
	err := v.shard().meta.Update(ctx, func(tx metadata.Transaction) error {
		vr, err := tx.GetVersion(v.file.id, v.id)
		if err != nil {
			return err
		}
		if vr.Locked {
			return ErrVersionAlreadyCommitted
		}
		vr.Deleted = true
		if err := tx.PutVersion(vr); err != nil {
			return err
		}
		return resetFileSizesTx(tx, v.file.id)
	})
	return wrapErr("abandon", v.url(), err)
}

// Commit appends the staged content to the file's segment stem and locks
// the version. Committing without staged content stores an empty record.
//
// Commit is serialized with every other version mutation of the same file.
// The staged content is released on success; on failure it stays staged so
// the commit can be retried.
func (v *Version) Commit(ctx context.Context) (err error) {
	start := time.Now()
	var size int64
	defer func() {
		v.shard().metrics.ObserveCommit(size, time.Since(start), err)
	}()

	release := v.shard().locks.lock(v.file.id)
	defer release()

	// Step 1: Check the version is still editable and find the stem
	rec, err := v.Record(ctx)
	if err != nil {
		return err
	}
	if rec.Locked {
		return &Error{Op: "commit", URL: v.url(), Err: ErrVersionAlreadyCommitted}
	}
	node, err := v.file.Record(ctx)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	staging := v.staging
	if staging == nil {
		staging = v.shard().segments.NewStaging()
		defer staging.Close()
	}
	size = staging.Size()

	// Step 2: Append the record to the active segment
	loc, err := v.shard().segments.Append(ctx, node.Stem, content.Record{
		TargetURI:   v.url(),
		ContentType: rec.ContentType,
		Headers:     rec.Headers,
		Content:     staging,
	})
	if err != nil {
		return &Error{Op: "commit", URL: v.url(), Err: errors.Join(ErrBackingStore, err)}
	}

	// Step 3: Lock the version and invalidate sizes up to the root
	err = v.shard().meta.Update(ctx, func(tx metadata.Transaction) error {
		vr, err := tx.GetVersion(v.file.id, v.id)
		if err != nil {
			return err
		}
		vr.Locked = true
		vr.ContentSize = size
		vr.Location = loc
		vr.CommittedAt = time.Now()
		if err := tx.PutVersion(vr); err != nil {
			return err
		}
		return resetFileSizesTx(tx, v.file.id)
	})
	if err != nil {
		// The appended bytes are unreferenced now; the segment collector
		// reclaims them once their segment is sealed.
		return wrapErr("commit", v.url(), err)
	}

	if v.staging != nil {
		_ = v.staging.Close()
		v.staging = nil
	}

	logger.Debug("Committed version %s of %s: %d bytes at %s segment %d offset %d",
		v.id, v.url(), size, loc.Stem, loc.Segment, loc.Offset)
	return nil
}

// Delete sets the version's deleted flag.
func (v *Version) Delete(ctx context.Context) error {
	return v.setDeleted(ctx, true)
}

// Undelete clears the version's deleted flag.
func (v *Version) Undelete(ctx context.Context) error {
	return v.setDeleted(ctx, false)
}

func (v *Version) setDeleted(ctx context.Context, deleted bool) error {
	err := v.shard().meta.Update(ctx, func(tx metadata.Transaction) error {
		vr, err := tx.GetVersion(v.file.id, v.id)
		if err != nil {
			return err
		}
		if vr.Deleted == deleted {
			return nil
		}
		vr.Deleted = deleted
		if err := tx.PutVersion(vr); err != nil {
			return err
		}
		return resetFileSizesTx(tx, v.file.id)
	})
	return wrapErr("delete version", v.url(), err)
}

// IsLocked reports whether the version has been committed.
func (v *Version) IsLocked(ctx context.Context) (bool, error) {
	rec, err := v.Record(ctx)
	if err != nil {
		return false, err
	}
	return rec.Locked, nil
}

// IsDeleted reports the version's deleted flag.
func (v *Version) IsDeleted(ctx context.Context) (bool, error) {
	rec, err := v.Record(ctx)
	if err != nil {
		return false, err
	}
	return rec.Deleted, nil
}

// HasContent reports whether the version is not deleted and has committed
// content.
func (v *Version) HasContent(ctx context.Context) (bool, error) {
	rec, err := v.Record(ctx)
	if err != nil {
		return false, err
	}
	return rec.HasContent(), nil
}

// ContentSize returns the committed content size, or the number of bytes
// staged on this handle while the version is still Editing.
func (v *Version) ContentSize(ctx context.Context) (int64, error) {
	rec, err := v.Record(ctx)
	if err != nil {
		return 0, err
	}
	if rec.Locked {
		return rec.ContentSize, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.staging == nil {
		return 0, nil
	}
	return v.staging.Size(), nil
}

// Open returns a reader over exactly the committed content. The reader
// must be closed.
func (v *Version) Open(ctx context.Context) (io.ReadCloser, error) {
	rec, err := v.Record(ctx)
	if err != nil {
		return nil, err
	}
	if !rec.HasContent() {
		return nil, &Error{Op: "open", URL: v.url(), Err: ErrNoContent}
	}
	rc, _, err := v.shard().segments.Open(ctx, rec.Location)
	if err != nil {
		return nil, &Error{Op: "open", URL: v.url(), Err: errors.Join(ErrBackingStore, err)}
	}
	return rc, nil
}

// Headers returns the version's extra header fields.
func (v *Version) Headers(ctx context.Context) (map[string]string, error) {
	rec, err := v.Record(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Headers == nil {
		return map[string]string{}, nil
	}
	return rec.Headers, nil
}

// ContentType returns the version's content type, content.DefaultContentType
// when none was set.
func (v *Version) ContentType(ctx context.Context) (string, error) {
	rec, err := v.Record(ctx)
	if err != nil {
		return "", err
	}
	if rec.ContentType == "" {
		return content.DefaultContentType, nil
	}
	return rec.ContentType, nil
}

// Previous returns the next-older version, nil at the end of the chain.
func (v *Version) Previous(ctx context.Context) (*Version, error) {
	rec, err := v.Record(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Previous == 0 {
		return nil, nil
	}
	return newVersion(v.file, rec.Previous), nil
}

// Verify re-reads the committed content and checks it against the digest
// recorded in its envelope.
func (v *Version) Verify(ctx context.Context) error {
	rec, err := v.Record(ctx)
	if err != nil {
		return err
	}
	if !rec.Location.IsSet() {
		return &Error{Op: "verify", URL: v.url(), Err: ErrNoContent}
	}
	if err := v.shard().segments.Verify(ctx, rec.Location); err != nil {
		return &Error{Op: "verify", URL: v.url(), Err: errors.Join(ErrBackingStore, err)}
	}
	return nil
}

// resetFileSizesTx forgets the file's cached content sizes and invalidates
// the tree size from the file up to the AU root.
func resetFileSizesTx(tx metadata.Transaction, fileID metadata.NodeID) error {
	rec, err := tx.GetNode(fileID)
	if err != nil {
		return err
	}
	rec.ResetContentSizes()
	if err := tx.PutNode(rec); err != nil {
		return err
	}
	return metadata.InvalidateTreeSizeTx(tx, fileID)
}
