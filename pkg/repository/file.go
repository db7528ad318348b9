package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

// File is a leaf node holding a version chain.
//
// The chain is singly linked from the newest version (the head) through
// Previous links. The preferred version is either chosen explicitly with
// SetPreferredVersion or, by default, the newest version that is not
// deleted. A file's deletion state is that of its preferred version.
type File struct {
	Node
}

// CreateNewVersion adds an Editing version at the head of the chain.
func (f *File) CreateNewVersion(ctx context.Context) (*Version, error) {
	release := f.au.shard.locks.lock(f.id)
	defer release()

	var created metadata.VersionID
	err := f.store().Update(ctx, func(tx metadata.Transaction) error {
		rec, err := f.fileRecordTx(tx)
		if err != nil {
			return err
		}
		vr := newVersionRecord(f.id, rec.Head)
		if err := tx.PutVersion(vr); err != nil {
			return err
		}
		rec.Head = vr.ID
		if err := tx.PutNode(rec); err != nil {
			return err
		}
		created = vr.ID
		return resetFileSizesTx(tx, f.id)
	})
	if err != nil {
		return nil, wrapErr("create version", f.url, err)
	}

	logger.Debug("Created version %s of %s", created, f.url)
	return newVersion(f, created), nil
}

// CreateNewVersionBefore adds an Editing version between before and the
// version preceding it, for restoring history out of order.
func (f *File) CreateNewVersionBefore(ctx context.Context, before FileVersion) (*Version, error) {
	bv, err := f.ownVersion("create version", before)
	if err != nil {
		return nil, err
	}

	release := f.au.shard.locks.lock(f.id)
	defer release()

	var created metadata.VersionID
	err = f.store().Update(ctx, func(tx metadata.Transaction) error {
		if _, err := f.fileRecordTx(tx); err != nil {
			return err
		}
		next, err := tx.GetVersion(f.id, bv.id)
		if err != nil {
			return err
		}
		vr := newVersionRecord(f.id, next.Previous)
		if err := tx.PutVersion(vr); err != nil {
			return err
		}
		next.Previous = vr.ID
		if err := tx.PutVersion(next); err != nil {
			return err
		}
		created = vr.ID
		return resetFileSizesTx(tx, f.id)
	})
	if err != nil {
		return nil, wrapErr("create version", f.url, err)
	}

	logger.Debug("Created version %s of %s before %s", created, f.url, bv.id)
	return newVersion(f, created), nil
}

func newVersionRecord(fileID metadata.NodeID, previous metadata.VersionID) *metadata.VersionRecord {
	return &metadata.VersionRecord{
		ID:          nextVersionID(),
		FileID:      fileID,
		Previous:    previous,
		ContentSize: metadata.SizeUnknown,
		CreatedAt:   time.Now(),
	}
}

// ownVersion checks that v is a handle produced by this repository for
// this file.
func (f *File) ownVersion(op string, v FileVersion) (*Version, error) {
	ver, ok := v.(*Version)
	if !ok || ver == nil {
		return nil, &Error{Op: op, URL: f.url, Err: ErrWrongVersionImplementation}
	}
	if ver.file == nil || ver.file.au.shard != f.au.shard {
		return nil, &Error{Op: op, URL: f.url, Err: ErrWrongVersionImplementation}
	}
	if ver.file.id != f.id {
		return nil, &Error{Op: op, URL: f.url, Err: fmt.Errorf("%w: version %s belongs to %s", ErrInvalidPreferredVersion, ver.id, ver.file.url)}
	}
	return ver, nil
}

func (f *File) fileRecordTx(tx metadata.Transaction) (*metadata.NodeRecord, error) {
	rec, err := tx.GetNode(f.id)
	if err != nil {
		return nil, err
	}
	if !rec.IsFile() {
		return nil, metadata.NewWrongKindError(metadata.KindFile, f.url)
	}
	return rec, nil
}

// maxChainLength bounds chain walks so a corrupted chain with a cycle
// cannot loop forever.
const maxChainLength = 1 << 20

// walkChain calls fn for every version from the head down, stopping early
// when fn returns false.
func walkChain(tx metadata.Transaction, rec *metadata.NodeRecord, fn func(v *metadata.VersionRecord) bool) error {
	id := rec.Head
	for steps := 0; id != 0; steps++ {
		if steps >= maxChainLength {
			return &metadata.StoreError{Code: metadata.ErrIOError, Message: "version chain too long or cyclic", Path: rec.URL}
		}
		v, err := tx.GetVersion(rec.ID, id)
		if err != nil {
			return err
		}
		if !fn(v) {
			return nil
		}
		id = v.Previous
	}
	return nil
}

// preferredTx resolves the preferred version of rec, nil when there is
// none.
func preferredTx(tx metadata.Transaction, rec *metadata.NodeRecord) (*metadata.VersionRecord, error) {
	if rec.PreferredSet {
		if rec.Preferred == 0 {
			return nil, nil
		}
		return tx.GetVersion(rec.ID, rec.Preferred)
	}

	var found *metadata.VersionRecord
	err := walkChain(tx, rec, func(v *metadata.VersionRecord) bool {
		if v.Deleted {
			return true
		}
		found = v
		return false
	})
	return found, err
}

func (f *File) preferredRecord(ctx context.Context) (*metadata.VersionRecord, error) {
	var out *metadata.VersionRecord
	err := f.store().View(ctx, func(tx metadata.Transaction) error {
		rec, err := f.fileRecordTx(tx)
		if err != nil {
			return err
		}
		out, err = preferredTx(tx, rec)
		return err
	})
	if err != nil {
		return nil, wrapErr("preferred version", f.url, err)
	}
	return out, nil
}

// PreferredVersion returns the preferred version, nil when there is none.
func (f *File) PreferredVersion(ctx context.Context) (*Version, error) {
	vr, err := f.preferredRecord(ctx)
	if err != nil || vr == nil {
		return nil, err
	}
	return newVersion(f, vr.ID), nil
}

// SetPreferredVersion makes v the preferred version. v must be a committed
// version of this file. A nil v records the explicit "no preferred version"
// state, which ClearPreferredVersion undoes.
func (f *File) SetPreferredVersion(ctx context.Context, v FileVersion) error {
	var id metadata.VersionID
	if v != nil {
		ver, err := f.ownVersion("set preferred version", v)
		if err != nil {
			return err
		}
		id = ver.id
	}

	release := f.au.shard.locks.lock(f.id)
	defer release()

	err := f.store().Update(ctx, func(tx metadata.Transaction) error {
		rec, err := f.fileRecordTx(tx)
		if err != nil {
			return err
		}
		if id != 0 {
			vr, err := tx.GetVersion(f.id, id)
			if metadata.IsNotFoundError(err) {
				return fmt.Errorf("%w: version %s does not exist", ErrInvalidPreferredVersion, id)
			}
			if err != nil {
				return err
			}
			if !vr.Locked {
				return fmt.Errorf("%w: version %s is not committed", ErrInvalidPreferredVersion, id)
			}
		}
		rec.PreferredSet = true
		rec.Preferred = id
		if err := tx.PutNode(rec); err != nil {
			return err
		}
		return resetFileSizesTx(tx, f.id)
	})
	return wrapErr("set preferred version", f.url, err)
}

// ClearPreferredVersion forgets any explicit choice, so the newest
// version that is not deleted is preferred again.
func (f *File) ClearPreferredVersion(ctx context.Context) error {
	release := f.au.shard.locks.lock(f.id)
	defer release()

	err := f.store().Update(ctx, func(tx metadata.Transaction) error {
		rec, err := f.fileRecordTx(tx)
		if err != nil {
			return err
		}
		rec.PreferredSet = false
		rec.Preferred = 0
		if err := tx.PutNode(rec); err != nil {
			return err
		}
		return resetFileSizesTx(tx, f.id)
	})
	return wrapErr("clear preferred version", f.url, err)
}

// IsDeleted reports whether the preferred version is deleted. A file
// without a preferred version is not deleted.
func (f *File) IsDeleted(ctx context.Context) (bool, error) {
	vr, err := f.preferredRecord(ctx)
	if err != nil || vr == nil {
		return false, err
	}
	return vr.Deleted, nil
}

// Delete deletes the preferred version.
func (f *File) Delete(ctx context.Context) error {
	return f.setDeleted(ctx, "delete", true)
}

// Undelete undeletes the preferred version.
func (f *File) Undelete(ctx context.Context) error {
	return f.setDeleted(ctx, "undelete", false)
}

func (f *File) setDeleted(ctx context.Context, op string, deleted bool) error {
	vr, err := f.preferredRecord(ctx)
	if err != nil {
		return err
	}
	if vr == nil {
		return &Error{Op: op, URL: f.url, Err: ErrNoPreferredVersion}
	}
	return newVersion(f, vr.ID).setDeleted(ctx, deleted)
}

// ListVersions returns up to limit versions, newest first. A limit <= 0
// returns the whole chain.
func (f *File) ListVersions(ctx context.Context, limit int) ([]*Version, error) {
	var ids []metadata.VersionID
	err := f.store().View(ctx, func(tx metadata.Transaction) error {
		rec, err := f.fileRecordTx(tx)
		if err != nil {
			return err
		}
		return walkChain(tx, rec, func(v *metadata.VersionRecord) bool {
			ids = append(ids, v.ID)
			return limit <= 0 || len(ids) < limit
		})
	})
	if err != nil {
		return nil, wrapErr("list versions", f.url, err)
	}

	out := make([]*Version, len(ids))
	for i, id := range ids {
		out[i] = newVersion(f, id)
	}
	return out, nil
}

// Versions returns the whole chain, newest first.
func (f *File) Versions(ctx context.Context) ([]*Version, error) {
	return f.ListVersions(ctx, 0)
}

// Version returns a handle on version id of this file.
func (f *File) Version(ctx context.Context, id metadata.VersionID) (*Version, error) {
	if _, err := metadata.GetVersion(ctx, f.store(), f.id, id); err != nil {
		return nil, wrapErr("get version", f.url, err)
	}
	return newVersion(f, id), nil
}

// ContentSize returns the content size of the preferred version, or with
// preferredOnly false the sum over every version in the chain, deleted ones
// included. Uncommitted versions count as empty.
//
// Asking for the preferred size of a file without a preferred version fails
// with ErrNoPreferredVersion.
func (f *File) ContentSize(ctx context.Context, preferredOnly bool) (int64, error) {
	var (
		size   int64
		cached bool
		gen    uint64
		none   bool
	)
	err := f.store().View(ctx, func(tx metadata.Transaction) error {
		rec, err := f.fileRecordTx(tx)
		if err != nil {
			return err
		}
		gen = rec.SizeGen

		if preferredOnly {
			if rec.SizePreferred != metadata.SizeUnknown {
				size, cached = rec.SizePreferred, true
				return nil
			}
			vr, err := preferredTx(tx, rec)
			if err != nil {
				return err
			}
			if vr == nil {
				none = true
				return nil
			}
			size = committedSize(vr)
			return nil
		}

		if rec.SizeTotal != metadata.SizeUnknown {
			size, cached = rec.SizeTotal, true
			return nil
		}
		return walkChain(tx, rec, func(v *metadata.VersionRecord) bool {
			size += committedSize(v)
			return true
		})
	})
	if err != nil {
		return 0, wrapErr("content size", f.url, err)
	}
	if none {
		return 0, &Error{Op: "content size", URL: f.url, Err: ErrNoPreferredVersion}
	}
	if !cached {
		f.cacheContentSize(ctx, preferredOnly, size, gen)
	}
	return size, nil
}

// cacheContentSize stores a computed file size unless a version mutation
// happened since gen was read.
func (f *File) cacheContentSize(ctx context.Context, preferredOnly bool, size int64, gen uint64) {
	_, err := metadata.UpdateNode(ctx, f.store(), f.id, func(rec *metadata.NodeRecord) error {
		if rec.SizeGen != gen {
			return errSizeStale
		}
		if preferredOnly {
			rec.SizePreferred = size
		} else {
			rec.SizeTotal = size
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSizeStale) {
		logger.Debug("Failed to cache content size of %s: %v", f.url, err)
	}
}

func committedSize(v *metadata.VersionRecord) int64 {
	if v.ContentSize < 0 {
		return 0
	}
	return v.ContentSize
}

// HasContent reports whether the preferred version has live content.
func (f *File) HasContent(ctx context.Context) (bool, error) {
	vr, err := f.preferredRecord(ctx)
	if err != nil || vr == nil {
		return false, err
	}
	return vr.HasContent(), nil
}

// Move re-appends the content of every committed version to stem and
// points the file at it. Versions committed afterwards go to stem too.
func (f *File) Move(ctx context.Context, stem string) error {
	clean, err := content.CleanStem(stem)
	if err != nil {
		return &Error{Op: "move", URL: f.url, Err: err}
	}

	release := f.au.shard.locks.lock(f.id)
	defer release()

	versions, err := metadata.ListVersions(ctx, f.store(), f.id)
	if err != nil {
		return wrapErr("move", f.url, err)
	}

	moved := 0
	for _, vr := range versions {
		if !vr.Location.IsSet() || vr.Location.Stem == clean {
			continue
		}
		loc, err := f.copyContent(ctx, vr, clean)
		if err != nil {
			return &Error{Op: "move", URL: f.url, Err: errors.Join(ErrBackingStore, err)}
		}
		if _, err := metadata.UpdateVersion(ctx, f.store(), f.id, vr.ID, func(v *metadata.VersionRecord) error {
			v.Location = loc
			return nil
		}); err != nil {
			return wrapErr("move", f.url, err)
		}
		moved++
	}

	if _, err := metadata.UpdateNode(ctx, f.store(), f.id, func(rec *metadata.NodeRecord) error {
		rec.Stem = clean
		return nil
	}); err != nil {
		return wrapErr("move", f.url, err)
	}

	if moved > 0 {
		logger.Debug("Moved %d versions of %s to %s", moved, f.url, clean)
	}
	return nil
}

// copyContent appends the stored content of vr to stem.
func (f *File) copyContent(ctx context.Context, vr *metadata.VersionRecord, stem string) (metadata.ContentLocation, error) {
	segments := f.au.shard.segments

	rc, hdr, err := segments.Open(ctx, vr.Location)
	if err != nil {
		return metadata.ContentLocation{}, err
	}
	defer rc.Close()

	staging := segments.NewStaging()
	defer staging.Close()
	if _, err := io.Copy(staging, rc); err != nil {
		return metadata.ContentLocation{}, fmt.Errorf("failed to copy version %s: %w", vr.ID, err)
	}

	return segments.Append(ctx, stem, content.Record{
		TargetURI:   f.url,
		ContentType: hdr.ContentType,
		Date:        hdr.Date,
		Headers:     vr.Headers,
		Content:     staging,
	})
}
