package content

import "errors"

var (
	// ErrStoreClosed is returned by operations on a closed SegmentStore.
	ErrStoreClosed = errors.New("segment store is closed")

	// ErrInvalidStem is returned for stems that are empty, absolute or
	// escape the store root.
	ErrInvalidStem = errors.New("invalid segment stem")

	// ErrInvalidLocation is returned when a location does not point at a
	// record (no segment recorded, or a non-positive record length).
	ErrInvalidLocation = errors.New("invalid content location")

	// ErrSegmentNotFound is returned when the segment file of a location
	// does not exist.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrCorruptRecord is returned when the bytes at a location do not
	// parse as a WARC record.
	ErrCorruptRecord = errors.New("corrupt WARC record")

	// ErrDigestMismatch is returned by Verify when the content does not
	// match the record's block digest.
	ErrDigestMismatch = errors.New("block digest mismatch")

	// ErrInvalidHeader is returned for extra header fields that cannot be
	// written into a WARC envelope.
	ErrInvalidHeader = errors.New("invalid WARC header field")

	// ErrActiveSegment is returned when removing the segment still open for
	// appends.
	ErrActiveSegment = errors.New("segment is active")

	// ErrStagingClosed is returned when writing to or reading a closed
	// staging buffer.
	ErrStagingClosed = errors.New("staging buffer is closed")
)
