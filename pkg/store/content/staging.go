package content

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// DefaultSpillThreshold is the size above which staged content moves from
// memory to a temporary file.
const DefaultSpillThreshold int64 = 10240

// Staging is a deferred write buffer for version content.
//
// Content is held in memory until it grows past the spill threshold, then
// everything staged so far moves to a temporary file and further writes go
// there. A BLAKE3 digest of the content is computed while writing, so the
// envelope can be built without a second pass.
//
// Close must always be called; it removes the temporary file on every path.
// A Staging is not safe for concurrent use.
type Staging struct {
	dir       string
	threshold int64

	mem    bytes.Buffer
	file   *os.File
	size   int64
	hasher *blake3.Hasher
	closed bool
}

// NewStaging creates an empty buffer. Temporary files are created in dir
// (os.TempDir when empty). A threshold <= 0 selects DefaultSpillThreshold.
func NewStaging(dir string, threshold int64) *Staging {
	if threshold <= 0 {
		threshold = DefaultSpillThreshold
	}
	return &Staging{
		dir:       dir,
		threshold: threshold,
		hasher:    blake3.New(),
	}
}

// Write implements io.Writer.
func (s *Staging) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStagingClosed
	}

	if s.file == nil && s.size+int64(len(p)) > s.threshold {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	_, _ = s.hasher.Write(p[:n])
	s.size += int64(n)
	return n, err
}

// spill moves the in-memory content to a temporary file.
func (s *Staging) spill() error {
	f, err := os.CreateTemp(s.dir, "staging-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("failed to spill staging buffer: %w", err)
	}
	s.file = f
	s.mem = bytes.Buffer{}
	return nil
}

// Size returns the number of bytes staged.
func (s *Staging) Size() int64 {
	return s.size
}

// Spilled reports whether the content lives in a temporary file.
func (s *Staging) Spilled() bool {
	return s.file != nil
}

// Digest returns the WARC block digest of the staged content,
// "blake3:<hex>".
func (s *Staging) Digest() string {
	return formatDigest(s.hasher.Sum(nil))
}

func formatDigest(sum []byte) string {
	return "blake3:" + hex.EncodeToString(sum)
}

// Reader returns a reader over the staged content from the start. Each call
// returns an independent reader; writing after calling Reader is not
// supported.
func (s *Staging) Reader() (io.Reader, error) {
	if s.closed {
		return nil, ErrStagingClosed
	}
	if s.file != nil {
		return io.NewSectionReader(s.file, 0, s.size), nil
	}
	return bytes.NewReader(s.mem.Bytes()), nil
}

// Close releases the buffer and removes the temporary file, if any.
// Closing twice is a no-op.
func (s *Staging) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.mem = bytes.Buffer{}

	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	closeErr := s.file.Close()
	s.file = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staging file %s: %w", name, err)
	}
	return closeErr
}
