package content

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WARC envelope
// =============
//
// Every committed version is stored as one WARC/1.0 "resource" record:
//
//	WARC/1.0\r\n
//	WARC-Type: resource\r\n
//	WARC-Record-ID: <urn:uuid:...>\r\n
//	WARC-Date: 2024-01-02T03:04:05Z\r\n
//	WARC-Target-URI: http://example.org/a\r\n
//	Content-Type: application/octet-stream\r\n
//	WARC-Block-Digest: blake3:<hex>\r\n
//	Implemented-By: auvault\r\n
//	<extra headers, sorted by name>\r\n
//	Content-Length: 123\r\n
//	\r\n
//	<content>\r\n\r\n
//
// Content-Length is written last so a reader can trust every field before it
// once the length parses.

const (
	warcVersion = "WARC/1.0"

	// ImplementedBy is written into every record's Implemented-By field.
	ImplementedBy = "auvault"

	// DefaultContentType is used when a record has no content type.
	DefaultContentType = "application/octet-stream"

	recordTrailer = "\r\n\r\n"

	fieldType          = "WARC-Type"
	fieldRecordID      = "WARC-Record-ID"
	fieldDate          = "WARC-Date"
	fieldTargetURI     = "WARC-Target-URI"
	fieldContentType   = "Content-Type"
	fieldBlockDigest   = "WARC-Block-Digest"
	fieldImplementedBy = "Implemented-By"
	fieldContentLength = "Content-Length"
)

// reservedFields are written by the envelope itself and may not be
// overridden by extra headers.
var reservedFields = map[string]struct{}{
	strings.ToLower(fieldType):          {},
	strings.ToLower(fieldRecordID):      {},
	strings.ToLower(fieldDate):          {},
	strings.ToLower(fieldTargetURI):     {},
	strings.ToLower(fieldContentType):   {},
	strings.ToLower(fieldBlockDigest):   {},
	strings.ToLower(fieldImplementedBy): {},
	strings.ToLower(fieldContentLength): {},
}

// Record is one piece of content to append to a segment.
type Record struct {
	// TargetURI is the URL the content was fetched from
	TargetURI string

	// ContentType defaults to DefaultContentType
	ContentType string

	// Date defaults to the time of the append
	Date time.Time

	// Headers are extra envelope fields. Names may not collide with the
	// fields the envelope writes itself.
	Headers map[string]string

	// Content is the staged content. The caller keeps ownership and must
	// close it.
	Content *Staging
}

// Header is the parsed envelope of a stored record.
type Header struct {
	RecordID      string
	Type          string
	Date          time.Time
	TargetURI     string
	ContentType   string
	BlockDigest   string
	ContentLength int64

	// Extra holds every field not listed above, keyed by name as written
	Extra map[string]string
}

// ValidateHeaders rejects extra fields that would break the envelope.
func ValidateHeaders(headers map[string]string) error {
	for name, value := range headers {
		if name == "" || strings.ContainsAny(name, ":\r\n \t") {
			return fmt.Errorf("%w: name %q", ErrInvalidHeader, name)
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%w: value of %q", ErrInvalidHeader, name)
		}
		if _, reserved := reservedFields[strings.ToLower(name)]; reserved {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidHeader, name)
		}
	}
	return nil
}

// ValidateContentType rejects content types that would break the envelope.
func ValidateContentType(contentType string) error {
	if strings.ContainsAny(contentType, "\r\n") {
		return fmt.Errorf("%w: line break in content type", ErrInvalidHeader)
	}
	return nil
}

// buildEnvelope renders the record header block, up to and including the
// blank line that precedes the content.
func buildEnvelope(rec Record, size int64, digest string) ([]byte, error) {
	if err := ValidateHeaders(rec.Headers); err != nil {
		return nil, err
	}
	if err := ValidateContentType(rec.ContentType); err != nil {
		return nil, err
	}
	if strings.ContainsAny(rec.TargetURI, "\r\n") {
		return nil, fmt.Errorf("%w: line break in target URI", ErrInvalidHeader)
	}

	contentType := rec.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	date := rec.Date
	if date.IsZero() {
		date = time.Now()
	}

	var b bytes.Buffer
	writeLine := func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	b.WriteString(warcVersion + "\r\n")
	writeLine(fieldType, "resource")
	writeLine(fieldRecordID, "<urn:uuid:"+uuid.NewString()+">")
	writeLine(fieldDate, date.UTC().Format(time.RFC3339))
	writeLine(fieldTargetURI, rec.TargetURI)
	writeLine(fieldContentType, contentType)
	writeLine(fieldBlockDigest, digest)
	writeLine(fieldImplementedBy, ImplementedBy)

	names := make([]string, 0, len(rec.Headers))
	for name := range rec.Headers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		writeLine(name, rec.Headers[name])
	}

	writeLine(fieldContentLength, strconv.FormatInt(size, 10))
	b.WriteString("\r\n")
	return b.Bytes(), nil
}

// readHeader parses a record envelope from r, leaving r positioned at the
// first content byte.
func readHeader(r *bufio.Reader) (*Header, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if line != warcVersion {
		return nil, fmt.Errorf("%w: unexpected version line %q", ErrCorruptRecord, line)
	}

	h := &Header{ContentLength: -1, Extra: make(map[string]string)}
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed field %q", ErrCorruptRecord, line)
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(name) {
		case strings.ToLower(fieldType):
			h.Type = value
		case strings.ToLower(fieldRecordID):
			h.RecordID = value
		case strings.ToLower(fieldDate):
			if h.Date, err = time.Parse(time.RFC3339, value); err != nil {
				return nil, fmt.Errorf("%w: bad date %q", ErrCorruptRecord, value)
			}
		case strings.ToLower(fieldTargetURI):
			h.TargetURI = value
		case strings.ToLower(fieldContentType):
			h.ContentType = value
		case strings.ToLower(fieldBlockDigest):
			h.BlockDigest = value
		case strings.ToLower(fieldContentLength):
			if h.ContentLength, err = strconv.ParseInt(value, 10, 64); err != nil || h.ContentLength < 0 {
				return nil, fmt.Errorf("%w: bad content length %q", ErrCorruptRecord, value)
			}
		case strings.ToLower(fieldImplementedBy):
			// informational
		default:
			h.Extra[name] = value
		}
	}

	if h.ContentLength < 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrCorruptRecord, fieldContentLength)
	}
	return h, nil
}

// readLine reads one CRLF-terminated line without its terminator.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return "", fmt.Errorf("%w: truncated header", ErrCorruptRecord)
		}
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}
