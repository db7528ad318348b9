package content

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	date := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	rec := Record{
		TargetURI: "http://example.org/a/b.pdf",
		Date:      date,
		Headers:   map[string]string{"X-Fetch": "crawl", "A-First": "1"},
	}

	env, err := buildEnvelope(rec, 42, "blake3:abcd")
	require.NoError(t, err)

	text := string(env)
	assert.True(t, strings.HasPrefix(text, "WARC/1.0\r\nWARC-Type: resource\r\n"))
	assert.True(t, strings.HasSuffix(text, "Content-Length: 42\r\n\r\n"))
	assert.Less(t, strings.Index(text, "A-First"), strings.Index(text, "X-Fetch"), "extra headers are sorted")

	h, err := readHeader(bufio.NewReader(bytes.NewReader(env)))
	require.NoError(t, err)
	assert.Equal(t, "resource", h.Type)
	assert.Equal(t, rec.TargetURI, h.TargetURI)
	assert.Equal(t, DefaultContentType, h.ContentType)
	assert.Equal(t, "blake3:abcd", h.BlockDigest)
	assert.EqualValues(t, 42, h.ContentLength)
	assert.True(t, h.Date.Equal(date))
	assert.True(t, strings.HasPrefix(h.RecordID, "<urn:uuid:"))
	assert.Equal(t, map[string]string{"X-Fetch": "crawl", "A-First": "1"}, h.Extra)
}

func TestEnvelopeRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"colon_in_name", map[string]string{"a:b": "v"}},
		{"newline_in_value", map[string]string{"a": "v\r\nInjected: 1"}},
		{"reserved_name", map[string]string{"content-length": "1"}},
		{"empty_name", map[string]string{"": "v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildEnvelope(Record{Headers: tt.headers}, 0, "blake3:00")
			assert.ErrorIs(t, err, ErrInvalidHeader)
		})
	}
}

func TestReadHeaderCorrupt(t *testing.T) {
	tests := map[string]string{
		"wrong_version":  "WARC/0.9\r\n\r\n",
		"truncated":      "WARC/1.0\r\nWARC-Type: resource\r\n",
		"no_length":      "WARC/1.0\r\nWARC-Type: resource\r\n\r\n",
		"bad_length":     "WARC/1.0\r\nContent-Length: -3\r\n\r\n",
		"malformed_line": "WARC/1.0\r\nnot a field\r\n\r\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := readHeader(bufio.NewReader(strings.NewReader(input)))
			assert.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}
