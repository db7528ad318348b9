package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw      string
		protocol string
		host     string
		segments []string
		query    string
	}{
		{"http://example.org", "http", "example.org", nil, ""},
		{"http://example.org/", "http", "example.org", nil, ""},
		{"https://example.org:8443/a/b.pdf", "https", "example.org:8443", []string{"a", "b.pdf"}, ""},
		{"http://example.org/a//b/", "http", "example.org", []string{"a", "b"}, ""},
		{"http://example.org/cgi?id=1&x=2", "http", "example.org", []string{"cgi"}, "id=1&x=2"},
		{"http://example.org?q", "http", "example.org", nil, "q"},
		{"http://example.org/a%20b/c#frag", "http", "example.org", []string{"a%20b", "c"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, err := ParseURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.protocol, p.Protocol)
			assert.Equal(t, tt.host, p.Host)
			assert.Equal(t, tt.segments, p.Segments)
			assert.Equal(t, tt.query, p.Query)
		})
	}
}

func TestParseURL_Structural(t *testing.T) {
	for _, raw := range []string{
		"",
		"example.org/a",
		"/a/b",
		"http:///a/b",
		"mailto:someone@example.org",
		"http://exa mple.org/",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseURL(raw)
			assert.ErrorIs(t, err, ErrStructural)
		})
	}
}

func TestLevels(t *testing.T) {
	p, err := ParseURL("http://example.org/a/b.pdf?v=1")
	require.NoError(t, err)

	var urls, names []string
	for _, l := range p.levels() {
		urls = append(urls, l.url)
		names = append(names, l.name)
	}

	assert.Equal(t, []string{
		"http://",
		"http://example.org",
		"http://example.org/a",
		"http://example.org/a/b.pdf",
		"http://example.org/a/b.pdf?v=1",
	}, urls)
	assert.Equal(t, []string{"http", "example#002eorg", "a", "b#002epdf", "v=1"}, names)
	assert.Equal(t, "http://example.org/a/b.pdf?v=1", p.String())
}

func TestPrefixFilter(t *testing.T) {
	f := PrefixFilter{Prefix: "http://example.org/a"}

	assert.True(t, f.Matches(""))
	assert.True(t, f.Matches("http://"))
	assert.True(t, f.Matches("http://example.org"))
	assert.True(t, f.Matches("http://example.org/a"))
	assert.True(t, f.Matches("http://example.org/a/b.pdf"))
	assert.True(t, f.Matches("http://example.org/ab"))

	assert.False(t, f.Matches("http://example.org/b"))
	assert.False(t, f.Matches("https://"))
	assert.False(t, f.Matches("http://example.com"))
}

func TestSingleNodeFilter(t *testing.T) {
	f := SingleNodeFilter{URL: "http://example.org/a/b.pdf"}

	assert.True(t, f.Matches("http://example.org/a/b.pdf"))
	assert.True(t, f.Matches("http://example.org/a"))
	assert.True(t, f.Matches("http://example.org"))

	assert.False(t, f.Matches("http://example.org/a/b.pdf.bak"))
	assert.False(t, f.Matches("http://example.org/a/c"))
	assert.False(t, f.Matches("http://example.org/a/b.pdf/x"))
}

func TestMatchesNilFilter(t *testing.T) {
	assert.True(t, matches(nil, "anything"))
	assert.False(t, matches(URLFilterFunc(func(string) bool { return false }), "anything"))
}
