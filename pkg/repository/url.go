package repository

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/marmos91/auvault/pkg/store/metadata"
)

// ParsedURL is an absolute URL split into the components the node tree is
// built from.
type ParsedURL struct {
	// Protocol is the lowercased scheme, e.g. "http"
	Protocol string

	// Host includes the port when one is given
	Host string

	// Segments are the path components, empty ones skipped. They are kept
	// as written (no percent decoding).
	Segments []string

	// Query is the raw query without '?'
	Query string
}

// ParseURL splits raw into protocol, host, path segments and query. A URL
// without a protocol or a host is a structural error.
func ParseURL(raw string) (*ParsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: no protocol in %q", ErrStructural, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: no host in %q (url must be absolute)", ErrStructural, raw)
	}

	// net/url decodes the path, so the remainder is split by hand to keep
	// segments exactly as they were written.
	rest := raw[strings.Index(raw, "//")+2:]
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[i:]
	} else {
		rest = ""
	}
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	path, query, _ := strings.Cut(rest, "?")

	p := &ParsedURL{
		Protocol: u.Scheme,
		Host:     u.Host,
		Query:    query,
	}
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			p.Segments = append(p.Segments, seg)
		}
	}
	return p, nil
}

// level is one step of a tree walk: the safe child name and the node URL
// recorded on the node.
type level struct {
	name string
	url  string
}

// levels returns the walk below the AU root: protocol, host, each path
// segment, then the query. When a file is resolved it is the last level.
func (p *ParsedURL) levels() []level {
	prefix := p.Protocol + "://"
	out := []level{{name: metadata.EncodeSegment(p.Protocol), url: prefix}}

	prefix += p.Host
	out = append(out, level{name: metadata.EncodeSegment(p.Host), url: prefix})

	for _, seg := range p.Segments {
		prefix += "/" + seg
		out = append(out, level{name: metadata.EncodeSegment(seg), url: prefix})
	}

	if p.Query != "" {
		out = append(out, level{name: metadata.EncodeSegment(p.Query), url: prefix + "?" + p.Query})
	}
	return out
}

// String reassembles the normalized URL.
func (p *ParsedURL) String() string {
	levels := p.levels()
	return levels[len(levels)-1].url
}

// URLFilter restricts tree size computations and file listings to part of
// an AU.
type URLFilter interface {
	// Matches reports whether the node with the given URL takes part.
	Matches(url string) bool
}

// URLFilterFunc adapts a function to URLFilter.
type URLFilterFunc func(url string) bool

func (f URLFilterFunc) Matches(url string) bool {
	return f(url)
}

// PrefixFilter matches every URL under Prefix.
//
// Nodes on the path leading to Prefix match too, so that a walk from the AU
// root reaches the range.
type PrefixFilter struct {
	Prefix string
}

func (f PrefixFilter) Matches(url string) bool {
	return strings.HasPrefix(url, f.Prefix) || isPathAncestor(url, f.Prefix)
}

// SingleNodeFilter matches exactly one URL and the nodes leading to it.
type SingleNodeFilter struct {
	URL string
}

func (f SingleNodeFilter) Matches(url string) bool {
	return url == f.URL || isPathAncestor(url, f.URL)
}

// isPathAncestor reports whether url names a node above target in the tree:
// the AU root (""), the protocol node, or a prefix ending at a path boundary.
func isPathAncestor(url, target string) bool {
	if url == "" {
		return true
	}
	if len(url) >= len(target) || !strings.HasPrefix(target, url) {
		return false
	}
	if strings.HasSuffix(url, "://") {
		return true
	}
	next := target[len(url)]
	return next == '/' || next == '?'
}

// matches applies an optional filter.
func matches(filter URLFilter, url string) bool {
	return filter == nil || filter.Matches(url)
}
