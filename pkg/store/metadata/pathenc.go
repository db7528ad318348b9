package metadata

import (
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

// Safe Name Encoding
// ==================
//
// Node names are used as store keys (see the child index in the badger
// store), so URL segments are converted into a storage-safe form first:
//
//   - '#' and the separator/quote/bracket set . / : [ ] * ' " | \ are escaped
//   - every Unicode white space and every control or format code point is
//     escaped, each one individually (U+00A0 and U+2003 stay distinct)
//   - everything else passes through unchanged
//
// An escaped code point becomes '#' followed by four lowercase hex digits.
// Code points above U+FFFF are written as their two UTF-16 surrogates,
// "#d8xx#dcxx". Bytes that are not valid UTF-8 become "#xx" followed by two
// hex digits, which no code point escape can produce.
//
// Since '#' itself is escaped, every '#' in the output starts a four
// character token, and the encoding can be read back unambiguously. That is
// what makes it injective: two distinct segments never share a safe name.
// Nothing decodes it in practice; the node keeps its URL verbatim.

const hexDigits = "0123456789abcdef"

// EncodeSegment converts one URL component into its safe name.
func EncodeSegment(segment string) string {
	if !needsEscape(segment) {
		return segment
	}

	var b strings.Builder
	b.Grow(len(segment) + 16)

	for i := 0; i < len(segment); {
		r, size := utf8.DecodeRuneInString(segment[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			writeByteEscape(&b, segment[i])
		case isForbidden(r):
			if r > 0xFFFF {
				r1, r2 := utf16.EncodeRune(r)
				writeEscape(&b, r1)
				writeEscape(&b, r2)
			} else {
				writeEscape(&b, r)
			}
		default:
			b.WriteString(segment[i : i+size])
		}
		i += size
	}

	return b.String()
}

func needsEscape(s string) bool {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if (r == utf8.RuneError && size == 1) || isForbidden(r) {
			return true
		}
		i += size
	}
	return false
}

func isForbidden(r rune) bool {
	switch r {
	case '#', '.', '/', ':', '[', ']', '*', '\'', '"', '|', '\\':
		return true
	case '\u180e':
		// Mongolian vowel separator, white space in older Unicode versions.
		return true
	}
	return unicode.IsSpace(r) ||
		unicode.Is(unicode.Zs, r) ||
		unicode.IsControl(r) ||
		unicode.Is(unicode.Cf, r)
}

func writeEscape(b *strings.Builder, r rune) {
	b.WriteByte('#')
	b.WriteByte(hexDigits[(r>>12)&0xF])
	b.WriteByte(hexDigits[(r>>8)&0xF])
	b.WriteByte(hexDigits[(r>>4)&0xF])
	b.WriteByte(hexDigits[r&0xF])
}

func writeByteEscape(b *strings.Builder, c byte) {
	b.WriteString("#xx")
	b.WriteByte(hexDigits[c>>4])
	b.WriteByte(hexDigits[c&0xF])
}
