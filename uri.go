package brilliantserver

import (
	"strings"

	"golang.org/x/net/idna"
)

// RFC 3986 grammar classes.
const (
	upperAlpha = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerAlpha = "abcdefghijklmnopqrstuvwxyz"
	alpha      = upperAlpha + lowerAlpha
	digit      = "0123456789"
	hexDigit   = digit + "ABCDEFabcdef"
	unreserved = alpha + digit + "-._~"
	subDelims  = "!$&'()*+,;="
	pchar      = unreserved + subDelims + ":@"

	// reservedForEncoding is the set `EncodeAsciiToHex` escapes. The path
	// separator stays literal so that encoded directory links keep their
	// trailing slash.
	reservedForEncoding = ":?#[]@" + subDelims
)

// charset is a byte membership table.
type charset [256]bool

// newCharset returns a new instance of the `charset` holding every byte of
// the chars.
func newCharset(chars string) *charset {
	cs := &charset{}
	for i := 0; i < len(chars); i++ {
		cs[chars[i]] = true
	}

	return cs
}

// contains reports whether the b is in the cs.
func (cs *charset) contains(b byte) bool {
	return cs[b]
}

var (
	alphaSet    = newCharset(alpha)
	digitSet    = newCharset(digit)
	hexDigitSet = newCharset(hexDigit)
	pcharSet    = newCharset(pchar + "/")
	querySet    = newCharset(pchar + "/?")
	hostSet     = newCharset(unreserved + subDelims)
	schemeSet   = newCharset(alpha + digit + "+-.")
	encodeSet   = newCharset(reservedForEncoding)
)

// uriTarget is the decomposition of a request-target.
type uriTarget struct {
	path   string
	query  string
	host   string
	port   string
	scheme string
}

// parseTarget splits the uri into its target components. A leading "/" means
// origin form, a leading letter means absolute form. Percent-triples in the
// path are decoded in place; percent-triples in the query are only validated.
// The query keeps its leading "?".
func parseTarget(uri string) (uriTarget, bool) {
	t := uriTarget{path: "/"}
	if uri == "" {
		return t, false
	}

	if uri[0] == '/' {
		rest, ok := parsePathQuery(uri, &t)
		return t, ok && rest == ""
	} else if alphaSet.contains(uri[0]) {
		return parseAbsoluteForm(uri)
	}

	return t, false
}

// parsePathQuery consumes the origin-form path and optional query of the uri
// into the t. It returns the unconsumed suffix.
func parsePathQuery(uri string, t *uriTarget) (string, bool) {
	var path strings.Builder
	i := 0
	for ; i < len(uri) && uri[i] != '?'; i++ {
		if pcharSet.contains(uri[i]) {
			path.WriteByte(uri[i])
			continue
		}

		if uri[i] != '%' {
			return "", false
		}

		b, ok := decodeTriple(uri, i)
		if !ok {
			return "", false
		}

		path.WriteByte(b)
		i += 2
	}

	t.path = path.String()
	if i == len(uri) {
		return "", true
	}

	// The query, "?" included, is validated but never decoded.
	start := i
	for i++; i < len(uri); i++ {
		if querySet.contains(uri[i]) {
			continue
		}

		if uri[i] != '%' {
			return "", false
		}

		if i+2 >= len(uri) ||
			!hexDigitSet.contains(uri[i+1]) ||
			!hexDigitSet.contains(uri[i+2]) {
			return "", false
		}

		i += 2
	}

	t.query = uri[start:]

	return "", true
}

// parseAbsoluteForm parses "scheme://host[:port]/path?query".
func parseAbsoluteForm(uri string) (uriTarget, bool) {
	t := uriTarget{path: "/"}
	colon := -1
	for i := 0; i < len(uri); i++ {
		if uri[i] == ':' {
			colon = i
			break
		}

		if !schemeSet.contains(uri[i]) {
			return t, false
		}
	}

	if colon <= 0 || !strings.HasPrefix(uri[colon+1:], "//") {
		return t, false
	}

	t.scheme = uri[:colon]
	rest := uri[colon+3:]

	host, port, n, ok := parseAuthority(rest)
	if !ok {
		return t, false
	}

	t.host = host
	t.port = port
	rest = rest[n:]
	if rest == "" {
		return t, true
	}

	if rest[0] != '/' {
		return t, false
	}

	_, ok = parsePathQuery(rest, &t)

	return t, ok
}

// parseAuthority consumes "host[:port]" from the front of the s, returning
// the host, the port digits (":" included) and the number of bytes consumed.
func parseAuthority(s string) (string, string, int, bool) {
	i := 0
	for ; i < len(s) && s[i] != '/' && s[i] != ':'; i++ {
		if !hostSet.contains(s[i]) {
			return "", "", 0, false
		}
	}

	if i == 0 {
		return "", "", 0, false
	}

	host := s[:i]
	port := ""
	if i < len(s) && s[i] == ':' {
		start := i
		for i++; i < len(s) && digitSet.contains(s[i]); i++ {
		}

		port = s[start:i]
	}

	return host, port, i, true
}

// parseHost validates the body of a Host header field and returns the host
// lowercased with any ":port" suffix intact. The port accepts digits only.
func parseHost(value string) (string, bool) {
	host, _, n, ok := parseAuthority(value)
	if !ok || n != len(value) {
		return "", false
	}

	if _, err := idna.Lookup.ToASCII(strings.ToLower(host)); err != nil {
		return "", false
	}

	return strings.ToLower(value), true
}

// encodeAsciiToHex escapes every reserved byte of the path as "%XX". The path
// separator is kept literal. It is used for autoindex link generation only.
func encodeAsciiToHex(path string) string {
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		if encodeSet.contains(path[i]) {
			b.WriteByte('%')
			b.WriteString(hexUpper(path[i]))
		} else {
			b.WriteByte(path[i])
		}
	}

	return b.String()
}

// decodeHexToAscii decodes every "%XX" triple of the s. Invalid triples fail
// the whole decode.
func decodeHexToAscii(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}

		c, ok := decodeTriple(s, i)
		if !ok {
			return "", false
		}

		b.WriteByte(c)
		i += 2
	}

	return b.String(), true
}

// decodeTriple decodes the "%XX" triple of the s starting at the pos.
func decodeTriple(s string, pos int) (byte, bool) {
	if pos+2 >= len(s) ||
		!hexDigitSet.contains(s[pos+1]) ||
		!hexDigitSet.contains(s[pos+2]) {
		return 0, false
	}

	return hexValue(s[pos+1])<<4 | hexValue(s[pos+2]), true
}

// hexValue returns the numeric value of the hex digit b.
func hexValue(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	default:
		return b - 'A' + 10
	}
}

// hexUpper formats the b as two uppercase hex digits.
func hexUpper(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}
