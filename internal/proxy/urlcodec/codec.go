// Package urlcodec maps origin URLs to proxy-local paths and back.
//
// A proxied URL is the whole absolute origin URL percent-encoded into a
// single path segment after /proxy/, for example
//
//	https://example.com/a?b=1  ->  /proxy/https%3A%2F%2Fexample.com%2Fa%3Fb%3D1
//
// Decoding is repeated until the value stops changing, which undoes any
// double encoding introduced by browsers or by pages that build proxy URLs
// themselves.
package urlcodec

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Prefix is the path prefix of every proxied URL
const Prefix = "/proxy/"

// maxDecodePasses bounds the fixed-point decode loop
const maxDecodePasses = 8

// ErrInvalidURL is returned when a proxy path does not carry an absolute
// http(s) URL with a hostname.
var ErrInvalidURL = errors.New("invalid target url")

// passthroughSchemes are never rewritten
var passthroughSchemes = []string{
	"javascript:",
	"data:",
	"mailto:",
	"tel:",
	"blob:",
	"about:",
}

// Target is a validated origin URL
type Target struct {
	*url.URL
}

// Origin returns scheme://host[:port]
func (t *Target) Origin() string {
	return t.Scheme + "://" + t.Host
}

// Dir returns the directory of the target path, with a trailing slash
func (t *Target) Dir() string {
	p := t.Path
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i+1]
	}
	return "/"
}

// ProxyURL returns the proxy-local form of the target
func (t *Target) ProxyURL() string {
	return Encode(t.String())
}

// Encode turns an absolute URL into its proxy-local path. Values already
// under the proxy prefix are returned unchanged.
func Encode(absoluteURL string) string {
	if strings.HasPrefix(absoluteURL, Prefix) {
		return absoluteURL
	}
	return Prefix + strings.ReplaceAll(url.QueryEscape(absoluteURL), "+", "%20")
}

// Decode strips the proxy prefix and percent-decodes until the value reads
// as an absolute http(s) URL, so double encoding collapses while the
// target's own escapes (%26, %2F, %23, ...) survive. A failed step keeps the
// last good value.
func Decode(proxyPath string) string {
	s := strings.TrimPrefix(proxyPath, Prefix)
	for i := 0; i < maxDecodePasses && !hasHTTPScheme(s); i++ {
		next, err := url.PathUnescape(s)
		if err != nil || next == s {
			break
		}
		s = next
	}
	return s
}

// Parse decodes a proxy path and validates the result.
func Parse(proxyPath string) (*Target, error) {
	raw := Decode(proxyPath)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty target", ErrInvalidURL)
	}

	if !hasHTTPScheme(raw) {
		return nil, fmt.Errorf("%w: %q must start with http:// or https://", ErrInvalidURL, raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no hostname", ErrInvalidURL, raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""
	return &Target{URL: u}, nil
}

// WithQuery appends a raw query string to the target, merging with any
// query it already has. Used when a browser submits a GET form to a
// proxied action and appends the fields outside the encoded segment.
func (t *Target) WithQuery(rawQuery string) *Target {
	if rawQuery == "" {
		return t
	}
	u := *t.URL
	if u.RawQuery == "" {
		u.RawQuery = rawQuery
	} else {
		u.RawQuery += "&" + rawQuery
	}
	return &Target{URL: &u}
}

// IsPassthrough reports whether an attribute value must be left untouched.
func IsPassthrough(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "#") {
		return true
	}
	lower := strings.ToLower(v)
	for _, scheme := range passthroughSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// Resolve classifies an attribute value found in a page served from base
// and returns the absolute origin URL it refers to. ok is false when the
// value must be passed through unchanged.
func Resolve(base *url.URL, v string) (abs string, ok bool) {
	v = strings.TrimSpace(v)
	if IsPassthrough(v) || strings.HasPrefix(v, Prefix) {
		return v, false
	}

	lower := strings.ToLower(v)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return unwrap(v), true
	case strings.HasPrefix(v, "//"):
		return "https:" + v, true
	}

	ref, err := url.Parse(v)
	if err != nil {
		return v, false
	}
	if ref.Scheme != "" {
		// some other scheme (ftp:, chrome-extension:, ...)
		return v, false
	}
	if base == nil {
		return v, false
	}
	return base.ResolveReference(ref).String(), true
}

// unwrap returns the target embedded in an absolute URL that already points
// at some proxy, so resources are never proxied twice.
func unwrap(abs string) string {
	i := strings.Index(abs, Prefix)
	if i < 0 {
		return abs
	}
	if inner := Decode(abs[i:]); hasHTTPScheme(inner) {
		return inner
	}
	return abs
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Rewrite resolves v against base and returns its proxy-local form, or v
// unchanged when it is not rewritable.
func Rewrite(base *url.URL, v string) string {
	abs, ok := Resolve(base, v)
	if !ok {
		return v
	}
	return Encode(abs)
}

// FromReferer rebuilds the proxy URL for a stray absolute path requested by
// a proxied page, using the target embedded in the Referer. ok is false
// when the referer is not a proxied page.
func FromReferer(referer, path, rawQuery string) (string, bool) {
	i := strings.Index(referer, Prefix)
	if i < 0 {
		return "", false
	}
	embedded := referer[i:]
	if q := strings.IndexByte(embedded, '?'); q >= 0 {
		embedded = embedded[:q]
	}

	target, err := Parse(embedded)
	if err != nil {
		return "", false
	}

	abs := target.Origin() + path
	if rawQuery != "" {
		abs += "?" + rawQuery
	}
	return Encode(abs), true
}
