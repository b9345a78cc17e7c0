// Package headers adjusts HTTP headers on both legs of a proxied exchange:
// response headers are sanitized so the page may be framed by any origin,
// and request headers are normalized to look like an ordinary browser.
package headers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
)

// hopByHop headers apply to a single connection and are never forwarded
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// frameBlockers prevent a response from rendering inside a cross-origin frame
var frameBlockers = []string{
	"X-Frame-Options",
	"Strict-Transport-Security",
	"Content-Security-Policy-Report-Only",
	"X-Content-Security-Policy",
	"X-Webkit-Csp",
	"Cross-Origin-Opener-Policy",
	"Cross-Origin-Embedder-Policy",
	"Cross-Origin-Resource-Policy",
	"Alt-Svc",
}

// Options controls response sanitization
type Options struct {
	// DropCSP removes Content-Security-Policy instead of rewriting it
	DropCSP bool
	// Decoded means the body was decompressed, so Content-Encoding is
	// removed and Vary gains Accept-Encoding
	Decoded bool
	// Base is the origin URL of the response; when set, Location and
	// Content-Location are rewritten to proxy paths
	Base *url.URL
	// SecureProxy means clients reach the proxy over TLS, so Secure
	// cookie attributes are kept
	SecureProxy bool
}

// Sanitize returns a copy of h made safe for embedding. The input is not
// modified.
func Sanitize(h http.Header, opts Options) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}

	removeHopByHop(out)
	for _, k := range frameBlockers {
		out.Del(k)
	}
	out.Del("Content-Length")

	if opts.DropCSP {
		out.Del("Content-Security-Policy")
	} else if policies := out.Values("Content-Security-Policy"); len(policies) > 0 {
		out.Del("Content-Security-Policy")
		for _, p := range policies {
			if rewritten := RewriteCSP(p); rewritten != "" {
				out.Add("Content-Security-Policy", rewritten)
			}
		}
	}

	if opts.Decoded {
		out.Del("Content-Encoding")
		AddVary(out, "Accept-Encoding")
	}

	if opts.Base != nil {
		for _, k := range []string{"Location", "Content-Location", "Refresh"} {
			if v := out.Get(k); v != "" {
				if k == "Refresh" {
					out.Set(k, RewriteRefresh(v, opts.Base))
				} else {
					out.Set(k, RewriteLocation(v, opts.Base))
				}
			}
		}
	}

	if cookies := out.Values("Set-Cookie"); len(cookies) > 0 {
		out.Del("Set-Cookie")
		for _, c := range cookies {
			out.Add("Set-Cookie", RewriteSetCookie(c, opts.SecureProxy))
		}
	}

	return out
}

// removeHopByHop deletes hop-by-hop headers, including any listed in Connection
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, k := range hopByHop {
		h.Del(k)
	}
}

// AddVary merges token into the Vary header unless already present
func AddVary(h http.Header, token string) {
	for _, v := range h.Values("Vary") {
		for _, existing := range strings.Split(v, ",") {
			existing = strings.TrimSpace(existing)
			if existing == "*" || strings.EqualFold(existing, token) {
				return
			}
		}
	}
	h.Set("Vary", strings.Join(append(h.Values("Vary"), token), ", "))
}

// permissiveSources replaces the source list of fetch directives
const permissiveSources = "* data: blob: 'unsafe-inline' 'unsafe-eval'"

var permissiveDirectives = map[string]bool{
	"default-src": true,
	"script-src":  true,
	"style-src":   true,
	"img-src":     true,
	"connect-src": true,
}

// RewriteCSP relaxes a Content-Security-Policy so the page can be framed and
// can load its proxied resources. frame-ancestors allows any parent and the
// main fetch directives become permissive; other directives pass through.
func RewriteCSP(policy string) string {
	var directives []string
	for _, d := range strings.Split(policy, ";") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		name, _, _ := strings.Cut(d, " ")
		name = strings.ToLower(strings.TrimSpace(name))

		switch {
		case name == "frame-ancestors":
			directives = append(directives, "frame-ancestors 'self' *")
		case permissiveDirectives[name]:
			directives = append(directives, name+" "+permissiveSources)
		default:
			directives = append(directives, d)
		}
	}
	return strings.Join(directives, "; ")
}

// RewriteLocation maps a redirect target onto the proxy
func RewriteLocation(location string, base *url.URL) string {
	return urlcodec.Rewrite(base, location)
}

// RewriteRefresh rewrites the url= part of a Refresh header or meta refresh
// content value ("5; url=/next").
func RewriteRefresh(v string, base *url.URL) string {
	delay, rest, ok := strings.Cut(v, ";")
	if !ok {
		return v
	}
	rest = strings.TrimSpace(rest)
	key, target, ok := strings.Cut(rest, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(key), "url") {
		return v
	}
	target = strings.Trim(strings.TrimSpace(target), `'"`)
	return strings.TrimSpace(delay) + ";url=" + urlcodec.Rewrite(base, target)
}

// RewriteSetCookie binds a cookie to the proxy host: Domain is dropped and
// Path widened to "/" so the cookie is sent with every proxied path. Secure
// is dropped only when the proxy itself is served over plain HTTP.
func RewriteSetCookie(cookie string, secureProxy bool) string {
	parts := strings.Split(cookie, ";")
	out := make([]string, 0, len(parts)+1)
	out = append(out, strings.TrimSpace(parts[0]))

	hasPath := false
	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		name, _, _ := strings.Cut(attr, "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "domain":
			continue
		case "secure":
			if !secureProxy {
				continue
			}
		case "path":
			hasPath = true
			attr = "Path=/"
		}
		out = append(out, attr)
	}
	if !hasPath {
		out = append(out, "Path=/")
	}
	return strings.Join(out, "; ")
}
