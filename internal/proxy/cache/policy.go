package cache

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// staticExtensions are cacheable regardless of the reported content type
var staticExtensions = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".avif": true, ".svg": true, ".ico": true, ".bmp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".webm": true, ".ogg": true, ".wasm": true,
}

// Eligible decides whether a request for targetPath may be served from or
// stored in the cache. contentType may be empty before the response is
// known, in which case the decision rests on the path extension.
func Eligible(method, targetPath string, reqHeader http.Header, contentType string) bool {
	if method != http.MethodGet {
		return false
	}
	if hasDirective(reqHeader.Values("Cache-Control"), "no-cache", "no-store") ||
		hasDirective(reqHeader.Values("Pragma"), "no-cache") {
		return false
	}

	p := strings.ToLower(targetPath)
	if strings.Contains(p, "/api/") || strings.Contains(p, "/graphql") || strings.HasSuffix(p, ".json") {
		return false
	}

	mt := mediaType(contentType)
	if strings.Contains(mt, "html") || strings.Contains(mt, "json") {
		return false
	}
	if staticExtensions[path.Ext(p)] {
		return true
	}
	return mt != ""
}

// Storable reports whether an origin response may be stored
func Storable(status int, respHeader http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	if hasDirective(respHeader.Values("Cache-Control"), "no-store", "private") {
		return false
	}
	return respHeader.Get("Set-Cookie") == ""
}

// NotModified reports whether an If-None-Match value matches etag using
// weak comparison.
func NotModified(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}

func hasDirective(values []string, directives ...string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
			for _, d := range directives {
				if strings.EqualFold(strings.TrimSpace(name), d) {
					return true
				}
			}
		}
	}
	return false
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
