package headers

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRemovesFrameBlockers(t *testing.T) {
	in := http.Header{}
	in.Set("X-Frame-Options", "DENY")
	in.Set("Content-Security-Policy", "frame-ancestors 'none'")
	in.Set("Content-Security-Policy-Report-Only", "default-src 'none'")
	in.Set("Strict-Transport-Security", "max-age=31536000")
	in.Set("Cross-Origin-Opener-Policy", "same-origin")
	in.Set("Content-Type", "text/html")
	in.Set("Content-Length", "42")
	in.Set("Connection", "keep-alive, X-Custom-Hop")
	in.Set("X-Custom-Hop", "1")
	in.Set("Transfer-Encoding", "chunked")

	out := Sanitize(in, Options{})

	assert.Empty(t, out.Get("X-Frame-Options"))
	assert.Empty(t, out.Get("Content-Security-Policy-Report-Only"))
	assert.Empty(t, out.Get("Strict-Transport-Security"))
	assert.Empty(t, out.Get("Cross-Origin-Opener-Policy"))
	assert.Empty(t, out.Get("Content-Length"))
	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("X-Custom-Hop"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
	assert.NotContains(t, out.Get("Content-Security-Policy"), "'none'")
	assert.Equal(t, "frame-ancestors 'self' *", out.Get("Content-Security-Policy"))
	assert.Equal(t, "text/html", out.Get("Content-Type"))

	assert.Equal(t, "DENY", in.Get("X-Frame-Options"), "input is not mutated")
}

func TestSanitizeDropCSP(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Security-Policy", "default-src 'self'")

	out := Sanitize(in, Options{DropCSP: true})
	assert.Empty(t, out.Values("Content-Security-Policy"))
}

func TestSanitizeDecoded(t *testing.T) {
	tests := []struct {
		name     string
		vary     []string
		wantVary string
	}{
		{name: "no vary", wantVary: "Accept-Encoding"},
		{name: "existing vary", vary: []string{"Cookie"}, wantVary: "Cookie, Accept-Encoding"},
		{name: "already present", vary: []string{"accept-encoding"}, wantVary: "accept-encoding"},
		{name: "wildcard", vary: []string{"*"}, wantVary: "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := http.Header{}
			in.Set("Content-Encoding", "gzip")
			for _, v := range tt.vary {
				in.Add("Vary", v)
			}

			out := Sanitize(in, Options{Decoded: true})
			assert.Empty(t, out.Get("Content-Encoding"))
			assert.Equal(t, tt.wantVary, out.Get("Vary"))
		})
	}
}

func TestSanitizeNotDecodedKeepsEncoding(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Encoding", "br")

	out := Sanitize(in, Options{})
	assert.Equal(t, "br", out.Get("Content-Encoding"))
	assert.Empty(t, out.Get("Vary"))
}

func TestSanitizeRewritesLocationAndCookies(t *testing.T) {
	base, err := url.Parse("https://example.com/a/page.html")
	require.NoError(t, err)

	in := http.Header{}
	in.Set("Location", "/login?next=/a")
	in.Set("Refresh", "0; url=next.html")
	in.Add("Set-Cookie", "sid=abc; Domain=.example.com; Path=/a; Secure; HttpOnly; SameSite=None")
	in.Add("Set-Cookie", "theme=dark")

	out := Sanitize(in, Options{Base: base})

	assert.Equal(t, urlcodec.Encode("https://example.com/login?next=/a"), out.Get("Location"))
	assert.Equal(t, "0;url="+urlcodec.Encode("https://example.com/a/next.html"), out.Get("Refresh"))
	assert.Equal(t, []string{
		"sid=abc; Path=/; HttpOnly; SameSite=None",
		"theme=dark; Path=/",
	}, out.Values("Set-Cookie"))
}

func TestRewriteCSP(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		want   string
	}{
		{
			name:   "frame-ancestors none",
			policy: "frame-ancestors 'none'",
			want:   "frame-ancestors 'self' *",
		},
		{
			name:   "fetch directives become permissive",
			policy: "default-src 'self'; script-src 'nonce-abc' 'strict-dynamic'; img-src https://cdn.test",
			want: "default-src " + permissiveSources +
				"; script-src " + permissiveSources +
				"; img-src " + permissiveSources,
		},
		{
			name:   "other directives pass through",
			policy: "upgrade-insecure-requests; report-uri /csp; FRAME-ANCESTORS https://a.test",
			want:   "upgrade-insecure-requests; report-uri /csp; frame-ancestors 'self' *",
		},
		{
			name:   "blank",
			policy: " ; ",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RewriteCSP(tt.policy))
		})
	}
}

func TestRewriteSetCookie(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		secure bool
		want   string
	}{
		{
			name:   "plain proxy drops secure",
			cookie: "a=1; Secure; SameSite=None",
			want:   "a=1; SameSite=None; Path=/",
		},
		{
			name:   "tls proxy keeps secure",
			cookie: "a=1; secure; domain=example.com",
			secure: true,
			want:   "a=1; secure; Path=/",
		},
		{
			name:   "expires with comma survives",
			cookie: "a=1; Expires=Wed, 21 Oct 2026 07:28:00 GMT; path=/x",
			want:   "a=1; Expires=Wed, 21 Oct 2026 07:28:00 GMT; Path=/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RewriteSetCookie(tt.cookie, tt.secure))
		})
	}
}

func TestRewriteRefreshLeavesPlainDelay(t *testing.T) {
	base, _ := url.Parse("https://example.com/")
	assert.Equal(t, "30", RewriteRefresh("30", base))
	assert.Equal(t, "5; foo=bar", RewriteRefresh("5; foo=bar", base))
}

func TestPrepareOutbound(t *testing.T) {
	target, err := url.Parse("https://example.com/a/b")
	require.NoError(t, err)

	in := http.Header{}
	in.Set("User-Agent", "curl/8.0")
	in.Set("Accept-Encoding", "identity")
	in.Set("If-None-Match", `"abc"`)
	in.Set("If-Modified-Since", "Wed, 21 Oct 2015 07:28:00 GMT")
	in.Set("Connection", "keep-alive")
	in.Set("X-Forwarded-For", "10.0.0.1")
	in.Set("Cookie", "sid=abc")
	in.Set("Origin", "http://localhost:8000")
	in.Set("Referer", "http://localhost:8000"+urlcodec.Encode("https://example.com/a/page.html"))

	fp := DefaultFingerprint()
	out := PrepareOutbound(in, target, fp)

	assert.Equal(t, fp.UserAgent, out.Get("User-Agent"))
	assert.Equal(t, fp.Accept, out.Get("Accept"))
	assert.Equal(t, fp.AcceptLanguage, out.Get("Accept-Language"))
	assert.Equal(t, "gzip, deflate, br, zstd", out.Get("Accept-Encoding"))
	assert.Empty(t, out.Get("If-None-Match"))
	assert.Empty(t, out.Get("If-Modified-Since"))
	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("X-Forwarded-For"))
	assert.Equal(t, "sid=abc", out.Get("Cookie"))
	assert.Equal(t, "https://example.com", out.Get("Origin"))
	assert.Equal(t, "https://example.com/a/page.html", out.Get("Referer"))

	assert.Equal(t, "curl/8.0", in.Get("User-Agent"), "input is not mutated")
}

func TestPrepareOutboundRefererKeepsEscapes(t *testing.T) {
	target, _ := url.Parse("https://example.com/next")
	in := http.Header{}
	in.Set("Referer", "http://localhost:8000"+urlcodec.Encode("https://example.com/s?q=a%26b&tag=%23go"))

	out := PrepareOutbound(in, target, DefaultFingerprint())

	assert.Equal(t, "https://example.com/s?q=a%26b&tag=%23go", out.Get("Referer"))
}

func TestPrepareOutboundDropsForeignReferer(t *testing.T) {
	in := http.Header{}
	in.Set("Referer", "http://localhost:8000/")

	out := PrepareOutbound(in, nil, DefaultFingerprint())
	assert.Empty(t, out.Get("Referer"))
}
