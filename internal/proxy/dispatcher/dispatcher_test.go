package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/cache"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/encoding"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/policy"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/rewriter"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/upstream"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
	"github.com/GriffinCanCode/FrameProxy/internal/shared/id"
	"github.com/PuerkitoBio/goquery"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><head></head><body><a href="/about">About</a></body></html>`

var pixel = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x01, 0x02}

type origin struct {
	*httptest.Server
	scriptHits atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'; script-src 'self'")
		fmt.Fprint(w, page)
	})
	mux.HandleFunc("/gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(encoding.Encode([]byte(page), "gzip"))
	})
	mux.HandleFunc("/mislabeled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		fmt.Fprint(w, page)
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/site.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprint(w, `body{background:url(img/bg.png)}`)
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		o.scriptHits.Add(1)
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprint(w, strings.Repeat("console.log('frameproxy');\n", 20))
	})
	mux.HandleFunc("/pixel.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", fmt.Sprint(len(pixel)))
		_, _ = w.Write(pixel)
	})
	mux.HandleFunc("/untyped", func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		fmt.Fprint(w, `<!DOCTYPE html><html><head></head><body><img src="x.png"></body></html>`)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Seen-UA", r.Header.Get("User-Agent"))
		w.Header().Set("X-Seen-INM", r.Header.Get("If-None-Match"))
		fmt.Fprintf(w, "%s %s?%s %s", r.Method, r.URL.Path, r.URL.RawQuery, body)
	})
	mux.HandleFunc("/cookie", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "sid=1; Domain=origin.test; Path=/app; Secure; HttpOnly")
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "ok")
	})

	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

type setup struct {
	cache  *cache.Cache
	policy *policy.Policy
}

func newRouter(t *testing.T, s setup) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := upstream.DefaultConfig()
	cfg.Timeout = 5 * time.Second

	d := New(Options{
		Config:   DefaultConfig(),
		Upstream: upstream.New(cfg, nil),
		Cache:    s.cache,
		Policy:   s.policy,
	})

	r := gin.New()
	d.Register(r)
	return r
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.Config{TTL: time.Minute, MaxEntries: 100, MaxBytes: 1 << 20}, nil, nil)
	t.Cleanup(c.Close)
	return c
}

func do(r http.Handler, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleRewritesPage(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{})

	rec := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/"), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "frame-ancestors 'self' *; script-src * data: blob: 'unsafe-inline' 'unsafe-eval'",
		rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `<a href="`+urlcodec.Encode(o.URL+"/about")+`">`)
	assert.Equal(t, fmt.Sprint(len(body)), rec.Header().Get("Content-Length"))

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	require.NoError(t, err)
	first := doc.Find("head").Children().First()
	assert.Equal(t, "script", goquery.NodeName(first))
}

func TestHandleInvalidTarget(t *testing.T) {
	r := newRouter(t, setup{})

	for _, path := range []string{"/proxy/not-a-url", "/proxy/ftp%3A%2F%2Fexample.com%2F", "/proxy/https%3A%2F%2F%2Fpath"} {
		t.Run(path, func(t *testing.T) {
			rec := do(r, http.MethodGet, path, nil, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, "Bad Request", resp.Error)
			assert.NotEmpty(t, resp.Message)
			assert.Equal(t, path, resp.Details.RequestURL)
		})
	}
}

func TestHandleDecodesCompressedHTML(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{})

	rec := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/gz"), nil, map[string]string{"Accept-Encoding": "gzip"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Header().Get("Vary"), "Accept-Encoding")
	assert.Contains(t, rec.Body.String(), urlcodec.Encode(o.URL+"/about"))
}

func TestHandleServesMislabeledBodyAsUncompressed(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{})

	rec := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/mislabeled"), nil, map[string]string{"Accept-Encoding": "gzip"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Header().Get("Vary"), "Accept-Encoding")
	assert.Contains(t, rec.Body.String(), urlcodec.Encode(o.URL+"/about"))
	assert.Contains(t, rec.Body.String(), rewriter.MarkerAttr)
}

func TestHandleRewritesRedirect(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{})

	rec := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/old"), nil, nil)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, urlcodec.Encode(o.URL+"/new"), rec.Header().Get("Location"))
}

func TestHandleRewritesStylesheet(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{})

	rec := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/site.css"), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{background:url("+urlcodec.Encode(o.URL+"/img/bg.png")+")}", rec.Body.String())
}

func TestHandleSniffsMissingContentType(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{})

	rec := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/untyped"), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), urlcodec.Encode(o.URL+"/x.png"))
}

func TestHandleCachesStaticAssets(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{cache: newCache(t)})
	path := urlcodec.Encode(o.URL + "/app.js")

	first := do(r, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get(CacheHeader))
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	second := do(r, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get(CacheHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())

	conditional := do(r, http.MethodGet, path, nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, conditional.Code)
	assert.Empty(t, conditional.Body.Bytes())

	assert.EqualValues(t, 1, o.scriptHits.Load())

	// a different Accept-Encoding is a different variant
	gz := do(r, http.MethodGet, path, nil, map[string]string{"Accept-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, gz.Code)
	assert.Equal(t, "MISS", gz.Header().Get(CacheHeader))
	assert.Equal(t, "gzip", gz.Header().Get("Content-Encoding"))
	assert.Contains(t, gz.Header().Get("Vary"), "Accept-Encoding")

	zr, err := gzip.NewReader(bytes.NewReader(gz.Body.Bytes()))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, first.Body.String(), string(plain))
	assert.EqualValues(t, 2, o.scriptHits.Load())

	noCache := do(r, http.MethodGet, path, nil, map[string]string{"Cache-Control": "no-cache"})
	assert.Empty(t, noCache.Header().Get(CacheHeader))
	assert.EqualValues(t, 3, o.scriptHits.Load())
}

func TestHandleStreamsBinary(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{})

	rec := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/pixel.png"), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pixel, rec.Body.Bytes())
	assert.Equal(t, fmt.Sprint(len(pixel)), rec.Header().Get("Content-Length"))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestHandleForwardsBodyAndQuery(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{})

	post := do(r, http.MethodPost, urlcodec.Encode(o.URL+"/echo"), strings.NewReader("a=1"),
		map[string]string{"Content-Type": "text/plain", "User-Agent": "curl/8", "If-None-Match": `"x"`})
	require.Equal(t, http.StatusOK, post.Code)
	assert.Equal(t, "POST /echo? a=1", post.Body.String())
	assert.Contains(t, post.Header().Get("X-Seen-UA"), "Chrome/")
	assert.Empty(t, post.Header().Get("X-Seen-INM"))

	get := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/echo?page=2")+"?q=go", nil, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "GET /echo?page=2&q=go ", get.Body.String())
}

func TestHandleRewritesCookies(t *testing.T) {
	o := newOrigin(t)
	r := newRouter(t, setup{})

	rec := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/cookie"), nil, nil)

	assert.Equal(t, "sid=1; Path=/; HttpOnly", rec.Header().Get("Set-Cookie"))
}

func TestHandleDeniedHost(t *testing.T) {
	o := newOrigin(t)
	pol, err := policy.New(nil, []string{"127.0.0.1"})
	require.NoError(t, err)
	r := newRouter(t, setup{policy: pol})

	rec := do(r, http.MethodGet, urlcodec.Encode(o.URL+"/"), nil, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "Forbidden", resp.Error)
	assert.Equal(t, o.URL+"/", resp.Details.TargetURL)
}

func TestHandleOriginRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := "http://" + ln.Addr().String() + "/"
	require.NoError(t, ln.Close())

	r := newRouter(t, setup{})
	rec := do(r, http.MethodGet, urlcodec.Encode(dead), nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "Service Unavailable", resp.Error)
	assert.Equal(t, dead, resp.Details.TargetURL)
	assert.Equal(t, urlcodec.Encode(dead), resp.Details.RequestURL)
	assert.Empty(t, resp.Details.RequestID)
}

func TestHandleErrorCarriesRequestID(t *testing.T) {
	r := newRouter(t, setup{})
	requestID := id.NewRequestID()
	traced := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeHTTP(w, req.WithContext(tracing.WithRequestID(req.Context(), requestID)))
	})

	rec := do(traced, http.MethodGet, "/proxy/not-a-url", nil, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, requestID.String(), decodeError(t, rec).Details.RequestID)
}

type failingFetcher struct{ err error }

func (f failingFetcher) Fetch(_ context.Context, _ upstream.Request) (*upstream.Response, error) {
	return nil, f.err
}

func TestFetchErrorStatuses(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"dns", dnsErr, http.StatusNotFound},
		{"timeout", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"circuit open", upstream.ErrUnavailable, http.StatusServiceUnavailable},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			r := gin.New()
			New(Options{Upstream: failingFetcher{err: tt.err}}).Register(r)

			rec := do(r, http.MethodGet, urlcodec.Encode("https://example.com/"), nil, nil)

			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, http.StatusText(tt.status), resp.Error)
			assert.Equal(t, "https://example.com/", resp.Details.TargetURL)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, kindHTML, classify("text/html; charset=iso-8859-1"))
	assert.Equal(t, kindHTML, classify("application/xhtml+xml"))
	assert.Equal(t, kindCSS, classify("TEXT/CSS"))
	assert.Equal(t, kindOther, classify("application/javascript"))
	assert.Equal(t, kindOther, classify(""))
	assert.Equal(t, "text/html; charset=utf-8", withUTF8("text/html; charset=Shift_JIS"))
}
