package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/config"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/rewriter"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Static.Dir = t.TempDir()
	cfg.Logging.Level = "error"
	cfg.RateLimit.Enabled = false
	cfg.Proxy.FetchTimeout = 5 * time.Second
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ts
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		fmt.Fprint(w, `<html><head><script src="https://code.jquery.com/jquery-3.7.1.min.js"></script></head>`+
			`<body><a href="/docs" target="_blank">Docs</a></body></html>`)
	})
	origin := httptest.NewServer(mux)
	t.Cleanup(origin.Close)
	return origin
}

func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func TestEndToEnd(t *testing.T) {
	origin := newOrigin(t)

	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Static.Dir, "jquery"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Static.Dir, "jquery", "jquery-3.7.1.min.js"), []byte("/*local*/"), 0o644))
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte("rules:\n  - pattern: \"code.jquery.com/**\"\n    namespace: jquery\n"), 0o644))
	cfg.Static.Rules = rules

	_, ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + urlcodec.Encode(origin.URL+"/"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get(tracing.HeaderTraceID))

	html := string(body)
	assert.Contains(t, html, `href="`+urlcodec.Encode(origin.URL+"/docs")+`"`)
	assert.NotContains(t, html, `target="_blank"`)
	assert.Contains(t, html, `src="/static/jquery/jquery-3.7.1.min.js"`)
	assert.Equal(t, 2, strings.Count(html, rewriter.MarkerAttr))

	resp, err = http.Get(ts.URL + "/static/jquery/jquery-3.7.1.min.js")
	require.NoError(t, err)
	local, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "/*local*/", string(local))
}

func TestRoutes(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))
	client := &http.Client{CheckRedirect: noRedirects}

	tests := []struct {
		name       string
		method     string
		path       string
		referer    string
		wantStatus int
		check      func(t *testing.T, resp *http.Response, body string)
	}{
		{
			name:       "landing",
			method:     http.MethodGet,
			path:       "/",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, _ *http.Response, body string) {
				assert.Contains(t, body, "<form")
			},
		},
		{
			name:       "health",
			method:     http.MethodGet,
			path:       "/health",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, _ *http.Response, body string) {
				assert.Contains(t, body, `"status":"healthy"`)
			},
		},
		{
			name:       "metrics",
			method:     http.MethodGet,
			path:       "/metrics",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, _ *http.Response, body string) {
				assert.Contains(t, body, "go_goroutines")
			},
		},
		{
			name:       "options anywhere",
			method:     http.MethodOptions,
			path:       "/anything",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, resp *http.Response, _ string) {
				assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
			},
		},
		{
			name:       "malformed target",
			method:     http.MethodGet,
			path:       "/proxy/not-a-url",
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, _ *http.Response, body string) {
				assert.Contains(t, body, `"error":"Bad Request"`)
			},
		},
		{
			name:       "stray request from proxied page",
			method:     http.MethodGet,
			path:       "/img/logo.png",
			referer:    "http://localhost" + urlcodec.Encode("https://example.com/index.html"),
			wantStatus: http.StatusTemporaryRedirect,
			check: func(t *testing.T, resp *http.Response, _ string) {
				assert.Equal(t, urlcodec.Encode("https://example.com/img/logo.png"), resp.Header.Get("Location"))
			},
		},
		{
			name:       "unknown path",
			method:     http.MethodGet,
			path:       "/img/logo.png",
			wantStatus: http.StatusNotFound,
			check: func(t *testing.T, _ *http.Response, body string) {
				assert.Contains(t, body, `"path":"/img/logo.png"`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			require.NoError(t, err)
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}

			resp, err := client.Do(req)
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			tt.check(t, resp, string(body))
		})
	}
}

func TestNewServerRejectsBadConfig(t *testing.T) {
	t.Run("policy pattern", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Policy.DenyHosts = []string{"[unterminated"}

		_, err := NewServer(cfg)
		assert.Error(t, err)
	})

	t.Run("missing rule file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Static.Rules = filepath.Join(t.TempDir(), "absent.yaml")

		_, err := NewServer(cfg)
		assert.Error(t, err)
	})

	t.Run("log level", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Logging.Level = "loud"

		_, err := NewServer(cfg)
		assert.Error(t, err)
	})
}

func TestRunAndShutdown(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- srv.Run()
	}()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
