// Package http serves everything outside the proxy route: the landing page,
// health and metrics, static assets and the stray-request fallback.
package http

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GriffinCanCode/FrameProxy/internal/api/middleware"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/logging"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/cache"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/rewriter"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Options wires Handlers. Cache, Breakers and Metrics may be nil.
type Options struct {
	Cache    *cache.Cache
	Breakers *resilience.Group
	Metrics  *monitoring.Metrics
	Log      *zap.Logger

	StaticDir    string
	OperatorUser string
	OperatorHash string
}

// Handlers contains the non-proxy HTTP handlers
type Handlers struct {
	cache    *cache.Cache
	breakers *resilience.Group
	metrics  *monitoring.Metrics
	log      *zap.Logger

	staticDir    string
	operatorUser string
	operatorHash string
	started      time.Time
}

// NewHandlers creates a handler set
func NewHandlers(opts Options) *Handlers {
	log := opts.Log
	log = logging.OrNop(log)
	return &Handlers{
		cache:        opts.Cache,
		breakers:     opts.Breakers,
		metrics:      opts.Metrics,
		log:          log,
		staticDir:    opts.StaticDir,
		operatorUser: opts.OperatorUser,
		operatorHash: opts.OperatorHash,
		started:      time.Now(),
	}
}

// Register mounts the handlers on r. The proxy route is registered
// separately by the dispatcher.
func (h *Handlers) Register(r *gin.Engine) {
	r.SetHTMLTemplate(landingTemplate)

	r.GET("/", h.Landing)
	r.GET("/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics",
			middleware.OperatorAuth(h.operatorUser, h.operatorHash),
			gin.WrapH(h.metrics.Handler()))
	}
	if h.staticDir != "" {
		r.Static(strings.TrimSuffix(rewriter.StaticPrefix, "/"), h.staticDir)
	}
	r.NoRoute(h.NotFound)
}

// Landing renders the URL form. A url query parameter redirects straight
// into the proxy.
func (h *Handlers) Landing(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("url"))
	if raw == "" {
		c.HTML(http.StatusOK, "landing", gin.H{"Prefix": urlcodec.Prefix})
		return
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		c.HTML(http.StatusBadRequest, "landing", gin.H{
			"Prefix": urlcodec.Prefix,
			"Error":  "Enter an http or https URL",
			"Value":  c.Query("url"),
		})
		return
	}
	c.Redirect(http.StatusFound, urlcodec.Encode(u.String()))
}

// NotFound catches absolute-path requests a proxied page made without going
// through the proxy. When the Referer names a proxied page the request is
// redirected to the same path on that page's origin.
func (h *Handlers) NotFound(c *gin.Context) {
	if to, ok := urlcodec.FromReferer(c.Request.Referer(), c.Request.URL.Path, c.Request.URL.RawQuery); ok {
		h.log.Debug("redirecting stray request",
			zap.String("path", c.Request.URL.Path),
			zap.String("location", to))
		c.Redirect(http.StatusTemporaryRedirect, to)
		return
	}

	c.JSON(http.StatusNotFound, gin.H{
		"error":   "Not Found",
		"message": "no route for this path; proxy requests look like " + urlcodec.Prefix + "<url>",
		"path":    c.Request.URL.Path,
	})
}
