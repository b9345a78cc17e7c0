// Package dispatcher is the /proxy/*target handler. It drives one request
// through the pipeline:
//
//	validate -> policy -> cache lookup -> fetch -> decode -> rewrite ->
//	sanitize -> encode -> cache store -> respond
//
// Bodies that need no rewriting and are not cacheable stream straight
// through; HTML, CSS and cacheable assets are buffered up to MaxBodyBytes.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/logging"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/cache"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/encoding"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/headers"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/policy"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/rewriter"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/upstream"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
	"github.com/GriffinCanCode/FrameProxy/internal/shared/utils"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CacheHeader reports HIT or MISS on cacheable requests
const CacheHeader = "X-Cache"

// Pipeline stages, used as metric labels
const (
	StageValidate   = "validate"
	StageCache      = "cache_lookup"
	StageFetch      = "fetch"
	StageDecode     = "decode"
	StageRewrite    = "rewrite"
	StageEncode     = "encode"
	StageCacheStore = "cache_store"
)

// Fetcher performs origin requests. *upstream.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Config tunes the pipeline
type Config struct {
	// MaxBodyBytes caps buffered request and response bodies
	MaxBodyBytes int64
	// DropCSP removes Content-Security-Policy instead of rewriting it
	DropCSP     bool
	CacheTTL    time.Duration
	Fingerprint headers.Fingerprint
}

// DefaultConfig returns a 50 MiB body cap and the default fingerprint
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: encoding.DefaultMaxBytes,
		CacheTTL:     time.Hour,
		Fingerprint:  headers.DefaultFingerprint(),
	}
}

// Options wires a Dispatcher. Cache and Metrics may be nil; a nil Policy
// admits every host.
type Options struct {
	Config   Config
	Upstream Fetcher
	Cache    *cache.Cache
	Policy   *policy.Policy
	Rewriter *rewriter.Rewriter
	Metrics  *monitoring.Metrics
	Log      *zap.Logger
}

// Dispatcher serves proxied requests
type Dispatcher struct {
	cfg      Config
	upstream Fetcher
	cache    *cache.Cache
	policy   *policy.Policy
	rewriter *rewriter.Rewriter
	decoder  *encoding.Decoder
	hasher   *utils.Hasher
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// New creates a dispatcher
func New(opts Options) *Dispatcher {
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = encoding.DefaultMaxBytes
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Fingerprint.UserAgent == "" {
		cfg.Fingerprint = headers.DefaultFingerprint()
	}

	log := opts.Log
	log = logging.OrNop(log)
	pol := opts.Policy
	if pol == nil {
		pol = policy.AllowAll()
	}
	rw := opts.Rewriter
	if rw == nil {
		rw = rewriter.New(rewriter.Options{Log: log})
	}

	decoder := encoding.NewDecoder(cfg.MaxBodyBytes, log)
	if opts.Metrics != nil {
		metrics := opts.Metrics
		decoder.OnFailure = func(kind encoding.Kind) {
			metrics.RecordDecodeFailure(string(kind))
		}
	}

	return &Dispatcher{
		cfg:      cfg,
		upstream: opts.Upstream,
		cache:    opts.Cache,
		policy:   pol,
		rewriter: rw,
		decoder:  decoder,
		hasher:   utils.DefaultHasher(),
		metrics:  opts.Metrics,
		log:      log,
	}
}

// Register mounts the handler on every method under /proxy/
func (d *Dispatcher) Register(r gin.IRoutes) {
	r.Any(urlcodec.Prefix+"*target", d.Handle)
}

// Handle proxies one request
func (d *Dispatcher) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	log := d.log.With(zap.String("trace_id", string(tracing.GetTraceID(ctx))))

	timer := monitoring.NewTimer(d.metrics, StageValidate)
	target, err := d.resolveTarget(c.Request)
	timer.Stop()
	if err != nil {
		log.Debug("rejected target", zap.String("path", c.Request.URL.Path), zap.Error(err))
		d.fail(c, http.StatusBadRequest, "Invalid target URL: "+err.Error(), "")
		return
	}
	targetURL := target.String()

	if err := d.policy.Check(target.Host); err != nil {
		log.Info("target host denied", zap.String("host", target.Host))
		d.fail(c, http.StatusForbidden, "Target host is not allowed", targetURL)
		return
	}

	acceptEncoding := c.GetHeader("Accept-Encoding")
	cacheable := d.cache != nil && cache.Eligible(c.Request.Method, target.Path, c.Request.Header, "")

	var key cache.Key
	if cacheable {
		timer = monitoring.NewTimer(d.metrics, StageCache)
		key = cache.KeyOf(targetURL, acceptEncoding)
		entry, hit := d.cache.Get(key)
		timer.Stop()
		if hit {
			log.Debug("cache hit", zap.String("target", targetURL))
			d.serveCached(c, entry)
			return
		}
		c.Header(CacheHeader, "MISS")
	}

	reqBody, err := d.readRequestBody(c.Request)
	if err != nil {
		d.fail(c, http.StatusRequestEntityTooLarge, "Request body exceeds limit", targetURL)
		return
	}

	timer = monitoring.NewTimer(d.metrics, StageFetch)
	resp, err := d.upstream.Fetch(ctx, upstream.Request{
		Method: c.Request.Method,
		URL:    target.URL,
		Header: headers.PrepareOutbound(c.Request.Header, target.URL, d.cfg.Fingerprint),
		Body:   reqBody,
	})
	elapsed := timer.Stop()
	if err != nil {
		d.fetchFailed(c, log, err, targetURL)
		return
	}
	defer resp.Body.Close()

	log.Debug("origin responded",
		zap.String("target", targetURL),
		zap.Int("status", resp.Status),
		zap.Duration("elapsed", elapsed),
	)

	contentType := resp.Header.Get("Content-Type")
	kind := classify(contentType)
	storable := cacheable && cache.Storable(resp.Status, resp.Header) &&
		cache.Eligible(c.Request.Method, target.Path, c.Request.Header, contentType)

	if kind == kindOther && !storable && contentType != "" {
		d.stream(c, resp, target)
		return
	}

	raw, complete, err := readLimited(resp.Body, d.cfg.MaxBodyBytes)
	if err != nil {
		d.fetchFailed(c, log, err, targetURL)
		return
	}
	if !complete {
		log.Warn("origin body exceeds limit, streaming unmodified",
			zap.String("target", targetURL),
			zap.Int64("limit", d.cfg.MaxBodyBytes),
		)
		d.streamPrefixed(c, resp, raw, target)
		return
	}

	d.respond(c, log, resp, raw, target, respondOptions{
		storable:       storable,
		key:            key,
		acceptEncoding: acceptEncoding,
	})
}

type respondOptions struct {
	storable       bool
	key            cache.Key
	acceptEncoding string
}

func (d *Dispatcher) respond(c *gin.Context, log *zap.Logger, resp *upstream.Response, raw []byte, target *urlcodec.Target, opts respondOptions) {
	contentEncoding := resp.Header.Get("Content-Encoding")

	timer := monitoring.NewTimer(d.metrics, StageDecode)
	body, decoded := d.decoder.Decode(raw, contentEncoding)
	timer.Stop()
	identity := decoded.Plain()

	contentType := resp.Header.Get("Content-Type")
	sniffed := false
	if contentType == "" && identity && len(body) > 0 {
		contentType = mimetype.Detect(body).String()
		sniffed = true
	}
	kind := classify(contentType)

	if identity && len(body) > 0 {
		timer = monitoring.NewTimer(d.metrics, StageRewrite)
		switch kind {
		case kindHTML:
			if out, ok := d.rewriter.Rewrite(body, contentType, target.URL); ok {
				body = out
				contentType = withUTF8(contentType)
			}
		case kindCSS:
			body = d.rewriter.RewriteStylesheet(body, target.URL)
		}
		timer.Stop()
	}

	h := headers.Sanitize(resp.Header, headers.Options{
		DropCSP:     d.cfg.DropCSP,
		Decoded:     decoded.Stripped(),
		Base:        target.URL,
		SecureProxy: c.Request.TLS != nil,
	})
	if contentType != "" && (sniffed || kind == kindHTML) {
		h.Set("Content-Type", contentType)
	}

	// identity bodies of compressible static types are re-encoded for
	// the client; HTML stays identity
	if identity && kind != kindHTML && opts.storable && encoding.Compressible(contentType) {
		if enc := encoding.Negotiate(opts.acceptEncoding); enc != encoding.None {
			timer = monitoring.NewTimer(d.metrics, StageEncode)
			body = encoding.Encode(body, string(enc))
			timer.Stop()
			h.Set("Content-Encoding", string(enc))
			headers.AddVary(h, "Accept-Encoding")
		}
	}

	if opts.storable {
		timer = monitoring.NewTimer(d.metrics, StageCacheStore)
		etag := resp.Header.Get("ETag")
		if etag == "" {
			etag = d.hasher.StrongETag(body)
			h.Set("ETag", etag)
		}
		d.cache.PutTTL(opts.key, cache.Entry{
			Status: resp.Status,
			Body:   body,
			Header: h.Clone(),
			ETag:   etag,
		}, d.cfg.CacheTTL)
		timer.Stop()
		log.Debug("cached response", zap.String("target", target.String()), zap.Int("bytes", len(body)))
	}

	writeHeader(c, h)
	c.Header("Content-Length", strconv.Itoa(len(body)))
	c.Status(resp.Status)
	if c.Request.Method != http.MethodHead && bodyAllowed(resp.Status) {
		_, _ = c.Writer.Write(body)
	}
}

func (d *Dispatcher) serveCached(c *gin.Context, entry cache.Entry) {
	writeHeader(c, entry.Header)
	c.Header(CacheHeader, "HIT")

	if cache.NotModified(c.GetHeader("If-None-Match"), entry.ETag) {
		c.Writer.Header().Del("Content-Length")
		c.Status(http.StatusNotModified)
		c.Writer.WriteHeaderNow()
		return
	}

	c.Header("Content-Length", strconv.Itoa(len(entry.Body)))
	c.Status(entry.Status)
	_, _ = c.Writer.Write(entry.Body)
}

// stream copies an unmodified origin body to the client
func (d *Dispatcher) stream(c *gin.Context, resp *upstream.Response, base *urlcodec.Target) {
	d.streamPrefixed(c, resp, nil, base)
}

func (d *Dispatcher) streamPrefixed(c *gin.Context, resp *upstream.Response, prefix []byte, base *urlcodec.Target) {
	h := headers.Sanitize(resp.Header, headers.Options{
		DropCSP:     d.cfg.DropCSP,
		Base:        base.URL,
		SecureProxy: c.Request.TLS != nil,
	})
	// the body is untouched, so the origin length still holds
	if n := resp.Header.Get("Content-Length"); n != "" {
		h.Set("Content-Length", n)
	}

	writeHeader(c, h)
	c.Status(resp.Status)
	if c.Request.Method == http.MethodHead || !bodyAllowed(resp.Status) {
		c.Writer.WriteHeaderNow()
		return
	}

	body := io.MultiReader(bytes.NewReader(prefix), resp.Body)
	if _, err := io.Copy(c.Writer, body); err != nil {
		d.log.Debug("stream interrupted", zap.String("target", base.String()), zap.Error(err))
	}
}

func (d *Dispatcher) fetchFailed(c *gin.Context, log *zap.Logger, err error, targetURL string) {
	err = upstream.Classify(err)
	class := upstream.Class(err)
	if d.metrics != nil {
		d.metrics.RecordUpstreamError(class)
	}

	status, message := http.StatusInternalServerError, "Failed to fetch target"
	switch {
	case errors.Is(err, upstream.ErrDNS):
		status, message = http.StatusNotFound, "Target host could not be resolved"
	case errors.Is(err, upstream.ErrRefused):
		status, message = http.StatusServiceUnavailable, "Target refused the connection"
	case errors.Is(err, upstream.ErrTimeout):
		status, message = http.StatusServiceUnavailable, "Target did not respond in time"
	case errors.Is(err, upstream.ErrUnavailable):
		status, message = http.StatusServiceUnavailable, "Target is temporarily unavailable"
	}

	log.Warn("origin fetch failed",
		zap.String("target", targetURL),
		zap.String("class", class),
		zap.Int("status", status),
		zap.Error(err),
	)
	d.fail(c, status, message, targetURL)
}

// ErrorResponse is the JSON body of every pipeline error
type ErrorResponse struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Details ErrorDetails `json:"details"`
}

// ErrorDetails identifies the failed request
type ErrorDetails struct {
	RequestURL string `json:"requestUrl"`
	TargetURL  string `json:"targetUrl,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

func (d *Dispatcher) fail(c *gin.Context, status int, message, targetURL string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Details: ErrorDetails{
			RequestURL: c.Request.URL.String(),
			TargetURL:  targetURL,
			RequestID:  tracing.GetRequestID(c.Request.Context()).String(),
		},
	})
}

// resolveTarget decodes the target from the escaped request path so
// encoded separators survive, then appends any query the browser added
// outside the encoded segment (GET form submissions).
func (d *Dispatcher) resolveTarget(r *http.Request) (*urlcodec.Target, error) {
	escaped := r.URL.EscapedPath()
	i := strings.Index(escaped, urlcodec.Prefix)
	if i < 0 {
		return nil, urlcodec.ErrInvalidURL
	}
	target, err := urlcodec.Parse(escaped[i:])
	if err != nil {
		return nil, err
	}
	return target.WithQuery(r.URL.RawQuery), nil
}

func (d *Dispatcher) readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, complete, err := readLimited(r.Body, d.cfg.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, errBodyTooLarge
	}
	return body, nil
}

var errBodyTooLarge = errors.New("body exceeds limit")

// readLimited reads at most limit bytes. complete is false when more data
// remains; the bytes read so far are still returned.
func readLimited(r io.Reader, limit int64) (body []byte, complete bool, err error) {
	body, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body, false, nil
	}
	return body, true, nil
}

type contentKind int

const (
	kindOther contentKind = iota
	kindHTML
	kindCSS
)

func classify(contentType string) contentKind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mt == "text/html", mt == "application/xhtml+xml":
		return kindHTML
	case mt == "text/css":
		return kindCSS
	default:
		return kindOther
	}
}

// withUTF8 sets the charset parameter of an HTML content type to utf-8
func withUTF8(contentType string) string {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "text/html; charset=utf-8"
	}
	params["charset"] = "utf-8"
	return mime.FormatMediaType(mt, params)
}

func writeHeader(c *gin.Context, h http.Header) {
	dst := c.Writer.Header()
	for k, vs := range h {
		dst[k] = append([]string(nil), vs...)
	}
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}
