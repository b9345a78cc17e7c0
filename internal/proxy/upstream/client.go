// Package upstream fetches origin resources on behalf of the proxy.
//
// Every fetch passes a per-host circuit breaker and an optional global rate
// limiter, never follows redirects (the dispatcher rewrites Location
// instead), and returns transport failures wrapped in one of the sentinel
// errors below so callers can map them to HTTP statuses with errors.Is.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/logging"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/tracing"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrDNS means the origin hostname did not resolve
	ErrDNS = errors.New("origin host not found")
	// ErrRefused means the origin actively refused the connection
	ErrRefused = errors.New("origin refused connection")
	// ErrTimeout means the origin did not answer in time
	ErrTimeout = errors.New("origin timed out")
	// ErrUnavailable means the fetch was not attempted (breaker open or
	// rate limited)
	ErrUnavailable = errors.New("origin temporarily unavailable")
	// ErrFailed covers every other transport failure
	ErrFailed = errors.New("origin fetch failed")
)

// Config configures the upstream client
type Config struct {
	Timeout    time.Duration
	RetryCount int
	// RPS limits outbound requests per second across all hosts; 0 disables
	RPS     float64
	Breaker resilience.Settings
}

// DefaultConfig returns a 30s timeout, no retries and no rate limit
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Breaker: resilience.Settings{
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// Request is an outbound fetch
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Response is an origin response. Body must be closed by the caller.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Client performs origin fetches
type Client struct {
	resty    *resty.Client
	limiter  *rate.Limiter
	breakers *resilience.Group
	log      *zap.Logger
}

// New creates an upstream client on a pooled transport
func New(cfg Config, log *zap.Logger) *Client {
	log = logging.OrNop(log)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	// retryablehttp's pooled transport; retries are driven by resty so the
	// request body can be replayed from bytes
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	r := resty.New().
		SetTransport(retryClient.HTTPClient.Transport).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetLogger(log.Sugar())

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	settings := cfg.Breaker
	if settings.IsSuccessful == nil {
		// a client that hung up says nothing about the origin's health
		settings.IsSuccessful = func(err error) bool {
			return errors.Is(err, context.Canceled)
		}
	}

	return &Client{
		resty:    r,
		limiter:  limiter,
		breakers: resilience.NewGroup(settings),
		log:      log,
	}
}

// Breakers exposes the per-host breaker group for health reporting
func (c *Client) Breakers() *resilience.Group {
	return c.breakers
}

// Fetch performs req. The returned error wraps ErrDNS, ErrRefused,
// ErrTimeout, ErrUnavailable or ErrFailed.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit: %w", ErrUnavailable, err)
	}

	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	tracing.InjectTraceContext(ctx, header)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var resp *resty.Response
	err := c.breakers.Do(req.URL.Host, func() error {
		r := c.resty.R().
			SetContext(ctx).
			SetDoNotParseResponse(true)
		r.Header = header
		if len(req.Body) > 0 {
			r.SetBody(bytes.NewReader(req.Body))
		}

		var err error
		resp, err = r.Execute(method, req.URL.String())
		if err != nil && resp != nil && resp.RawBody() != nil {
			resp.RawBody().Close()
		}
		return err
	})
	if err != nil {
		classified := Classify(err)
		c.log.Debug("origin fetch failed",
			zap.String("host", req.URL.Host),
			zap.String("class", Class(classified)),
			zap.Error(err),
		)
		return nil, classified
	}

	return &Response{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   resp.RawBody(),
	}, nil
}

// Classify wraps a transport error in the matching sentinel
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrDNS, ErrRefused, ErrTimeout, ErrUnavailable, ErrFailed} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.As(err, &dnsErr):
		return fmt.Errorf("%w: %w", ErrDNS, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrRefused, err)
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrFailed, err)
	}
}

// Class names the failure class of a classified error for metrics and logs
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDNS):
		return "dns"
	case errors.Is(err, ErrRefused):
		return "refused"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
