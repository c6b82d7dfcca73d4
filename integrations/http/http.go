// Package http is the reference transport for attribution polling. It sends
// one conversion ping per attempt to the attribution endpoint and reports
// failures as classify.TransportError values.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aponysus/attribution/classify"
	"github.com/aponysus/attribution/poll"
)

const (
	DefaultEndpoint = "https://www.googleadservices.com/pagead/conversion/app/1.0"

	// DefaultMaxBodyBytes bounds how much of a response is read.
	DefaultMaxBodyBytes = 1 << 20

	contentType = "application/json; charset=utf-8"
)

// Transport performs attribution attempts over HTTP. It is safe for concurrent
// use by many poll sessions.
type Transport struct {
	endpoint     *url.URL
	devToken     string
	linkID       string
	client       *http.Client
	limiter      *rate.Limiter
	maxBodyBytes int64
	logger       zerolog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithClient replaces the pooled default client.
func WithClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithRateLimit paces requests to r per second with the given burst.
// A non-positive r disables limiting.
func WithRateLimit(r float64, burst int) Option {
	return func(t *Transport) {
		if r <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithLimiter shares an existing limiter, e.g. between transports.
func WithLimiter(l *rate.Limiter) Option {
	return func(t *Transport) { t.limiter = l }
}

// WithMaxBodyBytes bounds the response body read per attempt.
func WithMaxBodyBytes(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxBodyBytes = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a Transport for endpoint. An empty endpoint selects
// DefaultEndpoint. devToken and linkID are used for requests that do not
// carry their own.
func New(endpoint, devToken, linkID string, opts ...Option) (*Transport, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("attribution: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("attribution: endpoint scheme must be http or https, got %q", u.Scheme)
	}

	t := &Transport{
		endpoint:     u,
		devToken:     devToken,
		linkID:       linkID,
		client:       cleanhttp.DefaultPooledClient(),
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// FormatTimestamp renders ts as seconds with six decimal places.
func FormatTimestamp(ts time.Time) string {
	return fmt.Sprintf("%d.%06d", ts.Unix(), ts.Nanosecond()/1000)
}

// URL builds the request URL for one attempt.
func (t *Transport) URL(p poll.AttemptParams) string {
	req := p.Request
	devToken := req.DevToken
	if devToken == "" {
		devToken = t.devToken
	}
	linkID := req.LinkID
	if linkID == "" {
		linkID = t.linkID
	}

	q := t.endpoint.Query()
	q.Set("dev_token", devToken)
	q.Set("link_id", linkID)
	q.Set("app_event_type", req.EventType())
	q.Set("rdid", req.DeviceID)
	q.Set("id_type", req.IdentifierType())
	q.Set("lat", req.LATFlag())
	q.Set("app_version", req.AppVersion)
	q.Set("os_version", req.OSVersion)
	q.Set("sdk_version", req.SDKVersion)
	q.Set("timestamp", FormatTimestamp(p.Timestamp))

	u := *t.endpoint
	u.RawQuery = q.Encode()
	return u.String()
}

// Attempt performs one round trip. It satisfies poll.AttemptFunc.
func (t *Transport) Attempt(ctx context.Context, p poll.AttemptParams) ([]byte, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: classify.KindTimeout, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL(p), http.NoBody)
	if err != nil {
		return nil, &Error{Kind: classify.KindOther, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = 0

	resp, err := t.client.Do(req)
	if err != nil {
		kind, _ := classify.KindOf(err)
		t.logger.Debug().Err(err).Int("attempt", p.Attempt).Str("kind", kind.String()).Msg("attribution request failed")
		return nil, &Error{Kind: kind, Method: req.Method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes))
	if err != nil {
		kind, _ := classify.KindOf(err)
		return nil, &Error{Kind: kind, Code: resp.StatusCode, Method: req.Method, Err: err}
	}

	t.logger.Debug().Int("attempt", p.Attempt).Int("status", resp.StatusCode).Int("bytes", len(body)).Msg("attribution response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Kind:   classify.KindClientError,
			Code:   resp.StatusCode,
			Method: req.Method,
			Header: resp.Header,
			Body:   body,
		}
	}
	return body, nil
}

// Error implements classify.TransportError.
type Error struct {
	Kind   classify.TransportKind
	Code   int
	Method string
	Header http.Header
	Body   []byte
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "attribution: " + e.Kind.String() + ": " + e.Err.Error()
	}
	return "attribution: http status " + strconv.Itoa(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) TransportKind() classify.TransportKind { return e.Kind }
func (e *Error) HTTPStatusCode() int                   { return e.Code }
func (e *Error) ResponseBody() []byte                  { return e.Body }

// RetryAfter reports the server's Retry-After hint, if any.
func (e *Error) RetryAfter() (time.Duration, bool) {
	if e.Header == nil {
		return 0, false
	}
	s := e.Header.Get("Retry-After")
	if s == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}

	if t, err := http.ParseTime(s); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}

	return 0, false
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == classify.KindTimeout
}
