package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/italolelis/geoip_updater/internal/logctx"
)

const (
	DefaultUserAgent = "geoip_updater/dev"

	// errorBodyLimit bounds how much of a failed response is read for its message.
	errorBodyLimit = 4 << 10
)

// Outcomes reported to an Observer for every attempt.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeFatal     = "fatal"
	OutcomeRejected  = "rejected"
)

// Observer receives one call per HTTP attempt.
type Observer interface {
	ObserveAttempt(ctx context.Context, operation, outcome string)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds the transport settings shared by every request of a run.
type Config struct {
	// MaxRetries is the total number of attempts per request, at least 1.
	MaxRetries int
	// Timeout bounds a single attempt, including reading the body.
	Timeout   time.Duration
	UserAgent string
	Insecure  bool
	Jitter    bool
}

// Option customises a Client.
type Option func(*Client)

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithObserver registers a per-attempt observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithTransportWrapper wraps the underlying RoundTripper, e.g. for tracing.
func WithTransportWrapper(wrap func(http.RoundTripper) http.RoundTripper) Option {
	return func(c *Client) { c.wrap = wrap }
}

// WithBackoff replaces the retry schedule.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithBaseTransport replaces the default TLS transport.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

// Client performs HTTP requests under the retry policy.
type Client struct {
	httpClient *http.Client
	maxRetries int
	userAgent  string
	backoff    Backoff
	sleep      SleepFunc
	observer   Observer
	wrap       func(http.RoundTripper) http.RoundTripper
	base       http.RoundTripper
}

// Response is a successful response plus the number of attempts it took.
type Response struct {
	*http.Response
	Attempts int
}

// New builds a Client from cfg.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		maxRetries: cfg.MaxRetries,
		userAgent:  cfg.UserAgent,
		backoff:    NewBackoff(cfg.Jitter),
		sleep:      Sleep,
	}

	if c.maxRetries < 1 {
		c.maxRetries = 1
	}

	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}

	for _, opt := range opts {
		opt(c)
	}

	rt := c.base
	if rt == nil {
		rt = newTransport(cfg.Insecure)
	}

	if c.wrap != nil {
		rt = c.wrap(rt)
	}

	c.httpClient = &http.Client{Transport: rt, Timeout: cfg.Timeout}

	return c
}

func newTransport(insecure bool) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // opt-in via --no-ssl-verify
	}

	return t
}

// Sleep waits for d unless ctx is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do sends req until it succeeds, fails fatally or runs out of attempts.
//
// 2xx responses are returned with their body open. 401 and 403 yield an
// AuthenticationError, other 4xx a StatusError, both without retrying.
// 429, 5xx and transport errors are retried; 429 honours Retry-After.
// A request with a body must set GetBody so each attempt can replay it.
func (c *Client) Do(ctx context.Context, operation string, req *http.Request) (*Response, error) {
	logger := logctx.LoggerFromContext(ctx).With("operation", operation, "url", req.URL.Redacted())

	var (
		lastErr error
		delay   time.Duration
	)

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			logger.InfoContext(ctx, "retrying request", "attempt", attempt, "max_attempts", c.maxRetries, "delay", delay)

			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s cancelled while waiting to retry: %w", operation, err)
			}
		}

		r, err := c.prepare(ctx, req)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
			}

			c.observe(ctx, operation, OutcomeRetryable)
			logger.WarnContext(ctx, "request failed", "attempt", attempt, "err", err)

			lastErr = &NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
			delay = c.backoff.Delay(attempt)

			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.observe(ctx, operation, OutcomeSuccess)

			return &Response{Response: resp, Attempts: attempt}, nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drain(resp)
			c.observe(ctx, operation, OutcomeFatal)

			return nil, &AuthenticationError{Operation: operation, StatusCode: resp.StatusCode, Attempt: attempt}

		case resp.StatusCode == http.StatusTooManyRequests:
			msg := readMessage(resp)
			c.observe(ctx, operation, OutcomeRetryable)

			delay = c.backoff.Delay(attempt)
			if d, ok := RetryAfter(resp.Header, time.Now()); ok {
				delay = d
			}

			logger.WarnContext(ctx, "rate limited", "attempt", attempt, "retry_after", delay)

			lastErr = &NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: msg}

		case resp.StatusCode >= 500:
			msg := readMessage(resp)
			c.observe(ctx, operation, OutcomeRetryable)
			logger.WarnContext(ctx, "server error", "attempt", attempt, "status", resp.StatusCode)

			lastErr = &NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: msg}
			delay = c.backoff.Delay(attempt)

		default:
			msg := readMessage(resp)
			c.observe(ctx, operation, OutcomeRejected)

			return nil, &StatusError{Operation: operation, StatusCode: resp.StatusCode, Message: msg, Attempt: attempt}
		}
	}

	return nil, &ExhaustedError{Operation: operation, Attempts: c.maxRetries, Err: lastErr}
}

func (c *Client) prepare(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)

	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errors.New("request body cannot be replayed: GetBody is nil")
		}

		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}

		r.Body = body
	}

	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", c.userAgent)
	}

	return r, nil
}

func (c *Client) observe(ctx context.Context, operation, outcome string) {
	if c.observer != nil {
		c.observer.ObserveAttempt(ctx, operation, outcome)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
	_ = resp.Body.Close()
}

// readMessage consumes and closes the body, returning the server's "detail"
// field when the body is JSON and a trimmed excerpt otherwise.
func readMessage(resp *http.Response) string {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if err != nil || len(body) == 0 {
		return resp.Status
	}

	return DetailMessage(body)
}

// DetailMessage extracts the "detail" (or "error") field of a JSON error
// document, falling back to the raw text.
func DetailMessage(body []byte) string {
	var doc struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}

	if err := json.Unmarshal(body, &doc); err == nil {
		switch d := doc.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}

		if doc.Error != "" {
			return doc.Error
		}
	}

	return strings.TrimSpace(string(bytes.ToValidUTF8(body, nil)))
}
