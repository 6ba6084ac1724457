package tsa

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/audit"
)

// Encoding selects the request and response handling.
type Encoding string

const (
	// EncodingRFC3161 sends a TimeStampReq with certReq set and accepts
	// only granted responses whose token matches the request.
	EncodingRFC3161 Encoding = "rfc3161"

	// EncodingLegacy sends a minimal TimeStampReq and keeps any non-empty
	// 200 body as an opaque token.
	EncodingLegacy Encoding = "legacy"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	maxResponseSize = 1 << 20
)

// Config holds client settings.
type Config struct {
	Authorities    []Authority
	AttemptTimeout time.Duration
	Attempts       int
	Backoff        time.Duration
	Encoding       Encoding
	UserAgent      string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Authorities:    DefaultAuthorities(),
		AttemptTimeout: 10 * time.Second,
		Attempts:       2,
		Backoff:        time.Second,
		Encoding:       EncodingRFC3161,
		UserAgent:      "qsign-tsa-client/1.0",
	}
}

// WorstCase returns how long GetTimestamp can run when every attempt
// against every authority times out. Zero-valued settings take their
// defaults, as in NewClient.
func (c Config) WorstCase() time.Duration {
	def := DefaultConfig()
	timeout, attempts, backoff := c.AttemptTimeout, c.Attempts, c.Backoff
	if timeout <= 0 {
		timeout = def.AttemptTimeout
	}
	if attempts <= 0 {
		attempts = def.Attempts
	}
	if backoff < 0 {
		backoff = 0
	}
	authorities := c.Authorities
	if authorities == nil {
		authorities = def.Authorities
	}

	per := time.Duration(attempts) * timeout
	for try := 2; try <= attempts; try++ {
		per += backoff * time.Duration(try-1)
	}
	return time.Duration(len(authorities)) * per
}

// Recorder receives client metrics.
type Recorder interface {
	TSAAttempt(authority string, ok bool, d time.Duration)
	TSAProbe(authority string, alive bool)
}

type nopRecorder struct{}

func (nopRecorder) TSAAttempt(string, bool, time.Duration) {}
func (nopRecorder) TSAProbe(string, bool)                  {}

// Attempt records one HTTP exchange with an authority.
type Attempt struct {
	Authority  string        `json:"authority"`
	Try        int           `json:"try"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Outcome is the result of GetTimestamp.
type Outcome struct {
	Success    bool
	Token      []byte
	Error      string
	Authority  string
	StatusCode int
	GenTime    time.Time
	Attempts   []Attempt
}

// Client obtains timestamp tokens. Authorities are tried strictly in
// order, one request at a time.
type Client struct {
	cfg   Config
	http  *http.Client
	log   *zap.Logger
	rec   Recorder
	audit audit.Writer

	mu          sync.RWMutex
	authorities []Authority
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Per-attempt timeouts are
// applied through the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log.Named("tsa")
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.rec = r
		}
	}
}

// WithAudit sets the audit writer.
func WithAudit(w audit.Writer) Option {
	return func(c *Client) { c.audit = audit.OrNop(w) }
}

// NewClient creates a client. Zero-valued settings take their defaults.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	def := DefaultConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.Encoding == "" {
		cfg.Encoding = def.Encoding
	}
	if cfg.Encoding != EncodingRFC3161 && cfg.Encoding != EncodingLegacy {
		return nil, NewError("config", fmt.Errorf("unknown encoding %q", cfg.Encoding))
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Authorities == nil {
		cfg.Authorities = def.Authorities
	}

	c := &Client{
		cfg:   cfg,
		http:  &http.Client{},
		log:   zap.NewNop(),
		rec:   nopRecorder{},
		audit: audit.NopWriter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.SetAuthorities(cfg.Authorities); err != nil {
		return nil, err
	}
	return c, nil
}

// Encoding returns the configured encoding.
func (c *Client) Encoding() Encoding {
	return c.cfg.Encoding
}

// Authorities returns a copy of the authority list.
func (c *Client) Authorities() []Authority {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Authority(nil), c.authorities...)
}

// SetAuthorities replaces the authority list, keeping its order.
func (c *Client) SetAuthorities(list []Authority) error {
	for _, a := range list {
		if err := a.Validate(); err != nil {
			return NewError("config", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorities = append([]Authority(nil), list...)
	return nil
}

// PrependAuthority puts a first. Existing entries with the same URL are
// dropped; the others keep their order.
func (c *Client) PrependAuthority(a Authority) error {
	if err := a.Validate(); err != nil {
		return NewError("config", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]Authority, 0, len(c.authorities)+1)
	list = append(list, a)
	for _, existing := range c.authorities {
		if existing.URL != a.URL {
			list = append(list, existing)
		}
	}
	c.authorities = list
	return nil
}

// GetTimestamp requests a token for digest, computed with h. It tries
// each authority in order and stops at the first success. The returned
// outcome is never nil and lists every attempt; the error is set when no
// authority produced a token.
func (c *Client) GetTimestamp(ctx context.Context, digest []byte, h crypto.Hash) (*Outcome, error) {
	out := &Outcome{}

	nonce, err := NewNonce()
	if err != nil {
		return c.fail(out, NewError("request", err))
	}
	req, err := NewRequest(digest, h, nonce, c.cfg.Encoding == EncodingRFC3161)
	if err != nil {
		return c.fail(out, NewError("request", err))
	}
	payload, err := req.Marshal()
	if err != nil {
		return c.fail(out, NewError("request", err))
	}

	authorities := c.Authorities()
	if len(authorities) == 0 {
		return c.fail(out, NewError("request", ErrNoAuthorities))
	}

	var lastErr error
	for _, a := range authorities {
		token, status, err := c.tryAuthority(ctx, a, req, payload, out)
		out.StatusCode = status
		if err == nil {
			out.Success = true
			out.Token = token.Raw
			out.Authority = a.Name
			if token.Info != nil {
				out.GenTime = token.Info.GenTime
			}
			c.log.Info("timestamp obtained",
				zap.String("authority", a.Name),
				zap.Int("attempts", len(out.Attempts)),
				zap.Int("token_size", len(out.Token)))
			c.record(out, a, nil)
			return out, nil
		}
		lastErr = err
		c.log.Warn("timestamp authority failed", zap.String("authority", a.Name), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return c.fail(out, NewError("request", ctx.Err()))
	}
	return c.fail(out, NewError("request", fmt.Errorf("%w: %w", ErrAllAuthoritiesFailed, lastErr)))
}

func (c *Client) fail(out *Outcome, err error) (*Outcome, error) {
	out.Success = false
	out.Error = err.Error()
	c.record(out, Authority{}, err)
	return out, err
}

func (c *Client) record(out *Outcome, a Authority, err error) {
	event := audit.NewEvent(audit.EventTSARequest, audit.ResultOf(err == nil)).
		WithObject(audit.Object{Type: "tsa", Path: a.URL}).
		WithContext(audit.Context{
			Authority: a.Name,
			Size:      int64(len(out.Token)),
			Reason:    out.Error,
		})
	if werr := c.audit.Write(event); werr != nil {
		c.log.Error("audit write failed", zap.Error(werr))
	}
}

// tryAuthority runs the bounded attempts against one authority. It
// returns the last HTTP status observed.
func (c *Client) tryAuthority(ctx context.Context, a Authority, req *TimeStampReq, payload []byte, out *Outcome) (*Token, int, error) {
	var lastErr error
	status := 0
	for try := 1; try <= c.cfg.Attempts; try++ {
		if try > 1 {
			if err := sleepCtx(ctx, c.cfg.Backoff*time.Duration(try-1)); err != nil {
				return nil, status, err
			}
		}

		start := time.Now()
		body, code, err := c.post(ctx, a, payload)
		var token *Token
		if err == nil {
			token, err = c.decode(body, req)
		}
		d := time.Since(start)
		status = code

		attempt := Attempt{Authority: a.Name, Try: try, StatusCode: code, Duration: d}
		if err != nil {
			attempt.Error = err.Error()
		}
		out.Attempts = append(out.Attempts, attempt)
		c.rec.TSAAttempt(a.Name, err == nil, d)

		if err == nil {
			return token, code, nil
		}
		lastErr = fmt.Errorf("%s: %w", a.Name, err)
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		c.log.Debug("retrying timestamp authority", zap.String("authority", a.Name), zap.Int("try", try), zap.Error(err))
	}
	return nil, status, lastErr
}

// post sends one request bounded by the attempt timeout.
func (c *Client) post(ctx context.Context, a Authority, payload []byte) ([]byte, int, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(actx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	hreq.Header.Set("Content-Type", contentTypeQuery)
	hreq.Header.Set("Accept", contentTypeReply)
	hreq.Header.Set("User-Agent", c.cfg.UserAgent)
	if a.RequiresAuth {
		hreq.SetBasicAuth(a.Username, a.Password)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if len(body) == 0 {
		return nil, resp.StatusCode, ErrEmptyResponse
	}
	return body, resp.StatusCode, nil
}

// decode turns a 200 body into a token according to the encoding.
func (c *Client) decode(body []byte, req *TimeStampReq) (*Token, error) {
	if c.cfg.Encoding == EncodingLegacy {
		return &Token{Raw: body}, nil
	}

	resp, err := ParseResponse(body)
	if err != nil {
		return nil, err
	}
	if !resp.IsGranted() {
		reason := resp.FailureString()
		if reason == "" {
			reason = resp.StatusString()
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	if err := resp.Token.Matches(req); err != nil {
		return nil, err
	}
	return resp.Token, nil
}

// retryable reports whether another attempt at the same authority may
// succeed. Client errors and protocol-level refusals are final.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusMethodNotAllowed:
			return false
		}
		return true
	}
	switch {
	case errors.Is(err, ErrRejected),
		errors.Is(err, ErrInvalidResponse),
		errors.Is(err, ErrNonceMismatch),
		errors.Is(err, ErrImprintMismatch):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
