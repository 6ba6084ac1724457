package tsa

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Authority is a timestamp authority endpoint. Authorities are kept in
// priority order.
type Authority struct {
	Name         string `yaml:"name" json:"name"`
	URL          string `yaml:"url" json:"url"`
	RequiresAuth bool   `yaml:"requires_auth" json:"requires_auth"`
	Username     string `yaml:"username,omitempty" json:"-"`
	Password     string `yaml:"-" json:"-"`
}

// Validate checks that the authority has a name and an absolute http(s) URL.
func (a Authority) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAuthority)
	}
	u, err := url.Parse(a.URL)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAuthority, a.Name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s: URL must be absolute http(s): %q", ErrInvalidAuthority, a.Name, a.URL)
	}
	if a.RequiresAuth && a.Username == "" {
		return fmt.Errorf("%w: %s: credentials required", ErrInvalidAuthority, a.Name)
	}
	return nil
}

// DefaultAuthorities returns the built-in public authorities in fallback
// order.
func DefaultAuthorities() []Authority {
	return []Authority{
		{Name: "FreeTSA", URL: "https://freetsa.org/tsr"},
		{Name: "DigiCert", URL: "http://timestamp.digicert.com"},
		{Name: "Sectigo", URL: "http://timestamp.sectigo.com"},
		{Name: "GlobalSign", URL: "http://timestamp.globalsign.com/scripts/timstamp.dll"},
		{Name: "Entrust", URL: "http://timestamp.entrust.net/TSS/RFC3161sha2TS"},
	}
}

// ProbeResult is the outcome of a liveness probe.
type ProbeResult struct {
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	RequiresAuth bool          `json:"requires_auth"`
	Available    bool          `json:"available"`
	StatusCode   int           `json:"status_code,omitempty"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
}

// probeAlive reports whether status shows a live endpoint. Timestamp
// endpoints commonly reject GET, so 400 and 405 count as alive.
func probeAlive(status int) bool {
	switch status {
	case http.StatusOK, http.StatusBadRequest, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

// TestAuthority probes a with a GET request bounded by the attempt
// timeout. Only connection failures and unrecognized statuses mark it
// unavailable.
func (c *Client) TestAuthority(ctx context.Context, a Authority) ProbeResult {
	res := ProbeResult{Name: a.Name, URL: a.URL, RequiresAuth: a.RequiresAuth}

	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, a.URL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if a.RequiresAuth {
		req.SetBasicAuth(a.Username, a.Password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		c.rec.TSAProbe(a.Name, false)
		return res
	}
	_ = resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Available = probeAlive(resp.StatusCode)
	if !res.Available {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	c.rec.TSAProbe(a.Name, res.Available)
	return res
}

// TestAll probes every configured authority in order.
func (c *Client) TestAll(ctx context.Context) []ProbeResult {
	authorities := c.Authorities()
	results := make([]ProbeResult, 0, len(authorities))
	for _, a := range authorities {
		results = append(results, c.TestAuthority(ctx, a))
	}
	return results
}
