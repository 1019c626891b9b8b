// Package httpclient is the hardened outbound HTTP client used by tool
// adapters.  It enforces a request deadline, caps response bodies, tags
// requests with the correlation id, and re-checks the domain allowlist on
// every hop so redirects cannot escape policy.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/toolgate/toolgate/common/trace"
	"github.com/toolgate/toolgate/common/version"
	"github.com/toolgate/toolgate/internal/gateway/fault"
)

// MaxBodyBytes caps any upstream response body.
const MaxBodyBytes = 1 << 20 // 1 MiB

// DefaultTimeout bounds one upstream exchange end to end.
const DefaultTimeout = 6 * time.Second

// Config tunes the client.
type Config struct {
	Timeout time.Duration
	MaxBody int64
	// AllowHost, when set, vets every request and redirect target.  This
	// is a second line behind policy evaluation, not a replacement.
	AllowHost func(host string) bool
}

// AllowSuffixes builds an AllowHost predicate from domain suffixes.
// "example.com" admits both "example.com" and "api.example.com"; matching
// is case-insensitive. An empty list admits nothing.
func AllowSuffixes(domains []string) func(host string) bool {
	suffixes := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			suffixes = append(suffixes, d)
		}
	}
	return func(host string) bool {
		host = strings.ToLower(host)
		for _, s := range suffixes {
			if host == s || strings.HasSuffix(host, "."+s) {
				return true
			}
		}
		return false
	}
}

// Client wraps net/http with the gateway's outbound rules.
type Client struct {
	http    *http.Client
	maxBody int64
	allow   func(string) bool
	ua      string
}

// New builds the client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = MaxBodyBytes
	}
	c := &Client{
		maxBody: cfg.MaxBody,
		allow:   cfg.AllowHost,
		ua:      "toolgate/" + version.Version,
	}
	c.http = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("httpclient: too many redirects")
			}
			if c.allow != nil && !c.allow(req.URL.Hostname()) {
				return fmt.Errorf("httpclient: redirect to %s not permitted", req.URL.Hostname())
			}
			return nil
		},
	}
	return c
}

// Request describes one outbound call.  Only Content-Type and
// Content-Length ever reach the upstream beyond the client's own headers;
// agent-supplied headers are never forwarded.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
}

// Response is the upstream reply with the body fully read and capped.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

// Do performs the exchange.  Network failures and oversized bodies come
// back as retryable upstream faults; HTTP error statuses are returned in
// the Response for the adapter to interpret.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid upstream request", err)
	}
	if c.allow != nil && !c.allow(hr.URL.Hostname()) {
		return nil, fault.New(fault.KindPolicyDenied, "domain "+hr.URL.Hostname()+" not permitted")
	}

	hr.Header.Set("User-Agent", c.ua)
	if cid := trace.FromContext(ctx); cid != "" {
		hr.Header.Set(trace.Header, cid)
	}
	if req.ContentType != "" {
		hr.Header.Set("Content-Type", req.ContentType)
	}
	if len(req.Body) > 0 {
		hr.Header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		fe := fault.Wrap(fault.KindUpstream, "upstream request failed", err)
		fe.Retryable = true
		return nil, fe
	}
	defer resp.Body.Close()

	// Read one byte past the cap to distinguish "exactly at" from "over".
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		fe := fault.Wrap(fault.KindUpstream, "reading upstream response", err)
		fe.Retryable = true
		return nil, fe
	}
	if int64(len(body)) > c.maxBody {
		return nil, fault.New(fault.KindUpstream, fmt.Sprintf("upstream response exceeds %d bytes", c.maxBody))
	}

	return &Response{
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// GetJSON fetches a URL expecting a JSON body.
func (c *Client) GetJSON(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: url})
}
