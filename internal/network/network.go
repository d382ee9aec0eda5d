// Package network implements the agent's network capability over net/http.
//
// Responses are typed the way a browser types them: same-origin responses are
// basic, cross-origin no-cors responses are opaque, other cross-origin
// responses are cors. Redirects are never followed so that the client sees
// them as-is.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	offline "github.com/eugener/stowaway/internal"
	"github.com/eugener/stowaway/internal/circuitbreaker"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Client issues agent requests over HTTP.
type Client struct {
	http     *http.Client
	origin   *url.URL
	breakers *circuitbreaker.Hosts // nil = no circuit breaking
}

// Option configures a Client.
type Option func(*Client)

// WithBreakers short-circuits fetches to hosts whose breaker is open.
func WithBreakers(h *circuitbreaker.Hosts) Option {
	return func(c *Client) { c.breakers = h }
}

// New returns a Client for the application served at origin. A nil
// transport uses NewTransport(nil).
func New(origin string, transport http.RoundTripper, opts ...Option) (*Client, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute URL", origin)
	}
	if transport == nil {
		transport = NewTransport(nil)
	}
	c := &Client{
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		origin: u,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch sends req upstream. Any transport failure is reported as
// offline.ErrNetwork; HTTP error statuses are returned as responses.
func (c *Client) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, error) {
	outReq, err := http.NewRequestWithContext(ctx, req.NormalizedMethod(), req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", offline.ErrNetwork, err)
	}
	copyHeaders(outReq.Header, req.Header)

	var breaker *circuitbreaker.Breaker
	if c.breakers != nil {
		breaker = c.breakers.For(outReq.URL.Host)
		if err := breaker.Allow(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", offline.ErrNetwork, outReq.URL.Host, err)
		}
	}

	resp, err := c.http.Do(outReq)
	if breaker != nil {
		record(breaker, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", offline.ErrNetwork, outReq.Method, req.URL, err)
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	typ := c.classify(outReq.URL, req.Mode, resp.StatusCode)
	return offline.NewResponse(resp.StatusCode, header, typ, req.URL, resp.Body), nil
}

// classify assigns the platform response type.
func (c *Client) classify(u *url.URL, mode offline.RequestMode, status int) offline.ResponseType {
	if SameOrigin(u, c.origin) {
		return offline.TypeBasic
	}
	if mode == offline.ModeNoCORS {
		if isRedirect(status) {
			return offline.TypeOpaqueRedirect
		}
		return offline.TypeOpaque
	}
	return offline.TypeCORS
}

// record feeds a fetch outcome to the host's breaker. Only transport
// failures count against the host: any HTTP response, 5xx included, is
// passed to the caller and recorded as a success. Cancelled requests say
// nothing about the host.
func record(b *circuitbreaker.Breaker, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		b.Abandon()
	case err != nil:
		b.Record(circuitbreaker.ErrorWeight(err))
	default:
		b.Record(0)
	}
}

// Origin returns the configured application origin.
func (c *Client) Origin() *url.URL { return c.origin }

// SameOrigin reports whether a and b share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(hostPort(a), hostPort(b))
}

// hostPort returns host:port with the scheme's default port filled in.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return u.Hostname() + ":443"
	case "http":
		return u.Hostname() + ":80"
	}
	return u.Host
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
}
