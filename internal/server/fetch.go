package server

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	offline "github.com/eugener/stowaway/internal"
	"github.com/eugener/stowaway/internal/agent"
	"github.com/eugener/stowaway/internal/network"
)

// Canonical header keys for direct map access.
const (
	cacheStatusHeader  = "X-Stowaway-Cache"
	secFetchModeHeader = "Sec-Fetch-Mode"
)

var (
	cacheHit  = []string{string(agent.FromCache)}
	cacheMiss = []string{string(agent.FromNetwork)}
)

// handleFetch intercepts a request: it is answered from the stores when
// possible, otherwise from the network. When neither produces a response the
// connection is aborted so the client sees a failed load.
func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse("CONNECT is not supported"))
		return
	}

	req := s.buildRequest(r)
	resp, src := s.deps.Agent.Fetch(r.Context(), req)
	if resp == nil {
		panic(http.ErrAbortHandler)
	}
	body := resp.Body()
	defer body.Close()

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	// net/http frames the body it is given.
	delete(h, "Content-Length")
	if src == agent.FromCache {
		h[cacheStatusHeader] = cacheHit
	} else {
		h[cacheStatusHeader] = cacheMiss
	}

	status := resp.StatusCode
	if status < 100 || status > 999 {
		// Opaque responses may carry no usable status.
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if _, err := io.Copy(w, body); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelDebug, "copy response body failed",
			slog.String("url", req.URL),
			slog.String("error", err.Error()),
		)
	}
}

// buildRequest converts r into an agent request. Absolute-form targets
// (forward proxy) are used as is; origin-form targets resolve against the
// application origin.
func (s *server) buildRequest(r *http.Request) *offline.Request {
	u := *r.URL
	if u.Host == "" {
		u.Scheme = s.deps.Origin.Scheme
		u.Host = s.deps.Origin.Host
	}
	return &offline.Request{
		Method: r.Method,
		URL:    u.String(),
		Header: r.Header.Clone(),
		Mode:   requestMode(r, network.SameOrigin(&u, s.deps.Origin)),
		Body:   r.Body,
	}
}

// requestMode takes the mode from Sec-Fetch-Mode when the client sent a
// known value. Otherwise cross-origin requests are treated as no-cors
// subresource loads, and same-origin ones as navigations when they ask for
// HTML.
func requestMode(r *http.Request, sameOrigin bool) offline.RequestMode {
	if vals := r.Header[secFetchModeHeader]; len(vals) > 0 {
		switch m := offline.RequestMode(strings.ToLower(vals[0])); m {
		case offline.ModeNavigate, offline.ModeSameOrigin, offline.ModeNoCORS, offline.ModeCORS:
			return m
		}
	}
	if !sameOrigin {
		return offline.ModeNoCORS
	}
	if r.Method == http.MethodGet && acceptsHTML(r.Header.Get("Accept")) {
		return offline.ModeNavigate
	}
	return offline.ModeSameOrigin
}

func acceptsHTML(accept string) bool {
	for part := range strings.SplitSeq(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "text/html" {
			return true
		}
	}
	return false
}
