package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	offline "github.com/eugener/stowaway/internal"
	"github.com/eugener/stowaway/internal/agent"
	"github.com/eugener/stowaway/internal/cache"
	fakes "github.com/eugener/stowaway/internal/testutil"
)

const (
	appIndex = "https://app.test/index.html"
	cdnLib   = "https://cdn.test/lib.js"
)

var testOrigin = &url.URL{Scheme: "https", Host: "app.test"}

// newTestAgent wires a real agent over a memory store and a fake network.
func newTestAgent(t testing.TB, net *fakes.FakeNetwork) *agent.Agent {
	t.Helper()
	storage, err := cache.NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}
	a, err := agent.New(agent.Config{
		CacheName: "pwa-v1",
		Manifest:  []string{appIndex},
	}, agent.Capabilities{Storage: storage, Network: net})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func newTestNetwork() *fakes.FakeNetwork {
	return &fakes.FakeNetwork{Routes: map[string]fakes.FakeRoute{
		appIndex: {Status: 200, Body: "<html>todo</html>", Header: http.Header{"Content-Type": {"text/html"}}},
		cdnLib:   {Status: 200, Type: offline.TypeOpaque, Body: "lib()"},
	}}
}

func newTestHandler(t testing.TB, net *fakes.FakeNetwork) http.Handler {
	t.Helper()
	return New(Deps{Agent: newTestAgent(t, net), Origin: testOrigin})
}

// stubAgent lets tests control Fetch and Caches directly.
type stubAgent struct {
	fetch  func(context.Context, *offline.Request) (*offline.Response, agent.Source)
	caches []string
	err    error
}

func (s stubAgent) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, agent.Source) {
	return s.fetch(ctx, req)
}
func (s stubAgent) CacheName() string { return "pwa-v1" }
func (s stubAgent) Caches(context.Context) ([]string, error) {
	return s.caches, s.err
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newTestNetwork())

	req := httptest.NewRequest(http.MethodGet, "/_stowaway/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Agent:      newTestAgent(t, newTestNetwork()),
		Origin:     testOrigin,
		ReadyCheck: func(context.Context) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/_stowaway/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyzFailing(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Agent:      newTestAgent(t, newTestNetwork()),
		Origin:     testOrigin,
		ReadyCheck: func(context.Context) error { return errors.New("db down") },
	})

	req := httptest.NewRequest(http.MethodGet, "/_stowaway/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newTestNetwork())

	// Generated when absent.
	req := httptest.NewRequest(http.MethodGet, "/_stowaway/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if id := rec.Header().Get("X-Request-ID"); id == "" {
		t.Error("X-Request-ID header should be set")
	}

	// Propagated when present.
	req = httptest.NewRequest(http.MethodGet, "/_stowaway/healthz", nil)
	req.Header.Set("X-Request-ID", "custom-id-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if id := rec.Header().Get("X-Request-ID"); id != "custom-id-123" {
		t.Errorf("X-Request-ID = %q, want %q", id, "custom-id-123")
	}
}

func TestCaches(t *testing.T) {
	t.Parallel()
	a := newTestAgent(t, newTestNetwork())
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	h := New(Deps{Agent: a, Origin: testOrigin})

	req := httptest.NewRequest(http.MethodGet, "/_stowaway/caches", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	var got cachesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Current != "pwa-v1" || len(got.Caches) != 1 || got.Caches[0] != "pwa-v1" {
		t.Errorf("caches = %+v", got)
	}
}

func TestCaches_Error(t *testing.T) {
	t.Parallel()
	h := New(Deps{Agent: stubAgent{err: errors.New("disk")}, Origin: testOrigin})

	req := httptest.NewRequest(http.MethodGet, "/_stowaway/caches", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestFetch_MissThenHit(t *testing.T) {
	t.Parallel()
	net := newTestNetwork()
	h := newTestHandler(t, net)

	for i, want := range []string{"miss", "hit"} {
		req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
		if rec.Body.String() != "<html>todo</html>" {
			t.Errorf("request %d: body = %q", i, rec.Body.String())
		}
		if got := rec.Header().Get("X-Stowaway-Cache"); got != want {
			t.Errorf("request %d: cache status = %q, want %q", i, got, want)
		}
		if got := rec.Header().Get("Content-Type"); got != "text/html" {
			t.Errorf("request %d: content type = %q", i, got)
		}
	}
	if n := net.CallCount(appIndex); n != 1 {
		t.Errorf("network fetched %d times, want 1", n)
	}
}

func TestFetch_AbsoluteFormIsCrossOrigin(t *testing.T) {
	t.Parallel()
	var gotMode offline.RequestMode
	net := &fakes.FakeNetwork{FetchFn: func(_ context.Context, req *offline.Request) (*offline.Response, error) {
		gotMode = req.Mode
		if req.URL != cdnLib {
			t.Errorf("url = %q, want %q", req.URL, cdnLib)
		}
		return fakes.NewResponse(200, offline.TypeOpaque, "lib()", nil, req.URL), nil
	}}
	h := newTestHandler(t, net)

	req := httptest.NewRequest(http.MethodGet, cdnLib, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "lib()" {
		t.Errorf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if gotMode != offline.ModeNoCORS {
		t.Errorf("mode = %q, want no-cors", gotMode)
	}
}

func TestFetch_NetworkFailureAborts(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, &fakes.FakeNetwork{})

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	req := httptest.NewRequest(http.MethodGet, "/offline.html", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	t.Error("handler returned without aborting")
}

func TestFetch_PassesThroughErrorStatus(t *testing.T) {
	t.Parallel()
	net := &fakes.FakeNetwork{Routes: map[string]fakes.FakeRoute{
		"https://app.test/missing": {Status: 404, Body: "nope"},
	}}
	h := newTestHandler(t, net)

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound || rec.Body.String() != "nope" {
		t.Errorf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Stowaway-Cache"); got != "miss" {
		t.Errorf("cache status = %q, want miss", got)
	}
}

func TestFetch_ForwardsMethodAndBody(t *testing.T) {
	t.Parallel()
	var gotMethod, gotBody string
	net := &fakes.FakeNetwork{FetchFn: func(_ context.Context, req *offline.Request) (*offline.Response, error) {
		gotMethod = req.Method
		data, _ := io.ReadAll(req.Body)
		gotBody = string(data)
		return fakes.NewResponse(201, "", "", nil, req.URL), nil
	}}
	h := newTestHandler(t, net)

	req := httptest.NewRequest(http.MethodPost, "/api/todos", strings.NewReader(`{"title":"milk"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if gotMethod != http.MethodPost || gotBody != `{"title":"milk"}` {
		t.Errorf("forwarded %s %q", gotMethod, gotBody)
	}
}

func TestFetch_InvalidStatusIsBadGateway(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Agent: stubAgent{fetch: func(_ context.Context, req *offline.Request) (*offline.Response, agent.Source) {
			return fakes.NewResponse(0, offline.TypeOpaque, "", nil, req.URL), agent.FromCache
		}},
		Origin: testOrigin,
	})

	req := httptest.NewRequest(http.MethodGet, cdnLib, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestSystemPrefixNotIntercepted(t *testing.T) {
	t.Parallel()
	net := newTestNetwork()
	h := newTestHandler(t, net)

	req := httptest.NewRequest(http.MethodGet, "/_stowaway/unknown", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if calls := net.Calls(); len(calls) != 0 {
		t.Errorf("network called for system path: %v", calls)
	}
}

func TestConnectRejected(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newTestNetwork())

	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestRecoveryReturns500(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Agent: stubAgent{fetch: func(context.Context, *offline.Request) (*offline.Response, agent.Source) {
			panic("boom")
		}},
		Origin: testOrigin,
	})

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRequestMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		secFetch   string
		accept     string
		method     string
		sameOrigin bool
		want       offline.RequestMode
	}{
		{"header wins", "cors", "", http.MethodGet, false, offline.ModeCORS},
		{"header case-insensitive", "Navigate", "", http.MethodGet, true, offline.ModeNavigate},
		{"unknown header ignored", "websocket", "", http.MethodGet, false, offline.ModeNoCORS},
		{"cross origin default", "", "", http.MethodGet, false, offline.ModeNoCORS},
		{"html navigation", "", "text/html,application/xhtml+xml;q=0.9", http.MethodGet, true, offline.ModeNavigate},
		{"same origin subresource", "", "image/png", http.MethodGet, true, offline.ModeSameOrigin},
		{"same origin post", "", "text/html", http.MethodPost, true, offline.ModeSameOrigin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(tt.method, "/", nil)
			if tt.secFetch != "" {
				r.Header.Set("Sec-Fetch-Mode", tt.secFetch)
			}
			if tt.accept != "" {
				r.Header.Set("Accept", tt.accept)
			}
			if got := requestMode(r, tt.sameOrigin); got != tt.want {
				t.Errorf("requestMode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDHeader_RejectsMalformed(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newTestNetwork())

	req := httptest.NewRequest(http.MethodGet, "/_stowaway/healthz", nil)
	req.Header.Set("X-Request-ID", "bad id\nwith newline")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	id := rec.Header().Get("X-Request-ID")
	if id == "" || strings.ContainsAny(id, " \n") {
		t.Errorf("X-Request-ID = %q, want a generated id", id)
	}
}

func TestValidRequestID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want bool
	}{
		{"custom-id-123", true},
		{"0191e4b2.a_b", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", maxRequestIDLen), true},
		{strings.Repeat("a", maxRequestIDLen+1), false},
	}
	for _, tt := range tests {
		if got := validRequestID(tt.id); got != tt.want {
			t.Errorf("validRequestID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestFetch_FramesBodyFromActualLength(t *testing.T) {
	t.Parallel()
	const page = "<html>todo</html>"
	net := &fakes.FakeNetwork{Routes: map[string]fakes.FakeRoute{
		appIndex: {Status: 200, Body: page, Header: http.Header{
			"Content-Type":   {"text/html"},
			"Content-Length": {"4096"},
		}},
	}}
	srv := httptest.NewServer(newTestHandler(t, net))
	t.Cleanup(srv.Close)

	for _, want := range []string{"miss", "hit"} {
		resp, err := http.Get(srv.URL + "/index.html")
		if err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("%s: read body: %v", want, err)
		}
		if string(body) != page {
			t.Errorf("%s: body = %q, want %q", want, body, page)
		}
		if resp.ContentLength != -1 && resp.ContentLength != int64(len(page)) {
			t.Errorf("%s: ContentLength = %d, want %d or unset", want, resp.ContentLength, len(page))
		}
		if got := resp.Header.Get("X-Stowaway-Cache"); got != want {
			t.Errorf("cache = %q, want %q", got, want)
		}
	}
}
