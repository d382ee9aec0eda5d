// Package testutil provides configurable test fakes for agent capabilities.
package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	offline "github.com/eugener/stowaway/internal"
)

// FakeNetwork is a configurable offline.Network for testing. Requests are
// answered by FetchFn when set, otherwise from Routes keyed by URL; unknown
// URLs fail with offline.ErrNetwork.
type FakeNetwork struct {
	FetchFn func(ctx context.Context, req *offline.Request) (*offline.Response, error)
	Routes  map[string]FakeRoute

	mu    sync.Mutex
	calls []string
}

// FakeRoute is a canned network answer.
type FakeRoute struct {
	Status int
	Type   offline.ResponseType // defaults to basic
	Body   string
	Header http.Header
	Err    error
}

// Fetch records the call and answers it.
func (f *FakeNetwork) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	f.mu.Unlock()

	if f.FetchFn != nil {
		return f.FetchFn(ctx, req)
	}
	route, ok := f.Routes[req.URL]
	if !ok {
		return nil, fmt.Errorf("%w: no route for %s", offline.ErrNetwork, req.URL)
	}
	if route.Err != nil {
		return nil, route.Err
	}
	return NewResponse(route.Status, route.Type, route.Body, route.Header, req.URL), nil
}

// Calls returns the URLs fetched so far, in call order.
func (f *FakeNetwork) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times url was fetched.
func (f *FakeNetwork) CallCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

// NewResponse builds an unread response with a string body.
func NewResponse(status int, typ offline.ResponseType, body string, header http.Header, url string) *offline.Response {
	if typ == "" {
		typ = offline.TypeBasic
	}
	if header == nil {
		header = http.Header{}
	}
	return offline.NewResponse(status, header.Clone(), typ, url, io.NopCloser(strings.NewReader(body)))
}

// ReadBody consumes and returns the response body.
func ReadBody(resp *offline.Response) string {
	data, _ := io.ReadAll(resp.Body())
	resp.Body().Close()
	return string(data)
}
