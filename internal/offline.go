// Package offline defines domain types and capability interfaces for the
// stowaway offline cache agent.
// This package has no project imports -- it is the dependency root.
package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// --- Requests ---

// RequestMode mirrors the fetch mode a browser attaches to a request
// (the Sec-Fetch-Mode header).
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// Request is an intercepted outgoing request.
type Request struct {
	Method string
	URL    string // absolute
	Header http.Header
	Mode   RequestMode
	Body   io.Reader // nil for bodiless requests
}

// NormalizedMethod returns the upper-cased method, defaulting to GET.
func (r *Request) NormalizedMethod() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Key returns the store key for the request: method and URL with the
// fragment removed.
func (r *Request) Key() string {
	return r.NormalizedMethod() + " " + stripFragment(r.URL)
}

// Matchable reports whether the request can hit a store. Only GET requests
// match under the default matching rules.
func (r *Request) Matchable() bool {
	return r.NormalizedMethod() == http.MethodGet
}

func stripFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// --- Responses ---

// ResponseType classifies a response the way the platform does.
type ResponseType string

const (
	TypeBasic          ResponseType = "basic"
	TypeCORS           ResponseType = "cors"
	TypeOpaque         ResponseType = "opaque"
	TypeOpaqueRedirect ResponseType = "opaqueredirect"
	TypeError          ResponseType = "error"
)

// Response is a network or stored response. Its body is a single-consumption
// stream: call Clone before the body is read if it must be consumed twice.
// A Response is not safe for concurrent use.
type Response struct {
	StatusCode int
	Header     http.Header
	Type       ResponseType
	URL        string

	body *bodyReader
}

// NewResponse wraps body in a Response. A nil body is treated as empty.
func NewResponse(status int, header http.Header, typ ResponseType, rawURL string, body io.ReadCloser) *Response {
	if header == nil {
		header = make(http.Header)
	}
	if body == nil {
		body = http.NoBody
	}
	return &Response{
		StatusCode: status,
		Header:     header,
		Type:       typ,
		URL:        rawURL,
		body:       &bodyReader{rc: body},
	}
}

// Body returns the response body. Reading from it marks the body as used.
func (r *Response) Body() io.ReadCloser { return r.body }

// BodyUsed reports whether any byte of the body has been read.
func (r *Response) BodyUsed() bool { return r.body.used }

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Clone duplicates the response so that the original and the copy can each
// be consumed once. It buffers the remaining body in memory and fails with
// ErrBodyUsed if the body has already been read.
func (r *Response) Clone() (*Response, error) {
	return r.CloneLimit(-1)
}

// CloneLimit is Clone with at most limit body bytes buffered; a negative
// limit means no limit. A larger body fails with ErrBodyTooLarge. Whatever
// happens, the original response still yields its complete body, or the
// read error that interrupted buffering.
func (r *Response) CloneLimit(limit int64) (*Response, error) {
	if r.body.used {
		return nil, ErrBodyUsed
	}
	src := io.Reader(r.body.rc)
	if limit >= 0 {
		src = io.LimitReader(src, limit+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		r.body.rc = &replayBody{Reader: io.MultiReader(bytes.NewReader(data), errReader{err}), Closer: r.body.rc}
		return nil, fmt.Errorf("clone response: %w", err)
	}
	if limit >= 0 && int64(len(data)) > limit {
		r.body.rc = &replayBody{Reader: io.MultiReader(bytes.NewReader(data), r.body.rc), Closer: r.body.rc}
		return nil, fmt.Errorf("clone response: %w: over %d bytes", ErrBodyTooLarge, limit)
	}
	r.body.rc.Close()
	r.body.rc = io.NopCloser(bytes.NewReader(data))
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Type:       r.Type,
		URL:        r.URL,
		body:       &bodyReader{rc: io.NopCloser(bytes.NewReader(data))},
	}, nil
}

// replayBody serves bytes buffered by a failed clone ahead of the rest of
// the stream.
type replayBody struct {
	io.Reader
	io.Closer
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// bodyReader tracks first consumption of the underlying stream.
type bodyReader struct {
	rc   io.ReadCloser
	used bool
}

func (b *bodyReader) Read(p []byte) (int, error) {
	b.used = true
	return b.rc.Read(p)
}

func (b *bodyReader) Close() error { return b.rc.Close() }

// --- Stored records ---

// Record is a stored snapshot of a response keyed by request identity.
type Record struct {
	Key        string       `json:"key"`
	Method     string       `json:"method"`
	URL        string       `json:"url"`
	StatusCode int          `json:"status"`
	Type       ResponseType `json:"type"`
	Header     http.Header  `json:"header"`
	Body       []byte       `json:"-"`
	StoredAt   time.Time    `json:"stored_at"`
}

// NewRecord snapshots resp under req's key, consuming the response body.
// Non-GET requests and partial (206) responses cannot be stored.
func NewRecord(req *Request, resp *Response) (*Record, error) {
	if !req.Matchable() {
		return nil, fmt.Errorf("%w: cannot store %s request", ErrBadRequest, req.NormalizedMethod())
	}
	if resp.StatusCode == http.StatusPartialContent {
		return nil, fmt.Errorf("%w: cannot store partial response", ErrBadRequest)
	}
	if resp.BodyUsed() {
		return nil, ErrBodyUsed
	}
	body, err := io.ReadAll(resp.Body())
	resp.Body().Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Record{
		Key:        req.Key(),
		Method:     req.NormalizedMethod(),
		URL:        stripFragment(req.URL),
		StatusCode: resp.StatusCode,
		Type:       resp.Type,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}, nil
}

// Response materializes a fresh, unread Response from the record.
func (r *Record) Response() *Response {
	return NewResponse(r.StatusCode, r.Header.Clone(), r.Type, r.URL,
		io.NopCloser(bytes.NewReader(r.Body)))
}

// --- Capabilities ---

// CacheStorage is the platform's set of named, persistent stores.
type CacheStorage interface {
	// Open returns the named store, creating it if it does not exist.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether a store with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists store names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named store and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks the request up across all stores in creation order.
	// Returns ErrNotFound on a miss.
	Match(ctx context.Context, req *Request) (*Record, error)
}

// Cache is a single named store mapping request keys to records.
type Cache interface {
	Name() string
	// Match returns the record stored for req, or ErrNotFound.
	Match(ctx context.Context, req *Request) (*Record, error)
	// Put snapshots resp under req's key, consuming resp's body.
	// Existing entries are overwritten.
	Put(ctx context.Context, req *Request, resp *Response) error
	// PutAll writes every record or none of them.
	PutAll(ctx context.Context, recs []*Record) error
	// Delete removes the entry for req and reports whether it existed.
	Delete(ctx context.Context, req *Request) (bool, error)
	// Keys lists the request keys held by the store.
	Keys(ctx context.Context) ([]string, error)
}

// Network issues requests to the origin or to cross-origin hosts.
type Network interface {
	// Fetch returns the network response, or an error wrapping ErrNetwork
	// when no response could be obtained.
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
