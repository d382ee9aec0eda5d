package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	offline "github.com/eugener/stowaway/internal"
)

// recovery turns a handler panic into a 500. http.ErrAbortHandler is
// re-panicked so net/http drops the connection without writing a response.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				slog.LogAttrs(r.Context(), slog.LevelDebug, "request aborted",
					slog.String("method", r.Method),
					slog.String("url", r.URL.String()),
				)
				panic(rec)
			}
			slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
				slog.Any("error", rec),
				slog.String("url", r.URL.String()),
			)
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader is in canonical form so map access skips canonicalization.
const requestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

// requestID tags the request with the client's X-Request-Id when it is a
// well-formed token, or a fresh UUID v7 otherwise.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 && validRequestID(vals[0]) {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		next.ServeHTTP(w, r.WithContext(offline.ContextWithRequestID(r.Context(), id)))
	})
}

// validRequestID accepts short tokens of letters, digits, '-', '_' and '.'
// so client-supplied IDs cannot inject into log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := range len(id) {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// logging writes one line per completed request, including whether it was
// served from a store.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tw := acquireTracker(w)
		next.ServeHTTP(tw, r)

		attrs := [...]slog.Attr{
			slog.String("method", r.Method),
			slog.String("url", r.URL.String()),
			slog.Int("status", tw.status),
			slog.Int64("bytes", tw.written),
			slog.String("cache", cacheStatus(w)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", offline.RequestIDFromContext(r.Context())),
		}
		releaseTracker(tw)
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request", attrs[:]...)
	})
}

// cacheStatus returns the X-Stowaway-Cache value set by the fetch handler,
// or "" for system endpoints.
func cacheStatus(w http.ResponseWriter) string {
	if vals := w.Header()[cacheStatusHeader]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// trackerPool recycles trackingWriters across requests.
var trackerPool = sync.Pool{
	New: func() any { return &trackingWriter{} },
}

func acquireTracker(w http.ResponseWriter) *trackingWriter {
	tw := trackerPool.Get().(*trackingWriter)
	*tw = trackingWriter{ResponseWriter: w, status: http.StatusOK}
	return tw
}

func releaseTracker(tw *trackingWriter) {
	tw.ResponseWriter = nil
	trackerPool.Put(tw)
}

// trackingWriter records the first status code written and the number of
// body bytes.
type trackingWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	if !tw.wroteHeader {
		tw.status = code
		tw.wroteHeader = true
	}
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.wroteHeader = true
	n, err := tw.ResponseWriter.Write(b)
	tw.written += int64(n)
	return n, err
}

// Flush forwards to the underlying writer so streamed bodies are not held
// back by the middleware.
func (tw *trackingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
