package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	offline "github.com/eugener/stowaway/internal"
	"github.com/eugener/stowaway/internal/telemetry"
)

const (
	writeChanSize  = 1000
	writeDrainTime = 30 * time.Second
)

// putJob is one deferred store write.
type putJob struct {
	name string
	req  *offline.Request
	resp *offline.Response
}

// CacheWriter performs store writes off the request path. Writes are
// best-effort: they are dropped when the queue is full, and whatever is
// still queued after the drain timeout on shutdown is lost.
type CacheWriter struct {
	ch      chan putJob
	storage offline.CacheStorage
	metrics *telemetry.Metrics // nil = no metrics
}

// NewCacheWriter creates a CacheWriter that writes into storage.
func NewCacheWriter(storage offline.CacheStorage, metrics *telemetry.Metrics) *CacheWriter {
	return &CacheWriter{
		ch:      make(chan putJob, writeChanSize),
		storage: storage,
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (w *CacheWriter) Name() string { return "cache_writer" }

// Write enqueues resp to be stored under req in the named store. It never
// blocks; the write is dropped when the queue is full.
func (w *CacheWriter) Write(name string, req *offline.Request, resp *offline.Response) {
	select {
	case w.ch <- putJob{name: name, req: req, resp: resp}:
		w.observeQueue()
	default:
		slog.Warn("store write dropped, queue full", "url", req.URL)
		w.countWrite("dropped")
	}
}

// Run performs queued writes until ctx is cancelled, then drains the queue.
func (w *CacheWriter) Run(ctx context.Context) error {
	for {
		select {
		case job := <-w.ch:
			w.observeQueue()
			w.put(ctx, job)
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *CacheWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeDrainTime)
	defer cancel()

	for {
		select {
		case job := <-w.ch:
			w.put(ctx, job)
		default:
			w.observeQueue()
			return
		}
	}
}

func (w *CacheWriter) put(ctx context.Context, job putJob) {
	c, err := w.storage.Open(ctx, job.name)
	if err == nil {
		err = c.Put(ctx, job.req, job.resp)
	}
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, offline.ErrBadRequest) || errors.Is(err, offline.ErrStoreDeleted) {
			level = slog.LevelDebug
		}
		slog.LogAttrs(ctx, level, "store write failed",
			slog.String("cache", job.name),
			slog.String("url", job.req.URL),
			slog.String("error", err.Error()),
		)
		w.countWrite("error")
		return
	}
	w.countWrite("ok")
}

func (w *CacheWriter) countWrite(outcome string) {
	if w.metrics != nil {
		w.metrics.StoreWrites.WithLabelValues(outcome).Inc()
	}
}

func (w *CacheWriter) observeQueue() {
	if w.metrics != nil {
		w.metrics.StoreWriteQueue.Set(float64(len(w.ch)))
	}
}
