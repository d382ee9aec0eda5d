package testutil

import (
	"context"
	"sync"

	offline "github.com/eugener/stowaway/internal"
)

// RecordingWriter captures deferred store writes instead of performing them.
// Flush applies them to a storage.
type RecordingWriter struct {
	mu     sync.Mutex
	writes []PendingWrite
}

// PendingWrite is one captured store write.
type PendingWrite struct {
	Name string
	Req  *offline.Request
	Resp *offline.Response
}

// Write captures the write.
func (w *RecordingWriter) Write(name string, req *offline.Request, resp *offline.Response) {
	w.mu.Lock()
	w.writes = append(w.writes, PendingWrite{Name: name, Req: req, Resp: resp})
	w.mu.Unlock()
}

// Pending returns the captured writes.
func (w *RecordingWriter) Pending() []PendingWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]PendingWrite(nil), w.writes...)
}

// Flush performs every captured write against storage and clears the list.
func (w *RecordingWriter) Flush(ctx context.Context, storage offline.CacheStorage) error {
	w.mu.Lock()
	writes := w.writes
	w.writes = nil
	w.mu.Unlock()

	for _, pw := range writes {
		c, err := storage.Open(ctx, pw.Name)
		if err != nil {
			return err
		}
		if err := c.Put(ctx, pw.Req, pw.Resp); err != nil {
			return err
		}
	}
	return nil
}
