package service

import (
	"io"
	"sync"
)

// SyncWriter serializes writes of the server and runner output goroutines,
// so lines of both streams never interleave.
type SyncWriter struct {
	mx sync.Mutex
	w  io.Writer
}

func NewSyncWriter(w io.Writer) *SyncWriter {
	if sw, ok := w.(*SyncWriter); ok {
		return sw
	}
	return &SyncWriter{w: w}
}

func (w *SyncWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.w.Write(p)
}
