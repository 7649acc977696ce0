package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
)

// Snapshot keeps the latest color image as JPEG. It is a pipeline consumer.
type Snapshot struct {
	mu      sync.Mutex
	jpeg    []byte
	seq     uint64
	version uint64
	changed chan struct{}
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{changed: make(chan struct{})}
}

// Consume encodes the color image of b and wakes up waiting streams.
func (s *Snapshot) Consume(ctx context.Context, seq uint64, b *bundle.Bundle) error {
	if !b.HasColor() {
		return nil
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, b.Color)
	if err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	buf.Close()

	s.mu.Lock()
	s.jpeg = data
	s.seq = seq
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// Latest returns the most recent JPEG and its sequence number.
func (s *Snapshot) Latest() ([]byte, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jpeg, s.seq, s.version > 0
}

// Wait blocks until a snapshot newer than version is available and returns
// it with its version.
func (s *Snapshot) Wait(ctx context.Context, version uint64) ([]byte, uint64, error) {
	for {
		s.mu.Lock()
		if s.version > version {
			data, v := s.jpeg, s.version
			s.mu.Unlock()
			return data, v, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, version, ctx.Err()
		}
	}
}

// StreamHandler serves the snapshot as an MJPEG stream.
type StreamHandler struct {
	snapshot *Snapshot
}

// NewStreamHandler creates a new StreamHandler over snapshot.
func NewStreamHandler(snapshot *Snapshot) *StreamHandler {
	return &StreamHandler{snapshot: snapshot}
}

// ServeHTTP streams a part each time the snapshot changes.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var version uint64
	for {
		data, v, err := h.snapshot.Wait(r.Context(), version)
		if err != nil {
			return
		}
		version = v

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(data))
		if _, err := w.Write(data); err != nil {
			return
		}
		fmt.Fprintf(w, "\r\n")

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}
