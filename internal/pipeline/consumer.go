package pipeline

import (
	"context"
	"io"
	"sync"

	"github.com/ayusman/oaklog/internal/bundle"
)

// Consumer receives every delivered bundle. The bundle is only valid for the
// duration of the call; consumers that keep it must Clone it.
type Consumer interface {
	Consume(ctx context.Context, seq uint64, b *bundle.Bundle) error
}

// ConsumerFunc adapts a function to a Consumer.
type ConsumerFunc func(ctx context.Context, seq uint64, b *bundle.Bundle) error

func (f ConsumerFunc) Consume(ctx context.Context, seq uint64, b *bundle.Bundle) error {
	return f(ctx, seq, b)
}

// Heartbeat is signalled on every poll that produced nothing.
type Heartbeat interface {
	Beat()
}

// HeartbeatFunc adapts a function to a Heartbeat.
type HeartbeatFunc func()

func (f HeartbeatFunc) Beat() { f() }

// NopHeartbeat ignores beats.
type NopHeartbeat struct{}

func (NopHeartbeat) Beat() {}

// WriterHeartbeat prints a dot per beat.
type WriterHeartbeat struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterHeartbeat returns a heartbeat that writes to w.
func NewWriterHeartbeat(w io.Writer) *WriterHeartbeat {
	return &WriterHeartbeat{w: w}
}

func (h *WriterHeartbeat) Beat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	io.WriteString(h.w, ".")
}
