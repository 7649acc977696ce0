package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ayusman/oaklog/internal/bundle"
)

// ErrConsumerClosed is returned by AsyncConsumer.Consume after Close.
var ErrConsumerClosed = errors.New("consumer closed")

// Policy decides what an AsyncConsumer does when its queue is full.
type Policy int

const (
	// PolicyBlock makes the loop wait for queue space.
	PolicyBlock Policy = iota
	// PolicyDropOldest evicts the oldest queued bundle.
	PolicyDropOldest
	// PolicyDropNewest discards the incoming bundle.
	PolicyDropNewest
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop-oldest"
	case PolicyDropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "block", "drop-oldest" or "drop-newest".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return PolicyBlock, nil
	case "drop-oldest":
		return PolicyDropOldest, nil
	case "drop-newest":
		return PolicyDropNewest, nil
	default:
		return PolicyBlock, fmt.Errorf("unknown queue policy %q", s)
	}
}

// AsyncStats counts queue activity.
type AsyncStats struct {
	Queued    uint64 `json:"queued"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

type queued struct {
	seq uint64
	b   *bundle.Bundle
}

// AsyncConsumer decouples a slow consumer from the loop. Each delivered
// bundle is cloned into a bounded queue and handed to the wrapped consumer
// on a separate goroutine, in sequence order.
type AsyncConsumer struct {
	name   string
	inner  Consumer
	policy Policy
	logger *slog.Logger

	queue chan queued
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	statsMu sync.Mutex
	stats   AsyncStats
}

// NewAsync starts a worker that feeds inner from a queue of the given size.
func NewAsync(name string, inner Consumer, size int, policy Policy, logger *slog.Logger) *AsyncConsumer {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncConsumer{
		name:   name,
		inner:  inner,
		policy: policy,
		logger: logger,
		queue:  make(chan queued, size),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Consume enqueues a clone of b according to the queue policy.
func (a *AsyncConsumer) Consume(ctx context.Context, seq uint64, b *bundle.Bundle) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrConsumerClosed
	}

	item := queued{seq: seq, b: b.Clone()}

	switch a.policy {
	case PolicyDropNewest:
		select {
		case a.queue <- item:
		default:
			item.b.Close()
			a.count(func(s *AsyncStats) { s.Dropped++ })
			return nil
		}

	case PolicyDropOldest:
		for {
			select {
			case a.queue <- item:
				a.count(func(s *AsyncStats) { s.Queued++ })
				return nil
			default:
			}
			select {
			case old := <-a.queue:
				old.b.Close()
				a.count(func(s *AsyncStats) { s.Dropped++ })
			default:
			}
		}

	default:
		select {
		case a.queue <- item:
		default:
			select {
			case a.queue <- item:
			case <-ctx.Done():
				item.b.Close()
				return ctx.Err()
			}
		}
	}

	a.count(func(s *AsyncStats) { s.Queued++ })
	return nil
}

// Stats returns a snapshot of the counters.
func (a *AsyncConsumer) Stats() AsyncStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

// Close stops accepting bundles, waits for the queue to drain and returns.
// It is idempotent.
func (a *AsyncConsumer) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

func (a *AsyncConsumer) run() {
	defer a.wg.Done()

	for item := range a.queue {
		err := safeConsume(context.Background(), a.inner, item.seq, item.b)
		item.b.Close()
		if err != nil {
			a.count(func(s *AsyncStats) { s.Failed++ })
			a.logger.Warn("consumer failed", "consumer", a.name, "seq", item.seq, "error", err)
			continue
		}
		a.count(func(s *AsyncStats) { s.Processed++ })
	}
}

func (a *AsyncConsumer) count(f func(*AsyncStats)) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	f(&a.stats)
}
