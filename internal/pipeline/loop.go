// Package pipeline runs the acquisition loop: it polls a capture source,
// numbers each valid bundle and fans it out to the registered consumers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/capture"
)

// ErrLoopFinished is returned by Run on a loop that has already run.
var ErrLoopFinished = errors.New("acquisition loop already ran")

// DefaultPollInterval is the pause after a poll that produced nothing.
const DefaultPollInterval = 10 * time.Millisecond

// Config holds loop settings.
type Config struct {
	// PollInterval is the pause between polls that produced nothing.
	PollInterval time.Duration
	// MaxBundles stops the loop after that many deliveries. Zero means unbounded.
	MaxBundles uint64
}

// Stats counts what the loop has done so far.
type Stats struct {
	Polls          uint64 `json:"polls"`
	IdlePolls      uint64 `json:"idle_polls"`
	Delivered      uint64 `json:"delivered"`
	Rejected       uint64 `json:"rejected"`
	ConsumerErrors uint64 `json:"consumer_errors"`
	// LastSeq is the sequence number of the most recent delivery; only
	// meaningful when Delivered > 0.
	LastSeq uint64 `json:"last_seq"`
}

type namedConsumer struct {
	name string
	c    Consumer
}

// Loop is the acquisition loop. A Loop runs once.
type Loop struct {
	source    capture.Source
	config    Config
	heartbeat Heartbeat
	logger    *slog.Logger

	mu        sync.RWMutex
	consumers []namedConsumer
	claimed   bool
	state     State
	stats     Stats
	started   time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithHeartbeat sets the idle heartbeat.
func WithHeartbeat(h Heartbeat) Option {
	return func(l *Loop) { l.heartbeat = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New creates a loop over source.
func New(source capture.Source, config Config, opts ...Option) *Loop {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	l := &Loop{
		source:    source,
		config:    config,
		heartbeat: NopHeartbeat{},
		logger:    slog.Default(),
		state:     StateInitializing,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register adds a consumer. Consumers are called in registration order.
// Registering after Run has started has no effect on deliveries in flight.
func (l *Loop) Register(name string, c Consumer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumers = append(l.consumers, namedConsumer{name: name, c: c})
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// Uptime returns the time since Run started, or zero before that.
func (l *Loop) Uptime() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.started.IsZero() {
		return 0
	}
	return time.Since(l.started)
}

// Run starts the source and loops until ctx is done, MaxBundles is reached
// or the source fails. It returns nil after an orderly stop and the source
// error after a failure; in the failed case the source is not stopped.
// Only the first call runs; any other call returns ErrLoopFinished.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.claimed {
		l.mu.Unlock()
		return ErrLoopFinished
	}
	l.claimed = true
	l.started = time.Now()
	l.mu.Unlock()

	if err := l.source.Start(ctx); err != nil {
		l.setState(StateFailed)
		l.logger.Error("capture start failed", "error", err)
		return fmt.Errorf("start capture: %w", err)
	}
	l.setState(StateRunning)
	l.logger.Info("acquisition loop running",
		"poll_interval", l.config.PollInterval, "max_bundles", l.config.MaxBundles)

	var nextSeq uint64
	for !l.done(ctx) {
		b, ready, err := l.source.Poll(ctx)
		l.count(func(s *Stats) { s.Polls++ })

		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.setState(StateFailed)
			l.logger.Error("capture failed", "error", err, "delivered", l.Stats().Delivered)
			return fmt.Errorf("poll capture: %w", err)
		}

		if !ready || b == nil {
			l.count(func(s *Stats) { s.IdlePolls++ })
			l.heartbeat.Beat()
			sleep(ctx, l.config.PollInterval)
			continue
		}

		if err := b.Validate(); err != nil {
			l.count(func(s *Stats) { s.Rejected++ })
			l.logger.Warn("bundle rejected", "error", err, "bundle", b.Summary())
			b.Close()
			continue
		}

		seq := nextSeq
		nextSeq++
		l.deliver(ctx, seq, b)
		b.Close()
		l.count(func(s *Stats) {
			s.Delivered++
			s.LastSeq = seq
		})
	}

	l.setState(StateStopping)
	if err := l.source.Stop(); err != nil {
		l.logger.Warn("capture stop failed", "error", err)
	}
	l.setState(StateStopped)

	stats := l.Stats()
	l.logger.Info("acquisition loop stopped",
		"delivered", stats.Delivered, "rejected", stats.Rejected, "polls", stats.Polls)
	return nil
}

func (l *Loop) done(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if l.config.MaxBundles == 0 {
		return false
	}
	return l.Stats().Delivered >= l.config.MaxBundles
}

// deliver hands b to every consumer. Cancellation of ctx is not passed on:
// once a bundle is accepted every consumer receives it.
func (l *Loop) deliver(ctx context.Context, seq uint64, b *bundle.Bundle) {
	ctx = context.WithoutCancel(ctx)

	l.mu.RLock()
	consumers := make([]namedConsumer, len(l.consumers))
	copy(consumers, l.consumers)
	l.mu.RUnlock()

	for _, nc := range consumers {
		if err := safeConsume(ctx, nc.c, seq, b); err != nil {
			l.count(func(s *Stats) { s.ConsumerErrors++ })
			l.logger.Warn("consumer failed", "consumer", nc.name, "seq", seq, "error", err)
		}
	}
}

func safeConsume(ctx context.Context, c Consumer, seq uint64, b *bundle.Bundle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Consume(ctx, seq, b)
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Debug("loop state", "from", l.state, "to", s)
	l.state = s
}

func (l *Loop) count(f func(*Stats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f(&l.stats)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
