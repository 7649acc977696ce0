package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/bundle/bundletest"
)

// gated blocks every Consume until release is closed.
type gated struct {
	release chan struct{}
	rec     recorder
}

func newGated() *gated {
	return &gated{release: make(chan struct{})}
}

func (g *gated) Consume(ctx context.Context, seq uint64, b *bundle.Bundle) error {
	<-g.release
	return g.rec.Consume(ctx, seq, b)
}

func seqs(ds []delivery) []uint64 {
	out := make([]uint64, len(ds))
	for i, d := range ds {
		out[i] = d.seq
	}
	return out
}

func feed(t *testing.T, c Consumer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		b := bundletest.Bundle(time.Unix(int64(i), 0), bundletest.TwoDetections())
		require.NoError(t, c.Consume(context.Background(), uint64(i), b))
		b.Close()
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyBlock, false},
		{"block", PolicyBlock, false},
		{"drop-oldest", PolicyDropOldest, false},
		{" Drop-Newest ", PolicyDropNewest, false},
		{"fifo", PolicyBlock, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAsyncConsumer_BlockDeliversEverythingInOrder(t *testing.T) {
	rec := &recorder{}
	a := NewAsync("rec", rec, 2, PolicyBlock, nil)

	feed(t, a, 10)
	require.NoError(t, a.Close())

	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seqs(rec.deliveries()))
	stats := a.Stats()
	assert.Equal(t, uint64(10), stats.Queued)
	assert.Equal(t, uint64(10), stats.Processed)
	assert.Zero(t, stats.Dropped)
}

func TestAsyncConsumer_DropNewest(t *testing.T) {
	g := newGated()
	a := NewAsync("gated", g, 2, PolicyDropNewest, nil)

	// Let the worker pick up seq 0 and block on it.
	feed(t, a, 1)
	require.Eventually(t, func() bool { return len(a.queue) == 0 }, time.Second, time.Millisecond)

	for i := 1; i < 6; i++ {
		b := bundletest.ColorOnly(time.Unix(int64(i), 0), nil)
		require.NoError(t, a.Consume(context.Background(), uint64(i), b))
		b.Close()
	}
	close(g.release)
	require.NoError(t, a.Close())

	assert.Equal(t, []uint64{0, 1, 2}, seqs(g.rec.deliveries()))
	assert.Equal(t, uint64(3), a.Stats().Dropped)
}

func TestAsyncConsumer_DropOldest(t *testing.T) {
	g := newGated()
	a := NewAsync("gated", g, 2, PolicyDropOldest, nil)

	feed(t, a, 1)
	require.Eventually(t, func() bool { return len(a.queue) == 0 }, time.Second, time.Millisecond)

	for i := 1; i < 6; i++ {
		b := bundletest.ColorOnly(time.Unix(int64(i), 0), nil)
		require.NoError(t, a.Consume(context.Background(), uint64(i), b))
		b.Close()
	}
	close(g.release)
	require.NoError(t, a.Close())

	assert.Equal(t, []uint64{0, 4, 5}, seqs(g.rec.deliveries()))
	assert.Equal(t, uint64(3), a.Stats().Dropped)
}

func TestAsyncConsumer_OwnsItsCopy(t *testing.T) {
	g := newGated()
	a := NewAsync("gated", g, 1, PolicyBlock, nil)

	b := bundletest.Bundle(time.Unix(1, 0), bundletest.TwoDetections())
	require.NoError(t, a.Consume(context.Background(), 0, b))
	require.NoError(t, b.Close())

	close(g.release)
	require.NoError(t, a.Close())

	got := g.rec.deliveries()
	require.Len(t, got, 1)
	assert.True(t, got[0].hasColor, "queued copy survives the original being closed")
	assert.Len(t, got[0].dets, 2)
}

func TestAsyncConsumer_FailuresAreCounted(t *testing.T) {
	a := NewAsync("failing", ConsumerFunc(func(ctx context.Context, seq uint64, b *bundle.Bundle) error {
		if seq%2 == 0 {
			return errors.New("write failed")
		}
		return nil
	}), 4, PolicyBlock, nil)

	feed(t, a, 4)
	require.NoError(t, a.Close())

	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(2), stats.Processed)
}

func TestAsyncConsumer_ClosedRejects(t *testing.T) {
	a := NewAsync("rec", &recorder{}, 1, PolicyBlock, nil)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	b := bundletest.ColorOnly(time.Unix(1, 0), nil)
	defer b.Close()
	assert.ErrorIs(t, a.Consume(context.Background(), 0, b), ErrConsumerClosed)
}

func TestAsyncConsumer_BlockEnqueuesWhenSpaceDespiteCancel(t *testing.T) {
	rec := &recorder{}
	a := NewAsync("rec", rec, 4, PolicyBlock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 4; i++ {
		b := bundletest.ColorOnly(time.Unix(int64(i), 0), nil)
		require.NoError(t, a.Consume(ctx, uint64(i), b), "free queue space never loses to a done context")
		b.Close()
	}
	require.NoError(t, a.Close())
	assert.Equal(t, []uint64{0, 1, 2, 3}, seqs(rec.deliveries()))
}
