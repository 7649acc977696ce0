package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/oaklog/internal/bundle/bundletest"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic, qos, retained, payload})
	return nil
}

func TestNotifier_PublishesDetections(t *testing.T) {
	pub := &fakePublisher{}
	n := New(pub, Config{TopicPrefix: "lab/oak/"}, nil)
	assert.Equal(t, "lab/oak/detections", n.Topic())

	b := bundletest.ColorOnly(time.Unix(1700000000, 500000000), bundletest.TwoDetections())
	defer b.Close()
	require.NoError(t, n.Consume(context.Background(), 3, b))

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "lab/oak/detections", msg.topic)
	assert.Equal(t, byte(0), msg.qos)
	assert.False(t, msg.retained)

	var event Event
	require.NoError(t, json.Unmarshal(msg.payload, &event))
	assert.Equal(t, uint64(3), event.Seq)
	assert.InDelta(t, 1700000000.5, event.Timestamp, 1e-6)
	require.Len(t, event.Detections, 2)
	assert.Equal(t, "A", event.Detections[0].Label)
	assert.Equal(t, Stats{Published: 1}, n.Stats())
}

func TestNotifier_EmptyBundles(t *testing.T) {
	tests := []struct {
		name         string
		publishEmpty bool
		wantMsgs     int
		want         Stats
	}{
		{"skipped by default", false, 0, Stats{Skipped: 1}},
		{"published when enabled", true, 1, Stats{Published: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			n := New(pub, Config{PublishEmpty: tt.publishEmpty}, nil)

			b := bundletest.ColorOnly(time.Unix(1, 0), nil)
			defer b.Close()
			require.NoError(t, n.Consume(context.Background(), 0, b))

			assert.Len(t, pub.msgs, tt.wantMsgs)
			assert.Equal(t, tt.want, n.Stats())
			if tt.wantMsgs == 1 {
				assert.Equal(t, "oaklog/detections", pub.msgs[0].topic)
				assert.JSONEq(t, `{"seq":0,"timestamp":1,"detections":[]}`, string(pub.msgs[0].payload))
			}
		})
	}
}

func TestNotifier_PublishError(t *testing.T) {
	pub := &fakePublisher{err: ErrNotConnected}
	n := New(pub, Config{}, nil)

	b := bundletest.ColorOnly(time.Unix(1, 0), bundletest.TwoDetections())
	defer b.Close()

	err := n.Consume(context.Background(), 0, b)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, Stats{Errors: 1}, n.Stats())
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"localhost:1883", "tcp://localhost:1883"},
		{"tcp://broker:1883", "tcp://broker:1883"},
		{"ssl://broker:8883", "ssl://broker:8883"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, BrokerURL(tt.in))
		})
	}
}

func TestClient_PublishWhileDisconnected(t *testing.T) {
	c := &Client{timeout: time.Millisecond}
	assert.ErrorIs(t, c.Publish("t", 0, false, nil), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestNotifier_SkipsWhileDisconnected(t *testing.T) {
	pub := &fakePublisher{err: ErrNotConnected}
	n := New(pub, Config{}, nil)

	b := bundletest.Bundle(time.Unix(5, 0), bundletest.TwoDetections())
	defer b.Close()

	require.NoError(t, n.Consume(context.Background(), 0, b))
	stats := n.Stats()
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Zero(t, stats.Errors)
}

func TestDial_UnreachableBroker(t *testing.T) {
	c, err := Dial(Config{Broker: "127.0.0.1:1", ClientID: "oaklog-test", Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err, "an unreachable broker does not fail startup")
	require.NotNil(t, c)

	assert.ErrorIs(t, c.Publish("oaklog/detections", 0, false, []byte("{}")), ErrNotConnected)
	assert.NoError(t, c.Close())
}
