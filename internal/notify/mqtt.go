// Package notify publishes detection events to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ayusman/oaklog/internal/bundle"
)

// ErrNotConnected is returned when publishing while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// DefaultTimeout bounds every publish and the initial connect.
const DefaultTimeout = 2 * time.Second

// Config holds the MQTT settings.
type Config struct {
	Broker       string
	ClientID     string
	TopicPrefix  string
	PublishEmpty bool
	Timeout      time.Duration
}

// Event is the JSON payload published for one bundle.
type Event struct {
	Seq        uint64             `json:"seq"`
	Timestamp  float64            `json:"timestamp"`
	Detections []bundle.Detection `json:"detections"`
}

// Publisher sends one message.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Stats counts notifier outcomes.
type Stats struct {
	Published uint64 `json:"published"`
	Skipped   uint64 `json:"skipped"`
	Errors    uint64 `json:"errors"`
}

// Notifier is a pipeline consumer that publishes detection events.
type Notifier struct {
	pub          Publisher
	topic        string
	publishEmpty bool
	logger       *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a notifier that publishes through pub.
func New(pub Publisher, cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "oaklog"
	}
	return &Notifier{
		pub:          pub,
		topic:        prefix + "/detections",
		publishEmpty: cfg.PublishEmpty,
		logger:       logger,
	}
}

// Topic returns the topic events are published to.
func (n *Notifier) Topic() string {
	return n.topic
}

// Stats returns a snapshot of the counters.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Consume publishes the detections of b.
func (n *Notifier) Consume(ctx context.Context, seq uint64, b *bundle.Bundle) error {
	if len(b.Detections) == 0 && !n.publishEmpty {
		n.count(func(s *Stats) { s.Skipped++ })
		return nil
	}

	event := Event{
		Seq:        seq,
		Timestamp:  float64(b.Timestamp.UnixNano()) / float64(time.Second),
		Detections: b.Detections,
	}
	if event.Detections == nil {
		event.Detections = []bundle.Detection{}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		n.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := n.pub.Publish(n.topic, 0, false, payload); err != nil {
		if errors.Is(err, ErrNotConnected) {
			n.count(func(s *Stats) { s.Skipped++ })
			return nil
		}
		n.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}

	n.count(func(s *Stats) { s.Published++ })
	n.logger.Debug("detections published", "topic", n.topic, "seq", seq, "detections", len(event.Detections))
	return nil
}

func (n *Notifier) count(f func(*Stats)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f(&n.stats)
}

// Client is a Publisher backed by a paho MQTT client.
type Client struct {
	client  mqtt.Client
	broker  string
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// BrokerURL returns broker with a tcp:// scheme when none is given.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Dial connects to the broker. A broker that does not answer within the
// timeout is not an error: the client keeps retrying in the background and
// Publish reports ErrNotConnected until it succeeds. The client also
// reconnects on its own after a connection loss.
func Dial(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		broker:  BrokerURL(cfg.Broker),
		timeout: timeout,
		logger:  logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connection established", "broker", c.broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", c.broker, "error", err)
	}

	c.client = mqtt.NewClient(opts)

	logger.Info("connecting to mqtt broker", "broker", c.broker)
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		// Paho keeps retrying in the background; events are skipped until OnConnect.
		logger.Warn("mqtt broker unreachable, publishing disabled until connected",
			"broker", c.broker, "timeout", timeout)
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", c.broker, err)
	}
	c.setConnected(true)
	return c, nil
}

// Publish implements Publisher. It never waits longer than the timeout.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	if c.client != nil {
		wasConnected := c.client.IsConnected()
		c.client.Disconnect(250)
		if wasConnected {
			c.logger.Info("mqtt disconnected", "broker", c.broker)
		}
	}
	c.setConnected(false)
	return nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
