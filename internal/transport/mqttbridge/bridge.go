// Package mqttbridge mirrors every frame handed to the radio medium to an
// MQTT broker, encoded with the wire codec.
package mqttbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/internal/wire"
	"github.com/signalsfoundry/vanet-simulator/model"
)

// Config controls the bridge and its broker connection.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker-url"`
	ClientID       string        `mapstructure:"client-id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic-prefix"`
	QoS            int           `mapstructure:"qos"`
	KeepAlive      uint16        `mapstructure:"keep-alive"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	QueueSize      int           `mapstructure:"queue-size"`
}

func setDefaultConfig(cfg *Config) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "vanet"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "vanetsim"
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
}

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Stats counts bridge activity.
type Stats struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

type outbound struct {
	topic   string
	payload []byte
}

// Bridge queues frames from the simulation goroutine and publishes them from
// Run. A full queue drops frames rather than stall the simulation.
type Bridge struct {
	cfg Config
	pub Publisher
	log logging.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan outbound

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a bridge publishing through pub.
func New(cfg Config, pub Publisher, log logging.Logger) (*Bridge, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is nil")
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	setDefaultConfig(&cfg)
	if log == nil {
		log = logging.Noop()
	}
	return &Bridge{
		cfg:   cfg,
		pub:   pub,
		log:   log.With(logging.String("component", "mqttbridge")),
		queue: make(chan outbound, cfg.QueueSize),
	}, nil
}

// Topic is where r is published: <prefix>/frames/<kind>/<sender id>.
func Topic(prefix string, r model.Report) string {
	return strings.Join([]string{prefix, "frames", r.Kind.String(), fmt.Sprint(r.SenderID)}, "/")
}

// Tap matches the medium's tap signature. It never blocks.
func (b *Bridge) Tap(ctx context.Context, r model.Report) {
	msg := outbound{topic: Topic(b.cfg.TopicPrefix, r), payload: wire.Marshal(r)}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- msg:
	default:
		if b.dropped.Add(1) == 1 {
			b.log.Warn(ctx, "mqtt queue full; dropping frames", logging.Int("queue_size", b.cfg.QueueSize))
		}
	}
}

// Run publishes queued frames until Close is called and the queue drains,
// or ctx is cancelled. Publish failures are logged and counted.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-b.queue:
			if !ok {
				return nil
			}
			if err := b.pub.Publish(ctx, msg.topic, byte(b.cfg.QoS), msg.payload); err != nil {
				b.failed.Add(1)
				b.log.Warn(ctx, "mqtt publish failed", logging.String("topic", msg.topic), logging.Err(err))
				continue
			}
			b.published.Add(1)
		}
	}
}

// Close stops accepting frames. Run returns once the queue is drained.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.queue)
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
	}
}
