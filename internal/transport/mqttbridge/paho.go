package mqttbridge

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
)

// PahoPublisher publishes through an autopaho connection manager, which
// reconnects on its own.
type PahoPublisher struct {
	cm  *autopaho.ConnectionManager
	log logging.Logger
}

// Connect dials the broker and waits up to cfg.ConnectTimeout for the first
// connection.
func Connect(ctx context.Context, cfg Config, log logging.Logger) (*PahoPublisher, error) {
	setDefaultConfig(&cfg)
	if log == nil {
		log = logging.Noop()
	}
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil || brokerURL.Host == "" {
		return nil, fmt.Errorf("invalid mqtt broker url %q", cfg.BrokerURL)
	}

	p := &PahoPublisher{log: log.With(logging.String("broker", cfg.BrokerURL))}
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                cfg.ConnectTimeout,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			p.log.Info(context.Background(), "mqtt connection established")
		},
		OnConnectError: func(err error) {
			p.log.Warn(context.Background(), "mqtt connection failed, retrying", logging.Err(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				p.log.Error(context.Background(), "mqtt client error", logging.Err(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				p.log.Warn(context.Background(), "mqtt server requested disconnect",
					logging.String("reason", reason),
					logging.Int("code", int(d.ReasonCode)),
				)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("start mqtt connection: %w", err)
	}
	p.cm = cm

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		_ = cm.Disconnect(context.Background())
		return nil, fmt.Errorf("await mqtt connection: %w", err)
	}
	return p, nil
}

// Publish sends payload to topic.
func (p *PahoPublisher) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	_, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Payload: payload,
	})
	return err
}

// Disconnect closes the broker connection.
func (p *PahoPublisher) Disconnect(ctx context.Context) {
	if p.cm == nil {
		return
	}
	if err := p.cm.Disconnect(ctx); err != nil {
		p.log.Warn(ctx, "mqtt disconnect failed", logging.Err(err))
		return
	}
	p.log.Info(ctx, "mqtt client disconnected")
}
