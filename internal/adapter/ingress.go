package adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// TelemetryHandler receives one inbound message per matched publish.
// It runs on the paho receive goroutine and must not block.
type TelemetryHandler func(topic string, payload []byte)

// IngressConfig describes one proxy device's subscription.
type IngressConfig struct {
	Host     string
	Port     int
	TLS      bool
	ClientID string
	Username string
	Password string

	// Topics are the subscription filters (wildcards allowed).
	Topics []string

	// QoS applies to every subscription.
	QoS byte

	// ConnectTimeout bounds Connect; 0 means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Ingress subscribes to broker topics on behalf of a proxy device and
// forwards matched payloads to a handler. Subscriptions are restored
// on every reconnect because the session is opened clean.
type Ingress struct {
	cfg     IngressConfig
	opts    Options
	handler TelemetryHandler

	client pahomqtt.Client

	connMu    sync.RWMutex
	connected bool

	closedMu sync.Mutex
	closed   bool
}

// NewIngress builds the subscriber without touching the network.
func NewIngress(cfg IngressConfig, handler TelemetryHandler, opts Options) (*Ingress, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil telemetry handler", ErrInvalidConfig)
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("%w: no subscription topics", ErrInvalidConfig)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Ingress{
		cfg:     cfg,
		opts:    opts.normalise(),
		handler: handler,
	}, nil
}

// Connect dials the broker and establishes the subscriptions. The
// OnConnect handler re-subscribes after every reconnect.
func (in *Ingress) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if in.cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, in.cfg.Host, in.cfg.Port))
	opts.SetClientID(in.cfg.ClientID)

	if in.cfg.Username != "" {
		opts.SetUsername(in.cfg.Username)
		opts.SetPassword(in.cfg.Password)
	}

	// Clean session: the broker forgets the subscriptions on
	// disconnect, so OnConnect must restore them each time.
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectRetryInterval(jitteredInterval(mqttReconnectInitial))
	opts.SetMaxReconnectInterval(mqttReconnectMax)
	opts.SetConnectTimeout(in.cfg.ConnectTimeout)

	started := time.Now()
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		in.subscribe(client)
		in.setConnected(true, time.Since(started))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		in.opts.Logger.Warn("ingress connection lost", "client_id", in.cfg.ClientID, "error", err)
		in.setConnected(false, 0)
	})

	in.client = pahomqtt.NewClient(opts)

	timeout := in.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	token := in.client.Connect()
	if !token.WaitTimeout(timeout) {
		in.client.Disconnect(0)
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// subscribe registers every configured filter on an established
// session. Runs on the paho OnConnect goroutine.
func (in *Ingress) subscribe(client pahomqtt.Client) {
	filters := make(map[string]byte, len(in.cfg.Topics))
	for _, topic := range in.cfg.Topics {
		filters[topic] = in.cfg.QoS
	}

	token := client.SubscribeMultiple(filters, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		in.handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(in.opts.PublishTimeout) {
		in.opts.Logger.Error("ingress subscribe timed out", "client_id", in.cfg.ClientID)
		return
	}
	if err := token.Error(); err != nil {
		in.opts.Logger.Error("ingress subscribe failed", "client_id", in.cfg.ClientID, "error", err)
	}
}

func (in *Ingress) setConnected(connected bool, latency time.Duration) {
	in.connMu.Lock()
	changed := in.connected != connected
	in.connected = connected
	in.connMu.Unlock()
	if changed {
		in.opts.state(connected, float64(latency.Milliseconds()))
	}
}

// IsConnected reports the last observed connection state.
func (in *Ingress) IsConnected() bool {
	in.connMu.RLock()
	defer in.connMu.RUnlock()
	return in.connected
}

// Close unsubscribes and disconnects. Idempotent.
func (in *Ingress) Close() error {
	in.closedMu.Lock()
	if in.closed {
		in.closedMu.Unlock()
		return nil
	}
	in.closed = true
	in.closedMu.Unlock()

	if in.client != nil && in.client.IsConnected() {
		in.client.Unsubscribe(in.cfg.Topics...).WaitTimeout(in.opts.PublishTimeout)
		in.client.Disconnect(mqttDisconnectQuiesceMs)
	}
	in.setConnected(false, 0)
	return nil
}
