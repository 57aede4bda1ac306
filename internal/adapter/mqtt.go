package adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT reconnect tuning. The initial retry interval is jittered ±20%
// so a mass dropout does not reconnect in lockstep.
const (
	mqttReconnectInitial = time.Second
	mqttReconnectMax     = 60 * time.Second
	mqttReconnectJitter  = 0.2

	mqttDisconnectQuiesceMs = 250

	tlsMinVersion = tls.VersionTLS12
)

// MQTTConfig describes one device's broker connection.
type MQTTConfig struct {
	Host      string
	Port      int
	TLS       bool
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	// CleanSession starts a fresh broker session on every connect.
	CleanSession bool
	// ConnectTimeout bounds Connect; 0 means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// MQTT is the persistent-connection egress adapter. One instance per
// simulated device; the underlying paho client auto-reconnects with
// exponential backoff.
type MQTT struct {
	cfg  MQTTConfig
	opts Options

	client pahomqtt.Client
	queue  *publishQueue

	connMu    sync.RWMutex
	connected bool

	closedMu sync.Mutex
	closed   bool
}

// NewMQTT builds the adapter without touching the network; Connect
// establishes the session.
func NewMQTT(cfg MQTTConfig, opts Options) *MQTT {
	opts = opts.normalise()
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &MQTT{
		cfg:   cfg,
		opts:  opts,
		queue: newPublishQueue(opts.QueueSize),
	}
}

// Connect dials the broker and blocks until the session is up, ctx
// expires, or the connect timeout elapses. The publish worker starts
// only after a successful connect.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := m.buildClientOptions()

	started := time.Now()
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		m.setConnected(true, time.Since(started))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.opts.Logger.Warn("mqtt connection lost", "client_id", m.cfg.ClientID, "error", err)
		m.setConnected(false, 0)
	})

	m.client = pahomqtt.NewClient(opts)

	timeout := m.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	token := m.client.Connect()
	if !token.WaitTimeout(timeout) {
		m.client.Disconnect(0)
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; mark connected here
	// so the caller observes a usable adapter immediately.
	m.connMu.Lock()
	already := m.connected
	m.connected = true
	m.connMu.Unlock()
	if !already {
		m.opts.state(true, float64(time.Since(started).Milliseconds()))
	}

	m.queue.start(m.send)
	return nil
}

// buildClientOptions maps the adapter config onto paho options.
func (m *MQTT) buildClientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if m.cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, m.cfg.Host, m.cfg.Port))
	opts.SetClientID(m.cfg.ClientID)

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	opts.SetCleanSession(m.cfg.CleanSession)
	opts.SetKeepAlive(m.cfg.KeepAlive)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false) // Initial connect failure is surfaced, not retried
	opts.SetConnectRetryInterval(jitteredInterval(mqttReconnectInitial))
	opts.SetMaxReconnectInterval(mqttReconnectMax)

	return opts
}

// jitteredInterval spreads an interval ±20%.
func jitteredInterval(d time.Duration) time.Duration {
	spread := 1 - mqttReconnectJitter + 2*mqttReconnectJitter*rand.Float64() //nolint:gosec // Timing jitter, not crypto
	return time.Duration(float64(d) * spread)
}

func (m *MQTT) setConnected(connected bool, latency time.Duration) {
	m.connMu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.connMu.Unlock()
	if changed {
		m.opts.state(connected, float64(latency.Milliseconds()))
	}
}

// IsConnected reports the last observed connection state.
func (m *MQTT) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// Publish enqueues one payload. Never blocks; a full queue drops the
// oldest pending publish.
func (m *MQTT) Publish(topic string, payload []byte, qos byte) {
	m.queue.enqueue(publishRequest{topic: topic, payload: payload, qos: qos})
}

// send performs one publish on the queue worker.
func (m *MQTT) send(req publishRequest) {
	if !m.IsConnected() {
		m.opts.report(Result{Bytes: len(req.payload), Reason: ReasonNotConnected})
		return
	}

	token := m.client.Publish(req.topic, req.qos, false, req.payload)

	// QoS 0 is fire-and-forget: the paho token completes on write,
	// there is no broker ack to wait for.
	if req.qos == 0 {
		m.opts.report(Result{OK: true, Bytes: len(req.payload)})
		return
	}

	if !token.WaitTimeout(m.opts.PublishTimeout) {
		m.opts.report(Result{Bytes: len(req.payload), Reason: ReasonTimeout})
		return
	}
	if err := token.Error(); err != nil {
		m.opts.Logger.Debug("mqtt publish failed", "topic", req.topic, "error", err)
		m.opts.report(Result{Bytes: len(req.payload), Reason: ReasonTransport})
		return
	}
	m.opts.report(Result{OK: true, Bytes: len(req.payload)})
}

// Dropped returns the count of publishes discarded by the queue.
func (m *MQTT) Dropped() uint64 {
	return m.queue.dropped.Load()
}

// Close stops the worker and disconnects. Idempotent.
func (m *MQTT) Close() error {
	m.closedMu.Lock()
	if m.closed {
		m.closedMu.Unlock()
		return nil
	}
	m.closed = true
	m.closedMu.Unlock()

	m.queue.close()
	if m.client != nil {
		m.client.Disconnect(mqttDisconnectQuiesceMs)
	}
	m.setConnected(false, 0)
	return nil
}
