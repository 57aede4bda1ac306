package adapter

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpclient "github.com/plgd-dev/go-coap/v3/udp/client"
)

// coapFailureThreshold is how many consecutive failed exchanges flip
// the adapter to disconnected.
const coapFailureThreshold = 3

// CoAPConfig describes one device's CoAP endpoint.
type CoAPConfig struct {
	Host string
	Port int

	// ResourcePath is the resource POSTed to; the resolved topic is
	// used when this is empty.
	ResourcePath string

	// Confirmable selects CON exchanges (acknowledged) over NON
	// (fire-and-forget).
	Confirmable bool

	// PublishTimeout bounds one CON exchange; 0 means
	// DefaultPublishTimeout.
	PublishTimeout time.Duration
}

// CoAP is the datagram egress adapter: one POST per publish over a
// shared UDP client connection. There is no session handshake;
// "connected" means the last exchanges worked.
type CoAP struct {
	cfg  CoAPConfig
	opts Options

	conn  *udpclient.Conn
	queue *publishQueue

	connMu       sync.Mutex
	connected    bool
	consecFailed int

	closedMu sync.Mutex
	closed   bool
}

// NewCoAP builds the adapter without touching the network.
func NewCoAP(cfg CoAPConfig, opts Options) *CoAP {
	opts = opts.normalise()
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = opts.PublishTimeout
	}
	return &CoAP{
		cfg:   cfg,
		opts:  opts,
		queue: newPublishQueue(opts.QueueSize),
	}
}

// Connect resolves and dials the UDP endpoint. UDP "dial" performs no
// handshake, so reachability is proven by the first exchange; the
// adapter still reports connected so the device can begin publishing.
func (c *CoAP) Connect(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := udp.Dial(addr)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %w", ErrConnectionFailed, addr, err)
	}
	c.conn = conn

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	c.opts.state(true, 0)

	c.queue.start(c.send)
	return nil
}

// Publish enqueues one payload.
func (c *CoAP) Publish(topic string, payload []byte, qos byte) {
	c.queue.enqueue(publishRequest{topic: topic, payload: payload, qos: qos})
}

func (c *CoAP) send(req publishRequest) {
	path := c.cfg.ResourcePath
	if path == "" {
		path = req.topic
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
	defer cancel()

	started := time.Now()

	if !c.cfg.Confirmable {
		// NON exchange: write the datagram and report acceptance
		// locally, mirroring MQTT QoS 0.
		msg, err := c.conn.NewPostRequest(ctx, path, message.AppJSON, bytes.NewReader(req.payload))
		if err != nil {
			c.fail(Result{Bytes: len(req.payload), Reason: ReasonTransport})
			return
		}
		msg.SetType(message.NonConfirmable)
		if err := c.conn.WriteMessage(msg); err != nil {
			c.opts.Logger.Debug("coap publish failed", "path", path, "error", err)
			c.fail(Result{Bytes: len(req.payload), Reason: ReasonTransport})
			return
		}
		c.succeed(time.Since(started))
		c.opts.report(Result{OK: true, Bytes: len(req.payload)})
		return
	}

	resp, err := c.conn.Post(ctx, path, message.AppJSON, bytes.NewReader(req.payload))
	if err != nil {
		reason := ReasonTransport
		if ctx.Err() != nil {
			reason = ReasonTimeout
		}
		c.opts.Logger.Debug("coap publish failed", "path", path, "error", err)
		c.fail(Result{Bytes: len(req.payload), Reason: reason})
		return
	}

	switch resp.Code() {
	case codes.Created, codes.Changed, codes.Content, codes.Valid:
		c.succeed(time.Since(started))
		c.opts.report(Result{OK: true, Bytes: len(req.payload)})
	default:
		c.opts.Logger.Debug("coap publish rejected", "path", path, "code", resp.Code().String())
		c.fail(Result{Bytes: len(req.payload), Reason: ReasonRejected})
	}
}

func (c *CoAP) succeed(latency time.Duration) {
	c.connMu.Lock()
	c.consecFailed = 0
	wasDown := !c.connected
	c.connected = true
	c.connMu.Unlock()
	if wasDown {
		c.opts.state(true, float64(latency.Milliseconds()))
	}
}

func (c *CoAP) fail(r Result) {
	c.connMu.Lock()
	c.consecFailed++
	dropping := c.connected && c.consecFailed >= coapFailureThreshold
	if dropping {
		c.connected = false
	}
	c.connMu.Unlock()

	c.opts.report(r)
	if dropping {
		c.opts.state(false, 0)
	}
}

// Dropped returns the count of publishes discarded by the queue.
func (c *CoAP) Dropped() uint64 {
	return c.queue.dropped.Load()
}

// Close stops the worker and releases the UDP connection. Idempotent.
func (c *CoAP) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	c.queue.close()
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // Best-effort release of the UDP socket
	}

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	return nil
}
