package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// HTTP transport pooling. One adapter per device, but each device
// talks to a single backend, so a couple of idle connections suffice.
const (
	httpMaxIdleConns     = 4
	httpIdleConnTimeout  = 90 * time.Second
	httpFailureThreshold = 3
	httpDrainLimit       = 4 * 1024
)

// HTTPConfig describes one device's HTTP egress endpoint.
type HTTPConfig struct {
	// BaseURL is the scheme://host[:port] prefix; the resolved topic
	// is appended as the request path.
	BaseURL string

	// Headers are added to every request. Content-Type is always
	// application/json.
	Headers map[string]string

	// PublishTimeout bounds one POST; 0 means DefaultPublishTimeout.
	PublishTimeout time.Duration
}

// HTTP is the request/response egress adapter: one POST per publish
// over a pooled transport. There is no session to hold open, so the
// adapter reports connected after Connect and degrades to
// disconnected only after consecutive failures.
type HTTP struct {
	cfg    HTTPConfig
	opts   Options
	client *http.Client
	queue  *publishQueue

	connMu       sync.Mutex
	connected    bool
	consecFailed int

	closedMu sync.Mutex
	closed   bool
}

// NewHTTP builds the adapter. The base URL is validated here so a
// malformed model fails at device start, not first publish.
func NewHTTP(cfg HTTPConfig, opts Options) (*HTTP, error) {
	opts = opts.normalise()
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = opts.PublishTimeout
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrInvalidConfig, cfg.BaseURL)
	}

	return &HTTP{
		cfg:  cfg,
		opts: opts,
		client: &http.Client{
			Timeout: cfg.PublishTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        httpMaxIdleConns,
				MaxIdleConnsPerHost: httpMaxIdleConns,
				IdleConnTimeout:     httpIdleConnTimeout,
			},
		},
		queue: newPublishQueue(opts.QueueSize),
	}, nil
}

// Connect starts the queue worker. No handshake exists for plain
// HTTP; the first publish proves reachability.
func (h *HTTP) Connect(_ context.Context) error {
	h.connMu.Lock()
	h.connected = true
	h.connMu.Unlock()
	h.opts.state(true, 0)

	h.queue.start(h.send)
	return nil
}

// Publish enqueues one payload for POSTing.
func (h *HTTP) Publish(topic string, payload []byte, qos byte) {
	h.queue.enqueue(publishRequest{topic: topic, payload: payload, qos: qos})
}

func (h *HTTP) send(req publishRequest) {
	target := strings.TrimRight(h.cfg.BaseURL, "/")
	if req.topic != "" {
		target += "/" + strings.TrimLeft(req.topic, "/")
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PublishTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(req.payload))
	if err != nil {
		h.fail(Result{Bytes: len(req.payload), Reason: ReasonTransport})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		reason := ReasonTransport
		if ctx.Err() != nil {
			reason = ReasonTimeout
		}
		h.opts.Logger.Debug("http publish failed", "url", target, "error", err)
		h.fail(Result{Bytes: len(req.payload), Reason: reason})
		return
	}
	// Drain so the pooled connection is reusable.
	io.CopyN(io.Discard, resp.Body, httpDrainLimit) //nolint:errcheck // Best-effort drain
	resp.Body.Close()                               //nolint:errcheck // Best-effort close

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.opts.Logger.Debug("http publish rejected", "url", target, "status", resp.StatusCode)
		h.fail(Result{Bytes: len(req.payload), Reason: ReasonRejected})
		return
	}

	h.succeed(time.Since(started))
	h.opts.report(Result{OK: true, Bytes: len(req.payload)})
}

// succeed resets the failure streak and restores connected state.
func (h *HTTP) succeed(latency time.Duration) {
	h.connMu.Lock()
	h.consecFailed = 0
	wasDown := !h.connected
	h.connected = true
	h.connMu.Unlock()
	if wasDown {
		h.opts.state(true, float64(latency.Milliseconds()))
	}
}

// fail reports the result and flips to disconnected after the
// failure threshold.
func (h *HTTP) fail(r Result) {
	h.connMu.Lock()
	h.consecFailed++
	dropping := h.connected && h.consecFailed >= httpFailureThreshold
	if dropping {
		h.connected = false
	}
	h.connMu.Unlock()

	h.opts.report(r)
	if dropping {
		h.opts.state(false, 0)
	}
}

// Dropped returns the count of publishes discarded by the queue.
func (h *HTTP) Dropped() uint64 {
	return h.queue.dropped.Load()
}

// Close stops the worker and releases pooled connections. Idempotent.
func (h *HTTP) Close() error {
	h.closedMu.Lock()
	if h.closed {
		h.closedMu.Unlock()
		return nil
	}
	h.closed = true
	h.closedMu.Unlock()

	h.queue.close()
	h.client.CloseIdleConnections()

	h.connMu.Lock()
	h.connected = false
	h.connMu.Unlock()
	return nil
}
