package adapter

import (
	"context"
	"time"
)

// Publisher is the capability set shared by all egress adapters.
//
// Connect blocks until the transport is usable or ctx expires.
// Publish is a non-blocking enqueue; the outcome arrives via the
// OnResult callback. Close releases the connection and stops the
// queue worker.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte, qos byte)
	Close() error

	// Dropped returns how many publishes were discarded because the
	// queue was full.
	Dropped() uint64
}

// Result reports the outcome of one queued publish.
type Result struct {
	// OK is true when the publish was accepted by the transport
	// (acknowledged for QoS 1/2, CON exchanges and HTTP; accepted
	// locally for fire-and-forget).
	OK bool

	// Bytes is the payload size.
	Bytes int

	// Reason classifies a failure: "timeout", "not_connected",
	// "rejected", "transport". Empty on success.
	Reason string
}

// Failure reason classes reported through Result.Reason.
const (
	ReasonTimeout      = "timeout"
	ReasonNotConnected = "not_connected"
	ReasonRejected     = "rejected"
	ReasonTransport    = "transport"
)

// Options carries the tuning and callbacks common to all adapters.
// Callbacks must be set before Connect; they are invoked from adapter
// goroutines and must not block.
type Options struct {
	// QueueSize bounds pending publishes; 0 means DefaultQueueSize.
	QueueSize int

	// PublishTimeout bounds one acknowledged publish; 0 means
	// DefaultPublishTimeout.
	PublishTimeout time.Duration

	// OnState receives connection-state changes. latencyMs is the
	// time the transition took to observe (0 when unknown).
	OnState func(connected bool, latencyMs float64)

	// OnResult receives one callback per drained publish.
	OnResult func(Result)

	// Logger receives adapter diagnostics. Optional.
	Logger Logger
}

// Logger is the minimal logging interface adapters need.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is used when no logger is configured.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Defaults applied when Options fields are zero.
const (
	DefaultQueueSize      = 1024
	DefaultPublishTimeout = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// normalise fills zero Options fields with defaults.
func (o Options) normalise() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

// report invokes the OnResult callback when set.
func (o Options) report(r Result) {
	if o.OnResult != nil {
		o.OnResult(r)
	}
}

// state invokes the OnState callback when set.
func (o Options) state(connected bool, latencyMs float64) {
	if o.OnState != nil {
		o.OnState(connected, latencyMs)
	}
}
