package sink

import "errors"

// Sentinel errors for metrics sink operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, sink.ErrDisabled) {
//	    // Run without a sink
//	}
var (
	// ErrDisabled indicates the sink is disabled in config.
	ErrDisabled = errors.New("sink: disabled in configuration")

	// ErrConnectionFailed indicates the initial connectivity check failed.
	ErrConnectionFailed = errors.New("sink: connection failed")

	// ErrWriteFailed indicates a batch delivery failed.
	ErrWriteFailed = errors.New("sink: write failed")
)
