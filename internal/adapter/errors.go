package adapter

import "errors"

// Errors returned by adapter operations. Publish outcomes are not
// errors; they arrive asynchronously through the OnResult callback.
var (
	// ErrConnectionFailed indicates the initial connect did not
	// complete within its deadline.
	ErrConnectionFailed = errors.New("adapter: connection failed")

	// ErrNotConnected indicates an operation that requires an
	// established connection.
	ErrNotConnected = errors.New("adapter: not connected")

	// ErrClosed indicates use of an adapter after Close.
	ErrClosed = errors.New("adapter: closed")

	// ErrInvalidConfig indicates adapter configuration the
	// constructor cannot work with.
	ErrInvalidConfig = errors.New("adapter: invalid config")
)
