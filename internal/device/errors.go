package device

import "errors"

// Sentinel errors returned by catalog and lifecycle operations.
// Callers dispatch with errors.Is; the API layer maps them to HTTP
// status codes.
var (
	// ErrModelNotFound indicates the referenced model id is not registered.
	ErrModelNotFound = errors.New("device: model not found")

	// ErrModelExists indicates an id collision with a different spec.
	// Re-registering a byte-identical spec is idempotent and succeeds.
	ErrModelExists = errors.New("device: model already exists")

	// ErrModelBusy indicates the model still has devices referencing it.
	ErrModelBusy = errors.New("device: model in use")

	// ErrNotFound indicates the referenced device id does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrExists indicates the device id is already taken.
	ErrExists = errors.New("device: already exists")

	// ErrGroupNotFound indicates the referenced group id does not exist.
	ErrGroupNotFound = errors.New("device: group not found")

	// ErrGroupExists indicates the group id is already taken.
	ErrGroupExists = errors.New("device: group already exists")

	// ErrValidation indicates a model spec or request parameter breach.
	ErrValidation = errors.New("device: validation failed")

	// ErrConflict indicates the operation is invalid in the device's
	// current state (e.g. deleting a model with live devices racing a
	// conflicting transition).
	ErrConflict = errors.New("device: conflicting operation")

	// ErrNotProxy indicates a bind/unbind/webhook call against a
	// simulated device.
	ErrNotProxy = errors.New("device: not a proxy device")

	// ErrNotBound indicates a webhook or unbind call against a proxy
	// device with no active binding.
	ErrNotBound = errors.New("device: no active binding")

	// ErrPayload indicates a proxy payload that is not a JSON object.
	ErrPayload = errors.New("device: payload is not a JSON object")

	// ErrEngineClosed indicates the manager is shutting down.
	ErrEngineClosed = errors.New("device: engine closed")
)
