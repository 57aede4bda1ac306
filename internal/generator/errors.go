package generator

import "errors"

// Package-level errors returned by the generator factory.
var (
	// ErrUnknownType indicates an unrecognised generator type name.
	ErrUnknownType = errors.New("generator: unknown generator type")

	// ErrUnknownHandler indicates a custom handler name with no
	// registry entry.
	ErrUnknownHandler = errors.New("generator: unknown custom handler")

	// ErrInvalidConfig indicates a variant configuration the factory
	// cannot construct from.
	ErrInvalidConfig = errors.New("generator: invalid generator config")

	// ErrNoData indicates a replay source that yielded no rows.
	ErrNoData = errors.New("generator: replay source has no rows")
)
