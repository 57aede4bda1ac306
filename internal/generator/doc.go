// Package generator produces synthetic telemetry values for simulated
// devices.
//
// Each telemetry attribute of a running device owns exactly one
// Generator instance, built by New from the model's generator spec.
// Five variants exist: random (uniform/normal/exponential sampling),
// sequence (arithmetic progression with wrap or clamp), constant,
// replay (recorded trace walked row by row) and custom (named handler
// from the registry).
//
// # Determinism
//
// Random generators seed their PRNG from FNV-1a over (deviceID,
// attrName), so restarting a device replays the identical stream.
// Custom handlers are required to be pure functions of their inputs.
//
// # Concurrency
//
// A Generator is owned by a single device task and is not safe for
// concurrent use. The handler registry itself is safe for concurrent
// registration and lookup.
package generator
