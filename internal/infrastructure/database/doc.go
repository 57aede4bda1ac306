// Package database opens and migrates the engine's embedded SQLite
// store.
//
// The store backs the device event history: lifecycle transitions,
// connection changes, and errors recorded asynchronously while the
// engine runs. It is deliberately small; telemetry itself goes to the
// metrics sink, never to SQLite.
//
// # Schema Migrations
//
// Schema files are embedded into the binary by the top-level
// migrations package and applied on startup via DB.Migrate. Filenames
// follow YYYYMMDD_HHMMSS_description.up.sql and run in version order,
// each in its own transaction. The schema is forward-only.
//
// # Concurrency
//
// SQLite allows a single writer. The pool is pinned to one connection
// and WAL mode keeps readers unblocked, which matches the engine's
// write pattern: one recorder goroutine, occasional REST reads.
package database
