// Package history persists the engine's event log to SQLite.
//
// The Repository owns the SQL surface over the device_events table; the
// Recorder sits between the device manager's event notifications and
// the repository, buffering writes on a bounded channel so a slow disk
// never stalls a device transition. Overflow drops the oldest pending
// event and counts it.
package history
