// Package adapter implements protocol egress and ingress for devices.
//
// Egress adapters (MQTT, CoAP, HTTP) share the Publisher capability
// set: Connect, a non-blocking Publish, and Close. Each simulated
// device owns exactly one adapter instance and its own broker
// connection; connections are never shared.
//
// Publish submission never blocks the caller: payloads land in a
// bounded in-adapter queue drained by one worker goroutine. When the
// queue is full the oldest pending publish is dropped and counted, so
// a slow broker degrades telemetry instead of stalling schedulers.
// Publish outcomes and connection-state changes are reported through
// callbacks; adapters self-heal and never surface transport errors to
// the control plane.
//
// Ingress is the MQTT proxy adapter: it subscribes to an external
// topic and hands every received payload to the owning proxy device.
// HTTP ingress needs no adapter here; the control plane routes webhook
// bodies through the device manager's binding table.
package adapter
