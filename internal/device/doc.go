// Package device holds the authoritative catalog of models, devices
// and groups, and runs the simulation itself: virtual devices that
// generate and publish telemetry, proxy devices that ingest it from
// real hardware, and the launch/dropout orchestration that drives
// whole groups.
//
// The Manager is the sole author of device state transitions. Catalog
// mutations serialize on one coarse lock; per-device work (connects,
// publishes, stops) happens outside it on per-device locks so slow
// transports never stall the control plane.
package device
