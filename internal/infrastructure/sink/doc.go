// Package sink emits the engine's time-series output.
//
// It batches tagged points and delivers them to an external store through
// one of two backends: an InfluxDB line-protocol HTTP endpoint
// (VictoriaMetrics, InfluxDB 1.x) or the InfluxDB v2 API.
//
// # Purpose
//
// Every telemetry publish, device lifecycle event, connection state change
// and periodic engine snapshot becomes one point here:
//
//	telemetry      deviceId, modelId, groupId, source (+unit)
//	device_events  deviceId, modelId, eventType, groupId, source
//	connections    deviceId, protocol, source
//	engine_stats   (no tags)
//
// # Loss model
//
// The sink is strictly fire-and-forget from the caller's side. Points sit
// in a bounded buffer; when it overflows the oldest point is dropped and
// counted. Failed batches are retried with exponential backoff, capped,
// while fresh points keep arriving. Devices are never blocked by sink I/O.
//
// # Usage
//
//	snk, err := sink.Connect(ctx, cfg.Sink)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer snk.Close()
//
//	snk.WriteTelemetry("t1-0", "t1", "", sink.SourceSimulated, "celsius",
//	    map[string]interface{}{"temperature": 21.5})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package sink
