package sink

import "time"

// Measurement names emitted by the engine.
const (
	MeasurementTelemetry    = "telemetry"
	MeasurementDeviceEvents = "device_events"
	MeasurementConnections  = "connections"
	MeasurementEngineStats  = "engine_stats"
)

// Source tag values. Every telemetry, event and connection point carries
// exactly one of these so mixed populations stay distinguishable.
const (
	SourceSimulated = "simulated"
	SourcePhysical  = "physical"
)

// WriteTelemetry queues one telemetry point.
//
// Tags: deviceId, modelId, groupId (omitted when empty), source, and unit
// when the attribute declares one. Fields carry the attribute values
// keyed by attribute name.
//
// Example:
//
//	snk.WriteTelemetry("t1-0", "t1", "G", sink.SourceSimulated, "celsius",
//	    map[string]interface{}{"temperature": 21.5})
func (s *Sink) WriteTelemetry(deviceID, modelID, groupID, source, unit string, fields map[string]interface{}) {
	tags := map[string]string{
		"deviceId": deviceID,
		"modelId":  modelID,
		"groupId":  groupID,
		"source":   source,
	}
	if unit != "" {
		tags["unit"] = unit
	}
	s.Submit(Point{
		Measurement: MeasurementTelemetry,
		Tags:        tags,
		Fields:      fields,
		Time:        time.Now(),
	})
}

// WriteDeviceEvent queues one lifecycle event point (value is always 1;
// the information lives in the tags).
func (s *Sink) WriteDeviceEvent(deviceID, modelID, groupID, source, eventType string) {
	s.Submit(Point{
		Measurement: MeasurementDeviceEvents,
		Tags: map[string]string{
			"deviceId":  deviceID,
			"modelId":   modelID,
			"groupId":   groupID,
			"source":    source,
			"eventType": eventType,
		},
		Fields: map[string]interface{}{
			"value": 1,
		},
		Time: time.Now(),
	})
}

// WriteConnection queues one connection state-change point.
func (s *Sink) WriteConnection(deviceID, protocol, source string, connected bool, latencyMs float64) {
	s.Submit(Point{
		Measurement: MeasurementConnections,
		Tags: map[string]string{
			"deviceId": deviceID,
			"protocol": protocol,
			"source":   source,
		},
		Fields: map[string]interface{}{
			"connected": connected,
			"latencyMs": latencyMs,
		},
		Time: time.Now(),
	})
}

// WriteEngineStats queues the periodic engine-level snapshot.
func (s *Sink) WriteEngineStats(activeDevices, activeSimulated, activePhysical int, totalMessages, totalBytes uint64, activeGroups int) {
	s.Submit(Point{
		Measurement: MeasurementEngineStats,
		Tags:        nil,
		Fields: map[string]interface{}{
			"activeDevices":   activeDevices,
			"activeSimulated": activeSimulated,
			"activePhysical":  activePhysical,
			"totalMessages":   int64(totalMessages),
			"totalBytes":      int64(totalBytes),
			"activeGroups":    activeGroups,
		},
		Time: time.Now(),
	})
}
