package device

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// ingressConn is the slice of the ingress adapter the proxy runtime
// needs; satisfied by *adapter.Ingress and by test fakes.
type ingressConn interface {
	Close() error
}

// proxyDevice is the runtime of one proxy device: an ingress
// connection (MQTT) or a webhook target (HTTP) forwarding real
// telemetry into the sink.
type proxyDevice struct {
	deviceID string
	modelID  string
	groupID  string

	// ingress is nil for HTTP-bound proxies; their payloads arrive via
	// the webhook route.
	ingress ingressConn

	messagesReceived atomic.Uint64
	bytesReceived    atomic.Uint64
	droppedPayloads  atomic.Uint64

	lastTelemetry atomic.Value

	sink TelemetrySink
}

// handleTelemetry forwards one raw payload. The payload must be a JSON
// object; its top-level number, string and boolean fields become the
// telemetry point's fields. Returns ErrPayload for anything else.
func (pd *proxyDevice) handleTelemetry(payload []byte) error {
	var parsed map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		pd.droppedPayloads.Add(1)
		return fmt.Errorf("%w: %v", ErrPayload, err)
	}

	fields := make(map[string]interface{}, len(parsed))
	for k, v := range parsed {
		switch v.(type) {
		case float64, string, bool:
			fields[k] = v
		}
	}

	pd.messagesReceived.Add(1)
	pd.bytesReceived.Add(uint64(len(payload)))
	pd.lastTelemetry.Store(time.Now())

	if len(fields) > 0 {
		pd.sink.WriteTelemetry(pd.deviceID, pd.modelID, pd.groupID,
			string(SourcePhysical), "", fields)
	}
	return nil
}

// stop closes the ingress connection if one exists.
func (pd *proxyDevice) stop() {
	if pd.ingress != nil {
		pd.ingress.Close() //nolint:errcheck // Ingress close is best-effort on stop
		pd.ingress = nil
	}
}

// lastTelemetryAt returns the newest receive time, nil before the
// first payload.
func (pd *proxyDevice) lastTelemetryAt() *time.Time {
	v, ok := pd.lastTelemetry.Load().(time.Time)
	if !ok {
		return nil
	}
	return &v
}
