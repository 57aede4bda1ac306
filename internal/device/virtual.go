package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotix/device-engine/internal/adapter"
	"github.com/iotix/device-engine/internal/generator"
)

// attrRunner is one telemetry attribute bound to its generator and
// resolved topic.
type attrRunner struct {
	spec  *AttributeSpec
	gen   generator.Generator
	topic string
}

// virtualDevice is the runtime of one simulated device: a protocol
// adapter plus one scheduler task per telemetry attribute. Built and
// owned by the Manager; all fields except the counters are set before
// the tasks start.
type virtualDevice struct {
	deviceID string
	modelID  string
	groupID  string
	protocol Protocol
	qos      byte

	attrs []attrRunner

	pubMu sync.RWMutex
	pub   adapter.Publisher

	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesSent atomic.Uint64
	bytesSent    atomic.Uint64

	// lastTelemetry holds a time.Time of the newest publish.
	lastTelemetry atomic.Value

	// droppedBase carries drops accumulated by adapters already torn
	// down, so Dropped stays monotonic across dropout reconnects.
	droppedBase atomic.Uint64

	sink TelemetrySink
}

// publisher returns the current adapter, which dropout swaps out.
func (vd *virtualDevice) publisher() adapter.Publisher {
	vd.pubMu.RLock()
	defer vd.pubMu.RUnlock()
	return vd.pub
}

// swapPublisher installs a replacement adapter and returns the old one.
func (vd *virtualDevice) swapPublisher(p adapter.Publisher) adapter.Publisher {
	vd.pubMu.Lock()
	old := vd.pub
	vd.pub = p
	vd.pubMu.Unlock()
	if old != nil {
		vd.droppedBase.Add(old.Dropped())
	}
	return old
}

// dropped returns queue drops across all adapters this device has had.
func (vd *virtualDevice) dropped() uint64 {
	total := vd.droppedBase.Load()
	if p := vd.publisher(); p != nil {
		total += p.Dropped()
	}
	return total
}

// start launches one scheduler task per attribute.
func (vd *virtualDevice) start(ctx context.Context) {
	ctx, vd.cancel = context.WithCancel(ctx)
	for i := range vd.attrs {
		vd.wg.Add(1)
		go vd.runAttribute(ctx, &vd.attrs[i])
	}
}

// stop cancels the scheduler tasks and waits up to grace for them to
// wind down, then closes the adapter regardless.
func (vd *virtualDevice) stop(grace time.Duration) {
	if vd.cancel != nil {
		vd.cancel()
	}

	done := make(chan struct{})
	go func() {
		vd.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}

	if p := vd.publisher(); p != nil {
		p.Close() //nolint:errcheck // Adapter close is best-effort on stop
	}
}

// runAttribute is the periodic task for one attribute. Next fire is
// previous fire plus the interval; when the task falls more than one
// period behind, missed ticks are skipped rather than burst-published.
func (vd *virtualDevice) runAttribute(ctx context.Context, ar *attrRunner) {
	defer vd.wg.Done()

	interval := time.Duration(ar.spec.IntervalMs) * time.Millisecond
	next := time.Now().Add(interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		vd.publishAttribute(ar, time.Now())

		next = next.Add(interval)
		if now := time.Now(); next.Before(now) {
			for !next.After(now) {
				next = next.Add(interval)
			}
		}
		timer.Reset(time.Until(next))
	}
}

// publishAttribute generates one value, wraps it in the telemetry
// payload and enqueues it on the adapter.
func (vd *virtualDevice) publishAttribute(ar *attrRunner, now time.Time) {
	// No adapter while a dropout holds the device in RECONNECTING;
	// the tick is simply lost.
	p := vd.publisher()
	if p == nil {
		return
	}

	value, err := ar.gen.Next(now)
	if err != nil {
		return
	}

	payload, ok := vd.encodePayload(ar, value, now)
	if !ok {
		return
	}

	p.Publish(interpolateTimestamp(ar.topic, now), payload, vd.qos)

	vd.lastTelemetry.Store(now)
	vd.sink.WriteTelemetry(vd.deviceID, vd.modelID, vd.groupID,
		string(SourceSimulated), ar.spec.Unit,
		map[string]interface{}{ar.spec.Name: value})
}

// encodePayload builds the wire payload: binary attributes publish raw
// bytes, everything else the per-attribute JSON envelope.
func (vd *virtualDevice) encodePayload(ar *attrRunner, value interface{}, now time.Time) ([]byte, bool) {
	if ar.spec.DataType == DataBinary {
		switch v := value.(type) {
		case []byte:
			return v, true
		case string:
			return []byte(v), true
		default:
			return []byte(fmt.Sprint(v)), true
		}
	}

	envelope := map[string]interface{}{
		ar.spec.Name: value,
		"timestamp":  now.UTC().Format(time.RFC3339Nano),
		"deviceId":   vd.deviceID,
	}
	if ar.spec.Unit != "" {
		envelope["unit"] = ar.spec.Unit
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// lastTelemetryAt returns the newest publish time, nil before the
// first publish.
func (vd *virtualDevice) lastTelemetryAt() *time.Time {
	v, ok := vd.lastTelemetry.Load().(time.Time)
	if !ok {
		return nil
	}
	return &v
}
