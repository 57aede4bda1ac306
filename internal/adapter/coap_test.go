package adapter

import (
	"testing"
	"time"
)

// ==== Failure Threshold ====

// The CoAP state machine is driven by exchange outcomes; exercise it
// directly without a UDP peer.
func TestCoAP_FailureThresholdDropsConnection(t *testing.T) {
	states := newStateCollector()
	results := newResultCollector()

	c := NewCoAP(CoAPConfig{Host: "127.0.0.1", Port: 5683}, Options{
		OnState:  states.onState,
		OnResult: results.onResult,
	})
	c.connected = true

	for i := 0; i < coapFailureThreshold-1; i++ {
		c.fail(Result{Reason: ReasonTransport})
		if !c.connected {
			t.Fatalf("disconnected after %d failures, threshold is %d", i+1, coapFailureThreshold)
		}
	}
	c.fail(Result{Reason: ReasonTransport})
	if c.connected {
		t.Fatal("still connected past the failure threshold")
	}
	states.wait(t, false)

	c.succeed(10 * time.Millisecond)
	if !c.connected {
		t.Fatal("success did not restore connected state")
	}
	states.wait(t, true)
	if c.consecFailed != 0 {
		t.Errorf("consecFailed = %d after success, want 0", c.consecFailed)
	}
}

// ==== Defaults ====

func TestNewCoAP_AppliesDefaults(t *testing.T) {
	c := NewCoAP(CoAPConfig{Host: "h", Port: 5683}, Options{})
	if c.cfg.PublishTimeout != DefaultPublishTimeout {
		t.Errorf("PublishTimeout = %v, want %v", c.cfg.PublishTimeout, DefaultPublishTimeout)
	}
	if c.queue.size != DefaultQueueSize {
		t.Errorf("queue size = %d, want %d", c.queue.size, DefaultQueueSize)
	}
	if c.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", c.Dropped())
	}
}
