package device

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/iotix/device-engine/internal/adapter"
)

// dropoutReconnectBackoffCap bounds the exponential backoff between
// re-connect attempts after a reconnect-enabled dropout.
const dropoutReconnectBackoffCap = 30 * time.Second

// Dropout programs a staged failure across a group's running simulated
// members. Returns immediately with the victim count and the time the
// last disconnect fires.
func (m *Manager) Dropout(groupID string, cfg DropoutConfig) (*DropoutResult, error) {
	if err := ValidateDropout(&cfg); err != nil {
		return nil, err
	}

	m.mu.RLock()
	g, ok := m.groups[groupID]
	var running []string
	if ok {
		for _, id := range g.DeviceIDs {
			e, exists := m.entries[id]
			if !exists || e.dev.Source != SourceSimulated {
				continue
			}
			if e.dev.Status == StatusRunning || e.dev.Status == StatusReconnecting {
				running = append(running, id)
			}
		}
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}

	sort.Strings(running)
	victims := selectVictims(running, cfg, groupID, time.Now())
	if len(victims) == 0 {
		return &DropoutResult{}, nil
	}

	offsets := dropoutOffsets(cfg, len(victims), groupID)
	estimated := offsets[len(offsets)-1]

	m.notify(Event{
		GroupID: groupID, ModelID: g.ModelID, Type: EventDropoutAccepted,
		Detail: fmt.Sprintf("strategy=%s victims=%d reconnect=%t", cfg.Strategy, len(victims), cfg.Reconnect),
		At:     time.Now(),
	})
	m.logger.Info("dropout accepted",
		"group_id", groupID, "strategy", cfg.Strategy, "victims", len(victims),
		"reconnect", cfg.Reconnect, "estimated_ms", estimated.Milliseconds())

	m.wg.Add(1)
	go m.runDropout(groupID, victims, offsets, cfg)

	return &DropoutResult{
		AffectedCount:       len(victims),
		EstimatedDurationMs: estimated.Milliseconds(),
	}, nil
}

// selectVictims picks the affected members. Deterministic ascending
// order for the timed strategies; uniform without replacement for
// random, seeded from the group id and the wall clock.
func selectVictims(running []string, cfg DropoutConfig, groupID string, now time.Time) []string {
	n := cfg.Count
	if n == 0 {
		n = int(math.Floor(cfg.Percentage / 100 * float64(len(running))))
	}
	if n > len(running) {
		n = len(running)
	}
	if n <= 0 {
		return nil
	}

	if cfg.Strategy != DropoutRandom {
		return running[:n]
	}

	rng := rand.New(rand.NewSource(dropoutSeed(groupID, now))) //nolint:gosec // Fault injection, not crypto
	shuffled := append([]string(nil), running...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	victims := shuffled[:n]
	sort.Strings(victims)
	return victims
}

// dropoutSeed mixes the group id and wall clock so repeated random
// dropouts pick different victims while staying reproducible in logs.
func dropoutSeed(groupID string, now time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(groupID))
	return int64(h.Sum64()) ^ now.UnixNano()
}

// dropoutOffsets computes when each victim disconnects, sorted
// ascending.
func dropoutOffsets(cfg DropoutConfig, n int, groupID string) []time.Duration {
	delay := time.Duration(cfg.DelayMs) * time.Millisecond
	duration := time.Duration(cfg.DurationMs) * time.Millisecond
	offsets := make([]time.Duration, n)

	switch cfg.Strategy {
	case DropoutLinear:
		for k := range offsets {
			offsets[k] = time.Duration(k) * delay
		}
	case DropoutExponential:
		for k := range offsets {
			d := time.Duration(float64(delay) * math.Pow(cfg.ExponentBase, float64(k)))
			if cfg.DurationMs > 0 && d > duration {
				d = duration
			}
			offsets[k] = d
		}
	case DropoutRandom:
		// Zero duration collapses the window: everyone drops at t=0.
		if duration <= 0 {
			break
		}
		rng := rand.New(rand.NewSource(dropoutSeed(groupID, time.Now()))) //nolint:gosec // Fault injection, not crypto
		for k := range offsets {
			offsets[k] = time.Duration(rng.Int63n(int64(duration)))
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	default: // immediate: all at t=0
	}
	return offsets
}

// runDropout is the supervised dropout task.
func (m *Manager) runDropout(groupID string, victims []string, offsets []time.Duration, cfg DropoutConfig) {
	defer m.wg.Done()

	started := time.Now()
	for k, id := range victims {
		wait := offsets[k] - time.Since(started)
		if wait > 0 {
			select {
			case <-m.baseCtx.Done():
				return
			case <-time.After(wait):
			}
		}
		m.dropMember(id, cfg)
	}
	m.logger.Info("dropout finished", "group_id", groupID, "victims", len(victims),
		"elapsed_ms", time.Since(started).Milliseconds())
}

// dropMember tears down one victim's adapter. With reconnect the
// device stays RECONNECTING and a supervised task re-establishes the
// connection; without it the device stops.
func (m *Manager) dropMember(id string, cfg DropoutConfig) {
	e, err := m.lookup(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev.Status != StatusRunning && e.dev.Status != StatusReconnecting {
		return
	}

	if !cfg.Reconnect {
		m.stopRuntimeLocked(e)
		return
	}

	if e.vd == nil {
		return
	}
	if old := e.vd.swapPublisher(nil); old != nil {
		old.Close() //nolint:errcheck // Torn down deliberately
	}
	e.dev.ConnectionState = ConnReconnecting
	m.setStatusLocked(e, StatusReconnecting, "dropout")
	m.sink.WriteConnection(id, string(e.vd.protocol), string(SourceSimulated), false, 0)

	m.wg.Add(1)
	go m.reattach(id, time.Duration(cfg.ReconnectDelayMs)*time.Millisecond)
}

// reattach re-establishes a dropped device's connection with
// exponential backoff. Exits when the device leaves RECONNECTING (a
// stop or delete raced it) or the engine shuts down.
func (m *Manager) reattach(id string, delay time.Duration) {
	defer m.wg.Done()

	backoff := delay
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-time.After(backoff):
		}

		e, err := m.lookup(id)
		if err != nil {
			return
		}

		e.mu.Lock()
		if e.dev.Status != StatusReconnecting || e.vd == nil {
			e.mu.Unlock()
			return
		}

		vd := e.vd
		pub, err := m.newAdapter(e.model, e.dev.ID, e.dev.GroupID, m.adapterOptions(e, vd))
		if err == nil {
			connectCtx, cancel := context.WithTimeout(m.baseCtx, m.connectTimeout())
			err = pub.Connect(connectCtx)
			cancel()
			if err != nil {
				pub.Close() //nolint:errcheck // Adapter never connected
			}
		}

		if err == nil {
			vd.swapPublisher(pub)
			e.dev.ConnectionState = ConnConnected
			m.setStatusLocked(e, StatusRunning, "")
			e.mu.Unlock()
			return
		}

		m.logger.Debug("reattach failed", "device_id", id, "backoff", backoff, "error", err)
		e.mu.Unlock()

		backoff *= 2
		if backoff > dropoutReconnectBackoffCap {
			backoff = dropoutReconnectBackoffCap
		}
	}
}

// Interface check: the real ingress adapter satisfies the runtime's
// narrow view of it.
var _ ingressConn = (*adapter.Ingress)(nil)
