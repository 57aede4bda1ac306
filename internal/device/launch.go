package device

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// launcher is one in-flight group launch task.
type launcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// CreateGroup instantiates count devices of one model as a launch
// cohort. Partial failure rolls back the members already created.
func (m *Manager) CreateGroup(modelID string, count int, groupID, idTemplate string) (*Group, error) {
	maxSize := m.cfg.MaxGroupSize
	if maxSize <= 0 {
		maxSize = 1000000
	}
	if count < 1 || count > maxSize {
		return nil, fmt.Errorf("%w: count must be within 1-%d", ErrValidation, maxSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.models[modelID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if groupID == "" {
		groupID = fmt.Sprintf("%s-group-%s", modelID, uuid.NewString()[:8])
	}
	if _, exists := m.groups[groupID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrGroupExists, groupID)
	}
	if idTemplate == "" {
		idTemplate = "{modelId}-{index}"
	}

	g := &Group{
		ID:            groupID,
		ModelID:       modelID,
		ExpectedCount: count,
		IDPattern:     idTemplate,
		DeviceIDs:     make([]string, 0, count),
		CreatedAt:     time.Now(),
	}

	for i := 0; i < count; i++ {
		deviceID := memberID(idTemplate, modelID, groupID, i)
		if _, err := m.createDeviceLocked(modelID, deviceID, groupID); err != nil {
			for _, created := range g.DeviceIDs {
				delete(m.entries, created)
			}
			return nil, fmt.Errorf("creating member %d: %w", i, err)
		}
		g.DeviceIDs = append(g.DeviceIDs, deviceID)
	}

	m.groups[groupID] = g
	m.logger.Info("group created", "group_id", groupID, "model_id", modelID, "count", count)
	return g.DeepCopy(), nil
}

// memberID expands the group id template for one member index.
func memberID(template, modelID, groupID string, index int) string {
	out := strings.ReplaceAll(template, "{modelId}", modelID)
	out = strings.ReplaceAll(out, "{groupId}", groupID)
	out = strings.ReplaceAll(out, "{index}", strconv.Itoa(index))
	return out
}

// ListGroups returns all groups sorted by id.
func (m *Manager) ListGroups() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetGroup returns one group by id.
func (m *Manager) GetGroup(id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return g.DeepCopy(), nil
}

// launchOffsets computes the start offset for each member index.
func launchOffsets(cfg LaunchConfig, n int) []time.Duration {
	delay := time.Duration(cfg.DelayMs) * time.Millisecond
	maxDelay := time.Duration(cfg.MaxDelayMs) * time.Millisecond
	offsets := make([]time.Duration, n)

	for i := 0; i < n; i++ {
		switch cfg.Strategy {
		case LaunchLinear:
			offsets[i] = time.Duration(i) * delay
		case LaunchBatch:
			offsets[i] = time.Duration(i/cfg.BatchSize) * delay
		case LaunchExponential:
			d := time.Duration(float64(delay) * math.Pow(cfg.ExponentBase, float64(i)))
			if d > maxDelay {
				d = maxDelay
			}
			offsets[i] = d
		default: // immediate
			offsets[i] = 0
		}
	}
	return offsets
}

// StartGroup launches the group's simulated members with the given
// strategy. Returns immediately; progress is visible through device
// reads, events and history. A second launch while one is in flight
// returns ErrConflict.
func (m *Manager) StartGroup(cfg LaunchConfig, groupID string) (*LaunchResult, error) {
	if err := ValidateLaunch(&cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if _, busy := m.launchers[groupID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: group %s launch in flight", ErrConflict, groupID)
	}

	members := m.launchableMembersLocked(g)
	if len(members) == 0 {
		m.mu.Unlock()
		return &LaunchResult{}, nil
	}

	offsets := launchOffsets(cfg, len(members))
	estimated := offsets[len(offsets)-1]

	ctx, cancel := context.WithCancel(m.baseCtx)
	l := &launcher{cancel: cancel, done: make(chan struct{})}
	m.launchers[groupID] = l
	m.mu.Unlock()

	m.notify(Event{
		GroupID: groupID, ModelID: g.ModelID, Type: EventLaunchAccepted,
		Detail: fmt.Sprintf("strategy=%s members=%d", cfg.Strategy, len(members)),
		At:     time.Now(),
	})
	m.logger.Info("group launch accepted",
		"group_id", groupID, "strategy", cfg.Strategy, "members", len(members),
		"estimated_ms", estimated.Milliseconds())

	m.wg.Add(1)
	go m.runLaunch(ctx, l, groupID, g.ModelID, members, offsets)

	return &LaunchResult{
		AcceptedCount:       len(members),
		EstimatedDurationMs: estimated.Milliseconds(),
	}, nil
}

// launchableMembersLocked returns the group's simulated, not yet
// running members ascending by device id. Caller holds the catalog
// lock.
func (m *Manager) launchableMembersLocked(g *Group) []string {
	members := make([]string, 0, len(g.DeviceIDs))
	for _, id := range g.DeviceIDs {
		e, ok := m.entries[id]
		if !ok || e.dev.Source != SourceSimulated {
			continue
		}
		switch e.dev.Status {
		case StatusCreated, StatusStopped, StatusError:
			members = append(members, id)
		}
	}
	sort.Strings(members)
	return members
}

// runLaunch is the supervised launch task: it dispatches member starts
// at their offsets and reports completion or cancellation.
func (m *Manager) runLaunch(ctx context.Context, l *launcher, groupID, modelID string, members []string, offsets []time.Duration) {
	defer m.wg.Done()
	defer close(l.done)
	defer func() {
		m.mu.Lock()
		delete(m.launchers, groupID)
		m.mu.Unlock()
	}()

	started := time.Now()
	var memberWG sync.WaitGroup
	cancelled := false

dispatch:
	for i, id := range members {
		wait := offsets[i] - time.Since(started)
		if wait > 0 {
			select {
			case <-ctx.Done():
				cancelled = true
				break dispatch
			case <-time.After(wait):
			}
		} else if ctx.Err() != nil {
			cancelled = true
			break dispatch
		}

		memberWG.Add(1)
		go func(deviceID string) {
			defer memberWG.Done()
			if err := m.StartDevice(ctx, deviceID); err != nil {
				m.logger.Warn("launch member failed", "group_id", groupID, "device_id", deviceID, "error", err)
			}
		}(id)
	}
	memberWG.Wait()

	eventType := EventLaunchCompleted
	if cancelled {
		eventType = EventLaunchCancelled
	}
	m.notify(Event{GroupID: groupID, ModelID: modelID, Type: eventType, At: time.Now()})
	m.logger.Info("group launch finished", "group_id", groupID, "cancelled", cancelled,
		"elapsed_ms", time.Since(started).Milliseconds())
}

// StopGroup cancels any in-flight launch, then stops started members
// ascending by device id.
func (m *Manager) StopGroup(groupID string) error {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	l := m.launchers[groupID]
	members := append([]string(nil), g.DeviceIDs...)
	modelID := g.ModelID
	m.mu.Unlock()

	if l != nil {
		l.cancel()
		<-l.done
	}

	sort.Strings(members)
	for _, id := range members {
		if err := m.StopDevice(id); err != nil {
			m.logger.Warn("stopping group member", "group_id", groupID, "device_id", id, "error", err)
		}
	}

	m.notify(Event{GroupID: groupID, ModelID: modelID, Type: EventGroupStopped, At: time.Now()})
	m.logger.Info("group stopped", "group_id", groupID, "members", len(members))
	return nil
}

// DeleteGroup stops the group and removes its member devices.
func (m *Manager) DeleteGroup(groupID string) error {
	if err := m.StopGroup(groupID); err != nil {
		return err
	}

	m.mu.Lock()
	g := m.groups[groupID]
	var members []string
	var modelID string
	if g != nil {
		members = append([]string(nil), g.DeviceIDs...)
		modelID = g.ModelID
	}
	m.mu.Unlock()

	for _, id := range members {
		if err := m.DeleteDevice(id); err != nil {
			m.logger.Warn("deleting group member", "group_id", groupID, "device_id", id, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.groups, groupID)
	m.mu.Unlock()

	m.notify(Event{GroupID: groupID, ModelID: modelID, Type: EventGroupDeleted, At: time.Now()})
	m.logger.Info("group deleted", "group_id", groupID, "members", len(members))
	return nil
}
