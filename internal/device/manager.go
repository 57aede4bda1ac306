package device

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/iotix/device-engine/internal/adapter"
	"github.com/iotix/device-engine/internal/generator"
	"github.com/iotix/device-engine/internal/infrastructure/config"
	"github.com/iotix/device-engine/internal/infrastructure/metrics"
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TelemetrySink is the slice of the metrics sink the engine writes to.
// Satisfied by *sink.Sink; tests substitute a recording fake.
type TelemetrySink interface {
	WriteTelemetry(deviceID, modelID, groupID, source, unit string, fields map[string]interface{})
	WriteDeviceEvent(deviceID, modelID, groupID, source, eventType string)
	WriteConnection(deviceID, protocol, source string, connected bool, latencyMs float64)
	WriteEngineStats(activeDevices, activeSimulated, activePhysical int, totalMessages, totalBytes uint64, activeGroups int)
}

// noopSink discards every point.
type noopSink struct{}

func (noopSink) WriteTelemetry(string, string, string, string, string, map[string]interface{}) {}
func (noopSink) WriteDeviceEvent(string, string, string, string, string)                      {}
func (noopSink) WriteConnection(string, string, string, bool, float64)                        {}
func (noopSink) WriteEngineStats(int, int, int, uint64, uint64, int)                          {}

// AdapterFactory builds the egress adapter for one device. The default
// wires the real transports; tests inject fakes.
type AdapterFactory func(model *Model, deviceID, groupID string, opts adapter.Options) (adapter.Publisher, error)

// IngressFactory builds the MQTT ingress connection for one proxy
// binding.
type IngressFactory func(ctx context.Context, cfg adapter.IngressConfig, handler adapter.TelemetryHandler, opts adapter.Options) (ingressConn, error)

// Options configures a Manager. Zero-value callbacks and the sink fall
// back to no-ops so tests can construct a Manager with just the store.
type Options struct {
	Engine       config.EngineConfig
	MQTTDefaults config.MQTTConfig
	Store        *ModelStore
	Sink         TelemetrySink
	Metrics      *metrics.EngineMetrics
	Logger       Logger

	// AdapterFactory and IngressFactory override transport wiring.
	AdapterFactory AdapterFactory
	IngressFactory IngressFactory
}

// entry pairs a device snapshot with its runtime. Transitions for one
// device serialize on the entry mutex; the catalog lock is never held
// across transport I/O.
type entry struct {
	mu    sync.Mutex
	dev   *Device
	model *Model

	vd *virtualDevice
	pd *proxyDevice

	// Counter bases carried across restarts of the runtime.
	sentBase      uint64
	bytesBase     uint64
	recvBase      uint64
	recvBytesBase uint64
	droppedBase   uint64

	// active mirrors membership in the running population counters.
	active bool
}

// Manager owns the device catalog and drives the simulation.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Manager struct {
	cfg          config.EngineConfig
	mqttDefaults config.MQTTConfig
	store        *ModelStore
	sink         TelemetrySink
	em           *metrics.EngineMetrics
	logger       Logger
	newAdapter   AdapterFactory
	newIngress   IngressFactory

	mu        sync.RWMutex
	models    map[string]*Model
	entries   map[string]*entry
	groups    map[string]*Group
	launchers map[string]*launcher

	listenersMu    sync.RWMutex
	listeners      []func(Event)
	statsListeners []StatsListener

	runningSim  atomic.Int64
	runningPhys atomic.Int64
	totalMsgs   atomic.Uint64
	totalBytes  atomic.Uint64

	droppedSeen uint64

	startedAt time.Time
	baseCtx   context.Context
	baseStop  context.CancelFunc
	wg        sync.WaitGroup
	spawnMu   sync.Mutex
	closed    atomic.Bool
}

// NewManager creates the manager. Call Start to load persisted models
// and begin the stats loop.
func NewManager(opts Options) *Manager {
	if opts.Sink == nil {
		opts.Sink = noopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:          opts.Engine,
		mqttDefaults: opts.MQTTDefaults,
		store:        opts.Store,
		sink:         opts.Sink,
		em:           opts.Metrics,
		logger:       opts.Logger,
		newAdapter:   opts.AdapterFactory,
		newIngress:   opts.IngressFactory,
		models:       make(map[string]*Model),
		entries:      make(map[string]*entry),
		groups:       make(map[string]*Group),
		launchers:    make(map[string]*launcher),
		startedAt:    time.Now(),
		baseCtx:      ctx,
		baseStop:     cancel,
	}
	if m.newAdapter == nil {
		m.newAdapter = m.buildAdapter
	}
	if m.newIngress == nil {
		m.newIngress = m.buildIngress
	}
	return m
}

// Subscribe registers a listener for lifecycle and orchestration
// events. Listeners run on the emitting goroutine and must not block.
func (m *Manager) Subscribe(fn func(Event)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// Start loads persisted models and launches the stats loop. Corrupt
// model files are logged and skipped.
func (m *Manager) Start() error {
	if m.store != nil {
		models, problems := m.store.LoadAll()
		for _, err := range problems {
			m.logger.Warn("skipping model file", "error", err)
		}
		m.mu.Lock()
		for _, model := range models {
			m.models[model.ID] = model
		}
		m.mu.Unlock()
		m.logger.Info("models loaded", "count", len(models))
	}

	m.wg.Add(1)
	go m.statsLoop()
	return nil
}

// Close stops every group and device, then the stats loop. Devices are
// stopped before the sink would be flushed by the caller.
func (m *Manager) Close(ctx context.Context) error {
	m.spawnMu.Lock()
	first := m.closed.CompareAndSwap(false, true)
	m.spawnMu.Unlock()
	if !first {
		return nil
	}

	// Cancel active launchers first so no new starts race the stops.
	m.mu.Lock()
	launchers := make([]*launcher, 0, len(m.launchers))
	for _, l := range m.launchers {
		launchers = append(launchers, l)
	}
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, l := range launchers {
		l.cancel()
		<-l.done
	}

	sort.Strings(ids)
	for _, id := range ids {
		if err := m.StopDevice(id); err != nil {
			m.logger.Warn("stopping device at shutdown", "device_id", id, "error", err)
		}
		select {
		case <-ctx.Done():
			m.baseStop()
			return ctx.Err()
		default:
		}
	}

	m.baseStop()
	m.wg.Wait()
	return nil
}

// ==== Models ====

// RegisterModel validates and persists a model. Re-registering an
// identical spec is idempotent; a different spec under the same id is
// rejected.
func (m *Manager) RegisterModel(model *Model) (*Model, error) {
	if model.Version == "" {
		model.Version = "1.0.0"
	}
	if err := ValidateModel(model); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.models[model.ID]; ok {
		if reflect.DeepEqual(existing, model) {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrModelExists, model.ID)
	}

	if m.store != nil {
		if err := m.store.Save(model); err != nil {
			return nil, err
		}
	}
	m.models[model.ID] = model
	m.logger.Info("model registered", "model_id", model.ID, "type", model.Type, "protocol", model.Protocol)
	return model, nil
}

// ListModels returns all registered models sorted by id.
func (m *Manager) ListModels() []*Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Model, 0, len(m.models))
	for _, model := range m.models {
		out = append(out, model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetModel returns one model by id.
func (m *Manager) GetModel(id string) (*Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return model, nil
}

// DeleteModel removes a model. Fails with ErrModelBusy while any
// device still references it.
func (m *Manager) DeleteModel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.models[id]; !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	for _, e := range m.entries {
		if e.dev.ModelID == id {
			return fmt.Errorf("%w: %s has devices", ErrModelBusy, id)
		}
	}
	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			return err
		}
	}
	delete(m.models, id)
	m.logger.Info("model deleted", "model_id", id)
	return nil
}

// ==== Devices ====

// CreateDevice instantiates a device from a model in CREATED state.
// An empty deviceID generates "{modelId}-{8 hex}".
func (m *Manager) CreateDevice(modelID, deviceID, groupID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.createDeviceLocked(modelID, deviceID, groupID)
	if err != nil {
		return nil, err
	}
	return d.DeepCopy(), nil
}

// createDeviceLocked is the shared create path; the caller holds the
// catalog lock.
func (m *Manager) createDeviceLocked(modelID, deviceID, groupID string) (*Device, error) {
	model, ok := m.models[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if m.cfg.MaxDevices > 0 && len(m.entries) >= m.cfg.MaxDevices {
		return nil, fmt.Errorf("%w: device limit %d reached", ErrValidation, m.cfg.MaxDevices)
	}

	if deviceID == "" {
		deviceID = fmt.Sprintf("%s-%s", modelID, uuid.NewString()[:8])
	}
	if _, exists := m.entries[deviceID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, deviceID)
	}

	source := SourceSimulated
	if model.Type == TypeProxy {
		source = SourcePhysical
	}

	dev := &Device{
		ID:              deviceID,
		ModelID:         modelID,
		GroupID:         groupID,
		Source:          source,
		Status:          StatusCreated,
		ConnectionState: ConnDisconnected,
		CreatedAt:       time.Now(),
	}
	if source == SourceSimulated {
		dev.Metadata = identityMetadata()
		for k, v := range model.Metadata {
			dev.Metadata[k] = deepCopyValue(v)
		}
	}

	m.entries[deviceID] = &entry{dev: dev, model: model}
	if m.em != nil {
		m.em.Devices.WithLabelValues(string(StatusCreated)).Inc()
	}
	m.notify(Event{
		DeviceID: deviceID, ModelID: modelID, GroupID: groupID,
		Type: string(StatusCreated), Source: source, At: time.Now(),
	})
	return dev, nil
}

// identityMetadata fabricates the device-identity fields simulated
// devices carry.
func identityMetadata() map[string]interface{} {
	return map[string]interface{}{
		"serialNumber":    strings.ToUpper(gofakeit.LetterN(2)) + gofakeit.DigitN(10),
		"firmwareVersion": gofakeit.AppVersion(),
		"macAddress":      gofakeit.MacAddress(),
		"ipAddress":       gofakeit.IPv4Address(),
	}
}

// lookup fetches an entry without holding the catalog lock afterwards.
func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// StartDevice brings a device to RUNNING. Starting an already running
// or starting device is a no-op; a device mid-stop returns ErrConflict.
func (m *Manager) StartDevice(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.dev.Status {
	case StatusRunning, StatusStarting, StatusReconnecting:
		return nil
	case StatusStopping:
		return fmt.Errorf("%w: %s is stopping", ErrConflict, id)
	case StatusDeleted:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if e.dev.Source == SourcePhysical {
		return m.startProxyLocked(ctx, e)
	}
	return m.startVirtualLocked(ctx, e)
}

// startVirtualLocked runs the CREATED/STOPPED/ERROR → STARTING →
// RUNNING path for a simulated device. Caller holds e.mu.
func (m *Manager) startVirtualLocked(ctx context.Context, e *entry) error {
	dev, model := e.dev, e.model
	m.setStatusLocked(e, StatusStarting, "")
	dev.ConnectionState = ConnConnecting
	dev.ErrorMessage = ""

	attrs, err := m.buildAttributes(model, dev.ID, dev.GroupID)
	if err != nil {
		m.setStatusLocked(e, StatusError, err.Error())
		dev.ConnectionState = ConnDisconnected
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	vd := &virtualDevice{
		deviceID: dev.ID,
		modelID:  dev.ModelID,
		groupID:  dev.GroupID,
		protocol: model.Protocol,
		qos:      byte(model.Connection.QoS),
		attrs:    attrs,
		sink:     m.sink,
	}

	pub, err := m.newAdapter(model, dev.ID, dev.GroupID, m.adapterOptions(e, vd))
	if err != nil {
		m.setStatusLocked(e, StatusError, err.Error())
		dev.ConnectionState = ConnDisconnected
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	vd.pub = pub

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout())
	defer cancel()
	if err := pub.Connect(connectCtx); err != nil {
		pub.Close() //nolint:errcheck // Adapter never connected
		m.setStatusLocked(e, StatusError, err.Error())
		dev.ConnectionState = ConnDisconnected
		return err
	}

	vd.start(m.baseCtx)
	e.vd = vd
	now := time.Now()
	dev.StartedAt = &now
	dev.ConnectionState = ConnConnected
	m.setStatusLocked(e, StatusRunning, "")
	m.markActiveLocked(e, true)
	return nil
}

// StopDevice brings a running device to STOPPED. Stopping a device
// that never started is a no-op.
func (m *Manager) StopDevice(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.dev.Status {
	case StatusCreated, StatusStopped, StatusStopping, StatusError:
		return nil
	case StatusDeleted:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.stopRuntimeLocked(e)
	return nil
}

// stopRuntimeLocked winds the runtime down. Caller holds e.mu; status
// must be RUNNING, RECONNECTING or STARTING.
func (m *Manager) stopRuntimeLocked(e *entry) {
	m.setStatusLocked(e, StatusStopping, "")

	if e.vd != nil {
		e.vd.stop(m.gracefulStopTimeout())
		e.sentBase += e.vd.messagesSent.Load()
		e.bytesBase += e.vd.bytesSent.Load()
		e.droppedBase += e.vd.dropped()
		if t := e.vd.lastTelemetryAt(); t != nil {
			e.dev.LastTelemetryAt = t
		}
		e.vd = nil
	}
	if e.pd != nil {
		e.pd.stop()
		e.recvBase += e.pd.messagesReceived.Load()
		e.recvBytesBase += e.pd.bytesReceived.Load()
		if t := e.pd.lastTelemetryAt(); t != nil {
			e.dev.LastTelemetryAt = t
		}
		e.pd = nil
	}

	e.dev.ConnectionState = ConnDisconnected
	m.markActiveLocked(e, false)
	m.setStatusLocked(e, StatusStopped, "")
}

// DeleteDevice removes a device, stopping it first when needed.
func (m *Manager) DeleteDevice(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch e.dev.Status {
	case StatusDeleted:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case StatusRunning, StatusReconnecting, StatusStarting:
		m.stopRuntimeLocked(e)
	}
	m.setStatusLocked(e, StatusDeleted, "")
	groupID := e.dev.GroupID
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.entries, id)
	if groupID != "" {
		if g, ok := m.groups[groupID]; ok {
			g.DeviceIDs = removeString(g.DeviceIDs, id)
		}
	}
	m.mu.Unlock()

	if m.em != nil {
		m.em.Devices.WithLabelValues(string(StatusDeleted)).Dec()
	}
	return nil
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// GetDevice returns a point-in-time snapshot of one device.
func (m *Manager) GetDevice(id string) (*Device, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.snapshotLocked(e), nil
}

// snapshotLocked merges live runtime counters into a deep copy.
// Caller holds e.mu.
func (m *Manager) snapshotLocked(e *entry) *Device {
	d := e.dev.DeepCopy()
	d.MessagesSent = e.sentBase
	d.BytesSent = e.bytesBase
	d.MessagesReceived = e.recvBase
	d.BytesReceived = e.recvBytesBase
	if e.vd != nil {
		d.MessagesSent += e.vd.messagesSent.Load()
		d.BytesSent += e.vd.bytesSent.Load()
		if t := e.vd.lastTelemetryAt(); t != nil {
			d.LastTelemetryAt = t
		}
	}
	if e.pd != nil {
		d.MessagesReceived += e.pd.messagesReceived.Load()
		d.BytesReceived += e.pd.bytesReceived.Load()
		if t := e.pd.lastTelemetryAt(); t != nil {
			d.LastTelemetryAt = t
		}
	}
	return d
}

// ListFilter narrows ListDevices output. Zero fields match everything.
type ListFilter struct {
	ModelID string
	GroupID string
	Status  Status
	Limit   int
	Offset  int
}

// ListDevices returns device snapshots matching the filter, sorted by
// id, with offset/limit pagination applied after filtering.
func (m *Manager) ListDevices(f ListFilter) []*Device {
	m.mu.RLock()
	es := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		es = append(es, e)
	}
	m.mu.RUnlock()

	var out []*Device
	for _, e := range es {
		e.mu.Lock()
		d := m.snapshotLocked(e)
		e.mu.Unlock()
		if f.ModelID != "" && d.ModelID != f.ModelID {
			continue
		}
		if f.GroupID != "" && d.GroupID != f.GroupID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// DeviceMetrics returns the counter snapshot for one device.
func (m *Manager) DeviceMetrics(id string) (*Metrics, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	d := m.snapshotLocked(e)
	met := &Metrics{
		DeviceID:         d.ID,
		MessagesSent:     d.MessagesSent,
		BytesSent:        d.BytesSent,
		MessagesReceived: d.MessagesReceived,
		BytesReceived:    d.BytesReceived,
		DroppedPublishes: e.droppedBase,
		LastTelemetry:    d.LastTelemetryAt,
		ConnectionState:  d.ConnectionState,
	}
	if e.vd != nil {
		met.DroppedPublishes = e.droppedBase + e.vd.dropped()
	}
	if d.StartedAt != nil && (d.Status == StatusRunning || d.Status == StatusReconnecting) {
		met.ConnectionDuration = time.Since(*d.StartedAt).Seconds()
	}
	return met, nil
}

// Stats returns the engine-level snapshot from running counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	totalDevices := len(m.entries)
	totalGroups := len(m.groups)
	totalModels := len(m.models)
	proxies := 0
	for _, e := range m.entries {
		if e.dev.Source == SourcePhysical {
			proxies++
		}
	}
	m.mu.RUnlock()

	sim := int(m.runningSim.Load())
	phys := int(m.runningPhys.Load())
	return Stats{
		TotalDevices:      totalDevices,
		RunningDevices:    sim + phys,
		RunningSimulated:  sim,
		RunningPhysical:   phys,
		TotalProxyDevices: proxies,
		TotalGroups:       totalGroups,
		TotalModels:       totalModels,
		TotalMessagesSent: m.totalMsgs.Load(),
		TotalBytesSent:    m.totalBytes.Load(),
		UptimeSeconds:     time.Since(m.startedAt).Seconds(),
	}
}

// ==== Proxy devices ====

// BindDevice attaches a proxy device to its telemetry source and
// activates it. Returns the webhook URL for HTTP bindings.
func (m *Manager) BindDevice(ctx context.Context, id string, cfg *BindingConfig) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	if err := ValidateBinding(cfg); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev.Source != SourcePhysical {
		return "", fmt.Errorf("%w: %s", ErrNotProxy, id)
	}
	switch e.dev.Status {
	case StatusRunning, StatusStarting:
		return "", fmt.Errorf("%w: %s is already bound", ErrConflict, id)
	case StatusDeleted:
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	b := *cfg
	e.dev.Binding = &b
	if err := m.startProxyLocked(ctx, e); err != nil {
		return "", err
	}

	if b.Protocol == ProtocolHTTP {
		return "/api/v1/webhooks/" + id, nil
	}
	return "", nil
}

// startProxyLocked activates a proxy device from its stored binding.
// Caller holds e.mu.
func (m *Manager) startProxyLocked(ctx context.Context, e *entry) error {
	dev := e.dev
	if dev.Binding == nil {
		return fmt.Errorf("%w: %s must be bound before start", ErrNotBound, dev.ID)
	}

	m.setStatusLocked(e, StatusStarting, "")
	dev.ConnectionState = ConnConnecting
	dev.ErrorMessage = ""

	pd := &proxyDevice{
		deviceID: dev.ID,
		modelID:  dev.ModelID,
		groupID:  dev.GroupID,
		sink:     m.sink,
	}

	if dev.Binding.Protocol == ProtocolMQTT {
		b := dev.Binding
		topic := b.Topic
		if topic == "" {
			topic = fmt.Sprintf("devices/%s/telemetry", dev.ID)
		}
		cfg := adapter.IngressConfig{
			Host:           b.Broker,
			Port:           b.Port,
			TLS:            b.TLS,
			ClientID:       "iotix-proxy-" + dev.ID,
			Username:       b.Username,
			Password:       resolveSecret(b.PasswordRef, m.mqttDefaults.Auth.Password),
			Topics:         []string{topic},
			QoS:            byte(b.QoS),
			ConnectTimeout: m.connectTimeout(),
		}
		started := time.Now()
		conn, err := m.newIngress(ctx, cfg, func(_ string, payload []byte) {
			if err := pd.handleTelemetry(payload); err != nil {
				m.logger.Debug("proxy payload dropped", "device_id", dev.ID, "error", err)
			}
		}, adapter.Options{
			Logger: m.logger,
			OnState: func(connected bool, latencyMs float64) {
				m.sink.WriteConnection(dev.ID, string(ProtocolMQTT), string(SourcePhysical), connected, latencyMs)
				m.spawnConnState(dev.ID, connected)
			},
		})
		if err != nil {
			m.setStatusLocked(e, StatusError, err.Error())
			dev.ConnectionState = ConnDisconnected
			return err
		}
		pd.ingress = conn
		m.sink.WriteConnection(dev.ID, string(ProtocolMQTT), string(SourcePhysical), true,
			float64(time.Since(started).Milliseconds()))
	}

	e.pd = pd
	now := time.Now()
	dev.StartedAt = &now
	dev.ConnectionState = ConnConnected
	m.setStatusLocked(e, StatusRunning, "")
	m.markActiveLocked(e, true)
	m.notify(Event{
		DeviceID: dev.ID, ModelID: dev.ModelID, GroupID: dev.GroupID,
		Type: "bound", Source: SourcePhysical, At: time.Now(),
	})
	m.sink.WriteDeviceEvent(dev.ID, dev.ModelID, dev.GroupID, string(SourcePhysical), "bound")
	return nil
}

// UnbindDevice stops a proxy device and clears its binding.
func (m *Manager) UnbindDevice(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev.Source != SourcePhysical {
		return fmt.Errorf("%w: %s", ErrNotProxy, id)
	}
	if e.dev.Binding == nil {
		return fmt.Errorf("%w: %s", ErrNotBound, id)
	}

	if e.dev.Status == StatusRunning || e.dev.Status == StatusReconnecting || e.dev.Status == StatusStarting {
		m.stopRuntimeLocked(e)
	}
	e.dev.Binding = nil
	m.notify(Event{
		DeviceID: e.dev.ID, ModelID: e.dev.ModelID, GroupID: e.dev.GroupID,
		Type: "unbound", Source: SourcePhysical, At: time.Now(),
	})
	m.sink.WriteDeviceEvent(e.dev.ID, e.dev.ModelID, e.dev.GroupID, string(SourcePhysical), "unbound")
	return nil
}

// GetBinding returns the active binding for a proxy device.
func (m *Manager) GetBinding(id string) (*BindingConfig, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev.Source != SourcePhysical {
		return nil, fmt.Errorf("%w: %s", ErrNotProxy, id)
	}
	if e.dev.Binding == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, id)
	}
	b := *e.dev.Binding
	return &b, nil
}

// IngestWebhook routes one webhook body to a bound, running HTTP proxy
// device. ErrNotBound maps to 404, ErrPayload to 400.
func (m *Manager) IngestWebhook(id string, payload []byte) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	pd := e.pd
	bound := e.dev.Binding != nil && e.dev.Binding.Protocol == ProtocolHTTP
	e.mu.Unlock()

	if !bound || pd == nil {
		return fmt.Errorf("%w: %s", ErrNotBound, id)
	}
	return pd.handleTelemetry(payload)
}

// ==== Internals ====

// setStatusLocked performs one state transition with its side band:
// device_events point, listener notification, log line, status gauge.
// Caller holds e.mu.
func (m *Manager) setStatusLocked(e *entry, to Status, detail string) {
	from := e.dev.Status
	if from == to {
		return
	}
	e.dev.Status = to
	if to == StatusError {
		e.dev.ErrorMessage = detail
	}

	m.sink.WriteDeviceEvent(e.dev.ID, e.dev.ModelID, e.dev.GroupID, string(e.dev.Source), string(to))
	m.notify(Event{
		DeviceID: e.dev.ID,
		ModelID:  e.dev.ModelID,
		GroupID:  e.dev.GroupID,
		Type:     string(to),
		Detail:   detail,
		Source:   e.dev.Source,
		At:       time.Now(),
	})
	m.logger.Info("device transition",
		"device_id", e.dev.ID, "from", from, "to", to, "detail", detail)

	if m.em != nil {
		m.em.Devices.WithLabelValues(string(from)).Dec()
		m.em.Devices.WithLabelValues(string(to)).Inc()
	}
}

// markActiveLocked keeps the running population counters in sync.
// Caller holds e.mu.
func (m *Manager) markActiveLocked(e *entry, active bool) {
	if e.active == active {
		return
	}
	e.active = active
	delta := int64(1)
	if !active {
		delta = -1
	}
	if e.dev.Source == SourcePhysical {
		m.runningPhys.Add(delta)
	} else {
		m.runningSim.Add(delta)
	}
}

// notify fans an event out to the listeners.
func (m *Manager) notify(ev Event) {
	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// spawnConnState runs handleConnState on a supervised goroutine so
// Close waits for in-flight state transitions. Callbacks arriving once
// shutdown has begun are dropped; spawnMu makes the closed-check and
// the WaitGroup add atomic against Close.
func (m *Manager) spawnConnState(id string, connected bool) {
	m.spawnMu.Lock()
	if m.closed.Load() {
		m.spawnMu.Unlock()
		return
	}
	m.wg.Add(1)
	m.spawnMu.Unlock()

	go func() {
		defer m.wg.Done()
		m.handleConnState(id, connected)
	}()
}

// handleConnState reacts to asynchronous adapter state changes: a drop
// while RUNNING moves to RECONNECTING, recovery moves back. Runs on
// its own goroutine, never on the adapter callback.
func (m *Manager) handleConnState(id string, connected bool) {
	e, err := m.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case connected && e.dev.Status == StatusReconnecting:
		e.dev.ConnectionState = ConnConnected
		m.setStatusLocked(e, StatusRunning, "")
	case !connected && e.dev.Status == StatusRunning:
		e.dev.ConnectionState = ConnReconnecting
		m.setStatusLocked(e, StatusReconnecting, "")
	}
}

// buildAttributes constructs the per-attribute generators and resolved
// topics for one device instance.
func (m *Manager) buildAttributes(model *Model, deviceID, groupID string) ([]attrRunner, error) {
	attrs := make([]attrRunner, 0, len(model.Telemetry))
	for i := range model.Telemetry {
		spec := &model.Telemetry[i]
		gen, err := generator.New(deviceID, spec.Name, spec.DataType == DataInteger, spec.Generator)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", spec.Name, err)
		}
		attrs = append(attrs, attrRunner{
			spec:  spec,
			gen:   gen,
			topic: m.resolveTopic(model, spec, deviceID, groupID),
		})
	}
	return attrs, nil
}

// resolveTopic picks the attribute topic, the model topicPattern, the
// HTTP path, or the default, then interpolates everything except
// ${timestamp}.
func (m *Manager) resolveTopic(model *Model, spec *AttributeSpec, deviceID, groupID string) string {
	pattern := spec.Topic
	if pattern == "" {
		pattern = model.Connection.TopicPattern
	}
	if pattern == "" && model.Protocol == ProtocolHTTP {
		pattern = model.Connection.Path
	}
	if pattern == "" && model.Protocol == ProtocolCoAP {
		pattern = model.Connection.ResourcePath
	}
	if pattern == "" {
		pattern = "devices/${deviceId}/telemetry"
	}
	return interpolate(pattern, deviceID, model.ID, groupID)
}

// adapterOptions wires the adapter callbacks for one virtual device.
func (m *Manager) adapterOptions(e *entry, vd *virtualDevice) adapter.Options {
	protocol := string(vd.protocol)
	return adapter.Options{
		QueueSize:      m.cfg.PublishQueueSize,
		PublishTimeout: m.publishTimeout(),
		Logger:         m.logger,
		OnState: func(connected bool, latencyMs float64) {
			m.sink.WriteConnection(vd.deviceID, protocol, string(SourceSimulated), connected, latencyMs)
			m.spawnConnState(vd.deviceID, connected)
		},
		OnResult: func(r adapter.Result) {
			if m.em != nil {
				m.em.PublishesTotal.WithLabelValues(protocol).Inc()
			}
			if r.OK {
				vd.messagesSent.Add(1)
				vd.bytesSent.Add(uint64(r.Bytes))
				m.totalMsgs.Add(1)
				m.totalBytes.Add(uint64(r.Bytes))
				return
			}
			if m.em != nil {
				m.em.PublishFailuresTotal.WithLabelValues(protocol, r.Reason).Inc()
			}
		},
	}
}

// buildAdapter is the default AdapterFactory wiring real transports.
func (m *Manager) buildAdapter(model *Model, deviceID, groupID string, opts adapter.Options) (adapter.Publisher, error) {
	c := model.Connection
	switch model.Protocol {
	case ProtocolMQTT:
		host := c.Host
		if host == "" {
			host = m.mqttDefaults.Broker.Host
		}
		if host == "" {
			host = "localhost"
		}
		port := c.Port
		if port == 0 {
			port = m.mqttDefaults.Broker.Port
		}
		if port == 0 {
			port = 1883
		}
		clientPattern := c.ClientIDPattern
		if clientPattern == "" {
			clientPattern = "${modelId}-${deviceId}"
		}
		username := c.Username
		if username == "" {
			username = m.mqttDefaults.Auth.Username
		}
		cleanSession := true
		if c.CleanSession != nil {
			cleanSession = *c.CleanSession
		}
		return adapter.NewMQTT(adapter.MQTTConfig{
			Host:           host,
			Port:           port,
			TLS:            c.TLS || m.mqttDefaults.Broker.TLS,
			ClientID:       interpolate(clientPattern, deviceID, model.ID, groupID),
			Username:       username,
			Password:       resolveSecret(c.PasswordRef, m.mqttDefaults.Auth.Password),
			KeepAlive:      time.Duration(c.KeepAlive) * time.Second,
			CleanSession:   cleanSession,
			ConnectTimeout: m.connectTimeout(),
		}, opts), nil

	case ProtocolCoAP:
		port := c.Port
		if port == 0 {
			port = 5683
		}
		return adapter.NewCoAP(adapter.CoAPConfig{
			Host:           c.Host,
			Port:           port,
			ResourcePath:   interpolate(c.ResourcePath, deviceID, model.ID, groupID),
			Confirmable:    c.Confirmable,
			PublishTimeout: m.publishTimeout(),
		}, opts), nil

	case ProtocolHTTP:
		return adapter.NewHTTP(adapter.HTTPConfig{
			BaseURL:        c.BaseURL,
			PublishTimeout: m.publishTimeout(),
		}, opts)

	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrValidation, model.Protocol)
	}
}

// buildIngress is the default IngressFactory.
func (m *Manager) buildIngress(ctx context.Context, cfg adapter.IngressConfig, handler adapter.TelemetryHandler, opts adapter.Options) (ingressConn, error) {
	in, err := adapter.NewIngress(cfg, handler, opts)
	if err != nil {
		return nil, err
	}
	if err := in.Connect(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

// resolveSecret turns a password reference (an environment variable
// name) into its value, falling back to the configured default.
func resolveSecret(ref, fallback string) string {
	if ref == "" {
		return fallback
	}
	if v := os.Getenv(ref); v != "" {
		return v
	}
	return fallback
}

// statsLoop emits the engine_stats point on the configured cadence and
// rolls adapter queue drops into the Prometheus counter.
func (m *Manager) statsLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.StatsIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
		}

		s := m.Stats()
		m.sink.WriteEngineStats(s.RunningDevices, s.RunningSimulated, s.RunningPhysical,
			s.TotalMessagesSent, s.TotalBytesSent, s.TotalGroups)
		m.notifyStats(s)

		if m.em != nil {
			m.em.ActiveGroups.Set(float64(s.TotalGroups))
			total := m.droppedTotal()
			if total > m.droppedSeen {
				m.em.DroppedPublishes.Add(float64(total - m.droppedSeen))
				m.droppedSeen = total
			}
		}
	}
}

// droppedTotal sums queue drops across all devices.
func (m *Manager) droppedTotal() uint64 {
	m.mu.RLock()
	es := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		es = append(es, e)
	}
	m.mu.RUnlock()

	var total uint64
	for _, e := range es {
		e.mu.Lock()
		total += e.droppedBase
		if e.vd != nil {
			total += e.vd.dropped()
		}
		e.mu.Unlock()
	}
	return total
}

// StatsListener receives the periodic engine snapshot.
type StatsListener func(Stats)

// SubscribeStats registers a listener for the periodic stats snapshot.
func (m *Manager) SubscribeStats(fn StatsListener) {
	m.listenersMu.Lock()
	m.statsListeners = append(m.statsListeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) notifyStats(s Stats) {
	m.listenersMu.RLock()
	listeners := m.statsListeners
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// connectTimeout returns the configured adapter connect bound.
func (m *Manager) connectTimeout() time.Duration {
	if m.cfg.ConnectTimeoutMs > 0 {
		return time.Duration(m.cfg.ConnectTimeoutMs) * time.Millisecond
	}
	return adapter.DefaultConnectTimeout
}

func (m *Manager) publishTimeout() time.Duration {
	if m.cfg.PublishTimeoutMs > 0 {
		return time.Duration(m.cfg.PublishTimeoutMs) * time.Millisecond
	}
	return adapter.DefaultPublishTimeout
}

func (m *Manager) gracefulStopTimeout() time.Duration {
	if m.cfg.GracefulStopTimeoutMs > 0 {
		return time.Duration(m.cfg.GracefulStopTimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}
