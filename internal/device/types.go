package device

import (
	"time"

	"github.com/iotix/device-engine/internal/generator"
)

// ModelType classifies a device model.
type ModelType string

// Model types accepted at registration.
const (
	TypeSensor   ModelType = "sensor"
	TypeGateway  ModelType = "gateway"
	TypeActuator ModelType = "actuator"
	TypeCustom   ModelType = "custom"
	TypeProxy    ModelType = "proxy"
)

// Protocol names a telemetry transport.
type Protocol string

// Supported transports.
const (
	ProtocolMQTT Protocol = "mqtt"
	ProtocolCoAP Protocol = "coap"
	ProtocolHTTP Protocol = "http"
)

// Status is a device's lifecycle state.
type Status string

// Lifecycle states. CREATED is initial, DELETED terminal.
const (
	StatusCreated      Status = "created"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusDeleted      Status = "deleted"
)

// ConnectionState tracks the transport connection independently of the
// lifecycle status.
type ConnectionState string

// Connection states.
const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
)

// Source distinguishes simulated telemetry from telemetry proxied off
// real hardware. Every emitted point carries one of these.
type Source string

// Source tag values.
const (
	SourceSimulated Source = "simulated"
	SourcePhysical  Source = "physical"
)

// Telemetry attribute data types.
const (
	DataNumber  = "number"
	DataInteger = "integer"
	DataBoolean = "boolean"
	DataString  = "string"
	DataBinary  = "binary"
)

// Model is a registered device template. Models persist as one JSON
// file each under the configured model directory and are immutable
// once registered (delete and re-register to change).
type Model struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version"`
	Type        ModelType `json:"type"`
	Protocol    Protocol  `json:"protocol"`

	Connection ConnectionSpec  `json:"connection"`
	Telemetry  []AttributeSpec `json:"telemetry,omitempty"`

	// Commands, Behaviors and Metadata are carried through untouched;
	// nothing on the hot path interprets them.
	Commands  []map[string]interface{} `json:"commands,omitempty"`
	Behaviors map[string]interface{}   `json:"behaviors,omitempty"`
	Metadata  map[string]interface{}   `json:"metadata,omitempty"`
}

// ConnectionSpec is the transport half of a model. Fields are a union
// across protocols; validation enforces the per-protocol subset.
type ConnectionSpec struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	TLS  bool   `json:"tls,omitempty"`

	// ClientIDPattern defaults to "${modelId}-${deviceId}".
	ClientIDPattern string `json:"clientIdPattern,omitempty"`
	TopicPattern    string `json:"topicPattern,omitempty"`

	QoS          int   `json:"qos"`
	KeepAlive    int   `json:"keepAlive,omitempty"`
	CleanSession *bool `json:"cleanSession,omitempty"`

	Username    string `json:"username,omitempty"`
	PasswordRef string `json:"passwordRef,omitempty"`

	// CoAP
	ResourcePath string `json:"resourcePath,omitempty"`
	Confirmable  bool   `json:"confirmable,omitempty"`

	// HTTP
	BaseURL string `json:"baseUrl,omitempty"`
	Path    string `json:"path,omitempty"`
}

// AttributeSpec declares one telemetry attribute and its generator.
type AttributeSpec struct {
	Name       string           `json:"name"`
	DataType   string           `json:"dataType"`
	Unit       string           `json:"unit,omitempty"`
	Generator  generator.Config `json:"generator"`
	IntervalMs int              `json:"intervalMs"`

	// Topic overrides the model's topicPattern for this attribute.
	Topic string `json:"topic,omitempty"`
}

// Device is the externally visible snapshot of one device instance.
// The manager hands out deep copies; runtime state lives elsewhere.
type Device struct {
	ID      string `json:"id"`
	ModelID string `json:"modelId"`
	GroupID string `json:"groupId,omitempty"`

	Source          Source          `json:"source"`
	Status          Status          `json:"status"`
	ConnectionState ConnectionState `json:"connectionState"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	MessagesSent     uint64 `json:"messagesSent"`
	BytesSent        uint64 `json:"bytesSent"`
	MessagesReceived uint64 `json:"messagesReceived,omitempty"`
	BytesReceived    uint64 `json:"bytesReceived,omitempty"`

	// Binding is set only on proxy devices with an active binding.
	Binding *BindingConfig `json:"binding,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	LastTelemetryAt *time.Time `json:"lastTelemetryAt,omitempty"`
}

// DeepCopy creates an independent copy so callers can never mutate
// the catalog through a returned snapshot.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Metadata = deepCopyMap(d.Metadata)
	if d.Binding != nil {
		b := *d.Binding
		cpy.Binding = &b
	}
	if d.StartedAt != nil {
		t := *d.StartedAt
		cpy.StartedAt = &t
	}
	if d.LastTelemetryAt != nil {
		t := *d.LastTelemetryAt
		cpy.LastTelemetryAt = &t
	}
	return &cpy
}

// deepCopyMap clones a map[string]interface{} including nested maps
// and slices.
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	cpy := make(map[string]interface{}, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		cpy := make([]interface{}, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// Group is a launch/dropout cohort of devices sharing one model.
type Group struct {
	ID            string    `json:"id"`
	ModelID       string    `json:"modelId"`
	ExpectedCount int       `json:"expectedCount"`
	IDPattern     string    `json:"idPattern"`
	DeviceIDs     []string  `json:"deviceIds"`
	CreatedAt     time.Time `json:"createdAt"`
}

// DeepCopy creates an independent copy of the group.
func (g *Group) DeepCopy() *Group {
	if g == nil {
		return nil
	}
	cpy := *g
	cpy.DeviceIDs = append([]string(nil), g.DeviceIDs...)
	return &cpy
}

// BindingConfig attaches a proxy device to its real telemetry source.
// At most one active binding per device.
type BindingConfig struct {
	Protocol Protocol `json:"protocol"`

	// MQTT ingress
	Broker      string `json:"broker,omitempty"`
	Port        int    `json:"port,omitempty"`
	Topic       string `json:"topic,omitempty"`
	QoS         int    `json:"qos,omitempty"`
	TLS         bool   `json:"tls,omitempty"`
	Username    string `json:"username,omitempty"`
	PasswordRef string `json:"passwordRef,omitempty"`
}

// Launch strategies.
const (
	LaunchImmediate   = "immediate"
	LaunchLinear      = "linear"
	LaunchBatch       = "batch"
	LaunchExponential = "exponential"
)

// LaunchConfig shapes a staged group start.
type LaunchConfig struct {
	Strategy     string  `json:"strategy"`
	DelayMs      int     `json:"delayMs,omitempty"`
	BatchSize    int     `json:"batchSize,omitempty"`
	MaxDelayMs   int     `json:"maxDelayMs,omitempty"`
	ExponentBase float64 `json:"exponentBase,omitempty"`
}

// Dropout timing strategies.
const (
	DropoutImmediate   = "immediate"
	DropoutLinear      = "linear"
	DropoutExponential = "exponential"
	DropoutRandom      = "random"
)

// DropoutConfig programs a partial failure across a group. Exactly one
// of Count or Percentage selects the victims.
type DropoutConfig struct {
	Count      int     `json:"count,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`

	Strategy     string  `json:"strategy"`
	DelayMs      int     `json:"delayMs,omitempty"`
	DurationMs   int     `json:"durationMs,omitempty"`
	ExponentBase float64 `json:"exponentBase,omitempty"`

	// Reconnect keeps victims in RECONNECTING and re-establishes after
	// ReconnectDelayMs; otherwise they stop.
	Reconnect        bool `json:"reconnect,omitempty"`
	ReconnectDelayMs int  `json:"reconnectDelayMs,omitempty"`
}

// DropoutResult is returned immediately when a dropout is accepted.
type DropoutResult struct {
	AffectedCount       int   `json:"affectedCount"`
	EstimatedDurationMs int64 `json:"estimatedDurationMs"`
}

// LaunchResult is returned immediately when a group launch is accepted.
type LaunchResult struct {
	AcceptedCount       int   `json:"acceptedCount"`
	EstimatedDurationMs int64 `json:"estimatedDurationMs"`
}

// Stats is the engine-level snapshot served by GET /api/v1/stats and
// emitted to the sink every stats interval. Derived from running
// counters, never from catalog scans.
type Stats struct {
	TotalDevices      int     `json:"totalDevices"`
	RunningDevices    int     `json:"runningDevices"`
	RunningSimulated  int     `json:"runningSimulated"`
	RunningPhysical   int     `json:"runningPhysical"`
	TotalProxyDevices int     `json:"totalProxyDevices"`
	TotalGroups       int     `json:"totalGroups"`
	TotalModels       int     `json:"totalModels"`
	TotalMessagesSent uint64  `json:"totalMessagesSent"`
	TotalBytesSent    uint64  `json:"totalBytesSent"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
}

// Metrics is the per-device counter snapshot served by
// GET /api/v1/devices/{id}/metrics.
type Metrics struct {
	DeviceID            string          `json:"deviceId"`
	MessagesSent        uint64          `json:"messagesSent"`
	BytesSent           uint64          `json:"bytesSent"`
	MessagesReceived    uint64          `json:"messagesReceived"`
	BytesReceived       uint64          `json:"bytesReceived"`
	DroppedPublishes    uint64          `json:"droppedPublishes"`
	LastTelemetry       *time.Time      `json:"lastTelemetry,omitempty"`
	ConnectionDuration  float64         `json:"connectionDuration"`
	ConnectionState     ConnectionState `json:"connectionState"`
}

// Event is one lifecycle or orchestration notification. Device
// transitions carry the device/model ids; group operations carry the
// group id with an empty device id.
type Event struct {
	DeviceID string    `json:"deviceId,omitempty"`
	ModelID  string    `json:"modelId,omitempty"`
	GroupID  string    `json:"groupId,omitempty"`
	Type     string    `json:"eventType"`
	Detail   string    `json:"detail,omitempty"`
	Source   Source    `json:"source,omitempty"`
	At       time.Time `json:"occurredAt"`
}

// Group orchestration event types. Device lifecycle events use the
// target Status name.
const (
	EventLaunchAccepted  = "launch_accepted"
	EventLaunchCompleted = "launch_completed"
	EventLaunchCancelled = "launch_cancelled"
	EventDropoutAccepted = "dropout_accepted"
	EventGroupStopped    = "group_stopped"
	EventGroupDeleted    = "group_deleted"
)
