package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotix/device-engine/internal/adapter"
	"github.com/iotix/device-engine/internal/device"
	"github.com/iotix/device-engine/internal/history"
	"github.com/iotix/device-engine/internal/infrastructure/config"
	"github.com/iotix/device-engine/internal/infrastructure/database"
	"github.com/iotix/device-engine/internal/infrastructure/logging"
	_ "github.com/iotix/device-engine/migrations" // History schema
)

// ==== Fixtures ====

// stubPublisher accepts everything without touching a network.
type stubPublisher struct {
	mu     sync.Mutex
	closed bool
}

func (p *stubPublisher) Connect(context.Context) error { return nil }
func (p *stubPublisher) Publish(string, []byte, byte)  {}
func (p *stubPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
func (p *stubPublisher) Dropped() uint64 { return 0 }

func stubAdapterFactory(_ *device.Model, _, _ string, _ adapter.Options) (adapter.Publisher, error) {
	return &stubPublisher{}, nil
}

func sensorModel() map[string]any {
	return map[string]any{
		"id":       "env-sensor",
		"name":     "Environment Sensor",
		"type":     "sensor",
		"protocol": "mqtt",
		"connection": map[string]any{
			"host": "broker.local",
			"port": 1883,
			"qos":  1,
		},
		"telemetry": []map[string]any{
			{
				"name":       "temperature",
				"dataType":   "number",
				"unit":       "celsius",
				"generator":  map[string]any{"type": "random", "min": 18, "max": 28},
				"intervalMs": 1000,
			},
		},
	}
}

func gatewayModel() map[string]any {
	return map[string]any{
		"id":       "gateway",
		"name":     "Gateway",
		"type":     "proxy",
		"protocol": "mqtt",
		"connection": map[string]any{
			"host": "broker.local",
			"port": 1883,
			"qos":  1,
		},
	}
}

// testServer bundles the pieces a handler test needs.
type testServer struct {
	srv *Server
	ts  *httptest.Server
	mgr *device.Manager
}

// newTestServer wires a manager with stub transports behind the real
// router.
func newTestServer(t *testing.T, hist *history.Repository) *testServer {
	t.Helper()

	mgr := device.NewManager(device.Options{
		Engine:         config.EngineConfig{GracefulStopTimeoutMs: 500},
		AdapterFactory: stubAdapterFactory,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Close(ctx) //nolint:errcheck // Test cleanup
	})

	srv, err := New(Deps{
		Config:  config.APIConfig{},
		Metrics: config.MetricsConfig{Enabled: true},
		Logger:  logging.Default(),
		Manager: mgr,
		History: hist,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, ts: ts, mgr: mgr}
}

// openHistory opens a migrated history store in a temporary directory.
func openHistory(t *testing.T) *history.Repository {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		WALMode:       true,
		BusyTimeoutMs: 5000,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return history.NewRepository(db)
}

// do issues one JSON request and decodes the response body.
func (e *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Test cleanup

	var decoded map[string]any
	//nolint:errcheck // Some responses have empty bodies
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func (e *testServer) registerSensor(t *testing.T) {
	t.Helper()
	if code, body := e.do(t, http.MethodPost, "/api/v1/models", sensorModel()); code != http.StatusCreated {
		t.Fatalf("registering model: status %d, body %v", code, body)
	}
}

// ==== Health and Stats ====

func TestHealth(t *testing.T) {
	e := newTestServer(t, nil)
	code, body := e.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestStats(t *testing.T) {
	e := newTestServer(t, nil)
	code, body := e.do(t, http.MethodGet, "/api/v1/stats", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /stats = %d, want 200", code)
	}
	if body["totalDevices"] != float64(0) {
		t.Errorf("totalDevices = %v, want 0", body["totalDevices"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestServer(t, nil)
	resp, err := e.ts.Client().Get(e.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
	}
}

// ==== Models ====

func TestModelEndpoints(t *testing.T) {
	e := newTestServer(t, nil)

	code, body := e.do(t, http.MethodPost, "/api/v1/models", sensorModel())
	if code != http.StatusCreated {
		t.Fatalf("POST /models = %d, body %v", code, body)
	}
	if body["version"] != "1.0.0" {
		t.Errorf("default version = %v, want 1.0.0", body["version"])
	}

	// Identical re-register is idempotent.
	if code, _ := e.do(t, http.MethodPost, "/api/v1/models", sensorModel()); code != http.StatusCreated {
		t.Errorf("idempotent re-register = %d, want 201", code)
	}

	// A different spec under the same id conflicts.
	changed := sensorModel()
	changed["description"] = "changed"
	code, body = e.do(t, http.MethodPost, "/api/v1/models", changed)
	if code != http.StatusConflict {
		t.Errorf("conflicting re-register = %d, want 409", code)
	}
	if body["code"] != ErrCodeConflict {
		t.Errorf("error code = %v, want %s", body["code"], ErrCodeConflict)
	}

	// Validation failures are 400 with the structured body.
	invalid := sensorModel()
	invalid["protocol"] = "amqp"
	invalid["id"] = "bad-proto"
	code, body = e.do(t, http.MethodPost, "/api/v1/models", invalid)
	if code != http.StatusBadRequest {
		t.Errorf("invalid model = %d, want 400", code)
	}
	if body["code"] != ErrCodeValidation || body["error"] == "" {
		t.Errorf("error body = %v, want validation_error with message", body)
	}

	if code, _ := e.do(t, http.MethodGet, "/api/v1/models/env-sensor", nil); code != http.StatusOK {
		t.Errorf("GET model = %d, want 200", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/models/no-such", nil); code != http.StatusNotFound {
		t.Errorf("GET missing model = %d, want 404", code)
	}

	code, body = e.do(t, http.MethodGet, "/api/v1/models", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /models = %d", code)
	}
	if models, ok := body["models"].([]any); !ok || len(models) != 1 {
		t.Errorf("models list = %v, want one entry", body["models"])
	}

	if code, _ := e.do(t, http.MethodDelete, "/api/v1/models/env-sensor", nil); code != http.StatusOK {
		t.Errorf("DELETE model = %d, want 200", code)
	}
}

func TestDeleteModel_Busy(t *testing.T) {
	e := newTestServer(t, nil)
	e.registerSensor(t)
	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices",
		map[string]any{"modelId": "env-sensor"}); code != http.StatusCreated {
		t.Fatal("creating device failed")
	}

	code, body := e.do(t, http.MethodDelete, "/api/v1/models/env-sensor", nil)
	if code != http.StatusConflict {
		t.Errorf("DELETE busy model = %d, want 409", code)
	}
	if body["code"] != ErrCodeConflict {
		t.Errorf("error code = %v, want conflict", body["code"])
	}
}

// ==== Devices ====

func TestDeviceEndpoints(t *testing.T) {
	e := newTestServer(t, nil)
	e.registerSensor(t)

	code, body := e.do(t, http.MethodPost, "/api/v1/devices",
		map[string]any{"modelId": "env-sensor", "deviceId": "sensor-1"})
	if code != http.StatusCreated {
		t.Fatalf("POST /devices = %d, body %v", code, body)
	}
	if body["id"] != "sensor-1" || body["status"] != "created" {
		t.Errorf("created device = %v", body)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices",
		map[string]any{"deviceId": "x"}); code != http.StatusBadRequest {
		t.Errorf("create without modelId = %d, want 400", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices",
		map[string]any{"modelId": "env-sensor", "deviceId": "sensor-1"}); code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", code)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices/sensor-1/start", nil); code != http.StatusOK {
		t.Errorf("POST start = %d, want 200", code)
	}
	code, body = e.do(t, http.MethodGet, "/api/v1/devices/sensor-1", nil)
	if code != http.StatusOK || body["status"] != "running" {
		t.Errorf("GET after start = %d %v, want running", code, body["status"])
	}

	code, body = e.do(t, http.MethodGet, "/api/v1/devices?status=running", nil)
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("filtered list = %d count %v, want 1 running", code, body["count"])
	}

	code, body = e.do(t, http.MethodGet, "/api/v1/devices/sensor-1/metrics", nil)
	if code != http.StatusOK {
		t.Fatalf("GET metrics = %d", code)
	}
	if body["connectionState"] != "connected" {
		t.Errorf("connectionState = %v, want connected", body["connectionState"])
	}

	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices/sensor-1/stop", nil); code != http.StatusOK {
		t.Errorf("POST stop = %d, want 200", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/api/v1/devices/sensor-1", nil); code != http.StatusOK {
		t.Errorf("DELETE device = %d, want 200", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/devices/sensor-1", nil); code != http.StatusNotFound {
		t.Errorf("GET deleted device = %d, want 404", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices/no-such/start", nil); code != http.StatusNotFound {
		t.Errorf("start missing device = %d, want 404", code)
	}
}

// ==== Proxy Binding and Webhooks ====

func TestBindingAndWebhooks(t *testing.T) {
	e := newTestServer(t, nil)
	if code, _ := e.do(t, http.MethodPost, "/api/v1/models", gatewayModel()); code != http.StatusCreated {
		t.Fatal("registering proxy model failed")
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices",
		map[string]any{"modelId": "gateway", "deviceId": "gw-1"}); code != http.StatusCreated {
		t.Fatal("creating proxy device failed")
	}

	// Webhook before binding is 404.
	if code, _ := e.do(t, http.MethodPost, "/api/v1/webhooks/gw-1",
		map[string]any{"temp": 21.5}); code != http.StatusNotFound {
		t.Errorf("webhook unbound = %d, want 404", code)
	}

	code, body := e.do(t, http.MethodPost, "/api/v1/devices/gw-1/bind",
		map[string]any{"protocol": "http"})
	if code != http.StatusOK {
		t.Fatalf("POST bind = %d, body %v", code, body)
	}
	if body["webhookUrl"] != "/api/v1/webhooks/gw-1" {
		t.Errorf("webhookUrl = %v", body["webhookUrl"])
	}

	code, body = e.do(t, http.MethodGet, "/api/v1/devices/gw-1/binding", nil)
	if code != http.StatusOK || body["protocol"] != "http" {
		t.Errorf("GET binding = %d %v, want http binding", code, body)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/v1/webhooks/gw-1",
		map[string]any{"temp": 21.5}); code != http.StatusAccepted {
		t.Errorf("webhook delivery = %d, want 202", code)
	}

	// A non-object payload is a 400.
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/api/v1/webhooks/gw-1",
		strings.NewReader("not json"))
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("webhook bad payload: %v", err)
	}
	resp.Body.Close() //nolint:errcheck // Test cleanup
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("webhook bad payload = %d, want 400", resp.StatusCode)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices/gw-1/unbind", nil); code != http.StatusOK {
		t.Errorf("POST unbind = %d, want 200", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/devices/gw-1/binding", nil); code != http.StatusNotFound {
		t.Errorf("GET binding after unbind = %d, want 404", code)
	}

	// Binding a simulated device is a 400.
	e.registerSensor(t)
	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices",
		map[string]any{"modelId": "env-sensor", "deviceId": "sensor-1"}); code != http.StatusCreated {
		t.Fatal("creating sensor failed")
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices/sensor-1/bind",
		map[string]any{"protocol": "http"}); code != http.StatusBadRequest {
		t.Errorf("bind simulated device = %d, want 400", code)
	}
}

// ==== Groups ====

func TestGroupEndpoints(t *testing.T) {
	e := newTestServer(t, nil)
	e.registerSensor(t)

	code, body := e.do(t, http.MethodPost, "/api/v1/groups",
		map[string]any{"modelId": "env-sensor", "count": 3, "groupId": "fleet-a", "idPattern": "fleet-a-{index}"})
	if code != http.StatusCreated {
		t.Fatalf("POST /groups = %d, body %v", code, body)
	}
	if ids, ok := body["deviceIds"].([]any); !ok || len(ids) != 3 {
		t.Errorf("deviceIds = %v, want 3 members", body["deviceIds"])
	} else if ids[0] != "fleet-a-0" {
		t.Errorf("deviceIds[0] = %v, want fleet-a-0 (idPattern honoured)", ids[0])
	}

	code, body = e.do(t, http.MethodGet, "/api/v1/groups", nil)
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("GET /groups = %d count %v", code, body["count"])
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/groups/fleet-a", nil); code != http.StatusOK {
		t.Errorf("GET group = %d, want 200", code)
	}

	code, body = e.do(t, http.MethodPost, "/api/v1/groups/fleet-a/start",
		map[string]any{"strategy": "immediate"})
	if code != http.StatusAccepted {
		t.Fatalf("POST start = %d, body %v", code, body)
	}
	if body["acceptedCount"] != float64(3) {
		t.Errorf("acceptedCount = %v, want 3", body["acceptedCount"])
	}

	// Launch is asynchronous; wait for the members.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body = e.do(t, http.MethodGet, "/api/v1/devices?groupId=fleet-a&status=running", nil)
		if body["count"] == float64(3) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("members never reached running: %v", body["count"])
		}
		time.Sleep(10 * time.Millisecond)
	}

	code, body = e.do(t, http.MethodPost, "/api/v1/groups/fleet-a/dropout",
		map[string]any{"count": 2, "strategy": "immediate"})
	if code != http.StatusAccepted {
		t.Fatalf("POST dropout = %d, body %v", code, body)
	}
	if body["affectedCount"] != float64(2) {
		t.Errorf("affectedCount = %v, want 2", body["affectedCount"])
	}

	// A dropout with neither count nor percentage is a 400.
	if code, _ := e.do(t, http.MethodPost, "/api/v1/groups/fleet-a/dropout",
		map[string]any{"strategy": "immediate"}); code != http.StatusBadRequest {
		t.Errorf("invalid dropout = %d, want 400", code)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/v1/groups/fleet-a/stop", nil); code != http.StatusOK {
		t.Errorf("POST stop = %d, want 200", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/api/v1/groups/fleet-a", nil); code != http.StatusOK {
		t.Errorf("DELETE group = %d, want 200", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/groups/fleet-a", nil); code != http.StatusNotFound {
		t.Errorf("GET deleted group = %d, want 404", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/groups/no-such/start", nil); code != http.StatusNotFound {
		t.Errorf("start missing group = %d, want 404", code)
	}
}

// ==== Event History ====

func TestEventHistoryEndpoints(t *testing.T) {
	hist := openHistory(t)
	e := newTestServer(t, hist)

	for i := 0; i < 3; i++ {
		err := hist.Insert(context.Background(), history.Record{
			DeviceID:  "sensor-1",
			GroupID:   "fleet-a",
			EventType: fmt.Sprintf("event-%d", i),
			Source:    "simulated",
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	code, body := e.do(t, http.MethodGet, "/api/v1/devices/sensor-1/events?limit=2", nil)
	if code != http.StatusOK {
		t.Fatalf("GET device events = %d", code)
	}
	if body["count"] != float64(2) {
		t.Errorf("device events count = %v, want 2", body["count"])
	}

	code, body = e.do(t, http.MethodGet, "/api/v1/groups/fleet-a/events", nil)
	if code != http.StatusOK || body["count"] != float64(3) {
		t.Errorf("GET group events = %d count %v, want 3", code, body["count"])
	}
}

func TestEventHistoryDisabled(t *testing.T) {
	e := newTestServer(t, nil)
	if code, _ := e.do(t, http.MethodGet, "/api/v1/devices/x/events", nil); code != http.StatusNotFound {
		t.Errorf("events with history disabled = %d, want 404", code)
	}
}

// ==== Event Stream ====

func TestWebSocketStream(t *testing.T) {
	mgr := device.NewManager(device.Options{
		Engine:         config.EngineConfig{GracefulStopTimeoutMs: 500},
		AdapterFactory: stubAdapterFactory,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Close(ctx) //nolint:errcheck // Test cleanup
	})

	srv, err := New(Deps{
		Logger:  logging.Default(),
		Manager: mgr,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Wire the hub the way Start() would, before the listener spins up.
	srv.hub = NewHub(config.StreamConfig{
		Enabled: true, SendBuffer: 16, PingInterval: 30, PongTimeout: 10,
	}, logging.Default())
	mgr.Subscribe(srv.hub.BroadcastEvent)

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	e := &testServer{srv: srv, ts: ts, mgr: mgr}
	e.registerSensor(t)

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close() //nolint:errcheck // Test cleanup
	}
	defer conn.Close() //nolint:errcheck // Test cleanup

	// Wait until the hub sees the client, then trigger an event.
	deadline := time.Now().Add(2 * time.Second)
	for e.srv.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/devices",
		map[string]any{"modelId": "env-sensor", "deviceId": "sensor-1"}); code != http.StatusCreated {
		t.Fatal("creating device failed")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading stream frame: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	if decoded["type"] != FrameDeviceEvent {
		t.Errorf("frame type = %v, want %s", decoded["type"], FrameDeviceEvent)
	}
	if decoded["deviceId"] != "sensor-1" || decoded["eventType"] != "created" {
		t.Errorf("frame = %v, want created event for sensor-1", decoded)
	}
}

func TestWebSocketDisabled(t *testing.T) {
	e := newTestServer(t, nil)
	if code, _ := e.do(t, http.MethodGet, "/api/v1/events", nil); code != http.StatusNotFound {
		t.Errorf("GET /events without hub = %d, want 404", code)
	}
}
