package adapter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// resultCollector buffers OnResult callbacks for assertions.
type resultCollector struct {
	mu      sync.Mutex
	results []Result
	ch      chan Result
}

func newResultCollector() *resultCollector {
	return &resultCollector{ch: make(chan Result, 64)}
}

func (c *resultCollector) onResult(r Result) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
	select {
	case c.ch <- r:
	default:
	}
}

func (c *resultCollector) wait(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish result")
		return Result{}
	}
}

// stateCollector buffers OnState callbacks.
type stateCollector struct {
	ch chan bool
}

func newStateCollector() *stateCollector {
	return &stateCollector{ch: make(chan bool, 16)}
}

func (c *stateCollector) onState(connected bool, _ float64) {
	select {
	case c.ch <- connected:
	default:
	}
}

func (c *stateCollector) wait(t *testing.T, want bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-c.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for connected=%v", want)
		}
	}
}

// ==== Construction ====

func TestNewHTTP_InvalidBaseURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "example.com/ingest"},
		{"garbage", "://nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTP(HTTPConfig{BaseURL: tt.url}, Options{}); err == nil {
				t.Errorf("NewHTTP(%q) error = nil, want invalid config", tt.url)
			}
		})
	}
}

// ==== Publish Path ====

func TestHTTP_PublishPostsPayload(t *testing.T) {
	type capture struct {
		path        string
		contentType string
		header      string
		body        []byte
	}
	captured := make(chan capture, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- capture{
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			header:      r.Header.Get("X-Api-Key"),
			body:        body,
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	results := newResultCollector()
	h, err := NewHTTP(HTTPConfig{
		BaseURL: srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	}, Options{OnResult: results.onResult})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	defer h.Close()

	if err := h.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	h.Publish("devices/dev-1/telemetry", []byte(`{"temp":21.5}`), 0)

	r := results.wait(t)
	if !r.OK {
		t.Fatalf("publish result = %+v, want OK", r)
	}
	if r.Bytes != len(`{"temp":21.5}`) {
		t.Errorf("result bytes = %d, want %d", r.Bytes, len(`{"temp":21.5}`))
	}

	got := <-captured
	if got.path != "/devices/dev-1/telemetry" {
		t.Errorf("request path = %q, want %q", got.path, "/devices/dev-1/telemetry")
	}
	if got.contentType != "application/json" {
		t.Errorf("content type = %q, want application/json", got.contentType)
	}
	if got.header != "secret" {
		t.Errorf("X-Api-Key = %q, want secret", got.header)
	}
	if string(got.body) != `{"temp":21.5}` {
		t.Errorf("body = %q", got.body)
	}
}

func TestHTTP_RejectedOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	results := newResultCollector()
	h, err := NewHTTP(HTTPConfig{BaseURL: srv.URL}, Options{OnResult: results.onResult})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	defer h.Close()

	if err := h.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	h.Publish("t", []byte("x"), 0)

	r := results.wait(t)
	if r.OK {
		t.Fatal("publish result OK, want rejected")
	}
	if r.Reason != ReasonRejected {
		t.Errorf("result reason = %q, want %q", r.Reason, ReasonRejected)
	}
}

// ==== Failure Threshold ====

func TestHTTP_DisconnectsAfterConsecutiveFailures(t *testing.T) {
	var mu sync.Mutex
	failing := true

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	results := newResultCollector()
	states := newStateCollector()
	h, err := NewHTTP(HTTPConfig{BaseURL: srv.URL}, Options{
		OnResult: results.onResult,
		OnState:  states.onState,
	})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	defer h.Close()

	if err := h.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	states.wait(t, true)

	for i := 0; i < httpFailureThreshold; i++ {
		h.Publish("t", []byte("x"), 0)
		results.wait(t)
	}
	states.wait(t, false)

	// A success restores the connected state.
	mu.Lock()
	failing = false
	mu.Unlock()

	h.Publish("t", []byte("x"), 0)
	if r := results.wait(t); !r.OK {
		t.Fatalf("publish after recovery = %+v, want OK", r)
	}
	states.wait(t, true)
}

// ==== Lifecycle ====

func TestHTTP_CloseIsIdempotent(t *testing.T) {
	h, err := NewHTTP(HTTPConfig{BaseURL: "http://127.0.0.1:9"}, Options{})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
