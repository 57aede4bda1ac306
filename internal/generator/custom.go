package generator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Handler is a custom value producer resolved by name from the
// registry. Handlers must be pure functions of their inputs so runs
// stay reproducible.
type Handler func(deviceID, attrName string, params map[string]interface{}, now time.Time) (interface{}, error)

// registry maps handler names to functions. Entries are added at init
// time (built-ins) or via RegisterHandler before devices start.
var (
	registryMu sync.RWMutex
	registry   = map[string]Handler{}
)

// RegisterHandler adds a named custom handler. Registering a name
// twice replaces the earlier handler; models resolve handlers at
// device start, so replacement only affects subsequently started
// devices.
func RegisterHandler(name string, h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = h
}

// lookupHandler resolves a handler name.
func lookupHandler(name string) (Handler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[name]
	return h, ok
}

// customGenerator delegates each tick to a registered handler.
type customGenerator struct {
	deviceID string
	attrName string
	handler  Handler
	params   map[string]interface{}
}

func newCustom(deviceID, attrName string, cfg Config) (*customGenerator, error) {
	if cfg.Handler == "" {
		return nil, fmt.Errorf("%w: custom requires handler", ErrInvalidConfig)
	}
	h, ok := lookupHandler(cfg.Handler)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, cfg.Handler)
	}
	return &customGenerator{
		deviceID: deviceID,
		attrName: attrName,
		handler:  h,
		params:   cfg.Params,
	}, nil
}

func (g *customGenerator) Next(now time.Time) (interface{}, error) {
	return g.handler(g.deviceID, g.attrName, g.params, now)
}

func (g *customGenerator) Reset() {}

// Built-in handler defaults.
const (
	defaultSinePeriodMs = 60000.0
	defaultSineAmp      = 1.0
)

// Built-in handlers shipped with the engine.
func init() {
	RegisterHandler("sine-wave", sineWave)
	RegisterHandler("fake-location", fakeLocation)
}

// sineWave emits offset + amplitude*sin(2*pi*t/period). Pure in its
// inputs: the same wall clock yields the same value.
func sineWave(_, _ string, params map[string]interface{}, now time.Time) (interface{}, error) {
	period := defaultSinePeriodMs
	if v, ok := floatParam(params, "periodMs"); ok && v > 0 {
		period = v
	}
	amplitude := defaultSineAmp
	if v, ok := floatParam(params, "amplitude"); ok {
		amplitude = v
	}
	offset := 0.0
	if v, ok := floatParam(params, "offset"); ok {
		offset = v
	}

	t := float64(now.UnixMilli())
	v := offset + amplitude*math.Sin(2*math.Pi*t/period)

	precision := defaultPrecision
	if p, ok := floatParam(params, "precision"); ok && p >= 0 {
		precision = int(p)
	}
	shift := math.Pow10(precision)
	return math.Round(v*shift) / shift, nil
}

// fakeLocation emits a "lat,lon" pair from a gofakeit source seeded
// per device, so a device reports a stable-looking position that only
// drifts tick to tick.
func fakeLocation(deviceID, attrName string, _ map[string]interface{}, _ time.Time) (interface{}, error) {
	faker := gofakeit.NewFaker(&deterministicSource{state: seedFor(deviceID, attrName)}, false)
	lat := faker.Latitude()
	lon := faker.Longitude()
	return fmt.Sprintf("%.6f,%.6f", lat, lon), nil
}

// deterministicSource is a tiny splitmix64 rand.Source so fake data
// stays reproducible per (deviceID, attrName).
type deterministicSource struct {
	state uint64
}

func (s *deterministicSource) Uint64() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
