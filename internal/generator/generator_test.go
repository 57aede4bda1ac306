package generator

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func mustNew(t *testing.T, deviceID, attrName string, integer bool, cfg Config) Generator {
	t.Helper()
	g, err := New(deviceID, attrName, integer, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New("d1", "temp", false, Config{Type: "fourier"})
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("New() error = %v, want ErrUnknownType", err)
	}
}

// ==== Random Tests ====

func TestRandom_UniformWithinBounds(t *testing.T) {
	g := mustNew(t, "d1", "temp", false, Config{
		Type: TypeRandom,
		Min:  f64(20),
		Max:  f64(30),
	})

	now := time.Now()
	for i := 0; i < 500; i++ {
		v, err := g.Next(now)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		n := v.(float64)
		if n < 20 || n > 30 {
			t.Fatalf("sample %v outside [20, 30]", n)
		}
	}
}

func TestRandom_DeterministicPerSeed(t *testing.T) {
	cfg := Config{Type: TypeRandom, Min: f64(0), Max: f64(100)}
	a := mustNew(t, "d1", "temp", false, cfg)
	b := mustNew(t, "d1", "temp", false, cfg)
	other := mustNew(t, "d2", "temp", false, cfg)

	now := time.Now()
	same := true
	differs := false
	for i := 0; i < 20; i++ {
		va, _ := a.Next(now)
		vb, _ := b.Next(now)
		vo, _ := other.Next(now)
		if va != vb {
			same = false
		}
		if va != vo {
			differs = true
		}
	}
	if !same {
		t.Error("identical (deviceID, attrName) must produce identical streams")
	}
	if !differs {
		t.Error("different deviceID should produce a different stream")
	}
}

func TestRandom_ResetReplaysStream(t *testing.T) {
	g := mustNew(t, "d1", "temp", false, Config{Type: TypeRandom, Min: f64(0), Max: f64(1)})

	now := time.Now()
	first, _ := g.Next(now)
	g.Next(now)
	g.Reset()
	replayed, _ := g.Next(now)

	if first != replayed {
		t.Errorf("after Reset() first sample = %v, want %v", replayed, first)
	}
}

func TestRandom_NormalClampedToBounds(t *testing.T) {
	g := mustNew(t, "d1", "temp", false, Config{
		Type:         TypeRandom,
		Distribution: DistNormal,
		Min:          f64(0),
		Max:          f64(10),
		Mean:         f64(5),
		Stddev:       f64(50), // wild samples, clamp must hold
	})

	now := time.Now()
	for i := 0; i < 500; i++ {
		v, _ := g.Next(now)
		n := v.(float64)
		if n < 0 || n > 10 {
			t.Fatalf("normal sample %v escaped [0, 10]", n)
		}
	}
}

func TestRandom_UnboundedNormalNotClamped(t *testing.T) {
	// No min/max on the model: samples must follow the distribution,
	// not get squeezed into the default uniform range.
	g := mustNew(t, "d1", "pressure", false, Config{
		Type:         TypeRandom,
		Distribution: DistNormal,
		Mean:         f64(1000),
		Stddev:       f64(1),
	})

	now := time.Now()
	for i := 0; i < 100; i++ {
		v, _ := g.Next(now)
		if n := v.(float64); n < 900 {
			t.Fatalf("unbounded normal sample %v was clamped toward the default range", n)
		}
	}
}

func TestRandom_ExponentialNonNegative(t *testing.T) {
	g := mustNew(t, "d1", "arrivals", false, Config{
		Type:         TypeRandom,
		Distribution: DistExponential,
		Min:          f64(0),
		Max:          f64(1000),
		Rate:         f64(0.5),
	})

	now := time.Now()
	for i := 0; i < 200; i++ {
		v, _ := g.Next(now)
		if v.(float64) < 0 {
			t.Fatalf("exponential sample %v is negative", v)
		}
	}
}

func TestRandom_IntegerValues(t *testing.T) {
	g := mustNew(t, "d1", "count", true, Config{Type: TypeRandom, Min: f64(0), Max: f64(10)})

	now := time.Now()
	for i := 0; i < 50; i++ {
		v, _ := g.Next(now)
		n, ok := v.(int64)
		if !ok {
			t.Fatalf("integer attribute produced %T, want int64", v)
		}
		if n < 0 || n > 10 {
			t.Fatalf("integer sample %d outside [0, 10]", n)
		}
	}
}

func TestRandom_PrecisionApplied(t *testing.T) {
	precision := 1
	g := mustNew(t, "d1", "temp", false, Config{
		Type: TypeRandom, Min: f64(0), Max: f64(1), Precision: &precision,
	})

	v, _ := g.Next(time.Now())
	n := v.(float64)
	if math.Round(n*10)/10 != n {
		t.Errorf("value %v not rounded to 1 decimal place", n)
	}
}

// ==== Sequence Tests ====

func TestSequence_BasicProgression(t *testing.T) {
	g := mustNew(t, "d1", "seq", true, Config{Type: TypeSequence, Start: f64(5), Step: f64(2)})

	now := time.Now()
	want := []int64{5, 7, 9, 11}
	for i, w := range want {
		v, _ := g.Next(now)
		if v.(int64) != w {
			t.Errorf("tick %d = %v, want %d", i, v, w)
		}
	}
}

func TestSequence_WrapAtMax(t *testing.T) {
	g := mustNew(t, "d1", "seq", true, Config{
		Type: TypeSequence, Start: f64(0), Step: f64(1),
		Min: f64(0), Max: f64(2), Wrap: true,
	})

	now := time.Now()
	want := []int64{0, 1, 2, 0, 1}
	for i, w := range want {
		v, _ := g.Next(now)
		if v.(int64) != w {
			t.Errorf("tick %d = %v, want %d", i, v, w)
		}
	}
}

func TestSequence_ClampWithoutWrap(t *testing.T) {
	g := mustNew(t, "d1", "seq", true, Config{
		Type: TypeSequence, Start: f64(0), Step: f64(5),
		Max: f64(8), Wrap: false,
	})

	now := time.Now()
	want := []int64{0, 5, 8, 8}
	for i, w := range want {
		v, _ := g.Next(now)
		if v.(int64) != w {
			t.Errorf("tick %d = %v, want %d", i, v, w)
		}
	}
}

func TestSequence_NegativeStepWraps(t *testing.T) {
	g := mustNew(t, "d1", "seq", true, Config{
		Type: TypeSequence, Start: f64(1), Step: f64(-1),
		Min: f64(0), Max: f64(3), Wrap: true,
	})

	now := time.Now()
	want := []int64{1, 0, 3, 2}
	for i, w := range want {
		v, _ := g.Next(now)
		if v.(int64) != w {
			t.Errorf("tick %d = %v, want %d", i, v, w)
		}
	}
}

func TestSequence_Reset(t *testing.T) {
	g := mustNew(t, "d1", "seq", true, Config{Type: TypeSequence, Start: f64(3)})

	now := time.Now()
	g.Next(now)
	g.Next(now)
	g.Reset()
	v, _ := g.Next(now)
	if v.(int64) != 3 {
		t.Errorf("after Reset() = %v, want 3", v)
	}
}

// ==== Constant Tests ====

func TestConstant_EmitsConfiguredValue(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
	}{
		{"string", "open"},
		{"bool", true},
		{"number", 42.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustNew(t, "d1", "state", false, Config{Type: TypeConstant, Value: tt.value})
			for i := 0; i < 3; i++ {
				v, err := g.Next(time.Now())
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				if v != tt.value {
					t.Errorf("Next() = %v, want %v", v, tt.value)
				}
			}
		})
	}
}

// ==== Replay Tests ====

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestReplay_CSVWithLoop(t *testing.T) {
	path := writeTempFile(t, "trace.csv", "time,temperature\n1,20.5\n2,21.0\n3,21.5\n")
	loop := true
	g := mustNew(t, "d1", "temp", false, Config{
		Type: TypeReplay, DataFile: path, Column: "temperature", Loop: &loop,
	})

	now := time.Now()
	want := []float64{20.5, 21.0, 21.5, 20.5}
	for i, w := range want {
		v, _ := g.Next(now)
		if v.(float64) != w {
			t.Errorf("tick %d = %v, want %v", i, v, w)
		}
	}
}

func TestReplay_EOFRepeatsFinalValue(t *testing.T) {
	path := writeTempFile(t, "trace.csv", "v\n1\n2\n")
	loop := false
	g := mustNew(t, "d1", "v", false, Config{Type: TypeReplay, DataFile: path, Loop: &loop})

	now := time.Now()
	want := []float64{1, 2, 2, 2}
	for i, w := range want {
		v, _ := g.Next(now)
		if v.(float64) != w {
			t.Errorf("tick %d = %v, want %v", i, v, w)
		}
	}
}

func TestReplay_JSONLinesObjects(t *testing.T) {
	path := writeTempFile(t, "trace.jsonl",
		`{"humidity": 60, "temperature": 20}`+"\n"+
			`{"humidity": 61, "temperature": 21}`+"\n")
	g := mustNew(t, "d1", "humidity", false, Config{
		Type: TypeReplay, DataFile: path, Column: "humidity",
	})

	now := time.Now()
	v, _ := g.Next(now)
	if v.(float64) != 60 {
		t.Errorf("first row = %v, want 60", v)
	}
	v, _ = g.Next(now)
	if v.(float64) != 61 {
		t.Errorf("second row = %v, want 61", v)
	}
}

func TestReplay_JSONArray(t *testing.T) {
	path := writeTempFile(t, "trace.json", `[1, 2, 3]`)
	g := mustNew(t, "d1", "v", false, Config{Type: TypeReplay, DataFile: path})

	v, _ := g.Next(time.Now())
	if v.(float64) != 1 {
		t.Errorf("first row = %v, want 1", v)
	}
}

func TestReplay_EmptySourceRejected(t *testing.T) {
	path := writeTempFile(t, "trace.csv", "v\n")
	_, err := New("d1", "v", false, Config{Type: TypeReplay, DataFile: path})
	if !errors.Is(err, ErrNoData) {
		t.Errorf("New() error = %v, want ErrNoData", err)
	}
}

func TestReplay_MissingFile(t *testing.T) {
	_, err := New("d1", "v", false, Config{Type: TypeReplay, DataFile: "/nonexistent/trace.csv"})
	if err == nil {
		t.Error("New() should fail for a missing replay file")
	}
}

// ==== Custom Tests ====

func TestCustom_UnknownHandler(t *testing.T) {
	_, err := New("d1", "v", false, Config{Type: TypeCustom, Handler: "no-such-handler"})
	if !errors.Is(err, ErrUnknownHandler) {
		t.Errorf("New() error = %v, want ErrUnknownHandler", err)
	}
}

func TestCustom_RegisteredHandlerInvoked(t *testing.T) {
	RegisterHandler("test-echo", func(deviceID, attrName string, _ map[string]interface{}, _ time.Time) (interface{}, error) {
		return deviceID + "/" + attrName, nil
	})

	g := mustNew(t, "d1", "echo", false, Config{Type: TypeCustom, Handler: "test-echo"})
	v, err := g.Next(time.Now())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if v != "d1/echo" {
		t.Errorf("Next() = %v, want d1/echo", v)
	}
}

func TestCustom_SineWavePureInClock(t *testing.T) {
	g := mustNew(t, "d1", "wave", false, Config{
		Type: TypeCustom, Handler: "sine-wave",
		Params: map[string]interface{}{"periodMs": 1000.0, "amplitude": 2.0, "offset": 10.0},
	})

	at := time.UnixMilli(1250) // quarter period past a full cycle
	a, _ := g.Next(at)
	b, _ := g.Next(at)
	if a != b {
		t.Errorf("sine-wave not pure: %v != %v at same instant", a, b)
	}
	if n := a.(float64); n < 8 || n > 12 {
		t.Errorf("sine-wave value %v outside offset±amplitude", n)
	}
}

func TestCustom_FakeLocationStablePerDevice(t *testing.T) {
	g := mustNew(t, "d1", "loc", false, Config{Type: TypeCustom, Handler: "fake-location"})

	a, err := g.Next(time.Now())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	b, _ := g.Next(time.Now())
	if a != b {
		t.Errorf("fake-location should be stable per device: %v != %v", a, b)
	}

	other := mustNew(t, "d2", "loc", false, Config{Type: TypeCustom, Handler: "fake-location"})
	c, _ := other.Next(time.Now())
	if a == c {
		t.Error("different devices should report different locations")
	}
}
