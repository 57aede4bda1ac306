package generator

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// Generator type names accepted in a model's telemetry spec.
const (
	TypeRandom   = "random"
	TypeSequence = "sequence"
	TypeConstant = "constant"
	TypeReplay   = "replay"
	TypeCustom   = "custom"
)

// Distributions supported by the random generator.
const (
	DistUniform     = "uniform"
	DistNormal      = "normal"
	DistExponential = "exponential"
)

// defaultPrecision is the number of decimal places emitted for
// floating-point values when the attribute spec does not override it.
const defaultPrecision = 2

// Generator produces successive telemetry values for one attribute
// instance. A generator is owned by exactly one device task and needs
// no internal locking.
type Generator interface {
	// Next returns the value to publish at the given instant.
	Next(now time.Time) (interface{}, error)

	// Reset rewinds internal state to the start position.
	Reset()
}

// Config describes one generator variant. Fields are a union across
// variants; Validate-level checks live with the model schema, the
// factory only rejects what it cannot construct.
type Config struct {
	Type string `json:"type" yaml:"type"`

	// random
	Min          *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max          *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Distribution string   `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	Mean         *float64 `json:"mean,omitempty" yaml:"mean,omitempty"`
	Stddev       *float64 `json:"stddev,omitempty" yaml:"stddev,omitempty"`
	Rate         *float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
	Precision    *int     `json:"precision,omitempty" yaml:"precision,omitempty"`

	// sequence
	Start *float64 `json:"start,omitempty" yaml:"start,omitempty"`
	Step  *float64 `json:"step,omitempty" yaml:"step,omitempty"`
	Wrap  bool     `json:"wrap,omitempty" yaml:"wrap,omitempty"`

	// constant
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	// replay
	DataFile string `json:"dataFile,omitempty" yaml:"dataFile,omitempty"`
	Column   string `json:"column,omitempty" yaml:"column,omitempty"`
	Loop     *bool  `json:"loop,omitempty" yaml:"loop,omitempty"`

	// custom
	Handler string                 `json:"handler,omitempty" yaml:"handler,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// New builds the generator variant named by cfg.Type for one attribute
// instance.
//
// integerValued shapes numeric output: when true, values are rounded
// half-to-even, clamped to [min, max] where given, and emitted as
// int64. Otherwise numeric values are rounded to cfg.Precision decimal
// places (default 2).
//
// Parameters:
//   - deviceID: Owning device (seeds the PRNG for random)
//   - attrName: Attribute name (seeds the PRNG for random)
//   - integerValued: True when the attribute's data type is integer
//   - cfg: Variant configuration
//
// Returns:
//   - Generator: Ready-to-tick generator
//   - error: ErrUnknownType, ErrUnknownHandler, or a replay load failure
func New(deviceID, attrName string, integerValued bool, cfg Config) (Generator, error) {
	switch cfg.Type {
	case TypeRandom:
		return newRandom(deviceID, attrName, integerValued, cfg), nil
	case TypeSequence:
		return newSequence(integerValued, cfg), nil
	case TypeConstant:
		return &constantGenerator{value: cfg.Value}, nil
	case TypeReplay:
		return newReplay(cfg)
	case TypeCustom:
		return newCustom(deviceID, attrName, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

// seedFor derives the deterministic PRNG seed for one attribute
// instance. FNV-1a over deviceID and attrName keeps streams stable
// across restarts and distinct across attributes.
func seedFor(deviceID, attrName string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write([]byte(attrName))
	return h.Sum64()
}

// shapeNumber rounds and clamps a raw numeric sample according to the
// attribute's data type.
func shapeNumber(v float64, integerValued bool, precision int, min, max *float64) interface{} {
	if integerValued {
		n := math.RoundToEven(v)
		if min != nil && n < *min {
			n = *min
		}
		if max != nil && n > *max {
			n = *max
		}
		return int64(n)
	}

	shift := math.Pow10(precision)
	n := math.Round(v*shift) / shift
	if min != nil && n < *min {
		n = *min
	}
	if max != nil && n > *max {
		n = *max
	}
	return n
}

// floatParam reads a numeric handler parameter that may arrive as any
// JSON or literal number type.
func floatParam(params map[string]interface{}, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
