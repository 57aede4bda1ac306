package generator

import (
	"math/rand"
	"time"
)

// Default sampling range when a model omits bounds. Uniform sampling
// always needs a range; the other distributions use it only to derive
// default shape parameters, never to clamp.
const (
	defaultRandomMin = 0.0
	defaultRandomMax = 100.0
)

// randomGenerator samples a statistical distribution with a PRNG
// seeded from (deviceID, attrName), so a restarted device replays the
// same stream. Samples are clamped to min/max only when the model
// declares them.
type randomGenerator struct {
	rng          *rand.Rand
	seed         uint64
	distribution string
	min, max     *float64
	mean         *float64
	stddev       *float64
	rate         *float64
	integer      bool
	precision    int
}

func newRandom(deviceID, attrName string, integerValued bool, cfg Config) *randomGenerator {
	g := &randomGenerator{
		seed:         seedFor(deviceID, attrName),
		distribution: cfg.Distribution,
		min:          cfg.Min,
		max:          cfg.Max,
		mean:         cfg.Mean,
		stddev:       cfg.Stddev,
		rate:         cfg.Rate,
		integer:      integerValued,
		precision:    defaultPrecision,
	}
	if cfg.Precision != nil {
		g.precision = *cfg.Precision
	}
	g.rng = rand.New(rand.NewSource(int64(g.seed))) //nolint:gosec // Simulation data, not crypto
	return g
}

func (g *randomGenerator) Next(time.Time) (interface{}, error) {
	var v float64
	switch g.distribution {
	case DistNormal:
		lo, hi := g.bounds()
		mean := (lo + hi) / 2
		if g.mean != nil {
			mean = *g.mean
		}
		stddev := (hi - lo) / 6
		if g.stddev != nil {
			stddev = *g.stddev
		}
		v = g.rng.NormFloat64()*stddev + mean

	case DistExponential:
		rate := 1.0
		switch {
		case g.rate != nil:
			rate = *g.rate
		case g.mean != nil && *g.mean != 0:
			rate = 1 / *g.mean
		}
		v = g.rng.ExpFloat64() / rate

	default: // uniform
		lo, hi := g.bounds()
		v = lo + g.rng.Float64()*(hi-lo)
	}

	return shapeNumber(v, g.integer, g.precision, g.min, g.max), nil
}

// bounds resolves the sampling range, substituting the defaults for
// omitted bounds.
func (g *randomGenerator) bounds() (lo, hi float64) {
	lo, hi = defaultRandomMin, defaultRandomMax
	if g.min != nil {
		lo = *g.min
	}
	if g.max != nil {
		hi = *g.max
	}
	return lo, hi
}

// Reset re-seeds the PRNG so the stream restarts from the beginning.
func (g *randomGenerator) Reset() {
	g.rng = rand.New(rand.NewSource(int64(g.seed))) //nolint:gosec // Simulation data, not crypto
}
