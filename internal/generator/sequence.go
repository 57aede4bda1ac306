package generator

import "time"

// sequenceGenerator emits an arithmetic progression. With wrap enabled
// it cycles between the bounds; without it the series saturates at the
// bound and stops advancing.
type sequenceGenerator struct {
	start     float64
	step      float64
	min, max  *float64
	wrap      bool
	current   float64
	integer   bool
	precision int
}

func newSequence(integerValued bool, cfg Config) *sequenceGenerator {
	g := &sequenceGenerator{
		step:      1.0,
		min:       cfg.Min,
		max:       cfg.Max,
		wrap:      cfg.Wrap,
		integer:   integerValued,
		precision: defaultPrecision,
	}
	if cfg.Start != nil {
		g.start = *cfg.Start
	}
	if cfg.Step != nil {
		g.step = *cfg.Step
	}
	if cfg.Precision != nil {
		g.precision = *cfg.Precision
	}
	g.current = g.start
	return g
}

func (g *sequenceGenerator) Next(time.Time) (interface{}, error) {
	v := g.current
	g.advance()
	return shapeNumber(v, g.integer, g.precision, nil, nil), nil
}

func (g *sequenceGenerator) advance() {
	next := g.current + g.step

	switch {
	case g.step > 0 && g.max != nil && next > *g.max:
		if !g.wrap {
			g.current = *g.max
			return
		}
		if g.min != nil {
			g.current = *g.min
		} else {
			g.current = g.start
		}
	case g.step < 0 && g.min != nil && next < *g.min:
		if !g.wrap {
			g.current = *g.min
			return
		}
		if g.max != nil {
			g.current = *g.max
		} else {
			g.current = g.start
		}
	default:
		g.current = next
	}
}

func (g *sequenceGenerator) Reset() {
	g.current = g.start
}
