package generator

import "time"

// constantGenerator emits the configured value unchanged. Any JSON
// type is allowed, which also makes it the natural variant for boolean
// and string attributes.
type constantGenerator struct {
	value interface{}
}

func (g *constantGenerator) Next(time.Time) (interface{}, error) {
	return g.value, nil
}

func (g *constantGenerator) Reset() {}
