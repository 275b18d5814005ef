package scraper

import (
	"math/rand/v2"
	"time"
)

// Range is a closed interval of durations used for randomized pauses.
type Range struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// Pick returns a uniformly random duration in [Min, Max]. A reversed or
// degenerate range returns Min.
func (r Range) Pick() time.Duration {
	if r.Max <= r.Min {
		if r.Min < 0 {
			return 0
		}
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min+1)
}
