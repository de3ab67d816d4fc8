package watchdog

import (
	"math/rand/v2"
	"time"
)

// Default re-election window.
const (
	DefaultJitterMin = 5 * time.Second
	DefaultJitterMax = 10 * time.Second
)

// Jitter draws re-election delays uniformly from [Min, Max].
type Jitter struct {
	Min time.Duration
	Max time.Duration
}

// Next returns a delay in [Min, Max].
func (j Jitter) Next() time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	return j.Min + rand.N(j.Max-j.Min+1)
}
