package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes restart delays: Min, then multiplied by Factor per
// consecutive failure, plus up to RandomFactor jitter, capped at Max.
// Successive delays never decrease until Reset.
type Backoff struct {
	Min          time.Duration
	Max          time.Duration
	Factor       float64
	RandomFactor float64
	// Rand returns a value in [0,1); nil uses math/rand.
	Rand func() float64

	failures int
	last     time.Duration
}

// Next returns the delay before the next restart and records the failure.
func (b *Backoff) Next() time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(b.Min) * math.Pow(factor, float64(b.failures))
	if base > float64(b.Max) || math.IsInf(base, 0) {
		base = float64(b.Max)
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	d := time.Duration(base * (1 + b.RandomFactor*r()))
	if d > b.Max {
		d = b.Max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	b.failures++
	return d
}

// Failures is the number of delays handed out since the last Reset.
func (b *Backoff) Failures() int { return b.failures }

// Reset returns the policy to Min.
func (b *Backoff) Reset() {
	b.failures = 0
	b.last = 0
}
