package market

import (
	"math/rand"
	"sync"
)

// Feed produces one exogenous draw per round from its own seeded stream:
// value = mean + std * N(0,1). The news shock and the inflation rate are
// both feeds.
type Feed struct {
	mu   sync.Mutex
	mean float64
	std  float64
	rng  *rand.Rand
}

// NewFeed creates a feed. Equal seeds give equal sequences.
func NewFeed(seed int64, mean, std float64) *Feed {
	return &Feed{
		mean: mean,
		std:  std,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// NewNewsFeed is a zero-mean feed scaled by scale
func NewNewsFeed(seed int64, scale float64) *Feed {
	return NewFeed(seed, 0, scale)
}

// Next draws the value for the next round
func (f *Feed) Next() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mean + f.std*f.rng.NormFloat64()
}
