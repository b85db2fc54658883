package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	ErrUnknownInstrument   = errors.New("unknown instrument")
	ErrDuplicateInstrument = errors.New("instrument already registered")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrInvalidYield        = errors.New("yield must be non-negative")
)

// entry is the state of one instrument. Each has its own lock so clears on
// different instruments never contend.
type entry struct {
	mu      sync.RWMutex
	price   float64   // Last trade price, or the opening price
	yield   float64   // Dividend per unit as a fraction of price, 0 for plain assets
	history []float64 // Round closes, seeded with the first opening price
}

// Market maps each registered instrument to its reference price.
// Prices only move when a match executes.
type Market struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	instruments []string  // Sorted
	inflation   []float64 // One rate per round, oldest first
}

// New creates a market with the given opening prices
func New(opening map[string]float64) (*Market, error) {
	m := &Market{
		entries: make(map[string]*entry, len(opening)),
	}
	for inst, price := range opening {
		if err := m.Register(inst, price); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds an instrument at an opening price
func (m *Market) Register(instrument string, price float64) error {
	if instrument == "" {
		return fmt.Errorf("%w: empty instrument id", ErrUnknownInstrument)
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: %s opening at %v", ErrInvalidPrice, instrument, price)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[instrument]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInstrument, instrument)
	}
	m.entries[instrument] = &entry{
		price:   price,
		history: []float64{price},
	}
	m.instruments = append(m.instruments, instrument)
	sort.Strings(m.instruments)
	return nil
}

func (m *Market) entry(instrument string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[instrument]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return e, nil
}

// Instruments returns the registered instruments in sorted order
func (m *Market) Instruments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.instruments))
	copy(out, m.instruments)
	return out
}

// Lookup returns the reference price of an instrument
func (m *Market) Lookup(instrument string) (float64, bool) {
	e, err := m.entry(instrument)
	if err != nil {
		return 0, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.price, true
}

// Price returns the reference price, or 0 for an unregistered instrument
func (m *Market) Price(instrument string) float64 {
	p, _ := m.Lookup(instrument)
	return p
}

// SetPrice records an execution price
func (m *Market) SetPrice(instrument string, price float64) error {
	if !(price > 0) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: %s at %v", ErrInvalidPrice, instrument, price)
	}
	e, err := m.entry(instrument)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.price = price
	e.mu.Unlock()
	return nil
}

// OpenRound returns the prices the round about to start opens at
func (m *Market) OpenRound() map[string]float64 {
	out := make(map[string]float64)
	for _, inst := range m.Instruments() {
		e, err := m.entry(inst)
		if err != nil {
			continue
		}
		e.mu.RLock()
		out[inst] = e.price
		e.mu.RUnlock()
	}
	return out
}

// CloseRound appends each instrument's current price to its history and
// returns the closes.
func (m *Market) CloseRound() map[string]float64 {
	out := make(map[string]float64)
	for _, inst := range m.Instruments() {
		e, err := m.entry(inst)
		if err != nil {
			continue
		}
		e.mu.Lock()
		e.history = append(e.history, e.price)
		out[inst] = e.price
		e.mu.Unlock()
	}
	return out
}

// History returns the closing price series of an instrument, oldest first.
// The first element is the price the instrument was registered at.
func (m *Market) History(instrument string) []float64 {
	e, err := m.entry(instrument)
	if err != nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]float64, len(e.history))
	copy(out, e.history)
	return out
}

// SetYield marks an instrument as paying dividends: each payout credits
// rate * reference price per unit held. A zero rate stops payouts.
func (m *Market) SetYield(instrument string, rate float64) error {
	if !(rate >= 0) || math.IsInf(rate, 0) {
		return fmt.Errorf("%w: %s at %v", ErrInvalidYield, instrument, rate)
	}
	e, err := m.entry(instrument)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.yield = rate
	e.mu.Unlock()
	return nil
}

// Yield returns the dividend rate of an instrument, 0 when it pays none
func (m *Market) Yield(instrument string) float64 {
	e, err := m.entry(instrument)
	if err != nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.yield
}

// DividendPerUnit is the amount one unit earns at the current price
func (m *Market) DividendPerUnit(instrument string) float64 {
	e, err := m.entry(instrument)
	if err != nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.price * e.yield
}

// RecordInflation appends the round's inflation rate. Reference prices are
// left untouched.
func (m *Market) RecordInflation(rate float64) {
	m.mu.Lock()
	m.inflation = append(m.inflation, rate)
	m.mu.Unlock()
}

// Inflation returns every recorded rate, oldest first
func (m *Market) Inflation() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]float64, len(m.inflation))
	copy(out, m.inflation)
	return out
}

// LogReturns computes ln(p[i]/p[i-1]) over a price series
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		out = append(out, math.Log(prices[i]/prices[i-1]))
	}
	return out
}

// Tail returns the last n values, or all of them when n <= 0
func Tail(values []float64, n int) []float64 {
	if n <= 0 || n >= len(values) {
		return values
	}
	return values[len(values)-n:]
}

// StdDev is the population standard deviation. Fewer than two values
// give zero.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}
