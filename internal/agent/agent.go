package agent

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Agent owns a cash balance and a set of instrument holdings. Only a
// Registry mutates them, one transaction at a time.
type Agent struct {
	mu sync.Mutex

	id        string
	cash      decimal.Decimal
	holdings  map[string]int64
	wealth    []float64       // Post-round valuations
	dividends decimal.Decimal // Income credited outside of trading
}

// New creates an agent with an opening balance and holdings
func New(id string, cash float64, holdings map[string]int64) *Agent {
	a := &Agent{
		id:       id,
		cash:     decimal.NewFromFloat(cash),
		holdings: make(map[string]int64, len(holdings)),
	}
	for inst, qty := range holdings {
		if qty != 0 {
			a.holdings[inst] = qty
		}
	}
	return a
}

func (a *Agent) ID() string {
	return a.id
}

// Cash returns the exact cash balance
func (a *Agent) Cash() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash
}

// Holding returns the units held of an instrument
func (a *Agent) Holding(instrument string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holdings[instrument]
}

// HasPosition reports whether the instrument has an entry in the holdings map
func (a *Agent) HasPosition(instrument string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.holdings[instrument]
	return ok
}

// TransactionSide is one counterparty's half of a settled transaction
type TransactionSide struct {
	Instrument string
	Cash       decimal.Decimal // Signed: negative for the buyer
	Units      int64           // Signed: negative for the seller
}

// apply books one side of a transaction. The caller holds a.mu.
func (a *Agent) apply(side TransactionSide) {
	a.cash = a.cash.Add(side.Cash)
	qty := a.holdings[side.Instrument] + side.Units
	if qty == 0 {
		delete(a.holdings, side.Instrument)
		return
	}
	a.holdings[side.Instrument] = qty
}

// Dividends returns the total income credited by payouts
func (a *Agent) Dividends() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dividends
}

// Valuation returns cash plus holdings marked at the given prices.
// Instruments without a price are valued at zero.
func (a *Agent) Valuation(prices map[string]float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valuationLocked(prices)
}

func (a *Agent) valuationLocked(prices map[string]float64) float64 {
	total := a.cash
	for inst, qty := range a.holdings {
		total = total.Add(decimal.NewFromFloat(prices[inst]).Mul(decimal.NewFromInt(qty)))
	}
	return total.InexactFloat64()
}

// RecordValuation marks the portfolio at prices and appends the result to
// the agent's wealth history.
func (a *Agent) RecordValuation(prices map[string]float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.valuationLocked(prices)
	a.wealth = append(a.wealth, v)
	return v
}

// Portfolio is a read-only view of an agent handed to decision code
type Portfolio struct {
	ID        string           `json:"id"`
	Cash      float64          `json:"cash"`
	Holdings  map[string]int64 `json:"holdings"`
	Wealth    []float64        `json:"wealth"`
	Dividends float64          `json:"dividends"`
}

// Holding returns the units held of an instrument
func (p Portfolio) Holding(instrument string) int64 {
	return p.Holdings[instrument]
}

// Instruments returns the held instruments in sorted order
func (p Portfolio) Instruments() []string {
	out := make([]string, 0, len(p.Holdings))
	for inst := range p.Holdings {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the agent's current state
func (a *Agent) Snapshot() Portfolio {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := Portfolio{
		ID:        a.id,
		Cash:      a.cash.InexactFloat64(),
		Holdings:  make(map[string]int64, len(a.holdings)),
		Wealth:    make([]float64, len(a.wealth)),
		Dividends: a.dividends.InexactFloat64(),
	}
	for inst, qty := range a.holdings {
		p.Holdings[inst] = qty
	}
	copy(p.Wealth, a.wealth)
	return p
}
