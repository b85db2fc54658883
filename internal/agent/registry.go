package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"agentmarket/internal/orderbook"
)

var (
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrDuplicateAgent = errors.New("agent already registered")
)

// Registry holds every agent in the simulation and settles transactions
// between them.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []*Agent // Insertion order, the fixed sequencing for each round
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
	}
}

// Add registers an agent
func (r *Registry) Add(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.id)
	}
	r.agents[a.id] = a
	r.order = append(r.order, a)
	return nil
}

// Get returns an agent by id
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Agents returns all agents in insertion order
func (r *Registry) Agents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered agents
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Sides splits a transaction into the buyer's and seller's halves
func Sides(tx orderbook.Transaction) (buyer, seller TransactionSide) {
	notional := tx.Notional()
	buyer = TransactionSide{Instrument: tx.Instrument, Cash: notional.Neg(), Units: tx.Quantity}
	seller = TransactionSide{Instrument: tx.Instrument, Cash: notional, Units: -tx.Quantity}
	return buyer, seller
}

// Execute settles a transaction. Both counterparties are locked for the
// whole transfer, always in ascending id order, so concurrent clears on
// different instruments cannot deadlock on a shared pair of agents.
// No sufficiency check is made here.
func (r *Registry) Execute(tx orderbook.Transaction) error {
	buyer, ok := r.Get(tx.BuyerID)
	if !ok {
		return fmt.Errorf("%w: buyer %s", ErrUnknownAgent, tx.BuyerID)
	}
	seller, ok := r.Get(tx.SellerID)
	if !ok {
		return fmt.Errorf("%w: seller %s", ErrUnknownAgent, tx.SellerID)
	}

	first, second := buyer, seller
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	buySide, sellSide := Sides(tx)
	buyer.apply(buySide)
	seller.apply(sellSide)
	return nil
}

// Credit is one dividend payment to one agent
type Credit struct {
	AgentID    string          `json:"agent_id"`
	Instrument string          `json:"instrument"`
	Units      int64           `json:"units"`
	Amount     decimal.Decimal `json:"amount"`
}

// PayDividend credits every holder of instrument with perUnit for each unit
// held, in insertion order. Agents without a position receive nothing.
func (r *Registry) PayDividend(instrument string, perUnit float64) []Credit {
	if !(perUnit > 0) {
		return nil
	}
	rate := decimal.NewFromFloat(perUnit)
	var credits []Credit
	for _, a := range r.Agents() {
		a.mu.Lock()
		units := a.holdings[instrument]
		if units > 0 {
			amount := rate.Mul(decimal.NewFromInt(units))
			a.cash = a.cash.Add(amount)
			a.dividends = a.dividends.Add(amount)
			credits = append(credits, Credit{AgentID: a.id, Instrument: instrument, Units: units, Amount: amount})
		}
		a.mu.Unlock()
	}
	return credits
}

// TotalCash sums the cash of every agent
func (r *Registry) TotalCash() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Agents() {
		total = total.Add(a.Cash())
	}
	return total
}

// TotalHoldings sums the units of an instrument across every agent
func (r *Registry) TotalHoldings(instrument string) int64 {
	var total int64
	for _, a := range r.Agents() {
		total += a.Holding(instrument)
	}
	return total
}

// Snapshots returns a portfolio view of every agent in insertion order
func (r *Registry) Snapshots() []Portfolio {
	agents := r.Agents()
	out := make([]Portfolio, len(agents))
	for i, a := range agents {
		out[i] = a.Snapshot()
	}
	return out
}
