package sim

import (
	"github.com/shopspring/decimal"

	"agentmarket/internal/agent"
	"agentmarket/internal/orderbook"
)

// Rejection reasons
const (
	RejectMalformed         = "malformed"
	RejectUnknownInstrument = "unknown_instrument"
	RejectHoldings          = "insufficient_holdings"
	RejectCash              = "insufficient_cash"
)

// Rejection records an order that never reached the book
type Rejection struct {
	AgentID    string  `json:"agent_id"`
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Quantity   int64   `json:"quantity"`
	Reason     string  `json:"reason"`
}

// admission checks orders against what each agent can still commit this
// round. Every admitted order reserves its units (SELL) or its notional at
// the limit price (BUY), so a whole round's orders can never oversell a
// holding or, with cash enforcement, overspend a balance.
type admission struct {
	agents      *agent.Registry
	instruments map[string]bool
	enforceCash bool

	cash  map[string]decimal.Decimal
	units map[string]map[string]int64
}

func newAdmission(agents *agent.Registry, instruments []string, enforceCash bool) *admission {
	known := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		known[inst] = true
	}
	return &admission{
		agents:      agents,
		instruments: known,
		enforceCash: enforceCash,
		cash:        make(map[string]decimal.Decimal),
		units:       make(map[string]map[string]int64),
	}
}

func (a *admission) load(id string) bool {
	if _, ok := a.units[id]; ok {
		return true
	}
	ag, ok := a.agents.Get(id)
	if !ok {
		return false
	}
	p := ag.Snapshot()
	a.cash[id] = ag.Cash()
	a.units[id] = p.Holdings
	return true
}

// reserve books a resident order's claim without checking it
func (a *admission) reserve(o orderbook.Order) {
	if !a.load(o.AgentID) {
		return
	}
	switch o.Side {
	case orderbook.Sell:
		a.units[o.AgentID][o.Instrument] -= o.Quantity
	case orderbook.Buy:
		a.cash[o.AgentID] = a.cash[o.AgentID].Sub(limitNotional(o))
	}
}

// admit returns "" and reserves the order's claim when it may enter the
// book, otherwise the rejection reason.
func (a *admission) admit(o *orderbook.Order) string {
	if err := o.Validate(); err != nil {
		return RejectMalformed
	}
	if !a.instruments[o.Instrument] {
		return RejectUnknownInstrument
	}
	if !a.load(o.AgentID) {
		return RejectMalformed
	}

	switch o.Side {
	case orderbook.Sell:
		held := a.units[o.AgentID][o.Instrument]
		if o.Quantity > held {
			return RejectHoldings
		}
		a.units[o.AgentID][o.Instrument] = held - o.Quantity
	case orderbook.Buy:
		if !a.enforceCash {
			return ""
		}
		n := limitNotional(*o)
		if n.GreaterThan(a.cash[o.AgentID]) {
			return RejectCash
		}
		a.cash[o.AgentID] = a.cash[o.AgentID].Sub(n)
	}
	return ""
}

// limitNotional is the most a BUY can spend: the midpoint execution price
// never exceeds the buyer's limit.
func limitNotional(o orderbook.Order) decimal.Decimal {
	return decimal.NewFromFloat(o.Price).Mul(decimal.NewFromInt(o.Quantity))
}

func rejection(o *orderbook.Order, reason string) Rejection {
	return Rejection{
		AgentID:    o.AgentID,
		Instrument: o.Instrument,
		Side:       o.Side.String(),
		Price:      o.Price,
		Quantity:   o.Quantity,
		Reason:     reason,
	}
}
