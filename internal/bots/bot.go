package bots

import (
	"math"
	"math/rand"
	"sync"

	"agentmarket/internal/agent"
	"agentmarket/internal/orderbook"
)

// Input is everything a bot sees when deciding on one instrument in one
// round. Rng is the bot's own stream; bots must not draw randomness from
// anywhere else.
type Input struct {
	Round      int
	Instrument string
	Price      float64 // Reference price at collection time
	Portfolio  agent.Portfolio
	Neighbors  []agent.Portfolio
	History    []float64 // Round closes for Instrument, oldest first
	News       float64
	Rng        *rand.Rand
}

// Bot is the interface all trading bots must implement. Decide returns at
// most one order for the instrument in the input. A SELL must not exceed
// the holding in the portfolio and the limit price must be positive.
type Bot interface {
	ID() string
	Decide(in Input) (*orderbook.Order, bool)
}

// TradeObserver is implemented by bots that track their own fills
type TradeObserver interface {
	ProcessTrade(tx orderbook.Transaction)
}

type position struct {
	qty         int64
	avgPrice    float64
	realizedPnL float64
}

// BaseBot provides common functionality for all bots
type BaseBot struct {
	mu sync.Mutex

	id        string
	positions map[string]*position // Net traded position per instrument
}

// NewBaseBot creates a new base bot
func NewBaseBot(id string) *BaseBot {
	return &BaseBot{
		id:        id,
		positions: make(map[string]*position),
	}
}

func (b *BaseBot) ID() string {
	return b.id
}

// Position returns the net quantity this bot has traded in an instrument
func (b *BaseBot) Position(instrument string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[instrument]; ok {
		return p.qty
	}
	return 0
}

// RealizedPnL returns realized profit across all instruments
func (b *BaseBot) RealizedPnL() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total float64
	for _, p := range b.positions {
		total += p.realizedPnL
	}
	return total
}

// ProcessTrade updates position based on a trade
func (b *BaseBot) ProcessTrade(tx orderbook.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var buy bool
	switch b.id {
	case tx.BuyerID:
		buy = true
	case tx.SellerID:
		buy = false
	default:
		return // Not our trade
	}
	if tx.BuyerID == tx.SellerID {
		return // Crossed with ourselves, no net change
	}

	p, ok := b.positions[tx.Instrument]
	if !ok {
		p = &position{}
		b.positions[tx.Instrument] = p
	}
	qty := tx.Quantity

	if buy {
		if p.qty >= 0 {
			// Adding to long
			totalCost := p.avgPrice*float64(p.qty) + tx.Price*float64(qty)
			p.qty += qty
			p.avgPrice = totalCost / float64(p.qty)
		} else {
			// Covering short
			coverQty := min(qty, -p.qty)
			p.realizedPnL += float64(coverQty) * (p.avgPrice - tx.Price)
			p.qty += qty
			if p.qty > 0 {
				p.avgPrice = tx.Price
			} else if p.qty == 0 {
				p.avgPrice = 0
			}
		}
		return
	}

	if p.qty <= 0 {
		// Adding to short
		totalValue := p.avgPrice*float64(-p.qty) + tx.Price*float64(qty)
		p.qty -= qty
		p.avgPrice = totalValue / float64(-p.qty)
	} else {
		// Closing long
		closeQty := min(qty, p.qty)
		p.realizedPnL += float64(closeQty) * (tx.Price - p.avgPrice)
		p.qty -= qty
		if p.qty < 0 {
			p.avgPrice = tx.Price
		} else if p.qty == 0 {
			p.avgPrice = 0
		}
	}
}

// order builds a limit order for this bot. It returns false when the order
// would break the decision contract: non-positive price or quantity, a
// sell above the holding, or a buy the portfolio cannot pay for.
func (b *BaseBot) order(in Input, side orderbook.Side, price float64, qty int64) (*orderbook.Order, bool) {
	if !(price > 0) || math.IsInf(price, 0) {
		return nil, false
	}
	switch side {
	case orderbook.Buy:
		qty = min(qty, affordable(in.Portfolio.Cash, price))
	case orderbook.Sell:
		qty = min(qty, in.Portfolio.Holding(in.Instrument))
	}
	if qty <= 0 {
		return nil, false
	}
	return &orderbook.Order{
		AgentID:    b.id,
		Instrument: in.Instrument,
		Side:       side,
		Price:      price,
		Quantity:   qty,
	}, true
}

// affordable returns how many whole units cash buys at price
func affordable(cash, price float64) int64 {
	if cash <= 0 || price <= 0 {
		return 0
	}
	return int64(math.Floor(cash / price))
}

// Helper functions

func abs(x float64) float64 {
	return math.Abs(x)
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// uniform draws from [lo, hi)
func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// sizeBetween draws an integer size from [lo, hi]
func sizeBetween(rng *rand.Rand, lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Int63n(hi-lo+1)
}
