package bots

import (
	"sync"

	"agentmarket/internal/market"
	"agentmarket/internal/orderbook"
)

// MomentumTrader chases price trends
type MomentumTrader struct {
	*BaseBot
	lookback    int     // Rounds to look back for the trend
	minMove     float64 // Minimum relative move to trigger
	tradeSize   int64   // Size per trade
	maxPosition int64   // Maximum holding
	aggression  float64 // Distance of the limit through the reference price
}

// NewMomentumTrader creates a momentum-following bot
func NewMomentumTrader(id string, lookback int, minMove float64, size, maxPos int64) *MomentumTrader {
	return &MomentumTrader{
		BaseBot:     NewBaseBot(id),
		lookback:    lookback,
		minMove:     minMove,
		tradeSize:   size,
		maxPosition: maxPos,
		aggression:  0.01,
	}
}

func (m *MomentumTrader) Decide(in Input) (*orderbook.Order, bool) {
	if len(in.History) <= m.lookback {
		return nil, false
	}

	oldPrice := in.History[len(in.History)-1-m.lookback]
	if oldPrice <= 0 {
		return nil, false
	}
	move := (in.Price - oldPrice) / oldPrice

	// Check if move exceeds threshold
	if abs(move) < m.minMove {
		return nil, false
	}

	holding := in.Portfolio.Holding(in.Instrument)
	if move > 0 {
		if holding >= m.maxPosition {
			return nil, false // Already max long
		}
		return m.order(in, orderbook.Buy, in.Price*(1+m.aggression), min(m.tradeSize, m.maxPosition-holding))
	}
	return m.order(in, orderbook.Sell, in.Price*(1-m.aggression), m.tradeSize)
}

// Preset momentum traders

// NewMomentumFast chases 3-round trends
func NewMomentumFast(id string) *MomentumTrader {
	return NewMomentumTrader(id, 3, 0.01, 5, 100)
}

// NewMomentumSlow chases 10-round trends
func NewMomentumSlow(id string) *MomentumTrader {
	return NewMomentumTrader(id, 10, 0.03, 10, 200)
}

// MeanReversionTrader fades large deviations from a moving average
type MeanReversionTrader struct {
	*BaseBot
	window      int     // Rounds in the reference average
	threshold   float64 // Minimum relative deviation to trade
	tradeSize   int64
	maxPosition int64
}

// NewMeanReversionTrader creates a mean-reversion bot
func NewMeanReversionTrader(id string, window int, threshold float64, size, maxPos int64) *MeanReversionTrader {
	return &MeanReversionTrader{
		BaseBot:     NewBaseBot(id),
		window:      window,
		threshold:   threshold,
		tradeSize:   size,
		maxPosition: maxPos,
	}
}

func (m *MeanReversionTrader) Decide(in Input) (*orderbook.Order, bool) {
	if len(in.History) < 2 {
		return nil, false
	}
	reference := average(market.Tail(in.History, m.window))
	if reference <= 0 {
		return nil, false
	}

	deviation := (in.Price - reference) / reference

	// Only trade if deviation exceeds threshold
	if abs(deviation) < m.threshold {
		return nil, false
	}

	// Fade the move, limit halfway back to the reference
	limit := (in.Price + reference) / 2
	if deviation > 0 {
		return m.order(in, orderbook.Sell, limit, m.tradeSize)
	}
	holding := in.Portfolio.Holding(in.Instrument)
	if holding >= m.maxPosition {
		return nil, false
	}
	return m.order(in, orderbook.Buy, limit, min(m.tradeSize, m.maxPosition-holding))
}

// NewMeanReversionStandard fades 2%+ deviations from the 20-round average
func NewMeanReversionStandard(id string) *MeanReversionTrader {
	return NewMeanReversionTrader(id, 20, 0.02, 8, 150)
}

// BreakoutTrader jumps on range expansions
type BreakoutTrader struct {
	*BaseBot
	windowSize    int     // Number of closes that define the range
	breakoutMult  float64 // Breakout threshold as multiplier of range
	tradeSize     int64
	maxPosition   int64
	cooldownTicks int // Rounds to wait after trading

	mu        sync.Mutex
	lastTrade map[string]int
}

// NewBreakoutTrader creates a breakout-following bot
func NewBreakoutTrader(id string, windowSize int, breakoutMult float64, size, maxPos int64) *BreakoutTrader {
	return &BreakoutTrader{
		BaseBot:       NewBaseBot(id),
		windowSize:    windowSize,
		breakoutMult:  breakoutMult,
		tradeSize:     size,
		maxPosition:   maxPos,
		cooldownTicks: 5,
		lastTrade:     make(map[string]int),
	}
}

func (b *BreakoutTrader) Decide(in Input) (*orderbook.Order, bool) {
	// Need full window plus the latest close
	if len(in.History) < b.windowSize+1 {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if round, ok := b.lastTrade[in.Instrument]; ok && in.Round-round < b.cooldownTicks {
		return nil, false
	}

	// Calculate range (excluding last price)
	window := in.History[len(in.History)-1-b.windowSize : len(in.History)-1]
	rangeHigh, rangeLow := window[0], window[0]
	for _, p := range window {
		rangeHigh = max(rangeHigh, p)
		rangeLow = min(rangeLow, p)
	}

	rangeSize := rangeHigh - rangeLow
	if rangeSize == 0 {
		return nil, false
	}

	lastPrice := in.History[len(in.History)-1]
	threshold := rangeSize * b.breakoutMult
	holding := in.Portfolio.Holding(in.Instrument)

	var (
		o  *orderbook.Order
		ok bool
	)
	switch {
	case lastPrice > rangeHigh+threshold && holding < b.maxPosition:
		// Upside breakout - buy
		o, ok = b.order(in, orderbook.Buy, in.Price*1.01, min(b.tradeSize, b.maxPosition-holding))
	case lastPrice < rangeLow-threshold:
		// Downside breakout - sell
		o, ok = b.order(in, orderbook.Sell, in.Price*0.99, b.tradeSize)
	}
	if ok {
		b.lastTrade[in.Instrument] = in.Round
	}
	return o, ok
}

// NewBreakoutStandard creates a standard breakout bot
func NewBreakoutStandard(id string) *BreakoutTrader {
	return NewBreakoutTrader(id, 10, 0.25, 10, 100)
}
