package bots

import (
	"sync"

	"agentmarket/internal/market"
	"agentmarket/internal/orderbook"
)

// MMConfig configures a market maker bot. Spreads are fractions of the
// reference price.
type MMConfig struct {
	ID                string
	HalfSpread        float64 // Distance from reference to quote
	Size              int64   // Quantity per quote
	TargetInventory   int64   // Holding the maker steers towards
	MaxPosition       int64   // Maximum allowed holding
	InventorySkew     float64 // How much to skew quotes based on inventory (0-1)
	WidenOnVolatility bool    // Widen spread during volatility
}

// MarketMaker provides liquidity around the reference price. With one
// order per instrument per round it quotes a single side, chosen to pull
// its inventory back towards the target.
type MarketMaker struct {
	*BaseBot
	config MMConfig
}

// NewMarketMaker creates a new market maker bot
func NewMarketMaker(config MMConfig) *MarketMaker {
	return &MarketMaker{
		BaseBot: NewBaseBot(config.ID),
		config:  config,
	}
}

func (mm *MarketMaker) Decide(in Input) (*orderbook.Order, bool) {
	return mm.quote(in)
}

func (mm *MarketMaker) quote(in Input) (*orderbook.Order, bool) {
	cfg := mm.config
	holding := in.Portfolio.Holding(in.Instrument)

	// Calculate spread (possibly widened for volatility)
	spread := cfg.HalfSpread
	if cfg.WidenOnVolatility {
		if vol := market.StdDev(market.LogReturns(market.Tail(in.History, 21))); vol > spread {
			spread = vol * 1.5
		}
	}

	// Calculate inventory skew
	// If long, lower both quotes (less eager to buy more)
	// If short of target, raise them
	var skew float64
	if cfg.InventorySkew > 0 {
		scale := float64(max(cfg.TargetInventory, 1))
		skew = cfg.InventorySkew * spread * float64(holding-cfg.TargetInventory) / scale
		skew = max(-spread, min(spread, skew))
	}

	buy := holding < cfg.TargetInventory
	if holding == cfg.TargetInventory {
		buy = in.Round%2 == 0
	}

	// Check position limits
	if buy && cfg.MaxPosition > 0 && holding >= cfg.MaxPosition {
		buy = false
	}

	if buy {
		return mm.order(in, orderbook.Buy, in.Price*(1-spread-skew), cfg.Size)
	}
	return mm.order(in, orderbook.Sell, in.Price*(1+spread-skew), cfg.Size)
}

// Preset market maker configurations

// NewTightMM quotes 0.5% from the reference in small size
func NewTightMM() *MarketMaker {
	return NewMarketMaker(MMConfig{
		ID:                "mm_tight",
		HalfSpread:        0.005,
		Size:              5,
		TargetInventory:   50,
		MaxPosition:       150,
		InventorySkew:     0.5,
		WidenOnVolatility: true,
	})
}

// NewWideMM quotes 2% from the reference in large size
func NewWideMM() *MarketMaker {
	return NewMarketMaker(MMConfig{
		ID:                "mm_wide",
		HalfSpread:        0.02,
		Size:              25,
		TargetInventory:   100,
		MaxPosition:       400,
		InventorySkew:     0.2,
		WidenOnVolatility: false, // "dumb" MM
	})
}

// NewAdaptiveMM adapts to inventory and volatility
func NewAdaptiveMM() *MarketMaker {
	return NewMarketMaker(MMConfig{
		ID:                "mm_adaptive",
		HalfSpread:        0.01,
		Size:              10,
		TargetInventory:   75,
		MaxPosition:       250,
		InventorySkew:     0.8, // Strong inventory skew
		WidenOnVolatility: true,
	})
}

// NervousMM stops quoting for a while after a big move
type NervousMM struct {
	*MarketMaker
	volatilityThreshold float64 // Relative close-to-close move that pulls quotes
	pullRounds          int

	mu          sync.Mutex
	pulledUntil map[string]int
}

// NewNervousMM creates a market maker that pulls quotes on big moves
func NewNervousMM() *NervousMM {
	base := NewMarketMaker(MMConfig{
		ID:                "mm_nervous",
		HalfSpread:        0.01,
		Size:              6,
		TargetInventory:   40,
		MaxPosition:       120,
		InventorySkew:     1.0, // Very sensitive to inventory
		WidenOnVolatility: true,
	})

	return &NervousMM{
		MarketMaker:         base,
		volatilityThreshold: 0.02,
		pullRounds:          3,
		pulledUntil:         make(map[string]int),
	}
}

func (mm *NervousMM) Decide(in Input) (*orderbook.Order, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	// Still pulled
	if until, ok := mm.pulledUntil[in.Instrument]; ok && in.Round < until {
		return nil, false
	}

	// Check for big move
	if n := len(in.History); n >= 2 && in.History[n-2] > 0 {
		change := abs(in.History[n-1]-in.History[n-2]) / in.History[n-2]
		if change > mm.volatilityThreshold {
			mm.pulledUntil[in.Instrument] = in.Round + mm.pullRounds
			return nil, false
		}
	}

	// Normal quoting
	return mm.quote(in)
}
