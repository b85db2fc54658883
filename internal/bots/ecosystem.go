package bots

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"agentmarket/internal/agent"
	"agentmarket/internal/orderbook"
)

// Ecosystem is an ordered population of bots. The order is the fixed
// sequencing used whenever their orders are submitted.
type Ecosystem struct {
	mu   sync.Mutex
	bots []Bot
}

// NewEcosystem creates an empty ecosystem
func NewEcosystem() *Ecosystem {
	return &Ecosystem{}
}

// Add appends a bot to the population
func (e *Ecosystem) Add(bot Bot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bots = append(e.bots, bot)
}

// Bots returns the population in order
func (e *Ecosystem) Bots() []Bot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Bot, len(e.bots))
	copy(out, e.bots)
	return out
}

// Count returns number of bots
func (e *Ecosystem) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bots)
}

// ProcessTrade notifies every bot that tracks fills of a trade
func (e *Ecosystem) ProcessTrade(tx orderbook.Transaction) {
	for _, bot := range e.Bots() {
		if obs, ok := bot.(TradeObserver); ok {
			obs.ProcessTrade(tx)
		}
	}
}

// RealizedPnL returns the profit a bot has locked in by trading. Bots that
// do not track their fills report zero.
func (e *Ecosystem) RealizedPnL(id string) float64 {
	for _, bot := range e.Bots() {
		if bot.ID() != id {
			continue
		}
		if t, ok := bot.(interface{ RealizedPnL() float64 }); ok {
			return t.RealizedPnL()
		}
		return 0
	}
	return 0
}

// Endowment describes the opening allocation of every agent
type Endowment struct {
	CashMin     float64
	CashMax     float64
	HoldingsMax int64 // Units per instrument drawn from [0, HoldingsMax]
	Instruments []string
}

// DefaultEndowment matches the usual population seeding
func DefaultEndowment(instruments []string) Endowment {
	return Endowment{
		CashMin:     1000,
		CashMax:     5000,
		HoldingsMax: 50,
		Instruments: instruments,
	}
}

// Endow registers one agent per bot with a random opening allocation
func (e *Ecosystem) Endow(rng *rand.Rand, reg *agent.Registry, end Endowment) error {
	for _, bot := range e.Bots() {
		cash := uniform(rng, end.CashMin, end.CashMax)
		holdings := make(map[string]int64, len(end.Instruments))
		for _, inst := range end.Instruments {
			holdings[inst] = sizeBetween(rng, 0, end.HoldingsMax)
		}
		if err := reg.Add(agent.New(bot.ID(), cash, holdings)); err != nil {
			return fmt.Errorf("endow %s: %w", bot.ID(), err)
		}
	}
	return nil
}

// CreateEcosystem creates the full bot ecosystem for a run. rng draws the
// sentiment profiles; rounds sizes the mandated agents' schedules.
func CreateEcosystem(rng *rand.Rand, sentimentTraders, rounds int) *Ecosystem {
	eco := NewEcosystem()

	// Sentiment traders form the bulk of the population
	for i := 1; i <= sentimentTraders; i++ {
		eco.Add(NewSentimentTrader(fmt.Sprintf("sentiment_%d", i), RandomProfile(rng)))
	}

	// Market Makers (4 bots)
	eco.Add(NewTightMM())
	eco.Add(NewWideMM())
	eco.Add(NewAdaptiveMM())
	eco.Add(NewNervousMM())

	// Momentum traders (4 bots - 2 fast, 2 slow)
	eco.Add(NewMomentumFast("momentum_fast_1"))
	eco.Add(NewMomentumFast("momentum_fast_2"))
	eco.Add(NewMomentumSlow("momentum_slow_1"))
	eco.Add(NewMomentumSlow("momentum_slow_2"))

	// Mean reversion traders (2 bots)
	eco.Add(NewMeanReversionStandard("mean_reversion_1"))
	eco.Add(NewMeanReversionStandard("mean_reversion_2"))

	// Breakout traders (2 bots)
	eco.Add(NewBreakoutStandard("breakout_1"))
	eco.Add(NewBreakoutStandard("breakout_2"))

	// Noise traders - random small (4 bots)
	for i := 1; i <= 4; i++ {
		eco.Add(NewRandomSmall(fmt.Sprintf("noise_small_%d", i)))
	}

	// Noise traders - random large (2 bots)
	eco.Add(NewRandomLarge("noise_large_1"))
	eco.Add(NewRandomLarge("noise_large_2"))

	// Panic traders (2 bots)
	eco.Add(NewPanicStandard("panic_1"))
	eco.Add(NewPanicStandard("panic_2"))

	// Mandated agents - creates natural flow
	// Buy side
	eco.Add(NewTWAPBuyer("twap_buyer_1", 40, rounds))
	eco.Add(NewOpportunisticBuyer("opp_buyer_1", 25, rounds))

	// Sell side
	eco.Add(NewTWAPSeller("twap_seller_1", 40, rounds))
	eco.Add(NewDesperateSeller("desperate_seller_1", 20, rounds))

	return eco
}

// CreateMinimalEcosystem creates a smaller bot ecosystem for testing
func CreateMinimalEcosystem(rng *rand.Rand, rounds int) *Ecosystem {
	eco := NewEcosystem()

	eco.Add(NewSentimentTrader("sentiment_1", RandomProfile(rng)))

	// Just essential market makers
	eco.Add(NewTightMM())
	eco.Add(NewWideMM())

	// One of each type
	eco.Add(NewMomentumFast("momentum_1"))
	eco.Add(NewMeanReversionStandard("mean_reversion_1"))
	eco.Add(NewRandomSmall("noise_1"))

	// One buyer, one seller
	eco.Add(NewTWAPBuyer("twap_buyer_1", 20, rounds))
	eco.Add(NewTWAPSeller("twap_seller_1", 20, rounds))

	return eco
}

// EcosystemStats summarizes the population by archetype
type EcosystemStats struct {
	TotalBots        int      `json:"total_bots"`
	SentimentTraders int      `json:"sentiment_traders"`
	MarketMakers     int      `json:"market_makers"`
	Directional      int      `json:"directional"`
	NoiseTraders     int      `json:"noise_traders"`
	MandatedAgents   int      `json:"mandated_agents"`
	BotIDs           []string `json:"bot_ids"`
}

// Stats returns statistics about the bot ecosystem
func (e *Ecosystem) Stats() EcosystemStats {
	bots := e.Bots()
	stats := EcosystemStats{
		TotalBots: len(bots),
		BotIDs:    make([]string, len(bots)),
	}

	hasPrefix := func(id string, prefixes ...string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(id, p) {
				return true
			}
		}
		return false
	}

	for i, bot := range bots {
		id := bot.ID()
		stats.BotIDs[i] = id

		// Categorize by ID prefix
		switch {
		case hasPrefix(id, "sentiment"):
			stats.SentimentTraders++
		case hasPrefix(id, "mm_"):
			stats.MarketMakers++
		case hasPrefix(id, "momentum", "mean", "breakout"):
			stats.Directional++
		case hasPrefix(id, "noise", "panic"):
			stats.NoiseTraders++
		case hasPrefix(id, "twap", "opp", "desperate"):
			stats.MandatedAgents++
		}
	}

	return stats
}
