package bots

import (
	"math"
	"math/rand"
	"sync"

	"agentmarket/internal/agent"
	"agentmarket/internal/market"
	"agentmarket/internal/orderbook"
)

const (
	tradingDaysPerYear  = 252
	wealthLookback      = 22 // Rounds behind the current valuation used for L_private
	hesitationInflation = 0.03
)

// SentimentProfile holds the behavioural traits of a SentimentTrader.
// Weights are in [0, 1].
type SentimentProfile struct {
	Literacy             float64 `json:"literacy"`
	Speculator           float64 `json:"speculator"`
	Noise                float64 `json:"noise"`
	Fundamentalist       float64 `json:"fundamentalist"`
	InflationExpectation float64 `json:"inflation_expectation"` // Per round
	Tau                  int     `json:"tau"`                   // Volatility observation window in rounds
}

// RandomProfile draws a profile the way the population is seeded
func RandomProfile(rng *rand.Rand) SentimentProfile {
	return SentimentProfile{
		Literacy:             rng.Float64(),
		Speculator:           rng.Float64(),
		Noise:                rng.Float64(),
		Fundamentalist:       rng.Float64(),
		InflationExpectation: uniform(rng, -0.02, 0.05),
		Tau:                  22 + rng.Intn(tradingDaysPerYear-22+1),
	}
}

// SentimentTrader forms a price expectation from its own and its
// neighbours' recent performance plus the round's news, and trades towards
// it with a size scaled by the risk it is willing to take.
type SentimentTrader struct {
	*BaseBot
	profile SentimentProfile

	mu        sync.Mutex
	round     int
	sentiment float64
}

// NewSentimentTrader creates a sentiment-driven trader
func NewSentimentTrader(id string, profile SentimentProfile) *SentimentTrader {
	return &SentimentTrader{
		BaseBot: NewBaseBot(id),
		profile: profile,
		round:   -1,
	}
}

// Sentiment returns the sentiment computed for the latest round seen
func (s *SentimentTrader) Sentiment() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentiment
}

func (s *SentimentTrader) Decide(in Input) (*orderbook.Order, bool) {
	p := s.profile

	// High inflation expectations freeze the trader
	if p.InflationExpectation > hesitationInflation {
		return nil, false
	}

	sentiment := s.updateSentiment(in)

	vol := PerceivedVolatility(in.History, p.Tau)
	risk := (sentiment+1)*vol/2 + 0.2*p.Speculator - 0.1*p.Noise + 0.1*p.Fundamentalist

	size := int64(1)
	if vol > 0 {
		size = max(1, int64(math.Floor(risk/vol)))
	}

	confidence := max(0.5, p.Literacy-p.Noise)
	adjusted := in.Price * (1 + p.InflationExpectation*confidence)
	expected := adjusted*math.Exp((sentiment+0.1*p.Literacy-0.15*p.Speculator)/10) +
		in.Rng.NormFloat64()*p.Noise

	if sentiment > 0 {
		return s.order(in, orderbook.Buy, expected, size)
	}
	return s.order(in, orderbook.Sell, expected, size)
}

// updateSentiment recomputes sentiment on the first decision of a round
func (s *SentimentTrader) updateSentiment(in Input) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.round == in.Round {
		return s.sentiment
	}
	s.round = in.Round

	raw := 0.2*LPrivate(in.Portfolio.Wealth) + 0.3*LSocial(in.Neighbors) + 0.05*in.News
	s.sentiment = max(-1, min(1, raw))
	return s.sentiment
}

// LPrivate is the growth of a wealth series over the lookback window.
// Short series and a zero base give zero.
func LPrivate(wealth []float64) float64 {
	if len(wealth) <= wealthLookback {
		return 0
	}
	base := wealth[len(wealth)-wealthLookback]
	if base == 0 {
		return 0
	}
	return wealth[len(wealth)-1]/base - 1
}

// LSocial averages LPrivate across the neighbours whose wealth series is
// longer than the lookback. Neighbours without enough history are left out
// of the average rather than counted as zero.
func LSocial(neighbors []agent.Portfolio) float64 {
	var sum float64
	var n int
	for _, nb := range neighbors {
		if len(nb.Wealth) <= wealthLookback {
			continue
		}
		sum += LPrivate(nb.Wealth)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// PerceivedVolatility is the annualized standard deviation of log returns
// over the last tau closes. Fewer than tau closes give zero.
func PerceivedVolatility(history []float64, tau int) float64 {
	if tau < 2 || len(history) < tau {
		return 0
	}
	returns := market.LogReturns(market.Tail(history, tau))
	return market.StdDev(returns) * math.Sqrt(tradingDaysPerYear)
}
