package bots

import (
	"sync"

	"agentmarket/internal/orderbook"
)

// NoiseTrader places random orders to create market texture
type NoiseTrader struct {
	*BaseBot
	participation float64 // Chance of trading an instrument in a round
	minSize       int64   // Minimum order size
	maxSize       int64   // Maximum order size
	bias          float64 // Directional bias (-1 to +1, 0 = neutral)
	aggression    float64 // Max distance of the limit through the reference price
}

// NewNoiseTrader creates a noise trader
func NewNoiseTrader(id string, participation float64, minSize, maxSize int64, bias, aggression float64) *NoiseTrader {
	return &NoiseTrader{
		BaseBot:       NewBaseBot(id),
		participation: participation,
		minSize:       minSize,
		maxSize:       maxSize,
		bias:          bias,
		aggression:    aggression,
	}
}

func (n *NoiseTrader) Decide(in Input) (*orderbook.Order, bool) {
	if in.Rng.Float64() >= n.participation {
		return nil, false
	}

	size := sizeBetween(in.Rng, n.minSize, n.maxSize)

	// Random side with bias
	side := orderbook.Buy
	if in.Rng.Float64() > (0.5 + n.bias/2) {
		side = orderbook.Sell
	}

	offset := uniform(in.Rng, 0, n.aggression)
	if side == orderbook.Buy {
		return n.order(in, side, in.Price*(1+offset), size)
	}
	return n.order(in, side, in.Price*(1-offset), size)
}

// Preset noise traders

// NewRandomSmall places small random orders most rounds
func NewRandomSmall(id string) *NoiseTrader {
	return NewNoiseTrader(id, 0.8, 1, 5, 0, 0.02)
}

// NewRandomLarge places larger random orders occasionally
func NewRandomLarge(id string) *NoiseTrader {
	return NewNoiseTrader(id, 0.15, 10, 40, 0, 0.03)
}

// PanicBot overreacts to the previous round's price move
type PanicBot struct {
	*BaseBot
	panicThreshold float64 // Relative move that triggers panic
	panicSize      int64   // Size of panic trades
	cooldown       int     // Minimum rounds between panics

	mu        sync.Mutex
	lastPanic map[string]int // Round of the last panic per instrument
}

// NewPanicBot creates a panic trader
func NewPanicBot(id string, threshold float64, size int64, cooldown int) *PanicBot {
	return &PanicBot{
		BaseBot:        NewBaseBot(id),
		panicThreshold: threshold,
		panicSize:      size,
		cooldown:       cooldown,
		lastPanic:      make(map[string]int),
	}
}

func (p *PanicBot) Decide(in Input) (*orderbook.Order, bool) {
	if len(in.History) < 2 {
		return nil, false
	}
	prev, last := in.History[len(in.History)-2], in.History[len(in.History)-1]
	if prev <= 0 {
		return nil, false
	}
	move := (last - prev) / prev
	if abs(move) < p.panicThreshold {
		return nil, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if round, ok := p.lastPanic[in.Instrument]; ok && in.Round-round < p.cooldown {
		return nil, false
	}

	// PANIC! Trade in the direction of the move (chase)
	var (
		o  *orderbook.Order
		ok bool
	)
	if move > 0 {
		o, ok = p.order(in, orderbook.Buy, in.Price*(1+2*p.panicThreshold), p.panicSize)
	} else {
		o, ok = p.order(in, orderbook.Sell, in.Price*(1-2*p.panicThreshold), p.panicSize)
	}
	if ok {
		p.lastPanic[in.Instrument] = in.Round
	}
	return o, ok
}

// NewPanicStandard creates a standard panic bot
func NewPanicStandard(id string) *PanicBot {
	return NewPanicBot(id, 0.03, 10, 3)
}

// MandatedAgent has a quota to fill over a number of rounds
type MandatedAgent struct {
	*BaseBot
	mandate  int64   // Target quantity (positive = buy, negative = sell)
	deadline int     // Rounds to complete the mandate
	urgency  float64 // 0.0 = patient, 1.0 = desperate

	mu     sync.Mutex
	filled map[string]int64
}

// NewMandatedAgent creates a mandated execution agent
func NewMandatedAgent(id string, mandate int64, deadline int, urgency float64) *MandatedAgent {
	if deadline < 1 {
		deadline = 1
	}
	return &MandatedAgent{
		BaseBot:  NewBaseBot(id),
		mandate:  mandate,
		deadline: deadline,
		urgency:  urgency,
		filled:   make(map[string]int64),
	}
}

func (m *MandatedAgent) Decide(in Input) (*orderbook.Order, bool) {
	m.mu.Lock()
	filled := m.filled[in.Instrument]
	m.mu.Unlock()

	total := m.mandate
	if total < 0 {
		total = -total
	}
	remaining := total - filled
	if remaining <= 0 {
		return nil, false
	}

	// Slice evenly over the rounds left, never less than one unit
	roundsLeft := int64(m.deadline - in.Round)
	if roundsLeft < 1 {
		roundsLeft = 1
	}
	size := remaining / roundsLeft
	if size < 1 {
		size = 1
	}

	// If behind schedule, increase urgency
	timeProgress := float64(in.Round) / float64(m.deadline)
	fillProgress := float64(filled) / float64(total)
	urgency := m.urgency
	if timeProgress > fillProgress {
		urgency = min(1.0, m.urgency+timeProgress-fillProgress)
	}
	if urgency > 0.7 {
		// Desperate - trade larger
		size = min(size*2, remaining)
	}

	// Patient agents rest inside the reference, urgent ones cross it
	offset := (urgency - 0.5) * 0.04
	if m.mandate > 0 {
		return m.order(in, orderbook.Buy, in.Price*(1+offset), size)
	}
	return m.order(in, orderbook.Sell, in.Price*(1-offset), size)
}

// ProcessTrade tracks fills against the mandate as well as the position
func (m *MandatedAgent) ProcessTrade(tx orderbook.Transaction) {
	m.BaseBot.ProcessTrade(tx)

	var ours bool
	if m.mandate > 0 {
		ours = tx.BuyerID == m.id
	} else {
		ours = tx.SellerID == m.id
	}
	if !ours || tx.BuyerID == tx.SellerID {
		return
	}
	m.mu.Lock()
	m.filled[tx.Instrument] += tx.Quantity
	m.mu.Unlock()
}

// progress returns the mandate completion progress for an instrument
func (m *MandatedAgent) progress(instrument string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mandate == 0 {
		return 1.0
	}
	total := m.mandate
	if total < 0 {
		total = -total
	}
	return float64(m.filled[instrument]) / float64(total)
}

// NewTWAPBuyer creates a patient TWAP buyer
func NewTWAPBuyer(id string, quantity int64, rounds int) *MandatedAgent {
	return NewMandatedAgent(id, quantity, rounds, 0.3)
}

// NewTWAPSeller creates a patient TWAP seller
func NewTWAPSeller(id string, quantity int64, rounds int) *MandatedAgent {
	return NewMandatedAgent(id, -quantity, rounds, 0.3)
}

// NewOpportunisticBuyer creates an opportunistic buyer
func NewOpportunisticBuyer(id string, quantity int64, rounds int) *MandatedAgent {
	return NewMandatedAgent(id, quantity, rounds, 0.4)
}

// NewDesperateSeller creates a desperate seller (like margin call)
func NewDesperateSeller(id string, quantity int64, rounds int) *MandatedAgent {
	return NewMandatedAgent(id, -quantity, rounds, 0.9)
}
