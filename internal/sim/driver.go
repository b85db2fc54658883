package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentmarket/internal/agent"
	"agentmarket/internal/bots"
	"agentmarket/internal/market"
	"agentmarket/internal/orderbook"
)

var ErrUnpricedInstrument = errors.New("instrument has no market price")

// ResidentCount is the number of orders left in the book for an instrument
type ResidentCount struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

// RoundResult is everything observable about one completed round
type RoundResult struct {
	Round        int                      `json:"round"`
	News         float64                  `json:"news"`
	Inflation    float64                  `json:"inflation"`
	Open         map[string]float64       `json:"open"`
	Close        map[string]float64       `json:"close"`
	Submitted    int                      `json:"submitted"`
	Rejected     []Rejection              `json:"rejected"`
	Transactions []orderbook.Transaction  `json:"transactions"`
	Volume       map[string]int64         `json:"volume"`
	Dividends    []agent.Credit           `json:"dividends,omitempty"`
	Valuations   map[string]float64       `json:"valuations"`
	Resident     map[string]ResidentCount `json:"resident"`
	Elapsed      time.Duration            `json:"elapsed"`
}

// Metrics receives driver measurements. Implementations must be safe for
// concurrent use: clears may report from several goroutines.
type Metrics interface {
	OrderSubmitted(instrument string)
	OrderRejected(instrument, reason string)
	ClearCompleted(instrument string, trades []orderbook.Transaction, elapsed time.Duration)
	RoundCompleted(res *RoundResult)
}

type nopMetrics struct{}

func (nopMetrics) OrderSubmitted(string)                                         {}
func (nopMetrics) OrderRejected(string, string)                                  {}
func (nopMetrics) ClearCompleted(string, []orderbook.Transaction, time.Duration) {}
func (nopMetrics) RoundCompleted(*RoundResult)                                   {}

// Option configures a Driver
type Option func(*Driver)

// WithLogger sets the driver's logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics sets the driver's metrics sink
func WithMetrics(m Metrics) Option {
	return func(d *Driver) {
		if m != nil {
			d.metrics = m
		}
	}
}

// Driver runs the round pipeline: COLLECT, SUBMIT, CLEAR, SETTLE, OBSERVE.
// One goroutine drives it; parallelism exists only inside phases.
type Driver struct {
	cfg         Config
	book        *orderbook.Book
	market      *market.Market
	agents      *agent.Registry
	eco         *bots.Ecosystem
	bots        []bots.Bot
	rngs        []*rand.Rand // One stream per bot, same index
	news        *market.Feed
	inflation   *market.Feed
	instruments []string // Book registration order, the clearing order

	log     *zap.Logger
	metrics Metrics
	sm      stateMachine

	mu         sync.Mutex
	round      int
	onTrade    []func(orderbook.Transaction)
	onRoundEnd []func(*RoundResult)
}

// New creates a driver. Every book instrument must have a market price and
// every bot must have an agent in the registry.
func New(cfg Config, book *orderbook.Book, mkt *market.Market, reg *agent.Registry, eco *bots.Ecosystem, opts ...Option) (*Driver, error) {
	d := &Driver{
		cfg:     cfg,
		book:    book,
		market:  mkt,
		agents:  reg,
		eco:     eco,
		log:     zap.NewNop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}

	d.instruments = book.Instruments()
	for _, inst := range d.instruments {
		if _, ok := mkt.Lookup(inst); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnpricedInstrument, inst)
		}
	}

	d.bots = eco.Bots()
	for _, b := range d.bots {
		if _, ok := reg.Get(b.ID()); !ok {
			return nil, fmt.Errorf("bot %s: %w", b.ID(), agent.ErrUnknownAgent)
		}
	}

	// Streams are derived in bot order so a seed reproduces a run exactly
	master := rand.New(rand.NewSource(cfg.Seed))
	d.rngs = make([]*rand.Rand, len(d.bots))
	for i := range d.bots {
		d.rngs[i] = rand.New(rand.NewSource(master.Int63()))
	}
	d.news = market.NewNewsFeed(master.Int63(), cfg.NewsScale)
	d.inflation = market.NewFeed(master.Int63(), cfg.InflationMean, cfg.InflationStd)

	return d, nil
}

// State returns the current phase
func (d *Driver) State() State {
	return d.sm.current()
}

// Round returns the number of completed rounds
func (d *Driver) Round() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.round
}

// Config returns the driver's configuration
func (d *Driver) Config() Config {
	return d.cfg
}

// OnTrade registers a callback invoked for every transaction, in clearing
// order, after the round's CLEAR phase.
func (d *Driver) OnTrade(fn func(orderbook.Transaction)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTrade = append(d.onTrade, fn)
}

// OnRoundEnd registers a callback invoked after OBSERVE
func (d *Driver) OnRoundEnd(fn func(*RoundResult)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRoundEnd = append(d.onRoundEnd, fn)
}

// OnStateChange registers a callback for phase changes. Only the last
// registered callback is kept.
func (d *Driver) OnStateChange(fn func(from, to State)) {
	d.sm.mu.Lock()
	defer d.sm.mu.Unlock()
	d.sm.onChange = fn
}

// Run executes rounds until the configured count is reached or ctx is done
func (d *Driver) Run(ctx context.Context) ([]*RoundResult, error) {
	results := make([]*RoundResult, 0, d.cfg.Rounds)
	for d.Round() < d.cfg.Rounds {
		if err := ctx.Err(); err != nil {
			d.finish()
			return results, err
		}
		res, err := d.RunRound(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	d.finish()
	return results, nil
}

// RunRound executes one full round. A failure inside a round leaves the
// driver COMPLETE.
func (d *Driver) RunRound(ctx context.Context) (*RoundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.State() == StateComplete {
		return nil, fmt.Errorf("%w: run is complete", ErrInvalidTransition)
	}

	res, err := d.runRound(ctx)
	if err != nil {
		d.finish()
		return nil, err
	}
	return res, nil
}

func (d *Driver) finish() {
	if d.State() != StateComplete {
		_ = d.sm.transition(StateComplete)
	}
}

func (d *Driver) runRound(ctx context.Context) (*RoundResult, error) {
	start := time.Now()
	round := d.Round()

	// COLLECT
	if err := d.sm.transition(StateCollect); err != nil {
		return nil, err
	}
	res := &RoundResult{
		Round:      round,
		Open:       d.market.OpenRound(),
		News:       d.news.Next(),
		Inflation:  d.inflation.Next(),
		Volume:     make(map[string]int64, len(d.instruments)),
		Valuations: make(map[string]float64, d.agents.Len()),
		Resident:   make(map[string]ResidentCount, len(d.instruments)),
	}
	d.market.RecordInflation(res.Inflation)
	orders, err := d.collect(ctx, round, res)
	if err != nil {
		return nil, fmt.Errorf("round %d collect: %w", round, err)
	}

	// SUBMIT
	if err := d.sm.transition(StateSubmit); err != nil {
		return nil, err
	}
	if err := d.submit(orders, res); err != nil {
		return nil, fmt.Errorf("round %d submit: %w", round, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// CLEAR
	if err := d.sm.transition(StateClear); err != nil {
		return nil, err
	}
	perInstrument, err := d.clear(ctx)
	if err != nil {
		return nil, fmt.Errorf("round %d clear: %w", round, err)
	}

	// SETTLE: transactions were applied while matching; report the fills
	if err := d.sm.transition(StateSettle); err != nil {
		return nil, err
	}
	d.mu.Lock()
	tradeHooks := append([]func(orderbook.Transaction){}, d.onTrade...)
	roundHooks := append([]func(*RoundResult){}, d.onRoundEnd...)
	d.mu.Unlock()

	for i, trades := range perInstrument {
		inst := d.instruments[i]
		for _, tx := range trades {
			res.Transactions = append(res.Transactions, tx)
			res.Volume[inst] += tx.Quantity
			d.eco.ProcessTrade(tx)
			for _, fn := range tradeHooks {
				fn(tx)
			}
		}
	}

	// OBSERVE
	if err := d.sm.transition(StateObserve); err != nil {
		return nil, err
	}
	res.Close = d.market.CloseRound()
	if d.cfg.DividendEvery > 0 && (round+1)%d.cfg.DividendEvery == 0 {
		res.Dividends = d.payDividends()
	}
	for _, a := range d.agents.Agents() {
		res.Valuations[a.ID()] = a.RecordValuation(res.Close)
	}
	if !d.cfg.CarryOver {
		d.book.DiscardAll()
	}
	for _, inst := range d.instruments {
		buys, sells := d.book.Len(inst)
		res.Resident[inst] = ResidentCount{Buys: buys, Sells: sells}
	}
	res.Elapsed = time.Since(start)

	d.mu.Lock()
	d.round++
	d.mu.Unlock()

	d.metrics.RoundCompleted(res)
	d.log.Info("round complete",
		zap.Int("round", res.Round),
		zap.Float64("news", res.News),
		zap.Float64("inflation", res.Inflation),
		zap.Int("submitted", res.Submitted),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("trades", len(res.Transactions)),
		zap.Any("close", res.Close),
		zap.Duration("elapsed", res.Elapsed),
	)

	for _, fn := range roundHooks {
		fn(res)
	}
	return res, nil
}

// payDividends credits holders of every yielding instrument at its close,
// in clearing order. Payouts land before valuation so the round's wealth
// includes them.
func (d *Driver) payDividends() []agent.Credit {
	var out []agent.Credit
	for _, inst := range d.instruments {
		perUnit := d.market.DividendPerUnit(inst)
		if perUnit <= 0 {
			continue
		}
		credits := d.agents.PayDividend(inst, perUnit)
		var total int64
		for _, c := range credits {
			total += c.Units
		}
		d.log.Debug("dividend paid",
			zap.String("instrument", inst),
			zap.Float64("per_unit", perUnit),
			zap.Int("holders", len(credits)),
			zap.Int64("units", total),
		)
		out = append(out, credits...)
	}
	return out
}

// collect asks every bot for its orders on every instrument. Results are
// indexed by bot, so submission order never depends on goroutine timing.
func (d *Driver) collect(ctx context.Context, round int, res *RoundResult) ([][]*orderbook.Order, error) {
	all := d.agents.Snapshots()
	portfolios := make(map[string]agent.Portfolio, len(all))
	for _, p := range all {
		portfolios[p.ID] = p
	}
	histories := make(map[string][]float64, len(d.instruments))
	for _, inst := range d.instruments {
		histories[inst] = d.market.History(inst)
	}

	out := make([][]*orderbook.Order, len(d.bots))
	decide := func(i int) {
		b, rng := d.bots[i], d.rngs[i]
		in := bots.Input{
			Round:     round,
			Portfolio: portfolios[b.ID()],
			Neighbors: d.neighbors(rng, b.ID(), all),
			News:      res.News,
			Rng:       rng,
		}
		for _, inst := range d.instruments {
			in.Instrument = inst
			in.Price = res.Open[inst]
			in.History = histories[inst]
			if o, ok := b.Decide(in); ok && o != nil {
				out[i] = append(out[i], o)
			}
		}
	}

	if !d.cfg.ParallelCollect {
		for i := range d.bots {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			decide(i)
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range d.bots {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			decide(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// neighbors samples up to MaxNeighbors other agents with the bot's stream
func (d *Driver) neighbors(rng *rand.Rand, self string, all []agent.Portfolio) []agent.Portfolio {
	if d.cfg.MaxNeighbors <= 0 || len(all) < 2 {
		return nil
	}
	out := make([]agent.Portfolio, 0, d.cfg.MaxNeighbors)
	for _, j := range rng.Perm(len(all)) {
		if all[j].ID == self {
			continue
		}
		out = append(out, all[j])
		if len(out) == d.cfg.MaxNeighbors {
			break
		}
	}
	return out
}

// submit admits orders in bot order and enqueues them
func (d *Driver) submit(orders [][]*orderbook.Order, res *RoundResult) error {
	adm := newAdmission(d.agents, d.instruments, d.cfg.EnforceCash)

	// Carried orders keep their claim on cash and units
	if d.cfg.CarryOver {
		for _, inst := range d.instruments {
			buys, sells, err := d.book.Resident(inst)
			if err != nil {
				return err
			}
			for _, o := range buys {
				adm.reserve(o)
			}
			for _, o := range sells {
				adm.reserve(o)
			}
		}
	}

	for i, b := range d.bots {
		for _, o := range orders[i] {
			// Orders always trade for the bot that produced them
			o.AgentID = b.ID()

			if !o.Side.Valid() {
				d.log.Debug("dropping order with unrecognized side",
					zap.String("agent", o.AgentID), zap.String("instrument", o.Instrument))
				continue
			}
			if reason := adm.admit(o); reason != "" {
				res.Rejected = append(res.Rejected, rejection(o, reason))
				d.metrics.OrderRejected(o.Instrument, reason)
				d.log.Debug("order rejected",
					zap.String("agent", o.AgentID),
					zap.String("instrument", o.Instrument),
					zap.Stringer("side", o.Side),
					zap.Float64("price", o.Price),
					zap.Int64("quantity", o.Quantity),
					zap.String("reason", reason),
				)
				continue
			}
			if err := d.book.Submit(o); err != nil {
				return fmt.Errorf("submit for %s: %w", o.AgentID, err)
			}
			res.Submitted++
			d.metrics.OrderSubmitted(o.Instrument)
		}
	}
	return nil
}

// clear runs one matching pass per instrument. Results are indexed by
// instrument position so the reported order is fixed.
func (d *Driver) clear(ctx context.Context) ([][]orderbook.Transaction, error) {
	results := make([][]orderbook.Transaction, len(d.instruments))
	run := func(i int) error {
		inst := d.instruments[i]
		start := time.Now()
		trades, err := d.book.Clear(inst, d.market, d.agents)
		results[i] = trades
		if err != nil {
			return err
		}
		d.metrics.ClearCompleted(inst, trades, time.Since(start))
		return nil
	}

	if !d.cfg.ParallelClear {
		for i := range d.instruments {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := run(i); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range d.instruments {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return run(i)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
