package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentmarket/internal/agent"
	"agentmarket/internal/bots"
	"agentmarket/internal/config"
	"agentmarket/internal/market"
	"agentmarket/internal/metrics"
	"agentmarket/internal/orderbook"
	"agentmarket/internal/sim"
	"agentmarket/internal/store"
)

var (
	ErrRunnerStopped = errors.New("runner stopped")
	ErrRunNotActive  = errors.New("run not active")
)

// World is everything one run owns. Nothing is shared between runs.
type World struct {
	ID        string
	Config    config.Config
	Book      *orderbook.Book
	Market    *market.Market
	Agents    *agent.Registry
	Ecosystem *bots.Ecosystem
	Driver    *sim.Driver
}

// Build assembles a fresh world from cfg. The ecosystem and endowments are
// drawn from a stream seeded by cfg.Sim.Seed, so a seed reproduces a run.
func Build(cfg config.Config, opts ...sim.Option) (*World, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instruments := cfg.InstrumentIDs()
	book := orderbook.New(instruments...)
	mkt, err := market.New(cfg.Instruments)
	if err != nil {
		return nil, fmt.Errorf("market: %w", err)
	}
	for id, rate := range cfg.Yields {
		if err := mkt.SetYield(id, rate); err != nil {
			return nil, fmt.Errorf("market: %w", err)
		}
	}

	rng := rand.New(rand.NewSource(cfg.Sim.Seed))
	var eco *bots.Ecosystem
	if cfg.Population.Minimal {
		eco = bots.CreateMinimalEcosystem(rng, cfg.Sim.Rounds)
	} else {
		eco = bots.CreateEcosystem(rng, cfg.Population.SentimentTraders, cfg.Sim.Rounds)
	}

	reg := agent.NewRegistry()
	err = eco.Endow(rng, reg, bots.Endowment{
		CashMin:     cfg.Population.CashMin,
		CashMax:     cfg.Population.CashMax,
		HoldingsMax: cfg.Population.HoldingsMax,
		Instruments: instruments,
	})
	if err != nil {
		return nil, err
	}

	driver, err := sim.New(cfg.Sim, book, mkt, reg, eco, opts...)
	if err != nil {
		return nil, err
	}

	return &World{
		ID:        uuid.New().String(),
		Config:    cfg,
		Book:      book,
		Market:    mkt,
		Agents:    reg,
		Ecosystem: eco,
		Driver:    driver,
	}, nil
}

// Standing is an agent's final position in a run
type Standing struct {
	Rank        int              `json:"rank"`
	AgentID     string           `json:"agent_id"`
	Wealth      float64          `json:"wealth"`
	Cash        float64          `json:"cash"`
	Holdings    map[string]int64 `json:"holdings"`
	Dividends   float64          `json:"dividends"`
	RealizedPnL float64          `json:"realized_pnl"`
}

// Standings ranks agents by their latest valuation, ties broken by id.
// eco may be nil, in which case realized P&L is left at zero.
func Standings(reg *agent.Registry, eco *bots.Ecosystem) []Standing {
	snaps := reg.Snapshots()
	out := make([]Standing, 0, len(snaps))
	for _, p := range snaps {
		var wealth float64
		if n := len(p.Wealth); n > 0 {
			wealth = p.Wealth[n-1]
		}
		st := Standing{AgentID: p.ID, Wealth: wealth, Cash: p.Cash, Holdings: p.Holdings, Dividends: p.Dividends}
		if eco != nil {
			st.RealizedPnL = eco.RealizedPnL(p.ID)
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Wealth != out[j].Wealth {
			return out[i].Wealth > out[j].Wealth
		}
		return out[i].AgentID < out[j].AgentID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Outcome is the result of a finished run
type Outcome struct {
	Run       store.RunRecord
	Rounds    []*sim.RoundResult
	Standings []Standing
}

// Runner builds and executes runs, recording them to the store and metrics
// when those are set. Several runs may execute at once.
type Runner struct {
	store   *store.Store
	metrics *metrics.Collector
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	stopped  bool // Set by Stop; guards wg.Add against a concurrent Wait
	active   map[string]context.CancelFunc
	onRound  []func(runID string, res *sim.RoundResult)
	onFinish []func(out *Outcome)
}

// NewRunner creates a runner. st and m may be nil.
func NewRunner(st *store.Store, m *metrics.Collector, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:   st,
		metrics: m,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]context.CancelFunc),
	}
}

// OnRound registers a callback for every completed round of every run
func (r *Runner) OnRound(fn func(runID string, res *sim.RoundResult)) {
	r.mu.Lock()
	r.onRound = append(r.onRound, fn)
	r.mu.Unlock()
}

// OnFinish registers a callback for every finished run
func (r *Runner) OnFinish(fn func(out *Outcome)) {
	r.mu.Lock()
	r.onFinish = append(r.onFinish, fn)
	r.mu.Unlock()
}

// Run builds and executes a run to completion on the caller's goroutine
func (r *Runner) Run(ctx context.Context, cfg config.Config) (*Outcome, error) {
	w, rec, err := r.prepare(cfg)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, w, rec)
}

// Start builds a run and executes it in the background. The returned record
// is already persisted with status running.
func (r *Runner) Start(cfg config.Config) (*store.RunRecord, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrRunnerStopped
	}
	r.wg.Add(1)
	r.mu.Unlock()

	w, rec, err := r.prepare(cfg)
	if err != nil {
		r.wg.Done()
		return nil, err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	r.active[w.ID] = cancel
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, w.ID)
			r.mu.Unlock()
			cancel()
		}()
		if _, err := r.execute(ctx, w, rec); err != nil {
			r.log.Warn("run ended early", zap.String("run", w.ID), zap.Error(err))
		}
	}()

	out := *rec
	return &out, nil
}

// Cancel aborts a background run
func (r *Runner) Cancel(id string) error {
	r.mu.RLock()
	cancel, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, id)
	}
	cancel()
	return nil
}

// Active returns the ids of runs still executing in the background
func (r *Runner) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels every background run and waits for them to finish
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every background run has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) prepare(cfg config.Config) (*World, *store.RunRecord, error) {
	var opts []sim.Option
	opts = append(opts, sim.WithLogger(r.log))
	if r.metrics != nil {
		opts = append(opts, sim.WithMetrics(r.metrics))
	}

	w, err := Build(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	rec := &store.RunRecord{
		ID:          w.ID,
		Seed:        cfg.Sim.Seed,
		Rounds:      cfg.Sim.Rounds,
		CarryOver:   cfg.Sim.CarryOver,
		Instruments: w.Book.Instruments(),
		AgentCount:  w.Agents.Len(),
		Status:      store.StatusRunning,
		StartedAt:   time.Now(),
	}
	if r.store != nil {
		if err := r.store.CreateRun(*rec); err != nil {
			return nil, nil, fmt.Errorf("record run: %w", err)
		}
	}
	return w, rec, nil
}

func (r *Runner) execute(ctx context.Context, w *World, rec *store.RunRecord) (*Outcome, error) {
	log := r.log.With(zap.String("run", w.ID))

	r.mu.RLock()
	roundHooks := append([]func(string, *sim.RoundResult){}, r.onRound...)
	finishHooks := append([]func(*Outcome){}, r.onFinish...)
	r.mu.RUnlock()

	w.Driver.OnRoundEnd(func(res *sim.RoundResult) {
		if r.store != nil {
			if err := r.store.SaveRound(w.ID, RoundRecord(res)); err != nil {
				log.Warn("failed to record round", zap.Int("round", res.Round), zap.Error(err))
			}
		}
		for _, fn := range roundHooks {
			fn(w.ID, res)
		}
	})

	if r.metrics != nil {
		r.metrics.RunStarted()
	}
	log.Info("run started",
		zap.Int64("seed", rec.Seed),
		zap.Int("rounds", rec.Rounds),
		zap.Int("agents", rec.AgentCount),
		zap.Strings("instruments", rec.Instruments),
	)

	rounds, runErr := w.Driver.Run(ctx)

	rec.RoundsCompleted = len(rounds)
	rec.Status = store.StatusCompleted
	if runErr != nil {
		rec.Status = store.StatusAborted
	}
	ended := time.Now()
	rec.EndedAt = &ended

	if r.store != nil {
		if err := r.store.FinishRun(rec.ID, rec.Status, rec.RoundsCompleted, ended); err != nil {
			log.Warn("failed to record run end", zap.Error(err))
		}
	}
	if r.metrics != nil {
		r.metrics.RunFinished(rec.Status)
	}

	out := &Outcome{
		Run:       *rec,
		Rounds:    rounds,
		Standings: Standings(w.Agents, w.Ecosystem),
	}
	log.Info("run finished",
		zap.String("status", rec.Status),
		zap.Int("rounds", rec.RoundsCompleted),
		zap.Duration("elapsed", ended.Sub(rec.StartedAt)),
	)

	for _, fn := range finishHooks {
		fn(out)
	}
	return out, runErr
}

// RoundRecord converts a round result into its persisted form
func RoundRecord(res *sim.RoundResult) store.RoundRecord {
	rec := store.RoundRecord{
		Round:      res.Round,
		News:       res.News,
		Inflation:  res.Inflation,
		Valuations: res.Valuations,
	}

	instruments := make([]string, 0, len(res.Close))
	for inst := range res.Close {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)
	for _, inst := range instruments {
		rec.Prices = append(rec.Prices, store.PricePoint{
			Round:      res.Round,
			Instrument: inst,
			Open:       res.Open[inst],
			Close:      res.Close[inst],
			Volume:     res.Volume[inst],
		})
	}

	for _, tx := range res.Transactions {
		rec.Trades = append(rec.Trades, store.TradeRecord{
			ID:         tx.ID,
			Round:      res.Round,
			Instrument: tx.Instrument,
			BuyerID:    tx.BuyerID,
			SellerID:   tx.SellerID,
			Quantity:   tx.Quantity,
			Price:      tx.Price,
		})
	}

	for _, c := range res.Dividends {
		rec.Dividends = append(rec.Dividends, store.DividendRecord{
			Round:      res.Round,
			AgentID:    c.AgentID,
			Instrument: c.Instrument,
			Units:      c.Units,
			Amount:     c.Amount.InexactFloat64(),
		})
	}
	return rec
}
