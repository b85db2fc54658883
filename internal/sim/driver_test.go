package sim

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/agent"
	"agentmarket/internal/bots"
	"agentmarket/internal/market"
	"agentmarket/internal/orderbook"
)

// scriptedBot replays fixed orders keyed by round and instrument
type scriptedBot struct {
	id     string
	orders map[int]map[string]orderbook.Order
}

func (b *scriptedBot) ID() string { return b.id }

func (b *scriptedBot) Decide(in bots.Input) (*orderbook.Order, bool) {
	o, ok := b.orders[in.Round][in.Instrument]
	if !ok {
		return nil, false
	}
	o.Instrument = in.Instrument
	return &o, true
}

func script(id string) *scriptedBot {
	return &scriptedBot{id: id, orders: make(map[int]map[string]orderbook.Order)}
}

func (b *scriptedBot) at(round int, inst string, side orderbook.Side, price float64, qty int64) *scriptedBot {
	if b.orders[round] == nil {
		b.orders[round] = make(map[string]orderbook.Order)
	}
	b.orders[round][inst] = orderbook.Order{Side: side, Price: price, Quantity: qty}
	return b
}

type testEnv struct {
	book   *orderbook.Book
	market *market.Market
	agents *agent.Registry
	eco    *bots.Ecosystem
}

func newTestEnv(t *testing.T, prices map[string]float64) *testEnv {
	t.Helper()
	insts := make([]string, 0, len(prices))
	for inst := range prices {
		insts = append(insts, inst)
	}
	sort.Strings(insts)

	mkt, err := market.New(prices)
	require.NoError(t, err)
	return &testEnv{
		book:   orderbook.New(insts...),
		market: mkt,
		agents: agent.NewRegistry(),
		eco:    bots.NewEcosystem(),
	}
}

func (e *testEnv) add(t *testing.T, b bots.Bot, cash float64, holdings map[string]int64) {
	t.Helper()
	e.eco.Add(b)
	require.NoError(t, e.agents.Add(agent.New(b.ID(), cash, holdings)))
}

func (e *testEnv) driver(t *testing.T, cfg Config, opts ...Option) *Driver {
	t.Helper()
	d, err := New(cfg, e.book, e.market, e.agents, e.eco, opts...)
	require.NoError(t, err)
	return d
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Rounds = 1
	return cfg
}

// ==================== STATE TESTS ====================

func TestStateTransitions(t *testing.T) {
	legal := [][2]State{
		{StateIdle, StateCollect},
		{StateCollect, StateSubmit},
		{StateSubmit, StateClear},
		{StateClear, StateSettle},
		{StateSettle, StateObserve},
		{StateObserve, StateCollect},
		{StateObserve, StateComplete},
		{StateIdle, StateComplete},
		{StateClear, StateComplete},
	}
	for _, tr := range legal {
		assert.True(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]State{
		{StateIdle, StateClear},
		{StateCollect, StateClear},
		{StateObserve, StateSubmit},
		{StateComplete, StateCollect},
		{StateComplete, StateComplete},
	}
	for _, tr := range illegal {
		assert.False(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}

	var sm stateMachine
	err := sm.transition(StateClear)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateIdle, sm.current())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestPhasesVisitedInOrder(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 50})
	env.add(t, script("a"), 100, nil)
	d := env.driver(t, testConfig())

	var seen []State
	d.OnStateChange(func(_, to State) { seen = append(seen, to) })

	_, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateCollect, StateSubmit, StateClear, StateSettle, StateObserve, StateComplete}, seen)
}

// ==================== ROUND TESTS ====================

func TestScenarioThroughDriver(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 50})
	env.add(t, script("A").at(0, "X", orderbook.Buy, 51, 2), 1000, nil)
	env.add(t, script("B").at(0, "X", orderbook.Sell, 49, 2), 0, map[string]int64{"X": 2})
	d := env.driver(t, testConfig())

	res, err := d.RunRound(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Transactions, 1)
	tx := res.Transactions[0]
	assert.Equal(t, "A", tx.BuyerID)
	assert.Equal(t, "B", tx.SellerID)
	assert.Equal(t, int64(2), tx.Quantity)
	assert.Equal(t, 50.0, tx.Price)

	assert.Equal(t, 50.0, env.market.Price("X"))
	assert.Equal(t, 50.0, res.Close["X"])
	assert.Equal(t, int64(2), res.Volume["X"])
	assert.Equal(t, 2, res.Submitted)

	a, _ := env.agents.Get("A")
	b, _ := env.agents.Get("B")
	assert.Equal(t, "900", a.Cash().String())
	assert.Equal(t, "100", b.Cash().String())
	assert.Equal(t, int64(2), a.Holding("X"))
	assert.False(t, b.HasPosition("X"))

	assert.InDelta(t, 1000, res.Valuations["A"], 1e-9)
	assert.InDelta(t, 100, res.Valuations["B"], 1e-9)
	assert.Equal(t, []float64{1000}, a.Snapshot().Wealth)
	assert.Equal(t, 1, d.Round())
}

func TestNoTradeKeepsOpeningPrice(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 50})
	env.add(t, script("A").at(0, "X", orderbook.Buy, 9, 1), 1000, nil)
	env.add(t, script("B").at(0, "X", orderbook.Sell, 10, 1), 0, map[string]int64{"X": 1})
	d := env.driver(t, testConfig())

	res, err := d.RunRound(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Transactions)
	assert.Equal(t, 50.0, res.Close["X"])
	assert.Equal(t, []float64{50, 50}, env.market.History("X"))
}

func TestPriceTimePriorityFollowsBotOrder(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 10})
	env.add(t, script("first").at(0, "X", orderbook.Buy, 10, 1), 100, nil)
	env.add(t, script("second").at(0, "X", orderbook.Buy, 10, 1), 100, nil)
	env.add(t, script("seller").at(0, "X", orderbook.Sell, 9, 1), 0, map[string]int64{"X": 1})

	cfg := testConfig()
	cfg.ParallelCollect = true
	d := env.driver(t, cfg)

	res, err := d.RunRound(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, "first", res.Transactions[0].BuyerID)
	assert.Equal(t, 9.5, res.Transactions[0].Price)
}

func TestAdmissionRejections(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 10, "Y": 10})
	env.add(t, script("oversell").at(0, "X", orderbook.Sell, 10, 5), 0, map[string]int64{"X": 2})
	env.add(t, script("overspend").at(0, "X", orderbook.Buy, 10, 50), 100, nil)
	env.add(t, script("zero").at(0, "X", orderbook.Buy, 0, 1), 100, nil)
	env.add(t, script("unbounded").at(0, "Y", orderbook.Buy, math.Inf(1), 1), 100, nil)
	// Two buys that each fit but not together
	env.add(t, script("split").at(0, "X", orderbook.Buy, 10, 6).at(0, "Y", orderbook.Buy, 10, 6), 100, nil)
	d := env.driver(t, testConfig())

	res, err := d.RunRound(context.Background())
	require.NoError(t, err)

	reasons := make(map[string]string)
	for _, r := range res.Rejected {
		reasons[r.AgentID+"/"+r.Instrument] = r.Reason
	}
	assert.Equal(t, RejectHoldings, reasons["oversell/X"])
	assert.Equal(t, RejectCash, reasons["overspend/X"])
	assert.Equal(t, RejectMalformed, reasons["zero/X"])
	assert.Equal(t, RejectMalformed, reasons["unbounded/Y"])
	assert.Equal(t, RejectCash, reasons["split/Y"])
	_, splitX := reasons["split/X"]
	assert.False(t, splitX)
	assert.Equal(t, 1, res.Submitted)
}

func TestCashNotEnforced(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 10})
	env.add(t, script("buyer").at(0, "X", orderbook.Buy, 10, 50), 100, nil)
	env.add(t, script("seller").at(0, "X", orderbook.Sell, 10, 50), 0, map[string]int64{"X": 50})

	cfg := testConfig()
	cfg.EnforceCash = false
	d := env.driver(t, cfg)

	res, err := d.RunRound(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Rejected)
	require.Len(t, res.Transactions, 1)

	buyer, _ := env.agents.Get("buyer")
	assert.True(t, buyer.Cash().IsNegative(), "settlement is unconditional")
}

func TestUnknownSideIsDropped(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 10})
	env.add(t, script("odd").at(0, "X", orderbook.Side(9), 10, 1), 100, nil)
	d := env.driver(t, testConfig())

	res, err := d.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Submitted)
	assert.Empty(t, res.Rejected)
}

// ==================== CARRY-OVER TESTS ====================

func carryEnv(t *testing.T) *testEnv {
	env := newTestEnv(t, map[string]float64{"X": 10})
	env.add(t, script("bidder").at(0, "X", orderbook.Buy, 9, 10), 1000, nil)
	env.add(t, script("asker").at(0, "X", orderbook.Sell, 11, 10), 0, map[string]int64{"X": 10})
	env.add(t, script("late").at(1, "X", orderbook.Sell, 9, 4), 0, map[string]int64{"X": 4})
	return env
}

func TestDiscardPolicyIsDefault(t *testing.T) {
	assert.False(t, DefaultConfig().CarryOver)

	env := carryEnv(t)
	cfg := testConfig()
	cfg.Rounds = 2
	d := env.driver(t, cfg)

	results, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, ResidentCount{}, results[0].Resident["X"])
	assert.Empty(t, results[1].Transactions, "the round-0 bid was discarded")
	assert.Equal(t, ResidentCount{}, results[1].Resident["X"])
}

func TestCarryOverPolicy(t *testing.T) {
	env := carryEnv(t)
	cfg := testConfig()
	cfg.Rounds = 2
	cfg.CarryOver = true
	d := env.driver(t, cfg)

	results, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, ResidentCount{Buys: 1, Sells: 1}, results[0].Resident["X"])

	require.Len(t, results[1].Transactions, 1)
	tx := results[1].Transactions[0]
	assert.Equal(t, "bidder", tx.BuyerID)
	assert.Equal(t, "late", tx.SellerID)
	assert.Equal(t, int64(4), tx.Quantity)
	assert.Equal(t, 9.0, tx.Price)

	// Bid keeps 6 resting, the ask is untouched
	assert.Equal(t, ResidentCount{Buys: 1, Sells: 1}, results[1].Resident["X"])
	buys, _, err := env.book.Resident("X")
	require.NoError(t, err)
	assert.Equal(t, int64(6), buys[0].Quantity)
}

func TestCarriedOrdersKeepTheirClaim(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 10})
	env.add(t, script("seller").
		at(0, "X", orderbook.Sell, 20, 5).
		at(1, "X", orderbook.Sell, 20, 5), 0, map[string]int64{"X": 5})

	cfg := testConfig()
	cfg.Rounds = 2
	cfg.CarryOver = true
	d := env.driver(t, cfg)

	results, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results[1].Rejected, 1)
	assert.Equal(t, RejectHoldings, results[1].Rejected[0].Reason)
}

// ==================== INCOME TESTS ====================

func TestDividendsPaidOnSchedule(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"FII_A": 100, "X": 10})
	require.NoError(t, env.market.SetYield("FII_A", 0.05))
	env.add(t, script("holder"), 0, map[string]int64{"FII_A": 4, "X": 5})
	env.add(t, script("plain"), 10, map[string]int64{"X": 2})

	cfg := DefaultConfig()
	cfg.Rounds = 6
	cfg.DividendEvery = 3
	d := env.driver(t, cfg)

	results, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 6)

	for _, res := range results {
		if (res.Round+1)%3 != 0 {
			assert.Empty(t, res.Dividends, "round %d", res.Round)
			continue
		}
		require.Len(t, res.Dividends, 1, "round %d", res.Round)
		c := res.Dividends[0]
		assert.Equal(t, "holder", c.AgentID)
		assert.Equal(t, "FII_A", c.Instrument)
		assert.Equal(t, int64(4), c.Units)
		assert.Equal(t, "20", c.Amount.String())
		assert.InDelta(t, 20*float64(res.Round+1)/3+4*100+5*10, res.Valuations["holder"], 1e-9,
			"valuation includes the payout")
	}

	holder, _ := env.agents.Get("holder")
	plain, _ := env.agents.Get("plain")
	assert.Equal(t, "40", holder.Cash().String())
	assert.Equal(t, "40", holder.Dividends().String())
	assert.Equal(t, "10", plain.Cash().String())
}

func TestDividendsDisabled(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"FII_A": 100})
	require.NoError(t, env.market.SetYield("FII_A", 0.05))
	env.add(t, script("holder"), 0, map[string]int64{"FII_A": 4})

	cfg := DefaultConfig()
	cfg.Rounds = 4
	cfg.DividendEvery = 0
	d := env.driver(t, cfg)

	results, err := d.Run(context.Background())
	require.NoError(t, err)
	for _, res := range results {
		assert.Empty(t, res.Dividends)
	}
	holder, _ := env.agents.Get("holder")
	assert.True(t, holder.Cash().IsZero())
}

func TestInflationRecordedEachRound(t *testing.T) {
	run := func() ([]float64, []float64) {
		env := newTestEnv(t, map[string]float64{"X": 10})
		env.add(t, script("idle"), 100, nil)
		cfg := DefaultConfig()
		cfg.Rounds = 5
		cfg.Seed = 11
		d := env.driver(t, cfg)

		results, err := d.Run(context.Background())
		require.NoError(t, err)
		var rates []float64
		for _, res := range results {
			rates = append(rates, res.Inflation)
		}
		assert.Equal(t, []float64{10, 10, 10, 10, 10, 10}, env.market.History("X"), "inflation never moves prices")
		return rates, env.market.Inflation()
	}

	rates, recorded := run()
	require.Len(t, rates, 5)
	assert.Equal(t, rates, recorded)
	again, _ := run()
	assert.Equal(t, rates, again, "the inflation stream is seeded")
}

// ==================== LIFECYCLE TESTS ====================

func TestHooks(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 50})
	env.add(t, script("A").at(0, "X", orderbook.Buy, 51, 2).at(1, "X", orderbook.Buy, 51, 1), 1000, nil)
	env.add(t, script("B").at(0, "X", orderbook.Sell, 49, 1).at(1, "X", orderbook.Sell, 49, 1), 0, map[string]int64{"X": 2})

	cfg := testConfig()
	cfg.Rounds = 2
	d := env.driver(t, cfg)

	var trades []orderbook.Transaction
	var rounds []int
	d.OnTrade(func(tx orderbook.Transaction) { trades = append(trades, tx) })
	d.OnRoundEnd(func(res *RoundResult) { rounds = append(rounds, res.Round) })

	_, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, trades, 2)
	assert.Equal(t, []int{0, 1}, rounds)
	assert.Equal(t, StateComplete, d.State())
}

func TestRunRoundAfterComplete(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 50})
	env.add(t, script("A"), 1000, nil)
	d := env.driver(t, testConfig())

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	_, err = d.RunRound(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelledContext(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 50})
	env.add(t, script("A"), 1000, nil)
	cfg := testConfig()
	cfg.Rounds = 5
	d := env.driver(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := d.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, results)
	assert.Equal(t, StateComplete, d.State())
}

func TestNewValidatesWiring(t *testing.T) {
	env := newTestEnv(t, map[string]float64{"X": 50})
	env.eco.Add(script("ghost"))
	_, err := New(testConfig(), env.book, env.market, env.agents, env.eco)
	assert.ErrorIs(t, err, agent.ErrUnknownAgent)

	env = newTestEnv(t, map[string]float64{"X": 50})
	require.NoError(t, env.book.Register("Y"))
	_, err = New(testConfig(), env.book, env.market, env.agents, env.eco)
	assert.ErrorIs(t, err, ErrUnpricedInstrument)
}

// ==================== ECOSYSTEM RUNS ====================

func ecosystemEnv(t *testing.T, seed int64, rounds int) *testEnv {
	t.Helper()
	env := newTestEnv(t, map[string]float64{"PETR4": 50, "VALE3": 45, "FII_A": 100})
	env.eco = bots.CreateEcosystem(rand.New(rand.NewSource(seed)), 10, rounds)
	require.NoError(t, env.eco.Endow(rand.New(rand.NewSource(seed+1)), env.agents, bots.DefaultEndowment(env.book.Instruments())))
	return env
}

type tradeKey struct {
	Instrument, Buyer, Seller string
	Quantity                  int64
	Price                     float64
}

func runKeys(t *testing.T, parallel bool) ([]tradeKey, map[string]float64) {
	env := ecosystemEnv(t, 42, 30)
	cfg := DefaultConfig()
	cfg.Rounds = 30
	cfg.Seed = 42
	cfg.ParallelCollect = parallel
	cfg.ParallelClear = parallel
	d := env.driver(t, cfg)

	results, err := d.Run(context.Background())
	require.NoError(t, err)

	var keys []tradeKey
	for _, res := range results {
		for _, tx := range res.Transactions {
			keys = append(keys, tradeKey{tx.Instrument, tx.BuyerID, tx.SellerID, tx.Quantity, tx.Price})
		}
	}
	return keys, results[len(results)-1].Valuations
}

func TestParallelRunsAreDeterministic(t *testing.T) {
	seqTrades, seqVals := runKeys(t, false)
	parTrades, parVals := runKeys(t, true)

	assert.NotEmpty(t, seqTrades, "the ecosystem should trade")
	assert.Equal(t, seqTrades, parTrades)
	assert.Equal(t, seqVals, parVals)
}

func TestEcosystemRunConservesCashAndUnits(t *testing.T) {
	env := ecosystemEnv(t, 7, 40)
	cashBefore := env.agents.TotalCash()
	unitsBefore := make(map[string]int64)
	for _, inst := range env.book.Instruments() {
		unitsBefore[inst] = env.agents.TotalHoldings(inst)
	}

	cfg := DefaultConfig()
	cfg.Rounds = 40
	cfg.Seed = 7
	cfg.CarryOver = true
	d := env.driver(t, cfg)

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, env.agents.TotalCash().Equal(cashBefore), "cash %s != %s", env.agents.TotalCash(), cashBefore)
	for inst, units := range unitsBefore {
		assert.Equal(t, units, env.agents.TotalHoldings(inst), inst)
	}

	// Admission keeps every balance and holding non-negative
	for _, a := range env.agents.Agents() {
		assert.False(t, a.Cash().IsNegative(), "%s cash %s", a.ID(), a.Cash())
		for inst, qty := range a.Snapshot().Holdings {
			assert.GreaterOrEqual(t, qty, int64(0), "%s %s", a.ID(), inst)
		}
	}
}
