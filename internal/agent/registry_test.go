package agent

import (
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"agentmarket/internal/orderbook"
)

func newTestRegistry(t *testing.T, agents ...*Agent) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, a := range agents {
		require.NoError(t, r.Add(a))
	}
	return r
}

func TestExecuteScenario(t *testing.T) {
	a := New("A", 1000, nil)
	b := New("B", 500, map[string]int64{"X": 2})
	r := newTestRegistry(t, a, b)

	err := r.Execute(orderbook.Transaction{
		Instrument: "X",
		BuyerID:    "A",
		SellerID:   "B",
		Quantity:   2,
		Price:      50.0,
	})
	require.NoError(t, err)

	assert.True(t, a.Cash().Equal(decimal.NewFromInt(900)), "buyer cash %s", a.Cash())
	assert.True(t, b.Cash().Equal(decimal.NewFromInt(600)), "seller cash %s", b.Cash())
	assert.Equal(t, int64(2), a.Holding("X"))
	assert.Equal(t, int64(0), b.Holding("X"))
	assert.False(t, b.HasPosition("X"), "zeroed holding should be removed from the map")
}

func TestExecutePartialHoldingKeepsEntry(t *testing.T) {
	a := New("A", 1000, nil)
	b := New("B", 0, map[string]int64{"X": 5})
	r := newTestRegistry(t, a, b)

	require.NoError(t, r.Execute(orderbook.Transaction{Instrument: "X", BuyerID: "A", SellerID: "B", Quantity: 3, Price: 9.5}))

	assert.Equal(t, int64(2), b.Holding("X"))
	assert.True(t, b.HasPosition("X"))
	assert.Equal(t, "28.5", b.Cash().String())
	assert.Equal(t, "971.5", a.Cash().String())
}

func TestExecuteUnknownAgent(t *testing.T) {
	a := New("A", 1000, nil)
	r := newTestRegistry(t, a)

	err := r.Execute(orderbook.Transaction{Instrument: "X", BuyerID: "A", SellerID: "ghost", Quantity: 1, Price: 1})
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.True(t, a.Cash().Equal(decimal.NewFromInt(1000)), "nothing may be applied on failure")

	err = r.Execute(orderbook.Transaction{Instrument: "X", BuyerID: "ghost", SellerID: "A", Quantity: 1, Price: 1})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestExecuteDoesNotCheckSufficiency(t *testing.T) {
	a := New("A", 10, nil)
	b := New("B", 0, nil)
	r := newTestRegistry(t, a, b)

	require.NoError(t, r.Execute(orderbook.Transaction{Instrument: "X", BuyerID: "A", SellerID: "B", Quantity: 1, Price: 25}))

	assert.True(t, a.Cash().IsNegative())
	assert.Equal(t, int64(-1), b.Holding("X"))
}

func TestAddDuplicate(t *testing.T) {
	r := newTestRegistry(t, New("A", 0, nil))
	assert.ErrorIs(t, r.Add(New("A", 0, nil)), ErrDuplicateAgent)
	assert.Equal(t, 1, r.Len())
}

func TestValuationAndHistory(t *testing.T) {
	a := New("A", 100, map[string]int64{"X": 2, "Y": 1})

	v := a.RecordValuation(map[string]float64{"X": 10, "Y": 5.5})
	assert.InDelta(t, 125.5, v, 1e-9)

	a.RecordValuation(map[string]float64{"X": 11, "Y": 5.5})
	snap := a.Snapshot()
	require.Len(t, snap.Wealth, 2)
	assert.InDelta(t, 127.5, snap.Wealth[1], 1e-9)
	assert.Equal(t, []string{"X", "Y"}, snap.Instruments())
}

func TestPayDividend(t *testing.T) {
	r := newTestRegistry(t,
		New("A", 100, map[string]int64{"FII_A": 10}),
		New("B", 50, map[string]int64{"X": 3}),
		New("C", 0, map[string]int64{"FII_A": 1}),
	)
	before := r.TotalCash()

	credits := r.PayDividend("FII_A", 5)
	require.Len(t, credits, 2)
	assert.Equal(t, "A", credits[0].AgentID, "insertion order")
	assert.Equal(t, int64(10), credits[0].Units)
	assert.Equal(t, "50", credits[0].Amount.String())
	assert.Equal(t, "C", credits[1].AgentID)
	assert.Equal(t, "5", credits[1].Amount.String())

	a, _ := r.Get("A")
	b, _ := r.Get("B")
	assert.Equal(t, "150", a.Cash().String())
	assert.Equal(t, "50", a.Dividends().String())
	assert.True(t, b.Dividends().IsZero(), "non-holders receive nothing")
	assert.Equal(t, int64(10), a.Holding("FII_A"), "payouts never touch units")
	assert.True(t, r.TotalCash().Equal(before.Add(decimal.NewFromInt(55))))
	assert.InDelta(t, 50.0, a.Snapshot().Dividends, 1e-9)

	assert.Empty(t, r.PayDividend("FII_A", 0))
	assert.Empty(t, r.PayDividend("missing", 5))
}

func TestConcurrentCrossInstrumentSettlement(t *testing.T) {
	a := New("A", 1_000_000, map[string]int64{"X": 1000, "Y": 1000})
	b := New("B", 1_000_000, map[string]int64{"X": 1000, "Y": 1000})
	r := newTestRegistry(t, a, b)

	cashBefore := r.TotalCash()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Execute(orderbook.Transaction{Instrument: "X", BuyerID: "A", SellerID: "B", Quantity: 1, Price: 10.25}))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Execute(orderbook.Transaction{Instrument: "Y", BuyerID: "B", SellerID: "A", Quantity: 1, Price: 3.75}))
		}()
	}
	wg.Wait()

	assert.True(t, r.TotalCash().Equal(cashBefore))
	assert.Equal(t, int64(2000), r.TotalHoldings("X"))
	assert.Equal(t, int64(2000), r.TotalHoldings("Y"))
	assert.Equal(t, int64(1200), a.Holding("X"))
	assert.Equal(t, int64(1200), b.Holding("Y"))
}

func TestPropertySettlementConservesCashAndUnits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 6).Draw(t, "agents")
		r := NewRegistry()
		for i := 0; i < n; i++ {
			cash := rapid.Float64Range(0, 10_000).Draw(t, fmt.Sprintf("cash%d", i))
			units := rapid.Int64Range(0, 100).Draw(t, fmt.Sprintf("units%d", i))
			if err := r.Add(New(fmt.Sprintf("agent_%d", i), cash, map[string]int64{"X": units})); err != nil {
				t.Fatalf("add: %v", err)
			}
		}

		cashBefore := r.TotalCash()
		unitsBefore := r.TotalHoldings("X")

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			buyer := rapid.IntRange(0, n-1).Draw(t, "buyer")
			seller := rapid.IntRange(0, n-1).Draw(t, "seller")
			tx := orderbook.Transaction{
				Instrument: "X",
				BuyerID:    fmt.Sprintf("agent_%d", buyer),
				SellerID:   fmt.Sprintf("agent_%d", seller),
				Quantity:   rapid.Int64Range(1, 20).Draw(t, "qty"),
				Price:      rapid.Float64Range(0.01, 500).Draw(t, "price"),
			}

			b, _ := r.Get(tx.BuyerID)
			sl, _ := r.Get(tx.SellerID)
			buyerCash, sellerCash := b.Cash(), sl.Cash()

			if err := r.Execute(tx); err != nil {
				t.Fatalf("execute: %v", err)
			}

			if buyer != seller {
				debit := buyerCash.Sub(b.Cash())
				credit := sl.Cash().Sub(sellerCash)
				if !debit.Equal(tx.Notional()) || !credit.Equal(tx.Notional()) {
					t.Fatalf("debit %s credit %s notional %s", debit, credit, tx.Notional())
				}
			}
		}

		if !r.TotalCash().Equal(cashBefore) {
			t.Fatalf("cash not conserved: %s != %s", r.TotalCash(), cashBefore)
		}
		if got := r.TotalHoldings("X"); got != unitsBefore {
			t.Fatalf("units not conserved: %d != %d", got, unitsBefore)
		}
	})
}
