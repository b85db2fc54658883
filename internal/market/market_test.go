package market

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==================== MARKET TESTS ====================

func TestNewRejectsNonPositiveOpening(t *testing.T) {
	_, err := New(map[string]float64{"X": 0})
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestRegisterDuplicate(t *testing.T) {
	m, err := New(map[string]float64{"X": 10})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Register("X", 12), ErrDuplicateInstrument)
}

func TestLookupNeverCreates(t *testing.T) {
	m, err := New(map[string]float64{"X": 10})
	require.NoError(t, err)

	_, ok := m.Lookup("Y")
	assert.False(t, ok)
	assert.Equal(t, 0.0, m.Price("Y"))
	assert.Equal(t, []string{"X"}, m.Instruments())
}

func TestSetPrice(t *testing.T) {
	m, err := New(map[string]float64{"X": 10, "A": 3})
	require.NoError(t, err)

	require.NoError(t, m.SetPrice("X", 12.5))
	assert.Equal(t, 12.5, m.Price("X"))
	assert.ErrorIs(t, m.SetPrice("Y", 1), ErrUnknownInstrument)
	assert.ErrorIs(t, m.SetPrice("X", -1), ErrInvalidPrice)
	assert.ErrorIs(t, m.SetPrice("X", math.Inf(1)), ErrInvalidPrice)
	assert.Equal(t, 12.5, m.Price("X"))
	assert.Equal(t, []string{"A", "X"}, m.Instruments())
}

func TestRoundSeries(t *testing.T) {
	m, err := New(map[string]float64{"X": 100})
	require.NoError(t, err)

	open := m.OpenRound()
	assert.Equal(t, 100.0, open["X"])
	require.NoError(t, m.SetPrice("X", 110))
	assert.Equal(t, 100.0, open["X"], "the opening snapshot is not aliased")

	closes := m.CloseRound()
	assert.Equal(t, 110.0, closes["X"])

	open = m.OpenRound()
	assert.Equal(t, 110.0, open["X"])
	m.CloseRound() // No trades: close equals open

	assert.Equal(t, []float64{100, 110, 110}, m.History("X"))

	rets := LogReturns(m.History("X"))
	require.Len(t, rets, 2)
	assert.InDelta(t, math.Log(1.1), rets[0], 1e-12)
	assert.InDelta(t, 0, rets[1], 1e-12)
}

func TestVolatility(t *testing.T) {
	m, err := New(map[string]float64{"X": 100})
	require.NoError(t, err)
	volatility := func(window int) float64 {
		return StdDev(Tail(LogReturns(m.History("X")), window))
	}
	assert.Equal(t, 0.0, volatility(10), "no returns yet")

	for _, p := range []float64{110, 100, 110, 100} {
		m.OpenRound()
		require.NoError(t, m.SetPrice("X", p))
		m.CloseRound()
	}

	up, down := math.Log(1.1), math.Log(100.0/110.0)
	mean := (up + down) / 2
	want := math.Sqrt(((up-mean)*(up-mean) + (down-mean)*(down-mean)) / 2)

	assert.InDelta(t, want, volatility(2), 1e-12)
	assert.InDelta(t, want, volatility(0), 1e-12)
	assert.Nil(t, m.History("missing"))
}

func TestYieldAndDividendPerUnit(t *testing.T) {
	m, err := New(map[string]float64{"FII_A": 100, "X": 10})
	require.NoError(t, err)

	require.NoError(t, m.SetYield("FII_A", 0.05))
	assert.Equal(t, 0.05, m.Yield("FII_A"))
	assert.Equal(t, 0.0, m.Yield("X"), "plain assets pay nothing")
	assert.InDelta(t, 5.0, m.DividendPerUnit("FII_A"), 1e-12)

	require.NoError(t, m.SetPrice("FII_A", 120))
	assert.InDelta(t, 6.0, m.DividendPerUnit("FII_A"), 1e-12, "payout follows the reference price")

	assert.ErrorIs(t, m.SetYield("FII_A", -0.01), ErrInvalidYield)
	assert.ErrorIs(t, m.SetYield("FII_A", math.NaN()), ErrInvalidYield)
	assert.ErrorIs(t, m.SetYield("missing", 0.05), ErrUnknownInstrument)
	assert.Equal(t, 0.0, m.DividendPerUnit("missing"))
}

func TestInflationDoesNotMovePrices(t *testing.T) {
	m, err := New(map[string]float64{"X": 10})
	require.NoError(t, err)
	assert.Empty(t, m.Inflation())

	m.RecordInflation(0.004)
	m.RecordInflation(0.006)

	assert.Equal(t, []float64{0.004, 0.006}, m.Inflation())
	assert.Equal(t, 10.0, m.Price("X"))
}

func TestConcurrentSetPriceDistinctInstruments(t *testing.T) {
	m, err := New(map[string]float64{"X": 1, "Y": 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, inst := range []string{"X", "Y"} {
		wg.Add(1)
		go func(inst string) {
			defer wg.Done()
			for i := 1; i <= 100; i++ {
				assert.NoError(t, m.SetPrice(inst, float64(i)))
			}
		}(inst)
	}
	wg.Wait()

	assert.Equal(t, 100.0, m.Price("X"))
	assert.Equal(t, 100.0, m.Price("Y"))
}

// ==================== HELPER TESTS ====================

func TestTail(t *testing.T) {
	v := []float64{1, 2, 3, 4}
	assert.Equal(t, []float64{3, 4}, Tail(v, 2))
	assert.Equal(t, v, Tail(v, 0))
	assert.Equal(t, v, Tail(v, 10))
}

func TestLogReturnsSkipsNonPositive(t *testing.T) {
	assert.Nil(t, LogReturns([]float64{5}))
	assert.Len(t, LogReturns([]float64{1, 0, 2}), 0)
}

// ==================== FEED TESTS ====================

func TestFeedDeterministic(t *testing.T) {
	a := NewNewsFeed(42, 1.0)
	b := NewNewsFeed(42, 1.0)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func TestFeedZeroStdIsMean(t *testing.T) {
	f := NewFeed(1, 0.005, 0)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0.005, f.Next())
	}
}

func TestNewsFeedScale(t *testing.T) {
	nf := NewNewsFeed(7, 2.0)
	var sum, ss float64
	const n = 5000
	for i := 0; i < n; i++ {
		v := nf.Next()
		sum += v
		ss += v * v
	}
	mean := sum / n
	std := math.Sqrt(ss/n - mean*mean)
	assert.InDelta(t, 0, mean, 0.15)
	assert.InDelta(t, 2.0, std, 0.15)
}
