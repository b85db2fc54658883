package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/config"
	"agentmarket/internal/game"
	"agentmarket/internal/metrics"
	"agentmarket/internal/sim"
	"agentmarket/internal/store"
)

func pipelineConfig(rounds int, carryOver bool) config.Config {
	cfg := config.Default()
	cfg.Sim.Rounds = rounds
	cfg.Sim.Seed = 2024
	cfg.Sim.CarryOver = carryOver
	cfg.Population.SentimentTraders = 10
	return cfg
}

// TestFullSimulation drives the full population through many rounds and
// checks the ledger against the recorded history.
func TestFullSimulation(t *testing.T) {
	for _, carryOver := range []bool{false, true} {
		name := "discard"
		if carryOver {
			name = "carry_over"
		}
		t.Run(name, func(t *testing.T) {
			cfg := pipelineConfig(30, carryOver)

			st, err := store.New(filepath.Join(t.TempDir(), "pipeline.db"))
			require.NoError(t, err)
			defer st.Close()

			w, err := game.Build(cfg, sim.WithMetrics(metrics.New("it")))
			require.NoError(t, err)
			require.NoError(t, st.CreateRun(store.RunRecord{
				ID:          w.ID,
				Seed:        cfg.Sim.Seed,
				Rounds:      cfg.Sim.Rounds,
				CarryOver:   carryOver,
				Instruments: w.Book.Instruments(),
				AgentCount:  w.Agents.Len(),
			}))

			cashBefore := w.Agents.TotalCash()
			unitsBefore := map[string]int64{}
			for _, inst := range w.Book.Instruments() {
				unitsBefore[inst] = w.Agents.TotalHoldings(inst)
			}

			w.Driver.OnRoundEnd(func(res *sim.RoundResult) {
				require.NoError(t, st.SaveRound(w.ID, game.RoundRecord(res)))
			})

			rounds, err := w.Driver.Run(context.Background())
			require.NoError(t, err)
			require.Len(t, rounds, cfg.Sim.Rounds)
			assert.Equal(t, sim.StateComplete, w.Driver.State())

			// Settlement only moves cash between agents; payouts are the
			// only cash entering the system
			paid := decimal.Zero
			var payouts int
			for _, res := range rounds {
				for _, c := range res.Dividends {
					paid = paid.Add(c.Amount)
					payouts++
				}
			}
			assert.Positive(t, payouts, "fund holders are paid at round 22")
			assert.True(t, w.Agents.TotalCash().Equal(cashBefore.Add(paid)),
				"cash %s != %s + %s", w.Agents.TotalCash(), cashBefore, paid)
			for inst, units := range unitsBefore {
				assert.Equal(t, units, w.Agents.TotalHoldings(inst), inst)
			}

			// Admission keeps every balance non-negative
			for _, p := range w.Agents.Snapshots() {
				assert.GreaterOrEqual(t, p.Cash, 0.0, p.ID)
				for inst, qty := range p.Holdings {
					assert.Positive(t, qty, "%s %s", p.ID, inst)
				}
				assert.Len(t, p.Wealth, cfg.Sim.Rounds, p.ID)
			}

			var trades int
			for i, res := range rounds {
				assert.Equal(t, i, res.Round)
				trades += len(res.Transactions)
				for _, tx := range res.Transactions {
					assert.Positive(t, tx.Quantity)
					assert.Positive(t, tx.Price)
				}
				if !carryOver {
					for inst, rc := range res.Resident {
						assert.Zero(t, rc.Buys+rc.Sells, "%s resident after round %d", inst, i)
					}
				}
				if i > 0 {
					// A round opens where the previous one closed
					assert.Equal(t, rounds[i-1].Close, res.Open, "round %d", i)
				}
			}
			assert.Positive(t, trades, "the population should trade")

			stored, err := st.Trades(w.ID, -1)
			require.NoError(t, err)
			assert.Len(t, stored, trades)

			dividends, err := st.Dividends(w.ID, "")
			require.NoError(t, err)
			assert.Len(t, dividends, payouts)

			conds, err := st.Conditions(w.ID)
			require.NoError(t, err)
			require.Len(t, conds, cfg.Sim.Rounds)
			assert.Equal(t, w.Market.Inflation()[cfg.Sim.Rounds-1], conds[cfg.Sim.Rounds-1].Inflation)

			for _, inst := range w.Book.Instruments() {
				series, err := st.PriceSeries(w.ID, inst)
				require.NoError(t, err)
				require.Len(t, series, cfg.Sim.Rounds)
				history := w.Market.History(inst)
				require.Len(t, history, cfg.Sim.Rounds+1)
				for i, p := range series {
					assert.Equal(t, history[i+1], p.Close, "%s round %d", inst, i)
				}
			}

			board, err := st.Leaderboard(w.ID, 5)
			require.NoError(t, err)
			standings := game.Standings(w.Agents, w.Ecosystem)
			require.Len(t, board, 5)
			for i := range board {
				assert.Equal(t, standings[i].AgentID, board[i].AgentID)
			}
		})
	}
}

// TestParallelismDoesNotChangeOutcome compares sequential and parallel
// phases on the full population.
func TestParallelismDoesNotChangeOutcome(t *testing.T) {
	run := func(parallel bool) *game.Outcome {
		cfg := pipelineConfig(15, true)
		cfg.Sim.ParallelCollect = parallel
		cfg.Sim.ParallelClear = parallel
		out, err := game.NewRunner(nil, nil, nil).Run(context.Background(), cfg)
		require.NoError(t, err)
		return out
	}

	seq, par := run(false), run(true)
	require.Equal(t, len(seq.Rounds), len(par.Rounds))
	for i := range seq.Rounds {
		a, b := seq.Rounds[i], par.Rounds[i]
		assert.Equal(t, a.Close, b.Close, "round %d close", i)
		assert.Equal(t, a.Volume, b.Volume, "round %d volume", i)
		require.Equal(t, len(a.Transactions), len(b.Transactions), "round %d trades", i)
		for j := range a.Transactions {
			ta, tb := a.Transactions[j], b.Transactions[j]
			assert.Equal(t, ta.BuyerID, tb.BuyerID)
			assert.Equal(t, ta.SellerID, tb.SellerID)
			assert.Equal(t, ta.Quantity, tb.Quantity)
			assert.Equal(t, ta.Price, tb.Price)
		}
	}
	assert.Equal(t, seq.Standings, par.Standings)
}
