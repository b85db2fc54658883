package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CreateRun records a new run as running
func (s *Store) CreateRun(run RunRecord) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, seed, rounds, carry_over, instruments, agent_count, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Seed, run.Rounds, run.CarryOver, strings.Join(run.Instruments, ","),
		run.AgentCount, run.Status, run.StartedAt.UTC())
	return err
}

// FinishRun marks a run as ended with the given status
func (s *Store) FinishRun(id, status string, roundsCompleted int, endedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, rounds_completed = ?, ended_at = ? WHERE id = ?
	`, status, roundsCompleted, endedAt.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// SaveRound persists one round's prices, trades, conditions, payouts and
// valuations in a single transaction and advances the run's completed-round
// counter.
func (s *Store) SaveRound(runID string, rec RoundRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE runs SET rounds_completed = MAX(rounds_completed, ?) WHERE id = ?
	`, rec.Round+1, runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if _, err := tx.Exec(
		"INSERT INTO round_news (run_id, round, news, inflation) VALUES (?, ?, ?, ?)",
		runID, rec.Round, rec.News, rec.Inflation,
	); err != nil {
		return err
	}

	for _, p := range rec.Prices {
		if _, err := tx.Exec(`
			INSERT INTO round_prices (run_id, round, instrument, open, close, volume)
			VALUES (?, ?, ?, ?, ?, ?)
		`, runID, rec.Round, p.Instrument, p.Open, p.Close, p.Volume); err != nil {
			return err
		}
	}

	for i, t := range rec.Trades {
		if _, err := tx.Exec(`
			INSERT INTO trades (id, run_id, round, seq, instrument, buyer_id, seller_id, quantity, price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, runID, rec.Round, i, t.Instrument, t.BuyerID, t.SellerID, t.Quantity, t.Price); err != nil {
			return err
		}
	}

	for i, d := range rec.Dividends {
		if _, err := tx.Exec(`
			INSERT INTO dividends (run_id, round, seq, agent_id, instrument, units, amount)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, rec.Round, i, d.AgentID, d.Instrument, d.Units, d.Amount); err != nil {
			return err
		}
	}

	// Sorted so that row order does not depend on map iteration
	ids := make([]string, 0, len(rec.Valuations))
	for id := range rec.Valuations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := tx.Exec(
			"INSERT INTO valuations (run_id, round, agent_id, value) VALUES (?, ?, ?, ?)",
			runID, rec.Round, id, rec.Valuations[id],
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const runColumns = `id, seed, rounds, rounds_completed, carry_over, instruments, agent_count, status, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		r           RunRecord
		instruments string
		endedAt     sql.NullTime
	)
	if err := row.Scan(
		&r.ID, &r.Seed, &r.Rounds, &r.RoundsCompleted, &r.CarryOver,
		&instruments, &r.AgentCount, &r.Status, &r.StartedAt, &endedAt,
	); err != nil {
		return nil, err
	}
	if instruments != "" {
		r.Instruments = strings.Split(instruments, ",")
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return &r, nil
}

// GetRun returns a run by ID
func (s *Store) GetRun(id string) (*RunRecord, error) {
	r, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns the most recently started runs
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs
		ORDER BY started_at DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// PriceSeries returns an instrument's per-round prices in round order
func (s *Store) PriceSeries(runID, instrument string) ([]PricePoint, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT round, instrument, open, close, volume
		FROM round_prices
		WHERE run_id = ? AND instrument = ?
		ORDER BY round ASC
	`, runID, instrument)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.Round, &p.Instrument, &p.Open, &p.Close, &p.Volume); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Trades returns the trades of a run in settlement order. A negative round
// returns every round.
func (s *Store) Trades(runID string, round int) ([]TradeRecord, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT id, round, instrument, buyer_id, seller_id, quantity, price
		FROM trades
		WHERE run_id = ? AND (? < 0 OR round = ?)
		ORDER BY round ASC, seq ASC
	`, runID, round, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.Round, &t.Instrument, &t.BuyerID, &t.SellerID, &t.Quantity, &t.Price); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Leaderboard ranks agents by their valuation after the latest recorded round
func (s *Store) Leaderboard(runID string, limit int) ([]LeaderboardEntry, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT v.agent_id, f.value, v.value
		FROM valuations v
		JOIN valuations f
			ON f.run_id = v.run_id AND f.agent_id = v.agent_id
			AND f.round = (SELECT MIN(round) FROM valuations WHERE run_id = ?)
		WHERE v.run_id = ?
			AND v.round = (SELECT MAX(round) FROM valuations WHERE run_id = ?)
		ORDER BY v.value DESC, v.agent_id ASC
		LIMIT ?
	`, runID, runID, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.AgentID, &e.First, &e.Final); err != nil {
			return nil, err
		}
		e.Rank = len(entries) + 1
		e.Change = e.Final - e.First
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Conditions returns the news and inflation draws of each recorded round
func (s *Store) Conditions(runID string) ([]RoundConditions, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		"SELECT round, news, inflation FROM round_news WHERE run_id = ? ORDER BY round ASC", runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundConditions
	for rows.Next() {
		var c RoundConditions
		if err := rows.Scan(&c.Round, &c.News, &c.Inflation); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Dividends returns the payouts of a run in payment order. An empty agentID
// returns every agent.
func (s *Store) Dividends(runID, agentID string) ([]DividendRecord, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT round, agent_id, instrument, units, amount
		FROM dividends
		WHERE run_id = ? AND (? = '' OR agent_id = ?)
		ORDER BY round ASC, seq ASC
	`, runID, agentID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DividendRecord
	for rows.Next() {
		var d DividendRecord
		if err := rows.Scan(&d.Round, &d.AgentID, &d.Instrument, &d.Units, &d.Amount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
