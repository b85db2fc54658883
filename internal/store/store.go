package store

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

// Store records simulation history in SQLite. It is write-behind only:
// nothing in the simulation reads book or agent state back from it.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and applies pending migrations
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// when hooks from one run and API reads interleave.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Run statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// RunRecord describes one simulation run
type RunRecord struct {
	ID              string     `json:"id"`
	Seed            int64      `json:"seed"`
	Rounds          int        `json:"rounds"`
	RoundsCompleted int        `json:"rounds_completed"`
	CarryOver       bool       `json:"carry_over"`
	Instruments     []string   `json:"instruments"`
	AgentCount      int        `json:"agent_count"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// PricePoint is one instrument's round-open and round-close reference price
type PricePoint struct {
	Round      int     `json:"round"`
	Instrument string  `json:"instrument"`
	Open       float64 `json:"open"`
	Close      float64 `json:"close"`
	Volume     int64   `json:"volume"`
}

// TradeRecord is a settled transaction
type TradeRecord struct {
	ID         string  `json:"id"`
	Round      int     `json:"round"`
	Instrument string  `json:"instrument"`
	BuyerID    string  `json:"buyer_id"`
	SellerID   string  `json:"seller_id"`
	Quantity   int64   `json:"quantity"`
	Price      float64 `json:"price"`
}

// DividendRecord is one payout credited to one agent
type DividendRecord struct {
	Round      int     `json:"round"`
	AgentID    string  `json:"agent_id"`
	Instrument string  `json:"instrument"`
	Units      int64   `json:"units"`
	Amount     float64 `json:"amount"`
}

// RoundConditions are the exogenous draws of one round
type RoundConditions struct {
	Round     int     `json:"round"`
	News      float64 `json:"news"`
	Inflation float64 `json:"inflation"`
}

// RoundRecord is everything persisted for one completed round
type RoundRecord struct {
	Round      int
	News       float64
	Inflation  float64
	Prices     []PricePoint
	Trades     []TradeRecord
	Dividends  []DividendRecord
	Valuations map[string]float64
}

// LeaderboardEntry ranks an agent by its latest valuation
type LeaderboardEntry struct {
	Rank    int     `json:"rank"`
	AgentID string  `json:"agent_id"`
	First   float64 `json:"first"` // Valuation after the first recorded round
	Final   float64 `json:"final"`
	Change  float64 `json:"change"`
}
