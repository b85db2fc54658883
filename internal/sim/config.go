package sim

// Config contains configuration for a simulation run
type Config struct {
	Rounds          int     // Rounds to run
	Seed            int64   // Master seed for every random stream
	CarryOver       bool    // Keep unmatched orders resident into the next round
	ParallelCollect bool    // Ask bots for orders concurrently
	ParallelClear   bool    // Clear instruments concurrently
	EnforceCash     bool    // Reject buys the agent cannot pay for at its limit
	MaxNeighbors    int     // Neighbours sampled per agent per round
	NewsScale       float64 // Standard deviation of the per-round news shock
	InflationMean   float64 // Mean of the per-round inflation draw
	InflationStd    float64 // Standard deviation of the per-round inflation draw
	DividendEvery   int     // Rounds between dividend payouts, 0 disables them
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Rounds:          67,
		Seed:            1,
		CarryOver:       false,
		ParallelCollect: true,
		ParallelClear:   true,
		EnforceCash:     true,
		MaxNeighbors:    3,
		NewsScale:       1.0,
		InflationMean:   0.005,
		InflationStd:    0.002,
		DividendEvery:   22,
	}
}
