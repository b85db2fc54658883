package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"agentmarket/internal/sim"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "AGENTMARKET_"

type Server struct {
	Port        int
	DBPath      string
	CORSOrigins []string
	AdminToken  string // Grants admin access to the API when set
}

type Log struct {
	Level string
	File  string
}

type Population struct {
	SentimentTraders int
	Minimal          bool // Use the small test ecosystem
	CashMin          float64
	CashMax          float64
	HoldingsMax      int64
}

type Config struct {
	Server      Server
	Log         Log
	Sim         sim.Config
	Instruments map[string]float64 // Opening reference prices
	Yields      map[string]float64 // Dividend rate per payout, by instrument
	Population  Population
}

func Default() Config {
	return Config{
		Server: Server{
			Port:        8080,
			DBPath:      "agentmarket.db",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Log: Log{
			Level: "info",
		},
		Sim: sim.DefaultConfig(),
		Instruments: map[string]float64{
			"PETR4": 50.0,
			"VALE3": 45.0,
			"FII_A": 100.0,
			"FII_B": 150.0,
		},
		Yields: map[string]float64{
			"FII_A": 0.05,
			"FII_B": 0.05,
		},
		Population: Population{
			SentimentTraders: 10,
			CashMin:          1000,
			CashMax:          5000,
			HoldingsMax:      50,
		},
	}
}

// InstrumentIDs returns the configured instruments in sorted order
func (c Config) InstrumentIDs() []string {
	ids := make([]string, 0, len(c.Instruments))
	for id := range c.Instruments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks values that would make a run meaningless
func (c Config) Validate() error {
	if c.Sim.Rounds < 0 {
		return fmt.Errorf("rounds must be non-negative, got %d", c.Sim.Rounds)
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	for id, price := range c.Instruments {
		if !(price > 0) || math.IsInf(price, 0) {
			return fmt.Errorf("instrument %s: opening price must be positive and finite, got %v", id, price)
		}
	}
	for id, rate := range c.Yields {
		if _, ok := c.Instruments[id]; !ok {
			return fmt.Errorf("yield for unknown instrument %s", id)
		}
		if !(rate >= 0) || math.IsInf(rate, 0) {
			return fmt.Errorf("instrument %s: yield must be non-negative and finite, got %v", id, rate)
		}
	}
	if c.Sim.DividendEvery < 0 {
		return fmt.Errorf("dividend interval must be non-negative, got %d", c.Sim.DividendEvery)
	}
	if c.Population.CashMax < c.Population.CashMin {
		return fmt.Errorf("cash range [%v, %v] is empty", c.Population.CashMin, c.Population.CashMax)
	}
	return nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
	}

	if v, ok := lookup("PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		} else {
			fail("PORT", err)
		}
	}
	if v, ok := lookup("DB_PATH"); ok {
		cfg.Server.DBPath = v
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v, ok := lookup("ADMIN_TOKEN"); ok {
		cfg.Server.AdminToken = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup("LOG_FILE"); ok {
		cfg.Log.File = v
	}

	intVars := map[string]*int{
		"ROUNDS":            &cfg.Sim.Rounds,
		"MAX_NEIGHBORS":     &cfg.Sim.MaxNeighbors,
		"SENTIMENT_TRADERS": &cfg.Population.SentimentTraders,
		"DIVIDEND_EVERY":    &cfg.Sim.DividendEvery,
	}
	for key, dst := range intVars {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				fail(key, err)
			}
		}
	}

	if v, ok := lookup("SEED"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sim.Seed = n
		} else {
			fail("SEED", err)
		}
	}
	if v, ok := lookup("HOLDINGS_MAX"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Population.HoldingsMax = n
		} else {
			fail("HOLDINGS_MAX", err)
		}
	}

	floatVars := map[string]*float64{
		"NEWS_SCALE":     &cfg.Sim.NewsScale,
		"INFLATION_MEAN": &cfg.Sim.InflationMean,
		"INFLATION_STD":  &cfg.Sim.InflationStd,
		"CASH_MIN":       &cfg.Population.CashMin,
		"CASH_MAX":       &cfg.Population.CashMax,
	}
	for key, dst := range floatVars {
		if v, ok := lookup(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			} else {
				fail(key, err)
			}
		}
	}

	boolVars := map[string]*bool{
		"CARRY_OVER":       &cfg.Sim.CarryOver,
		"PARALLEL_COLLECT": &cfg.Sim.ParallelCollect,
		"PARALLEL_CLEAR":   &cfg.Sim.ParallelClear,
		"ENFORCE_CASH":     &cfg.Sim.EnforceCash,
		"MINIMAL":          &cfg.Population.Minimal,
	}
	for key, dst := range boolVars {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			} else {
				fail(key, err)
			}
		}
	}

	if v, ok := lookup("INSTRUMENTS"); ok {
		if inst, err := ParseInstruments(v); err == nil {
			cfg.Instruments = inst
			cfg.DropUnlistedYields()
		} else {
			fail("INSTRUMENTS", err)
		}
	}
	if v, ok := lookup("YIELDS"); ok {
		if y, err := ParseYields(v); err == nil {
			cfg.Yields = y
		} else {
			fail("YIELDS", err)
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return cfg, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// DropUnlistedYields forgets yields for instruments no longer configured.
// Call it after replacing Instruments.
func (c *Config) DropUnlistedYields() {
	for id := range c.Yields {
		if _, ok := c.Instruments[id]; !ok {
			delete(c.Yields, id)
		}
	}
}

// ParseInstruments parses "ID:price,ID:price"
func ParseInstruments(s string) (map[string]float64, error) {
	return parsePairs(s, "price", func(v float64) bool { return v > 0 })
}

// ParseYields parses "ID:rate,ID:rate". A zero rate is allowed.
func ParseYields(s string) (map[string]float64, error) {
	return parsePairs(s, "yield", func(v float64) bool { return v >= 0 })
}

func parsePairs(s, what string, valid func(float64) bool) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, item := range splitList(s) {
		id, valStr, ok := strings.Cut(item, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("expected ID:%s, got %q", what, item)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(valStr), 64)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", id, err)
		}
		if !valid(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("instrument %s: invalid %s %v", id, what, v)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("instrument %s listed twice", id)
		}
		out[id] = v
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instruments in %q", s)
	}
	return out, nil
}

// lookup returns a prefixed environment variable if it is set and non-empty
func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	return v, v != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
