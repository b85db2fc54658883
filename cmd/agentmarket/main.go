package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"agentmarket/internal/api"
	"agentmarket/internal/config"
	"agentmarket/internal/game"
	"agentmarket/internal/logging"
	"agentmarket/internal/metrics"
	"agentmarket/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	envPath := flag.String("env", "", "path to .env file (default: ./.env if present)")
	serve := flag.Bool("serve", false, "run the HTTP API instead of a single headless run")
	port := flag.Int("port", 0, "server port")
	dbPath := flag.String("db", "", "SQLite database path (\"none\" disables recording)")
	corsOrigins := flag.String("cors", "", "comma-separated allowed CORS origins")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFile := flag.String("log-file", "", "also write JSON logs to this file")
	rounds := flag.Int("rounds", 0, "rounds per run")
	seed := flag.Int64("seed", 0, "master seed")
	carryOver := flag.Bool("carry-over", false, "keep unmatched orders resident between rounds")
	sentiment := flag.Int("sentiment", 0, "number of sentiment traders")
	minimal := flag.Bool("minimal", false, "use the small test population")
	instruments := flag.String("instruments", "", "instruments with opening prices, e.g. PETR4:50,VALE3:45")
	yields := flag.String("yields", "", "dividend-paying instruments with their rate, e.g. FII_A:0.05")
	dividendEvery := flag.Int("dividend-every", 0, "rounds between dividend payouts (0 disables)")
	top := flag.Int("top", 10, "leaderboard entries to log after a headless run")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*envPath)
	if err != nil {
		return err
	}

	// Flags override the environment only when given explicitly
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "db":
			cfg.Server.DBPath = *dbPath
		case "cors":
			cfg.Server.CORSOrigins = splitOrigins(*corsOrigins)
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-file":
			cfg.Log.File = *logFile
		case "rounds":
			cfg.Sim.Rounds = *rounds
		case "seed":
			cfg.Sim.Seed = *seed
		case "carry-over":
			cfg.Sim.CarryOver = *carryOver
		case "sentiment":
			cfg.Population.SentimentTraders = *sentiment
		case "minimal":
			cfg.Population.Minimal = *minimal
		case "instruments":
			inst, err := config.ParseInstruments(*instruments)
			if err != nil {
				flagErr = fmt.Errorf("-instruments: %w", err)
				return
			}
			cfg.Instruments = inst
			cfg.DropUnlistedYields()
		case "dividend-every":
			cfg.Sim.DividendEvery = *dividendEvery
		}
	})
	// Yields are applied last so they can name instruments set by -instruments
	if *yields != "" {
		y, err := config.ParseYields(*yields)
		if err != nil {
			return fmt.Errorf("-yields: %w", err)
		}
		cfg.Yields = y
	}
	if flagErr != nil {
		return flagErr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer log.Sync()

	var st *store.Store
	if cfg.Server.DBPath != "" && cfg.Server.DBPath != "none" {
		st, err = store.New(cfg.Server.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.Warn("database close error", zap.Error(err))
			}
		}()
		applied, pending, err := st.MigrationStatus()
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		log.Info("database ready",
			zap.String("path", cfg.Server.DBPath),
			zap.Ints("applied_migrations", applied),
			zap.Ints("pending_migrations", pending),
		)
	}

	m := metrics.New("agentmarket")
	runner := game.NewRunner(st, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *serve {
		return serveAPI(ctx, cfg, runner, st, m, log)
	}
	return headless(ctx, cfg, runner, *top, log)
}

func headless(ctx context.Context, cfg config.Config, runner *game.Runner, top int, log *zap.Logger) error {
	out, err := runner.Run(ctx, cfg)
	if out == nil {
		return err
	}

	standings := out.Standings
	if top >= 0 && len(standings) > top {
		standings = standings[:top]
	}
	for _, s := range standings {
		log.Info("standing",
			zap.Int("rank", s.Rank),
			zap.String("agent", s.AgentID),
			zap.Float64("wealth", s.Wealth),
			zap.Float64("cash", s.Cash),
			zap.Float64("realized_pnl", s.RealizedPnL),
			zap.Float64("dividends", s.Dividends),
			zap.Any("holdings", s.Holdings),
		)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveAPI(ctx context.Context, cfg config.Config, runner *game.Runner, st *store.Store, m *metrics.Collector, log *zap.Logger) error {
	if cfg.Server.AdminToken == "" {
		log.Warn("no admin token configured; only issued tokens can start runs")
	}

	server := api.NewServer(cfg, runner, st, m, log)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server",
			zap.String("addr", httpServer.Addr),
			zap.String("db", cfg.Server.DBPath),
			zap.Strings("cors", cfg.Server.CORSOrigins),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	// Abort runs in progress; their records are closed as aborted
	runner.Stop()
	log.Info("runner stopped")

	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	log.Info("server shutdown complete")
	return nil
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
