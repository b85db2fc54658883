package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agentmarket/internal/config"
	"agentmarket/internal/game"
	"agentmarket/internal/metrics"
	"agentmarket/internal/sim"
	"agentmarket/internal/store"
)

const (
	maxRounds        = 10_000
	defaultListLimit = 20
	maxListLimit     = 200
	standingsInEvent = 10
)

type Server struct {
	base        config.Config // Defaults for every run started over the API
	runner      *game.Runner
	store       *store.Store
	metrics     *metrics.Collector
	hub         *Hub
	rateLimiter *RateLimiter
	log         *zap.Logger
	upgrader    websocket.Upgrader
	corsOrigins []string // Allowed CORS origins (empty = allow all)
	adminToken  string
}

// NewServer creates the API server and subscribes the hub to runner events.
// st and m may be nil; the matching endpoints then report unavailability.
func NewServer(base config.Config, runner *game.Runner, st *store.Store, m *metrics.Collector, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		base:        base,
		runner:      runner,
		store:       st,
		metrics:     m,
		hub:         NewHub(),
		rateLimiter: NewRateLimiter(10, 1*time.Minute), // 10 run submissions per minute per IP
		log:         log,
		corsOrigins: base.Server.CORSOrigins,
		adminToken:  base.Server.AdminToken,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}

	runner.OnRound(func(runID string, res *sim.RoundResult) {
		s.hub.Broadcast(Event{Type: "round", RunID: runID, Data: summarize(res)})
	})
	runner.OnFinish(func(out *game.Outcome) {
		standings := out.Standings
		if len(standings) > standingsInEvent {
			standings = standings[:standingsInEvent]
		}
		s.hub.Broadcast(Event{Type: "run", RunID: out.Run.ID, Data: RunFinished{Run: out.Run, Standings: standings}})
	})
	return s
}

// checkCORSOrigin checks if an origin is allowed
func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 {
		return true
	}
	// Empty origin header = same-origin request, always allow
	if origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(zapFormatter{log: s.log}))
	r.Use(middleware.Recoverer)
	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/active", s.handleActiveRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/prices/{instrument}", s.handlePriceSeries)
		r.Get("/runs/{id}/trades", s.handleTrades)
		r.Get("/runs/{id}/leaderboard", s.handleLeaderboard)
		r.Get("/runs/{id}/conditions", s.handleConditions)
		r.Get("/runs/{id}/dividends", s.handleDividends)

		// Token routes
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.With(s.rateLimiter.Middleware).Post("/runs", s.handleStartRun)
			r.Delete("/runs/{id}", s.handleCancelRun)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/tokens", s.handleCreateToken)
			r.Delete("/tokens/{name}", s.handleRevokeToken)
		})
	})

	r.Get("/ws", s.handleWebSocket)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func chiParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	s.log.Error("store query failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		http.Error(w, "no store configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":      "ok",
		"active_runs": len(s.runner.Active()),
		"clients":     s.hub.Len(),
	}
	if s.store != nil {
		applied, pending, err := s.store.MigrationStatus()
		if err != nil {
			s.log.Error("migration status failed", zap.Error(err))
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		health["migrations"] = map[string]any{"applied": applied, "pending": len(pending)}
	}
	writeJSON(w, http.StatusOK, health)
}

// RunRequest overrides the server defaults for one run
type RunRequest struct {
	Rounds    *int   `json:"rounds,omitempty"`
	Seed      *int64 `json:"seed,omitempty"`
	CarryOver *bool  `json:"carry_over,omitempty"`
	Minimal   *bool  `json:"minimal,omitempty"`
}

// Apply returns base with the request's overrides
func (req RunRequest) Apply(base config.Config) (config.Config, error) {
	cfg := base
	if req.Rounds != nil {
		if *req.Rounds < 1 || *req.Rounds > maxRounds {
			return cfg, errors.New("rounds must be between 1 and " + strconv.Itoa(maxRounds))
		}
		cfg.Sim.Rounds = *req.Rounds
	}
	if req.Seed != nil {
		cfg.Sim.Seed = *req.Seed
	}
	if req.CarryOver != nil {
		cfg.Sim.CarryOver = *req.CarryOver
	}
	if req.Minimal != nil {
		cfg.Population.Minimal = *req.Minimal
	}
	return cfg, nil
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	cfg, err := req.Apply(s.base)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.runner.Start(cfg)
	if errors.Is(err, game.ErrRunnerStopped) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.log.Error("failed to start run", zap.Error(err))
		http.Error(w, "failed to start run", http.StatusInternalServerError)
		return
	}

	s.log.Info("run submitted", zap.String("run", rec.ID), zap.String("token", tokenName(r)))
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Cancel(chiParam(r, "id")); err != nil {
		http.Error(w, "run not active", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Active())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	limit = min(limit, maxListLimit)

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	run, err := s.store.GetRun(chiParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePriceSeries(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	points, err := s.store.PriceSeries(chiParam(r, "id"), chiParam(r, "instrument"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if points == nil {
		points = []store.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	round, err := queryInt(r, "round", -1)
	if err != nil {
		http.Error(w, "invalid round", http.StatusBadRequest)
		return
	}
	trades, err := s.store.Trades(chiParam(r, "id"), round)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if trades == nil {
		trades = []store.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit, err := queryInt(r, "limit", 10)
	if err != nil || limit < 1 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	entries, err := s.store.Leaderboard(chiParam(r, "id"), min(limit, maxListLimit))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if entries == nil {
		entries = []store.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	conds, err := s.store.Conditions(chiParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if conds == nil {
		conds = []store.RoundConditions{}
	}
	writeJSON(w, http.StatusOK, conds)
}

func (s *Server) handleDividends(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	payouts, err := s.store.Dividends(chiParam(r, "id"), r.URL.Query().Get("agent"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if payouts == nil {
		payouts = []store.DividendRecord{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// RoundSummary is the websocket payload for a completed round
type RoundSummary struct {
	Round     int                `json:"round"`
	News      float64            `json:"news"`
	Inflation float64            `json:"inflation"`
	Close     map[string]float64 `json:"close"`
	Volume    map[string]int64   `json:"volume"`
	Submitted int                `json:"submitted"`
	Rejected  int                `json:"rejected"`
	Trades    int                `json:"trades"`
	Payouts   int                `json:"payouts"`
}

func summarize(res *sim.RoundResult) RoundSummary {
	return RoundSummary{
		Round:     res.Round,
		News:      res.News,
		Inflation: res.Inflation,
		Close:     res.Close,
		Volume:    res.Volume,
		Submitted: res.Submitted,
		Rejected:  len(res.Rejected),
		Trades:    len(res.Transactions),
		Payouts:   len(res.Dividends),
	}
}

// RunFinished is the websocket payload for a finished run
type RunFinished struct {
	Run       store.RunRecord `json:"run"`
	Standings []game.Standing `json:"standings"`
}

// Shutdown stops internal goroutines and disconnects websocket clients
func (s *Server) Shutdown() {
	s.rateLimiter.Stop()
	s.hub.Stop()
}
