// Package server exposes the orchestrator over HTTP: a JSON request
// surface, per-conversation WebSocket and SSE streams, Prometheus
// metrics, and a small admin surface the CLI drives.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/orchlabs/orch/internal/breaker"
	"github.com/orchlabs/orch/internal/costledger"
	"github.com/orchlabs/orch/internal/flags"
	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/internal/orchestrator"
	"github.com/orchlabs/orch/internal/registry"
	"github.com/orchlabs/orch/internal/statestore"
	"github.com/orchlabs/orch/internal/streaming"
)

// cronParser accepts standard five-field specs plus descriptors like
// "@daily".
var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// dailyRolloverSpec fires the budget day rollover at midnight UTC.
const dailyRolloverSpec = "0 0 * * *"

// Config tunes the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// BreakerCheckInterval is the cadence of timed breaker
	// re-evaluation. Default 15s.
	BreakerCheckInterval time.Duration
}

// Deps bundles the components the server fronts.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Hub          *streaming.Hub
	Flags        *flags.Manager
	Breaker      *breaker.Breaker
	Ledger       *costledger.Ledger
	Registry     *registry.Registry
	Store        statestore.Store
	Recorder     *observability.Recorder
	Logger       *observability.Logger
}

// Server is the HTTP surface.
type Server struct {
	config Config
	deps   Deps
	logger *observability.Logger

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New wires the routes and returns an unstarted server.
func New(config Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil || deps.Hub == nil || deps.Store == nil {
		return nil, errors.New("server: orchestrator, hub, and store are required")
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		// Streaming responses stay open well past a request timeout.
		config.WriteTimeout = 5 * time.Minute
	}
	if config.BreakerCheckInterval <= 0 {
		config.BreakerCheckInterval = 15 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Recorder == nil {
		deps.Recorder = observability.NewRecorder(deps.Logger)
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients connect from app origins we do not know
			// ahead of time; auth happens at the gateway in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/orchestrate", s.handleOrchestrate)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/conversations/{id}/events", s.handleSSE)
	mux.HandleFunc("GET /v1/conversations/{id}/cost", s.handleConversationCost)
	mux.HandleFunc("POST /v1/approvals/{id}", s.handleApproval)
	mux.HandleFunc("GET /v1/agents", s.handleAgents)

	mux.HandleFunc("POST /admin/agents/reload", s.handleAgentsReload)
	mux.HandleFunc("GET /admin/flags", s.handleFlagsList)
	mux.HandleFunc("PUT /admin/flags/{name}", s.handleFlagSet)
	mux.HandleFunc("GET /admin/breaker", s.handleBreakerState)
	mux.HandleFunc("POST /admin/breaker/override", s.handleBreakerOverride)
	mux.HandleFunc("POST /admin/breaker/suspend", s.handleBreakerSuspend)
	mux.HandleFunc("GET /admin/cost/daily", s.handleDailyCost)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      config.WriteTimeout,
	}
	return s, nil
}

// Handler returns the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens and serves until Shutdown. It returns once the
// listener is bound; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.logger.Info(ctx, "http server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server terminated", "error", err)
		}
	}()
	go s.maintenanceLoop()
	return nil
}

// Addr returns the bound listen address, useful with ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the maintenance loop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	select {
	case <-s.done:
	case <-shutdownCtx.Done():
	}
	return err
}

// maintenanceLoop drives timed work: breaker re-evaluation on a fixed
// interval and the budget day rollover on a cron schedule.
func (s *Server) maintenanceLoop() {
	defer close(s.done)
	ctx := context.Background()

	ticker := time.NewTicker(s.config.BreakerCheckInterval)
	defer ticker.Stop()

	sched, err := cronParser.Parse(dailyRolloverSpec)
	if err != nil {
		// The spec is a constant; a parse failure is a programming error.
		s.logger.Error(ctx, "daily rollover schedule invalid", "error", err)
		return
	}
	rollover := time.NewTimer(time.Until(sched.Next(time.Now())))
	defer rollover.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.deps.Breaker != nil {
				s.deps.Breaker.Check(ctx)
			}
		case <-rollover.C:
			s.rolloverBudgetDay(ctx)
			rollover.Reset(time.Until(sched.Next(time.Now())))
		}
	}
}

// rolloverBudgetDay logs the closed day's spend and announces the new
// day on the metrics topic. The ledger keys aggregates by date, so the
// rollover itself is bookkeeping only.
func (s *Server) rolloverBudgetDay(ctx context.Context) {
	if s.deps.Ledger == nil {
		return
	}
	closed := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	state, agg, err := s.deps.Ledger.DailyBudget(ctx, closed)
	if err != nil {
		s.logger.Warn(ctx, "budget day rollover read failed", "date", closed, "error", err)
		return
	}
	s.logger.Info(ctx, "budget day closed",
		"date", closed,
		"total_usd", state.TotalCostUSD.String(),
		"turns", agg.Turns,
		"status", string(state.Status))
	s.deps.Recorder.Record(ctx, observability.EventBudgetEvent, map[string]any{
		"action":    "day_rollover",
		"date":      closed,
		"total_usd": state.TotalCostUSD.String(),
		"status":    string(state.Status),
	})
}
