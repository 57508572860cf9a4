package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/orchlabs/orch/internal/breaker"
	"github.com/orchlabs/orch/internal/config"
	"github.com/orchlabs/orch/internal/costledger"
	"github.com/orchlabs/orch/internal/flags"
	"github.com/orchlabs/orch/internal/memorystore"
	"github.com/orchlabs/orch/internal/modelclient"
	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/internal/orchestrator"
	"github.com/orchlabs/orch/internal/rag"
	"github.com/orchlabs/orch/internal/registry"
	"github.com/orchlabs/orch/internal/selector"
	"github.com/orchlabs/orch/internal/server"
	"github.com/orchlabs/orch/internal/statestore"
	"github.com/orchlabs/orch/internal/streaming"
	"github.com/orchlabs/orch/internal/tools"
	"github.com/orchlabs/orch/internal/turn"
	"github.com/orchlabs/orch/pkg/models"
)

// runServe builds the full stack from config and serves until a
// termination signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitErr{exitConfig, err}
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	recorder := observability.NewRecorder(logger)
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "orch",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() { _ = shutdownTracer(context.Background()) }()

	store, err := statestore.NewRedis(ctx, cfg.Redis.URL, statestore.TTLs{
		Conversation:   cfg.Redis.ConversationTTL,
		DailyAggregate: cfg.Redis.DailyAggregateTTL,
		TurnDetail:     cfg.Redis.TurnDetailTTL,
	}, logger)
	if err != nil {
		return &exitErr{exitConnectivity, fmt.Errorf("connect redis: %w", err)}
	}

	hub := streaming.NewHub(streaming.Config{
		SubscriberBuffer:  cfg.Streaming.SubscriberBuffer,
		HeartbeatInterval: cfg.Streaming.HeartbeatInterval,
	}, recorder, logger)
	defer hub.Close()
	recorder.AddSink(hub.Sink())

	reg, err := registry.New(cfg.Agents.Dir, logger)
	if err != nil {
		return &exitErr{exitConfig, fmt.Errorf("load agents: %w", err)}
	}
	defer reg.Close()
	if cfg.Agents.WatchReload {
		if err := reg.Watch(ctx); err != nil {
			logger.Warn(ctx, "agent watch disabled", "error", err)
		}
	}

	clients, err := buildClients(cfg)
	if err != nil {
		return err
	}

	flagMgr := flags.NewManager(flagsFromConfig(cfg.Flags))
	ledger := costledger.New(store, pricingFromConfig(cfg.Pricing), costledger.Limits{
		DailyUSD:        cfg.Budget.DailyLimitUSD,
		ConversationUSD: cfg.Budget.ConversationLimitUSD,
		WarningRatio:    cfg.Budget.WarningRatio,
		CriticalRatio:   cfg.Budget.CriticalRatio,
	}, recorder, metrics, logger)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		OverrideSecret:   cfg.Breaker.OverrideSecret,
	}, recorder, logger)

	memStore := memorystore.NewInMemory()
	injector := rag.New(memStore, rag.Config{
		TopK:     cfg.RAG.TopK,
		MinScore: cfg.RAG.MinScore,
		CacheTTL: cfg.RAG.CacheTTL,
	}, recorder)

	executor := tools.NewExecutor(recorder, metrics)
	executor.Register(
		tools.NewDatetimeTool(),
		tools.NewMemorySearchTool(memStore),
	)

	runner := turn.NewRunner(turn.Config{
		DefaultModel:         cfg.Orchestrator.DefaultModel,
		MaxToolContinuations: cfg.Orchestrator.MaxToolContinuations,
		Timeout:              cfg.Orchestrator.TurnTimeout,
	}, turn.Deps{
		Flags:    flagMgr,
		RAG:      injector,
		Breaker:  brk,
		Clients:  modelclient.NewRegistry(clients...),
		Tools:    executor,
		Ledger:   ledger,
		Store:    store,
		Hub:      hub,
		Recorder: recorder,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   logger,
	})
	orch := orchestrator.New(orchestrator.Config{
		MaxTurns: cfg.Orchestrator.MaxTurns,
	}, orchestrator.Deps{
		Registry: reg,
		Selector: selector.New(reg.Priority, recorder),
		Runner:   runner,
		Store:    store,
		Flags:    flagMgr,
		Hub:      hub,
		Recorder: recorder,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   logger,
	})

	srv, err := server.New(server.Config{
		Addr:                 cfg.Server.Addr,
		ReadTimeout:          cfg.Server.ReadTimeout,
		WriteTimeout:         cfg.Server.WriteTimeout,
		BreakerCheckInterval: cfg.Breaker.CheckInterval,
	}, server.Deps{
		Orchestrator: orch,
		Hub:          hub,
		Flags:        flagMgr,
		Breaker:      brk,
		Ledger:       ledger,
		Registry:     reg,
		Store:        store,
		Recorder:     recorder,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return &exitErr{exitConnectivity, err}
	}
	logger.Info(ctx, "orchestrator ready",
		"addr", srv.Addr(),
		"agents", len(reg.List()),
		"version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	}
	return srv.Shutdown(context.Background())
}

// buildClients constructs one model client per configured provider.
func buildClients(cfg *config.Config) ([]modelclient.Client, error) {
	var clients []modelclient.Client
	if cfg.Providers.OpenAIAPIKey != "" {
		clients = append(clients, modelclient.NewOpenAI(cfg.Providers.OpenAIAPIKey))
	}
	if cfg.Providers.AnthropicAPIKey != "" {
		clients = append(clients, modelclient.NewAnthropic(cfg.Providers.AnthropicAPIKey))
	}
	if len(clients) == 0 {
		return nil, &exitErr{exitConfig,
			fmt.Errorf("no model provider configured: set OPENAI_API_KEY or ANTHROPIC_API_KEY")}
	}
	return clients, nil
}

// flagsFromConfig converts flag config rows to runtime definitions.
func flagsFromConfig(rows []config.FlagConfig) []*flags.Flag {
	out := make([]*flags.Flag, 0, len(rows))
	for _, row := range rows {
		f := &flags.Flag{
			Name:          row.Name,
			Enabled:       row.Enabled,
			Strategy:      flags.Strategy(row.Strategy),
			DependsOn:     row.DependsOn,
			ConflictsWith: row.ConflictsWith,
		}
		if v, ok := row.Params["percentage"]; ok {
			f.Percentage = toFloat(v)
		}
		if v, ok := row.Params["users"]; ok {
			f.Users = toStrings(v)
		}
		if v, ok := row.Params["groups"]; ok {
			f.Groups = toStrings(v)
		}
		out = append(out, f)
	}
	return out
}

// pricingFromConfig converts pricing config rows to ledger entries.
func pricingFromConfig(rows []config.PricingConfig) []models.PricingEntry {
	out := make([]models.PricingEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.PricingEntry{
			Provider:      row.Provider,
			Model:         row.Model,
			InputPer1K:    row.InputPer1K,
			OutputPer1K:   row.OutputPer1K,
			PerRequest:    row.PerRequest,
			EffectiveFrom: row.EffectiveFrom,
			EffectiveTo:   row.EffectiveTo,
		})
	}
	return out
}

// toFloat reads a YAML-decoded number.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// toStrings reads a YAML-decoded string list.
func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
