// shsh-pilot - agent orchestration server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-pilot/internal/agent"
	"github.com/ashureev/shsh-pilot/internal/api"
	"github.com/ashureev/shsh-pilot/internal/config"
	"github.com/ashureev/shsh-pilot/internal/container"
	"github.com/ashureev/shsh-pilot/internal/events"
	"github.com/ashureev/shsh-pilot/internal/executor"
	"github.com/ashureev/shsh-pilot/internal/llm"
	"github.com/ashureev/shsh-pilot/internal/middleware"
	"github.com/ashureev/shsh-pilot/internal/store"
	"github.com/ashureev/shsh-pilot/internal/terminal"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	port := flag.String("port", "", "HTTP listen port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	policyPath := flag.String("policy", "", "agent policy YAML file (overrides AGENT_POLICY_PATH)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlags(cfg, *port, *dbPath, *policyPath, *logLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid flags", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func applyFlags(cfg *config.Config, port, dbPath, policyPath, logLevel string) {
	if port != "" {
		cfg.Port = port
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if policyPath != "" {
		cfg.Agent.PolicyPath = policyPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "model_provider", cfg.Model.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	// Targets.
	mgr, err := container.NewDockerManager(container.Options{
		Runtime: cfg.Container.Runtime,
		Image:   cfg.Container.Image,
		Logger:  logger.With("component", "container"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	networkID, err := mgr.EnsureNetwork(ctx)
	if err != nil {
		return err
	}
	slog.Info("Target network ready", "network_id", networkID)

	ptyConfig := terminal.DefaultPTYConfig()
	ptyConfig.TypingSpeed = cfg.Container.TypingSpeed
	sm := terminal.NewSessionManager(terminal.NewPTYController(ptyConfig, logger), terminal.DefaultTranscriptSize, logger.With("component", "terminal"))
	exec := executor.New(repo, mgr, sm, executor.Config{}, logger.With("component", "executor"))

	// Model.
	var model agent.ModelClient
	checks := map[string]api.Pinger{"database": repo}
	switch cfg.Model.Provider {
	case config.ProviderGRPC:
		grpcCfg := llm.DefaultGRPCConfig()
		grpcCfg.Address = cfg.Model.GRPCAddr
		grpcCfg.Model = cfg.Model.Name
		grpcCfg.RequestTimeout = cfg.Model.Timeout
		client, err := llm.NewGRPCClient(grpcCfg, logger.With("component", "model"))
		if err != nil {
			return err
		}
		defer client.Close()
		model = client
		checks["model"] = api.PingerFunc(client.Health)
	default:
		model = llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.Model.BaseURL,
			APIKey:  cfg.Model.APIKey,
			Model:   cfg.Model.Name,
			Timeout: cfg.Model.Timeout,
		}, nil, logger.With("component", "model"))
	}

	policy, err := agent.LoadPolicy(cfg.Agent.PolicyPath)
	if err != nil {
		return err
	}

	// Event fan-out.
	hub := events.NewHub(cfg.SSE.ReplaySize, logger.With("component", "events"))
	sinks := []agent.EventSink{hub}
	if cfg.Redis.Addr != "" {
		redisSink, err := events.NewRedisSink(events.RedisConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.ChannelPrefix,
		}, logger.With("component", "redis"))
		if err != nil {
			slog.Warn("Redis unavailable, event publishing disabled", "error", err)
		} else {
			sinks = append(sinks, redisSink)
			checks["redis"] = redisSink
		}
	}
	if cfg.Audit.Enabled {
		sinks = append(sinks, events.NewAuditSink(repo, cfg.Audit.QueueSize, logger.With("component", "audit")))
	}
	fanout := events.NewMulti(sinks...)

	engine := agent.NewEngine(agent.Deps{
		Prompts:  llm.NewPromptBuilder(cfg.Agent.Marker),
		Model:    model,
		Parser:   llm.NewParser(cfg.Agent.Marker),
		Executor: exec,
		Sink:     fanout,
		Logger:   logger.With("component", "agent"),
	}, agent.Config{
		Marker:       cfg.Agent.Marker,
		DefaultModel: cfg.Model.Name,
		MaxSteps:     cfg.Agent.MaxSteps,
		OutputCap:    cfg.Model.OutputCap,
		OutputLimit:  cfg.Agent.OutputLimit,
		Policy:       policy,
	})
	dispatcher := api.NewDispatcher(ctx, engine, 0, logger.With("component", "dispatcher"))

	ttl := container.NewTTLWorker(repo, mgr, engine, container.TTLConfig{
		TargetTTL: cfg.Container.IdleTTL,
		Retention: cfg.Audit.Retention,
		ReplayTTL: cfg.SSE.ReplayTTL,
	}, func(sessionID string) {
		sm.CloseSession(sessionID)
		hub.Forget(sessionID)
	}, logger.With("component", "ttl"))
	ttl.SetReplayPruner(hub)
	ttl.Start(ctx)

	// Handlers.
	var history api.EventLister
	if cfg.Audit.Enabled {
		history = repo
	}
	origins := cfg.Origins()
	var limiter *api.RateLimiter
	if cfg.ActionRateLimit > 0 {
		limiter = api.NewRateLimiter(cfg.ActionRateLimit, time.Minute)
		defer limiter.Stop()
	}
	agentHandler := api.NewAgentHandler(engine, dispatcher, hub, history, api.AgentOptions{
		MaxBodySize:    cfg.MaxRequestBodySize,
		RetryDelay:     cfg.SSE.RetryDelay,
		Keepalive:      cfg.SSE.KeepaliveInterval,
		AllowedOrigins: origins,
		RateLimiter:    limiter,
	}, logger.With("component", "api"))
	targetHandler := api.NewTargetHandler(repo, mgr, sm, engine, api.TargetOptions{}, logger.With("component", "api"))
	healthHandler := api.NewHealthHandler(checks, 0, logger)
	wsHandler := terminal.NewWebSocketHandler(repo, mgr, sm, origins, logger.With("component", "terminal"))

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))

	healthHandler.RegisterHealth(r)
	agentHandler.RegisterRoutes(r)
	targetHandler.RegisterRoutes(r)
	r.Get("/ws/terminal", wsHandler.ServeHTTP)

	// SSE connections require no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	dispatcher.Wait()
	if err := fanout.Close(); err != nil {
		slog.Error("Failed to flush event sinks", "error", err)
	}
	return nil
}
