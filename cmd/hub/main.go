package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/hub/internal/acl"
	"github.com/agentmesh/hub/internal/api"
	"github.com/agentmesh/hub/internal/auth"
	"github.com/agentmesh/hub/internal/config"
	"github.com/agentmesh/hub/internal/contracts"
	"github.com/agentmesh/hub/internal/federation"
	"github.com/agentmesh/hub/internal/orchestrator"
	"github.com/agentmesh/hub/internal/presence"
	"github.com/agentmesh/hub/internal/ratelimit"
	"github.com/agentmesh/hub/internal/reputation"
	"github.com/agentmesh/hub/internal/router"
	"github.com/agentmesh/hub/internal/store"
)

func main() {
	godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(log)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store: Postgres when configured, in-memory for local dev.
	var st store.Store
	var pinger interface{ Ping(context.Context) error }
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		pinger = pg
		log.Info("store ready", "backend", "postgres")
	} else {
		st = store.NewMemStore()
		log.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Rate limiting: Redis when configured, fail-open otherwise.
	var counter ratelimit.Counter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable at boot, limiter will fail open", "error", err)
		}
		counter = &ratelimit.RedisCounter{Client: rdb}
		log.Info("rate limiter ready", "backend", "redis")
	} else {
		log.Warn("REDIS_ADDR not set, rate limiting disabled")
	}
	limiter := ratelimit.New(counter, log)

	registry := presence.NewRegistry(log)

	evaluator := acl.NewEvaluator(st, log)
	evaluator.FederationDefaultAllow = cfg.Federation.DefaultAllow

	signer := federation.NewSigner(cfg.Federation.SharedSecret, cfg.HMACRequired(), log)
	fedClient := federation.NewClient(signer, cfg.FederationTimeout(), log)
	bridge := federation.NewBridge(st, registry, evaluator, fedClient, cfg.Federation.Domain, log)

	authn := auth.NewAuthenticator(st, nil)

	rt := router.New(st, registry, evaluator, limiter, authn, fedClient, router.Config{
		OrgLimitPerMin: cfg.A2A.OrgRateLimitPerMin,
		LocalDomain:    cfg.Federation.Domain,
	}, log)

	repEngine := reputation.NewEngine(st,
		time.Duration(cfg.Reputation.RecalcIntervalSecs)*time.Second, log)

	contractEngine := contracts.NewEngine(st, registry, repEngine, contracts.Config{
		SweepInterval:       time.Duration(cfg.Contracts.SweepIntervalSecs) * time.Second,
		BiddingWindow:       time.Duration(cfg.Contracts.BiddingWindowSecs) * time.Second,
		NoBidExpiry:         time.Duration(cfg.Contracts.NoBidExpirySecs) * time.Second,
		MaxExecutionWindow:  time.Duration(cfg.Contracts.ExecutionWindowMin) * time.Minute,
		ValidationThreshold: cfg.Contracts.ValidationThreshold,
	}, log)

	orchEngine := orchestrator.NewEngine(st, registry, orchestrator.KeywordAnalyzer{},
		&orchestrator.ContractExecutor{Engine: contractEngine, Store: st, IssuerID: "orchestrator"},
		orchestrator.DefaultEngineConfig(), log)

	go contractEngine.Run(ctx)
	go repEngine.Run(ctx)

	srv := &api.Server{
		Store:        st,
		Auth:         authn,
		Router:       rt,
		Contracts:    contractEngine,
		Bridge:       bridge,
		Signer:       signer,
		Orchestrator: orchEngine,
		Registry:     registry,
		Evaluator:    evaluator,
		Reputation:   repEngine,
		Log:          log,
		Pinger:       pinger,
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpSrv.Addr, "domain", cfg.Federation.Domain)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
