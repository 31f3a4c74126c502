package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nicole-mentor/nicole/internal/api"
	"github.com/nicole-mentor/nicole/internal/auth"
	"github.com/nicole-mentor/nicole/internal/chat"
	"github.com/nicole-mentor/nicole/internal/config"
	"github.com/nicole-mentor/nicole/internal/database"
	"github.com/nicole-mentor/nicole/internal/governance"
	"github.com/nicole-mentor/nicole/internal/governance/audit"
	"github.com/nicole-mentor/nicole/internal/governance/quota"
	"github.com/nicole-mentor/nicole/internal/llm"
	"github.com/nicole-mentor/nicole/internal/middleware"
	inats "github.com/nicole-mentor/nicole/internal/nats"
	iredis "github.com/nicole-mentor/nicole/internal/redis"
	"github.com/nicole-mentor/nicole/internal/server"
	"github.com/nicole-mentor/nicole/internal/users"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		return err
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// NATS (optional)
	var (
		natsClient     *inats.Client
		usagePublisher quota.UsagePublisher
		auditPublisher audit.EventPublisher
	)
	if cfg.NATS.URL != "" {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		publisher := inats.NewPublisher(natsClient.JetStream())
		usagePublisher = publisher
		auditPublisher = publisher
	}

	// Identity
	jwtManager := auth.NewJWTManager(
		cfg.JWT.AccessSecret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	authSvc := auth.NewService(jwtManager, redisClient)
	userSvc := users.NewService(users.NewRepository(pool))
	authHandler := auth.NewHandler(authSvc, userSvc)
	authLimiter := middleware.NewIPRateLimiter(redisClient, "auth",
		cfg.AuthRateLimit.MaxRequests, time.Duration(cfg.AuthRateLimit.WindowSec)*time.Second)

	// Governance
	auditRepo := audit.NewRepository(pool)
	auditSink := audit.NewSink(auditRepo, auditPublisher)
	quotaSvc := quota.NewService(quota.NewRepository(pool), cfg.Quota, usagePublisher)
	govHandler := governance.NewHandler(quotaSvc, auditRepo, auditSink)

	// Chat
	generator, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	historyCache := chat.NewHistoryCache(redisClient, cfg.Chat.MaxHistory, cfg.Chat.HistoryCacheTTL)
	chatSvc := chat.NewService(chat.NewRepository(pool), historyCache, quotaSvc, generator, auditSink,
		cfg.LLM.SystemPrompt, cfg.Chat.MaxHistory)
	chatHandler := chat.NewHandler(chatSvc)

	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		AuthRateLimiter:    authLimiter.Middleware,
		ReadinessChecks:    readinessChecks(pool, redisClient, natsClient),
	}, api.HandlerSet{
		Register: authHandler.Register,
		Login:    authHandler.Login,
		Refresh:  authHandler.Refresh,
		Logout:   authHandler.Logout,

		SendMessage:         chatHandler.Send,
		CreateSession:       chatHandler.CreateSession,
		ListSessions:        chatHandler.ListSessions,
		GetSession:          chatHandler.GetSession,
		UpdateSession:       chatHandler.UpdateSession,
		DeleteSession:       chatHandler.DeleteSession,
		SessionHistory:      chatHandler.History,
		AttachTag:           chatHandler.AttachTag,
		DetachTag:           chatHandler.DetachTag,
		ListTags:            chatHandler.ListTags,
		CreateTag:           chatHandler.CreateTag,
		DeleteTag:           chatHandler.DeleteTag,
		OwnershipMiddleware: chatHandler.OwnershipMiddleware,

		UsageStats:           govHandler.UsageStats,
		UsageCheck:           govHandler.UsageCheck,
		ListUsageEvents:      govHandler.ListUsageEvents,
		ExportUsage:          govHandler.ExportUsage,
		ListAuditLogs:        govHandler.ListAuditLogs,
		ListSessionAuditLogs: govHandler.ListSessionAuditLogs,

		AuthMiddleware: auth.Middleware(authSvc),
	})

	// The write deadline has to outlast a full model call plus bookkeeping.
	srv := server.New(cfg.Server, router, cfg.LLM.Timeout+15*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if natsClient != nil {
		consumer := audit.NewConsumer(auditRepo, inats.NewConsumerManager(natsClient.JetStream()))
		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func readinessChecks(pool *pgxpool.Pool, redisClient redis.Cmdable, natsClient *inats.Client) map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"database": func(ctx context.Context) error { return database.HealthCheck(ctx, pool) },
		"redis":    func(ctx context.Context) error { return iredis.HealthCheck(ctx, redisClient) },
		"nats":     nil,
	}
	if natsClient != nil {
		checks["nats"] = func(context.Context) error {
			if !natsClient.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	return checks
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
