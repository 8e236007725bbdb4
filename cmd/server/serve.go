package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"resonance/internal/audit"
	"resonance/internal/cache"
	"resonance/internal/classifier"
	"resonance/internal/config"
	"resonance/internal/flags"
	"resonance/internal/gemini"
	"resonance/internal/handler"
	"resonance/internal/housekeeping"
	"resonance/internal/llm"
	"resonance/internal/media"
	"resonance/internal/openrouter"
	"resonance/internal/ratelimit"
	"resonance/internal/repository"
	"resonance/internal/service"
	"resonance/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		return serve(cmd.Context(), cfg, logger)
	},
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting Resonance...")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize repository
	store, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer store.Close()

	limiter, sweeper, closeLimiter := newLimiter(ctx, cfg, logger)
	defer closeLimiter()

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier backend: %w", err)
	}
	defer backend.Close()

	var flagSource flags.Source
	fileFlags, err := flags.Watch(ctx, cfg.Flags.Path, cfg.DefaultFlags(), logger)
	if err != nil {
		logger.Warn("Classifier flags file unavailable, using static defaults",
			zap.String("path", cfg.Flags.Path), zap.Error(err))
		flagSource = flags.Static(cfg.DefaultFlags())
	} else {
		flagSource = fileFlags
	}

	auditLog, err := audit.Open(cfg.Audit.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	gateway := classifier.NewGateway(
		backend,
		media.NewFetcher(media.Config{
			MaxBytes:             cfg.Media.MaxBytes,
			Timeout:              cfg.Media.Timeout,
			Root:                 cfg.Media.Root,
			AllowedHosts:         cfg.Media.AllowedHosts,
			AllowPrivateNetworks: cfg.Media.AllowPrivateNetworks,
		}),
		cache.Open(cfg.Cache.Path, logger),
		auditLog,
		flagSource,
		classifier.Config{Retry: cfg.RetryPolicy(), RequestTimeout: cfg.Classifier.RequestTimeout},
		logger,
	)

	engine := service.NewEngine(limiter, gateway, store, logger)

	issuer, err := session.NewIssuer(sessionSecret(cfg, logger), cfg.Session.TTL)
	if err != nil {
		return err
	}
	var throttle *session.Throttle
	if cfg.Session.DailyLimit > 0 {
		throttle = session.NewThrottle(store, cfg.Session.DailyLimit)
	}

	jobs, err := housekeeping.NewService(housekeeping.Config{
		SweepSchedule:  cfg.RateLimit.SweepSchedule,
		ReportSchedule: cfg.Housekeeping.ReportSchedule,
	}, sweeper, store, logger)
	if err != nil {
		return err
	}
	jobs.Start(ctx)

	// Setup Gin router
	router, err := handler.NewRouter(cfg.Server.Mode, cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	handler.NewHandler(engine, issuer, throttle, cfg.Server.SecureCookie, logger).RegisterRoutes(router)

	// Start server
	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("Resonance is running",
		zap.String("address", serverAddr),
		zap.String("provider", backend.Name()),
		zap.String("database", cfg.Database.Driver))

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	jobs.Stop()

	logger.Info("Server exited")
	return nil
}

// newLimiter returns the Redis limiter when configured, else the in-memory one (which is also the sweeper)
func newLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, ratelimit.Sweeper, func()) {
	limits := ratelimit.Config{Window: cfg.RateLimit.Window, Capacity: cfg.RateLimit.Capacity}

	if cfg.Redis.Addr == "" {
		memory := ratelimit.NewMemory(limits)
		logger.Info("Rate limiter initialized", zap.String("backend", "memory"))
		return memory, memory, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Admission fails open while Redis is unreachable
		logger.Warn("Redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	logger.Info("Rate limiter initialized", zap.String("backend", "redis"), zap.String("addr", cfg.Redis.Addr))

	return ratelimit.NewRedis(rdb, cfg.Redis.Prefix, limits), nil, func() { rdb.Close() }
}

func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (llm.Backend, error) {
	primary, err := newProvider(ctx, config.Provider{
		Provider:          cfg.Classifier.Provider,
		APIKey:            cfg.Classifier.APIKey,
		BaseURL:           cfg.Classifier.BaseURL,
		RequestsPerMinute: cfg.Classifier.RequestsPerMinute,
	}, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Classifier.Fallbacks) == 0 {
		return primary, nil
	}

	members := []llm.Member{{Backend: primary}}
	for i, fb := range cfg.Classifier.Fallbacks {
		backend, err := newProvider(ctx, fb, logger)
		if err != nil {
			logger.Error("Failed to create fallback provider",
				zap.String("provider", fb.Provider),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		members = append(members, llm.Member{Backend: backend, TextModel: fb.TextModel, ImageModel: fb.ImageModel})
	}

	return llm.NewFailover(members, cfg.Classifier.MaxFailuresBeforeSwitch, logger)
}

func newProvider(ctx context.Context, p config.Provider, logger *zap.Logger) (llm.Backend, error) {
	var backend llm.Backend

	switch p.Provider {
	case "openrouter":
		client, err := openrouter.NewClient(openrouter.Config{APIKey: p.APIKey, BaseURL: p.BaseURL}, logger)
		if err != nil {
			return nil, err
		}
		backend = client
	default:
		client, err := gemini.NewClient(ctx, gemini.Config{APIKey: p.APIKey}, logger)
		if err != nil {
			return nil, err
		}
		backend = client
	}

	return llm.NewRateLimitedBackend(backend, p.RequestsPerMinute, logger), nil
}

func sessionSecret(cfg *config.Config, logger *zap.Logger) string {
	if cfg.Session.Secret != "" {
		return cfg.Session.Secret
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logger.Fatal("Failed to generate session secret", zap.Error(err))
	}
	logger.Warn("session.secret not set, generated an ephemeral one; sessions will not survive a restart")
	return hex.EncodeToString(buf)
}
