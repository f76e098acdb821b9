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

	"github.com/ghilp934/Decisionproof/internal/api"
	"github.com/ghilp934/Decisionproof/internal/auth"
	"github.com/ghilp934/Decisionproof/internal/config"
	"github.com/ghilp934/Decisionproof/internal/metrics"
	"github.com/ghilp934/Decisionproof/internal/objstore"
	"github.com/ghilp934/Decisionproof/internal/quota"
	"github.com/ghilp934/Decisionproof/internal/runs"
	"github.com/ghilp934/Decisionproof/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Convenience for local dev: load .env if present (does not override existing env vars).
	if os.Getenv("ENV") != "production" {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	met := metrics.New()

	st := buildStore(ctx, cfg, logger, met)

	var objects objstore.ObjectStore
	if cfg.ResultBucket != "" {
		s3store, err := objstore.NewS3(ctx, cfg.ResultBucket, cfg.ResultRegion, cfg.ResultEndpoint)
		if err != nil {
			slog.Error("object store init error", "err", err)
			os.Exit(1)
		}
		objects = s3store
	} else {
		slog.Warn("RESULT_BUCKET not set, results are delivered inline only")
	}

	salt := cfg.ActorKeySalt
	if salt == "" {
		// config.Load rejects this in production.
		slog.Warn("ACTOR_KEY_SALT not set, actor keys will not survive a redeploy")
		salt = "dev-insecure-salt"
	}
	actors, err := auth.NewDeriver(salt)
	if err != nil {
		slog.Error("actor key derivation error", "err", err)
		os.Exit(1)
	}

	engine := quota.NewEngine(st, nil)
	runsSvc := runs.NewService(st, objects, logger,
		runs.WithPresignTTL(cfg.PresignTTL),
		runs.WithTransitionHook(func(state string) {
			met.RunTransitions.WithLabelValues(state).Inc()
		}),
	)

	srv := api.NewServer(auth.NewGate(cfg.ProxySecret, cfg.SharedToken), actors, engine, runsSvc, met)
	defer srv.Close()

	go runExpirySweeper(ctx, logger, runsSvc, cfg.SweepInterval, func(n int64) {
		met.RunsSwept.Add(float64(n))
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

// buildStore wires the counter store: Redis fronted by an in-process
// fallback when configured, the in-process store alone otherwise.
func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger, met *metrics.Metrics) store.Store {
	mem := store.NewMemory(nil)

	if cfg.RedisAddr == "" {
		slog.Warn("REDIS_ADDR not set, using in-process counter store")
		return mem
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unreachable at startup, failover will serve until it recovers", "err", err)
	}

	fo := store.NewFailover(store.NewRedis(client), mem, logger)
	fo.OnDegrade = func(op string) {
		met.StoreDegradation.WithLabelValues(op).Inc()
	}
	return fo
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
