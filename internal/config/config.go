package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env        string
	ListenAddr string
	LogLevel   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ProxySecret  string
	SharedToken  string
	ActorKeySalt string

	ResultBucket   string
	ResultRegion   string
	ResultEndpoint string
	PresignTTL     time.Duration
	SweepInterval  time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		Env:        getenvDefault("ENV", "development"),
		ListenAddr: getenvDefault("LISTEN_ADDR", ":8080"),
		LogLevel:   getenvDefault("LOG_LEVEL", "info"),

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		ProxySecret:  strings.TrimSpace(os.Getenv("PROXY_SECRET")),
		SharedToken:  strings.TrimSpace(os.Getenv("SHARED_TOKEN")),
		ActorKeySalt: strings.TrimSpace(os.Getenv("ACTOR_KEY_SALT")),

		ResultBucket:   strings.TrimSpace(os.Getenv("RESULT_BUCKET")),
		ResultRegion:   getenvDefault("RESULT_REGION", "ap-northeast-2"),
		ResultEndpoint: strings.TrimSpace(os.Getenv("RESULT_ENDPOINT")),
	}

	redisDBStr := getenvDefault("REDIS_DB", "0")
	redisDB, err := strconv.Atoi(redisDBStr)
	if err != nil || redisDB < 0 || redisDB > 15 {
		return Config{}, fmt.Errorf("invalid REDIS_DB %q", redisDBStr)
	}
	cfg.RedisDB = redisDB

	presignStr := getenvDefault("PRESIGN_TTL_SECONDS", "600")
	presign, err := strconv.Atoi(presignStr)
	if err != nil || presign <= 0 || presign > 3600 {
		return Config{}, fmt.Errorf("invalid PRESIGN_TTL_SECONDS %q", presignStr)
	}
	cfg.PresignTTL = time.Duration(presign) * time.Second

	sweepStr := getenvDefault("SWEEP_INTERVAL_SECONDS", "60")
	sweep, err := strconv.Atoi(sweepStr)
	if err != nil || sweep <= 0 {
		return Config{}, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %q", sweepStr)
	}
	cfg.SweepInterval = time.Duration(sweep) * time.Second

	// Requests are rejected with 503 when the proxy secret is unset, but
	// production must not boot into that state at all.
	if cfg.Env == "production" {
		if cfg.ProxySecret == "" {
			return Config{}, errors.New("PROXY_SECRET is required in production")
		}
		if cfg.ActorKeySalt == "" {
			return Config{}, errors.New("ACTOR_KEY_SALT is required in production")
		}
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
