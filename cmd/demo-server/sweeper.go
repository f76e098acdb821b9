package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const expirySweepTimeout = 10 * time.Second

type expirySweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// runExpirySweeper tombstones expired runs on a fixed cadence until ctx is
// cancelled. onSwept, when non-nil, receives the per-pass count.
func runExpirySweeper(
	ctx context.Context,
	logger *slog.Logger,
	sweeper expirySweeper,
	interval time.Duration,
	onSwept func(count int64),
) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Error("expiry sweeper disabled: interval must be positive", "interval", interval)
		return
	}

	// Run once at startup so long-lived processes do not wait an entire tick
	// before tombstoning expired runs.
	runExpirySweepOnce(ctx, logger, sweeper, onSwept)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runExpirySweepOnce(ctx, logger, sweeper, onSwept)
		}
	}
}

func runExpirySweepOnce(
	ctx context.Context,
	logger *slog.Logger,
	sweeper expirySweeper,
	onSwept func(count int64),
) {
	if ctx.Err() != nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, expirySweepTimeout)
	defer cancel()

	swept, err := sweeper.SweepExpired(cctx)
	if err != nil {
		// Shutdown/timeout cancellation is expected; avoid noisy logs.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Error("expiry sweep failed", "err", err)
		return
	}
	if swept > 0 {
		if onSwept != nil {
			onSwept(swept)
		}
		logger.Info("expired runs tombstoned", "count", swept)
	}
}
