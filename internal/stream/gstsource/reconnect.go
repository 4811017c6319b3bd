package gstsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff.
type ReconnectConfig struct {
	MaxRetries    int           // default 5
	RetryDelay    time.Duration // initial delay, default 1s
	MaxRetryDelay time.Duration // cap, default 30s
}

// DefaultReconnectConfig returns the default reconnection configuration.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// reconnectState tracks reconnection attempts.
type reconnectState struct {
	currentRetries int
	reconnects     *uint32 // total attempts, atomic
}

// sessionFunc runs one pipeline session. It returns nil on graceful
// shutdown and an error when the pipeline failed and should be rebuilt.
// It calls healthy once the pipeline reaches PLAYING.
type sessionFunc func(ctx context.Context, healthy func()) error

// runWithReconnect runs fn until ctx is cancelled, rebuilding after each
// failure with exponential backoff (1s, 2s, 4s ... capped). The retry
// counter resets whenever a session reaches PLAYING.
func runWithReconnect(ctx context.Context, fn sessionFunc, cfg ReconnectConfig, state *reconnectState) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := fn(ctx, func() {
			if state.currentRetries > 0 {
				slog.Info("stream: pipeline recovered", "after_retries", state.currentRetries)
			}
			state.currentRetries = 0
		})
		if err == nil || ctx.Err() != nil {
			return nil
		}

		slog.Error("stream: pipeline session failed", "error", err)

		state.currentRetries++
		atomic.AddUint32(state.reconnects, 1)

		if state.currentRetries > cfg.MaxRetries {
			return fmt.Errorf("stream: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(state.currentRetries, cfg)

		slog.Warn("stream: retrying pipeline",
			"attempt", state.currentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
