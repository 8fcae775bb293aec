package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when registered hooks outlive the timeout.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// GracefulShutdown runs registered close hooks in reverse order of
// registration within a deadline.
type GracefulShutdown struct {
	mu      sync.Mutex
	hooks   []namedHook
	timeout time.Duration
	logger  *zap.Logger
}

type namedHook struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a shutdown manager.
func NewGracefulShutdown(timeout time.Duration, logger *zap.Logger) *GracefulShutdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger.Named("shutdown"),
	}
}

// Register adds a close hook.
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, namedHook{name: name, fn: fn})
}

// Shutdown runs every hook, last registered first, and returns their
// combined errors. Hooks still running at the deadline are abandoned.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	hooks := append([]namedHook(nil), g.hooks...)
	g.hooks = nil
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", zap.Int("components", len(hooks)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs error
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i].fn(); err != nil {
				g.logger.Error("Shutdown hook failed", zap.String("hook", hooks[i].name), zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
		done <- errs
	}()

	select {
	case err := <-done:
		g.logger.Info("Graceful shutdown complete")
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out", zap.Duration("timeout", g.timeout))
		return ErrShutdownTimeout
	}
}
