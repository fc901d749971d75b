package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one resource during shutdown. Registered functions
// run after the public listener has drained, in registration order, so the
// ops listener, the key cache, and the store client come down after the last
// in-flight request.
type ShutdownFunc func(context.Context) error

// ShutdownManager drains the public listener on SIGINT/SIGTERM and then
// releases registered resources, all inside one timeout budget.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	funcs []ShutdownFunc
}

// NewShutdownManager wires shutdown handling for the given listener. A zero
// timeout gets a 30 second default.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
	}
}

// RegisterShutdownFunc appends a cleanup step. Order of registration is the
// order of execution.
func (sm *ShutdownManager) RegisterShutdownFunc(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, fn)
}

// WaitForShutdown blocks until a termination signal arrives, then drains the
// listener and runs the cleanup steps. It returns the first error seen; the
// remaining steps still run so a failed one cannot strand the others.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	sm.logger.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var firstErr error

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("listener drain failed")
			firstErr = fmt.Errorf("listener drain failed: %w", err)
		}
	}

	sm.mu.Lock()
	funcs := sm.funcs
	sm.mu.Unlock()

	for i, fn := range funcs {
		if err := fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("step", i).Error("shutdown step failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			sm.logger.Warn("shutdown budget exhausted")
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			break
		}
	}

	if firstErr == nil {
		sm.logger.Info("shutdown complete")
	}
	return firstErr
}
