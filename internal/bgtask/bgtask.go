// Package bgtask runs detached best-effort work outside the request's cancellation scope.
package bgtask

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner starts tasks on their own context with a timeout and logs failures.
type Runner struct {
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func New(log *zap.Logger, timeout time.Duration) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{log: log, timeout: timeout}
}

// Go runs fn in the background. Values from ctx are kept, cancellation is not.
// Errors and panics are logged, never returned.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	taskCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("background task panic", zap.String("task", name), zap.Any("panic", rec))
			}
		}()
		c, cancel := context.WithTimeout(taskCtx, r.timeout)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			r.log.Warn("background task failed",
				zap.String("task", name),
				zap.Duration("dur", time.Since(start)),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every started task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
