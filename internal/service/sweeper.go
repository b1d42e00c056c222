package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const purgeBatch = 100

// Sweeper removes expired sessions and archives users past the deleted retention.
type Sweeper struct {
	d     *Deps
	users UserService
}

func NewSweeper(d *Deps, users UserService) *Sweeper {
	return &Sweeper{d: d, users: users}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Sweep runs one pass. Failures are logged and retried on the next pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	log := s.d.log()
	now := s.d.now()

	n, err := s.d.Sessions.DeleteExpired(ctx, now)
	if err != nil {
		log.Error("delete expired sessions failed", zap.Error(err))
	} else if n > 0 {
		log.Info("expired sessions deleted", zap.Int64("count", n))
	}

	if s.d.Settings.DeletedUserRetention <= 0 {
		return
	}
	ids, err := s.d.Users.ListDeletedBefore(ctx, now.Add(-s.d.Settings.DeletedUserRetention), purgeBatch)
	if err != nil {
		log.Error("list deleted users failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		// PermanentDelete logs its own failures.
		_ = s.users.PermanentDelete(ctx, id)
	}
}
