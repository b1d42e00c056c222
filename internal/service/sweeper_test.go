package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/e2ee-identity/internal/errs"
)

func TestSweeper_Sweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old, p := e.signUp(t, newClient(t, "pw"), "alice")
	require.NoError(t, e.users.DeleteUser(ctx, p))

	e.clock.Advance(25 * time.Hour)
	fresh, p2 := e.signUp(t, newClient(t, "pw"), "bob")
	require.NoError(t, e.users.DeleteUser(ctx, p2))

	e.clock.Advance(30*24*time.Hour - time.Hour)
	NewSweeper(e.deps, e.users).Sweep(ctx)

	_, err := e.store.Get(ctx, old.Session.SessionID)
	require.ErrorIs(t, err, errs.ErrNotFound, "expired session removed")
	_, err = e.store.Get(ctx, fresh.Session.SessionID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.store.GetDeleted(ctx, old.UserID)
	require.ErrorIs(t, err, errs.ErrNotFound, "past retention: archived and purged")
	require.Contains(t, e.arch.put, old.UserID)

	_, err = e.store.GetDeleted(ctx, fresh.UserID)
	require.NoError(t, err, "within retention")
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(e.deps, e.users).Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
