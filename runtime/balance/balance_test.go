package balance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipevine/pipevine/runtime/balance"
	"github.com/pipevine/pipevine/runtime/store"
)

func newGate(t *testing.T, s store.Store) *balance.Gate {
	t.Helper()
	g, err := balance.New(balance.Options{Store: s})
	require.NoError(t, err)
	return g
}

func TestGateCheck(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMem()
	require.NoError(t, s.PutUser(ctx, &store.User{ID: "enforced-broke", Enforced: true, BalanceUSD: 0}))
	require.NoError(t, s.PutUser(ctx, &store.User{ID: "enforced-negative", Enforced: true, BalanceUSD: -0.3}))
	require.NoError(t, s.PutUser(ctx, &store.User{ID: "enforced-funded", Enforced: true, BalanceUSD: 2}))
	require.NoError(t, s.PutUser(ctx, &store.User{ID: "unenforced-broke", Enforced: false, BalanceUSD: 0}))

	g := newGate(t, s)

	require.ErrorIs(t, g.Check(ctx, "enforced-broke"), balance.ErrInsufficient)
	require.ErrorIs(t, g.Check(ctx, "enforced-negative"), balance.ErrInsufficient)
	require.NoError(t, g.Check(ctx, "enforced-funded"))
	require.NoError(t, g.Check(ctx, "unenforced-broke"))
	// Unknown users are unenforced.
	require.NoError(t, g.Check(ctx, "ghost"))
}

func TestGateDeduct(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMem()
	require.NoError(t, s.PutUser(ctx, &store.User{ID: "enforced", Enforced: true, BalanceUSD: 1}))
	require.NoError(t, s.PutUser(ctx, &store.User{ID: "unenforced", Enforced: false, BalanceUSD: 1}))

	g := newGate(t, s)

	require.NoError(t, g.Deduct(ctx, "enforced", 0.25))
	u, err := s.User(ctx, "enforced")
	require.NoError(t, err)
	require.InDelta(t, 0.75, u.BalanceUSD, 1e-9)

	// Zero and negative costs never reach the store.
	require.NoError(t, g.Deduct(ctx, "enforced", 0))
	require.NoError(t, g.Deduct(ctx, "enforced", -1))
	u, err = s.User(ctx, "enforced")
	require.NoError(t, err)
	require.InDelta(t, 0.75, u.BalanceUSD, 1e-9)

	// Unenforced users keep their balance.
	require.NoError(t, g.Deduct(ctx, "unenforced", 0.5))
	u, err = s.User(ctx, "unenforced")
	require.NoError(t, err)
	require.InDelta(t, 1, u.BalanceUSD, 1e-9)

	// Unknown users are a no-op.
	require.NoError(t, g.Deduct(ctx, "ghost", 0.5))
}

func TestGateRequiresStore(t *testing.T) {
	_, err := balance.New(balance.Options{})
	require.ErrorContains(t, err, "store is required")
}
