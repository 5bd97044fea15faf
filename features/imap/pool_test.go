package imap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipevine/pipevine/features/imap"
)

func TestPoolLimitsPerUser(t *testing.T) {
	p := imap.NewPool(1)
	ctx := context.Background()

	release, err := p.Acquire(ctx, "alice")
	require.NoError(t, err)

	// The single slot is taken; a second acquire times out.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(short, "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Other users have their own slots.
	releaseBob, err := p.Acquire(ctx, "bob")
	require.NoError(t, err)
	releaseBob()

	release()
	release2, err := p.Acquire(ctx, "alice")
	require.NoError(t, err)
	release2()
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	p := imap.NewPool(1)
	ctx := context.Background()

	release, err := p.Acquire(ctx, "alice")
	require.NoError(t, err)
	release()
	release()

	// Double release freed exactly one slot.
	release2, err := p.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer release2()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(short, "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSharedPool(t *testing.T) {
	a := imap.SharedPool(3)
	b := imap.SharedPool(7)
	require.Same(t, a, b)
}
