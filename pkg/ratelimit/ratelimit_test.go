package ratelimit_test

import (
	"context"
	"testing"

	"github.com/agentsec/broker/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLimiter_AllowsWithinBurst(t *testing.T) {
	l := ratelimit.NewInMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := l.Allow(ctx, "actor-1", 5)
		require.NoError(t, err)
		assert.True(t, allowed, "call %d", i)
	}

	allowed, err := l.Allow(ctx, "actor-1", 5)
	require.NoError(t, err)
	assert.False(t, allowed, "burst exceeded should deny")
}

func TestInMemoryLimiter_SeparateKeysIndependent(t *testing.T) {
	l := ratelimit.NewInMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "actor-a", 3)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, err := l.Allow(ctx, "actor-b", 3)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCheck_NoLimiterFailsClosed(t *testing.T) {
	err := ratelimit.Check(context.Background(), nil, "actor-1", 5)
	assert.ErrorIs(t, err, ratelimit.ErrNoLimiter)
}

func TestCheck_WrapsDenial(t *testing.T) {
	l := ratelimit.NewInMemoryLimiter()
	ctx := context.Background()
	require.NoError(t, ratelimit.Check(ctx, l, "actor-1", 1))
	err := ratelimit.Check(ctx, l, "actor-1", 1)
	assert.Error(t, err)
}
