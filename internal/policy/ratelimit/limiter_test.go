package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com/page"))
	}
}

func TestLimiterDelaysBeyondBurst(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 20, Burst: 1})
	ctx := context.Background()
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	require.NoError(t, l.Wait(ctx, "https://example.com/c"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterTracksHostsSeparately(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.01, Burst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://a.example/"))
	require.NoError(t, l.Wait(ctx, "https://b.example/"))
	require.Len(t, l.hosts, 2)
}

func TestLimiterHonorsCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.01, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://example.com/"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Wait(ctx, "https://example.com/next"))
}
