package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(time.Minute, 2)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := l.Allow(ctx, " alice ")
	require.NoError(t, err)
	require.False(t, ok, "third send in window must be denied")

	ok, err = l.Allow(ctx, "Alice")
	require.NoError(t, err)
	require.True(t, ok, "user ids are case-sensitive")

	ok, err = l.Allow(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok, "new window resets the count")
}

func TestMemoryLimiterRejectsEmptyKey(t *testing.T) {
	ok, err := NewMemoryLimiter(time.Minute, 5).Allow(context.Background(), "  ")
	require.NoError(t, err)
	require.False(t, ok)
}

type mockRedisEvaler struct {
	lastScript string
	lastKeys   []string
	lastArgs   []interface{}
	result     int64
	err        error
}

func (m *mockRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.lastScript = script
	m.lastKeys = keys
	m.lastArgs = args
	cmd := redis.NewCmd(ctx)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	cmd.SetVal(m.result)
	return cmd
}

func TestRedisLimiterAllow(t *testing.T) {
	ctx := context.Background()

	t.Run("allow within max", func(t *testing.T) {
		mock := &mockRedisEvaler{result: 2}
		l := newRedisLimiter(mock, 2*time.Minute, 3)

		ok, err := l.Allow(ctx, " User-1 ")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []string{"chat:send:rl:User-1"}, mock.lastKeys)
		require.Equal(t, []interface{}{120}, mock.lastArgs)
		require.Equal(t, redisAllowScript, mock.lastScript)
	})

	t.Run("deny over max", func(t *testing.T) {
		ok, err := newRedisLimiter(&mockRedisEvaler{result: 4}, time.Minute, 3).Allow(ctx, "user-1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("empty key denied", func(t *testing.T) {
		ok, err := newRedisLimiter(&mockRedisEvaler{result: 1}, time.Minute, 3).Allow(ctx, " ")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("redis error surfaces", func(t *testing.T) {
		_, err := newRedisLimiter(&mockRedisEvaler{err: errors.New("redis down")}, time.Minute, 3).Allow(ctx, "user-1")
		require.Error(t, err)
	})
}
