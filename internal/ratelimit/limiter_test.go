package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSlidingWindowTake(t *testing.T) {
	limiter := SlidingWindow{Client: newRedis(t), Prefix: "test:", Window: 2 * time.Second, Max: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Take(ctx, "key")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, 1-i, res.Remaining)
	}
	res, err := limiter.Take(ctx, "key")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
}

func TestFixedTakePerKey(t *testing.T) {
	limiter, err := NewFixed("2-M", NewMemoryStore())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Take(ctx, "otp:send:9876543210")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := limiter.Take(ctx, "otp:send:9876543210")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 2, res.Limit)

	res, err = limiter.Take(ctx, "otp:send:9000000000")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestFixedWithRedisStore(t *testing.T) {
	store, err := NewRedisStore(newRedis(t), "limiter")
	require.NoError(t, err)
	limiter, err := NewFixed("1-H", store)
	require.NoError(t, err)

	res, err := limiter.Take(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = limiter.Take(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestNewFixedRejectsBadRate(t *testing.T) {
	_, err := NewFixed("often", NewMemoryStore())
	require.Error(t, err)
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	handler := Handler{
		Limiter: SlidingWindow{Client: newRedis(t), Prefix: "ratelimit:", Window: time.Second, Max: 1},
		Key:     ByClientIP("otp:"),
	}
	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/otp/send", nil)
	rr1 := httptest.NewRecorder()
	counted.ServeHTTP(rr1, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rr1.Code)

	rr2 := httptest.NewRecorder()
	counted.ServeHTTP(rr2, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Equal(t, "1", rr2.Header().Get("X-RateLimit-Limit"))
	require.Contains(t, rr2.Body.String(), "RATE_LIMITED")
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	called := false
	handler := Handler{
		Limiter: SlidingWindow{Client: client, Prefix: "ratelimit:", Window: time.Second, Max: 1},
		Key:     func(*http.Request) string { return "err" },
		OnError: func(error) { called = true },
	}
	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	counted.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, called)
}
