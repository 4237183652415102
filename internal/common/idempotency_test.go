package common_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hospital-opd/internal/common"
)

func TestIdempotencyRejectsReplayPerCaller(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	calls := 0
	h := common.Idem{R: rdb, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))

	send := func(mobile, key string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/flows", nil)
		req = req.WithContext(common.WithMobileNumber(req.Context(), mobile))
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusAccepted, send("9876543210", "k1"))
	require.Equal(t, http.StatusConflict, send("9876543210", "k1"))
	require.Equal(t, http.StatusAccepted, send("1234567890", "k1"))
	require.Equal(t, http.StatusAccepted, send("9876543210", ""))
	require.Equal(t, http.StatusAccepted, send("9876543210", ""))
	require.Equal(t, 4, calls)
}
