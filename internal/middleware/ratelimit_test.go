package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/service"
	"walletrelay/backend/internal/storage/memory"
)

func newLimitedRouter(t *testing.T, limit config.RouteLimit) (*gin.Engine, *service.AbuseTracker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	abuse := service.NewAbuseTracker(store, config.AbuseConfig{
		Window:    10 * time.Minute,
		Threshold: 3,
		BlockBase: time.Minute,
		BlockMax:  time.Hour,
	}, nil)

	limiter := NewRateLimiter(store, abuse, nil)
	gate := NewBlockGate(abuse, nil)

	router := gin.New()
	router.GET("/ping",
		gate.Guard("ping"),
		limiter.Limit("ping", limit),
		func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return router, abuse
}

func doRequest(router *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter(t *testing.T) {
	t.Run("窗口内未超限的请求放行并带余量响应头", func(t *testing.T) {
		router, _ := newLimitedRouter(t, config.RouteLimit{Max: 3, Window: time.Minute})

		for i := 0; i < 3; i++ {
			w := doRequest(router)
			require.Equal(t, http.StatusOK, w.Code)
		}

		w := doRequest(router)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
	})

	t.Run("反复触限升级为临时封禁", func(t *testing.T) {
		router, _ := newLimitedRouter(t, config.RouteLimit{Max: 1, Window: time.Minute})

		// 第一次放行，之后每次都是一次滥用事件
		require.Equal(t, http.StatusOK, doRequest(router).Code)
		for i := 0; i < 3; i++ {
			require.Equal(t, http.StatusTooManyRequests, doRequest(router).Code)
		}

		// 达到阈值后封禁生效，请求被闸门拦截而不再计入限流窗口
		w := doRequest(router)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "temporarily_blocked")
	})

	t.Run("解除封禁后恢复正常限流", func(t *testing.T) {
		router, abuse := newLimitedRouter(t, config.RouteLimit{Max: 1, Window: time.Minute})

		require.Equal(t, http.StatusOK, doRequest(router).Code)
		for i := 0; i < 3; i++ {
			doRequest(router)
		}
		require.Contains(t, doRequest(router).Body.String(), "temporarily_blocked")

		require.NoError(t, abuse.Unblock("ip", "203.0.113.9"))

		w := doRequest(router)
		assert.Contains(t, w.Body.String(), "rate_limited")
	})
}
