package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/review-points-service/internal/config"
)

const secret = "test-secret"

func token(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func whoami(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"user_id": c.Get(KeyUserID),
		"subject": c.Get(KeySubject),
		"role":    c.Get(KeyRole),
	})
}

func serve(e *echo.Echo, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret))

	rec := serve(e, http.MethodGet, "/me", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42", "role": "user"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":42,"subject":"42","role":"USER"}`, rec.Body.String())

	// numeric subject
	rec = serve(e, http.MethodGet, "/me", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": 7, "role": "SUPPORT"}))
	assert.JSONEq(t, `{"user_id":7,"subject":"7","role":"SUPPORT"}`, rec.Body.String())

	// service tokens have no user id
	rec = serve(e, http.MethodGet, "/me", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "review-service", "role": "service"}))
	assert.JSONEq(t, `{"user_id":null,"subject":"review-service","role":"SERVICE"}`, rec.Body.String())
}

func TestJWTAuthRejects(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret))

	expired := token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1", "exp": time.Now().Add(-time.Minute).Unix()})
	noExp := func() string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1"}).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}()
	wrongAlg := token(t, jwt.SigningMethodHS384, jwt.MapClaims{"sub": "1"})
	noSub := token(t, jwt.SigningMethodHS256, jwt.MapClaims{"role": "USER"})

	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/me", "").Code)
	for name, tok := range map[string]string{"expired": expired, "no exp": noExp, "alg": wrongAlg, "no sub": noSub, "garbage": "a.b.c"} {
		assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/me", tok).Code, name)
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.GET("/admin", whoami, JWTAuth(secret), RequireRole(RoleSupport, "service"))

	assert.Equal(t, http.StatusOK,
		serve(e, http.MethodGet, "/admin", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "role": "SERVICE"})).Code)
	assert.Equal(t, http.StatusForbidden,
		serve(e, http.MethodGet, "/admin", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1", "role": "USER"})).Code)
	assert.Equal(t, http.StatusForbidden,
		serve(e, http.MethodGet, "/admin", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1"})).Code)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestTokenBucket(t *testing.T) {
	_, rdb := newRedis(t)
	cfg := config.RateLimitConfig{
		Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour,
		TTL: time.Hour, KeyStrategy: "ip", Prefix: "test:rl",
	}
	e := echo.New()
	e.GET("/board", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, NewTokenBucket(cfg, rdb))

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/board", "").Code)
	rec := serve(e, http.MethodGet, "/board", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = serve(e, http.MethodGet, "/board", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
}

func TestTokenBucketFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer rdb.Close()
	cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute}
	e := echo.New()
	e.GET("/board", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, NewTokenBucket(cfg, rdb))
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/board", "").Code)
	}
}

func TestRedisCache(t *testing.T) {
	_, rdb := newRedis(t)
	cfg := config.CacheConfig{
		Enabled: true, Methods: map[string]bool{http.MethodGet: true}, TTL: time.Minute,
		KeyStrategy: "route_query", Prefix: "test:cache", MaxBodyBytes: 1 << 10,
	}
	calls := 0
	e := echo.New()
	e.GET("/board/:state", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusOK, echo.Map{"state": c.Param("state"), "calls": calls})
	}, NewRedisCache(cfg, rdb))

	first := serve(e, http.MethodGet, "/board/CA?limit=5", "")
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	second := serve(e, http.MethodGet, "/board/CA?limit=5", "")
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, first.Header().Get(echo.HeaderContentType), second.Header().Get(echo.HeaderContentType))

	assert.Equal(t, "MISS", serve(e, http.MethodGet, "/board/NY?limit=5", "").Header().Get("X-Cache"))
	assert.Equal(t, "MISS", serve(e, http.MethodGet, "/board/CA?limit=6", "").Header().Get("X-Cache"))

	req := httptest.NewRequest(http.MethodGet, "/board/CA?limit=5", nil)
	req.Header.Set("Cache-Control", "no-cache")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, 4, calls)
}

func TestRedisCacheSkipsErrors(t *testing.T) {
	_, rdb := newRedis(t)
	cfg := config.CacheConfig{Enabled: true, Methods: map[string]bool{http.MethodGet: true}, TTL: time.Minute, Prefix: "p"}
	e := echo.New()
	e.GET("/x", func(c echo.Context) error {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "down"})
	}, NewRedisCache(cfg, rdb))
	serve(e, http.MethodGet, "/x", "")
	assert.Equal(t, "MISS", serve(e, http.MethodGet, "/x", "").Header().Get("X-Cache"))
}

func TestPayloadRoundTrip(t *testing.T) {
	h := http.Header{"Content-Type": {"application/json"}}
	bs, err := encodePayload(http.StatusOK, h, []byte(`{"a":1}`))
	require.NoError(t, err)
	status, hdr, body, ok := decodePayload(bs)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, h, hdr)
	assert.Equal(t, `{"a":1}`, string(body))

	_, _, _, ok = decodePayload(bs[:6])
	assert.False(t, ok)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.GET("/me", func(c echo.Context) error {
		zerolog.Ctx(c.Request().Context()).Info().Msg("inside")
		return echo.NewHTTPError(http.StatusTeapot, "short and stout")
	}, RequestLogger(zerolog.New(&buf)))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	out := buf.String()
	assert.Contains(t, out, `"message":"inside"`)
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"subject":"guest"`)
}
