package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/bus-ticketing/internal/config"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

const secret = "test-secret"

func sign(t *testing.T, claims Claims, method jwt.SigningMethod) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func claimsFor(sub, role string, ttl time.Duration) Claims {
	return Claims{
		Email: sub + "@example.com",
		Name:  sub,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func serve(e *echo.Echo, method, target, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func whoami(c echo.Context) error {
	id, _ := IdentityFrom(c)
	return c.JSON(http.StatusOK, echo.Map{"id": id.ID, "role": id.Role, "hasBearer": id.Bearer != ""})
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret))

	rec := serve(e, http.MethodGet, "/me", sign(t, claimsFor("u-1", "customer", time.Hour), jwt.SigningMethodHS256))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["id"] != "u-1" || body["role"] != "customer" || body["hasBearer"] != true {
		t.Fatalf("identity = %v", body)
	}

	cases := map[string]string{
		"missing":    "",
		"garbage":    "not-a-jwt",
		"expired":    sign(t, claimsFor("u-1", "", -time.Minute), jwt.SigningMethodHS256),
		"wrong alg":  sign(t, claimsFor("u-1", "", time.Hour), jwt.SigningMethodHS512),
		"no subject": sign(t, claimsFor("", "", time.Hour), jwt.SigningMethodHS256),
		"no expiry":  sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"}}, jwt.SigningMethodHS256),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(e, http.MethodGet, "/me", tok)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rec.Code)
			}
			if b := decode(t, rec); b["code"] != "UNAUTHORIZED" || b["success"] != false {
				t.Fatalf("body = %v", b)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.GET("/admin", whoami, JWTAuth(secret), RequireRole("admin"))

	if rec := serve(e, http.MethodGet, "/admin", sign(t, claimsFor("u-1", "customer", time.Hour), jwt.SigningMethodHS256)); rec.Code != http.StatusForbidden {
		t.Fatalf("customer status = %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/admin", sign(t, claimsFor("u-2", "ADMIN", time.Hour), jwt.SigningMethodHS256)); rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d", rec.Code)
	}
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
		Enabled:        true,
		Capacity:       2,
		RefillTokens:   1,
		RefillInterval: time.Hour,
		TTL:            time.Hour,
		KeyStrategy:    "user_route",
		Prefix:         "test:rl",
	}
	e := echo.New()
	e.POST("/bookings/reserve", whoami, JWTAuth(secret), NewTokenBucket(cfg, rdb))
	alice := sign(t, claimsFor("alice", "", time.Hour), jwt.SigningMethodHS256)
	bob := sign(t, claimsFor("bob", "", time.Hour), jwt.SigningMethodHS256)

	for i := 0; i < 2; i++ {
		if rec := serve(e, http.MethodPost, "/bookings/reserve", alice); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := serve(e, http.MethodPost, "/bookings/reserve", alice)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if b := decode(t, rec); b["code"] != "RATE_LIMITED" {
		t.Fatalf("body = %v", b)
	}
	if rec := serve(e, http.MethodPost, "/bookings/reserve", bob); rec.Code != http.StatusOK {
		t.Fatalf("other user limited: %d", rec.Code)
	}
}

func TestTokenBucketFailsOpen(t *testing.T) {
	mr, rdb := newRedis(t)
	cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Hour, TTL: time.Hour, Prefix: "test:rl"}
	e := echo.New()
	e.GET("/x", whoami, NewTokenBucket(cfg, rdb))
	mr.Close()
	for i := 0; i < 3; i++ {
		if rec := serve(e, http.MethodGet, "/x", ""); rec.Code != http.StatusOK {
			t.Fatalf("status = %d with redis down", rec.Code)
		}
	}
}

func TestRedisCache(t *testing.T) {
	_, rdb := newRedis(t)
	cfg := config.CacheConfig{
		Enabled:     true,
		Methods:     map[string]bool{http.MethodGet: true},
		TTL:         time.Minute,
		KeyStrategy: "route_query",
		Prefix:      "test:cache",
	}
	calls := 0
	e := echo.New()
	e.GET("/schedules/:id/seats", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusOK, echo.Map{"scheduleId": c.Param("id"), "calls": calls})
	}, NewRedisCache(cfg, rdb))

	first := serve(e, http.MethodGet, "/schedules/7/seats?journeyDate=2026-03-01", "")
	second := serve(e, http.MethodGet, "/schedules/7/seats?journeyDate=2026-03-01", "")
	other := serve(e, http.MethodGet, "/schedules/7/seats?journeyDate=2026-03-02", "")

	if first.Header().Get("X-Cache") != "MISS" || second.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("X-Cache = %q then %q", first.Header().Get("X-Cache"), second.Header().Get("X-Cache"))
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("cached body differs: %s vs %s", first.Body, second.Body)
	}
	if !strings.Contains(second.Header().Get(echo.HeaderContentType), "application/json") {
		t.Fatalf("content type not replayed: %q", second.Header().Get(echo.HeaderContentType))
	}
	if other.Header().Get("X-Cache") != "MISS" || calls != 2 {
		t.Fatalf("query not part of key: calls=%d", calls)
	}
}

func TestRedisCacheSkipsErrors(t *testing.T) {
	_, rdb := newRedis(t)
	cfg := config.CacheConfig{Enabled: true, Methods: map[string]bool{http.MethodGet: true}, TTL: time.Minute, Prefix: "test:cache"}
	calls := 0
	e := echo.New()
	e.GET("/x", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusBadGateway, echo.Map{"calls": calls})
	}, NewRedisCache(cfg, rdb))
	serve(e, http.MethodGet, "/x", "")
	serve(e, http.MethodGet, "/x", "")
	if calls != 2 {
		t.Fatalf("error response cached, calls = %d", calls)
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	e := echo.New()
	e.GET("/x", whoami, NewTokenBucket(config.RateLimitConfig{}, nil), NewRedisCache(config.CacheConfig{}, nil))
	if rec := serve(e, http.MethodGet, "/x", ""); rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "" {
		t.Fatalf("status=%d x-cache=%q", rec.Code, rec.Header().Get("X-Cache"))
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(AccessLog(logger))
	e.GET("/ok", func(c echo.Context) error {
		SetIdentity(c, model.Identity{ID: "u-9"})
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	req = req.WithContext(trace.ContextWithSpanContext(req.Context(), sc))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	rid := rec.Header().Get(HeaderRequestID)
	if rid == "" {
		t.Fatal("no request id")
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line %q: %v", buf.String(), err)
	}
	if line["request_id"] != rid || line["user"] != "u-9" || line["trace_id"] != tid.String() || line["status"] != float64(http.StatusNoContent) {
		t.Fatalf("log line = %v", line)
	}
}

func TestAccessLogKeepsClientRequestIDAndErrors(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(AccessLog(slog.New(slog.NewJSONHandler(&buf, nil))))
	e.GET("/missing", func(c echo.Context) error { return echo.ErrNotFound })

	const rid = "0b1f3c52-6f53-4a51-9d0c-6f1c9c0b7a11"
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set(HeaderRequestID, rid)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound || rec.Header().Get(HeaderRequestID) != rid {
		t.Fatalf("status=%d rid=%q", rec.Code, rec.Header().Get(HeaderRequestID))
	}
	if !strings.Contains(buf.String(), `"status":404`) || !strings.Contains(buf.String(), `"user":"anon"`) {
		t.Fatalf("log = %s", buf.String())
	}
}

func TestIssueToken(t *testing.T) {
	tok, exp, err := IssueToken(secret, model.Identity{ID: "u-7", Email: "u7@example.com", Name: "Seven", Role: "admin"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Fatalf("exp = %v", exp)
	}
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret), RequireRole("admin"))
	rec := serve(e, http.MethodGet, "/me", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if b := decode(t, rec); b["id"] != "u-7" {
		t.Fatalf("body = %v", b)
	}
}
