package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycore/internal/staff"
)

func TestRateLimiterRejectsBurst(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/books", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, serve("10.0.0.1:5000").Code)
	limited := serve("10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, serve("10.0.0.2:5000").Code, "other clients have their own bucket")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusNoContent, serve("10.0.0.1:5002").Code)
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(5, 5)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.limiter("10.0.0.1")
	now = now.Add(10 * time.Minute)
	rl.limiter("10.0.0.2")
	assert.Len(t, rl.visitors, 1)
}

func TestRecoverWritesProblem(t *testing.T) {
	h := chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), RequestID, Recover(slog.New(slog.DiscardHandler)))

	req := httptest.NewRequest(http.MethodGet, "/books", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "req-42")
}

func TestAccessLogRecordsStatus(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), RequestID, AccessLog(logger))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/reports/summary", nil))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/reports/summary"`)
}

func TestMemoryIdempotencyStoreExpires(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", CachedResponse{Status: http.StatusCreated, Body: []byte(`{}`)}))
	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, http.StatusCreated, got.Status)

	now = now.Add(2 * time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotencySkipsFailuresAndOtherMethods(t *testing.T) {
	calls := 0
	status := http.StatusConflict
	h := Idempotency(NewMemoryIdempotencyStore(time.Hour), slog.New(slog.DiscardHandler))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.WriteHeader(status)
		}))

	send := func(method string) int {
		req := httptest.NewRequest(method, "/loans", nil)
		req.Header.Set(IdempotencyHeader, "same")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusConflict, send(http.MethodPost))
	status = http.StatusCreated
	assert.Equal(t, http.StatusCreated, send(http.MethodPost))
	assert.Equal(t, http.StatusCreated, send(http.MethodPost))
	assert.Equal(t, 2, calls, "failed responses are not cached")

	send(http.MethodGet)
	assert.Equal(t, 3, calls)
}

func TestIdempotencyFailsOpenWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	var logs strings.Builder
	h := Idempotency(NewRedisIdempotencyStore(client, time.Hour), slog.New(slog.NewTextHandler(&logs, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))

	req := httptest.NewRequest(http.MethodPost, "/returns", nil)
	req.Header.Set(IdempotencyHeader, "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, logs.String(), "idempotency lookup failed")
}

func TestTokenIssuerRejectsExpired(t *testing.T) {
	issuer, err := NewTokenIssuer("secret", time.Hour)
	require.NoError(t, err)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return now }

	token, expires, err := issuer.Issue(staff.Account{Email: "admin@biblioteca.com", Name: "Administrador", Role: staff.RoleLibrarian})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expires)

	claims, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "admin@biblioteca.com", claims.Subject)
	assert.Equal(t, "Administrador", claims.Name)

	now = now.Add(2 * time.Hour)
	_, err = issuer.Validate(token)
	assert.Error(t, err)

	_, err = NewTokenIssuer("", time.Hour)
	assert.Error(t, err)
}
