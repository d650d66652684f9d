package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyHeader names the client supplied replay key.
const IdempotencyHeader = "Idempotency-Key"

// CachedResponse is a stored reply to a keyed POST.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	CachedAt time.Time   `json:"cached_at"`
}

// IdempotencyStore persists responses by key. Get reports ok=false for
// unknown or expired keys.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp CachedResponse) error
}

// MemoryIdempotencyStore keeps responses in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]CachedResponse
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryIdempotencyStore returns a store whose entries expire after ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]CachedResponse), ttl: ttl, now: time.Now}
}

// Get returns the cached response for key. Expired entries are dropped.
func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (CachedResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.entries[key]
	if !ok {
		return CachedResponse{}, false, nil
	}
	if s.now().Sub(resp.CachedAt) >= s.ttl {
		delete(s.entries, key)
		return CachedResponse{}, false, nil
	}
	return resp, true, nil
}

// Set stores resp under key.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.CachedAt.IsZero() {
		resp.CachedAt = s.now()
	}
	s.entries[key] = resp
	return nil
}

// RedisIdempotencyStore shares replay keys between server instances.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotencyStore stores entries under "idempotency:" with ttl expiry.
func NewRedisIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "idempotency:"}
}

// Get loads and decodes the response for key.
func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedResponse{}, false, nil
	}
	if err != nil {
		return CachedResponse{}, false, err
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return CachedResponse{}, false, err
	}
	return resp, true, nil
}

// Set encodes resp and writes it with the store TTL. An existing key is kept.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp CachedResponse) error {
	if resp.CachedAt.IsZero() {
		resp.CachedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.SetNX(ctx, s.prefix+key, raw, s.ttl).Err()
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for POST requests that repeat an
// Idempotency-Key on the same path. Only 2xx responses are stored, so a
// failed checkout can be retried with the same key.
func Idempotency(store IdempotencyStore, logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.URL.Path + "|" + key
			cached, ok, err := store.Get(r.Context(), scoped)
			if err != nil {
				logger.Warn("idempotency lookup failed", "error", err, "request_id", RequestIDFrom(r.Context()))
			}
			if ok {
				for k, vals := range cached.Header {
					for _, v := range vals {
						w.Header().Add(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &captureWriter{ResponseWriter: w}
			next.ServeHTTP(capture, r)
			if capture.status < 200 || capture.status >= 300 {
				return
			}
			header := http.Header{}
			if ct := w.Header().Get("Content-Type"); ct != "" {
				header.Set("Content-Type", ct)
			}
			if err := store.Set(r.Context(), scoped, CachedResponse{Status: capture.status, Header: header, Body: capture.body.Bytes()}); err != nil {
				logger.Warn("idempotency store failed", "error", err, "request_id", RequestIDFrom(r.Context()))
			}
		})
	}
}
