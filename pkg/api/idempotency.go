package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultIdempotencyTTL is how long a replayable response is kept.
const DefaultIdempotencyTTL = 24 * time.Hour

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	// RequestHash is the hex SHA-256 of the request body the response
	// answered. A replay requires the same body.
	RequestHash string
	StatusCode  int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStorer defines the interface for idempotency backends.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool)
	Set(ctx context.Context, key, requestHash string, statusCode int, headers http.Header, body []byte)
}

// MemoryIdempotencyStore holds cached responses keyed by idempotency key (in-memory).
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewIdempotencyStore creates a new in-memory idempotency store. Expired
// entries are dropped lazily.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// Check returns a cached response if existing and valid.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*cachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && s.clock().Sub(cached.CachedAt) < s.ttl {
		return cached, true
	}
	if exists {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
	}
	return nil, false
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key, requestHash string, statusCode int, headers http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cachedResponse{
		RequestHash: requestHash,
		StatusCode:  statusCode,
		Headers:     headers,
		Body:        append([]byte(nil), body...),
		CachedAt:    s.clock(),
	}
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first successful response for a POST
// carrying an Idempotency-Key. Keys are scoped to the request path, so the
// same key on issue and revoke does not collide. A key reused with a
// different body is rejected with 422. Paths in readOnly answer from
// current state and are never replayed.
func IdempotencyMiddleware(store IdempotencyStorer, readOnly ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(readOnly))
	for _, p := range readOnly {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || key == "" || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + "|" + key

			raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "request body unreadable")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))
			sum := sha256.Sum256(raw)
			hash := hex.EncodeToString(sum[:])

			if cached, ok := store.Check(r.Context(), key); ok {
				if cached.RequestHash != hash {
					WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity",
						"Idempotency-Key was already used with a different request body")
					return
				}
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				hdr := make(http.Header)
				hdr.Set("Content-Type", w.Header().Get("Content-Type"))
				store.Set(r.Context(), key, hash, capture.statusCode, hdr, capture.body.Bytes())
			}
		})
	}
}
