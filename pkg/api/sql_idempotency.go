package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// IdempotencySchema creates the replay table. Valid for Postgres and SQLite.
const IdempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	request_hash TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	headers TEXT NOT NULL,
	body TEXT NOT NULL,
	cached_at TIMESTAMP NOT NULL
)`

// SQLIdempotencyStore keeps replayable responses across restarts.
type SQLIdempotencyStore struct {
	db     *sql.DB
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl, clock: time.Now, logger: slog.Default().With("component", "idempotency")}
}

// Migrate applies IdempotencySchema.
func (s *SQLIdempotencyStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, IdempotencySchema)
	return err
}

// Check returns a cached response if the key was seen within the TTL.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	var (
		requestHash string
		statusCode  int
		headers     string
		body        string
		cachedAt    time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&requestHash, &statusCode, &headers, &body, &cachedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}

	if s.clock().Sub(cachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	if err := json.Unmarshal([]byte(headers), &hdr); err != nil {
		hdr.Set("Content-Type", "application/json")
	}
	return &cachedResponse{RequestHash: requestHash, StatusCode: statusCode, Headers: hdr, Body: []byte(body), CachedAt: cachedAt}, true
}

// Set stores a response. Failures are logged; replay is best effort.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key, requestHash string, statusCode int, headers http.Header, body []byte) {
	hdr, err := json.Marshal(headers)
	if err != nil {
		hdr = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET request_hash = excluded.request_hash, status_code = excluded.status_code,
		 headers = excluded.headers, body = excluded.body, cached_at = excluded.cached_at`,
		key, requestHash, statusCode, string(hdr), string(body), s.clock().UTC(),
	)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to store idempotency key", "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE cached_at < $1`, s.clock().UTC().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
