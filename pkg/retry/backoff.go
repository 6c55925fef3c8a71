// Package retry runs infrastructure calls with bounded exponential backoff.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/chunkstar/agentanchor-app/pkg/errorir"
)

type BackoffParams struct {
	Op           string
	Key          string
	AttemptIndex int
}

type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used for store and signing calls.
var DefaultPolicy = BackoffPolicy{
	BaseMs:      50,
	MaxMs:       2000,
	MaxJitterMs: 25,
	MaxAttempts: 3,
}

// ComputeBackoff returns the delay for a specific attempt using deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	// delay = base * 2^attempt
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	return time.Duration(baseDelay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.Op, params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}

// Sleeper waits between attempts. Tests swap it out.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier applies a BackoffPolicy to retryable operations.
type Retrier struct {
	policy BackoffPolicy
	sleep  Sleeper
}

// New creates a Retrier. A zero MaxAttempts is treated as one attempt.
func New(policy BackoffPolicy) *Retrier {
	return &Retrier{policy: policy, sleep: contextSleep}
}

// WithSleeper overrides the wait function.
func (r *Retrier) WithSleeper(s Sleeper) *Retrier {
	r.sleep = s
	return r
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. Only errorir.InfrastructureError is retried. The last
// error is returned as is.
func (r *Retrier) Do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	attempts := r.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := ComputeBackoff(BackoffParams{Op: op, Key: key, AttemptIndex: i - 1}, r.policy)
			if serr := r.sleep(ctx, delay); serr != nil {
				return errorir.Infrastructure(op, fmt.Errorf("retry aborted after %d attempts: %w", i, err))
			}
		}
		err = fn(ctx)
		if err == nil || !errorir.IsRetryable(err) {
			return err
		}
	}
	return err
}

// Do runs fn with DefaultPolicy.
func Do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	return New(DefaultPolicy).Do(ctx, op, key, fn)
}
