package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/chunkstar/agentanchor-app/pkg/errorir"
	"github.com/chunkstar/agentanchor-app/pkg/retry"
)

// DefaultAppendTimeout bounds a single Append call.
const DefaultAppendTimeout = 2 * time.Second

// Recorder appends records on behalf of services whose own outcome must
// not depend on the audit sink. Failures are retried and then logged.
type Recorder struct {
	log     Log
	logger  *slog.Logger
	timeout time.Duration
	retrier *retry.Retrier
}

// NewRecorder wraps log. A nil log yields a Recorder that only logs.
func NewRecorder(log Log, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		log:     log,
		logger:  logger.With("component", "audit"),
		timeout: DefaultAppendTimeout,
		retrier: retry.New(retry.DefaultPolicy),
	}
}

// WithRetrier replaces the retrier, mainly to inject a sleeper in tests.
func (r *Recorder) WithRetrier(rt *retry.Retrier) *Recorder {
	r.retrier = rt
	return r
}

// Record appends rec and reports whether it was stored.
func (r *Recorder) Record(ctx context.Context, rec Record) bool {
	if r == nil || r.log == nil {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	err := r.retrier.Do(ctx, "audit.append", string(rec.Type)+":"+rec.AgentID, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := r.log.Append(actx, rec); err != nil {
			return errorir.Infrastructure("audit.append", err)
		}
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "audit append failed",
			"type", rec.Type,
			"agent_id", rec.AgentID,
			"action", rec.Action,
			"error", err,
		)
		return false
	}
	return true
}
