package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/chunkstar/agentanchor-app/pkg/agents"
	"github.com/chunkstar/agentanchor-app/pkg/api"
	"github.com/chunkstar/agentanchor-app/pkg/audit"
	"github.com/chunkstar/agentanchor-app/pkg/config"
	"github.com/chunkstar/agentanchor-app/pkg/council"
	"github.com/chunkstar/agentanchor-app/pkg/credentials"
	"github.com/chunkstar/agentanchor-app/pkg/escalation"
	"github.com/chunkstar/agentanchor-app/pkg/identity"
	"github.com/chunkstar/agentanchor-app/pkg/observability"
	"github.com/chunkstar/agentanchor-app/pkg/precedent"
	"github.com/chunkstar/agentanchor-app/pkg/retry"
	"github.com/chunkstar/agentanchor-app/pkg/risk"
	"github.com/chunkstar/agentanchor-app/pkg/store"
	"github.com/chunkstar/agentanchor-app/pkg/upchain"
)

// app is the wired server.
type app struct {
	handler  http.Handler
	workflow *escalation.Workflow
	stores   *stores
	server   *api.Server
	redis    *redis.Client
	obs      *observability.Provider
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.obs, err = observability.New(ctx, &observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    environment(cfg),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.stores, err = migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	st := a.stores

	keys, err := newKeySet(cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("[anchor] signing key: %s", keys.ActiveKeyID())

	cache, err := a.revocationCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	recs, err := st.credentials.AllRevocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load revocations: %w", err)
	}
	if err := cache.AddAll(ctx, recs); err != nil {
		return nil, fmt.Errorf("warm revocation cache: %w", err)
	}
	log.Printf("[anchor] revocation cache: %d entries", len(recs))

	classifier, err := newClassifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	chain := store.NewAuditStore()
	recorder := audit.NewRecorder(audit.NewChainLog(chain), logger)
	retrier := retry.New(retry.DefaultPolicy)
	library := precedent.NewLibrary()

	evaluator := council.NewEvaluator(
		council.WithClassifier(classifier),
		council.WithPrecedents(library),
		council.WithValidatorTimeout(cfg.ValidatorTimeout),
		council.WithLogger(logger),
	)
	a.workflow = escalation.NewWorkflow(st.escalations,
		escalation.WithOverrides(st.decisions),
		escalation.WithPrecedents(library),
		escalation.WithAudit(recorder),
		escalation.WithRetrier(retrier),
		escalation.WithLogger(logger),
	)
	up := upchain.NewService(evaluator, st.decisions,
		upchain.WithWorkflow(a.workflow),
		upchain.WithPrecedents(library),
		upchain.WithAudit(recorder),
		upchain.WithRetrier(retrier),
		upchain.WithLogger(logger),
	)
	creds := credentials.NewService(keys, st.credentials, st.credentials, cache,
		credentials.WithAgents(st.agents),
		credentials.WithGovernance(up),
		credentials.WithProvenance(credentials.NewChainProvenance(chain)),
		credentials.WithAudit(recorder),
		credentials.WithRetrier(retrier),
		credentials.WithLogger(logger),
	)

	limits := api.RateLimits{
		VerifyRPS:   cfg.VerifyRPS,
		VerifyBurst: cfg.VerifyBurst,
		WriteRPS:    cfg.WriteRPS,
		WriteBurst:  cfg.WriteBurst,
	}
	a.server, err = api.NewServer(api.Deps{
		Upchain:     up,
		Workflow:    a.workflow,
		Credentials: creds,
		Keys:        keys,
		Scores:      agents.TrustScores{Store: st.agents}.CurrentScore,
		Health:      a.health,
		Metrics:     api.NewMetrics(),
		RateLimits:  &limits,
		Idempotency: st.idempotency,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.handler = a.obs.HTTPMiddleware(a.server.Handler())
	return a, nil
}

func environment(cfg *config.Config) string {
	if cfg.LiteMode() {
		return "lite"
	}
	return "production"
}

func newKeySet(cfg *config.Config) (*identity.InMemoryKeySet, error) {
	opts := []identity.Option{identity.WithTokenType(credentials.TokenType)}
	if cfg.SigningSeed != "" {
		opts = append(opts, identity.WithSeed([]byte(cfg.SigningSeed)))
	} else {
		log.Println("[anchor] ANCHOR_SIGNING_SEED not set: signing keys will not survive a restart")
	}
	keys, err := identity.NewInMemoryKeySet(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init key set: %w", err)
	}
	return keys, nil
}

func newClassifier(cfg *config.Config, logger *slog.Logger) (*risk.Classifier, error) {
	policy := risk.DefaultPolicy()
	if cfg.RiskPolicyPath != "" {
		p, err := risk.LoadPolicy(cfg.RiskPolicyPath)
		if err != nil {
			return nil, fmt.Errorf("load risk policy: %w", err)
		}
		policy = p
		log.Printf("[anchor] risk policy: %s", cfg.RiskPolicyPath)
	}
	return risk.NewClassifier(policy, logger)
}

// revocationCache is Redis when configured, otherwise in process.
func (a *app) revocationCache(ctx context.Context, cfg *config.Config) (credentials.RevocationCache, error) {
	if cfg.RedisURL == "" {
		return credentials.NewMemoryRevocationCache(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	a.redis = redis.NewClient(opts)
	cache := credentials.NewRedisRevocationCacheFromClient(a.redis)
	if err := cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Println("[anchor] redis: connected")
	return cache, nil
}

func (a *app) health(ctx context.Context) error {
	if err := a.stores.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// sweep expires overdue escalations and prunes stale idempotency keys.
func (a *app) sweep(ctx context.Context) (int, error) {
	ctx, done := a.obs.TrackOperation(ctx, "escalation.sweep")
	n, err := a.workflow.ExpireOverdue(ctx)
	trace.SpanFromContext(ctx).SetAttributes(observability.SweepAttributes(n)...)
	done(err)
	if err != nil {
		return n, err
	}
	if pruned, err := a.stores.idempotency.Cleanup(ctx); err != nil {
		a.logger.WarnContext(ctx, "idempotency cleanup failed", "error", err)
	} else if pruned > 0 {
		a.logger.DebugContext(ctx, "idempotency keys pruned", "count", pruned)
	}
	return n, nil
}

func (a *app) sweepLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.sweep(ctx)
			if err != nil {
				a.logger.ErrorContext(ctx, "escalation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "escalations expired", "count", n)
			}
		}
	}
}

// Close releases every resource newApp opened. Safe on a partial app.
func (a *app) Close() {
	if a.server != nil {
		a.server.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.stores != nil {
		_ = a.stores.db.Close()
	}
	if a.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.obs.Shutdown(ctx)
	}
}
