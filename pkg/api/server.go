package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chunkstar/agentanchor-app/pkg/credentials"
	"github.com/chunkstar/agentanchor-app/pkg/escalation"
	"github.com/chunkstar/agentanchor-app/pkg/identity"
	"github.com/chunkstar/agentanchor-app/pkg/upchain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// KeySource publishes the verification keys.
type KeySource interface {
	JWKS() identity.JWKSet
}

// Deps are the services behind the API. Upchain, Workflow, Credentials and
// Keys are required.
type Deps struct {
	Upchain     *upchain.Service
	Workflow    *escalation.Workflow
	Credentials *credentials.Service
	Keys        KeySource
	// Scores enables the live trust score check on verify.
	Scores credentials.ScoreLookup
	// Health reports dependency health for /health.
	Health      func(ctx context.Context) error
	Metrics     *Metrics
	RateLimits  *RateLimits
	Idempotency IdempotencyStorer
	Logger      *slog.Logger
}

// Server routes HTTP requests to the services.
type Server struct {
	upchain     *upchain.Service
	workflow    *escalation.Workflow
	credentials *credentials.Service
	keys        KeySource
	scores      credentials.ScoreLookup
	health      func(ctx context.Context) error
	metrics     *Metrics
	limiter     *TieredRateLimiter
	idempotency IdempotencyStorer
	evaluate    *jsonschema.Schema
	logger      *slog.Logger
}

func NewServer(d Deps) (*Server, error) {
	if d.Upchain == nil || d.Workflow == nil || d.Credentials == nil || d.Keys == nil {
		return nil, errors.New("api: upchain, workflow, credentials and keys are required")
	}
	schema, err := compileEvaluateSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		upchain:     d.Upchain,
		workflow:    d.Workflow,
		credentials: d.Credentials,
		keys:        d.Keys,
		scores:      d.Scores,
		health:      d.Health,
		metrics:     d.Metrics,
		idempotency: d.Idempotency,
		evaluate:    schema,
		logger:      d.Logger,
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.idempotency == nil {
		s.idempotency = NewIdempotencyStore(DefaultIdempotencyTTL)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "api")
	if d.RateLimits != nil {
		s.limiter = NewTieredRateLimiter(*d.RateLimits)
	}
	return s, nil
}

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// Handler returns the full route table wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.Instrument(pattern, h))
	}

	route("POST /api/v1/council/evaluate", s.handleEvaluate)
	route("GET /api/v1/council/decisions/{id}", s.handleGetDecision)

	route("GET /api/v1/escalations", s.handleListEscalations)
	route("GET /api/v1/escalations/stats", s.handleEscalationStats)
	route("GET /api/v1/escalations/{id}", s.handleGetEscalation)
	route("POST /api/v1/escalations/{id}/assign", s.handleAssign)
	route("POST /api/v1/escalations/{id}/review", s.handleStartReview)
	route("POST /api/v1/escalations/{id}/resolve", s.handleResolve)

	route("POST /api/v1/credentials", s.handleIssue)
	route("GET /api/v1/credentials/{agentId}", s.handleCredentialStatus)
	route("POST /api/v1/credentials/verify", s.handleVerify)
	route("POST /api/v1/credentials/refresh", s.handleRefresh)
	route("POST /api/v1/credentials/revoke", s.handleRevoke)
	route("GET /api/v1/credentials/revocations/{jwtId}", s.handleRevocationStatus)
	route("POST /api/v1/agents/{agentId}/credentials/revoke", s.handleRevokeAll)

	route("GET /.well-known/jwks.json", s.handleJWKS)
	route("GET /api/v1/tiers", s.handleTiers)
	route("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	var h http.Handler = mux
	h = IdempotencyMiddleware(s.idempotency, "/api/v1/credentials/verify")(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return RequestID(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "request body too large or unreadable")
		return nil, false
	}
	return raw, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	return true
}
