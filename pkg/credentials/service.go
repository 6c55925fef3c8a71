package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/chunkstar/agentanchor-app/pkg/agents"
	"github.com/chunkstar/agentanchor-app/pkg/audit"
	"github.com/chunkstar/agentanchor-app/pkg/errorir"
	"github.com/chunkstar/agentanchor-app/pkg/identity"
	"github.com/chunkstar/agentanchor-app/pkg/retry"
)

const instrumentationName = "github.com/chunkstar/agentanchor-app/pkg/credentials"

const (
	DefaultSignTimeout   = 2 * time.Second
	DefaultLookupTimeout = 2 * time.Second
)

// ScoreLookup returns an agent's live trust score. ok is false when the
// agent is unknown, in which case the score check is skipped.
type ScoreLookup func(ctx context.Context, agentID string) (score int, ok bool, err error)

// VerifyOptions tunes Verify.
type VerifyOptions struct {
	// SkipRevocation disables the revocation check. Only for callers that
	// re-check revocation themselves.
	SkipRevocation bool
	// CurrentTrustScore, when set, compares the frozen score to the live
	// one.
	CurrentTrustScore ScoreLookup
}

// GovernanceSource summarises an agent's council history.
type GovernanceSource interface {
	Summary(ctx context.Context, agentID string) (GovernanceSummary, error)
}

// ProvenanceSource returns the latest truth chain anchor for an agent.
type ProvenanceSource interface {
	Anchor(ctx context.Context, agentID string) (ProvenanceAnchor, bool, error)
}

// Service issues and checks portable trust credentials.
type Service struct {
	keys        identity.KeyProvider
	store       Store
	revocations RevocationStore
	cache       RevocationCache

	agents     agents.Store
	governance GovernanceSource
	provenance ProvenanceSource

	audit         *audit.Recorder
	retrier       *retry.Retrier
	signTimeout   time.Duration
	lookupTimeout time.Duration
	clock         func() time.Time
	logger        *slog.Logger

	tracer        trace.Tracer
	verifications metric.Int64Counter
	issued        metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithAgents enables IssueForAgent.
func WithAgents(s agents.Store) Option { return func(svc *Service) { svc.agents = s } }

func WithGovernance(g GovernanceSource) Option { return func(svc *Service) { svc.governance = g } }

func WithProvenance(p ProvenanceSource) Option { return func(svc *Service) { svc.provenance = p } }

func WithAudit(r *audit.Recorder) Option { return func(svc *Service) { svc.audit = r } }

func WithRetrier(r *retry.Retrier) Option { return func(svc *Service) { svc.retrier = r } }

// WithTimeouts overrides the signing and durable lookup timeouts. Zero
// keeps the default.
func WithTimeouts(sign, lookup time.Duration) Option {
	return func(svc *Service) {
		if sign > 0 {
			svc.signTimeout = sign
		}
		if lookup > 0 {
			svc.lookupTimeout = lookup
		}
	}
}

func WithClock(clock func() time.Time) Option { return func(svc *Service) { svc.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(svc *Service) { svc.logger = l } }

// NewService wires a credential service. revocations may be nil, in which
// case the cache is the only revocation source.
func NewService(keys identity.KeyProvider, store Store, revocations RevocationStore, cache RevocationCache, opts ...Option) *Service {
	s := &Service{
		keys:          keys,
		store:         store,
		revocations:   revocations,
		cache:         cache,
		retrier:       retry.New(retry.DefaultPolicy),
		signTimeout:   DefaultSignTimeout,
		lookupTimeout: DefaultLookupTimeout,
		clock:         time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "credentials")

	s.tracer = otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)
	var err error
	if s.verifications, err = meter.Int64Counter("credentials.verifications",
		metric.WithDescription("Credential verifications by result code"),
		metric.WithUnit("{verification}"),
	); err != nil {
		s.verifications = noop.Int64Counter{}
	}
	if s.issued, err = meter.Int64Counter("credentials.issued",
		metric.WithDescription("Credentials issued, including refreshes"),
		metric.WithUnit("{credential}"),
	); err != nil {
		s.issued = noop.Int64Counter{}
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

// Issue signs a credential for the snapshot.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Credential, error) {
	cred, err := s.issue(ctx, req.AgentID, "", req.Snapshot)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Record{
		Type:    audit.EventCredentialIssued,
		AgentID: cred.Claims.Subject,
		ActorID: req.TrainerID,
		Action:  "issued",
		Payload: map[string]any{
			"jwtId":      cred.JWTID,
			"keyId":      cred.KeyID,
			"trustScore": cred.Claims.Trust.Score,
			"trustTier":  cred.Claims.Trust.Tier,
			"expiresAt":  cred.ExpiresAt,
		},
	})
	return cred, nil
}

// IssueForAgent loads the agent and issues on behalf of its owner.
func (s *Service) IssueForAgent(ctx context.Context, agentID, requesterID string) (*Credential, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errorir.Validation("agentId", "is required")
	}
	if strings.TrimSpace(requesterID) == "" {
		return nil, errorir.Validation("requesterId", "is required")
	}
	a, err := s.ownedAgent(ctx, agentID, requesterID)
	if err != nil {
		return nil, err
	}
	return s.Issue(ctx, IssueRequest{AgentID: agentID, Snapshot: s.snapshotFor(ctx, a, requesterID)})
}

// RefreshForAgent refreshes token with a snapshot rebuilt from the
// registry. Only the agent's owner may refresh.
func (s *Service) RefreshForAgent(ctx context.Context, token, requesterID string) (*Credential, error) {
	if strings.TrimSpace(requesterID) == "" {
		return nil, errorir.Validation("requesterId", "is required")
	}
	claims, err := parseSigned(token, s.keys.KeyFunc())
	if err != nil {
		return nil, &errorir.IneligibleError{Reason: errorir.IneligibleInvalid, Detail: err.Error()}
	}
	a, err := s.ownedAgent(ctx, claims.Subject, requesterID)
	if err != nil {
		return nil, err
	}
	return s.Refresh(ctx, token, s.snapshotFor(ctx, a, requesterID))
}

func (s *Service) ownedAgent(ctx context.Context, agentID, requesterID string) (*agents.Agent, error) {
	if s.agents == nil {
		return nil, errorir.Infrastructure("credentials.agents", errors.New("agent store not configured"))
	}
	a, err := s.agents.Get(ctx, agentID)
	if errors.Is(err, agents.ErrNotFound) {
		return nil, errorir.NotFound("agent", agentID)
	}
	if err != nil {
		return nil, errorir.Infrastructure("agents.get", err)
	}
	if a.OwnerID != requesterID {
		return nil, errorir.Validation("requesterId", "not authorized for agent %s", agentID)
	}
	return a, nil
}

// snapshotFor builds the issuance snapshot from the registry. Missing
// governance or provenance data leaves those sections empty.
func (s *Service) snapshotFor(ctx context.Context, a *agents.Agent, trainerID string) Snapshot {
	snap := Snapshot{
		TrustScore:  a.TrustScore,
		AgentStatus: a.Status,
		TrainerID:   trainerID,
		Certification: CertificationSummary{
			AcademyGraduated: a.GraduatedAt != nil,
			Specializations:  append([]string{}, a.Specializations...),
			MentorCertified:  a.MentorCertified,
		},
	}
	if a.GraduatedAt != nil {
		snap.Certification.GraduationDate = a.GraduatedAt.UTC().Format(time.RFC3339)
	}
	if s.governance != nil {
		g, err := s.governance.Summary(ctx, a.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "governance summary unavailable", "agent_id", a.ID, "error", err)
		} else {
			snap.Governance = g
		}
	}
	if s.provenance != nil {
		p, ok, err := s.provenance.Anchor(ctx, a.ID)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "provenance anchor unavailable", "agent_id", a.ID, "error", err)
		case ok:
			snap.Provenance = p
		}
	}
	return snap
}

func (s *Service) issue(ctx context.Context, agentID, parent string, snap Snapshot) (*Credential, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errorir.Validation("agentId", "is required")
	}
	if snap.TrustScore < MinEligibleScore {
		return nil, &errorir.IneligibleError{
			Reason:   errorir.IneligibleScore,
			Required: MinEligibleScore,
			Current:  snap.TrustScore,
		}
	}
	if snap.AgentStatus != agents.StatusActive {
		status := string(snap.AgentStatus)
		if status == "" {
			status = "unknown"
		}
		return nil, &errorir.IneligibleError{Reason: errorir.IneligibleInactive, Detail: "status " + status}
	}
	if snap.Provenance.TrainerID == "" {
		snap.Provenance.TrainerID = snap.TrainerID
	}

	jti, err := newJTI()
	if err != nil {
		return nil, errorir.Infrastructure("credentials.jti", err)
	}
	issuedAt := s.now()
	claims := buildClaims(agentID, jti, parent, snap, issuedAt)

	var token, kid string
	err = s.retrier.Do(ctx, "credentials.sign", jti, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, s.signTimeout)
		defer cancel()
		t, k, err := s.keys.Sign(sctx, claims)
		if err != nil {
			return errorir.Infrastructure("credentials.sign", err)
		}
		token, kid = t, k
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec := Record{
		JWTID:      jti,
		AgentID:    agentID,
		IssuerID:   snap.TrainerID,
		TrustScore: claims.Trust.Score,
		TrustTier:  claims.Trust.Tier,
		KeyID:      kid,
		ParentJTI:  parent,
		State:      StateActive,
		IssuedAt:   issuedAt,
		ExpiresAt:  claims.ExpiresAt.Time,
	}
	err = s.retrier.Do(ctx, "credentials.save", jti, func(ctx context.Context) error {
		return errorir.Infrastructure("credentials.save", s.store.Save(ctx, rec))
	})
	if err != nil {
		return nil, err
	}

	s.issued.Add(ctx, 1, metric.WithAttributes(attribute.Bool("refresh", parent != "")))
	s.logger.InfoContext(ctx, "credential issued",
		"jwt_id", jti,
		"agent_id", agentID,
		"key_id", kid,
		"trust_score", claims.Trust.Score,
		"tier", claims.Trust.Tier,
		"parent_jwt_id", parent,
	)
	return &Credential{
		Token:     token,
		JWTID:     jti,
		KeyID:     kid,
		IssuedAt:  issuedAt,
		ExpiresAt: rec.ExpiresAt,
		ParentJTI: parent,
		Claims:    claims,
	}, nil
}

// Verify checks a token in order: signature, expiry, revocation, live
// trust score. Every failure is a result code; Verify never errors.
func (s *Service) Verify(ctx context.Context, token string, opts VerifyOptions) *VerificationResult {
	ctx, span := s.tracer.Start(ctx, "credentials.verify")
	defer span.End()

	res := s.verify(ctx, token, opts)
	code := string(res.Code)
	if res.Valid {
		code = "valid"
	}
	span.SetAttributes(attribute.String("credentials.result", code))
	s.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", code)))
	return res
}

func (s *Service) verify(ctx context.Context, token string, opts VerifyOptions) *VerificationResult {
	warnings := []string{}
	now := s.now()

	claims, code, err := parseVerified(token, s.keys.KeyFunc(), now)
	if err != nil {
		s.logger.DebugContext(ctx, "credential rejected", "code", code, "error", err)
		return failed(code, warnings)
	}

	if !opts.SkipRevocation {
		rev, err := s.lookupRevocation(ctx, claims.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "revocation status unavailable, failing closed", "jwt_id", claims.ID, "error", err)
			res := failed(CodeRevocationUnavailable, warnings)
			res.AgentID = claims.Subject
			return res
		}
		if rev != nil {
			res := failed(CodeRevoked, warnings)
			res.AgentID = claims.Subject
			res.Revocation = rev
			return res
		}
	}

	if opts.CurrentTrustScore != nil {
		current, ok, err := opts.CurrentTrustScore(ctx, claims.Subject)
		if err != nil {
			s.logger.WarnContext(ctx, "trust score lookup failed", "agent_id", claims.Subject, "error", err)
			res := failed(CodeTrustScoreUnavailable, warnings)
			res.AgentID = claims.Subject
			return res
		}
		if ok {
			drift := current - claims.Trust.Score
			if drift < 0 {
				drift = -drift
			}
			if drift > StaleDriftThreshold {
				warnings = append(warnings, WarningTrustScoreStale)
			}
			if current < MinEligibleScore {
				res := failed(CodeTrustScoreIneligible, warnings)
				res.AgentID = claims.Subject
				return res
			}
		}
	}
	return succeeded(claims, now, warnings)
}

// lookupRevocation consults the cache, then the durable store. A miss in
// both is "not revoked"; a durable failure is an error.
func (s *Service) lookupRevocation(ctx context.Context, jti string) (*RevocationRecord, error) {
	rec, _, err := s.findRevocation(ctx, jti)
	return rec, err
}

// findRevocation is lookupRevocation that also reports which tier
// answered.
func (s *Service) findRevocation(ctx context.Context, jti string) (*RevocationRecord, RevocationSource, error) {
	rec, ok, cacheErr := s.cache.Lookup(ctx, jti)
	if cacheErr == nil && ok {
		return rec, SourceCache, nil
	}
	if cacheErr != nil {
		s.logger.WarnContext(ctx, "revocation cache lookup failed", "jwt_id", jti, "error", cacheErr)
	}
	if s.revocations == nil {
		if cacheErr != nil {
			return nil, "", errorir.Infrastructure("revocations.cache", cacheErr)
		}
		return nil, "", nil
	}

	lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	stored, found, err := s.revocations.Revocation(lctx, jti)
	if err != nil {
		return nil, "", errorir.Infrastructure("revocations.get", err)
	}
	if !found {
		return nil, "", nil
	}
	if _, err := s.cache.Add(ctx, *stored); err != nil {
		s.logger.WarnContext(ctx, "revocation cache backfill failed", "jwt_id", jti, "error", err)
	}
	return stored, SourceDatabase, nil
}

// RevocationStatus reports whether jti is revoked and which tier knew it.
// An unknown jti is reported as not revoked.
func (s *Service) RevocationStatus(ctx context.Context, jti string) (*RevocationStatus, error) {
	if strings.TrimSpace(jti) == "" {
		return nil, errorir.Validation("jwtId", "is required")
	}
	rec, source, err := s.findRevocation(ctx, jti)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &RevocationStatus{JWTID: jti}, nil
	}
	revokedAt := rec.RevokedAt
	return &RevocationStatus{
		JWTID:     jti,
		Revoked:   true,
		Source:    source,
		Reason:    rec.Reason,
		RevokedAt: &revokedAt,
	}, nil
}

// Refresh exchanges a credential near or just past expiry for a new one
// built from snap. The old record is marked expired.
func (s *Service) Refresh(ctx context.Context, token string, snap Snapshot) (*Credential, error) {
	old, err := parseSigned(token, s.keys.KeyFunc())
	if err != nil {
		return nil, &errorir.IneligibleError{Reason: errorir.IneligibleInvalid, Detail: err.Error()}
	}

	rev, err := s.lookupRevocation(ctx, old.ID)
	if err != nil {
		return nil, err
	}
	if rev != nil {
		return nil, &errorir.IneligibleError{Reason: errorir.IneligibleRevoked, Detail: string(rev.Reason)}
	}

	now := s.now()
	exp := old.ExpiresAt.Time
	if now.After(exp.Add(RefreshGrace)) {
		return nil, &errorir.IneligibleError{
			Reason: errorir.IneligibleExpired,
			Detail: fmt.Sprintf("expired beyond the %s refresh grace period", RefreshGrace),
		}
	}
	if now.Before(exp.Add(-RefreshWindow)) {
		return nil, &errorir.IneligibleError{
			Reason: errorir.IneligibleNotRefresh,
			Detail: fmt.Sprintf("refresh opens %s before expiry", RefreshWindow),
		}
	}

	// Claim the parent first so concurrent refreshes of one token cannot
	// both mint a child.
	claimed, err := s.store.SetState(ctx, old.ID, StateActive, StateExpired)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, errorir.Infrastructure("credentials.set_state", err)
	}
	if !claimed {
		return nil, &errorir.IneligibleError{
			Reason: errorir.IneligibleNotRefresh,
			Detail: "credential is no longer active",
		}
	}

	cred, err := s.issue(ctx, old.Subject, old.ID, snap)
	if err != nil {
		if _, rerr := s.store.SetState(ctx, old.ID, StateExpired, StateActive); rerr != nil {
			s.logger.WarnContext(ctx, "failed to restore credential after refused refresh", "jwt_id", old.ID, "error", rerr)
		}
		return nil, err
	}

	s.audit.Record(ctx, audit.Record{
		Type:    audit.EventCredentialRefresh,
		AgentID: old.Subject,
		ActorID: snap.TrainerID,
		Action:  "refreshed",
		Payload: map[string]any{
			"jwtId":       cred.JWTID,
			"parentJwtId": old.ID,
			"trustScore":  cred.Claims.Trust.Score,
			"expiresAt":   cred.ExpiresAt,
		},
	})
	return cred, nil
}

// RevokeForAgent revokes one credential on behalf of the owner of the
// agent it was issued to. RevokedBy must be that owner.
func (s *Service) RevokeForAgent(ctx context.Context, req RevokeRequest) (*RevocationRecord, error) {
	if err := validateRevocation(req.Reason, req.RevokedBy); err != nil {
		return nil, err
	}
	jti, err := s.revocationTarget(req)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, jti)
	if errors.Is(err, ErrNotFound) {
		return nil, errorir.NotFound("credential", jti)
	}
	if err != nil {
		return nil, errorir.Infrastructure("credentials.get", err)
	}
	if _, err := s.ownedAgent(ctx, rec.AgentID, req.RevokedBy); err != nil {
		return nil, err
	}
	req.JWTID = jti
	return s.Revoke(ctx, req)
}

// RevokeAllForAgent is RevokeAll restricted to the agent's owner.
func (s *Service) RevokeAllForAgent(ctx context.Context, agentID string, reason RevocationReason, revokedBy string) (*RevokeAllResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errorir.Validation("agentId", "is required")
	}
	if err := validateRevocation(reason, revokedBy); err != nil {
		return nil, err
	}
	if _, err := s.ownedAgent(ctx, agentID, revokedBy); err != nil {
		return nil, err
	}
	return s.RevokeAll(ctx, agentID, reason, revokedBy)
}

// revocationTarget returns the jti named by req, reading it from the
// signed token when only the token is given. Expired tokens still name
// their jti.
func (s *Service) revocationTarget(req RevokeRequest) (string, error) {
	if jti := strings.TrimSpace(req.JWTID); jti != "" {
		return jti, nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(req.Token, "Bearer "))
	if token == "" {
		return "", errorir.Validation("jwtId", "jwtId or token is required")
	}
	claims, err := parseSigned(token, s.keys.KeyFunc())
	if err != nil {
		return "", errorir.Validation("token", "invalid credential: %v", err)
	}
	return claims.ID, nil
}

// Revoke invalidates one credential. The cache write happens before
// return, so a Verify that starts afterwards observes it. Revoke does not
// check who is asking; request handlers use RevokeForAgent.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (*RevocationRecord, error) {
	if err := validateRevocation(req.Reason, req.RevokedBy); err != nil {
		return nil, err
	}
	jti, err := s.revocationTarget(req)
	if err != nil {
		return nil, err
	}
	req.JWTID = jti

	rec, err := s.store.Get(ctx, req.JWTID)
	if errors.Is(err, ErrNotFound) {
		return nil, errorir.NotFound("credential", req.JWTID)
	}
	if err != nil {
		return nil, errorir.Infrastructure("credentials.get", err)
	}

	prior, err := s.lookupRevocation(ctx, req.JWTID)
	if err != nil {
		s.logger.WarnContext(ctx, "prior revocation check failed", "jwt_id", req.JWTID, "error", err)
	}
	if prior != nil {
		return nil, alreadyRevoked(prior)
	}

	revocation := RevocationRecord{
		JWTID:     req.JWTID,
		AgentID:   rec.AgentID,
		Reason:    req.Reason,
		RevokedAt: s.now(),
		RevokedBy: req.RevokedBy,
		Notes:     req.Notes,
	}

	added, cacheErr := s.cache.Add(ctx, revocation)
	switch {
	case cacheErr != nil:
		s.logger.WarnContext(ctx, "revocation cache write failed, requiring durable write", "jwt_id", req.JWTID, "error", cacheErr)
		if err := s.persistRevocation(ctx, revocation); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return nil, s.conflictFromStore(ctx, req.JWTID)
			}
			return nil, errorir.Infrastructure("revocations.save", err)
		}
	case !added:
		existing, _, _ := s.cache.Lookup(ctx, req.JWTID)
		if existing == nil {
			existing = &revocation
		}
		return nil, alreadyRevoked(existing)
	default:
		if err := s.persistRevocation(ctx, revocation); err != nil && !errors.Is(err, ErrDuplicate) {
			s.logger.ErrorContext(ctx, "durable revocation write failed",
				"jwt_id", req.JWTID,
				"agent_id", rec.AgentID,
				"error", err,
			)
		}
	}

	s.markRevoked(ctx, *rec)
	s.logger.InfoContext(ctx, "credential revoked",
		"jwt_id", req.JWTID,
		"agent_id", rec.AgentID,
		"reason", req.Reason,
		"revoked_by", req.RevokedBy,
	)
	s.audit.Record(ctx, audit.Record{
		Type:    audit.EventCredentialRevoked,
		AgentID: rec.AgentID,
		ActorID: req.RevokedBy,
		Action:  "revoked",
		Payload: map[string]any{
			"jwtId":  req.JWTID,
			"reason": string(req.Reason),
			"notes":  req.Notes,
		},
	})
	return &revocation, nil
}

// RevokeAll revokes every unexpired credential of an agent. All of them
// become visible in the cache in one step.
func (s *Service) RevokeAll(ctx context.Context, agentID string, reason RevocationReason, revokedBy string) (*RevokeAllResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errorir.Validation("agentId", "is required")
	}
	if err := validateRevocation(reason, revokedBy); err != nil {
		return nil, err
	}

	records, err := s.store.ForAgent(ctx, agentID)
	if err != nil {
		return nil, errorir.Infrastructure("credentials.for_agent", err)
	}

	now := s.now()
	var (
		targets []Record
		batch   []RevocationRecord
	)
	for _, rec := range records {
		if rec.State == StateRevoked || !rec.ExpiresAt.After(now) {
			continue
		}
		targets = append(targets, rec)
		batch = append(batch, RevocationRecord{
			JWTID:     rec.JWTID,
			AgentID:   agentID,
			Reason:    reason,
			RevokedAt: now,
			RevokedBy: revokedBy,
		})
	}
	result := &RevokeAllResult{JWTIDs: []string{}}
	if len(batch) == 0 {
		return result, nil
	}

	cacheErr := s.cache.AddAll(ctx, batch)
	if cacheErr != nil {
		s.logger.WarnContext(ctx, "revocation cache batch failed, requiring durable writes", "agent_id", agentID, "error", cacheErr)
	}
	for _, rev := range batch {
		err := s.persistRevocation(ctx, rev)
		if err == nil || errors.Is(err, ErrDuplicate) {
			continue
		}
		if cacheErr != nil {
			return nil, errorir.Infrastructure("revocations.save", err)
		}
		s.logger.ErrorContext(ctx, "durable revocation write failed", "jwt_id", rev.JWTID, "agent_id", agentID, "error", err)
	}

	for _, rec := range targets {
		s.markRevoked(ctx, rec)
		result.JWTIDs = append(result.JWTIDs, rec.JWTID)
	}
	result.RevokedCount = len(result.JWTIDs)

	s.logger.InfoContext(ctx, "agent credentials revoked",
		"agent_id", agentID,
		"count", result.RevokedCount,
		"reason", reason,
		"revoked_by", revokedBy,
	)
	s.audit.Record(ctx, audit.Record{
		Type:    audit.EventCredentialRevoked,
		AgentID: agentID,
		ActorID: revokedBy,
		Action:  "revoked_all",
		Payload: map[string]any{
			"jwtIds": result.JWTIDs,
			"reason": string(reason),
		},
	})
	return result, nil
}

// Status returns the agent's newest active, unexpired credential record.
func (s *Service) Status(ctx context.Context, agentID string) (*Record, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errorir.Validation("agentId", "is required")
	}
	records, err := s.store.ForAgent(ctx, agentID)
	if err != nil {
		return nil, errorir.Infrastructure("credentials.for_agent", err)
	}
	now := s.now()
	for _, rec := range records {
		if rec.State == StateActive && rec.ExpiresAt.After(now) {
			return &rec, nil
		}
	}
	return nil, errorir.NotFound("credential", agentID)
}

func (s *Service) persistRevocation(ctx context.Context, rec RevocationRecord) error {
	if s.revocations == nil {
		return nil
	}
	return s.retrier.Do(ctx, "revocations.save", rec.JWTID, func(ctx context.Context) error {
		err := s.revocations.SaveRevocation(ctx, rec)
		if err == nil || errors.Is(err, ErrDuplicate) {
			return err
		}
		return errorir.Infrastructure("revocations.save", err)
	})
}

func (s *Service) markRevoked(ctx context.Context, rec Record) {
	if rec.State == StateRevoked {
		return
	}
	if _, err := s.store.SetState(ctx, rec.JWTID, rec.State, StateRevoked); err != nil {
		s.logger.WarnContext(ctx, "failed to mark credential revoked", "jwt_id", rec.JWTID, "error", err)
	}
}

func (s *Service) conflictFromStore(ctx context.Context, jti string) error {
	prior, _, err := s.revocations.Revocation(ctx, jti)
	if err != nil || prior == nil {
		return &errorir.ConflictError{Kind: "credential", ID: jti, Code: errorir.ConflictAlreadyRevoked}
	}
	return alreadyRevoked(prior)
}

func alreadyRevoked(prior *RevocationRecord) error {
	return &errorir.ConflictError{Kind: "credential", ID: prior.JWTID, Code: errorir.ConflictAlreadyRevoked, Prior: prior}
}

func validateRevocation(reason RevocationReason, revokedBy string) error {
	if !reason.Valid() {
		return errorir.Validation("reason", "unknown revocation reason %q", reason)
	}
	if strings.TrimSpace(revokedBy) == "" {
		return errorir.Validation("revokedBy", "is required")
	}
	return nil
}
