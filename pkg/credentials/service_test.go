package credentials

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkstar/agentanchor-app/pkg/agents"
	"github.com/chunkstar/agentanchor-app/pkg/audit"
	"github.com/chunkstar/agentanchor-app/pkg/errorir"
	"github.com/chunkstar/agentanchor-app/pkg/identity"
	"github.com/chunkstar/agentanchor-app/pkg/retry"
	"github.com/chunkstar/agentanchor-app/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	svc   *Service
	keys  *identity.InMemoryKeySet
	store *MemoryStore
	cache *MemoryRevocationCache
	chain *store.AuditStore
	clock *fakeClock
}

type fixtureOpts struct {
	cache       RevocationCache
	revocations RevocationStore
	extra       []Option
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)}
	keys, err := identity.NewInMemoryKeySet(
		identity.WithSeed([]byte("credential-tests")),
		identity.WithTokenType(TokenType),
		identity.WithClock(clk.Now),
	)
	require.NoError(t, err)

	st := NewMemoryStore()
	mem := NewMemoryRevocationCache()
	var cache RevocationCache = mem
	if o.cache != nil {
		cache = o.cache
	}
	var revs RevocationStore = st
	if o.revocations != nil {
		revs = o.revocations
	}

	rt := retry.New(retry.DefaultPolicy).WithSleeper(noSleep)
	chain := store.NewAuditStore().WithClock(clk.Now)
	rec := audit.NewRecorder(audit.NewChainLog(chain), nil).WithRetrier(rt)

	opts := append([]Option{WithClock(clk.Now), WithRetrier(rt), WithAudit(rec)}, o.extra...)
	return &fixture{
		svc:   NewService(keys, st, revs, cache, opts...),
		keys:  keys,
		store: st,
		cache: mem,
		chain: chain,
		clock: clk,
	}
}

func snapshot(score int) Snapshot {
	return Snapshot{
		TrustScore:  score,
		AgentStatus: agents.StatusActive,
		TrainerID:   "trainer-1",
		Governance:  GovernanceSummary{TotalDecisions: 10, ApprovalRate: 0.8, EscalationRate: 0.1},
		Certification: CertificationSummary{
			AcademyGraduated: true,
			GraduationDate:   "2026-01-15T00:00:00Z",
			Specializations:  []string{"support"},
		},
		Provenance: ProvenanceAnchor{TruthChainHash: "sha256:abc", BlockHeight: 42},
	}
}

func (f *fixture) issue(t *testing.T, agentID string, score int) *Credential {
	t.Helper()
	cred, err := f.svc.Issue(context.Background(), IssueRequest{AgentID: agentID, Snapshot: snapshot(score)})
	require.NoError(t, err)
	return cred
}

func TestIssue_ScenarioA(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)

	assert.Regexp(t, regexp.MustCompile(`^ptc_[0-9a-f]{16}$`), cred.JWTID)
	assert.Equal(t, "aa_key_2026_001", cred.KeyID)
	assert.Equal(t, "Developing", cred.Claims.Trust.Tier)
	assert.Equal(t, 2, cred.Claims.Trust.TierCode)
	assert.Equal(t, 24*time.Hour, cred.ExpiresAt.Sub(cred.IssuedAt))
	assert.Equal(t, Issuer, cred.Claims.Issuer)
	assert.Equal(t, "trainer-1", cred.Claims.Provenance.TrainerID)

	rec, err := f.store.Get(context.Background(), cred.JWTID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)
	assert.Equal(t, "Developing", rec.TrustTier)
	assert.Equal(t, cred.KeyID, rec.KeyID)

	assert.Equal(t, 1, f.chain.Size())
}

func TestIssue_ScenarioB(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.svc.Issue(context.Background(), IssueRequest{AgentID: "agent-1", Snapshot: snapshot(200)})

	var ie *errorir.IneligibleError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, errorir.IneligibleScore, ie.Reason)
	assert.Equal(t, 250, ie.Required)
	assert.Equal(t, 200, ie.Current)
	assert.Equal(t, 0, f.chain.Size())
}

func TestIssue_Preconditions(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, IssueRequest{Snapshot: snapshot(300)})
	var ve *errorir.ValidationError
	assert.True(t, errors.As(err, &ve))

	snap := snapshot(300)
	snap.AgentStatus = agents.StatusPaused
	_, err = f.svc.Issue(ctx, IssueRequest{AgentID: "agent-1", Snapshot: snap})
	var ie *errorir.IneligibleError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, errorir.IneligibleInactive, ie.Reason)
	assert.Contains(t, ie.Error(), "paused")
}

func TestIssue_TierFrozenAtIssuance(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 749)

	res := f.svc.Verify(context.Background(), cred.Token, VerifyOptions{
		CurrentTrustScore: func(context.Context, string) (int, bool, error) { return 760, true, nil },
	})
	require.True(t, res.Valid)
	assert.Equal(t, "Established", res.TrustTier)
	assert.Empty(t, res.Warnings)
}

func TestVerify_RoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 640)

	res := f.svc.Verify(context.Background(), cred.Token, VerifyOptions{})
	require.True(t, res.Valid, res.Error)
	assert.Equal(t, "agent-1", res.AgentID)
	assert.Equal(t, 640, res.TrustScore)
	assert.Equal(t, int64(86400), res.ExpiresIn)
	assert.True(t, res.TruthChainVerified)
	assert.NotNil(t, res.Warnings)

	got := res.Claims
	assert.Equal(t, cred.Claims.Subject, got.Subject)
	assert.Equal(t, cred.Claims.ID, got.ID)
	assert.Equal(t, cred.Claims.Trust, got.Trust)
	assert.Equal(t, cred.Claims.Governance, got.Governance)
	assert.Equal(t, cred.Claims.Certification, got.Certification)
	assert.Equal(t, cred.Claims.Provenance, got.Provenance)
	assert.True(t, cred.Claims.ExpiresAt.Equal(got.ExpiresAt.Time))
	assert.True(t, cred.Claims.IssuedAt.Equal(got.IssuedAt.Time))
}

func TestVerify_Idempotent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)
	ctx := context.Background()

	first := f.svc.Verify(ctx, cred.Token, VerifyOptions{})
	second := f.svc.Verify(ctx, cred.Token, VerifyOptions{})
	assert.True(t, first.Valid)
	assert.Equal(t, first, second)
}

func TestVerify_FailureCodes(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)
	ctx := context.Background()

	other, err := identity.NewInMemoryKeySet(
		identity.WithSeed([]byte("someone-else")),
		identity.WithTokenType(TokenType),
		identity.WithClock(f.clock.Now),
	)
	require.NoError(t, err)
	forged, _, err := other.Sign(ctx, cred.Claims)
	require.NoError(t, err)

	_, err = other.Rotate()
	require.NoError(t, err)
	unknownKid, _, err := other.Sign(ctx, cred.Claims)
	require.NoError(t, err)

	untyped, err := identity.NewInMemoryKeySet(identity.WithSeed([]byte("credential-tests")), identity.WithClock(f.clock.Now))
	require.NoError(t, err)
	wrongTyp, _, err := untyped.Sign(ctx, cred.Claims)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		code  VerificationCode
	}{
		{"garbage", "not-a-token", CodeMalformed},
		{"empty", "", CodeMalformed},
		{"forged signature", forged, CodeInvalidSignature},
		{"unknown key id", unknownKid, CodeInvalidSignature},
		{"wrong typ", wrongTyp, CodeMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.svc.Verify(ctx, tt.token, VerifyOptions{})
			assert.False(t, res.Valid)
			assert.Equal(t, tt.code, res.Code)
			assert.NotEmpty(t, res.Error)
		})
	}

	f.clock.Advance(24 * time.Hour)
	res := f.svc.Verify(ctx, cred.Token, VerifyOptions{})
	assert.Equal(t, CodeExpired, res.Code)
}

func TestVerify_TrustScore(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)
	ctx := context.Background()

	lookup := func(score int, ok bool, err error) VerifyOptions {
		return VerifyOptions{CurrentTrustScore: func(context.Context, string) (int, bool, error) { return score, ok, err }}
	}

	res := f.svc.Verify(ctx, cred.Token, lookup(400, true, nil))
	assert.True(t, res.Valid)
	assert.Equal(t, []string{WarningTrustScoreStale}, res.Warnings)

	res = f.svc.Verify(ctx, cred.Token, lookup(340, true, nil))
	assert.True(t, res.Valid)
	assert.Empty(t, res.Warnings)

	res = f.svc.Verify(ctx, cred.Token, lookup(240, true, nil))
	assert.False(t, res.Valid)
	assert.Equal(t, CodeTrustScoreIneligible, res.Code)

	res = f.svc.Verify(ctx, cred.Token, lookup(100, true, nil))
	assert.Equal(t, CodeTrustScoreIneligible, res.Code)
	assert.Equal(t, []string{WarningTrustScoreStale}, res.Warnings)

	res = f.svc.Verify(ctx, cred.Token, lookup(0, false, errors.New("registry down")))
	assert.Equal(t, CodeTrustScoreUnavailable, res.Code)

	res = f.svc.Verify(ctx, cred.Token, lookup(0, false, nil))
	assert.True(t, res.Valid)
}

func TestRevokeThenVerify(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)
	ctx := context.Background()

	rev, err := f.svc.Revoke(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: ReasonSecurityIncident, RevokedBy: "admin-1", Notes: "key leak"})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", rev.AgentID)

	res := f.svc.Verify(ctx, cred.Token, VerifyOptions{})
	assert.False(t, res.Valid)
	assert.Equal(t, CodeRevoked, res.Code)
	require.NotNil(t, res.Revocation)
	assert.Equal(t, ReasonSecurityIncident, res.Revocation.Reason)

	res = f.svc.Verify(ctx, cred.Token, VerifyOptions{SkipRevocation: true})
	assert.True(t, res.Valid)

	stored, err := f.store.Get(ctx, cred.JWTID)
	require.NoError(t, err)
	assert.Equal(t, StateRevoked, stored.State)

	_, found, err := f.store.Revocation(ctx, cred.JWTID)
	require.NoError(t, err)
	assert.True(t, found)

	assert.NoError(t, f.chain.VerifyChain())
	assert.Equal(t, 2, f.chain.Size())
}

func TestRevoke_AlreadyRevoked(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)
	ctx := context.Background()

	first, err := f.svc.Revoke(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: ReasonTrainerRequest, RevokedBy: "trainer-1"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.Revoke(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: ReasonOther, RevokedBy: "admin-2"})
	var ce *errorir.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, errorir.ConflictAlreadyRevoked, ce.Code)
	prior, ok := ce.Prior.(*RevocationRecord)
	require.True(t, ok)
	assert.Equal(t, first.RevokedAt, prior.RevokedAt)
	assert.Equal(t, "trainer-1", prior.RevokedBy)
}

func TestRevoke_Validation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)
	ctx := context.Background()

	var ve *errorir.ValidationError
	_, err := f.svc.Revoke(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: "bored", RevokedBy: "a"})
	assert.True(t, errors.As(err, &ve))
	_, err = f.svc.Revoke(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: ReasonOther})
	assert.True(t, errors.As(err, &ve))
	_, err = f.svc.Revoke(ctx, RevokeRequest{Reason: ReasonOther, RevokedBy: "a"})
	assert.True(t, errors.As(err, &ve))

	_, err = f.svc.Revoke(ctx, RevokeRequest{JWTID: "ptc_missing", Reason: ReasonOther, RevokedBy: "a"})
	var nf *errorir.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestRevoke_Concurrent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Revoke(context.Background(), RevokeRequest{JWTID: cred.JWTID, Reason: ReasonPlatformAction, RevokedBy: "sweeper"})
			var ce *errorir.ConflictError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &ce):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), conflicts.Load())
}

type brokenCache struct{}

func (brokenCache) Lookup(context.Context, string) (*RevocationRecord, bool, error) {
	return nil, false, errors.New("cache offline")
}

func (brokenCache) Add(context.Context, RevocationRecord) (bool, error) {
	return false, errors.New("cache offline")
}

func (brokenCache) AddAll(context.Context, []RevocationRecord) error {
	return errors.New("cache offline")
}

type flakyRevocations struct {
	*MemoryStore
	saveErr error
	getErr  error
}

func (f *flakyRevocations) SaveRevocation(ctx context.Context, rec RevocationRecord) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.MemoryStore.SaveRevocation(ctx, rec)
}

func (f *flakyRevocations) Revocation(ctx context.Context, jti string) (*RevocationRecord, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	return f.MemoryStore.Revocation(ctx, jti)
}

func TestRevoke_CacheDownRequiresDurableWrite(t *testing.T) {
	f := newFixture(t, fixtureOpts{cache: brokenCache{}})
	cred := f.issue(t, "agent-1", 300)
	ctx := context.Background()

	_, err := f.svc.Revoke(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: ReasonAgentPaused, RevokedBy: "admin"})
	require.NoError(t, err)

	res := f.svc.Verify(ctx, cred.Token, VerifyOptions{})
	assert.Equal(t, CodeRevoked, res.Code)
}

func TestRevoke_CacheAndStoreDown(t *testing.T) {
	revs := &flakyRevocations{MemoryStore: NewMemoryStore(), saveErr: errors.New("db down")}
	f := newFixture(t, fixtureOpts{cache: brokenCache{}, revocations: revs})
	cred := f.issue(t, "agent-1", 300)

	_, err := f.svc.Revoke(context.Background(), RevokeRequest{JWTID: cred.JWTID, Reason: ReasonAgentPaused, RevokedBy: "admin"})
	assert.True(t, errorir.IsRetryable(err))

	stored, err := f.store.Get(context.Background(), cred.JWTID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, stored.State)
}

func TestRevoke_DurableFailureIsLogged(t *testing.T) {
	revs := &flakyRevocations{MemoryStore: NewMemoryStore(), saveErr: errors.New("db down")}
	f := newFixture(t, fixtureOpts{revocations: revs})
	cred := f.issue(t, "agent-1", 300)
	ctx := context.Background()

	_, err := f.svc.Revoke(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: ReasonAgentPaused, RevokedBy: "admin"})
	require.NoError(t, err)
	assert.Equal(t, CodeRevoked, f.svc.Verify(ctx, cred.Token, VerifyOptions{}).Code)
}

func TestVerify_FailsClosedWhenRevocationUnknown(t *testing.T) {
	revs := &flakyRevocations{MemoryStore: NewMemoryStore(), getErr: errors.New("timeout")}
	f := newFixture(t, fixtureOpts{revocations: revs})
	cred := f.issue(t, "agent-1", 300)

	res := f.svc.Verify(context.Background(), cred.Token, VerifyOptions{})
	assert.False(t, res.Valid)
	assert.Equal(t, CodeRevocationUnavailable, res.Code)
}

func TestVerify_DurableHitBackfillsCache(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)
	ctx := context.Background()

	require.NoError(t, f.store.SaveRevocation(ctx, RevocationRecord{
		JWTID: cred.JWTID, AgentID: "agent-1", Reason: ReasonOther, RevokedAt: f.clock.Now(), RevokedBy: "peer",
	}))
	assert.Equal(t, 0, f.cache.Len())

	assert.Equal(t, CodeRevoked, f.svc.Verify(ctx, cred.Token, VerifyOptions{}).Code)
	assert.Equal(t, 1, f.cache.Len())
}

func TestRefresh_ScenarioD(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	orig := f.issue(t, "agent-1", 300)

	f.clock.Advance(20 * time.Hour)
	next, err := f.svc.Refresh(ctx, orig.Token, snapshot(320))
	require.NoError(t, err)

	assert.NotEqual(t, orig.JWTID, next.JWTID)
	assert.Equal(t, orig.JWTID, next.ParentJTI)
	assert.Equal(t, orig.JWTID, next.Claims.ParentJTI)
	assert.Equal(t, 320, next.Claims.Trust.Score)
	assert.Equal(t, "agent-1", next.Claims.Subject)

	old, err := f.store.Get(ctx, orig.JWTID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, old.State)

	fresh, err := f.store.Get(ctx, next.JWTID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, fresh.State)
	assert.Equal(t, orig.JWTID, fresh.ParentJTI)

	_, found, err := f.store.Revocation(ctx, orig.JWTID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRefresh_Window(t *testing.T) {
	ctx := context.Background()
	reason := func(err error) string {
		var ie *errorir.IneligibleError
		if errors.As(err, &ie) {
			return ie.Reason
		}
		return ""
	}

	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)
	f.clock.Advance(10 * time.Hour)
	_, err := f.svc.Refresh(ctx, cred.Token, snapshot(300))
	assert.Equal(t, errorir.IneligibleNotRefresh, reason(err))

	f.clock.Advance(14*time.Hour + 30*time.Minute)
	_, err = f.svc.Refresh(ctx, cred.Token, snapshot(300))
	assert.NoError(t, err, "refresh inside the grace period")

	f = newFixture(t, fixtureOpts{})
	cred = f.issue(t, "agent-1", 300)
	f.clock.Advance(25*time.Hour + time.Second)
	_, err = f.svc.Refresh(ctx, cred.Token, snapshot(300))
	assert.Equal(t, errorir.IneligibleExpired, reason(err))
}

func TestRefresh_Refusals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	cred := f.issue(t, "agent-1", 300)
	f.clock.Advance(20 * time.Hour)

	var ie *errorir.IneligibleError
	_, err := f.svc.Refresh(ctx, cred.Token, snapshot(240))
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, errorir.IneligibleScore, ie.Reason)
	assert.Equal(t, 240, ie.Current)

	_, err = f.svc.Refresh(ctx, "junk", snapshot(300))
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, errorir.IneligibleInvalid, ie.Reason)

	_, err = f.svc.Revoke(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: ReasonTrustScoreDropped, RevokedBy: "system"})
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, cred.Token, snapshot(300))
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, errorir.IneligibleRevoked, ie.Reason)
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	a := f.issue(t, "agent-1", 300)
	b := f.issue(t, "agent-1", 310)
	gone := f.issue(t, "agent-1", 320)
	other := f.issue(t, "agent-2", 500)

	_, err := f.svc.Revoke(ctx, RevokeRequest{JWTID: gone.JWTID, Reason: ReasonOther, RevokedBy: "admin"})
	require.NoError(t, err)

	res, err := f.svc.RevokeAll(ctx, "agent-1", ReasonAgentTerminated, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RevokedCount)
	assert.ElementsMatch(t, []string{a.JWTID, b.JWTID}, res.JWTIDs)

	for _, tok := range []string{a.Token, b.Token, gone.Token} {
		assert.Equal(t, CodeRevoked, f.svc.Verify(ctx, tok, VerifyOptions{}).Code)
	}
	assert.True(t, f.svc.Verify(ctx, other.Token, VerifyOptions{}).Valid)

	res, err = f.svc.RevokeAll(ctx, "agent-1", ReasonAgentTerminated, "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RevokedCount)
	assert.Empty(t, res.JWTIDs)
}

func TestRevokeAll_CoversRefreshedParent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	orig := f.issue(t, "agent-1", 300)
	f.clock.Advance(20 * time.Hour)
	next, err := f.svc.Refresh(ctx, orig.Token, snapshot(300))
	require.NoError(t, err)

	res, err := f.svc.RevokeAll(ctx, "agent-1", ReasonTrustScoreDropped, "system")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{orig.JWTID, next.JWTID}, res.JWTIDs)
	assert.Equal(t, CodeRevoked, f.svc.Verify(ctx, orig.Token, VerifyOptions{}).Code)
}

func TestRevokeAll_Validation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	var ve *errorir.ValidationError
	_, err := f.svc.RevokeAll(context.Background(), "", ReasonOther, "a")
	assert.True(t, errors.As(err, &ve))
	_, err = f.svc.RevokeAll(context.Background(), "agent-1", "nope", "a")
	assert.True(t, errors.As(err, &ve))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.svc.Status(ctx, "agent-1")
	var nf *errorir.NotFoundError
	assert.True(t, errors.As(err, &nf))

	first := f.issue(t, "agent-1", 300)
	f.clock.Advance(time.Hour)
	second := f.issue(t, "agent-1", 305)

	rec, err := f.svc.Status(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, second.JWTID, rec.JWTID)

	_, err = f.svc.Revoke(ctx, RevokeRequest{JWTID: second.JWTID, Reason: ReasonOther, RevokedBy: "a"})
	require.NoError(t, err)
	rec, err = f.svc.Status(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, first.JWTID, rec.JWTID)

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Status(ctx, "agent-1")
	assert.True(t, errors.As(err, &nf))
}

type stubGovernance struct {
	summary GovernanceSummary
	err     error
}

func (s stubGovernance) Summary(context.Context, string) (GovernanceSummary, error) {
	return s.summary, s.err
}

type stubProvenance struct{ anchor ProvenanceAnchor }

func (s stubProvenance) Anchor(context.Context, string) (ProvenanceAnchor, bool, error) {
	return s.anchor, s.anchor.TruthChainHash != "", nil
}

func TestIssueForAgent(t *testing.T) {
	graduated := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	registry := agents.NewMemoryStore(
		agents.Agent{ID: "agent-1", OwnerID: "owner-1", Status: agents.StatusActive, TrustScore: 610,
			GraduatedAt: &graduated, Specializations: []string{"billing"}, MentorCertified: true},
		agents.Agent{ID: "agent-2", OwnerID: "owner-1", Status: agents.StatusTraining, TrustScore: 610},
	)
	f := newFixture(t, fixtureOpts{extra: []Option{
		WithAgents(registry),
		WithGovernance(stubGovernance{summary: GovernanceSummary{TotalDecisions: 4, ApprovalRate: 0.75}}),
		WithProvenance(stubProvenance{anchor: ProvenanceAnchor{TruthChainHash: "sha256:head", BlockHeight: 9}}),
	}})
	ctx := context.Background()

	cred, err := f.svc.IssueForAgent(ctx, "agent-1", "owner-1")
	require.NoError(t, err)
	c := cred.Claims
	assert.Equal(t, "Established", c.Trust.Tier)
	assert.Equal(t, 4, c.Governance.TotalDecisions)
	assert.True(t, c.Certification.AcademyGraduated)
	assert.Equal(t, "2026-02-01T12:00:00Z", c.Certification.GraduationDate)
	assert.Equal(t, []string{"billing"}, c.Certification.Specializations)
	assert.True(t, c.Certification.MentorCertified)
	assert.Equal(t, ProvenanceAnchor{TruthChainHash: "sha256:head", BlockHeight: 9, TrainerID: "owner-1"}, c.Provenance)

	_, err = f.svc.IssueForAgent(ctx, "agent-1", "someone-else")
	var ve *errorir.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = f.svc.IssueForAgent(ctx, "ghost", "owner-1")
	var nf *errorir.NotFoundError
	assert.True(t, errors.As(err, &nf))

	_, err = f.svc.IssueForAgent(ctx, "agent-2", "owner-1")
	var ie *errorir.IneligibleError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, errorir.IneligibleInactive, ie.Reason)
}

func TestIssueForAgent_GovernanceOutage(t *testing.T) {
	registry := agents.NewMemoryStore(agents.Agent{ID: "agent-1", OwnerID: "owner-1", Status: agents.StatusActive, TrustScore: 300})
	f := newFixture(t, fixtureOpts{extra: []Option{
		WithAgents(registry),
		WithGovernance(stubGovernance{err: errors.New("decisions unavailable")}),
	}})

	cred, err := f.svc.IssueForAgent(context.Background(), "agent-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, GovernanceSummary{}, cred.Claims.Governance)
	assert.Equal(t, []string{}, cred.Claims.Certification.Specializations)
}

func TestMemoryRevocationCache_Warm(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for _, id := range []string{"ptc_1", "ptc_2"} {
		require.NoError(t, st.SaveRevocation(ctx, RevocationRecord{JWTID: id, Reason: ReasonOther}))
	}

	cache := NewMemoryRevocationCache()
	n, err := cache.Warm(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := cache.Lookup(ctx, "ptc_2")
	require.NoError(t, err)
	assert.True(t, ok)

	added, err := cache.Add(ctx, RevocationRecord{JWTID: "ptc_1", Reason: ReasonAgentPaused})
	require.NoError(t, err)
	assert.False(t, added)
	rec, _, _ := cache.Lookup(ctx, "ptc_1")
	assert.Equal(t, ReasonOther, rec.Reason)
}

func TestRefreshForAgent(t *testing.T) {
	registry := agents.NewMemoryStore(agents.Agent{ID: "agent-1", OwnerID: "owner-1", Status: agents.StatusActive, TrustScore: 455})
	f := newFixture(t, fixtureOpts{extra: []Option{WithAgents(registry)}})
	ctx := context.Background()
	orig := f.issue(t, "agent-1", 300)
	f.clock.Advance(20 * time.Hour)

	_, err := f.svc.RefreshForAgent(ctx, orig.Token, "someone-else")
	var ve *errorir.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = f.svc.RefreshForAgent(ctx, "not-a-token", "owner-1")
	var ie *errorir.IneligibleError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, errorir.IneligibleInvalid, ie.Reason)

	next, err := f.svc.RefreshForAgent(ctx, orig.Token, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 455, next.Claims.Trust.Score, "score comes from the registry")
	assert.Equal(t, orig.JWTID, next.ParentJTI)
	assert.Equal(t, "owner-1", next.Claims.Provenance.TrainerID)
}

func TestRefresh_OnlyOncePerCredential(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	orig := f.issue(t, "agent-1", 300)
	f.clock.Advance(20 * time.Hour)

	_, err := f.svc.Refresh(ctx, orig.Token, snapshot(300))
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, orig.Token, snapshot(300))
	var ie *errorir.IneligibleError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, errorir.IneligibleNotRefresh, ie.Reason)

	records, err := f.store.ForAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, records, 2, "one parent and one child")
}

func TestRefresh_RefusedIssuanceKeepsParentActive(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	orig := f.issue(t, "agent-1", 300)
	f.clock.Advance(20 * time.Hour)

	_, err := f.svc.Refresh(ctx, orig.Token, snapshot(100))
	require.Error(t, err)

	rec, err := f.store.Get(ctx, orig.JWTID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)

	_, err = f.svc.Refresh(ctx, orig.Token, snapshot(300))
	assert.NoError(t, err)
}

func TestRefresh_Concurrent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	orig := f.issue(t, "agent-1", 300)
	f.clock.Advance(20 * time.Hour)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Refresh(ctx, orig.Token, snapshot(300)); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())
}

func TestRevokeForAgent(t *testing.T) {
	registry := agents.NewMemoryStore(agents.Agent{ID: "agent-1", OwnerID: "owner-1", Status: agents.StatusActive, TrustScore: 455})
	f := newFixture(t, fixtureOpts{extra: []Option{WithAgents(registry)}})
	ctx := context.Background()
	cred := f.issue(t, "agent-1", 300)

	_, err := f.svc.RevokeForAgent(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: ReasonOther, RevokedBy: "mallory"})
	var ve *errorir.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, f.svc.Verify(ctx, cred.Token, VerifyOptions{}).Valid, "a refused revoke leaves the credential live")

	_, err = f.svc.RevokeForAgent(ctx, RevokeRequest{JWTID: "ptc_missing", Reason: ReasonOther, RevokedBy: "owner-1"})
	var nf *errorir.NotFoundError
	require.ErrorAs(t, err, &nf)

	rev, err := f.svc.RevokeForAgent(ctx, RevokeRequest{Token: "Bearer " + cred.Token, Reason: ReasonTrainerRequest, RevokedBy: "owner-1"})
	require.NoError(t, err)
	assert.Equal(t, cred.JWTID, rev.JWTID)
	assert.Equal(t, CodeRevoked, f.svc.Verify(ctx, cred.Token, VerifyOptions{}).Code)
}

func TestRevoke_ByToken(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	cred := f.issue(t, "agent-1", 300)

	_, err := f.svc.Revoke(ctx, RevokeRequest{Token: "forged", Reason: ReasonOther, RevokedBy: "admin"})
	var ve *errorir.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "token", ve.Field)

	f.clock.Advance(30 * time.Hour)
	rev, err := f.svc.Revoke(ctx, RevokeRequest{Token: cred.Token, Reason: ReasonOther, RevokedBy: "admin"})
	require.NoError(t, err, "an expired token still names its credential")
	assert.Equal(t, cred.JWTID, rev.JWTID)
}

func TestRevokeAllForAgent(t *testing.T) {
	registry := agents.NewMemoryStore(agents.Agent{ID: "agent-1", OwnerID: "owner-1", Status: agents.StatusActive, TrustScore: 455})
	f := newFixture(t, fixtureOpts{extra: []Option{WithAgents(registry)}})
	ctx := context.Background()
	cred := f.issue(t, "agent-1", 300)

	_, err := f.svc.RevokeAllForAgent(ctx, "agent-1", ReasonAgentPaused, "mallory")
	var ve *errorir.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, f.svc.Verify(ctx, cred.Token, VerifyOptions{}).Valid)

	_, err = f.svc.RevokeAllForAgent(ctx, "ghost", ReasonAgentPaused, "owner-1")
	var nf *errorir.NotFoundError
	require.ErrorAs(t, err, &nf)

	res, err := f.svc.RevokeAllForAgent(ctx, "agent-1", ReasonAgentPaused, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{cred.JWTID}, res.JWTIDs)
}

func TestRevocationStatus(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	live := f.issue(t, "agent-1", 300)
	peer := f.issue(t, "agent-1", 300)

	st, err := f.svc.RevocationStatus(ctx, live.JWTID)
	require.NoError(t, err)
	assert.False(t, st.Revoked)
	assert.Empty(t, st.Source)
	assert.Nil(t, st.RevokedAt)

	_, err = f.svc.Revoke(ctx, RevokeRequest{JWTID: live.JWTID, Reason: ReasonSecurityIncident, RevokedBy: "admin"})
	require.NoError(t, err)
	st, err = f.svc.RevocationStatus(ctx, live.JWTID)
	require.NoError(t, err)
	assert.True(t, st.Revoked)
	assert.Equal(t, SourceCache, st.Source)
	assert.Equal(t, ReasonSecurityIncident, st.Reason)
	require.NotNil(t, st.RevokedAt)
	assert.Equal(t, f.clock.Now(), *st.RevokedAt)

	require.NoError(t, f.store.SaveRevocation(ctx, RevocationRecord{
		JWTID: peer.JWTID, AgentID: "agent-1", Reason: ReasonOther, RevokedAt: f.clock.Now(), RevokedBy: "peer",
	}))
	st, err = f.svc.RevocationStatus(ctx, peer.JWTID)
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, st.Source)
	st, err = f.svc.RevocationStatus(ctx, peer.JWTID)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, st.Source, "a durable hit backfills the cache")

	_, err = f.svc.RevocationStatus(ctx, " ")
	var ve *errorir.ValidationError
	assert.ErrorAs(t, err, &ve)
}
