package credentials

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func sampleRecord(jti, agentID string, issued time.Time) Record {
	return Record{
		JWTID:      jti,
		AgentID:    agentID,
		IssuerID:   "trainer-1",
		TrustScore: 300,
		TrustTier:  "Developing",
		KeyID:      "aa_key_2026_001",
		State:      StateActive,
		IssuedAt:   issued,
		ExpiresAt:  issued.Add(Validity),
	}
}

func TestSQLStore_Records(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, sampleRecord("ptc_a", "agent-1", now)))
	require.NoError(t, s.Save(ctx, sampleRecord("ptc_b", "agent-1", now.Add(time.Hour))))
	require.NoError(t, s.Save(ctx, sampleRecord("ptc_c", "agent-2", now)))
	assert.ErrorIs(t, s.Save(ctx, sampleRecord("ptc_a", "agent-1", now)), ErrDuplicate)

	got, err := s.Get(ctx, "ptc_a")
	require.NoError(t, err)
	assert.Equal(t, "Developing", got.TrustTier)
	assert.True(t, got.ExpiresAt.Equal(now.Add(Validity)))

	_, err = s.Get(ctx, "ptc_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ForAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ptc_b", list[0].JWTID)

	ok, err := s.SetState(ctx, "ptc_a", StateActive, StateExpired)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetState(ctx, "ptc_a", StateActive, StateRevoked)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.SetState(ctx, "ptc_missing", StateActive, StateRevoked)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = s.Get(ctx, "ptc_a")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
}

func TestSQLStore_Revocations(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

	rec := RevocationRecord{JWTID: "ptc_a", AgentID: "agent-1", Reason: ReasonAgentPaused, RevokedAt: now, RevokedBy: "admin", Notes: "paused"}
	require.NoError(t, s.SaveRevocation(ctx, rec))
	assert.ErrorIs(t, s.SaveRevocation(ctx, rec), ErrDuplicate)

	got, found, err := s.Revocation(ctx, "ptc_a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ReasonAgentPaused, got.Reason)
	assert.True(t, got.RevokedAt.Equal(now))

	_, found, err = s.Revocation(ctx, "ptc_b")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := s.AllRevocations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	cache := NewMemoryRevocationCache()
	n, err := cache.Warm(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLStore_ServiceRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	f := newFixture(t, fixtureOpts{revocations: s})
	ctx := context.Background()

	cred := f.issue(t, "agent-1", 300)
	_, err := f.svc.Revoke(ctx, RevokeRequest{JWTID: cred.JWTID, Reason: ReasonOther, RevokedBy: "admin"})
	require.NoError(t, err)

	_, found, err := s.Revocation(ctx, cred.JWTID)
	require.NoError(t, err)
	assert.True(t, found)

	cold := NewMemoryRevocationCache()
	_, err = cold.Warm(ctx, s)
	require.NoError(t, err)
	_, hit, _ := cold.Lookup(ctx, cred.JWTID)
	assert.True(t, hit)
}

func TestSQLStore_SaveRevocationQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	now := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credential_revocations`)).
		WithArgs("ptc_a", "agent-1", "security_incident", now, "admin", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.SaveRevocation(context.Background(), RevocationRecord{
		JWTID: "ptc_a", AgentID: "agent-1", Reason: ReasonSecurityIncident, RevokedAt: now, RevokedBy: "admin",
	})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SetStateQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE credentials SET state = $3 WHERE jwt_id = $1 AND state = $2`)).
		WithArgs("ptc_a", "active", "expired").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.SetState(context.Background(), "ptc_a", StateActive, StateExpired)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
