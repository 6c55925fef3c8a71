package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jwksServer(t *testing.T, f *fixture, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.keys.JWKS())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteVerifier(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	var hits atomic.Int32
	srv := jwksServer(t, f, &hits)

	v := NewRemoteVerifier(srv.URL, srv.Client())
	v.clock = f.clock.Now
	ctx := context.Background()

	cred := f.issue(t, "agent-1", 520)
	res := v.Verify(ctx, cred.Token)
	require.True(t, res.Valid, res.Error)
	assert.Equal(t, "Established", res.TrustTier)
	assert.True(t, res.TruthChainVerified)

	_ = v.Verify(ctx, cred.Token)
	assert.Equal(t, int32(1), hits.Load(), "keys should be cached")

	f.clock.Advance(24 * time.Hour)
	assert.Equal(t, CodeExpired, v.Verify(ctx, cred.Token).Code)
}

func TestRemoteVerifier_Rotation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	var hits atomic.Int32
	srv := jwksServer(t, f, &hits)

	v := NewRemoteVerifier(srv.URL, srv.Client())
	v.clock = f.clock.Now
	ctx := context.Background()

	old := f.issue(t, "agent-1", 300)
	require.True(t, v.Verify(ctx, old.Token).Valid)

	_, err := f.keys.Rotate()
	require.NoError(t, err)
	rotated := f.issue(t, "agent-1", 300)
	assert.Equal(t, "aa_key_2026_002", rotated.KeyID)

	// Inside the cooldown an unknown kid is not refetched.
	assert.Equal(t, CodeInvalidSignature, v.Verify(ctx, rotated.Token).Code)

	f.clock.Advance(time.Minute)
	assert.True(t, v.Verify(ctx, rotated.Token).Valid)
	assert.True(t, v.Verify(ctx, old.Token).Valid)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRemoteVerifier_Unreachable(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	v := NewRemoteVerifier(srv.URL, srv.Client())
	v.clock = f.clock.Now
	cred := f.issue(t, "agent-1", 300)

	res := v.Verify(context.Background(), cred.Token)
	assert.False(t, res.Valid)
	assert.Equal(t, CodeInvalidSignature, res.Code)
}
