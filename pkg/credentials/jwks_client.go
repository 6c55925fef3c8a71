package credentials

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chunkstar/agentanchor-app/pkg/identity"
)

const (
	DefaultJWKSURL = "https://app.agentanchorai.com/.well-known/jwks.json"

	jwksCacheMaxAge = 5 * time.Minute
	jwksCooldown    = 30 * time.Second
	jwksTimeout     = 5 * time.Second
)

// RemoteVerifier checks credentials offline against a published JWKS. It
// does not consult revocation.
type RemoteVerifier struct {
	url    string
	client *http.Client
	clock  func() time.Time

	mu        sync.Mutex
	keys      map[string]ed25519.PublicKey
	fetchedAt time.Time
}

// NewRemoteVerifier creates a verifier for url. An empty url uses
// DefaultJWKSURL; a nil client gets a 5s timeout.
func NewRemoteVerifier(url string, client *http.Client) *RemoteVerifier {
	if url == "" {
		url = DefaultJWKSURL
	}
	if client == nil {
		client = &http.Client{Timeout: jwksTimeout}
	}
	return &RemoteVerifier{url: url, client: client, clock: time.Now}
}

// Verify checks signature and expiry.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) *VerificationResult {
	now := v.clock().UTC().Truncate(time.Second)
	claims, code, err := parseVerified(token, v.keyFunc(ctx), now)
	if err != nil {
		return failed(code, []string{})
	}
	return succeeded(claims, now, []string{})
}

func (v *RemoteVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}
		return v.key(ctx, kid)
	}
}

// key returns the cached key for kid. The set is refetched when stale, or
// when kid is unknown and the cooldown has passed.
func (v *RemoteVerifier) key(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock()
	age := now.Sub(v.fetchedAt)
	key, ok := v.keys[kid]
	if ok && age < jwksCacheMaxAge {
		return key, nil
	}
	if v.keys == nil || age >= jwksCooldown {
		keys, err := v.fetch(ctx)
		if err != nil {
			if ok {
				return key, nil
			}
			return nil, err
		}
		v.keys, v.fetchedAt = keys, now
		key, ok = keys[kid]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", identity.ErrUnknownKey, kid)
	}
	return key, nil
}

func (v *RemoteVerifier) fetch(ctx context.Context) (map[string]ed25519.PublicKey, error) {
	set, err := FetchJWKS(ctx, v.client, v.url)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]ed25519.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pub, err := k.PublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable keys")
	}
	return keys, nil
}

// ClearCache drops the cached key set.
func (v *RemoteVerifier) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = nil
	v.fetchedAt = time.Time{}
}

// FetchJWKS downloads a key set.
func FetchJWKS(ctx context.Context, client *http.Client, url string) (identity.JWKSet, error) {
	var set identity.JWKSet
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return set, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return set, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return set, fmt.Errorf("fetch jwks: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return set, fmt.Errorf("decode jwks: %w", err)
	}
	return set, nil
}
