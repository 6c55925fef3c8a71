// Package identity holds the credential signing keys.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// ErrUnknownKey is returned for a kid this key set never issued or has
// already evicted.
var ErrUnknownKey = errors.New("unknown signing key")

// DefaultRetainedKeys is how many keys stay verifiable after rotation.
const DefaultRetainedKeys = 10

// KeyProvider signs credentials and resolves verification keys by kid.
// Sign tags the token header with the active kid so verification keeps
// working across rotation.
type KeyProvider interface {
	Sign(ctx context.Context, claims jwt.Claims) (token, kid string, err error)
	PublicKeyFor(kid string) (ed25519.PublicKey, error)
	ActiveKeyID() string
	Rotate() (string, error)
	KeyFunc() jwt.Keyfunc
}

type signingKey struct {
	kid       string
	priv      ed25519.PrivateKey
	createdAt time.Time
}

// InMemoryKeySet holds Ed25519 keys in memory.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]signingKey
	order      []string
	seq        map[int]int
	retain     int
	tokenType  string
	seed       []byte
	clock      func() time.Time
}

// Option configures a key set.
type Option func(*InMemoryKeySet)

// WithSeed derives keys deterministically from seed with HKDF-SHA256
// instead of crypto/rand. Intended for development and tests.
func WithSeed(seed []byte) Option {
	return func(ks *InMemoryKeySet) { ks.seed = append([]byte(nil), seed...) }
}

// WithTokenType sets the typ header on signed tokens.
func WithTokenType(typ string) Option {
	return func(ks *InMemoryKeySet) { ks.tokenType = typ }
}

// WithRetainedKeys overrides DefaultRetainedKeys.
func WithRetainedKeys(n int) Option {
	return func(ks *InMemoryKeySet) {
		if n > 0 {
			ks.retain = n
		}
	}
}

// WithClock overrides the clock used for kid years.
func WithClock(clock func() time.Time) Option {
	return func(ks *InMemoryKeySet) { ks.clock = clock }
}

// NewInMemoryKeySet creates a key set with one active key.
func NewInMemoryKeySet(opts ...Option) (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{
		keys:   make(map[string]signingKey),
		seq:    make(map[int]int),
		retain: DefaultRetainedKeys,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(ks)
	}
	if _, err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates a new active key. Older keys stay available for
// verification until more than the retained count exist.
func (ks *InMemoryKeySet) Rotate() (string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := ks.clock().UTC()
	year := now.Year()
	ks.seq[year]++
	kid := fmt.Sprintf("aa_key_%d_%03d", year, ks.seq[year])

	priv, err := ks.generate(kid)
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	ks.keys[kid] = signingKey{kid: kid, priv: priv, createdAt: now}
	ks.order = append(ks.order, kid)
	ks.currentKID = kid

	for len(ks.order) > ks.retain {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
	return kid, nil
}

func (ks *InMemoryKeySet) generate(kid string) (ed25519.PrivateKey, error) {
	if len(ks.seed) == 0 {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	r := hkdf.New(sha256.New, ks.seed, nil, []byte("agentanchor credential key "+kid))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(derived), nil
}

// ActiveKeyID returns the kid new tokens are signed with.
func (ks *InMemoryKeySet) ActiveKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

func (ks *InMemoryKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	ks.mu.RLock()
	key, ok := ks.keys[ks.currentKID]
	ks.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = key.kid
	if ks.tokenType != "" {
		token.Header["typ"] = ks.tokenType
	}
	signed, err := token.SignedString(key.priv)
	if err != nil {
		return "", "", err
	}
	return signed, key.kid, nil
}

func (ks *InMemoryKeySet) PublicKeyFor(kid string) (ed25519.PublicKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return key.priv.Public().(ed25519.PublicKey), nil
}

// KeyFunc resolves the verification key from the token's kid header.
func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}
		return ks.PublicKeyFor(kid)
	}
}

// JWK is an Ed25519 public key in RFC 8037 form.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
}

// JWKSet is the /.well-known/jwks.json document.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns every retained public key, newest first.
func (ks *InMemoryKeySet) JWKS() JWKSet {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	set := JWKSet{Keys: make([]JWK, 0, len(ks.order))}
	for i := len(ks.order) - 1; i >= 0; i-- {
		key := ks.keys[ks.order[i]]
		set.Keys = append(set.Keys, NewJWK(key.kid, key.priv.Public().(ed25519.PublicKey)))
	}
	return set
}

// NewJWK encodes pub as a JWK.
func NewJWK(kid string, pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
		Kid: kid,
		Alg: "EdDSA",
		Use: "sig",
	}
}

// PublicKey decodes the JWK.
func (k JWK) PublicKey() (ed25519.PublicKey, error) {
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}
	raw, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("invalid x: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
