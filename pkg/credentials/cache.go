package credentials

import (
	"context"
	"fmt"
	"sync"
)

// RevocationCache is the fast path consulted by every Verify. Writes must
// be visible to the next Lookup on any goroutine once they return.
type RevocationCache interface {
	// Lookup returns the revocation for jti, if any.
	Lookup(ctx context.Context, jti string) (*RevocationRecord, bool, error)
	// Add inserts rec unless jti is already present. It reports whether
	// this call inserted it.
	Add(ctx context.Context, rec RevocationRecord) (bool, error)
	// AddAll inserts every record in one step. Existing entries are kept.
	AddAll(ctx context.Context, recs []RevocationRecord) error
}

// MemoryRevocationCache is an in-process RevocationCache. It is populated
// once at startup with Warm and never cleared.
type MemoryRevocationCache struct {
	mu      sync.RWMutex
	revoked map[string]RevocationRecord
}

func NewMemoryRevocationCache() *MemoryRevocationCache {
	return &MemoryRevocationCache{revoked: make(map[string]RevocationRecord)}
}

func (c *MemoryRevocationCache) Lookup(_ context.Context, jti string) (*RevocationRecord, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.revoked[jti]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (c *MemoryRevocationCache) Add(_ context.Context, rec RevocationRecord) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.revoked[rec.JWTID]; ok {
		return false, nil
	}
	c.revoked[rec.JWTID] = rec
	return true, nil
}

func (c *MemoryRevocationCache) AddAll(_ context.Context, recs []RevocationRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		if _, ok := c.revoked[rec.JWTID]; !ok {
			c.revoked[rec.JWTID] = rec
		}
	}
	return nil
}

// Len returns the number of cached revocations.
func (c *MemoryRevocationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.revoked)
}

// Warm loads every durable revocation into the cache.
func (c *MemoryRevocationCache) Warm(ctx context.Context, src RevocationStore) (int, error) {
	recs, err := src.AllRevocations(ctx)
	if err != nil {
		return 0, fmt.Errorf("warm revocation cache: %w", err)
	}
	if err := c.AddAll(ctx, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}
