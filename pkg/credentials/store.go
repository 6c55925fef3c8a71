package credentials

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound  = errors.New("credential not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store persists issued credential records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, jti string) (*Record, error)
	// ForAgent returns every record issued to the agent, newest first.
	ForAgent(ctx context.Context, agentID string) ([]Record, error)
	// SetState moves jti from one state to another. It reports false when
	// the stored state was not from.
	SetState(ctx context.Context, jti string, from, to State) (bool, error)
}

// RevocationStore is the durable, append-only revocation list.
type RevocationStore interface {
	// SaveRevocation returns ErrDuplicate if jti is already revoked.
	SaveRevocation(ctx context.Context, rec RevocationRecord) error
	Revocation(ctx context.Context, jti string) (*RevocationRecord, bool, error)
	AllRevocations(ctx context.Context) ([]RevocationRecord, error)
}

// MemoryStore implements Store and RevocationStore in process.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]Record
	revocations map[string]RevocationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]Record),
		revocations: make(map[string]RevocationRecord),
	}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.JWTID]; ok {
		return ErrDuplicate
	}
	s.records[rec.JWTID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jti string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jti]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) ForAgent(_ context.Context, agentID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].JWTID < out[j].JWTID
	})
	return out, nil
}

func (s *MemoryStore) SetState(_ context.Context, jti string, from, to State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jti]
	if !ok {
		return false, ErrNotFound
	}
	if rec.State != from {
		return false, nil
	}
	rec.State = to
	s.records[jti] = rec
	return true, nil
}

func (s *MemoryStore) SaveRevocation(_ context.Context, rec RevocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revocations[rec.JWTID]; ok {
		return ErrDuplicate
	}
	s.revocations[rec.JWTID] = rec
	return nil
}

func (s *MemoryStore) Revocation(_ context.Context, jti string) (*RevocationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.revocations[jti]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (s *MemoryStore) AllRevocations(_ context.Context) ([]RevocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RevocationRecord, 0, len(s.revocations))
	for _, rec := range s.revocations {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JWTID < out[j].JWTID })
	return out, nil
}
