package upchain

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/chunkstar/agentanchor-app/pkg/council"
	"github.com/chunkstar/agentanchor-app/pkg/escalation"
)

var (
	ErrNotFound  = errors.New("decision not found")
	ErrDuplicate = errors.New("decision already exists")
)

// DecisionStore persists council decisions and the human overrides
// layered on them. Decisions are write-once.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d *council.Decision) error
	Decision(ctx context.Context, id string) (*council.Decision, error)
	// DecisionsForAgent returns the agent's decisions, newest first.
	DecisionsForAgent(ctx context.Context, agentID string) ([]*council.Decision, error)
	// RecordOverride is idempotent per escalation.
	RecordOverride(ctx context.Context, o escalation.Override) error
	LatestOverride(ctx context.Context, decisionID string) (*escalation.Override, bool, error)
}

// MemoryDecisionStore is an in-process DecisionStore.
type MemoryDecisionStore struct {
	mu        sync.RWMutex
	decisions map[string]council.Decision
	overrides map[string][]escalation.Override
}

func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{
		decisions: make(map[string]council.Decision),
		overrides: make(map[string][]escalation.Override),
	}
}

func (s *MemoryDecisionStore) SaveDecision(_ context.Context, d *council.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[d.ID]; ok {
		return ErrDuplicate
	}
	cp := *d
	cp.Votes = append([]council.Vote(nil), d.Votes...)
	s.decisions[d.ID] = cp
	return nil
}

func (s *MemoryDecisionStore) Decision(_ context.Context, id string) (*council.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return nil, ErrNotFound
	}
	d.Votes = append([]council.Vote(nil), d.Votes...)
	return &d, nil
}

func (s *MemoryDecisionStore) DecisionsForAgent(_ context.Context, agentID string) ([]*council.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*council.Decision
	for _, d := range s.decisions {
		if d.AgentID == agentID {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DecidedAt.Equal(out[j].DecidedAt) {
			return out[i].DecidedAt.After(out[j].DecidedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryDecisionStore) RecordOverride(_ context.Context, o escalation.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.overrides[o.DecisionID] {
		if existing.EscalationID == o.EscalationID {
			return nil
		}
	}
	s.overrides[o.DecisionID] = append(s.overrides[o.DecisionID], o)
	return nil
}

func (s *MemoryDecisionStore) LatestOverride(_ context.Context, decisionID string) (*escalation.Override, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.overrides[decisionID]
	if len(list) == 0 {
		return nil, false, nil
	}
	latest := list[0]
	for _, o := range list[1:] {
		if !o.CreatedAt.Before(latest.CreatedAt) {
			latest = o
		}
	}
	return &latest, true, nil
}
