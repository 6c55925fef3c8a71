package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound   = errors.New("escalation not found")
	ErrDuplicate  = errors.New("escalation already exists")
	ErrStaleState = errors.New("escalation state changed concurrently")
)

// Store persists escalations. Transition is a compare-and-set on status:
// it writes esc only if the stored status still equals from, and returns
// ErrStaleState otherwise.
type Store interface {
	Create(ctx context.Context, esc *Escalation) error
	Get(ctx context.Context, id string) (*Escalation, error)
	GetByDecision(ctx context.Context, decisionID string) (*Escalation, error)
	Transition(ctx context.Context, esc *Escalation, from Status) error
	List(ctx context.Context, f Filter) ([]*Escalation, error)
	ResolvedSince(ctx context.Context, since time.Time) (int, error)
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Escalation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Escalation)}
}

func (s *MemoryStore) Create(_ context.Context, esc *Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[esc.ID]; ok {
		return ErrDuplicate
	}
	s.byID[esc.ID] = esc.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return esc.clone(), nil
}

func (s *MemoryStore) GetByDecision(_ context.Context, decisionID string) (*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, esc := range s.byID {
		if esc.DecisionID == decisionID {
			return esc.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Transition(_ context.Context, esc *Escalation, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[esc.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrStaleState
	}
	s.byID[esc.ID] = esc.clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Escalation, error) {
	s.mu.Lock()
	out := make([]*Escalation, 0, len(s.byID))
	for _, esc := range s.byID {
		if f.matches(esc) {
			out = append(out, esc.clone())
		}
	}
	s.mu.Unlock()

	if f.Order == OrderRecentlyResolved {
		sortRecentlyResolved(out)
	} else {
		sortQueue(out)
	}
	return f.page(out), nil
}

func (s *MemoryStore) ResolvedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, esc := range s.byID {
		if (esc.Status == StatusApproved || esc.Status == StatusRejected) &&
			esc.ResolvedAt != nil && !esc.ResolvedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f Filter) matches(e *Escalation) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, e.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !contains(f.Priorities, e.Priority) {
		return false
	}
	if f.AssignedTo != "" && e.AssignedTo != f.AssignedTo {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	return true
}

func (f Filter) page(in []*Escalation) []*Escalation {
	if f.Offset > 0 {
		if f.Offset >= len(in) {
			return []*Escalation{}
		}
		in = in[f.Offset:]
	}
	if f.Limit > 0 && len(in) > f.Limit {
		in = in[:f.Limit]
	}
	return in
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// sortQueue orders by priority descending, then oldest first.
func sortQueue(in []*Escalation) {
	sort.SliceStable(in, func(i, j int) bool {
		pi, pj := in[i].Priority.Rank(), in[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		if !in[i].CreatedAt.Equal(in[j].CreatedAt) {
			return in[i].CreatedAt.Before(in[j].CreatedAt)
		}
		return in[i].ID < in[j].ID
	})
}

func sortRecentlyResolved(in []*Escalation) {
	sort.SliceStable(in, func(i, j int) bool {
		ri, rj := in[i].ResolvedAt, in[j].ResolvedAt
		switch {
		case ri == nil || rj == nil:
			if (ri == nil) != (rj == nil) {
				return rj == nil
			}
		case !ri.Equal(*rj):
			return ri.After(*rj)
		}
		return in[i].ID < in[j].ID
	})
}
