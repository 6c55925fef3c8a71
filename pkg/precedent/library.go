// Package precedent keeps the library of decided cases consulted by the
// council and fed by human reviewers.
package precedent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

// Source says where a precedent came from.
type Source string

const (
	SourceCouncil  Source = "council"
	SourceOverride Source = "human_override"
)

// Precedent is one indexed case.
type Precedent struct {
	DecisionID string     `json:"decision_id"`
	ActionType string     `json:"action_type"`
	RiskLevel  risk.Level `json:"risk_level"`
	Outcome    string     `json:"outcome"`
	Source     Source     `json:"source"`
	Note       string     `json:"note,omitempty"`
	IndexedAt  time.Time  `json:"indexed_at"`
}

type key struct {
	actionType string
	level      risk.Level
}

// Library is an in-memory precedent index keyed by normalised action type
// and risk level.
type Library struct {
	mu    sync.RWMutex
	byKey map[key][]Precedent
	byID  map[string]struct{}
	size  int
	clock func() time.Time
}

func NewLibrary() *Library {
	return &Library{
		byKey: make(map[key][]Precedent),
		byID:  make(map[string]struct{}),
		clock: time.Now,
	}
}

func keyFor(actionType string, level risk.Level) key {
	return key{actionType: risk.NormalizeActionType(actionType), level: level}
}

// HasPrecedent reports whether a case exists for actionType at level.
func (l *Library) HasPrecedent(_ context.Context, actionType string, level risk.Level) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byKey[keyFor(actionType, level)]) > 0, nil
}

// Index adds p. Re-indexing the same decision is a no-op.
func (l *Library) Index(_ context.Context, p Precedent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.byID[p.DecisionID]; dup && p.DecisionID != "" {
		return nil
	}
	if p.IndexedAt.IsZero() {
		p.IndexedAt = l.clock()
	}
	p.ActionType = risk.NormalizeActionType(p.ActionType)
	k := key{actionType: p.ActionType, level: p.RiskLevel}
	l.byKey[k] = append(l.byKey[k], p)
	l.size++
	if p.DecisionID != "" {
		l.byID[p.DecisionID] = struct{}{}
	}
	return nil
}

// Find returns precedents for actionType across all levels, newest first.
func (l *Library) Find(_ context.Context, actionType string) []Precedent {
	want := risk.NormalizeActionType(actionType)
	l.mu.RLock()
	var out []Precedent
	for k, ps := range l.byKey {
		if k.actionType == want {
			out = append(out, ps...)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IndexedAt.After(out[j].IndexedAt) })
	return out
}

// Size returns the number of indexed precedents.
func (l *Library) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}
