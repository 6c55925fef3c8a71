// Package agents is the read side of the agent registry used by credential
// issuance and live trust lookups.
package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown agent ids.
var ErrNotFound = errors.New("agent not found")

// Status is an agent's lifecycle state.
type Status string

const (
	StatusTraining   Status = "training"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusTerminated Status = "terminated"
)

// Agent is the subset of the registry record the governance core reads.
type Agent struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"ownerId"`
	Name            string     `json:"name"`
	Status          Status     `json:"status"`
	TrustScore      int        `json:"trustScore"`
	GraduatedAt     *time.Time `json:"graduatedAt,omitempty"`
	Specializations []string   `json:"specializations,omitempty"`
	MentorCertified bool       `json:"mentorCertified"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Store reads agents.
type Store interface {
	Get(ctx context.Context, id string) (*Agent, error)
}

// MemoryStore is an in-process Store, also used to seed lite mode.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewMemoryStore(seed ...Agent) *MemoryStore {
	s := &MemoryStore{agents: make(map[string]Agent, len(seed))}
	for _, a := range seed {
		s.agents[a.ID] = a
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.Specializations = append([]string(nil), a.Specializations...)
	return &a, nil
}

// Put inserts or replaces an agent.
func (s *MemoryStore) Put(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

// Schema creates the agents table. Valid for Postgres and SQLite.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	trust_score INTEGER NOT NULL DEFAULT 0,
	graduated_at TIMESTAMP,
	specializations TEXT,
	mentor_certified BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMP NOT NULL
)`

// SQLStore reads agents from a shared registry table.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("agents migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Agent, error) {
	var (
		a           Agent
		status      string
		graduatedAt sql.NullTime
		specs       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, status, trust_score, graduated_at, specializations, mentor_certified, updated_at
		FROM agents WHERE id = $1`, id).Scan(
		&a.ID, &a.OwnerID, &a.Name, &status, &a.TrustScore, &graduatedAt, &specs, &a.MentorCertified, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	a.Status = Status(status)
	if graduatedAt.Valid {
		t := graduatedAt.Time
		a.GraduatedAt = &t
	}
	if specs.Valid && specs.String != "" {
		if err := json.Unmarshal([]byte(specs.String), &a.Specializations); err != nil {
			return nil, fmt.Errorf("failed to decode specializations: %w", err)
		}
	}
	return &a, nil
}

// Put upserts an agent. The registry is owned elsewhere; this exists for
// lite mode seeding and tests.
func (s *SQLStore) Put(ctx context.Context, a Agent) error {
	specs, err := json.Marshal(a.Specializations)
	if err != nil {
		return err
	}
	var graduated sql.NullTime
	if a.GraduatedAt != nil {
		graduated = sql.NullTime{Time: a.GraduatedAt.UTC(), Valid: true}
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, owner_id, name, status, trust_score, graduated_at, specializations, mentor_certified, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			trust_score = EXCLUDED.trust_score,
			graduated_at = EXCLUDED.graduated_at,
			specializations = EXCLUDED.specializations,
			mentor_certified = EXCLUDED.mentor_certified,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.OwnerID, a.Name, string(a.Status), a.TrustScore, graduated, string(specs), a.MentorCertified, a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// TrustScores adapts a Store to a live score lookup.
type TrustScores struct {
	Store Store
}

// CurrentScore returns the agent's live trust score. ok is false for
// unknown agents.
func (t TrustScores) CurrentScore(ctx context.Context, agentID string) (score int, ok bool, err error) {
	a, err := t.Store.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return a.TrustScore, true, nil
}
