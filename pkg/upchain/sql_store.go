package upchain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chunkstar/agentanchor-app/pkg/council"
	"github.com/chunkstar/agentanchor-app/pkg/escalation"
	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

// Schema creates the decision and override tables. Valid for Postgres and
// SQLite.
const Schema = `
CREATE TABLE IF NOT EXISTS council_decisions (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	risk_level INTEGER NOT NULL,
	policy TEXT NOT NULL,
	outcome TEXT NOT NULL,
	votes TEXT NOT NULL,
	final_reasoning TEXT NOT NULL,
	creates_precedent BOOLEAN NOT NULL DEFAULT FALSE,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	decided_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_council_decisions_agent ON council_decisions (agent_id, decided_at);
CREATE TABLE IF NOT EXISTS decision_overrides (
	escalation_id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reviewer_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_overrides_decision ON decision_overrides (decision_id, created_at);
`

const decisionColumns = `id, request_id, agent_id, action_type, risk_level, policy, outcome, votes,
	final_reasoning, creates_precedent, confidence, decided_at`

// SQLDecisionStore implements DecisionStore over database/sql.
type SQLDecisionStore struct {
	db *sql.DB
}

func NewSQLDecisionStore(db *sql.DB) *SQLDecisionStore {
	return &SQLDecisionStore{db: db}
}

// Migrate applies Schema.
func (s *SQLDecisionStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("decisions migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLDecisionStore) SaveDecision(ctx context.Context, d *council.Decision) error {
	policy, err := json.Marshal(d.Policy)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	votes, err := json.Marshal(d.Votes)
	if err != nil {
		return fmt.Errorf("failed to encode votes: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO council_decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.RequestID, d.AgentID, d.ActionType, int(d.RiskLevel), string(policy),
		string(d.Outcome), string(votes), d.FinalReasoning, d.CreatesPrecedent, d.Confidence, d.DecidedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLDecisionStore) Decision(ctx context.Context, id string) (*council.Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM council_decisions WHERE id = $1`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *SQLDecisionStore) DecisionsForAgent(ctx context.Context, agentID string) ([]*council.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+decisionColumns+` FROM council_decisions
		WHERE agent_id = $1 ORDER BY decided_at DESC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []*council.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLDecisionStore) RecordOverride(ctx context.Context, o escalation.Override) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO decision_overrides
		(escalation_id, decision_id, agent_id, outcome, reviewer_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (escalation_id) DO NOTHING`,
		o.EscalationID, o.DecisionID, o.AgentID, string(o.Outcome), o.ReviewerID, o.Reason, o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert override: %w", err)
	}
	return nil
}

func (s *SQLDecisionStore) LatestOverride(ctx context.Context, decisionID string) (*escalation.Override, bool, error) {
	var (
		o       escalation.Override
		outcome string
	)
	err := s.db.QueryRowContext(ctx, `SELECT escalation_id, decision_id, agent_id, outcome, reviewer_id, reason, created_at
		FROM decision_overrides WHERE decision_id = $1
		ORDER BY created_at DESC LIMIT 1`, decisionID,
	).Scan(&o.EscalationID, &o.DecisionID, &o.AgentID, &outcome, &o.ReviewerID, &o.Reason, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query override: %w", err)
	}
	o.Outcome = council.Outcome(outcome)
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(row scanner) (*council.Decision, error) {
	var (
		d       council.Decision
		level   int
		policy  string
		outcome string
		votes   string
	)
	err := row.Scan(&d.ID, &d.RequestID, &d.AgentID, &d.ActionType, &level, &policy, &outcome, &votes,
		&d.FinalReasoning, &d.CreatesPrecedent, &d.Confidence, &d.DecidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan decision: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &d.Policy); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	if err := json.Unmarshal([]byte(votes), &d.Votes); err != nil {
		return nil, fmt.Errorf("failed to decode votes: %w", err)
	}
	d.RiskLevel = risk.Level(level)
	d.Outcome = council.Outcome(outcome)
	d.DecidedAt = d.DecidedAt.UTC()
	return &d, nil
}
