package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

// Schema creates the escalations table. Valid for Postgres and SQLite.
const Schema = `
CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	risk_level INTEGER NOT NULL,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	priority_rank INTEGER NOT NULL,
	reason TEXT NOT NULL,
	context TEXT,
	assigned_to TEXT NOT NULL DEFAULT '',
	assigned_at TIMESTAMP,
	review_started_at TIMESTAMP,
	resolution_reason TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMP,
	creates_precedent BOOLEAN NOT NULL DEFAULT FALSE,
	precedent_note TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escalations_queue ON escalations (status, priority_rank, created_at);
CREATE INDEX IF NOT EXISTS idx_escalations_decision ON escalations (decision_id);
`

const selectColumns = `id, decision_id, request_id, agent_id, action_type, risk_level, status, priority,
	reason, context, assigned_to, assigned_at, review_started_at, resolution_reason, resolved_by,
	resolved_at, creates_precedent, precedent_note, expires_at, created_at, updated_at`

// SQLStore is a Store over database/sql using $N placeholders, which both
// lib/pq and modernc.org/sqlite accept.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate applies Schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("escalations migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, esc *Escalation) error {
	ctxJSON, err := marshalContext(esc.Context)
	if err != nil {
		return err
	}
	query := `INSERT INTO escalations (` + selectColumns + `, priority_rank)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query,
		esc.ID, esc.DecisionID, esc.RequestID, esc.AgentID, esc.ActionType, int(esc.RiskLevel),
		string(esc.Status), string(esc.Priority), esc.Reason, ctxJSON, esc.AssignedTo,
		nullTime(esc.AssignedAt), nullTime(esc.ReviewStartedAt), esc.ResolutionReason, esc.ResolvedBy,
		nullTime(esc.ResolvedAt), esc.CreatesPrecedent, esc.PrecedentNote,
		esc.ExpiresAt.UTC(), esc.CreatedAt.UTC(), esc.UpdatedAt.UTC(), esc.Priority.Rank(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert escalation: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM escalations WHERE id = $1`, id)
	return scanEscalation(row)
}

func (s *SQLStore) GetByDecision(ctx context.Context, decisionID string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM escalations
		WHERE decision_id = $1 ORDER BY created_at DESC LIMIT 1`, decisionID)
	return scanEscalation(row)
}

func (s *SQLStore) Transition(ctx context.Context, esc *Escalation, from Status) error {
	query := `UPDATE escalations SET
		status = $3, assigned_to = $4, assigned_at = $5, review_started_at = $6,
		resolution_reason = $7, resolved_by = $8, resolved_at = $9,
		creates_precedent = $10, precedent_note = $11, updated_at = $12
		WHERE id = $1 AND status = $2`
	res, err := s.db.ExecContext(ctx, query,
		esc.ID, string(from), string(esc.Status), esc.AssignedTo,
		nullTime(esc.AssignedAt), nullTime(esc.ReviewStartedAt),
		esc.ResolutionReason, esc.ResolvedBy, nullTime(esc.ResolvedAt),
		esc.CreatesPrecedent, esc.PrecedentNote, esc.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update escalation: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, esc.ID); err != nil {
		return err
	}
	return ErrStaleState
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Escalation, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = arg(string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.Priorities) > 0 {
		ph := make([]string, len(f.Priorities))
		for i, p := range f.Priorities {
			ph[i] = arg(string(p))
		}
		where = append(where, "priority IN ("+strings.Join(ph, ", ")+")")
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = "+arg(f.AssignedTo))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = "+arg(f.AgentID))
	}

	query := `SELECT ` + selectColumns + ` FROM escalations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Order == OrderRecentlyResolved {
		query += " ORDER BY resolved_at IS NULL, resolved_at DESC, id ASC"
	} else {
		query += " ORDER BY priority_rank DESC, created_at ASC, id ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			query += " LIMIT " + arg(math.MaxInt32)
		}
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Escalation, 0)
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) ResolvedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escalations
		WHERE status IN ('approved', 'rejected') AND resolved_at >= $1`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count resolved escalations: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row scanner) (*Escalation, error) {
	var (
		esc                              Escalation
		riskLevel                        int
		status, priority                 string
		ctxJSON                          sql.NullString
		assignedAt, reviewAt, resolvedAt sql.NullTime
	)
	err := row.Scan(
		&esc.ID, &esc.DecisionID, &esc.RequestID, &esc.AgentID, &esc.ActionType, &riskLevel,
		&status, &priority, &esc.Reason, &ctxJSON, &esc.AssignedTo, &assignedAt, &reviewAt,
		&esc.ResolutionReason, &esc.ResolvedBy, &resolvedAt, &esc.CreatesPrecedent,
		&esc.PrecedentNote, &esc.ExpiresAt, &esc.CreatedAt, &esc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escalation: %w", err)
	}
	esc.RiskLevel = risk.Level(riskLevel)
	esc.Status = Status(status)
	esc.Priority = Priority(priority)
	esc.AssignedAt = timePtr(assignedAt)
	esc.ReviewStartedAt = timePtr(reviewAt)
	esc.ResolvedAt = timePtr(resolvedAt)
	if ctxJSON.Valid && ctxJSON.String != "" && ctxJSON.String != "null" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &esc.Context); err != nil {
			return nil, fmt.Errorf("failed to decode escalation context: %w", err)
		}
	}
	return &esc, nil
}

func marshalContext(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode escalation context: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
