package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Schema creates the credentials and revocations tables. Valid for
// Postgres and SQLite.
const Schema = `
CREATE TABLE IF NOT EXISTS credentials (
	jwt_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	issuer_id TEXT NOT NULL,
	trust_score INTEGER NOT NULL,
	trust_tier TEXT NOT NULL,
	key_id TEXT NOT NULL,
	parent_jwt_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	issued_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_agent ON credentials (agent_id, issued_at);
CREATE TABLE IF NOT EXISTS credential_revocations (
	jwt_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	revoked_at TIMESTAMP NOT NULL,
	revoked_by TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT ''
);
`

const recordColumns = `jwt_id, agent_id, issuer_id, trust_score, trust_tier, key_id, parent_jwt_id, state, issued_at, expires_at`

const revocationColumns = `jwt_id, agent_id, reason, revoked_at, revoked_by, notes`

// SQLStore implements Store and RevocationStore over database/sql.
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
			return fmt.Errorf("credentials migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO credentials (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (jwt_id) DO NOTHING`,
		rec.JWTID, rec.AgentID, rec.IssuerID, rec.TrustScore, rec.TrustTier, rec.KeyID,
		rec.ParentJTI, string(rec.State), rec.IssuedAt.UTC(), rec.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return requireInserted(res)
}

func (s *SQLStore) Get(ctx context.Context, jti string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM credentials WHERE jwt_id = $1`, jti)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) ForAgent(ctx context.Context, agentID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM credentials
		WHERE agent_id = $1
		ORDER BY issued_at DESC, jwt_id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetState(ctx context.Context, jti string, from, to State) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET state = $3 WHERE jwt_id = $1 AND state = $2`,
		jti, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to update credential state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update credential state: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, jti); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) SaveRevocation(ctx context.Context, rec RevocationRecord) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO credential_revocations (`+revocationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (jwt_id) DO NOTHING`,
		rec.JWTID, rec.AgentID, string(rec.Reason), rec.RevokedAt.UTC(), rec.RevokedBy, rec.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert revocation: %w", err)
	}
	return requireInserted(res)
}

func (s *SQLStore) Revocation(ctx context.Context, jti string) (*RevocationRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+revocationColumns+` FROM credential_revocations WHERE jwt_id = $1`, jti)
	rec, err := scanRevocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *SQLStore) AllRevocations(ctx context.Context) ([]RevocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+revocationColumns+` FROM credential_revocations ORDER BY jwt_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query revocations: %w", err)
	}
	defer rows.Close()

	var out []RevocationRecord
	for rows.Next() {
		rec, err := scanRevocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec   Record
		state string
	)
	err := row.Scan(&rec.JWTID, &rec.AgentID, &rec.IssuerID, &rec.TrustScore, &rec.TrustTier,
		&rec.KeyID, &rec.ParentJTI, &state, &rec.IssuedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	rec.State = State(state)
	rec.IssuedAt = rec.IssuedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}

func scanRevocation(row scanner) (*RevocationRecord, error) {
	var (
		rec    RevocationRecord
		reason string
	)
	err := row.Scan(&rec.JWTID, &rec.AgentID, &reason, &rec.RevokedAt, &rec.RevokedBy, &rec.Notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan revocation: %w", err)
	}
	rec.Reason = RevocationReason(reason)
	rec.RevokedAt = rec.RevokedAt.UTC()
	return &rec, nil
}

func requireInserted(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}
