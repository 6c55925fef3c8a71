package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/chunkstar/agentanchor-app/pkg/agents"
	"github.com/chunkstar/agentanchor-app/pkg/api"
	"github.com/chunkstar/agentanchor-app/pkg/config"
	"github.com/chunkstar/agentanchor-app/pkg/credentials"
	"github.com/chunkstar/agentanchor-app/pkg/escalation"
	"github.com/chunkstar/agentanchor-app/pkg/upchain"
)

// stores groups the SQL-backed stores sharing one connection pool.
type stores struct {
	db          *sql.DB
	agents      *agents.SQLStore
	credentials *credentials.SQLStore
	escalations *escalation.SQLStore
	decisions   *upchain.SQLDecisionStore
	idempotency *api.SQLIdempotencyStore
}

// openDatabase connects to Postgres, or to SQLite under the data dir in
// lite mode.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, "anchor.db")
		log.Printf("[anchor] lite mode: using sqlite at %s", dbPath)

		db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// SQLite allows one writer.
		db.SetMaxOpenConns(1)
		return db, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	log.Println("[anchor] postgres: connected")
	return db, nil
}

// migrate creates every table the server owns.
func migrate(ctx context.Context, db *sql.DB) (*stores, error) {
	s := &stores{
		db:          db,
		agents:      agents.NewSQLStore(db),
		credentials: credentials.NewSQLStore(db),
		escalations: escalation.NewSQLStore(db),
		decisions:   upchain.NewSQLDecisionStore(db),
		idempotency: api.NewSQLIdempotencyStore(db, api.DefaultIdempotencyTTL),
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"agents", s.agents.Migrate},
		{"credentials", s.credentials.Migrate},
		{"escalations", s.escalations.Migrate},
		{"decisions", s.decisions.Migrate},
		{"idempotency", s.idempotency.Migrate},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", step.name, err)
		}
	}
	return s, nil
}
