// Package audit records governance events to an append-only log.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit record.
type EventType string

const (
	EventCouncilDecision   EventType = "council_decision"
	EventHumanOverride     EventType = "human_override"
	EventEscalation        EventType = "escalation"
	EventCredentialIssued  EventType = "credential_issued"
	EventCredentialRefresh EventType = "credential_refreshed"
	EventCredentialRevoked EventType = "credential_revoked"
)

// Record is a structured audit record.
type Record struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log is an append-only sink for audit records.
type Log interface {
	Append(ctx context.Context, rec Record) error
}

func (r *Record) fill(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ActorID == "" {
		r.ActorID = "system"
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now.UTC()
	}
}

// WriterLog writes one JSON record per line to a writer.
type WriterLog struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterLog creates a Log writing to w, or os.Stdout when w is nil.
func NewWriterLog(w io.Writer) *WriterLog {
	if w == nil {
		w = os.Stdout
	}
	return &WriterLog{writer: w}
}

func (l *WriterLog) Append(_ context.Context, rec Record) error {
	rec.fill(time.Now())

	bytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
