package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/chunkstar/agentanchor-app/pkg/store"
)

var entryTypes = map[EventType]store.EntryType{
	EventCouncilDecision:   store.EntryTypeCouncilDecision,
	EventHumanOverride:     store.EntryTypeHumanOverride,
	EventEscalation:        store.EntryTypeEscalation,
	EventCredentialIssued:  store.EntryTypeCredentialIssued,
	EventCredentialRefresh: store.EntryTypeCredentialRefresh,
	EventCredentialRevoked: store.EntryTypeCredentialRevoked,
}

// ChainLog appends records to the hash-chained truth chain.
type ChainLog struct {
	store *store.AuditStore
}

func NewChainLog(s *store.AuditStore) *ChainLog {
	return &ChainLog{store: s}
}

func (l *ChainLog) Append(ctx context.Context, rec Record) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	entryType, ok := entryTypes[rec.Type]
	if !ok {
		return fmt.Errorf("%w: %q", store.ErrInvalidEntryType, rec.Type)
	}
	rec.fill(time.Now())

	_, err := l.store.Append(entryType, "agent:"+rec.AgentID, rec.Action, rec, map[string]string{
		"actor_id":  rec.ActorID,
		"record_id": rec.ID,
	})
	return err
}

// Head reports the chain head hash and block height.
func (l *ChainLog) Head() (string, uint64) {
	return l.store.Head()
}
