package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkstar/agentanchor-app/pkg/audit"
	"github.com/chunkstar/agentanchor-app/pkg/retry"
	"github.com/chunkstar/agentanchor-app/pkg/store"
)

func TestWriterLog_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	log := audit.NewWriterLog(&buf)

	err := log.Append(context.Background(), audit.Record{
		Type:    audit.EventCouncilDecision,
		AgentID: "agent-1",
		Action:  "approved",
		Payload: map[string]any{"decision_id": "d-1"},
	})
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var rec audit.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &rec))
	assert.Equal(t, audit.EventCouncilDecision, rec.Type)
	assert.Equal(t, "agent-1", rec.AgentID)
	assert.Equal(t, "system", rec.ActorID)
	assert.Equal(t, "d-1", rec.Payload["decision_id"])
	assert.Len(t, rec.ID, 36)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestChainLog_AppendsToStore(t *testing.T) {
	s := store.NewAuditStore()
	log := audit.NewChainLog(s)

	err := log.Append(context.Background(), audit.Record{
		Type:    audit.EventHumanOverride,
		AgentID: "agent-1",
		ActorID: "reviewer-9",
		Action:  "approved",
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.Size())

	entries := s.Query(store.QueryFilter{Subject: "agent:agent-1"})
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntryTypeHumanOverride, entries[0].EntryType)
	assert.Equal(t, "reviewer-9", entries[0].Metadata["actor_id"])

	head, height := log.Head()
	assert.Equal(t, entries[0].EntryHash, head)
	assert.Equal(t, uint64(1), height)
	assert.NoError(t, s.VerifyChain())
}

func TestChainLog_FailClosed(t *testing.T) {
	log := audit.NewChainLog(nil)
	err := log.Append(context.Background(), audit.Record{Type: audit.EventEscalation})
	assert.Error(t, err)

	log = audit.NewChainLog(store.NewAuditStore())
	err = log.Append(context.Background(), audit.Record{Type: "login"})
	assert.ErrorIs(t, err, store.ErrInvalidEntryType)
}

type flakyLog struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyLog) Append(context.Context, audit.Record) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("sink unavailable")
	}
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRecorder_RetriesThenSucceeds(t *testing.T) {
	sink := &flakyLog{failures: 2}
	rec := audit.NewRecorder(sink, nil).WithRetrier(retry.New(retry.DefaultPolicy).WithSleeper(noSleep))

	ok := rec.Record(context.Background(), audit.Record{Type: audit.EventEscalation, AgentID: "a"})
	assert.True(t, ok)
	assert.Equal(t, int32(3), sink.calls.Load())
}

func TestRecorder_SwallowsPersistentFailure(t *testing.T) {
	sink := &flakyLog{failures: 100}
	rec := audit.NewRecorder(sink, nil).WithRetrier(retry.New(retry.DefaultPolicy).WithSleeper(noSleep))

	ok := rec.Record(context.Background(), audit.Record{Type: audit.EventEscalation, AgentID: "a"})
	assert.False(t, ok)
	assert.Equal(t, int32(retry.DefaultPolicy.MaxAttempts), sink.calls.Load())
}

func TestRecorder_IgnoresCallerCancellation(t *testing.T) {
	sink := &flakyLog{}
	rec := audit.NewRecorder(sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, rec.Record(ctx, audit.Record{Type: audit.EventEscalation}))
}

func TestRecorder_NilLog(t *testing.T) {
	var r *audit.Recorder
	assert.False(t, r.Record(context.Background(), audit.Record{}))
	assert.False(t, audit.NewRecorder(nil, nil).Record(context.Background(), audit.Record{}))
}
