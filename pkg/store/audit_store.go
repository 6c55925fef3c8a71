// Package store implements the append-only truth chain: governance events
// stored with content addressing and hash chaining so any later edit is
// detectable.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrEntryNotFound    = errors.New("entry not found")
	ErrChainBroken      = errors.New("hash chain is broken")
	ErrInvalidEntryType = errors.New("invalid entry type")
)

// GenesisHash is the previous hash of the first entry.
const GenesisHash = "genesis"

// EntryType categorizes chain entries.
type EntryType string

const (
	EntryTypeCouncilDecision    EntryType = "council_decision"
	EntryTypeHumanOverride      EntryType = "human_override"
	EntryTypeEscalation         EntryType = "escalation"
	EntryTypeCredentialIssued   EntryType = "credential_issued"
	EntryTypeCredentialRefresh  EntryType = "credential_refreshed"
	EntryTypeCredentialRevoked  EntryType = "credential_revoked"
	EntryTypeAgentStatusChanged EntryType = "agent_status_changed"
)

var knownEntryTypes = map[EntryType]bool{
	EntryTypeCouncilDecision:    true,
	EntryTypeHumanOverride:      true,
	EntryTypeEscalation:         true,
	EntryTypeCredentialIssued:   true,
	EntryTypeCredentialRefresh:  true,
	EntryTypeCredentialRevoked:  true,
	EntryTypeAgentStatusChanged: true,
}

// AuditEntry is a single immutable entry on the chain. Sequence doubles as
// the block height quoted in credential provenance.
type AuditEntry struct {
	EntryID      string            `json:"entry_id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	EntryType    EntryType         `json:"entry_type"`
	Subject      string            `json:"subject"`
	Action       string            `json:"action"`
	Payload      json.RawMessage   `json:"payload"`
	PayloadHash  string            `json:"payload_hash"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AuditStore is an append-only log with hash chaining.
type AuditStore struct {
	mu          sync.RWMutex
	entries     []*AuditEntry
	entryByID   map[string]*AuditEntry
	entryByHash map[string]*AuditEntry
	sequence    uint64
	chainHead   string
	handlers    []EntryHandler
	clock       func() time.Time
}

// EntryHandler is called after an entry is appended, outside the lock.
type EntryHandler func(entry *AuditEntry)

// NewAuditStore creates an empty chain.
func NewAuditStore() *AuditStore {
	return &AuditStore{
		entries:     make([]*AuditEntry, 0),
		entryByID:   make(map[string]*AuditEntry),
		entryByHash: make(map[string]*AuditEntry),
		chainHead:   GenesisHash,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *AuditStore) WithClock(clock func() time.Time) *AuditStore {
	s.clock = clock
	return s
}

// Append adds a new entry. The payload is stored in RFC 8785 canonical
// form so its hash does not depend on map ordering.
func (s *AuditStore) Append(entryType EntryType, subject, action string, payload any, metadata map[string]string) (*AuditEntry, error) {
	if !knownEntryTypes[entryType] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntryType, entryType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	s.mu.Lock()
	entry := &AuditEntry{
		EntryID:      uuid.New().String(),
		Sequence:     s.sequence + 1,
		Timestamp:    s.clock().UTC(),
		EntryType:    entryType,
		Subject:      subject,
		Action:       action,
		Payload:      canonical,
		PayloadHash:  computeHash(canonical),
		PreviousHash: s.chainHead,
		Metadata:     metadata,
	}

	entryHash, err := computeEntryHash(entry)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to compute entry hash: %w", err)
	}
	entry.EntryHash = entryHash
	s.sequence = entry.Sequence
	s.chainHead = entry.EntryHash

	s.entries = append(s.entries, entry)
	s.entryByID[entry.EntryID] = entry
	s.entryByHash[entry.EntryHash] = entry
	handlers := append([]EntryHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(entry)
	}
	return entry, nil
}

func computeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

func computeEntryHash(entry *AuditEntry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		EntryType    EntryType `json:"entry_type"`
		Subject      string    `json:"subject"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{
		Sequence:     entry.Sequence,
		Timestamp:    entry.Timestamp,
		EntryType:    entry.EntryType,
		Subject:      entry.Subject,
		Action:       entry.Action,
		PayloadHash:  entry.PayloadHash,
		PreviousHash: entry.PreviousHash,
	}

	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	return computeHash(data), nil
}

// Get retrieves an entry by ID.
func (s *AuditStore) Get(entryID string) (*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entryByID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// GetByHash retrieves an entry by its hash.
func (s *AuditStore) GetByHash(hash string) (*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entryByHash[hash]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// Head returns the current chain head hash and its sequence.
func (s *AuditStore) Head() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead, s.sequence
}

// Query returns entries matching the filter in append order.
func (s *AuditStore) Query(filter QueryFilter) []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// Latest returns the most recent entry for subject.
func (s *AuditStore) Latest(subject string) (*AuditEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Subject == subject {
			return s.entries[i], true
		}
	}
	return nil, false
}

// QueryFilter defines filtering criteria for queries.
type QueryFilter struct {
	EntryType  EntryType
	Subject    string
	StartTime  *time.Time
	EndTime    *time.Time
	StartSeq   uint64
	MaxResults int
}

func (f QueryFilter) matches(e *AuditEntry) bool {
	if f.EntryType != "" && e.EntryType != f.EntryType {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	return true
}

// VerifyChain recomputes every hash and link.
func (s *AuditStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedPrev := GenesisHash
	for i, entry := range s.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		if computeHash(entry.Payload) != entry.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

// AddHandler registers a handler for new entries.
func (s *AuditStore) AddHandler(h EntryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Size returns the number of entries in the store.
func (s *AuditStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
