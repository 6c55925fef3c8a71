package escalation

import (
	"time"

	"github.com/chunkstar/agentanchor-app/pkg/council"
	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

// Status is the lifecycle state of an escalation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAssigned Status = "assigned"
	StatusInReview Status = "in_review"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Open lists the non-terminal states.
var Open = []Status{StatusPending, StatusAssigned, StatusInReview}

// Priority orders the review queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank is 0 for low up to 3 for critical.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// PriorityFor derives the queue priority from a risk level.
func PriorityFor(level risk.Level) Priority {
	switch {
	case level >= risk.Critical:
		return PriorityCritical
	case level == risk.High:
		return PriorityHigh
	case level == risk.Medium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

const (
	CriticalExpiry = 72 * time.Hour
	DefaultExpiry  = 168 * time.Hour
)

// ExpiryFor returns the review window for a priority.
func ExpiryFor(p Priority) time.Duration {
	if p == PriorityCritical {
		return CriticalExpiry
	}
	return DefaultExpiry
}

// Escalation is a council decision waiting on a human reviewer.
type Escalation struct {
	ID               string         `json:"id"`
	DecisionID       string         `json:"decisionId"`
	RequestID        string         `json:"requestId,omitempty"`
	AgentID          string         `json:"agentId"`
	ActionType       string         `json:"actionType"`
	RiskLevel        risk.Level     `json:"riskLevel"`
	Status           Status         `json:"status"`
	Priority         Priority       `json:"priority"`
	Reason           string         `json:"reason"`
	Context          map[string]any `json:"context,omitempty"`
	AssignedTo       string         `json:"assignedTo,omitempty"`
	AssignedAt       *time.Time     `json:"assignedAt,omitempty"`
	ReviewStartedAt  *time.Time     `json:"reviewStartedAt,omitempty"`
	ResolutionReason string         `json:"resolutionReason,omitempty"`
	ResolvedBy       string         `json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time     `json:"resolvedAt,omitempty"`
	CreatesPrecedent bool           `json:"createsPrecedent"`
	PrecedentNote    string         `json:"precedentNote,omitempty"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func (e *Escalation) clone() *Escalation {
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Override annotates a Decision with a human outcome. The Decision itself
// is never edited.
type Override struct {
	DecisionID   string          `json:"decisionId"`
	EscalationID string          `json:"escalationId"`
	AgentID      string          `json:"agentId"`
	Outcome      council.Outcome `json:"outcome"`
	ReviewerID   string          `json:"reviewerId"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// CreateInput opens an escalation for an escalated decision.
type CreateInput struct {
	Decision  *council.Decision
	Reason    string
	Context   map[string]any
	ExpiresIn time.Duration
}

// ResolveInput closes an escalation.
type ResolveInput struct {
	Resolution       Status `json:"resolution"`
	Reason           string `json:"reason"`
	ReviewerID       string `json:"reviewerId"`
	CreatesPrecedent bool   `json:"createsPrecedent"`
	PrecedentNote    string `json:"precedentNote,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Statuses   []Status
	Priorities []Priority
	AssignedTo string
	AgentID    string
	Limit      int
	Offset     int
	// Order defaults to OrderQueue.
	Order Order
}

// Order selects how List sorts its results.
type Order int

const (
	// OrderQueue sorts by priority descending, then oldest first.
	OrderQueue Order = iota
	// OrderRecentlyResolved sorts by resolution time, newest first.
	// Unresolved escalations sort last.
	OrderRecentlyResolved
)

// Stats summarises the review queue.
type Stats struct {
	Pending            int `json:"pending"`
	InReview           int `json:"inReview"`
	ResolvedToday      int `json:"resolvedToday"`
	AvgResolutionHours int `json:"avgResolutionHours"`
}
