// Package council runs proposed agent actions past a fixed panel of
// validators and turns their votes into a single Decision under the
// approval policy for the action's risk level.
package council

import (
	"strings"
	"time"

	"github.com/chunkstar/agentanchor-app/pkg/errorir"
	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

// VoteDecision is a validator's verdict.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteDeny    VoteDecision = "deny"
	VoteAbstain VoteDecision = "abstain"
)

// Vote is one validator's output for one request.
type Vote struct {
	ValidatorID ValidatorID  `json:"validator_id"`
	Decision    VoteDecision `json:"decision"`
	Reasoning   string       `json:"reasoning"`
	Confidence  float64      `json:"confidence"`
}

// Outcome is the council's verdict.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeDenied    Outcome = "denied"
	OutcomeEscalated Outcome = "escalated"
)

// Request is an upchain request: an agent asking permission for an action.
// Immutable once created.
type Request struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	ActionType    string         `json:"action_type"`
	ActionDetails string         `json:"action_details"`
	Context       map[string]any `json:"context,omitempty"`
	Justification string         `json:"justification"`
	RiskLevel     risk.Level     `json:"risk_level"`
	RequestedAt   time.Time      `json:"requested_at"`
}

// Validate checks the required fields.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.AgentID) == "":
		return errorir.Validation("agent_id", "required")
	case strings.TrimSpace(r.ActionType) == "":
		return errorir.Validation("action_type", "required")
	case strings.TrimSpace(r.ActionDetails) == "":
		return errorir.Validation("action_details", "required")
	case strings.TrimSpace(r.Justification) == "":
		return errorir.Validation("justification", "required")
	case !r.RiskLevel.Valid():
		return errorir.Validation("risk_level", "must be between 0 and 4, got %d", int(r.RiskLevel))
	}
	return nil
}

// Decision is the council's output for one request. Never mutated; a
// human resolution is recorded separately as an override.
type Decision struct {
	ID               string              `json:"id"`
	RequestID        string              `json:"request_id"`
	AgentID          string              `json:"agent_id"`
	ActionType       string              `json:"action_type"`
	RiskLevel        risk.Level          `json:"risk_level"`
	Policy           risk.ApprovalPolicy `json:"policy"`
	Outcome          Outcome             `json:"outcome"`
	Votes            []Vote              `json:"votes"`
	FinalReasoning   string              `json:"final_reasoning"`
	CreatesPrecedent bool                `json:"creates_precedent"`
	Confidence       float64             `json:"confidence"`
	DecidedAt        time.Time           `json:"decided_at"`
}

// Tally counts votes by decision.
type Tally struct {
	Approve int `json:"approve"`
	Deny    int `json:"deny"`
	Abstain int `json:"abstain"`
}

// Cast is the number of non-abstaining votes.
func (t Tally) Cast() int { return t.Approve + t.Deny }

// Count tallies a vote set.
func Count(votes []Vote) Tally {
	var t Tally
	for _, v := range votes {
		switch v.Decision {
		case VoteApprove:
			t.Approve++
		case VoteDeny:
			t.Deny++
		default:
			t.Abstain++
		}
	}
	return t
}
