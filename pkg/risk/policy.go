// Package risk classifies proposed agent actions into risk levels and
// maps each level to the approval policy the council must satisfy.
package risk

import "fmt"

// Level is a 0-4 risk classification.
type Level int

const (
	Minimal Level = iota
	Low
	Medium
	High
	Critical
)

var levelNames = [...]string{"minimal", "low", "medium", "high", "critical"}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is within 0-4.
func (l Level) Valid() bool {
	return l >= Minimal && l <= Critical
}

// Max returns the stricter of two levels.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// PolicyKind enumerates the approval policies.
type PolicyKind string

const (
	AutoApprove            PolicyKind = "auto_approve"
	SingleValidatorApprove PolicyKind = "single_validator_approve"
	MajorityApprove        PolicyKind = "majority_approve"
	UnanimousApprove       PolicyKind = "unanimous_approve"
	HumanRequired          PolicyKind = "human_required"
)

// ApprovalPolicy is the rule the council tally must satisfy. K and OutOf
// are only meaningful for MajorityApprove: K approvals are needed, counted
// as absolute votes, and OutOf is the nominal number of voters.
type ApprovalPolicy struct {
	Kind  PolicyKind `json:"kind"`
	K     int        `json:"k,omitempty"`
	OutOf int        `json:"out_of,omitempty"`
}

func (p ApprovalPolicy) String() string {
	if p.Kind == MajorityApprove {
		return fmt.Sprintf("%s(%d_of_%d)", p.Kind, p.K, p.OutOf)
	}
	return string(p.Kind)
}

// Strictness orders policies from permissive (0) to human-only (4).
func (p ApprovalPolicy) Strictness() int {
	switch p.Kind {
	case AutoApprove:
		return 0
	case SingleValidatorApprove:
		return 1
	case MajorityApprove:
		return 2
	case UnanimousApprove:
		return 3
	default:
		return 4
	}
}

// PolicyFor returns the approval policy for a risk level. Anything outside
// 0-4 requires a human.
func PolicyFor(level Level) ApprovalPolicy {
	switch level {
	case Minimal:
		return ApprovalPolicy{Kind: AutoApprove}
	case Low:
		return ApprovalPolicy{Kind: SingleValidatorApprove}
	case Medium:
		return ApprovalPolicy{Kind: MajorityApprove, K: 2, OutOf: 3}
	case High:
		return ApprovalPolicy{Kind: UnanimousApprove}
	default:
		return ApprovalPolicy{Kind: HumanRequired}
	}
}

// CanAutoApprove reports whether a level can be closed without any vote.
func CanAutoApprove(level Level) bool {
	return PolicyFor(level).Kind == AutoApprove
}
