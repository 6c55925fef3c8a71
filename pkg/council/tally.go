package council

import (
	"fmt"
	"strings"

	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

// Apply maps a tally to an outcome under policy. Abstains never count
// toward either side. With no votes cast the outcome is always escalated.
func Apply(policy risk.ApprovalPolicy, t Tally) Outcome {
	if t.Cast() == 0 {
		return OutcomeEscalated
	}

	switch policy.Kind {
	case risk.AutoApprove:
		return OutcomeApproved
	case risk.SingleValidatorApprove:
		if t.Approve >= 1 && t.Deny == 0 {
			return OutcomeApproved
		}
		return OutcomeEscalated
	case risk.MajorityApprove:
		k := policy.K
		if k < 1 {
			k = 1
		}
		// K is an absolute count of approvals. Denies do not veto.
		if t.Approve >= k {
			return OutcomeApproved
		}
		return OutcomeEscalated
	case risk.UnanimousApprove:
		if t.Deny > 0 {
			return OutcomeDenied
		}
		return OutcomeApproved
	default:
		return OutcomeEscalated
	}
}

// Summarize builds the user-facing reasoning for a decision. Every deny
// and abstain reason is listed.
func Summarize(policy risk.ApprovalPolicy, outcome Outcome, votes []Vote) string {
	t := Count(votes)
	var b strings.Builder
	fmt.Fprintf(&b, "Council %s under %s (%d approve, %d deny, %d abstain).",
		outcome, policy, t.Approve, t.Deny, t.Abstain)

	switch {
	case t.Cast() == 0:
		b.WriteString(" No validator reached a view; a human must decide.")
	case policy.Kind == risk.HumanRequired:
		b.WriteString(" Critical risk always requires human approval.")
	case outcome == OutcomeEscalated:
		b.WriteString(" Consensus was not reached.")
	}

	var denies, abstains []string
	for _, v := range votes {
		switch v.Decision {
		case VoteDeny:
			denies = append(denies, fmt.Sprintf("%s: %s", v.ValidatorID, v.Reasoning))
		case VoteAbstain:
			abstains = append(abstains, fmt.Sprintf("%s: %s", v.ValidatorID, v.Reasoning))
		}
	}
	if len(denies) > 0 {
		b.WriteString(" Dissent: ")
		b.WriteString(strings.Join(denies, "; "))
		b.WriteString(".")
	}
	if len(abstains) > 0 {
		b.WriteString(" Abstained: ")
		b.WriteString(strings.Join(abstains, "; "))
		b.WriteString(".")
	}
	return b.String()
}
