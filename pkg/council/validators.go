package council

import (
	"fmt"
	"strings"

	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

// ValidatorID names a panel seat.
type ValidatorID string

const (
	Guardian ValidatorID = "guardian"
	Arbiter  ValidatorID = "arbiter"
	Scholar  ValidatorID = "scholar"
	Advocate ValidatorID = "advocate"
)

// Validator is one seat on the fixed panel. The set is closed; add a seat
// by adding a constant and a case in Evaluate.
type Validator struct {
	ID     ValidatorID `json:"id"`
	Name   string      `json:"name"`
	Domain string      `json:"domain"`
}

// Panel returns the council seats in a stable order.
func Panel() []Validator {
	return []Validator{
		{ID: Guardian, Name: "The Guardian", Domain: "safety"},
		{ID: Arbiter, Name: "The Arbiter", Domain: "compliance"},
		{ID: Scholar, Name: "The Scholar", Domain: "domain knowledge"},
		{ID: Advocate, Name: "The Advocate", Domain: "user advocate"},
	}
}

// Evaluate produces this validator's vote. Pure: the same request always
// yields the same vote.
func (v Validator) Evaluate(req Request) Vote {
	switch v.ID {
	case Guardian:
		return guardianVote(req)
	case Arbiter:
		return arbiterVote(req)
	case Scholar:
		return scholarVote(req)
	case Advocate:
		return advocateVote(req)
	default:
		return Vote{ValidatorID: v.ID, Decision: VoteAbstain, Reasoning: fmt.Sprintf("unknown validator %q", v.ID)}
	}
}

var (
	destructiveMarkers = []string{
		"rm -rf", "delete all", "drop table", "wipe", "exfiltrat", "disable safety",
		"bypass", "disable logging", "escalate privilege", "shutdown",
	}
	regulatedMarkers = []string{
		"pii", "personal data", "ssn", "social security", "credit card", "medical",
		"health record", "payment", "bank account", "financial",
	}
	authorizationMarkers = []string{"consent", "authorized", "authorised", "compliant", "approved by"}
	deceptionMarkers     = []string{
		"impersonat", "deceive", "mislead", "manipulat", "spam", "without telling",
		"pretend to be", "dark pattern", "fake review",
	}
	scholarDomains = []string{
		"read", "write", "data", "api", "send", "message", "generate", "content",
		"analy", "report", "code", "execute", "deploy", "config", "financial", "delete",
		"search", "schedule", "email",
	}
)

func containsAny(haystack string, needles []string) (string, bool) {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return n, true
		}
	}
	return "", false
}

func requestText(req Request) string {
	return strings.ToLower(req.ActionType + " " + req.ActionDetails)
}

func guardianVote(req Request) Vote {
	text := requestText(req)
	if m, ok := containsAny(text, destructiveMarkers); ok {
		return Vote{
			ValidatorID: Guardian,
			Decision:    VoteDeny,
			Reasoning:   fmt.Sprintf("action contains a destructive or unsafe operation (%q)", m),
			Confidence:  0.9,
		}
	}
	if req.RiskLevel >= risk.High && len(strings.TrimSpace(req.Justification)) < 20 {
		return Vote{
			ValidatorID: Guardian,
			Decision:    VoteDeny,
			Reasoning:   "justification is too thin for a high-risk action",
			Confidence:  0.8,
		}
	}
	conf := 0.85
	if req.RiskLevel >= risk.High {
		conf = 0.65
	}
	return Vote{ValidatorID: Guardian, Decision: VoteApprove, Reasoning: "no safety concerns identified", Confidence: conf}
}

func arbiterVote(req Request) Vote {
	text := requestText(req)
	m, regulated := containsAny(text, regulatedMarkers)
	if !regulated {
		conf := 0.75
		if req.RiskLevel >= risk.High {
			conf = 0.6
		}
		return Vote{ValidatorID: Arbiter, Decision: VoteApprove, Reasoning: "no regulated data involved", Confidence: conf}
	}
	if _, ok := containsAny(strings.ToLower(req.Justification), authorizationMarkers); ok {
		return Vote{
			ValidatorID: Arbiter,
			Decision:    VoteApprove,
			Reasoning:   fmt.Sprintf("regulated data (%q) handled with stated authorization", m),
			Confidence:  0.7,
		}
	}
	return Vote{
		ValidatorID: Arbiter,
		Decision:    VoteDeny,
		Reasoning:   fmt.Sprintf("touches regulated data (%q) without documented consent or authorization", m),
		Confidence:  0.85,
	}
}

func scholarVote(req Request) Vote {
	actionType := strings.ToLower(req.ActionType)
	if _, ok := containsAny(actionType, scholarDomains); !ok {
		return Vote{
			ValidatorID: Scholar,
			Decision:    VoteAbstain,
			Reasoning:   fmt.Sprintf("action type %q is outside the scholar's domain", req.ActionType),
		}
	}
	details := strings.TrimSpace(req.ActionDetails)
	if len(details) < 10 {
		return Vote{ValidatorID: Scholar, Decision: VoteAbstain, Reasoning: "not enough detail to assess the action"}
	}
	conf := 0.5 + float64(len(details))/400
	if conf > 0.95 {
		conf = 0.95
	}
	return Vote{ValidatorID: Scholar, Decision: VoteApprove, Reasoning: "action is consistent with established practice", Confidence: conf}
}

func advocateVote(req Request) Vote {
	text := requestText(req)
	if m, ok := containsAny(text, deceptionMarkers); ok {
		return Vote{
			ValidatorID: Advocate,
			Decision:    VoteDeny,
			Reasoning:   fmt.Sprintf("action could deceive or harm users (%q)", m),
			Confidence:  0.9,
		}
	}
	if facing, _ := req.Context["user_facing"].(bool); facing && len(strings.TrimSpace(req.Justification)) < 10 {
		return Vote{ValidatorID: Advocate, Decision: VoteAbstain, Reasoning: "user-facing action without a user benefit stated"}
	}
	return Vote{ValidatorID: Advocate, Decision: VoteApprove, Reasoning: "no adverse user impact expected", Confidence: 0.7}
}
