// Package upchain ties the governance pieces together: an agent's upchain
// request is evaluated by the council, the Decision is persisted, escalated
// decisions are routed to human review, and everything is recorded on the
// truth chain.
package upchain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chunkstar/agentanchor-app/pkg/audit"
	"github.com/chunkstar/agentanchor-app/pkg/council"
	"github.com/chunkstar/agentanchor-app/pkg/credentials"
	"github.com/chunkstar/agentanchor-app/pkg/errorir"
	"github.com/chunkstar/agentanchor-app/pkg/escalation"
	"github.com/chunkstar/agentanchor-app/pkg/precedent"
	"github.com/chunkstar/agentanchor-app/pkg/retry"
)

// Evaluator produces a council Decision for a request.
type Evaluator interface {
	Evaluate(ctx context.Context, req council.Request) (*council.Decision, error)
}

// Service orchestrates evaluate, persist, escalate and audit.
type Service struct {
	evaluator  Evaluator
	decisions  DecisionStore
	workflow   *escalation.Workflow
	precedents escalation.PrecedentIndexer
	audit      *audit.Recorder
	retrier    *retry.Retrier
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithWorkflow(w *escalation.Workflow) Option { return func(s *Service) { s.workflow = w } }

func WithPrecedents(p escalation.PrecedentIndexer) Option {
	return func(s *Service) { s.precedents = p }
}

func WithAudit(r *audit.Recorder) Option { return func(s *Service) { s.audit = r } }

func WithRetrier(r *retry.Retrier) Option { return func(s *Service) { s.retrier = r } }

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(evaluator Evaluator, decisions DecisionStore, opts ...Option) *Service {
	s := &Service{
		evaluator: evaluator,
		decisions: decisions,
		retrier:   retry.New(retry.DefaultPolicy),
		clock:     time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "upchain")
	return s
}

// Submit evaluates req and records the Decision. When the Decision cannot
// be persisted the error is returned and the action must be treated as not
// approved. An escalated Decision whose escalation could not be opened is
// returned together with the error.
func (s *Service) Submit(ctx context.Context, req council.Request) (*council.Decision, *escalation.Escalation, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.clock().UTC()
	}

	d, err := s.evaluator.Evaluate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	err = s.retrier.Do(ctx, "upchain.save_decision", d.ID, func(ctx context.Context) error {
		err := s.decisions.SaveDecision(ctx, d)
		if errors.Is(err, ErrDuplicate) {
			// An earlier attempt landed.
			return nil
		}
		return errorir.Infrastructure("upchain.save_decision", err)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist decision",
			"decision_id", d.ID,
			"agent_id", d.AgentID,
			"error", err,
		)
		return nil, nil, err
	}

	s.audit.Record(ctx, audit.Record{
		Type:    audit.EventCouncilDecision,
		AgentID: d.AgentID,
		Action:  string(d.Outcome),
		Payload: map[string]any{
			"decisionId":       d.ID,
			"requestId":        d.RequestID,
			"actionType":       d.ActionType,
			"riskLevel":        int(d.RiskLevel),
			"policy":           d.Policy.String(),
			"outcome":          string(d.Outcome),
			"votes":            voteSummary(d.Votes),
			"reasoning":        d.FinalReasoning,
			"createsPrecedent": d.CreatesPrecedent,
		},
	})

	var esc *escalation.Escalation
	switch {
	case d.Outcome == council.OutcomeEscalated && s.workflow != nil:
		esc, err = s.workflow.Create(ctx, escalation.CreateInput{
			Decision: d,
			Context:  req.Context,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to open escalation", "decision_id", d.ID, "error", err)
			return d, nil, err
		}
	case d.CreatesPrecedent && s.precedents != nil:
		err := s.precedents.Index(ctx, precedent.Precedent{
			DecisionID: d.ID,
			ActionType: d.ActionType,
			RiskLevel:  d.RiskLevel,
			Outcome:    string(d.Outcome),
			Source:     precedent.SourceCouncil,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "failed to index precedent", "decision_id", d.ID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "upchain request decided",
		"decision_id", d.ID,
		"agent_id", d.AgentID,
		"action_type", d.ActionType,
		"outcome", d.Outcome,
	)
	return d, esc, nil
}

func voteSummary(votes []council.Vote) map[string]string {
	out := make(map[string]string, len(votes))
	for _, v := range votes {
		out[string(v.ValidatorID)] = string(v.Decision)
	}
	return out
}

// Decision returns a stored Decision.
func (s *Service) Decision(ctx context.Context, id string) (*council.Decision, error) {
	d, err := s.decisions.Decision(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, errorir.NotFound("decision", id)
	}
	if err != nil {
		return nil, errorir.Infrastructure("upchain.get_decision", err)
	}
	return d, nil
}

// EffectiveOutcome resolves what the agent may act on: the latest human
// override when one exists, else the outcome of a resolved escalation,
// else the council's own outcome.
func (s *Service) EffectiveOutcome(ctx context.Context, decisionID string) (council.Outcome, error) {
	d, err := s.Decision(ctx, decisionID)
	if err != nil {
		return "", err
	}

	o, ok, err := s.decisions.LatestOverride(ctx, decisionID)
	if err != nil {
		return "", errorir.Infrastructure("upchain.latest_override", err)
	}
	if ok {
		return o.Outcome, nil
	}

	if d.Outcome == council.OutcomeEscalated && s.workflow != nil {
		esc, err := s.workflow.ForDecision(ctx, decisionID)
		var nf *errorir.NotFoundError
		switch {
		case errors.As(err, &nf):
		case err != nil:
			return "", err
		case esc.Status == escalation.StatusApproved:
			return council.OutcomeApproved, nil
		case esc.Status == escalation.StatusRejected:
			return council.OutcomeDenied, nil
		}
	}
	return d.Outcome, nil
}

// Summary condenses an agent's decision history for credential issuance.
func (s *Service) Summary(ctx context.Context, agentID string) (credentials.GovernanceSummary, error) {
	decisions, err := s.decisions.DecisionsForAgent(ctx, agentID)
	if err != nil {
		return credentials.GovernanceSummary{}, errorir.Infrastructure("upchain.summary", err)
	}
	return summarize(decisions), nil
}

func summarize(decisions []*council.Decision) credentials.GovernanceSummary {
	var sum credentials.GovernanceSummary
	if len(decisions) == 0 {
		return sum
	}
	var approved, escalated int
	latest := decisions[0].DecidedAt
	for _, d := range decisions {
		switch d.Outcome {
		case council.OutcomeApproved:
			approved++
		case council.OutcomeEscalated:
			escalated++
		}
		if d.DecidedAt.After(latest) {
			latest = d.DecidedAt
		}
	}
	total := len(decisions)
	sum.TotalDecisions = total
	sum.ApprovalRate = float64(approved) / float64(total)
	sum.EscalationRate = float64(escalated) / float64(total)
	sum.LastCouncilReview = latest.UTC().Format(time.RFC3339)
	return sum
}
