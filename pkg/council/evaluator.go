package council

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

const instrumentationName = "github.com/chunkstar/agentanchor-app/pkg/council"

// DefaultValidatorTimeout bounds each validator call.
const DefaultValidatorTimeout = 5 * time.Second

// Classifier derives a risk level for a request.
type Classifier interface {
	Classify(ctx context.Context, a risk.Action) risk.Level
}

// PrecedentLookup reports whether a decided case already exists for an
// action type at a risk level.
type PrecedentLookup interface {
	HasPrecedent(ctx context.Context, actionType string, level risk.Level) (bool, error)
}

// voteFunc casts one validator's vote. Replaced in tests to simulate slow
// or failing seats.
type voteFunc func(ctx context.Context, v Validator, req Request) (Vote, error)

func pureVote(_ context.Context, v Validator, req Request) (Vote, error) {
	return v.Evaluate(req), nil
}

// Evaluator runs the council.
type Evaluator struct {
	panel      []Validator
	classifier Classifier
	precedents PrecedentLookup
	timeout    time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	cast       voteFunc

	tracer    trace.Tracer
	decisions metric.Int64Counter
	abstains  metric.Int64Counter
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClassifier derives risk levels from the action in addition to the
// level declared on the request.
func WithClassifier(c Classifier) Option {
	return func(e *Evaluator) { e.classifier = c }
}

// WithPrecedents sets the precedent library consulted for createsPrecedent.
func WithPrecedents(p PrecedentLookup) Option {
	return func(e *Evaluator) { e.precedents = p }
}

// WithValidatorTimeout overrides DefaultValidatorTimeout.
func WithValidatorTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock sets the clock used for DecidedAt.
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

func withVoteFunc(f voteFunc) Option {
	return func(e *Evaluator) { e.cast = f }
}

// NewEvaluator creates an evaluator seated with the fixed panel.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		panel:   Panel(),
		timeout: DefaultValidatorTimeout,
		clock:   time.Now,
		logger:  slog.Default(),
		cast:    pureVote,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "council")

	e.tracer = otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)
	var err error
	if e.decisions, err = meter.Int64Counter("council.decisions",
		metric.WithDescription("Council decisions by outcome"),
		metric.WithUnit("{decision}"),
	); err != nil {
		e.decisions = noop.Int64Counter{}
	}
	if e.abstains, err = meter.Int64Counter("council.forced_abstains",
		metric.WithDescription("Votes replaced by an abstain after a validator timeout or error"),
		metric.WithUnit("{vote}"),
	); err != nil {
		e.abstains = noop.Int64Counter{}
	}
	return e
}

// Panel returns the seats this evaluator dispatches to.
func (e *Evaluator) Panel() []Validator {
	out := make([]Validator, len(e.panel))
	copy(out, e.panel)
	return out
}

// Evaluate runs the council on req. Once dispatch starts the caller's
// cancellation is ignored: every seat either votes or times out, and a
// complete Decision is returned.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	ctx, span := e.tracer.Start(ctx, "council.evaluate", trace.WithAttributes(
		attribute.String("council.request_id", req.ID),
		attribute.String("council.action_type", req.ActionType),
	))
	defer span.End()

	level := req.RiskLevel
	if e.classifier != nil {
		level = risk.Max(level, e.classifier.Classify(ctx, risk.Action{
			Type:          req.ActionType,
			Details:       req.ActionDetails,
			Justification: req.Justification,
			Context:       req.Context,
			Declared:      req.RiskLevel,
		}))
	}
	policy := risk.PolicyFor(level)

	votes := e.dispatch(ctx, req)
	tally := Count(votes)
	outcome := Apply(policy, tally)

	d := &Decision{
		ID:             uuid.NewString(),
		RequestID:      req.ID,
		AgentID:        req.AgentID,
		ActionType:     req.ActionType,
		RiskLevel:      level,
		Policy:         policy,
		Outcome:        outcome,
		Votes:          votes,
		FinalReasoning: Summarize(policy, outcome, votes),
		Confidence:     meanConfidence(votes),
		DecidedAt:      e.clock(),
	}
	d.CreatesPrecedent = e.createsPrecedent(ctx, d)

	span.SetAttributes(
		attribute.String("council.outcome", string(outcome)),
		attribute.Int("council.risk_level", int(level)),
	)
	e.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("policy", string(policy.Kind)),
	))
	e.logger.InfoContext(ctx, "council decision",
		"decision_id", d.ID,
		"request_id", req.ID,
		"agent_id", req.AgentID,
		"risk_level", int(level),
		"policy", policy.String(),
		"outcome", outcome,
		"approve", tally.Approve,
		"deny", tally.Deny,
		"abstain", tally.Abstain,
	)
	return d, nil
}

// dispatch sends req to every seat in parallel and waits for all of them.
// Votes come back in panel order.
func (e *Evaluator) dispatch(ctx context.Context, req Request) []Vote {
	votes := make([]Vote, len(e.panel))
	var wg sync.WaitGroup
	for i, v := range e.panel {
		wg.Add(1)
		go func(idx int, v Validator) {
			defer wg.Done()
			votes[idx] = e.castWithTimeout(ctx, v, req)
		}(i, v)
	}
	wg.Wait()
	return votes
}

func (e *Evaluator) castWithTimeout(parent context.Context, v Validator, req Request) Vote {
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	type result struct {
		vote Vote
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		vote, err := e.cast(ctx, v, req)
		ch <- result{vote: vote, err: err}
	}()

	timedOut := func() Vote {
		e.logger.WarnContext(parent, "validator timed out, recording abstain", "validator", v.ID, "timeout", e.timeout)
		e.abstains.Add(parent, 1, metric.WithAttributes(attribute.String("validator", string(v.ID)), attribute.String("cause", "timeout")))
		return systemAbstain(v, fmt.Sprintf("validator timed out after %s", e.timeout))
	}

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() != nil {
			return timedOut()
		}
		if r.err != nil {
			e.logger.WarnContext(parent, "validator failed, recording abstain", "validator", v.ID, "error", r.err)
			e.abstains.Add(parent, 1, metric.WithAttributes(attribute.String("validator", string(v.ID)), attribute.String("cause", "error")))
			return systemAbstain(v, "validator error: "+r.err.Error())
		}
		return normalizeVote(v, r.vote)
	case <-ctx.Done():
		return timedOut()
	}
}

func systemAbstain(v Validator, reason string) Vote {
	return Vote{ValidatorID: v.ID, Decision: VoteAbstain, Reasoning: "[system] " + reason}
}

// normalizeVote pins the seat id, clamps confidence, and turns anything
// that is not a recognised decision into an abstain.
func normalizeVote(v Validator, vote Vote) Vote {
	vote.ValidatorID = v.ID
	switch vote.Decision {
	case VoteApprove, VoteDeny, VoteAbstain:
	default:
		return systemAbstain(v, fmt.Sprintf("unrecognised decision %q", vote.Decision))
	}
	if vote.Confidence < 0 {
		vote.Confidence = 0
	}
	if vote.Confidence > 1 {
		vote.Confidence = 1
	}
	if vote.Decision == VoteDeny && strings.TrimSpace(vote.Reasoning) == "" {
		vote.Reasoning = "denied without stated reasoning"
	}
	return vote
}

// createsPrecedent asks the library whether d is the first decision of its
// kind. The lookup gets one validator timeout; a lookup that does not
// answer in time counts as "not a precedent".
func (e *Evaluator) createsPrecedent(ctx context.Context, d *Decision) bool {
	if d.Outcome == OutcomeEscalated || e.precedents == nil {
		return false
	}
	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type answer struct {
		exists bool
		err    error
	}
	done := make(chan answer, 1)
	go func() {
		exists, err := e.precedents.HasPrecedent(lctx, d.ActionType, d.RiskLevel)
		done <- answer{exists, err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			e.logger.WarnContext(ctx, "precedent lookup failed", "decision_id", d.ID, "error", a.err)
			return false
		}
		return !a.exists
	case <-lctx.Done():
		e.logger.WarnContext(ctx, "precedent lookup timed out", "decision_id", d.ID, "timeout", e.timeout)
		return false
	}
}

func meanConfidence(votes []Vote) float64 {
	var sum float64
	n := 0
	for _, v := range votes {
		if v.Decision == VoteAbstain {
			continue
		}
		sum += v.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
