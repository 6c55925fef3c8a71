// Package escalation routes escalated council decisions to human reviewers
// and records their resolution.
//
// An escalation moves pending -> assigned -> in_review and ends approved,
// rejected, or expired. Every transition is a conditional write against the
// store, so two reviewers racing on the same escalation cannot both win.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chunkstar/agentanchor-app/pkg/audit"
	"github.com/chunkstar/agentanchor-app/pkg/council"
	"github.com/chunkstar/agentanchor-app/pkg/errorir"
	"github.com/chunkstar/agentanchor-app/pkg/precedent"
	"github.com/chunkstar/agentanchor-app/pkg/retry"
)

// OverrideRecorder stores the human outcome next to the original Decision.
type OverrideRecorder interface {
	RecordOverride(ctx context.Context, o Override) error
}

// PrecedentIndexer receives resolved cases flagged as precedent.
type PrecedentIndexer interface {
	Index(ctx context.Context, p precedent.Precedent) error
}

// transitionAttempts bounds the read-modify-write loop in Resolve.
const transitionAttempts = 3

// Workflow handles the lifecycle of escalations.
type Workflow struct {
	store      Store
	overrides  OverrideRecorder
	audit      *audit.Recorder
	precedents PrecedentIndexer
	retrier    *retry.Retrier
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

func WithOverrides(o OverrideRecorder) Option { return func(w *Workflow) { w.overrides = o } }

func WithAudit(r *audit.Recorder) Option { return func(w *Workflow) { w.audit = r } }

func WithPrecedents(p PrecedentIndexer) Option { return func(w *Workflow) { w.precedents = p } }

func WithRetrier(r *retry.Retrier) Option { return func(w *Workflow) { w.retrier = r } }

func WithLogger(l *slog.Logger) Option { return func(w *Workflow) { w.logger = l } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(w *Workflow) { w.clock = clock } }

// NewWorkflow creates a workflow over store.
func NewWorkflow(store Store, opts ...Option) *Workflow {
	w := &Workflow{
		store:   store,
		retrier: retry.New(retry.DefaultPolicy),
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "escalation")
	return w
}

// Create opens a pending escalation for an escalated decision.
func (w *Workflow) Create(ctx context.Context, in CreateInput) (*Escalation, error) {
	d := in.Decision
	if d == nil {
		return nil, errorir.Validation("decision", "is required")
	}
	if d.Outcome != council.OutcomeEscalated {
		return nil, errorir.Validation("decision", "outcome %q does not require escalation", d.Outcome)
	}
	if in.ExpiresIn < 0 {
		return nil, errorir.Validation("expiresIn", "must not be negative")
	}

	now := w.clock().UTC()
	priority := PriorityFor(d.RiskLevel)
	window := in.ExpiresIn
	if window == 0 {
		window = ExpiryFor(priority)
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = d.FinalReasoning
	}

	esc := &Escalation{
		ID:         uuid.New().String(),
		DecisionID: d.ID,
		RequestID:  d.RequestID,
		AgentID:    d.AgentID,
		ActionType: d.ActionType,
		RiskLevel:  d.RiskLevel,
		Status:     StatusPending,
		Priority:   priority,
		Reason:     reason,
		Context:    buildContext(d, in.Context),
		ExpiresAt:  now.Add(window),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := w.store.Create(ctx, esc); err != nil {
		return nil, errorir.Infrastructure("escalation.create", err)
	}

	w.logger.InfoContext(ctx, "escalation created",
		"escalation_id", esc.ID,
		"decision_id", esc.DecisionID,
		"agent_id", esc.AgentID,
		"priority", esc.Priority,
		"expires_at", esc.ExpiresAt,
	)
	w.audit.Record(ctx, audit.Record{
		Type:    audit.EventEscalation,
		AgentID: esc.AgentID,
		Action:  "created",
		Payload: map[string]any{
			"escalationId": esc.ID,
			"decisionId":   esc.DecisionID,
			"priority":     string(esc.Priority),
			"expiresAt":    esc.ExpiresAt,
		},
	})
	return esc, nil
}

func buildContext(d *council.Decision, extra map[string]any) map[string]any {
	votes := make(map[string]string, len(d.Votes))
	for _, v := range d.Votes {
		votes[string(v.ValidatorID)] = string(v.Decision)
	}
	ctx := map[string]any{
		"actionType":   d.ActionType,
		"riskLevel":    int(d.RiskLevel),
		"policy":       d.Policy.String(),
		"councilVotes": votes,
	}
	for k, v := range extra {
		if _, reserved := ctx[k]; !reserved {
			ctx[k] = v
		}
	}
	return ctx
}

// Get returns an escalation by id.
func (w *Workflow) Get(ctx context.Context, id string) (*Escalation, error) {
	esc, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("escalation.get", id, err)
	}
	return esc, nil
}

// ForDecision returns the escalation opened for a decision.
func (w *Workflow) ForDecision(ctx context.Context, decisionID string) (*Escalation, error) {
	esc, err := w.store.GetByDecision(ctx, decisionID)
	if err != nil {
		return nil, storeErr("escalation.get_by_decision", decisionID, err)
	}
	return esc, nil
}

// List returns escalations ordered by priority then age.
func (w *Workflow) List(ctx context.Context, f Filter) ([]*Escalation, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, errorir.Validation("limit", "limit and offset must not be negative")
	}
	out, err := w.store.List(ctx, f)
	if err != nil {
		return nil, errorir.Infrastructure("escalation.list", err)
	}
	return out, nil
}

// Pending lists non-terminal escalations. Requested statuses outside the
// open set are dropped.
func (w *Workflow) Pending(ctx context.Context, f Filter) ([]*Escalation, error) {
	if len(f.Statuses) == 0 {
		f.Statuses = Open
	} else {
		open := make([]Status, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			if !s.Terminal() {
				open = append(open, s)
			}
		}
		if len(open) == 0 {
			return []*Escalation{}, nil
		}
		f.Statuses = open
	}
	return w.List(ctx, f)
}

// Assign hands a pending escalation to a reviewer.
func (w *Workflow) Assign(ctx context.Context, id, reviewerID string) (*Escalation, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, errorir.Validation("reviewerId", "is required")
	}
	return w.advance(ctx, id, StatusPending, func(esc *Escalation, now time.Time) error {
		esc.Status = StatusAssigned
		esc.AssignedTo = reviewerID
		esc.AssignedAt = &now
		return nil
	})
}

// StartReview moves an assigned escalation into review by its assignee.
func (w *Workflow) StartReview(ctx context.Context, id, reviewerID string) (*Escalation, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, errorir.Validation("reviewerId", "is required")
	}
	return w.advance(ctx, id, StatusAssigned, func(esc *Escalation, now time.Time) error {
		if esc.AssignedTo != reviewerID {
			return errorir.Validation("reviewerId", "escalation is assigned to %s", esc.AssignedTo)
		}
		esc.Status = StatusInReview
		esc.ReviewStartedAt = &now
		return nil
	})
}

// advance applies a single non-terminal transition from the required state.
func (w *Workflow) advance(ctx context.Context, id string, from Status, mutate func(*Escalation, time.Time) error) (*Escalation, error) {
	esc, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := w.clock().UTC()
	if err := w.checkOpen(ctx, esc, now); err != nil {
		return nil, err
	}
	if esc.Status != from {
		return nil, &errorir.ConflictError{Kind: "escalation", ID: id, Code: errorir.ConflictInvalidState, Prior: esc}
	}

	next := esc.clone()
	if err := mutate(next, now); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	if err := w.store.Transition(ctx, next, from); err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, w.conflictFromStore(ctx, id)
		}
		return nil, storeErr("escalation.transition", id, err)
	}

	w.logger.InfoContext(ctx, "escalation transitioned",
		"escalation_id", id,
		"from", from,
		"to", next.Status,
		"reviewer_id", next.AssignedTo,
	)
	return next, nil
}

// Resolve closes an escalation with a human decision. Exactly one of any
// number of concurrent resolutions succeeds; the rest get a ConflictError
// carrying the winning state.
func (w *Workflow) Resolve(ctx context.Context, id string, in ResolveInput) (*Escalation, error) {
	if in.Resolution != StatusApproved && in.Resolution != StatusRejected {
		return nil, errorir.Validation("resolution", "must be approved or rejected")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, errorir.Validation("reason", "resolution reason is required")
	}
	if strings.TrimSpace(in.ReviewerID) == "" {
		return nil, errorir.Validation("reviewerId", "is required")
	}

	var resolved *Escalation
	for attempt := 0; attempt < transitionAttempts && resolved == nil; attempt++ {
		esc, err := w.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		now := w.clock().UTC()
		if err := w.checkOpen(ctx, esc, now); err != nil {
			return nil, err
		}

		next := esc.clone()
		next.Status = in.Resolution
		next.ResolutionReason = in.Reason
		next.ResolvedBy = in.ReviewerID
		next.ResolvedAt = &now
		next.CreatesPrecedent = in.CreatesPrecedent
		next.PrecedentNote = in.PrecedentNote
		next.UpdatedAt = now

		err = w.store.Transition(ctx, next, esc.Status)
		switch {
		case err == nil:
			resolved = next
		case errors.Is(err, ErrStaleState):
			continue
		default:
			return nil, storeErr("escalation.resolve", id, err)
		}
	}
	if resolved == nil {
		return nil, w.conflictFromStore(ctx, id)
	}

	w.logger.InfoContext(ctx, "escalation resolved",
		"escalation_id", id,
		"decision_id", resolved.DecisionID,
		"resolution", resolved.Status,
		"reviewer_id", resolved.ResolvedBy,
	)
	w.afterResolve(ctx, resolved)
	return resolved, nil
}

// afterResolve publishes the resolution. Failures here never undo it.
func (w *Workflow) afterResolve(ctx context.Context, esc *Escalation) {
	ctx = context.WithoutCancel(ctx)
	outcome := council.OutcomeDenied
	if esc.Status == StatusApproved {
		outcome = council.OutcomeApproved
	}

	if w.overrides != nil {
		o := Override{
			DecisionID:   esc.DecisionID,
			EscalationID: esc.ID,
			AgentID:      esc.AgentID,
			Outcome:      outcome,
			ReviewerID:   esc.ResolvedBy,
			Reason:       esc.ResolutionReason,
			CreatedAt:    *esc.ResolvedAt,
		}
		err := w.retrier.Do(ctx, "escalation.override", esc.DecisionID, func(ctx context.Context) error {
			return errorir.Infrastructure("escalation.override", w.overrides.RecordOverride(ctx, o))
		})
		if err != nil {
			w.logger.ErrorContext(ctx, "failed to record override", "escalation_id", esc.ID, "decision_id", esc.DecisionID, "error", err)
		}
	}

	w.audit.Record(ctx, audit.Record{
		Type:    audit.EventHumanOverride,
		AgentID: esc.AgentID,
		ActorID: esc.ResolvedBy,
		Action:  string(esc.Status),
		Payload: map[string]any{
			"decisionId":       esc.DecisionID,
			"agentId":          esc.AgentID,
			"resolution":       string(esc.Status),
			"reason":           esc.ResolutionReason,
			"reviewerId":       esc.ResolvedBy,
			"createsPrecedent": esc.CreatesPrecedent,
			"precedentNote":    esc.PrecedentNote,
		},
	})

	if esc.CreatesPrecedent && w.precedents != nil {
		err := w.precedents.Index(ctx, precedent.Precedent{
			DecisionID: esc.DecisionID,
			ActionType: esc.ActionType,
			RiskLevel:  esc.RiskLevel,
			Outcome:    string(outcome),
			Source:     precedent.SourceOverride,
			Note:       esc.PrecedentNote,
		})
		if err != nil {
			w.logger.WarnContext(ctx, "failed to index precedent", "decision_id", esc.DecisionID, "error", err)
		}
	}
}

// checkOpen rejects terminal escalations and expires overdue ones.
func (w *Workflow) checkOpen(ctx context.Context, esc *Escalation, now time.Time) error {
	if esc.Status.Terminal() {
		return &errorir.ConflictError{Kind: "escalation", ID: esc.ID, Code: errorir.ConflictAlreadyResolved, Prior: esc}
	}
	if now.After(esc.ExpiresAt) {
		expired, err := w.expire(ctx, esc, now)
		if err != nil {
			if errors.Is(err, ErrStaleState) {
				return w.conflictFromStore(ctx, esc.ID)
			}
			return storeErr("escalation.expire", esc.ID, err)
		}
		return &errorir.ConflictError{Kind: "escalation", ID: esc.ID, Code: errorir.ConflictExpired, Prior: expired}
	}
	return nil
}

func (w *Workflow) expire(ctx context.Context, esc *Escalation, now time.Time) (*Escalation, error) {
	next := esc.clone()
	next.Status = StatusExpired
	next.UpdatedAt = now
	if err := w.store.Transition(ctx, next, esc.Status); err != nil {
		return nil, err
	}
	w.logger.InfoContext(ctx, "escalation expired", "escalation_id", esc.ID, "decision_id", esc.DecisionID)
	w.audit.Record(ctx, audit.Record{
		Type:    audit.EventEscalation,
		AgentID: esc.AgentID,
		Action:  "expired",
		Payload: map[string]any{
			"escalationId": esc.ID,
			"decisionId":   esc.DecisionID,
			"expiresAt":    esc.ExpiresAt,
			"priorStatus":  string(esc.Status),
		},
	})
	return next, nil
}

// conflictFromStore reloads id after a lost race and reports its state.
func (w *Workflow) conflictFromStore(ctx context.Context, id string) error {
	cur, err := w.Get(ctx, id)
	if err != nil {
		return err
	}
	code := errorir.ConflictInvalidState
	switch {
	case cur.Status == StatusExpired:
		code = errorir.ConflictExpired
	case cur.Status.Terminal():
		code = errorir.ConflictAlreadyResolved
	}
	return &errorir.ConflictError{Kind: "escalation", ID: id, Code: code, Prior: cur}
}

// ExpireOverdue moves every open escalation past its deadline to expired
// and returns how many were moved.
func (w *Workflow) ExpireOverdue(ctx context.Context) (int, error) {
	open, err := w.List(ctx, Filter{Statuses: Open})
	if err != nil {
		return 0, err
	}
	now := w.clock().UTC()
	count := 0
	for _, esc := range open {
		if !now.After(esc.ExpiresAt) {
			continue
		}
		if _, err := w.expire(ctx, esc, now); err != nil {
			if errors.Is(err, ErrStaleState) {
				continue
			}
			return count, storeErr("escalation.expire", esc.ID, err)
		}
		count++
	}
	if count > 0 {
		w.logger.InfoContext(ctx, "expired overdue escalations", "count", count)
	}
	return count, nil
}

// statsSample is how many recent resolutions the Stats average covers.
const statsSample = 100

// Stats summarises the queue. Pending counts both pending and assigned.
// The average covers the latest statsSample resolutions.
func (w *Workflow) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	open, err := w.List(ctx, Filter{Statuses: Open})
	if err != nil {
		return st, err
	}
	for _, esc := range open {
		switch esc.Status {
		case StatusPending, StatusAssigned:
			st.Pending++
		case StatusInReview:
			st.InReview++
		}
	}

	now := w.clock()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if st.ResolvedToday, err = w.store.ResolvedSince(ctx, midnight); err != nil {
		return st, errorir.Infrastructure("escalation.stats", err)
	}

	resolved, err := w.List(ctx, Filter{
		Statuses: []Status{StatusApproved, StatusRejected},
		Limit:    statsSample,
		Order:    OrderRecentlyResolved,
	})
	if err != nil {
		return st, err
	}
	var total float64
	n := 0
	for _, esc := range resolved {
		if esc.ResolvedAt == nil {
			continue
		}
		total += esc.ResolvedAt.Sub(esc.CreatedAt).Hours()
		n++
	}
	if n > 0 {
		st.AvgResolutionHours = int(math.Round(total / float64(n)))
	}
	return st, nil
}

func storeErr(op, id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return errorir.NotFound("escalation", id)
	}
	return errorir.Infrastructure(op, fmt.Errorf("%s: %w", id, err))
}
