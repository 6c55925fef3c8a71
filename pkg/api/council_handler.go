package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/chunkstar/agentanchor-app/pkg/council"
	"github.com/chunkstar/agentanchor-app/pkg/escalation"
	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

// EvaluateRequest is the wire format for an upchain request.
type EvaluateRequest struct {
	ID            string         `json:"id,omitempty"`
	AgentID       string         `json:"agentId"`
	ActionType    string         `json:"actionType"`
	ActionDetails string         `json:"actionDetails"`
	Justification string         `json:"justification"`
	RiskLevel     int            `json:"riskLevel"`
	Context       map[string]any `json:"context,omitempty"`
}

// EvaluateResponse carries the council's Decision and, when escalated,
// the review ticket.
type EvaluateResponse struct {
	Decision   *council.Decision      `json:"decision"`
	Approved   bool                   `json:"approved"`
	Escalation *escalation.Escalation `json:"escalation,omitempty"`
}

// handleEvaluate handles POST /api/v1/council/evaluate.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := validateDocument(s.evaluate, raw); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	var req EvaluateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}

	d, esc, err := s.upchain.Submit(r.Context(), council.Request{
		ID:            req.ID,
		AgentID:       req.AgentID,
		ActionType:    req.ActionType,
		ActionDetails: req.ActionDetails,
		Context:       req.Context,
		Justification: req.Justification,
		RiskLevel:     risk.Level(req.RiskLevel),
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	s.metrics.Decisions.WithLabelValues(string(d.Outcome), strconv.Itoa(int(d.RiskLevel))).Inc()
	writeJSON(w, http.StatusOK, EvaluateResponse{
		Decision:   d,
		Approved:   d.Outcome == council.OutcomeApproved,
		Escalation: esc,
	})
}

// handleGetDecision handles GET /api/v1/council/decisions/{id}.
func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := s.upchain.Decision(r.Context(), id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	effective, err := s.upchain.EffectiveOutcome(r.Context(), id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decision":         d,
		"effectiveOutcome": effective,
	})
}
