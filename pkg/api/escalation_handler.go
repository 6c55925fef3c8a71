package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/chunkstar/agentanchor-app/pkg/escalation"
)

// ReviewerRequest names the reviewer for assign and review.
type ReviewerRequest struct {
	ReviewerID string `json:"reviewerId"`
}

// handleListEscalations handles GET /api/v1/escalations. Filters:
// status and priority (comma separated), assignedTo, agentId, limit, offset.
func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := escalation.Filter{
		AssignedTo: q.Get("assignedTo"),
		AgentID:    q.Get("agentId"),
	}
	for _, st := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, escalation.Status(st))
	}
	for _, p := range splitList(q.Get("priority")) {
		f.Priorities = append(f.Priorities, escalation.Priority(p))
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be an integer")
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "offset must be an integer")
		return
	}

	list, err := s.workflow.Pending(r.Context(), f)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*escalation.Escalation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": list, "count": len(list)})
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// handleEscalationStats handles GET /api/v1/escalations/stats.
func (s *Server) handleEscalationStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.workflow.Stats(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleGetEscalation handles GET /api/v1/escalations/{id}.
func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := s.workflow.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// handleAssign handles POST /api/v1/escalations/{id}/assign.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req ReviewerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	esc, err := s.workflow.Assign(r.Context(), r.PathValue("id"), req.ReviewerID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// handleStartReview handles POST /api/v1/escalations/{id}/review.
func (s *Server) handleStartReview(w http.ResponseWriter, r *http.Request) {
	var req ReviewerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	esc, err := s.workflow.StartReview(r.Context(), r.PathValue("id"), req.ReviewerID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// handleResolve handles POST /api/v1/escalations/{id}/resolve.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req escalation.ResolveInput
	if !decodeJSON(w, r, &req) {
		return
	}
	esc, err := s.workflow.Resolve(r.Context(), r.PathValue("id"), req)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}
