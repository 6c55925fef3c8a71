package api

import (
	"net/http"
	"strings"

	"github.com/chunkstar/agentanchor-app/pkg/credentials"
)

// IssueCredentialRequest asks for a credential on behalf of an agent's
// owner.
type IssueCredentialRequest struct {
	AgentID     string `json:"agentId"`
	RequesterID string `json:"requesterId"`
}

// VerifyRequest carries the token to check.
type VerifyRequest struct {
	Token string `json:"token"`
}

// RefreshRequest exchanges a token near expiry.
type RefreshRequest struct {
	Token       string `json:"token"`
	RequesterID string `json:"requesterId"`
}

// RevokeAllRequest revokes every live credential of an agent.
type RevokeAllRequest struct {
	Reason    credentials.RevocationReason `json:"reason"`
	RevokedBy string                       `json:"revokedBy"`
}

// handleIssue handles POST /api/v1/credentials.
func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req IssueCredentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cred, err := s.credentials.IssueForAgent(r.Context(), req.AgentID, req.RequesterID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

// handleCredentialStatus handles GET /api/v1/credentials/{agentId}.
func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.credentials.Status(r.Context(), r.PathValue("agentId"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleVerify handles POST /api/v1/credentials/verify. A failed
// verification is still a 200; the body says why.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(req.Token, "Bearer "))
	if token == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "token is required")
		return
	}
	res := s.credentials.Verify(r.Context(), token, credentials.VerifyOptions{CurrentTrustScore: s.scores})
	result := "valid"
	if !res.Valid {
		result = string(res.Code)
	}
	s.metrics.Verifications.WithLabelValues(result).Inc()
	writeJSON(w, http.StatusOK, res)
}

// handleRefresh handles POST /api/v1/credentials/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cred, err := s.credentials.RefreshForAgent(r.Context(), req.Token, req.RequesterID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// handleRevoke handles POST /api/v1/credentials/revoke. revokedBy must
// own the credential's agent.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req credentials.RevokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.credentials.RevokeForAgent(r.Context(), req)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRevocationStatus handles GET /api/v1/credentials/revocations/{jwtId}.
func (s *Server) handleRevocationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.credentials.RevocationStatus(r.Context(), r.PathValue("jwtId"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleRevokeAll handles POST /api/v1/agents/{agentId}/credentials/revoke.
func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	var req RevokeAllRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.credentials.RevokeAllForAgent(r.Context(), r.PathValue("agentId"), req.Reason, req.RevokedBy)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
