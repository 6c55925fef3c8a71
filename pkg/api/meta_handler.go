package api

import (
	"net/http"

	"github.com/chunkstar/agentanchor-app/pkg/tiers"
)

// TierView is the public shape of a tier.
type TierView struct {
	ID           tiers.ID `json:"id"`
	Name         string   `json:"name"`
	Code         string   `json:"code"`
	TierCode     int      `json:"tierCode"`
	MinScore     int      `json:"minScore"`
	MaxScore     int      `json:"maxScore"`
	Autonomy     string   `json:"autonomy"`
	MaxRiskLevel int      `json:"maxRiskLevel"`
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.keys.JWKS())
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	all := tiers.All()
	out := make([]TierView, 0, len(all))
	for _, t := range all {
		out = append(out, TierView{
			ID:           t.ID,
			Name:         t.Name,
			Code:         t.Code,
			TierCode:     t.Rank(),
			MinScore:     t.MinScore,
			MaxScore:     t.MaxScore,
			Autonomy:     t.Autonomy.Description,
			MaxRiskLevel: t.Autonomy.MaxRiskLevel,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
