package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chunkstar/agentanchor-app/pkg/tiers"
)

// TrustClaim is the trust standing at issuance. Tier is frozen: later tier
// table changes do not alter issued credentials.
type TrustClaim struct {
	Score    int    `json:"score"`
	Tier     string `json:"tier"`
	TierCode int    `json:"tier_code"`
}

// Claims is the credential payload.
type Claims struct {
	jwt.RegisteredClaims
	Trust         TrustClaim           `json:"trust"`
	Governance    GovernanceSummary    `json:"governance"`
	Certification CertificationSummary `json:"certification"`
	Provenance    ProvenanceAnchor     `json:"provenance"`
	ParentJTI     string               `json:"parent_jti,omitempty"`
}

func newJTI() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ptc_" + hex.EncodeToString(b), nil
}

func buildClaims(agentID, jti, parent string, snap Snapshot, issuedAt time.Time) *Claims {
	tier := tiers.TierOf(snap.TrustScore)
	cert := snap.Certification
	if cert.Specializations == nil {
		cert.Specializations = []string{}
	}
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   agentID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(Validity)),
		},
		Trust: TrustClaim{
			Score:    snap.TrustScore,
			Tier:     tier.Name,
			TierCode: tier.Rank(),
		},
		Governance:    snap.Governance,
		Certification: cert,
		Provenance:    snap.Provenance,
		ParentJTI:     parent,
	}
}
