// Package credentials issues, verifies, refreshes and revokes portable
// trust credentials: short-lived signed attestations of an agent's trust
// standing that third parties can check offline.
package credentials

import (
	"time"

	"github.com/chunkstar/agentanchor-app/pkg/agents"
)

const (
	// Issuer is the iss claim of every credential.
	Issuer = "https://agentanchorai.com"
	// TokenType is the typ header of every credential.
	TokenType = "PTC"

	MinEligibleScore    = 250
	Validity            = 24 * time.Hour
	RefreshWindow       = 6 * time.Hour
	RefreshGrace        = 1 * time.Hour
	StaleDriftThreshold = 50

	// WarningTrustScoreStale is set when the live score drifted more than
	// StaleDriftThreshold points from the frozen one.
	WarningTrustScoreStale = "trust_score_stale"
)

// State is the stored lifecycle status of an issued credential. It never
// changes the signed content.
type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
)

// RevocationReason says why a credential was revoked.
type RevocationReason string

const (
	ReasonTrustScoreDropped RevocationReason = "trust_score_dropped"
	ReasonAgentPaused       RevocationReason = "agent_paused"
	ReasonAgentTerminated   RevocationReason = "agent_terminated"
	ReasonSecurityIncident  RevocationReason = "security_incident"
	ReasonTrainerRequest    RevocationReason = "trainer_request"
	ReasonCouncilDecision   RevocationReason = "council_decision"
	ReasonPlatformAction    RevocationReason = "platform_action"
	ReasonOther             RevocationReason = "other"
)

// Valid reports whether r is a known reason.
func (r RevocationReason) Valid() bool {
	switch r {
	case ReasonTrustScoreDropped, ReasonAgentPaused, ReasonAgentTerminated, ReasonSecurityIncident,
		ReasonTrainerRequest, ReasonCouncilDecision, ReasonPlatformAction, ReasonOther:
		return true
	}
	return false
}

// GovernanceSummary is the council track record frozen into a credential.
type GovernanceSummary struct {
	TotalDecisions    int     `json:"total_decisions"`
	ApprovalRate      float64 `json:"approval_rate"`
	EscalationRate    float64 `json:"escalation_rate"`
	LastCouncilReview string  `json:"last_council_review,omitempty"`
}

// CertificationSummary is the training record frozen into a credential.
type CertificationSummary struct {
	AcademyGraduated bool     `json:"academy_graduated"`
	GraduationDate   string   `json:"graduation_date,omitempty"`
	Specializations  []string `json:"specializations"`
	MentorCertified  bool     `json:"mentor_certified"`
}

// ProvenanceAnchor ties a credential to the truth chain.
type ProvenanceAnchor struct {
	TruthChainHash string `json:"truth_chain_hash,omitempty"`
	BlockHeight    uint64 `json:"block_height,omitempty"`
	TrainerID      string `json:"trainer_id"`
}

// Snapshot is the agent state a credential is minted from.
type Snapshot struct {
	TrustScore    int                  `json:"trustScore"`
	AgentStatus   agents.Status        `json:"agentStatus"`
	TrainerID     string               `json:"trainerId"`
	Governance    GovernanceSummary    `json:"governance"`
	Certification CertificationSummary `json:"certification"`
	Provenance    ProvenanceAnchor     `json:"provenance"`
}

// IssueRequest asks for a new credential.
type IssueRequest struct {
	AgentID string `json:"agentId"`
	Snapshot
}

// Credential is a freshly signed token and its metadata.
type Credential struct {
	Token     string    `json:"token"`
	JWTID     string    `json:"jwtId"`
	KeyID     string    `json:"keyId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	ParentJTI string    `json:"parentJwtId,omitempty"`
	Claims    *Claims   `json:"claims"`
}

// Record is the stored row for an issued credential.
type Record struct {
	JWTID      string    `json:"jwtId"`
	AgentID    string    `json:"agentId"`
	IssuerID   string    `json:"issuerId"`
	TrustScore int       `json:"trustScore"`
	TrustTier  string    `json:"trustTier"`
	KeyID      string    `json:"keyId"`
	ParentJTI  string    `json:"parentJwtId,omitempty"`
	State      State     `json:"state"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// RevocationRecord is append-only and keyed by JWTID.
type RevocationRecord struct {
	JWTID     string           `json:"jwtId"`
	AgentID   string           `json:"agentId"`
	Reason    RevocationReason `json:"reason"`
	RevokedAt time.Time        `json:"revokedAt"`
	RevokedBy string           `json:"revokedBy"`
	Notes     string           `json:"notes,omitempty"`
}

// RevokeRequest asks to revoke one credential.
// Token may stand in for JWTID.
type RevokeRequest struct {
	JWTID     string           `json:"jwtId"`
	Token     string           `json:"token,omitempty"`
	Reason    RevocationReason `json:"reason"`
	RevokedBy string           `json:"revokedBy"`
	Notes     string           `json:"notes,omitempty"`
}

// RevocationSource names the tier that answered a revocation lookup.
type RevocationSource string

const (
	SourceCache    RevocationSource = "cache"
	SourceDatabase RevocationSource = "database"
)

// RevocationStatus answers a revocation-status query.
type RevocationStatus struct {
	JWTID     string           `json:"jwtId"`
	Revoked   bool             `json:"revoked"`
	Source    RevocationSource `json:"source,omitempty"`
	Reason    RevocationReason `json:"reason,omitempty"`
	RevokedAt *time.Time       `json:"revokedAt,omitempty"`
}

// RevokeAllResult lists what a batch revocation covered.
type RevokeAllResult struct {
	RevokedCount int      `json:"revokedCount"`
	JWTIDs       []string `json:"jwtIds"`
}

// VerificationCode is the reason a verification failed.
type VerificationCode string

const (
	CodeMalformed             VerificationCode = "malformed"
	CodeInvalidSignature      VerificationCode = "invalid_signature"
	CodeExpired               VerificationCode = "expired"
	CodeRevoked               VerificationCode = "revoked"
	CodeRevocationUnavailable VerificationCode = "revocation_unavailable"
	CodeTrustScoreIneligible  VerificationCode = "trust_score_ineligible"
	CodeTrustScoreUnavailable VerificationCode = "trust_score_unavailable"
)

// VerificationResult is the outcome of Verify. Failures are values, not
// errors.
type VerificationResult struct {
	Valid              bool              `json:"valid"`
	Code               VerificationCode  `json:"errorCode,omitempty"`
	Error              string            `json:"error,omitempty"`
	AgentID            string            `json:"agentId,omitempty"`
	TrustScore         int               `json:"trustScore,omitempty"`
	TrustTier          string            `json:"trustTier,omitempty"`
	ExpiresIn          int64             `json:"expiresIn,omitempty"`
	TruthChainVerified bool              `json:"truthChainVerified"`
	Warnings           []string          `json:"warnings"`
	Claims             *Claims           `json:"claims,omitempty"`
	Revocation         *RevocationRecord `json:"revocation,omitempty"`
}
