// Package tiers defines the trust tiers for AgentAnchor agents.
// Tiers map a 0-1000 trust score to a named bucket and its autonomy limits.
package tiers

// ID identifies a trust tier.
type ID string

const (
	TierUntrusted   ID = "untrusted"
	TierProbation   ID = "probation"
	TierDeveloping  ID = "developing"
	TierEstablished ID = "established"
	TierTrusted     ID = "trusted"
	TierLegendary   ID = "legendary"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 1000
)

// Autonomy describes what an agent in a tier may do without a human.
type Autonomy struct {
	Description string
	// MaxRiskLevel is the highest risk level the tier may act on
	// autonomously. -1 means none.
	MaxRiskLevel int
}

// Tier is a named score range. MinScore is inclusive, MaxScore inclusive.
type Tier struct {
	ID       ID
	Name     string
	Code     string
	MinScore int
	MaxScore int
	Autonomy Autonomy
}

// All available tiers, ascending.
var (
	Untrusted = Tier{
		ID:       TierUntrusted,
		Name:     "Untrusted",
		Code:     "UT",
		MinScore: 0,
		MaxScore: 99,
		Autonomy: Autonomy{Description: "Cannot operate autonomously", MaxRiskLevel: -1},
	}

	Probation = Tier{
		ID:       TierProbation,
		Name:     "Probation",
		Code:     "PR",
		MinScore: 100,
		MaxScore: 249,
		Autonomy: Autonomy{Description: "Low-risk actions with logging", MaxRiskLevel: 0},
	}

	Developing = Tier{
		ID:       TierDeveloping,
		Name:     "Developing",
		Code:     "DV",
		MinScore: 250,
		MaxScore: 499,
		Autonomy: Autonomy{Description: "Standard actions with oversight", MaxRiskLevel: 1},
	}

	Established = Tier{
		ID:       TierEstablished,
		Name:     "Established",
		Code:     "ES",
		MinScore: 500,
		MaxScore: 749,
		Autonomy: Autonomy{Description: "Most actions independently", MaxRiskLevel: 2},
	}

	Trusted = Tier{
		ID:       TierTrusted,
		Name:     "Trusted",
		Code:     "TR",
		MinScore: 750,
		MaxScore: 899,
		Autonomy: Autonomy{Description: "High-risk with minimal oversight", MaxRiskLevel: 3},
	}

	// Critical actions always go to a human, so Legendary tops out at 3 too.
	Legendary = Tier{
		ID:       TierLegendary,
		Name:     "Legendary",
		Code:     "LG",
		MinScore: 900,
		MaxScore: 1000,
		Autonomy: Autonomy{Description: "Full autonomy, mentor privileges", MaxRiskLevel: 3},
	}

	ordered = []Tier{Untrusted, Probation, Developing, Established, Trusted, Legendary}

	// AllTiers contains all available tiers keyed by ID.
	AllTiers = map[ID]Tier{
		TierUntrusted:   Untrusted,
		TierProbation:   Probation,
		TierDeveloping:  Developing,
		TierEstablished: Established,
		TierTrusted:     Trusted,
		TierLegendary:   Legendary,
	}
)

// Clamp forces a score into [MinScore, MaxScore].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// TierOf returns the tier for a score. Scores outside 0-1000 are clamped.
func TierOf(score int) Tier {
	score = Clamp(score)
	for i := len(ordered) - 1; i >= 0; i-- {
		if score >= ordered[i].MinScore {
			return ordered[i]
		}
	}
	return Untrusted
}

// AutonomyOf returns the autonomy limits for a tier ID. Unknown IDs get
// the Untrusted limits.
func AutonomyOf(id ID) Autonomy {
	t, ok := AllTiers[id]
	if !ok {
		return Untrusted.Autonomy
	}
	return t.Autonomy
}

// Get returns a tier by ID, or nil if not found.
func Get(id ID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// All returns the tiers in ascending score order.
func All() []Tier {
	out := make([]Tier, len(ordered))
	copy(out, ordered)
	return out
}

// Rank is the tier's position in ascending order, 0 for Untrusted.
func (t Tier) Rank() int {
	for i, o := range ordered {
		if o.ID == t.ID {
			return i
		}
	}
	return 0
}

// Next returns the tier above t, or nil at the top.
func (t Tier) Next() *Tier {
	r := t.Rank()
	if r+1 >= len(ordered) {
		return nil
	}
	next := ordered[r+1]
	return &next
}

// PointsToNext returns how many points the score needs to reach the
// next tier. Zero at Legendary.
func PointsToNext(score int) int {
	next := TierOf(score).Next()
	if next == nil {
		return 0
	}
	return next.MinScore - Clamp(score)
}

// AllowsAutonomous reports whether the tier may act on riskLevel without
// escalation.
func (t Tier) AllowsAutonomous(riskLevel int) bool {
	return riskLevel <= t.Autonomy.MaxRiskLevel
}
