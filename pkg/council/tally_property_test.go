//go:build property
// +build property

package council

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/chunkstar/agentanchor-app/pkg/risk"
)

func TestTallyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("all abstain escalates under every policy", prop.ForAll(
		func(level, abstains int) bool {
			return Apply(risk.PolicyFor(risk.Level(level)), Tally{Abstain: abstains}) == OutcomeEscalated
		},
		gen.IntRange(0, 4),
		gen.IntRange(0, 4),
	))

	properties.Property("any deny under unanimous is denied", prop.ForAll(
		func(approve, deny, abstain int) bool {
			return Apply(risk.PolicyFor(risk.High), Tally{Approve: approve, Deny: deny, Abstain: abstain}) == OutcomeDenied
		},
		gen.IntRange(0, 4),
		gen.IntRange(1, 4),
		gen.IntRange(0, 4),
	))

	properties.Property("critical never approves", prop.ForAll(
		func(approve, deny, abstain int) bool {
			return Apply(risk.PolicyFor(risk.Critical), Tally{Approve: approve, Deny: deny, Abstain: abstain}) == OutcomeEscalated
		},
		gen.IntRange(0, 4),
		gen.IntRange(0, 4),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
