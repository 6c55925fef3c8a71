//go:build property
// +build property

package tiers_test

import (
	"testing"

	"github.com/chunkstar/agentanchor-app/pkg/tiers"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: a <= b implies rank(TierOf(a)) <= rank(TierOf(b))
func TestTierOfMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("tier rank never decreases as score grows", prop.ForAll(
		func(a, b int) bool {
			if a > b {
				a, b = b, a
			}
			return tiers.TierOf(a).Rank() <= tiers.TierOf(b).Rank()
		},
		gen.IntRange(-200, 1200),
		gen.IntRange(-200, 1200),
	))

	properties.TestingRun(t)
}

// Property: every score in range lands in exactly one tier's range.
func TestTierRangesPartition(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one tier contains each score", prop.ForAll(
		func(score int) bool {
			hits := 0
			for _, tier := range tiers.All() {
				if score >= tier.MinScore && score <= tier.MaxScore {
					hits++
					if tiers.TierOf(score).ID != tier.ID {
						return false
					}
				}
			}
			return hits == 1
		},
		gen.IntRange(tiers.MinScore, tiers.MaxScore),
	))

	properties.TestingRun(t)
}
