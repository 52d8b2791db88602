package ekp

import "math/rand/v2"

// ChaosInjector is the test-only analogue of the original's BUGGIFY
// guards: a hook that can randomly force a cache entry to be treated as
// eligible for refresh, exercising refresher code paths that would
// otherwise only trigger near TTL boundaries. Per spec.md §9, this must
// never fire in production — it is wired in only via NewProxy's
// constructor parameter, never through the knob registry, so there is no
// runtime or config-file path to enable it outside a test binary.
type ChaosInjector interface {
	ForceEligibleForRefresh() bool
}

type noChaos struct{}

func (noChaos) ForceEligibleForRefresh() bool { return false }

// NoChaos is the production default: it never overrides refresh
// eligibility.
var NoChaos ChaosInjector = noChaos{}

// ProbabilisticChaos forces refresh eligibility with fixed probability
// Prob, the Go analogue of BUGGIFY_WITH_PROB(0.01). Intended for use only
// from refresh_test.go and similar.
type ProbabilisticChaos struct {
	Prob float64
}

// ForceEligibleForRefresh implements ChaosInjector.
func (c ProbabilisticChaos) ForceEligibleForRefresh() bool {
	return rand.Float64() < c.Prob
}
