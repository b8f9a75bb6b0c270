package reputation

import "math"

// ============================================================================
// ELO MATH - Pure rating arithmetic, no state
// ============================================================================

const (
	// InitialRating is assigned to every agent on first contact.
	InitialRating = 1200

	// Floor is the hard lower bound; deltas that would undershoot are
	// clamped and the clamp is noted on the receipt.
	Floor = 100

	// DisputeK is the effective K-factor for dispute settlements.
	DisputeK = 16

	// Arbiter deltas by voting outcome.
	ArbiterMajorityGain = 5
	ArbiterForfeitLoss  = 25
)

// Expectation returns the standard ELO expected score of a against b.
func Expectation(a, b int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(b-a)/400.0))
}

// KFactor returns the K-factor for an agent with the given transaction count.
// New agents move fast, veterans slow.
func KFactor(transactions int) int {
	switch {
	case transactions < 30:
		return 32
	case transactions < 100:
		return 24
	default:
		return 16
	}
}

// CompletionGain returns the rating gain each party receives when a proposal
// completes. Both gain half of what the lower-expectation side would have
// lost in a decided match, so the pair never mints more rating together than
// a single winner would take from a 1-on-1. The smaller K of the two parties
// keeps the bound when their K-factors differ.
func CompletionGain(ratingA, txA, ratingB, txB int) int {
	eA := Expectation(ratingA, ratingB)
	eB := 1 - eA

	k := KFactor(txA)
	if kb := KFactor(txB); kb < k {
		k = kb
	}
	e := math.Min(eA, eB)

	return int(math.Round(0.5 * float64(k) * e))
}

// DisputeDeltas returns (winnerGain, loserLoss) for a one-sided verdict,
// both positive magnitudes, using the effective dispute K.
func DisputeDeltas(winnerRating, loserRating int) (int, int) {
	eWinner := Expectation(winnerRating, loserRating)
	gain := atLeastOne(0.5 * DisputeK * eWinner)
	loss := atLeastOne(DisputeK * eWinner)
	return gain, loss
}

// MutualLoss returns the positive magnitude each party loses on a mutual
// verdict, computed against its own expectation.
func MutualLoss(selfRating, otherRating int) int {
	eSelf := Expectation(selfRating, otherRating)
	return atLeastOne(DisputeK * eSelf)
}

func atLeastOne(x float64) int {
	n := int(math.Round(x))
	if n < 1 {
		return 1
	}
	return n
}
