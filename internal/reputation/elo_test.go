package reputation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpectation(t *testing.T) {
	tests := []struct {
		name string
		a, b int
		want float64
	}{
		{"equal ratings", 1200, 1200, 0.5},
		{"200 points ahead", 1400, 1200, 0.7597},
		{"200 points behind", 1200, 1400, 0.2403},
		{"400 points ahead", 1600, 1200, 0.9091},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Expectation(tt.a, tt.b), 0.0001)
		})
	}
}

func TestExpectationsSumToOne(t *testing.T) {
	pairs := [][2]int{{1200, 1200}, {1500, 900}, {100, 2400}}
	for _, p := range pairs {
		assert.InDelta(t, 1.0, Expectation(p[0], p[1])+Expectation(p[1], p[0]), 1e-12)
	}
}

func TestKFactor(t *testing.T) {
	tests := []struct {
		transactions int
		want         int
	}{
		{0, 32},
		{29, 32},
		{30, 24},
		{99, 24},
		{100, 16},
		{1000, 16},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, KFactor(tt.transactions), "transactions=%d", tt.transactions)
	}
}

func TestCompletionGain(t *testing.T) {
	// Two fresh agents at 1200: e = 0.5, K = 32, gain = round(0.5*32*0.5) = 8.
	assert.Equal(t, 8, CompletionGain(1200, 0, 1200, 0))

	// Uneven ratings: the lower expectation drives the gain.
	// e_low = Expectation(1200, 1400) ≈ 0.2403, K = 32 → round(0.5*32*0.2403) = 4.
	assert.Equal(t, 4, CompletionGain(1400, 0, 1200, 0))
	assert.Equal(t, 4, CompletionGain(1200, 0, 1400, 0), "gain is symmetric")

	// Veteran pair uses the smaller K: K = 16 → round(0.5*16*0.5) = 4.
	assert.Equal(t, 4, CompletionGain(1200, 500, 1200, 500))

	// Mixed experience takes the veteran's K.
	assert.Equal(t, 4, CompletionGain(1200, 0, 1200, 500))

	// Extreme mismatch rounds to nothing; completions have no minimum gain.
	assert.Equal(t, 0, CompletionGain(2400, 0, 100, 0))
}

func TestCompletionGainInflationBound(t *testing.T) {
	// Total minted (2 * gain) never exceeds what one winner would take from
	// a decided match at the smaller K, up to rounding.
	cases := [][4]int{
		{1200, 0, 1200, 0},
		{1400, 50, 1100, 5},
		{2000, 200, 1200, 0},
		{2400, 0, 100, 0},
	}
	for _, c := range cases {
		gain := CompletionGain(c[0], c[1], c[2], c[3])
		k := KFactor(c[1])
		if k2 := KFactor(c[3]); k2 < k {
			k = k2
		}
		eLow := Expectation(c[2], c[0])
		if e2 := Expectation(c[0], c[2]); e2 < eLow {
			eLow = e2
		}
		winnerTake := float64(k) * eLow
		assert.LessOrEqual(t, float64(2*gain), winnerTake+1.0, "rounding slack of ±0.5 per party")
	}
}

func TestDisputeDeltas(t *testing.T) {
	// Equal ratings: e_winner = 0.5. Gain = round(0.5*16*0.5) = 4,
	// loss = round(16*0.5) = 8.
	gain, loss := DisputeDeltas(1200, 1200)
	assert.Equal(t, 4, gain)
	assert.Equal(t, 8, loss)

	// Favorite wins: e_winner ≈ 0.7597. Gain = round(6.08) = 6,
	// loss = round(12.16) = 12.
	gain, loss = DisputeDeltas(1400, 1200)
	assert.Equal(t, 6, gain)
	assert.Equal(t, 12, loss)

	// Underdog wins: e_winner ≈ 0.2403. Gain = round(1.92) = 2,
	// loss = round(3.84) = 4.
	gain, loss = DisputeDeltas(1200, 1400)
	assert.Equal(t, 2, gain)
	assert.Equal(t, 4, loss)
}

func TestMutualLoss(t *testing.T) {
	// Equal ratings: each loses round(16*0.5) = 8.
	assert.Equal(t, 8, MutualLoss(1200, 1200))

	// The higher-rated party loses more (it expected to win).
	assert.Equal(t, 12, MutualLoss(1400, 1200))
	assert.Equal(t, 4, MutualLoss(1200, 1400))
}

func TestDeltasNeverZero(t *testing.T) {
	gain, loss := DisputeDeltas(100, 2400)
	assert.GreaterOrEqual(t, gain, 1)
	assert.GreaterOrEqual(t, loss, 1)
	assert.GreaterOrEqual(t, MutualLoss(100, 2400), 1)
}
