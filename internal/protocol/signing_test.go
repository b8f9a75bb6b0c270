package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// SIGNING STRING VECTORS
// ============================================================================

func TestSigningStringVectors(t *testing.T) {
	assert.Equal(t,
		"AUTH|a1b2c3|chal_01|1700000000000",
		AuthSigningString("a1b2c3", "chal_01", 1700000000000))

	assert.Equal(t,
		"PROPOSAL|prop_1|@aa|@bb|review PR|10|ELO|code-review",
		ProposalSigningString("prop_1", "@aa", "@bb", "review PR", 10, "ELO", "code-review"))

	// Absent optionals contribute empty segments, never "0".
	assert.Equal(t,
		"PROPOSAL|prop_1|@aa|@bb|review PR|||",
		ProposalSigningString("prop_1", "@aa", "@bb", "review PR", 0, "", ""))

	assert.Equal(t, "ACCEPT|prop_1|pay-42", AcceptSigningString("prop_1", "pay-42"))
	assert.Equal(t, "ACCEPT|prop_1|", AcceptSigningString("prop_1", ""))
	assert.Equal(t, "REJECT|prop_1|too busy", RejectSigningString("prop_1", "too busy"))
	assert.Equal(t, "COMPLETE|prop_1|https://proof", CompleteSigningString("prop_1", "https://proof"))
	assert.Equal(t, "DISPUTE|prop_1|not delivered", DisputeSigningString("prop_1", "not delivered"))
	assert.Equal(t, "DISPUTE_INTENT|prop_1|deadbeef", DisputeIntentSigningString("prop_1", "deadbeef"))
	assert.Equal(t, "DISPUTE_REVEAL|disp_1|n1", DisputeRevealSigningString("disp_1", "n1"))
	assert.Equal(t, "ARBITER_ACCEPT|disp_1", ArbiterAcceptSigningString("disp_1"))
	assert.Equal(t, "ARBITER_DECLINE|disp_1|conflict", ArbiterDeclineSigningString("disp_1", "conflict"))
	assert.Equal(t, "ARBITER_VOTE|disp_1|mutual|both at fault", ArbiterVoteSigningString("disp_1", "mutual", "both at fault"))
	assert.Equal(t, "VERIFY|ff00|72cd6e8422c407fb", VerifySigningString("ff00", "72cd6e8422c407fb"))

	assert.Equal(t,
		"EVIDENCE|disp_1|my statement|h1,h2",
		EvidenceSigningString("disp_1", "my statement", []string{"h1", "h2"}))
	assert.Equal(t,
		"EVIDENCE|disp_1||",
		EvidenceSigningString("disp_1", "", nil))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "", FormatAmount(0))
	assert.Equal(t, "10", FormatAmount(10))
	assert.Equal(t, "10.5", FormatAmount(10.5))
	assert.Equal(t, "0.001", FormatAmount(0.001))
}

// ============================================================================
// CANONICAL JSON
// ============================================================================

func TestCanonicalJSONSortsKeys(t *testing.T) {
	canon, err := CanonicalJSON(map[string]interface{}{"b": 2, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, canon)
}

func TestCanonicalJSONSkills(t *testing.T) {
	skills := []Skill{{Name: "review", Price: 10.5, Tags: []string{"go", "code"}}}
	canon, err := CanonicalJSON(skills)
	require.NoError(t, err)
	assert.Equal(t, `[{"name":"review","price":10.5,"tags":["go","code"]}]`, canon)

	s, err := RegisterSkillsSigningString("@aa", skills)
	require.NoError(t, err)
	assert.Equal(t, `REGISTER_SKILLS|@aa|[{"name":"review","price":10.5,"tags":["go","code"]}]`, s)
}

func TestEvidenceItemHashVector(t *testing.T) {
	h, err := EvidenceItemHash(map[string]interface{}{"b": 2, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, "768ca668c0f84dd39bf269e25c9a3f0af4812e41026b6fead9a2666078ef16f6", h)

	// Key order in the input map must not change the hash.
	h2, err := EvidenceItemHash(map[string]interface{}{"a": "x", "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h, h2)
}

func TestCommitmentHashVector(t *testing.T) {
	assert.Equal(t,
		"676b8bb84ce7267dd520deca4811c8f10a53e636352f06987f42fe425acedd80",
		CommitmentHash("n1"))
}

func BenchmarkProposalSigningString(b *testing.B) {
	for i := 0; i < b.N; i++ {
		ProposalSigningString("prop_1", "@aa", "@bb", "review PR", 10, "ELO", "code-review")
	}
}
