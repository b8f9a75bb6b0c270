package reputation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "aaaaaaaaaaaaaaaa"
	bob   = "bbbbbbbbbbbbbbbb"
	carol = "cccccccccccccccc"
	dave  = "dddddddddddddddd"
	erin  = "eeeeeeeeeeeeeeee"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestUnseenAgentDefaults(t *testing.T) {
	s := newTestStore(t)

	rating, tx := s.Rating(alice)
	assert.Equal(t, InitialRating, rating)
	assert.Equal(t, 0, tx)

	_, ok := s.Get(alice)
	assert.False(t, ok, "reads must not create records")

	assert.Equal(t, float64(InitialRating-Floor), s.FreeRating(alice))
}

func TestSettleCompletion(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.OpenEscrow("prop_1", alice, bob, 5, 5))
	require.NoError(t, s.ActivateEscrow("prop_1"))

	settlement, err := s.SettleCompletion("prop_1", alice, bob, 10, "ELO", "code-review", "https://example.com/pr/1")
	require.NoError(t, err)

	// Fresh 1200 vs 1200: both gain 8.
	assert.Equal(t, 8, settlement.Deltas[alice])
	assert.Equal(t, 8, settlement.Deltas[bob])
	assert.Equal(t, 1208, settlement.Ratings[alice])
	assert.Equal(t, 1208, settlement.Ratings[bob])

	aliceRec, _ := s.Get(alice)
	bobRec, _ := s.Get(bob)
	assert.Equal(t, 1, aliceRec.Transactions)
	assert.Equal(t, 1, bobRec.Transactions)

	// The acceptor's per-skill sub-rating tracks the capability.
	assert.Equal(t, 1208, bobRec.Skills["code-review"])
	assert.Empty(t, aliceRec.Skills)

	// Escrow is gone, stakes free again.
	_, held := s.Escrow("prop_1")
	assert.False(t, held)
	assert.Equal(t, float64(1208-Floor), s.FreeRating(alice))

	// Receipt written.
	receipts, err := s.Receipts().ReadAll()
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, ReceiptComplete, receipts[0].Type)
	assert.Equal(t, "prop_1", receipts[0].ProposalID)
	assert.Equal(t, 8, receipts[0].Deltas[alice])
	assert.Equal(t, "https://example.com/pr/1", receipts[0].Proof)
}

func TestEscrowAccounting(t *testing.T) {
	s := newTestStore(t)

	free := float64(InitialRating - Floor) // 1100

	require.NoError(t, s.OpenEscrow("prop_1", alice, bob, 100, 200))

	// Proposer stake held immediately, acceptor stake only after activation.
	assert.Equal(t, free-100, s.FreeRating(alice))
	assert.Equal(t, free, s.FreeRating(bob))

	require.NoError(t, s.ActivateEscrow("prop_1"))
	assert.Equal(t, free-200, s.FreeRating(bob))
	assert.Equal(t, float64(300), s.HeldTotal())

	s.ReleaseEscrow("prop_1")
	assert.Equal(t, free, s.FreeRating(alice))
	assert.Equal(t, free, s.FreeRating(bob))
	assert.Equal(t, float64(0), s.HeldTotal())
}

func TestEscrowRejectsOverextension(t *testing.T) {
	s := newTestStore(t)

	// Free rating is 1100 for a fresh agent.
	err := s.OpenEscrow("prop_1", alice, bob, 1101, 0)
	assert.ErrorIs(t, err, ErrInsufficientReputation)

	// Held stakes count against later holds.
	require.NoError(t, s.OpenEscrow("prop_2", alice, bob, 600, 0))
	err = s.OpenEscrow("prop_3", alice, carol, 600, 0)
	assert.ErrorIs(t, err, ErrInsufficientReputation)

	// Acceptor side is checked at activation.
	require.NoError(t, s.OpenEscrow("prop_4", carol, bob, 0, 1200))
	err = s.ActivateEscrow("prop_4")
	assert.ErrorIs(t, err, ErrInsufficientReputation)
}

func TestEscrowRejectsMalformedStakes(t *testing.T) {
	s := newTestStore(t)

	assert.ErrorIs(t, s.OpenEscrow("prop_1", alice, bob, -5, 0), ErrInvalidStake)

	require.NoError(t, s.OpenEscrow("prop_2", alice, bob, 1, 1))
	assert.ErrorIs(t, s.OpenEscrow("prop_2", alice, bob, 1, 1), ErrEscrowExists)
}

func TestSettleDisputeOneSided(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.OpenEscrow("prop_1", alice, bob, 5, 5))
	require.NoError(t, s.ActivateEscrow("prop_1"))
	require.NoError(t, s.HoldFilingFee("disp_1", alice, 10))

	settlement, err := s.SettleDispute("disp_1", "prop_1", "disputant", alice, bob, []ArbiterOutcome{
		{AgentID: carol, Vote: "disputant", Majority: true},
		{AgentID: dave, Vote: "disputant", Majority: true},
		{AgentID: erin, Vote: "respondent", Majority: false},
	})
	require.NoError(t, err)

	// Equal ratings: winner +4, loser -8.
	assert.Equal(t, 4, settlement.Deltas[alice])
	assert.Equal(t, -8, settlement.Deltas[bob])
	assert.Equal(t, 5, settlement.Deltas[carol])
	assert.Equal(t, 5, settlement.Deltas[dave])
	assert.Equal(t, 0, settlement.Deltas[erin])

	// Stakes and fee returned.
	assert.Equal(t, float64(0), s.HeldTotal())

	// Parties and arbiters are all marked dispute-involved.
	for _, id := range []string{alice, bob, carol, dave, erin} {
		rec, ok := s.Get(id)
		require.True(t, ok, id)
		assert.False(t, rec.LastDisputeAt.IsZero(), id)
	}

	// Only parties gain a transaction.
	aliceRec, _ := s.Get(alice)
	carolRec, _ := s.Get(carol)
	assert.Equal(t, 1, aliceRec.Transactions)
	assert.Equal(t, 0, carolRec.Transactions)

	receipts, err := s.Receipts().ReadAll()
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, ReceiptDispute, receipts[0].Type)
	assert.Equal(t, "disputant", receipts[0].Verdict)
}

func TestSettleDisputeMutual(t *testing.T) {
	s := newTestStore(t)

	settlement, err := s.SettleDispute("disp_1", "prop_1", "mutual", alice, bob, nil)
	require.NoError(t, err)

	assert.Equal(t, -8, settlement.Deltas[alice])
	assert.Equal(t, -8, settlement.Deltas[bob])
}

func TestSettleDisputeForfeitedArbiter(t *testing.T) {
	s := newTestStore(t)

	settlement, err := s.SettleDispute("disp_1", "prop_1", "respondent", alice, bob, []ArbiterOutcome{
		{AgentID: carol, Vote: "respondent", Majority: true},
		{AgentID: dave, Vote: "respondent", Majority: true},
		{AgentID: erin, Forfeited: true},
	})
	require.NoError(t, err)

	assert.Equal(t, -25, settlement.Deltas[erin])
	assert.Equal(t, 4, settlement.Deltas[bob])
	assert.Equal(t, -8, settlement.Deltas[alice])
}

func TestFloorClampNotedInReceipt(t *testing.T) {
	s := newTestStore(t)

	// Drive bob down to near the floor with repeated mutual losses.
	for i := 0; i < 200; i++ {
		_, err := s.SettleDispute("d", "p", "mutual", alice, bob, nil)
		require.NoError(t, err)
		rating, _ := s.Rating(bob)
		if rating == Floor {
			break
		}
	}

	rating, _ := s.Rating(bob)
	require.Equal(t, Floor, rating)

	// One more loss clamps at the floor and the receipt says so.
	settlement, err := s.SettleDispute("d2", "p2", "respondent", bob, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, Floor, settlement.Ratings[bob])
	assert.Equal(t, 0, settlement.Deltas[bob], "already at floor, nothing left to take")
	assert.Contains(t, settlement.Clamped, bob)
	assert.Contains(t, settlement.Receipt.Clamped, bob)
}

func TestFilingFeeLifecycle(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.HoldFilingFee("disp_1", alice, 10))
	assert.Equal(t, float64(InitialRating-Floor-10), s.FreeRating(alice))

	s.ReleaseFilingFee("disp_1")
	assert.Equal(t, float64(InitialRating-Floor), s.FreeRating(alice))

	// Forfeit burns the fee from the rating.
	require.NoError(t, s.HoldFilingFee("disp_2", alice, 10))
	settlement, err := s.ForfeitFilingFee("disp_2")
	require.NoError(t, err)
	assert.Equal(t, -10, settlement.Deltas[alice])

	rating, _ := s.Rating(alice)
	assert.Equal(t, InitialRating-10, rating)

	receipts, err := s.Receipts().ReadAll()
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, ReceiptForfeit, receipts[0].Type)
}

func TestSettleFallbackLeavesRatingsAlone(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.OpenEscrow("prop_1", alice, bob, 5, 5))
	require.NoError(t, s.ActivateEscrow("prop_1"))
	require.NoError(t, s.HoldFilingFee("disp_1", alice, 10))

	settlement, err := s.SettleFallback("disp_1", "prop_1", alice, bob)
	require.NoError(t, err)

	assert.Empty(t, settlement.Deltas)
	assert.Equal(t, float64(0), s.HeldTotal())

	rating, _ := s.Rating(alice)
	assert.Equal(t, InitialRating, rating)

	receipts, err := s.Receipts().ReadAll()
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, ReceiptFallback, receipts[0].Type)
	assert.Equal(t, "fallback", receipts[0].Verdict)
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir)
	require.NoError(t, err)

	_, err = s.SettleCompletion("prop_1", alice, bob, 10, "ELO", "", "")
	require.NoError(t, err)

	// No temp file left behind.
	_, statErr := os.Stat(filepath.Join(dir, "ratings.json.tmp"))
	assert.True(t, os.IsNotExist(statErr))

	reloaded, err := NewStore(dir)
	require.NoError(t, err)

	rating, tx := reloaded.Rating(alice)
	assert.Equal(t, 1208, rating)
	assert.Equal(t, 1, tx)
}

func TestEligible(t *testing.T) {
	s := newTestStore(t)

	independence := 30 * 24 * time.Hour

	// Unknown agents are not eligible.
	assert.False(t, s.Eligible(alice, 1200, 10, independence))

	// Build up carol: rating fine, transactions fine, no dispute history.
	s.mu.Lock()
	rec := s.ensureUnsafe(carol)
	rec.Rating = 1300
	rec.Transactions = 12
	s.mu.Unlock()
	assert.True(t, s.Eligible(carol, 1200, 10, independence))

	// Recent dispute involvement disqualifies.
	s.mu.Lock()
	s.records[carol].LastDisputeAt = time.Now().Add(-24 * time.Hour)
	s.mu.Unlock()
	assert.False(t, s.Eligible(carol, 1200, 10, independence))

	// Old involvement is fine again.
	s.mu.Lock()
	s.records[carol].LastDisputeAt = time.Now().Add(-31 * 24 * time.Hour)
	s.mu.Unlock()
	assert.True(t, s.Eligible(carol, 1200, 10, independence))

	// Rating or transaction shortfall disqualifies.
	assert.False(t, s.Eligible(carol, 1400, 10, independence))
	assert.False(t, s.Eligible(carol, 1200, 20, independence))
}

func TestFlush(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	s.mu.Lock()
	s.ensureUnsafe(alice).Rating = 1500
	s.mu.Unlock()

	require.NoError(t, s.Flush())

	reloaded, err := NewStore(dir)
	require.NoError(t, err)
	rating, _ := reloaded.Rating(alice)
	assert.Equal(t, 1500, rating)
}
