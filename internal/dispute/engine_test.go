package dispute

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/marketplace"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/reputation"
)

// signer wraps an Actor with its private key so tests can produce the same
// signatures a client would.
type signer struct {
	marketplace.Actor
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return signer{
		Actor: marketplace.Actor{ID: identity.DeriveAgentID(pub), Pubkey: pub},
		priv:  priv,
	}
}

func (s signer) sign(msg string) string { return identity.Sign(s.priv, msg) }

// fakeNotifier records every pushed frame per agent. Timer callbacks push
// from their own goroutines, so access is locked.
type fakeNotifier struct {
	mu     sync.Mutex
	frames map[string][]*protocol.Frame
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{frames: make(map[string][]*protocol.Frame)}
}

func (n *fakeNotifier) Notify(agentID string, f *protocol.Frame) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames[agentID] = append(n.frames[agentID], f)
	return true
}

func (n *fakeNotifier) byType(agentID, frameType string) []*protocol.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*protocol.Frame
	for _, f := range n.frames[agentID] {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

type fakePool struct {
	ids []string
}

func (p fakePool) PersistentAgents() []string { return p.ids }

// court bundles a reputation store, a marketplace and a dispute engine with
// a pool of pre-funded arbiter candidates.
type court struct {
	t      *testing.T
	rep    *reputation.Store
	market *marketplace.Service
	engine *Engine
	wire   *fakeNotifier
	alice  signer // proposer, files the disputes
	bob    signer // acceptor
	jurors []signer
}

// newCourt builds the fixture. Each juror is seeded with one settled
// transaction so the ledger knows them and the pool thresholds pass.
func newCourt(t *testing.T, jurorCount int, tune func(*Config)) *court {
	t.Helper()

	rep, err := reputation.NewStore(t.TempDir())
	require.NoError(t, err)
	market := marketplace.NewService(marketplace.Config{Rep: rep, ProposalTTL: time.Hour})
	wire := newFakeNotifier()

	c := &court{
		t:      t,
		rep:    rep,
		market: market,
		wire:   wire,
		alice:  newSigner(t),
		bob:    newSigner(t),
	}

	ids := []string{c.alice.ID, c.bob.ID}
	for i := 0; i < jurorCount; i++ {
		j := newSigner(t)
		partner := newSigner(t)
		_, err := rep.SettleCompletion(fmt.Sprintf("prop_seed%d", i), j.ID, partner.ID, 0, "", "", "")
		require.NoError(t, err)
		c.jurors = append(c.jurors, j)
		ids = append(ids, j.ID)
	}

	cfg := Config{
		PanelSize:       3,
		ReplacementCap:  2,
		MinRating:       1000,
		MinTransactions: 1,
		FilingFee:       10,
		Rep:             rep,
		Market:          market,
		Pool:            fakePool{ids: ids},
		Notify:          wire,
	}
	if tune != nil {
		tune(&cfg)
	}
	c.engine = NewEngine(cfg)
	t.Cleanup(c.engine.Stop)
	return c
}

func (c *court) jurorIDs() []string {
	out := make([]string, 0, len(c.jurors))
	for _, j := range c.jurors {
		out = append(out, j.ID)
	}
	return out
}

func (c *court) juror(id string) signer {
	for _, j := range c.jurors {
		if j.ID == id {
			return j
		}
	}
	c.t.Fatalf("no juror with id %s", id)
	return signer{}
}

// acceptedProposal drives a signed proposal from alice to bob through
// acceptance and returns its id.
func (c *court) acceptedProposal(t *testing.T, stakes *protocol.Stakes) string {
	t.Helper()
	f := &protocol.Frame{
		Type:       protocol.TypeProposal,
		ProposalID: marketplace.NewProposalID(),
		To:         protocol.FormatAgent(c.bob.ID),
		Task:       "translate 500 words",
		Amount:     5,
		Currency:   "USD",
		Capability: "translation",
		Stakes:     stakes,
	}
	f.Signature = c.alice.sign(protocol.ProposalSigningString(
		f.ProposalID, protocol.FormatAgent(c.alice.ID), f.To, f.Task, f.Amount, f.Currency, f.Capability))
	_, err := c.market.Propose(c.alice.Actor, f)
	require.NoError(t, err)

	_, err = c.market.Accept(c.bob.Actor, f.ProposalID, "PAY-1",
		c.bob.sign(protocol.AcceptSigningString(f.ProposalID, "PAY-1")))
	require.NoError(t, err)
	return f.ProposalID
}

func (c *court) fileIntent(t *testing.T, proposalID, nonce string) View {
	t.Helper()
	commitment := protocol.CommitmentHash(nonce)
	v, err := c.engine.FileIntent(c.alice.Actor, proposalID, "work not delivered",
		commitment, c.alice.sign(protocol.DisputeIntentSigningString(proposalID, commitment)))
	require.NoError(t, err)
	return v
}

func (c *court) reveal(t *testing.T, disputeID, nonce string) View {
	t.Helper()
	v, err := c.engine.Reveal(c.alice.Actor, disputeID, nonce,
		c.alice.sign(protocol.DisputeRevealSigningString(disputeID, nonce)))
	require.NoError(t, err)
	return v
}

func (c *court) accept(t *testing.T, j signer, disputeID string) View {
	t.Helper()
	v, err := c.engine.ArbiterAccept(j.Actor, disputeID,
		j.sign(protocol.ArbiterAcceptSigningString(disputeID)))
	require.NoError(t, err)
	return v
}

func (c *court) decline(t *testing.T, j signer, disputeID string) View {
	t.Helper()
	v, err := c.engine.ArbiterDecline(j.Actor, disputeID, "conflict",
		j.sign(protocol.ArbiterDeclineSigningString(disputeID, "conflict")))
	require.NoError(t, err)
	return v
}

func (c *court) submit(s signer, disputeID, statement string, items []map[string]interface{}) (View, error) {
	hashes := make([]string, 0, len(items))
	for _, item := range items {
		h, err := protocol.EvidenceItemHash(item)
		if err != nil {
			return View{}, err
		}
		hashes = append(hashes, h)
	}
	sig := s.sign(protocol.EvidenceSigningString(disputeID, statement, hashes))
	return c.engine.SubmitEvidence(s.Actor, disputeID, statement, items, sig)
}

func (c *court) vote(t *testing.T, j signer, disputeID, verdict string) View {
	t.Helper()
	v, err := c.engine.Vote(j.Actor, disputeID, verdict, "reviewed the logs",
		j.sign(protocol.ArbiterVoteSigningString(disputeID, verdict, "reviewed the logs")))
	require.NoError(t, err)
	return v
}

// seated walks a fresh dispute to the evidence phase and returns its id and
// the three seated arbiters in slot order.
func (c *court) seated(t *testing.T) (string, []signer) {
	t.Helper()
	propID := c.acceptedProposal(t, nil)
	v := c.fileIntent(t, propID, "aabbccdd")
	v = c.reveal(t, v.ID, "aabbccdd")
	require.Equal(t, PhaseArbiterResponse, v.Phase)

	var panel []signer
	for _, slot := range v.Panel {
		panel = append(panel, c.juror(slot.AgentID))
	}
	require.Len(t, panel, 3)
	for _, j := range panel {
		v = c.accept(t, j, v.ID)
	}
	require.Equal(t, PhaseEvidence, v.Phase)
	return v.ID, panel
}

// ============================================================================
// FILING
// ============================================================================

func TestFileIntentHoldsFeeAndFlipsProposal(t *testing.T) {
	c := newCourt(t, 4, nil)
	propID := c.acceptedProposal(t, nil)
	require.InDelta(t, 1100, c.rep.FreeRating(c.alice.ID), 0.001)

	v := c.fileIntent(t, propID, "aabbccdd")
	assert.Equal(t, PhaseRevealPending, v.Phase)
	assert.Equal(t, c.alice.ID, v.Disputant)
	assert.Equal(t, c.bob.ID, v.Respondent)
	assert.NotEmpty(t, v.ServerNonce)

	p, ok := c.market.Proposal(propID)
	require.True(t, ok)
	assert.Equal(t, marketplace.StateDisputed, p.State)

	// Filing fee is held, not yet burned.
	assert.InDelta(t, 1090, c.rep.FreeRating(c.alice.ID), 0.001)
	rating, _ := c.rep.Rating(c.alice.ID)
	assert.Equal(t, 1200, rating)

	notices := c.wire.byType(c.bob.ID, protocol.TypeDispute)
	require.Len(t, notices, 1)
	assert.Equal(t, v.ID, notices[0].DisputeID)
	assert.Equal(t, protocol.FormatAgent(c.alice.ID), notices[0].From)

	// One dispute per proposal.
	commitment := protocol.CommitmentHash("11223344")
	_, err := c.engine.FileIntent(c.alice.Actor, propID, "again", commitment,
		c.alice.sign(protocol.DisputeIntentSigningString(propID, commitment)))
	assert.ErrorIs(t, err, ErrAlreadyFiled)
}

func TestFileIntentRejectsOutsiders(t *testing.T) {
	c := newCourt(t, 4, nil)
	propID := c.acceptedProposal(t, nil)
	outsider := c.jurors[0]

	commitment := protocol.CommitmentHash("aabbccdd")
	_, err := c.engine.FileIntent(outsider.Actor, propID, "not mine", commitment,
		outsider.sign(protocol.DisputeIntentSigningString(propID, commitment)))
	assert.ErrorIs(t, err, marketplace.ErrNotParty)

	// The fee hold rolled back with the failed filing.
	assert.InDelta(t, 1108, c.rep.FreeRating(outsider.ID), 0.001)

	// A signature from the wrong key never reaches the marketplace.
	_, err = c.engine.FileIntent(c.alice.Actor, propID, "forged", commitment,
		c.bob.sign(protocol.DisputeIntentSigningString(propID, commitment)))
	assert.ErrorIs(t, err, identity.ErrBadSignature)

	p, _ := c.market.Proposal(propID)
	assert.Equal(t, marketplace.StateAccepted, p.State)
}

func TestFileIntentRequiresFreeRatingForFee(t *testing.T) {
	c := newCourt(t, 3, func(cfg *Config) { cfg.FilingFee = 1200 })
	propID := c.acceptedProposal(t, nil)

	commitment := protocol.CommitmentHash("aabbccdd")
	_, err := c.engine.FileIntent(c.alice.Actor, propID, "broke", commitment,
		c.alice.sign(protocol.DisputeIntentSigningString(propID, commitment)))
	assert.ErrorIs(t, err, reputation.ErrInsufficientReputation)

	p, _ := c.market.Proposal(propID)
	assert.Equal(t, marketplace.StateAccepted, p.State)
}

// ============================================================================
// REVEAL AND PANEL SELECTION
// ============================================================================

func TestRevealDrawsAuditablePanel(t *testing.T) {
	c := newCourt(t, 5, nil)
	propID := c.acceptedProposal(t, nil)
	v := c.fileIntent(t, propID, "aabbccdd")
	v = c.reveal(t, v.ID, "aabbccdd")

	require.Equal(t, PhaseArbiterResponse, v.Phase)
	require.Len(t, v.Panel, 3)
	assert.Equal(t, 0, v.Rounds)

	// The draw is reproducible from the proposal id, the revealed nonce and
	// the published server nonce.
	expected := DeterministicOrder(Seed(propID, "aabbccdd", v.ServerNonce), c.jurorIDs())
	for i, slot := range v.Panel {
		assert.Equal(t, expected[i], slot.AgentID, "slot %d", i)
		assert.Equal(t, SlotPending, slot.Status)
	}

	for _, slot := range v.Panel {
		assigned := c.wire.byType(slot.AgentID, protocol.TypeArbiterAssigned)
		require.Len(t, assigned, 1)
		assert.Equal(t, v.ID, assigned[0].DisputeID)
		assert.Equal(t, "arbiter", assigned[0].Role)
		assert.Greater(t, assigned[0].Expires, time.Now().UnixMilli())
	}

	revealed := c.wire.byType(c.bob.ID, protocol.TypeDisputeRevealed)
	require.Len(t, revealed, 1)
	assert.Equal(t, propID, revealed[0].ProposalID)
}

func TestRevealGuards(t *testing.T) {
	c := newCourt(t, 4, nil)
	propID := c.acceptedProposal(t, nil)
	v := c.fileIntent(t, propID, "aabbccdd")

	// A wrong nonce is rejected and can be retried inside the window.
	_, err := c.engine.Reveal(c.alice.Actor, v.ID, "deadbeef",
		c.alice.sign(protocol.DisputeRevealSigningString(v.ID, "deadbeef")))
	assert.ErrorIs(t, err, ErrBadReveal)
	cur, ok := c.engine.Dispute(v.ID)
	require.True(t, ok)
	assert.Equal(t, PhaseRevealPending, cur.Phase)

	_, err = c.engine.Reveal(c.bob.Actor, v.ID, "aabbccdd",
		c.bob.sign(protocol.DisputeRevealSigningString(v.ID, "aabbccdd")))
	assert.ErrorIs(t, err, ErrNotParty)

	c.reveal(t, v.ID, "aabbccdd")
	_, err = c.engine.Reveal(c.alice.Actor, v.ID, "aabbccdd",
		c.alice.sign(protocol.DisputeRevealSigningString(v.ID, "aabbccdd")))
	assert.ErrorIs(t, err, ErrBadPhase)
}

func TestSmallPoolFallsBack(t *testing.T) {
	c := newCourt(t, 2, nil)
	propID := c.acceptedProposal(t, &protocol.Stakes{Proposer: 20, Acceptor: 30})
	v := c.fileIntent(t, propID, "aabbccdd")

	// Stakes and fee held while the dispute is live.
	assert.InDelta(t, 1070, c.rep.FreeRating(c.alice.ID), 0.001)
	assert.InDelta(t, 1070, c.rep.FreeRating(c.bob.ID), 0.001)

	v = c.reveal(t, v.ID, "aabbccdd")
	assert.Equal(t, PhaseFallback, v.Phase)
	assert.Equal(t, FallbackPoolTooSmall, v.FallbackReason)

	// Everything returns to its owner and no rating moves.
	assert.InDelta(t, 1100, c.rep.FreeRating(c.alice.ID), 0.001)
	assert.InDelta(t, 1100, c.rep.FreeRating(c.bob.ID), 0.001)
	rating, _ := c.rep.Rating(c.alice.ID)
	assert.Equal(t, 1200, rating)

	for _, id := range []string{c.alice.ID, c.bob.ID} {
		fallbacks := c.wire.byType(id, protocol.TypeDisputeFallback)
		require.Len(t, fallbacks, 1, id)
		assert.Equal(t, FallbackPoolTooSmall, fallbacks[0].Reason)
	}

	receipts, err := c.rep.Receipts().ReadAll()
	require.NoError(t, err)
	last := receipts[len(receipts)-1]
	assert.Equal(t, reputation.ReceiptFallback, last.Type)
}

// ============================================================================
// SEAT RESPONSES
// ============================================================================

func TestSeatAcceptanceOpensEvidence(t *testing.T) {
	c := newCourt(t, 4, nil)
	propID := c.acceptedProposal(t, nil)
	v := c.fileIntent(t, propID, "aabbccdd")
	v = c.reveal(t, v.ID, "aabbccdd")

	first := c.juror(v.Panel[0].AgentID)
	v = c.accept(t, first, v.ID)
	assert.Equal(t, PhaseArbiterResponse, v.Phase)

	_, err := c.engine.ArbiterAccept(first.Actor, v.ID,
		first.sign(protocol.ArbiterAcceptSigningString(v.ID)))
	assert.ErrorIs(t, err, ErrAlreadyActed)

	// A juror without a seat cannot take one.
	var outsider signer
	seatHolders := map[string]bool{}
	for _, slot := range v.Panel {
		seatHolders[slot.AgentID] = true
	}
	for _, j := range c.jurors {
		if !seatHolders[j.ID] {
			outsider = j
			break
		}
	}
	_, err = c.engine.ArbiterAccept(outsider.Actor, v.ID,
		outsider.sign(protocol.ArbiterAcceptSigningString(v.ID)))
	assert.ErrorIs(t, err, ErrNotArbiter)

	v = c.accept(t, c.juror(v.Panel[1].AgentID), v.ID)
	v = c.accept(t, c.juror(v.Panel[2].AgentID), v.ID)
	assert.Equal(t, PhaseEvidence, v.Phase)

	// Parties and arbiters all hear that the panel formed.
	audience := []string{c.alice.ID, c.bob.ID}
	for _, slot := range v.Panel {
		audience = append(audience, slot.AgentID)
	}
	for _, id := range audience {
		formed := c.wire.byType(id, protocol.TypePanelFormed)
		require.Len(t, formed, 1, id)
		assert.Len(t, formed[0].Agents, 3)
	}
}

func TestDeclineDrawsReplacement(t *testing.T) {
	c := newCourt(t, 5, nil)
	propID := c.acceptedProposal(t, nil)
	v := c.fileIntent(t, propID, "aabbccdd")
	v = c.reveal(t, v.ID, "aabbccdd")

	order := DeterministicOrder(Seed(propID, "aabbccdd", v.ServerNonce), c.jurorIDs())

	v = c.decline(t, c.juror(order[0]), v.ID)
	assert.Equal(t, 1, v.Rounds)
	assert.Equal(t, PhaseArbiterResponse, v.Phase)

	// The declined seat is closed and the next candidate in order takes over.
	require.Len(t, v.Panel, 4)
	assert.Equal(t, SlotDeclined, v.Panel[0].Status)
	assert.Equal(t, order[3], v.Panel[3].AgentID)
	assert.Equal(t, SlotPending, v.Panel[3].Status)
	require.Len(t, c.wire.byType(order[3], protocol.TypeArbiterAssigned), 1)

	for _, id := range []string{order[1], order[2], order[3]} {
		v = c.accept(t, c.juror(id), v.ID)
	}
	assert.Equal(t, PhaseEvidence, v.Phase)
}

func TestReplacementCapForcesFallback(t *testing.T) {
	c := newCourt(t, 5, nil)
	propID := c.acceptedProposal(t, nil)
	v := c.fileIntent(t, propID, "aabbccdd")
	v = c.reveal(t, v.ID, "aabbccdd")

	order := DeterministicOrder(Seed(propID, "aabbccdd", v.ServerNonce), c.jurorIDs())

	v = c.decline(t, c.juror(order[0]), v.ID)
	require.Equal(t, 1, v.Rounds)
	v = c.decline(t, c.juror(order[3]), v.ID)
	require.Equal(t, 2, v.Rounds)

	v = c.decline(t, c.juror(order[4]), v.ID)
	assert.Equal(t, PhaseFallback, v.Phase)
	assert.Equal(t, FallbackReplacementCap, v.FallbackReason)
}

func TestPoolExhaustionForcesFallback(t *testing.T) {
	c := newCourt(t, 3, nil)
	propID := c.acceptedProposal(t, nil)
	v := c.fileIntent(t, propID, "aabbccdd")
	v = c.reveal(t, v.ID, "aabbccdd")
	require.Len(t, v.Panel, 3)

	// All three candidates are seated; the first decline has nobody left.
	v = c.decline(t, c.juror(v.Panel[0].AgentID), v.ID)
	assert.Equal(t, PhaseFallback, v.Phase)
	assert.Equal(t, FallbackPoolExhausted, v.FallbackReason)

	// Fee returned on the neutral fallback path.
	assert.InDelta(t, 1100, c.rep.FreeRating(c.alice.ID), 0.001)
}

// ============================================================================
// EVIDENCE AND VERDICT
// ============================================================================

func TestEvidenceFlowAndUnanimousVerdict(t *testing.T) {
	c := newCourt(t, 4, nil)
	id, panel := c.seated(t)

	items := []map[string]interface{}{
		{"kind": "log", "content": "delivery timed out after 72h"},
	}
	v, err := c.submit(c.alice, id, "work never arrived", items)
	require.NoError(t, err)
	assert.Equal(t, PhaseEvidence, v.Phase)

	_, err = c.submit(c.alice, id, "again", nil)
	assert.ErrorIs(t, err, ErrAlreadyActed)

	_, err = c.submit(panel[0], id, "not a party", nil)
	assert.ErrorIs(t, err, ErrNotParty)

	v, err = c.submit(c.bob, id, "delivered to the agreed endpoint", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseDeliberation, v.Phase)

	// Every arbiter received the case with the disputant's pack first.
	for _, j := range panel {
		ready := c.wire.byType(j.ID, protocol.TypeCaseReady)
		require.Len(t, ready, 1)
		require.Len(t, ready[0].Evidence, 2)
		assert.Equal(t, protocol.FormatAgent(c.alice.ID), ready[0].Evidence[0].Party)
		assert.Equal(t, protocol.FormatAgent(c.bob.ID), ready[0].Evidence[1].Party)
		assert.Len(t, ready[0].Evidence[0].Hashes, 1)
	}

	v = c.vote(t, panel[0], id, protocol.VerdictDisputant)
	assert.Equal(t, PhaseDeliberation, v.Phase)
	v = c.vote(t, panel[1], id, protocol.VerdictDisputant)
	v = c.vote(t, panel[2], id, protocol.VerdictDisputant)

	assert.Equal(t, PhaseResolved, v.Phase)
	assert.Equal(t, protocol.VerdictDisputant, v.Verdict)

	// 1200 vs 1200: winner +4, loser -8, majority arbiters +5.
	rating, _ := c.rep.Rating(c.alice.ID)
	assert.Equal(t, 1204, rating)
	rating, _ = c.rep.Rating(c.bob.ID)
	assert.Equal(t, 1192, rating)
	for _, j := range panel {
		rating, _ = c.rep.Rating(j.ID)
		assert.Equal(t, 1213, rating, j.ID)
	}

	verdicts := c.wire.byType(c.alice.ID, protocol.TypeVerdict)
	require.Len(t, verdicts, 1)
	assert.Equal(t, protocol.VerdictDisputant, verdicts[0].Verdict)
	assert.Len(t, verdicts[0].Votes, 3)
	assert.Equal(t, 4, verdicts[0].Deltas[c.alice.ID])
	assert.Equal(t, -8, verdicts[0].Deltas[c.bob.ID])

	// Holds are gone once settled.
	assert.InDelta(t, 0, c.rep.HeldTotal(), 0.001)

	receipts, err := c.rep.Receipts().ReadAll()
	require.NoError(t, err)
	last := receipts[len(receipts)-1]
	assert.Equal(t, reputation.ReceiptDispute, last.Type)
	assert.Equal(t, protocol.VerdictDisputant, last.Verdict)

	_, err = c.engine.Vote(panel[0].Actor, id, protocol.VerdictMutual, "",
		panel[0].sign(protocol.ArbiterVoteSigningString(id, protocol.VerdictMutual, "")))
	assert.ErrorIs(t, err, ErrBadPhase)
}

func TestSplitVoteMajorityWins(t *testing.T) {
	c := newCourt(t, 4, nil)
	id, panel := c.seated(t)
	_, err := c.submit(c.alice, id, "broken", nil)
	require.NoError(t, err)
	_, err = c.submit(c.bob, id, "fine", nil)
	require.NoError(t, err)

	c.vote(t, panel[0], id, protocol.VerdictRespondent)
	c.vote(t, panel[1], id, protocol.VerdictDisputant)
	v := c.vote(t, panel[2], id, protocol.VerdictRespondent)

	assert.Equal(t, protocol.VerdictRespondent, v.Verdict)

	// The dissenting arbiter neither gains nor loses.
	rating, _ := c.rep.Rating(panel[1].ID)
	assert.Equal(t, 1208, rating)
	rating, _ = c.rep.Rating(panel[0].ID)
	assert.Equal(t, 1213, rating)

	// Respondent verdict: bob +4, alice -8.
	rating, _ = c.rep.Rating(c.bob.ID)
	assert.Equal(t, 1204, rating)
	rating, _ = c.rep.Rating(c.alice.ID)
	assert.Equal(t, 1192, rating)
}

func TestNoMajorityResolvesMutual(t *testing.T) {
	c := newCourt(t, 4, nil)
	id, panel := c.seated(t)
	_, err := c.submit(c.alice, id, "broken", nil)
	require.NoError(t, err)
	_, err = c.submit(c.bob, id, "fine", nil)
	require.NoError(t, err)

	c.vote(t, panel[0], id, protocol.VerdictDisputant)
	c.vote(t, panel[1], id, protocol.VerdictRespondent)
	v := c.vote(t, panel[2], id, protocol.VerdictMutual)

	assert.Equal(t, PhaseResolved, v.Phase)
	assert.Equal(t, protocol.VerdictMutual, v.Verdict)

	// Both parties lose 8 at equal ratings.
	rating, _ := c.rep.Rating(c.alice.ID)
	assert.Equal(t, 1192, rating)
	rating, _ = c.rep.Rating(c.bob.ID)
	assert.Equal(t, 1192, rating)

	// Only the vote matching the final verdict earns the majority gain.
	rating, _ = c.rep.Rating(panel[2].ID)
	assert.Equal(t, 1213, rating)
	rating, _ = c.rep.Rating(panel[0].ID)
	assert.Equal(t, 1208, rating)
}

func TestVoteGuards(t *testing.T) {
	c := newCourt(t, 4, nil)
	id, panel := c.seated(t)

	// Voting before deliberation opens.
	_, err := c.engine.Vote(panel[0].Actor, id, protocol.VerdictMutual, "",
		panel[0].sign(protocol.ArbiterVoteSigningString(id, protocol.VerdictMutual, "")))
	assert.ErrorIs(t, err, ErrBadPhase)

	_, err = c.submit(c.alice, id, "broken", nil)
	require.NoError(t, err)
	_, err = c.submit(c.bob, id, "fine", nil)
	require.NoError(t, err)

	// Parties hold no seats.
	_, err = c.engine.Vote(c.alice.Actor, id, protocol.VerdictDisputant, "",
		c.alice.sign(protocol.ArbiterVoteSigningString(id, protocol.VerdictDisputant, "")))
	assert.ErrorIs(t, err, ErrNotArbiter)

	c.vote(t, panel[0], id, protocol.VerdictMutual)
	_, err = c.engine.Vote(panel[0].Actor, id, protocol.VerdictDisputant, "",
		panel[0].sign(protocol.ArbiterVoteSigningString(id, protocol.VerdictDisputant, "")))
	assert.ErrorIs(t, err, ErrAlreadyActed)

	_, err = c.engine.Vote(panel[1].Actor, "disp_missing", protocol.VerdictMutual, "",
		panel[1].sign(protocol.ArbiterVoteSigningString("disp_missing", protocol.VerdictMutual, "")))
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================================
// TIMEOUTS
// ============================================================================

func TestRevealTimeoutForfeitsFee(t *testing.T) {
	c := newCourt(t, 3, func(cfg *Config) { cfg.RevealTimeout = 60 * time.Millisecond })
	propID := c.acceptedProposal(t, &protocol.Stakes{Proposer: 20, Acceptor: 30})
	v := c.fileIntent(t, propID, "aabbccdd")

	require.Eventually(t, func() bool {
		cur, ok := c.engine.Dispute(v.ID)
		return ok && cur.Phase == PhaseFallback
	}, 2*time.Second, 10*time.Millisecond)

	cur, _ := c.engine.Dispute(v.ID)
	assert.Equal(t, FallbackRevealTimeout, cur.FallbackReason)

	// The fee burns, the stakes return.
	rating, _ := c.rep.Rating(c.alice.ID)
	assert.Equal(t, 1190, rating)
	assert.InDelta(t, 1090, c.rep.FreeRating(c.alice.ID), 0.001)
	assert.InDelta(t, 1100, c.rep.FreeRating(c.bob.ID), 0.001)

	fallbacks := c.wire.byType(c.alice.ID, protocol.TypeDisputeFallback)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, -10, fallbacks[0].Deltas[c.alice.ID])

	receipts, err := c.rep.Receipts().ReadAll()
	require.NoError(t, err)
	last := receipts[len(receipts)-1]
	assert.Equal(t, reputation.ReceiptForfeit, last.Type)
}

func TestResponseTimeoutReplacesSilentPanel(t *testing.T) {
	c := newCourt(t, 6, func(cfg *Config) { cfg.ResponseTimeout = 80 * time.Millisecond })
	propID := c.acceptedProposal(t, nil)
	v := c.fileIntent(t, propID, "aabbccdd")
	v = c.reveal(t, v.ID, "aabbccdd")

	order := DeterministicOrder(Seed(propID, "aabbccdd", v.ServerNonce), c.jurorIDs())

	// Nobody answers: the whole panel is replaced by the next three in order.
	require.Eventually(t, func() bool {
		cur, ok := c.engine.Dispute(v.ID)
		return ok && cur.Rounds == 1
	}, 2*time.Second, 5*time.Millisecond)

	cur, _ := c.engine.Dispute(v.ID)
	if cur.Phase == PhaseArbiterResponse {
		require.Len(t, cur.Panel, 6)
		for i := 0; i < 3; i++ {
			assert.Equal(t, SlotReplaced, cur.Panel[i].Status)
			assert.Equal(t, order[3+i], cur.Panel[3+i].AgentID)
		}
	}

	// The replacements stay silent too; six candidates cannot seat a third
	// panel, so the dispute falls back.
	require.Eventually(t, func() bool {
		cur, ok := c.engine.Dispute(v.ID)
		return ok && cur.Phase == PhaseFallback
	}, 2*time.Second, 10*time.Millisecond)

	cur, _ = c.engine.Dispute(v.ID)
	assert.Equal(t, FallbackPoolExhausted, cur.FallbackReason)
}

func TestEvidenceWindowLapses(t *testing.T) {
	c := newCourt(t, 4, func(cfg *Config) { cfg.EvidenceWindow = 60 * time.Millisecond })
	id, panel := c.seated(t)

	require.Eventually(t, func() bool {
		cur, ok := c.engine.Dispute(id)
		return ok && cur.Phase == PhaseDeliberation
	}, 2*time.Second, 10*time.Millisecond)

	// The case goes to the panel with whatever was submitted: nothing.
	ready := c.wire.byType(panel[0].ID, protocol.TypeCaseReady)
	require.Len(t, ready, 1)
	assert.Empty(t, ready[0].Evidence)
}

func TestVoteTimeoutForfeitsSilentArbiter(t *testing.T) {
	c := newCourt(t, 4, func(cfg *Config) { cfg.VoteWindow = 150 * time.Millisecond })
	id, panel := c.seated(t)
	_, err := c.submit(c.alice, id, "broken", nil)
	require.NoError(t, err)
	_, err = c.submit(c.bob, id, "fine", nil)
	require.NoError(t, err)

	c.vote(t, panel[0], id, protocol.VerdictDisputant)
	c.vote(t, panel[1], id, protocol.VerdictDisputant)
	// panel[2] never votes.

	require.Eventually(t, func() bool {
		cur, ok := c.engine.Dispute(id)
		return ok && cur.Phase == PhaseResolved
	}, 2*time.Second, 10*time.Millisecond)

	cur, _ := c.engine.Dispute(id)
	assert.Equal(t, protocol.VerdictDisputant, cur.Verdict)

	var silent Slot
	for _, slot := range cur.Panel {
		if slot.AgentID == panel[2].ID {
			silent = slot
		}
	}
	assert.Equal(t, SlotForfeited, silent.Status)

	rating, _ := c.rep.Rating(panel[2].ID)
	assert.Equal(t, 1183, rating)
	rating, _ = c.rep.Rating(panel[0].ID)
	assert.Equal(t, 1213, rating)
}

// ============================================================================
// LEGACY FILING AND LOOKUPS
// ============================================================================

func TestLegacyFilingSettlesImmediately(t *testing.T) {
	c := newCourt(t, 4, nil)
	propID := c.acceptedProposal(t, &protocol.Stakes{Proposer: 20, Acceptor: 30})

	v, err := c.engine.FileLegacy(c.alice.Actor, propID, "work not delivered",
		c.alice.sign(protocol.DisputeSigningString(propID, "work not delivered")))
	require.NoError(t, err)

	assert.Equal(t, PhaseFallback, v.Phase)
	assert.Equal(t, FallbackLegacyFiling, v.FallbackReason)

	p, _ := c.market.Proposal(propID)
	assert.Equal(t, marketplace.StateDisputed, p.State)

	// Stakes come back and nobody's rating moves.
	assert.InDelta(t, 1100, c.rep.FreeRating(c.alice.ID), 0.001)
	assert.InDelta(t, 1100, c.rep.FreeRating(c.bob.ID), 0.001)

	require.Len(t, c.wire.byType(c.bob.ID, protocol.TypeDispute), 1)
	require.Len(t, c.wire.byType(c.bob.ID, protocol.TypeDisputeFallback), 1)

	_, err = c.engine.FileLegacy(c.alice.Actor, propID, "again",
		c.alice.sign(protocol.DisputeSigningString(propID, "again")))
	assert.ErrorIs(t, err, ErrAlreadyFiled)
}

func TestLookupsAndCounts(t *testing.T) {
	c := newCourt(t, 4, nil)
	propID := c.acceptedProposal(t, nil)
	v := c.fileIntent(t, propID, "aabbccdd")

	byProp, ok := c.engine.ByProposal(propID)
	require.True(t, ok)
	assert.Equal(t, v.ID, byProp.ID)

	_, ok = c.engine.ByProposal("prop_none")
	assert.False(t, ok)
	_, ok = c.engine.Dispute("disp_none")
	assert.False(t, ok)

	open, closed := c.engine.Counts()
	assert.Equal(t, 1, open)
	assert.Equal(t, 0, closed)

	c.reveal(t, v.ID, "aabbccdd") // 4 jurors: panel seats fine
	cur, _ := c.engine.Dispute(v.ID)
	require.Equal(t, PhaseArbiterResponse, cur.Phase)

	open, closed = c.engine.Counts()
	assert.Equal(t, 1, open)
	assert.Equal(t, 0, closed)
}
