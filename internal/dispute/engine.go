package dispute

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/marketplace"
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/reputation"
)

var (
	// ErrNotFound is returned for an unknown dispute id.
	ErrNotFound = errors.New("dispute not found")

	// ErrAlreadyFiled is returned when a proposal already has a dispute.
	ErrAlreadyFiled = errors.New("proposal already has a dispute")

	// ErrBadPhase is returned when the dispute phase forbids the operation.
	ErrBadPhase = errors.New("operation not allowed in current phase")

	// ErrNotParty is returned when the actor is neither disputant nor
	// respondent.
	ErrNotParty = errors.New("actor is not a dispute party")

	// ErrNotArbiter is returned when the actor holds no seat on the panel.
	ErrNotArbiter = errors.New("actor holds no seat on this panel")

	// ErrAlreadyActed is returned for a second accept, decline, vote or
	// evidence submission from the same actor.
	ErrAlreadyActed = errors.New("actor already acted in this phase")

	// ErrBadReveal is returned when SHA-256(nonce) does not match the
	// commitment filed at intent time.
	ErrBadReveal = errors.New("revealed nonce does not match commitment")
)

// Notifier pushes a frame to a connected agent. Implemented by the server;
// delivery is best-effort and never blocks the engine.
type Notifier interface {
	Notify(agentID string, f *protocol.Frame) bool
}

// PoolSource lists the agents eligible for panel duty before reputation
// filtering: connected sessions that proved a pubkey.
type PoolSource interface {
	PersistentAgents() []string
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, *protocol.Frame) bool { return false }

type emptyPool struct{}

func (emptyPool) PersistentAgents() []string { return nil }

// ============================================================================
// DISPUTE ENGINE
// ============================================================================

// Config holds the engine's tunables and dependencies.
type Config struct {
	RevealTimeout   time.Duration
	ResponseTimeout time.Duration
	EvidenceWindow  time.Duration
	VoteWindow      time.Duration
	PanelSize       int
	ReplacementCap  int
	MinRating       int
	MinTransactions int
	Independence    time.Duration
	FilingFee       float64

	Rep     *reputation.Store
	Market  *marketplace.Service
	Pool    PoolSource
	Notify  Notifier
	Bus     *events.Bus
	Metrics *metrics.Metrics
}

// Engine owns every dispute. The engine lock guards only the index maps;
// each dispute carries its own mutex, and the phase timers re-check their
// generation under it so a late timer can never fire into an advanced phase.
//
// Bus handlers run inside the dispute lock and must not call back into the
// engine.
type Engine struct {
	mu         sync.RWMutex
	disputes   map[string]*Dispute
	byProposal map[string]string

	cfg     Config
	rep     *reputation.Store
	market  *marketplace.Service
	pool    PoolSource
	notify  Notifier
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewEngine creates the dispute engine. Zero tunables take the defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.RevealTimeout <= 0 {
		cfg.RevealTimeout = 10 * time.Minute
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Minute
	}
	if cfg.EvidenceWindow <= 0 {
		cfg.EvidenceWindow = time.Hour
	}
	if cfg.VoteWindow <= 0 {
		cfg.VoteWindow = time.Hour
	}
	if cfg.PanelSize <= 0 {
		cfg.PanelSize = 3
	}
	if cfg.ReplacementCap <= 0 {
		cfg.ReplacementCap = 2
	}
	if cfg.MinRating <= 0 {
		cfg.MinRating = 1200
	}
	if cfg.MinTransactions <= 0 {
		cfg.MinTransactions = 10
	}
	if cfg.Independence <= 0 {
		cfg.Independence = 30 * 24 * time.Hour
	}
	if cfg.Pool == nil {
		cfg.Pool = emptyPool{}
	}
	if cfg.Notify == nil {
		cfg.Notify = noopNotifier{}
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	return &Engine{
		disputes:   make(map[string]*Dispute),
		byProposal: make(map[string]string),
		cfg:        cfg,
		rep:        cfg.Rep,
		market:     cfg.Market,
		pool:       cfg.Pool,
		notify:     cfg.Notify,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		logger:     log.New(log.Writer(), "[Agentcourt] ", log.LstdFlags),
	}
}

func newDisputeID() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("disp_%012x", time.Now().UnixNano())
	}
	return "disp_" + hex.EncodeToString(buf[:])
}

// ============================================================================
// FILING
// ============================================================================

// FileIntent opens a dispute in the commit phase: the filing fee escrows,
// the proposal flips to DISPUTED and the disputant has until the reveal
// deadline to disclose the nonce behind the commitment.
func (e *Engine) FileIntent(actor marketplace.Actor, proposalID, reason, commitment, sig string) (View, error) {
	msg := protocol.DisputeIntentSigningString(proposalID, commitment)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return View{}, err
	}

	e.mu.RLock()
	_, filed := e.byProposal[proposalID]
	e.mu.RUnlock()
	if filed {
		return View{}, ErrAlreadyFiled
	}

	serverNonce, err := identity.GenerateServerNonce()
	if err != nil {
		return View{}, err
	}

	id := newDisputeID()
	if err := e.rep.HoldFilingFee(id, actor.ID, e.cfg.FilingFee); err != nil {
		return View{}, err
	}

	p, err := e.market.MarkDisputed(actor.ID, proposalID)
	if err != nil {
		e.rep.ReleaseFilingFee(id)
		return View{}, err
	}

	d := &Dispute{
		ID:          id,
		ProposalID:  proposalID,
		Disputant:   actor.ID,
		Respondent:  p.Counterparty(actor.ID),
		Reason:      reason,
		Phase:       PhaseRevealPending,
		Commitment:  commitment,
		ServerNonce: serverNonce,
		evidence:    make(map[string]*Evidence),
		FiledAt:     time.Now(),
	}

	e.mu.Lock()
	e.disputes[id] = d
	e.byProposal[proposalID] = id
	e.mu.Unlock()

	d.mu.Lock()
	e.armLocked(d, e.cfg.RevealTimeout, e.onRevealTimeout)
	view := d.viewLocked()
	d.mu.Unlock()

	e.metrics.RecordDisputePhase("", string(PhaseRevealPending))
	e.logger.Printf("dispute filed: id=%s proposal=%s disputant=%s", id, proposalID, actor.ID)
	e.bus.Emit(context.Background(), events.EventDisputeFiled, "agentcourt", id, map[string]interface{}{
		"proposal_id": proposalID,
		"disputant":   actor.ID,
	})

	e.notify.Notify(d.Respondent, &protocol.Frame{
		Type:       protocol.TypeDispute,
		DisputeID:  id,
		ProposalID: proposalID,
		From:       protocol.FormatAgent(d.Disputant),
		Reason:     reason,
	})
	return view, nil
}

// FileLegacy handles the single-frame DISPUTE filing: the dispute is
// recorded and immediately settled on the fallback path, with stakes
// returned and no rating movement. Kept for agents that predate the
// commit-reveal flow.
func (e *Engine) FileLegacy(actor marketplace.Actor, proposalID, reason, sig string) (View, error) {
	msg := protocol.DisputeSigningString(proposalID, reason)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return View{}, err
	}

	e.mu.RLock()
	_, filed := e.byProposal[proposalID]
	e.mu.RUnlock()
	if filed {
		return View{}, ErrAlreadyFiled
	}

	p, err := e.market.MarkDisputed(actor.ID, proposalID)
	if err != nil {
		return View{}, err
	}

	d := &Dispute{
		ID:         newDisputeID(),
		ProposalID: proposalID,
		Disputant:  actor.ID,
		Respondent: p.Counterparty(actor.ID),
		Reason:     reason,
		Phase:      PhaseRevealPending,
		evidence:   make(map[string]*Evidence),
		FiledAt:    time.Now(),
	}

	e.mu.Lock()
	e.disputes[d.ID] = d
	e.byProposal[proposalID] = d.ID
	e.mu.Unlock()

	e.metrics.RecordDisputePhase("", string(PhaseRevealPending))
	e.logger.Printf("legacy dispute filed: id=%s proposal=%s", d.ID, proposalID)

	e.notify.Notify(d.Respondent, &protocol.Frame{
		Type:       protocol.TypeDispute,
		DisputeID:  d.ID,
		ProposalID: proposalID,
		From:       protocol.FormatAgent(d.Disputant),
		Reason:     reason,
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	e.fallbackLocked(d, FallbackLegacyFiling)
	return d.viewLocked(), nil
}

// Reveal discloses the committed nonce, fixes the selection seed and draws
// the panel. A reveal that does not hash to the commitment is rejected and
// may be retried until the reveal deadline.
func (e *Engine) Reveal(actor marketplace.Actor, disputeID, nonce, sig string) (View, error) {
	msg := protocol.DisputeRevealSigningString(disputeID, nonce)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return View{}, err
	}

	d, err := e.lookup(disputeID)
	if err != nil {
		return View{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if actor.ID != d.Disputant {
		return View{}, ErrNotParty
	}
	if d.Phase != PhaseRevealPending {
		return View{}, fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	if protocol.CommitmentHash(nonce) != d.Commitment {
		return View{}, ErrBadReveal
	}

	d.Nonce = nonce
	d.RevealedAt = time.Now()
	d.Seed = Seed(d.ProposalID, nonce, d.ServerNonce)
	e.transitionLocked(d, PhasePanelSelection)

	e.bus.Emit(context.Background(), events.EventDisputeRevealed, "agentcourt", d.ID, nil)
	e.notify.Notify(d.Respondent, &protocol.Frame{
		Type:       protocol.TypeDisputeRevealed,
		DisputeID:  d.ID,
		ProposalID: d.ProposalID,
	})

	candidates := e.eligibleCandidates(d)
	if len(candidates) < e.cfg.PanelSize {
		e.fallbackLocked(d, FallbackPoolTooSmall)
		return d.viewLocked(), nil
	}

	d.order = DeterministicOrder(d.Seed, candidates)
	d.nextIdx = e.cfg.PanelSize
	for _, id := range d.order[:e.cfg.PanelSize] {
		d.Slots = append(d.Slots, &Slot{AgentID: id, Status: SlotPending})
	}

	e.transitionLocked(d, PhaseArbiterResponse)
	e.armLocked(d, e.cfg.ResponseTimeout, e.onResponseTimeout)
	for _, s := range d.Slots {
		e.notifyAssignment(d, s.AgentID)
	}

	e.logger.Printf("panel drawn: dispute=%s panel=%v", d.ID, d.order[:e.cfg.PanelSize])
	e.bus.Emit(context.Background(), events.EventDisputePanel, "agentcourt", d.ID, map[string]interface{}{
		"panel": append([]string(nil), d.order[:e.cfg.PanelSize]...),
	})
	return d.viewLocked(), nil
}

// eligibleCandidates filters the connected persistent agents by the pool
// criteria, excluding the parties.
func (e *Engine) eligibleCandidates(d *Dispute) []string {
	var out []string
	for _, id := range e.pool.PersistentAgents() {
		if id == d.Disputant || id == d.Respondent {
			continue
		}
		if !e.rep.Eligible(id, e.cfg.MinRating, e.cfg.MinTransactions, e.cfg.Independence) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (e *Engine) notifyAssignment(d *Dispute, agentID string) {
	e.notify.Notify(agentID, &protocol.Frame{
		Type:       protocol.TypeArbiterAssigned,
		DisputeID:  d.ID,
		ProposalID: d.ProposalID,
		Role:       "arbiter",
		Reason:     d.Reason,
		Expires:    d.deadline.UnixMilli(),
	})
}

// ============================================================================
// PANEL RESPONSES
// ============================================================================

// ArbiterAccept takes a panel seat.
func (e *Engine) ArbiterAccept(actor marketplace.Actor, disputeID, sig string) (View, error) {
	msg := protocol.ArbiterAcceptSigningString(disputeID)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return View{}, err
	}

	d, err := e.lookup(disputeID)
	if err != nil {
		return View{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Phase != PhaseArbiterResponse {
		return View{}, fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	slot := d.slotFor(actor.ID)
	if slot == nil {
		return View{}, ErrNotArbiter
	}
	if slot.Status != SlotPending {
		return View{}, ErrAlreadyActed
	}
	slot.Status = SlotAccepted

	if e.panelCompleteLocked(d) {
		e.beginEvidenceLocked(d)
	}
	return d.viewLocked(), nil
}

// ArbiterDecline refuses a seat; a replacement is drawn from the
// deterministic order. Each decline spends one replacement round, and
// running past the cap sends the dispute to fallback.
func (e *Engine) ArbiterDecline(actor marketplace.Actor, disputeID, reason, sig string) (View, error) {
	msg := protocol.ArbiterDeclineSigningString(disputeID, reason)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return View{}, err
	}

	d, err := e.lookup(disputeID)
	if err != nil {
		return View{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Phase != PhaseArbiterResponse {
		return View{}, fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	slot := d.slotFor(actor.ID)
	if slot == nil {
		return View{}, ErrNotArbiter
	}
	if slot.Status != SlotPending {
		return View{}, ErrAlreadyActed
	}
	slot.Status = SlotDeclined
	e.logger.Printf("seat declined: dispute=%s arbiter=%s reason=%q", d.ID, actor.ID, reason)

	e.replaceSeatsLocked(d, 1)
	return d.viewLocked(), nil
}

// replaceSeatsLocked draws n replacement seats, spending one replacement
// round. Exhausting the candidate order or the round cap forces fallback.
func (e *Engine) replaceSeatsLocked(d *Dispute, n int) {
	d.Rounds++
	if d.Rounds > e.cfg.ReplacementCap {
		e.fallbackLocked(d, FallbackReplacementCap)
		return
	}
	if d.nextIdx+n > len(d.order) {
		e.fallbackLocked(d, FallbackPoolExhausted)
		return
	}

	assigned := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := d.order[d.nextIdx]
		d.nextIdx++
		d.Slots = append(d.Slots, &Slot{AgentID: id, Status: SlotPending})
		assigned = append(assigned, id)
	}

	// Replacements get a fresh response window.
	e.armLocked(d, e.cfg.ResponseTimeout, e.onResponseTimeout)
	for _, id := range assigned {
		e.notifyAssignment(d, id)
	}
}

// panelCompleteLocked reports whether every active seat is accepted.
func (e *Engine) panelCompleteLocked(d *Dispute) bool {
	for _, s := range d.active() {
		if s.Status != SlotAccepted {
			return false
		}
	}
	return true
}

// beginEvidenceLocked opens the evidence window and announces the panel to
// parties and arbiters.
func (e *Engine) beginEvidenceLocked(d *Dispute) {
	e.transitionLocked(d, PhaseEvidence)
	e.armLocked(d, e.cfg.EvidenceWindow, e.onEvidenceTimeout)

	panel := make([]string, 0, e.cfg.PanelSize)
	for _, s := range d.active() {
		panel = append(panel, protocol.FormatAgent(s.AgentID))
	}
	f := &protocol.Frame{
		Type:      protocol.TypePanelFormed,
		DisputeID: d.ID,
		Agents:    panel,
		Expires:   d.deadline.UnixMilli(),
	}
	for _, id := range e.audienceLocked(d) {
		e.notify.Notify(id, f)
	}
	e.logger.Printf("panel formed: dispute=%s arbiters=%v", d.ID, panel)
}

// ============================================================================
// EVIDENCE
// ============================================================================

// SubmitEvidence records one party's statement and items. Each item is
// integrity-hashed and the signature covers the hashes, so neither the
// server nor the counterparty can alter a submission unnoticed. One
// submission per party; the window closes early once both sides are in.
func (e *Engine) SubmitEvidence(actor marketplace.Actor, disputeID, statement string, items []map[string]interface{}, sig string) (View, error) {
	hashes := make([]string, 0, len(items))
	for _, item := range items {
		h, err := protocol.EvidenceItemHash(item)
		if err != nil {
			return View{}, err
		}
		hashes = append(hashes, h)
	}
	msg := protocol.EvidenceSigningString(disputeID, statement, hashes)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return View{}, err
	}

	d, err := e.lookup(disputeID)
	if err != nil {
		return View{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Phase != PhaseEvidence {
		return View{}, fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	if actor.ID != d.Disputant && actor.ID != d.Respondent {
		return View{}, ErrNotParty
	}
	if _, dup := d.evidence[actor.ID]; dup {
		return View{}, ErrAlreadyActed
	}

	d.evidence[actor.ID] = &Evidence{
		Party:       actor.ID,
		Statement:   statement,
		Items:       items,
		Hashes:      hashes,
		SubmittedAt: time.Now(),
	}
	e.logger.Printf("evidence received: dispute=%s party=%s items=%d", d.ID, actor.ID, len(items))

	if len(d.evidence) == 2 {
		e.beginDeliberationLocked(d)
	}
	return d.viewLocked(), nil
}

// beginDeliberationLocked closes the evidence window and hands the case to
// the panel.
func (e *Engine) beginDeliberationLocked(d *Dispute) {
	e.transitionLocked(d, PhaseDeliberation)
	e.armLocked(d, e.cfg.VoteWindow, e.onVoteTimeout)

	f := &protocol.Frame{
		Type:      protocol.TypeCaseReady,
		DisputeID: d.ID,
		Reason:    d.Reason,
		Evidence:  e.evidencePacksLocked(d),
		Expires:   d.deadline.UnixMilli(),
	}
	for _, s := range d.active() {
		if s.Status == SlotAccepted {
			e.notify.Notify(s.AgentID, f)
		}
	}
}

// evidencePacksLocked renders the submissions in party order: disputant
// first, then respondent.
func (e *Engine) evidencePacksLocked(d *Dispute) []protocol.EvidencePack {
	var packs []protocol.EvidencePack
	for _, party := range []string{d.Disputant, d.Respondent} {
		ev, ok := d.evidence[party]
		if !ok {
			continue
		}
		packs = append(packs, protocol.EvidencePack{
			Party:     protocol.FormatAgent(party),
			Statement: ev.Statement,
			Items:     ev.Items,
			Hashes:    ev.Hashes,
		})
	}
	return packs
}

// ============================================================================
// VOTING AND RESOLUTION
// ============================================================================

// Vote records an arbiter's verdict. The dispute resolves as soon as the
// whole panel has voted, or at the vote deadline with non-voters forfeiting.
func (e *Engine) Vote(actor marketplace.Actor, disputeID, verdict, reasoning, sig string) (View, error) {
	msg := protocol.ArbiterVoteSigningString(disputeID, verdict, reasoning)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return View{}, err
	}

	d, err := e.lookup(disputeID)
	if err != nil {
		return View{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Phase != PhaseDeliberation {
		return View{}, fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	slot := d.slotFor(actor.ID)
	if slot == nil || slot.Status == SlotDeclined || slot.Status == SlotReplaced {
		return View{}, ErrNotArbiter
	}
	if slot.Status == SlotVoted {
		return View{}, ErrAlreadyActed
	}

	slot.Status = SlotVoted
	slot.Verdict = verdict
	slot.Reasoning = reasoning
	e.logger.Printf("vote cast: dispute=%s arbiter=%s verdict=%s", d.ID, actor.ID, verdict)

	allVoted := true
	for _, s := range d.active() {
		if s.Status != SlotVoted {
			allVoted = false
			break
		}
	}
	if allVoted {
		e.resolveLocked(d)
	}
	return d.viewLocked(), nil
}

// resolveLocked tallies the panel and settles. Two agreeing votes decide for
// a party; anything less is a mutual-fault verdict.
func (e *Engine) resolveLocked(d *Dispute) {
	e.cancelTimerLocked(d)

	tally := make(map[string]int)
	outcomes := make([]reputation.ArbiterOutcome, 0, len(d.Slots))
	for _, s := range d.active() {
		switch s.Status {
		case SlotVoted:
			tally[s.Verdict]++
		case SlotAccepted, SlotPending:
			s.Status = SlotForfeited
		}
	}

	verdict := protocol.VerdictMutual
	switch {
	case tally[protocol.VerdictDisputant] >= 2:
		verdict = protocol.VerdictDisputant
	case tally[protocol.VerdictRespondent] >= 2:
		verdict = protocol.VerdictRespondent
	case tally[protocol.VerdictMutual] >= 2:
		verdict = protocol.VerdictMutual
	}

	votes := make([]protocol.VoteInfo, 0, len(d.Slots))
	for _, s := range d.active() {
		switch s.Status {
		case SlotVoted:
			outcomes = append(outcomes, reputation.ArbiterOutcome{
				AgentID:  s.AgentID,
				Vote:     s.Verdict,
				Majority: s.Verdict == verdict,
			})
			votes = append(votes, protocol.VoteInfo{
				Arbiter:   protocol.FormatAgent(s.AgentID),
				Verdict:   s.Verdict,
				Reasoning: s.Reasoning,
			})
		case SlotForfeited:
			outcomes = append(outcomes, reputation.ArbiterOutcome{
				AgentID:   s.AgentID,
				Forfeited: true,
			})
		}
	}

	d.Verdict = verdict
	d.ResolvedAt = time.Now()
	e.transitionLocked(d, PhaseResolved)

	settlement, err := e.rep.SettleDispute(d.ID, d.ProposalID, verdict, d.Disputant, d.Respondent, outcomes)
	if err != nil {
		e.logger.Printf("settlement failed: dispute=%s err=%v", d.ID, err)
	}

	f := &protocol.Frame{
		Type:      protocol.TypeVerdict,
		DisputeID: d.ID,
		Verdict:   verdict,
		Votes:     votes,
	}
	if settlement != nil {
		f.Deltas = settlement.Deltas
	}
	for _, id := range e.audienceLocked(d) {
		e.notify.Notify(id, f)
	}

	e.metrics.RecordVerdict(verdict)
	if settlement != nil {
		e.metrics.RecordReceipt(settlement.Receipt.Type)
		for agentID, rating := range settlement.Ratings {
			e.metrics.UpdateAgentRating(agentID, rating)
			e.bus.Emit(context.Background(), events.EventRatingChanged, "agentcourt", agentID, map[string]interface{}{
				"rating": rating,
				"delta":  settlement.Deltas[agentID],
			})
		}
	}
	e.logger.Printf("dispute resolved: id=%s verdict=%s tally=%v", d.ID, verdict, tally)
	e.bus.Emit(context.Background(), events.EventDisputeResolved, "agentcourt", d.ID, map[string]interface{}{
		"verdict": verdict,
	})
}

// fallbackLocked ends a dispute without a panel verdict. Stakes and filing
// fee return to their owners and no rating moves; the reveal-timeout path is
// the exception, forfeiting the fee to make unrevealed filings costly.
func (e *Engine) fallbackLocked(d *Dispute, reason string) {
	e.cancelTimerLocked(d)
	d.FallbackReason = reason
	d.ResolvedAt = time.Now()
	e.transitionLocked(d, PhaseFallback)

	var settlement *reputation.Settlement
	var err error
	if reason == FallbackRevealTimeout {
		settlement, err = e.rep.ForfeitFilingFee(d.ID)
		e.rep.ReleaseEscrow(d.ProposalID)
	} else {
		settlement, err = e.rep.SettleFallback(d.ID, d.ProposalID, d.Disputant, d.Respondent)
	}
	if err != nil {
		e.logger.Printf("fallback settlement failed: dispute=%s err=%v", d.ID, err)
	}

	f := &protocol.Frame{
		Type:      protocol.TypeDisputeFallback,
		DisputeID: d.ID,
		Reason:    reason,
	}
	if settlement != nil {
		f.Deltas = settlement.Deltas
	}
	for _, id := range e.audienceLocked(d) {
		e.notify.Notify(id, f)
	}

	e.metrics.RecordVerdict("fallback")
	if settlement != nil {
		e.metrics.RecordReceipt(settlement.Receipt.Type)
		for agentID, rating := range settlement.Ratings {
			e.metrics.UpdateAgentRating(agentID, rating)
			e.bus.Emit(context.Background(), events.EventRatingChanged, "agentcourt", agentID, map[string]interface{}{
				"rating": rating,
				"delta":  settlement.Deltas[agentID],
			})
		}
	}
	e.logger.Printf("dispute fallback: id=%s reason=%s", d.ID, reason)
	e.bus.Emit(context.Background(), events.EventDisputeFallback, "agentcourt", d.ID, map[string]interface{}{
		"reason": reason,
	})
}

// audienceLocked lists everyone entitled to terminal and panel notices: the
// parties plus every seated arbiter.
func (e *Engine) audienceLocked(d *Dispute) []string {
	out := []string{d.Disputant, d.Respondent}
	for _, s := range d.active() {
		out = append(out, s.AgentID)
	}
	return out
}

// ============================================================================
// TIMERS
// ============================================================================

// armLocked schedules the phase deadline. The generation counter makes every
// timer single-fire: advancing the phase bumps the generation, and a stale
// callback that already fired drops out on the check.
func (e *Engine) armLocked(d *Dispute, dur time.Duration, fn func(*Dispute, int)) {
	d.timerGen++
	gen := d.timerGen
	d.deadline = time.Now().Add(dur)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(dur, func() { fn(d, gen) })
}

func (e *Engine) cancelTimerLocked(d *Dispute) {
	d.timerGen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (e *Engine) onRevealTimeout(d *Dispute, gen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timerGen != gen || d.Phase != PhaseRevealPending {
		return
	}
	e.logger.Printf("reveal window expired: dispute=%s", d.ID)
	e.fallbackLocked(d, FallbackRevealTimeout)
}

func (e *Engine) onResponseTimeout(d *Dispute, gen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timerGen != gen || d.Phase != PhaseArbiterResponse {
		return
	}

	n := 0
	for _, s := range d.Slots {
		if s.Status == SlotPending {
			s.Status = SlotReplaced
			n++
		}
	}
	e.logger.Printf("response window expired: dispute=%s unanswered=%d", d.ID, n)
	if n == 0 {
		return
	}
	e.replaceSeatsLocked(d, n)
}

func (e *Engine) onEvidenceTimeout(d *Dispute, gen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timerGen != gen || d.Phase != PhaseEvidence {
		return
	}
	e.logger.Printf("evidence window expired: dispute=%s submissions=%d", d.ID, len(d.evidence))
	e.beginDeliberationLocked(d)
}

func (e *Engine) onVoteTimeout(d *Dispute, gen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timerGen != gen || d.Phase != PhaseDeliberation {
		return
	}
	e.logger.Printf("vote window expired: dispute=%s", d.ID)
	e.resolveLocked(d)
}

// transitionLocked moves the phase and keeps the open-disputes gauge honest:
// terminal phases leave the gauge rather than entering it.
func (e *Engine) transitionLocked(d *Dispute, to Phase) {
	from := d.Phase
	d.Phase = to
	label := string(to)
	if to.Terminal() {
		label = ""
	}
	e.metrics.RecordDisputePhase(string(from), label)
}

// ============================================================================
// LOOKUPS
// ============================================================================

func (e *Engine) lookup(disputeID string) (*Dispute, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.disputes[disputeID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// Dispute returns a snapshot of the dispute.
func (e *Engine) Dispute(disputeID string) (View, bool) {
	d, err := e.lookup(disputeID)
	if err != nil {
		return View{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewLocked(), true
}

// ByProposal returns the dispute filed against a proposal, if any.
func (e *Engine) ByProposal(proposalID string) (View, bool) {
	e.mu.RLock()
	id, ok := e.byProposal[proposalID]
	e.mu.RUnlock()
	if !ok {
		return View{}, false
	}
	return e.Dispute(id)
}

// Counts returns the number of open and closed disputes, for health reports.
func (e *Engine) Counts() (open, closed int) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.disputes))
	for id := range e.disputes {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		if v, ok := e.Dispute(id); ok {
			if v.Phase.Terminal() {
				closed++
			} else {
				open++
			}
		}
	}
	return open, closed
}

// Stop cancels every pending phase timer. Called on shutdown; in-flight
// callbacks drop out on their generation check.
func (e *Engine) Stop() {
	e.mu.RLock()
	disputes := make([]*Dispute, 0, len(e.disputes))
	for _, d := range e.disputes {
		disputes = append(disputes, d)
	}
	e.mu.RUnlock()

	for _, d := range disputes {
		d.mu.Lock()
		e.cancelTimerLocked(d)
		d.mu.Unlock()
	}
}
