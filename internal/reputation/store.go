// Package reputation is the rating ledger: ELO ratings, escrow accounting
// and append-only settlement receipts.
package reputation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ============================================================================
// REPUTATION STORE - ratings, escrow holds, settlements
// ============================================================================

var (
	ErrInsufficientReputation = errors.New("free rating cannot cover stake")
	ErrInvalidStake           = errors.New("stake is not a valid amount")
	ErrEscrowNotFound         = errors.New("escrow record not found")
	ErrEscrowExists           = errors.New("escrow record already exists")
)

// Record is the persisted rating state of one agent.
type Record struct {
	AgentID       string         `json:"agent_id"`
	Rating        int            `json:"rating"`
	Transactions  int            `json:"transactions"`
	Skills        map[string]int `json:"skills,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastDisputeAt time.Time      `json:"last_dispute_at,omitempty"`
}

// EscrowState tracks the life of an escrow row.
type EscrowState string

const (
	// EscrowPending holds only the proposer's stake, before acceptance.
	EscrowPending EscrowState = "pending"
	// EscrowHeld holds both stakes.
	EscrowHeld EscrowState = "held"
	// EscrowReleased is terminal; released rows are dropped from the index.
	EscrowReleased EscrowState = "released"
)

// EscrowRecord keys stakes by proposal.
type EscrowRecord struct {
	ProposalID    string      `json:"proposal_id"`
	ProposerID    string      `json:"proposer_id"`
	AcceptorID    string      `json:"acceptor_id"`
	ProposerStake float64     `json:"proposer_stake"`
	AcceptorStake float64     `json:"acceptor_stake"`
	State         EscrowState `json:"state"`
}

// feeHold escrows a dispute filing fee against the disputant.
type feeHold struct {
	AgentID string
	Amount  float64
}

// ArbiterOutcome describes one panel member at resolution time.
type ArbiterOutcome struct {
	AgentID   string
	Vote      string
	Majority  bool
	Forfeited bool
}

// Settlement reports the applied rating changes of one settlement.
type Settlement struct {
	Deltas  map[string]int
	Ratings map[string]int
	Clamped []string
	Receipt *Receipt
}

// Store owns every rating mutation. All deltas are applied under one writer
// lock and every settlement appends a receipt before the lock is released.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*Record
	escrows  map[string]*EscrowRecord
	feeHolds map[string]*feeHold

	path   string
	log    *ReceiptLog
	logger *log.Logger
}

// NewStore loads ratings.json from dataDir (creating the directory as
// needed) and opens the receipt log next to it.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	rl, err := NewReceiptLog(dataDir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		records:  make(map[string]*Record),
		escrows:  make(map[string]*EscrowRecord),
		feeHolds: make(map[string]*feeHold),
		path:     filepath.Join(dataDir, "ratings.json"),
		log:      rl,
		logger:   log.New(log.Writer(), "[Reputation] ", log.LstdFlags),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.logger.Printf("loaded %d rating records from %s", len(s.records), s.path)
	return nil
}

// persistUnsafe writes ratings.json atomically: temp file, fsync, rename.
// Must be called with the writer lock held.
func (s *Store) persistUnsafe() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

// Flush persists the current ratings. Called on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistUnsafe()
}

// Receipts exposes the settlement log for reads.
func (s *Store) Receipts() *ReceiptLog {
	return s.log
}

// ensureUnsafe returns the record for agentID, creating it at the initial
// rating. Must be called with the writer lock held.
func (s *Store) ensureUnsafe(agentID string) *Record {
	rec, ok := s.records[agentID]
	if !ok {
		rec = &Record{
			AgentID:   agentID,
			Rating:    InitialRating,
			UpdatedAt: time.Now(),
		}
		s.records[agentID] = rec
	}
	return rec
}

// Get returns a copy of an agent's record.
func (s *Store) Get(agentID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[agentID]
	if !ok {
		return Record{}, false
	}
	out := *rec
	if rec.Skills != nil {
		out.Skills = make(map[string]int, len(rec.Skills))
		for k, v := range rec.Skills {
			out.Skills[k] = v
		}
	}
	return out, true
}

// Rating returns an agent's rating and transaction count, defaulting to the
// initial rating for unseen agents.
func (s *Store) Rating(agentID string) (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[agentID]
	if !ok {
		return InitialRating, 0
	}
	return rec.Rating, rec.Transactions
}

// Eligible reports whether an agent satisfies the arbiter pool criteria.
func (s *Store) Eligible(agentID string, minRating, minTransactions int, independence time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[agentID]
	if !ok {
		return false
	}
	if rec.Rating < minRating || rec.Transactions < minTransactions {
		return false
	}
	if !rec.LastDisputeAt.IsZero() && time.Since(rec.LastDisputeAt) < independence {
		return false
	}
	return true
}

// heldAgainstUnsafe sums every stake currently held against an agent:
// proposer stakes from the moment they are offered, acceptor stakes once the
// escrow row activates, plus filing fees.
func (s *Store) heldAgainstUnsafe(agentID string) float64 {
	var held float64
	for _, e := range s.escrows {
		if e.ProposerID == agentID {
			held += e.ProposerStake
		}
		if e.AcceptorID == agentID && e.State == EscrowHeld {
			held += e.AcceptorStake
		}
	}
	for _, h := range s.feeHolds {
		if h.AgentID == agentID {
			held += h.Amount
		}
	}
	return held
}

// FreeRating returns rating − floor − held stakes. Never negative for a
// consistent ledger; callers treat anything below a requested stake as
// insufficient.
func (s *Store) FreeRating(agentID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.freeRatingUnsafe(agentID)
}

func (s *Store) freeRatingUnsafe(agentID string) float64 {
	rating := InitialRating
	if rec, ok := s.records[agentID]; ok {
		rating = rec.Rating
	}
	return float64(rating-Floor) - s.heldAgainstUnsafe(agentID)
}

// HeldTotal returns the sum of all holds, for the escrow gauge.
func (s *Store) HeldTotal() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, e := range s.escrows {
		total += e.ProposerStake
		if e.State == EscrowHeld {
			total += e.AcceptorStake
		}
	}
	for _, h := range s.feeHolds {
		total += h.Amount
	}
	return total
}

func validStake(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// OpenEscrow records a proposal's stakes. The proposer's stake is held
// immediately; the acceptor's is recorded and held when the row activates on
// acceptance.
func (s *Store) OpenEscrow(proposalID, proposerID, acceptorID string, proposerStake, acceptorStake float64) error {
	if !validStake(proposerStake) || !validStake(acceptorStake) {
		return ErrInvalidStake
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[proposalID]; exists {
		return ErrEscrowExists
	}
	if proposerStake > 0 && s.freeRatingUnsafe(proposerID) < proposerStake {
		return fmt.Errorf("%w: proposer %s", ErrInsufficientReputation, proposerID)
	}

	s.escrows[proposalID] = &EscrowRecord{
		ProposalID:    proposalID,
		ProposerID:    proposerID,
		AcceptorID:    acceptorID,
		ProposerStake: proposerStake,
		AcceptorStake: acceptorStake,
		State:         EscrowPending,
	}
	return nil
}

// ActivateEscrow holds the acceptor's stake and marks the row held. Called
// on ACCEPT.
func (s *Store) ActivateEscrow(proposalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[proposalID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.AcceptorStake > 0 && s.freeRatingUnsafe(e.AcceptorID) < e.AcceptorStake {
		return fmt.Errorf("%w: acceptor %s", ErrInsufficientReputation, e.AcceptorID)
	}
	e.State = EscrowHeld
	return nil
}

// ReleaseEscrow drops a proposal's escrow row, returning all stakes.
func (s *Store) ReleaseEscrow(proposalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseEscrowUnsafe(proposalID)
}

func (s *Store) releaseEscrowUnsafe(proposalID string) *EscrowRecord {
	e, ok := s.escrows[proposalID]
	if !ok {
		return nil
	}
	e.State = EscrowReleased
	delete(s.escrows, proposalID)
	return e
}

// Escrow returns a copy of a proposal's escrow row.
func (s *Store) Escrow(proposalID string) (EscrowRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[proposalID]
	if !ok {
		return EscrowRecord{}, false
	}
	return *e, true
}

// HoldFilingFee escrows a dispute filing fee from the disputant.
func (s *Store) HoldFilingFee(disputeID, agentID string, fee float64) error {
	if !validStake(fee) {
		return ErrInvalidStake
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if fee > 0 && s.freeRatingUnsafe(agentID) < fee {
		return fmt.Errorf("%w: disputant %s", ErrInsufficientReputation, agentID)
	}
	s.feeHolds[disputeID] = &feeHold{AgentID: agentID, Amount: fee}
	return nil
}

// ReleaseFilingFee returns a held filing fee without penalty.
func (s *Store) ReleaseFilingFee(disputeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feeHolds, disputeID)
}

// ForfeitFilingFee burns a held filing fee from the disputant's rating and
// appends a FORFEIT receipt. Used when the reveal window expires.
func (s *Store) ForfeitFilingFee(disputeID string) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.feeHolds[disputeID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	delete(s.feeHolds, disputeID)

	settlement := newSettlement()
	s.applyDeltaUnsafe(settlement, h.AgentID, -int(math.Round(h.Amount)))

	receipt := &Receipt{
		Type:      ReceiptForfeit,
		DisputeID: disputeID,
		Parties:   []string{h.AgentID},
		Amount:    h.Amount,
		Deltas:    settlement.Deltas,
		Clamped:   settlement.Clamped,
	}
	return s.finishSettlementUnsafe(settlement, receipt)
}

// SettleCompletion applies the completion gain to both parties, releases the
// escrow row and appends a COMPLETE receipt.
func (s *Store) SettleCompletion(proposalID, proposerID, acceptorID string, amount float64, currency, capability, proof string) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.ensureUnsafe(proposerID)
	a := s.ensureUnsafe(acceptorID)

	gain := CompletionGain(p.Rating, p.Transactions, a.Rating, a.Transactions)

	settlement := newSettlement()
	s.applyDeltaUnsafe(settlement, proposerID, gain)
	s.applyDeltaUnsafe(settlement, acceptorID, gain)
	p.Transactions++
	a.Transactions++

	if capability != "" {
		if a.Skills == nil {
			a.Skills = make(map[string]int)
		}
		if _, ok := a.Skills[capability]; !ok {
			a.Skills[capability] = InitialRating
		}
		a.Skills[capability] += gain
	}

	s.releaseEscrowUnsafe(proposalID)

	receipt := &Receipt{
		Type:       ReceiptComplete,
		ProposalID: proposalID,
		Parties:    []string{proposerID, acceptorID},
		Amount:     amount,
		Currency:   currency,
		Capability: capability,
		Proof:      proof,
		Deltas:     settlement.Deltas,
		Clamped:    settlement.Clamped,
	}
	return s.finishSettlementUnsafe(settlement, receipt)
}

// SettleDispute applies verdict deltas to the parties and arbiters, releases
// the proposal escrow and the filing fee, and appends a DISPUTE receipt.
func (s *Store) SettleDispute(disputeID, proposalID, verdict, disputantID, respondentID string, arbiters []ArbiterOutcome) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.ensureUnsafe(disputantID)
	r := s.ensureUnsafe(respondentID)

	settlement := newSettlement()

	switch verdict {
	case "disputant":
		gain, loss := DisputeDeltas(d.Rating, r.Rating)
		s.applyDeltaUnsafe(settlement, disputantID, gain)
		s.applyDeltaUnsafe(settlement, respondentID, -loss)
	case "respondent":
		gain, loss := DisputeDeltas(r.Rating, d.Rating)
		s.applyDeltaUnsafe(settlement, respondentID, gain)
		s.applyDeltaUnsafe(settlement, disputantID, -loss)
	case "mutual":
		dLoss := MutualLoss(d.Rating, r.Rating)
		rLoss := MutualLoss(r.Rating, d.Rating)
		s.applyDeltaUnsafe(settlement, disputantID, -dLoss)
		s.applyDeltaUnsafe(settlement, respondentID, -rLoss)
	default:
		return nil, fmt.Errorf("unknown verdict %q", verdict)
	}

	now := time.Now()
	d.Transactions++
	r.Transactions++
	d.LastDisputeAt = now
	r.LastDisputeAt = now

	for _, a := range arbiters {
		rec := s.ensureUnsafe(a.AgentID)
		switch {
		case a.Forfeited:
			s.applyDeltaUnsafe(settlement, a.AgentID, -ArbiterForfeitLoss)
		case a.Majority:
			s.applyDeltaUnsafe(settlement, a.AgentID, ArbiterMajorityGain)
		default:
			s.applyDeltaUnsafe(settlement, a.AgentID, 0)
		}
		rec.LastDisputeAt = now
	}

	s.releaseEscrowUnsafe(proposalID)
	delete(s.feeHolds, disputeID)

	receipt := &Receipt{
		Type:       ReceiptDispute,
		ProposalID: proposalID,
		DisputeID:  disputeID,
		Verdict:    verdict,
		Parties:    []string{disputantID, respondentID},
		Deltas:     settlement.Deltas,
		Clamped:    settlement.Clamped,
	}
	return s.finishSettlementUnsafe(settlement, receipt)
}

// SettleFallback closes a dispute with no rating changes: stakes and filing
// fee return to their owners and a FALLBACK receipt records the outcome.
func (s *Store) SettleFallback(disputeID, proposalID, disputantID, respondentID string) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.ensureUnsafe(disputantID).LastDisputeAt = now
	s.ensureUnsafe(respondentID).LastDisputeAt = now

	s.releaseEscrowUnsafe(proposalID)
	delete(s.feeHolds, disputeID)

	settlement := newSettlement()
	receipt := &Receipt{
		Type:       ReceiptFallback,
		ProposalID: proposalID,
		DisputeID:  disputeID,
		Verdict:    "fallback",
		Parties:    []string{disputantID, respondentID},
		Deltas:     settlement.Deltas,
	}
	return s.finishSettlementUnsafe(settlement, receipt)
}

func newSettlement() *Settlement {
	return &Settlement{
		Deltas:  make(map[string]int),
		Ratings: make(map[string]int),
	}
}

// applyDeltaUnsafe moves one agent's rating, clamping at the floor and
// recording the applied delta. Must be called with the writer lock held.
func (s *Store) applyDeltaUnsafe(settlement *Settlement, agentID string, delta int) {
	rec := s.ensureUnsafe(agentID)

	applied := delta
	next := rec.Rating + delta
	if next < Floor {
		applied = Floor - rec.Rating
		next = Floor
		settlement.Clamped = append(settlement.Clamped, agentID)
	}

	rec.Rating = next
	rec.UpdatedAt = time.Now()
	settlement.Deltas[agentID] += applied
	settlement.Ratings[agentID] = next
}

// finishSettlementUnsafe appends the receipt and persists ratings while the
// writer lock is still held, so a settlement is never half-visible on disk.
func (s *Store) finishSettlementUnsafe(settlement *Settlement, receipt *Receipt) (*Settlement, error) {
	if err := s.log.Append(receipt); err != nil {
		return nil, fmt.Errorf("append receipt: %w", err)
	}
	if err := s.persistUnsafe(); err != nil {
		return nil, fmt.Errorf("persist ratings: %w", err)
	}
	settlement.Receipt = receipt
	return settlement, nil
}
