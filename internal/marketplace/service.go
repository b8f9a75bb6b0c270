package marketplace

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/reputation"
)

var (
	// ErrNotFound is returned for an unknown proposal id.
	ErrNotFound = errors.New("proposal not found")

	// ErrExpired is returned when acting on a proposal past its deadline.
	ErrExpired = errors.New("proposal expired")

	// ErrBadState is returned when the lifecycle forbids the transition.
	ErrBadState = errors.New("transition not allowed in current state")

	// ErrNotParty is returned when the actor is neither proposer nor acceptor
	// in the role the operation requires.
	ErrNotParty = errors.New("actor is not the required proposal party")

	// ErrBadProposal is returned for structurally invalid proposals: a bad or
	// duplicate id, or proposing to oneself.
	ErrBadProposal = errors.New("invalid proposal")
)

// Actor is the authenticated signer of a marketplace operation. The pubkey
// comes from the session, never from the frame, so a signature can only bind
// the identity that proved it.
type Actor struct {
	ID     string
	Pubkey ed25519.PublicKey
}

func (a Actor) wire() string { return protocol.FormatAgent(a.ID) }

// ============================================================================
// MARKETPLACE SERVICE
// ============================================================================

// Config holds the service's dependencies and tunables.
type Config struct {
	Rep         *reputation.Store
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	ProposalTTL time.Duration
}

// Service owns the proposal table and the skill registry. Every mutation
// verifies an Ed25519 signature over the operation's canonical string before
// touching state; escrow holds are delegated to the reputation store so
// ratings and stakes move under one lock.
type Service struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
	skills    map[string][]protocol.Skill

	rep     *reputation.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	ttl     time.Duration
	logger  *log.Logger
}

// NewService creates the marketplace.
func NewService(cfg Config) *Service {
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = 24 * time.Hour
	}
	return &Service{
		proposals: make(map[string]*Proposal),
		skills:    make(map[string][]protocol.Skill),
		rep:       cfg.Rep,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		ttl:       cfg.ProposalTTL,
		logger:    log.New(log.Writer(), "[Marketplace] ", log.LstdFlags),
	}
}

// ============================================================================
// PROPOSAL LIFECYCLE
// ============================================================================

// Propose files a new proposal from the frame fields. The id is minted by
// the proposer because the signature covers it; the server only checks shape
// and uniqueness. Staked proposals hold the proposer's stake immediately.
func (s *Service) Propose(actor Actor, f *protocol.Frame) (*Proposal, error) {
	if !ValidProposalID(f.ProposalID) {
		return nil, fmt.Errorf("%w: bad id %q", ErrBadProposal, f.ProposalID)
	}
	acceptor, ok := protocol.ParseAgent(f.To)
	if !ok {
		return nil, fmt.Errorf("%w: bad recipient %q", ErrBadProposal, f.To)
	}
	if acceptor == actor.ID {
		return nil, fmt.Errorf("%w: cannot propose to self", ErrBadProposal)
	}

	msg := protocol.ProposalSigningString(f.ProposalID, actor.wire(), f.To, f.Task, f.Amount, f.Currency, f.Capability)
	if err := identity.Verify(actor.Pubkey, msg, f.Signature); err != nil {
		return nil, err
	}

	now := time.Now()
	expires := now.Add(s.ttl)
	if f.Expires > 0 {
		if custom := time.UnixMilli(f.Expires); custom.Before(expires) && custom.After(now) {
			expires = custom
		}
	}

	p := &Proposal{
		ID:         f.ProposalID,
		Proposer:   actor.ID,
		Acceptor:   acceptor,
		Task:       f.Task,
		Amount:     f.Amount,
		Currency:   f.Currency,
		Capability: f.Capability,
		State:      StatePending,
		CreatedAt:  now,
		ExpiresAt:  expires,
		UpdatedAt:  now,
	}
	if f.Stakes != nil {
		p.ProposerStake = f.Stakes.Proposer
		p.AcceptorStake = f.Stakes.Acceptor
	}

	s.mu.Lock()
	if _, taken := s.proposals[p.ID]; taken {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate id %q", ErrBadProposal, p.ID)
	}
	if p.Staked() {
		if err := s.rep.OpenEscrow(p.ID, p.Proposer, p.Acceptor, p.ProposerStake, p.AcceptorStake); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.proposals[p.ID] = p
	out := *p
	s.mu.Unlock()

	s.metrics.RecordProposalState(string(StatePending))
	s.metrics.SetEscrowHeld(s.rep.HeldTotal())
	s.logger.Printf("proposal filed: id=%s proposer=%s acceptor=%s staked=%v", out.ID, out.Proposer, out.Acceptor, out.Staked())
	s.bus.Emit(context.Background(), events.EventProposalCreated, "marketplace", out.ID, map[string]interface{}{
		"proposer": out.Proposer,
		"acceptor": out.Acceptor,
		"amount":   out.Amount,
	})
	if out.Staked() {
		s.bus.Emit(context.Background(), events.EventEscrowHeld, "marketplace", out.ID, map[string]interface{}{
			"proposer_stake": out.ProposerStake,
		})
	}
	return &out, nil
}

// Accept moves a pending proposal to ACCEPTED. Only the named acceptor may
// accept; on staked proposals the acceptor's stake must clear before the
// state moves.
func (s *Service) Accept(actor Actor, proposalID, paymentCode, sig string) (*Proposal, error) {
	msg := protocol.AcceptSigningString(proposalID, paymentCode)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return nil, err
	}

	s.mu.Lock()
	p, err := s.liveProposalUnsafe(proposalID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if actor.ID != p.Acceptor {
		s.mu.Unlock()
		return nil, ErrNotParty
	}
	if !CanTransition(p.State, StateAccepted) {
		state := p.State
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBadState, state)
	}
	if p.Staked() {
		if err := s.rep.ActivateEscrow(p.ID); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	p.State = StateAccepted
	p.PaymentCode = paymentCode
	p.UpdatedAt = time.Now()
	out := *p
	s.mu.Unlock()

	s.metrics.RecordProposalState(string(StateAccepted))
	s.metrics.SetEscrowHeld(s.rep.HeldTotal())
	s.logger.Printf("proposal accepted: id=%s acceptor=%s", out.ID, actor.ID)
	s.bus.Emit(context.Background(), events.EventProposalAccepted, "marketplace", out.ID, nil)
	return &out, nil
}

// Reject moves a pending proposal to REJECTED and returns any held stake.
func (s *Service) Reject(actor Actor, proposalID, reason, sig string) (*Proposal, error) {
	msg := protocol.RejectSigningString(proposalID, reason)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return nil, err
	}

	s.mu.Lock()
	p, err := s.liveProposalUnsafe(proposalID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if actor.ID != p.Acceptor {
		s.mu.Unlock()
		return nil, ErrNotParty
	}
	if !CanTransition(p.State, StateRejected) {
		state := p.State
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBadState, state)
	}

	p.State = StateRejected
	p.RejectReason = reason
	p.UpdatedAt = time.Now()
	if p.Staked() {
		s.rep.ReleaseEscrow(p.ID)
	}
	out := *p
	s.mu.Unlock()

	s.metrics.RecordProposalState(string(StateRejected))
	s.metrics.SetEscrowHeld(s.rep.HeldTotal())
	s.logger.Printf("proposal rejected: id=%s reason=%q", out.ID, reason)
	s.bus.Emit(context.Background(), events.EventProposalRejected, "marketplace", out.ID, nil)
	if out.Staked() {
		s.bus.Emit(context.Background(), events.EventEscrowReleased, "marketplace", out.ID, nil)
	}
	return &out, nil
}

// Complete settles an accepted proposal. Either party may complete: the
// completion gain credits both sides, so neither has an incentive to sit on
// finished work. Stakes release with the settlement.
func (s *Service) Complete(actor Actor, proposalID, proof, sig string) (*Proposal, *reputation.Settlement, error) {
	msg := protocol.CompleteSigningString(proposalID, proof)
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	p, err := s.liveProposalUnsafe(proposalID)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	if !p.Party(actor.ID) {
		s.mu.Unlock()
		return nil, nil, ErrNotParty
	}
	if !CanTransition(p.State, StateCompleted) {
		state := p.State
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrBadState, state)
	}

	settlement, err := s.rep.SettleCompletion(p.ID, p.Proposer, p.Acceptor, p.Amount, p.Currency, p.Capability, proof)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	p.State = StateCompleted
	p.Proof = proof
	p.UpdatedAt = time.Now()
	out := *p
	s.mu.Unlock()

	s.metrics.RecordProposalState(string(StateCompleted))
	s.metrics.SetEscrowHeld(s.rep.HeldTotal())
	s.metrics.RecordReceipt(settlement.Receipt.Type)
	for agentID, rating := range settlement.Ratings {
		s.metrics.UpdateAgentRating(agentID, rating)
	}
	s.logger.Printf("proposal completed: id=%s by=%s deltas=%v", out.ID, actor.ID, settlement.Deltas)
	s.bus.Emit(context.Background(), events.EventProposalCompleted, "marketplace", out.ID, map[string]interface{}{
		"deltas": settlement.Deltas,
	})
	for agentID, rating := range settlement.Ratings {
		s.bus.Emit(context.Background(), events.EventRatingChanged, "marketplace", agentID, map[string]interface{}{
			"rating": rating,
			"delta":  settlement.Deltas[agentID],
		})
	}
	return &out, settlement, nil
}

// MarkDisputed moves an accepted proposal to DISPUTED on behalf of the
// dispute engine, which has already verified the filing signature.
func (s *Service) MarkDisputed(actorID, proposalID string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.liveProposalUnsafe(proposalID)
	if err != nil {
		return nil, err
	}
	if !p.Party(actorID) {
		return nil, ErrNotParty
	}
	if !CanTransition(p.State, StateDisputed) {
		return nil, fmt.Errorf("%w: %s", ErrBadState, p.State)
	}

	p.State = StateDisputed
	p.UpdatedAt = time.Now()
	s.metrics.RecordProposalState(string(StateDisputed))
	return s.copyOf(p), nil
}

// Proposal returns a copy of the proposal, applying lazy expiry first.
func (s *Service) Proposal(id string) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	s.expireUnsafe(p)
	return *p, true
}

// liveProposalUnsafe resolves a proposal for a state-changing operation,
// applying lazy expiry. Callers hold the writer lock.
func (s *Service) liveProposalUnsafe(id string) (*Proposal, error) {
	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.expireUnsafe(p) {
		return nil, ErrExpired
	}
	return p, nil
}

// expireUnsafe flips a pending proposal past its deadline to EXPIRED,
// releasing any held stake. Returns true if the proposal is expired.
func (s *Service) expireUnsafe(p *Proposal) bool {
	if p.State == StateExpired {
		return true
	}
	if p.State != StatePending || time.Now().Before(p.ExpiresAt) {
		return false
	}
	p.State = StateExpired
	p.UpdatedAt = time.Now()
	if p.Staked() {
		s.rep.ReleaseEscrow(p.ID)
	}
	s.metrics.RecordProposalState(string(StateExpired))
	s.logger.Printf("proposal expired: id=%s", p.ID)
	s.bus.Emit(context.Background(), events.EventProposalExpired, "marketplace", p.ID, nil)
	return true
}

// SweepExpired expires every overdue pending proposal. Called periodically;
// the lazy path in liveProposalUnsafe covers accesses between sweeps.
func (s *Service) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.proposals {
		if p.State == StatePending && s.expireUnsafe(p) {
			n++
		}
	}
	if n > 0 {
		s.metrics.SetEscrowHeld(s.rep.HeldTotal())
	}
	return n
}

// Counts returns the number of proposals per state.
func (s *Service) Counts() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[State]int)
	for _, p := range s.proposals {
		out[p.State]++
	}
	return out
}

func (s *Service) copyOf(p *Proposal) *Proposal {
	c := *p
	return &c
}

// ============================================================================
// SKILL REGISTRY
// ============================================================================

// RegisterSkills replaces the actor's advertised skill list. The signature
// covers the canonical JSON of the list, so registry entries are
// attributable and replayable byte-for-byte.
func (s *Service) RegisterSkills(actor Actor, skills []protocol.Skill, sig string) error {
	msg, err := protocol.RegisterSkillsSigningString(actor.wire(), skills)
	if err != nil {
		return err
	}
	if err := identity.Verify(actor.Pubkey, msg, sig); err != nil {
		return err
	}

	s.mu.Lock()
	s.skills[actor.ID] = append([]protocol.Skill(nil), skills...)
	s.mu.Unlock()

	s.logger.Printf("skills registered: agent=%s count=%d", actor.ID, len(skills))
	return nil
}

// Skills returns an agent's registered skill list.
func (s *Service) Skills(agentID string) []protocol.Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.Skill(nil), s.skills[agentID]...)
}

// Search matches the query against skill names and tags, case-insensitively,
// and returns each matching agent with its full skill list and rating.
func (s *Service) Search(query string) []protocol.SkillMatch {
	q := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.SkillMatch
	for agentID, skills := range s.skills {
		if !matchesQuery(skills, q) {
			continue
		}
		rating, _ := s.rep.Rating(agentID)
		out = append(out, protocol.SkillMatch{
			Agent:  protocol.FormatAgent(agentID),
			Skills: append([]protocol.Skill(nil), skills...),
			Rating: rating,
		})
	}
	return out
}

func matchesQuery(skills []protocol.Skill, q string) bool {
	for _, sk := range skills {
		if strings.Contains(strings.ToLower(sk.Name), q) {
			return true
		}
		for _, tag := range sk.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				return true
			}
		}
	}
	return false
}
