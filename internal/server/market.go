package server

import (
	"fmt"
	"sort"

	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/session"
)

// ============================================================================
// MARKETPLACE
// ============================================================================

// handleProposal files a proposal and relays it. Both parties must hold
// pubkeys: the acceptor's signature will be required for every later
// transition, so an ephemeral counterparty could never act on the proposal.
func (s *Server) handleProposal(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}

	targetID, _ := protocol.ParseAgent(f.To)
	target, ok := s.sessions.Get(targetID)
	if !ok {
		return fmt.Errorf("%w: %s", errAgentOffline, f.To)
	}
	if !target.Persistent() {
		return fmt.Errorf("%w: %s", errCounterpartyEphemeral, f.To)
	}

	p, err := s.market.Propose(act, f)
	if err != nil {
		return err
	}

	out := &protocol.Frame{
		Type:       protocol.TypeProposal,
		From:       sess.WireID(),
		To:         f.To,
		ProposalID: p.ID,
		Task:       p.Task,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Capability: p.Capability,
		Stakes:     f.Stakes,
		Expires:    p.ExpiresAt.UnixMilli(),
		Signature:  f.Signature,
	}
	target.Send(out)
	sess.Send(out)
	return nil
}

func (s *Server) handleAccept(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	p, err := s.market.Accept(act, f.ProposalID, f.PaymentCode, f.Signature)
	if err != nil {
		return err
	}
	s.relayTransition(sess, p.Counterparty(act.ID), &protocol.Frame{
		Type:        protocol.TypeAccept,
		From:        sess.WireID(),
		ProposalID:  p.ID,
		PaymentCode: p.PaymentCode,
		Signature:   f.Signature,
	})
	return nil
}

func (s *Server) handleReject(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	p, err := s.market.Reject(act, f.ProposalID, f.Reason, f.Signature)
	if err != nil {
		return err
	}
	s.relayTransition(sess, p.Counterparty(act.ID), &protocol.Frame{
		Type:       protocol.TypeReject,
		From:       sess.WireID(),
		ProposalID: p.ID,
		Reason:     p.RejectReason,
		Signature:  f.Signature,
	})
	return nil
}

func (s *Server) handleComplete(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	p, settlement, err := s.market.Complete(act, f.ProposalID, f.Proof, f.Signature)
	if err != nil {
		return err
	}
	s.relayTransition(sess, p.Counterparty(act.ID), &protocol.Frame{
		Type:       protocol.TypeComplete,
		From:       sess.WireID(),
		ProposalID: p.ID,
		Proof:      p.Proof,
		Deltas:     settlement.Deltas,
		Signature:  f.Signature,
	})
	return nil
}

// relayTransition sends a lifecycle frame to the counterparty when they are
// connected, and echoes it to the acting session either way. The original
// signature rides along so the counterparty can verify without trusting the
// relay.
func (s *Server) relayTransition(sess *session.Session, counterpartyID string, out *protocol.Frame) {
	if target, ok := s.sessions.Get(counterpartyID); ok {
		target.Send(out)
	}
	sess.Send(out)
}

// ============================================================================
// SKILLS
// ============================================================================

func (s *Server) handleRegisterSkills(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	if err := s.market.RegisterSkills(act, f.Skills, f.Signature); err != nil {
		return err
	}
	sess.Send(&protocol.Frame{Type: protocol.TypeSkillsRegistered, Skills: f.Skills})
	return nil
}

func (s *Server) handleSearchSkills(sess *session.Session, f *protocol.Frame) error {
	matches := s.market.Search(f.Query)
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Rating != matches[j].Rating {
			return matches[i].Rating > matches[j].Rating
		}
		return matches[i].Agent < matches[j].Agent
	})
	sess.Send(&protocol.Frame{
		Type:    protocol.TypeSearchResults,
		Query:   f.Query,
		Matches: matches,
	})
	return nil
}
