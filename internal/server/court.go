package server

import (
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/session"
)

// ============================================================================
// AGENTCOURT
// ============================================================================

// handleDispute is the legacy single-frame filing: the dispute settles on the
// fallback path immediately, stakes returned. The engine notifies both
// parties, so the only direct reply is the fallback notice it sends.
func (s *Server) handleDispute(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	_, err = s.court.FileLegacy(act, f.ProposalID, f.Reason, f.Signature)
	return err
}

func (s *Server) handleDisputeIntent(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	v, err := s.court.FileIntent(act, f.ProposalID, f.Reason, f.Commitment, f.Signature)
	if err != nil {
		return err
	}
	sess.Send(&protocol.Frame{
		Type:       protocol.TypeDisputeIntentAck,
		DisputeID:  v.ID,
		ProposalID: v.ProposalID,
		Expires:    v.Deadline.UnixMilli(),
	})
	return nil
}

func (s *Server) handleDisputeReveal(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	v, err := s.court.Reveal(act, f.DisputeID, f.Nonce, f.Signature)
	if err != nil {
		return err
	}
	sess.Send(&protocol.Frame{
		Type:      protocol.TypeDisputeRevealed,
		DisputeID: v.ID,
		Status:    string(v.Phase),
	})
	return nil
}

func (s *Server) handleEvidence(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	v, err := s.court.SubmitEvidence(act, f.DisputeID, f.Statement, f.Items, f.Signature)
	if err != nil {
		return err
	}
	sess.Send(&protocol.Frame{
		Type:      protocol.TypeEvidenceReceived,
		DisputeID: v.ID,
	})
	return nil
}

// Arbiter responses get no direct ack; the engine broadcasts PANEL_FORMED,
// CASE_READY and VERDICT to everyone involved as phases advance.

func (s *Server) handleArbiterAccept(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	_, err = s.court.ArbiterAccept(act, f.DisputeID, f.Signature)
	return err
}

func (s *Server) handleArbiterDecline(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	_, err = s.court.ArbiterDecline(act, f.DisputeID, f.Reason, f.Signature)
	return err
}

func (s *Server) handleArbiterVote(sess *session.Session, f *protocol.Frame) error {
	act, err := s.actor(sess)
	if err != nil {
		return err
	}
	_, err = s.court.Vote(act, f.DisputeID, f.Verdict, f.Reasoning, f.Signature)
	return err
}
