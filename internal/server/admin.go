package server

import (
	"github.com/agentchat/relay/internal/allowlist"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/session"
)

// ============================================================================
// ALLOWLIST ADMIN
// ============================================================================

// Admin frames authenticate with the shared admin key, checked by the store
// against its bcrypt hash. A relay running without an allowlist refuses them.

func (s *Server) handleAdminApprove(sess *session.Session, f *protocol.Frame) error {
	if s.allow == nil {
		return allowlist.ErrBadAdminKey
	}
	e, err := s.allow.Approve(f.Key, f.Pubkey, sess.AgentID(), f.Note)
	if err != nil {
		return err
	}
	sess.Send(&protocol.Frame{
		Type: protocol.TypeAdminResult,
		OK:   true,
		Entries: []protocol.AllowlistEntry{{
			Pubkey:     e.Pubkey,
			AgentID:    e.AgentID,
			ApprovedBy: e.ApprovedBy,
			ApprovedAt: e.ApprovedAt.UnixMilli(),
			Note:       e.Note,
		}},
	})
	return nil
}

func (s *Server) handleAdminRevoke(sess *session.Session, f *protocol.Frame) error {
	if s.allow == nil {
		return allowlist.ErrBadAdminKey
	}
	e, err := s.allow.Revoke(f.Key, f.Identifier)
	if err != nil {
		return err
	}
	sess.Send(&protocol.Frame{
		Type:       protocol.TypeAdminResult,
		OK:         true,
		Identifier: e.AgentID,
	})
	return nil
}

func (s *Server) handleAdminList(sess *session.Session, f *protocol.Frame) error {
	if s.allow == nil {
		return allowlist.ErrBadAdminKey
	}
	entries, err := s.allow.List(f.Key)
	if err != nil {
		return err
	}
	sess.Send(&protocol.Frame{
		Type:    protocol.TypeAdminResult,
		OK:      true,
		Entries: entries,
	})
	return nil
}
