package server

import (
	"fmt"
	"sort"

	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/session"
)

// ============================================================================
// IDENTITY
// ============================================================================

func (s *Server) handleIdentify(sess *session.Session, f *protocol.Frame) error {
	res, err := s.sessions.Identify(sess, f.Name, f.Pubkey)
	if err != nil {
		return err
	}
	if res.Challenge != nil {
		sess.Send(&protocol.Frame{
			Type:        protocol.TypeChallenge,
			ChallengeID: res.Challenge.ID,
			Nonce:       res.Challenge.Nonce,
			ServerTime:  res.Challenge.ServerTime,
		})
		return nil
	}
	s.welcome(sess, res.AgentID)
	return nil
}

func (s *Server) handleVerifyIdentity(sess *session.Session, f *protocol.Frame) error {
	agentID, err := s.sessions.VerifyIdentity(sess, f.ChallengeID, f.Signature)
	if err != nil {
		return err
	}
	s.welcome(sess, agentID)
	return nil
}

func (s *Server) welcome(sess *session.Session, agentID string) {
	sess.Send(&protocol.Frame{
		Type:    protocol.TypeWelcome,
		AgentID: protocol.FormatAgent(agentID),
		Server:  s.sessions.ServerName(),
	})
}

func (s *Server) handlePing(sess *session.Session, _ *protocol.Frame) error {
	sess.Send(&protocol.Frame{Type: protocol.TypePong})
	return nil
}

// ============================================================================
// CHANNELS AND MESSAGING
// ============================================================================

func (s *Server) handleJoin(sess *session.Session, f *protocol.Frame) error {
	res, err := s.channels.Join(f.Channel, sess)
	if err != nil {
		return err
	}
	sess.Send(&protocol.Frame{Type: protocol.TypeJoined, Channel: res.Channel, Agents: res.Members})
	for _, r := range res.Replay {
		sess.Send(r)
	}
	return nil
}

func (s *Server) handleLeave(sess *session.Session, f *protocol.Frame) error {
	if err := s.channels.Leave(f.Channel, sess); err != nil {
		return err
	}
	sess.Send(&protocol.Frame{Type: protocol.TypeLeft, Channel: f.Channel})
	return nil
}

func (s *Server) handleCreateChannel(sess *session.Session, f *protocol.Frame) error {
	res, err := s.channels.Create(f.Channel, f.InviteOnly, sess)
	if err != nil {
		return err
	}
	sess.Send(&protocol.Frame{Type: protocol.TypeJoined, Channel: res.Channel, Agents: res.Members})
	return nil
}

func (s *Server) handleInvite(sess *session.Session, f *protocol.Frame) error {
	targetID, _ := protocol.ParseAgent(f.Agent)
	if err := s.channels.Invite(f.Channel, sess, targetID); err != nil {
		return err
	}
	// Courtesy notice; the invite stands whether or not the target is
	// connected to hear it.
	if target, ok := s.sessions.Get(targetID); ok {
		target.Send(&protocol.Frame{
			Type:    protocol.TypeInvite,
			Channel: f.Channel,
			From:    sess.WireID(),
			Agent:   f.Agent,
		})
	}
	return nil
}

func (s *Server) handleMsg(sess *session.Session, f *protocol.Frame) error {
	out := &protocol.Frame{
		Type:    protocol.TypeMsg,
		From:    sess.WireID(),
		To:      f.To,
		Content: f.Content,
	}

	if protocol.IsChannelTarget(f.To) {
		_, err := s.channels.Broadcast(f.To, sess.AgentID(), out)
		return err
	}

	targetID, _ := protocol.ParseAgent(f.To)
	target, ok := s.sessions.Get(targetID)
	if !ok {
		return fmt.Errorf("%w: %s", errAgentOffline, f.To)
	}
	target.Send(out)
	if target.Key() != sess.Key() {
		sess.Send(out)
	}
	return nil
}

func (s *Server) handleListChannels(sess *session.Session, _ *protocol.Frame) error {
	sess.Send(&protocol.Frame{Type: protocol.TypeChannels, Channels: s.channels.List()})
	return nil
}

func (s *Server) handleListAgents(sess *session.Session, f *protocol.Frame) error {
	var members []*session.Session
	if f.Channel != "" {
		var err error
		members, err = s.channels.Members(f.Channel)
		if err != nil {
			return err
		}
	} else {
		members = s.sessions.Agents()
		sort.Slice(members, func(i, j int) bool { return members[i].AgentID() < members[j].AgentID() })
	}

	details := make([]protocol.AgentInfo, 0, len(members))
	wire := make([]string, 0, len(members))
	for _, m := range members {
		info := m.Info()
		info.Rating, _ = s.rep.Rating(m.AgentID())
		details = append(details, info)
		wire = append(wire, info.Agent)
	}
	sess.Send(&protocol.Frame{
		Type:    protocol.TypeAgents,
		Channel: f.Channel,
		Agents:  wire,
		Details: details,
	})
	return nil
}

func (s *Server) handleSetPresence(sess *session.Session, f *protocol.Frame) error {
	sess.SetPresence(f.Status)
	s.channels.BroadcastPresence(sess, f.Status)
	return nil
}

// ============================================================================
// PEER VERIFICATION
// ============================================================================

// handleVerifyRequest starts a peer verification: mint a nonce bound to the
// target and relay the challenge. The requester hears VERIFY_FAILED at once
// when the target cannot possibly answer.
func (s *Server) handleVerifyRequest(sess *session.Session, f *protocol.Frame) error {
	targetID, _ := protocol.ParseAgent(f.Agent)
	target, ok := s.sessions.Get(targetID)
	if !ok {
		return fmt.Errorf("%w: %s", errAgentOffline, f.Agent)
	}
	if !target.Persistent() {
		sess.Send(&protocol.Frame{
			Type:   protocol.TypeVerifyFailed,
			Agent:  f.Agent,
			Reason: "agent holds no pubkey",
		})
		return nil
	}

	vn, err := s.sessions.Verifies().Create(sess.AgentID(), targetID)
	if err != nil {
		return err
	}
	target.Send(&protocol.Frame{
		Type:  protocol.TypeVerifyRequest,
		From:  sess.WireID(),
		Nonce: vn.Nonce,
	})
	return nil
}

// handleVerifyResponse completes a peer verification: consume the pending
// nonce, check the signature with the responder's session pubkey and tell
// the requester how it went.
func (s *Server) handleVerifyResponse(sess *session.Session, f *protocol.Frame) error {
	if !sess.Persistent() {
		return errNeedPersistent
	}
	vn, err := s.sessions.Verifies().Consume(sess.AgentID(), f.Nonce)
	if err != nil {
		return err
	}
	reqID, _ := protocol.ParseAgent(f.To)
	if reqID != vn.Requester {
		return fmt.Errorf("response recipient %s does not match the pending request", f.To)
	}

	verr := identity.Verify(sess.Pubkey(), protocol.VerifySigningString(vn.Nonce, sess.AgentID()), f.Signature)

	if requester, ok := s.sessions.Get(vn.Requester); ok {
		requester.Send(&protocol.Frame{
			Type:  protocol.TypeVerifyResponse,
			From:  sess.WireID(),
			Nonce: vn.Nonce,
		})
		if verr == nil {
			requester.Send(&protocol.Frame{Type: protocol.TypeVerifySuccess, Agent: sess.WireID()})
		} else {
			requester.Send(&protocol.Frame{
				Type:   protocol.TypeVerifyFailed,
				Agent:  sess.WireID(),
				Reason: "signature verification failed",
			})
		}
	}
	return verr
}
