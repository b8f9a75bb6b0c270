package server

import (
	"errors"

	"github.com/agentchat/relay/internal/allowlist"
	"github.com/agentchat/relay/internal/channel"
	"github.com/agentchat/relay/internal/dispute"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/marketplace"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/reputation"
	"github.com/agentchat/relay/internal/session"
)

var (
	// errNeedPersistent rejects signed operations from ephemeral sessions.
	errNeedPersistent = errors.New("operation requires a pubkey-authenticated session")

	// errCounterpartyEphemeral rejects proposals addressed to sessions that
	// never proved a pubkey.
	errCounterpartyEphemeral = errors.New("counterparty holds no pubkey")

	// errAgentOffline is returned when a relay target has no live session.
	errAgentOffline = errors.New("agent not connected")
)

type handlerFunc func(*session.Session, *protocol.Frame) error

// preauthTypes may arrive before the session has identified. Everything else
// is refused with AUTH_REQUIRED.
var preauthTypes = map[string]bool{
	protocol.TypeIdentify:       true,
	protocol.TypeVerifyIdentity: true,
	protocol.TypePing:           true,
}

// limitedTypes draw a rate-limit token: every frame that can produce a
// broadcast.
var limitedTypes = map[string]bool{
	protocol.TypeMsg:           true,
	protocol.TypeSetPresence:   true,
	protocol.TypeJoin:          true,
	protocol.TypeLeave:         true,
	protocol.TypeCreateChannel: true,
	protocol.TypeInvite:        true,
}

func (s *Server) buildHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.TypeIdentify:       s.handleIdentify,
		protocol.TypeVerifyIdentity: s.handleVerifyIdentity,
		protocol.TypePing:           s.handlePing,

		protocol.TypeJoin:          s.handleJoin,
		protocol.TypeLeave:         s.handleLeave,
		protocol.TypeMsg:           s.handleMsg,
		protocol.TypeListChannels:  s.handleListChannels,
		protocol.TypeListAgents:    s.handleListAgents,
		protocol.TypeCreateChannel: s.handleCreateChannel,
		protocol.TypeInvite:        s.handleInvite,
		protocol.TypeSetPresence:   s.handleSetPresence,

		protocol.TypeVerifyRequest:  s.handleVerifyRequest,
		protocol.TypeVerifyResponse: s.handleVerifyResponse,

		protocol.TypeProposal:       s.handleProposal,
		protocol.TypeAccept:         s.handleAccept,
		protocol.TypeReject:         s.handleReject,
		protocol.TypeComplete:       s.handleComplete,
		protocol.TypeRegisterSkills: s.handleRegisterSkills,
		protocol.TypeSearchSkills:   s.handleSearchSkills,

		protocol.TypeDispute:        s.handleDispute,
		protocol.TypeDisputeIntent:  s.handleDisputeIntent,
		protocol.TypeDisputeReveal:  s.handleDisputeReveal,
		protocol.TypeEvidence:       s.handleEvidence,
		protocol.TypeArbiterAccept:  s.handleArbiterAccept,
		protocol.TypeArbiterDecline: s.handleArbiterDecline,
		protocol.TypeArbiterVote:    s.handleArbiterVote,

		protocol.TypeAdminApprove: s.handleAdminApprove,
		protocol.TypeAdminRevoke:  s.handleAdminRevoke,
		protocol.TypeAdminList:    s.handleAdminList,
	}
}

// dispatch decodes, validates and routes one inbound frame. Invalid frames
// answer with ERROR and keep the connection; only an exhausted pre-auth
// budget closes it.
func (s *Server) dispatch(sess *session.Session, raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		s.metrics.RecordFrameError(protocol.ErrInvalidMsg)
		sess.Send(protocol.NewError(protocol.ErrInvalidMsg, "malformed frame"))
		return
	}
	s.metrics.RecordFrameIn(f.Type)

	if verr := protocol.Validate(f); verr != nil {
		s.metrics.RecordFrameError(verr.Code)
		sess.Send(protocol.NewError(verr.Code, verr.Detail))
		return
	}

	if !sess.Authenticated() {
		if !preauthTypes[f.Type] {
			s.metrics.RecordFrameError(protocol.ErrAuthRequired)
			sess.Send(protocol.NewError(protocol.ErrAuthRequired, "identify first"))
			return
		}
		if !sess.AllowPreauth() {
			s.metrics.RecordRateLimited()
			sess.Send(protocol.NewError(protocol.ErrRateLimited, "pre-auth budget exhausted"))
			sess.Close()
			return
		}
	} else if limitedTypes[f.Type] && !s.limits.Allow(sess.Key()) {
		s.metrics.RecordRateLimited()
		sess.Send(protocol.NewError(protocol.ErrRateLimited, "slow down"))
		return
	}

	h, ok := s.handlers[f.Type]
	if !ok {
		sess.Send(protocol.Errorf(protocol.ErrInvalidMsg, "unhandled frame type %q", f.Type))
		return
	}
	if err := h(sess, f); err != nil {
		ef := wireError(err)
		s.metrics.RecordFrameError(ef.Code)
		sess.Send(ef)
	}
}

// wireError maps subsystem sentinels onto protocol error codes. Anything
// unmapped degrades to INVALID_MSG with the error text.
func wireError(err error) *protocol.Frame {
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		return protocol.NewError(verr.Code, verr.Detail)
	}

	code := protocol.ErrInvalidMsg
	switch {
	case errors.Is(err, session.ErrNoPubkey):
		code = protocol.ErrNoPubkey
	case errors.Is(err, session.ErrNotAllowed),
		errors.Is(err, allowlist.ErrBadAdminKey),
		errors.Is(err, dispute.ErrNotArbiter):
		code = protocol.ErrNotAllowed
	case errors.Is(err, identity.ErrBadSignature),
		errors.Is(err, identity.ErrChallengeNotFound),
		errors.Is(err, dispute.ErrBadReveal):
		code = protocol.ErrVerificationFailed
	case errors.Is(err, identity.ErrChallengeExpired):
		code = protocol.ErrVerificationExpired
	case errors.Is(err, channel.ErrNotFound):
		code = protocol.ErrChannelNotFound
	case errors.Is(err, channel.ErrExists):
		code = protocol.ErrChannelExists
	case errors.Is(err, channel.ErrNotInvited):
		code = protocol.ErrNotInvited
	case errors.Is(err, marketplace.ErrNotFound):
		code = protocol.ErrProposalNotFound
	case errors.Is(err, marketplace.ErrExpired):
		code = protocol.ErrProposalExpired
	case errors.Is(err, marketplace.ErrBadState),
		errors.Is(err, marketplace.ErrBadProposal),
		errors.Is(err, dispute.ErrAlreadyFiled),
		errors.Is(err, errCounterpartyEphemeral):
		code = protocol.ErrInvalidProposal
	case errors.Is(err, marketplace.ErrNotParty),
		errors.Is(err, dispute.ErrNotParty):
		code = protocol.ErrNotProposalParty
	case errors.Is(err, reputation.ErrInsufficientReputation):
		code = protocol.ErrInsufficientReputation
	case errors.Is(err, reputation.ErrInvalidStake):
		code = protocol.ErrInvalidStake
	case errors.Is(err, errNeedPersistent):
		code = protocol.ErrSignatureRequired
	case errors.Is(err, errAgentOffline),
		errors.Is(err, allowlist.ErrNotFound):
		code = protocol.ErrAgentNotFound
	}
	return protocol.NewError(code, err.Error())
}

// actor builds the marketplace actor for a signed operation. The pubkey
// comes from the session, so a signature can only bind the proven identity.
func (s *Server) actor(sess *session.Session) (marketplace.Actor, error) {
	if !sess.Persistent() {
		return marketplace.Actor{}, errNeedPersistent
	}
	return marketplace.Actor{ID: sess.AgentID(), Pubkey: sess.Pubkey()}, nil
}
