package protocol

import (
	"fmt"
	"strings"
)

// ============================================================================
// VALIDATION LIMITS
// ============================================================================

const (
	MaxNameLen    = 24
	MaxChannelLen = 32 // characters after the '#'

	MaxContentLen   = 8192
	MaxTaskLen      = 2000
	MaxPresenceLen  = 64
	MaxEvidenceItem = 10
	MaxStatementLen = 2000
	MaxReasoningLen = 500
	MaxNoteLen      = 256
)

// Verdict values accepted from arbiters.
const (
	VerdictDisputant  = "disputant"
	VerdictRespondent = "respondent"
	VerdictMutual     = "mutual"
)

// ValidationError reports a frame that failed stateless validation, carrying
// the wire error code the server should answer with.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func invalid(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ============================================================================
// NAMES AND TARGETS
// ============================================================================

// ValidName reports whether s is a legal display name: 1-24 printable ASCII
// characters, no whitespace, and not starting with the '#' or '@' sigils.
func ValidName(s string) bool {
	if len(s) < 1 || len(s) > MaxNameLen {
		return false
	}
	if s[0] == '#' || s[0] == '@' {
		return false
	}
	return printable(s)
}

// ValidChannel reports whether s is a legal channel name: '#' followed by
// 1-32 printable ASCII characters.
func ValidChannel(s string) bool {
	if len(s) < 2 || len(s) > MaxChannelLen+1 {
		return false
	}
	if s[0] != '#' {
		return false
	}
	return printable(s[1:])
}

// printable accepts the visible ASCII range 0x21..0x7E, which excludes
// whitespace and control characters.
func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7E {
			return false
		}
	}
	return true
}

// IsChannelTarget reports whether a MSG target addresses a channel.
func IsChannelTarget(to string) bool {
	return strings.HasPrefix(to, "#")
}

// IsAgentTarget reports whether a MSG target addresses an agent directly.
func IsAgentTarget(to string) bool {
	return strings.HasPrefix(to, "@")
}

// FormatAgent renders a bare agent-id with its display sigil.
func FormatAgent(id string) string {
	return "@" + id
}

// ParseAgent strips the '@' sigil from an agent target. The second return
// value is false if the sigil is missing or nothing follows it.
func ParseAgent(target string) (string, bool) {
	if !strings.HasPrefix(target, "@") || len(target) < 2 {
		return "", false
	}
	return target[1:], true
}

// ============================================================================
// FRAME VALIDATION
// ============================================================================

// Validate performs the stateless checks for an inbound client frame: the
// type is known and the fields that type requires are present and within
// bounds. State-dependent checks (membership, lifecycle, signatures) belong
// to the owning subsystem.
func Validate(f *Frame) *ValidationError {
	switch f.Type {
	case TypeIdentify:
		if !ValidName(f.Name) {
			return invalid(ErrInvalidName, "name must be 1-%d printable characters", MaxNameLen)
		}
	case TypeJoin, TypeLeave:
		if !ValidChannel(f.Channel) {
			return invalid(ErrInvalidName, "bad channel name %q", f.Channel)
		}
	case TypeCreateChannel:
		if !ValidChannel(f.Channel) {
			return invalid(ErrInvalidName, "bad channel name %q", f.Channel)
		}
	case TypeInvite:
		if !ValidChannel(f.Channel) {
			return invalid(ErrInvalidName, "bad channel name %q", f.Channel)
		}
		if _, ok := ParseAgent(f.Agent); !ok {
			return invalid(ErrInvalidMsg, "invite requires an @agent target")
		}
	case TypeMsg:
		if !IsChannelTarget(f.To) && !IsAgentTarget(f.To) {
			return invalid(ErrInvalidMsg, "msg target must be #channel or @agent")
		}
		if f.Content == "" || len(f.Content) > MaxContentLen {
			return invalid(ErrInvalidMsg, "content must be 1-%d bytes", MaxContentLen)
		}
	case TypeListChannels, TypeListAgents, TypePing:
		// No required fields.
	case TypeSetPresence:
		if f.Status == "" || len(f.Status) > MaxPresenceLen {
			return invalid(ErrInvalidMsg, "status must be 1-%d bytes", MaxPresenceLen)
		}
	case TypeVerifyIdentity:
		if f.ChallengeID == "" || f.Signature == "" {
			return invalid(ErrInvalidMsg, "verify_identity requires challenge_id and sig")
		}
	case TypeVerifyRequest:
		if _, ok := ParseAgent(f.Agent); !ok {
			return invalid(ErrInvalidMsg, "verify_request requires an @agent target")
		}
	case TypeVerifyResponse:
		if f.Nonce == "" || f.Signature == "" {
			return invalid(ErrInvalidMsg, "verify_response requires nonce and sig")
		}
		if _, ok := ParseAgent(f.To); !ok {
			return invalid(ErrInvalidMsg, "verify_response requires an @agent recipient")
		}
	case TypeRegisterSkills:
		if len(f.Skills) == 0 {
			return invalid(ErrInvalidMsg, "register_skills requires a non-empty skills list")
		}
		for _, sk := range f.Skills {
			if sk.Name == "" {
				return invalid(ErrInvalidMsg, "every skill needs a name")
			}
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "register_skills must be signed")
		}
	case TypeSearchSkills:
		if f.Query == "" {
			return invalid(ErrInvalidMsg, "search_skills requires a query")
		}
	case TypeProposal:
		if _, ok := ParseAgent(f.To); !ok {
			return invalid(ErrInvalidMsg, "proposal requires an @agent recipient")
		}
		if f.Task == "" || len(f.Task) > MaxTaskLen {
			return invalid(ErrInvalidProposal, "task must be 1-%d bytes", MaxTaskLen)
		}
		if f.Amount < 0 {
			return invalid(ErrInvalidProposal, "amount must not be negative")
		}
		if f.Stakes != nil && (f.Stakes.Proposer < 0 || f.Stakes.Acceptor < 0) {
			return invalid(ErrInvalidStake, "stakes must not be negative")
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "proposal must be signed")
		}
	case TypeAccept, TypeComplete:
		if f.ProposalID == "" {
			return invalid(ErrInvalidMsg, "%s requires proposal_id", strings.ToLower(f.Type))
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "%s must be signed", strings.ToLower(f.Type))
		}
	case TypeReject:
		if f.ProposalID == "" {
			return invalid(ErrInvalidMsg, "reject requires proposal_id")
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "reject must be signed")
		}
	case TypeDispute:
		if f.ProposalID == "" || f.Reason == "" {
			return invalid(ErrInvalidMsg, "dispute requires proposal_id and reason")
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "dispute must be signed")
		}
	case TypeDisputeIntent:
		if f.ProposalID == "" || f.Reason == "" || f.Commitment == "" {
			return invalid(ErrInvalidMsg, "dispute_intent requires proposal_id, reason and commitment")
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "dispute_intent must be signed")
		}
	case TypeDisputeReveal:
		if f.DisputeID == "" || f.Nonce == "" {
			return invalid(ErrInvalidMsg, "dispute_reveal requires dispute_id and nonce")
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "dispute_reveal must be signed")
		}
	case TypeEvidence:
		if f.DisputeID == "" {
			return invalid(ErrInvalidMsg, "evidence requires dispute_id")
		}
		if len(f.Items) > MaxEvidenceItem {
			return invalid(ErrInvalidMsg, "at most %d evidence items", MaxEvidenceItem)
		}
		if len(f.Statement) > MaxStatementLen {
			return invalid(ErrInvalidMsg, "statement must be at most %d bytes", MaxStatementLen)
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "evidence must be signed")
		}
	case TypeArbiterAccept:
		if f.DisputeID == "" {
			return invalid(ErrInvalidMsg, "arbiter_accept requires dispute_id")
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "arbiter_accept must be signed")
		}
	case TypeArbiterDecline:
		if f.DisputeID == "" {
			return invalid(ErrInvalidMsg, "arbiter_decline requires dispute_id")
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "arbiter_decline must be signed")
		}
	case TypeArbiterVote:
		if f.DisputeID == "" {
			return invalid(ErrInvalidMsg, "arbiter_vote requires dispute_id")
		}
		switch f.Verdict {
		case VerdictDisputant, VerdictRespondent, VerdictMutual:
		default:
			return invalid(ErrInvalidMsg, "verdict must be disputant, respondent or mutual")
		}
		if len(f.Reasoning) > MaxReasoningLen {
			return invalid(ErrInvalidMsg, "reasoning must be at most %d bytes", MaxReasoningLen)
		}
		if f.Signature == "" {
			return invalid(ErrSignatureRequired, "arbiter_vote must be signed")
		}
	case TypeAdminApprove:
		if f.Pubkey == "" {
			return invalid(ErrInvalidMsg, "admin_approve requires pubkey")
		}
		if len(f.Note) > MaxNoteLen {
			return invalid(ErrInvalidMsg, "note must be at most %d bytes", MaxNoteLen)
		}
	case TypeAdminRevoke:
		if f.Identifier == "" {
			return invalid(ErrInvalidMsg, "admin_revoke requires identifier")
		}
	case TypeAdminList:
		// Key checked by the admin gate.
	default:
		return invalid(ErrInvalidMsg, "unknown frame type %q", f.Type)
	}
	return nil
}
