// Package protocol implements the AgentChat wire protocol: the JSON frame
// model, stateless frame validation, and the canonical signing strings that
// signer and verifier must agree on byte-for-byte.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// FRAME TYPES
// ============================================================================

// Client → server frame types.
const (
	TypeIdentify       = "IDENTIFY"
	TypeJoin           = "JOIN"
	TypeLeave          = "LEAVE"
	TypeMsg            = "MSG"
	TypeListChannels   = "LIST_CHANNELS"
	TypeListAgents     = "LIST_AGENTS"
	TypeCreateChannel  = "CREATE_CHANNEL"
	TypeInvite         = "INVITE"
	TypePing           = "PING"
	TypeProposal       = "PROPOSAL"
	TypeAccept         = "ACCEPT"
	TypeReject         = "REJECT"
	TypeComplete       = "COMPLETE"
	TypeDispute        = "DISPUTE"
	TypeRegisterSkills = "REGISTER_SKILLS"
	TypeSearchSkills   = "SEARCH_SKILLS"
	TypeSetPresence    = "SET_PRESENCE"
	TypeVerifyRequest  = "VERIFY_REQUEST"
	TypeVerifyResponse = "VERIFY_RESPONSE"
	TypeVerifyIdentity = "VERIFY_IDENTITY"
	TypeAdminApprove   = "ADMIN_APPROVE"
	TypeAdminRevoke    = "ADMIN_REVOKE"
	TypeAdminList      = "ADMIN_LIST"
	TypeDisputeIntent  = "DISPUTE_INTENT"
	TypeDisputeReveal  = "DISPUTE_REVEAL"
	TypeEvidence       = "EVIDENCE"
	TypeArbiterAccept  = "ARBITER_ACCEPT"
	TypeArbiterDecline = "ARBITER_DECLINE"
	TypeArbiterVote    = "ARBITER_VOTE"
)

// Server → client frame types.
const (
	TypeWelcome          = "WELCOME"
	TypeJoined           = "JOINED"
	TypeLeft             = "LEFT"
	TypeAgentJoined      = "AGENT_JOINED"
	TypeAgentLeft        = "AGENT_LEFT"
	TypeChannels         = "CHANNELS"
	TypeAgents           = "AGENTS"
	TypeError            = "ERROR"
	TypePong             = "PONG"
	TypeSkillsRegistered = "SKILLS_REGISTERED"
	TypeSearchResults    = "SEARCH_RESULTS"
	TypePresenceChanged  = "PRESENCE_CHANGED"
	TypeVerifySuccess    = "VERIFY_SUCCESS"
	TypeVerifyFailed     = "VERIFY_FAILED"
	TypeAdminResult      = "ADMIN_RESULT"
	TypeChallenge        = "CHALLENGE"
	TypeDisputeIntentAck = "DISPUTE_INTENT_ACK"
	TypeDisputeRevealed  = "DISPUTE_REVEALED"
	TypePanelFormed      = "PANEL_FORMED"
	TypeArbiterAssigned  = "ARBITER_ASSIGNED"
	TypeEvidenceReceived = "EVIDENCE_RECEIVED"
	TypeCaseReady        = "CASE_READY"
	TypeVerdict          = "VERDICT"
	TypeDisputeFallback  = "DISPUTE_FALLBACK"
)

// ============================================================================
// ERROR CODES
// ============================================================================

const (
	ErrAuthRequired           = "AUTH_REQUIRED"
	ErrChannelNotFound        = "CHANNEL_NOT_FOUND"
	ErrNotInvited             = "NOT_INVITED"
	ErrInvalidMsg             = "INVALID_MSG"
	ErrRateLimited            = "RATE_LIMITED"
	ErrAgentNotFound          = "AGENT_NOT_FOUND"
	ErrChannelExists          = "CHANNEL_EXISTS"
	ErrInvalidName            = "INVALID_NAME"
	ErrProposalNotFound       = "PROPOSAL_NOT_FOUND"
	ErrProposalExpired        = "PROPOSAL_EXPIRED"
	ErrInvalidProposal        = "INVALID_PROPOSAL"
	ErrSignatureRequired      = "SIGNATURE_REQUIRED"
	ErrNotProposalParty       = "NOT_PROPOSAL_PARTY"
	ErrInsufficientReputation = "INSUFFICIENT_REPUTATION"
	ErrInvalidStake           = "INVALID_STAKE"
	ErrVerificationFailed     = "VERIFICATION_FAILED"
	ErrVerificationExpired    = "VERIFICATION_EXPIRED"
	ErrNoPubkey               = "NO_PUBKEY"
	ErrNotAllowed             = "NOT_ALLOWED"
)

// ============================================================================
// EMBEDDED PAYLOAD TYPES
// ============================================================================

// Skill is one entry in an agent's registered skill list.
type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Price       float64  `json:"price,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Stakes carries the optional escrow stakes attached to a proposal.
// Keys are short on the wire: p = proposer stake, a = acceptor stake.
type Stakes struct {
	Proposer float64 `json:"p"`
	Acceptor float64 `json:"a"`
}

// ChannelInfo is one row of a LIST_CHANNELS response.
type ChannelInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// AgentInfo is one row of a LIST_AGENTS response.
type AgentInfo struct {
	Agent    string `json:"agent"`
	Name     string `json:"name"`
	Presence string `json:"presence,omitempty"`
	Rating   int    `json:"rating,omitempty"`
}

// SkillMatch is one row of a SEARCH_RESULTS response.
type SkillMatch struct {
	Agent  string  `json:"agent"`
	Skills []Skill `json:"skills"`
	Rating int     `json:"rating"`
}

// VoteInfo is one arbiter's vote as relayed in a VERDICT frame.
type VoteInfo struct {
	Arbiter   string `json:"arbiter"`
	Verdict   string `json:"verdict"`
	Reasoning string `json:"reasoning,omitempty"`
}

// EvidencePack is one party's evidence as relayed in a CASE_READY frame.
type EvidencePack struct {
	Party     string                   `json:"party"`
	Statement string                   `json:"statement,omitempty"`
	Items     []map[string]interface{} `json:"items,omitempty"`
	Hashes    []string                 `json:"hashes,omitempty"`
}

// AllowlistEntry is one row of an ADMIN_LIST result.
type AllowlistEntry struct {
	Pubkey     string `json:"pubkey"`
	AgentID    string `json:"agent_id"`
	ApprovedBy string `json:"approved_by"`
	ApprovedAt int64  `json:"approved_at"`
	Note       string `json:"note,omitempty"`
}

// ============================================================================
// FRAME
// ============================================================================

// Frame is the wire representation of every AgentChat message, client and
// server direction alike. It is the union of all per-type fields; Type is the
// discriminant and unused fields are omitted from the encoding. Validation of
// which fields a given type requires lives in validate.go.
type Frame struct {
	Type   string `json:"type"`
	TS     int64  `json:"ts,omitempty"`     // ms since epoch, server-assigned on outbound
	Replay bool   `json:"replay,omitempty"` // set on frames delivered from a replay buffer

	// Identity and session
	Name        string `json:"name,omitempty"`
	Pubkey      string `json:"pubkey,omitempty"` // base64 raw Ed25519 public key
	AgentID     string `json:"agent_id,omitempty"`
	Server      string `json:"server,omitempty"`
	ChallengeID string `json:"challenge_id,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	ServerTime  int64  `json:"server_time,omitempty"`
	Signature   string `json:"sig,omitempty"` // base64 Ed25519 signature over the canonical signing string

	// Chat and channels
	Channel    string        `json:"channel,omitempty"`
	InviteOnly bool          `json:"invite_only,omitempty"`
	Agent      string        `json:"agent,omitempty"`
	Agents     []string      `json:"agents,omitempty"`
	Details    []AgentInfo   `json:"details,omitempty"`
	Channels   []ChannelInfo `json:"channels,omitempty"`
	To         string        `json:"to,omitempty"`
	From       string        `json:"from,omitempty"`
	Content    string        `json:"content,omitempty"`
	Status     string        `json:"status,omitempty"`

	// Errors
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Marketplace
	ProposalID  string       `json:"proposal_id,omitempty"`
	Task        string       `json:"task,omitempty"`
	Amount      float64      `json:"amount,omitempty"`
	Currency    string       `json:"currency,omitempty"`
	Capability  string       `json:"capability,omitempty"`
	Stakes      *Stakes      `json:"stakes,omitempty"`
	Expires     int64        `json:"expires,omitempty"`
	PaymentCode string       `json:"payment_code,omitempty"`
	Proof       string       `json:"proof,omitempty"`
	Skills      []Skill      `json:"skills,omitempty"`
	Query       string       `json:"query,omitempty"`
	Matches     []SkillMatch `json:"matches,omitempty"`

	// Disputes
	DisputeID  string                   `json:"dispute_id,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	Commitment string                   `json:"commitment,omitempty"`
	Items      []map[string]interface{} `json:"items,omitempty"`
	Statement  string                   `json:"statement,omitempty"`
	Verdict    string                   `json:"verdict,omitempty"`
	Reasoning  string                   `json:"reasoning,omitempty"`
	Role       string                   `json:"role,omitempty"`
	Votes      []VoteInfo               `json:"votes,omitempty"`
	Evidence   []EvidencePack           `json:"evidence,omitempty"`
	Deltas     map[string]int           `json:"deltas,omitempty"`

	// Admin
	Key        string           `json:"key,omitempty"`
	Note       string           `json:"note,omitempty"`
	Identifier string           `json:"identifier,omitempty"`
	Entries    []AllowlistEntry `json:"entries,omitempty"`
	OK         bool             `json:"ok,omitempty"`
}

// Decode parses a single JSON frame. A frame that is not a JSON object or has
// no type discriminant is rejected here; per-type field checks are done by
// Validate.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// Encode serializes a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Stamp sets the server timestamp if the frame does not carry one yet.
func (f *Frame) Stamp() {
	if f.TS == 0 {
		f.TS = time.Now().UnixMilli()
	}
}

// ReplayCopy returns a shallow copy of the frame flagged as replayed.
func (f *Frame) ReplayCopy() *Frame {
	c := *f
	c.Replay = true
	return &c
}

// NewError builds an ERROR frame for the given wire code.
func NewError(code, message string) *Frame {
	return &Frame{Type: TypeError, Code: code, Message: message}
}

// Errorf builds an ERROR frame with a formatted message.
func Errorf(code, format string, args ...interface{}) *Frame {
	return NewError(code, fmt.Sprintf(format, args...))
}
