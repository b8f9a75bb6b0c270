package client

// Frame type discriminants, client and server direction alike.
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

// Stakes is the escrow split offered on a staked proposal.
type Stakes struct {
	Proposer float64 `json:"p"`
	Acceptor float64 `json:"a"`
}

// Skill is one advertised capability.
type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Price       float64  `json:"price,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// SkillMatch is one row of a SEARCH_RESULTS response.
type SkillMatch struct {
	Agent  string  `json:"agent"`
	Skills []Skill `json:"skills"`
	Rating int     `json:"rating"`
}

// AgentInfo is one row of an AGENTS listing.
type AgentInfo struct {
	Agent    string `json:"agent"`
	Name     string `json:"name"`
	Presence string `json:"presence,omitempty"`
	Rating   int    `json:"rating,omitempty"`
}

// ChannelInfo is one row of a CHANNELS listing.
type ChannelInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
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

// Frame is the wire representation of every AgentChat message: a flat union
// of all per-type fields with Type as the discriminant. Unused fields are
// omitted from the encoding.
type Frame struct {
	Type   string `json:"type"`
	TS     int64  `json:"ts,omitempty"`
	Replay bool   `json:"replay,omitempty"`

	Name        string `json:"name,omitempty"`
	Pubkey      string `json:"pubkey,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Server      string `json:"server,omitempty"`
	ChallengeID string `json:"challenge_id,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	ServerTime  int64  `json:"server_time,omitempty"`
	Signature   string `json:"sig,omitempty"`

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

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

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

	Key        string           `json:"key,omitempty"`
	Note       string           `json:"note,omitempty"`
	Identifier string           `json:"identifier,omitempty"`
	Entries    []AllowlistEntry `json:"entries,omitempty"`
	OK         bool             `json:"ok,omitempty"`
}
