// Package marketplace runs the work economy: the skill registry, signed
// proposal lifecycle and the escrow holds backing staked proposals.
package marketplace

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"strings"
	"time"
)

// State is a proposal lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateAccepted  State = "ACCEPTED"
	StateRejected  State = "REJECTED"
	StateCompleted State = "COMPLETED"
	StateDisputed  State = "DISPUTED"
	StateExpired   State = "EXPIRED"
)

// validTransitions is the full lifecycle: states advance strictly forward and
// no state is ever entered twice.
var validTransitions = map[State][]State{
	StatePending:   {StateAccepted, StateRejected, StateExpired},
	StateAccepted:  {StateCompleted, StateDisputed},
	StateRejected:  {},
	StateCompleted: {},
	StateDisputed:  {},
	StateExpired:   {},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state has no outgoing edges.
func (s State) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Proposal is one unit of negotiated work. Identity fields are bare agent
// ids; signing strings use the wire (@-prefixed) form.
type Proposal struct {
	ID            string    `json:"id"`
	Proposer      string    `json:"proposer"`
	Acceptor      string    `json:"acceptor"`
	Task          string    `json:"task"`
	Amount        float64   `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Capability    string    `json:"capability,omitempty"`
	ProposerStake float64   `json:"proposer_stake,omitempty"`
	AcceptorStake float64   `json:"acceptor_stake,omitempty"`
	PaymentCode   string    `json:"payment_code,omitempty"`
	Proof         string    `json:"proof,omitempty"`
	RejectReason  string    `json:"reject_reason,omitempty"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Party reports whether the agent id is the proposer or acceptor.
func (p *Proposal) Party(agentID string) bool {
	return agentID == p.Proposer || agentID == p.Acceptor
}

// Counterparty returns the other party's agent id.
func (p *Proposal) Counterparty(agentID string) string {
	if agentID == p.Proposer {
		return p.Acceptor
	}
	return p.Proposer
}

// Staked reports whether the proposal carries escrow stakes.
func (p *Proposal) Staked() bool {
	return p.ProposerStake > 0 || p.AcceptorStake > 0
}

// NewProposalID mints a proposal id: "prop_" + base36 millisecond timestamp
// + base36 random suffix. Proposers mint the id client-side because the
// proposal signature covers it.
func NewProposalID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
	}
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(buf[:]), 36)
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "prop_" + strconv.FormatInt(time.Now().UnixMilli(), 36) + suffix
}

// ValidProposalID checks the shape of a client-minted proposal id.
func ValidProposalID(id string) bool {
	if !strings.HasPrefix(id, "prop_") {
		return false
	}
	rest := id[len("prop_"):]
	if len(rest) < 8 || len(rest) > 40 {
		return false
	}
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') && c != '_' {
			return false
		}
	}
	return true
}
