// Package dispute runs the Agentcourt arbitration flow: commit-reveal
// filing, deterministic panel selection, evidence collection and majority
// verdicts, with a fallback path for panels that cannot form.
package dispute

import (
	"sync"
	"time"
)

// Phase is a dispute lifecycle phase. Phases advance strictly forward; the
// two terminal phases are resolved and fallback.
type Phase string

const (
	PhaseRevealPending   Phase = "reveal_pending"
	PhasePanelSelection  Phase = "panel_selection"
	PhaseArbiterResponse Phase = "arbiter_response"
	PhaseEvidence        Phase = "evidence"
	PhaseDeliberation    Phase = "deliberation"
	PhaseResolved        Phase = "resolved"
	PhaseFallback        Phase = "fallback"
)

// Terminal reports whether the phase ends the dispute.
func (p Phase) Terminal() bool {
	return p == PhaseResolved || p == PhaseFallback
}

// Fallback reasons surfaced in DISPUTE_FALLBACK frames and receipts.
const (
	FallbackRevealTimeout  = "reveal_timeout"
	FallbackPoolTooSmall   = "pool_too_small"
	FallbackPoolExhausted  = "pool_exhausted"
	FallbackReplacementCap = "replacement_cap_exceeded"
	FallbackLegacyFiling   = "legacy_filing"
)

// SlotStatus tracks one panel seat.
type SlotStatus string

const (
	SlotPending   SlotStatus = "pending"   // assigned, no response yet
	SlotAccepted  SlotStatus = "accepted"  // seat taken
	SlotDeclined  SlotStatus = "declined"  // seat refused, replacement drawn
	SlotReplaced  SlotStatus = "replaced"  // no response inside the window
	SlotVoted     SlotStatus = "voted"     // verdict cast
	SlotForfeited SlotStatus = "forfeited" // accepted but never voted
)

// Slot is one arbiter's seat on a panel.
type Slot struct {
	AgentID   string
	Status    SlotStatus
	Verdict   string
	Reasoning string
}

// Evidence is one party's submission.
type Evidence struct {
	Party       string
	Statement   string
	Items       []map[string]interface{}
	Hashes      []string
	SubmittedAt time.Time
}

// Dispute is the engine's record of one arbitration. Every mutation runs
// under the dispute's own mutex so concurrent arbiter traffic on different
// disputes never contends.
type Dispute struct {
	mu sync.Mutex

	ID         string
	ProposalID string
	Disputant  string
	Respondent string
	Reason     string

	Phase          Phase
	Commitment     string
	ServerNonce    string
	Nonce          string
	Seed           []byte
	FallbackReason string
	Verdict        string

	// order is the full deterministic candidate sequence; slots hold the
	// panel drawn from its head, nextIdx the next replacement to draw.
	order   []string
	nextIdx int
	Slots   []*Slot
	Rounds  int

	evidence map[string]*Evidence

	FiledAt    time.Time
	RevealedAt time.Time
	ResolvedAt time.Time

	deadline time.Time
	timer    *time.Timer
	timerGen int
}

// slotFor returns the actor's seat, newest first so a replacement seat
// shadows an earlier declined one.
func (d *Dispute) slotFor(agentID string) *Slot {
	for i := len(d.Slots) - 1; i >= 0; i-- {
		if d.Slots[i].AgentID == agentID {
			return d.Slots[i]
		}
	}
	return nil
}

// active returns the seats currently on the panel: pending, accepted, voted
// or forfeited, excluding declined and replaced ones.
func (d *Dispute) active() []*Slot {
	out := make([]*Slot, 0, len(d.Slots))
	for _, s := range d.Slots {
		switch s.Status {
		case SlotDeclined, SlotReplaced:
		default:
			out = append(out, s)
		}
	}
	return out
}

// View is a copyable snapshot of a dispute for handlers and tests. The
// server nonce is included so the panel draw can be audited after the fact.
type View struct {
	ID             string
	ProposalID     string
	Disputant      string
	Respondent     string
	Reason         string
	Phase          Phase
	ServerNonce    string
	Verdict        string
	FallbackReason string
	Panel          []Slot
	Rounds         int
	Deadline       time.Time
}

// viewLocked builds a snapshot. Caller holds the dispute mutex.
func (d *Dispute) viewLocked() View {
	v := View{
		ID:             d.ID,
		ProposalID:     d.ProposalID,
		Disputant:      d.Disputant,
		Respondent:     d.Respondent,
		Reason:         d.Reason,
		Phase:          d.Phase,
		ServerNonce:    d.ServerNonce,
		Verdict:        d.Verdict,
		FallbackReason: d.FallbackReason,
		Rounds:         d.Rounds,
		Deadline:       d.deadline,
	}
	v.Panel = make([]Slot, 0, len(d.Slots))
	for _, s := range d.Slots {
		v.Panel = append(v.Panel, *s)
	}
	return v
}
