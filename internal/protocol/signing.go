package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// CANONICAL SIGNING STRINGS
// ============================================================================
//
// Every signed operation has exactly one canonical signing string so that the
// signer and the verifier agree byte-for-byte. Fields are pipe-joined in a
// fixed order; absent optionals contribute an empty segment. Agent parties
// appear in their wire form (@-prefixed).

// AuthSigningString is signed to answer an identification challenge.
func AuthSigningString(nonce, challengeID string, serverTime int64) string {
	return fmt.Sprintf("AUTH|%s|%s|%d", nonce, challengeID, serverTime)
}

// ProposalSigningString covers a new work proposal.
func ProposalSigningString(id, from, to, task string, amount float64, currency, capability string) string {
	return fmt.Sprintf("PROPOSAL|%s|%s|%s|%s|%s|%s|%s",
		id, from, to, task, FormatAmount(amount), currency, capability)
}

// AcceptSigningString covers the acceptance of a proposal.
func AcceptSigningString(proposalID, paymentCode string) string {
	return fmt.Sprintf("ACCEPT|%s|%s", proposalID, paymentCode)
}

// RejectSigningString covers the rejection of a proposal.
func RejectSigningString(proposalID, reason string) string {
	return fmt.Sprintf("REJECT|%s|%s", proposalID, reason)
}

// CompleteSigningString covers the completion of a proposal.
func CompleteSigningString(proposalID, proof string) string {
	return fmt.Sprintf("COMPLETE|%s|%s", proposalID, proof)
}

// RegisterSkillsSigningString covers a skill registry replacement. The skills
// list is embedded as canonical JSON so key order cannot change the bytes.
func RegisterSkillsSigningString(agent string, skills []Skill) (string, error) {
	canon, err := CanonicalJSON(skills)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("REGISTER_SKILLS|%s|%s", agent, canon), nil
}

// DisputeSigningString covers the legacy single-frame dispute filing.
func DisputeSigningString(proposalID, reason string) string {
	return fmt.Sprintf("DISPUTE|%s|%s", proposalID, reason)
}

// DisputeIntentSigningString covers the commit phase of a dispute filing.
func DisputeIntentSigningString(proposalID, commitment string) string {
	return fmt.Sprintf("DISPUTE_INTENT|%s|%s", proposalID, commitment)
}

// DisputeRevealSigningString covers the reveal phase of a dispute filing.
func DisputeRevealSigningString(disputeID, nonce string) string {
	return fmt.Sprintf("DISPUTE_REVEAL|%s|%s", disputeID, nonce)
}

// EvidenceSigningString covers one party's evidence submission. Items are
// represented by their integrity hashes in submission order.
func EvidenceSigningString(disputeID, statement string, itemHashes []string) string {
	return fmt.Sprintf("EVIDENCE|%s|%s|%s", disputeID, statement, strings.Join(itemHashes, ","))
}

// ArbiterAcceptSigningString covers a panel seat acceptance.
func ArbiterAcceptSigningString(disputeID string) string {
	return fmt.Sprintf("ARBITER_ACCEPT|%s", disputeID)
}

// ArbiterDeclineSigningString covers a panel seat decline.
func ArbiterDeclineSigningString(disputeID, reason string) string {
	return fmt.Sprintf("ARBITER_DECLINE|%s|%s", disputeID, reason)
}

// ArbiterVoteSigningString covers an arbiter's verdict vote.
func ArbiterVoteSigningString(disputeID, verdict, reasoning string) string {
	return fmt.Sprintf("ARBITER_VOTE|%s|%s|%s", disputeID, verdict, reasoning)
}

// VerifySigningString covers a peer identity verification response: the
// responding agent signs the relayed nonce together with its own id.
func VerifySigningString(nonce, agentID string) string {
	return fmt.Sprintf("VERIFY|%s|%s", nonce, agentID)
}

// FormatAmount renders an amount for signing: shortest decimal form, empty
// for the absent (zero) amount.
func FormatAmount(amount float64) string {
	if amount == 0 {
		return ""
	}
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

// ============================================================================
// CANONICAL JSON AND INTEGRITY HASHES
// ============================================================================

// CanonicalJSON serializes v deterministically: object keys sorted, no
// insignificant whitespace. The value is round-tripped through interface{}
// so struct field order cannot leak into the bytes.
func CanonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	var norm interface{}
	if err := json.Unmarshal(raw, &norm); err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	return string(out), nil
}

// EvidenceItemHash computes the SHA-256 integrity hash of one evidence item
// over its sorted-key JSON serialization, hex encoded.
func EvidenceItemHash(item map[string]interface{}) (string, error) {
	canon, err := CanonicalJSON(item)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// CommitmentHash computes the commitment for a dispute nonce.
func CommitmentHash(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}
