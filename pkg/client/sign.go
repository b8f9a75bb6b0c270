package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// KEYS AND SIGNATURES
// ============================================================================

// NewKeypair generates a fresh Ed25519 identity.
func NewKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// EncodePubkey renders a public key in its wire form (base64 raw bytes).
func EncodePubkey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DeriveAgentID predicts the agent id the relay will assign to a key:
// lowercase hex of the first 8 bytes of SHA-256(pubkey).
func DeriveAgentID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Sign produces the base64 Ed25519 signature over a canonical signing string.
func Sign(priv ed25519.PrivateKey, signingString string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(signingString)))
}

// NewProposalID mints a proposal id in the relay's expected shape: "prop_" +
// base36 millisecond timestamp + base36 random suffix. Proposers mint the id
// because their signature covers it.
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

// ============================================================================
// CANONICAL SIGNING STRINGS
// ============================================================================
//
// These must match the relay byte-for-byte: fields pipe-joined in a fixed
// order, absent optionals contributing an empty segment, agent parties in
// their wire (@-prefixed) form.

// AuthSigningString answers an identification challenge.
func AuthSigningString(nonce, challengeID string, serverTime int64) string {
	return fmt.Sprintf("AUTH|%s|%s|%d", nonce, challengeID, serverTime)
}

// ProposalSigningString covers a new work proposal.
func ProposalSigningString(id, from, to, task string, amount float64, currency, capability string) string {
	return fmt.Sprintf("PROPOSAL|%s|%s|%s|%s|%s|%s|%s",
		id, from, to, task, formatAmount(amount), currency, capability)
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

// RegisterSkillsSigningString covers a skill registry replacement.
func RegisterSkillsSigningString(agent string, skills []Skill) (string, error) {
	canon, err := canonicalJSON(skills)
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

// EvidenceSigningString covers one party's evidence submission.
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

// VerifySigningString covers a peer verification response: the responder
// signs the relayed nonce together with its own bare agent id.
func VerifySigningString(nonce, agentID string) string {
	return fmt.Sprintf("VERIFY|%s|%s", nonce, agentID)
}

// CommitmentHash computes the commitment for a dispute filing nonce.
func CommitmentHash(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

// EvidenceItemHash computes the integrity hash of one evidence item over its
// sorted-key JSON serialization.
func EvidenceItemHash(item map[string]interface{}) (string, error) {
	canon, err := canonicalJSON(item)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

func formatAmount(amount float64) string {
	if amount == 0 {
		return ""
	}
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

// canonicalJSON round-trips through interface{} so object keys serialize
// sorted regardless of struct field order.
func canonicalJSON(v interface{}) (string, error) {
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
