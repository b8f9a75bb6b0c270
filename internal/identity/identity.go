// Package identity implements Ed25519 identity for agents: public key
// parsing, agent-id derivation, signature verification, and the short-lived
// nonce stores behind the challenge-response and peer-verification flows.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// AgentIDLen is the length of a derived agent id in hex characters
// (the first 8 bytes of SHA-256 over the public key).
const AgentIDLen = 16

var (
	ErrBadPubkey    = errors.New("pubkey must be 32 raw Ed25519 bytes, base64 encoded")
	ErrBadSignature = errors.New("signature verification failed")
)

// DeriveAgentID maps a public key to its stable agent id: lowercase hex of
// the first 8 bytes of SHA-256(pubkey). Same key bytes, same id, always.
func DeriveAgentID(pubkey ed25519.PublicKey) string {
	sum := sha256.Sum256(pubkey)
	return hex.EncodeToString(sum[:8])
}

// EphemeralAgentID returns a random agent id for sessions without a key.
func EphemeralAgentID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate agent id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ParsePubkey decodes a base64 raw Ed25519 public key from the wire.
func ParsePubkey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, ErrBadPubkey
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrBadPubkey
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePubkey renders a public key in its wire form.
func EncodePubkey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// Verify checks a base64 Ed25519 signature over a canonical signing string.
func Verify(pub ed25519.PublicKey, signingString, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return ErrBadSignature
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(pub, []byte(signingString), sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the base64 signature over a canonical signing string. Used by
// the client SDK and tests; the server itself never signs agent operations.
func Sign(priv ed25519.PrivateKey, signingString string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(signingString)))
}

// GenerateNonce returns 16 random bytes hex-encoded (32 hex characters).
func GenerateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateServerNonce returns 32 random bytes hex-encoded. Used to seed
// dispute panel selection so the disputant cannot grind the outcome.
func GenerateServerNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate server nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
