package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
)

// Challenge is a pending identification challenge: issued on IDENTIFY with a
// pubkey, consumed by VERIFY_IDENTITY.
type Challenge struct {
	ID         string
	Name       string
	Pubkey     ed25519.PublicKey
	Nonce      string
	ServerTime int64 // ms since epoch, echoed into the signing string
	ExpiresAt  time.Time
}

// ChallengeStore tracks pending challenges with a bounded lifetime. Expired
// entries are swept lazily on access and by the owning manager's ticker.
type ChallengeStore struct {
	mu      sync.Mutex
	pending map[string]*Challenge
	ttl     time.Duration
}

// NewChallengeStore creates a store; ttl bounds how long a challenge may
// stay answerable.
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	return &ChallengeStore{
		pending: make(map[string]*Challenge),
		ttl:     ttl,
	}
}

// Create records a new challenge for the claimed name and key.
func (cs *ChallengeStore) Create(name string, pubkey ed25519.PublicKey) (*Challenge, error) {
	id, err := newChallengeID()
	if err != nil {
		return nil, err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	ch := &Challenge{
		ID:         id,
		Name:       name,
		Pubkey:     pubkey,
		Nonce:      nonce,
		ServerTime: time.Now().UnixMilli(),
		ExpiresAt:  time.Now().Add(cs.ttl),
	}

	cs.mu.Lock()
	cs.pending[id] = ch
	cs.mu.Unlock()
	return ch, nil
}

// Consume removes and returns the challenge regardless of outcome: a
// challenge answers exactly once, pass or fail.
func (cs *ChallengeStore) Consume(id string) (*Challenge, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ch, ok := cs.pending[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(cs.pending, id)

	if time.Now().After(ch.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	return ch, nil
}

// Sweep drops expired challenges and returns how many were removed.
func (cs *ChallengeStore) Sweep() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, ch := range cs.pending {
		if now.After(ch.ExpiresAt) {
			delete(cs.pending, id)
			removed++
		}
	}
	return removed
}

// Pending returns the number of outstanding challenges.
func (cs *ChallengeStore) Pending() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.pending)
}

func newChallengeID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate challenge id: %w", err)
	}
	return "chal_" + hex.EncodeToString(b), nil
}

// ============================================================================
// PEER VERIFICATION NONCES
// ============================================================================

// VerifyNonce is a pending peer-verification exchange: requester asked the
// server to challenge target, and target must sign the nonce.
type VerifyNonce struct {
	Requester string // agent id that asked
	Target    string // agent id under verification
	Nonce     string
	ExpiresAt time.Time
}

// VerifyStore tracks outstanding peer-verification nonces keyed by
// (target, nonce).
type VerifyStore struct {
	mu      sync.Mutex
	pending map[string]*VerifyNonce
	ttl     time.Duration
}

// NewVerifyStore creates a store for peer-verification nonces.
func NewVerifyStore(ttl time.Duration) *VerifyStore {
	return &VerifyStore{
		pending: make(map[string]*VerifyNonce),
		ttl:     ttl,
	}
}

// Create records a verification request from requester against target.
func (vs *VerifyStore) Create(requester, target string) (*VerifyNonce, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	vn := &VerifyNonce{
		Requester: requester,
		Target:    target,
		Nonce:     nonce,
		ExpiresAt: time.Now().Add(vs.ttl),
	}

	vs.mu.Lock()
	vs.pending[target+"|"+nonce] = vn
	vs.mu.Unlock()
	return vn, nil
}

// Consume removes and returns the pending exchange for a target's response.
func (vs *VerifyStore) Consume(target, nonce string) (*VerifyNonce, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	key := target + "|" + nonce
	vn, ok := vs.pending[key]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(vs.pending, key)

	if time.Now().After(vn.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	return vn, nil
}

// Sweep drops expired exchanges and returns how many were removed.
func (vs *VerifyStore) Sweep() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, vn := range vs.pending {
		if now.After(vn.ExpiresAt) {
			delete(vs.pending, key)
			removed++
		}
	}
	return removed
}
