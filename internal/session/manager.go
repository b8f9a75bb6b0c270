package session

import (
	"crypto/ed25519"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/protocol"
)

var (
	// ErrAlreadyIdentified is returned when an authenticated session sends
	// IDENTIFY or VERIFY_IDENTITY again.
	ErrAlreadyIdentified = errors.New("session already identified")

	// ErrNoPubkey is returned in strict allowlist mode when IDENTIFY carries
	// no pubkey.
	ErrNoPubkey = errors.New("pubkey required")

	// ErrNotAllowed is returned when the presented pubkey is not on the
	// allowlist.
	ErrNotAllowed = errors.New("pubkey not allowlisted")
)

// Allowlist gates which pubkeys may authenticate. Implemented by the
// allowlist store; a nil gate admits everyone.
type Allowlist interface {
	Enabled() bool
	Strict() bool
	Approved(pubkeyB64 string) bool
}

// Detacher removes a session from every channel it joined, broadcasting the
// departure to remaining members. Implemented by the channel engine and wired
// after construction to keep the dependency one-way.
type Detacher interface {
	DropSession(s *Session)
}

// ============================================================================
// SESSION MANAGER
// ============================================================================

// Config holds the manager's tunables.
type Config struct {
	ServerName   string
	ChallengeTTL time.Duration
	WriteQueue   int
	Metrics      *metrics.Metrics
}

// Manager owns the authoritative session table. Sessions are keyed by an
// internal session key; authenticated sessions are additionally indexed by
// agent id, and that index is what enforces single-session-per-agent.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session key -> session
	byAgent  map[string]*Session // agent id -> authenticated session

	challenges *identity.ChallengeStore
	verifies   *identity.VerifyStore
	allow      Allowlist
	channels   Detacher

	serverName string
	queueSize  int
	metrics    *metrics.Metrics
	logger     *log.Logger
	done       chan struct{}
	closeOnce  sync.Once
}

// NewManager creates the session table and starts the challenge sweeper.
func NewManager(cfg Config) *Manager {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 2 * time.Minute
	}
	m := &Manager{
		sessions:   make(map[string]*Session),
		byAgent:    make(map[string]*Session),
		challenges: identity.NewChallengeStore(cfg.ChallengeTTL),
		verifies:   identity.NewVerifyStore(cfg.ChallengeTTL),
		serverName: cfg.ServerName,
		queueSize:  cfg.WriteQueue,
		metrics:    cfg.Metrics,
		logger:     log.New(log.Writer(), "[Sessions] ", log.LstdFlags),
		done:       make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// SetAllowlist installs the pubkey gate. Call before serving.
func (m *Manager) SetAllowlist(a Allowlist) {
	if a != nil {
		m.allow = a
	}
}

// SetChannels installs the channel detacher. Call before serving.
func (m *Manager) SetChannels(d Detacher) {
	if d != nil {
		m.channels = d
	}
}

// ServerName returns the name announced in WELCOME frames.
func (m *Manager) ServerName() string { return m.serverName }

// Verifies returns the peer-verification nonce store.
func (m *Manager) Verifies() *identity.VerifyStore { return m.verifies }

// Open registers a new unauthenticated session for an accepted connection.
func (m *Manager) Open(transport, remote string, preauth *rate.Limiter) *Session {
	s := newSession(uuid.NewString(), transport, remote, m.queueSize, preauth, m.metrics)
	m.mu.Lock()
	m.sessions[s.key] = s
	m.mu.Unlock()
	m.metrics.RecordSessionOpened(transport)
	m.logger.Printf("session opened: key=%s transport=%s remote=%s", s.key[:8], transport, remote)
	return s
}

// IdentifyResult is the outcome of a valid IDENTIFY: either the session was
// promoted to an ephemeral identity, or a challenge was issued and the caller
// must complete VERIFY_IDENTITY.
type IdentifyResult struct {
	AgentID   string
	Challenge *identity.Challenge
}

// Identify handles the IDENTIFY frame. Without a pubkey the session becomes
// ephemeral immediately; with one, a challenge is issued and identity is
// withheld until the signature verifies.
func (m *Manager) Identify(s *Session, name, pubkeyB64 string) (*IdentifyResult, error) {
	if s.Authenticated() {
		return nil, ErrAlreadyIdentified
	}

	if pubkeyB64 == "" {
		if m.allow != nil && m.allow.Enabled() && m.allow.Strict() {
			m.metrics.RecordAuth("no_pubkey")
			return nil, ErrNoPubkey
		}
		id, err := identity.EphemeralAgentID()
		if err != nil {
			return nil, err
		}
		m.install(s, id, name, nil)
		m.metrics.RecordAuth("ephemeral")
		m.logger.Printf("ephemeral session: agent=%s name=%s", id, name)
		return &IdentifyResult{AgentID: id}, nil
	}

	pub, err := identity.ParsePubkey(pubkeyB64)
	if err != nil {
		m.metrics.RecordAuth("bad_pubkey")
		return nil, err
	}
	if m.allow != nil && m.allow.Enabled() && !m.allow.Approved(pubkeyB64) {
		m.metrics.RecordAuth("not_allowed")
		return nil, ErrNotAllowed
	}

	ch, err := m.challenges.Create(name, pub)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordAuth("challenged")
	return &IdentifyResult{Challenge: ch}, nil
}

// VerifyIdentity handles the VERIFY_IDENTITY frame: consume the challenge,
// check the signature over the canonical auth string, derive the agent id and
// install the session, evicting any prior holder of that id.
func (m *Manager) VerifyIdentity(s *Session, challengeID, sig string) (string, error) {
	if s.Authenticated() {
		return "", ErrAlreadyIdentified
	}

	ch, err := m.challenges.Consume(challengeID)
	if err != nil {
		m.metrics.RecordAuth("challenge_miss")
		return "", err
	}

	msg := protocol.AuthSigningString(ch.Nonce, ch.ID, ch.ServerTime)
	if err := identity.Verify(ch.Pubkey, msg, sig); err != nil {
		m.metrics.RecordAuth("bad_signature")
		return "", err
	}

	agentID := identity.DeriveAgentID(ch.Pubkey)
	m.install(s, agentID, ch.Name, ch.Pubkey)
	m.metrics.RecordAuth("verified")
	m.logger.Printf("verified session: agent=%s name=%s", agentID, ch.Name)
	return agentID, nil
}

// install promotes s and claims its agent id. A prior session holding the
// same id is detached from its channels and closed; its writer drains
// asynchronously, so install never blocks on a slow evictee.
func (m *Manager) install(s *Session, agentID, name string, pubkey ed25519.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byAgent[agentID]; ok && old != s {
		old.Close()
		if m.channels != nil {
			m.channels.DropSession(old)
		}
		delete(m.sessions, old.key)
		m.logger.Printf("evicted session: agent=%s old=%s new=%s", agentID, old.key[:8], s.key[:8])
	}

	s.promote(agentID, name, pubkey)
	m.byAgent[agentID] = s
}

// Disconnect removes a session from the table and detaches it from its
// channels. Safe to call for sessions already evicted.
func (m *Manager) Disconnect(s *Session) {
	s.Close()

	m.mu.Lock()
	_, present := m.sessions[s.key]
	if present {
		delete(m.sessions, s.key)
		if cur, ok := m.byAgent[s.AgentID()]; ok && cur == s {
			delete(m.byAgent, s.AgentID())
		}
	}
	m.mu.Unlock()

	if present && s.Authenticated() && m.channels != nil {
		m.channels.DropSession(s)
	}
}

// Get returns the authenticated session holding the bare agent id.
func (m *Manager) Get(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byAgent[agentID]
	return s, ok
}

// Agents returns a snapshot of all authenticated sessions.
func (m *Manager) Agents() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byAgent))
	for _, s := range m.byAgent {
		out = append(out, s)
	}
	return out
}

// PersistentAgents returns the bare ids of connected sessions that proved a
// pubkey. This is the candidate pool for arbiter panels.
func (m *Manager) PersistentAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byAgent))
	for id, s := range m.byAgent {
		if s.Persistent() {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of live sessions, authenticated or not.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AuthCount returns the number of authenticated sessions.
func (m *Manager) AuthCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAgent)
}

// PendingChallenges returns the number of unanswered auth challenges.
func (m *Manager) PendingChallenges() int { return m.challenges.Pending() }

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.challenges.Sweep() + m.verifies.Sweep(); n > 0 {
				m.logger.Printf("swept %d expired challenges", n)
			}
		case <-m.done:
			return
		}
	}
}

// Close stops the sweeper and closes every live session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
