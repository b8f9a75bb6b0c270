// Package session tracks connected agents from socket accept to disconnect.
//
// A Session is created unauthenticated when a transport connection arrives
// and is promoted exactly once, either to an ephemeral identity (IDENTIFY
// without a pubkey) or to a persistent identity after the Ed25519
// challenge-response completes. The Manager owns the authoritative session
// table and enforces the one-session-per-agent-id rule.
package session

import (
	"crypto/ed25519"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/protocol"
)

// Transport labels, used in logs and metrics.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// ============================================================================
// SESSION
// ============================================================================

// Session is one live connection. Identity fields are immutable after
// promotion; mutable state (presence, joined channels) sits behind the lock.
type Session struct {
	key       string
	transport string
	remote    string

	mu            sync.RWMutex
	agentID       string
	name          string
	pubkey        ed25519.PublicKey
	authenticated bool
	presence      string
	channels      map[string]struct{}
	closed        bool

	connectedAt time.Time
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	preauth     *rate.Limiter
	metrics     *metrics.Metrics
}

func newSession(key, transport, remote string, queue int, preauth *rate.Limiter, m *metrics.Metrics) *Session {
	if queue <= 0 {
		queue = 256
	}
	return &Session{
		key:         key,
		transport:   transport,
		remote:      remote,
		channels:    make(map[string]struct{}),
		connectedAt: time.Now(),
		send:        make(chan []byte, queue),
		done:        make(chan struct{}),
		preauth:     preauth,
		metrics:     m,
	}
}

// Key returns the internal session key. Stable for the connection lifetime
// and never exposed on the wire.
func (s *Session) Key() string { return s.key }

// Transport returns the transport label ("tcp" or "ws").
func (s *Session) Transport() string { return s.transport }

// Remote returns the peer address.
func (s *Session) Remote() string { return s.remote }

// ConnectedAt returns when the connection was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// promote installs the session's identity. Called by the Manager with the
// table lock held; a session is promoted at most once.
func (s *Session) promote(agentID, name string, pubkey ed25519.PublicKey) {
	s.mu.Lock()
	s.agentID = agentID
	s.name = name
	s.pubkey = pubkey
	s.authenticated = true
	s.mu.Unlock()
}

// Authenticated reports whether the session completed IDENTIFY.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// AgentID returns the bare agent id, or "" before promotion.
func (s *Session) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// WireID returns the @-prefixed agent id used on the wire.
func (s *Session) WireID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.agentID == "" {
		return ""
	}
	return protocol.FormatAgent(s.agentID)
}

// Name returns the display name presented at IDENTIFY.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Pubkey returns the session's Ed25519 key, or nil for ephemeral sessions.
func (s *Session) Pubkey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pubkey
}

// Persistent reports whether the session proved a pubkey. Only persistent
// sessions may sign marketplace and dispute operations.
func (s *Session) Persistent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pubkey != nil
}

// SetPresence stores the free-form presence string.
func (s *Session) SetPresence(p string) {
	s.mu.Lock()
	s.presence = p
	s.mu.Unlock()
}

// Presence returns the current presence string.
func (s *Session) Presence() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

// AddChannel records channel membership. Returns false if the session is
// already closed, so a concurrent disconnect never strands a member entry.
func (s *Session) AddChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.channels[name] = struct{}{}
	return true
}

// RemoveChannel drops channel membership.
func (s *Session) RemoveChannel(name string) {
	s.mu.Lock()
	delete(s.channels, name)
	s.mu.Unlock()
}

// InChannel reports membership in the named channel.
func (s *Session) InChannel(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[name]
	return ok
}

// Channels returns a snapshot of joined channel names.
func (s *Session) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	return out
}

// Info returns the session's wire-facing directory entry. The caller fills
// in the rating, which lives in the reputation ledger.
func (s *Session) Info() protocol.AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return protocol.AgentInfo{
		Agent:    protocol.FormatAgent(s.agentID),
		Name:     s.name,
		Presence: s.presence,
	}
}

// AllowPreauth draws one token from the pre-auth budget.
func (s *Session) AllowPreauth() bool {
	if s.preauth == nil {
		return true
	}
	return s.preauth.Allow()
}

// ============================================================================
// WRITE QUEUE
// ============================================================================

// Send stamps, encodes and enqueues a frame for the writer goroutine. A full
// queue closes the session: a reader that cannot drain at channel fan-out
// speed forfeits the connection rather than stalling the sender.
func (s *Session) Send(f *protocol.Frame) bool {
	f.Stamp()
	raw, err := protocol.Encode(f)
	if err != nil {
		return false
	}
	s.metrics.RecordFrameOut(f.Type)
	return s.SendRaw(raw)
}

// SendRaw enqueues an already-encoded frame. Used by channel fan-out, which
// encodes once per broadcast rather than once per member.
func (s *Session) SendRaw(raw []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- raw:
		return true
	default:
		s.metrics.RecordFrameDropped()
		s.Close()
		return false
	}
}

// Outbox is drained by the transport writer goroutine.
func (s *Session) Outbox() <-chan []byte { return s.send }

// Done closes when the session is shut down. The writer drains the remaining
// outbox and exits; the reader stops dispatching.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close marks the session finished. Idempotent and non-blocking; the
// transport goroutines observe Done and tear the connection down.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
