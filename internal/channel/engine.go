package channel

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/session"
)

var (
	// ErrNotFound is returned for operations on a channel that does not exist.
	ErrNotFound = errors.New("channel not found")

	// ErrExists is returned when creating a channel whose name is taken.
	ErrExists = errors.New("channel already exists")

	// ErrNotInvited is returned when joining an invite-only channel without
	// a standing invite.
	ErrNotInvited = errors.New("not invited")

	// ErrNotMember is returned for member-only operations by a non-member.
	ErrNotMember = errors.New("not a channel member")

	// ErrClosed is returned when the acting session disconnected mid-flight.
	ErrClosed = errors.New("session closed")
)

// DefaultChannels exist from boot and are never invite-only.
var DefaultChannels = []string{"#general", "#agents"}

// ============================================================================
// CHANNEL ENGINE
// ============================================================================

// Config holds the engine's tunables.
type Config struct {
	ReplayWindow int
	Metrics      *metrics.Metrics
}

// Engine is the channel registry. It owns channel lifecycle and every
// broadcast path; direct messages never pass through here.
type Engine struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	replayWindow int
	metrics      *metrics.Metrics
	logger       *log.Logger
}

// NewEngine creates the registry with the default channels in place.
func NewEngine(cfg Config) *Engine {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 50
	}
	e := &Engine{
		channels:     make(map[string]*Channel),
		replayWindow: cfg.ReplayWindow,
		metrics:      cfg.Metrics,
		logger:       log.New(log.Writer(), "[Channels] ", log.LstdFlags),
	}
	for _, name := range DefaultChannels {
		e.channels[name] = newChannel(name, false, cfg.ReplayWindow)
	}
	e.metrics.SetChannelsOpen(len(e.channels))
	return e
}

// JoinResult is what a joining member needs for its JOINED reply: the roster
// at join time and the replay window.
type JoinResult struct {
	Channel string
	Members []string
	Replay  []*protocol.Frame
}

func (e *Engine) get(name string) (*Channel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ch, ok := e.channels[name]
	return ch, ok
}

// Join adds the session to a channel. Prior members hear AGENT_JOINED before
// the newcomer appears in their roster queries; the newcomer receives the
// roster including itself. Joining a channel twice is idempotent.
func (e *Engine) Join(name string, s *session.Session) (*JoinResult, error) {
	ch, ok := e.get(name)
	if !ok {
		return nil, ErrNotFound
	}
	agentID := s.AgentID()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.inviteOnly {
		if _, invited := ch.invited[agentID]; !invited {
			return nil, ErrNotInvited
		}
	}

	// Snapshot the window before this join's own announcement enters it, so
	// the newcomer replays only history that predates them.
	replay := ch.replayCopies()

	if _, already := ch.members[agentID]; !already {
		if !s.AddChannel(name) {
			return nil, ErrClosed
		}
		e.announceLocked(ch, protocol.TypeAgentJoined, agentID)
		ch.members[agentID] = s
	}

	members := ch.memberIDs()
	sort.Strings(members)
	return &JoinResult{Channel: name, Members: members, Replay: replay}, nil
}

// Leave removes the session from a channel and tells the remaining members.
func (e *Engine) Leave(name string, s *session.Session) error {
	ch, ok := e.get(name)
	if !ok {
		return ErrNotFound
	}
	agentID := s.AgentID()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if cur, member := ch.members[agentID]; !member || cur != s {
		return ErrNotMember
	}
	delete(ch.members, agentID)
	s.RemoveChannel(name)
	e.announceLocked(ch, protocol.TypeAgentLeft, agentID)
	return nil
}

// Create registers a new channel with the creator as its first member. An
// invite-only channel starts with the creator on its invite set.
func (e *Engine) Create(name string, inviteOnly bool, s *session.Session) (*JoinResult, error) {
	agentID := s.AgentID()

	e.mu.Lock()
	if _, taken := e.channels[name]; taken {
		e.mu.Unlock()
		return nil, ErrExists
	}
	ch := newChannel(name, inviteOnly, e.replayWindow)
	e.channels[name] = ch
	open := len(e.channels)
	e.mu.Unlock()

	ch.mu.Lock()
	if inviteOnly {
		ch.invited[agentID] = struct{}{}
	}
	if !s.AddChannel(name) {
		ch.mu.Unlock()
		e.mu.Lock()
		delete(e.channels, name)
		e.mu.Unlock()
		return nil, ErrClosed
	}
	ch.members[agentID] = s
	members := ch.memberIDs()
	ch.mu.Unlock()

	e.metrics.SetChannelsOpen(open)
	e.logger.Printf("channel created: name=%s invite_only=%v creator=%s", name, inviteOnly, agentID)
	return &JoinResult{Channel: name, Members: members}, nil
}

// Invite adds an agent id to a channel's invite set. The inviter must be a
// member. Offline agents may be invited; the invite holds until used.
func (e *Engine) Invite(name string, inviter *session.Session, targetID string) error {
	ch, ok := e.get(name)
	if !ok {
		return ErrNotFound
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, member := ch.members[inviter.AgentID()]; !member {
		return ErrNotMember
	}
	ch.invited[targetID] = struct{}{}
	return nil
}

// Invited reports whether the agent id may join the named channel.
func (e *Engine) Invited(name, agentID string) bool {
	ch, ok := e.get(name)
	if !ok {
		return false
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if !ch.inviteOnly {
		return true
	}
	_, invited := ch.invited[agentID]
	return invited
}

// Member reports whether the agent id is currently in the channel.
func (e *Engine) Member(name, agentID string) bool {
	ch, ok := e.get(name)
	if !ok {
		return false
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	_, member := ch.members[agentID]
	return member
}

// Members returns the channel's member sessions, sorted by agent id.
func (e *Engine) Members(name string) ([]*session.Session, error) {
	ch, ok := e.get(name)
	if !ok {
		return nil, ErrNotFound
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]*session.Session, 0, len(ch.members))
	for _, s := range ch.members {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID() < out[j].AgentID() })
	return out, nil
}

// Broadcast fans a frame out to every member of the channel, sender
// included. MSG frames enter the replay buffer; presence notices do not.
// The sender must be a member.
func (e *Engine) Broadcast(name, from string, f *protocol.Frame) (int, error) {
	ch, ok := e.get(name)
	if !ok {
		return 0, ErrNotFound
	}

	f.Stamp()
	raw, err := protocol.Encode(f)
	if err != nil {
		return 0, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, member := ch.members[from]; !member {
		return 0, ErrNotMember
	}
	if f.Type == protocol.TypeMsg {
		ch.record(f)
	}
	n := ch.fanOut(raw, "")
	e.metrics.RecordBroadcast(n)
	return n, nil
}

// BroadcastPresence tells every channel the agent is in about a presence
// change.
func (e *Engine) BroadcastPresence(s *session.Session, status string) {
	agentID := s.AgentID()
	for _, name := range s.Channels() {
		ch, ok := e.get(name)
		if !ok {
			continue
		}
		f := &protocol.Frame{
			Type:    protocol.TypePresenceChanged,
			Channel: name,
			Agent:   protocol.FormatAgent(agentID),
			Status:  status,
		}
		f.Stamp()
		raw, err := protocol.Encode(f)
		if err != nil {
			continue
		}
		ch.mu.Lock()
		if _, member := ch.members[agentID]; member {
			ch.fanOut(raw, "")
		}
		ch.mu.Unlock()
	}
}

// DropSession removes the session from every channel it joined, announcing
// each departure. Implements the session manager's detach hook, so it also
// runs for evicted and disconnected sessions.
func (e *Engine) DropSession(s *session.Session) {
	agentID := s.AgentID()
	if agentID == "" {
		return
	}
	for _, name := range s.Channels() {
		ch, ok := e.get(name)
		if !ok {
			continue
		}
		ch.mu.Lock()
		if cur, member := ch.members[agentID]; member && cur == s {
			delete(ch.members, agentID)
			e.announceLocked(ch, protocol.TypeAgentLeft, agentID)
		}
		ch.mu.Unlock()
		s.RemoveChannel(name)
	}
}

// List returns the public channel directory, sorted by name.
func (e *Engine) List() []protocol.ChannelInfo {
	e.mu.RLock()
	channels := make([]*Channel, 0, len(e.channels))
	for _, ch := range e.channels {
		channels = append(channels, ch)
	}
	e.mu.RUnlock()

	out := make([]protocol.ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		if ch.inviteOnly {
			continue
		}
		out = append(out, protocol.ChannelInfo{Name: ch.name, Members: ch.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of channels, invite-only included.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}

// announceLocked fans a membership notice out to the channel's current
// members and records it in the replay window. Caller holds the channel lock.
func (e *Engine) announceLocked(ch *Channel, typ, agentID string) {
	f := &protocol.Frame{Type: typ, Channel: ch.name, Agent: protocol.FormatAgent(agentID)}
	f.Stamp()
	raw, err := protocol.Encode(f)
	if err != nil {
		return
	}
	ch.record(f)
	ch.fanOut(raw, "")
}
