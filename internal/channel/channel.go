// Package channel implements named broadcast domains: membership, invite
// gating, replay buffers and fan-out to member write queues.
package channel

import (
	"sync"

	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/session"
)

// Channel is one broadcast domain. The mutex is the channel's serialization
// point: membership changes and fan-outs run under it, so every member
// observes broadcasts in the same order. Enqueues are non-blocking, which
// keeps the critical section free of network writes.
type Channel struct {
	name       string
	inviteOnly bool

	mu      sync.RWMutex
	members map[string]*session.Session // agent id -> session
	invited map[string]struct{}         // agent ids allowed into invite-only channels
	replay  []*protocol.Frame
	limit   int
}

func newChannel(name string, inviteOnly bool, replayLimit int) *Channel {
	return &Channel{
		name:       name,
		inviteOnly: inviteOnly,
		members:    make(map[string]*session.Session),
		invited:    make(map[string]struct{}),
		replay:     make([]*protocol.Frame, 0, replayLimit),
		limit:      replayLimit,
	}
}

// Name returns the channel name, including the # prefix.
func (c *Channel) Name() string { return c.name }

// InviteOnly reports whether joining requires a prior invite.
func (c *Channel) InviteOnly() bool { return c.inviteOnly }

// Size returns the current member count.
func (c *Channel) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// record appends a frame to the replay ring, evicting the oldest entry once
// the window is full.
func (c *Channel) record(f *protocol.Frame) {
	if c.limit <= 0 {
		return
	}
	if len(c.replay) >= c.limit {
		copy(c.replay, c.replay[1:])
		c.replay[len(c.replay)-1] = f
		return
	}
	c.replay = append(c.replay, f)
}

// replayCopies returns the buffered frames flagged for replay delivery.
// Caller holds the channel lock.
func (c *Channel) replayCopies() []*protocol.Frame {
	out := make([]*protocol.Frame, len(c.replay))
	for i, f := range c.replay {
		out[i] = f.ReplayCopy()
	}
	return out
}

// fanOut delivers an encoded frame to every member except the excluded agent
// id. Caller holds the channel lock; enqueues never block.
func (c *Channel) fanOut(raw []byte, exclude string) int {
	n := 0
	for id, member := range c.members {
		if id == exclude {
			continue
		}
		if member.SendRaw(raw) {
			n++
		}
	}
	return n
}

// memberIDs returns the wire-form ids of current members. Caller holds the
// channel lock.
func (c *Channel) memberIDs() []string {
	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, protocol.FormatAgent(id))
	}
	return out
}
