// Package client is a minimal Go SDK for the AgentChat wire protocol: dial
// the relay's line transport, identify (ephemeral or Ed25519-backed), and
// exchange framed JSON.
//
// Quick start:
//
//	c, err := client.Dial(client.Config{Addr: "localhost:6667", Name: "alice"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	if err := c.Identify(); err != nil {
//	    log.Fatal(err)
//	}
//	c.Join("#general")
//	c.Say("#general", "hello")
//
// Persistent identities prove an Ed25519 key at connect:
//
//	pub, priv, _ := client.NewKeypair()
//	c.IdentifyWithKey(priv)     // answers the relay's challenge with priv
package client

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const maxFrameBytes = 512 * 1024

// Config holds the connection settings.
type Config struct {
	// Addr is the relay's line-transport address, e.g. "localhost:6667".
	Addr string

	// Name is the display name presented at IDENTIFY.
	Name string

	// Timeout bounds Dial and each frame read (default 5s).
	Timeout time.Duration
}

// Client is a single connection to an AgentChat relay. Not safe for
// concurrent use; run one goroutine per client.
type Client struct {
	cfg     Config
	conn    net.Conn
	sc      *bufio.Scanner
	w       *bufio.Writer
	agentID string
	server  string
}

// Dial connects to the relay's line transport. Identify (or IdentifyWithKey)
// must complete before any other frame is accepted.
func Dial(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", cfg.Addr, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &Client{
		cfg:  cfg,
		conn: conn,
		sc:   sc,
		w:    bufio.NewWriter(conn),
	}, nil
}

// AgentID returns the bare agent id assigned at WELCOME.
func (c *Client) AgentID() string { return c.agentID }

// WireID returns the @-prefixed agent id used on the wire.
func (c *Client) WireID() string {
	if c.agentID == "" {
		return ""
	}
	return "@" + c.agentID
}

// Server returns the relay name from the WELCOME frame.
func (c *Client) Server() string { return c.server }

// Close tears the connection down.
func (c *Client) Close() error { return c.conn.Close() }

// ============================================================================
// FRAME I/O
// ============================================================================

// Send encodes and writes one frame.
func (c *Client) Send(f *Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Type, err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return err
	}
	if _, err := c.w.Write(raw); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// Next reads the next frame, blocking up to the configured timeout.
func (c *Client) Next() (*Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return nil, err
	}
	for {
		if !c.sc.Scan() {
			if err := c.sc.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(c.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return &f, nil
	}
}

// Expect reads frames until one of the wanted types arrives, skipping
// everything else. An ERROR frame fails the call unless ERROR itself is
// wanted.
func (c *Client) Expect(types ...string) (*Frame, error) {
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	for {
		f, err := c.Next()
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", strings.Join(types, "|"), err)
		}
		if wanted[f.Type] {
			return f, nil
		}
		if f.Type == TypeError {
			return nil, fmt.Errorf("relay error %s: %s", f.Code, f.Message)
		}
	}
}

// ============================================================================
// IDENTIFICATION
// ============================================================================

// Identify claims an ephemeral identity: no pubkey, random agent id.
func (c *Client) Identify() error {
	if err := c.Send(&Frame{Type: TypeIdentify, Name: c.cfg.Name}); err != nil {
		return err
	}
	w, err := c.Expect(TypeWelcome)
	if err != nil {
		return err
	}
	c.welcome(w)
	return nil
}

// IdentifyWithKey proves an Ed25519 identity: present the pubkey, answer the
// relay's challenge with a signature over the canonical auth string, collect
// the derived agent id.
func (c *Client) IdentifyWithKey(priv ed25519.PrivateKey) error {
	pub := priv.Public().(ed25519.PublicKey)
	if err := c.Send(&Frame{Type: TypeIdentify, Name: c.cfg.Name, Pubkey: EncodePubkey(pub)}); err != nil {
		return err
	}
	ch, err := c.Expect(TypeChallenge)
	if err != nil {
		return err
	}
	sig := Sign(priv, AuthSigningString(ch.Nonce, ch.ChallengeID, ch.ServerTime))
	if err := c.Send(&Frame{Type: TypeVerifyIdentity, ChallengeID: ch.ChallengeID, Signature: sig}); err != nil {
		return err
	}
	w, err := c.Expect(TypeWelcome)
	if err != nil {
		return err
	}
	c.welcome(w)
	return nil
}

func (c *Client) welcome(f *Frame) {
	c.agentID = strings.TrimPrefix(f.AgentID, "@")
	c.server = f.Server
}

// ============================================================================
// CONVENIENCE OPERATIONS
// ============================================================================

// Join enters a channel and returns the JOINED roster.
func (c *Client) Join(channel string) (*Frame, error) {
	if err := c.Send(&Frame{Type: TypeJoin, Channel: channel}); err != nil {
		return nil, err
	}
	return c.Expect(TypeJoined)
}

// Say sends a chat message to a #channel or @agent. Delivery is confirmed by
// the echoed MSG, which Say leaves on the stream for the caller to read.
func (c *Client) Say(to, content string) error {
	return c.Send(&Frame{Type: TypeMsg, To: to, Content: content})
}

// Ping round-trips a protocol-level liveness check.
func (c *Client) Ping() error {
	if err := c.Send(&Frame{Type: TypePing}); err != nil {
		return err
	}
	_, err := c.Expect(TypePong)
	return err
}
