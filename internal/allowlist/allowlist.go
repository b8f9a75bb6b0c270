// Package allowlist gates persistent identities behind operator approval and
// authenticates the admin frames that manage the list.
package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/protocol"
)

var (
	// ErrBadAdminKey is returned when the operator key does not match, or no
	// key is configured at all.
	ErrBadAdminKey = errors.New("admin key rejected")

	// ErrNotFound is returned when revoking an identifier that is not listed.
	ErrNotFound = errors.New("identifier not on the allowlist")
)

// Entry is one approved public key.
type Entry struct {
	Pubkey     string    `json:"pubkey"`
	AgentID    string    `json:"agent_id"`
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
	Note       string    `json:"note,omitempty"`
}

// Config holds the allowlist settings.
type Config struct {
	// Enabled makes the session layer consult Approved on IDENTIFY.
	Enabled bool
	// Strict additionally refuses ephemeral (keyless) sessions.
	Strict bool
	// AdminKey is the plaintext operator key from configuration. Only its
	// bcrypt hash is kept in memory; an empty key disables admin frames.
	AdminKey string
	// DataDir is where allowlist.json lives.
	DataDir string
}

// Store is the persisted allowlist. Approvals survive restarts via
// allowlist.json, written atomically on every change.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry // keyed by base64 pubkey

	enabled bool
	strict  bool
	keyHash []byte
	path    string
	logger  *log.Logger
}

// NewStore loads allowlist.json from dataDir (creating the directory as
// needed) and hashes the admin key.
func NewStore(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		entries: make(map[string]*Entry),
		enabled: cfg.Enabled,
		strict:  cfg.Strict,
		path:    filepath.Join(cfg.DataDir, "allowlist.json"),
		logger:  log.New(log.Writer(), "[Allowlist] ", log.LstdFlags),
	}

	if cfg.AdminKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin key: %w", err)
		}
		s.keyHash = hash
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := json.Unmarshal(data, &s.entries); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.logger.Printf("loaded %d approved pubkeys from %s", len(s.entries), s.path)
	return nil
}

// persistUnsafe writes allowlist.json atomically: temp file, fsync, rename.
// Must be called with the writer lock held.
func (s *Store) persistUnsafe() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

// ============================================================================
// SESSION GATE
// ============================================================================

// Enabled reports whether IDENTIFY consults the allowlist.
func (s *Store) Enabled() bool { return s.enabled }

// Strict reports whether keyless sessions are refused outright.
func (s *Store) Strict() bool { return s.strict }

// Approved reports whether a pubkey may identify while the list is enabled.
func (s *Store) Approved(pubkeyB64 string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[pubkeyB64]
	return ok
}

// ============================================================================
// ADMIN OPERATIONS
// ============================================================================

// CheckAdmin verifies the operator key. With no key configured every admin
// frame is rejected.
func (s *Store) CheckAdmin(key string) error {
	if len(s.keyHash) == 0 {
		return ErrBadAdminKey
	}
	if err := bcrypt.CompareHashAndPassword(s.keyHash, []byte(key)); err != nil {
		return ErrBadAdminKey
	}
	return nil
}

// Approve adds a pubkey to the allowlist, replacing any earlier approval.
// approvedBy records which admin session performed it.
func (s *Store) Approve(key, pubkeyB64, approvedBy, note string) (*Entry, error) {
	if err := s.CheckAdmin(key); err != nil {
		return nil, err
	}
	pub, err := identity.ParsePubkey(pubkeyB64)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.entries[pubkeyB64]
	e := &Entry{
		Pubkey:     pubkeyB64,
		AgentID:    identity.DeriveAgentID(pub),
		ApprovedBy: approvedBy,
		ApprovedAt: time.Now(),
		Note:       note,
	}
	s.entries[pubkeyB64] = e

	if err := s.persistUnsafe(); err != nil {
		if prev != nil {
			s.entries[pubkeyB64] = prev
		} else {
			delete(s.entries, pubkeyB64)
		}
		return nil, err
	}

	s.logger.Printf("pubkey approved: agent=%s by=%s", e.AgentID, approvedBy)
	out := *e
	return &out, nil
}

// Revoke removes an approval by pubkey or by derived agent id.
func (s *Store) Revoke(key, identifier string) (*Entry, error) {
	if err := s.CheckAdmin(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found, ok := s.entries[identifier]
	if !ok {
		for _, e := range s.entries {
			if e.AgentID == identifier {
				found = e
				break
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}

	delete(s.entries, found.Pubkey)
	if err := s.persistUnsafe(); err != nil {
		s.entries[found.Pubkey] = found
		return nil, err
	}

	s.logger.Printf("pubkey revoked: agent=%s", found.AgentID)
	out := *found
	return &out, nil
}

// List returns the approvals in approval order, oldest first.
func (s *Store) List(key string) ([]protocol.AllowlistEntry, error) {
	if err := s.CheckAdmin(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.AllowlistEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, protocol.AllowlistEntry{
			Pubkey:     e.Pubkey,
			AgentID:    e.AgentID,
			ApprovedBy: e.ApprovedBy,
			ApprovedAt: e.ApprovedAt.UnixMilli(),
			Note:       e.Note,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ApprovedAt != out[j].ApprovedAt {
			return out[i].ApprovedAt < out[j].ApprovedAt
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

// Count returns the number of approved pubkeys, for health reports.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
