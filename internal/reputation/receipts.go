package reputation

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Receipt types.
const (
	ReceiptComplete = "COMPLETE"
	ReceiptDispute  = "DISPUTE"
	ReceiptFallback = "FALLBACK"
	ReceiptForfeit  = "FORFEIT"
)

// Receipt is the immutable record of a settlement. Appended to
// receipts.jsonl, never rewritten.
type Receipt struct {
	Type       string         `json:"type"`
	ProposalID string         `json:"proposal_id,omitempty"`
	DisputeID  string         `json:"dispute_id,omitempty"`
	Verdict    string         `json:"verdict,omitempty"`
	Parties    []string       `json:"parties"`
	Amount     float64        `json:"amount,omitempty"`
	Currency   string         `json:"currency,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Proof      string         `json:"proof,omitempty"`
	Deltas     map[string]int `json:"deltas"`
	Clamped    []string       `json:"clamped,omitempty"`
	Timestamp  time.Time      `json:"ts"`
}

// ReceiptLog is the append-only settlement log. Appends take an exclusive
// file lock so concurrent writers (or a second relay process sharing the
// data dir) never interleave partial lines.
type ReceiptLog struct {
	mu   sync.Mutex
	path string
}

// NewReceiptLog creates the log at dir/receipts.jsonl.
func NewReceiptLog(dir string) (*ReceiptLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ReceiptLog{path: filepath.Join(dir, "receipts.jsonl")}, nil
}

// Append writes one receipt as a JSON line and fsyncs.
func (l *ReceiptLog) Append(r *Receipt) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return atomicAppend(l.path, data)
}

// ReadAll returns every receipt in append order. A missing file reads as
// empty.
func (l *ReceiptLog) ReadAll() ([]Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var receipts []Receipt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Receipt
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, scanner.Err()
}

// Path returns the backing file location.
func (l *ReceiptLog) Path() string {
	return l.path
}

func atomicAppend(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}

	return f.Sync()
}
