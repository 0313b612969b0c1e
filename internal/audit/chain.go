package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ChainHeadsFile holds the head of every worker chain in the audit dir.
const ChainHeadsFile = "chain-heads.json"

var (
	// ErrNoChainHead indicates the worker has not recorded an event yet.
	ErrNoChainHead = errors.New("no chain head found")

	// ErrChainBroken is returned by Verify for an edited, missing or
	// reordered event.
	ErrChainBroken = errors.New("audit chain broken")
)

// ComputeEventHash hashes the event's JSON encoding with event_hash cleared.
func ComputeEventHash(evt *Event) string {
	c := *evt
	c.Chain.EventHash = ""
	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ChecksumState returns the sha256 of a policy's range data, or "" for none.
func ChecksumState(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ChainHead is the last accepted event of one worker chain.
type ChainHead struct {
	EventHash string `json:"event_hash"`
	Sequence  uint64 `json:"sequence"`
}

// Chains links events into per-worker chains and persists their heads so a
// restarted worker continues where it stopped.
type Chains struct {
	mu    sync.Mutex
	heads map[string]ChainHead
	path  string
}

// OpenChains loads the chain heads kept in dir, creating dir if needed.
func OpenChains(dir string) (*Chains, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	c := &Chains{
		heads: make(map[string]ChainHead),
		path:  filepath.Join(dir, ChainHeadsFile),
	}
	data, err := os.ReadFile(c.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &c.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads: %w", err)
		}
	}
	return c, nil
}

// Head returns the head of the chain that key names.
func (c *Chains) Head(key string) (ChainHead, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.heads[key]
	if !ok || h.EventHash == "" {
		return ChainHead{}, ErrNoChainHead
	}
	return h, nil
}

// Link places evt after the current head of its worker chain and seals it.
// The head does not move until Advance.
func (c *Chains) Link(evt *Event) {
	c.mu.Lock()
	h := c.heads[evt.Range.ChainKey()]
	c.mu.Unlock()

	evt.Chain.Sequence = h.Sequence + 1
	evt.SetChainHashes(h.EventHash)
}

// Advance makes the sealed evt the head of its chain and persists all heads.
func (c *Chains) Advance(evt *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.heads[evt.Range.ChainKey()] = ChainHead{
		EventHash: evt.Chain.EventHash,
		Sequence:  evt.Chain.Sequence,
	}
	data, err := json.MarshalIndent(c.heads, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain heads: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write chain heads: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename chain heads: %w", err)
	}
	return nil
}

// VerifyResult summarizes a verified event set.
type VerifyResult struct {
	Events int
	Chains int
}

// Verify checks every event hash and that each worker chain is gap free:
// within a chain, sorted by sequence, every event must follow its
// predecessor's hash and sequence. The lowest sequence seen for a chain is
// trusted as its start, so an audit dir pruned from the front still verifies.
func Verify(events []Event) (VerifyResult, error) {
	chains := make(map[string][]*Event)
	for i := range events {
		evt := &events[i]
		if got := ComputeEventHash(evt); got != evt.Chain.EventHash {
			return VerifyResult{}, fmt.Errorf("%w: event %s hash %s does not match its content",
				ErrChainBroken, evt.EventID, evt.Chain.EventHash)
		}
		key := evt.Range.ChainKey()
		chains[key] = append(chains[key], evt)
	}
	for key, chain := range chains {
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].Chain.Sequence < chain[j].Chain.Sequence })
		for i := 1; i < len(chain); i++ {
			prev, evt := chain[i-1], chain[i]
			if evt.Chain.Sequence != prev.Chain.Sequence+1 || evt.Chain.PrevEventHash != prev.Chain.EventHash {
				return VerifyResult{}, fmt.Errorf("%w: chain %s: event %s (sequence %d) does not follow event %s (sequence %d)",
					ErrChainBroken, key, evt.EventID, evt.Chain.Sequence, prev.EventID, prev.Chain.Sequence)
			}
		}
	}
	return VerifyResult{Events: len(events), Chains: len(chains)}, nil
}

// GenerateEventID creates a unique event ID.
func GenerateEventID() string {
	return "evt_" + uuid.NewString()
}
