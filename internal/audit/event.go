package audit

import (
	"time"
)

const (
	EventVersion = "1.0"
	EventType    = "range_transition"
)

// Event is one audited range transition.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`

	Range    RangeInfo    `json:"range"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// RangeInfo captures the range record as the transition left it.
type RangeInfo struct {
	Table          string `json:"table"`
	Prefix         string `json:"prefix"`
	Outcome        string `json:"outcome"`
	Hostname       string `json:"hostname"`
	Instance       string `json:"instance"`
	RequeueCount   uint32 `json:"requeue_count"`
	TotalItems     int64  `json:"total_items"`
	ProcessedItems int64  `json:"processed_items"`
	ProcessingTime int64  `json:"processing_time"`
	LastObject     string `json:"last_object,omitempty"`
	StateChecksum  string `json:"state_checksum,omitempty"` // sha256 of the policy range data
	Error          string `json:"error,omitempty"`
}

// ProducerInfo identifies the software that recorded the event.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links each event to the previous one from the same worker.
type ChainInfo struct {
	Sequence      uint64 `json:"sequence"` // position in the worker chain, from 1
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain this range's events belong to. Each worker
// identity keeps its own chain so concurrent workers never share a head.
func (r RangeInfo) ChainKey() string {
	return r.Table + "/" + r.Hostname + "/" + r.Instance
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
