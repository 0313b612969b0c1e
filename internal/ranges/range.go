// Package ranges models the hex-prefix partitions of a bucket's key space and
// the state transitions a range goes through while workers process it.
package ranges

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTable is the table that holds ranges unless overridden in config.
const DefaultTable = "bucket_ranges"

// MaxRequeues is the default number of automatic retries before a range is
// forced into the Failed state.
const MaxRequeues = 50

// Claim ordering keys. Fresh ranges draw from [1, 10000]; requeued ranges draw
// from [10000, 12000] so they sort after work that has never been attempted.
const (
	InitialKeyMin = 1
	InitialKeyMax = 10000
	RequeueKeyMin = 10000
	RequeueKeyMax = 12000
)

var (
	// ErrNotFound is returned when a prefix does not exist in the store.
	ErrNotFound = errors.New("range not found")

	// ErrNoFreeRange is returned by a claim when every range is claimed or terminal.
	ErrNoFreeRange = errors.New("no free range available")

	// ErrInvalidPrefixLength is returned when building ranges with an unusable length.
	ErrInvalidPrefixLength = errors.New("invalid prefix length")

	// ErrInvalidTableName is returned when a table override is not a plain identifier.
	ErrInvalidTableName = errors.New("invalid table name")
)

// State is the logical state of a range derived from its flags.
type State uint8

const (
	StateUnknown State = iota

	// Free ranges can be claimed by any worker.
	StateFree

	// Claimed ranges are owned by exactly one hostname/instance pair until they
	// reach a terminal state or an operator resets them.
	StateClaimed

	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateClaimed:
		return "claimed"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Range is one partition of the bucket key space. Prefix is the primary key.
type Range struct {
	Prefix         string
	Processing     bool
	Processed      bool
	Failed         bool
	Hostname       string
	InstanceName   string
	LastObject     string // checkpoint cursor, empty when nothing was checkpointed
	RangeData      []byte // opaque policy continuation state
	TotalItems     int64
	ProcessedItems int64
	ProcessingTime int64 // seconds spent on the most recent attempt
	RequeueCount   uint32
	RandomKey      int
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// State derives the logical state from the stored flags.
func (r *Range) State() State {
	switch {
	case r.Processing:
		return StateClaimed
	case r.Processed && r.Failed:
		return StateFailed
	case r.Processed:
		return StateSucceeded
	case !r.Processing && !r.Processed:
		return StateFree
	default:
		return StateUnknown
	}
}

// OwnedBy reports whether the range is claimed by the given worker identity.
func (r *Range) OwnedBy(hostname, instanceName string) bool {
	return r.Processing && r.Hostname == hostname && r.InstanceName == instanceName
}

// Summary is the row shape used by the failed/requeued reports.
type Summary struct {
	Prefix    string
	UpdatedAt time.Time
	Hostname  string
	Error     string
}

// Prefixes returns every lowercase hex string of the given length in
// ascending order, i.e. 16^length prefixes.
func Prefixes(length int) ([]string, error) {
	if length < 1 || length > MaxPrefixLength {
		return nil, fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidPrefixLength, length, MaxPrefixLength)
	}
	total := PrefixCount(length)
	out := make([]string, 0, total)
	for i := 0; i < total; i++ {
		out = append(out, fmt.Sprintf("%0*x", length, i))
	}
	return out, nil
}

// MaxPrefixLength bounds the partition space at 16^6 (~16.7M) rows.
const MaxPrefixLength = 6

// PrefixCount returns 16^length.
func PrefixCount(length int) int {
	return 1 << (4 * length)
}
