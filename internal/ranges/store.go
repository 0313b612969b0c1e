package ranges

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// ResetFilter selects the rows a partial reset applies to.
type ResetFilter uint8

const (
	// ResetProcessing matches ranges with processing=true.
	ResetProcessing ResetFilter = iota + 1
	// ResetFailed matches ranges with failed=true.
	ResetFailed
)

func (f ResetFilter) String() string {
	switch f {
	case ResetProcessing:
		return "processing"
	case ResetFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store is the shared relational table of ranges. It is the only
// synchronization medium between workers.
type Store interface {
	// DeleteAll removes every range and returns the number of rows deleted.
	DeleteAll(ctx context.Context) (int64, error)

	// Insert bulk-inserts new ranges.
	Insert(ctx context.Context, rs []Range) error

	// Get loads a range by prefix. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, prefix string) (*Range, error)

	// Save writes every mutable field of r back to its row and bumps UpdatedAt.
	// Returns ErrNotFound if the prefix does not exist.
	Save(ctx context.Context, r *Range) error

	// ResetAll returns every range to Free, clearing hostname, processing,
	// processed, failed, processingTime, totalItems, processedItems, error and
	// lastObject. Prefixes and requeueCount are untouched.
	ResetAll(ctx context.Context) (int64, error)

	// ResetWhere clears processing, processed, failed, hostname and
	// instanceName on rows matching the filter.
	ResetWhere(ctx context.Context, filter ResetFilter) (int64, error)

	// CountWhere counts the rows a ResetWhere with the same filter would touch.
	CountWhere(ctx context.Context, filter ResetFilter) (int64, error)

	// Count returns the total number of ranges.
	Count(ctx context.Context) (int64, error)

	// FindClaimed returns the range currently claimed by hostname/instanceName.
	// Returns ErrNotFound if the identity holds no range.
	FindClaimed(ctx context.Context, hostname, instanceName string) (*Range, error)

	// ClaimNext atomically marks at most one Free range, lowest randomKey
	// first, as processing by hostname/instanceName. It reports whether a row
	// was updated. Concurrent callers never update the same row.
	ClaimNext(ctx context.Context, hostname, instanceName string) (bool, error)

	// ListFailed returns up to limit failed ranges. A limit <= 0 is unbounded.
	ListFailed(ctx context.Context, limit int) ([]Summary, error)

	// ListRequeued returns non-terminal ranges with requeueCount > 0 updated at
	// or after since.
	ListRequeued(ctx context.Context, since time.Time) ([]Summary, error)

	Close() error
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTableName ensures a table override can be interpolated into SQL.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	return nil
}
