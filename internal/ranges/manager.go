package ranges

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
)

// insertBatchSize bounds the number of rows written per Insert call while
// building the partition space.
const insertBatchSize = 1000

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// MaxRequeues is the number of automatic retries a range may consume.
	// Zero means MaxRequeues.
	MaxRequeues uint32

	// DryRun makes administrative operations report what they would change
	// without writing. State transitions driven by the processing loop are
	// still recorded.
	DryRun bool
}

// ProgressFunc is called after each batch of ranges is written by BuildRanges.
type ProgressFunc func(done, total int)

// Manager performs administrative and state-transition operations on ranges.
type Manager struct {
	store       Store
	maxRequeues uint32
	dryRun      bool
	now         func() time.Time
	intN        func(n int) int
	log         *slog.Logger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source used for processing times and windows.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRandom overrides the random source used for claim ordering keys.
// intN must return a value in [0, n).
func WithRandom(intN func(n int) int) ManagerOption {
	return func(m *Manager) { m.intN = intN }
}

// NewManager creates a lifecycle manager over store.
func NewManager(store Store, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	maxRequeues := cfg.MaxRequeues
	if maxRequeues == 0 {
		maxRequeues = MaxRequeues
	}
	m := &Manager{
		store:       store,
		maxRequeues: maxRequeues,
		dryRun:      cfg.DryRun,
		now:         time.Now,
		intN:        rand.Intn,
		log:         logging.Component("range-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxRequeues returns the configured retry cap.
func (m *Manager) MaxRequeues() uint32 {
	return m.maxRequeues
}

// BuildRanges wipes the store and inserts one Free range per hex prefix of
// prefixLength. It returns the number of ranges created. This must not run
// while workers are active.
func (m *Manager) BuildRanges(ctx context.Context, prefixLength int, progress ProgressFunc) (int, error) {
	prefixes, err := Prefixes(prefixLength)
	if err != nil {
		return 0, err
	}
	total := len(prefixes)

	if m.dryRun {
		existing, err := m.store.Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("count ranges: %w", err)
		}
		m.log.Info("dry run: would rebuild ranges", "existing", existing, "ranges", total)
		return total, nil
	}

	deleted, err := m.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear ranges: %w", err)
	}
	if deleted > 0 {
		m.log.Info("cleared existing ranges", "deleted", deleted)
	}

	batch := make([]Range, 0, insertBatchSize)
	done := 0
	for _, prefix := range prefixes {
		batch = append(batch, Range{
			Prefix:    prefix,
			RandomKey: m.randomKey(InitialKeyMin, InitialKeyMax),
		})
		if len(batch) < insertBatchSize {
			continue
		}
		if err := m.store.Insert(ctx, batch); err != nil {
			return done, fmt.Errorf("insert ranges: %w", err)
		}
		done += len(batch)
		batch = batch[:0]
		if progress != nil {
			progress(done, total)
		}
	}
	if len(batch) > 0 {
		if err := m.store.Insert(ctx, batch); err != nil {
			return done, fmt.Errorf("insert ranges: %w", err)
		}
		done += len(batch)
		if progress != nil {
			progress(done, total)
		}
	}

	m.log.Info("built ranges", "prefix_length", prefixLength, "ranges", done)
	return done, nil
}

// ResetAllRanges returns every range to Free and reports how many rows changed.
func (m *Manager) ResetAllRanges(ctx context.Context) (int64, error) {
	if m.dryRun {
		n, err := m.store.Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("count ranges: %w", err)
		}
		m.log.Info("dry run: would reset all ranges", "ranges", n)
		return n, nil
	}
	n, err := m.store.ResetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset all ranges: %w", err)
	}
	return n, nil
}

// ResetRange returns a single range to Free and clears its retry count.
func (m *Manager) ResetRange(ctx context.Context, prefix string) error {
	r, err := m.store.Get(ctx, prefix)
	if err != nil {
		return fmt.Errorf("reset range %q: %w", prefix, err)
	}
	if m.dryRun {
		m.log.Info("dry run: would reset range", "prefix", prefix, "state", r.State().String())
		return nil
	}

	r.Hostname = ""
	r.Processing = false
	r.Processed = false
	r.Failed = false
	r.ProcessingTime = 0
	r.TotalItems = 0
	r.ProcessedItems = 0
	r.Error = ""
	r.LastObject = ""
	r.RequeueCount = 0
	if err := m.store.Save(ctx, r); err != nil {
		return fmt.Errorf("reset range %q: %w", prefix, err)
	}
	return nil
}

// ResetProcessingRanges frees every claimed range. Used to recover ranges
// left behind by crashed workers.
func (m *Manager) ResetProcessingRanges(ctx context.Context) (int64, error) {
	return m.resetWhere(ctx, ResetProcessing)
}

// ResetFailedRanges returns every failed range to Free.
func (m *Manager) ResetFailedRanges(ctx context.Context) (int64, error) {
	return m.resetWhere(ctx, ResetFailed)
}

func (m *Manager) resetWhere(ctx context.Context, filter ResetFilter) (int64, error) {
	if m.dryRun {
		n, err := m.store.CountWhere(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("count %s ranges: %w", filter, err)
		}
		m.log.Info("dry run: would reset ranges", "filter", filter.String(), "ranges", n)
		return n, nil
	}
	n, err := m.store.ResetWhere(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("reset %s ranges: %w", filter, err)
	}
	return n, nil
}

// ListFailedRanges returns up to limit failed ranges.
func (m *Manager) ListFailedRanges(ctx context.Context, limit int) ([]Summary, error) {
	out, err := m.store.ListFailed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed ranges: %w", err)
	}
	return out, nil
}

// ListRequeuedRanges returns ranges that were requeued within the trailing
// window of minutes and have not reached a terminal state since.
func (m *Manager) ListRequeuedRanges(ctx context.Context, minutes int) ([]Summary, error) {
	since := m.now().Add(-time.Duration(minutes) * time.Minute)
	out, err := m.store.ListRequeued(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list requeued ranges: %w", err)
	}
	return out, nil
}

// MarkProcessed moves a claimed range to the Succeeded state.
func (m *Manager) MarkProcessed(ctx context.Context, r *Range, started time.Time, rangeData []byte) error {
	r.ProcessingTime = m.elapsed(started)
	r.RangeData = rangeData
	r.Processing = false
	r.Processed = true
	if err := m.store.Save(ctx, r); err != nil {
		return fmt.Errorf("mark range %s processed: %w", r.Prefix, err)
	}
	return nil
}

// MarkFailed moves a claimed range to the Failed state. ProcessingTime is
// always reset to zero on this path.
func (m *Manager) MarkFailed(ctx context.Context, r *Range, started time.Time, errMsg string) error {
	r.Processing = false
	r.Processed = true
	r.Failed = true
	r.ProcessingTime = 0
	r.Error = errMsg
	if err := m.store.Save(ctx, r); err != nil {
		return fmt.Errorf("mark range %s failed: %w", r.Prefix, err)
	}
	return nil
}

// Requeue returns a claimed range to the Free pool behind all untried ranges.
// Once the range has used up its retries it is failed instead, and the
// returned bool is true.
func (m *Manager) Requeue(ctx context.Context, r *Range, started time.Time, errMsg string) (bool, error) {
	r.ProcessingTime = m.elapsed(started)
	if r.RequeueCount >= m.maxRequeues {
		m.log.Warn("range exceeded requeue limit, failing",
			"prefix", r.Prefix,
			"requeue_count", r.RequeueCount,
			"max_requeues", m.maxRequeues,
		)
		return true, m.MarkFailed(ctx, r, started, errMsg)
	}

	m.log.Info("requeueing range", "prefix", r.Prefix, "requeue_count", r.RequeueCount+1)
	r.RequeueCount++
	r.Error = errMsg
	r.Processing = false
	r.Processed = false
	r.Failed = false
	r.ProcessingTime = 0
	r.RandomKey = m.randomKey(RequeueKeyMin, RequeueKeyMax)
	if err := m.store.Save(ctx, r); err != nil {
		return false, fmt.Errorf("requeue range %s: %w", r.Prefix, err)
	}
	return false, nil
}

func (m *Manager) elapsed(started time.Time) int64 {
	if started.IsZero() {
		return 0
	}
	return int64(m.now().Sub(started) / time.Second)
}

// randomKey returns a uniformly random key in [lo, hi].
func (m *Manager) randomKey(lo, hi int) int {
	return lo + m.intN(hi-lo+1)
}
