// Package processor runs the per-worker claim and processing loop.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/audit"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/metrics"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/policy"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/source"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/stats"
)

// DefaultBatchSize is the page size requested from the lister.
const DefaultBatchSize = 1000

// ErrStoppedOnFailure is returned by RunAll when StopOnFailure is set and a
// range ended in the Failed state.
var ErrStoppedOnFailure = errors.New("stopped after failed range")

// Outcome is how a ProcessRange call left the range.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeProcessed
	OutcomeFailed
	OutcomeRequeued
	// OutcomeEscalated means the range was due a requeue but had used up its
	// retries, so it was failed instead.
	OutcomeEscalated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return metrics.OutcomeProcessed
	case OutcomeFailed:
		return metrics.OutcomeFailed
	case OutcomeRequeued:
		return metrics.OutcomeRequeued
	case OutcomeEscalated:
		return metrics.OutcomeEscalated
	default:
		return "unknown"
	}
}

// Failed reports whether the range ended in the Failed state.
func (o Outcome) Failed() bool {
	return o == OutcomeFailed || o == OutcomeEscalated
}

// Config configures a Processor.
type Config struct {
	Hostname  string
	Instance  string
	BatchSize int

	// StopOnFailure ends RunAll after the first range that fails.
	StopOnFailure bool
}

// Processor claims ranges and drives them through the policy.
type Processor struct {
	cfg      Config
	store    ranges.Store
	manager  *ranges.Manager
	lister   source.Lister
	policy   policy.Policy
	reporter *stats.Reporter
	metrics  *metrics.Metrics
	audit    audit.Emitter
	now      func() time.Time
	log      *slog.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithReporter sets the stats reporter. Without one, a reporter that writes
// no artifacts is used.
func WithReporter(r *stats.Reporter) Option {
	return func(p *Processor) { p.reporter = r }
}

// WithMetrics enables Prometheus observations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithAuditor records every range transition with e.
func WithAuditor(e audit.Emitter) Option {
	return func(p *Processor) { p.audit = e }
}

// WithClock overrides the time source used for range start times and
// latency metrics.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLogger overrides the worker logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// New creates a Processor for one worker identity.
func New(cfg Config, store ranges.Store, manager *ranges.Manager, lister source.Lister, pol policy.Policy, opts ...Option) (*Processor, error) {
	if cfg.Hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}
	if store == nil || manager == nil || lister == nil || pol == nil {
		return nil, fmt.Errorf("store, manager, lister and policy are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	p := &Processor{
		cfg:     cfg,
		store:   store,
		manager: manager,
		lister:  lister,
		policy:  pol,
		now:     time.Now,
		log:     logging.WorkerLogger(cfg.Hostname, cfg.Instance),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.reporter == nil {
		p.reporter = stats.NewReporter(stats.Config{Hostname: cfg.Hostname, Instance: cfg.Instance}, nil)
	}
	if p.audit == nil {
		p.audit = audit.Noop()
	}
	return p, nil
}

// Claim returns the range this worker already holds, or claims a new one.
// It returns ranges.ErrNoFreeRange when nothing is left to claim.
func (p *Processor) Claim(ctx context.Context) (*ranges.Range, error) {
	start := p.now()

	r, err := p.store.FindClaimed(ctx, p.cfg.Hostname, p.cfg.Instance)
	switch {
	case err == nil:
		p.metrics.ObserveClaim(p.now().Sub(start), true, true)
		p.log.Info("resuming claimed range", "prefix", r.Prefix, "last_object", r.LastObject)
		return r, nil
	case !errors.Is(err, ranges.ErrNotFound):
		return nil, fmt.Errorf("find claimed range: %w", err)
	}

	claimed, err := p.store.ClaimNext(ctx, p.cfg.Hostname, p.cfg.Instance)
	if err != nil {
		return nil, fmt.Errorf("claim range: %w", err)
	}

	// Re-select by ownership either way: a zero-row update is confirmed
	// against the store before reporting that nothing is free.
	r, err = p.store.FindClaimed(ctx, p.cfg.Hostname, p.cfg.Instance)
	if errors.Is(err, ranges.ErrNotFound) {
		p.metrics.ObserveClaim(p.now().Sub(start), false, false)
		return nil, ranges.ErrNoFreeRange
	}
	if err != nil {
		return nil, fmt.Errorf("load claimed range: %w", err)
	}
	p.metrics.ObserveClaim(p.now().Sub(start), true, !claimed)
	p.log.Debug("claimed range", "prefix", r.Prefix, "random_key", r.RandomKey)
	return r, nil
}

// ProcessRange drives a claimed range until it is processed, failed or
// requeued. Listing and policy errors are classified and recorded on the
// range; the returned error is non-nil only when the store could not be
// written or ctx was cancelled, in which case the range stays claimed.
func (p *Processor) ProcessRange(ctx context.Context, r *ranges.Range) (Outcome, error) {
	started := p.now()
	log := logging.RangeLogger(p.log, r.Prefix, r.RequeueCount)

	p.metrics.RangeStarted()
	outcome := OutcomeUnknown
	defer func() {
		if outcome == OutcomeUnknown {
			p.metrics.RangeAbandoned()
			return
		}
		p.metrics.RangeFinished(outcome.String(), p.now().Sub(started))
		p.recordTransition(ctx, log, r, outcome)
	}()

	p.reporter.NextRange(r)
	policy.ResetRangeData(p.policy)

	saveProgress := policy.ShouldSaveProgress(p.policy)
	cursor := ""
	if saveProgress && r.LastObject != "" {
		cursor = r.LastObject
		if err := policy.SetRangeData(p.policy, r.RangeData); err != nil {
			o, ferr := p.handleError(ctx, log, r, started, "restore", pkgerrors.WithStack(err))
			outcome = o
			return o, ferr
		}
		log.Info("resuming range from checkpoint", "last_object", cursor)
	}

	for {
		if err := ctx.Err(); err != nil {
			return OutcomeUnknown, err
		}

		listStart := p.now()
		objs, err := p.lister.List(ctx, r.Prefix, cursor, p.cfg.BatchSize)
		p.metrics.ObserveList(p.now().Sub(listStart), len(objs))
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeUnknown, ctx.Err()
			}
			o, ferr := p.handleError(ctx, log, r, started, "list", pkgerrors.WithStack(err))
			outcome = o
			return o, ferr
		}
		if len(objs) == 0 {
			break
		}

		items := policy.FromObjects(objs)
		batchStart := p.now()
		n, err := p.policy.ProcessBatch(ctx, items)
		p.metrics.ObserveBatch(p.now().Sub(batchStart), n)
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeUnknown, ctx.Err()
			}
			o, ferr := p.handleError(ctx, log, r, started, "process", pkgerrors.WithStack(err))
			outcome = o
			return o, ferr
		}

		cursor = items[len(items)-1].Key
		r.LastObject = cursor
		p.reporter.AddItems(int64(len(items)), int64(n))

		if saveProgress {
			data, err := policy.RangeData(p.policy)
			if err != nil {
				o, ferr := p.handleError(ctx, log, r, started, "process", pkgerrors.WithStack(err))
				outcome = o
				return o, ferr
			}
			r.RangeData = data
			saveStart := p.now()
			if err := p.store.Save(ctx, r); err != nil {
				return OutcomeUnknown, fmt.Errorf("checkpoint range %s: %w", r.Prefix, err)
			}
			p.metrics.ObserveCheckpoint(p.now().Sub(saveStart))
		}

		p.report(false)
	}

	data, err := policy.RangeData(p.policy)
	if err != nil {
		o, ferr := p.handleError(ctx, log, r, started, "process", pkgerrors.WithStack(err))
		outcome = o
		return o, ferr
	}
	if err := p.manager.MarkProcessed(ctx, r, started, data); err != nil {
		return OutcomeUnknown, err
	}
	outcome = OutcomeProcessed
	log.Info("range processed",
		"total_items", r.TotalItems,
		"processed_items", r.ProcessedItems,
		"processing_time", r.ProcessingTime,
	)
	return outcome, nil
}

// handleError logs err with its stack trace, asks the policy to classify it
// and records the resulting transition.
func (p *Processor) handleError(ctx context.Context, log *slog.Logger, r *ranges.Range, started time.Time, stage string, err error) (Outcome, error) {
	log.Error("range processing error",
		"stage", stage,
		"error", err.Error(),
		"trace", fmt.Sprintf("%+v", err),
	)

	fatal := policy.IsFatal(p.policy, err)
	p.metrics.ObserveError(stage, fatal)

	if fatal {
		if serr := p.manager.MarkFailed(ctx, r, started, err.Error()); serr != nil {
			return OutcomeUnknown, serr
		}
		log.Warn("range failed", "stage", stage)
		return OutcomeFailed, nil
	}

	escalated, serr := p.manager.Requeue(ctx, r, started, err.Error())
	if serr != nil {
		return OutcomeUnknown, serr
	}
	if escalated {
		return OutcomeEscalated, nil
	}
	return OutcomeRequeued, nil
}

// recordTransition hands the final range record to the auditor. Audit
// failures are logged and never change the range outcome.
func (p *Processor) recordTransition(ctx context.Context, log *slog.Logger, r *ranges.Range, outcome Outcome) {
	err := p.audit.Emit(ctx, audit.Transition{
		RunID:          logging.RunID(ctx),
		Prefix:         r.Prefix,
		Outcome:        outcome.String(),
		Hostname:       p.cfg.Hostname,
		Instance:       p.cfg.Instance,
		RequeueCount:   r.RequeueCount,
		TotalItems:     r.TotalItems,
		ProcessedItems: r.ProcessedItems,
		ProcessingTime: r.ProcessingTime,
		LastObject:     r.LastObject,
		RangeData:      r.RangeData,
		Error:          r.Error,
	})
	if err != nil {
		log.Warn("failed to record audit event", "outcome", outcome.String(), "error", err)
	}
}

func (p *Processor) report(force bool) {
	snap, err := p.reporter.Report(force)
	if err != nil {
		p.log.Warn("failed to write report", "error", err)
	}
	p.metrics.ObserveRates(snap.CurrentRate, snap.AverageRate)
}

// RunSummary counts the outcomes of a RunAll call.
type RunSummary struct {
	Ranges    int
	Processed int
	Failed    int
	Requeued  int
}

func (s *RunSummary) add(o Outcome) {
	s.Ranges++
	switch o {
	case OutcomeProcessed:
		s.Processed++
	case OutcomeFailed, OutcomeEscalated:
		s.Failed++
	case OutcomeRequeued:
		s.Requeued++
	}
}

// RunAll claims and processes ranges until none are free. Store errors and
// context cancellation end the run early with an error.
func (p *Processor) RunAll(ctx context.Context) (RunSummary, error) {
	var sum RunSummary
	p.reporter.ResetCounters()
	p.log.Info("starting processing run", "batch_size", p.cfg.BatchSize)

	for {
		r, err := p.Claim(ctx)
		if errors.Is(err, ranges.ErrNoFreeRange) {
			break
		}
		if err != nil {
			return sum, err
		}

		outcome, err := p.ProcessRange(ctx, r)
		if outcome != OutcomeUnknown {
			sum.add(outcome)
		}
		if err != nil {
			return sum, err
		}
		if p.cfg.StopOnFailure && outcome.Failed() {
			p.log.Warn("stopping run after failed range", "prefix", r.Prefix)
			return sum, fmt.Errorf("%w: %s", ErrStoppedOnFailure, r.Prefix)
		}
	}

	p.reporter.NextRange(nil)
	p.report(true)
	p.log.Info("no free ranges left, run complete",
		"ranges", sum.Ranges,
		"processed", sum.Processed,
		"failed", sum.Failed,
		"requeued", sum.Requeued,
	)
	return sum, nil
}
