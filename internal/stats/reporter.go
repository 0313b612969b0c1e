// Package stats aggregates per-range and run-wide throughput and writes
// periodic reports.
package stats

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges"
)

// DefaultInterval is the minimum gap between logged reports.
const DefaultInterval = 15 * time.Second

// Config configures a Reporter.
type Config struct {
	RunID    string
	Hostname string
	Instance string
	Interval time.Duration

	// Display, when set, receives the pretty report on every tick with the
	// screen cleared first.
	Display io.Writer
}

// Snapshot is the machine-readable report.
type Snapshot struct {
	RunID          string    `json:"runId"`
	Hostname       string    `json:"hostname"`
	Instance       string    `json:"instance"`
	Prefix         string    `json:"prefix"`
	RequeueCount   uint32    `json:"requeueCount"`
	Timestamp      time.Time `json:"timestamp"`
	RangeStartTime time.Time `json:"rangeStartTime"`
	RangeTotal     int64     `json:"rangeTotal"`
	RangeProcessed int64     `json:"rangeProcessed"`
	RangeSkipped   int64     `json:"rangeSkipped"`
	RangeDuration  float64   `json:"rangeDuration"` // seconds
	CurrentRate    int64     `json:"currentRate"`   // items/second
	StartTime      time.Time `json:"startTime"`
	TotalItems     int64     `json:"totalItems"`
	TotalProcessed int64     `json:"totalProcessed"`
	TotalSkipped   int64     `json:"totalSkipped"`
	TotalDuration  float64   `json:"totalDuration"` // seconds
	AverageRate    int64     `json:"averageRate"`   // items/second
	LastObject     string    `json:"lastObject"`
}

// Reporter accumulates counters for the run and the current range.
type Reporter struct {
	mu        sync.Mutex
	cfg       Config
	artifacts Artifacts
	now       func() time.Time
	log       *slog.Logger

	startTime      time.Time
	totalItems     int64
	processedItems int64

	rangeStartTime      time.Time
	rangeTotalItems     int64
	rangeProcessedItems int64
	current             *ranges.Range

	lastLog time.Time
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithLogger overrides the logger used for periodic report lines.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reporter) { r.log = log }
}

// NewReporter creates a reporter. A nil artifacts discards report files.
func NewReporter(cfg Config, artifacts Artifacts, opts ...Option) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if artifacts == nil {
		artifacts = noopArtifacts{}
	}
	r := &Reporter{
		cfg:       cfg,
		artifacts: artifacts,
		now:       time.Now,
		log:       logging.Component("stats"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ResetCounters()
	return r
}

// ResetCounters restarts the run-wide scope and clears the range scope.
func (r *Reporter) ResetCounters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startTime = r.now()
	r.totalItems = 0
	r.processedItems = 0
	r.nextRangeLocked(nil)
}

// NextRange starts a new range scope. rng may be nil.
func (r *Reporter) NextRange(rng *ranges.Range) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRangeLocked(rng)
}

func (r *Reporter) nextRangeLocked(rng *ranges.Range) {
	r.rangeTotalItems = 0
	r.rangeProcessedItems = 0
	r.current = rng
	r.rangeStartTime = r.now()
}

// AddItems adds a page's counts to both scopes and to the live range record.
func (r *Reporter) AddItems(total, processed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalItems += total
	r.processedItems += processed
	r.rangeTotalItems += total
	r.rangeProcessedItems += processed
	if r.current != nil {
		r.current.TotalItems += total
		r.current.ProcessedItems += processed
	}
}

// Snapshot computes the current counters and rates.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(r.now())
}

func (r *Reporter) snapshotLocked(now time.Time) Snapshot {
	totalDuration := now.Sub(r.startTime).Seconds()
	rangeDuration := now.Sub(r.rangeStartTime).Seconds()

	snap := Snapshot{
		RunID:          r.cfg.RunID,
		Hostname:       r.cfg.Hostname,
		Instance:       r.cfg.Instance,
		Timestamp:      now.UTC(),
		RangeStartTime: r.rangeStartTime.UTC(),
		RangeTotal:     r.rangeTotalItems,
		RangeProcessed: r.rangeProcessedItems,
		RangeSkipped:   r.rangeTotalItems - r.rangeProcessedItems,
		RangeDuration:  rangeDuration,
		CurrentRate:    rate(r.rangeTotalItems, rangeDuration),
		StartTime:      r.startTime.UTC(),
		TotalItems:     r.totalItems,
		TotalProcessed: r.processedItems,
		TotalSkipped:   r.totalItems - r.processedItems,
		TotalDuration:  totalDuration,
		AverageRate:    rate(r.totalItems, totalDuration),
	}
	if r.current != nil {
		snap.Prefix = r.current.Prefix
		snap.LastObject = r.current.LastObject
		snap.RequeueCount = r.current.RequeueCount
		if r.current.Hostname != "" {
			snap.Hostname = r.current.Hostname
		}
		if r.current.InstanceName != "" {
			snap.Instance = r.current.InstanceName
		}
	}
	return snap
}

// rate returns items per second rounded to the nearest integer, or 0 when no
// time has elapsed.
func rate(items int64, seconds float64) int64 {
	if seconds <= 0 {
		return 0
	}
	return int64(math.Round(float64(items) / seconds))
}

// Report renders the current snapshot, writes both artifacts and redraws the
// display if one is configured. Report lines are logged at most once per
// interval unless force is set.
func (r *Reporter) Report(force bool) (Snapshot, error) {
	r.mu.Lock()
	now := r.now()
	snap := r.snapshotLocked(now)
	if r.lastLog.IsZero() {
		r.lastLog = r.rangeStartTime
	}
	shouldLog := force || now.Sub(r.lastLog) >= r.cfg.Interval
	if shouldLog {
		r.lastLog = now
	}
	r.mu.Unlock()

	if shouldLog {
		r.logReport(snap)
	}

	pretty := Render(snap)
	if r.cfg.Display != nil {
		fmt.Fprint(r.cfg.Display, "\033[H\033[2J"+pretty)
	}
	if err := r.artifacts.Write(snap, pretty); err != nil {
		return snap, fmt.Errorf("write report: %w", err)
	}
	return snap, nil
}

func (r *Reporter) logReport(s Snapshot) {
	r.log.Info(fmt.Sprintf("CURRENT RANGE: Run time %s, Processed %s of %s items",
		seconds(s.RangeDuration), humanize.Comma(s.RangeProcessed), humanize.Comma(s.RangeTotal)),
		"prefix", s.Prefix)
	r.log.Info(fmt.Sprintf("OVERALL: Run time %s, Processed %s of %s items",
		seconds(s.TotalDuration), humanize.Comma(s.TotalProcessed), humanize.Comma(s.TotalItems)))
	r.log.Info(fmt.Sprintf("Current rate: %s items/second, Average rate: %s items/second",
		humanize.Comma(s.CurrentRate), humanize.Comma(s.AverageRate)))
	r.log.Info("Last object: " + s.LastObject)
}

// Render formats a snapshot as the human-readable report.
func Render(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current Range %s (%s/%s)\n", s.Prefix, s.Hostname, s.Instance)

	t := tablewriter.NewWriter(&b)
	t.SetHeader([]string{"", "Range", "Total"})
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_RIGHT)
	t.AppendBulk([][]string{
		{"Processing time", seconds(s.RangeDuration), seconds(s.TotalDuration)},
		{"Total items", humanize.Comma(s.RangeTotal), humanize.Comma(s.TotalItems)},
		{"Processed items", humanize.Comma(s.RangeProcessed), humanize.Comma(s.TotalProcessed)},
		{"Skipped", humanize.Comma(s.RangeSkipped), humanize.Comma(s.TotalSkipped)},
		{"Processing rate", humanize.Comma(s.CurrentRate) + " items/second", humanize.Comma(s.AverageRate) + " items/second"},
	})
	t.Render()

	fmt.Fprintf(&b, "Last object seen: %s\n", s.LastObject)
	return b.String()
}

func seconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Second).String()
}
