// Package inventory is a processing policy that writes every listed object
// to an inventory file in an output bucket, one file per batch.
package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gocloud.dev/blob"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/policy"
)

// Name is the registered name of the inventory policy.
const Name = "inventory"

// Config configures the inventory policy.
type Config struct {
	Prefix       string // key prefix inside the output bucket
	Format       string // FormatParquet | FormatJSONL
	StopOnErrors bool
}

// State is the continuation state persisted with each checkpoint.
type State struct {
	Files    int64  `json:"files"`
	Objects  int64  `json:"objects"`
	Bytes    int64  `json:"bytes"`
	LastFile string `json:"last_file,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Policy writes inventory files.
type Policy struct {
	bucket *blob.Bucket
	cfg    Config
	dryRun bool
	now    func() time.Time
	state  State
	log    *slog.Logger
}

// New creates an inventory policy writing to bucket. The caller keeps
// ownership of bucket.
func New(bucket *blob.Bucket, cfg Config, opts policy.Options) (*Policy, error) {
	if bucket == nil {
		return nil, fmt.Errorf("inventory output bucket is required")
	}
	if cfg.Format == "" {
		cfg.Format = FormatParquet
	}
	if cfg.Format != FormatParquet && cfg.Format != FormatJSONL {
		return nil, fmt.Errorf("unknown inventory format %q", cfg.Format)
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	return &Policy{
		bucket: bucket,
		cfg:    cfg,
		dryRun: opts.DryRun,
		now:    time.Now,
		log:    logging.Component("inventory"),
	}, nil
}

// ProcessBatch writes one inventory file for the batch. Directory
// placeholders are skipped. The file name is derived from the first and last
// key so a batch replayed after a crash overwrites its earlier file.
func (p *Policy) ProcessBatch(ctx context.Context, items []policy.ObjectInfo) (int, error) {
	listedAt := p.now().UTC()
	rows := make([]Row, 0, len(items))
	var size int64
	for _, item := range items {
		if strings.HasSuffix(item.Key, "/") {
			continue
		}
		rows = append(rows, rowFrom(item, listedAt))
		size += item.Size
	}
	if len(rows) == 0 {
		return 0, nil
	}

	key := p.fileKey(rows[0].Key, rows[len(rows)-1].Key)
	if p.dryRun {
		p.log.Debug("dry run: would write inventory file", "key", key, "rows", len(rows))
	} else {
		data, err := encode(p.cfg.Format, rows)
		if err != nil {
			return 0, err
		}
		if err := p.write(ctx, key, data); err != nil {
			return 0, err
		}
		p.state.Checksum = checksum(data)
	}

	p.state.Files++
	p.state.Objects += int64(len(rows))
	p.state.Bytes += size
	p.state.LastFile = key
	return len(rows), nil
}

func (p *Policy) write(ctx context.Context, key string, data []byte) error {
	w, err := p.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: contentType(p.cfg.Format),
	})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write inventory to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func (p *Policy) fileKey(first, last string) string {
	sum := sha256.Sum256([]byte(first + "\x00" + last))
	return fmt.Sprintf("%spart-%s.%s", p.cfg.Prefix, hex.EncodeToString(sum[:8]), p.cfg.Format)
}

// ShouldSaveProgress is always true: each batch has already been written
// when ProcessBatch returns.
func (p *Policy) ShouldSaveProgress() bool { return true }

func (p *Policy) StopOnErrors() bool { return p.cfg.StopOnErrors }

// IsFatal lets transient storage errors be requeued.
func (p *Policy) IsFatal(err error) bool { return !policy.Transient(err) }

func (p *Policy) ResetRangeData() { p.state = State{} }

func (p *Policy) RangeData() ([]byte, error) {
	return json.Marshal(p.state)
}

func (p *Policy) SetRangeData(data []byte) error {
	p.state = State{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &p.state); err != nil {
		return fmt.Errorf("decode inventory state: %w", err)
	}
	return nil
}

// State returns the tallies for the current range.
func (p *Policy) State() State { return p.state }

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

var (
	_ policy.Policy           = (*Policy)(nil)
	_ policy.ProgressSaver    = (*Policy)(nil)
	_ policy.ErrorStopper     = (*Policy)(nil)
	_ policy.ErrorClassifier  = (*Policy)(nil)
	_ policy.RangeStateHolder = (*Policy)(nil)
)
