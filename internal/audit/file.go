package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
)

// FailedSuffix marks the local copy of an event the collector rejected. Such
// events never joined the chain and are skipped by LoadEvents.
const FailedSuffix = ".failed"

// FileBackup saves events to local JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates dir if needed.
func NewFileBackup(dir string) (*FileBackup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Save writes evt to {unixnano}_{prefix}_{outcome}.json and returns the path.
func (f *FileBackup) Save(evt *Event) (string, error) {
	filename := fmt.Sprintf("%019d_%s_%s.json",
		evt.Timestamp.UnixNano(),
		evt.Range.Prefix,
		evt.Range.Outcome,
	)
	path := filepath.Join(f.dir, filename)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// LoadEvents reads every recorded event in dir in file name order.
func LoadEvents(dir string) ([]Event, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == ChainHeadsFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	events := make([]Event, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read event %s: %w", name, err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("parse event %s: %w", name, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// FileEmitter writes chained events to local files only.
type FileEmitter struct {
	mu     sync.Mutex
	cfg    Config
	chains *Chains
	backup *FileBackup
	log    *slog.Logger
}

// NewFileEmitter creates an emitter that records events under cfg.Dir.
func NewFileEmitter(cfg Config) (*FileEmitter, error) {
	chains, err := OpenChains(cfg.Dir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	return &FileEmitter{
		cfg:    cfg,
		chains: chains,
		backup: backup,
		log:    logging.Component("audit"),
	}, nil
}

// Emit chains and saves the event for t.
func (e *FileEmitter) Emit(_ context.Context, t Transition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	evt := newEvent(e.cfg, t)
	e.chains.Link(&evt)

	path, err := e.backup.Save(&evt)
	if err != nil {
		return err
	}
	e.log.Debug("audit event recorded",
		"prefix", evt.Range.Prefix,
		"outcome", evt.Range.Outcome,
		"sequence", evt.Chain.Sequence,
		"event_hash", evt.Chain.EventHash,
		"path", path,
	)
	return e.chains.Advance(&evt)
}

func (e *FileEmitter) Close() error { return nil }
