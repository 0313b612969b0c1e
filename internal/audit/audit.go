// Package audit records a tamper-evident log of range transitions. Every
// event carries the hash of the previous event from the same worker, so a
// missing or edited event breaks the chain.
package audit

import (
	"context"
	"errors"
	"time"
)

// Config configures audit emission.
type Config struct {
	Enabled  bool
	Endpoint string // optional HTTP collector; events are always kept in Dir
	Dir      string
	Table    string
	Producer ProducerInfo

	// RetryAttempts bounds HTTP retries. Zero means 3.
	RetryAttempts uint64
}

// Transition describes a range leaving the Claimed state.
type Transition struct {
	RunID          string
	Prefix         string
	Outcome        string
	Hostname       string
	Instance       string
	RequeueCount   uint32
	TotalItems     int64
	ProcessedItems int64
	ProcessingTime int64
	LastObject     string
	RangeData      []byte
	Error          string
}

// Emitter records transitions.
type Emitter interface {
	Emit(ctx context.Context, t Transition) error
	Close() error
}

// New returns the emitter cfg asks for: a no-op when disabled, an HTTP
// emitter when an endpoint is set, otherwise a file-only emitter.
func New(cfg Config) (Emitter, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("audit dir is required")
	}
	if cfg.Endpoint != "" {
		return NewHTTPEmitter(cfg)
	}
	return NewFileEmitter(cfg)
}

func newEvent(cfg Config, t Transition) Event {
	return Event{
		Version:   EventVersion,
		EventType: EventType,
		EventID:   GenerateEventID(),
		Timestamp: time.Now().UTC(),
		RunID:     t.RunID,
		Range: RangeInfo{
			Table:          cfg.Table,
			Prefix:         t.Prefix,
			Outcome:        t.Outcome,
			Hostname:       t.Hostname,
			Instance:       t.Instance,
			RequeueCount:   t.RequeueCount,
			TotalItems:     t.TotalItems,
			ProcessedItems: t.ProcessedItems,
			ProcessingTime: t.ProcessingTime,
			LastObject:     t.LastObject,
			StateChecksum:  ChecksumState(t.RangeData),
			Error:          t.Error,
		},
		Producer: cfg.Producer,
	}
}

// Noop returns an emitter that discards all events.
func Noop() Emitter { return noopEmitter{} }

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, Transition) error { return nil }

func (noopEmitter) Close() error { return nil }
