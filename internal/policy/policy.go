// Package policy defines the contract between the processing loop and the
// deployment-specific logic that consumes listed objects.
//
// Only ProcessBatch is required. The optional behaviors are separate
// interfaces; a policy that does not implement one gets the default
// returned by the matching helper function in this package.
package policy

import (
	"context"
)

// Policy consumes pages of listed objects.
type Policy interface {
	// ProcessBatch handles one page and returns the number of items it
	// treated as processed. Skipped items are not counted and are not errors.
	// The loop may hand the same page to ProcessBatch again after a crash, so
	// side effects must be idempotent.
	ProcessBatch(ctx context.Context, items []ObjectInfo) (int, error)
}

// ProgressSaver forces a checkpoint after every batch when ShouldSaveProgress
// returns true.
type ProgressSaver interface {
	ShouldSaveProgress() bool
}

// ErrorStopper asks the driver to stop the run after a range fails.
type ErrorStopper interface {
	StopOnErrors() bool
}

// ErrorClassifier decides whether an error fails a range outright (true) or
// lets it be requeued (false).
type ErrorClassifier interface {
	IsFatal(err error) bool
}

// RangeStateHolder carries opaque continuation state scoped to a single range.
type RangeStateHolder interface {
	ResetRangeData()
	RangeData() ([]byte, error)
	SetRangeData(data []byte) error
}

// ShouldSaveProgress reports whether p wants a checkpoint after every batch.
// Defaults to false.
func ShouldSaveProgress(p Policy) bool {
	if s, ok := p.(ProgressSaver); ok {
		return s.ShouldSaveProgress()
	}
	return false
}

// StopOnErrors reports whether p asks the driver to stop after a failed
// range. Defaults to false.
func StopOnErrors(p Policy) bool {
	if s, ok := p.(ErrorStopper); ok {
		return s.StopOnErrors()
	}
	return false
}

// IsFatal classifies err for p. Defaults to true.
func IsFatal(p Policy, err error) bool {
	if c, ok := p.(ErrorClassifier); ok {
		return c.IsFatal(err)
	}
	return true
}

// ResetRangeData clears p's per-range state if it keeps any.
func ResetRangeData(p Policy) {
	if h, ok := p.(RangeStateHolder); ok {
		h.ResetRangeData()
	}
}

// RangeData returns p's current per-range state, or nil.
func RangeData(p Policy) ([]byte, error) {
	if h, ok := p.(RangeStateHolder); ok {
		return h.RangeData()
	}
	return nil, nil
}

// SetRangeData restores p's per-range state. Policies without state ignore it.
func SetRangeData(p Policy, data []byte) error {
	if h, ok := p.(RangeStateHolder); ok {
		return h.SetRangeData(data)
	}
	return nil
}

// Scratch is an embeddable RangeStateHolder that stores the state verbatim.
type Scratch struct {
	data []byte
}

func (s *Scratch) ResetRangeData() { s.data = nil }

func (s *Scratch) RangeData() ([]byte, error) { return s.data, nil }

func (s *Scratch) SetRangeData(data []byte) error {
	s.data = data
	return nil
}

// Options carries process-wide settings handed to a policy at construction.
type Options struct {
	// DryRun policies must not write side effects.
	DryRun bool
}

var _ RangeStateHolder = (*Scratch)(nil)
