package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CountName is the registered name of the Count policy.
const CountName = "count"

// CountState is the continuation state of the Count policy.
type CountState struct {
	Objects int64 `json:"objects"`
	Bytes   int64 `json:"bytes"`
}

// Count tallies the objects and bytes under each range. Directory
// placeholder keys (ending in "/") are skipped.
type Count struct {
	state        CountState
	saveProgress bool
}

// NewCount creates a Count policy. With saveProgress set the loop
// checkpoints after every batch.
func NewCount(saveProgress bool) *Count {
	return &Count{saveProgress: saveProgress}
}

func (c *Count) ProcessBatch(_ context.Context, items []ObjectInfo) (int, error) {
	processed := 0
	for _, item := range items {
		if strings.HasSuffix(item.Key, "/") {
			continue
		}
		c.state.Objects++
		c.state.Bytes += item.Size
		processed++
	}
	return processed, nil
}

func (c *Count) ShouldSaveProgress() bool { return c.saveProgress }

// IsFatal lets transient storage errors be requeued.
func (c *Count) IsFatal(err error) bool { return !Transient(err) }

func (c *Count) ResetRangeData() { c.state = CountState{} }

func (c *Count) RangeData() ([]byte, error) {
	return json.Marshal(c.state)
}

func (c *Count) SetRangeData(data []byte) error {
	c.state = CountState{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &c.state); err != nil {
		return fmt.Errorf("decode count state: %w", err)
	}
	return nil
}

// State returns the tallies for the current range.
func (c *Count) State() CountState { return c.state }

var (
	_ Policy           = (*Count)(nil)
	_ ProgressSaver    = (*Count)(nil)
	_ ErrorClassifier  = (*Count)(nil)
	_ RangeStateHolder = (*Count)(nil)
)
