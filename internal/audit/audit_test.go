package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func testEvent() Event {
	return Event{
		Version:   EventVersion,
		EventType: EventType,
		EventID:   "evt_fixed",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Range: RangeInfo{
			Table:          "bucket_ranges",
			Prefix:         "0a",
			Outcome:        "processed",
			Hostname:       "host-a",
			Instance:       "w1",
			TotalItems:     10,
			ProcessedItems: 9,
			LastObject:     "0a/obj-9",
		},
		Producer: ProducerInfo{Name: "bucket-processor", Version: "v0.1.0"},
	}
}

func TestComputeEventHash(t *testing.T) {
	event := testEvent()
	event.SetChainHashes("")

	if !strings.HasPrefix(event.Chain.EventHash, "sha256:") {
		t.Errorf("EventHash should start with 'sha256:', got: %s", event.Chain.EventHash)
	}
	if event.Chain.PrevEventHash != "" {
		t.Errorf("PrevEventHash should be empty for first in chain, got: %s", event.Chain.PrevEventHash)
	}
}

func TestHashChainDeterminism(t *testing.T) {
	event1 := testEvent()
	event1.SetChainHashes("prev_hash_123")

	event2 := testEvent()
	event2.SetChainHashes("prev_hash_123")

	if event1.Chain.EventHash != event2.Chain.EventHash {
		t.Errorf("Identical events should produce identical hashes.\n  Event1: %s\n  Event2: %s",
			event1.Chain.EventHash, event2.Chain.EventHash)
	}

	// Recomputing over a sealed event ignores the stored hash.
	if got := ComputeEventHash(&event1); got != event1.Chain.EventHash {
		t.Errorf("recomputed hash %s != %s", got, event1.Chain.EventHash)
	}
}

func TestHashChainDifferentPrevHash(t *testing.T) {
	event1 := testEvent()
	event1.SetChainHashes("prev_hash_A")

	event2 := testEvent()
	event2.SetChainHashes("prev_hash_B")

	if event1.Chain.EventHash == event2.Chain.EventHash {
		t.Error("Different prev_hash should produce different event_hash")
	}
}

func TestHashChainDifferentContent(t *testing.T) {
	event1 := testEvent()
	event1.SetChainHashes("")

	event2 := testEvent()
	event2.Range.ProcessedItems = 10
	event2.SetChainHashes("")

	if event1.Chain.EventHash == event2.Chain.EventHash {
		t.Error("Different content should produce different event_hash")
	}
}

func TestChainKey(t *testing.T) {
	r := RangeInfo{Table: "bucket_ranges", Hostname: "host-a", Instance: "w1", Prefix: "ff"}
	if got, want := r.ChainKey(), "bucket_ranges/host-a/w1"; got != want {
		t.Errorf("ChainKey() = %s, want %s", got, want)
	}
}

func TestChecksumState(t *testing.T) {
	if ChecksumState(nil) != "" {
		t.Error("empty state should have no checksum")
	}
	if a, b := ChecksumState([]byte("a")), ChecksumState([]byte("b")); a == b || !strings.HasPrefix(a, "sha256:") {
		t.Errorf("unexpected checksums %s %s", a, b)
	}
}

func TestNewDisabledIsNoop(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Emit(context.Background(), Transition{Prefix: "0"}); err != nil {
		t.Fatalf("noop Emit failed: %v", err)
	}
	if _, err := New(Config{Enabled: true}); err == nil {
		t.Fatal("expected error when dir is missing")
	}
}

func TestFileEmitterChainsEvents(t *testing.T) {
	dir := t.TempDir()
	e, err := New(Config{Enabled: true, Dir: dir, Table: "bucket_ranges"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	for _, outcome := range []string{"requeued", "requeued", "processed"} {
		if err := e.Emit(ctx, Transition{Prefix: "3", Outcome: outcome, Hostname: "h", Instance: "w", RangeData: []byte(`{}`)}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	events := readEvents(t, dir)
	if len(events) != 3 {
		t.Fatalf("got %d event files, want 3", len(events))
	}
	if events[0].Chain.PrevEventHash != "" {
		t.Errorf("first event should start the chain, prev=%s", events[0].Chain.PrevEventHash)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Chain.PrevEventHash != events[i-1].Chain.EventHash {
			t.Errorf("event %d is not linked to event %d", i, i-1)
		}
	}
	for i, evt := range events {
		if evt.Chain.Sequence != uint64(i+1) {
			t.Errorf("event %d sequence = %d, want %d", i, evt.Chain.Sequence, i+1)
		}
	}
	for _, evt := range events {
		if ComputeEventHash(&evt) != evt.Chain.EventHash {
			t.Errorf("event %s hash does not verify", evt.EventID)
		}
	}

	// A restarted worker continues the persisted chain.
	e2, err := NewFileEmitter(Config{Enabled: true, Dir: dir, Table: "bucket_ranges"})
	if err != nil {
		t.Fatalf("NewFileEmitter failed: %v", err)
	}
	if err := e2.Emit(ctx, Transition{Prefix: "4", Outcome: "failed", Hostname: "h", Instance: "w"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	events = readEvents(t, dir)
	if last := events[len(events)-1]; last.Chain.PrevEventHash != events[2].Chain.EventHash || last.Chain.Sequence != 4 {
		t.Error("restarted emitter did not continue the chain")
	}
	res, err := Verify(events)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Events != 4 || res.Chains != 1 {
		t.Errorf("Verify = %+v, want 4 events in 1 chain", res)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileEmitter(Config{Enabled: true, Dir: dir, Table: "bucket_ranges"})
	if err != nil {
		t.Fatalf("NewFileEmitter failed: %v", err)
	}
	ctx := context.Background()
	for _, host := range []string{"h1", "h2", "h1", "h1"} {
		if err := e.Emit(ctx, Transition{Prefix: "5", Outcome: "processed", Hostname: host}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	events, err := LoadEvents(dir)
	if err != nil {
		t.Fatalf("LoadEvents failed: %v", err)
	}
	if res, err := Verify(events); err != nil || res.Chains != 2 {
		t.Fatalf("Verify = %+v, %v", res, err)
	}

	edited := append([]Event(nil), events...)
	edited[1].Range.ProcessedItems = 99
	if _, err := Verify(edited); !errors.Is(err, ErrChainBroken) {
		t.Errorf("edited event: expected ErrChainBroken, got %v", err)
	}

	// Dropping the middle h1 event leaves a sequence gap.
	var gapped []Event
	for _, evt := range events {
		if evt.Range.Hostname == "h1" && evt.Chain.Sequence == 2 {
			continue
		}
		gapped = append(gapped, evt)
	}
	if _, err := Verify(gapped); !errors.Is(err, ErrChainBroken) {
		t.Errorf("missing event: expected ErrChainBroken, got %v", err)
	}

	// Pruning a chain from the front still verifies.
	if _, err := Verify(events[1:]); err != nil {
		t.Errorf("pruned chain: %v", err)
	}
}

func TestHTTPEmitterPostsAndRetries(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
		received []Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var evt Event
		if err := json.Unmarshal(body, &evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received = append(received, evt)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e, err := New(Config{Enabled: true, Dir: t.TempDir(), Endpoint: srv.URL, Table: "t"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Close()

	if err := e.Emit(context.Background(), Transition{Prefix: "a", Outcome: "processed", Hostname: "h"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if len(received) != 1 || received[0].Range.Prefix != "a" {
		t.Fatalf("received = %+v", received)
	}
}

func TestHTTPEmitterDoesNotRetryClientErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer srv.Close()

	e, err := NewHTTPEmitter(Config{Enabled: true, Dir: t.TempDir(), Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPEmitter failed: %v", err)
	}
	err = e.Emit(context.Background(), Transition{Prefix: "a", Outcome: "failed"})
	if err == nil || !strings.Contains(err.Error(), "http 400") {
		t.Fatalf("expected http 400 error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if _, err := e.chains.Head("//"); !errors.Is(err, ErrNoChainHead) {
		t.Errorf("chain head advanced for a rejected event: %v", err)
	}

	failed, _ := filepath.Glob(filepath.Join(e.cfg.Dir, "*"+FailedSuffix))
	if len(failed) != 1 {
		t.Fatalf("expected one rejected event file, got %v", failed)
	}
	events, err := LoadEvents(e.cfg.Dir)
	if err != nil {
		t.Fatalf("LoadEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("rejected event was loaded as part of the chain: %+v", events)
	}
}

func readEvents(t *testing.T, dir string) []Event {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*_*_*.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	sort.Strings(matches)
	var out []Event
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("parse %s: %v", path, err)
		}
		out = append(out, evt)
	}
	return out
}
