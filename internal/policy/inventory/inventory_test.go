package inventory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/policy"
)

var fixedNow = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func newTestPolicy(t *testing.T, cfg Config, opts policy.Options) (*Policy, *blob.Bucket) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	p, err := New(bucket, cfg, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.now = func() time.Time { return fixedNow }
	return p, bucket
}

func testItems() []policy.ObjectInfo {
	mod := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)
	return []policy.ObjectInfo{
		policy.NewObjectInfo("a1/photos/", 0, "", mod),
		policy.NewObjectInfo("a1/photos/cat.jpg", 2048, "d41d8cd98f00b204e9800998ecf8427e", mod),
		policy.NewObjectInfo("a1/readme.txt", 12, "0cc175b9c0f1b6a831c399e269772661", mod),
	}
}

func TestParquetInventory(t *testing.T) {
	p, bucket := newTestPolicy(t, Config{Prefix: "inv", Format: FormatParquet}, policy.Options{})
	ctx := context.Background()

	n, err := p.ProcessBatch(ctx, testItems())
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("processed = %d, want 2", n)
	}

	st := p.State()
	if st.Files != 1 || st.Objects != 2 || st.Bytes != 2060 {
		t.Fatalf("unexpected state: %+v", st)
	}

	data, err := bucket.ReadAll(ctx, st.LastFile)
	if err != nil {
		t.Fatalf("read inventory: %v", err)
	}
	if got := checksum(data); got != st.Checksum {
		t.Fatalf("checksum = %s, want %s", got, st.Checksum)
	}

	rows, err := parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Filename != "cat.jpg" || rows[0].Path != "a1/photos" || rows[0].Size != 2048 {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if !rows[1].ListedAt.Equal(fixedNow) {
		t.Fatalf("ListedAt = %v, want %v", rows[1].ListedAt, fixedNow)
	}
}

func TestJSONLInventory(t *testing.T) {
	p, bucket := newTestPolicy(t, Config{Format: FormatJSONL}, policy.Options{})
	ctx := context.Background()

	if _, err := p.ProcessBatch(ctx, testItems()); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	r, err := bucket.NewReader(ctx, p.State().LastFile, nil)
	if err != nil {
		t.Fatalf("open inventory: %v", err)
	}
	defer r.Close()

	dec, err := zstd.NewReader(r)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	var keys []string
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var row Row
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			t.Fatalf("decode row: %v", err)
		}
		keys = append(keys, row.Key)
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a1/photos/cat.jpg" || keys[1] != "a1/readme.txt" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestReplayedBatchOverwritesSameFile(t *testing.T) {
	p, bucket := newTestPolicy(t, Config{}, policy.Options{})
	ctx := context.Background()

	if _, err := p.ProcessBatch(ctx, testItems()); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	first := p.State().LastFile

	p.ResetRangeData()
	if _, err := p.ProcessBatch(ctx, testItems()); err != nil {
		t.Fatalf("ProcessBatch replay failed: %v", err)
	}
	if p.State().LastFile != first {
		t.Fatalf("replay wrote %s, want %s", p.State().LastFile, first)
	}

	count := 0
	iter := bucket.List(nil)
	for {
		_, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("files = %d, want 1", count)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	p, bucket := newTestPolicy(t, Config{}, policy.Options{DryRun: true})
	ctx := context.Background()

	n, err := p.ProcessBatch(ctx, testItems())
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("processed = %d, want 2", n)
	}
	exists, err := bucket.Exists(ctx, p.State().LastFile)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("dry run wrote an inventory file")
	}
}

func TestRangeDataRoundTrip(t *testing.T) {
	p, _ := newTestPolicy(t, Config{StopOnErrors: true}, policy.Options{})
	if !policy.StopOnErrors(p) || !policy.ShouldSaveProgress(p) {
		t.Fatal("expected stop-on-errors and save-progress")
	}
	if _, err := p.ProcessBatch(context.Background(), testItems()); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	data, err := policy.RangeData(p)
	if err != nil {
		t.Fatalf("RangeData failed: %v", err)
	}

	q, _ := newTestPolicy(t, Config{}, policy.Options{})
	if err := policy.SetRangeData(q, data); err != nil {
		t.Fatalf("SetRangeData failed: %v", err)
	}
	if q.State() != p.State() {
		t.Fatalf("restored %+v, want %+v", q.State(), p.State())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(memblob.OpenBucket(nil), Config{Format: "csv"}, policy.Options{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := New(nil, Config{}, policy.Options{}); err == nil {
		t.Fatal("expected error for nil bucket")
	}
}
