package inventory

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
)

// Output formats.
const (
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl.zst"
)

func contentType(format string) string {
	switch format {
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/zstd"
	}
}

// encode renders rows in the given format.
func encode(format string, rows []Row) ([]byte, error) {
	switch format {
	case FormatParquet:
		return encodeParquet(rows)
	case FormatJSONL:
		return encodeJSONL(rows)
	default:
		return nil, fmt.Errorf("unknown inventory format %q", format)
	}
}

func encodeParquet(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJSONL(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	enc := json.NewEncoder(zw)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			zw.Close()
			return nil, fmt.Errorf("encode row %s: %w", rows[i].Key, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd encoder: %w", err)
	}
	return buf.Bytes(), nil
}
