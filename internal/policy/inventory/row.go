package inventory

import (
	"time"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/policy"
)

// Row is one inventory record.
type Row struct {
	Key          string    `parquet:"key" json:"key"`
	Path         string    `parquet:"path" json:"path"`
	Filename     string    `parquet:"filename" json:"filename"`
	Size         int64     `parquet:"size" json:"size"`
	MD5          string    `parquet:"md5" json:"md5"`
	LastModified time.Time `parquet:"last_modified,timestamp(millisecond)" json:"last_modified"`

	// Inventory metadata
	ListedAt time.Time `parquet:"listed_at,timestamp(millisecond)" json:"listed_at"`
}

func rowFrom(item policy.ObjectInfo, listedAt time.Time) Row {
	return Row{
		Key:          item.Key,
		Path:         item.Path,
		Filename:     item.Filename,
		Size:         item.Size,
		MD5:          item.MD5,
		LastModified: item.LastModified.UTC(),
		ListedAt:     listedAt,
	}
}

// SchemaVersion is bumped on breaking changes to Row.
const SchemaVersion = "1.0.0"
