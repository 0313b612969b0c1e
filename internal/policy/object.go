package policy

import (
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/source"
)

// ObjectInfo is a listed object as handed to a policy.
type ObjectInfo struct {
	Key          string
	Path         string // everything before the last "/", empty at the top level
	Filename     string // everything after the last "/"
	Size         int64
	MD5          string
	LastModified time.Time
}

// NewObjectInfo splits key into its path and filename.
func NewObjectInfo(key string, size int64, md5 string, lastModified time.Time) ObjectInfo {
	info := ObjectInfo{
		Key:          key,
		Filename:     key,
		Size:         size,
		MD5:          md5,
		LastModified: lastModified,
	}
	if i := strings.LastIndex(key, "/"); i >= 0 {
		info.Path = key[:i]
		info.Filename = key[i+1:]
	}
	return info
}

// FromObjects converts a listed page.
func FromObjects(objs []source.Object) []ObjectInfo {
	out := make([]ObjectInfo, 0, len(objs))
	for _, o := range objs {
		out = append(out, NewObjectInfo(o.Key, o.Size, o.MD5, o.LastModified))
	}
	return out
}
