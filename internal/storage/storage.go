// Package storage persists finished generation artifacts. The broker hands
// over decoded bytes and gets back where they ended up; it never reads them
// again.
package storage

import (
	"context"
	"time"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

// TimeLayout 產物檔名的時間格式
const TimeLayout = "2006-01-02_15-04-05"

// Artifact is one finished payload.
type Artifact struct {
	JobID     types.JobID
	TaskType  types.TaskType
	OutputDir string // job-level directory, relative to the store root unless absolute
	FileExt   string
	Data      []byte
}

// Saved reports where an artifact was written.
type Saved struct {
	Path string
	Dir  string
}

// Store is implemented by LocalStore and S3Store.
type Store interface {
	Save(ctx context.Context, a Artifact) (Saved, error)
}

// BaseName 依時間產生檔名主體
func BaseName(t time.Time) string {
	return t.Format(TimeLayout)
}

// ContentType maps an artifact extension to a MIME type.
func ContentType(ext string) string {
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
