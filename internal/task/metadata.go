package task

import (
	"time"
)

const (
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusStopped     = "stopped"
	StatusFailed      = "failed"
)

type TaskMetadata struct {
	ID          string    `json:"id"`
	OriginalURL string    `json:"original_url"`
	OutFile     string    `json:"out_file"`
	RunID       string    `json:"run_id"`
	Segments    int       `json:"segments"`
	Bytes       int64     `json:"bytes"`
	CreatedTime time.Time `json:"created_time"`
	UpdatedTime time.Time `json:"updated_time"`
	Status      string    `json:"status"` // "downloading", "completed", "stopped", "failed"
	LastError   string    `json:"last_error,omitempty"`
}

// TaskItem is one segment written to a task's output.
type TaskItem struct {
	Seq      uint64 `json:"seq"`
	Pathname string `json:"pathname"`
	URL      string `json:"url"`
	Length   int64  `json:"length"`
	// Offset is the output length after this segment.
	Offset int64 `json:"offset"`
}
