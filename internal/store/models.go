package store

import (
	"time"
)

// ItemType classifies a node in the virtual tree.
type ItemType string

const (
	ItemTypeDir           ItemType = "dir"
	ItemTypeFile          ItemType = "file"
	ItemTypeMultipartFile ItemType = "multipartFile"
	ItemTypeSymlink       ItemType = "symlink"
)

// Well-known root folder names.
const (
	RootContent  = "content"
	RootSymlinks = "symlinks"
	RootIDs      = "ids"
)

// VirtualItem is one node of the virtual filesystem. Names are unique per
// parent. File nodes carry their segment list as JSON; multipart nodes
// carry MultipartMeta; small literal files (.strm) carry inline content.
type VirtualItem struct {
	ID                string     `db:"id"`
	ParentID          *string    `db:"parent_id"` // nil for the synthetic root
	Name              string     `db:"name"`
	Type              ItemType   `db:"type"`
	Size              int64      `db:"size"`
	Segments          *string    `db:"segments"`       // JSON []usenet.SegmentRef
	MultipartMeta     *string    `db:"multipart_meta"` // JSON usenet.MultipartMeta
	Content           []byte     `db:"content"`        // inline literal body
	SymlinkTarget     *string    `db:"symlink_target"`
	CreatedAt         time.Time  `db:"created_at"`
	ReleaseDate       *time.Time `db:"release_date"`
	LastHealthCheckAt *time.Time `db:"last_health_check_at"`
}

// QueuePriority orders jobs; higher values run first.
type QueuePriority int

const (
	QueuePriorityLow    QueuePriority = -1
	QueuePriorityNormal QueuePriority = 0
	QueuePriorityHigh   QueuePriority = 1
	QueuePriorityForce  QueuePriority = 2
)

// QueueItem is one NZB job waiting to be imported. The FIFO key is
// (priority desc, created_at asc); items with a future pause_until are
// skipped until it passes.
type QueueItem struct {
	ID                string        `db:"id"`
	FileName          string        `db:"file_name"`
	JobName           string        `db:"job_name"`
	Category          string        `db:"category"`
	NzbContents       []byte        `db:"nzb_contents"`
	Priority          QueuePriority `db:"priority"`
	PauseUntil        *time.Time    `db:"pause_until"`
	TotalSegmentBytes int64         `db:"total_segment_bytes"`
	CreatedAt         time.Time     `db:"created_at"`
}

// HistoryStatus is the terminal state of a finished job.
type HistoryStatus string

const (
	HistoryStatusCompleted HistoryStatus = "completed"
	HistoryStatusFailed    HistoryStatus = "failed"
)

// HistoryItem records a finished job. It keeps the queue item's id.
type HistoryItem struct {
	ID                  string        `db:"id"`
	JobName             string        `db:"job_name"`
	Category            string        `db:"category"`
	Status              HistoryStatus `db:"status"`
	TotalSegmentBytes   int64         `db:"total_segment_bytes"`
	DownloadTimeSeconds int64         `db:"download_time_seconds"`
	FailMessage         *string       `db:"fail_message"`
	DownloadDirID       *string       `db:"download_dir_id"`
	CreatedAt           time.Time     `db:"created_at"`
}
