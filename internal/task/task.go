// Package task owns the download task lifecycle: the persistent model,
// the sqlite repository and the manager driving state transitions.
package task

import (
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusParsing     Status = "parsing"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusMerging     Status = "merging"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Active reports whether the status describes in-flight work owned by a
// live goroutine. Active tasks found at startup were interrupted by a
// crash and normalize to paused.
func (s Status) Active() bool {
	return s == StatusParsing || s == StatusDownloading || s == StatusMerging
}

// MediaType distinguishes playlist-driven downloads from plain files.
type MediaType string

const (
	MediaSegmented  MediaType = "segmented"
	MediaSingleFile MediaType = "single-file"
)

// Channel selects who performs the download.
type Channel string

const (
	// ChannelDirect downloads segments in-process.
	ChannelDirect Channel = "direct"

	// ChannelTranscode delegates to the external transcode service and
	// mirrors its job state.
	ChannelTranscode Channel = "external-transcode"
)

// Task is the persistent record of one download.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	FileName  string    `json:"file_name"`
	SourceURL string    `json:"source_url"`
	MediaType MediaType `json:"media_type"`
	Channel   Channel   `json:"channel"`
	Status    Status    `json:"status"`

	// PlaylistURL is the final media playlist the plan came from, empty
	// until parsing succeeds.
	PlaylistURL string `json:"playlist_url,omitempty"`

	// The resolved plan. Excluded from API payloads; a long VOD carries
	// thousands of URLs.
	SegmentURLs   []string       `json:"-"`
	SegmentRanges map[int]string `json:"-"`

	TotalSegments      int   `json:"total_segments"`
	DownloadedSegments int   `json:"downloaded_segments"`
	DownloadedBytes    int64 `json:"downloaded_bytes"`
	TotalBytes         int64 `json:"total_bytes"`
	SpeedBps           int64 `json:"speed_bps"`
	MergeProgress      int   `json:"merge_progress"`

	// Request headers replayed on every upstream fetch for this task.
	Referer   string `json:"referer,omitempty"`
	Origin    string `json:"origin,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// External-transcode fields.
	ExternalJobID    string `json:"external_job_id,omitempty"`
	ExternalProgress int    `json:"external_progress,omitempty"`
	DownloadURL      string `json:"download_url,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
